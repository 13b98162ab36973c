// Package blob is the coldest archive tier: packed block snapshots stored as
// objects in S3-compatible storage.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gftdcojp/streamlog/internal/config"
	"github.com/gftdcojp/streamlog/internal/metrics"
	"github.com/gftdcojp/streamlog/internal/tier"
	"go.uber.org/zap"
)

// S3API is the subset of the S3 client the store uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Store implements tier.TierStore for S3-compatible object storage.
type Store struct {
	s3     S3API
	bucket string
	cfg    config.BlobTierConfig
	logger *zap.Logger

	// Counts what this process uploaded; the bucket is not listed.
	uploaded      atomic.Int64
	uploadedBytes atomic.Int64
}

// NewStore creates a new blob store using an S3API implementation.
func NewStore(s3api S3API, bucket string, cfg config.BlobTierConfig, logger *zap.Logger) *Store {
	return &Store{
		s3:     s3api,
		bucket: bucket,
		cfg:    cfg,
		logger: logger.Named("blob"),
	}
}

func (s *Store) objectKey(ref tier.BlockRef) string {
	return path.Join(s.cfg.Prefix, tier.Key(ref)) + ".blk"
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	var nf *s3types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

func errorType(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	return "other"
}

func (s *Store) Put(ctx context.Context, ref tier.BlockRef, data []byte) error {
	key := s.objectKey(ref)
	stream := ref.Stream.String()

	input := &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &key,
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"sl-stream":        stream,
			"sl-first-version": strconv.FormatUint(ref.FirstVersion, 10),
			"sl-last-version":  strconv.FormatUint(ref.LastVersion, 10),
		},
	}
	if s.cfg.StorageClass != "" {
		input.StorageClass = s3types.StorageClass(s.cfg.StorageClass)
	}

	start := time.Now()
	if _, err := s.s3.PutObject(ctx, input); err != nil {
		metrics.S3UploadErrors.WithLabelValues(stream, errorType(err)).Inc()
		return fmt.Errorf("uploading block to S3: %w", err)
	}
	metrics.S3UploadDuration.WithLabelValues(stream).Observe(time.Since(start).Seconds())
	s.uploaded.Add(1)
	s.uploadedBytes.Add(int64(len(data)))

	s.logger.Debug("block uploaded to S3",
		zap.String("key", key),
		zap.Int("size", len(data)),
	)

	return nil
}

func (s *Store) Get(ctx context.Context, ref tier.BlockRef) ([]byte, error) {
	key := s.objectKey(ref)
	start := time.Now()
	resp, err := s.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%s in blob tier: %w", key, tier.ErrBlockNotFound)
		}
		return nil, fmt.Errorf("downloading block from S3: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading S3 response: %w", err)
	}
	metrics.S3DownloadDuration.WithLabelValues(ref.Stream.String()).Observe(time.Since(start).Seconds())
	return raw, nil
}

func (s *Store) Delete(ctx context.Context, ref tier.BlockRef) error {
	key := s.objectKey(ref)
	_, err := s.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("deleting block from S3: %w", err)
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, ref tier.BlockRef) (bool, error) {
	key := s.objectKey(ref)
	_, err := s.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) Stats(_ context.Context) (tier.TierStats, error) {
	return tier.TierStats{
		Tier:        tier.TierBlob,
		BlockCount:  s.uploaded.Load(),
		TotalBytes:  s.uploadedBytes.Load(),
		CapacityMax: -1, // unlimited
	}, nil
}

func (s *Store) Close() error {
	return nil
}
