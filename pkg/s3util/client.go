// Package s3util builds S3-compatible clients for the blob archive tier.
// Any endpoint speaking the S3 API works: AWS, MinIO, R2.
package s3util

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gftdcojp/streamlog/internal/config"
)

// ErrNoBucket is returned when the blob tier is enabled without a bucket.
var ErrNoBucket = errors.New("s3util: bucket is required")

// Client is an S3 client bound to the archive bucket.
type Client struct {
	S3     *s3.Client
	Bucket string
	Prefix string
}

// loadOptions turns the tier config into shared AWS config options. Static
// keys are only used when both halves are present; otherwise the default
// credential chain applies.
func loadOptions(cfg config.BlobTierConfig) []func(*awsconfig.LoadOptions) error {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
		opts = append(opts, awsconfig.WithCredentialsProvider(creds))
	}
	return opts
}

func clientOptions(cfg config.BlobTierConfig) func(*s3.Options) {
	return func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	}
}

// NewClient creates a client for the bucket named in cfg.
func NewClient(ctx context.Context, cfg config.BlobTierConfig) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, ErrNoBucket
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &Client{
		S3:     s3.NewFromConfig(awsCfg, clientOptions(cfg)),
		Bucket: cfg.Bucket,
		Prefix: cfg.Prefix,
	}, nil
}

// Ping reports whether the bucket is reachable with the configured credentials.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.S3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.Bucket)}); err != nil {
		return fmt.Errorf("bucket %s: %w", c.Bucket, err)
	}
	return nil
}
