// Package file is the local disk archive tier. Each packed block is one
// file, optionally compressed.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gftdcojp/streamlog/internal/config"
	"github.com/gftdcojp/streamlog/internal/tier"
	"go.uber.org/zap"
)

const blockExt = ".blk"

// Store implements tier.TierStore using local filesystem.
type Store struct {
	mu         sync.RWMutex
	cfg        config.FileTierConfig
	dataDir    string
	codec      codec
	totalBytes int64
	blockCount int64
	logger     *zap.Logger
}

// NewStore opens the tier under cfg.DataDir and counts the blocks already
// there.
func NewStore(cfg config.FileTierConfig, logger *zap.Logger) (*Store, error) {
	c, err := parseCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("file tier requires a data dir")
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data dir %s: %w", cfg.DataDir, err)
	}
	s := &Store{
		cfg:     cfg,
		dataDir: cfg.DataDir,
		codec:   c,
		logger:  logger.Named("file"),
	}
	if err := s.scan(); err != nil {
		return nil, fmt.Errorf("scanning %s: %w", cfg.DataDir, err)
	}
	return s, nil
}

func (s *Store) scan() error {
	return filepath.WalkDir(s.dataDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !strings.HasSuffix(path, blockExt) {
			// Leftover from an interrupted Put.
			if strings.HasSuffix(path, ".tmp") {
				os.Remove(path)
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		s.totalBytes += info.Size()
		s.blockCount++
		return nil
	})
}

func (s *Store) blockPath(ref tier.BlockRef) string {
	return filepath.Join(s.dataDir, filepath.FromSlash(tier.Key(ref))+blockExt)
}

// Put writes the block to a temporary file and renames it into place, so a
// reader never sees a partial file.
func (s *Store) Put(_ context.Context, ref tier.BlockRef, data []byte) error {
	blkPath := s.blockPath(ref)
	if err := os.MkdirAll(filepath.Dir(blkPath), 0755); err != nil {
		return err
	}

	encoded, err := encodeBlock(s.codec, data)
	if err != nil {
		return fmt.Errorf("compressing block: %w", err)
	}

	var replaced int64 = -1
	if info, err := os.Stat(blkPath); err == nil {
		replaced = info.Size()
	}

	tmp := blkPath + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0644); err != nil {
		return fmt.Errorf("writing block file: %w", err)
	}
	if err := os.Rename(tmp, blkPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming block file: %w", err)
	}

	s.mu.Lock()
	if replaced >= 0 {
		s.totalBytes -= replaced
	} else {
		s.blockCount++
	}
	s.totalBytes += int64(len(encoded))
	s.mu.Unlock()

	s.logger.Debug("block stored on disk",
		zap.String("path", blkPath),
		zap.Int("size", len(data)),
		zap.Int("stored", len(encoded)),
		zap.Stringer("codec", s.codec),
	)

	return nil
}

func (s *Store) Get(_ context.Context, ref tier.BlockRef) ([]byte, error) {
	blkPath := s.blockPath(ref)
	raw, err := os.ReadFile(blkPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s in file tier: %w", tier.Key(ref), tier.ErrBlockNotFound)
		}
		return nil, fmt.Errorf("reading block file: %w", err)
	}
	data, err := decodeBlock(raw)
	if err != nil {
		return nil, fmt.Errorf("decompressing %s: %w", blkPath, err)
	}
	return data, nil
}

func (s *Store) Delete(_ context.Context, ref tier.BlockRef) error {
	blkPath := s.blockPath(ref)
	info, err := os.Stat(blkPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	size := info.Size()
	if err := os.Remove(blkPath); err != nil {
		return err
	}

	s.mu.Lock()
	s.totalBytes -= size
	s.blockCount--
	s.mu.Unlock()

	return nil
}

func (s *Store) Exists(_ context.Context, ref tier.BlockRef) (bool, error) {
	_, err := os.Stat(s.blockPath(ref))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (s *Store) Stats(_ context.Context) (tier.TierStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return tier.TierStats{
		Tier:        tier.TierFile,
		BlockCount:  s.blockCount,
		TotalBytes:  s.totalBytes,
		CapacityMax: int64(s.cfg.MaxBytes),
	}, nil
}

func (s *Store) Close() error {
	return nil
}
