// Package memory is the hottest archive tier: packed block snapshots kept
// in process memory with LRU eviction.
package memory

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"github.com/gftdcojp/streamlog/internal/config"
	"github.com/gftdcojp/streamlog/internal/tier"
	"github.com/gftdcojp/streamlog/internal/types"
	"go.uber.org/zap"
)

type blockKey struct {
	stream types.StreamLogID
	first  uint64
}

func keyOf(ref tier.BlockRef) blockKey {
	return blockKey{stream: ref.Stream, first: ref.FirstVersion}
}

type entry struct {
	key  blockKey
	ref  tier.BlockRef
	data []byte
}

// Store implements tier.TierStore as an in-process LRU cache. The cache is
// bounded across all streams by MaxBlocks and MaxBytes.
type Store struct {
	cfg    config.MemoryTierConfig
	logger *zap.Logger

	mu    sync.Mutex
	items map[blockKey]*list.Element
	lru   *list.List // front is most recently used
	bytes int64
}

func NewStore(cfg config.MemoryTierConfig, logger *zap.Logger) *Store {
	return &Store{
		cfg:    cfg,
		logger: logger.Named("memory"),
		items:  make(map[blockKey]*list.Element),
		lru:    list.New(),
	}
}

func (s *Store) Put(_ context.Context, ref tier.BlockRef, data []byte) error {
	e := &entry{key: keyOf(ref), ref: ref, data: append([]byte(nil), data...)}

	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[e.key]; ok {
		s.remove(el)
	}
	for s.lru.Len() > 0 && s.full(int64(len(e.data))) {
		victim := s.lru.Back()
		s.remove(victim)
		s.logger.Debug("evicted block", zap.String("key", tier.Key(victim.Value.(*entry).ref)))
	}
	s.items[e.key] = s.lru.PushFront(e)
	s.bytes += int64(len(e.data))
	return nil
}

func (s *Store) Get(_ context.Context, ref tier.BlockRef) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[keyOf(ref)]
	if !ok {
		return nil, fmt.Errorf("%s in memory tier: %w", tier.Key(ref), tier.ErrBlockNotFound)
	}
	s.lru.MoveToFront(el)
	return append([]byte(nil), el.Value.(*entry).data...), nil
}

func (s *Store) Delete(_ context.Context, ref tier.BlockRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.items[keyOf(ref)]; ok {
		s.remove(el)
	}
	return nil
}

func (s *Store) Exists(_ context.Context, ref tier.BlockRef) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[keyOf(ref)]
	return ok, nil
}

func (s *Store) Stats(_ context.Context) (tier.TierStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return tier.TierStats{
		Tier:        tier.TierMemory,
		BlockCount:  int64(len(s.items)),
		TotalBytes:  s.bytes,
		CapacityMax: int64(s.cfg.MaxBytes),
	}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[blockKey]*list.Element)
	s.lru.Init()
	s.bytes = 0
	return nil
}

// full reports whether adding incoming bytes would break a bound.
func (s *Store) full(incoming int64) bool {
	if s.cfg.MaxBlocks > 0 && s.lru.Len() >= s.cfg.MaxBlocks {
		return true
	}
	return s.cfg.MaxBytes > 0 && s.bytes+incoming > int64(s.cfg.MaxBytes)
}

func (s *Store) remove(el *list.Element) {
	e := s.lru.Remove(el).(*entry)
	delete(s.items, e.key)
	s.bytes -= int64(len(e.data))
}
