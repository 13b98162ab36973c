package tier

import (
	"context"
	"fmt"
	"sync"
)

// mockTierStore is a thread-safe in-memory TierStore for testing.
type mockTierStore struct {
	mu     sync.Mutex
	blocks map[string][]byte
	putErr error
	getErr error
	delErr error
	tier   Tier
}

func newMockStore(t Tier) *mockTierStore {
	return &mockTierStore{
		blocks: make(map[string][]byte),
		tier:   t,
	}
}

func (m *mockTierStore) Put(_ context.Context, ref BlockRef, data []byte) error {
	if m.putErr != nil {
		return m.putErr
	}
	m.mu.Lock()
	m.blocks[Key(ref)] = append([]byte(nil), data...)
	m.mu.Unlock()
	return nil
}

func (m *mockTierStore) Get(_ context.Context, ref BlockRef) ([]byte, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	m.mu.Lock()
	raw, ok := m.blocks[Key(ref)]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", Key(ref), ErrBlockNotFound)
	}
	return append([]byte(nil), raw...), nil
}

func (m *mockTierStore) Delete(_ context.Context, ref BlockRef) error {
	if m.delErr != nil {
		return m.delErr
	}
	m.mu.Lock()
	delete(m.blocks, Key(ref))
	m.mu.Unlock()
	return nil
}

func (m *mockTierStore) Exists(_ context.Context, ref BlockRef) (bool, error) {
	m.mu.Lock()
	_, ok := m.blocks[Key(ref)]
	m.mu.Unlock()
	return ok, nil
}

func (m *mockTierStore) Stats(_ context.Context) (TierStats, error) {
	m.mu.Lock()
	count := int64(len(m.blocks))
	m.mu.Unlock()
	return TierStats{Tier: m.tier, BlockCount: count}, nil
}

func (m *mockTierStore) Close() error {
	return nil
}

func (m *mockTierStore) hasBlock(ref BlockRef) bool {
	m.mu.Lock()
	_, ok := m.blocks[Key(ref)]
	m.mu.Unlock()
	return ok
}

// corrupt flips a payload byte of a stored block.
func (m *mockTierStore) corrupt(ref BlockRef) {
	m.mu.Lock()
	raw := m.blocks[Key(ref)]
	raw[len(raw)-1] ^= 0xFF
	m.mu.Unlock()
}
