package memory

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/gftdcojp/streamlog/internal/config"
	"github.com/gftdcojp/streamlog/internal/tier"
	"github.com/gftdcojp/streamlog/internal/types"
	"go.uber.org/zap"
)

var stream = types.MakeStreamLogID(3, 1)

func ref(first uint64) tier.BlockRef {
	return tier.BlockRef{Stream: stream, FirstVersion: first, LastVersion: first + 9}
}

func TestMemoryStorePutGet(t *testing.T) {
	store := NewStore(config.MemoryTierConfig{
		Enabled:  true,
		MaxBytes: config.ByteSize(100 * 1024 * 1024),
	}, zap.NewNop())
	defer store.Close()

	ctx := context.Background()
	data := []byte("snapshot bytes")

	if err := store.Put(ctx, ref(100), data); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	data[0] = 'X'

	exists, _ := store.Exists(ctx, ref(100))
	if !exists {
		t.Fatal("block should exist")
	}

	got, err := store.Get(ctx, ref(100))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, []byte("snapshot bytes")) {
		t.Errorf("Get = %q, store kept a reference to the caller's buffer", got)
	}

	if _, err := store.Get(ctx, ref(200)); !errors.Is(err, tier.ErrBlockNotFound) {
		t.Errorf("Get missing: %v", err)
	}
}

func TestMemoryStoreEviction(t *testing.T) {
	store := NewStore(config.MemoryTierConfig{
		Enabled:   true,
		MaxBlocks: 2,
	}, zap.NewNop())
	defer store.Close()

	ctx := context.Background()

	store.Put(ctx, ref(1), []byte("a"))
	store.Put(ctx, ref(2), []byte("b"))
	// Touch block 1 so block 2 becomes the least recently used.
	store.Get(ctx, ref(1))
	store.Put(ctx, ref(3), []byte("c"))

	stats, _ := store.Stats(ctx)
	if stats.BlockCount != 2 {
		t.Errorf("expected 2 blocks after eviction, got %d", stats.BlockCount)
	}
	if exists, _ := store.Exists(ctx, ref(2)); exists {
		t.Error("block 2 should have been evicted")
	}
	if exists, _ := store.Exists(ctx, ref(1)); !exists {
		t.Error("recently read block 1 was evicted")
	}
}

func TestMemoryStoreByteLimit(t *testing.T) {
	store := NewStore(config.MemoryTierConfig{Enabled: true, MaxBytes: 10}, zap.NewNop())
	ctx := context.Background()

	store.Put(ctx, ref(1), make([]byte, 6))
	store.Put(ctx, ref(2), make([]byte, 6))

	stats, _ := store.Stats(ctx)
	if stats.BlockCount != 1 || stats.TotalBytes != 6 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestMemoryStoreReplace(t *testing.T) {
	store := NewStore(config.MemoryTierConfig{Enabled: true}, zap.NewNop())
	ctx := context.Background()

	store.Put(ctx, ref(1), make([]byte, 4))
	store.Put(ctx, ref(1), make([]byte, 8))

	stats, _ := store.Stats(ctx)
	if stats.BlockCount != 1 || stats.TotalBytes != 8 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestMemoryStoreDelete(t *testing.T) {
	store := NewStore(config.MemoryTierConfig{Enabled: true}, zap.NewNop())
	defer store.Close()

	ctx := context.Background()
	store.Put(ctx, ref(1), []byte("x"))

	store.Delete(ctx, ref(1))
	exists, _ := store.Exists(ctx, ref(1))
	if exists {
		t.Error("block should not exist after delete")
	}
	stats, _ := store.Stats(ctx)
	if stats.TotalBytes != 0 {
		t.Errorf("total bytes after delete = %d", stats.TotalBytes)
	}
}

func TestMemoryStoreKeysByStream(t *testing.T) {
	store := NewStore(config.MemoryTierConfig{Enabled: true}, zap.NewNop())
	ctx := context.Background()

	other := tier.BlockRef{Stream: types.MakeStreamLogID(3, 2), FirstVersion: 1, LastVersion: 10}
	store.Put(ctx, ref(1), []byte("first"))
	store.Put(ctx, other, []byte("second"))

	got, err := store.Get(ctx, ref(1))
	if err != nil || string(got) != "first" {
		t.Errorf("Get(3/1@1) = %q, %v", got, err)
	}
	got, err = store.Get(ctx, other)
	if err != nil || string(got) != "second" {
		t.Errorf("Get(3/2@1) = %q, %v", got, err)
	}
}
