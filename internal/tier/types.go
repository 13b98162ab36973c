package tier

import (
	"context"
	"errors"
	"fmt"

	"github.com/gftdcojp/streamlog/internal/types"
)

// Re-export types for convenience.
type Tier = types.Tier
type BlockRef = types.BlockRef
type TierStats = types.TierStats

// Re-export constants.
const (
	TierMemory = types.TierMemory
	TierFile   = types.TierFile
	TierBlob   = types.TierBlob
)

// ErrBlockNotFound is returned by a TierStore that does not hold a block.
var ErrBlockNotFound = errors.New("block not found in tier")

// TierStore is the interface every storage tier must implement. Blocks are
// stored as opaque snapshots keyed by stream and first version.
type TierStore interface {
	Put(ctx context.Context, ref BlockRef, data []byte) error
	Get(ctx context.Context, ref BlockRef) ([]byte, error)
	Delete(ctx context.Context, ref BlockRef) error
	Exists(ctx context.Context, ref BlockRef) (bool, error)
	Stats(ctx context.Context) (TierStats, error)
	Close() error
}

// Key is the canonical name of a block inside a tier.
func Key(ref BlockRef) string {
	return fmt.Sprintf("%d/%d/%020d", ref.Stream.RepoID(), ref.Stream.StreamID(), ref.FirstVersion)
}
