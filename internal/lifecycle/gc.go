package lifecycle

import (
	"context"

	"github.com/gftdcojp/streamlog/internal/meta"
	"github.com/gftdcojp/streamlog/internal/tier"
	"github.com/gftdcojp/streamlog/internal/types"
	"go.uber.org/zap"
)

// CollectOrphans reconciles the archive catalog of a stream with the tier
// stores. Tiers that lost a block are dropped from its entry; an entry no
// tier holds any more is deleted. This can happen after a crash during
// demotion. It returns the number of entries deleted.
func CollectOrphans(ctx context.Context, store *meta.BoltStore, ctrl *tier.Controller, stream types.StreamLogID, logger *zap.Logger) (int, error) {
	entries, err := store.ListPacked(ctx, stream, nil)
	if err != nil {
		return 0, err
	}

	collected := 0
	for _, entry := range entries {
		missing, err := ctrl.Verify(ctx, entry)
		if err != nil {
			logger.Warn("error checking block existence",
				zap.Stringer("stream", stream),
				zap.Uint64("first_version", entry.FirstVersion),
				zap.Error(err))
			continue
		}
		if len(missing) == 0 {
			continue
		}
		if len(missing) == len(entry.EffectiveTiers()) {
			logger.Warn("orphaned block metadata found, cleaning up",
				zap.Stringer("stream", stream),
				zap.Uint64("first_version", entry.FirstVersion))
			if err := store.DeletePacked(ctx, stream, entry.FirstVersion); err != nil {
				logger.Error("failed to delete orphan metadata",
					zap.Uint64("first_version", entry.FirstVersion), zap.Error(err))
				continue
			}
			collected++
			continue
		}
		for _, t := range missing {
			logger.Warn("block missing from tier",
				zap.Stringer("stream", stream),
				zap.Uint64("first_version", entry.FirstVersion),
				zap.Stringer("tier", t))
			if err := store.RemoveTierPresence(ctx, stream, entry.FirstVersion, t); err != nil {
				logger.Error("failed to update tier presence",
					zap.Uint64("first_version", entry.FirstVersion), zap.Error(err))
			}
		}
	}
	return collected, nil
}
