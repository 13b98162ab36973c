package tier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gftdcojp/streamlog/internal/block"
	"github.com/gftdcojp/streamlog/internal/config"
	"github.com/gftdcojp/streamlog/internal/meta"
	"github.com/gftdcojp/streamlog/internal/metrics"
	"github.com/gftdcojp/streamlog/internal/types"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"
)

// ErrDigestMismatch is returned when an archived copy fails verification.
var ErrDigestMismatch = errors.New("archived block digest mismatch")

// ControllerConfig holds dependencies for the tier controller.
type ControllerConfig struct {
	Memory TierStore
	File   TierStore
	Blob   TierStore
	Meta   *meta.BoltStore
	Policy config.TiersConfig
	Logger *zap.Logger
}

// Controller is the archive behind packed blocks. It writes every packed
// block through to all enabled tiers and serves reads from the hottest tier
// that still holds a verified copy.
type Controller struct {
	memory TierStore
	file   TierStore
	blob   TierStore
	meta   *meta.BoltStore
	policy *Policy
	logger *zap.Logger
	mu     sync.Mutex
}

// NewController creates a new tier controller.
func NewController(cfg ControllerConfig) *Controller {
	return &Controller{
		memory: cfg.Memory,
		file:   cfg.File,
		blob:   cfg.Blob,
		meta:   cfg.Meta,
		policy: NewPolicy(cfg.Policy),
		logger: cfg.Logger.Named("archive"),
	}
}

func digest(raw []byte) []byte {
	sum := blake3.Sum256(raw)
	return sum[:]
}

// Archive snapshots a completed block, writes it to every enabled tier
// (write-through) and records it in the catalog. Archiving the same block
// twice overwrites the earlier copy.
func (c *Controller) Archive(ctx context.Context, blk *block.StreamBlock) (*meta.PackedEntry, error) {
	raw := blk.Snapshot()
	ref := BlockRef{
		Stream:       blk.StreamID(),
		FirstVersion: blk.FirstVersion(),
		LastVersion:  blk.LastVersion(),
	}

	var tiers []Tier
	for _, t := range []Tier{TierMemory, TierFile, TierBlob} {
		store := c.storeForTier(t)
		if !c.policy.Enabled(t) || store == nil {
			continue
		}
		if err := store.Put(ctx, ref, raw); err != nil {
			return nil, fmt.Errorf("storing block in %s tier: %w", t, err)
		}
		tiers = append(tiers, t)
	}
	if len(tiers) == 0 {
		return nil, fmt.Errorf("no enabled tier for stream %s", ref.Stream)
	}

	entry := meta.PackedEntry{
		Stream:         ref.Stream,
		FirstVersion:   ref.FirstVersion,
		LastVersion:    ref.LastVersion,
		Count:          blk.Count(),
		Checksum:       blk.Checksum(),
		PrevChecksum:   blk.PrevChecksum(),
		FirstTimestamp: blk.WriteStart(),
		LastTimestamp:  blk.LastTimestamp(),
		SizeBytes:      int64(len(raw)),
		Digest:         digest(raw),
		CurrentTier:    tiers[0],
		Tiers:          tiers,
		PackedAt:       time.Now(),
	}
	if err := c.meta.RecordPacked(ctx, entry); err != nil {
		return nil, fmt.Errorf("recording packed block: %w", err)
	}

	for _, t := range tiers {
		metrics.TierBlockCount.WithLabelValues(ref.Stream.String(), t.String()).Inc()
		metrics.TierBytes.WithLabelValues(ref.Stream.String(), t.String()).Add(float64(entry.SizeBytes))
	}

	c.logger.Debug("block archived",
		zap.Stringer("stream", ref.Stream),
		zap.Uint64("first_version", ref.FirstVersion),
		zap.Uint64("last_version", ref.LastVersion),
		zap.Int("count", entry.Count),
		zap.Int("tiers", len(tiers)),
	)

	return &entry, nil
}

// LastPacked returns the newest archived block of stream, or nil.
func (c *Controller) LastPacked(ctx context.Context, stream types.StreamLogID) (*meta.PackedEntry, error) {
	return c.meta.LastPacked(ctx, stream)
}

// Fetch returns the archived block holding version, read from the hottest
// tier with a copy whose digest verifies. A block served from a colder tier
// is copied back into memory.
func (c *Controller) Fetch(ctx context.Context, stream types.StreamLogID, version uint64) (*block.StreamBlock, *meta.PackedEntry, error) {
	entry, err := c.meta.LookupPacked(ctx, stream, version)
	if err != nil {
		return nil, nil, fmt.Errorf("looking up version %d: %w", version, err)
	}
	blk, err := c.fetchEntry(ctx, entry)
	if err != nil {
		return nil, nil, err
	}
	return blk, entry, nil
}

func (c *Controller) fetchEntry(ctx context.Context, entry *meta.PackedEntry) (*block.StreamBlock, error) {
	ref := entry.Ref()
	start := time.Now()

	var lastErr error
	for _, t := range entry.EffectiveTiers() {
		store := c.storeForTier(t)
		if store == nil {
			continue
		}
		raw, err := store.Get(ctx, ref)
		if err != nil {
			// Tier miss (e.g. LRU eviction); fall through to next tier.
			lastErr = err
			continue
		}
		if len(entry.Digest) > 0 && !bytes.Equal(digest(raw), entry.Digest) {
			metrics.DigestMismatches.WithLabelValues(t.String()).Inc()
			c.logger.Error("archived block failed verification",
				zap.Stringer("stream", ref.Stream),
				zap.Uint64("first_version", ref.FirstVersion),
				zap.String("tier", t.String()),
			)
			lastErr = fmt.Errorf("%w: %s@%d in %s tier", ErrDigestMismatch, ref.Stream, ref.FirstVersion, t)
			continue
		}
		blk, err := block.Decode(raw, c.logger)
		if err != nil {
			lastErr = err
			continue
		}

		metrics.ReadRequests.WithLabelValues(ref.Stream.String(), t.String()).Inc()
		metrics.ReadLatency.WithLabelValues(ref.Stream.String(), t.String()).Observe(time.Since(start).Seconds())

		if t != TierMemory && c.policy.Enabled(TierMemory) && c.memory != nil {
			if err := c.memory.Put(ctx, ref, raw); err == nil {
				if err := c.meta.AddTierPresence(ctx, ref.Stream, ref.FirstVersion, TierMemory); err != nil {
					c.logger.Warn("failed to record promotion", zap.Error(err))
				}
				metrics.PromotionOps.WithLabelValues(ref.Stream.String(), t.String(), TierMemory.String()).Inc()
			}
		}
		return blk, nil
	}
	if lastErr == nil {
		lastErr = ErrBlockNotFound
	}
	return nil, fmt.Errorf("block %s@%d not readable from any tier: %w", ref.Stream, ref.FirstVersion, lastErr)
}

// Retrieve returns a copy of the record at version from the archive.
func (c *Controller) Retrieve(ctx context.Context, stream types.StreamLogID, version uint64) ([]byte, error) {
	blk, _, err := c.Fetch(ctx, stream, version)
	if err != nil {
		return nil, err
	}
	rec, ok := blk.RecordAt(version)
	if !ok {
		return nil, fmt.Errorf("version %d of %s: %w", version, stream, meta.ErrNotFound)
	}
	return append([]byte(nil), rec...), nil
}

// Demote evicts a block from a hotter tier. With write-through, the block
// already exists in colder tiers, so only deletion from the source is needed.
func (c *Controller) Demote(ctx context.Context, ref BlockRef, from, to Tier) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	fromStore := c.storeForTier(from)
	if fromStore == nil {
		return fmt.Errorf("tier store not available: from=%s", from)
	}

	if err := fromStore.Delete(ctx, ref); err != nil {
		c.logger.Warn("failed to delete from source tier during eviction",
			zap.Error(err), zap.Stringer("stream", ref.Stream), zap.Uint64("first_version", ref.FirstVersion), zap.String("from", from.String()))
	}

	if err := c.meta.UpdateTier(ctx, ref.Stream, ref.FirstVersion, from, to); err != nil {
		return fmt.Errorf("updating tier metadata: %w", err)
	}

	metrics.DemotionOps.WithLabelValues(ref.Stream.String(), from.String(), to.String()).Inc()
	metrics.TierBlockCount.WithLabelValues(ref.Stream.String(), from.String()).Dec()

	c.logger.Info("block evicted from tier",
		zap.Stringer("stream", ref.Stream),
		zap.Uint64("first_version", ref.FirstVersion),
		zap.String("from", from.String()),
	)

	return nil
}

// Promote copies a block from a colder to a hotter tier and updates metadata.
func (c *Controller) Promote(ctx context.Context, ref BlockRef, from, to Tier) error {
	fromStore := c.storeForTier(from)
	toStore := c.storeForTier(to)
	if fromStore == nil || toStore == nil {
		return fmt.Errorf("tier store not available")
	}

	raw, err := fromStore.Get(ctx, ref)
	if err != nil {
		return err
	}
	if err := toStore.Put(ctx, ref, raw); err != nil {
		return err
	}

	if err := c.meta.AddTierPresence(ctx, ref.Stream, ref.FirstVersion, to); err != nil {
		c.logger.Warn("failed to update tier presence after promotion",
			zap.Error(err), zap.Stringer("stream", ref.Stream), zap.Uint64("first_version", ref.FirstVersion))
	}

	metrics.PromotionOps.WithLabelValues(ref.Stream.String(), from.String(), to.String()).Inc()
	return nil
}

// DeleteFromTier deletes a block from a specific tier.
func (c *Controller) DeleteFromTier(ctx context.Context, ref BlockRef, t Tier) error {
	store := c.storeForTier(t)
	if store == nil {
		return fmt.Errorf("tier store not available: %s", t)
	}
	return store.Delete(ctx, ref)
}

// Forget removes every copy of a block and its catalog entry.
func (c *Controller) Forget(ctx context.Context, entry meta.PackedEntry) error {
	ref := entry.Ref()
	for _, t := range entry.EffectiveTiers() {
		if err := c.DeleteFromTier(ctx, ref, t); err != nil {
			return fmt.Errorf("deleting %s@%d from %s tier: %w", ref.Stream, ref.FirstVersion, t, err)
		}
		metrics.TierBlockCount.WithLabelValues(ref.Stream.String(), t.String()).Dec()
	}
	return c.meta.DeletePacked(ctx, ref.Stream, ref.FirstVersion)
}

// Verify checks that each tier listed for entry really holds the block and
// returns the tiers that do not.
func (c *Controller) Verify(ctx context.Context, entry meta.PackedEntry) ([]Tier, error) {
	var missing []Tier
	for _, t := range entry.EffectiveTiers() {
		store := c.storeForTier(t)
		if store == nil {
			missing = append(missing, t)
			continue
		}
		ok, err := store.Exists(ctx, entry.Ref())
		if err != nil {
			return nil, err
		}
		if !ok {
			missing = append(missing, t)
		}
	}
	return missing, nil
}

// RunDemotionLoop periodically evaluates policies and demotes eligible blocks.
func (c *Controller) RunDemotionLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.demotionCycle(ctx); err != nil {
				c.logger.Error("demotion cycle error", zap.Error(err))
			}
		}
	}
}

func (c *Controller) demotionCycle(ctx context.Context) error {
	streams, err := c.meta.ArchivedStreams(ctx)
	if err != nil {
		return err
	}
	for _, stream := range streams {
		if err := c.demoteStream(ctx, stream); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) demoteStream(ctx context.Context, stream types.StreamLogID) error {
	blocks, err := c.meta.ListPacked(ctx, stream, nil)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, step := range c.policy.Steps() {
		for _, blk := range step.Limits.Select(filterByTier(blocks, step.From), now) {
			if err := c.Demote(ctx, blk.Ref(), step.From, step.To); err != nil {
				c.logger.Error("evicting block",
					zap.Error(err),
					zap.Stringer("stream", stream),
					zap.Uint64("first_version", blk.FirstVersion),
					zap.Stringer("from", step.From))
			}
		}
	}
	return nil
}

// StoreForTier returns the TierStore for a given tier.
func (c *Controller) StoreForTier(t Tier) TierStore {
	return c.storeForTier(t)
}

func (c *Controller) storeForTier(t Tier) TierStore {
	switch t {
	case TierMemory:
		return c.memory
	case TierFile:
		return c.file
	case TierBlob:
		return c.blob
	}
	return nil
}

func filterByTier(blocks []meta.PackedEntry, t Tier) []meta.PackedEntry {
	var result []meta.PackedEntry
	for _, b := range blocks {
		for _, bt := range b.EffectiveTiers() {
			if bt == t {
				result = append(result, b)
				break
			}
		}
	}
	return result
}
