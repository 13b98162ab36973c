package tier

import (
	"sort"
	"time"

	"github.com/gftdcojp/streamlog/internal/config"
	"github.com/gftdcojp/streamlog/internal/meta"
	"github.com/gftdcojp/streamlog/internal/types"
)

// Limits bounds how much of one stream's archive a tier keeps. Zero fields
// are unbounded.
type Limits struct {
	MaxAge    time.Duration
	MaxBytes  int64
	MaxBlocks int
}

func (l Limits) bounded() bool {
	return l.MaxAge > 0 || l.MaxBytes > 0 || l.MaxBlocks > 0
}

// Step evicts blocks over Limits from From; To already holds a copy.
type Step struct {
	From, To Tier
	Limits   Limits
}

// Policy decides which archived blocks leave which tier.
type Policy struct {
	tiers config.TiersConfig
}

func NewPolicy(cfg config.TiersConfig) *Policy {
	return &Policy{tiers: cfg}
}

// Enabled reports whether t is configured.
func (p *Policy) Enabled(t Tier) bool {
	switch t {
	case TierMemory:
		return p.tiers.Memory.Enabled
	case TierFile:
		return p.tiers.File.Enabled
	case TierBlob:
		return p.tiers.Blob.Enabled
	}
	return false
}

// Steps lists eviction steps, hottest tier first. A tier is only evicted
// from when a colder tier is enabled, since packing writes through to every
// tier and the coldest copy is never dropped.
func (p *Policy) Steps() []Step {
	var steps []Step
	if p.tiers.Memory.Enabled {
		mc := p.tiers.Memory
		l := Limits{MaxAge: mc.MaxAge.Duration(), MaxBytes: int64(mc.MaxBytes), MaxBlocks: mc.MaxBlocks}
		switch {
		case p.tiers.File.Enabled:
			steps = append(steps, Step{From: TierMemory, To: TierFile, Limits: l})
		case p.tiers.Blob.Enabled:
			steps = append(steps, Step{From: TierMemory, To: TierBlob, Limits: l})
		}
	}
	if p.tiers.File.Enabled && p.tiers.Blob.Enabled {
		fc := p.tiers.File
		l := Limits{MaxAge: fc.MaxAge.Duration(), MaxBytes: int64(fc.MaxBytes), MaxBlocks: fc.MaxBlocks}
		steps = append(steps, Step{From: TierFile, To: TierBlob, Limits: l})
	}
	return steps
}

// lastTime is when a block's newest record was written, or when the block
// was packed for streams without timestamps.
func lastTime(e meta.PackedEntry) time.Time {
	if e.LastTimestamp != 0 {
		return types.UnixNano(e.LastTimestamp)
	}
	return e.PackedAt
}

// Select returns the blocks of one stream that exceed l, in version order.
// A block is selected when it is older than MaxAge, or when keeping it and
// every newer block would exceed MaxBytes or MaxBlocks.
func (l Limits) Select(blocks []meta.PackedEntry, now time.Time) []meta.PackedEntry {
	if len(blocks) == 0 || !l.bounded() {
		return nil
	}
	ordered := make([]meta.PackedEntry, len(blocks))
	copy(ordered, blocks)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].FirstVersion < ordered[j].FirstVersion })

	var bytes int64
	for _, b := range ordered {
		bytes += b.SizeBytes
	}
	count := len(ordered)
	cutoff := now.Add(-l.MaxAge)

	var out []meta.PackedEntry
	for _, b := range ordered {
		over := (l.MaxBytes > 0 && bytes > l.MaxBytes) || (l.MaxBlocks > 0 && count > l.MaxBlocks)
		if over || (l.MaxAge > 0 && lastTime(b).Before(cutoff)) {
			out = append(out, b)
			bytes -= b.SizeBytes
			count--
		}
	}
	return out
}
