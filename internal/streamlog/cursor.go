package streamlog

import (
	"context"
	"errors"
	"fmt"

	"github.com/gftdcojp/streamlog/internal/block"
	"github.com/gftdcojp/streamlog/internal/index"
	"github.com/gftdcojp/streamlog/internal/meta"
)

// Cursor reads a stream in version order. Records of blocks still in shared
// memory are read in place through a pinned lease; packed blocks that left
// shared memory are fetched from the archive. A Cursor is not safe for
// concurrent use.
type Cursor struct {
	s   *StreamLog
	ctx context.Context

	lease *index.Lease
	blk   *block.StreamBlock

	version uint64
	current []byte
}

// NewCursor returns a cursor positioned before the first record.
func (s *StreamLog) NewCursor(ctx context.Context) *Cursor {
	return &Cursor{s: s, ctx: ctx}
}

// Current returns the version and record the cursor is on. The record
// aliases shared memory and is valid until the cursor moves or closes.
func (c *Cursor) Current() (uint64, []byte) { return c.version, c.current }

// MoveFirst positions on the first record still held by the stream.
func (c *Cursor) MoveFirst() (bool, error) {
	first, ok, err := c.s.idx.FirstVersion(c.ctx, c.s.id)
	if err != nil || !ok {
		return false, err
	}
	return c.moveTo(first)
}

// MoveNext advances by one version. It returns false at the end of the
// stream and at a version that is claimed but not committed yet; calling
// again later picks up from the same place.
func (c *Cursor) MoveNext() (bool, error) {
	if c.version == 0 {
		return c.MoveFirst()
	}
	return c.moveTo(c.version + 1)
}

// MoveAt positions relative to version according to l.
func (c *Cursor) MoveAt(version uint64, l meta.Lookup) (bool, error) {
	switch l {
	case meta.LookupEQ:
		return c.moveTo(version)
	case meta.LookupLT:
		if version <= 1 {
			return false, nil
		}
		return c.MoveAt(version-1, meta.LookupLE)
	case meta.LookupGT:
		return c.MoveAt(version+1, meta.LookupGE)
	case meta.LookupLE:
		last, err := c.s.LastVersion(c.ctx)
		if err != nil {
			return false, err
		}
		if last == 0 {
			return false, nil
		}
		return c.moveTo(min(version, last))
	case meta.LookupGE:
		first, ok, err := c.s.idx.FirstVersion(c.ctx, c.s.id)
		if err != nil || !ok {
			return false, err
		}
		return c.moveTo(max(version, first))
	default:
		return false, fmt.Errorf("unknown lookup %d", l)
	}
}

func (c *Cursor) moveTo(version uint64) (bool, error) {
	if version == 0 {
		return false, nil
	}
	if c.blk != nil {
		if data, ok := c.blk.RecordAt(version); ok {
			c.version, c.current = version, data
			return true, nil
		}
		if version >= c.blk.FirstVersion() && !c.blk.IsCompleted() {
			// Not committed yet.
			return false, nil
		}
	}
	if err := c.load(version); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	data, ok := c.blk.RecordAt(version)
	if !ok {
		return false, nil
	}
	c.version, c.current = version, data
	return true, nil
}

// load switches to the block holding version.
func (c *Cursor) load(version uint64) error {
	c.drop()
	s := c.s
	rec, found, err := s.idx.Lookup(c.ctx, s.id, version)
	if err != nil {
		return err
	}
	if !found || rec.IsSentinel() {
		return fmt.Errorf("%s@%d: %w", s.id, version, ErrNotFound)
	}
	if !rec.BufferRef.IsDefault() {
		lease, err := s.idx.OpenBlock(c.ctx, s.st, rec)
		switch {
		case err == nil:
			c.lease, c.blk = lease, lease.StreamBlock
			return nil
		case !errors.Is(err, index.ErrNotResident):
			return err
		}
	}
	blk, _, err := s.archive.Fetch(c.ctx, s.id, version)
	if err != nil {
		if errors.Is(err, meta.ErrNotFound) {
			return fmt.Errorf("%s@%d: %w", s.id, version, ErrNotFound)
		}
		return err
	}
	c.blk = blk
	return nil
}

func (c *Cursor) drop() {
	if c.lease != nil {
		c.lease.Release()
		c.lease = nil
	}
	c.blk = nil
}

// Close releases the block the cursor holds.
func (c *Cursor) Close() {
	c.drop()
	c.current = nil
}
