// Package index maps stream versions to the shared pages holding them.
//
// Every block of a stream is registered under its first version in the
// bbolt index. A record points at a resident page, at a lingering page
// (packed but still mapped) or at nothing once the page is released. Two
// sentinel keys sort after every real version: STANDBY holds a block
// prepared ahead of rotation, COMPLETED marks a stream that accepts no
// more writes.
//
// Mutations run inside bbolt write transactions. The store opens the file
// for each transaction, so writers of every process take turns on its file
// lock and each one starts from the last commit. Page state flips that must
// be visible only after a record is durable happen after commit.
package index

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gftdcojp/streamlog/internal/block"
	"github.com/gftdcojp/streamlog/internal/fault"
	"github.com/gftdcojp/streamlog/internal/meta"
	"github.com/gftdcojp/streamlog/internal/metrics"
	"github.com/gftdcojp/streamlog/internal/process"
	"github.com/gftdcojp/streamlog/internal/shm"
	"github.com/gftdcojp/streamlog/internal/state"
	"github.com/gftdcojp/streamlog/internal/types"
	"go.uber.org/zap"
)

var (
	// ErrStreamCompleted is returned when a block is rented for a stream
	// that has been completed.
	ErrStreamCompleted = errors.New("stream is completed")

	// ErrNotResident is returned when a block's page has been released or
	// recycled.
	ErrNotResident = errors.New("block is not resident")
)

// PackBatch is the number of blocks one PackBlocks call handles.
const PackBatch = 16

// Attempts at freeing a page that a reader still pins before it is left
// for the next release pass.
const reclaimAttempts = 256

// Action selects what packing does with a completed block.
type Action int

const (
	// ActionPack archives the block before its page is released.
	ActionPack Action = iota
	// ActionDelete drops the block without archiving it.
	ActionDelete
)

func (a Action) String() string {
	if a == ActionDelete {
		return "delete"
	}
	return "pack"
}

// Archive stores packed blocks.
type Archive interface {
	Archive(ctx context.Context, blk *block.StreamBlock) (*meta.PackedEntry, error)
	LastPacked(ctx context.Context, stream types.StreamLogID) (*meta.PackedEntry, error)
}

// Options tune block allocation.
type Options struct {
	// InitialPayload is the payload size of a stream's first block when the
	// stream has no size hint.
	InitialPayload int
	// PackerLockTimeout is how long a packer lock is honoured before
	// another process may take it over.
	PackerLockTimeout time.Duration
}

// Index is the block index of one store.
type Index struct {
	store   *meta.BoltStore
	pool    *shm.Pool
	archive Archive
	pc      *process.Context
	opts    Options
	logger  *zap.Logger

	// mu keeps this process's writers from queueing on bbolt's file lock
	// behind each other.
	mu sync.Mutex
}

func New(store *meta.BoltStore, pool *shm.Pool, archive Archive, pc *process.Context, opts Options) *Index {
	if opts.InitialPayload <= 0 {
		opts.InitialPayload = 64 * 1024
	}
	if opts.PackerLockTimeout <= 0 {
		opts.PackerLockTimeout = state.DefaultPackerLockTimeout
	}
	return &Index{
		store:   store,
		pool:    pool,
		archive: archive,
		pc:      pc,
		opts:    opts,
		logger:  pc.Logger.Named("index"),
	}
}

// MaxPayload is the largest payload a single block can have.
func (x *Index) MaxPayload() int {
	return x.pool.MaxPageSize() - block.HeaderSize
}

// payloadSize picks the payload of a new block: the stream's hint (or the
// initial size) doubled until one record of minLength fits.
func (x *Index) payloadSize(st *state.StreamLogState, minLength int) (int, error) {
	need := recordNeed(st, minLength)
	limit := x.MaxPayload()
	if need > limit {
		return 0, fmt.Errorf("record of %d bytes for %s: %w", minLength, st.ID(), shm.ErrTooLarge)
	}
	size := x.opts.InitialPayload
	if hint, _ := st.BlockSizeHint(); hint > 0 {
		size = hint
	}
	for size < need {
		size *= 2
	}
	if size > limit {
		size = limit
	}
	return size, nil
}

// CheckLength fails with shm.ErrTooLarge for a record no block can hold.
func (x *Index) CheckLength(st *state.StreamLogState, length int) error {
	if recordNeed(st, length) > x.MaxPayload() {
		return fmt.Errorf("record of %d bytes for %s: %w", length, st.ID(), shm.ErrTooLarge)
	}
	return nil
}

func recordNeed(st *state.StreamLogState, minLength int) int {
	if size := int(st.ItemFixedSize()); size > 0 {
		return max(size, minLength)
	}
	return minLength + block.IndexEntrySize
}

// open pins the page behind rec and validates it. It fails when the page
// was recycled or is not initialised yet.
func (x *Index) open(st *state.StreamLogState, rec types.StreamBlockRecord, standby bool) (*Lease, bool) {
	if rec.BufferRef.IsDefault() {
		return nil, false
	}
	ref := rec.BufferRef.Resident()
	h, ok := x.pool.PinCurrent(ref)
	if !ok {
		return nil, false
	}
	page := x.pool.Bytes(ref)
	exp := block.Expect{Stream: st.ID(), ItemFixedSize: st.ItemFixedSize(), Standby: standby}
	if !standby {
		exp.Version = rec.Version
	}
	blk, status := block.Open(page[:block.Extent(page, x.logger)], exp, x.logger)
	if status != block.Valid {
		x.pool.Unpin(h)
		return nil, false
	}
	return &Lease{StreamBlock: blk, Record: rec, Handle: h, pool: x.pool}, true
}

// Lookup returns the record of the block holding version.
func (x *Index) Lookup(ctx context.Context, stream types.StreamLogID, version uint64) (types.StreamBlockRecord, bool, error) {
	var (
		rec   types.StreamBlockRecord
		found bool
	)
	err := x.store.View(func(tx *meta.Tx) error {
		rec, found = tx.Find(stream, version, meta.LookupLE)
		return nil
	})
	return rec, found, err
}

// OpenBlock pins the block of rec for reading.
func (x *Index) OpenBlock(ctx context.Context, st *state.StreamLogState, rec types.StreamBlockRecord) (*Lease, error) {
	lease, ok := x.open(st, rec, false)
	if !ok {
		return nil, fmt.Errorf("%s@%d: %w", st.ID(), rec.Version, ErrNotResident)
	}
	return lease, nil
}

// FirstVersion returns the first version still indexed for stream.
func (x *Index) FirstVersion(ctx context.Context, stream types.StreamLogID) (uint64, bool, error) {
	var (
		rec   types.StreamBlockRecord
		found bool
	)
	err := x.store.View(func(tx *meta.Tx) error {
		rec, found = tx.First(stream)
		return nil
	})
	if err != nil || !found || rec.IsSentinel() {
		return 0, false, err
	}
	return rec.Version, true, nil
}

// Records lists every record of a stream, sentinels included.
func (x *Index) Records(ctx context.Context, stream types.StreamLogID) ([]types.StreamBlockRecord, error) {
	var out []types.StreamBlockRecord
	err := x.store.View(func(tx *meta.Tx) error {
		tx.Range(stream, 0, func(rec types.StreamBlockRecord) bool {
			out = append(out, rec)
			return true
		})
		return nil
	})
	return out, err
}

// RentNextWritableBlock returns the block that accepts version, creating it
// when the last block is completed. A prepared standby block is used when it
// is large enough. The caller must Release the lease.
//
// A version below the stream's next version means another writer got there
// first and yields a VersionRace retry; a version beyond it is a gap and
// aborts.
func (x *Index) RentNextWritableBlock(ctx context.Context, st *state.StreamLogState, minLength int, version uint64, timestamp int64) (*Lease, error) {
	fault.Check(x.logger, version != 0 && version < types.VersionStandby, "rent of %s at version %d", st.ID(), version)
	b := fault.NewBackoff()
	for {
		lease, err := x.rent(ctx, st, minLength, version, timestamp)
		if err == nil {
			return lease, nil
		}
		if reason, ok := fault.IsRetry(err); !ok || (reason != fault.ReasonInvalidBlock && reason != fault.ReasonStandbyNotReady) {
			return nil, err
		}
		if werr := b.Wait(ctx); werr != nil {
			return nil, err
		}
	}
}

func (x *Index) rent(ctx context.Context, st *state.StreamLogState, minLength int, version uint64, timestamp int64) (*Lease, error) {
	stream := st.ID()
	rec, found, err := x.Lookup(ctx, stream, version)
	if err != nil {
		return nil, err
	}
	if found && !rec.BufferRef.IsDefault() && !rec.BufferRef.IsLingering() {
		lease, ok := x.open(st, rec, false)
		if !ok {
			return nil, fault.Retry(fault.ReasonInvalidBlock, "block %s@%d changed under lookup", stream, rec.Version)
		}
		if !lease.IsCompleted() {
			return lease, nil
		}
		lease.Release()
	}
	return x.rentSlow(ctx, st, minLength, version, timestamp)
}

type chainSeed struct {
	checksum uint32
	lastTS   int64
}

func (x *Index) rentSlow(ctx context.Context, st *state.StreamLogState, minLength int, version uint64, timestamp int64) (*Lease, error) {
	stream := st.ID()
	payload, err := x.payloadSize(st, minLength)
	if err != nil {
		return nil, err
	}
	// bbolt must not be re-entered from inside a write transaction, so the
	// archive head is read up front.
	head, err := x.archive.LastPacked(ctx, stream)
	if err != nil {
		return nil, fmt.Errorf("reading archive head of %s: %w", stream, err)
	}
	if timestamp == 0 {
		timestamp = x.pc.NowNano()
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	var (
		lease       *Lease
		fresh       types.BufferRef
		handoff     bool
		initialised bool
		discard     []types.BufferRef
		drop        []types.BufferRef
	)
	err = x.store.Update(func(tx *meta.Tx) error {
		if _, done := tx.Get(stream, types.VersionCompleted); done {
			return fmt.Errorf("%s: %w", stream, ErrStreamCompleted)
		}

		next := uint64(1)
		var seed chainSeed
		if last, ok := tx.Find(stream, types.VersionStandby-1, meta.LookupLE); ok {
			if !last.BufferRef.IsDefault() {
				prev, ok := x.open(st, last, false)
				if !ok {
					return fault.Retry(fault.ReasonInvalidBlock, "last block %s@%d is not readable yet", stream, last.Version)
				}
				if !prev.IsCompleted() {
					if version < last.Version {
						prev.Release()
						return fault.Retry(fault.ReasonVersionRace, "%s moved on to block %d, writer asked for %d", stream, last.Version, version)
					}
					// Another writer rotated first.
					lease = prev
					return nil
				}
				if prev.Count() == 0 {
					// A block completed before its first record fit. Its
					// version range is still free; replace it.
					fault.Check(x.logger, !last.BufferRef.IsLingering(), "empty block %s@%d was packed", stream, last.Version)
					next = last.Version
					seed = chainSeed{prev.PrevChecksum(), prev.PrevLastTimestamp()}
					prev.Release()
					if err := tx.Delete(stream, last.Version); err != nil {
						return err
					}
					drop = append(drop, last.BufferRef)
				} else {
					next = prev.NextVersion()
					seed = chainSeed{prev.Checksum(), prev.LastTimestamp()}
					prev.Release()
				}
			} else {
				switch {
				case head != nil && head.FirstVersion == last.Version:
					next = head.LastVersion + 1
					seed = chainSeed{head.Checksum, head.LastTimestamp}
				case st.LastPackedVersion() >= last.Version:
					// Dropped without archiving; only the version survives.
					next = st.LastPackedVersion() + 1
				default:
					fault.Invariant(x.logger, "block %s@%d is released but nothing records where it ended", stream, last.Version)
				}
			}
		} else if head != nil {
			next = head.LastVersion + 1
			seed = chainSeed{head.Checksum, head.LastTimestamp}
		}

		switch {
		case version < next:
			return fault.Retry(fault.ReasonVersionRace, "%s is at version %d, writer asked for %d", stream, next, version)
		case version > next:
			fault.Invariant(x.logger, "rent of %s at version %d leaves a gap after %d", stream, version, next-1)
		}

		if sb, ok := tx.Get(stream, types.VersionStandby); ok {
			cand, ok := x.open(st, sb, true)
			if !ok {
				return fault.Retry(fault.ReasonStandbyNotReady, "standby of %s is not registered yet", stream)
			}
			if cand.PayloadLength() >= recordNeed(st, minLength) {
				if err := tx.Delete(stream, types.VersionStandby); err != nil {
					cand.Release()
					return err
				}
				rec := types.StreamBlockRecord{Version: version, Timestamp: timestamp, BufferRef: sb.BufferRef}
				if err := tx.Put(stream, rec); err != nil {
					cand.Release()
					return err
				}
				cand.InitFromStandby(version, seed.checksum, seed.lastTS, timestamp)
				cand.Record = rec
				initialised = true
				handoff = true
				lease = cand
				return nil
			}
			cand.Release()
			if err := tx.Delete(stream, types.VersionStandby); err != nil {
				return err
			}
			discard = append(discard, sb.BufferRef)
		}

		ref, err := x.pool.Rent(block.HeaderSize + payload)
		if err != nil {
			return err
		}
		fresh = ref
		block.Init(x.pool.Bytes(ref)[:block.HeaderSize+payload], block.InitParams{
			Stream:            stream,
			FirstVersion:      version,
			ItemFixedSize:     st.ItemFixedSize(),
			PrevChecksum:      seed.checksum,
			PrevLastTimestamp: seed.lastTS,
			WriteStart:        timestamp,
		}, x.logger)
		x.pool.Transition(ref, shm.StateOwned, shm.StateStreamBlock)
		return tx.Put(stream, types.StreamBlockRecord{Version: version, Timestamp: timestamp, BufferRef: ref})
	})
	if err != nil {
		if initialised {
			fault.Invariant(x.logger, "index commit for %s@%d failed after its standby was initialised: %v", stream, version, err)
		}
		if fresh != 0 {
			x.pool.Return(fresh)
		}
		if lease != nil {
			lease.Release()
		}
		return nil, err
	}

	for _, ref := range drop {
		x.pool.Transition(ref.Resident(), shm.StateIndexed, shm.StatePacked)
		x.reclaim(ctx, ref, x.pool.TryRelease)
	}
	for _, ref := range discard {
		x.reclaim(ctx, ref, x.pool.DiscardStandby)
	}

	if fresh != 0 {
		x.pool.Transition(fresh, shm.StateStreamBlock, shm.StateIndexed)
		rec := types.StreamBlockRecord{Version: version, Timestamp: timestamp, BufferRef: fresh}
		var ok bool
		lease, ok = x.open(st, rec, false)
		fault.Check(x.logger, ok, "fresh block %s@%d could not be opened", stream, version)
	}
	if handoff {
		metrics.StandbyHandoffs.WithLabelValues(stream.String()).Inc()
	}
	if fresh != 0 || handoff {
		st.SetActiveBlockVersion(version)
		x.logger.Debug("block rented",
			zap.Stringer("stream", stream),
			zap.Uint64("version", version),
			zap.Int("payload", lease.PayloadLength()),
			zap.Bool("standby", handoff))
	}
	return lease, nil
}

// reclaim frees ref with free, backing off while a reader still pins it.
func (x *Index) reclaim(ctx context.Context, ref types.BufferRef, free func(types.BufferRef) bool) {
	ref = ref.Resident()
	b := fault.NewBackoff()
	for !free(ref) {
		if b.Wait(ctx) != nil || b.Steps() > reclaimAttempts {
			x.logger.Warn("page still referenced, leaving it allocated", zap.Stringer("ref", ref))
			return
		}
	}
}

// PrepareNextWritableBlock registers a standby block for the stream so the
// next rotation does not have to allocate. It reports whether a standby was
// created; nothing happens when one already exists or the active block is
// already completed.
func (x *Index) PrepareNextWritableBlock(ctx context.Context, st *state.StreamLogState, length int) (bool, error) {
	stream := st.ID()
	payload, err := x.payloadSize(st, length)
	if err != nil {
		return false, err
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	var fresh types.BufferRef
	err = x.store.Update(func(tx *meta.Tx) error {
		if _, ok := tx.Get(stream, types.VersionStandby); ok {
			return nil
		}
		if _, ok := tx.Get(stream, types.VersionCompleted); ok {
			return nil
		}
		last, ok := tx.Find(stream, types.VersionStandby-1, meta.LookupLE)
		if !ok || last.BufferRef.IsDefault() || last.BufferRef.IsLingering() {
			return nil
		}
		cur, ok := x.open(st, last, false)
		if !ok {
			return nil
		}
		completed := cur.IsCompleted()
		cur.Release()
		if completed {
			return nil
		}

		ref, err := x.pool.Rent(block.HeaderSize + payload)
		if err != nil {
			return err
		}
		fresh = ref
		block.InitStandby(x.pool.Bytes(ref)[:block.HeaderSize+payload], stream, st.ItemFixedSize(), x.logger)
		x.pool.Transition(ref, shm.StateOwned, shm.StateStreamBlock)
		return tx.Put(stream, types.StreamBlockRecord{Version: types.VersionStandby, Timestamp: x.pc.NowNano(), BufferRef: ref})
	})
	if err != nil {
		if fresh != 0 {
			x.pool.Return(fresh)
		}
		return false, err
	}
	if fresh == 0 {
		return false, nil
	}
	x.pool.Transition(fresh, shm.StateStreamBlock, shm.StateIndexed)
	x.logger.Debug("standby prepared", zap.Stringer("stream", stream), zap.Int("payload", payload))
	return true, nil
}

// PackBlocks packs up to PackBatch completed blocks in version order,
// starting after the last packed one. It stops at the first block that is
// still being written. more reports whether a full batch was packed, in
// which case the caller should call again. A packer lock held by another
// process makes the call a no-op.
func (x *Index) PackBlocks(ctx context.Context, st *state.StreamLogState, action Action) (more bool, err error) {
	stream := st.ID()
	token, ok := st.TryAcquirePackerLock(x.pc.Wpid, x.pc.NowNano(), x.opts.PackerLockTimeout)
	if !ok {
		return false, nil
	}
	defer func() {
		if !st.ReleasePackerLock(token) {
			x.logger.Warn("packer lock was taken over", zap.Stringer("stream", stream))
		}
	}()
	start := time.Now()

	var batch []types.StreamBlockRecord
	if err := x.store.View(func(tx *meta.Tx) error {
		from := uint64(0)
		if hint := st.LastPackedVersion(); hint > 0 {
			if rec, ok := tx.Find(stream, hint+1, meta.LookupLE); ok {
				from = rec.Version
			}
		}
		tx.Range(stream, from, func(rec types.StreamBlockRecord) bool {
			if rec.IsSentinel() {
				return false
			}
			if rec.BufferRef.IsDefault() || rec.BufferRef.IsLingering() {
				return true
			}
			batch = append(batch, rec)
			return len(batch) < PackBatch
		})
		return nil
	}); err != nil {
		return false, err
	}

	packed := 0
	for _, rec := range batch {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		ok, err := x.packOne(ctx, st, rec, action)
		if err != nil {
			return false, err
		}
		if !ok {
			break
		}
		packed++
	}
	if packed > 0 {
		metrics.PackDuration.WithLabelValues(stream.String()).Observe(time.Since(start).Seconds())
		x.logger.Debug("blocks packed",
			zap.Stringer("stream", stream),
			zap.Int("count", packed),
			zap.Stringer("action", action))
	}
	return packed == PackBatch, nil
}

func (x *Index) packOne(ctx context.Context, st *state.StreamLogState, rec types.StreamBlockRecord, action Action) (bool, error) {
	stream := st.ID()
	ref := rec.BufferRef.Resident()
	lease, ok := x.open(st, rec, false)
	if !ok {
		// Registered but not yet flipped to indexed, or mid handoff.
		return false, nil
	}
	defer lease.Release()
	if !lease.IsCompleted() || lease.Count() == 0 {
		return false, nil
	}

	if action == ActionPack {
		head, err := x.archive.LastPacked(ctx, stream)
		if err != nil {
			return false, err
		}
		// Re-archiving the head is a redo after a crash between archive
		// and index update.
		if head != nil && head.FirstVersion != rec.Version && head.LastVersion+1 != rec.Version {
			fault.Invariant(x.logger, "archive of %s ends at version %d, next block to pack starts at %d", stream, head.LastVersion, rec.Version)
		}
		entry, err := x.archive.Archive(ctx, lease.StreamBlock)
		if err != nil {
			return false, fmt.Errorf("archiving %s@%d: %w", stream, rec.Version, err)
		}
		if entry.FirstVersion != rec.Version || entry.LastVersion != lease.LastVersion() {
			fault.Invariant(x.logger, "archive of %s@%d recorded versions %d..%d, block holds %d..%d",
				stream, rec.Version, entry.FirstVersion, entry.LastVersion, rec.Version, lease.LastVersion())
		}
	}

	if x.pool.State(ref) == shm.StateIndexed {
		x.pool.Transition(ref, shm.StateIndexed, shm.StatePacked)
	}

	x.mu.Lock()
	err := x.store.Update(func(tx *meta.Tx) error {
		cur, ok := tx.Get(stream, rec.Version)
		if !ok || cur.BufferRef != rec.BufferRef {
			fault.Invariant(x.logger, "record of %s@%d changed while packing", stream, rec.Version)
		}
		cur.BufferRef = cur.BufferRef.WithLingering()
		return tx.Put(stream, cur)
	})
	x.mu.Unlock()
	if err != nil {
		return false, err
	}

	st.SetLastPackedVersion(lease.LastVersion())
	metrics.BlocksPacked.WithLabelValues(stream.String(), action.String()).Inc()
	return true, nil
}

// ReleaseBlocks returns the pages of packed blocks with versions in
// (fromExclusive, toExclusive) to the pool. toExclusive of 0 means no upper
// bound. With remove set the records are deleted as well and the scan stops
// at the first page a reader still pins; otherwise pinned pages are skipped.
// The result is the version up to which every block is released, suitable as
// the next fromExclusive.
func (x *Index) ReleaseBlocks(ctx context.Context, st *state.StreamLogState, fromExclusive, toExclusive uint64, remove bool) (uint64, error) {
	stream := st.ID()
	newFrom := fromExclusive
	released := 0

	x.mu.Lock()
	defer x.mu.Unlock()

	err := x.store.Update(func(tx *meta.Tx) error {
		var recs []types.StreamBlockRecord
		tx.Range(stream, fromExclusive+1, func(rec types.StreamBlockRecord) bool {
			if rec.IsSentinel() || (toExclusive != 0 && rec.Version >= toExclusive) {
				return false
			}
			recs = append(recs, rec)
			return true
		})

		contiguous := true
		for _, rec := range recs {
			switch {
			case rec.BufferRef.IsDefault():
			case !rec.BufferRef.IsLingering():
				// Not packed yet, and neither is anything after it.
				return nil
			case x.pool.TryRelease(rec.BufferRef.Resident()):
				released++
			default:
				if remove {
					return nil
				}
				contiguous = false
				continue
			}
			if remove {
				if err := tx.Delete(stream, rec.Version); err != nil {
					return err
				}
			} else if !rec.BufferRef.IsDefault() {
				rec.BufferRef = 0
				if err := tx.Put(stream, rec); err != nil {
					return err
				}
			}
			if contiguous {
				newFrom = rec.Version
			}
		}
		return nil
	})
	if err != nil {
		if released > 0 {
			fault.Invariant(x.logger, "index commit for %s failed after %d pages were released: %v", stream, released, err)
		}
		return fromExclusive, err
	}
	if released > 0 {
		metrics.BlocksReleased.WithLabelValues(stream.String()).Add(float64(released))
		x.logger.Debug("blocks released", zap.Stringer("stream", stream), zap.Int("count", released))
	}
	st.SetLastReleasedVersion(newFrom)
	return newFrom, nil
}

// LastVersion returns the last committed version of a stream, 0 when it has
// none.
func (x *Index) LastVersion(ctx context.Context, st *state.StreamLogState) (uint64, error) {
	stream := st.ID()
	b := fault.NewBackoff()
	for {
		var (
			last  types.StreamBlockRecord
			found bool
		)
		if err := x.store.View(func(tx *meta.Tx) error {
			last, found = tx.Find(stream, types.VersionStandby-1, meta.LookupLE)
			return nil
		}); err != nil {
			return 0, err
		}
		if found && !last.BufferRef.IsDefault() {
			if lease, ok := x.open(st, last, false); ok {
				v := lease.LastVersion()
				lease.Release()
				return v, nil
			}
			// A handoff in flight; the header is about to be published.
			if err := b.Wait(ctx); err != nil {
				return 0, err
			}
			continue
		}

		head, err := x.archive.LastPacked(ctx, stream)
		if err != nil {
			return 0, err
		}
		switch {
		case head != nil && (!found || head.FirstVersion >= last.Version):
			return head.LastVersion, nil
		case found:
			return st.LastPackedVersion(), nil
		}
		return 0, nil
	}
}

// CompleteStream seals a stream: the active block is completed, the standby
// is discarded and a COMPLETED sentinel makes later rents fail.
func (x *Index) CompleteStream(ctx context.Context, st *state.StreamLogState) error {
	stream := st.ID()
	var discard types.BufferRef

	x.mu.Lock()
	err := x.store.Update(func(tx *meta.Tx) error {
		if _, ok := tx.Get(stream, types.VersionCompleted); ok {
			return nil
		}
		if sb, ok := tx.Get(stream, types.VersionStandby); ok {
			if err := tx.Delete(stream, types.VersionStandby); err != nil {
				return err
			}
			discard = sb.BufferRef
		}
		if last, ok := tx.Find(stream, types.VersionStandby-1, meta.LookupLE); ok {
			if lease, ok := x.open(st, last, false); ok {
				lease.Complete()
				lease.Release()
			}
		}
		return tx.Put(stream, types.StreamBlockRecord{Version: types.VersionCompleted, Timestamp: x.pc.NowNano()})
	})
	x.mu.Unlock()
	if err != nil {
		return err
	}
	if discard != 0 {
		x.reclaim(ctx, discard, x.pool.DiscardStandby)
	}
	st.MarkCompleted()
	x.logger.Info("stream completed", zap.Stringer("stream", stream))
	return nil
}

// DropStream frees every page of a stream and removes its records. The
// stream stays marked completed. It returns a LockBusy retry while a reader
// still pins one of the pages.
func (x *Index) DropStream(ctx context.Context, st *state.StreamLogState) error {
	stream := st.ID()
	x.mu.Lock()
	defer x.mu.Unlock()

	var (
		freed   int
		pending []types.StreamBlockRecord
	)
	err := x.store.Update(func(tx *meta.Tx) error {
		var resident []types.StreamBlockRecord
		tx.Range(stream, 0, func(rec types.StreamBlockRecord) bool {
			if !rec.BufferRef.IsDefault() {
				resident = append(resident, rec)
			}
			return true
		})
		for _, rec := range resident {
			if n := x.pool.RefCount(rec.BufferRef.Resident()); n != 1 {
				return fault.Retry(fault.ReasonLockBusy, "block %s@%d has %d references", stream, rec.Version, n)
			}
		}
		for _, rec := range resident {
			ref := rec.BufferRef.Resident()
			if !rec.IsStandby() && x.pool.State(ref) == shm.StateIndexed {
				x.pool.Transition(ref, shm.StateIndexed, shm.StatePacked)
			}
			if x.free(rec) {
				freed++
			} else {
				// Pinned since the check; freed once the reader lets go.
				pending = append(pending, rec)
			}
		}
		return tx.DropStream(stream)
	})
	if err != nil {
		if freed > 0 || len(pending) > 0 {
			fault.Invariant(x.logger, "index commit for dropping %s failed after its pages were freed: %v", stream, err)
		}
		return err
	}
	for _, rec := range pending {
		if rec.IsStandby() {
			x.reclaim(ctx, rec.BufferRef, x.pool.DiscardStandby)
		} else {
			x.reclaim(ctx, rec.BufferRef, x.pool.TryRelease)
		}
	}
	st.MarkCompleted()
	x.logger.Info("stream dropped", zap.Stringer("stream", stream), zap.Int("pages", freed+len(pending)))
	return nil
}

func (x *Index) free(rec types.StreamBlockRecord) bool {
	if rec.IsStandby() {
		return x.pool.DiscardStandby(rec.BufferRef.Resident())
	}
	return x.pool.TryRelease(rec.BufferRef.Resident())
}
