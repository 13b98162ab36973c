// Package streamlog is the writer and reader facade over the block index
// and the notification log. A StreamLog owns the active block of one stream
// in this process; the Manager opens the shared store and hands them out.
package streamlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gftdcojp/streamlog/internal/block"
	"github.com/gftdcojp/streamlog/internal/fault"
	"github.com/gftdcojp/streamlog/internal/index"
	"github.com/gftdcojp/streamlog/internal/meta"
	"github.com/gftdcojp/streamlog/internal/metrics"
	"github.com/gftdcojp/streamlog/internal/notify"
	"github.com/gftdcojp/streamlog/internal/process"
	"github.com/gftdcojp/streamlog/internal/shm"
	"github.com/gftdcojp/streamlog/internal/state"
	"github.com/gftdcojp/streamlog/internal/types"
	"go.uber.org/zap"
)

var (
	ErrNotFound   = errors.New("version not found")
	ErrClosed     = errors.New("stream log is closed")
	ErrItemSize   = errors.New("record size does not match the stream's item size")
	ErrVersionGap = errors.New("claimed version is beyond the next version")
)

// Options describe a stream when it is opened.
type Options struct {
	Name          string
	ItemFixedSize int32
	Flags         state.Flags
	WriteMode     state.WriteMode
	// BlockSizeHint fixes the payload size of new blocks. Zero lets the
	// size adapt to the write rate.
	BlockSizeHint int
	// TargetBlockDuration is the fill time below which a block counts as
	// filled too fast.
	TargetBlockDuration time.Duration
	// LockWait bounds how long opening a stream outside shared mode waits
	// for another writer to let go of it.
	LockWait time.Duration
}

const defaultLockWait = time.Second

func (o Options) static() state.Static {
	flags := o.Flags
	if o.ItemFixedSize > 0 {
		flags |= state.FlagFixedItemSize
	}
	return state.Static{Flags: flags, ItemFixedSize: o.ItemFixedSize, WriteMode: o.WriteMode}
}

// Archive serves records of blocks that left shared memory.
type Archive interface {
	Fetch(ctx context.Context, stream types.StreamLogID, version uint64) (*block.StreamBlock, *meta.PackedEntry, error)
}

type scheduler interface {
	Schedule(id types.StreamLogID)
	Submit(id types.StreamLogID)
	PackAll(ctx context.Context) error
}

// StreamLog appends to and reads one stream. Claims are serialised: a
// successful Claim holds the stream until Commit or Abort.
type StreamLog struct {
	id      types.StreamLogID
	name    string
	st      *state.StreamLogState
	idx     *index.Index
	archive Archive
	log     *notify.Log
	disp    *notify.Dispatcher
	packer  scheduler
	pool    *shm.Pool
	pc      *process.Context
	target  time.Duration
	logger  *zap.Logger

	mu       sync.Mutex
	active   *index.Lease
	claimTS  int64
	claiming atomic.Bool
	closed   bool
	// ownsLock is set while this process is the stream's exclusive writer.
	ownsLock bool
}

func (s *StreamLog) ID() types.StreamLogID        { return s.id }
func (s *StreamLog) Name() string                 { return s.name }
func (s *StreamLog) State() *state.StreamLogState { return s.st }

// Claim reserves length bytes for the record at version and returns the
// buffer to fill. Version 0 takes the next version. A version already taken
// by another writer fails with a VersionRace retry.
func (s *StreamLog) Claim(ctx context.Context, version uint64, length int, timestamp int64) ([]byte, error) {
	if size := s.st.ItemFixedSize(); size > 0 && int32(length) != size {
		return nil, fmt.Errorf("%w: %d bytes for %d byte items", ErrItemSize, length, size)
	}
	if err := s.idx.CheckLength(s.st, length); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.st.WriteMode().Has(state.WriteModeShared) {
		if err := s.st.AcquireLock(ctx, s.pc.Wpid, s.pc.Liveness); err != nil {
			s.mu.Unlock()
			return nil, err
		}
	}
	buf, err := s.claim(ctx, version, length, timestamp)
	if err != nil {
		s.unlock()
		return nil, err
	}
	s.claimTS = timestamp
	s.claiming.Store(true)
	return buf, nil
}

func (s *StreamLog) claim(ctx context.Context, version uint64, length int, timestamp int64) ([]byte, error) {
	for {
		if s.active == nil {
			if err := s.openActive(ctx, length, timestamp); err != nil {
				return nil, err
			}
		}
		buf, res := s.active.Claim(version, length)
		switch res {
		case block.Claimed:
			return buf, nil
		case block.Full, block.Completed:
			if err := s.rotateActiveBlock(ctx, length, timestamp); err != nil {
				return nil, err
			}
		case block.VersionMismatch:
			next := s.active.NextVersion()
			if version < next {
				return nil, fault.Retry(fault.ReasonVersionRace, "claim of %s at %d, next version is %d", s.id, version, next)
			}
			return nil, fmt.Errorf("%w: claim of %s at %d, next version is %d", ErrVersionGap, s.id, version, next)
		}
	}
}

func (s *StreamLog) unlock() {
	if s.st.WriteMode().Has(state.WriteModeShared) {
		s.st.ReleaseLock(s.pc.Wpid)
	}
	s.mu.Unlock()
}

// Commit publishes the claimed record and returns its version.
func (s *StreamLog) Commit(length int) uint64 {
	if !s.claiming.Load() {
		fault.Invariant(s.logger, "commit on %s without a claim", s.id)
	}
	v := s.active.CommitAt(length, s.claimTS)
	s.claiming.Store(false)
	s.unlock()

	metrics.RecordsCommitted.WithLabelValues(s.id.String()).Inc()
	s.st.SetLastVersionSent(v)
	s.notify(0)
	return v
}

// Abort drops the outstanding claim, if any.
func (s *StreamLog) Abort() {
	if !s.claiming.Load() {
		return
	}
	s.active.Abort()
	s.claiming.Store(false)
	s.unlock()
}

// Append writes data as the next record.
func (s *StreamLog) Append(ctx context.Context, data []byte, timestamp int64) (uint64, error) {
	buf, err := s.Claim(ctx, 0, len(data), timestamp)
	if err != nil {
		return 0, err
	}
	copy(buf, data)
	return s.Commit(len(data)), nil
}

func (s *StreamLog) notify(tags notify.Tag) {
	n := notify.New(s.id, tags)
	if s.st.WriteMode().Has(state.WriteModeNoNotify) {
		s.disp.Local(n)
		return
	}
	if _, err := s.log.Append(context.Background(), n); err != nil {
		s.logger.Warn("notification append failed", zap.Stringer("notification", n), zap.Error(err))
	}
}

// openActive attaches to the block that takes the stream's next version.
func (s *StreamLog) openActive(ctx context.Context, length int, timestamp int64) error {
	last, err := s.idx.LastVersion(ctx, s.st)
	if err != nil {
		return err
	}
	lease, err := s.rent(ctx, length, last+1, timestamp)
	if err != nil {
		return err
	}
	s.active = lease
	return nil
}

// rent gets the block for version from the index. A dry page pool makes
// the writer pack synchronously; losing a race to another writer moves the
// version forward.
func (s *StreamLog) rent(ctx context.Context, length int, version uint64, timestamp int64) (*index.Lease, error) {
	b := fault.NewBackoff()
	for {
		lease, err := s.idx.RentNextWritableBlock(ctx, s.st, length, version, timestamp)
		if err == nil {
			return lease, nil
		}
		reason, ok := fault.IsRetry(err)
		if !ok {
			return nil, err
		}
		switch reason {
		case fault.ReasonPoolExhausted:
			s.logger.Warn("page pool exhausted, packing in the writer", zap.Uint64("version", version))
			if perr := s.packer.PackAll(ctx); perr != nil {
				s.logger.Warn("synchronous pack failed", zap.Error(perr))
			}
		case fault.ReasonVersionRace:
			last, lerr := s.idx.LastVersion(ctx, s.st)
			if lerr != nil {
				return nil, lerr
			}
			version = last + 1
			continue
		default:
			return nil, err
		}
		if werr := b.Wait(ctx); werr != nil {
			return nil, err
		}
	}
}

// rotateActiveBlock replaces the completed active block with the next one.
func (s *StreamLog) rotateActiveBlock(ctx context.Context, length int, timestamp int64) error {
	old := s.active
	fault.Check(s.logger, old.IsCompleted(), "rotation of open block %s@%d", s.id, old.FirstVersion())
	fault.Check(s.logger, !old.HasClaim(), "rotation of %s@%d under an outstanding claim", s.id, old.FirstVersion())

	fill := time.Duration(old.WriteEnd() - old.WriteStart())
	if s.st.RecordCompletion(fill < s.target, old.PayloadLength(), s.idx.MaxPayload()) {
		hint, _ := s.st.BlockSizeHint()
		s.logger.Info("block size hint raised", zap.Int("payload", hint))
	}
	if hint, _ := s.st.BlockSizeHint(); hint > 0 {
		metrics.BlockSizeHint.WithLabelValues(s.id.String()).Set(float64(hint))
	}
	metrics.BlocksRotated.WithLabelValues(s.id.String()).Inc()
	metrics.BlockFillDuration.WithLabelValues(s.id.String()).Observe(fill.Seconds())

	prev, next := old.FirstVersion(), old.NextVersion()
	if s.st.Flags().Has(state.FlagNoPacking) {
		if err := s.pool.PageOut(old.Record.BufferRef.Resident()); err != nil {
			s.logger.Warn("page out failed", zap.Error(err))
		}
	}
	old.Release()
	s.active = nil

	lease, err := s.rent(ctx, length, next, timestamp)
	if err != nil {
		return err
	}
	s.active = lease
	s.logger.Debug("active block rotated",
		zap.Uint64("previous", prev),
		zap.Uint64("first_version", lease.FirstVersion()),
		zap.Int("payload", lease.PayloadLength()))

	if s.st.WriteMode().Has(state.WriteModeBatch) {
		s.packer.Submit(s.id)
		return nil
	}
	s.packer.Schedule(s.id)
	s.notify(notify.TagRotated)
	return nil
}

// Get returns a copy of the record at version from shared memory or the
// archive.
func (s *StreamLog) Get(ctx context.Context, version uint64) ([]byte, error) {
	if version == 0 || version >= types.VersionStandby {
		return nil, fmt.Errorf("%s@%d: %w", s.id, version, ErrNotFound)
	}
	rec, found, err := s.idx.Lookup(ctx, s.id, version)
	if err != nil {
		return nil, err
	}
	if found && !rec.IsSentinel() && !rec.BufferRef.IsDefault() {
		lease, err := s.idx.OpenBlock(ctx, s.st, rec)
		if err == nil {
			defer lease.Release()
			if data, ok := lease.RecordAt(version); ok {
				return append([]byte(nil), data...), nil
			}
			if !lease.IsCompleted() || version < lease.NextVersion() {
				return nil, fmt.Errorf("%s@%d: %w", s.id, version, ErrNotFound)
			}
		} else if !errors.Is(err, index.ErrNotResident) {
			return nil, err
		}
	}
	blk, _, err := s.archive.Fetch(ctx, s.id, version)
	if err != nil {
		if errors.Is(err, meta.ErrNotFound) {
			return nil, fmt.Errorf("%s@%d: %w", s.id, version, ErrNotFound)
		}
		return nil, err
	}
	data, ok := blk.RecordAt(version)
	if !ok {
		return nil, fmt.Errorf("%s@%d: %w", s.id, version, ErrNotFound)
	}
	return data, nil
}

// LastVersion is the last committed version, 0 for an empty stream.
func (s *StreamLog) LastVersion(ctx context.Context) (uint64, error) {
	return s.idx.LastVersion(ctx, s.st)
}

// CompleteStream closes the stream for writing for good.
func (s *StreamLog) CompleteStream(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fault.Check(s.logger, !s.claiming.Load(), "completion of %s under an outstanding claim", s.id)
	if s.active != nil {
		s.active.Release()
		s.active = nil
	}
	if err := s.idx.CompleteStream(ctx, s.st); err != nil {
		return err
	}
	s.releaseWriterLock()
	s.packer.Schedule(s.id)
	s.notify(notify.TagCompleted)
	s.logger.Info("stream completed")
	return nil
}

// Close releases the active block. It waits for an outstanding claim to be
// committed or aborted.
func (s *StreamLog) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.active != nil {
		s.active.Release()
		s.active = nil
	}
	s.releaseWriterLock()
	return nil
}

func (s *StreamLog) releaseWriterLock() {
	if !s.ownsLock {
		return
	}
	s.ownsLock = false
	if !s.st.ReleaseLockIfHeld(s.pc.Wpid) {
		s.logger.Warn("writer lock was taken over", zap.Stringer("holder", s.st.LockHolder()))
	}
}

// Info is a point-in-time summary of a stream.
type Info struct {
	ID                  types.StreamLogID `json:"id"`
	Name                string            `json:"name,omitempty"`
	ItemFixedSize       int32             `json:"item_fixed_size"`
	WriteMode           state.WriteMode   `json:"write_mode"`
	Flags               state.Flags       `json:"flags"`
	LastVersion         uint64            `json:"last_version"`
	ActiveBlockVersion  uint64            `json:"active_block_version"`
	LastPackedVersion   uint64            `json:"last_packed_version"`
	LastReleasedVersion uint64            `json:"last_released_version"`
	BlockSizeHint       int               `json:"block_size_hint"`
	Completed           bool              `json:"completed"`
}

func (s *StreamLog) Info(ctx context.Context) (Info, error) {
	last, err := s.LastVersion(ctx)
	if err != nil {
		return Info{}, err
	}
	hint, _ := s.st.BlockSizeHint()
	return Info{
		ID:                  s.id,
		Name:                s.name,
		ItemFixedSize:       s.st.ItemFixedSize(),
		WriteMode:           s.st.WriteMode(),
		Flags:               s.st.Flags(),
		LastVersion:         last,
		ActiveBlockVersion:  s.st.ActiveBlockVersion(),
		LastPackedVersion:   s.st.LastPackedVersion(),
		LastReleasedVersion: s.st.LastReleasedVersion(),
		BlockSizeHint:       hint,
		Completed:           s.st.IsCompleted(),
	}, nil
}
