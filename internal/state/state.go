// Package state holds the per-stream StreamLogState records that live in
// shared memory. Every process that opens a stream sees the same record.
package state

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"sync/atomic"
	"time"

	"github.com/gftdcojp/streamlog/internal/fault"
	"github.com/gftdcojp/streamlog/internal/shm"
	"github.com/gftdcojp/streamlog/internal/types"
	"go.uber.org/zap"
)

// Record layout, relative to the slot start.
const (
	offStreamID           = 0
	offLockHolder         = 8
	offFlags              = 16
	offItemSize           = 20
	offWriteMode          = 24
	offRateHint           = 28
	offLastVersionSent    = 32
	offActiveBlockVersion = 40
	offLastPackedVersion  = 48
	offPackerLock         = 56
	offCompleted          = 64
	offTooFastCount       = 68
	offPackerLockHolder   = 72
	offCreatedAt          = 80
	offLastReleased       = 88
)

// Flags are fixed when the record is created.
type Flags uint32

const (
	FlagFixedItemSize Flags = 1 << iota
	FlagHasTimestamp
	FlagNoPacking
	FlagDropOnPack
	FlagPowerOfTwoPayload

	flagReady Flags = 1 << 31
)

func (f Flags) Has(x Flags) bool { return f&x == x }

// WriteMode selects how a stream's writers coordinate and notify.
type WriteMode uint32

const (
	WriteModeNormal WriteMode = 0
	// WriteModeBatch packs and prepares synchronously on rotation.
	WriteModeBatch WriteMode = 1 << 0
	// WriteModeShared lets several processes write; each claim holds the
	// exclusive lock until commit or abort.
	WriteModeShared WriteMode = 1 << 1
	// WriteModeNoNotify skips NotificationLog appends on commit.
	WriteModeNoNotify WriteMode = 1 << 2
)

func (m WriteMode) Has(x WriteMode) bool { return m&x == x }

// ParseWriteMode maps the configuration names onto a mode.
func ParseWriteMode(s string) (WriteMode, error) {
	switch s {
	case "", "normal":
		return WriteModeNormal, nil
	case "batch":
		return WriteModeBatch, nil
	case "shared":
		return WriteModeShared, nil
	case "no_notify":
		return WriteModeNoNotify, nil
	default:
		return 0, fmt.Errorf("unknown write mode %q", s)
	}
}

// Static is the immutable part of a record.
type Static struct {
	Flags         Flags
	ItemFixedSize int32
	WriteMode     WriteMode
}

// TooFastLimit is how many consecutive fast completions double the block
// size hint.
const TooFastLimit = 10

// DefaultPackerLockTimeout is the age after which a packer lock is free for
// anyone to take.
const DefaultPackerLockTimeout = 60 * time.Second

var (
	ErrTableFull      = errors.New("stream state table is full")
	ErrStaticMismatch = errors.New("stream state flags differ from the existing record")
)

// Liveness decides whether the holder of a lock can still release it.
type Liveness interface {
	IsAlive(types.Wpid) bool
}

// Table is the open-addressed set of records in the shared region.
type Table struct {
	mem    []byte
	slots  int
	logger *zap.Logger
}

// NewTable wraps the state region of a shared region.
func NewTable(r *shm.Region, logger *zap.Logger) *Table {
	mem, slots := r.StateTable()
	return &Table{mem: mem, slots: slots, logger: logger.Named("state")}
}

func (t *Table) slot(i int) *StreamLogState {
	off := i * shm.StateSize
	return &StreamLogState{buf: t.mem[off : off+shm.StateSize], logger: t.logger}
}

func (t *Table) home(id types.StreamLogID) int {
	h := uint64(id) * 0x9E3779B97F4A7C15
	return int((h ^ h>>29) % uint64(t.slots))
}

// GetOrCreate returns the record for id, creating it with st if absent.
// A record created by another process with different static settings is a
// configuration conflict.
func (t *Table) GetOrCreate(id types.StreamLogID, st Static) (*StreamLogState, error) {
	if id == 0 {
		return nil, fmt.Errorf("stream id 0 is reserved")
	}
	start := t.home(id)
	for probe := 0; probe < t.slots; probe++ {
		s := t.slot((start + probe) % t.slots)
		key := shm.Int64At(s.buf, offStreamID)
		cur := atomic.LoadInt64(key)
		if cur == 0 && atomic.CompareAndSwapInt64(key, 0, int64(id)) {
			s.create(st)
			return s, nil
		}
		if types.StreamLogID(atomic.LoadInt64(key)) != id {
			continue
		}
		s.waitReady()
		if got := s.Static(); got != st {
			return nil, fmt.Errorf("%w: stream %s has %+v, requested %+v", ErrStaticMismatch, id, got, st)
		}
		return s, nil
	}
	return nil, fmt.Errorf("%w: %d slots", ErrTableFull, t.slots)
}

// Find returns the record for id if some process created it.
func (t *Table) Find(id types.StreamLogID) (*StreamLogState, bool) {
	start := t.home(id)
	for probe := 0; probe < t.slots; probe++ {
		s := t.slot((start + probe) % t.slots)
		cur := types.StreamLogID(atomic.LoadInt64(shm.Int64At(s.buf, offStreamID)))
		if cur == 0 {
			return nil, false
		}
		if cur == id {
			s.waitReady()
			return s, true
		}
	}
	return nil, false
}

// All returns every initialised record.
func (t *Table) All() []*StreamLogState {
	var out []*StreamLogState
	for i := 0; i < t.slots; i++ {
		s := t.slot(i)
		if atomic.LoadInt64(shm.Int64At(s.buf, offStreamID)) != 0 && s.flags()&flagReady != 0 {
			out = append(out, s)
		}
	}
	return out
}

// StreamLogState is a view over one 128-byte shared record.
type StreamLogState struct {
	buf    []byte
	logger *zap.Logger
}

func (s *StreamLogState) u32(off int) *uint32 { return shm.Uint32At(s.buf, off) }
func (s *StreamLogState) i32(off int) *int32  { return shm.Int32At(s.buf, off) }
func (s *StreamLogState) u64(off int) *uint64 { return shm.Uint64At(s.buf, off) }
func (s *StreamLogState) i64(off int) *int64  { return shm.Int64At(s.buf, off) }

func (s *StreamLogState) create(st Static) {
	atomic.StoreUint32(s.u32(offItemSize), uint32(st.ItemFixedSize))
	atomic.StoreUint32(s.u32(offWriteMode), uint32(st.WriteMode))
	atomic.StoreInt64(s.i64(offCreatedAt), time.Now().UnixNano())
	atomic.StoreUint32(s.u32(offFlags), uint32(st.Flags|flagReady))
}

func (s *StreamLogState) waitReady() {
	b := fault.NewBackoff()
	for s.flags()&flagReady == 0 {
		_ = b.Wait(context.Background())
		if b.Steps() > 1_000_000 {
			fault.Invariant(s.logger, "state record for %s never became ready", s.ID())
		}
	}
}

func (s *StreamLogState) flags() Flags { return Flags(atomic.LoadUint32(s.u32(offFlags))) }

func (s *StreamLogState) ID() types.StreamLogID {
	return types.StreamLogID(atomic.LoadInt64(s.i64(offStreamID)))
}

func (s *StreamLogState) Static() Static {
	return Static{
		Flags:         s.flags() &^ flagReady,
		ItemFixedSize: int32(atomic.LoadUint32(s.u32(offItemSize))),
		WriteMode:     WriteMode(atomic.LoadUint32(s.u32(offWriteMode))),
	}
}

func (s *StreamLogState) Flags() Flags         { return s.flags() &^ flagReady }
func (s *StreamLogState) ItemFixedSize() int32 { return int32(atomic.LoadUint32(s.u32(offItemSize))) }
func (s *StreamLogState) WriteMode() WriteMode { return WriteMode(atomic.LoadUint32(s.u32(offWriteMode))) }
func (s *StreamLogState) CreatedAt() int64     { return atomic.LoadInt64(s.i64(offCreatedAt)) }

// Exclusive lock

// LockHolder returns the writer holding the exclusive lock, zero if free.
func (s *StreamLogState) LockHolder() types.Wpid {
	return types.Wpid(atomic.LoadUint64(s.u64(offLockHolder)))
}

func (s *StreamLogState) TryAcquireLock(w types.Wpid) bool {
	return atomic.CompareAndSwapUint64(s.u64(offLockHolder), 0, uint64(w))
}

// AcquireLock spins until the exclusive lock is taken. A lock held by a
// writer that liveness reports dead is broken. Returns a LockBusy retry
// error if ctx ends first.
func (s *StreamLogState) AcquireLock(ctx context.Context, w types.Wpid, liveness Liveness) error {
	fault.Check(s.logger, !w.IsZero(), "lock acquire with zero wpid on %s", s.ID())
	b := fault.NewBackoff()
	for {
		if s.TryAcquireLock(w) {
			return nil
		}
		holder := s.LockHolder()
		if holder == w {
			fault.Invariant(s.logger, "writer %s already holds the lock of %s", w, s.ID())
		}
		if !holder.IsZero() && liveness != nil && (b.Sleeping() || b.Steps() == 0) && !liveness.IsAlive(holder) {
			if atomic.CompareAndSwapUint64(s.u64(offLockHolder), uint64(holder), uint64(w)) {
				s.logger.Warn("broke lock of dead writer",
					zap.Stringer("stream", s.ID()),
					zap.Stringer("holder", holder),
					zap.Stringer("wpid", w),
				)
				return nil
			}
		}
		if err := b.Wait(ctx); err != nil {
			return fault.Retry(fault.ReasonLockBusy, "lock of %s held by %s: %v", s.ID(), holder, err)
		}
	}
}

// ReleaseLock frees the exclusive lock, which w must hold.
func (s *StreamLogState) ReleaseLock(w types.Wpid) {
	if !atomic.CompareAndSwapUint64(s.u64(offLockHolder), uint64(w), 0) {
		fault.Invariant(s.logger, "writer %s released lock of %s held by %s", w, s.ID(), s.LockHolder())
	}
}

// ReleaseLockIfHeld frees the lock if w still holds it and reports whether
// it did. A writer whose lock was broken as dead gets false.
func (s *StreamLogState) ReleaseLockIfHeld(w types.Wpid) bool {
	return atomic.CompareAndSwapUint64(s.u64(offLockHolder), uint64(w), 0)
}

// Packer lock

// TryAcquirePackerLock takes the packer lock if it is free or older than
// timeout. The returned token releases it.
func (s *StreamLogState) TryAcquirePackerLock(w types.Wpid, now int64, timeout time.Duration) (int64, bool) {
	if now <= 0 {
		now = 1
	}
	p := s.i64(offPackerLock)
	for {
		cur := atomic.LoadInt64(p)
		if cur != 0 && now-cur < int64(timeout) {
			return 0, false
		}
		if cur == now {
			now++
		}
		prev := types.Wpid(atomic.LoadUint64(s.u64(offPackerLockHolder)))
		if atomic.CompareAndSwapInt64(p, cur, now) {
			atomic.StoreUint64(s.u64(offPackerLockHolder), uint64(w))
			if cur != 0 {
				s.logger.Warn("took over expired packer lock",
					zap.Stringer("stream", s.ID()),
					zap.Stringer("previous_holder", prev),
					zap.Duration("age", time.Duration(now-cur)),
				)
			}
			return now, true
		}
	}
}

// ReleasePackerLock frees the lock taken with token. It returns false when
// the lock expired and was taken over in the meantime.
func (s *StreamLogState) ReleasePackerLock(token int64) bool {
	return atomic.CompareAndSwapInt64(s.i64(offPackerLock), token, 0)
}

// PackerLockHolder is the last writer that took the packer lock.
func (s *StreamLogState) PackerLockHolder() (types.Wpid, int64) {
	return types.Wpid(atomic.LoadUint64(s.u64(offPackerLockHolder))), atomic.LoadInt64(s.i64(offPackerLock))
}

// Hints. They are advisory; the index is authoritative.

func (s *StreamLogState) LastVersionSent() uint64 { return atomic.LoadUint64(s.u64(offLastVersionSent)) }

func (s *StreamLogState) SetLastVersionSent(v uint64) { storeMax(s.u64(offLastVersionSent), v) }

func (s *StreamLogState) ActiveBlockVersion() uint64 {
	return atomic.LoadUint64(s.u64(offActiveBlockVersion))
}

func (s *StreamLogState) SetActiveBlockVersion(v uint64) { storeMax(s.u64(offActiveBlockVersion), v) }

func (s *StreamLogState) LastPackedVersion() uint64 {
	return atomic.LoadUint64(s.u64(offLastPackedVersion))
}

func (s *StreamLogState) SetLastPackedVersion(v uint64) { storeMax(s.u64(offLastPackedVersion), v) }

func (s *StreamLogState) LastReleasedVersion() uint64 {
	return atomic.LoadUint64(s.u64(offLastReleased))
}

func (s *StreamLogState) SetLastReleasedVersion(v uint64) { storeMax(s.u64(offLastReleased), v) }

func storeMax(p *uint64, v uint64) {
	for {
		cur := atomic.LoadUint64(p)
		if cur >= v || atomic.CompareAndSwapUint64(p, cur, v) {
			return
		}
	}
}

func (s *StreamLogState) IsCompleted() bool { return atomic.LoadUint32(s.u32(offCompleted)) != 0 }

func (s *StreamLogState) MarkCompleted() { atomic.StoreUint32(s.u32(offCompleted), 1) }

// Rate hint: log2 of the preferred block size. Negative values are set
// explicitly and never adapted; positive values are measured.

// BlockSizeHint returns the preferred block size, 0 when none is set, and
// whether it was set explicitly.
func (s *StreamLogState) BlockSizeHint() (int, bool) {
	h := atomic.LoadInt32(s.i32(offRateHint))
	switch {
	case h == 0:
		return 0, false
	case h < 0:
		return 1 << -h, true
	default:
		return 1 << h, false
	}
}

// SetBlockSizeHint stores size rounded up to a power of two.
func (s *StreamLogState) SetBlockSizeHint(size int, explicit bool) {
	if size <= 0 {
		atomic.StoreInt32(s.i32(offRateHint), 0)
		return
	}
	l := int32(bits.Len(uint(size - 1)))
	if explicit {
		l = -l
	}
	atomic.StoreInt32(s.i32(offRateHint), l)
}

// RecordCompletion feeds one block completion into the rate controller. It
// doubles the measured hint, up to maxSize, after TooFastLimit consecutive
// fast completions and reports whether it did.
func (s *StreamLogState) RecordCompletion(fast bool, current, maxSize int) bool {
	cnt := s.u32(offTooFastCount)
	if !fast {
		atomic.StoreUint32(cnt, 0)
		return false
	}
	if atomic.AddUint32(cnt, 1) < TooFastLimit {
		return false
	}
	atomic.StoreUint32(cnt, 0)
	if _, explicit := s.BlockSizeHint(); explicit {
		return false
	}
	next := current * 2
	if next > maxSize {
		return false
	}
	s.SetBlockSizeHint(next, false)
	return true
}

// TooFastCount is the current run of fast completions.
func (s *StreamLogState) TooFastCount() int { return int(atomic.LoadUint32(s.u32(offTooFastCount))) }
