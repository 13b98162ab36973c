// Package notify implements the notification log, a wait-free broadcast
// channel shared by every process of a store. Writers append 8-byte entries
// naming the stream that changed; each process drains the log with a single
// Dispatcher and fans the entries out to in-process subscribers.
//
// The log lives in the ring region of the shared file. A global counter in
// the control header hands out versions. Block b of the log holds versions
// b*items+1 through (b+1)*items and occupies ring slot b % RingBlocks, so a
// slot is reused every RingBlocks blocks. Writers and readers that fall a
// full ring behind detect the reuse from the slot's first version.
package notify

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gftdcojp/streamlog/internal/block"
	"github.com/gftdcojp/streamlog/internal/fault"
	"github.com/gftdcojp/streamlog/internal/metrics"
	"github.com/gftdcojp/streamlog/internal/process"
	"github.com/gftdcojp/streamlog/internal/shm"
	"github.com/gftdcojp/streamlog/internal/state"
	"github.com/gftdcojp/streamlog/internal/types"
	"go.uber.org/zap"
)

const itemSize = 8

// Options tune writers and readers of the log.
type Options struct {
	// MaxWriterStall is how long a reader waits on an unwritten slot before
	// it assumes the writer died and skips it, and how long a rotation waits
	// for pinned writers. A writer stalled longer still reports success when
	// it wakes, but readers that skipped the slot never see its entry.
	MaxWriterStall time.Duration
	// SpinIterations is the busy-spin budget before a waiter yields.
	SpinIterations int
	// WalInterval spaces WAL signals while a reader is idle.
	WalInterval time.Duration
}

func (o *Options) setDefaults() {
	if o.MaxWriterStall <= 0 {
		o.MaxWriterStall = 5 * time.Second
	}
	if o.SpinIterations <= 0 {
		o.SpinIterations = 64
	}
	if o.WalInterval <= 0 {
		o.WalInterval = 100 * time.Millisecond
	}
}

// Log is this process's handle on the notification log.
type Log struct {
	counter *uint64
	slots   []*block.StreamBlock
	items   uint64
	st      *state.StreamLogState
	pc      *process.Context
	opts    Options
	logger  *zap.Logger

	// rotMu keeps this process's goroutines, which share one wpid, off the
	// cross-process lock at the same time.
	rotMu sync.Mutex

	// beforeStore runs once a writer has pinned its slot, just before the
	// store.
	beforeStore func(v uint64)
}

// Open attaches to the ring of region, formatting its slots if this is the
// first process to use them.
func Open(ctx context.Context, region *shm.Region, table *state.Table, pc *process.Context, opts Options) (*Log, error) {
	opts.setDefaults()
	st, err := table.GetOrCreate(types.Log0, state.Static{
		Flags:         state.FlagFixedItemSize | state.FlagNoPacking,
		ItemFixedSize: itemSize,
		WriteMode:     state.WriteModeShared | state.WriteModeNoNotify,
	})
	if err != nil {
		return nil, fmt.Errorf("notification log state: %w", err)
	}

	ring, blocks, payload := region.Ring()
	l := &Log{
		counter: region.Log0Counter(),
		slots:   make([]*block.StreamBlock, blocks),
		items:   uint64(payload / itemSize),
		st:      st,
		pc:      pc,
		opts:    opts,
		logger:  pc.Logger.Named("notify"),
	}

	var unformatted []int
	slotSize := shm.RingHeaderSize + payload
	for i := range l.slots {
		buf := ring[i*slotSize : (i+1)*slotSize]
		blk, status := block.Open(buf, l.expect(), l.logger)
		if status != block.Valid {
			unformatted = append(unformatted, i)
			continue
		}
		l.slots[i] = blk
	}
	if len(unformatted) > 0 {
		if err := l.withLock(ctx, func() {
			for _, i := range unformatted {
				buf := ring[i*slotSize : (i+1)*slotSize]
				if blk, status := block.Open(buf, l.expect(), l.logger); status == block.Valid {
					l.slots[i] = blk
					continue
				}
				l.slots[i] = block.InitStandby(buf, types.Log0, itemSize, l.logger)
			}
		}); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func (l *Log) expect() block.Expect {
	return block.Expect{Stream: types.Log0, ItemFixedSize: itemSize, Standby: true}
}

// withLock runs fn under Log0's exclusive lock.
func (l *Log) withLock(ctx context.Context, fn func()) error {
	l.rotMu.Lock()
	defer l.rotMu.Unlock()
	if err := l.st.AcquireLock(ctx, l.pc.Wpid, l.pc.Liveness); err != nil {
		return err
	}
	defer l.st.ReleaseLock(l.pc.Wpid)
	fn()
	return nil
}

// LastVersion is the last version handed to a writer.
func (l *Log) LastVersion() uint64 { return atomic.LoadUint64(l.counter) }

// Capacity is the number of entries the ring holds.
func (l *Log) Capacity() uint64 { return l.items * uint64(len(l.slots)) }

func (l *Log) blockNum(v uint64) uint64   { return (v - 1) / l.items }
func (l *Log) blockStart(v uint64) uint64 { return l.blockNum(v)*l.items + 1 }
func (l *Log) slot(v uint64) *block.StreamBlock {
	return l.slots[l.blockNum(v)%uint64(len(l.slots))]
}
func (l *Log) itemIndex(v uint64) int { return int((v - 1) % l.items) }

// staleDistance is how far a version may trail the counter before its slot
// could be recycled under a writer.
func (l *Log) staleDistance() uint64 { return uint64(len(l.slots)-2) * l.items }

func (l *Log) isStale(v, end uint64) bool { return end-v >= l.staleDistance() }

// Append writes n and returns its version. A writer that falls so far
// behind that its slot may have been recycled abandons the slot and claims
// another. The writer pins the slot across the check and the store, so the
// store always lands in the generation that owns v.
func (l *Log) Append(ctx context.Context, n Notification) (uint64, error) {
	fault.Check(l.logger, n != 0, "zero notification appended")
	for {
		v := atomic.AddUint64(l.counter, 1)
		blk, err := l.blockFor(ctx, v)
		if err != nil {
			return 0, err
		}
		if blk == nil {
			l.logger.Debug("notification slot recycled before write", zap.Uint64("version", v))
			continue
		}
		blk.PinLog0()
		if blk.FirstVersion() != l.blockStart(v) || l.isStale(v, atomic.LoadUint64(l.counter)) {
			blk.UnpinLog0()
			l.logger.Debug("abandoned stale notification slot", zap.Uint64("version", v))
			continue
		}
		if l.beforeStore != nil {
			l.beforeStore(v)
		}
		blk.StoreItem64(l.itemIndex(v), uint64(n))
		blk.UnpinLog0()
		metrics.NotificationsAppended.Inc()
		return v, nil
	}
}

// blockFor returns the block holding v, rotating the ring if v starts a new
// block. It returns nil when the slot already moved past v.
func (l *Log) blockFor(ctx context.Context, v uint64) (*block.StreamBlock, error) {
	want := l.blockStart(v)
	blk := l.slot(v)
	for {
		fv := blk.FirstVersion()
		switch {
		case fv == want:
			return blk, nil
		case fv > want:
			return nil, nil
		}
		if err := l.rotate(ctx, v); err != nil {
			return nil, err
		}
	}
}

// rotate publishes the block holding v in its ring slot and completes the
// block before it.
func (l *Log) rotate(ctx context.Context, v uint64) error {
	return l.withLock(ctx, func() {
		want := l.blockStart(v)
		blk := l.slot(v)
		if fv := blk.FirstVersion(); fv >= want {
			return
		} else if fv != 0 {
			blk.Complete()
		}
		if want > l.items {
			prev := l.slot(want - 1)
			if prev.FirstVersion() == want-l.items {
				prev.Complete()
			}
		}
		blk.WithdrawLog0()
		l.drainPins(blk)
		blk.ResetLog0(want)
		metrics.LogRotations.Inc()
		l.logger.Debug("notification log rotated", zap.Uint64("first_version", want))
	})
}

// drainPins waits for writers still storing into blk. Pins older than
// MaxWriterStall belong to a writer presumed dead and are cleared; a writer
// stalled that long that does wake up may still store into the new
// generation.
func (l *Log) drainPins(blk *block.StreamBlock) {
	if blk.Log0Pins() <= 0 {
		return
	}
	deadline := time.Now().Add(l.opts.MaxWriterStall)
	b := fault.NewBackoff()
	for blk.Log0Pins() > 0 {
		if time.Now().After(deadline) {
			l.logger.Warn("cleared notification slot pins of stalled writers",
				zap.Int64("pins", blk.Log0Pins()),
				zap.Duration("waited", l.opts.MaxWriterStall))
			blk.ClearLog0Pins()
			return
		}
		b.Wait(context.Background())
	}
}

type slotStatus int

const (
	slotReady slotStatus = iota
	slotPending
	slotLapped
)

// load reads version v. The slot's first version is checked on both sides
// of the read so a concurrent reset is never mistaken for data.
func (l *Log) load(v uint64) (Notification, slotStatus) {
	blk := l.slot(v)
	want := l.blockStart(v)
	fv := blk.FirstVersion()
	switch {
	case fv > want:
		return 0, slotLapped
	case fv != want:
		return 0, slotPending
	}
	val := blk.LoadItem64(l.itemIndex(v))
	if fv := blk.FirstVersion(); fv != want {
		if fv > want {
			return 0, slotLapped
		}
		return 0, slotPending
	}
	if val == 0 {
		return 0, slotPending
	}
	return Notification(val), slotReady
}
