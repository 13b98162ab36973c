package notify

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/gftdcojp/streamlog/internal/fault"
	"github.com/gftdcojp/streamlog/internal/metrics"
	"go.uber.org/zap"
)

// ReaderOptions configure a Reader.
type ReaderOptions struct {
	// Start is the first version to read. Zero starts after the last
	// version appended so far.
	Start uint64
	// DoNotWaitForNew makes MoveNext return false once the reader has
	// caught up instead of waiting for new entries.
	DoNotWaitForNew bool
}

// Reader walks the log in version order. It is not safe for concurrent use.
type Reader struct {
	log  *Log
	opts ReaderOptions

	next    uint64
	current Notification
	version uint64
	missed  uint64
	stopped bool

	backoff   *fault.Backoff
	waitingOn uint64
	waitSince time.Time
	lastWal   time.Time
}

func (l *Log) NewReader(opts ReaderOptions) *Reader {
	start := opts.Start
	if start == 0 {
		start = l.LastVersion() + 1
	}
	b := fault.NewBackoff()
	b.Spins = l.opts.SpinIterations
	return &Reader{log: l, opts: opts, next: start, backoff: b}
}

// Current is the entry MoveNext stopped on.
func (r *Reader) Current() Notification { return r.current }

// Version is the version of Current, 0 for a WAL signal.
func (r *Reader) Version() uint64 { return r.version }

// Missed counts entries lost because the ring lapped the reader.
func (r *Reader) Missed() uint64 { return r.missed }

// Stopped reports whether MoveNext returned false because ctx ended.
func (r *Reader) Stopped() bool { return r.stopped }

// Next is the version the next MoveNext will try to read.
func (r *Reader) Next() uint64 { return r.next }

// MoveNext advances to the next entry. While the writer of the next slot is
// between claiming and writing it, the reader spins and then sleeps; a slot
// left unwritten longer than MaxWriterStall, or abandoned by a stale writer,
// is skipped. An entry its writer stores after the skip is lost to this
// reader. A caught-up reader returns WalSignal once its spin budget is
// spent and then every WalInterval. It returns false when ctx ends, or once
// caught up if DoNotWaitForNew is set.
func (r *Reader) MoveNext(ctx context.Context) bool {
	for {
		if ctx.Err() != nil {
			r.stopped = true
			return false
		}
		end := r.log.LastVersion()
		if r.next > end {
			if r.opts.DoNotWaitForNew {
				return false
			}
			if r.backoff.Sleeping() && time.Since(r.lastWal) >= r.log.opts.WalInterval {
				r.lastWal = time.Now()
				r.current, r.version = WalSignal, 0
				return true
			}
			if !r.wait(ctx) {
				return false
			}
			continue
		}

		n, status := r.log.load(r.next)
		switch status {
		case slotReady:
			r.current, r.version = n, r.next
			r.next++
			r.backoff.Reset()
			return true
		case slotLapped:
			r.skipLapped()
			continue
		}

		if r.waitingOn != r.next {
			r.waitingOn, r.waitSince = r.next, time.Now()
		}
		if r.log.isStale(r.next, end) || time.Since(r.waitSince) > r.log.opts.MaxWriterStall {
			r.log.logger.Debug("skipped unwritten notification slot",
				zap.Uint64("version", r.next),
				zap.Duration("waited", time.Since(r.waitSince)))
			metrics.StaleSlotsSkipped.Inc()
			r.next++
			continue
		}
		if !r.wait(ctx) {
			return false
		}
	}
}

func (r *Reader) wait(ctx context.Context) bool {
	if err := r.backoff.Wait(ctx); err != nil {
		r.stopped = true
		return false
	}
	return true
}

// skipLapped moves a reader the ring overtook to the oldest block that is
// safe to read, keeping one block of margin to the writers.
func (r *Reader) skipLapped() {
	l := r.log
	end := atomic.LoadUint64(l.counter)
	next := r.next + 1
	if endBlock := l.blockNum(end); endBlock >= uint64(len(l.slots)-2) {
		if oldest := (endBlock-uint64(len(l.slots)-2))*l.items + 1; oldest > next {
			next = oldest
		}
	}
	lost := next - r.next
	r.missed += lost
	metrics.NotificationsMissed.Add(float64(lost))
	l.logger.Warn("notification reader lapped", zap.Uint64("from", r.next), zap.Uint64("to", next))
	r.next = next
}
