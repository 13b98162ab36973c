package notify

import (
	"context"
	"sync"

	"github.com/gftdcojp/streamlog/internal/fault"
	"github.com/gftdcojp/streamlog/internal/types"
	"go.uber.org/zap"
)

// Handler receives notifications. Handlers of one process never run
// concurrently with each other, so they should return quickly.
type Handler func(Notification)

type subscription struct {
	id uint64
	fn Handler
}

// Dispatcher drains the log on a single goroutine and calls the handlers
// subscribed to each entry's stream, then the wildcard handlers.
type Dispatcher struct {
	log    *Log
	start  uint64
	logger *zap.Logger

	mu       sync.RWMutex
	byStream map[types.StreamLogID][]subscription
	all      []subscription
	onWal    []func()
	nextID   uint64

	// dispatchMu serialises handler calls from Run and Local.
	dispatchMu sync.Mutex
}

// NewDispatcher reads from the version after the last one appended now, so
// every entry appended after it returns is delivered.
func NewDispatcher(log *Log, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		log:      log,
		start:    log.LastVersion() + 1,
		logger:   logger.Named("dispatcher"),
		byStream: make(map[types.StreamLogID][]subscription),
	}
}

// Subscribe registers fn for one stream. The returned func unsubscribes.
func (d *Dispatcher) Subscribe(stream types.StreamLogID, fn Handler) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.byStream[stream] = append(d.byStream[stream], subscription{id: id, fn: fn})
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.byStream[stream] = remove(d.byStream[stream], id)
		if len(d.byStream[stream]) == 0 {
			delete(d.byStream, stream)
		}
	}
}

// SubscribeAll registers fn for every stream.
func (d *Dispatcher) SubscribeAll(fn Handler) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.all = append(d.all, subscription{id: id, fn: fn})
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.all = remove(d.all, id)
	}
}

// OnWalSignal registers a housekeeping hook run whenever the reader is idle.
func (d *Dispatcher) OnWalSignal(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onWal = append(d.onWal, fn)
}

func remove(subs []subscription, id uint64) []subscription {
	out := subs[:0:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// Local delivers n to this process's handlers without going through the
// shared log. Streams that do not publish to the log use it.
func (d *Dispatcher) Local(n Notification) {
	d.dispatch(n)
}

// Run drains the log until ctx ends.
func (d *Dispatcher) Run(ctx context.Context) error {
	r := d.log.NewReader(ReaderOptions{Start: d.start})
	d.logger.Info("dispatcher started", zap.Uint64("from_version", d.start))
	for r.MoveNext(ctx) {
		n := r.Current()
		if n.IsWalSignal() {
			d.housekeeping()
			continue
		}
		d.dispatch(n)
	}
	d.logger.Info("dispatcher stopped", zap.Uint64("next_version", r.Next()), zap.Uint64("missed", r.Missed()))
	return ctx.Err()
}

func (d *Dispatcher) dispatch(n Notification) {
	d.mu.RLock()
	targets := make([]Handler, 0, len(d.byStream[n.Stream()])+len(d.all))
	for _, s := range d.byStream[n.Stream()] {
		targets = append(targets, s.fn)
	}
	for _, s := range d.all {
		targets = append(targets, s.fn)
	}
	d.mu.RUnlock()

	d.dispatchMu.Lock()
	defer d.dispatchMu.Unlock()
	for _, fn := range targets {
		d.call(n, fn)
	}
}

func (d *Dispatcher) call(n Notification, fn Handler) {
	defer func() {
		if p := recover(); p != nil {
			if _, ok := p.(*fault.Violation); ok {
				panic(p)
			}
			d.logger.Error("notification handler panicked", zap.Stringer("notification", n), zap.Any("panic", p))
		}
	}()
	fn(n)
}

func (d *Dispatcher) housekeeping() {
	d.mu.RLock()
	hooks := append([]func(){}, d.onWal...)
	d.mu.RUnlock()

	d.dispatchMu.Lock()
	defer d.dispatchMu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}
