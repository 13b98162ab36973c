// Package lifecycle runs the background work that moves blocks out of shared
// memory: packing completed blocks into the archive, releasing their pages
// and preparing standby blocks for streams about to rotate.
package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gftdcojp/streamlog/internal/fault"
	"github.com/gftdcojp/streamlog/internal/index"
	"github.com/gftdcojp/streamlog/internal/state"
	"github.com/gftdcojp/streamlog/internal/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// PackerConfig tunes a Packer.
type PackerConfig struct {
	Interval time.Duration
	Workers  int
	Logger   *zap.Logger
}

type request struct {
	stream  types.StreamLogID
	prepare bool
}

// Packer packs streams registered with it, either on its own tick or when a
// writer asks after a rotation.
type Packer struct {
	idx    *index.Index
	cfg    PackerConfig
	logger *zap.Logger

	mu       sync.Mutex
	streams  map[types.StreamLogID]*state.StreamLogState
	pending  map[types.StreamLogID]bool
	inflight map[types.StreamLogID]*sync.Mutex

	requests chan request
}

func NewPacker(idx *index.Index, cfg PackerConfig) *Packer {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Packer{
		idx:      idx,
		cfg:      cfg,
		logger:   cfg.Logger.Named("packer"),
		streams:  make(map[types.StreamLogID]*state.StreamLogState),
		pending:  make(map[types.StreamLogID]bool),
		inflight: make(map[types.StreamLogID]*sync.Mutex),
		requests: make(chan request, 256),
	}
}

// Register makes st eligible for packing.
func (p *Packer) Register(st *state.StreamLogState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streams[st.ID()] = st
	if _, ok := p.inflight[st.ID()]; !ok {
		p.inflight[st.ID()] = &sync.Mutex{}
	}
}

func (p *Packer) Unregister(id types.StreamLogID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.streams, id)
	delete(p.pending, id)
}

// Schedule marks a stream for packing on the next tick. Repeated calls
// before the tick collapse into one pass.
func (p *Packer) Schedule(id types.StreamLogID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.streams[id]; ok {
		p.pending[id] = true
	}
}

// Submit asks for an immediate pass over a stream without waiting for it.
// A full queue falls back to Schedule.
func (p *Packer) Submit(id types.StreamLogID) {
	select {
	case p.requests <- request{stream: id, prepare: true}:
	default:
		p.Schedule(id)
	}
}

// RunNow packs one stream on the calling goroutine.
func (p *Packer) RunNow(ctx context.Context, id types.StreamLogID) error {
	st, lock := p.lookup(id)
	if st == nil {
		return nil
	}
	return p.packStream(ctx, st, lock, false)
}

// PackAll packs every registered stream on the calling goroutine. Writers
// use it when the page pool runs dry.
func (p *Packer) PackAll(ctx context.Context) error {
	var errs []error
	for _, st := range p.registered() {
		_, lock := p.lookup(st.ID())
		if err := p.packStream(ctx, st, lock, false); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Packer) lookup(id types.StreamLogID) (*state.StreamLogState, *sync.Mutex) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streams[id], p.inflight[id]
}

func (p *Packer) registered() []*state.StreamLogState {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*state.StreamLogState, 0, len(p.streams))
	for _, st := range p.streams {
		out = append(out, st)
	}
	return out
}

// drain takes the scheduled streams. On a tick every registered stream gets
// a pass; only the scheduled ones also get a standby prepared.
func (p *Packer) drain() []request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]request, 0, len(p.streams))
	for id := range p.streams {
		out = append(out, request{stream: id, prepare: p.pending[id]})
	}
	clear(p.pending)
	return out
}

// Run packs until ctx ends, with at most Workers streams in flight.
func (p *Packer) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)
	p.logger.Info("packer started", zap.Duration("interval", p.cfg.Interval), zap.Int("workers", p.cfg.Workers))

	dispatch := func(r request) {
		st, lock := p.lookup(r.stream)
		if st == nil {
			return
		}
		g.Go(func() error {
			if err := p.packStream(gctx, st, lock, r.prepare); err != nil && gctx.Err() == nil {
				p.logger.Error("pack cycle error", zap.Stringer("stream", r.stream), zap.Error(err))
			}
			return nil
		})
	}

	for {
		select {
		case <-ctx.Done():
			g.Wait()
			p.logger.Info("packer stopped")
			return ctx.Err()
		case r := <-p.requests:
			dispatch(r)
		case <-ticker.C:
			for _, r := range p.drain() {
				dispatch(r)
			}
		}
	}
}

// packStream packs completed blocks, releases the packed pages behind the
// active block, and optionally prepares the next block.
func (p *Packer) packStream(ctx context.Context, st *state.StreamLogState, lock *sync.Mutex, prepare bool) error {
	if st.Flags().Has(state.FlagNoPacking) {
		return nil
	}
	lock.Lock()
	defer lock.Unlock()

	action := index.ActionPack
	if st.Flags().Has(state.FlagDropOnPack) {
		action = index.ActionDelete
	}
	for {
		more, err := p.idx.PackBlocks(ctx, st, action)
		if err != nil {
			if reason, ok := fault.IsRetry(err); ok {
				p.logger.Debug("pack deferred", zap.Stringer("stream", st.ID()), zap.Stringer("reason", reason))
				return nil
			}
			return err
		}
		if !more {
			break
		}
	}

	if active := st.ActiveBlockVersion(); active > 0 {
		if _, err := p.idx.ReleaseBlocks(ctx, st, st.LastReleasedVersion(), active, action == index.ActionDelete); err != nil {
			return err
		}
	}

	if prepare && !st.IsCompleted() {
		if _, err := p.idx.PrepareNextWritableBlock(ctx, st, 0); err != nil {
			if _, ok := fault.IsRetry(err); ok {
				return nil
			}
			return err
		}
	}
	return nil
}
