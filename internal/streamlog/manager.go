package streamlog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/gftdcojp/streamlog/internal/blob"
	"github.com/gftdcojp/streamlog/internal/config"
	"github.com/gftdcojp/streamlog/internal/fault"
	"github.com/gftdcojp/streamlog/internal/file"
	"github.com/gftdcojp/streamlog/internal/index"
	"github.com/gftdcojp/streamlog/internal/lifecycle"
	"github.com/gftdcojp/streamlog/internal/memory"
	"github.com/gftdcojp/streamlog/internal/meta"
	"github.com/gftdcojp/streamlog/internal/notify"
	"github.com/gftdcojp/streamlog/internal/process"
	"github.com/gftdcojp/streamlog/internal/shm"
	"github.com/gftdcojp/streamlog/internal/state"
	"github.com/gftdcojp/streamlog/internal/tier"
	"github.com/gftdcojp/streamlog/internal/types"
	"github.com/gftdcojp/streamlog/pkg/s3util"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// MemoryPath as the shared memory path keeps the store inside this process.
const MemoryPath = ":memory:"

var (
	ErrInvalidStream = errors.New("invalid stream id")
	ErrStreamDropped = errors.New("stream was dropped")
)

// Manager owns one opened store: the shared memory region, the index, the
// archive and the notification log. It hands out one StreamLog per stream.
type Manager struct {
	cfg      *config.Config
	region   *shm.Region
	store    *meta.BoltStore
	registry *process.Registry
	pc       *process.Context
	table    *state.Table
	ctrl     *tier.Controller
	tiers    []tier.TierStore
	s3       *s3util.Client
	idx      *index.Index
	log      *notify.Log
	disp     *notify.Dispatcher
	packer   *lifecycle.Packer
	logger   *zap.Logger

	mu        sync.Mutex
	streams   map[types.StreamLogID]*StreamLog
	lastPrune time.Time
	closed    bool
}

// Open attaches to the store described by cfg, creating it if needed, and
// opens the streams cfg declares. Background work starts with Run.
func Open(ctx context.Context, cfg *config.Config, version string, logger *zap.Logger) (_ *Manager, err error) {
	m := &Manager{
		cfg:     cfg,
		logger:  logger,
		streams: make(map[types.StreamLogID]*StreamLog),
	}
	defer func() {
		if err != nil {
			m.closeResources()
		}
	}()

	if err := os.MkdirAll(cfg.Store.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	layout := shm.LayoutFromConfig(cfg)
	if cfg.Store.SharedMemory.Path == MemoryPath {
		m.region, err = shm.OpenAnonymous(layout, logger.Named("shm"))
	} else {
		m.region, err = shm.Open(cfg.SharedMemoryPath(), layout, logger.Named("shm"))
	}
	if err != nil {
		return nil, fmt.Errorf("opening shared memory: %w", err)
	}

	m.store, err = meta.NewBoltStore(cfg.IndexPath(), meta.Options{
		Timeout: cfg.Index.Timeout.Duration(),
		NoSync:  cfg.Index.NoSync,
	}, logger.Named("meta"))
	if err != nil {
		return nil, fmt.Errorf("opening index: %w", err)
	}
	if err := m.store.BindStore(m.region.ID()); err != nil {
		return nil, err
	}

	m.registry = process.NewRegistry(m.store, logger)
	m.pc = process.New(m.region, m.registry, cfg.Process.LivenessTimeout.Duration(), logger)
	if err := m.pc.Register(ctx, version); err != nil {
		return nil, fmt.Errorf("registering process: %w", err)
	}
	m.table = state.NewTable(m.region, m.pc.Logger)

	if err := m.openArchive(ctx); err != nil {
		return nil, err
	}
	m.idx = index.New(m.store, m.region.Pool(), m.ctrl, m.pc, index.Options{
		InitialPayload:    int(cfg.StreamDefaults.InitialBlockSize),
		PackerLockTimeout: cfg.Packer.LockTimeout.Duration(),
	})

	m.log, err = notify.Open(ctx, m.region, m.table, m.pc, notify.Options{
		MaxWriterStall: cfg.Notification.MaxWriterStall.Duration(),
		SpinIterations: cfg.Notification.SpinIterations,
	})
	if err != nil {
		return nil, fmt.Errorf("opening notification log: %w", err)
	}
	m.disp = notify.NewDispatcher(m.log, m.pc.Logger)
	m.disp.OnWalSignal(m.housekeeping)

	m.packer = lifecycle.NewPacker(m.idx, lifecycle.PackerConfig{
		Interval: cfg.Packer.Interval.Duration(),
		Workers:  cfg.Packer.Workers,
		Logger:   m.pc.Logger,
	})

	for _, sc := range cfg.Streams {
		opts, err := OptionsFromConfig(sc, cfg.StreamDefaults)
		if err != nil {
			return nil, err
		}
		if _, err := m.OpenStream(ctx, types.MakeStreamLogID(sc.Repo, sc.Stream), opts); err != nil {
			return nil, fmt.Errorf("opening stream %s: %w", sc.Name, err)
		}
	}

	m.pc.Logger.Info("store opened",
		zap.String("data_dir", cfg.Store.DataDir),
		zap.Stringer("store_id", m.region.ID()),
		zap.Bool("anonymous", m.region.Anonymous()),
		zap.Int("streams", len(cfg.Streams)))
	return m, nil
}

func (m *Manager) openArchive(ctx context.Context) error {
	t := m.cfg.Archive.Tiers
	cc := tier.ControllerConfig{Meta: m.store, Policy: t, Logger: m.pc.Logger}
	if t.Memory.Enabled {
		cc.Memory = memory.NewStore(t.Memory, m.pc.Logger)
		m.tiers = append(m.tiers, cc.Memory)
	}
	if t.File.Enabled {
		fs, err := file.NewStore(t.File, m.pc.Logger)
		if err != nil {
			return fmt.Errorf("creating file tier: %w", err)
		}
		cc.File = fs
		m.tiers = append(m.tiers, fs)
	}
	if t.Blob.Enabled {
		client, err := s3util.NewClient(ctx, t.Blob)
		if err != nil {
			return fmt.Errorf("creating S3 client: %w", err)
		}
		m.s3 = client
		cc.Blob = blob.NewStore(client.S3, client.Bucket, t.Blob, m.pc.Logger)
		m.tiers = append(m.tiers, cc.Blob)
	}
	m.ctrl = tier.NewController(cc)
	return nil
}

// OptionsFromConfig resolves a configured stream against the defaults.
func OptionsFromConfig(sc config.StreamConfig, defaults config.StreamDefaultsConfig) (Options, error) {
	mode, err := state.ParseWriteMode(sc.ResolvedWriteMode(defaults))
	if err != nil {
		return Options{}, err
	}
	opts := Options{
		Name:                sc.Name,
		ItemFixedSize:       int32(sc.ItemFixedSize),
		WriteMode:           mode,
		TargetBlockDuration: defaults.TargetBlockDuration.Duration(),
	}
	if sc.HasTimestamp {
		opts.Flags |= state.FlagHasTimestamp
	}
	if sc.NoPacking {
		opts.Flags |= state.FlagNoPacking
	}
	if sc.DropOnPack {
		opts.Flags |= state.FlagDropOnPack
	}
	return opts, nil
}

// Run drives the background work of the store until ctx ends: the
// notification dispatcher, the packer, the process heartbeat and archive
// demotion. Demotion starts by reconciling the catalog with the tiers.
func (m *Manager) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.disp.Run(gctx) })
	g.Go(func() error { return m.packer.Run(gctx) })
	g.Go(func() error { return m.pc.RunHeartbeat(gctx, m.cfg.Process.HeartbeatInterval.Duration()) })
	if iv := m.cfg.Archive.EvalInterval.Duration(); iv > 0 {
		g.Go(func() error {
			m.reconcileArchive(gctx)
			return m.ctrl.RunDemotionLoop(gctx, iv)
		})
	}
	return g.Wait()
}

// reconcileArchive drops catalog entries and tier presence that the tier
// stores no longer back, as left by a crash during demotion.
func (m *Manager) reconcileArchive(ctx context.Context) {
	streams, err := m.store.ArchivedStreams(ctx)
	if err != nil {
		m.logger.Warn("listing archived streams", zap.Error(err))
		return
	}
	for _, id := range streams {
		n, err := lifecycle.CollectOrphans(ctx, m.store, m.ctrl, id, m.logger)
		if err != nil {
			m.logger.Warn("reconciling archive", zap.Stringer("stream", id), zap.Error(err))
			continue
		}
		if n > 0 {
			m.logger.Info("removed orphaned catalog entries", zap.Stringer("stream", id), zap.Int("count", n))
		}
	}
}

// housekeeping runs on the dispatcher goroutine while the notification log
// is idle.
func (m *Manager) housekeeping() {
	timeout := m.cfg.Process.LivenessTimeout.Duration()
	if timeout <= 0 || time.Since(m.lastPrune) < timeout {
		return
	}
	m.lastPrune = time.Now()
	n, err := m.registry.Prune(context.Background(), m.pc.Liveness)
	if err != nil {
		m.logger.Warn("pruning process registry failed", zap.Error(err))
		return
	}
	if n > 0 {
		m.logger.Info("pruned dead processes", zap.Int("count", n))
	}
}

// OpenStream returns the StreamLog of id, creating the stream on first use.
// Opening an open stream returns the same StreamLog.
func (m *Manager) OpenStream(ctx context.Context, id types.StreamLogID, opts Options) (*StreamLog, error) {
	if id == 0 || id == types.Log0 || id.RepoID() < 0 || id.RepoID() > types.MaxRepoID {
		return nil, fmt.Errorf("%w: %s", ErrInvalidStream, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if s, ok := m.streams[id]; ok {
		return s, nil
	}

	st, err := m.table.GetOrCreate(id, opts.static())
	if err != nil {
		return nil, err
	}
	if st.IsCompleted() {
		recs, err := m.idx.Records(ctx, id)
		if err != nil {
			return nil, err
		}
		if len(recs) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrStreamDropped, id)
		}
	}
	// Outside shared mode one writer owns the stream until it closes.
	ownsLock := false
	if !st.WriteMode().Has(state.WriteModeShared) && !st.IsCompleted() {
		wait := opts.LockWait
		if wait <= 0 {
			wait = defaultLockWait
		}
		lctx, cancel := context.WithTimeout(ctx, wait)
		err := st.AcquireLock(lctx, m.pc.Wpid, m.pc.Liveness)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("opening %s for writing: %w", id, err)
		}
		ownsLock = true
	}
	if opts.BlockSizeHint > 0 {
		st.SetBlockSizeHint(opts.BlockSizeHint, true)
	}
	target := opts.TargetBlockDuration
	if target <= 0 {
		target = time.Second
	}

	logger := m.pc.Logger.Named("stream").With(zap.Stringer("stream", id))
	if opts.Name != "" {
		logger = logger.With(zap.String("name", opts.Name))
	}
	s := &StreamLog{
		id:      id,
		name:    opts.Name,
		st:      st,
		idx:     m.idx,
		archive: m.ctrl,
		log:     m.log,
		disp:    m.disp,
		packer:  m.packer,
		pool:    m.region.Pool(),
		pc:      m.pc,
		target:  target,
		logger:  logger,
	}
	s.ownsLock = ownsLock
	m.streams[id] = s
	m.packer.Register(st)
	logger.Debug("stream opened", zap.Int32("item_fixed_size", st.ItemFixedSize()), zap.Uint32("write_mode", uint32(st.WriteMode())))
	return s, nil
}

// Stream returns an open stream.
func (m *Manager) Stream(id types.StreamLogID) (*StreamLog, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[id]
	return s, ok
}

// Streams lists the open streams in id order.
func (m *Manager) Streams() []*StreamLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*StreamLog, 0, len(m.streams))
	for _, s := range m.streams {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Subscribe calls fn for every notification of stream id seen by this
// process. The returned func unsubscribes.
func (m *Manager) Subscribe(id types.StreamLogID, fn notify.Handler) func() {
	return m.disp.Subscribe(id, fn)
}

func (m *Manager) SubscribeAll(fn notify.Handler) func() {
	return m.disp.SubscribeAll(fn)
}

// DropStream deletes a stream: its blocks, its index records and its
// archived copies. The id cannot be reused in this store afterwards.
func (m *Manager) DropStream(ctx context.Context, id types.StreamLogID) error {
	m.mu.Lock()
	s, ok := m.streams[id]
	delete(m.streams, id)
	m.mu.Unlock()

	var st *state.StreamLogState
	if ok {
		s.Close()
		st = s.st
	} else if st, ok = m.table.Find(id); !ok {
		return fmt.Errorf("%w: %s", ErrInvalidStream, id)
	}
	m.packer.Unregister(id)

	b := fault.NewBackoff()
	for {
		err := m.idx.DropStream(ctx, st)
		if err == nil {
			break
		}
		if _, retry := fault.IsRetry(err); !retry {
			return err
		}
		if werr := b.Wait(ctx); werr != nil {
			return err
		}
	}

	entries, err := m.store.ListPacked(ctx, id, nil)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := m.ctrl.Forget(ctx, e); err != nil {
			return err
		}
	}
	m.logger.Info("stream dropped", zap.Stringer("stream", id), zap.Int("archived_blocks", len(entries)))
	return nil
}

// Close closes every stream and releases the store.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	streams := make([]*StreamLog, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	m.mu.Unlock()

	for _, s := range streams {
		s.Close()
	}
	if m.pc != nil {
		if err := m.pc.Unregister(context.Background()); err != nil {
			m.logger.Warn("unregistering process failed", zap.Error(err))
		}
	}
	return m.closeResources()
}

func (m *Manager) closeResources() error {
	var errs []error
	for _, t := range m.tiers {
		errs = append(errs, t.Close())
	}
	if m.store != nil {
		errs = append(errs, m.store.Close())
	}
	if m.region != nil {
		errs = append(errs, m.region.Close())
	}
	return errors.Join(errs...)
}

// Accessors for the admin API and tools.

func (m *Manager) Index() *index.Index            { return m.idx }
func (m *Manager) Store() *meta.BoltStore         { return m.store }
func (m *Manager) Archive() *tier.Controller      { return m.ctrl }
func (m *Manager) Process() *process.Context      { return m.pc }
func (m *Manager) Region() *shm.Region            { return m.region }
func (m *Manager) Packer() *lifecycle.Packer      { return m.packer }
func (m *Manager) Notifications() *notify.Log     { return m.log }
func (m *Manager) Registry() *process.Registry    { return m.registry }
func (m *Manager) S3Client() *s3util.Client       { return m.s3 }
func (m *Manager) Dispatcher() *notify.Dispatcher { return m.disp }
