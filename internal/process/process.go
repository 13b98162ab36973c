// Package process holds the per-process context every engine component is
// built from: the writer id, the logger and the liveness oracle used to
// break locks left behind by crashed writers.
package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gftdcojp/streamlog/internal/meta"
	"github.com/gftdcojp/streamlog/internal/shm"
	"github.com/gftdcojp/streamlog/internal/types"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Clock returns the current time. Tests replace it.
type Clock func() time.Time

// Context is created once per store opening and passed to every
// constructor in place of package-level state.
type Context struct {
	Wpid     types.Wpid
	Pid      int
	Host     string
	Logger   *zap.Logger
	Liveness *Oracle
	Registry *Registry
	Clock    Clock

	startedAt time.Time
}

// New allocates a writer id from region and wires the liveness oracle.
// registry may be nil, in which case liveness falls back to the OS.
func New(region *shm.Region, registry *Registry, livenessTimeout time.Duration, logger *zap.Logger) *Context {
	host, _ := os.Hostname()
	pid := os.Getpid()
	w := types.MakeWpid(pid, region.NextInstance())
	c := &Context{
		Wpid:     w,
		Pid:      pid,
		Host:     host,
		Logger:   logger.With(zap.Stringer("wpid", w)),
		Registry: registry,
		Clock:    time.Now,
	}
	c.Liveness = &Oracle{self: w, registry: registry, timeout: livenessTimeout, clock: c.now}
	return c
}

func (c *Context) now() time.Time { return c.Clock() }

// NowNano is the context clock in Unix nanoseconds.
func (c *Context) NowNano() int64 { return c.Clock().UnixNano() }

// Register announces the process in the registry.
func (c *Context) Register(ctx context.Context, version string) error {
	if c.Registry == nil {
		return nil
	}
	c.startedAt = c.now()
	return c.Registry.Register(ctx, meta.ProcessRecord{
		Wpid:      c.Wpid,
		Pid:       c.Pid,
		Host:      c.Host,
		Version:   version,
		StartedAt: c.startedAt,
		Heartbeat: c.startedAt,
	})
}

// Unregister removes the process from the registry.
func (c *Context) Unregister(ctx context.Context) error {
	if c.Registry == nil {
		return nil
	}
	return c.Registry.Unregister(ctx, c.Wpid)
}

// RunHeartbeat refreshes the registration every interval until ctx ends.
func (c *Context) RunHeartbeat(ctx context.Context, interval time.Duration) error {
	if c.Registry == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.Registry.Heartbeat(ctx, c.Wpid, c.now()); err != nil {
				c.Logger.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

// Registry is the process table kept in the index database.
type Registry struct {
	store  *meta.BoltStore
	logger *zap.Logger
}

func NewRegistry(store *meta.BoltStore, logger *zap.Logger) *Registry {
	return &Registry{store: store, logger: logger.Named("registry")}
}

func (r *Registry) Register(ctx context.Context, rec meta.ProcessRecord) error {
	if err := r.store.PutProcess(ctx, rec); err != nil {
		return fmt.Errorf("registering %s: %w", rec.Wpid, err)
	}
	r.logger.Info("process registered", zap.Stringer("wpid", rec.Wpid), zap.String("host", rec.Host))
	return nil
}

// Heartbeat updates the heartbeat of a registered process.
func (r *Registry) Heartbeat(ctx context.Context, w types.Wpid, at time.Time) error {
	rec, err := r.store.GetProcess(ctx, w)
	if err != nil {
		return err
	}
	rec.Heartbeat = at
	return r.store.PutProcess(ctx, *rec)
}

func (r *Registry) Unregister(ctx context.Context, w types.Wpid) error {
	return r.store.DeleteProcess(ctx, w)
}

func (r *Registry) Get(ctx context.Context, w types.Wpid) (*meta.ProcessRecord, error) {
	return r.store.GetProcess(ctx, w)
}

func (r *Registry) List(ctx context.Context) ([]meta.ProcessRecord, error) {
	return r.store.ListProcesses(ctx)
}

// Prune drops registrations of processes the oracle reports dead and
// returns how many it removed.
func (r *Registry) Prune(ctx context.Context, o *Oracle) (int, error) {
	procs, err := r.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range procs {
		if o.IsAlive(p.Wpid) {
			continue
		}
		if err := r.Unregister(ctx, p.Wpid); err != nil {
			return n, err
		}
		r.logger.Info("pruned dead process", zap.Stringer("wpid", p.Wpid), zap.Time("heartbeat", p.Heartbeat))
		n++
	}
	return n, nil
}

// Oracle decides whether a writer can still make progress. A registered
// writer is alive while its heartbeat is fresh and its pid exists; an
// unregistered one while its pid exists.
type Oracle struct {
	self     types.Wpid
	registry *Registry
	timeout  time.Duration
	clock    func() time.Time
}

func (o *Oracle) IsAlive(w types.Wpid) bool {
	if w == o.self {
		return true
	}
	if o.registry != nil {
		rec, err := o.registry.Get(context.Background(), w)
		switch {
		case err == nil:
			if o.timeout > 0 && o.clock().Sub(rec.Heartbeat) > o.timeout {
				return false
			}
			return pidAlive(rec.Pid)
		case !errors.Is(err, meta.ErrNotFound):
			// The registry is unreadable; assume the writer lives rather
			// than steal its lock.
			return true
		}
	}
	return pidAlive(w.Pid())
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if pid == os.Getpid() {
		return true
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
