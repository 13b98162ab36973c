package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gftdcojp/streamlog/internal/config"
	"github.com/nats-io/nats.go"
)

const probeTimeout = 5 * time.Second

// HealthStatus represents the overall health state.
type HealthStatus struct {
	OK     bool    `json:"ok"`
	Checks []Check `json:"checks,omitempty"`
}

// Check represents an individual health check.
type Check struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Probe is one readiness dependency. Run returns nil when it is usable.
type Probe struct {
	Name string
	Run  func(ctx context.Context) error
}

// Pinger is a dependency that can report whether it is usable.
type Pinger interface {
	Ping() error
}

// ContextPinger is a Pinger that needs a deadline, such as a remote bucket.
type ContextPinger interface {
	Ping(ctx context.Context) error
}

// NATSProbe fails while the connection is not established.
func NATSProbe(nc *nats.Conn) Probe {
	return Probe{Name: "nats", Run: func(context.Context) error {
		if !nc.IsConnected() {
			return fmt.Errorf("connection %v", nc.Status())
		}
		return nil
	}}
}

// IndexProbe checks the block index database.
func IndexProbe(p Pinger) Probe {
	return Probe{Name: "index", Run: func(context.Context) error { return p.Ping() }}
}

// BlobProbe checks the archive bucket.
func BlobProbe(p ContextPinger) Probe {
	return Probe{Name: "blob", Run: p.Ping}
}

// HeartbeatProbe fails when this process's last registry heartbeat is older
// than maxAge; other writers would already treat it as dead.
func HeartbeatProbe(last func(ctx context.Context) (time.Time, error), maxAge time.Duration) Probe {
	return Probe{Name: "heartbeat", Run: func(ctx context.Context) error {
		at, err := last(ctx)
		if err != nil {
			return err
		}
		if age := time.Since(at); age > maxAge {
			return fmt.Errorf("last heartbeat %v ago", age.Round(time.Millisecond))
		}
		return nil
	}}
}

// HealthChecker runs health probes.
type HealthChecker struct {
	probes []Probe
}

func NewHealthChecker(probes ...Probe) *HealthChecker {
	return &HealthChecker{probes: probes}
}

// Liveness checks if the process is alive.
func (h *HealthChecker) Liveness() HealthStatus {
	return HealthStatus{OK: true}
}

// Readiness runs every probe and reports ready only if all pass.
func (h *HealthChecker) Readiness(ctx context.Context) HealthStatus {
	status := HealthStatus{OK: true}
	for _, p := range h.probes {
		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := p.Run(pctx)
		cancel()
		if err != nil {
			status.OK = false
			status.Checks = append(status.Checks, Check{Name: p.Name, Status: "error", Error: err.Error()})
			continue
		}
		status.Checks = append(status.Checks, Check{Name: p.Name, Status: "ok"})
	}
	return status
}

// Handler serves the liveness and readiness probes.
func Handler(cfg config.HealthConfig, checker *HealthChecker) http.Handler {
	mux := http.NewServeMux()

	livenessPath := cfg.LivenessPath
	if livenessPath == "" {
		livenessPath = "/healthz"
	}
	readinessPath := cfg.ReadinessPath
	if readinessPath == "" {
		readinessPath = "/readyz"
	}

	mux.HandleFunc(livenessPath, func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, checker.Liveness())
	})
	mux.HandleFunc(readinessPath, func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, checker.Readiness(r.Context()))
	})
	return mux
}

func writeStatus(w http.ResponseWriter, status HealthStatus) {
	code := http.StatusOK
	if !status.OK {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}

// RunHealthServer starts the health check HTTP server.
func RunHealthServer(ctx context.Context, cfg config.HealthConfig, checker *HealthChecker) error {
	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: Handler(cfg, checker),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
