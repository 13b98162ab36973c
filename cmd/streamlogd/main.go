package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gftdcojp/streamlog/internal/config"
	"github.com/gftdcojp/streamlog/internal/metrics"
	"github.com/gftdcojp/streamlog/internal/serve"
	"github.com/gftdcojp/streamlog/internal/streamlog"
	"github.com/gftdcojp/streamlog/pkg/natsutil"
	"github.com/nats-io/nats.go"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	configPath := pflag.StringP("config", "c", "config.yaml", "path to configuration file")
	showVersion := pflag.Bool("version", false, "show version")
	pflag.Parse()

	if *showVersion {
		fmt.Printf("streamlogd %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Observability.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("fatal error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	m, err := streamlog.Open(ctx, cfg, version, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() {
		if err := m.Close(); err != nil {
			logger.Error("closing store", zap.Error(err))
		}
	}()

	var nc *nats.Conn
	if cfg.NATS.Enabled {
		nc, err = natsutil.Connect(cfg.NATS, logger.Named("nats"))
		if err != nil {
			return fmt.Errorf("connecting to NATS: %w", err)
		}
		defer nc.Close()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.Run(gctx) })

	if cfg.API.Enabled {
		g.Go(func() error {
			return serve.RunHTTP(gctx, cfg.API, m, logger.Named("api"))
		})
	}

	if nc != nil && cfg.API.NATSResponder.Enabled {
		g.Go(func() error {
			return serve.RunNATSResponder(gctx, nc, cfg.API.NATSResponder, m, logger.Named("nats-responder"))
		})
	}

	if nc != nil && cfg.API.NotifyBridge.Enabled {
		g.Go(func() error {
			return serve.RunNotifyBridge(gctx, nc, cfg.API.NotifyBridge, m, logger)
		})
	}

	if cfg.Observability.Metrics.Enabled {
		g.Go(func() error { return metrics.RunServer(gctx, cfg.Observability.Metrics) })
	}

	if cfg.Observability.Health.Enabled {
		healthChecker := metrics.NewHealthChecker(healthProbes(cfg, nc, m)...)
		g.Go(func() error {
			return metrics.RunHealthServer(gctx, cfg.Observability.Health, healthChecker)
		})
	}

	logger.Info("streamlogd started",
		zap.String("version", version),
		zap.Stringer("wpid", m.Process().Wpid),
		zap.String("shared_memory", cfg.SharedMemoryPath()),
		zap.Int("streams", len(cfg.Streams)),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutting down")
	return nil
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	switch cfg.Level {
	case "debug":
		zapCfg.Level.SetLevel(zap.DebugLevel)
	case "info":
		zapCfg.Level.SetLevel(zap.InfoLevel)
	case "warn":
		zapCfg.Level.SetLevel(zap.WarnLevel)
	case "error":
		zapCfg.Level.SetLevel(zap.ErrorLevel)
	}

	if cfg.Output != "" {
		zapCfg.OutputPaths = []string{cfg.Output}
	}

	return zapCfg.Build()
}

func healthProbes(cfg *config.Config, nc *nats.Conn, m *streamlog.Manager) []metrics.Probe {
	probes := []metrics.Probe{metrics.IndexProbe(m.Store())}
	if nc != nil {
		probes = append(probes, metrics.NATSProbe(nc))
	}
	if c := m.S3Client(); c != nil {
		probes = append(probes, metrics.BlobProbe(c))
	}
	wpid := m.Process().Wpid
	lastHeartbeat := func(ctx context.Context) (time.Time, error) {
		rec, err := m.Registry().Get(ctx, wpid)
		if err != nil {
			return time.Time{}, err
		}
		return rec.Heartbeat, nil
	}
	return append(probes, metrics.HeartbeatProbe(lastHeartbeat, cfg.Process.LivenessTimeout.Duration()))
}
