// Package natsutil opens the NATS connection used by the request responder
// and the notification bridge.
package natsutil

import (
	"fmt"
	"time"

	"github.com/gftdcojp/streamlog/internal/config"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	defaultName         = "streamlogd"
	reconnectBufferSize = 8 * 1024 * 1024
	pingInterval        = 20 * time.Second
)

// Options translates cfg into connection options. Connection events are
// reported through logger.
func Options(cfg config.NATSConfig, logger *zap.Logger) ([]nats.Option, error) {
	name := cfg.ConnectionName
	if name == "" {
		name = defaultName
	}
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait.Duration()),
		nats.ReconnectBufSize(reconnectBufferSize),
		nats.PingInterval(pingInterval),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Debug("connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			fields := []zap.Field{zap.Error(err)}
			if sub != nil {
				fields = append(fields, zap.String("subject", sub.Subject))
			}
			logger.Error("async error", fields...)
		}),
	}

	switch {
	case cfg.CredentialsFile != "":
		opts = append(opts, nats.UserCredentials(cfg.CredentialsFile))
	case cfg.NKeySeedFile != "":
		opt, err := nats.NkeyOptionFromSeed(cfg.NKeySeedFile)
		if err != nil {
			return nil, fmt.Errorf("loading nkey seed: %w", err)
		}
		opts = append(opts, opt)
	}

	tls := cfg.TLS
	if (tls.CertFile == "") != (tls.KeyFile == "") {
		return nil, fmt.Errorf("tls cert_file and key_file must be set together")
	}
	if tls.CertFile != "" {
		opts = append(opts, nats.ClientCert(tls.CertFile, tls.KeyFile))
	}
	if tls.CAFile != "" {
		opts = append(opts, nats.RootCAs(tls.CAFile))
	}
	return opts, nil
}

// Connect dials cfg.URL.
func Connect(cfg config.NATSConfig, logger *zap.Logger) (*nats.Conn, error) {
	opts, err := Options(cfg, logger)
	if err != nil {
		return nil, err
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", cfg.URL, err)
	}
	logger.Info("connected",
		zap.String("url", nc.ConnectedUrl()),
		zap.String("server_id", nc.ConnectedServerId()),
	)
	return nc, nil
}
