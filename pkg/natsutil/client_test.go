package natsutil

import (
	"testing"
	"time"

	"github.com/gftdcojp/streamlog/internal/config"
	"github.com/nats-io/nats-server/v2/server"
	"go.uber.org/zap"
)

func TestConnect(t *testing.T) {
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	if err != nil {
		t.Fatal(err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats-server failed to start")
	}
	defer ns.Shutdown()

	nc, err := Connect(config.NATSConfig{URL: ns.ClientURL(), MaxReconnects: 1}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()
	if !nc.IsConnected() {
		t.Fatal("not connected")
	}
	if nc.Opts.Name != defaultName {
		t.Errorf("connection name = %q", nc.Opts.Name)
	}
}

func TestConnectFailure(t *testing.T) {
	_, err := Connect(config.NATSConfig{URL: "nats://127.0.0.1:1"}, zap.NewNop())
	if err == nil {
		t.Fatal("expected an error for an unreachable server")
	}
}

func TestOptionsRejectsHalfTLSPair(t *testing.T) {
	cfg := config.NATSConfig{TLS: config.TLSConfig{CertFile: "client.pem"}}
	if _, err := Options(cfg, zap.NewNop()); err == nil {
		t.Fatal("expected an error for a cert without a key")
	}
}

func TestOptionsMissingSeed(t *testing.T) {
	cfg := config.NATSConfig{NKeySeedFile: t.TempDir() + "/missing.nk"}
	if _, err := Options(cfg, zap.NewNop()); err == nil {
		t.Fatal("expected an error for a missing seed file")
	}
}
