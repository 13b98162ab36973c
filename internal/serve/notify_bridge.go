package serve

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gftdcojp/streamlog/internal/config"
	"github.com/gftdcojp/streamlog/internal/notify"
	"github.com/gftdcojp/streamlog/internal/streamlog"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NotifyEvent is the payload published for every dispatched notification.
type NotifyEvent struct {
	Stream      string `json:"stream"`
	Tags        string `json:"tags"`
	LastVersion uint64 `json:"last_version,omitempty"`
}

// RunNotifyBridge republishes notifications of this process's dispatcher on
// {prefix}.notify.{repo}.{stream}. Delivery is best effort.
func RunNotifyBridge(ctx context.Context, nc *nats.Conn, cfg config.NotifyBridgeConfig, m *streamlog.Manager, logger *zap.Logger) error {
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}
	logger = logger.Named("notify-bridge")

	unsubscribe := m.SubscribeAll(func(n notify.Notification) {
		id := n.Stream()
		ev := NotifyEvent{Stream: id.String(), Tags: n.Tags().String()}
		if s, ok := m.Stream(id); ok {
			ev.LastVersion = s.State().LastVersionSent()
		}
		payload, err := json.Marshal(ev)
		if err != nil {
			return
		}
		subject := fmt.Sprintf("%s.notify.%d.%d", prefix, id.RepoID(), id.StreamID())
		if err := nc.Publish(subject, payload); err != nil {
			logger.Warn("publishing notification", zap.String("subject", subject), zap.Error(err))
		}
	})
	defer unsubscribe()

	logger.Info("notification bridge started", zap.String("subject", prefix+".notify.>"))
	<-ctx.Done()
	return nil
}
