package serve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gftdcojp/streamlog/internal/config"
	"github.com/gftdcojp/streamlog/internal/streamlog"
	"github.com/gftdcojp/streamlog/internal/types"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const defaultSubjectPrefix = "sl"

// RunNATSResponder answers record lookups over NATS request-reply.
// Subject pattern: {prefix}.get.{repo}.{stream}.{version}
func RunNATSResponder(ctx context.Context, nc *nats.Conn, cfg config.NATSResponderConfig, m *streamlog.Manager, logger *zap.Logger) error {
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}

	subject := prefix + ".get.>"
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		msg.Respond(lookup(ctx, m, strings.TrimPrefix(msg.Subject, prefix+".get.")))
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", subject, err)
	}

	logger.Info("NATS responder started", zap.String("subject", subject))

	<-ctx.Done()
	sub.Unsubscribe()
	return nil
}

// lookup resolves "{repo}.{stream}.{version}" to a JSON reply.
func lookup(ctx context.Context, m *streamlog.Manager, tail string) []byte {
	parts := strings.Split(tail, ".")
	if len(parts) != 3 {
		return errorReply("invalid subject format")
	}
	id, err := types.ParseStreamLogID(parts[0] + "/" + parts[1])
	if err != nil {
		return errorReply("invalid stream id")
	}
	version, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil || version == 0 {
		return errorReply("invalid version: " + parts[2])
	}
	s, ok := m.Stream(id)
	if !ok {
		return errorReply(fmt.Sprintf("stream %s not found", id))
	}
	data, err := s.Get(ctx, version)
	if err != nil {
		if errors.Is(err, streamlog.ErrNotFound) {
			return errorReply(fmt.Sprintf("version %d not found", version))
		}
		return errorReply(err.Error())
	}
	resp, _ := json.Marshal(recordJSON(id, version, data))
	return resp
}

func errorReply(msg string) []byte {
	resp, _ := json.Marshal(map[string]string{"error": msg})
	return resp
}
