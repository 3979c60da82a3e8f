package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

const DefaultRelayChannel = "soko:notifications"

type relayPublisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// envelope is what travels over the relay channel.
type envelope struct {
	UserID string `json:"user_id"`
	Message
}

// RelaySink hands notifications to another process over a pub/sub channel.
// Workers use it so the HTTP server, which owns the websockets, can deliver
// them.
type RelaySink struct {
	publisher relayPublisher
	channel   string
	now       func() time.Time
}

func NewRelaySink(publisher relayPublisher, channel string) *RelaySink {
	if channel == "" {
		channel = DefaultRelayChannel
	}
	return &RelaySink{
		publisher: publisher,
		channel:   channel,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *RelaySink) Send(ctx context.Context, userID, eventType string, data map[string]any) error {
	payload, err := json.Marshal(envelope{
		UserID:  userID,
		Message: Message{Type: eventType, Data: data, Timestamp: s.now()},
	})
	if err != nil {
		return fmt.Errorf("encode relay notification: %w", err)
	}
	if err := s.publisher.Publish(ctx, s.channel, payload); err != nil {
		return fmt.Errorf("publish relay notification: %w", err)
	}
	return nil
}

// Forward delivers every relayed notification to sink until ctx ends or
// messages closes. Bad payloads and failed sends are logged and skipped.
func Forward(ctx context.Context, messages <-chan []byte, sink Sink, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-messages:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal(raw, &env); err != nil || env.UserID == "" || env.Type == "" {
				logger.Warn("dropping malformed relayed notification", "error", err, "size", len(raw))
				continue
			}
			if err := sink.Send(ctx, env.UserID, env.Type, env.Data); err != nil {
				logger.Warn("relayed notification not delivered",
					"error", err,
					"user_id", env.UserID,
					"type", env.Type)
			}
		}
	}
}
