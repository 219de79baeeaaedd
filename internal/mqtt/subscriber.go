package mqtt

import (
	"context"
	"fmt"

	"github.com/sweeney/floodgate/internal/logging"
)

// PushHandler consumes one push-device payload.
type PushHandler func(ctx context.Context, payload []byte) error

// PushSubscriber feeds messages from the push topic into a handler for as
// long as it is served.
type PushSubscriber struct {
	client  Client
	topic   string
	handler PushHandler
}

// NewPushSubscriber creates a subscriber for topic.
func NewPushSubscriber(client Client, topic string, handler PushHandler) *PushSubscriber {
	return &PushSubscriber{client: client, topic: topic, handler: handler}
}

// Serve implements suture.Service.
func (s *PushSubscriber) Serve(ctx context.Context) error {
	err := s.client.Subscribe(s.topic, 1, func(topic string, payload []byte) {
		if err := s.handler(ctx, payload); err != nil {
			logging.Warn().Err(err).Str("topic", topic).Msg("push payload discarded")
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.topic, err)
	}
	logging.Info().Str("topic", s.topic).Msg("push subscription active")

	<-ctx.Done()
	if err := s.client.Unsubscribe(s.topic); err != nil {
		logging.Warn().Err(err).Str("topic", s.topic).Msg("unsubscribe failed")
	}
	return ctx.Err()
}
