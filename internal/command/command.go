// Package command carries device management commands from the API to the
// sensor manager over an in-process watermill pub/sub.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/sweeney/floodgate/internal/logging"
	"github.com/sweeney/floodgate/internal/model"
)

// Topic is the pub/sub topic for device commands.
const Topic = "device.commands"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid command")

var validate = validator.New()

// Validate checks a command's fields.
func Validate(cmd model.Command) error {
	if err := validate.Struct(cmd); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// Handler applies a command.
type Handler interface {
	Handle(ctx context.Context, cmd model.Command) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, cmd model.Command) error

func (f HandlerFunc) Handle(ctx context.Context, cmd model.Command) error { return f(ctx, cmd) }

// Bus delivers submitted commands to one handler in submission order.
type Bus struct {
	pubsub  *gochannel.GoChannel
	handler Handler
	ready   chan struct{}
}

// NewBus creates a bus delivering to handler.
func NewBus(handler Handler) *Bus {
	logger := watermill.NewSlogLogger(slog.New(logging.NewSlogHandler()))
	return &Bus{
		pubsub:  gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, logger),
		handler: handler,
		ready:   make(chan struct{}),
	}
}

// Submit validates and enqueues a command. It waits for the consumer to be
// subscribed so that early commands are not dropped.
func (b *Bus) Submit(ctx context.Context, cmd model.Command) error {
	if err := Validate(cmd); err != nil {
		return err
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}

	select {
	case <-b.ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := b.pubsub.Publish(Topic, msg); err != nil {
		return fmt.Errorf("publish command: %w", err)
	}
	return nil
}

// Serve consumes commands until ctx is done. Handler errors are logged and
// the command is dropped.
func (b *Bus) Serve(ctx context.Context) error {
	messages, err := b.pubsub.Subscribe(ctx, Topic)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", Topic, err)
	}
	select {
	case <-b.ready:
	default:
		close(b.ready)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			b.process(ctx, msg)
		}
	}
}

func (b *Bus) process(ctx context.Context, msg *message.Message) {
	defer msg.Ack()

	var cmd model.Command
	if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
		logging.Warn().Err(err).Str("message_uuid", msg.UUID).Msg("discarding undecodable command")
		return
	}
	log := logging.With().Str("cmd", cmd.Cmd).Str("ip", cmd.IP).Logger()
	if err := b.handler.Handle(ctx, cmd); err != nil {
		log.Error().Err(err).Msg("device command failed")
		return
	}
	log.Info().Msg("device command applied")
}

// Close shuts the pub/sub down.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}
