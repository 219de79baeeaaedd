package mqtt

import (
	"context"
	"sync"
	"time"

	"github.com/sweeney/floodgate/internal/feed"
	"github.com/sweeney/floodgate/internal/logging"
)

// Mirror republishes feed events to the broker. Publish never blocks: events
// are queued and sent from Serve. While the broker is unreachable messages
// accumulate in a ring buffer and are replayed, oldest first, on reconnect.
type Mirror struct {
	client Client
	prefix string
	queue  chan feed.Event
	kick   chan struct{}

	mu  sync.Mutex
	buf *ringBuffer
}

// NewMirror creates a mirror publishing under prefix and buffering up to
// bufferSize messages while disconnected.
func NewMirror(client Client, prefix string, bufferSize int) *Mirror {
	return &Mirror{
		client: client,
		prefix: prefix,
		queue:  make(chan feed.Event, 256),
		kick:   make(chan struct{}, 1),
		buf:    newRingBuffer(bufferSize),
	}
}

// Publish implements feed.Publisher.
func (m *Mirror) Publish(e feed.Event) {
	select {
	case m.queue <- e:
	default:
		logging.Warn().Str("type", e.Type).Msg("mqtt mirror queue full, dropping event")
	}
}

// Reconnected asks Serve to replay buffered messages. Wire it to the
// client's on-connect hook.
func (m *Mirror) Reconnected() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Buffered returns the number of messages waiting for the broker.
func (m *Mirror) Buffered() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buf.len()
}

// Serve implements suture.Service.
func (m *Mirror) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-m.queue:
			m.send(e)
		case <-m.kick:
			m.flush()
		}
	}
}

func (m *Mirror) send(e feed.Event) {
	payload, err := FormatEvent(e)
	if err != nil {
		logging.Warn().Err(err).Str("type", e.Type).Msg("mqtt: format event")
		return
	}
	msg := bufferedMsg{topic: EventTopic(m.prefix, e.Type), payload: payload}

	if m.client.IsConnected() && m.Buffered() > 0 {
		m.flush()
	}
	m.deliver(msg)
}

func (m *Mirror) deliver(msg bufferedMsg) {
	if !m.client.IsConnected() {
		m.mu.Lock()
		m.buf.push(msg)
		m.mu.Unlock()
		return
	}
	if err := m.client.Publish(msg.topic, msg.qos, msg.retained, msg.payload); err != nil {
		logging.Warn().Err(err).Str("topic", msg.topic).Msg("mqtt publish failed, buffering")
		m.mu.Lock()
		m.buf.push(msg)
		m.mu.Unlock()
	}
}

func (m *Mirror) flush() {
	m.mu.Lock()
	pending := m.buf.drainAll()
	m.mu.Unlock()
	if len(pending) == 0 {
		return
	}

	logging.Info().Int("count", len(pending)).Msg("mqtt replaying buffered messages")
	for i, msg := range pending {
		if !m.client.IsConnected() {
			m.requeue(pending[i:])
			return
		}
		if err := m.client.Publish(msg.topic, msg.qos, msg.retained, msg.payload); err != nil {
			logging.Warn().Err(err).Msg("mqtt replay interrupted")
			m.requeue(pending[i:])
			return
		}
	}
}

func (m *Mirror) requeue(msgs []bufferedMsg) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Anything buffered meanwhile is newer than msgs
	newer := m.buf.drainAll()
	for _, msg := range msgs {
		m.buf.push(msg)
	}
	for _, msg := range newer {
		m.buf.push(msg)
	}
}

// AnnounceOnline publishes the retained ONLINE availability message.
func (m *Mirror) AnnounceOnline(now time.Time) error {
	payload, err := FormatSystemPayload("ONLINE", now)
	if err != nil {
		return err
	}
	return m.client.Publish(SystemTopic(m.prefix), 1, true, payload)
}
