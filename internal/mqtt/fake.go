package mqtt

import (
	"sync"
)

// FakeMessage is one message recorded by FakeClient.
type FakeMessage struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  []byte
}

// FakeClient records publishes and lets tests inject subscribed messages.
type FakeClient struct {
	mu        sync.Mutex
	published []FakeMessage
	handlers  map[string]func(string, []byte)
	connected bool
	closed    bool

	// PublishError, if set, is returned by Publish.
	PublishError error
}

// NewFakeClient creates a connected fake.
func NewFakeClient() *FakeClient {
	return &FakeClient{handlers: make(map[string]func(string, []byte)), connected: true}
}

func (f *FakeClient) Publish(topic string, qos byte, retained bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	f.published = append(f.published, FakeMessage{Topic: topic, QoS: qos, Retained: retained, Payload: payload})
	return nil
}

func (f *FakeClient) Subscribe(topic string, _ byte, handler func(string, []byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = handler
	return nil
}

func (f *FakeClient) Unsubscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, topic)
	return nil
}

func (f *FakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *FakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.connected = false
	return nil
}

// SetConnected flips the simulated connection state.
func (f *FakeClient) SetConnected(c bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = c
}

// Published returns a copy of the recorded messages.
func (f *FakeClient) Published() []FakeMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FakeMessage, len(f.published))
	copy(out, f.published)
	return out
}

// Subscribed reports whether a handler is registered for topic.
func (f *FakeClient) Subscribed(topic string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.handlers[topic]
	return ok
}

// Deliver hands payload to the handler subscribed to topic. It reports
// whether a handler was found.
func (f *FakeClient) Deliver(topic string, payload []byte) bool {
	f.mu.Lock()
	h, ok := f.handlers[topic]
	f.mu.Unlock()
	if ok {
		h(topic, payload)
	}
	return ok
}
