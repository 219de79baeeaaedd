// Package mqtt mirrors the live feed to an MQTT broker and delivers
// push-device payloads received on a subscription topic.
package mqtt

import (
	"time"

	"github.com/goccy/go-json"

	"github.com/sweeney/floodgate/internal/feed"
)

// Client is the broker transport.
type Client interface {
	// Publish sends one message and waits for the broker to accept it.
	Publish(topic string, qos byte, retained bool, payload []byte) error

	// Subscribe registers handler for messages on topic.
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error

	// Unsubscribe removes a subscription.
	Unsubscribe(topic string) error

	IsConnected() bool

	// Close disconnects from the broker.
	Close() error
}

// EventTopic returns the topic a feed event type is mirrored to.
func EventTopic(prefix, eventType string) string {
	return prefix + "/" + eventType
}

// SystemTopic returns the retained availability topic.
func SystemTopic(prefix string) string {
	return prefix + "/system"
}

// SystemPayload is the availability message body.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the availability details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
}

// FormatSystemPayload encodes an availability message such as ONLINE or OFFLINE.
func FormatSystemPayload(event string, at time.Time) ([]byte, error) {
	return json.Marshal(SystemPayload{
		System: SystemPayloadInner{
			Timestamp: at.UTC().Format(time.RFC3339),
			Event:     event,
		},
	})
}

// FormatEvent encodes a feed event for the broker.
func FormatEvent(e feed.Event) ([]byte, error) {
	return json.Marshal(e)
}
