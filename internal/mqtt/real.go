package mqtt

import (
	"errors"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/sweeney/floodgate/internal/logging"
)

var errTimeout = errors.New("mqtt: timeout")

// RealClient talks to an actual MQTT broker.
type RealClient struct {
	client paho.Client
}

// RealOptions configures NewRealClient.
type RealOptions struct {
	Broker   string
	ClientID string
	// WillTopic receives a retained OFFLINE message if the connection drops.
	WillTopic string
	// OnConnect runs after every successful (re)connect.
	OnConnect func()
}

// NewRealClient creates a client that keeps retrying in the background.
// The returned client is usable immediately; publishes fail or buffer until
// the first connection succeeds.
func NewRealClient(opts RealOptions) *RealClient {
	o := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false)

	if opts.WillTopic != "" {
		if will, err := FormatSystemPayload("OFFLINE", time.Now()); err == nil {
			o.SetBinaryWill(opts.WillTopic, will, 1, true)
		}
	}
	o.SetOnConnectHandler(func(paho.Client) {
		logging.Info().Str("broker", opts.Broker).Msg("mqtt connected")
		if opts.OnConnect != nil {
			opts.OnConnect()
		}
	})
	o.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logging.Warn().Err(err).Str("broker", opts.Broker).Msg("mqtt connection lost")
	})

	c := paho.NewClient(o)
	// With ConnectRetry set the token completes only once connected
	c.Connect()
	return &RealClient{client: c}
}

func (c *RealClient) Publish(topic string, qos byte, retained bool, payload []byte) error {
	return wait(c.client.Publish(topic, qos, retained, payload), "publish")
}

func (c *RealClient) Subscribe(topic string, qos byte, handler func(string, []byte)) error {
	return wait(c.client.Subscribe(topic, qos, func(_ paho.Client, m paho.Message) {
		handler(m.Topic(), m.Payload())
	}), "subscribe")
}

func (c *RealClient) Unsubscribe(topic string) error {
	return wait(c.client.Unsubscribe(topic), "unsubscribe")
}

func (c *RealClient) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

// Close disconnects, allowing a second for in-flight work.
func (c *RealClient) Close() error {
	c.client.Disconnect(1000)
	return nil
}

func wait(token paho.Token, op string) error {
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("%s: %w", op, errTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
