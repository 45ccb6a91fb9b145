// Package mqttclient defines the BrokerClient collaborator contract the
// session manager and monitor use to talk to a single MQTT broker, and a
// production implementation backed by paho.mqtt.golang.
package mqttclient

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// MessageHandler is invoked for every message received on a subscribed
// topic.
type MessageHandler func(topic string, payload []byte)

// BrokerClient is the external collaborator a single broker connection
// must satisfy. The session manager and monitor depend only on this
// interface, never on paho directly, so tests can substitute a fake.
type BrokerClient interface {
	// Connect dials the broker and blocks until the attempt completes.
	Connect() error
	// Disconnect tears down the connection, waiting up to the given
	// quiesce period for in-flight work to finish.
	Disconnect(quiesce time.Duration)
	// IsConnected reports the current transport-level connection state.
	IsConnected() bool
	// Publish sends payload to topic at the given QoS, blocking until the
	// broker acknowledges (QoS 1/2) or the call is queued (QoS 0).
	Publish(topic string, qos byte, retain bool, payload []byte) error
	// Subscribe registers handler for messages received on topic.
	Subscribe(topic string, qos byte, handler MessageHandler) error
	// Unsubscribe removes a prior subscription.
	Unsubscribe(topic string) error
}

// Options configures a new BrokerClient.
type Options struct {
	URI               string
	ClientIDPrefix    string // a random suffix is always appended
	Username          string
	Password          string
	KeepAlive         time.Duration
	ConnectTimeout    time.Duration
	CleanSession      bool
	ConnectionLostFn  func(err error)
}

// pahoClient adapts paho.mqtt.golang's mqtt.Client to BrokerClient.
type pahoClient struct {
	client mqtt.Client
}

// New builds a production BrokerClient for the given broker URI. Each
// client is assigned a unique client ID (prefix plus a uuid suffix) so
// that ephemeral monitor probes and the long-lived session connection
// never collide on the broker's client ID space.
func New(opts Options) BrokerClient {
	clientID := fmt.Sprintf("%s-%s", opts.ClientIDPrefix, uuid.NewString())

	mopts := mqtt.NewClientOptions()
	mopts.AddBroker(opts.URI)
	mopts.SetClientID(clientID)
	mopts.SetCleanSession(opts.CleanSession)
	if opts.Username != "" {
		mopts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		mopts.SetPassword(opts.Password)
	}
	if opts.KeepAlive > 0 {
		mopts.SetKeepAlive(opts.KeepAlive)
	}
	if opts.ConnectTimeout > 0 {
		mopts.SetConnectTimeout(opts.ConnectTimeout)
	}
	// Reconnection is driven by the session manager's fall-through/swap
	// logic, not paho's own backoff, so the pool's view of broker state
	// stays authoritative.
	mopts.SetAutoReconnect(false)
	if opts.ConnectionLostFn != nil {
		mopts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			opts.ConnectionLostFn(err)
		})
	}

	return &pahoClient{client: mqtt.NewClient(mopts)}
}

func (c *pahoClient) Connect() error {
	token := c.client.Connect()
	token.Wait()
	return token.Error()
}

func (c *pahoClient) Disconnect(quiesce time.Duration) {
	c.client.Disconnect(uint(quiesce.Milliseconds()))
}

func (c *pahoClient) IsConnected() bool {
	return c.client.IsConnected()
}

func (c *pahoClient) Publish(topic string, qos byte, retain bool, payload []byte) error {
	token := c.client.Publish(topic, qos, retain, payload)
	token.Wait()
	return token.Error()
}

func (c *pahoClient) Subscribe(topic string, qos byte, handler MessageHandler) error {
	token := c.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	token.Wait()
	return token.Error()
}

func (c *pahoClient) Unsubscribe(topic string) error {
	token := c.client.Unsubscribe(topic)
	token.Wait()
	return token.Error()
}

// Factory builds a BrokerClient for a given broker URI. The session
// manager and monitor both take a Factory rather than constructing paho
// clients directly, so tests can inject a fake factory producing fake
// clients.
type Factory func(uri string) BrokerClient

// NewFactory returns a Factory that builds production paho-backed clients
// sharing the given client-ID prefix and connection tuning.
func NewFactory(prefix string, username, password string, keepAlive, connectTimeout time.Duration, onConnectionLost func(uri string, err error)) Factory {
	return func(uri string) BrokerClient {
		return New(Options{
			URI:            uri,
			ClientIDPrefix: prefix,
			Username:       username,
			Password:       password,
			KeepAlive:      keepAlive,
			ConnectTimeout: connectTimeout,
			CleanSession:   true,
			ConnectionLostFn: func(err error) {
				if onConnectionLost != nil {
					onConnectionLost(uri, err)
				}
			},
		})
	}
}
