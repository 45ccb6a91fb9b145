package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/brokermesh/adaptive-mqtt/internal/mqttclient"
	"github.com/brokermesh/adaptive-mqtt/internal/queue"
	"github.com/brokermesh/adaptive-mqtt/internal/registry"
	"github.com/brokermesh/adaptive-mqtt/internal/score"
)

// fakeClient is a BrokerClient test double bound to one URI. connectErr
// governs whether Connect succeeds; publishes are recorded in order.
type fakeClient struct {
	uri        string
	connectErr error

	mu        sync.Mutex
	connected bool
	published []string
}

func (f *fakeClient) Connect() error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) Disconnect(time.Duration) {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
}

func (f *fakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) Publish(topic string, qos byte, retain bool, payload []byte) error {
	f.mu.Lock()
	f.published = append(f.published, string(payload))
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) Subscribe(topic string, qos byte, handler mqttclient.MessageHandler) error {
	return nil
}

func (f *fakeClient) Unsubscribe(topic string) error { return nil }

// factoryFor builds a Factory from a fixed uri->connectErr table; every
// call for a given uri returns a fresh fakeClient sharing that uri's
// outcome, and the returned clients map lets a test inspect what was
// published through each one.
func factoryFor(t *testing.T, outcomes map[string]error) (mqttclient.Factory, map[string]*fakeClient) {
	t.Helper()
	clients := make(map[string]*fakeClient)
	var mu sync.Mutex
	factory := func(uri string) mqttclient.BrokerClient {
		c := &fakeClient{uri: uri, connectErr: outcomes[uri]}
		mu.Lock()
		clients[uri] = c
		mu.Unlock()
		return c
	}
	return factory, clients
}

func newTestManager(factory mqttclient.Factory, brokers []string) *Manager {
	reg := registry.New(score.WeightsForCategory("sensor"), 0)
	reg.SetBrokers(brokers)
	q := queue.New(nil, 0)
	return New(nil, reg, q, factory, rate.Limit(0), 0, 0, nil)
}

func TestConnect_FallsThroughUnreachableToReachable(t *testing.T) {
	factory, clients := factoryFor(t, map[string]error{
		"a": errors.New("unreachable"),
		"b": nil,
		"c": nil,
	})
	m := newTestManager(factory, []string{"a", "b", "c"})

	ok := m.Connect()

	require.True(t, ok)
	assert.Equal(t, "b", m.GetCurrentBrokerURI())
	assert.Equal(t, 0, m.GetQueuedMessageCount())

	var aAvailable bool
	for _, b := range m.GetBrokerStats() {
		if b.URI == "a" {
			aAvailable = b.Available
		}
	}
	assert.False(t, aAvailable, "unreachable broker a must be marked unavailable")
	_ = clients
}

func TestConnect_Idempotent(t *testing.T) {
	factory, _ := factoryFor(t, map[string]error{"a": nil})
	m := newTestManager(factory, []string{"a"})

	require.True(t, m.Connect())
	require.True(t, m.Connect(), "second call while already connected returns current state without reconnecting")
}

func TestPublish_QueuesWhileDisconnectedAndFlushesInOrderOnReconnect(t *testing.T) {
	factory, clients := factoryFor(t, map[string]error{"b": nil, "c": nil})
	m := newTestManager(factory, []string{"b", "c"})

	require.True(t, m.Connect())
	assert.Equal(t, "b", m.GetCurrentBrokerURI())

	m.Disconnect()
	m.Publish("t", []byte("p2"), 1, false)
	m.Publish("t", []byte("p3"), 1, false)
	assert.Equal(t, 2, m.GetQueuedMessageCount())

	// b is still registered and available, so Connect falls through back
	// onto it first; swap the scenario to prove FIFO survives a queue
	// drain regardless of which broker services it.
	require.True(t, m.Connect())
	assert.Equal(t, 0, m.GetQueuedMessageCount())

	delivered := clients[m.GetCurrentBrokerURI()].published
	require.Len(t, delivered, 2)
	assert.Equal(t, []string{"p2", "p3"}, delivered)
}

func TestOnBrokerSwitch_SwapsToSuggestedBroker(t *testing.T) {
	factory, _ := factoryFor(t, map[string]error{"b": nil, "c": nil})
	m := newTestManager(factory, []string{"b", "c"})
	require.True(t, m.Connect())
	require.Equal(t, "b", m.GetCurrentBrokerURI())

	m.OnBrokerSwitch("c")

	assert.Equal(t, "c", m.GetCurrentBrokerURI())
	history := m.SwapHistory()
	require.Len(t, history, 1)
	assert.Equal(t, "b", history[0].FromURI)
	assert.Equal(t, "c", history[0].ToURI)
}

func TestOnBrokerSwitch_NoOpWhileAlreadySwapping(t *testing.T) {
	factory, _ := factoryFor(t, map[string]error{"b": nil, "c": nil})
	m := newTestManager(factory, []string{"b", "c"})
	require.True(t, m.Connect())

	m.connectionMutex.Lock()
	m.connecting = true
	m.connectionMutex.Unlock()

	m.OnBrokerSwitch("c")

	assert.Equal(t, "b", m.GetCurrentBrokerURI(), "swap must be a no-op while a connection attempt is already in flight")

	m.connectionMutex.Lock()
	m.connecting = false
	m.connectionMutex.Unlock()
}

func TestSubscribeUnsubscribe_FailFastWhenDisconnected(t *testing.T) {
	factory, _ := factoryFor(t, map[string]error{"a": nil})
	m := newTestManager(factory, []string{"a"})

	assert.ErrorIs(t, m.Subscribe("topic", 1), ErrNotConnected)
	assert.ErrorIs(t, m.Unsubscribe("topic"), ErrNotConnected)
}
