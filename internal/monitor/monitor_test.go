package monitor

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brokermesh/adaptive-mqtt/internal/mqttclient"
	"github.com/brokermesh/adaptive-mqtt/internal/registry"
	"github.com/brokermesh/adaptive-mqtt/internal/score"
)

// fakeClient is a BrokerClient test double. Publish on latencyTopic
// synchronously invokes the subscribed handler, and Subscribe on
// connectionTopic delivers connCountFn's payload (when set) from a
// goroutine, simulating an instant broker so probes never depend on real
// network I/O.
type fakeClient struct {
	mu          sync.Mutex
	connectErr  error
	publishErr  error
	connCountFn func() []byte

	subs map[string]mqttclient.MessageHandler
}

func newFakeClient() *fakeClient {
	return &fakeClient{subs: make(map[string]mqttclient.MessageHandler)}
}

func (f *fakeClient) Connect() error                 { return f.connectErr }
func (f *fakeClient) Disconnect(time.Duration)        {}
func (f *fakeClient) IsConnected() bool               { return true }
func (f *fakeClient) Unsubscribe(topic string) error  { return nil }

func (f *fakeClient) Subscribe(topic string, qos byte, handler mqttclient.MessageHandler) error {
	f.mu.Lock()
	f.subs[topic] = handler
	f.mu.Unlock()
	if topic == connectionTopic && f.connCountFn != nil {
		go handler(topic, f.connCountFn())
	}
	return nil
}

func (f *fakeClient) Publish(topic string, qos byte, retain bool, payload []byte) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.mu.Lock()
	handler, ok := f.subs[topic]
	f.mu.Unlock()
	if ok && topic == latencyTopic {
		handler(topic, payload)
	}
	return nil
}

func newTestMonitor(factory func(string) mqttclient.BrokerClient) (*Monitor, *registry.Registry) {
	reg := registry.New(score.WeightsForCategory("sensor"), 0)
	reg.SetBrokers([]string{"broker-a"})
	return New(nil, reg, factory, nil, nil, 0, 0, 0, 0), reg
}

func TestMeasureLatency_Success(t *testing.T) {
	client := newFakeClient()
	m, _ := newTestMonitor(func(string) mqttclient.BrokerClient { return client })

	lat, err := m.measureLatency("broker-a")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, lat, 0.0)
}

func TestMeasureLatency_PublishErrorPropagates(t *testing.T) {
	client := newFakeClient()
	client.publishErr = errors.New("broker down")
	m, _ := newTestMonitor(func(string) mqttclient.BrokerClient { return client })

	_, err := m.measureLatency("broker-a")
	assert.Error(t, err)
}

func TestMeasureConnectionCount_ParsesPayload(t *testing.T) {
	client := newFakeClient()
	client.connCountFn = func() []byte { return []byte("42") }
	m, _ := newTestMonitor(func(string) mqttclient.BrokerClient { return client })

	count, err := m.measureConnectionCount("broker-a")
	require.NoError(t, err)
	assert.Equal(t, 42.0, count)
}

func TestTickBroker_FailedLatencyMarksUnavailable(t *testing.T) {
	client := newFakeClient()
	client.publishErr = errors.New("unreachable")
	m, reg := newTestMonitor(func(string) mqttclient.BrokerClient { return client })

	m.tickBroker("broker-a")

	b, ok := reg.Current()
	require.True(t, ok)
	assert.False(t, b.Available)
}

func TestStartStop_JoinsWithinDeadline(t *testing.T) {
	client := newFakeClient()
	// Without a payload the connection-count probe would wait out its 5s
	// deadline, and Stop waits for an in-flight measurement.
	client.connCountFn = func() []byte { return []byte("0") }
	m, _ := newTestMonitor(func(string) mqttclient.BrokerClient { return client })
	m.tick = 5 * time.Millisecond

	m.Start()
	assert.True(t, m.IsRunning())

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not join in time")
	}
	assert.False(t, m.IsRunning())
}
