// Package monitor implements the background worker that actively probes
// every registered broker's latency, throughput and reported connection
// count on independent cadences, and feeds the results back into the
// broker registry.
package monitor

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/brokermesh/adaptive-mqtt/internal/mqttclient"
	"github.com/brokermesh/adaptive-mqtt/internal/models"
	"github.com/brokermesh/adaptive-mqtt/internal/registry"
	"github.com/brokermesh/adaptive-mqtt/internal/telemetry"
)

const (
	// defaultTickInterval is the loop period used when the caller passes
	// a zero tick; each class of measurement below is additionally gated
	// by its own cadence, so not every tick performs every measurement
	// for every broker.
	defaultTickInterval = 20 * time.Second

	defaultLatencyCadence    = 5 * time.Second
	defaultBandwidthCadence  = 10 * time.Second
	defaultConnectionCadence = 15 * time.Second

	connectTimeout     = 5 * time.Second
	latencyDeadline    = 5 * time.Second
	bandwidthDeadline  = 10 * time.Second
	connectionDeadline = 5 * time.Second

	latencyTopic    = "test/latency"
	bandwidthTopic  = "test/bandwidth"
	connectionTopic = "$SYS/brokers/+/stats/connections/count"

	bandwidthMessageCount = 10
	bandwidthMessageSize  = 1024
)

// SampleSink receives every metric sample the Monitor produces. The
// production implementation forwards to the metrics history repository;
// tests can supply a recording fake.
type SampleSink interface {
	RecordSample(models.MetricSample)
}

// nopSink discards samples; used when no sink is configured.
type nopSink struct{}

func (nopSink) RecordSample(models.MetricSample) {}

// perBrokerState tracks the last time each measurement class ran for one
// broker, independent of the other brokers' schedules.
type perBrokerState struct {
	lastLatency    time.Time
	lastBandwidth  time.Time
	lastConnection time.Time
}

// Monitor is the background measurement worker. One Monitor serves one
// Registry.
type Monitor struct {
	log        *zap.Logger
	reg        *registry.Registry
	newClient  mqttclient.Factory
	metrics    *telemetry.Collectors
	sink       *asyncSink
	tick       time.Duration

	latencyCadence    time.Duration
	bandwidthCadence  time.Duration
	connectionCadence time.Duration

	onMetricsUpdated func(uri string, latencyMs, bandwidthBps, connectionCount float64)
	onBrokerSwitch   func(bestURI string)

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	state    map[string]*perBrokerState
}

// New builds a Monitor over reg, using newClient to create ephemeral
// probe connections. metrics may be nil (Prometheus updates are then
// skipped); sink may be nil (a no-op sink is substituted). sink is
// wrapped in a non-blocking async
// forwarder so a slow or circuit-broken sink can never stall the tick
// loop. tick and the three per-class cadences fall back to their
// package defaults when passed as zero, matching config.Load's own
// defaults for the same fields.
func New(log *zap.Logger, reg *registry.Registry, newClient mqttclient.Factory, metrics *telemetry.Collectors, sink SampleSink, tick, latencyCadence, bandwidthCadence, connectionCadence time.Duration) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	if tick <= 0 {
		tick = defaultTickInterval
	}
	if latencyCadence <= 0 {
		latencyCadence = defaultLatencyCadence
	}
	if bandwidthCadence <= 0 {
		bandwidthCadence = defaultBandwidthCadence
	}
	if connectionCadence <= 0 {
		connectionCadence = defaultConnectionCadence
	}
	return &Monitor{
		log:               log,
		reg:               reg,
		newClient:         newClient,
		metrics:           metrics,
		sink:              newAsyncSink(log, metrics, sink),
		tick:              tick,
		latencyCadence:    latencyCadence,
		bandwidthCadence:  bandwidthCadence,
		connectionCadence: connectionCadence,
		state:             make(map[string]*perBrokerState),
	}
}

// SetCallbacks registers the Session Manager's informational and
// switch-suggestion callbacks. Must be called before Start.
func (m *Monitor) SetCallbacks(onMetricsUpdated func(uri string, latencyMs, bandwidthBps, connectionCount float64), onBrokerSwitch func(bestURI string)) {
	m.onMetricsUpdated = onMetricsUpdated
	m.onBrokerSwitch = onBrokerSwitch
}

// IsRunning reports whether the worker goroutine is active.
func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Start launches the background tick loop. A no-op if already running.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	go m.loop(m.stopCh, m.doneCh)
}

// Stop requests the worker to halt and blocks until it has joined. Any
// measurement already in flight is allowed to complete or time out; the
// loop never abandons an ephemeral connection mid-measurement.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	stopCh := m.stopCh
	doneCh := m.doneCh
	m.mu.Unlock()

	close(stopCh)
	<-doneCh
	m.sink.Stop()

	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
}

func (m *Monitor) loop(stop chan struct{}, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	m.runTick(stop)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.runTick(stop)
		}
	}
}

func (m *Monitor) stopped(stop chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

func (m *Monitor) runTick(stop chan struct{}) {
	start := time.Now()
	defer func() {
		if m.metrics != nil {
			m.metrics.MonitorTickDuration.Observe(time.Since(start).Seconds())
		}
	}()

	for _, uri := range m.reg.URIs() {
		if m.stopped(stop) {
			return
		}
		m.tickBroker(uri)
		if m.stopped(stop) {
			return
		}
	}
}

func (m *Monitor) brokerState(uri string) *perBrokerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.state[uri]
	if !ok {
		st = &perBrokerState{}
		m.state[uri] = st
	}
	return st
}

func (m *Monitor) tickBroker(uri string) {
	st := m.brokerState(uri)
	now := time.Now()

	current, _ := m.currentMetrics(uri)

	// The stop flag is also checked between measurement classes, so a Stop
	// requested mid-broker skips the remaining classes.
	m.mu.Lock()
	stop := m.stopCh
	m.mu.Unlock()

	ranAny := false

	if now.Sub(st.lastLatency) >= m.latencyCadence {
		st.lastLatency = now
		if lat, err := m.measureLatency(uri); err != nil {
			m.log.Warn("latency probe failed", zap.String("uri", uri), zap.Error(err))
			m.reg.MarkUnavailable(uri)
		} else {
			current.LatencyMs = lat
			ranAny = true
		}
	}

	if !m.stopped(stop) && now.Sub(st.lastBandwidth) >= m.bandwidthCadence {
		st.lastBandwidth = now
		if bw, err := m.measureBandwidth(uri); err != nil {
			m.log.Warn("bandwidth probe failed", zap.String("uri", uri), zap.Error(err))
			m.reg.MarkUnavailable(uri)
		} else {
			current.BandwidthBps = bw
			ranAny = true
		}
	}

	if !m.stopped(stop) && now.Sub(st.lastConnection) >= m.connectionCadence {
		st.lastConnection = now
		if conns, err := m.measureConnectionCount(uri); err != nil {
			m.log.Debug("connection-count probe unavailable", zap.String("uri", uri), zap.Error(err))
		} else {
			current.ConnectionCount = conns
			ranAny = true
		}
	}

	if !ranAny {
		return
	}

	m.reg.UpdateMetrics(uri, current.LatencyMs, current.BandwidthBps, current.ConnectionCount)
	updated, ok := m.brokerRecord(uri)
	if !ok {
		return
	}

	if m.metrics != nil {
		m.metrics.ObserveBroker(uri, updated.LatencyMs, updated.BandwidthBps, updated.ConnectionCount, updated.Score, updated.Available)
	}
	m.sink.RecordSample(models.MetricSample{
		URI:             uri,
		LatencyMs:       updated.LatencyMs,
		BandwidthBps:    updated.BandwidthBps,
		ConnectionCount: updated.ConnectionCount,
		Score:           updated.Score,
		Available:       updated.Available,
		RecordedAt:      updated.LastCheck,
	})

	if m.onMetricsUpdated != nil {
		m.onMetricsUpdated(uri, updated.LatencyMs, updated.BandwidthBps, updated.ConnectionCount)
	}
	if m.reg.ShouldSwitch() {
		if best, ok := m.reg.Best(); ok && m.onBrokerSwitch != nil {
			m.onBrokerSwitch(best.URI)
		}
	}
}

func (m *Monitor) currentMetrics(uri string) (registry.Broker, bool) {
	return m.brokerRecord(uri)
}

func (m *Monitor) brokerRecord(uri string) (registry.Broker, bool) {
	for _, b := range m.reg.All() {
		if b.URI == uri {
			return b, true
		}
	}
	return registry.Broker{}, false
}

// measureLatency connects an ephemeral client, subscribes to the latency
// loopback topic, publishes a timestamped payload, and measures the
// send-to-delivery interval in milliseconds.
func (m *Monitor) measureLatency(uri string) (float64, error) {
	client := m.newClient(uri)
	if err := dialWithDeadline(client, connectTimeout); err != nil {
		return 0, err
	}
	defer client.Disconnect(100 * time.Millisecond)

	arrived := make(chan time.Time, 1)
	if err := client.Subscribe(latencyTopic, 1, func(_ string, _ []byte) {
		select {
		case arrived <- time.Now():
		default:
		}
	}); err != nil {
		return 0, fmt.Errorf("subscribe %s: %w", latencyTopic, err)
	}
	defer client.Unsubscribe(latencyTopic)

	sent := time.Now()
	if err := client.Publish(latencyTopic, 1, false, []byte(fmt.Sprintf("%d", sent.UnixNano()))); err != nil {
		return 0, fmt.Errorf("publish %s: %w", latencyTopic, err)
	}

	select {
	case got := <-arrived:
		return float64(got.Sub(sent).Milliseconds()), nil
	case <-time.After(latencyDeadline):
		return 0, fmt.Errorf("latency probe timed out after %s", latencyDeadline)
	}
}

// measureBandwidth connects an ephemeral client and publishes a fixed
// burst of fixed-size messages, measuring aggregate throughput from first
// send to last acknowledgement.
func (m *Monitor) measureBandwidth(uri string) (float64, error) {
	client := m.newClient(uri)
	if err := dialWithDeadline(client, connectTimeout); err != nil {
		return 0, err
	}
	defer client.Disconnect(100 * time.Millisecond)

	payload := make([]byte, bandwidthMessageSize)
	done := make(chan error, 1)
	start := time.Now()

	go func() {
		for i := 0; i < bandwidthMessageCount; i++ {
			if err := client.Publish(bandwidthTopic, 1, false, payload); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	select {
	case err := <-done:
		if err != nil {
			return 0, err
		}
	case <-time.After(bandwidthDeadline):
		return 0, fmt.Errorf("bandwidth probe timed out after %s", bandwidthDeadline)
	}

	elapsed := time.Since(start).Seconds()
	if elapsed <= 0 {
		elapsed = 0.001
	}
	totalBytes := float64(bandwidthMessageCount * bandwidthMessageSize)
	return totalBytes / elapsed, nil
}

// measureConnectionCount subscribes to the broker's optional $SYS
// connection-count topic and parses the next delivered payload as an
// integer. Best-effort: brokers without $SYS support simply time out,
// and the caller treats that as log-only, not an availability change.
func (m *Monitor) measureConnectionCount(uri string) (float64, error) {
	client := m.newClient(uri)
	if err := dialWithDeadline(client, connectTimeout); err != nil {
		return 0, err
	}
	defer client.Disconnect(100 * time.Millisecond)

	got := make(chan []byte, 1)
	if err := client.Subscribe(connectionTopic, 0, func(_ string, payload []byte) {
		select {
		case got <- payload:
		default:
		}
	}); err != nil {
		return 0, fmt.Errorf("subscribe %s: %w", connectionTopic, err)
	}
	defer client.Unsubscribe(connectionTopic)

	select {
	case payload := <-got:
		var count int
		if _, err := fmt.Sscanf(string(payload), "%d", &count); err != nil {
			return 0, fmt.Errorf("parse connection count %q: %w", string(payload), err)
		}
		return float64(count), nil
	case <-time.After(connectionDeadline):
		return 0, fmt.Errorf("$SYS connection count unavailable within %s", connectionDeadline)
	}
}

func dialWithDeadline(client mqttclient.BrokerClient, deadline time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- client.Connect() }()
	select {
	case err := <-done:
		return err
	case <-time.After(deadline):
		return fmt.Errorf("connect timed out after %s", deadline)
	}
}
