// Package session implements the Session Manager: the orchestrator
// exposed to the application. It owns one active MQTT client at a time,
// drives the connection state machine, consumes Monitor switch
// suggestions, performs broker swaps, and flushes the Offline Queue on
// (re)connect.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/brokermesh/adaptive-mqtt/internal/mqttclient"
	"github.com/brokermesh/adaptive-mqtt/internal/models"
	"github.com/brokermesh/adaptive-mqtt/internal/queue"
	"github.com/brokermesh/adaptive-mqtt/internal/registry"
	"github.com/brokermesh/adaptive-mqtt/internal/telemetry"
)

// ErrNotConnected is returned by subscribe/unsubscribe calls made while
// the session has no active broker connection.
var ErrNotConnected = errors.New("session: not connected")

const (
	connectDeadline       = 10 * time.Second
	disconnectWait        = 5 * time.Second
	exhaustedBackoff      = 5 * time.Second
	swapHistoryCapacity   = 100

	// defaultBreakerFailureThreshold is used when the caller passes a
	// zero breakerFailureThreshold to New, matching config.Load's own
	// default for session.breaker_failure_threshold.
	defaultBreakerFailureThreshold = 3
)

// State is the connection state machine's current phase.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// ConnectOptions is opaque connection configuration held by the Manager.
// It is not passed to the clients it connects: every client is built by
// the Manager's factory with the settings the factory was created with.
type ConnectOptions struct {
	Username       string
	Password       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
}

// MessageHandler receives messages arriving on subscribed topics.
type MessageHandler func(topic string, payload []byte)

// Manager is the Session Manager. One Manager owns exactly one logical
// session, backed at any moment by at most one active broker connection.
type Manager struct {
	log       *zap.Logger
	reg       *registry.Registry
	q         *queue.Queue
	newClient mqttclient.Factory
	metrics   *telemetry.Collectors

	publishLimiter         *rate.Limiter // nil means unlimited
	breakerFailureThreshold uint32

	// connectionMutex serializes state-machine transitions and client-slot
	// mutation. Lock order when registry/queue are also needed: connection
	// -> registry -> queue, matching the teacher's DB-then-cache ordering
	// discipline generalized here to three collaborators.
	connectionMutex sync.Mutex
	state           State
	active          mqttclient.BrokerClient
	activeURI       string
	connecting      bool
	connectOpts     ConnectOptions

	breakers   map[string]*gobreaker.CircuitBreaker
	breakersMu sync.Mutex

	swapHistoryMu sync.Mutex
	swapHistory   []models.SwapEvent

	onConnectionLost    func(err error)
	onConnected         func(uri string)
	onMessageArrived    MessageHandler
	onDeliveryComplete  func(topic string)
	onSwapEvent         func(models.SwapEvent)

	monitorStart func()
	monitorStop  func()
	monitorIsRunning func() bool
}

// New builds a Session Manager over reg and q, using newClient to build
// fresh broker connections. publishRateLimit of 0 disables publish
// throttling. breakerFailureThreshold of 0 falls back to
// defaultBreakerFailureThreshold. metrics may be nil, in which case swap
// counting is skipped.
func New(log *zap.Logger, reg *registry.Registry, q *queue.Queue, newClient mqttclient.Factory, publishRateLimit rate.Limit, publishBurst int, breakerFailureThreshold uint32, metrics *telemetry.Collectors) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	var limiter *rate.Limiter
	if publishRateLimit > 0 {
		limiter = rate.NewLimiter(publishRateLimit, publishBurst)
	}
	if breakerFailureThreshold == 0 {
		breakerFailureThreshold = defaultBreakerFailureThreshold
	}
	return &Manager{
		log:                     log,
		reg:                     reg,
		q:                       q,
		newClient:               newClient,
		metrics:                 metrics,
		publishLimiter:          limiter,
		breakerFailureThreshold: breakerFailureThreshold,
		state:                   StateIdle,
		breakers:                make(map[string]*gobreaker.CircuitBreaker),
	}
}

// BindMonitor wires the Monitor's start/stop/is-running control points so
// StartMonitoring/StopMonitoring/IsMonitoring can drive it. It does not
// install any callbacks on the Monitor; the caller registers
// OnBrokerSwitch with the Monitor separately.
func (m *Manager) BindMonitor(start, stop func(), isRunning func() bool) {
	m.monitorStart = start
	m.monitorStop = stop
	m.monitorIsRunning = isRunning
}

// SetOnConnectionLost, SetOnConnected, SetOnMessageArrived,
// SetOnDeliveryComplete and SetOnSwapEvent register callbacks. Message
// arrivals are delivered on the underlying MQTT client's message-handler
// goroutine and connection loss on whichever goroutine calls
// OnConnectionLost. The connected callback runs on the goroutine that
// completed the connect, delivery-complete on the goroutine that called
// Publish (after the publish returns), and swap events on whichever
// goroutine completed the swap.
func (m *Manager) SetOnConnectionLost(fn func(err error))        { m.onConnectionLost = fn }
func (m *Manager) SetOnConnected(fn func(uri string))            { m.onConnected = fn }
func (m *Manager) SetOnMessageArrived(fn MessageHandler)         { m.onMessageArrived = fn }
func (m *Manager) SetOnDeliveryComplete(fn func(topic string))   { m.onDeliveryComplete = fn }
func (m *Manager) SetOnSwapEvent(fn func(models.SwapEvent))      { m.onSwapEvent = fn }

// AddBroker, RemoveBroker and SetBrokers pass through to the registry.
// Safe to call before Connect.
func (m *Manager) AddBroker(uri string)         { m.reg.Add(uri) }
func (m *Manager) RemoveBroker(uri string)      { m.reg.Remove(uri) }
func (m *Manager) SetBrokers(uris []string)      { m.reg.SetBrokers(uris) }

// SetConnectOptions stores options on the Manager. Later (re)connects do
// not read them; see ConnectOptions.
func (m *Manager) SetConnectOptions(opts ConnectOptions) {
	m.connectionMutex.Lock()
	defer m.connectionMutex.Unlock()
	m.connectOpts = opts
}

func (m *Manager) breakerFor(uri string) *gobreaker.CircuitBreaker {
	m.breakersMu.Lock()
	defer m.breakersMu.Unlock()
	if b, ok := m.breakers[uri]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "broker:" + uri,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= m.breakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.log.Warn("broker circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	m.breakers[uri] = b
	return b
}

// tryConnectToBroker instantiates a fresh client bound to uri through the
// manager's factory (which carries whatever connection-lost hook the
// factory was built with), and attempts to connect within
// connectDeadline. A circuit-open broker is rejected without dialing.
func (m *Manager) tryConnectToBroker(uri string) (mqttclient.BrokerClient, error) {
	breaker := m.breakerFor(uri)
	result, err := breaker.Execute(func() (interface{}, error) {
		client := m.newClient(uri)
		done := make(chan error, 1)
		go func() { done <- client.Connect() }()
		select {
		case err := <-done:
			if err != nil {
				return nil, err
			}
			return client, nil
		case <-time.After(connectDeadline):
			return nil, fmt.Errorf("connect to %s timed out after %s", uri, connectDeadline)
		}
	})
	if err != nil {
		m.log.Warn("broker connect failed", zap.String("uri", uri), zap.Error(err))
		return nil, err
	}
	return result.(mqttclient.BrokerClient), nil
}

// Connect performs the fall-through connection algorithm: it snapshots
// every available broker in registration order and tries each in turn,
// returning true on first success. Idempotent: if already connected or
// connecting, it returns the current connected-ness without retrying.
func (m *Manager) Connect() bool {
	m.connectionMutex.Lock()
	if m.state == StateConnected {
		m.connectionMutex.Unlock()
		return true
	}
	if m.connecting {
		m.connectionMutex.Unlock()
		return m.IsConnected()
	}
	m.connecting = true
	m.state = StateConnecting
	m.connectionMutex.Unlock()

	defer func() {
		m.connectionMutex.Lock()
		m.connecting = false
		m.connectionMutex.Unlock()
	}()

	return m.fallThroughConnect("initial connect")
}

// fallThroughConnect walks every available broker in registration order,
// trying each via tryConnectToBroker. A failed attempt marks the broker
// unavailable and advances to the next; exhausting the list backs off
// exhaustedBackoff before the caller may retry. Returns true and installs
// the new active client on first success.
func (m *Manager) fallThroughConnect(reason string) bool {
	for {
		candidates := availableURIs(m.reg.All())
		if len(candidates) == 0 {
			time.Sleep(exhaustedBackoff)
			return false
		}

		for _, uri := range candidates {
			client, err := m.tryConnectToBroker(uri)
			if err != nil {
				m.reg.MarkUnavailable(uri)
				continue
			}
			m.installActive(uri, client, reason)
			return true
		}

		// Every candidate in this snapshot failed; back off and let the
		// caller's loop or a future reconnect attempt try again.
		time.Sleep(exhaustedBackoff)
		return false
	}
}

func availableURIs(all []registry.Broker) []string {
	out := make([]string, 0, len(all))
	for _, b := range all {
		if b.Available {
			out = append(out, b.URI)
		}
	}
	return out
}

// installActive sets the newly connected client as active, updates the
// state machine and registry current marker, flushes the offline queue,
// records a swap event when this was a swap/reconnect (not the very
// first connect), and fires the connected callback.
func (m *Manager) installActive(uri string, client mqttclient.BrokerClient, reason string) {
	m.connectionMutex.Lock()
	previousURI := m.activeURI
	previousScore := m.scoreOf(previousURI)
	m.active = client
	m.activeURI = uri
	m.state = StateConnected
	m.connectionMutex.Unlock()

	m.reg.SetCurrent(uri)

	if previousURI != "" && previousURI != uri {
		m.recordSwap(previousURI, uri, previousScore, m.scoreOf(uri), reason)
	}

	if m.onConnected != nil {
		m.onConnected(uri)
	}

	if err := m.q.FlushTo(func(msg queue.Message) error {
		return client.Publish(msg.Topic, msg.QoS, msg.Retain, msg.Payload)
	}); err != nil {
		m.log.Warn("offline queue flush stopped early", zap.String("uri", uri), zap.Error(err))
	}
}

func (m *Manager) scoreOf(uri string) float64 {
	if uri == "" {
		return 0
	}
	for _, b := range m.reg.All() {
		if b.URI == uri {
			return b.Score
		}
	}
	return 0
}

func (m *Manager) recordSwap(fromURI, toURI string, fromScore, toScore float64, reason string) {
	evt := models.SwapEvent{
		ID:        uuid.NewString(),
		FromURI:   fromURI,
		ToURI:     toURI,
		FromScore: fromScore,
		ToScore:   toScore,
		Reason:    reason,
		At:        time.Now(),
	}
	m.swapHistoryMu.Lock()
	m.swapHistory = append(m.swapHistory, evt)
	if len(m.swapHistory) > swapHistoryCapacity {
		m.swapHistory = m.swapHistory[len(m.swapHistory)-swapHistoryCapacity:]
	}
	m.swapHistoryMu.Unlock()

	m.log.Info("broker swap completed",
		zap.String("from", fromURI), zap.String("to", toURI),
		zap.Float64("from_score", fromScore), zap.Float64("to_score", toScore),
		zap.String("reason", reason))

	if m.metrics != nil {
		m.metrics.SwapsTotal.Inc()
	}

	if m.onSwapEvent != nil {
		m.onSwapEvent(evt)
	}
}

// SwapHistory returns a snapshot of the most recent swap events, oldest
// first, capped at swapHistoryCapacity entries.
func (m *Manager) SwapHistory() []models.SwapEvent {
	m.swapHistoryMu.Lock()
	defer m.swapHistoryMu.Unlock()
	out := make([]models.SwapEvent, len(m.swapHistory))
	copy(out, m.swapHistory)
	return out
}

// OnBrokerSwitch is the Monitor's switch-suggestion callback. It
// re-acquires the connection mutex's guard role, destroys the active
// client, and runs the fall-through algorithm starting from the
// best-scored broker. A no-op while a connection attempt is already in
// flight.
func (m *Manager) OnBrokerSwitch(bestURI string) {
	m.connectionMutex.Lock()
	if m.connecting {
		m.connectionMutex.Unlock()
		return
	}
	m.connecting = true
	old := m.active
	m.state = StateReconnecting
	m.connectionMutex.Unlock()

	if old != nil {
		old.Disconnect(disconnectWait)
	}

	m.swapFromBest(bestURI)

	m.connectionMutex.Lock()
	m.connecting = false
	m.connectionMutex.Unlock()
}

// swapFromBest tries bestURI first, then falls through the remaining
// available brokers in registration order if it has since failed.
func (m *Manager) swapFromBest(bestURI string) {
	client, err := m.tryConnectToBroker(bestURI)
	if err == nil {
		m.installActive(bestURI, client, "swap")
		return
	}
	m.reg.MarkUnavailable(bestURI)
	m.fallThroughConnect("swap-fallthrough")
}

// OnConnectionLost is the underlying client's connection_lost callback.
// It marks the session disconnected, fires the user callback, and
// re-enters the swap algorithm from a disconnected state, starting from
// the best-scored available broker. Guarded against re-entrant swaps
// while one is already in flight.
func (m *Manager) OnConnectionLost(cause error) {
	m.connectionMutex.Lock()
	lostURI := m.activeURI
	alreadyConnecting := m.connecting
	if !alreadyConnecting {
		m.connecting = true
	}
	m.state = StateReconnecting
	m.active = nil
	m.connectionMutex.Unlock()

	if m.onConnectionLost != nil {
		m.onConnectionLost(cause)
	}
	if alreadyConnecting {
		return
	}

	if lostURI != "" {
		m.reg.MarkUnavailable(lostURI)
	}
	if best, ok := m.reg.Best(); ok {
		m.swapFromBest(best.URI)
	} else {
		m.fallThroughConnect("connection-lost")
	}

	m.connectionMutex.Lock()
	m.connecting = false
	m.connectionMutex.Unlock()
}

// Disconnect tears down the active client, if any, waiting up to
// disconnectWait, and resets the state machine to Idle. Safe to call
// when not connected.
func (m *Manager) Disconnect() {
	m.connectionMutex.Lock()
	client := m.active
	m.active = nil
	m.activeURI = ""
	m.state = StateIdle
	m.connectionMutex.Unlock()

	if client != nil {
		client.Disconnect(disconnectWait)
	}
}

// IsConnected reports whether the state machine is currently Connected.
func (m *Manager) IsConnected() bool {
	m.connectionMutex.Lock()
	defer m.connectionMutex.Unlock()
	return m.state == StateConnected
}

// State returns the current connection-state-machine phase.
func (m *Manager) State() State {
	m.connectionMutex.Lock()
	defer m.connectionMutex.Unlock()
	return m.state
}

// Publish forwards to the active client when connected. When disconnected,
// or when the forward itself errors, the publish is queued instead of
// failing. Subject to the optional publish-rate limiter when one is
// configured and the active client is being used.
func (m *Manager) Publish(topic string, payload []byte, qos byte, retained bool) {
	m.connectionMutex.Lock()
	client := m.active
	m.connectionMutex.Unlock()

	if client == nil {
		m.q.Enqueue(queue.Message{Topic: topic, Payload: payload, QoS: qos, Retain: retained})
		return
	}

	if m.publishLimiter != nil {
		_ = m.publishLimiter.Wait(context.Background())
	}

	if err := client.Publish(topic, qos, retained, payload); err != nil {
		m.log.Warn("publish failed, queuing", zap.String("topic", topic), zap.Error(err))
		m.q.Enqueue(queue.Message{Topic: topic, Payload: payload, QoS: qos, Retain: retained})
		return
	}

	if m.onDeliveryComplete != nil {
		m.onDeliveryComplete(topic)
	}
}

// Subscribe forwards to the active client, failing fast if disconnected.
func (m *Manager) Subscribe(topic string, qos byte) error {
	m.connectionMutex.Lock()
	client := m.active
	m.connectionMutex.Unlock()
	if client == nil {
		return ErrNotConnected
	}
	return client.Subscribe(topic, qos, func(t string, payload []byte) {
		if m.onMessageArrived != nil {
			m.onMessageArrived(t, payload)
		}
	})
}

// Unsubscribe forwards to the active client, failing fast if disconnected.
func (m *Manager) Unsubscribe(topic string) error {
	m.connectionMutex.Lock()
	client := m.active
	m.connectionMutex.Unlock()
	if client == nil {
		return ErrNotConnected
	}
	return client.Unsubscribe(topic)
}

// GetBrokerStats returns a snapshot of every registered broker record.
func (m *Manager) GetBrokerStats() []registry.Broker {
	return m.reg.All()
}

// GetCurrentBrokerURI returns the URI of the currently active broker, or
// "" if none.
func (m *Manager) GetCurrentBrokerURI() string {
	m.connectionMutex.Lock()
	defer m.connectionMutex.Unlock()
	return m.activeURI
}

// GetQueuedMessageCount returns the number of publishes currently held in
// the offline queue.
func (m *Manager) GetQueuedMessageCount() int {
	return m.q.Len()
}

// StartMonitoring, StopMonitoring and IsMonitoring drive the bound
// Monitor's lifecycle, if one has been wired via BindMonitor.
func (m *Manager) StartMonitoring() {
	if m.monitorStart != nil {
		m.monitorStart()
	}
}

func (m *Manager) StopMonitoring() {
	if m.monitorStop != nil {
		m.monitorStop()
	}
}

func (m *Manager) IsMonitoring() bool {
	if m.monitorIsRunning != nil {
		return m.monitorIsRunning()
	}
	return false
}
