// Package registry implements the thread-safe broker registry: the
// collection of candidate broker records, their measured metrics and
// scores, and the selection predicates the session manager and monitor
// use to pick and swap brokers.
//
// All mutation and all reads go through a single mutex; no method ever
// takes a nested lock, and no method blocks on I/O while holding it.
package registry

import (
	"sync"
	"time"

	"github.com/brokermesh/adaptive-mqtt/internal/score"
)

// Broker is one record in the registry. Fields mirror spec section 3.
// Callers receive copies from registry methods, never a live pointer, so
// the zero value for an absent broker is never aliased by a caller.
type Broker struct {
	URI              string
	LatencyMs        float64
	BandwidthBps     float64
	ConnectionCount  float64
	Score            float64
	Available        bool
	LastCheck        time.Time
}

// Registry is the shared, multi-reader/single-writer collection of broker
// records for one weight profile. The weight profile is fixed at
// construction time and re-applied on every metric update.
type Registry struct {
	mu                  sync.Mutex
	order               []string // registration order; also defines "ties broken by registration order"
	records             map[string]*Broker
	current             string // URI of the current broker; "" if none
	weights             score.Weights
	hysteresisThreshold float64
}

// New creates an empty registry scored under the given weight profile.
// hysteresisThreshold of 0 or less falls back to score.HysteresisThreshold.
func New(weights score.Weights, hysteresisThreshold float64) *Registry {
	if hysteresisThreshold <= 0 {
		hysteresisThreshold = score.HysteresisThreshold
	}
	return &Registry{
		records:             make(map[string]*Broker),
		weights:             weights,
		hysteresisThreshold: hysteresisThreshold,
	}
}

// Add inserts a new broker record. A no-op if the URI is already present.
// If the registry was empty, the newly added broker becomes current.
func (r *Registry) Add(uri string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addLocked(uri)
}

func (r *Registry) addLocked(uri string) {
	if _, exists := r.records[uri]; exists {
		return
	}
	wasEmpty := len(r.order) == 0
	r.records[uri] = &Broker{URI: uri, Available: true}
	r.order = append(r.order, uri)
	if wasEmpty {
		r.current = uri
	}
}

// Remove deletes a broker record. The current broker is tracked by URI, so
// removing any other entry leaves it unchanged. If the removed entry was
// current, the broker that now occupies the same position becomes current,
// clamped to the last remaining entry when the removed one was last.
func (r *Registry) Remove(uri string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(uri)
}

func (r *Registry) removeLocked(uri string) {
	idx := indexOf(r.order, uri)
	if idx < 0 {
		return
	}
	currentIdx := indexOf(r.order, r.current)

	r.order = append(r.order[:idx], r.order[idx+1:]...)
	delete(r.records, uri)

	if len(r.order) == 0 {
		r.current = ""
		return
	}
	if r.current != uri {
		return
	}
	// The current broker itself was removed; re-anchor to the broker that
	// now occupies the same slot, clamped to the last entry.
	newIdx := currentIdx
	if newIdx >= len(r.order) {
		newIdx = len(r.order) - 1
	}
	if newIdx < 0 {
		newIdx = 0
	}
	r.current = r.order[newIdx]
}

// Clear drops all records and resets the current index.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = nil
	r.records = make(map[string]*Broker)
	r.current = ""
}

// SetBrokers replaces the registry contents with the given list, in order,
// dropping duplicates. Equivalent to Clear followed by Add for each URI,
// except it is a single atomic operation under the registry's mutex.
func (r *Registry) SetBrokers(uris []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = nil
	r.records = make(map[string]*Broker)
	r.current = ""
	for _, uri := range uris {
		r.addLocked(uri)
	}
}

// SetCurrent marks uri as the current broker. Returns false if uri is not
// registered.
func (r *Registry) SetCurrent(uri string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[uri]; !ok {
		return false
	}
	r.current = uri
	return true
}

// Current returns a snapshot of the current broker record and whether one
// is set.
func (r *Registry) Current() (Broker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == "" {
		return Broker{}, false
	}
	b, ok := r.records[r.current]
	if !ok {
		return Broker{}, false
	}
	return *b, true
}

// CurrentURI returns the current broker's URI, or "" if none is set.
func (r *Registry) CurrentURI() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// All returns an ordered snapshot of every broker record.
func (r *Registry) All() []Broker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Broker, 0, len(r.order))
	for _, uri := range r.order {
		out = append(out, *r.records[uri])
	}
	return out
}

// URIs returns the registered broker URIs in registration order.
func (r *Registry) URIs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// UpdateMetrics replaces a broker's latency, bandwidth and connection-count
// measurements, stamps LastCheck, and recomputes its score under the
// registry's weight profile. A no-op if uri is not registered.
func (r *Registry) UpdateMetrics(uri string, latencyMs, bandwidthBps, connectionCount float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.records[uri]
	if !ok {
		return
	}
	b.LatencyMs = latencyMs
	b.BandwidthBps = bandwidthBps
	b.ConnectionCount = connectionCount
	b.LastCheck = time.Now()
	r.recomputeLocked(b)
}

// MarkUnavailable clears a broker's availability and forces its score to 0.
func (r *Registry) MarkUnavailable(uri string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.records[uri]
	if !ok {
		return
	}
	b.Available = false
	b.Score = 0
}

// MarkAvailable restores a broker's availability and recomputes its score
// from its most recently recorded metrics.
func (r *Registry) MarkAvailable(uri string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.records[uri]
	if !ok {
		return
	}
	b.Available = true
	r.recomputeLocked(b)
}

func (r *Registry) recomputeLocked(b *Broker) {
	b.Score = score.Score(score.Metrics{
		LatencyMs:       b.LatencyMs,
		BandwidthBps:    b.BandwidthBps,
		ConnectionCount: b.ConnectionCount,
		Available:       b.Available,
	}, r.weights)
}

// Best returns the highest-scoring available broker, ties broken by
// registration order. Returns false if no broker is available.
func (r *Registry) Best() (Broker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *Broker
	for _, uri := range r.order {
		b := r.records[uri]
		if !b.Available {
			continue
		}
		if best == nil || b.Score > best.Score {
			best = b
		}
	}
	if best == nil {
		return Broker{}, false
	}
	return *best, true
}

// ShouldSwitch reports whether the best available broker sufficiently
// dominates the current broker: it differs from the current broker and
// its score exceeds the current broker's score by more than the
// hysteresis threshold. Returns false if either side is absent.
func (r *Registry) ShouldSwitch() bool {
	best, ok := r.Best()
	if !ok {
		return false
	}
	current, ok := r.Current()
	if !ok {
		return false
	}
	if best.URI == current.URI {
		return false
	}
	return best.Score-current.Score > r.hysteresisThreshold
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}
