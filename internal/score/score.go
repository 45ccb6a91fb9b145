// Package score implements the pure weighted scoring function used to rank
// candidate MQTT brokers, and the fixed category-to-weight-profile table.
package score

import "fmt"

// Baseline constants the score components are normalized against. Fixed by
// design; only the weights vary per category.
const (
	latencyBaselineMs       = 100.0
	bandwidthBaselineBps    = 1_000_000.0
	connectionBaselineCount = 100.0
)

// HysteresisThreshold is the minimum score advantage a challenger broker
// must hold over the current broker before a swap is triggered.
const HysteresisThreshold = 0.10

// Weights is a category weight profile. Components must sum to 1 and each
// lie in [0, 1]; this is enforced by the fixed lookup table in
// categoryWeights below, not by callers.
type Weights struct {
	Latency    float64
	Bandwidth  float64
	Connection float64
}

// Metrics is the subset of a broker record the score function reads.
type Metrics struct {
	LatencyMs        float64
	BandwidthBps     float64
	ConnectionCount  float64
	Available        bool
}

// categoryWeights is the fixed category -> weight profile lookup table from
// spec section 6. Unknown categories fall back to "sensor".
var categoryWeights = map[string]Weights{
	"sensor":    {Latency: 0.6, Bandwidth: 0.2, Connection: 0.2},
	"meter":     {Latency: 0.6, Bandwidth: 0.2, Connection: 0.2},
	"light":     {Latency: 0.6, Bandwidth: 0.2, Connection: 0.2},
	"appliance": {Latency: 0.6, Bandwidth: 0.2, Connection: 0.2},
	"beacon":    {Latency: 0.6, Bandwidth: 0.2, Connection: 0.2},
	"camera":    {Latency: 0.2, Bandwidth: 0.6, Connection: 0.2},
	"signage":   {Latency: 0.2, Bandwidth: 0.6, Connection: 0.2},
	"wearable":  {Latency: 0.3, Bandwidth: 0.4, Connection: 0.3},
	"traffic":   {Latency: 0.4, Bandwidth: 0.2, Connection: 0.4},
	"drone":     {Latency: 0.3, Bandwidth: 0.5, Connection: 0.2},
	"rfid":      {Latency: 0.3, Bandwidth: 0.2, Connection: 0.5},
}

// defaultCategory is the fallback profile for unrecognized categories.
const defaultCategory = "sensor"

// WeightsForCategory resolves a category name to its weight profile,
// falling back to the "sensor" profile for unknown categories.
func WeightsForCategory(category string) Weights {
	if w, ok := categoryWeights[category]; ok {
		return w
	}
	return categoryWeights[defaultCategory]
}

// Score computes the weighted score in [0, 1] for the given metrics under
// the given weight profile. Unavailable brokers always score 0 regardless
// of measured metrics. The function is pure and deterministic: identical
// inputs always yield an identical output.
func Score(m Metrics, w Weights) float64 {
	if !m.Available {
		return 0
	}

	var latencyComponent float64
	if m.LatencyMs > 0 {
		latencyComponent = 1 - m.LatencyMs/latencyBaselineMs
		if latencyComponent < 0 {
			latencyComponent = 0
		}
	}

	var bandwidthComponent float64
	if m.BandwidthBps > 0 {
		bandwidthComponent = m.BandwidthBps / bandwidthBaselineBps
		if bandwidthComponent > 1 {
			bandwidthComponent = 1
		}
	}

	var connectionComponent float64
	if m.ConnectionCount > 0 {
		connectionComponent = 1 - m.ConnectionCount/connectionBaselineCount
		if connectionComponent < 0 {
			connectionComponent = 0
		}
	}

	total := w.Latency*latencyComponent + w.Bandwidth*bandwidthComponent + w.Connection*connectionComponent
	if total < 0 {
		return 0
	}
	if total > 1 {
		return 1
	}
	return total
}

// ValidateWeights reports whether a weight profile's components each lie in
// [0, 1] and sum to 1 (within a small floating-point tolerance).
// config.Validate does not call it: profiles come only from the fixed
// category table.
func ValidateWeights(w Weights) error {
	const epsilon = 1e-9
	for name, v := range map[string]float64{"latency": w.Latency, "bandwidth": w.Bandwidth, "connection": w.Connection} {
		if v < 0 || v > 1 {
			return fmt.Errorf("weight %s=%f out of range [0,1]", name, v)
		}
	}
	sum := w.Latency + w.Bandwidth + w.Connection
	if sum < 1-epsilon || sum > 1+epsilon {
		return fmt.Errorf("weights must sum to 1, got %f", sum)
	}
	return nil
}
