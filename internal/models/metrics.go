// Package models holds the data records shared across the broker pool's
// components: metric samples handed from the Monitor to the metrics
// history repository, and swap events recorded by the Session Manager.
package models

import "time"

// MetricSample is one broker measurement, as recorded by the Monitor and
// persisted by the metrics history repository. It mirrors the broker
// record fields the registry tracks at the moment of the update.
type MetricSample struct {
	URI             string
	LatencyMs       float64
	BandwidthBps    float64
	ConnectionCount float64
	Score           float64
	Available       bool
	RecordedAt      time.Time
}

// SwapEvent records one completed broker swap or fall-through
// reconnection, for operational visibility via the control plane.
type SwapEvent struct {
	ID        string
	FromURI   string
	ToURI     string
	FromScore float64
	ToScore   float64
	Reason    string
	At        time.Time
}
