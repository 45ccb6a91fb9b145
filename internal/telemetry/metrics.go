// Package telemetry holds the Prometheus collectors shared by the
// Monitor and the Control Plane, so both register against one
// consistent metric name space instead of each owning private
// collectors.
package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Collectors bundles every metric the broker pool exposes.
type Collectors struct {
	BrokerScore           *prometheus.GaugeVec
	BrokerLatencyMs       *prometheus.GaugeVec
	BrokerBandwidthBps    *prometheus.GaugeVec
	BrokerConnectionCount *prometheus.GaugeVec
	BrokerAvailable       *prometheus.GaugeVec
	MonitorTickDuration   prometheus.Histogram
	SwapsTotal            prometheus.Counter
	DroppedSamplesTotal   prometheus.Counter
}

// New constructs the collector set and registers it against reg. Passing
// prometheus.NewRegistry() (rather than the global DefaultRegisterer)
// keeps repeated construction in tests from panicking on duplicate
// registration.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		BrokerScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "brokerpool_broker_score",
			Help: "Most recently computed weighted score for a broker, in [0,1].",
		}, []string{"uri"}),
		BrokerLatencyMs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "brokerpool_broker_latency_ms",
			Help: "Most recently measured round-trip latency to a broker, in milliseconds.",
		}, []string{"uri"}),
		BrokerBandwidthBps: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "brokerpool_broker_bandwidth_bps",
			Help: "Most recently measured sustained publish throughput to a broker, in bytes/second.",
		}, []string{"uri"}),
		BrokerConnectionCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "brokerpool_broker_connection_count",
			Help: "Most recently reported active-connection count for a broker.",
		}, []string{"uri"}),
		BrokerAvailable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "brokerpool_broker_available",
			Help: "1 if the broker is currently marked available, else 0.",
		}, []string{"uri"}),
		MonitorTickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "brokerpool_monitor_tick_duration_seconds",
			Help:    "Wall-clock duration of one Monitor tick across all registered brokers.",
			Buckets: prometheus.DefBuckets,
		}),
		SwapsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "brokerpool_swaps_total",
			Help: "Total number of completed broker swaps.",
		}),
		DroppedSamplesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "brokerpool_dropped_samples_total",
			Help: "Total number of metric samples dropped before reaching the metrics history repository.",
		}),
	}

	reg.MustRegister(
		c.BrokerScore,
		c.BrokerLatencyMs,
		c.BrokerBandwidthBps,
		c.BrokerConnectionCount,
		c.BrokerAvailable,
		c.MonitorTickDuration,
		c.SwapsTotal,
		c.DroppedSamplesTotal,
	)
	return c
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// ObserveBroker updates every per-broker gauge in one call.
func (c *Collectors) ObserveBroker(uri string, latencyMs, bandwidthBps, connectionCount, score float64, available bool) {
	c.BrokerLatencyMs.WithLabelValues(uri).Set(latencyMs)
	c.BrokerBandwidthBps.WithLabelValues(uri).Set(bandwidthBps)
	c.BrokerConnectionCount.WithLabelValues(uri).Set(connectionCount)
	c.BrokerScore.WithLabelValues(uri).Set(score)
	c.BrokerAvailable.WithLabelValues(uri).Set(boolToFloat(available))
}
