package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestObserveBroker_UpdatesGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.ObserveBroker("mqtt://a", 12.5, 500_000, 3, 0.75, true)

	metric := &dto.Metric{}
	gauge, err := c.BrokerScore.GetMetricWithLabelValues("mqtt://a")
	require.NoError(t, err)
	require.NoError(t, gauge.Write(metric))
	require.InDelta(t, 0.75, metric.GetGauge().GetValue(), 1e-9)
}

func TestObserveBroker_AvailableAsBoolToFloat(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.ObserveBroker("mqtt://a", 0, 0, 0, 0, false)
	metric := &dto.Metric{}
	gauge, err := c.BrokerAvailable.GetMetricWithLabelValues("mqtt://a")
	require.NoError(t, err)
	require.NoError(t, gauge.Write(metric))
	require.Zero(t, metric.GetGauge().GetValue())
}
