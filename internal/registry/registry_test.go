package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brokermesh/adaptive-mqtt/internal/score"
)

func sensorRegistry() *Registry {
	return New(score.WeightsForCategory("sensor"), 0)
}

func TestAdd_FirstEntryBecomesCurrent(t *testing.T) {
	r := sensorRegistry()
	r.Add("a")
	r.Add("b")
	assert.Equal(t, "a", r.CurrentURI())
}

func TestAdd_DuplicateIsNoOp(t *testing.T) {
	r := sensorRegistry()
	r.Add("a")
	r.Add("a")
	assert.Equal(t, []string{"a"}, r.URIs())
}

func TestSetBrokers_DropsDuplicatesPreservesOrder(t *testing.T) {
	r := sensorRegistry()
	r.SetBrokers([]string{"a", "b", "a", "c"})
	assert.Equal(t, []string{"a", "b", "c"}, r.URIs())
}

func TestAddRemove_RoundTripLeavesRegistryUnchanged(t *testing.T) {
	r := sensorRegistry()
	r.SetBrokers([]string{"a", "b", "c"})
	before := r.URIs()

	r.Add("d")
	r.Remove("d")

	assert.Equal(t, before, r.URIs())
}

func TestRemove_CurrentReanchorsToSameSlot(t *testing.T) {
	r := sensorRegistry()
	r.SetBrokers([]string{"a", "b", "c"})
	r.SetCurrent("b")

	r.Remove("b")

	assert.Equal(t, "c", r.CurrentURI(), "removing current re-anchors to the broker now in the same slot")
}

func TestRemove_CurrentAtEndClampsToLast(t *testing.T) {
	r := sensorRegistry()
	r.SetBrokers([]string{"a", "b", "c"})
	r.SetCurrent("c")

	r.Remove("c")

	assert.Equal(t, "b", r.CurrentURI())
}

func TestAtMostOneCurrent(t *testing.T) {
	r := sensorRegistry()
	r.SetBrokers([]string{"a", "b", "c"})
	require.True(t, r.SetCurrent("b"))
	require.True(t, r.SetCurrent("c"))

	current, ok := r.Current()
	require.True(t, ok)
	assert.Equal(t, "c", current.URI)
}

func TestUpdateMetrics_UnavailableAlwaysScoreZero(t *testing.T) {
	r := sensorRegistry()
	r.Add("a")
	r.MarkUnavailable("a")
	r.UpdateMetrics("a", 10, 2_000_000, 5)

	b, ok := r.Current()
	require.True(t, ok)
	assert.False(t, b.Available)
	assert.Zero(t, b.Score)
}

func TestMarkUnavailableThenAvailable_RestoresScore(t *testing.T) {
	r := sensorRegistry()
	r.Add("a")
	r.UpdateMetrics("a", 10, 2_000_000, 5)
	b, _ := r.Current()
	originalScore := b.Score

	r.MarkUnavailable("a")
	r.MarkAvailable("a")

	restored, _ := r.Current()
	assert.True(t, restored.Available)
	assert.InDelta(t, originalScore, restored.Score, 1e-9)
}

func TestLastCheck_MonotonicNonDecreasing(t *testing.T) {
	r := sensorRegistry()
	r.Add("a")
	r.UpdateMetrics("a", 10, 1, 1)
	first, _ := r.Current()
	r.UpdateMetrics("a", 20, 2, 2)
	second, _ := r.Current()
	assert.False(t, second.LastCheck.Before(first.LastCheck))
}

func TestBest_TiesBrokenByRegistrationOrder(t *testing.T) {
	r := sensorRegistry()
	r.SetBrokers([]string{"a", "b"})
	r.UpdateMetrics("a", 10, 2_000_000, 5)
	r.UpdateMetrics("b", 10, 2_000_000, 5)

	best, ok := r.Best()
	require.True(t, ok)
	assert.Equal(t, "a", best.URI)
}

func TestBest_NoneAvailableReturnsFalse(t *testing.T) {
	r := sensorRegistry()
	r.Add("a")
	r.MarkUnavailable("a")
	_, ok := r.Best()
	assert.False(t, ok)
}

func TestShouldSwitch_Hysteresis(t *testing.T) {
	// Scenario 3: current at 0.70, challenger rises to 0.78 (below
	// threshold), then 0.82 (above threshold).
	r := sensorRegistry()
	r.SetBrokers([]string{"b", "c"})

	r.records["b"].Available = true
	r.records["b"].Score = 0.70
	r.records["c"].Available = true
	r.records["c"].Score = 0.78
	r.SetCurrent("b")
	assert.False(t, r.ShouldSwitch())

	r.records["c"].Score = 0.82
	assert.True(t, r.ShouldSwitch())
}

func TestShouldSwitch_FalseWhenBestIsCurrent(t *testing.T) {
	r := sensorRegistry()
	r.Add("a")
	r.UpdateMetrics("a", 10, 2_000_000, 5)
	assert.False(t, r.ShouldSwitch())
}
