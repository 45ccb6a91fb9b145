package controlplane

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/brokermesh/adaptive-mqtt/internal/models"
	"github.com/brokermesh/adaptive-mqtt/internal/registry"
)

type fakeSession struct {
	stats   []registry.Broker
	current string
	queued  int
	history []models.SwapEvent
}

func (f *fakeSession) GetBrokerStats() []registry.Broker     { return f.stats }
func (f *fakeSession) GetCurrentBrokerURI() string           { return f.current }
func (f *fakeSession) GetQueuedMessageCount() int             { return f.queued }
func (f *fakeSession) SwapHistory() []models.SwapEvent        { return f.history }

type fakeHistory struct {
	samples []models.MetricSample
}

func (f *fakeHistory) RecentSamples(ctx context.Context, uri string, since time.Time) ([]models.MetricSample, error) {
	return f.samples, nil
}

func (f *fakeHistory) RecentSwaps(ctx context.Context, limit int) ([]models.SwapEvent, error) {
	return nil, nil
}

type fakeRestorer struct {
	restored []string
}

func (f *fakeRestorer) MarkAvailable(uri string) {
	f.restored = append(f.restored, uri)
}

func newTestServer(session SessionManager, history HistoryReader, restorer Restorer) *Server {
	return New(Config{BindAddress: ":0", ShutdownTimeout: time.Second}, zap.NewNop(), nil, session, history, restorer)
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(nil, nil, nil)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	srv.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestBrokersRoute_OmittedWithoutSession(t *testing.T) {
	srv := newTestServer(nil, nil, nil)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/brokers", nil)
	srv.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBrokersRoute_ReturnsSnapshot(t *testing.T) {
	session := &fakeSession{
		stats:   []registry.Broker{{URI: "a", Available: true, Score: 0.5}},
		current: "a",
		queued:  3,
	}
	srv := newTestServer(session, nil, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/brokers", nil)
	srv.engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"current":"a"`)
}

func TestRestoreRoute_CallsRestorer(t *testing.T) {
	restorer := &fakeRestorer{}
	srv := newTestServer(nil, nil, restorer)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/brokers/broker-a/restore", nil)
	srv.engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, restorer.restored, 1)
	assert.Equal(t, "broker-a", restorer.restored[0])
}

func TestRateLimitMiddleware_RejectsOverLimit(t *testing.T) {
	srv := New(Config{BindAddress: ":0", RateLimit: rate.Limit(1), RateBurst: 1, ShutdownTimeout: time.Second},
		zap.NewNop(), nil, nil, nil, nil)

	req := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		srv.engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		return w
	}

	first := req()
	second := req()
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}
