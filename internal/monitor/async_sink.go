package monitor

import (
	"sync"

	"go.uber.org/zap"

	"github.com/brokermesh/adaptive-mqtt/internal/models"
	"github.com/brokermesh/adaptive-mqtt/internal/telemetry"
)

// asyncSinkBuffer bounds how many samples the async sink holds for a
// downstream sink that has fallen behind (or is blocked inside its own
// circuit breaker) before it starts shedding load.
const asyncSinkBuffer = 256

// asyncSink decouples the Monitor's tick goroutine from a downstream
// SampleSink that may block for as long as its own circuit breaker's
// Timeout. RecordSample never blocks the caller: it enqueues onto a
// buffered channel and a background goroutine forwards samples to next
// one at a time, in order. A full buffer drops the incoming sample and
// increments DroppedSamplesTotal rather than stalling the tick loop.
type asyncSink struct {
	log     *zap.Logger
	metrics *telemetry.Collectors
	next    SampleSink
	samples chan models.MetricSample

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// newAsyncSink wraps next and starts the forwarding goroutine. next may
// be nil, in which case forwarded samples are discarded.
func newAsyncSink(log *zap.Logger, metrics *telemetry.Collectors, next SampleSink) *asyncSink {
	if log == nil {
		log = zap.NewNop()
	}
	if next == nil {
		next = nopSink{}
	}
	s := &asyncSink{
		log:     log,
		metrics: metrics,
		next:    next,
		samples: make(chan models.MetricSample, asyncSinkBuffer),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go s.forward()
	return s
}

// RecordSample implements SampleSink.
func (s *asyncSink) RecordSample(sample models.MetricSample) {
	select {
	case s.samples <- sample:
	default:
		if s.metrics != nil {
			s.metrics.DroppedSamplesTotal.Inc()
		}
		s.log.Warn("metric sample dropped, async sink buffer full", zap.String("uri", sample.URI))
	}
}

func (s *asyncSink) forward() {
	defer close(s.doneCh)
	for {
		select {
		case sample := <-s.samples:
			s.next.RecordSample(sample)
		case <-s.stopCh:
			s.drain()
			return
		}
	}
}

// drain forwards whatever is already buffered without blocking further,
// so a graceful shutdown doesn't silently lose samples queued moments
// before Stop was called.
func (s *asyncSink) drain() {
	for {
		select {
		case sample := <-s.samples:
			s.next.RecordSample(sample)
		default:
			return
		}
	}
}

// Stop halts the forwarding goroutine after draining buffered samples.
// Safe to call more than once; blocks until the goroutine has joined.
func (s *asyncSink) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		<-s.doneCh
	})
}
