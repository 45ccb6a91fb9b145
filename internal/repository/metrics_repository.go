// Package repository persists Monitor samples and Session Manager swap
// events to a TimescaleDB-backed Postgres database, for the control
// plane's history endpoints. It is entirely best-effort: a down or
// misconfigured database never blocks the core engine.
package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/brokermesh/adaptive-mqtt/internal/models"
)

const (
	sampleTableName = "broker_metric_samples"
	swapTableName   = "broker_swap_events"

	defaultChunkInterval = 24 * time.Hour
	queryTimeout         = 3 * time.Second
)

// Config configures the metrics history repository's schema behavior.
type Config struct {
	Schema            string
	ChunkInterval     time.Duration
	CompressionEnabled bool
}

// MetricsRepository is the TimescaleDB-backed sink for MetricSample rows
// and the read/write path for SwapEvent rows.
type MetricsRepository struct {
	pool    *pgxpool.Pool
	schema  string
	cfg     Config
	log     *zap.Logger
	breaker *gobreaker.CircuitBreaker
}

// NewMetricsRepository connects to Postgres, best-effort migrates the
// schema (ignoring errors from a TimescaleDB extension that may not be
// installed, so the service also runs against plain Postgres), and wraps
// writes in a circuit breaker.
func NewMetricsRepository(ctx context.Context, dsn string, cfg Config, log *zap.Logger) (*MetricsRepository, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Schema == "" {
		cfg.Schema = "public"
	}
	if cfg.ChunkInterval <= 0 {
		cfg.ChunkInterval = defaultChunkInterval
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse metrics repository dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to metrics repository: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping metrics repository: %w", err)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "MetricsRepositoryBreaker",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("metrics repository circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	repo := &MetricsRepository{pool: pool, schema: cfg.Schema, cfg: cfg, log: log, breaker: breaker}
	if err := repo.initSchema(ctx); err != nil {
		log.Warn("metrics repository schema migration incomplete", zap.Error(err))
	}
	return repo, nil
}

// Close releases the underlying connection pool.
func (r *MetricsRepository) Close() {
	r.pool.Close()
}

func (r *MetricsRepository) initSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %q`, r.schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q.%s (
			uri TEXT NOT NULL,
			latency_ms DOUBLE PRECISION NOT NULL,
			bandwidth_bps DOUBLE PRECISION NOT NULL,
			connection_count DOUBLE PRECISION NOT NULL,
			score DOUBLE PRECISION NOT NULL,
			available BOOLEAN NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL
		)`, r.schema, sampleTableName),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q.%s (
			id TEXT PRIMARY KEY,
			from_uri TEXT NOT NULL,
			to_uri TEXT NOT NULL,
			from_score DOUBLE PRECISION NOT NULL,
			to_score DOUBLE PRECISION NOT NULL,
			reason TEXT NOT NULL,
			at TIMESTAMPTZ NOT NULL
		)`, r.schema, swapTableName),
	}
	for _, stmt := range stmts {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}

	// Best-effort: only succeeds if the timescaledb extension is present.
	hypertableSQL := fmt.Sprintf(
		`SELECT create_hypertable('%s.%s', 'recorded_at', chunk_time_interval => INTERVAL '%d seconds', if_not_exists => TRUE)`,
		r.schema, sampleTableName, int64(r.cfg.ChunkInterval.Seconds()),
	)
	if _, err := r.pool.Exec(ctx, hypertableSQL); err != nil {
		r.log.Debug("create_hypertable unavailable, continuing on plain Postgres", zap.Error(err))
	}

	if r.cfg.CompressionEnabled {
		compressSQL := fmt.Sprintf(`SELECT add_compression_policy('%s.%s', INTERVAL '7 days')`, r.schema, sampleTableName)
		if _, err := r.pool.Exec(ctx, compressSQL); err != nil {
			r.log.Debug("add_compression_policy unavailable", zap.Error(err))
		}
	}
	return nil
}

// RecordSample implements monitor.SampleSink. The Monitor calls it from
// its async forwarding goroutine, never from the tick loop itself; each
// insert is bounded by queryTimeout, and any error is logged, never
// propagated.
func (r *MetricsRepository) RecordSample(s models.MetricSample) {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	_, err := r.breaker.Execute(func() (interface{}, error) {
		_, execErr := r.pool.Exec(ctx, fmt.Sprintf(
			`INSERT INTO %q.%s (uri, latency_ms, bandwidth_bps, connection_count, score, available, recorded_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`, r.schema, sampleTableName),
			s.URI, s.LatencyMs, s.BandwidthBps, s.ConnectionCount, s.Score, s.Available, s.RecordedAt,
		)
		return nil, execErr
	})
	if err != nil {
		r.log.Warn("failed to persist metric sample", zap.String("uri", s.URI), zap.Error(err))
	}
}

// RecordSwap persists a completed swap event. Errors are logged only.
func (r *MetricsRepository) RecordSwap(evt models.SwapEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	_, err := r.breaker.Execute(func() (interface{}, error) {
		_, execErr := r.pool.Exec(ctx, fmt.Sprintf(
			`INSERT INTO %q.%s (id, from_uri, to_uri, from_score, to_score, reason, at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (id) DO NOTHING`, r.schema, swapTableName),
			evt.ID, evt.FromURI, evt.ToURI, evt.FromScore, evt.ToScore, evt.Reason, evt.At,
		)
		return nil, execErr
	})
	if err != nil {
		r.log.Warn("failed to persist swap event", zap.String("id", evt.ID), zap.Error(err))
	}
}

// RecentSamples returns samples for uri recorded at or after since, most
// recent last. Bounded read; never blocks the Monitor.
func (r *MetricsRepository) RecentSamples(ctx context.Context, uri string, since time.Time) ([]models.MetricSample, error) {
	rows, err := r.pool.Query(ctx, fmt.Sprintf(
		`SELECT uri, latency_ms, bandwidth_bps, connection_count, score, available, recorded_at
		 FROM %q.%s WHERE uri = $1 AND recorded_at >= $2 ORDER BY recorded_at ASC`, r.schema, sampleTableName),
		uri, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.MetricSample
	for rows.Next() {
		var s models.MetricSample
		if err := rows.Scan(&s.URI, &s.LatencyMs, &s.BandwidthBps, &s.ConnectionCount, &s.Score, &s.Available, &s.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// RecentSwaps returns the most recent swap events, newest first, capped
// at limit.
func (r *MetricsRepository) RecentSwaps(ctx context.Context, limit int) ([]models.SwapEvent, error) {
	rows, err := r.pool.Query(ctx, fmt.Sprintf(
		`SELECT id, from_uri, to_uri, from_score, to_score, reason, at
		 FROM %q.%s ORDER BY at DESC LIMIT $1`, r.schema, swapTableName),
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SwapEvent
	for rows.Next() {
		var e models.SwapEvent
		if err := rows.Scan(&e.ID, &e.FromURI, &e.ToURI, &e.FromScore, &e.ToScore, &e.Reason, &e.At); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
