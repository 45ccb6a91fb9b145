package main

/*****************************************************************************
 * Go 1.21
 *
 * main.go - Entry point for the adaptive MQTT broker pool service.
 *
 * This file is responsible for:
 *   1. Initializing structured logging (zap).
 *   2. Loading and validating all service configuration.
 *   3. Setting up Prometheus metrics collection.
 *   4. Building the broker registry, offline queue, monitor and session
 *      manager, and wiring them together.
 *   5. Optionally connecting the metrics history repository.
 *   6. Starting the control plane (HTTP + WebSocket).
 *   7. Managing graceful shutdown on system signals.
 *****************************************************************************/

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/brokermesh/adaptive-mqtt/internal/config"
	"github.com/brokermesh/adaptive-mqtt/internal/controlplane"
	"github.com/brokermesh/adaptive-mqtt/internal/models"
	"github.com/brokermesh/adaptive-mqtt/internal/monitor"
	"github.com/brokermesh/adaptive-mqtt/internal/mqttclient"
	"github.com/brokermesh/adaptive-mqtt/internal/queue"
	"github.com/brokermesh/adaptive-mqtt/internal/registry"
	"github.com/brokermesh/adaptive-mqtt/internal/repository"
	"github.com/brokermesh/adaptive-mqtt/internal/score"
	"github.com/brokermesh/adaptive-mqtt/internal/session"
	"github.com/brokermesh/adaptive-mqtt/internal/telemetry"
)

const defaultConfigPath = "config.yaml"

/*****************************************************************************
 * gracefulShutdown - Manages a graceful shutdown of the control plane,
 * monitor, session manager and metrics repository with a bounded timeout.
 *****************************************************************************/

func gracefulShutdown(cp *controlplane.Server, mon *monitor.Monitor, sess *session.Manager, repo *repository.MetricsRepository, timeout time.Duration, logger *zap.Logger) {
	logger.Info("initiating graceful shutdown")

	if mon.IsRunning() {
		mon.Stop()
	}
	sess.Disconnect()

	if cp != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := cp.Shutdown(ctx); err != nil {
			logger.Warn("control plane shutdown encountered an error", zap.Error(err))
		}
	}

	if repo != nil {
		repo.Close()
	}

	logger.Sync()
	logger.Info("graceful shutdown completed")
}

/*****************************************************************************
 * main - Entry point function that initializes and runs the service.
 *****************************************************************************/

func main() {
	// 1. Initialize structured logging with zap.
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("starting adaptive MQTT broker pool service")

	// 2. Load and validate service configuration.
	configPath := defaultConfigPath
	if envPath := os.Getenv("BROKERPOOL_CONFIG_FILE"); envPath != "" {
		configPath = envPath
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	// 3. Set up Prometheus metrics collectors.
	promReg := prometheus.NewRegistry()
	collectors := telemetry.New(promReg)

	// 4. Build the broker registry, offline queue and MQTT client factory.
	weights := score.WeightsForCategory(cfg.Brokers.Category)
	reg := registry.New(weights, cfg.Session.HysteresisThreshold)
	reg.SetBrokers(cfg.Brokers.URIs)

	q := queue.New(logger, cfg.Session.QueueCapacity)

	var sess *session.Manager
	sess = session.New(logger, reg, q,
		mqttclient.NewFactory("brokerpool-session", cfg.Session.Username, cfg.Session.Password, cfg.Session.KeepAlive, cfg.Session.ConnectTimeout, func(uri string, err error) {
			logger.Warn("session connection lost", zap.String("uri", uri), zap.Error(err))
			sess.OnConnectionLost(err)
		}),
		rate.Limit(cfg.Session.PublishRateLimit), cfg.Session.PublishBurst,
		cfg.Session.BreakerFailureThreshold, collectors)

	// 5. Optionally connect the metrics history repository.
	var repo *repository.MetricsRepository
	var sink monitor.SampleSink
	if cfg.Database.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		repo, err = repository.NewMetricsRepository(ctx, cfg.Database.DSN, repository.Config{
			Schema:             cfg.Database.Schema,
			ChunkInterval:      cfg.Database.ChunkInterval,
			CompressionEnabled: cfg.Database.CompressionEnabled,
		}, logger)
		cancel()
		if err != nil {
			logger.Warn("metrics history repository unavailable, continuing without persistence", zap.Error(err))
		} else {
			sink = repo
		}
	}

	mon := monitor.New(logger, reg,
		mqttclient.NewFactory("brokerpool-monitor", cfg.Session.Username, cfg.Session.Password, 0, 5*time.Second, nil),
		collectors, sink,
		cfg.Monitor.TickInterval, cfg.Monitor.LatencyCadence, cfg.Monitor.BandwidthCadence, cfg.Monitor.ConnectionCadence)
	mon.SetCallbacks(
		func(uri string, latencyMs, bandwidthBps, connectionCount float64) {
			logger.Debug("broker metrics updated",
				zap.String("uri", uri), zap.Float64("latency_ms", latencyMs),
				zap.Float64("bandwidth_bps", bandwidthBps), zap.Float64("connection_count", connectionCount))
		},
		sess.OnBrokerSwitch,
	)
	sess.BindMonitor(mon.Start, mon.Stop, mon.IsRunning)

	// 6. Start the control plane (HTTP + WebSocket), if enabled.
	var cp *controlplane.Server
	if cfg.ControlPlane.Enabled {
		// repo is passed through a nil-safe interface variable: a typed
		// nil *repository.MetricsRepository inside a non-nil interface
		// value would make every "history != nil" check in the control
		// plane true and then panic on the first call.
		var history controlplane.HistoryReader
		if repo != nil {
			history = repo
		}
		cp = controlplane.New(controlplane.Config{
			BindAddress:     cfg.ControlPlane.BindAddress,
			RateLimit:       rate.Limit(cfg.ControlPlane.RateLimit),
			RateBurst:       cfg.ControlPlane.RateBurst,
			ShutdownTimeout: cfg.ControlPlane.ShutdownTimeout,
		}, logger, promReg, sess, history, reg)

		sess.SetOnSwapEvent(func(evt models.SwapEvent) {
			cp.BroadcastSwap(evt)
			if repo != nil {
				repo.RecordSwap(evt)
			}
		})

		go func() {
			logger.Info("control plane listening", zap.String("address", cfg.ControlPlane.BindAddress))
			if err := cp.ListenAndServe(); err != nil {
				logger.Warn("control plane stopped", zap.Error(err))
			}
		}()
	} else {
		sess.SetOnSwapEvent(func(evt models.SwapEvent) {
			if repo != nil {
				repo.RecordSwap(evt)
			}
		})
	}

	// 7. Connect and start monitoring.
	if sess.Connect() {
		logger.Info("connected to broker", zap.String("uri", sess.GetCurrentBrokerURI()))
	} else {
		logger.Warn("no broker reachable at startup; will continue retrying via the monitor")
	}
	sess.StartMonitoring()

	// 8. Block until a termination signal, then gracefully shut down.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("caught signal, shutting down", zap.String("signal", sig.String()))
	gracefulShutdown(cp, mon, sess, repo, cfg.ControlPlane.ShutdownTimeout, logger)
}
