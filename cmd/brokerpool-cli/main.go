package main

/*****************************************************************************
 * Go 1.21
 *
 * main.go - Minimal command-line front-end for the adaptive MQTT broker
 * pool. Unlike cmd/server, this does not load a config file, run the
 * control plane, or persist metrics history: it builds a registry, queue
 * and session manager directly, connects, starts the monitor, and prints
 * broker stats on an interval until interrupted.
 *
 * Usage:
 *   brokerpool-cli [category] [broker_uri ...]
 *
 * With no arguments, it falls back to category "sensor" against three
 * local brokers on 1883/1884/1885.
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

	"github.com/brokermesh/adaptive-mqtt/internal/monitor"
	"github.com/brokermesh/adaptive-mqtt/internal/mqttclient"
	"github.com/brokermesh/adaptive-mqtt/internal/queue"
	"github.com/brokermesh/adaptive-mqtt/internal/registry"
	"github.com/brokermesh/adaptive-mqtt/internal/score"
	"github.com/brokermesh/adaptive-mqtt/internal/session"
	"github.com/brokermesh/adaptive-mqtt/internal/telemetry"
)

var defaultBrokers = []string{
	"mqtt://localhost:1883",
	"mqtt://localhost:1884",
	"mqtt://localhost:1885",
}

const statsInterval = 10 * time.Second

func main() {
	category := "sensor"
	brokers := defaultBrokers

	args := os.Args[1:]
	if len(args) > 0 {
		category = args[0]
	}
	if len(args) > 1 {
		brokers = args[1:]
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	weights := score.WeightsForCategory(category)
	reg := registry.New(weights, 0)
	reg.SetBrokers(brokers)

	q := queue.New(logger, 0)
	collectors := telemetry.New(prometheus.NewRegistry())

	var sess *session.Manager
	sess = session.New(logger, reg, q,
		mqttclient.NewFactory("brokerpool-cli", "", "", 30*time.Second, 10*time.Second, func(uri string, err error) {
			logger.Warn("connection lost", zap.String("uri", uri), zap.Error(err))
			sess.OnConnectionLost(err)
		}),
		rate.Limit(0), 0, 0, collectors)

	mon := monitor.New(logger, reg,
		mqttclient.NewFactory("brokerpool-cli-probe", "", "", 0, 5*time.Second, nil),
		collectors, nil, 0, 0, 0, 0)
	mon.SetCallbacks(nil, sess.OnBrokerSwitch)
	sess.BindMonitor(mon.Start, mon.Stop, mon.IsRunning)

	logger.Info("connecting", zap.Strings("brokers", brokers), zap.String("category", category))
	if sess.Connect() {
		logger.Info("connected", zap.String("uri", sess.GetCurrentBrokerURI()))
	} else {
		logger.Warn("no broker reachable at startup; monitor will keep retrying")
	}
	sess.StartMonitoring()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	printStats(sess)
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			sess.StopMonitoring()
			sess.Disconnect()
			return
		case <-ticker.C:
			printStats(sess)
		}
	}
}

func printStats(sess *session.Manager) {
	fmt.Printf("current=%s queued=%d\n", sess.GetCurrentBrokerURI(), sess.GetQueuedMessageCount())
	for _, b := range sess.GetBrokerStats() {
		fmt.Printf("  %-28s available=%-5v score=%.3f latency_ms=%.1f bandwidth_bps=%.0f connections=%.0f\n",
			b.URI, b.Available, b.Score, b.LatencyMs, b.BandwidthBps, b.ConnectionCount)
	}
}
