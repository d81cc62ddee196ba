// Telemetry Relay - Reliable Delivery Pipeline for Client Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telemetry-relay

// Package main is the entry point for the telemetry relay daemon.
//
// Instrumented applications POST records to the relay, which owns the report
// queue, offline persistence, transport selection and retry towards the
// collector at reportUrl.
//
// # Startup order
//
//  1. Configuration: defaults, optional relay.yaml, RELAY_* environment (koanf)
//  2. Queue store: BadgerDB at relay.storePath, in-memory when unset
//  3. Pipeline: config store, queue, transports, retry, reporter, plugins
//  4. Supervisor tree: network monitor, store GC, event bridge, HTTP API
//  5. Pipeline start: reporter init, plugin init and start
//
// # Signal handling
//
// SIGINT and SIGTERM persist the queue snapshot first, then stop the HTTP
// API, then shut the pipeline down. An online shutdown drains the queue to
// the collector; an offline one leaves it on disk for the next run.
//
// # Example
//
//	export RELAY_REPORT_URL=https://collector.example.com/v1/ingest
//	export RELAY_RELAY_STORE_PATH=/var/lib/telemetry-relay
//	./relay
//
//	curl -X POST localhost:4318/v1/report -d '{"type":"error","data":{"msg":"boom"}}'
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tomtom215/telemetry-relay/internal/api"
	"github.com/tomtom215/telemetry-relay/internal/bridge"
	"github.com/tomtom215/telemetry-relay/internal/config"
	"github.com/tomtom215/telemetry-relay/internal/logging"
	"github.com/tomtom215/telemetry-relay/internal/pipeline"
	"github.com/tomtom215/telemetry-relay/internal/plugins/runtimestats"
	"github.com/tomtom215/telemetry-relay/internal/plugins/session"
	"github.com/tomtom215/telemetry-relay/internal/storage"
	"github.com/tomtom215/telemetry-relay/internal/supervisor"
	"github.com/tomtom215/telemetry-relay/internal/supervisor/services"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: true,
	})

	if err := run(cfg); err != nil {
		logging.Fatal().Err(err).Msg("Relay stopped with error")
	}
}

//nolint:gocyclo // sequential wiring of every component
func run(cfg *config.Config) error {
	logging.Info().
		Str("report_url", cfg.ReportURL).
		Str("listen_addr", cfg.Relay.ListenAddr).
		Str("store_path", cfg.Relay.StorePath).
		Bool("bridge", cfg.Bridge.Enabled).
		Msg("Starting telemetry relay")

	var (
		store  storage.Store
		badger *storage.BadgerStore
	)
	if cfg.Relay.StorePath != "" {
		var err error
		badger, err = storage.OpenBadger(storage.DefaultBadgerConfig(cfg.Relay.StorePath))
		if err != nil {
			return fmt.Errorf("open queue store: %w", err)
		}
		defer func() {
			if err := badger.Close(); err != nil {
				logging.Error().Err(err).Msg("Error closing queue store")
			}
		}()
		store = badger
	}

	p, err := pipeline.New(pipeline.Options{Config: cfg, Store: store})
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	if err != nil {
		return fmt.Errorf("build supervisor tree: %w", err)
	}
	p.Plugins().SetServiceHost(tree.PluginHost())

	if err := p.Plugins().RegisterAll(
		session.New(p.Config()),
		runtimestats.New(session.Name),
	); err != nil {
		return fmt.Errorf("register plugins: %w", err)
	}

	tree.AddPipelineService(p.Monitor())
	if badger != nil {
		tree.AddPipelineService(services.NewStoreGCService(badger, 10*time.Minute))
	}

	if cfg.Bridge.Enabled {
		wmLogger := bridge.NewZerologAdapter(logging.WithComponent("nats"))
		pub, err := bridge.NewNATSPublisher(bridge.DefaultNATSConfig(cfg.Bridge.NATSURL), wmLogger)
		if err != nil {
			return fmt.Errorf("connect event bridge: %w", err)
		}
		tree.AddMessagingService(services.NewBridgeService(bridge.New(pub, cfg.Bridge.Topic, p.Bus())))
	}

	mwCfg := api.DefaultMiddlewareConfig()
	mwCfg.CORSAllowedOrigins = cfg.Relay.CORSOrigins
	mwCfg.RateLimitRequests = cfg.Relay.RateLimit
	router := api.NewRouter(api.NewHandler(p, p.Config(), cfg.Relay.MaxBodyBytes), api.NewMiddleware(mwCfg))
	newServer := func() services.Server {
		return &http.Server{
			Addr:              cfg.Relay.ListenAddr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       2 * time.Minute,
		}
	}
	tree.AddAPIService(services.NewAPIService(newServer, p, 10*time.Second))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := p.Start(ctx); err != nil {
		p.Shutdown(context.Background())
		return fmt.Errorf("start pipeline: %w", err)
	}

	treeCtx, cancelTree := context.WithCancel(context.Background())
	defer cancelTree()
	treeErr := tree.ServeBackground(treeCtx)
	logging.Info().Str("addr", cfg.Relay.ListenAddr).Msg("Relay ready")

	var serveErr error
	select {
	case <-ctx.Done():
		logging.Info().Msg("Shutdown signal received")
	case serveErr = <-treeErr:
		logging.Error().Err(serveErr).Msg("Supervisor tree stopped unexpectedly")
	}

	// Persist first so a hard kill during the drain below loses nothing.
	p.Hide("signal")

	cancelTree()
	if serveErr == nil {
		if err := <-treeErr; err != nil && !errors.Is(err, context.Canceled) {
			logging.Warn().Err(err).Msg("Supervisor tree shutdown error")
		}
	}
	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		logging.Warn().Int("count", len(report)).Msg("Services did not stop within the shutdown timeout")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	p.Shutdown(shutdownCtx)

	logging.Info().Msg("Relay stopped")
	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return serveErr
	}
	return nil
}
