// Telemetry Relay - Reliable Delivery Pipeline for Client Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telemetry-relay

// Package pipeline builds one owned, fully wired delivery pipeline: event
// bus, config store, report queue, transports, retry scheduler, reporter,
// environment monitor and plugin manager. There is no package-level
// instance; callers hold the *Pipeline they create.
//
//	p, err := pipeline.New(pipeline.Options{Config: cfg, Store: badgerStore})
//	if err != nil { ... }
//	if err := p.Start(ctx); err != nil { ... }
//	defer p.Shutdown(context.Background())
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tomtom215/telemetry-relay/internal/config"
	"github.com/tomtom215/telemetry-relay/internal/environment"
	"github.com/tomtom215/telemetry-relay/internal/events"
	"github.com/tomtom215/telemetry-relay/internal/logging"
	"github.com/tomtom215/telemetry-relay/internal/plugin"
	"github.com/tomtom215/telemetry-relay/internal/queue"
	"github.com/tomtom215/telemetry-relay/internal/reporter"
	"github.com/tomtom215/telemetry-relay/internal/retry"
	"github.com/tomtom215/telemetry-relay/internal/storage"
	"github.com/tomtom215/telemetry-relay/internal/transport"
)

// DefaultMemoryQuota bounds the in-memory store used when no Store is given.
const DefaultMemoryQuota = 5 * 1024 * 1024

// ErrNotStarted is returned by operations that need Start first.
var ErrNotStarted = errors.New("pipeline not started")

// Options wires a Pipeline. Only Config is required.
type Options struct {
	Config *config.Config

	// Store persists the queue snapshot. Defaults to a MemoryStore.
	Store storage.Store

	// Transports overrides the adapters built from Config.Transport.
	Transports *transport.Registry

	Hooks reporter.Hooks
}

// Stats is a point-in-time view of the whole pipeline.
type Stats struct {
	Queue    queue.Stats              `json:"queue"`
	Retry    retry.Stats              `json:"retry"`
	InFlight int                      `json:"inFlight"`
	Online   bool                     `json:"online"`
	Plugins  map[string]plugin.Status `json:"plugins"`
}

// Pipeline owns one instance of every component.
type Pipeline struct {
	bus      *events.Bus
	cfg      *config.Store
	queue    *queue.Queue
	reporter *reporter.Reporter
	plugins  *plugin.Manager
	monitor  *environment.Monitor
	beacon   *transport.BeaconAdapter
	log      zerolog.Logger

	mu       sync.Mutex
	started  bool
	shutdown bool
	unsubs   []func()
}

// New validates the config and builds the pipeline. Nothing runs until Start.
func New(opts Options) (*Pipeline, error) {
	if opts.Config == nil {
		return nil, errors.New("pipeline: nil config")
	}

	bus := events.New()
	store, err := config.NewStore(opts.Config, bus)
	if err != nil {
		return nil, err
	}
	cfg := store.Snapshot()

	persist := opts.Store
	if persist == nil {
		persist = storage.NewMemoryStore(DefaultMemoryQuota)
	}
	q := queue.New(queue.Options{
		MaxSize:     cfg.MaxCacheSize,
		BatchSize:   cfg.BatchSize,
		ExpireAfter: cfg.CacheExpireTime,
		Persist:     cfg.EnableOfflineCache,
		Key:         cfg.CacheKey,
	}, persist, bus)

	p := &Pipeline{
		bus:   bus,
		cfg:   store,
		queue: q,
		monitor: environment.NewMonitor(environment.MonitorConfig{
			ProbeURL:        cfg.Relay.ProbeURL,
			Interval:        cfg.Relay.ProbeInterval,
			InitiallyOnline: true,
		}, bus),
		log: logging.WithComponent("pipeline"),
	}

	transports := opts.Transports
	if transports == nil {
		transports = p.defaultTransports(cfg)
	}

	p.reporter = reporter.New(reporter.Options{
		Config:     store,
		Queue:      q,
		Transports: transports,
		Bus:        bus,
		Online:     p.monitor.Online,
		Hooks:      opts.Hooks,
	})
	p.plugins = plugin.NewManager(store, bus)
	return p, nil
}

func (p *Pipeline) defaultTransports(cfg config.Config) *transport.Registry {
	httpCfg := transport.DefaultHTTPConfig()
	httpCfg.Timeout = cfg.Transport.RequestTimeout
	httpCfg.RateLimit = cfg.Transport.RateLimit
	httpCfg.Breaker.FailureThreshold = cfg.Transport.BreakerFailures
	httpCfg.Breaker.Timeout = cfg.Transport.BreakerTimeout

	p.beacon = transport.NewBeaconAdapter(transport.BeaconConfig{
		Supported:   cfg.Transport.BeaconSupported,
		MaxInFlight: cfg.Transport.MaxBeaconInFlight,
		Timeout:     cfg.Transport.RequestTimeout,
	})
	return transport.NewRegistry(
		transport.NewHTTPAdapter(httpCfg),
		p.beacon,
		transport.NewPixelAdapter(cfg.Transport.PixelTimeout),
	)
}

// Start initializes the reporter and then every registered plugin. A plugin
// failure aborts startup and is returned.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	p.unsubs = append(p.unsubs, events.ConfigChanged.Subscribe(p.bus, p.applyLogLevel))
	p.mu.Unlock()

	if p.cfg.Snapshot().Debug {
		logging.SetLevelString("debug")
	}
	if err := p.reporter.Init(ctx); err != nil {
		return fmt.Errorf("init reporter: %w", err)
	}
	if err := p.plugins.InitAll(ctx); err != nil {
		return err
	}
	if err := p.plugins.StartAll(ctx); err != nil {
		return err
	}
	p.log.Info().Int("plugins", len(p.plugins.Statuses())).Int("queued", p.queue.Size()).Msg("Pipeline started")
	return nil
}

func (p *Pipeline) applyLogLevel(c events.ConfigChange) error {
	cfg := p.cfg.Snapshot()
	switch c.Key {
	case "debug":
		if cfg.Debug {
			logging.SetLevelString("debug")
		} else {
			logging.SetLevelString(cfg.Logging.Level)
		}
	case "logging.level":
		if !cfg.Debug {
			logging.SetLevelString(cfg.Logging.Level)
		}
	}
	return nil
}

// Report sends one record now. See reporter.Reporter.Report.
func (p *Pipeline) Report(ctx context.Context, data any, recordType string) (reporter.Result, error) {
	if !p.isStarted() {
		return reporter.Result{}, ErrNotStarted
	}
	return p.reporter.Report(ctx, data, recordType)
}

// ReportBatch sends items as one batch record now.
func (p *Pipeline) ReportBatch(ctx context.Context, items any) (reporter.Result, error) {
	if !p.isStarted() {
		return reporter.Result{}, ErrNotStarted
	}
	return p.reporter.ReportBatch(ctx, items)
}

// Submit hands a record to the pipeline through report:data, the same path
// plugins use: sampling, batching and retry apply.
func (p *Pipeline) Submit(recordType string, data any) {
	events.ReportData.Publish(p.bus, events.ReportDataPayload{Type: recordType, Data: data})
}

// SubmitBatch hands pre-grouped items to the pipeline through report:batch.
func (p *Pipeline) SubmitBatch(items []any) {
	events.ReportBatch.Publish(p.bus, events.ReportBatchPayload{Items: items})
}

// Flush drains the queue now.
func (p *Pipeline) Flush(ctx context.Context) error {
	return p.reporter.Flush(ctx)
}

// RetryAll attempts every pending retry now.
func (p *Pipeline) RetryAll(ctx context.Context) retry.Result {
	return p.reporter.RetryAll(ctx)
}

// Hide signals that the host is going away; the queue is persisted
// synchronously before Hide returns.
func (p *Pipeline) Hide(reason string) {
	environment.NotifyUnload(p.bus, reason)
}

// Stats returns queue, retry and plugin state.
func (p *Pipeline) Stats() Stats {
	rs := p.reporter.Stats()
	return Stats{
		Queue:    rs.Queue,
		Retry:    rs.Retry,
		InFlight: rs.InFlight,
		Online:   p.monitor.Online(),
		Plugins:  p.plugins.Statuses(),
	}
}

// Shutdown stops and destroys plugins in reverse order, then tears down the
// reporter. It never fails; problems are logged.
func (p *Pipeline) Shutdown(ctx context.Context) {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	p.shutdown = true
	unsubs := p.unsubs
	p.unsubs = nil
	p.mu.Unlock()

	p.plugins.StopAll(ctx)
	p.plugins.DestroyAll(ctx)
	p.reporter.Destroy(ctx)
	if p.beacon != nil {
		p.beacon.Close()
	}
	for _, unsub := range unsubs {
		unsub()
	}
	p.log.Info().Msg("Pipeline shut down")
}

func (p *Pipeline) isStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started && !p.shutdown
}

// Bus returns the event bus.
func (p *Pipeline) Bus() *events.Bus { return p.bus }

// Config returns the live config store.
func (p *Pipeline) Config() *config.Store { return p.cfg }

// Plugins returns the plugin manager. Register plugins before Start.
func (p *Pipeline) Plugins() *plugin.Manager { return p.plugins }

// Monitor returns the connectivity monitor.
func (p *Pipeline) Monitor() *environment.Monitor { return p.monitor }

// Queue returns the report queue.
func (p *Pipeline) Queue() *queue.Queue { return p.queue }
