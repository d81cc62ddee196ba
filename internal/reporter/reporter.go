// Telemetry Relay - Reliable Delivery Pipeline for Client Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telemetry-relay

// Package reporter orchestrates delivery: it receives records from the event
// bus, batches them through the report queue, sends them over the selected
// transport and hands failures to the retry scheduler.
//
// Every send attempt runs the hooks (BeforeSend, OnSuccess or OnError, then
// Finally) and publishes report:success or report:error. Failures during
// Destroy are logged only.
package reporter

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/telemetry-relay/internal/config"
	"github.com/tomtom215/telemetry-relay/internal/events"
	"github.com/tomtom215/telemetry-relay/internal/logging"
	"github.com/tomtom215/telemetry-relay/internal/metrics"
	"github.com/tomtom215/telemetry-relay/internal/models"
	"github.com/tomtom215/telemetry-relay/internal/queue"
	"github.com/tomtom215/telemetry-relay/internal/retry"
	"github.com/tomtom215/telemetry-relay/internal/transport"
)

var (
	// ErrDestroyed is returned by Report after Destroy.
	ErrDestroyed = errors.New("reporter destroyed")

	// ErrNoTransport is returned when no adapter can carry the record.
	ErrNoTransport = errors.New("no usable transport")

	// ErrEncode wraps records that cannot be serialized. They are never retried.
	ErrEncode = errors.New("encode record")
)

// ConfigSource supplies the live configuration.
type ConfigSource interface {
	Snapshot() config.Config
}

// Result describes a delivered record.
type Result struct {
	Record    models.Record
	Transport transport.Kind
	Skipped   bool
}

// Stats is a point-in-time view of the reporter's buffers.
type Stats struct {
	Queue    queue.Stats `json:"queue"`
	Retry    retry.Stats `json:"retry"`
	InFlight int         `json:"inFlight"`
}

// Options wires a Reporter.
type Options struct {
	Config     ConfigSource
	Queue      *queue.Queue
	Transports *transport.Registry
	Bus        *events.Bus

	// Online reports connectivity. Defaults to always online.
	Online func() bool

	Hooks Hooks

	// Rand returns a value in [0,1) for sampling. Defaults to math/rand/v2.
	Rand func() float64
	Now  func() time.Time
}

// Reporter is the delivery orchestrator.
type Reporter struct {
	cfg        ConfigSource
	queue      *queue.Queue
	retry      *retry.Scheduler
	transports *transport.Registry
	bus        *events.Bus
	online     func() bool
	hooks      Hooks
	rand       func() float64
	now        func() time.Time
	log        zerolog.Logger

	mu          sync.Mutex
	initialized bool
	destroyed   bool
	unsubs      []func()
	ctx         context.Context
	cancel      context.CancelFunc
	batch       *batchLoop

	inFlight sync.WaitGroup
	pending  sync.Mutex
	sending  int
}

// New creates a Reporter. Its retry scheduler is built from the current
// retry settings and delivers through the reporter itself.
func New(opts Options) *Reporter {
	if opts.Online == nil {
		opts.Online = func() bool { return true }
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	r := &Reporter{
		cfg:        opts.Config,
		queue:      opts.Queue,
		transports: opts.Transports,
		bus:        opts.Bus,
		online:     opts.Online,
		hooks:      opts.Hooks,
		rand:       opts.Rand,
		now:        opts.Now,
		log:        logging.WithComponent("reporter"),
	}
	r.retry = retry.New(retryConfig(opts.Config.Snapshot()), r.redeliver,
		retry.WithOnline(opts.Online),
		retry.WithBus(opts.Bus),
		retry.WithClock(opts.Now),
	)
	return r
}

func retryConfig(cfg config.Config) retry.Config {
	return retry.Config{
		MaxRetries:        cfg.RetryStrategy.MaxRetries,
		InitialDelay:      cfg.RetryStrategy.InitialDelay,
		BackoffMultiplier: cfg.RetryStrategy.BackoffMultiplier,
		MaxDelay:          cfg.RetryStrategy.MaxDelay,
		Interval:          cfg.RetryInterval,
	}
}

// Retry exposes the retry scheduler.
func (r *Reporter) Retry() *retry.Scheduler {
	return r.retry
}

// Init subscribes to the bus, starts the batch and retry timers and, when
// offline caching is enabled, flushes records left by a previous session.
func (r *Reporter) Init(ctx context.Context) error {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return ErrDestroyed
	}
	if r.initialized {
		r.mu.Unlock()
		return nil
	}
	r.initialized = true
	r.ctx, r.cancel = context.WithCancel(context.WithoutCancel(ctx))
	cfg := r.cfg.Snapshot()

	r.unsubs = []func(){
		events.ReportData.Subscribe(r.bus, r.handleData),
		events.ReportBatch.Subscribe(r.bus, r.handleBatch),
		events.ConfigChanged.Subscribe(r.bus, r.handleConfigChange),
		events.NetworkOnline.Subscribe(r.bus, r.handleOnline),
		events.NetworkOff.Subscribe(r.bus, r.handleOffline),
		events.LifecycleHide.Subscribe(r.bus, r.handleUnload),
	}
	if cfg.EnableBatch {
		r.batch = startBatchLoop(r.ctx, cfg.BatchInterval, r.flushAsync)
	}
	r.mu.Unlock()

	if cfg.EnableRetry {
		if err := r.retry.Start(r.ctx); err != nil {
			return fmt.Errorf("start retry loop: %w", err)
		}
	}

	if cfg.EnableOfflineCache && !r.queue.IsEmpty() && r.online() {
		r.log.Info().Int("records", r.queue.Size()).Msg("Flushing records from previous session")
		r.flushAsync()
	}

	r.log.Info().
		Bool("batch", cfg.EnableBatch).
		Int("batch_size", cfg.BatchSize).
		Dur("batch_interval", cfg.BatchInterval).
		Bool("retry", cfg.EnableRetry).
		Msg("Reporter initialized")
	return nil
}

// Report wraps data into a record and sends it now. On failure the record is
// handed to the retry scheduler (when retry is enabled and online) and the
// error is still returned.
func (r *Reporter) Report(ctx context.Context, data any, recordType string) (Result, error) {
	if r.isDestroyed() {
		return Result{}, ErrDestroyed
	}
	cfg := r.cfg.Snapshot()
	rec := models.NewRecord(data, recordType, identity(cfg), r.now())
	return r.send(ctx, rec, cfg, true)
}

// ReportBatch sends items as one record of type "batch".
func (r *Reporter) ReportBatch(ctx context.Context, items any) (Result, error) {
	return r.Report(ctx, items, models.TypeBatch)
}

// Flush drains the queue and sends its contents as one batch.
func (r *Reporter) Flush(ctx context.Context) error {
	items := r.queue.Flush()
	if len(items) == 0 {
		return nil
	}
	_, err := r.ReportBatch(ctx, items)
	return err
}

// Stats returns queue and retry statistics.
func (r *Reporter) Stats() Stats {
	r.pending.Lock()
	inFlight := r.sending
	r.pending.Unlock()
	return Stats{
		Queue:    r.queue.Stats(),
		Retry:    r.retry.Stats(),
		InFlight: inFlight,
	}
}

// RetryAll forces every pending retry to be attempted now.
func (r *Reporter) RetryAll(ctx context.Context) retry.Result {
	return r.retry.RetryAll(ctx)
}

func identity(cfg config.Config) models.Identity {
	return models.Identity{AppID: cfg.AppID, UserID: cfg.UserID, SessionID: cfg.SessionID}
}

func (r *Reporter) isDestroyed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.destroyed
}

// send runs one attempt with hooks and events.
func (r *Reporter) send(ctx context.Context, rec models.Record, cfg config.Config, allowRetry bool) (res Result, err error) {
	res.Record = rec
	defer func() { r.finally(res.Record) }()

	rec, err = r.beforeSend(rec)
	if errors.Is(err, ErrSkipped) {
		res.Skipped = true
		return res, nil
	}
	if err != nil {
		r.fail(rec, "", err)
		return res, err
	}

	rec, kind, err := r.deliver(ctx, rec, cfg)
	res.Record = rec
	res.Transport = kind
	if err != nil {
		r.fail(rec, kind, err)
		if allowRetry && cfg.EnableRetry && r.online() && !errors.Is(err, ErrEncode) {
			r.retry.Add(rec, err)
		}
		return res, err
	}

	r.onSuccess(res)
	events.ReportSuccess.Publish(r.bus, events.ReportOutcome{Record: rec, Transport: string(kind)})
	return res, nil
}

func (r *Reporter) fail(rec models.Record, kind transport.Kind, err error) {
	r.log.Debug().Err(err).Str("record_id", rec.ID).Str("transport", string(kind)).Msg("Delivery attempt failed")
	r.onError(rec, err)
	events.ReportError.Publish(r.bus, events.ReportOutcome{Record: rec, Transport: string(kind), Err: err})
}

// redeliver is the retry scheduler's sender. It never re-enters the scheduler.
func (r *Reporter) redeliver(ctx context.Context, rec models.Record) error {
	_, err := r.send(ctx, rec, r.cfg.Snapshot(), false)
	return err
}

// deliver selects a transport, falls back to the request mechanism when the
// selected one is unavailable or cannot carry the body, and performs the attempt.
func (r *Reporter) deliver(ctx context.Context, rec models.Record, cfg config.Config) (models.Record, transport.Kind, error) {
	env := transport.Env{ForceXHR: cfg.ForceXHR}
	if beacon, ok := r.transports.Get(transport.KindBeacon); ok {
		env.BeaconSupported = cfg.Transport.BeaconSupported && beacon.Supported()
	}
	kind, err := selectKind(rec, env)
	if err != nil {
		return rec, "", err
	}

	adapter, ok := r.transports.Get(kind)
	if !ok || !adapter.Supported() {
		if adapter, ok = r.transports.Get(transport.KindXHR); !ok {
			return rec, kind, ErrNoTransport
		}
		r.log.Debug().Str("selected", string(kind)).Msg("Transport unavailable, falling back to xhr")
		kind = transport.KindXHR
	}

	rec, err = r.attempt(ctx, adapter, kind, rec, cfg)
	if err != nil && kind != transport.KindXHR && fallsBack(err) {
		if fallback, ok := r.transports.Get(transport.KindXHR); ok {
			kind = transport.KindXHR
			rec, err = r.attempt(ctx, fallback, kind, rec, cfg)
		}
	}
	return rec, kind, err
}

// selectKind measures the body exactly as it would be sent. The envelope
// carries the mechanism name, so a candidate whose own body crosses its
// threshold is replaced by xhr.
func selectKind(rec models.Record, env transport.Env) (transport.Kind, error) {
	probe, err := rec.Encode(string(transport.KindXHR))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncode, err)
	}
	kind := transport.Select(probe, env)
	if kind == transport.KindXHR {
		return kind, nil
	}
	body, err := rec.Encode(string(kind))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncode, err)
	}
	if transport.Select(body, env) != kind {
		return transport.KindXHR, nil
	}
	return kind, nil
}

func fallsBack(err error) bool {
	return errors.Is(err, transport.ErrUnsupported) ||
		errors.Is(err, transport.ErrBusy) ||
		errors.Is(err, transport.ErrPayloadTooLarge)
}

func (r *Reporter) attempt(ctx context.Context, adapter transport.Adapter, kind transport.Kind, rec models.Record, cfg config.Config) (models.Record, error) {
	rec = rec.WithTransport(string(kind))
	body, err := rec.Encode(string(kind))
	if err != nil {
		return rec, fmt.Errorf("%w: %v", ErrEncode, err)
	}

	r.pending.Lock()
	r.sending++
	r.pending.Unlock()
	start := time.Now()
	err = adapter.Send(ctx, cfg.ReportURL, body)
	metrics.RecordSend(string(kind), time.Since(start).Seconds(), err)
	r.pending.Lock()
	r.sending--
	r.pending.Unlock()

	return rec, err
}
