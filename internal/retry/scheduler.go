// Telemetry Relay - Reliable Delivery Pipeline for Client Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telemetry-relay

// Package retry owns records whose delivery failed and re-attempts them with
// exponential backoff.
//
// Per item: pending -> sent (removed) on success, or rescheduled with
// retries+1 and nextRetry = now + Delay(retries) on failure, or dropped once
// retries reaches MaxRetries. A dropped item is logged, counted and
// published on report:dropped exactly once.
//
// The scan loop only sends while the environment reports online.
package retry

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tomtom215/telemetry-relay/internal/events"
	"github.com/tomtom215/telemetry-relay/internal/logging"
	"github.com/tomtom215/telemetry-relay/internal/metrics"
	"github.com/tomtom215/telemetry-relay/internal/models"
)

// ErrMaxRetries is the cause attached to records dropped after exhausting retries.
var ErrMaxRetries = errors.New("max retries exceeded")

// Config controls backoff and the scan loop.
type Config struct {
	MaxRetries        int
	InitialDelay      time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration

	// Interval is the scan period of the background loop.
	Interval time.Duration
}

// DefaultConfig returns 3 retries with 1s, 2s, 4s ... backoff capped at 30s,
// scanned every 5s.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		InitialDelay:      time.Second,
		BackoffMultiplier: 2,
		MaxDelay:          30 * time.Second,
		Interval:          5 * time.Second,
	}
}

// Delay returns min(InitialDelay * BackoffMultiplier^retries, MaxDelay).
func (c Config) Delay(retries int) time.Duration {
	if retries < 0 {
		retries = 0
	}
	d := float64(c.InitialDelay) * math.Pow(c.BackoffMultiplier, float64(retries))
	if math.IsInf(d, 0) || math.IsNaN(d) || d > float64(c.MaxDelay) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

// Sender performs one delivery attempt.
type Sender func(ctx context.Context, rec models.Record) error

// Item is one record awaiting re-delivery.
type Item struct {
	ID        string
	Record    models.Record
	Retries   int
	NextRetry time.Time
	LastError string

	inFlight bool
}

// Stats summarizes the pending set.
type Stats struct {
	Pending    int       `json:"pending"`
	InFlight   int       `json:"inFlight"`
	MaxRetries int       `json:"maxRetriesSeen"`
	NextRetry  time.Time `json:"nextRetry,omitempty"`
}

// Result counts the outcomes of one scan.
type Result struct {
	Succeeded   int
	Rescheduled int
	Dropped     int
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithOnline sets the online probe consulted before every scan.
func WithOnline(online func() bool) Option {
	return func(s *Scheduler) { s.online = online }
}

// WithBus publishes report:dropped on bus.
func WithBus(bus *events.Bus) Option {
	return func(s *Scheduler) { s.bus = bus }
}

// Scheduler holds failed records and re-sends them when due.
type Scheduler struct {
	send   Sender
	now    func() time.Time
	online func() bool
	bus    *events.Bus
	log    zerolog.Logger

	mu    sync.Mutex
	cfg   Config
	items []*Item

	// Loop control, guarded by loopMu
	loopMu   sync.Mutex
	cancel   context.CancelFunc
	running  bool
	stopping bool
	stopDone chan struct{}
	kick     chan struct{}
}

// New creates a Scheduler that delivers through send.
func New(cfg Config, send Sender, opts ...Option) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = 1
	}
	s := &Scheduler{
		send:   send,
		now:    time.Now,
		online: func() bool { return true },
		log:    logging.WithComponent("retry"),
		cfg:    cfg,
		kick:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetConfig replaces the backoff settings. Already scheduled items keep their
// next retry time.
func (s *Scheduler) SetConfig(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.Interval <= 0 {
		cfg.Interval = s.cfg.Interval
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = 1
	}
	s.cfg = cfg
}

// Config returns the current settings.
func (s *Scheduler) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Add takes ownership of a record whose first delivery attempt failed.
func (s *Scheduler) Add(rec models.Record, cause error) {
	s.mu.Lock()
	if s.cfg.MaxRetries <= 0 {
		s.mu.Unlock()
		s.drop(&Item{ID: uuid.NewString(), Record: rec}, cause)
		return
	}
	item := &Item{
		ID:        uuid.NewString(),
		Record:    rec,
		NextRetry: s.now().Add(s.cfg.Delay(0)),
	}
	if cause != nil {
		item.LastError = cause.Error()
	}
	s.items = append(s.items, item)
	pending := len(s.items)
	s.mu.Unlock()

	metrics.SetRetryPending(pending)
	s.log.Debug().Str("record_id", rec.ID).Time("next_retry", item.NextRetry).Msg("Scheduled record for retry")
}

// Process re-sends every due item once. Nothing is sent while offline.
func (s *Scheduler) Process(ctx context.Context) Result {
	if !s.online() {
		return Result{}
	}

	s.mu.Lock()
	now := s.now()
	var due []*Item
	for _, item := range s.items {
		if !item.inFlight && !item.NextRetry.After(now) {
			item.inFlight = true
			due = append(due, item)
		}
	}
	s.mu.Unlock()

	var res Result
	for _, item := range due {
		if ctx.Err() != nil {
			s.release(due)
			break
		}
		switch s.attempt(ctx, item) {
		case outcomeSucceeded:
			res.Succeeded++
		case outcomeRescheduled:
			res.Rescheduled++
		case outcomeDropped:
			res.Dropped++
		}
	}

	if res.Succeeded > 0 || res.Rescheduled > 0 || res.Dropped > 0 {
		s.log.Info().
			Int("succeeded", res.Succeeded).
			Int("rescheduled", res.Rescheduled).
			Int("dropped", res.Dropped).
			Int("pending", s.Size()).
			Msg("Retry scan complete")
	}
	return res
}

// RetryAll makes every item due now and runs a scan.
func (s *Scheduler) RetryAll(ctx context.Context) Result {
	s.mu.Lock()
	now := s.now()
	for _, item := range s.items {
		item.NextRetry = now
	}
	s.mu.Unlock()
	return s.Process(ctx)
}

// Drain makes one final attempt for every idle item regardless of schedule
// and then forgets them. Items already being attempted stay with that
// attempt. Failures are logged, never returned.
func (s *Scheduler) Drain(ctx context.Context) int {
	s.mu.Lock()
	var idle, busy []*Item
	for _, item := range s.items {
		if item.inFlight {
			busy = append(busy, item)
			continue
		}
		idle = append(idle, item)
	}
	s.items = busy
	s.mu.Unlock()
	metrics.SetRetryPending(len(busy))

	delivered := 0
	for _, item := range idle {
		if err := s.send(ctx, item.Record); err != nil {
			s.log.Warn().Err(err).Str("record_id", item.Record.ID).Int("retries", item.Retries).Msg("Final delivery attempt failed during teardown")
			continue
		}
		delivered++
	}
	return delivered
}

// Clear forgets every pending item without sending.
func (s *Scheduler) Clear() {
	s.mu.Lock()
	s.items = nil
	s.mu.Unlock()
	metrics.SetRetryPending(0)
}

// Size returns the number of pending items.
func (s *Scheduler) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Pending returns copies of the pending items.
func (s *Scheduler) Pending() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Item, len(s.items))
	for i, item := range s.items {
		out[i] = *item
	}
	return out
}

// Stats summarizes the pending set.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Pending: len(s.items)}
	for _, item := range s.items {
		if item.inFlight {
			st.InFlight++
		}
		if item.Retries > st.MaxRetries {
			st.MaxRetries = item.Retries
		}
		if st.NextRetry.IsZero() || item.NextRetry.Before(st.NextRetry) {
			st.NextRetry = item.NextRetry
		}
	}
	return st
}

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeRescheduled
	outcomeDropped
)

func (s *Scheduler) attempt(ctx context.Context, item *Item) outcome {
	metrics.RecordRetryAttempt()
	err := s.send(ctx, item.Record)

	s.mu.Lock()
	if err == nil {
		s.removeLocked(item)
		pending := len(s.items)
		s.mu.Unlock()
		metrics.SetRetryPending(pending)
		return outcomeSucceeded
	}

	item.inFlight = false
	item.Retries++
	item.LastError = err.Error()
	if !s.trackedLocked(item) {
		// Cleared while in flight: nothing will pick it up again.
		s.mu.Unlock()
		s.drop(item, err)
		return outcomeDropped
	}
	if item.Retries >= s.cfg.MaxRetries {
		s.removeLocked(item)
		pending := len(s.items)
		s.mu.Unlock()
		metrics.SetRetryPending(pending)
		s.drop(item, err)
		return outcomeDropped
	}
	item.NextRetry = s.now().Add(s.cfg.Delay(item.Retries))
	s.mu.Unlock()

	s.log.Debug().Err(err).
		Str("record_id", item.Record.ID).
		Int("retries", item.Retries).
		Time("next_retry", item.NextRetry).
		Msg("Retry failed, rescheduled")
	return outcomeRescheduled
}

// release clears the in-flight mark of items a cancelled scan never reached.
func (s *Scheduler) release(items []*Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range items {
		item.inFlight = false
	}
}

func (s *Scheduler) trackedLocked(target *Item) bool {
	for _, item := range s.items {
		if item == target {
			return true
		}
	}
	return false
}

func (s *Scheduler) removeLocked(target *Item) {
	for i, item := range s.items {
		if item == target {
			s.items = append(s.items[:i], s.items[i+1:]...)
			return
		}
	}
}

// drop reports an item as permanently failed. Callers must have removed it.
func (s *Scheduler) drop(item *Item, cause error) {
	if cause == nil {
		cause = ErrMaxRetries
	}
	metrics.RecordRetryDropped()
	s.log.Warn().
		Err(cause).
		Str("record_id", item.Record.ID).
		Str("type", item.Record.Type).
		Int("retries", item.Retries).
		Msg("Record dropped after exhausting retries")
	if s.bus != nil {
		events.ReportDropped.Publish(s.bus, events.DroppedPayload{
			Record:  item.Record,
			Retries: item.Retries,
			Err:     errors.Join(ErrMaxRetries, cause),
		})
	}
}
