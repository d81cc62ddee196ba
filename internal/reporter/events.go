// Telemetry Relay - Reliable Delivery Pipeline for Client Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telemetry-relay

package reporter

import (
	"context"
	"strings"
	"time"

	"github.com/tomtom215/telemetry-relay/internal/events"
	"github.com/tomtom215/telemetry-relay/internal/metrics"
	"github.com/tomtom215/telemetry-relay/internal/models"
)

// sampled reports whether a record survives sampling. Sampling happens once,
// at entry; queued and retried records are never re-sampled.
func (r *Reporter) sampled(rate float64) bool {
	if rate >= 1 {
		return true
	}
	if rate <= 0 || r.rand() >= rate {
		metrics.RecordSampledOut()
		return false
	}
	return true
}

func (r *Reporter) handleData(p events.ReportDataPayload) error {
	if r.isDestroyed() {
		return ErrDestroyed
	}
	cfg := r.cfg.Snapshot()
	if !r.sampled(cfg.SampleRate) {
		return nil
	}
	if cfg.EnableBatch || !r.online() {
		if r.queue.Add(p.Data, p.Type) {
			r.flushAsync()
		}
		return nil
	}
	r.goSend(func(ctx context.Context) {
		_, _ = r.Report(ctx, p.Data, p.Type)
	})
	return nil
}

func (r *Reporter) handleBatch(p events.ReportBatchPayload) error {
	if r.isDestroyed() {
		return ErrDestroyed
	}
	if !r.sampled(r.cfg.Snapshot().SampleRate) {
		return nil
	}
	if !r.online() {
		r.hold(p.Items)
		return nil
	}
	r.goSend(func(ctx context.Context) {
		_, _ = r.ReportBatch(ctx, p.Items)
	})
	return nil
}

func (r *Reporter) handleConfigChange(c events.ConfigChange) error {
	cfg := r.cfg.Snapshot()
	switch {
	case c.Key == "batchSize" || c.Key == "maxCacheSize":
		r.queue.Resize(cfg.MaxCacheSize, cfg.BatchSize)
	case c.Key == "batchInterval":
		r.mu.Lock()
		if r.batch != nil {
			r.batch.Reset(cfg.BatchInterval)
		}
		r.mu.Unlock()
	case c.Key == "enableBatch":
		r.setBatching(cfg.EnableBatch, cfg.BatchInterval)
	case c.Key == "enableRetry":
		if cfg.EnableRetry {
			r.mu.Lock()
			ctx := r.ctx
			r.mu.Unlock()
			if ctx != nil {
				return r.retry.Start(ctx)
			}
		} else {
			r.retry.Stop()
		}
	case c.Key == "retryInterval" || strings.HasPrefix(c.Key, "retryStrategy"):
		r.retry.SetConfig(retryConfig(cfg))
	}
	return nil
}

// setBatching starts or stops the batch timer. Disabling batching flushes
// what is already queued.
func (r *Reporter) setBatching(enabled bool, interval time.Duration) {
	r.mu.Lock()
	switch {
	case enabled && r.batch == nil && r.ctx != nil:
		r.batch = startBatchLoop(r.ctx, interval, r.flushAsync)
		r.mu.Unlock()
	case !enabled && r.batch != nil:
		loop := r.batch
		r.batch = nil
		r.mu.Unlock()
		loop.Stop()
		r.flushAsync()
	default:
		r.mu.Unlock()
	}
}

func (r *Reporter) handleOnline(events.NetworkStatus) error {
	r.retry.Kick()
	if !r.queue.IsEmpty() {
		r.flushAsync()
	}
	return nil
}

func (r *Reporter) handleOffline(events.NetworkStatus) error {
	r.queue.Persist()
	return nil
}

func (r *Reporter) handleUnload(events.Unload) error {
	r.queue.Persist()
	return nil
}

// hold queues batch items while offline. They go out with the next flush.
func (r *Reporter) hold(items []any) {
	if len(items) == 0 {
		return
	}
	ts := r.now().UnixMilli()
	queued := make([]models.QueueItem, len(items))
	for i, item := range items {
		queued[i] = models.QueueItem{Data: item, Timestamp: ts}
	}
	r.queue.AddBatch(queued)
}

// flushAsync drains the queue now and sends the batch in the background.
// While offline the queue is left untouched; handleOnline flushes it.
func (r *Reporter) flushAsync() {
	if !r.online() {
		return
	}
	items := r.queue.Flush()
	if len(items) == 0 {
		return
	}
	r.goSend(func(ctx context.Context) {
		_, _ = r.ReportBatch(ctx, items)
	})
}

func (r *Reporter) goSend(fn func(ctx context.Context)) {
	r.mu.Lock()
	ctx := r.ctx
	r.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	r.inFlight.Add(1)
	go func() {
		defer r.inFlight.Done()
		fn(ctx)
	}()
}

// Destroy stops timers and unsubscribes. When online the queue is flushed
// and pending retries are drained; when offline pending retries are moved
// back into the queue and the queue is persisted. Errors are logged only.
func (r *Reporter) Destroy(ctx context.Context) {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return
	}
	unsubs := r.unsubs
	r.unsubs = nil
	loop := r.batch
	r.batch = nil
	r.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	if loop != nil {
		loop.Stop()
	}
	r.retry.Stop()
	r.waitInFlight(ctx)

	if r.online() {
		if err := r.Flush(ctx); err != nil {
			r.log.Warn().Err(err).Msg("Final flush failed")
		}
		if pending := r.retry.Size(); pending > 0 {
			delivered := r.retry.Drain(ctx)
			r.log.Info().Int("pending", pending).Int("delivered", delivered).Msg("Drained retries")
		}
	} else {
		r.requeue()
	}

	r.queue.Persist()
	r.retry.Clear()

	r.mu.Lock()
	r.destroyed = true
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()

	r.log.Info().Int("queued", r.queue.Size()).Msg("Reporter destroyed")
}

// requeue moves pending retries into the queue so they survive a restart.
// Batch records are expanded back into their items.
func (r *Reporter) requeue() {
	var items []models.QueueItem
	for _, p := range r.retry.Pending() {
		rec := p.Record
		if batch, ok := rec.Data.([]models.QueueItem); ok && rec.Type == models.TypeBatch {
			items = append(items, batch...)
			continue
		}
		items = append(items, models.QueueItem{Data: rec.Data, Type: rec.Type, Timestamp: rec.Timestamp})
	}
	if len(items) == 0 {
		return
	}
	r.retry.Clear()
	r.queue.AddBatch(items)
	r.log.Info().Int("records", len(items)).Msg("Moved pending retries into the queue")
}

func (r *Reporter) waitInFlight(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		r.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.log.Warn().Msg("Shutdown deadline reached with sends still in flight")
	}
}
