// Telemetry Relay - Reliable Delivery Pipeline for Client Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telemetry-relay

// Package queue implements the bounded report queue. Records wait here until
// the reporter drains them into a batch.
//
// The queue never holds more than MaxSize items: adding beyond capacity
// evicts the oldest items, and every eviction is logged, counted and emitted
// as queue:evicted. When persistence is enabled each mutation writes a full
// snapshot to the store before returning, so the stored copy is always
// consistent with memory.
package queue

import (
	"errors"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tomtom215/telemetry-relay/internal/events"
	"github.com/tomtom215/telemetry-relay/internal/logging"
	"github.com/tomtom215/telemetry-relay/internal/metrics"
	"github.com/tomtom215/telemetry-relay/internal/models"
	"github.com/tomtom215/telemetry-relay/internal/storage"
)

// SnapshotVersion is the format version written to the store. Snapshots with
// any other version are discarded on load.
const SnapshotVersion = 1

// Options configures a Queue.
type Options struct {
	MaxSize     int
	BatchSize   int
	ExpireAfter time.Duration

	// Persist enables snapshots under Key. Requires a non-nil store.
	Persist bool
	Key     string

	// Now is the clock used for timestamps and expiry. Defaults to time.Now.
	Now func() time.Time
}

// Stats summarizes the queue contents.
type Stats struct {
	Size   int            `json:"size"`
	ByType map[string]int `json:"byType"`
	Oldest int64          `json:"oldest,omitempty"`
	Newest int64          `json:"newest,omitempty"`
}

type snapshot struct {
	Items   []models.QueueItem `json:"items"`
	Version int                `json:"version"`
}

// Queue is a bounded FIFO of QueueItems, safe for concurrent use.
type Queue struct {
	mu    sync.Mutex
	items []models.QueueItem
	opts  Options

	store storage.Store
	bus   *events.Bus
	log   zerolog.Logger
}

// New creates a queue and, when persistence is enabled, restores the items a
// previous session left behind.
func New(opts Options, store storage.Store, bus *events.Bus) *Queue {
	if opts.MaxSize <= 0 {
		opts.MaxSize = 100
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if store == nil {
		opts.Persist = false
	}

	q := &Queue{
		opts:  opts,
		store: store,
		bus:   bus,
		log:   logging.WithComponent("queue"),
	}
	if opts.Persist {
		q.load()
	}
	metrics.SetQueueSize(len(q.items))
	return q
}

// Add appends one record and reports whether the queue has reached the
// batch size and should be flushed.
func (q *Queue) Add(data any, recordType string) bool {
	return q.AddBatch([]models.QueueItem{{Data: data, Type: recordType}})
}

// AddBatch appends items in order. Items with a zero timestamp are stamped
// with the current time.
func (q *Queue) AddBatch(items []models.QueueItem) bool {
	if len(items) == 0 {
		return q.Size() >= q.opts.BatchSize
	}

	q.mu.Lock()
	now := q.opts.Now().UnixMilli()
	for _, item := range items {
		if item.Timestamp == 0 {
			item.Timestamp = now
		}
		q.items = append(q.items, item)
		metrics.RecordEnqueued(item.Type)
	}
	evicted := q.evictLocked()
	evicted += q.persistLocked()
	size := len(q.items)
	full := size >= q.opts.BatchSize
	q.mu.Unlock()

	q.afterMutation(evicted, size)
	return full
}

// Take removes and returns up to n items from the head of the queue.
func (q *Queue) Take(n int) []models.QueueItem {
	if n <= 0 {
		return nil
	}
	q.mu.Lock()
	if n > len(q.items) {
		n = len(q.items)
	}
	out := make([]models.QueueItem, n)
	copy(out, q.items[:n])
	q.items = append([]models.QueueItem(nil), q.items[n:]...)
	evicted := q.persistLocked()
	size := len(q.items)
	q.mu.Unlock()

	q.afterMutation(evicted, size)
	return out
}

// Flush drains the queue and returns everything it held.
func (q *Queue) Flush() []models.QueueItem {
	q.mu.Lock()
	out := q.items
	q.items = nil
	q.persistLocked()
	q.mu.Unlock()

	q.afterMutation(0, 0)
	return out
}

// Peek returns a copy of the queued items without removing them.
func (q *Queue) Peek() []models.QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]models.QueueItem(nil), q.items...)
}

// Clear drops every queued item.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.items = nil
	q.persistLocked()
	q.mu.Unlock()

	q.afterMutation(0, 0)
}

// Size returns the number of queued items.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// IsEmpty reports whether the queue holds no items.
func (q *Queue) IsEmpty() bool {
	return q.Size() == 0
}

// Stats returns counts by type and the oldest/newest timestamps.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := Stats{Size: len(q.items), ByType: make(map[string]int)}
	for i, item := range q.items {
		st.ByType[typeKey(item.Type)]++
		if i == 0 || item.Timestamp < st.Oldest {
			st.Oldest = item.Timestamp
		}
		if item.Timestamp > st.Newest {
			st.Newest = item.Timestamp
		}
	}
	return st
}

// Persist forces a snapshot write. It is used when the host is about to go
// away and no further mutation will trigger one.
func (q *Queue) Persist() {
	q.mu.Lock()
	if !q.opts.Persist {
		q.mu.Unlock()
		return
	}
	evicted := q.persistLocked()
	size := len(q.items)
	q.mu.Unlock()

	q.afterMutation(evicted, size)
}

// Resize changes the capacity and flush threshold. Shrinking evicts the
// oldest items immediately.
func (q *Queue) Resize(maxSize, batchSize int) {
	q.mu.Lock()
	if maxSize > 0 {
		q.opts.MaxSize = maxSize
	}
	if batchSize > 0 {
		q.opts.BatchSize = batchSize
	}
	evicted := q.evictLocked()
	if evicted > 0 {
		evicted += q.persistLocked()
	}
	size := len(q.items)
	q.mu.Unlock()

	q.afterMutation(evicted, size)
}

// BatchSize returns the current flush threshold.
func (q *Queue) BatchSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.opts.BatchSize
}

// evictLocked drops the oldest items beyond MaxSize and returns how many.
func (q *Queue) evictLocked() int {
	over := len(q.items) - q.opts.MaxSize
	if over <= 0 {
		return 0
	}
	q.items = append([]models.QueueItem(nil), q.items[over:]...)
	return over
}

// persistLocked writes the snapshot. On failure it halves the queue, keeping
// the newest items, and tries once more. It returns the number of items
// dropped by halving.
func (q *Queue) persistLocked() int {
	if !q.opts.Persist {
		return 0
	}
	err := q.writeLocked()
	if err == nil {
		return 0
	}
	metrics.RecordPersistenceFailure("write")

	dropped := len(q.items) / 2
	if len(q.items) == 1 {
		dropped = 1
	}
	q.items = append([]models.QueueItem(nil), q.items[dropped:]...)
	q.log.Warn().Err(err).
		Int("dropped", dropped).
		Int("remaining", len(q.items)).
		Msg("Queue snapshot write failed, halved queue and retrying")

	if err := q.writeLocked(); err != nil {
		metrics.RecordPersistenceFailure("write")
		q.log.Error().Err(err).
			Int("queue_size", len(q.items)).
			Bool("quota", errors.Is(err, storage.ErrQuotaExceeded)).
			Msg("Queue snapshot write failed after halving")
	}
	return dropped
}

func (q *Queue) writeLocked() error {
	if len(q.items) == 0 {
		return q.store.Delete(q.opts.Key)
	}
	data, err := json.Marshal(snapshot{Items: q.items, Version: SnapshotVersion})
	if err != nil {
		return &storage.PersistenceError{Op: "write", Key: q.opts.Key, Err: err}
	}
	return q.store.Set(q.opts.Key, data)
}

// load restores the stored snapshot, discarding expired items and keeping
// the newest MaxSize. Unreadable or mismatched snapshots are discarded.
func (q *Queue) load() {
	data, err := q.store.Get(q.opts.Key)
	if errors.Is(err, storage.ErrNotFound) {
		return
	}
	if err != nil {
		metrics.RecordPersistenceFailure("read")
		q.log.Warn().Err(err).Msg("Failed to read queue snapshot, starting empty")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		metrics.RecordPersistenceFailure("read")
		q.log.Warn().Err(err).Msg("Discarding corrupt queue snapshot")
		q.discardSnapshot()
		return
	}
	if snap.Version != SnapshotVersion {
		q.log.Warn().Int("version", snap.Version).Int("want", SnapshotVersion).Msg("Discarding queue snapshot with unknown version")
		q.discardSnapshot()
		return
	}

	now := q.opts.Now()
	kept := make([]models.QueueItem, 0, len(snap.Items))
	for _, item := range snap.Items {
		if q.opts.ExpireAfter > 0 && item.Age(now) >= q.opts.ExpireAfter {
			continue
		}
		kept = append(kept, item)
	}
	expired := len(snap.Items) - len(kept)
	if expired > 0 {
		metrics.RecordExpired(expired)
	}

	q.items = kept
	truncated := q.evictLocked()
	if truncated > 0 {
		metrics.RecordEvicted(truncated)
	}

	q.log.Info().
		Int("restored", len(q.items)).
		Int("expired", expired).
		Int("truncated", truncated).
		Msg("Restored queue snapshot")

	if expired > 0 || truncated > 0 {
		q.persistLocked()
	}
}

func (q *Queue) discardSnapshot() {
	if err := q.store.Delete(q.opts.Key); err != nil {
		q.log.Warn().Err(err).Msg("Failed to delete queue snapshot")
	}
}

// afterMutation publishes metrics and the eviction event outside the lock.
func (q *Queue) afterMutation(evicted, size int) {
	metrics.SetQueueSize(size)
	if evicted <= 0 {
		return
	}
	metrics.RecordEvicted(evicted)
	q.log.Warn().Int("evicted", evicted).Int("queue_size", size).Msg("Queue at capacity, evicted oldest records")
	if q.bus != nil {
		events.QueueEvicted.Publish(q.bus, events.EvictedPayload{Count: evicted, Size: size})
	}
}

func typeKey(t string) string {
	if t == "" {
		return "untyped"
	}
	return t
}
