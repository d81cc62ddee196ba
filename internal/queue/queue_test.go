// Telemetry Relay - Reliable Delivery Pipeline for Client Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telemetry-relay

package queue

import (
	"errors"
	"testing"
	"time"

	"github.com/tomtom215/telemetry-relay/internal/events"
	"github.com/tomtom215/telemetry-relay/internal/models"
	"github.com/tomtom215/telemetry-relay/internal/storage"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

// flakyStore fails the next n writes.
type flakyStore struct {
	storage.Store
	failures int
}

func (f *flakyStore) Set(key string, value []byte) error {
	if f.failures > 0 {
		f.failures--
		return &storage.PersistenceError{Op: "write", Key: key, Err: storage.ErrQuotaExceeded}
	}
	return f.Store.Set(key, value)
}

func dataOf(items []models.QueueItem) []any {
	out := make([]any, len(items))
	for i, item := range items {
		out[i] = item.Data
	}
	return out
}

func equalData(t *testing.T, got []models.QueueItem, want ...any) {
	t.Helper()
	gotData := dataOf(got)
	if len(gotData) != len(want) {
		t.Fatalf("got %v, want %v", gotData, want)
	}
	for i := range want {
		if gotData[i] != want[i] {
			t.Fatalf("got %v, want %v", gotData, want)
		}
	}
}

func TestAddEvictsOldest(t *testing.T) {
	bus := events.New()
	evicted := 0
	events.QueueEvicted.Subscribe(bus, func(p events.EvictedPayload) error {
		evicted += p.Count
		return nil
	})

	q := New(Options{MaxSize: 3, BatchSize: 10}, nil, bus)
	for _, v := range []string{"A", "B", "C", "D", "E"} {
		q.Add(v, "custom")
	}

	equalData(t, q.Peek(), "C", "D", "E")
	if evicted != 2 {
		t.Errorf("expected 2 evictions signaled, got %d", evicted)
	}
}

func TestAddNeverExceedsMaxSize(t *testing.T) {
	q := New(Options{MaxSize: 4, BatchSize: 100}, nil, nil)
	for i := 0; i < 50; i++ {
		q.Add(i, "")
		if q.Size() > 4 {
			t.Fatalf("queue grew to %d after %d adds", q.Size(), i+1)
		}
	}
	equalData(t, q.Peek(), 46, 47, 48, 49)
}

func TestAddSignalsBatchSize(t *testing.T) {
	q := New(Options{MaxSize: 10, BatchSize: 2}, nil, nil)

	if q.Add("a", "") {
		t.Error("first add must not signal a flush")
	}
	if !q.Add("b", "") {
		t.Error("second add must signal a flush at batchSize=2")
	}
}

func TestTakeFlushClear(t *testing.T) {
	q := New(Options{MaxSize: 10, BatchSize: 10}, nil, nil)
	q.AddBatch([]models.QueueItem{{Data: 1}, {Data: 2}, {Data: 3}, {Data: 4}})

	equalData(t, q.Take(2), 1, 2)
	equalData(t, q.Take(5), 3, 4)
	if !q.IsEmpty() {
		t.Fatal("expected empty queue after taking everything")
	}

	q.Add(5, "")
	q.Add(6, "")
	equalData(t, q.Flush(), 5, 6)
	if q.Size() != 0 {
		t.Errorf("Flush must drain, size=%d", q.Size())
	}

	q.Add(7, "")
	q.Clear()
	if !q.IsEmpty() {
		t.Errorf("Clear must drop everything")
	}
}

func TestStats(t *testing.T) {
	clock := newClock()
	q := New(Options{MaxSize: 10, BatchSize: 10, Now: clock.Now}, nil, nil)

	first := clock.Now().UnixMilli()
	q.Add("e1", models.TypeError)
	clock.Advance(time.Second)
	q.Add("e2", models.TypeError)
	clock.Advance(time.Second)
	q.Add("p1", models.TypePerformance)
	q.Add("x", "")

	st := q.Stats()
	if st.Size != 4 {
		t.Errorf("Size = %d, want 4", st.Size)
	}
	if st.ByType[models.TypeError] != 2 || st.ByType[models.TypePerformance] != 1 || st.ByType["untyped"] != 1 {
		t.Errorf("unexpected ByType %v", st.ByType)
	}
	if st.Oldest != first || st.Newest != first+2000 {
		t.Errorf("Oldest/Newest = %d/%d, want %d/%d", st.Oldest, st.Newest, first, first+2000)
	}
}

func TestPersistAndReloadDropsExpired(t *testing.T) {
	clock := newClock()
	store := storage.NewMemoryStore(0)
	opts := Options{
		MaxSize:     3,
		BatchSize:   10,
		ExpireAfter: time.Hour,
		Persist:     true,
		Key:         "telemetry_queue",
		Now:         clock.Now,
	}

	q := New(opts, store, nil)
	q.Add("old", "")
	clock.Advance(30 * time.Minute)
	q.Add("mid", "")
	clock.Advance(20 * time.Minute)
	q.Add("new1", "")
	q.Add("new2", "")
	equalData(t, q.Peek(), "mid", "new1", "new2")

	// "mid" is exactly one hour old at reload time.
	clock.Advance(40 * time.Minute)
	reloaded := New(opts, store, nil)
	equalData(t, reloaded.Peek(), "new1", "new2")
}

func TestReloadTruncatesToNewest(t *testing.T) {
	clock := newClock()
	store := storage.NewMemoryStore(0)
	opts := Options{MaxSize: 5, BatchSize: 10, ExpireAfter: time.Hour, Persist: true, Key: "q", Now: clock.Now}

	q := New(opts, store, nil)
	for i := 1; i <= 5; i++ {
		q.Add(i, "")
	}

	opts.MaxSize = 2
	reloaded := New(opts, store, nil)
	// Numbers round-trip through JSON as float64.
	equalData(t, reloaded.Peek(), float64(4), float64(5))
}

func TestReloadDiscardsBadSnapshots(t *testing.T) {
	tests := []struct {
		name string
		blob string
	}{
		{name: "version mismatch", blob: `{"items":[{"data":"a","timestamp":1}],"version":99}`},
		{name: "corrupt", blob: `{"items":[`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := storage.NewMemoryStore(0)
			_ = store.Set("q", []byte(tt.blob))

			q := New(Options{MaxSize: 5, Persist: true, Key: "q"}, store, nil)

			if !q.IsEmpty() {
				t.Errorf("expected empty queue, got %v", q.Peek())
			}
			if _, err := store.Get("q"); !errors.Is(err, storage.ErrNotFound) {
				t.Errorf("expected bad snapshot to be deleted, got %v", err)
			}
		})
	}
}

func TestPersistFailureHalvesAndRetries(t *testing.T) {
	mem := storage.NewMemoryStore(0)
	store := &flakyStore{Store: mem}
	bus := events.New()
	var signaled int
	events.QueueEvicted.Subscribe(bus, func(p events.EvictedPayload) error {
		signaled += p.Count
		return nil
	})

	opts := Options{MaxSize: 10, BatchSize: 10, Persist: true, Key: "q"}
	q := New(opts, store, bus)
	q.Add("a", "")
	q.Add("b", "")
	q.Add("c", "")

	store.failures = 1
	q.Add("d", "")

	equalData(t, q.Peek(), "c", "d")
	if signaled != 2 {
		t.Errorf("expected halving to signal 2 dropped records, got %d", signaled)
	}

	reloaded := New(opts, mem, nil)
	equalData(t, reloaded.Peek(), "c", "d")
}

func TestPersistFailureDoesNotPanicWhenRetryFails(t *testing.T) {
	store := &flakyStore{Store: storage.NewMemoryStore(0), failures: 100}
	q := New(Options{MaxSize: 10, BatchSize: 10, Persist: true, Key: "q"}, store, nil)

	q.Add("a", "")
	q.Add("b", "")

	if q.Size() > 1 {
		t.Errorf("expected halving on every failed write, size=%d", q.Size())
	}
}

func TestResizeEvicts(t *testing.T) {
	q := New(Options{MaxSize: 5, BatchSize: 5}, nil, nil)
	for i := 0; i < 5; i++ {
		q.Add(i, "")
	}

	q.Resize(2, 1)

	equalData(t, q.Peek(), 3, 4)
	if q.BatchSize() != 1 {
		t.Errorf("BatchSize = %d, want 1", q.BatchSize())
	}
}
