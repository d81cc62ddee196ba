// Telemetry Relay - Reliable Delivery Pipeline for Client Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telemetry-relay

package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tomtom215/telemetry-relay/internal/events"
	"github.com/tomtom215/telemetry-relay/internal/models"
)

var errCollectorDown = errors.New("collector down")

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func testConfig(maxRetries int) Config {
	return Config{
		MaxRetries:        maxRetries,
		InitialDelay:      time.Second,
		BackoffMultiplier: 2,
		MaxDelay:          30 * time.Second,
		Interval:          time.Hour,
	}
}

func testRecord(id string) models.Record {
	return models.Record{ID: id, Data: id, Type: models.TypeCustom, Timestamp: 1}
}

func TestDelaySequence(t *testing.T) {
	cfg := Config{InitialDelay: 1000 * time.Millisecond, BackoffMultiplier: 2, MaxDelay: 30000 * time.Millisecond}
	want := []time.Duration{1000, 2000, 4000, 8000, 16000, 30000, 30000, 30000}

	for retries, w := range want {
		if got := cfg.Delay(retries); got != w*time.Millisecond {
			t.Errorf("Delay(%d) = %v, want %v", retries, got, w*time.Millisecond)
		}
	}
	if got := cfg.Delay(10000); got != 30*time.Second {
		t.Errorf("Delay must stay capped for huge retry counts, got %v", got)
	}
}

func TestDropAfterMaxRetries(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	bus := events.New()
	var dropped []events.DroppedPayload
	events.ReportDropped.Subscribe(bus, func(p events.DroppedPayload) error {
		dropped = append(dropped, p)
		return nil
	})

	var sends int
	s := New(testConfig(2), func(context.Context, models.Record) error {
		sends++
		return errCollectorDown
	}, WithClock(clock.Now), WithBus(bus))

	// The first attempt already failed in the reporter.
	s.Add(testRecord("r1"), errCollectorDown)

	s.Process(context.Background())
	if sends != 0 {
		t.Fatalf("item must wait InitialDelay before the first retry")
	}

	clock.Advance(time.Second)
	if res := s.Process(context.Background()); res.Rescheduled != 1 {
		t.Fatalf("expected 1 rescheduled, got %+v", res)
	}

	clock.Advance(time.Second)
	s.Process(context.Background())
	if sends != 1 {
		t.Fatalf("second retry must wait 2s, sends=%d", sends)
	}

	clock.Advance(time.Second)
	if res := s.Process(context.Background()); res.Dropped != 1 {
		t.Fatalf("expected drop on the 2nd failed retry, got %+v", res)
	}

	if sends != 2 {
		t.Errorf("expected 2 retries (3 total attempts), got %d", sends)
	}
	if s.Size() != 0 {
		t.Errorf("dropped item must leave the retry set, size=%d", s.Size())
	}

	clock.Advance(time.Minute)
	s.Process(context.Background())
	s.RetryAll(context.Background())

	if len(dropped) != 1 {
		t.Fatalf("expected exactly one dropped signal, got %d", len(dropped))
	}
	if dropped[0].Record.ID != "r1" || dropped[0].Retries != 2 {
		t.Errorf("unexpected dropped payload %+v", dropped[0])
	}
	if !errors.Is(dropped[0].Err, ErrMaxRetries) || !errors.Is(dropped[0].Err, errCollectorDown) {
		t.Errorf("dropped error should wrap both causes, got %v", dropped[0].Err)
	}
}

func TestSuccessfulRetryRemovesItem(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s := New(testConfig(3), func(context.Context, models.Record) error { return nil }, WithClock(clock.Now))

	s.Add(testRecord("a"), errCollectorDown)
	s.Add(testRecord("b"), errCollectorDown)
	clock.Advance(time.Second)

	res := s.Process(context.Background())
	if res.Succeeded != 2 || s.Size() != 0 {
		t.Errorf("expected both items delivered, got %+v size=%d", res, s.Size())
	}
}

func TestProcessSkipsWhileOffline(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	var online atomic.Bool
	var sends int
	s := New(testConfig(3), func(context.Context, models.Record) error {
		sends++
		return nil
	}, WithClock(clock.Now), WithOnline(online.Load))

	s.Add(testRecord("a"), errCollectorDown)
	clock.Advance(time.Minute)

	s.Process(context.Background())
	if sends != 0 || s.Size() != 1 {
		t.Fatalf("nothing may be sent while offline")
	}

	online.Store(true)
	s.Process(context.Background())
	if sends != 1 || s.Size() != 0 {
		t.Errorf("expected delivery once online, sends=%d size=%d", sends, s.Size())
	}
}

func TestRetryAllIgnoresSchedule(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	var sends int
	s := New(testConfig(3), func(context.Context, models.Record) error {
		sends++
		return nil
	}, WithClock(clock.Now))

	s.Add(testRecord("a"), errCollectorDown)
	res := s.RetryAll(context.Background())

	if sends != 1 || res.Succeeded != 1 {
		t.Errorf("RetryAll must send immediately, sends=%d res=%+v", sends, res)
	}
}

func TestZeroMaxRetriesDropsImmediately(t *testing.T) {
	bus := events.New()
	var dropped int
	events.ReportDropped.Subscribe(bus, func(events.DroppedPayload) error {
		dropped++
		return nil
	})
	s := New(testConfig(0), func(context.Context, models.Record) error { return nil }, WithBus(bus))

	s.Add(testRecord("a"), errCollectorDown)

	if s.Size() != 0 || dropped != 1 {
		t.Errorf("expected immediate drop, size=%d dropped=%d", s.Size(), dropped)
	}
}

func TestDrain(t *testing.T) {
	var sends int
	s := New(testConfig(3), func(_ context.Context, rec models.Record) error {
		sends++
		if rec.ID == "bad" {
			return errCollectorDown
		}
		return nil
	})
	s.Add(testRecord("good"), errCollectorDown)
	s.Add(testRecord("bad"), errCollectorDown)

	delivered := s.Drain(context.Background())

	if delivered != 1 || sends != 2 {
		t.Errorf("delivered=%d sends=%d, want 1 and 2", delivered, sends)
	}
	if s.Size() != 0 {
		t.Errorf("Drain must forget every item, size=%d", s.Size())
	}
}

func TestStats(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s := New(testConfig(5), func(context.Context, models.Record) error { return errCollectorDown }, WithClock(clock.Now))

	s.Add(testRecord("a"), errCollectorDown)
	clock.Advance(time.Second)
	s.Process(context.Background())
	s.Add(testRecord("b"), errCollectorDown)

	st := s.Stats()
	if st.Pending != 2 || st.MaxRetries != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
	if !st.NextRetry.Equal(clock.Now().Add(time.Second)) {
		t.Errorf("NextRetry = %v, want %v", st.NextRetry, clock.Now().Add(time.Second))
	}
}

func TestLoopKickAndStop(t *testing.T) {
	sent := make(chan string, 1)
	cfg := testConfig(3)
	cfg.InitialDelay = time.Nanosecond
	s := New(cfg, func(_ context.Context, rec models.Record) error {
		sent <- rec.ID
		return nil
	})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if !s.IsRunning() {
		t.Fatal("expected loop running")
	}

	s.Add(testRecord("kicked"), errCollectorDown)
	s.Kick()

	select {
	case id := <-sent:
		if id != "kicked" {
			t.Errorf("sent %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Kick did not trigger a scan")
	}

	s.Stop()
	s.Stop()
	if s.IsRunning() {
		t.Error("expected loop stopped")
	}
}

// blockingSender fails every attempt after release is closed, signalling
// started when the first attempt begins.
func blockingSender() (send Sender, started, release chan struct{}) {
	started = make(chan struct{})
	release = make(chan struct{})
	var once atomic.Bool
	send = func(context.Context, models.Record) error {
		if once.CompareAndSwap(false, true) {
			close(started)
			<-release
		}
		return errCollectorDown
	}
	return send, started, release
}

func TestDrainLeavesInFlightItemToItsAttempt(t *testing.T) {
	send, started, release := blockingSender()
	s := New(testConfig(3), send)
	s.Add(testRecord("busy"), errCollectorDown)

	done := make(chan Result)
	go func() { done <- s.RetryAll(context.Background()) }()
	<-started

	if delivered := s.Drain(context.Background()); delivered != 0 {
		t.Errorf("delivered = %d, want 0", delivered)
	}
	if s.Size() != 1 {
		t.Fatalf("in-flight item must stay tracked during Drain, size=%d", s.Size())
	}

	close(release)
	res := <-done
	if res.Rescheduled != 1 {
		t.Errorf("expected the failed attempt to reschedule, got %+v", res)
	}
	if s.Size() != 1 {
		t.Errorf("size = %d, want 1", s.Size())
	}
}

func TestClearDuringAttemptReportsDrop(t *testing.T) {
	bus := events.New()
	var dropped atomic.Int32
	events.ReportDropped.Subscribe(bus, func(events.DroppedPayload) error {
		dropped.Add(1)
		return nil
	})

	send, started, release := blockingSender()
	s := New(testConfig(3), send, WithBus(bus))
	s.Add(testRecord("cleared"), errCollectorDown)

	done := make(chan Result)
	go func() { done <- s.RetryAll(context.Background()) }()
	<-started

	s.Clear()
	close(release)
	res := <-done

	if res.Dropped != 1 {
		t.Errorf("expected one dropped item, got %+v", res)
	}
	if got := dropped.Load(); got != 1 {
		t.Errorf("report:dropped published %d times, want 1", got)
	}
	if s.Size() != 0 {
		t.Errorf("size = %d, want 0", s.Size())
	}
}
