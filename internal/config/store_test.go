// Telemetry Relay - Reliable Delivery Pipeline for Client Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telemetry-relay

package config

import (
	"errors"
	"testing"
	"time"

	"github.com/tomtom215/telemetry-relay/internal/events"
)

func newTestStore(t *testing.T) (*Store, *events.Bus) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ReportURL = "https://collector.example.com/report"
	bus := events.New()
	store, err := NewStore(cfg, bus)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store, bus
}

func recordChanges(bus *events.Bus) *[]events.ConfigChange {
	var changes []events.ConfigChange
	events.ConfigChanged.Subscribe(bus, func(c events.ConfigChange) error {
		changes = append(changes, c)
		return nil
	})
	return &changes
}

func TestStoreSetEmitsChange(t *testing.T) {
	store, bus := newTestStore(t)
	changes := recordChanges(bus)

	if err := store.Set("batchSize", 5); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if got := store.Get("batchSize"); got != 5 {
		t.Errorf("Get(batchSize) = %v, want 5", got)
	}
	if store.Snapshot().BatchSize != 5 {
		t.Errorf("Snapshot().BatchSize = %d, want 5", store.Snapshot().BatchSize)
	}
	if len(*changes) != 1 {
		t.Fatalf("expected 1 change event, got %d", len(*changes))
	}
	c := (*changes)[0]
	if c.Key != "batchSize" || c.Value != 5 || c.OldValue != 10 {
		t.Errorf("unexpected change %+v", c)
	}
}

func TestStoreSetRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   any
		field   string
		wantErr error
	}{
		{name: "zero batch size", key: "batchSize", value: 0, field: "batchSize"},
		{name: "sample rate above one", key: "sampleRate", value: 1.2, field: "sampleRate"},
		{name: "malformed url", key: "reportUrl", value: "not a url", field: "reportUrl"},
		{name: "wrong type", key: "batchSize", value: "many", field: "batchSize"},
		{name: "unknown key", key: "nope", value: 1, field: "nope", wantErr: ErrUnknownKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, bus := newTestStore(t)
			changes := recordChanges(bus)
			before := store.Snapshot()

			err := store.Set(tt.key, tt.value)

			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
			if cfgErr.Field != tt.field {
				t.Errorf("Field = %q, want %q", cfgErr.Field, tt.field)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("expected errors.Is(%v)", tt.wantErr)
			}
			if len(*changes) != 0 {
				t.Errorf("rejected write must not emit, got %d events", len(*changes))
			}
			after := store.Snapshot()
			if after.BatchSize != before.BatchSize || after.SampleRate != before.SampleRate || after.ReportURL != before.ReportURL {
				t.Errorf("rejected write changed the store")
			}
		})
	}
}

func TestStoreMergeIsAtomic(t *testing.T) {
	store, bus := newTestStore(t)
	changes := recordChanges(bus)

	err := store.Merge(map[string]any{
		"batchSize":  50,
		"sampleRate": -1,
	})
	if err == nil {
		t.Fatal("expected merge with an invalid key to fail")
	}
	if store.Snapshot().BatchSize != 10 {
		t.Errorf("valid key of a rejected merge was applied")
	}
	if len(*changes) != 0 {
		t.Errorf("expected no events, got %d", len(*changes))
	}
}

func TestStoreMergeValidatesWholeResult(t *testing.T) {
	store, bus := newTestStore(t)
	changes := recordChanges(bus)

	// initialDelay alone would exceed the current maxDelay.
	err := store.Merge(map[string]any{
		"retryStrategy.initialDelay": "40s",
		"retryStrategy.maxDelay":     "60s",
	})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}

	snap := store.Snapshot()
	if snap.RetryStrategy.InitialDelay != 40*time.Second || snap.RetryStrategy.MaxDelay != time.Minute {
		t.Errorf("unexpected retry strategy %+v", snap.RetryStrategy)
	}
	if len(*changes) != 2 {
		t.Fatalf("expected one event per key, got %d", len(*changes))
	}
	if (*changes)[0].Key != "retryStrategy.initialDelay" || (*changes)[0].Value != 40*time.Second {
		t.Errorf("unexpected first change %+v", (*changes)[0])
	}
	if (*changes)[1].OldValue != 30*time.Second {
		t.Errorf("expected old maxDelay 30s, got %v", (*changes)[1].OldValue)
	}
}

func TestStoreValidateDoesNotApply(t *testing.T) {
	store, _ := newTestStore(t)

	if err := store.Validate(map[string]any{"batchSize": 3}); err != nil {
		t.Errorf("expected valid partial, got %v", err)
	}
	if err := store.Validate(map[string]any{"batchInterval": "0s"}); err == nil {
		t.Errorf("expected zero batchInterval to be invalid")
	}
	if store.Snapshot().BatchSize != 10 {
		t.Errorf("Validate must not apply values")
	}
}

func TestStoreGetAllReturnsCopy(t *testing.T) {
	store, _ := newTestStore(t)

	all := store.GetAll()
	all["batchSize"] = 999

	if store.Get("batchSize") != 10 {
		t.Errorf("mutating GetAll result changed the store")
	}
	if _, ok := all["retryStrategy.maxRetries"]; !ok {
		t.Errorf("expected flattened nested keys, got %v", all)
	}
}
