// Telemetry Relay - Reliable Delivery Pipeline for Client Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telemetry-relay

package bridge

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/tomtom215/telemetry-relay/internal/events"
	"github.com/tomtom215/telemetry-relay/internal/metrics"
	"github.com/tomtom215/telemetry-relay/internal/models"
)

func receive(t *testing.T, ch <-chan *message.Message) (Message, *message.Message) {
	t.Helper()
	select {
	case msg := <-ch:
		msg.Ack()
		var m Message
		if err := json.Unmarshal(msg.Payload, &m); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		return m, msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message forwarded")
	}
	return Message{}, nil
}

func TestForwardsOutcomes(t *testing.T) {
	pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, watermill.NopLogger{})
	ch, err := pubsub.Subscribe(context.Background(), "telemetry.outcomes")
	if err != nil {
		t.Fatal(err)
	}

	bus := events.New()
	b := New(pubsub, "telemetry.outcomes", bus)
	b.Start()
	defer b.Close()

	rec := models.Record{ID: "r-1", Type: models.TypeError, AppID: "app"}
	events.ReportError.Publish(bus, events.ReportOutcome{Record: rec, Transport: "xhr", Err: errors.New("503")})

	m, raw := receive(t, ch)
	if raw.Metadata.Get(MetadataEvent) != "report:error" {
		t.Errorf("metadata event = %q", raw.Metadata.Get(MetadataEvent))
	}
	if m.RecordID != "r-1" || m.Transport != "xhr" || m.Error != "503" || m.AppID != "app" {
		t.Errorf("unexpected message %+v", m)
	}

	events.ReportDropped.Publish(bus, events.DroppedPayload{Record: rec, Retries: 3, Err: errors.New("max retries exceeded")})
	m, _ = receive(t, ch)
	if m.Event != "report:dropped" || m.Retries != 3 {
		t.Errorf("unexpected dropped message %+v", m)
	}

	events.PluginStarted.Publish(bus, events.PluginEvent{Name: "session", Status: "started"})
	m, _ = receive(t, ch)
	if m.Event != "plugin:started" || m.Plugin != "session" || m.Status != "started" {
		t.Errorf("unexpected plugin message %+v", m)
	}
}

func TestCloseUnsubscribes(t *testing.T) {
	pubsub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	bus := events.New()
	b := New(pubsub, "t", bus)
	b.Start()

	if bus.ListenerCount(events.ReportSuccess.Name) != 1 {
		t.Fatal("expected bridge subscription")
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if bus.ListenerCount(events.ReportSuccess.Name) != 0 {
		t.Error("subscription left after Close")
	}
}

type failingPublisher struct{}

func (failingPublisher) Publish(string, ...*message.Message) error { return errors.New("broker down") }
func (failingPublisher) Close() error                              { return nil }

func TestPublishFailureCounted(t *testing.T) {
	bus := events.New()
	b := New(failingPublisher{}, "t", bus)
	b.Start()
	defer b.Close()

	before := testutil.ToFloat64(metrics.BridgePublishFailures)
	failed := events.ReportSuccess.Publish(bus, events.ReportOutcome{Record: models.Record{ID: "x"}})

	if failed != 0 {
		t.Errorf("bridge failures must not fail the bus handler, got %d", failed)
	}
	if got := testutil.ToFloat64(metrics.BridgePublishFailures); got != before+1 {
		t.Errorf("failures = %v, want %v", got, before+1)
	}
}

func TestZerologAdapter(t *testing.T) {
	var buf bytes.Buffer
	a := NewZerologAdapter(zerolog.New(&buf))

	a.With(watermill.LogFields{"topic": "t"}).Info("published", watermill.LogFields{"n": 1})
	a.Error("failed", errors.New("boom"), nil)

	out := buf.String()
	for _, want := range []string{`"topic":"t"`, `"n":1`, `"message":"published"`, `"error":"boom"`} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %s: %s", want, out)
		}
	}
}
