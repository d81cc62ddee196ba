// Telemetry Relay - Reliable Delivery Pipeline for Client Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telemetry-relay

// Package bridge forwards pipeline outcome and plugin lifecycle events onto a
// Watermill publisher so downstream systems can observe delivery without
// polling the relay.
//
// Every message carries the JSON-encoded Message as payload and the event
// name in the "event" metadata key. Publish failures are counted and logged;
// they never affect delivery.
package bridge

import (
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/telemetry-relay/internal/events"
	"github.com/tomtom215/telemetry-relay/internal/logging"
	"github.com/tomtom215/telemetry-relay/internal/metrics"
	"github.com/tomtom215/telemetry-relay/internal/transport"
)

// MetadataEvent is the metadata key holding the bus event name.
const MetadataEvent = "event"

// Message is the forwarded payload.
type Message struct {
	Event     string `json:"event"`
	Timestamp int64  `json:"timestamp"`

	RecordID   string `json:"recordId,omitempty"`
	RecordType string `json:"recordType,omitempty"`
	AppID      string `json:"appId,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
	Transport  string `json:"transport,omitempty"`
	Retries    int    `json:"retries,omitempty"`

	Plugin string `json:"plugin,omitempty"`
	Status string `json:"status,omitempty"`

	Error string `json:"error,omitempty"`
}

// Bridge subscribes to the bus and republishes events.
type Bridge struct {
	pub     message.Publisher
	topic   string
	bus     *events.Bus
	breaker *gobreaker.CircuitBreaker[struct{}]
	now     func() time.Time
	log     zerolog.Logger

	unsubs []func()
}

// New creates a bridge publishing to topic. Call Start to subscribe.
func New(pub message.Publisher, topic string, bus *events.Bus) *Bridge {
	return &Bridge{
		pub:   pub,
		topic: topic,
		bus:   bus,
		breaker: transport.NewCircuitBreaker(transport.BreakerConfig{
			Name:             "bridge",
			MaxRequests:      1,
			Timeout:          30 * time.Second,
			FailureThreshold: 5,
		}),
		now: time.Now,
		log: logging.WithComponent("bridge"),
	}
}

// Start subscribes to the forwarded events.
func (b *Bridge) Start() {
	outcome := func(topic events.Topic[events.ReportOutcome]) func() {
		return topic.Subscribe(b.bus, func(o events.ReportOutcome) error {
			m := Message{
				Event:      topic.Name,
				RecordID:   o.Record.ID,
				RecordType: o.Record.Type,
				AppID:      o.Record.AppID,
				SessionID:  o.Record.SessionID,
				Transport:  o.Transport,
			}
			if o.Err != nil {
				m.Error = o.Err.Error()
			}
			b.forward(m)
			return nil
		})
	}
	lifecycle := func(topic events.Topic[events.PluginEvent]) func() {
		return topic.Subscribe(b.bus, func(e events.PluginEvent) error {
			m := Message{Event: topic.Name, Plugin: e.Name, Status: e.Status}
			if e.Err != nil {
				m.Error = e.Err.Error()
			}
			b.forward(m)
			return nil
		})
	}

	b.unsubs = append(b.unsubs,
		outcome(events.ReportSuccess),
		outcome(events.ReportError),
		events.ReportDropped.Subscribe(b.bus, func(d events.DroppedPayload) error {
			m := Message{
				Event:      events.ReportDropped.Name,
				RecordID:   d.Record.ID,
				RecordType: d.Record.Type,
				AppID:      d.Record.AppID,
				SessionID:  d.Record.SessionID,
				Transport:  d.Record.TransportUsed,
				Retries:    d.Retries,
			}
			if d.Err != nil {
				m.Error = d.Err.Error()
			}
			b.forward(m)
			return nil
		}),
		lifecycle(events.PluginRegistered),
		lifecycle(events.PluginInitialized),
		lifecycle(events.PluginStarted),
		lifecycle(events.PluginStopped),
		lifecycle(events.PluginDestroyed),
		lifecycle(events.PluginError),
	)
	b.log.Info().Str("topic", b.topic).Msg("Event bridge started")
}

// Close unsubscribes and closes the publisher.
func (b *Bridge) Close() error {
	for _, unsub := range b.unsubs {
		unsub()
	}
	b.unsubs = nil
	return b.pub.Close()
}

func (b *Bridge) forward(m Message) {
	m.Timestamp = b.now().UnixMilli()
	payload, err := json.Marshal(m)
	if err != nil {
		metrics.RecordBridgeFailure()
		b.log.Error().Err(err).Str("event", m.Event).Msg("Failed to encode bridge message")
		return
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(MetadataEvent, m.Event)

	_, err = b.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, b.pub.Publish(b.topic, msg)
	})
	if err != nil {
		metrics.RecordBridgeFailure()
		if !errors.Is(err, gobreaker.ErrOpenState) {
			b.log.Warn().Err(err).Str("event", m.Event).Msg("Failed to forward event")
		}
	}
}
