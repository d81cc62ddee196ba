// Telemetry Relay - Reliable Delivery Pipeline for Client Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telemetry-relay

package events

import (
	"fmt"

	"github.com/tomtom215/telemetry-relay/internal/models"
)

// Topic is a typed view over one bus event name.
//
//	unsub := events.ReportSuccess.Subscribe(bus, func(o events.ReportOutcome) error {
//	    return nil
//	})
type Topic[T any] struct {
	Name string
}

// NewTopic declares a typed topic.
func NewTopic[T any](name string) Topic[T] {
	return Topic[T]{Name: name}
}

// Subscribe registers fn for every emission of the topic.
func (t Topic[T]) Subscribe(b *Bus, fn func(T) error) func() {
	return b.On(t.Name, t.wrap(fn))
}

// SubscribeOnce registers fn for the next emission only.
func (t Topic[T]) SubscribeOnce(b *Bus, fn func(T) error) func() {
	return b.Once(t.Name, t.wrap(fn))
}

// Publish emits payload on the topic.
func (t Topic[T]) Publish(b *Bus, payload T) int {
	return b.Emit(t.Name, payload)
}

func (t Topic[T]) wrap(fn func(T) error) Handler {
	return func(payload any) error {
		typed, ok := payload.(T)
		if !ok {
			return fmt.Errorf("event %s: unexpected payload type %T", t.Name, payload)
		}
		return fn(typed)
	}
}

// ReportDataPayload is a single record submitted by an instrumentation module.
type ReportDataPayload struct {
	Type string
	Data any
}

// ReportBatchPayload is a pre-grouped set of observations sent as one record.
type ReportBatchPayload struct {
	Items []any
}

// ReportOutcome describes one finished send attempt.
type ReportOutcome struct {
	Record    models.Record
	Transport string
	Err       error
}

// DroppedPayload is emitted once when a record exhausts its retries.
type DroppedPayload struct {
	Record  models.Record
	Retries int
	Err     error
}

// EvictedPayload reports queue items discarded to respect capacity.
type EvictedPayload struct {
	Count int
	Size  int
}

// ConfigChange is emitted for every key written through the config store.
type ConfigChange struct {
	Key      string
	Value    any
	OldValue any
}

// NetworkStatus is emitted on online/offline transitions.
type NetworkStatus struct {
	Online bool
}

// PluginEvent is emitted on every plugin lifecycle transition.
type PluginEvent struct {
	Name   string
	Status string
	Err    error
}

// Unload signals that the host is going away and state must be persisted now.
type Unload struct {
	Reason string
}

// Pipeline topics.
var (
	ReportData    = NewTopic[ReportDataPayload]("report:data")
	ReportBatch   = NewTopic[ReportBatchPayload]("report:batch")
	ReportSuccess = NewTopic[ReportOutcome]("report:success")
	ReportError   = NewTopic[ReportOutcome]("report:error")
	ReportDropped = NewTopic[DroppedPayload]("report:dropped")
	QueueEvicted  = NewTopic[EvictedPayload]("queue:evicted")
	ConfigChanged = NewTopic[ConfigChange]("config:changed")
	NetworkOnline = NewTopic[NetworkStatus]("network:online")
	NetworkOff    = NewTopic[NetworkStatus]("network:offline")
	LifecycleHide = NewTopic[Unload]("lifecycle:unload")
)

// Plugin lifecycle topics.
var (
	PluginRegistered  = NewTopic[PluginEvent]("plugin:registered")
	PluginInitialized = NewTopic[PluginEvent]("plugin:initialized")
	PluginStarted     = NewTopic[PluginEvent]("plugin:started")
	PluginStopped     = NewTopic[PluginEvent]("plugin:stopped")
	PluginDestroyed   = NewTopic[PluginEvent]("plugin:destroyed")
	PluginError       = NewTopic[PluginEvent]("plugin:error")
)
