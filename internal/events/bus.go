// Telemetry Relay - Reliable Delivery Pipeline for Client Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telemetry-relay

// Package events provides the in-process publish/subscribe bus that decouples
// instrumentation plugins from the delivery pipeline.
//
// Emit is synchronous: it calls every current subscriber of the event in
// subscription order before returning. A handler that returns an error or
// panics is logged and skipped; the remaining handlers still run.
//
// Handlers may subscribe or unsubscribe from inside a handler. Such changes
// take effect on the next Emit, never on the one in progress.
package events

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/tomtom215/telemetry-relay/internal/logging"
	"github.com/tomtom215/telemetry-relay/internal/metrics"
)

// Handler receives the payload of an emitted event.
type Handler func(payload any) error

type subscription struct {
	id      uint64
	handler Handler
	once    bool
	fired   atomic.Bool
}

// Bus is a same-process event dispatcher. The zero value is not usable; call New.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]*subscription
	nextID uint64
	log    zerolog.Logger
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[string][]*subscription),
		log:  logging.WithComponent("events"),
	}
}

// On subscribes handler to event and returns a function that removes exactly
// this subscription. Calling the returned function more than once is a no-op.
func (b *Bus) On(event string, handler Handler) func() {
	return b.subscribe(event, handler, false)
}

// Once subscribes handler for a single delivery. The subscription is removed
// before the handler runs.
func (b *Bus) Once(event string, handler Handler) func() {
	return b.subscribe(event, handler, true)
}

func (b *Bus) subscribe(event string, handler Handler, once bool) func() {
	b.mu.Lock()
	b.nextID++
	sub := &subscription{id: b.nextID, handler: handler, once: once}
	b.subs[event] = append(b.subs[event], sub)
	b.mu.Unlock()

	return func() { b.remove(event, sub.id) }
}

func (b *Bus) remove(event string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[event]
	for i, s := range list {
		if s.id == id {
			next := make([]*subscription, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			if len(next) == 0 {
				delete(b.subs, event)
			} else {
				b.subs[event] = next
			}
			return
		}
	}
}

// Off removes every subscriber of event.
func (b *Bus) Off(event string) {
	b.mu.Lock()
	delete(b.subs, event)
	b.mu.Unlock()
}

// ListenerCount returns the number of current subscribers of event.
func (b *Bus) ListenerCount(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[event])
}

// Emit delivers payload to every subscriber of event and returns the number
// of handlers that failed.
func (b *Bus) Emit(event string, payload any) int {
	b.mu.RLock()
	snapshot := make([]*subscription, len(b.subs[event]))
	copy(snapshot, b.subs[event])
	b.mu.RUnlock()

	failed := 0
	for _, sub := range snapshot {
		if sub.once {
			if !sub.fired.CompareAndSwap(false, true) {
				continue
			}
			b.remove(event, sub.id)
		}
		if err := b.invoke(sub.handler, payload); err != nil {
			failed++
			metrics.RecordHandlerFailure(event)
			b.log.Error().Err(err).Str("event", event).Msg("Event handler failed")
		}
	}
	return failed
}

func (b *Bus) invoke(handler Handler, payload any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(payload)
}
