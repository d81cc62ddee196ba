// Telemetry Relay - Reliable Delivery Pipeline for Client Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telemetry-relay

// Package transport selects and performs the delivery of encoded records.
//
// Three mechanisms exist:
//   - beacon: fire-and-forget POST, capped near 64KB, returns once queued
//   - xhr: request/response POST with Content-Type application/json
//   - image: GET with the payload URL-encoded into the data query parameter
//
// Select is a pure function of payload size and environment. Adapters
// perform a single attempt and report failures as *TransportError.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
)

// Kind identifies a delivery mechanism.
type Kind string

const (
	KindBeacon Kind = "beacon"
	KindXHR    Kind = "xhr"
	KindImage  Kind = "image"
)

// Size thresholds used by Select.
const (
	BeaconMaxBytes = 60 * 1024
	PixelMaxBytes  = 2 * 1024
)

// Env describes what the host environment can do.
type Env struct {
	BeaconSupported bool
	ForceXHR        bool
}

// Select picks the mechanism for payload. It is deterministic and has no
// side effects.
func Select(payload []byte, env Env) Kind {
	if env.ForceXHR {
		return KindXHR
	}
	size := len(payload)
	if env.BeaconSupported && size < BeaconMaxBytes {
		return KindBeacon
	}
	if !env.BeaconSupported && size < PixelMaxBytes {
		return KindImage
	}
	return KindXHR
}

var (
	// ErrUnsupported is returned when the mechanism is unavailable in this environment.
	ErrUnsupported = errors.New("transport not supported")

	// ErrPayloadTooLarge is returned when the payload exceeds the mechanism's cap.
	ErrPayloadTooLarge = errors.New("payload too large for transport")

	// ErrBusy is returned by the beacon adapter when its in-flight limit is reached.
	ErrBusy = errors.New("transport busy")
)

// TransportError describes one failed send attempt.
type TransportError struct {
	Kind       Kind
	StatusCode int
	Timeout    bool
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("transport %s: collector returned %d", e.Kind, e.StatusCode)
	case e.Timeout:
		return fmt.Sprintf("transport %s: timeout: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("transport %s: %v", e.Kind, e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// wrapError converts a client error into a TransportError, detecting timeouts.
func wrapError(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	timeout := errors.Is(err, context.DeadlineExceeded)
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		timeout = true
	}
	return &TransportError{Kind: kind, Timeout: timeout, Err: err}
}

// Adapter performs a single delivery attempt over one mechanism.
type Adapter interface {
	// Kind returns the mechanism implemented.
	Kind() Kind

	// Supported reports whether the mechanism is usable in this environment.
	Supported() bool

	// Send delivers body to url once. Failures are *TransportError.
	Send(ctx context.Context, url string, body []byte) error
}

// Registry holds the adapters available to the reporter.
type Registry struct {
	mu       sync.RWMutex
	adapters map[Kind]Adapter
}

// NewRegistry creates a registry holding adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[Kind]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for its kind.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Kind()] = a
}

// Get returns the adapter for kind.
func (r *Registry) Get(kind Kind) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[kind]
	return a, ok
}

// List returns the registered kinds in sorted order.
func (r *Registry) List() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]Kind, 0, len(r.adapters))
	for k := range r.adapters {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
