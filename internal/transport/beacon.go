// Telemetry Relay - Reliable Delivery Pipeline for Client Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telemetry-relay

package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/telemetry-relay/internal/logging"
	"github.com/tomtom215/telemetry-relay/internal/metrics"
)

// BeaconQueueLimit is the largest body the beacon mechanism accepts.
const BeaconQueueLimit = 64 * 1024

// BeaconConfig configures a BeaconAdapter.
type BeaconConfig struct {
	Supported   bool
	MaxInFlight int
	Timeout     time.Duration
}

// BeaconAdapter is the fire-and-forget mechanism. Send returns as soon as the
// body is queued; the outcome of the POST is only logged and counted.
type BeaconAdapter struct {
	supported bool
	client    *http.Client
	slots     chan struct{}
	wg        sync.WaitGroup
	log       zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// NewBeaconAdapter creates a BeaconAdapter.
func NewBeaconAdapter(cfg BeaconConfig) *BeaconAdapter {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 64
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &BeaconAdapter{
		supported: cfg.Supported,
		client:    &http.Client{Timeout: cfg.Timeout, Transport: baseTransport},
		slots:     make(chan struct{}, cfg.MaxInFlight),
		log:       logging.WithComponent("transport"),
	}
}

// Kind returns KindBeacon.
func (b *BeaconAdapter) Kind() Kind { return KindBeacon }

// Supported reports whether beacon delivery is enabled for this environment.
func (b *BeaconAdapter) Supported() bool { return b.supported }

// Send queues body for background delivery. It fails only when the beacon
// cannot be queued: unsupported, oversized, at capacity or closed.
func (b *BeaconAdapter) Send(_ context.Context, url string, body []byte) error {
	if !b.supported {
		return &TransportError{Kind: KindBeacon, Err: ErrUnsupported}
	}
	if len(body) > BeaconQueueLimit {
		return &TransportError{Kind: KindBeacon, Err: ErrPayloadTooLarge}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return &TransportError{Kind: KindBeacon, Err: ErrUnsupported}
	}
	select {
	case b.slots <- struct{}{}:
	default:
		b.mu.Unlock()
		return &TransportError{Kind: KindBeacon, Err: ErrBusy}
	}
	b.wg.Add(1)
	b.mu.Unlock()

	payload := append([]byte(nil), body...)
	go func() {
		defer b.wg.Done()
		defer func() { <-b.slots }()
		b.deliver(url, payload)
	}()
	return nil
}

// deliver runs detached from the caller's context.
func (b *BeaconAdapter) deliver(url string, body []byte) {
	start := time.Now()
	err := b.post(url, body)
	metrics.RecordSend("beacon_delivery", time.Since(start).Seconds(), err)
	if err != nil {
		b.log.Warn().Err(err).Int("bytes", len(body)).Msg("Beacon delivery failed")
	}
}

func (b *BeaconAdapter) post(url string, body []byte) error {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return wrapError(KindBeacon, err)
	}
	req.Header.Set("Content-Type", "text/plain;charset=UTF-8")

	resp, err := b.client.Do(req)
	if err != nil {
		return wrapError(KindBeacon, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &TransportError{Kind: KindBeacon, StatusCode: resp.StatusCode}
	}
	return nil
}

// InFlight returns the number of queued beacons not yet finished.
func (b *BeaconAdapter) InFlight() int {
	return len(b.slots)
}

// Close stops accepting beacons and waits for queued ones to finish.
func (b *BeaconAdapter) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.wg.Wait()
}
