// Telemetry Relay - Reliable Delivery Pipeline for Client Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telemetry-relay

// Package environment adapts host signals into pipeline events: connectivity
// to the collector (network:online / network:offline) and unload
// (lifecycle:unload).
package environment

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/telemetry-relay/internal/events"
	"github.com/tomtom215/telemetry-relay/internal/logging"
)

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	// ProbeURL is requested to decide connectivity. Empty disables probing,
	// leaving the state to SetOnline.
	ProbeURL string

	Interval time.Duration
	Timeout  time.Duration

	// InitiallyOnline is the state before the first probe.
	InitiallyOnline bool
}

// Monitor tracks whether the collector is reachable and publishes
// transitions on the bus. Only changes are published.
type Monitor struct {
	cfg    MonitorConfig
	bus    *events.Bus
	client *http.Client
	log    zerolog.Logger

	mu     sync.RWMutex
	online bool
}

// NewMonitor creates a Monitor publishing on bus.
func NewMonitor(cfg MonitorConfig, bus *events.Bus) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Monitor{
		cfg:    cfg,
		bus:    bus,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    logging.WithComponent("environment"),
		online: cfg.InitiallyOnline,
	}
}

// Online reports the last known connectivity.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// SetOnline records the connectivity state, publishing network:online or
// network:offline when it changes. It reports whether the state changed.
func (m *Monitor) SetOnline(online bool) bool {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return false
	}
	m.online = online
	m.mu.Unlock()

	status := events.NetworkStatus{Online: online}
	if online {
		m.log.Info().Msg("Collector reachable, network online")
		events.NetworkOnline.Publish(m.bus, status)
	} else {
		m.log.Warn().Msg("Collector unreachable, network offline")
		events.NetworkOff.Publish(m.bus, status)
	}
	return true
}

// Probe requests ProbeURL once and updates the state. Any HTTP response
// counts as online; only transport failures mean offline.
func (m *Monitor) Probe(ctx context.Context) bool {
	if m.cfg.ProbeURL == "" {
		return m.Online()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.cfg.ProbeURL, nil)
	if err != nil {
		m.log.Error().Err(err).Str("url", m.cfg.ProbeURL).Msg("Invalid probe URL")
		return m.Online()
	}
	resp, err := m.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return m.Online()
		}
		m.log.Debug().Err(err).Msg("Connectivity probe failed")
		m.SetOnline(false)
		return false
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 512))
	resp.Body.Close()
	m.SetOnline(true)
	return true
}

// Serve implements suture.Service, probing every Interval until ctx ends.
func (m *Monitor) Serve(ctx context.Context) error {
	if m.cfg.ProbeURL == "" {
		<-ctx.Done()
		return ctx.Err()
	}

	m.Probe(ctx)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

// String implements fmt.Stringer for suture logging.
func (m *Monitor) String() string {
	return "network-monitor"
}
