// Telemetry Relay - Reliable Delivery Pipeline for Client Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telemetry-relay

// Package session is a built-in plugin that owns the sessionId stamped onto
// every record. A new session starts at Init and whenever a record arrives
// after the idle timeout has elapsed.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/telemetry-relay/internal/events"
	"github.com/tomtom215/telemetry-relay/internal/models"
	"github.com/tomtom215/telemetry-relay/internal/plugin"
)

// Name is the plugin name.
const Name = "session"

// DefaultIdleTimeout ends a session after 30 minutes without records.
const DefaultIdleTimeout = 30 * time.Minute

// Setter writes config keys.
type Setter interface {
	Set(key string, value any) error
}

// Plugin rotates sessionId through the config store.
type Plugin struct {
	plugin.Base

	store Setter
	now   func() time.Time

	mu       sync.Mutex
	pc       *plugin.Context
	id       string
	idle     time.Duration
	lastSeen time.Time
	unsub    func()
}

// New creates the session plugin writing to store.
func New(store Setter) *Plugin {
	return &Plugin{
		Base:  plugin.Base{PluginName: Name},
		store: store,
		now:   time.Now,
		idle:  DefaultIdleTimeout,
	}
}

// Init starts the first session. Options: "idleTimeout" (duration or string).
func (p *Plugin) Init(_ context.Context, pc *plugin.Context) error {
	if v, ok := pc.Options["idleTimeout"]; ok {
		d, err := toDuration(v)
		if err != nil {
			return fmt.Errorf("idleTimeout: %w", err)
		}
		p.idle = d
	}

	p.mu.Lock()
	p.pc = pc
	p.mu.Unlock()

	if err := p.rotate(); err != nil {
		return err
	}
	p.unsub = events.ReportData.Subscribe(pc.Events, p.touch)
	return nil
}

// Destroy stops tracking activity.
func (p *Plugin) Destroy(context.Context) error {
	if p.unsub != nil {
		p.unsub()
		p.unsub = nil
	}
	return nil
}

// ID returns the current session ID.
func (p *Plugin) ID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.id
}

func (p *Plugin) touch(d events.ReportDataPayload) error {
	if d.Type == models.TypeBehavior && isSessionStart(d.Data) {
		return nil
	}
	p.mu.Lock()
	expired := p.idle > 0 && p.now().Sub(p.lastSeen) >= p.idle
	p.lastSeen = p.now()
	p.mu.Unlock()

	if expired {
		return p.rotate()
	}
	return nil
}

func (p *Plugin) rotate() error {
	id := uuid.NewString()
	if err := p.store.Set("sessionId", id); err != nil {
		return fmt.Errorf("set sessionId: %w", err)
	}

	p.mu.Lock()
	previous := p.id
	p.id = id
	p.lastSeen = p.now()
	pc := p.pc
	p.mu.Unlock()

	pc.Logger.Info("Session started", "session_id", id, "previous", previous)
	pc.Reporter.Report(models.TypeBehavior, startEvent{Event: "session_start", SessionID: id, Previous: previous})
	return nil
}

type startEvent struct {
	Event     string `json:"event"`
	SessionID string `json:"sessionId"`
	Previous  string `json:"previousSessionId,omitempty"`
}

func isSessionStart(data any) bool {
	_, ok := data.(startEvent)
	return ok
}

func toDuration(v any) (time.Duration, error) {
	switch t := v.(type) {
	case time.Duration:
		return t, nil
	case string:
		return time.ParseDuration(t)
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}
