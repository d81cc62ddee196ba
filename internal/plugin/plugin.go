// Telemetry Relay - Reliable Delivery Pipeline for Client Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telemetry-relay

// Package plugin manages instrumentation modules: registration with declared
// dependencies, ordered lifecycle transitions and the per-module Context they
// run with.
//
// Lifecycle per plugin:
//
//	registered -> initialized -> started -> stopped -> destroyed
//
// destroyed is reachable from every other state. InitAll and StartAll visit
// plugins dependencies first and abort on the first failure; StopAll and
// DestroyAll visit them in exactly the reverse order and never abort.
//
// A plugin that also implements suture.Service is added to the manager's
// service host when it starts and removed when it stops.
package plugin

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/tomtom215/telemetry-relay/internal/config"
	"github.com/tomtom215/telemetry-relay/internal/events"
)

// Status is a plugin's lifecycle state.
type Status string

const (
	StatusRegistered  Status = "registered"
	StatusInitialized Status = "initialized"
	StatusStarted     Status = "started"
	StatusStopped     Status = "stopped"
	StatusDestroyed   Status = "destroyed"
)

// Plugin is an instrumentation module.
type Plugin interface {
	Name() string
	Dependencies() []string

	Init(ctx context.Context, pc *Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Destroy(ctx context.Context) error
}

// Base provides no-op lifecycle methods. Embed it and override what you need.
type Base struct {
	PluginName string
	Requires   []string
}

func (b Base) Name() string                       { return b.PluginName }
func (b Base) Dependencies() []string             { return b.Requires }
func (Base) Init(context.Context, *Context) error { return nil }
func (Base) Start(context.Context) error          { return nil }
func (Base) Stop(context.Context) error           { return nil }
func (Base) Destroy(context.Context) error        { return nil }

// Context is what a plugin sees of the pipeline.
type Context struct {
	Name     string
	Config   config.Reader
	Events   *events.Bus
	Reporter Reporter
	Logger   Logger

	// Options is the per-plugin configuration passed to Register.
	Options map[string]any
}

// Reporter submits records through the pipeline's entry events.
type Reporter struct {
	bus *events.Bus
}

// Report publishes one record on report:data.
func (r Reporter) Report(recordType string, data any) {
	events.ReportData.Publish(r.bus, events.ReportDataPayload{Type: recordType, Data: data})
}

// ReportBatch publishes items as one record on report:batch.
func (r Reporter) ReportBatch(items []any) {
	events.ReportBatch.Publish(r.bus, events.ReportBatchPayload{Items: items})
}

// Logger is a leveled logger scoped to one plugin. kv are alternating
// key/value pairs.
type Logger struct {
	zl zerolog.Logger
}

func (l Logger) Debug(msg string, kv ...any) { l.zl.Debug().Fields(kv).Msg(msg) }
func (l Logger) Info(msg string, kv ...any)  { l.zl.Info().Fields(kv).Msg(msg) }
func (l Logger) Warn(msg string, kv ...any)  { l.zl.Warn().Fields(kv).Msg(msg) }
func (l Logger) Error(msg string, kv ...any) { l.zl.Error().Fields(kv).Msg(msg) }
