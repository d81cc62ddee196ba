// Telemetry Relay - Reliable Delivery Pipeline for Client Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telemetry-relay

package plugin

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/telemetry-relay/internal/config"
	"github.com/tomtom215/telemetry-relay/internal/events"
	"github.com/tomtom215/telemetry-relay/internal/logging"
	"github.com/tomtom215/telemetry-relay/internal/metrics"
)

// ServiceHost runs long-lived plugins. *suture.Supervisor satisfies it.
type ServiceHost interface {
	Add(svc suture.Service) suture.ServiceToken
	Remove(token suture.ServiceToken) error
}

type entry struct {
	plugin  Plugin
	status  Status
	options map[string]any
	ctx     *Context
	token   *suture.ServiceToken
}

// Manager owns registered plugins and drives their lifecycle.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   []string

	cfg  config.Reader
	bus  *events.Bus
	host ServiceHost
	log  zerolog.Logger
}

// NewManager creates a manager handing cfg and bus to every plugin Context.
func NewManager(cfg config.Reader, bus *events.Bus) *Manager {
	return &Manager{
		entries: make(map[string]*entry),
		cfg:     cfg,
		bus:     bus,
		log:     logging.WithComponent("plugins"),
	}
}

// SetServiceHost sets where suture.Service plugins run once started.
func (m *Manager) SetServiceHost(host ServiceHost) {
	m.mu.Lock()
	m.host = host
	m.mu.Unlock()
}

// Register adds p. Every dependency must already be registered.
func (m *Manager) Register(p Plugin, options map[string]any) error {
	m.mu.Lock()
	name := p.Name()
	if _, ok := m.entries[name]; ok {
		m.mu.Unlock()
		return &PluginError{Plugin: name, Phase: "register", Err: ErrAlreadyRegistered}
	}
	for _, dep := range p.Dependencies() {
		if _, ok := m.entries[dep]; !ok {
			m.mu.Unlock()
			return &PluginError{Plugin: name, Phase: "register", Err: fmt.Errorf("%w: %s", ErrMissingDependency, dep)}
		}
	}
	m.addLocked(p, options)
	m.mu.Unlock()

	m.publish(events.PluginRegistered, name, StatusRegistered, nil)
	return nil
}

// RegisterAll adds a set of plugins that may depend on each other. The set
// is checked as a whole: duplicate names, missing dependencies and cycles
// reject it before anything is registered.
func (m *Manager) RegisterAll(plugins ...Plugin) error {
	m.mu.Lock()
	names := make([]string, 0, len(plugins))
	deps := make(map[string][]string, len(plugins))
	byName := make(map[string]Plugin, len(plugins))
	for _, p := range plugins {
		name := p.Name()
		if _, ok := m.entries[name]; ok {
			m.mu.Unlock()
			return &PluginError{Plugin: name, Phase: "register", Err: ErrAlreadyRegistered}
		}
		if _, ok := byName[name]; ok {
			m.mu.Unlock()
			return &PluginError{Plugin: name, Phase: "register", Err: ErrAlreadyRegistered}
		}
		byName[name] = p
		names = append(names, name)
		deps[name] = p.Dependencies()
	}
	for _, name := range names {
		for _, dep := range deps[name] {
			_, registered := m.entries[dep]
			_, inSet := byName[dep]
			if !registered && !inSet {
				m.mu.Unlock()
				return &PluginError{Plugin: name, Phase: "register", Err: fmt.Errorf("%w: %s", ErrMissingDependency, dep)}
			}
		}
	}

	order, err := sortByDependencies(names, deps)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	for _, name := range order {
		m.addLocked(byName[name], nil)
	}
	m.mu.Unlock()

	for _, name := range order {
		m.publish(events.PluginRegistered, name, StatusRegistered, nil)
	}
	return nil
}

func (m *Manager) addLocked(p Plugin, options map[string]any) {
	m.entries[p.Name()] = &entry{plugin: p, status: StatusRegistered, options: options}
	m.order = append(m.order, p.Name())
}

// Unregister removes name after stopping and destroying it. It fails while
// another plugin depends on name.
func (m *Manager) Unregister(ctx context.Context, name string) error {
	m.mu.Lock()
	e, ok := m.entries[name]
	if !ok {
		m.mu.Unlock()
		return &PluginError{Plugin: name, Phase: "unregister", Err: ErrNotRegistered}
	}
	for _, other := range m.order {
		if other != name && slices.Contains(m.entries[other].plugin.Dependencies(), name) {
			m.mu.Unlock()
			return &PluginError{Plugin: name, Phase: "unregister", Err: fmt.Errorf("%w: %s", ErrDependedOn, other)}
		}
	}
	m.mu.Unlock()

	m.teardown(ctx, name, e)

	m.mu.Lock()
	delete(m.entries, name)
	m.order = slices.DeleteFunc(m.order, func(n string) bool { return n == name })
	m.mu.Unlock()
	return nil
}

// InitAll initializes every registered plugin, dependencies first. The first
// failure rolls that plugin back to registered and aborts the sequence.
func (m *Manager) InitAll(ctx context.Context) error {
	order, err := m.sorted()
	if err != nil {
		return err
	}
	for _, name := range order {
		e := m.entry(name)
		if e == nil || m.status(e) != StatusRegistered {
			continue
		}
		pc := m.newContext(name, e.options)
		if err := call(func() error { return e.plugin.Init(ctx, pc) }); err != nil {
			m.setStatus(e, StatusRegistered)
			return m.failed(name, "init", err)
		}
		m.mu.Lock()
		e.ctx = pc
		e.status = StatusInitialized
		m.mu.Unlock()
		m.publish(events.PluginInitialized, name, StatusInitialized, nil)
	}
	return nil
}

// StartAll starts every initialized or stopped plugin, dependencies first,
// aborting on the first failure.
func (m *Manager) StartAll(ctx context.Context) error {
	order, err := m.sorted()
	if err != nil {
		return err
	}
	for _, name := range order {
		e := m.entry(name)
		if e == nil {
			continue
		}
		if st := m.status(e); st != StatusInitialized && st != StatusStopped {
			continue
		}
		if err := call(func() error { return e.plugin.Start(ctx) }); err != nil {
			return m.failed(name, "start", err)
		}

		m.mu.Lock()
		e.status = StatusStarted
		if svc, ok := e.plugin.(suture.Service); ok && m.host != nil {
			token := m.host.Add(svc)
			e.token = &token
		}
		m.mu.Unlock()
		m.publish(events.PluginStarted, name, StatusStarted, nil)
	}
	return nil
}

// StopAll stops started plugins in reverse dependency order. Failures are
// logged and the sequence continues.
func (m *Manager) StopAll(ctx context.Context) {
	order, err := m.sorted()
	if err != nil {
		order = m.registered()
	}
	for _, name := range slices.Backward(order) {
		if e := m.entry(name); e != nil && m.status(e) == StatusStarted {
			m.stop(ctx, name, e)
		}
	}
}

// DestroyAll destroys every plugin in reverse dependency order, stopping
// started ones first. Failures are logged and the sequence continues.
func (m *Manager) DestroyAll(ctx context.Context) {
	order, err := m.sorted()
	if err != nil {
		order = m.registered()
	}
	for _, name := range slices.Backward(order) {
		if e := m.entry(name); e != nil {
			m.teardown(ctx, name, e)
		}
	}
}

// Status returns the lifecycle state of name.
func (m *Manager) Status(name string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[name]
	if !ok {
		return "", false
	}
	return e.status, true
}

// Statuses returns the lifecycle state of every plugin.
func (m *Manager) Statuses() map[string]Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Status, len(m.entries))
	for name, e := range m.entries {
		out[name] = e.status
	}
	return out
}

// Order returns plugin names dependencies first.
func (m *Manager) Order() ([]string, error) {
	return m.sorted()
}

func (m *Manager) stop(ctx context.Context, name string, e *entry) {
	m.mu.Lock()
	token, host := e.token, m.host
	e.token = nil
	m.mu.Unlock()

	if token != nil && host != nil {
		if err := host.Remove(*token); err != nil {
			m.log.Warn().Err(err).Str("plugin", name).Msg("Failed to remove plugin service")
		}
	}
	if err := call(func() error { return e.plugin.Stop(ctx) }); err != nil {
		m.logFailure(name, "stop", err)
	}
	m.setStatus(e, StatusStopped)
	m.publish(events.PluginStopped, name, StatusStopped, nil)
}

func (m *Manager) teardown(ctx context.Context, name string, e *entry) {
	switch m.status(e) {
	case StatusDestroyed:
		return
	case StatusStarted:
		m.stop(ctx, name, e)
	}
	if err := call(func() error { return e.plugin.Destroy(ctx) }); err != nil {
		m.logFailure(name, "destroy", err)
	}
	m.setStatus(e, StatusDestroyed)
	m.publish(events.PluginDestroyed, name, StatusDestroyed, nil)
}

func (m *Manager) newContext(name string, options map[string]any) *Context {
	return &Context{
		Name:     name,
		Config:   m.cfg,
		Events:   m.bus,
		Reporter: Reporter{bus: m.bus},
		Logger:   Logger{zl: logging.WithComponent("plugin").With().Str("plugin", name).Logger()},
		Options:  options,
	}
}

func (m *Manager) sorted() ([]string, error) {
	m.mu.Lock()
	names := slices.Clone(m.order)
	deps := make(map[string][]string, len(names))
	for _, n := range names {
		deps[n] = m.entries[n].plugin.Dependencies()
	}
	m.mu.Unlock()
	return sortByDependencies(names, deps)
}

func (m *Manager) registered() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.order)
}

func (m *Manager) entry(name string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[name]
}

func (m *Manager) status(e *entry) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return e.status
}

func (m *Manager) setStatus(e *entry, s Status) {
	m.mu.Lock()
	e.status = s
	m.mu.Unlock()
}

// failed records a startup failure and returns it as a PluginError.
func (m *Manager) failed(name, phase string, err error) error {
	perr := &PluginError{Plugin: name, Phase: phase, Err: err}
	metrics.RecordPluginError(name, phase)
	m.log.Error().Err(err).Str("plugin", name).Str("phase", phase).Msg("Plugin lifecycle failure")
	m.publish(events.PluginError, name, "", perr)
	return perr
}

func (m *Manager) logFailure(name, phase string, err error) {
	metrics.RecordPluginError(name, phase)
	m.log.Warn().Err(err).Str("plugin", name).Str("phase", phase).Msg("Plugin teardown failure ignored")
	m.publish(events.PluginError, name, "", &PluginError{Plugin: name, Phase: phase, Err: err})
}

func (m *Manager) publish(topic events.Topic[events.PluginEvent], name string, status Status, err error) {
	if m.bus == nil {
		return
	}
	topic.Publish(m.bus, events.PluginEvent{Name: name, Status: string(status), Err: err})
}

// call runs a lifecycle method, converting a panic into an error.
func call(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Join(errPanic, fmt.Errorf("%v", p))
		}
	}()
	return fn()
}

var errPanic = errors.New("plugin panicked")
