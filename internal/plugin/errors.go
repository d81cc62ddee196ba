// Telemetry Relay - Reliable Delivery Pipeline for Client Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telemetry-relay

package plugin

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrAlreadyRegistered = errors.New("plugin already registered")
	ErrMissingDependency = errors.New("dependency not registered")
	ErrNotRegistered     = errors.New("plugin not registered")
	ErrDependedOn        = errors.New("plugin is a dependency of another plugin")
)

// PluginError is a failure of one plugin in one lifecycle phase.
type PluginError struct {
	Plugin string
	Phase  string
	Err    error
}

func (e *PluginError) Error() string {
	return fmt.Sprintf("plugin %s: %s: %v", e.Plugin, e.Phase, e.Err)
}

func (e *PluginError) Unwrap() error {
	return e.Err
}

// CircularDependencyError lists the plugins forming a dependency cycle, with
// the first name repeated at the end.
type CircularDependencyError struct {
	Cycle []string
}

func (e *CircularDependencyError) Error() string {
	return "circular plugin dependency: " + strings.Join(e.Cycle, " -> ")
}
