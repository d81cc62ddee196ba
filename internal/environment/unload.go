// Telemetry Relay - Reliable Delivery Pipeline for Client Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telemetry-relay

package environment

import (
	"github.com/tomtom215/telemetry-relay/internal/events"
	"github.com/tomtom215/telemetry-relay/internal/logging"
)

// NotifyUnload publishes lifecycle:unload. Subscribers persist state
// synchronously before it returns.
func NotifyUnload(bus *events.Bus, reason string) {
	logging.Info().Str("reason", reason).Msg("Host unloading, persisting state")
	events.LifecycleHide.Publish(bus, events.Unload{Reason: reason})
}
