// Telemetry Relay - Reliable Delivery Pipeline for Client Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telemetry-relay

package services

import (
	"context"
	"fmt"
)

// Forwarder subscribes to pipeline events on Start and releases its
// publisher on Close. Satisfied by *bridge.Bridge.
type Forwarder interface {
	Start()
	Close() error
}

// BridgeService keeps the event bridge subscribed for as long as the tree runs.
type BridgeService struct {
	bridge Forwarder
}

// NewBridgeService wraps a Forwarder.
func NewBridgeService(b Forwarder) *BridgeService {
	return &BridgeService{bridge: b}
}

// Serve implements suture.Service.
func (s *BridgeService) Serve(ctx context.Context) error {
	s.bridge.Start()
	<-ctx.Done()

	if err := s.bridge.Close(); err != nil {
		return fmt.Errorf("event bridge close failed: %w", err)
	}
	return ctx.Err()
}

// String implements fmt.Stringer for suture's logs.
func (s *BridgeService) String() string {
	return "event-bridge"
}
