// Telemetry Relay - Reliable Delivery Pipeline for Client Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telemetry-relay

package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
)

// stubService returns its scripted errors from successive Serve calls, then
// runs until cancelled.
type stubService struct {
	name   string
	starts atomic.Int32
	stops  atomic.Int32

	mu     sync.Mutex
	script []error
}

func newStub(name string, script ...error) *stubService {
	return &stubService{name: name, script: script}
}

func (s *stubService) Serve(ctx context.Context) error {
	s.starts.Add(1)
	defer s.stops.Add(1)

	s.mu.Lock()
	var next error
	if len(s.script) > 0 {
		next, s.script = s.script[0], s.script[1:]
	}
	s.mu.Unlock()
	if next != nil {
		return next
	}

	<-ctx.Done()
	return ctx.Err()
}

func (s *stubService) Starts() int32 { return s.starts.Load() }
func (s *stubService) Stops() int32  { return s.stops.Load() }

func (s *stubService) String() string { return s.name }
