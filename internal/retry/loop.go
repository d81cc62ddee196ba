// Telemetry Relay - Reliable Delivery Pipeline for Client Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telemetry-relay

package retry

import (
	"context"
	"time"
)

// Start runs the scan loop until Stop is called or ctx is cancelled.
// Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.loopMu.Lock()

	// Wait for any in-progress Stop() to complete
	for s.stopping {
		stopDone := s.stopDone
		s.loopMu.Unlock()
		<-stopDone
		s.loopMu.Lock()
	}

	if s.running {
		s.loopMu.Unlock()
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.stopDone = make(chan struct{})
	done := s.stopDone
	interval := s.Config().Interval

	s.loopMu.Unlock()

	go s.run(loopCtx, interval, done)

	s.log.Info().Dur("interval", interval).Int("max_retries", s.Config().MaxRetries).Msg("Retry loop started")
	return nil
}

// Stop cancels the loop and waits for it to exit. It is safe to call more
// than once.
func (s *Scheduler) Stop() {
	s.loopMu.Lock()
	if !s.running || s.stopping {
		s.loopMu.Unlock()
		return
	}

	s.cancel()
	s.running = false
	s.stopping = true
	stopDone := s.stopDone
	s.loopMu.Unlock()

	<-stopDone

	s.loopMu.Lock()
	s.stopping = false
	s.loopMu.Unlock()

	s.log.Info().Msg("Retry loop stopped")
}

// IsRunning reports whether the scan loop is active.
func (s *Scheduler) IsRunning() bool {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	return s.running
}

// Kick asks the loop to scan now, for example after coming back online.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Process(ctx)
		case <-s.kick:
			s.Process(ctx)
		}
	}
}
