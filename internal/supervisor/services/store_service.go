// Telemetry Relay - Reliable Delivery Pipeline for Client Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telemetry-relay

package services

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/telemetry-relay/internal/logging"
)

// GarbageCollector reclaims storage space. Satisfied by *storage.BadgerStore.
type GarbageCollector interface {
	RunGC() error
}

// StoreGCService runs value log garbage collection on the queue store at a
// fixed interval. A failed pass is logged and retried on the next tick; it
// never restarts the service.
type StoreGCService struct {
	store    GarbageCollector
	interval time.Duration
	log      zerolog.Logger
}

// NewStoreGCService creates the service. A non-positive interval means 10m.
func NewStoreGCService(store GarbageCollector, interval time.Duration) *StoreGCService {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &StoreGCService{
		store:    store,
		interval: interval,
		log:      logging.WithComponent("store-gc"),
	}
}

// Serve implements suture.Service.
func (s *StoreGCService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.store.RunGC(); err != nil {
				s.log.Warn().Err(err).Msg("Store garbage collection failed")
			}
		}
	}
}

// String implements fmt.Stringer for suture's logs.
func (s *StoreGCService) String() string {
	return "store-gc"
}
