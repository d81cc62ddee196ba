// Telemetry Relay - Reliable Delivery Pipeline for Client Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telemetry-relay

package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/telemetry-relay/internal/logging"
)

// Server is the part of *http.Server the API service drives.
type Server interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// Persister writes accepted records to durable storage.
type Persister interface {
	Hide(reason string)
}

// APIService runs the relay's ingest and operator API.
//
// Every Serve builds a fresh server from newServer, since an *http.Server
// cannot listen again after Shutdown. On cancellation the server stops
// accepting, in-flight ingest requests get shutdownTimeout to finish, and
// only then is the queue persisted, so every record answered with 202 is on
// disk when Serve returns.
//
//	svc := services.NewAPIService(func() services.Server {
//	    return &http.Server{Addr: addr, Handler: router}
//	}, pipeline, 10*time.Second)
//	tree.AddAPIService(svc)
type APIService struct {
	newServer       func() Server
	persist         Persister
	shutdownTimeout time.Duration
	log             zerolog.Logger
}

// NewAPIService creates the service. persist may be nil. A non-positive
// shutdownTimeout means 10s.
func NewAPIService(newServer func() Server, persist Persister, shutdownTimeout time.Duration) *APIService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &APIService{
		newServer:       newServer,
		persist:         persist,
		shutdownTimeout: shutdownTimeout,
		log:             logging.WithComponent("relay-api"),
	}
}

// Serve implements suture.Service. A listen failure is returned so the
// supervisor restarts the service with a new server.
func (a *APIService) Serve(ctx context.Context) error {
	server := a.newServer()
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("relay api: %w", err)
		}
		return nil

	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		err := server.Shutdown(shutdownCtx)
		if err != nil {
			a.log.Warn().Err(err).Msg("Ingest requests still running at shutdown deadline")
		}
		<-errCh
		if a.persist != nil {
			a.persist.Hide("api-shutdown")
		}
		if err != nil {
			return fmt.Errorf("relay api shutdown: %w", err)
		}
		return ctx.Err()
	}
}

// String implements fmt.Stringer for suture's logs.
func (a *APIService) String() string {
	return "relay-api"
}
