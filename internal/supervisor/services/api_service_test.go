// Telemetry Relay - Reliable Delivery Pipeline for Client Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telemetry-relay

package services

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type recordingPersister struct {
	mu      sync.Mutex
	reasons []string
	onHide  func()
}

func (p *recordingPersister) Hide(reason string) {
	if p.onHide != nil {
		p.onHide()
	}
	p.mu.Lock()
	p.reasons = append(p.reasons, reason)
	p.mu.Unlock()
}

func (p *recordingPersister) calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.reasons...)
}

// listenerServer serves on a pre-bound listener so tests know the address.
type listenerServer struct {
	*http.Server
	ln net.Listener
}

func (s listenerServer) ListenAndServe() error {
	return s.Serve(s.ln)
}

type failingServer struct{ err error }

func (s failingServer) ListenAndServe() error          { return s.err }
func (s failingServer) Shutdown(context.Context) error { return nil }

func TestAPIServicePersistsAcceptedIngestOnShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	var accepted atomic.Bool
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		close(entered)
		<-release
		accepted.Store(true)
		w.WriteHeader(http.StatusAccepted)
	})

	var acceptedAtHide atomic.Bool
	persist := &recordingPersister{onHide: func() { acceptedAtHide.Store(accepted.Load()) }}
	svc := NewAPIService(func() Server {
		return listenerServer{Server: &http.Server{Handler: handler}, ln: ln}
	}, persist, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() { serveErr <- svc.Serve(ctx) }()

	status := make(chan int, 1)
	go func() {
		resp, err := http.Post("http://"+ln.Addr().String()+"/v1/report", "application/json", nil)
		if err != nil {
			status <- 0
			return
		}
		resp.Body.Close()
		status <- resp.StatusCode
	}()

	<-entered
	cancel()
	time.Sleep(20 * time.Millisecond)
	close(release)

	if err := <-serveErr; !errors.Is(err, context.Canceled) {
		t.Errorf("Serve returned %v, want context.Canceled", err)
	}
	if got := <-status; got != http.StatusAccepted {
		t.Errorf("in-flight ingest got status %d, want 202", got)
	}
	if got := persist.calls(); len(got) != 1 || got[0] != "api-shutdown" {
		t.Fatalf("persist calls = %v, want [api-shutdown]", got)
	}
	if !acceptedAtHide.Load() {
		t.Error("queue was persisted before the in-flight ingest finished")
	}
}

func TestAPIServiceListenFailure(t *testing.T) {
	persist := &recordingPersister{}
	var built atomic.Int32
	listenErr := errors.New("address already in use")
	svc := NewAPIService(func() Server {
		built.Add(1)
		return failingServer{err: listenErr}
	}, persist, time.Second)

	for i := 0; i < 2; i++ {
		if err := svc.Serve(context.Background()); !errors.Is(err, listenErr) {
			t.Fatalf("Serve returned %v, want %v", err, listenErr)
		}
	}

	if built.Load() != 2 {
		t.Errorf("expected a new server per Serve, built %d", built.Load())
	}
	if len(persist.calls()) != 0 {
		t.Errorf("nothing was accepted, persist must not run: %v", persist.calls())
	}
}

func TestAPIServiceNilPersister(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	svc := NewAPIService(func() Server {
		return listenerServer{Server: &http.Server{Handler: http.NotFoundHandler()}, ln: ln}
	}, nil, 0)

	if svc.shutdownTimeout != 10*time.Second {
		t.Errorf("shutdownTimeout = %v, want 10s default", svc.shutdownTimeout)
	}
	if svc.String() != "relay-api" {
		t.Errorf("String() = %q", svc.String())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := svc.Serve(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Serve returned %v, want context.Canceled", err)
	}
}
