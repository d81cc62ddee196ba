// Telemetry Relay - Reliable Delivery Pipeline for Client Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telemetry-relay

package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
)

func TestSelect(t *testing.T) {
	tests := []struct {
		name string
		size int
		env  Env
		want Kind
	}{
		{name: "small with beacon", size: 100, env: Env{BeaconSupported: true}, want: KindBeacon},
		{name: "just under 60KB with beacon", size: 59 * 1024, env: Env{BeaconSupported: true}, want: KindBeacon},
		{name: "exactly 60KB with beacon", size: 60 * 1024, env: Env{BeaconSupported: true}, want: KindXHR},
		{name: "100KB with beacon", size: 100 * 1024, env: Env{BeaconSupported: true}, want: KindXHR},
		{name: "100KB without beacon", size: 100 * 1024, env: Env{}, want: KindXHR},
		{name: "tiny without beacon", size: 512, env: Env{}, want: KindImage},
		{name: "3KB without beacon", size: 3 * 1024, env: Env{}, want: KindXHR},
		{name: "forced xhr", size: 10, env: Env{BeaconSupported: true, ForceXHR: true}, want: KindXHR},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := bytes.Repeat([]byte("x"), tt.size)
			got := Select(payload, tt.env)
			if got != tt.want {
				t.Errorf("Select(%d bytes, %+v) = %s, want %s", tt.size, tt.env, got, tt.want)
			}
			if again := Select(payload, tt.env); again != got {
				t.Errorf("Select is not deterministic: %s then %s", got, again)
			}
		})
	}
}

func TestHTTPAdapterSend(t *testing.T) {
	var gotType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	a := NewHTTPAdapter(DefaultHTTPConfig())
	if err := a.Send(context.Background(), srv.URL, []byte(`{"data":1}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotType != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", gotType)
	}
	if string(gotBody) != `{"data":1}` {
		t.Errorf("body = %s", gotBody)
	}
}

func TestHTTPAdapterNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a := NewHTTPAdapter(DefaultHTTPConfig())
	err := a.Send(context.Background(), srv.URL, []byte(`{}`))

	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if te.Kind != KindXHR || te.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("unexpected error %+v", te)
	}
}

func TestHTTPAdapterTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	cfg := DefaultHTTPConfig()
	cfg.Timeout = 50 * time.Millisecond
	a := NewHTTPAdapter(cfg)

	err := a.Send(context.Background(), srv.URL, []byte(`{}`))
	var te *TransportError
	if !errors.As(err, &te) || !te.Timeout {
		t.Fatalf("expected timeout TransportError, got %v", err)
	}
}

func TestHTTPAdapterBreakerOpens(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := DefaultHTTPConfig()
	cfg.Breaker.Name = "test-breaker-opens"
	cfg.Breaker.FailureThreshold = 2
	cfg.Breaker.Timeout = time.Minute
	a := NewHTTPAdapter(cfg)

	for i := 0; i < 2; i++ {
		_ = a.Send(context.Background(), srv.URL, []byte(`{}`))
	}
	err := a.Send(context.Background(), srv.URL, []byte(`{}`))

	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	var te *TransportError
	if !errors.As(err, &te) {
		t.Errorf("open breaker must still be a TransportError, got %T", err)
	}
	if hits.Load() != 2 {
		t.Errorf("expected the open breaker to short-circuit, server saw %d requests", hits.Load())
	}
	if a.BreakerState() != "open" {
		t.Errorf("BreakerState = %q, want open", a.BreakerState())
	}
}

func TestBeaconAdapter(t *testing.T) {
	var mu sync.Mutex
	var gotType, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotType = r.Header.Get("Content-Type")
		gotBody = string(body)
		mu.Unlock()
	}))
	defer srv.Close()

	b := NewBeaconAdapter(BeaconConfig{Supported: true})
	if err := b.Send(context.Background(), srv.URL, []byte(`{"beacon":true}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	b.Close()

	mu.Lock()
	defer mu.Unlock()
	if gotBody != `{"beacon":true}` {
		t.Errorf("body = %q", gotBody)
	}
	if gotType != "text/plain;charset=UTF-8" {
		t.Errorf("Content-Type = %q", gotType)
	}
}

func TestBeaconAdapterRejects(t *testing.T) {
	tests := []struct {
		name    string
		adapter *BeaconAdapter
		body    []byte
		want    error
	}{
		{name: "unsupported", adapter: NewBeaconAdapter(BeaconConfig{Supported: false}), body: []byte("{}"), want: ErrUnsupported},
		{name: "oversized", adapter: NewBeaconAdapter(BeaconConfig{Supported: true}), body: bytes.Repeat([]byte("x"), BeaconQueueLimit+1), want: ErrPayloadTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.adapter.Send(context.Background(), "http://127.0.0.1:1", tt.body)
			if !errors.Is(err, tt.want) {
				t.Errorf("Send error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestPixelAdapter(t *testing.T) {
	var gotMethod, gotData string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotData = r.URL.Query().Get("data")
	}))
	defer srv.Close()

	p := NewPixelAdapter(0)
	body := []byte(`{"type":"error","data":"a&b=c"}`)
	if err := p.Send(context.Background(), srv.URL+"/pixel.gif", body); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotMethod != http.MethodGet {
		t.Errorf("method = %s, want GET", gotMethod)
	}
	if gotData != string(body) {
		t.Errorf("data = %q, want %q", gotData, body)
	}

	err := p.Send(context.Background(), srv.URL, bytes.Repeat([]byte("x"), PixelMaxBytes+1))
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(NewPixelAdapter(0), NewHTTPAdapter(DefaultHTTPConfig()))

	if _, ok := r.Get(KindBeacon); ok {
		t.Error("beacon was never registered")
	}
	a, ok := r.Get(KindXHR)
	if !ok || a.Kind() != KindXHR {
		t.Errorf("expected xhr adapter, got %v", a)
	}
	kinds := r.List()
	if len(kinds) != 2 || kinds[0] != KindImage || kinds[1] != KindXHR {
		t.Errorf("List = %v", kinds)
	}
}
