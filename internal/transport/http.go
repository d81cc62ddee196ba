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
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/tomtom215/telemetry-relay/internal/logging"
	"github.com/tomtom215/telemetry-relay/internal/metrics"
)

// baseTransport is a private clone of http.DefaultTransport taken at package
// load. Sends go through it so wrappers installed on the default transport
// later never see telemetry traffic.
var baseTransport = http.DefaultTransport.(*http.Transport).Clone()

// BreakerConfig configures the HTTP adapter's circuit breaker.
type BreakerConfig struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
}

// HTTPConfig configures an HTTPAdapter.
type HTTPConfig struct {
	Timeout time.Duration
	Breaker BreakerConfig

	// RateLimit caps sends per second. Zero disables limiting.
	RateLimit float64
	Burst     int

	UserAgent string
}

// DefaultHTTPConfig returns a 30s timeout, a breaker tripping after five
// consecutive failures and no rate limit.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Timeout: 30 * time.Second,
		Breaker: BreakerConfig{
			Name:             "collector",
			MaxRequests:      1,
			Timeout:          30 * time.Second,
			FailureThreshold: 5,
		},
		UserAgent: "telemetry-relay/1.0",
	}
}

// HTTPAdapter is the general-purpose request/response mechanism.
type HTTPAdapter struct {
	client    *http.Client
	breaker   *gobreaker.CircuitBreaker[struct{}]
	limiter   *rate.Limiter
	userAgent string
}

// NewHTTPAdapter creates an HTTPAdapter.
func NewHTTPAdapter(cfg HTTPConfig) *HTTPAdapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	a := &HTTPAdapter{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: baseTransport,
		},
		breaker:   NewCircuitBreaker(cfg.Breaker),
		userAgent: cfg.UserAgent,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.RateLimit) + 1
		}
		a.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return a
}

// NewCircuitBreaker creates the breaker guarding collector sends. Cancelled
// sends are not counted against the collector.
func NewCircuitBreaker(cfg BreakerConfig) *gobreaker.CircuitBreaker[struct{}] {
	if cfg.Name == "" {
		cfg.Name = "collector"
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	log := logging.WithComponent("transport")
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsExcluded: func(err error) bool {
			return errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.SetCircuitBreakerState(name, int(to))
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
		},
	}
	metrics.SetCircuitBreakerState(cfg.Name, int(gobreaker.StateClosed))
	return gobreaker.NewCircuitBreaker[struct{}](settings)
}

// Kind returns KindXHR.
func (a *HTTPAdapter) Kind() Kind { return KindXHR }

// Supported is always true: the request mechanism is the universal fallback.
func (a *HTTPAdapter) Supported() bool { return true }

// BreakerState returns the breaker state name.
func (a *HTTPAdapter) BreakerState() string {
	return a.breaker.State().String()
}

// Send POSTs body as JSON. Non-2xx responses, timeouts and an open breaker
// are reported as *TransportError.
func (a *HTTPAdapter) Send(ctx context.Context, url string, body []byte) error {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return wrapError(KindXHR, err)
		}
	}
	_, err := a.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, a.do(ctx, url, body)
	})
	return wrapError(KindXHR, err)
}

func (a *HTTPAdapter) do(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.userAgent != "" {
		req.Header.Set("User-Agent", a.userAgent)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &TransportError{Kind: KindXHR, StatusCode: resp.StatusCode}
	}
	return nil
}
