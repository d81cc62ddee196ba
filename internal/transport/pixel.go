// Telemetry Relay - Reliable Delivery Pipeline for Client Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telemetry-relay

package transport

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"
)

// PixelAdapter is the GET fallback for environments without beacon support.
// The encoded record travels in the data query parameter.
type PixelAdapter struct {
	client *http.Client
}

// NewPixelAdapter creates a PixelAdapter. timeout <= 0 means 10s.
func NewPixelAdapter(timeout time.Duration) *PixelAdapter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PixelAdapter{client: &http.Client{Timeout: timeout, Transport: baseTransport}}
}

// Kind returns KindImage.
func (p *PixelAdapter) Kind() Kind { return KindImage }

// Supported is always true.
func (p *PixelAdapter) Supported() bool { return true }

// Send issues GET rawURL?data=<body>.
func (p *PixelAdapter) Send(ctx context.Context, rawURL string, body []byte) error {
	if len(body) > PixelMaxBytes {
		return &TransportError{Kind: KindImage, Err: ErrPayloadTooLarge}
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return wrapError(KindImage, err)
	}
	q := u.Query()
	q.Set("data", string(body))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return wrapError(KindImage, err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return wrapError(KindImage, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &TransportError{Kind: KindImage, StatusCode: resp.StatusCode}
	}
	return nil
}
