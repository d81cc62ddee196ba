// Telemetry Relay - Reliable Delivery Pipeline for Client Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telemetry-relay

package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/tomtom215/telemetry-relay/internal/metrics"
	"github.com/tomtom215/telemetry-relay/internal/models"
	"github.com/tomtom215/telemetry-relay/internal/pipeline"
	"github.com/tomtom215/telemetry-relay/internal/retry"
	"github.com/tomtom215/telemetry-relay/internal/validation"
)

// Relay is the part of the pipeline the HTTP surface drives.
type Relay interface {
	Submit(recordType string, data any)
	SubmitBatch(items []any)
	Flush(ctx context.Context) error
	RetryAll(ctx context.Context) retry.Result
	Stats() pipeline.Stats
}

// ConfigStore reads and patches the live configuration.
type ConfigStore interface {
	GetAll() map[string]any
	Merge(partial map[string]any) error
}

// restartOnly lists key prefixes that are read once at startup and cannot be
// patched at runtime.
var restartOnly = []string{"relay.", "bridge.", "cacheKey"}

// Handler serves the relay API.
type Handler struct {
	relay        Relay
	config       ConfigStore
	maxBodyBytes int64
}

// NewHandler creates a Handler. maxBodyBytes caps POST bodies.
func NewHandler(relay Relay, config ConfigStore, maxBodyBytes int64) *Handler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1 << 20
	}
	return &Handler{relay: relay, config: config, maxBodyBytes: maxBodyBytes}
}

// Report accepts one record or a list of records.
//
//	POST /v1/report {"type":"error","data":{...}}
//	POST /v1/report {"records":[{"type":"click","data":{...}}],"batch":true}
func (h *Handler) Report(w http.ResponseWriter, r *http.Request) {
	var req models.IngestRequest
	if !h.decode(w, r, &req) {
		metrics.RecordIngest("invalid")
		return
	}

	if err := validation.ValidateStruct(&req); err != nil {
		metrics.RecordIngest("invalid")
		respondError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "invalid report", err)
		return
	}

	accepted := 0
	switch {
	case len(req.Records) > 0 && req.Batch:
		items := make([]any, len(req.Records))
		for i, rec := range req.Records {
			items[i] = rec.Data
		}
		h.relay.SubmitBatch(items)
		accepted = len(items)
	case len(req.Records) > 0:
		for _, rec := range req.Records {
			h.relay.Submit(rec.Type, rec.Data)
		}
		accepted = len(req.Records)
	case req.Data != nil:
		h.relay.Submit(req.Type, req.Data)
		accepted = 1
	default:
		metrics.RecordIngest("invalid")
		respondError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "report has no data",
			errors.New("either data or records is required"))
		return
	}

	metrics.RecordIngest("accepted")
	respondData(w, r, http.StatusAccepted, models.IngestResponse{Accepted: accepted})
}

// Stats returns queue, retry and plugin state.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	respondData(w, r, http.StatusOK, h.relay.Stats())
}

// Flush sends everything buffered in the queue now.
func (h *Handler) Flush(w http.ResponseWriter, r *http.Request) {
	if err := h.relay.Flush(r.Context()); err != nil {
		respondError(w, r, http.StatusBadGateway, "FLUSH_FAILED", "flush failed", err)
		return
	}
	respondData(w, r, http.StatusOK, h.relay.Stats().Queue)
}

// RetryAll re-attempts every pending retry immediately.
func (h *Handler) RetryAll(w http.ResponseWriter, r *http.Request) {
	respondData(w, r, http.StatusOK, h.relay.RetryAll(r.Context()))
}

// GetConfig returns every config key.
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	respondData(w, r, http.StatusOK, h.config.GetAll())
}

// PatchConfig applies a partial update. The whole patch is rejected when any
// key is unknown, restart-only or invalid.
func (h *Handler) PatchConfig(w http.ResponseWriter, r *http.Request) {
	var patch map[string]any
	if !h.decode(w, r, &patch) {
		return
	}
	for key := range patch {
		for _, prefix := range restartOnly {
			if strings.HasPrefix(key, prefix) {
				respondError(w, r, http.StatusBadRequest, "CONFIG_REJECTED", "key requires a restart",
					errors.New(key+" cannot be changed at runtime"))
				return
			}
		}
	}
	if err := h.config.Merge(patch); err != nil {
		respondError(w, r, http.StatusBadRequest, "CONFIG_REJECTED", "config rejected", err)
		return
	}
	respondData(w, r, http.StatusOK, h.config.GetAll())
}

// Health reports liveness and whether the collector is reachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	stats := h.relay.Stats()
	respondData(w, r, http.StatusOK, map[string]any{
		"status": "ok",
		"online": stats.Online,
	})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, r, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "request body too large", err)
			return false
		}
		respondError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "unreadable body", err)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		respondError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "invalid JSON body", err)
		return false
	}
	return true
}
