// Telemetry Relay - Reliable Delivery Pipeline for Client Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telemetry-relay

package models

import "time"

// APIResponse wraps every relay API response.
//
// Status is "success" (see Data) or "error" (see Error).
type APIResponse struct {
	Status   string    `json:"status"`
	Data     any       `json:"data"`
	Metadata Metadata  `json:"metadata"`
	Error    *APIError `json:"error,omitempty"`
}

// Metadata is attached to every response.
type Metadata struct {
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// APIError is a machine-readable failure.
//
// Codes: VALIDATION_ERROR, PAYLOAD_TOO_LARGE, CONFIG_REJECTED, RATE_LIMIT_EXCEEDED.
type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// IngestRecord is one record posted to the relay.
type IngestRecord struct {
	Type string `json:"type" validate:"max=64"`
	Data any    `json:"data" validate:"required"`
}

// IngestRequest is the body of POST /v1/report: either a single record
// (Type, Data) or a list of Records. Batch sends Records as one batch record.
type IngestRequest struct {
	Type    string         `json:"type" validate:"max=64"`
	Data    any            `json:"data"`
	Records []IngestRecord `json:"records" validate:"max=500,dive"`
	Batch   bool           `json:"batch"`
}

// IngestResponse reports how many records entered the pipeline.
type IngestResponse struct {
	Accepted int `json:"accepted"`
}
