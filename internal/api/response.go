// Telemetry Relay - Reliable Delivery Pipeline for Client Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telemetry-relay

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tomtom215/telemetry-relay/internal/logging"
	"github.com/tomtom215/telemetry-relay/internal/models"
	"github.com/tomtom215/telemetry-relay/internal/validation"
)

func respondJSON(w http.ResponseWriter, r *http.Request, status int, resp *models.APIResponse) {
	if resp.Metadata.Timestamp.IsZero() {
		resp.Metadata.Timestamp = time.Now().UTC()
	}
	if resp.Metadata.RequestID == "" {
		resp.Metadata.RequestID = logging.RequestIDFromContext(r.Context())
	}

	body, err := json.Marshal(resp)
	if err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Msg("Failed to encode JSON response")
		http.Error(w, `{"status":"error","error":{"code":"INTERNAL_ERROR","message":"failed to encode response"}}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		logging.Ctx(r.Context()).Debug().Err(err).Msg("Failed to write response")
	}
}

func respondData(w http.ResponseWriter, r *http.Request, status int, data any) {
	respondJSON(w, r, status, &models.APIResponse{Status: "success", Data: data})
}

func respondError(w http.ResponseWriter, r *http.Request, status int, code, message string, err error) {
	if err != nil {
		level := zerolog.WarnLevel
		if status >= http.StatusInternalServerError {
			level = zerolog.ErrorLevel
		}
		logging.Ctx(r.Context()).WithLevel(level).Err(err).Str("code", code).Int("status", status).Msg(message)
	}

	apiErr := &models.APIError{Code: code, Message: message}
	if err != nil && status < http.StatusInternalServerError {
		apiErr.Details = errorDetails(err)
	}
	respondJSON(w, r, status, &models.APIResponse{Status: "error", Error: apiErr})
}

// errorDetails maps validation failures to field -> message; any other error
// becomes {"reason": ...}.
func errorDetails(err error) map[string]any {
	var verrs validation.Errors
	if errors.As(err, &verrs) {
		details := make(map[string]any, len(verrs))
		for _, fe := range verrs {
			details[fe.Field] = fe.Message
		}
		return details
	}
	return map[string]any{"reason": err.Error()}
}
