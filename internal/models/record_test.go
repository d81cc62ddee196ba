// Telemetry Relay - Reliable Delivery Pipeline for Client Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telemetry-relay

package models

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func TestNewRecordStampsIdentity(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	rec := NewRecord(map[string]any{"msg": "boom"}, TypeError, Identity{AppID: "app", UserID: "u1", SessionID: "s1"}, now)

	if rec.ID == "" {
		t.Error("expected a generated record ID")
	}
	if rec.Timestamp != now.UnixMilli() {
		t.Errorf("expected timestamp %d, got %d", now.UnixMilli(), rec.Timestamp)
	}
	if rec.AppID != "app" || rec.UserID != "u1" || rec.SessionID != "s1" {
		t.Errorf("identity not stamped: %+v", rec)
	}
}

func TestWithTransportDoesNotMutateOriginal(t *testing.T) {
	rec := NewRecord("x", TypeCustom, Identity{}, time.Now())
	sent := rec.WithTransport("beacon")

	if rec.TransportUsed != "" {
		t.Errorf("original record mutated: %q", rec.TransportUsed)
	}
	if sent.TransportUsed != "beacon" {
		t.Errorf("expected beacon, got %q", sent.TransportUsed)
	}
}

func TestEncodeEnvelope(t *testing.T) {
	rec := NewRecord(map[string]any{"lcp": 1200}, TypePerformance, Identity{AppID: "app"}, time.UnixMilli(42))

	body, err := rec.Encode("xhr")
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	var env map[string]any
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env["sendType"] != "xhr" {
		t.Errorf("expected sendType xhr, got %v", env["sendType"])
	}
	if env["type"] != TypePerformance {
		t.Errorf("expected type performance, got %v", env["type"])
	}
	if _, ok := env["userId"]; ok {
		t.Error("empty userId should be omitted")
	}
	if _, ok := env["id"]; ok {
		t.Error("record ID must not be sent on the wire")
	}
	if env["timestamp"].(float64) != 42 {
		t.Errorf("expected timestamp 42, got %v", env["timestamp"])
	}
}
