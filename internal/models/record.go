// Telemetry Relay - Reliable Delivery Pipeline for Client Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telemetry-relay

package models

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Record types produced by the built-in instrumentation and the reporter.
const (
	TypeError       = "error"
	TypePerformance = "performance"
	TypeBehavior    = "behavior"
	TypeCustom      = "custom"

	// TypeBatch marks a record whose Data is a slice of queued items sent as one unit.
	TypeBatch = "batch"
)

// Identity is the delivery metadata stamped onto every record at creation.
type Identity struct {
	AppID     string
	UserID    string
	SessionID string
}

// Record is one telemetry observation plus its delivery metadata.
//
// Data is opaque to the pipeline; it is only inspected when the record is
// serialized for the wire. A Record is treated as immutable after NewRecord:
// methods that change metadata return a modified copy.
type Record struct {
	// ID identifies the record in logs and retry bookkeeping. Not sent on the wire.
	ID string

	Data      any
	Type      string
	UserID    string
	SessionID string
	AppID     string

	// Timestamp is unix milliseconds at creation.
	Timestamp int64

	// TransportUsed is the mechanism of the most recent send attempt.
	TransportUsed string
}

// NewRecord wraps data into a Record stamped with identity and the current time.
func NewRecord(data any, recordType string, id Identity, now time.Time) Record {
	return Record{
		ID:        uuid.New().String(),
		Data:      data,
		Type:      recordType,
		UserID:    id.UserID,
		SessionID: id.SessionID,
		AppID:     id.AppID,
		Timestamp: now.UnixMilli(),
	}
}

// WithTransport returns a copy of r with TransportUsed set.
func (r Record) WithTransport(kind string) Record {
	r.TransportUsed = kind
	return r
}

// Envelope is the JSON body sent to the collector.
type Envelope struct {
	Data      any    `json:"data"`
	Type      string `json:"type,omitempty"`
	UserID    string `json:"userId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	AppID     string `json:"appId,omitempty"`
	Timestamp int64  `json:"timestamp"`
	SendType  string `json:"sendType"`
}

// Encode serializes the record into the wire envelope for sendType.
func (r Record) Encode(sendType string) ([]byte, error) {
	return json.Marshal(Envelope{
		Data:      r.Data,
		Type:      r.Type,
		UserID:    r.UserID,
		SessionID: r.SessionID,
		AppID:     r.AppID,
		Timestamp: r.Timestamp,
		SendType:  sendType,
	})
}

// QueueItem is the persisted unit of the report queue.
type QueueItem struct {
	Data      any    `json:"data"`
	Type      string `json:"type,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Age returns how long ago the item was created relative to now.
func (i QueueItem) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(i.Timestamp))
}
