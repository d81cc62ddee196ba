// Telemetry Relay - Reliable Delivery Pipeline for Client Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telemetry-relay

/*
Package models defines the data that flows through the relay.

  - Record: one telemetry observation with its identity stamp, retry count
    and the transport that finally carried it
  - Envelope: the JSON body POSTed to the collector
  - QueueItem: the persisted form of a buffered Record
  - APIResponse, IngestRequest: the relay HTTP API wire types

JSON encoding uses goccy/go-json throughout.
*/
package models
