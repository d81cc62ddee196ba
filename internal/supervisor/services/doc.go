// Telemetry Relay - Reliable Delivery Pipeline for Client Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telemetry-relay

/*
Package services provides suture.Service wrappers for relay components.

Each wrapper translates a component lifecycle (ListenAndServe/Shutdown,
Start/Close, periodic work) into suture's context-aware Serve:

	type Service interface {
	    Serve(ctx context.Context) error
	}

  - APIService: the ingest and operator API; drains ingest, then persists the queue
  - StoreGCService: periodic Badger value log GC for the queue store
  - BridgeService: keeps the NATS event bridge subscribed

Wrappers implement fmt.Stringer so suture names them in its event log.
*/
package services
