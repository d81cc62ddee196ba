// Telemetry Relay - Reliable Delivery Pipeline for Client Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telemetry-relay

/*
Package middleware provides HTTP instrumentation shared by the relay API.

PrometheusMetrics records request count, latency and in-flight requests.
Requests are labelled by the chi route pattern (for example "/v1/report")
rather than the raw path, so label cardinality stays bounded no matter what
clients send.

	r := chi.NewRouter()
	r.Use(middleware.PrometheusMetrics)
*/
package middleware
