// Telemetry Relay - Reliable Delivery Pipeline for Client Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telemetry-relay

package reporter

import (
	"errors"
	"fmt"

	"github.com/tomtom215/telemetry-relay/internal/models"
)

// ErrSkipped is returned by BeforeSend to drop a record silently.
var ErrSkipped = errors.New("record skipped by before-send hook")

// Hooks are caller callbacks around every delivery attempt. Any of them may
// be nil. Panics inside hooks are recovered and logged.
type Hooks struct {
	// BeforeSend may rewrite the record. Returning ErrSkipped drops it without
	// an error; any other error aborts the send and is reported as a failure.
	BeforeSend func(rec models.Record) (models.Record, error)

	// OnSuccess runs after a successful attempt.
	OnSuccess func(res Result)

	// OnError runs after a failed attempt.
	OnError func(rec models.Record, err error)

	// Finally runs after every attempt, including ones whose hooks panicked.
	Finally func(rec models.Record)
}

func (r *Reporter) beforeSend(rec models.Record) (out models.Record, err error) {
	if r.hooks.BeforeSend == nil {
		return rec, nil
	}
	defer func() {
		if p := recover(); p != nil {
			r.log.Error().Interface("panic", p).Msg("BeforeSend hook panicked")
			out, err = rec, nil
		}
	}()
	return r.hooks.BeforeSend(rec)
}

func (r *Reporter) onSuccess(res Result) {
	if r.hooks.OnSuccess == nil {
		return
	}
	r.guard("OnSuccess", func() { r.hooks.OnSuccess(res) })
}

func (r *Reporter) onError(rec models.Record, err error) {
	if r.hooks.OnError == nil {
		return
	}
	r.guard("OnError", func() { r.hooks.OnError(rec, err) })
}

func (r *Reporter) finally(rec models.Record) {
	if r.hooks.Finally == nil {
		return
	}
	r.guard("Finally", func() { r.hooks.Finally(rec) })
}

func (r *Reporter) guard(name string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error().Str("hook", name).Err(fmt.Errorf("panic: %v", p)).Msg("Reporter hook panicked")
		}
	}()
	fn()
}
