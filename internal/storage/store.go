// Telemetry Relay - Reliable Delivery Pipeline for Client Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telemetry-relay

// Package storage provides the host key/value store the report queue
// snapshots itself into.
//
// Two implementations are available:
//   - MemoryStore: process-local map with an optional byte quota
//   - BadgerStore: durable BadgerDB store surviving relay restarts
//
// Both enforce a quota so the queue's halve-and-retry path is exercised the
// same way regardless of backend.
package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by Get when the key has never been written.
	ErrNotFound = errors.New("storage: key not found")

	// ErrQuotaExceeded is returned by Set when the value does not fit.
	ErrQuotaExceeded = errors.New("storage: quota exceeded")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("storage: closed")
)

// Store is a synchronous key/value store. Set replaces the whole value, so a
// successful Set is always a complete snapshot.
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
}

// PersistenceError wraps a failed read or write with the key involved.
type PersistenceError struct {
	Op  string // read|write|delete
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
