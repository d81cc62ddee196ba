// Telemetry Relay - Reliable Delivery Pipeline for Client Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telemetry-relay

package config

import (
	"sort"
	"sync"

	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"

	"github.com/tomtom215/telemetry-relay/internal/events"
	"github.com/tomtom215/telemetry-relay/internal/logging"
)

// Reader is the read-only view handed to plugins.
type Reader interface {
	Get(key string) any
	Snapshot() Config
}

// Store is the single mutation point for configuration. Every accepted
// write emits config:changed on the bus after the store lock is released.
type Store struct {
	mu  sync.RWMutex
	k   *koanf.Koanf
	cfg Config
	bus *events.Bus
	log zerolog.Logger
}

// NewStore validates cfg and wraps it in a Store publishing on bus.
func NewStore(cfg *Config, bus *events.Bus) (*Store, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	k, err := toKoanf(cfg)
	if err != nil {
		return nil, err
	}
	return &Store{
		k:   k,
		cfg: cloneConfig(*cfg),
		bus: bus,
		log: logging.WithComponent("config"),
	}, nil
}

// Get returns the value at a dotted key, or nil when the key is unknown.
func (s *Store) Get(key string) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.k.Get(key)
}

// GetAll returns a flattened copy of every key.
func (s *Store) GetAll() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.k.All()
}

// Snapshot returns a copy of the typed configuration.
func (s *Store) Snapshot() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneConfig(s.cfg)
}

// Set validates and applies a single key. An invalid value leaves the store
// untouched.
func (s *Store) Set(key string, value any) error {
	return s.Merge(map[string]any{key: value})
}

// Merge applies several keys at once. The merged result is validated as a
// whole before any key is applied; afterwards one change event is emitted
// per key, in key order.
func (s *Store) Merge(partial map[string]any) error {
	if len(partial) == 0 {
		return nil
	}
	keys := sortedKeys(partial)

	s.mu.Lock()
	old := make(map[string]any, len(keys))
	for _, key := range keys {
		old[key] = s.k.Get(key)
	}
	next, k, err := s.candidate(keys, partial)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.k = k
	s.cfg = next
	changes := make([]events.ConfigChange, 0, len(keys))
	for _, key := range keys {
		changes = append(changes, events.ConfigChange{Key: key, Value: k.Get(key), OldValue: old[key]})
	}
	s.mu.Unlock()

	for _, c := range changes {
		s.log.Debug().Str("key", c.Key).Interface("value", c.Value).Msg("Config changed")
		if s.bus != nil {
			events.ConfigChanged.Publish(s.bus, c)
		}
	}
	return nil
}

// Validate reports whether partial would be accepted by Merge, without applying it.
func (s *Store) Validate(partial map[string]any) error {
	if len(partial) == 0 {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, _, err := s.candidate(sortedKeys(partial), partial)
	return err
}

// candidate builds and validates the config that would result from applying
// partial. Callers hold s.mu.
func (s *Store) candidate(keys []string, partial map[string]any) (Config, *koanf.Koanf, error) {
	cand := s.k.Copy()
	for _, key := range keys {
		if !cand.Exists(key) {
			return Config{}, nil, &ConfigError{Field: key, Tag: "unknown", Message: "no such key", Err: ErrUnknownKey}
		}
		if err := cand.Set(key, partial[key]); err != nil {
			return Config{}, nil, &ConfigError{Field: key, Tag: "type", Message: err.Error(), Err: err}
		}
	}

	var next Config
	if err := cand.Unmarshal("", &next); err != nil {
		return Config{}, nil, &ConfigError{Field: keys[0], Tag: "type", Message: err.Error(), Err: err}
	}
	if err := Validate(&next); err != nil {
		return Config{}, nil, err
	}

	k, err := toKoanf(&next)
	if err != nil {
		return Config{}, nil, err
	}
	return next, k, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func cloneConfig(c Config) Config {
	if c.Relay.CORSOrigins != nil {
		c.Relay.CORSOrigins = append([]string(nil), c.Relay.CORSOrigins...)
	}
	return c
}
