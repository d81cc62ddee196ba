// Telemetry Relay - Reliable Delivery Pipeline for Client Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telemetry-relay

package config

import (
	"errors"
	"fmt"

	"github.com/tomtom215/telemetry-relay/internal/validation"
)

// ErrUnknownKey is returned when a key is not part of the configuration.
var ErrUnknownKey = errors.New("unknown config key")

// ConfigError describes a rejected configuration value.
type ConfigError struct {
	Field   string
	Tag     string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s: %s", e.Field, e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Validate checks every field rule. The returned *ConfigError names the first
// failing field and wraps validation.Errors listing all of them.
func Validate(cfg *Config) error {
	if cfg == nil {
		return &ConfigError{Field: "config", Tag: "required", Message: "config is nil"}
	}
	err := validation.ValidateStruct(cfg)
	if err == nil {
		return nil
	}
	var verrs validation.Errors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return &ConfigError{Field: verrs[0].Field, Tag: verrs[0].Tag, Message: verrs.Error(), Err: verrs}
	}
	return &ConfigError{Field: "config", Tag: "unknown", Message: err.Error(), Err: err}
}
