// Telemetry Relay - Reliable Delivery Pipeline for Client Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telemetry-relay

// Package config holds the pipeline configuration: the typed Config struct,
// layered loading with koanf and the observable Store every mutation goes
// through.
//
// Configuration Loading Order:
//  1. Defaults: DefaultConfig()
//  2. Config File: optional YAML (CONFIG_PATH, relay.yaml, /etc/telemetry-relay/relay.yaml)
//  3. Environment Variables: RELAY_ prefixed, e.g. RELAY_BATCH_SIZE -> batchSize
//
// Example:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal("Failed to load config:", err)
//	}
//	store, err := config.NewStore(cfg, bus)
package config

import (
	"time"
)

// Config is the full pipeline configuration. Koanf keys are camelCase so they
// match the keys instrumentation modules use with Store.Get and Store.Set.
type Config struct {
	AppID     string `koanf:"appId" validate:"max=128"`
	UserID    string `koanf:"userId" validate:"max=256"`
	SessionID string `koanf:"sessionId" validate:"max=256"`

	ReportURL string `koanf:"reportUrl" validate:"required,collector_url"`

	BatchSize       int           `koanf:"batchSize" validate:"gt=0"`
	BatchInterval   time.Duration `koanf:"batchInterval" validate:"gt=0"`
	SampleRate      float64       `koanf:"sampleRate" validate:"gte=0,lte=1"`
	MaxCacheSize    int           `koanf:"maxCacheSize" validate:"gt=0"`
	CacheExpireTime time.Duration `koanf:"cacheExpireTime" validate:"gt=0"`
	CacheKey        string        `koanf:"cacheKey" validate:"required"`

	EnableBatch        bool `koanf:"enableBatch"`
	EnableOfflineCache bool `koanf:"enableOfflineCache"`
	ForceXHR           bool `koanf:"forceXHR"`
	EnableRetry        bool `koanf:"enableRetry"`

	RetryStrategy RetryStrategy `koanf:"retryStrategy"`
	RetryInterval time.Duration `koanf:"retryInterval" validate:"gt=0"`

	Debug bool `koanf:"debug"`

	Transport TransportConfig `koanf:"transport"`
	Logging   LoggingConfig   `koanf:"logging"`
	Relay     RelayConfig     `koanf:"relay"`
	Bridge    BridgeConfig    `koanf:"bridge"`
}

// RetryStrategy controls exponential backoff of failed deliveries.
type RetryStrategy struct {
	MaxRetries        int           `koanf:"maxRetries" validate:"gte=0"`
	InitialDelay      time.Duration `koanf:"initialDelay" validate:"gt=0"`
	BackoffMultiplier float64       `koanf:"backoffMultiplier" validate:"gte=1"`
	MaxDelay          time.Duration `koanf:"maxDelay" validate:"gtefield=InitialDelay"`
}

// TransportConfig tunes the delivery adapters.
type TransportConfig struct {
	// BeaconSupported reports whether the fire-and-forget mechanism is available.
	BeaconSupported   bool          `koanf:"beaconSupported"`
	RequestTimeout    time.Duration `koanf:"requestTimeout" validate:"gt=0"`
	PixelTimeout      time.Duration `koanf:"pixelTimeout" validate:"gt=0"`
	MaxBeaconInFlight int           `koanf:"maxBeaconInFlight" validate:"gt=0"`

	// RateLimit caps HTTP sends per second. Zero disables limiting.
	RateLimit float64 `koanf:"rateLimit" validate:"gte=0"`

	BreakerFailures uint32        `koanf:"breakerFailures" validate:"gt=0"`
	BreakerTimeout  time.Duration `koanf:"breakerTimeout" validate:"gt=0"`
}

// LoggingConfig configures the global zerolog logger.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// RelayConfig configures the relay daemon around the pipeline.
type RelayConfig struct {
	ListenAddr    string        `koanf:"listenAddr" validate:"required"`
	StorePath     string        `koanf:"storePath"`
	CORSOrigins   []string      `koanf:"corsOrigins"`
	RateLimit     int           `koanf:"rateLimit" validate:"gte=0"`
	MaxBodyBytes  int64         `koanf:"maxBodyBytes" validate:"gt=0"`
	ProbeInterval time.Duration `koanf:"probeInterval" validate:"gt=0"`
	ProbeURL      string        `koanf:"probeUrl"`
}

// BridgeConfig configures forwarding of pipeline outcome events to NATS.
type BridgeConfig struct {
	Enabled bool   `koanf:"enabled"`
	NATSURL string `koanf:"natsUrl" validate:"omitempty,nats_url"`
	Topic   string `koanf:"topic" validate:"required_if=Enabled true"`
}

// DefaultConfig returns a Config with every optional setting filled in.
// ReportURL has no default and must be supplied.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:          10,
		BatchInterval:      5 * time.Second,
		SampleRate:         1,
		MaxCacheSize:       100,
		CacheExpireTime:    24 * time.Hour,
		CacheKey:           "telemetry_queue",
		EnableBatch:        true,
		EnableOfflineCache: true,
		EnableRetry:        true,
		RetryStrategy: RetryStrategy{
			MaxRetries:        3,
			InitialDelay:      time.Second,
			BackoffMultiplier: 2,
			MaxDelay:          30 * time.Second,
		},
		RetryInterval: 5 * time.Second,
		Transport: TransportConfig{
			BeaconSupported:   true,
			RequestTimeout:    30 * time.Second,
			PixelTimeout:      10 * time.Second,
			MaxBeaconInFlight: 64,
			BreakerFailures:   5,
			BreakerTimeout:    30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Relay: RelayConfig{
			ListenAddr:    "127.0.0.1:4318",
			CORSOrigins:   []string{"*"},
			RateLimit:     600,
			MaxBodyBytes:  1 << 20,
			ProbeInterval: 15 * time.Second,
		},
		Bridge: BridgeConfig{
			NATSURL: "nats://127.0.0.1:4222",
			Topic:   "telemetry.outcomes",
		},
	}
}
