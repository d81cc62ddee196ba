// Telemetry Relay - Reliable Delivery Pipeline for Client Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telemetry-relay

// Package runtimestats is a built-in plugin that periodically reports Go
// runtime statistics of the relay as performance records. It runs as a
// supervised service while started.
package runtimestats

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/tomtom215/telemetry-relay/internal/models"
	"github.com/tomtom215/telemetry-relay/internal/plugin"
)

// Name is the plugin name.
const Name = "runtime-stats"

// DefaultInterval is the sampling period when no "interval" option is set.
const DefaultInterval = time.Minute

// Sample is one runtime snapshot.
type Sample struct {
	Event        string `json:"event"`
	Goroutines   int    `json:"goroutines"`
	HeapAlloc    uint64 `json:"heapAlloc"`
	HeapObjects  uint64 `json:"heapObjects"`
	NumGC        uint32 `json:"numGC"`
	PauseTotalNs uint64 `json:"pauseTotalNs"`
}

// Plugin samples the runtime on an interval.
type Plugin struct {
	plugin.Base

	interval time.Duration
	pc       *plugin.Context
}

// New creates the runtime stats plugin. dependsOn usually names the session
// plugin so samples carry a session ID.
func New(dependsOn ...string) *Plugin {
	return &Plugin{
		Base:     plugin.Base{PluginName: Name, Requires: dependsOn},
		interval: DefaultInterval,
	}
}

// Init reads the "interval" option.
func (p *Plugin) Init(_ context.Context, pc *plugin.Context) error {
	if v, ok := pc.Options["interval"]; ok {
		switch t := v.(type) {
		case time.Duration:
			p.interval = t
		case string:
			d, err := time.ParseDuration(t)
			if err != nil {
				return fmt.Errorf("interval: %w", err)
			}
			p.interval = d
		default:
			return fmt.Errorf("interval: unsupported type %T", v)
		}
	}
	if p.interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", p.interval)
	}
	p.pc = pc
	return nil
}

// Serve reports a sample every interval until ctx is cancelled.
func (p *Plugin) Serve(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.pc.Logger.Debug("Runtime sampling started", "interval", p.interval.String())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.pc.Reporter.Report(models.TypePerformance, Collect())
		}
	}
}

// String names the service in supervisor logs.
func (p *Plugin) String() string {
	return Name
}

// Collect takes a runtime snapshot.
func Collect() Sample {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return Sample{
		Event:        "runtime",
		Goroutines:   runtime.NumGoroutine(),
		HeapAlloc:    ms.HeapAlloc,
		HeapObjects:  ms.HeapObjects,
		NumGC:        ms.NumGC,
		PauseTotalNs: ms.PauseTotalNs,
	}
}
