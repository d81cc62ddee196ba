// Telemetry Relay - Reliable Delivery Pipeline for Client Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telemetry-relay

package reporter

import (
	"context"
	"sync"
	"time"
)

// batchLoop fires flush every interval until stopped. Reset changes the
// interval without losing the loop.
type batchLoop struct {
	reset  chan time.Duration
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func startBatchLoop(parent context.Context, interval time.Duration, flush func()) *batchLoop {
	ctx, cancel := context.WithCancel(parent)
	l := &batchLoop{
		reset:  make(chan time.Duration, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go l.run(ctx, interval, flush)
	return l
}

func (l *batchLoop) run(ctx context.Context, interval time.Duration, flush func()) {
	defer close(l.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-l.reset:
			ticker.Reset(d)
		case <-ticker.C:
			flush()
		}
	}
}

// Reset applies a new interval. Only the latest pending value is kept.
func (l *batchLoop) Reset(interval time.Duration) {
	if interval <= 0 {
		return
	}
	for {
		select {
		case l.reset <- interval:
			return
		default:
		}
		select {
		case <-l.reset:
		default:
		}
	}
}

// Stop ends the loop and waits for it to exit.
func (l *batchLoop) Stop() {
	l.once.Do(l.cancel)
	<-l.done
}
