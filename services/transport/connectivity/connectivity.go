// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package connectivity tracks whether the backend is reachable.
//
// Components never poll the network themselves. They read Online and
// subscribe to transitions through the Source interface, which the
// Monitor implements and tests replace freely.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/AleutianAI/lifeline/services/transport/observe"
)

// Source is the injected connectivity capability.
type Source interface {
	// Online reports the last known state.
	Online() bool

	// Subscribe calls fn on every transition and returns a function that
	// cancels the subscription.
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// Monitor holds the connectivity state and notifies on transitions.
//
// Thread Safety: safe for concurrent use.
type Monitor struct {
	mu     sync.RWMutex
	online bool
	hub    observe.Hub[bool]
	logger *slog.Logger
}

// NewMonitor creates a monitor with an initial state.
func NewMonitor(initial bool, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Monitor{online: initial, logger: logger.With("component", "connectivity")}
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Set records the state and notifies subscribers if it changed.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()

	if !changed {
		return
	}
	m.logger.Info("connectivity changed", "online", online)
	m.hub.Publish(online)
}

// Subscribe implements Source.
func (m *Monitor) Subscribe(fn func(online bool)) func() {
	id := m.hub.Subscribe(fn)
	return func() { m.hub.Unsubscribe(id) }
}

var _ Source = (*Monitor)(nil)

// =============================================================================
// Prober
// =============================================================================

// Checker answers whether the backend is reachable. *apiclient.Client
// satisfies it.
type Checker interface {
	Health(ctx context.Context) error
}

// DefaultProbeInterval is how often Prober checks the backend.
const DefaultProbeInterval = 10 * time.Second

// Prober feeds a Monitor from periodic health checks.
type Prober struct {
	checker  Checker
	monitor  *Monitor
	clock    clockwork.Clock
	interval time.Duration
	timeout  time.Duration
}

// NewProber creates a prober. interval <= 0 uses DefaultProbeInterval.
func NewProber(checker Checker, monitor *Monitor, clock clockwork.Clock, interval time.Duration) *Prober {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	return &Prober{
		checker:  checker,
		monitor:  monitor,
		clock:    clock,
		interval: interval,
		timeout:  interval / 2,
	}
}

// Probe runs one health check and records the result.
func (p *Prober) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.checker.Health(ctx)
	if err != nil {
		p.monitor.logger.Debug("health probe failed", "error", err)
	}
	p.monitor.Set(err == nil)
	return err == nil
}

// Run probes immediately and then on every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) error {
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	p.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			p.Probe(ctx)
		}
	}
}
