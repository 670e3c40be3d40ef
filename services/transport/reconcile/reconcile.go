// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package reconcile drains the sync queue to the batch endpoint.
//
// A run reads every queued event, uploads them in batches, and deletes the
// ones the server acknowledged. Delivery is at-least-once: an event leaves
// the queue only on a created, updated or duplicate verdict.
//
// Each run starts its retry budget from zero. A batch that exhausts its
// attempts stays queued and is retried by the next run with a fresh
// budget, so there is no backoff memory across runs.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/lifeline/services/transport/apiclient"
	"github.com/AleutianAI/lifeline/services/transport/connectivity"
	"github.com/AleutianAI/lifeline/services/transport/errs"
	"github.com/AleutianAI/lifeline/services/transport/observe"
	"github.com/AleutianAI/lifeline/services/transport/syncq"
	"github.com/AleutianAI/lifeline/services/transport/telemetry"
)

// ErrBusy is returned when a run is already in flight. The trigger is
// dropped, not queued.
var ErrBusy = errors.New("reconciliation already running")

// Trigger names what started a run.
type Trigger string

const (
	TriggerPeriodic     Trigger = "periodic"
	TriggerConnectivity Trigger = "connectivity"
	TriggerManual       Trigger = "manual"
	TriggerEntity       Trigger = "entity"
)

// Uploader posts one batch. *apiclient.Client implements it.
type Uploader interface {
	SyncBatch(ctx context.Context, events []syncq.Event) (*apiclient.BatchResponse, error)
}

// Config holds the run parameters.
type Config struct {
	Interval    time.Duration `yaml:"interval" validate:"gt=0"`
	BatchSize   int           `yaml:"batch_size" validate:"gt=0"`
	MaxAttempts int           `yaml:"max_attempts" validate:"gt=0"`
	BaseDelay   time.Duration `yaml:"base_delay" validate:"gt=0"`
	MaxDelay    time.Duration `yaml:"max_delay" validate:"gtefield=BaseDelay"`
}

// DefaultConfig returns a 30 s interval, batches of 50 and 5 attempts
// backing off from 1 s up to 60 s.
func DefaultConfig() Config {
	return Config{
		Interval:    30 * time.Second,
		BatchSize:   50,
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    60 * time.Second,
	}
}

// Report summarizes one run.
type Report struct {
	Trigger Trigger `json:"trigger"`

	Events    int `json:"events"`
	Batches   int `json:"batches"`
	Delivered int `json:"delivered"`
	Abandoned int `json:"abandoned"`

	// Removed counts acknowledged events deleted from the queue; Kept
	// counts error verdicts left for a later run.
	Removed int `json:"removed"`
	Kept    int `json:"kept"`

	// Attempts is the number of upload requests made.
	Attempts int `json:"attempts"`

	// Backoff is the total delay waited between attempts.
	Backoff time.Duration `json:"backoff_ns"`

	Duration  time.Duration `json:"duration_ns"`
	LastError string        `json:"last_error,omitempty"`

	// Pending is the queue depth after the run.
	Pending int `json:"pending"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock injects the clock for the periodic timer and backoff waits.
func WithClock(c clockwork.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithConfig replaces DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithJitter replaces the source of the jitter factor. fn must return a
// value in [0.5, 1.0].
func WithJitter(fn func() float64) Option {
	return func(e *Engine) { e.jitter = fn }
}

// WithSleep replaces the backoff wait.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.sleep = fn }
}

// Engine is the batch reconciliation engine.
//
// Thread Safety: safe for concurrent use. At most one run is in flight.
type Engine struct {
	uploader Uploader
	queue    *syncq.Queue
	cfg      Config
	clock    clockwork.Clock
	logger   *slog.Logger
	jitter   func() float64
	sleep    func(ctx context.Context, d time.Duration) error

	running atomic.Bool
	last    atomic.Pointer[Report]
	hub     observe.Hub[Report]
}

// New creates an engine.
func New(uploader Uploader, queue *syncq.Queue, opts ...Option) *Engine {
	e := &Engine{
		uploader: uploader,
		queue:    queue,
		cfg:      DefaultConfig(),
		clock:    clockwork.NewRealClock(),
		logger:   slog.New(slog.DiscardHandler),
		jitter:   func() float64 { return 0.5 + rand.Float64()/2 },
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.sleep == nil {
		e.sleep = e.clockSleep
	}
	e.cfg = withDefaults(e.cfg)
	e.logger = e.logger.With("component", "reconcile")
	return e
}

func withDefaults(c Config) Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = d.MaxDelay
	}
	return c
}

func (e *Engine) clockSleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.clock.After(d):
		return nil
	}
}

// Running reports whether a run is in flight.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// Last returns the report of the most recent completed run, if any.
func (e *Engine) Last() (Report, bool) {
	r := e.last.Load()
	if r == nil {
		return Report{}, false
	}
	return *r, true
}

// Subscribe calls fn after every completed run.
func (e *Engine) Subscribe(fn func(Report)) (unsubscribe func()) {
	id := e.hub.Subscribe(fn)
	return func() { e.hub.Unsubscribe(id) }
}

// Delay returns the undithered wait after the given 0-based retry:
// min(BaseDelay * 2^retry, MaxDelay).
func (e *Engine) Delay(retry int) time.Duration {
	if retry >= 62 {
		return e.cfg.MaxDelay
	}
	d := e.cfg.BaseDelay << retry
	if d <= 0 || d > e.cfg.MaxDelay {
		return e.cfg.MaxDelay
	}
	return d
}

// =============================================================================
// Runs
// =============================================================================

// Run drains the whole queue.
//
// # Outputs
//
//   - Report: what happened; batch failures are reported, not returned
//   - error: ErrBusy when another run holds the in-flight flag
func (e *Engine) Run(ctx context.Context, trigger Trigger) (Report, error) {
	return e.RunFiltered(ctx, trigger, nil)
}

// RunFiltered drains only the events keep accepts. A nil keep accepts all.
func (e *Engine) RunFiltered(ctx context.Context, trigger Trigger, keep func(syncq.Event) bool) (Report, error) {
	if !e.running.CompareAndSwap(false, true) {
		telemetry.RecordReconcileRun(string(trigger), "busy")
		e.logger.Debug("reconciliation trigger dropped, run in flight", "trigger", trigger)
		return Report{Trigger: trigger}, ErrBusy
	}
	defer e.running.Store(false)

	ctx, span := telemetry.Tracer().Start(ctx, "reconcile.run")
	defer span.End()
	span.SetAttributes(attribute.String("reconcile.trigger", string(trigger)))

	start := e.clock.Now()
	rep := Report{Trigger: trigger}

	var events []syncq.Event
	if keep == nil {
		events = e.queue.All(ctx)
	} else {
		events = e.queue.Filter(ctx, keep)
	}
	rep.Events = len(events)

	for lo := 0; lo < len(events); lo += e.cfg.BatchSize {
		hi := min(lo+e.cfg.BatchSize, len(events))
		rep.Batches++
		if err := e.runBatch(ctx, events[lo:hi], &rep); err != nil {
			rep.Abandoned++
			rep.LastError = err.Error()
			telemetry.RecordReconcileBatch("abandoned")
			if ctx.Err() != nil {
				break
			}
			continue
		}
		rep.Delivered++
		telemetry.RecordReconcileBatch("delivered")
	}

	rep.Duration = e.clock.Since(start)
	rep.Pending = e.queue.Pending(ctx)
	telemetry.ObserveReconcileDuration(rep.Duration.Seconds())

	outcome := "completed"
	if rep.Events == 0 {
		outcome = "empty"
	}
	telemetry.RecordReconcileRun(string(trigger), outcome)
	span.SetAttributes(
		attribute.Int("reconcile.events", rep.Events),
		attribute.Int("reconcile.batches", rep.Batches),
		attribute.Int("reconcile.abandoned", rep.Abandoned),
	)
	if rep.Abandoned > 0 {
		span.SetStatus(codes.Error, rep.LastError)
	}

	if rep.Events > 0 {
		e.logger.Info("reconciliation finished",
			"trigger", trigger,
			"events", rep.Events,
			"batches", rep.Batches,
			"removed", rep.Removed,
			"kept", rep.Kept,
			"abandoned", rep.Abandoned,
			"pending", rep.Pending,
			"duration", rep.Duration)
	}

	e.last.Store(&rep)
	e.hub.Publish(rep)
	return rep, nil
}

// runBatch uploads one batch with retries and applies its verdicts.
//
// Only transport failures are retried. Any other batch-level failure, and
// exhausting the attempts, abandons the batch for this run.
func (e *Engine) runBatch(ctx context.Context, batch []syncq.Event, rep *Report) error {
	ctx, span := telemetry.Tracer().Start(ctx, "reconcile.batch")
	defer span.End()
	span.SetAttributes(attribute.Int("reconcile.batch_size", len(batch)))

	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		rep.Attempts++
		resp, err := e.uploader.SyncBatch(ctx, batch)
		if err == nil {
			e.applyVerdicts(ctx, batch, resp, rep)
			span.SetAttributes(attribute.Int("reconcile.attempts", attempt))
			return nil
		}
		lastErr = err

		if !errs.Is(err, errs.TransportFailure) {
			e.logger.Warn("batch refused, abandoning for this run", "size", len(batch), "kind", errs.KindOf(err), "error", err)
			break
		}
		if attempt == e.cfg.MaxAttempts {
			e.logger.Warn("batch attempts exhausted, items stay queued", "size", len(batch), "attempts", attempt, "error", err)
			break
		}

		wait := time.Duration(float64(e.Delay(attempt-1)) * e.jitter())
		e.logger.Debug("batch upload failed, backing off", "attempt", attempt, "wait", wait, "error", err)
		telemetry.ObserveBackoff(wait.Seconds())
		rep.Backoff += wait
		if err := e.sleep(ctx, wait); err != nil {
			lastErr = err
			break
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	return fmt.Errorf("upload batch of %d: %w", len(batch), lastErr)
}

func (e *Engine) applyVerdicts(ctx context.Context, batch []syncq.Event, resp *apiclient.BatchResponse, rep *Report) {
	inBatch := make(map[string]struct{}, len(batch))
	for _, ev := range batch {
		inBatch[ev.EventID] = struct{}{}
	}

	for _, r := range resp.Results {
		if _, ok := inBatch[r.EventID]; !ok {
			e.logger.Warn("verdict for event outside batch ignored", "event_id", r.EventID)
			continue
		}
		telemetry.RecordVerdict(string(r.Status))

		if !r.Status.Acknowledged() {
			rep.Kept++
			rejected := errs.Errorf(errs.ServerRejected, "reconcile.verdict", "%s", r.Detail)
			e.logger.Warn("event rejected, kept for a later run", "event_id", r.EventID, "status", r.Status, "error", rejected)
			continue
		}
		if err := e.queue.Remove(ctx, r.EventID); err != nil {
			e.logger.Error("could not remove acknowledged event", "event_id", r.EventID, "error", err)
			continue
		}
		rep.Removed++
	}
}

// =============================================================================
// Scheduling
// =============================================================================

// Start runs the periodic timer, and reacts to connectivity coming back
// when src is not nil. It blocks until ctx is done.
//
// Periodic ticks are skipped while src reports offline.
func (e *Engine) Start(ctx context.Context, src connectivity.Source) error {
	if src != nil {
		unsubscribe := src.Subscribe(func(online bool) {
			if !online {
				return
			}
			go func() { _, _ = e.Run(ctx, TriggerConnectivity) }()
		})
		defer unsubscribe()
	}

	ticker := e.clock.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	e.logger.Info("reconciliation scheduled", "interval", e.cfg.Interval, "batch_size", e.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if src != nil && !src.Online() {
				telemetry.RecordReconcileRun(string(TriggerPeriodic), "offline")
				continue
			}
			_, _ = e.Run(ctx, TriggerPeriodic)
		}
	}
}
