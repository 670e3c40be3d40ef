// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dispatch drives one user-initiated emergency signal from the
// button press to a terminal confirmation.
//
// # State Machine
//
//	idle -> countdown -> sending -> sent | sms_ready | error
//	sent | sms_ready -> cancelled -> idle   (soft cancel, cosmetic)
//	error -> sending                        (Retry, or Fallback to offline)
//	any terminal -> idle                    (SendAnother)
//
// Only the countdown is a real cancellation point. Once sending starts the
// signal is either on the server or persisted in the vault, and the
// machine never retracts it.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/AleutianAI/lifeline/services/transport/apiclient"
	"github.com/AleutianAI/lifeline/services/transport/connectivity"
	"github.com/AleutianAI/lifeline/services/transport/envelope"
	"github.com/AleutianAI/lifeline/services/transport/errs"
	"github.com/AleutianAI/lifeline/services/transport/geo"
	"github.com/AleutianAI/lifeline/services/transport/observe"
	"github.com/AleutianAI/lifeline/services/transport/sms"
	"github.com/AleutianAI/lifeline/services/transport/syncq"
	"github.com/AleutianAI/lifeline/services/transport/telemetry"
	"github.com/AleutianAI/lifeline/services/transport/vault"
)

// =============================================================================
// States
// =============================================================================

// State is a dispatch state.
type State string

const (
	StateIdle      State = "idle"
	StateCountdown State = "countdown"
	StateSending   State = "sending"
	StateSent      State = "sent"
	StateSMSReady  State = "sms_ready"
	StateError     State = "error"
	StateCancelled State = "cancelled"
)

// Terminal reports whether s waits for a user action.
func (s State) Terminal() bool {
	switch s {
	case StateSent, StateSMSReady, StateError:
		return true
	}
	return false
}

var (
	// ErrInvalidTransition is returned when an action does not apply to the
	// current state.
	ErrInvalidTransition = errors.New("action not allowed in current state")

	// ErrNoFallback is returned by Fallback when the failure was not a
	// network failure.
	ErrNoFallback = errors.New("offline fallback not offered for this failure")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("dispatch machine closed")
)

// =============================================================================
// Collaborators
// =============================================================================

// SignalCreator issues the direct create-signal call.
// *apiclient.Client implements it.
type SignalCreator interface {
	CreateSignal(ctx context.Context, req apiclient.SignalRequest) (*apiclient.SignalResponse, error)
}

// Credentials supplies key material for the envelope.
// *secrets.Store implements it.
type Credentials interface {
	// SMSPassphrase returns "" when no passphrase is provisioned.
	SMSPassphrase(ctx context.Context) (string, error)
	PatientID(ctx context.Context) (string, error)
}

// Deliverer hands a message to a text transport. *sms.Sender implements it.
type Deliverer interface {
	Deliver(ctx context.Context, msg sms.Message) (sms.Result, error)
}

// Deps are the machine's collaborators. API, Queue, Connectivity and
// Credentials are required.
type Deps struct {
	API          SignalCreator
	Queue        *syncq.Queue
	Connectivity connectivity.Source
	Credentials  Credentials

	// Locator re-acquires a fix when the request carries none.
	Locator geo.Locator

	// SMS may be nil; the signal is then only queued.
	SMS Deliverer
}

// Config holds the timing and addressing of a dispatch.
type Config struct {
	Countdown     time.Duration `yaml:"countdown" validate:"gte=0"`
	Tick          time.Duration `yaml:"tick" validate:"gte=0"`
	CancelDisplay time.Duration `yaml:"cancel_display" validate:"gte=0"`

	// GatewayNumber receives the encrypted text.
	GatewayNumber string `yaml:"gateway_number"`
}

// DefaultConfig returns a 5 s countdown ticking at 1 Hz and a 2 s
// cancelled display.
func DefaultConfig() Config {
	return Config{
		Countdown:     5 * time.Second,
		Tick:          time.Second,
		CancelDisplay: 2 * time.Second,
	}
}

// Request is what the user asks to send.
type Request struct {
	Status   string
	Severity int
	Details  string

	// Location is the fix already held, if any.
	Location *geo.Coordinate
}

// Snapshot is the observable state of the machine.
type Snapshot struct {
	State State `json:"state"`

	// Remaining is the whole seconds left in the countdown.
	Remaining int `json:"remaining,omitempty"`

	// SignalID is the server id after an online send.
	SignalID string `json:"signal_id,omitempty"`

	// EventID and MessageID identify the queued record after an offline send.
	EventID   string `json:"event_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`

	Route   sms.Route `json:"route,omitempty"`
	SMSSent bool      `json:"sms_sent,omitempty"`

	// Err is the failure in StateError.
	Err    error  `json:"-"`
	Reason string `json:"reason,omitempty"`

	// Fallback is true when the error offers the offline path.
	Fallback bool `json:"fallback,omitempty"`
}

// =============================================================================
// Machine
// =============================================================================

// Option configures a Machine.
type Option func(*Machine)

// WithClock injects the clock driving the countdown and cancel display.
func WithClock(c clockwork.Clock) Option {
	return func(m *Machine) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithConfig replaces DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(m *Machine) { m.cfg = cfg }
}

// Machine is the signal dispatch state machine.
//
// Thread Safety: safe for concurrent use. Subscribers are called outside
// the machine lock and may read Snapshot.
type Machine struct {
	deps   Deps
	cfg    Config
	clock  clockwork.Clock
	logger *slog.Logger
	hub    observe.Hub[Snapshot]

	outcomes metric.Int64Counter

	mu       sync.Mutex
	snap     Snapshot
	req      Request
	gen      uint64
	ticker   clockwork.Ticker
	stop     chan struct{}
	deadline time.Time
	display  clockwork.Timer
	closed   bool
}

// New creates a machine in StateIdle.
func New(deps Deps, opts ...Option) *Machine {
	m := &Machine{
		deps:   deps,
		cfg:    DefaultConfig(),
		clock:  clockwork.NewRealClock(),
		logger: slog.New(slog.DiscardHandler),
		snap:   Snapshot{State: StateIdle},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cfg.Tick <= 0 {
		m.cfg.Tick = time.Second
	}
	m.logger = m.logger.With("component", "dispatch")

	counter, err := telemetry.Meter().Int64Counter("lifeline.dispatch.outcomes",
		metric.WithDescription("Dispatch attempts by terminal state and branch"))
	if err != nil {
		m.logger.Warn("dispatch counter unavailable", "error", err)
		counter, _ = noop.NewMeterProvider().Meter("").Int64Counter("lifeline.dispatch.outcomes")
	}
	m.outcomes = counter
	return m
}

// Snapshot returns the current state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// State returns the current state name.
func (m *Machine) State() State {
	return m.Snapshot().State
}

// Subscribe calls fn with every new snapshot and returns a function that
// ends the subscription.
func (m *Machine) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	id := m.hub.Subscribe(fn)
	return func() { m.hub.Unsubscribe(id) }
}

// setLocked replaces the snapshot and returns it for publishing after the
// lock is released.
func (m *Machine) setLocked(s Snapshot) Snapshot {
	if s.Err != nil {
		s.Reason = s.Err.Error()
	}
	m.snap = s
	return s
}

func (m *Machine) publish(s Snapshot) {
	m.logger.Debug("dispatch state", "state", s.State, "remaining", s.Remaining)
	m.hub.Publish(s)
}

// =============================================================================
// Countdown
// =============================================================================

// Trigger starts the countdown for req.
//
// # Description
//
// The countdown ticks every Config.Tick and auto-advances to sending when
// it reaches zero. Sending runs on the countdown goroutine with ctx;
// cancelling ctx during the countdown behaves like Cancel.
//
// # Outputs
//
//   - error: ErrInvalidTransition unless idle, errs.InvalidFormat for a
//     severity outside 1..5
func (m *Machine) Trigger(ctx context.Context, req Request) error {
	if req.Severity < 1 || req.Severity > 5 {
		return errs.Errorf(errs.InvalidFormat, "dispatch.trigger", "severity %d not in 1..5", req.Severity)
	}
	if req.Location != nil && !req.Location.Valid() {
		return errs.Errorf(errs.InvalidFormat, "dispatch.trigger", "location %v out of range", *req.Location)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.snap.State != StateIdle {
		m.mu.Unlock()
		return fmt.Errorf("trigger from %s: %w", m.snap.State, ErrInvalidTransition)
	}

	m.gen++
	gen := m.gen
	m.req = req
	m.deadline = m.clock.Now().Add(m.cfg.Countdown)
	m.stop = make(chan struct{})
	m.ticker = m.clock.NewTicker(m.cfg.Tick)
	ticker, stop := m.ticker, m.stop
	s := m.setLocked(Snapshot{State: StateCountdown, Remaining: m.remainingLocked()})
	m.mu.Unlock()

	m.logger.Info("countdown started", "seconds", s.Remaining, "status", req.Status, "severity", req.Severity)
	m.publish(s)

	if s.Remaining == 0 {
		go m.expire(ctx, gen)
		return nil
	}
	go m.runCountdown(ctx, gen, ticker, stop)
	return nil
}

func (m *Machine) remainingLocked() int {
	left := m.deadline.Sub(m.clock.Now())
	if left <= 0 {
		return 0
	}
	return int(math.Ceil(left.Seconds()))
}

func (m *Machine) runCountdown(ctx context.Context, gen uint64, ticker clockwork.Ticker, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			if err := m.cancelCountdown(gen); err == nil {
				m.logger.Info("countdown abandoned", "reason", ctx.Err())
			}
			return
		case <-ticker.Chan():
			m.mu.Lock()
			if m.gen != gen || m.snap.State != StateCountdown {
				m.mu.Unlock()
				return
			}
			left := m.remainingLocked()
			if left > 0 {
				s := m.setLocked(Snapshot{State: StateCountdown, Remaining: left})
				m.mu.Unlock()
				m.publish(s)
				continue
			}
			m.mu.Unlock()
			m.expire(ctx, gen)
			return
		}
	}
}

// expire moves an expired countdown into sending.
func (m *Machine) expire(ctx context.Context, gen uint64) {
	m.mu.Lock()
	if m.gen != gen || m.snap.State != StateCountdown {
		m.mu.Unlock()
		return
	}
	m.stopCountdownLocked()
	req := m.req
	s := m.setLocked(Snapshot{State: StateSending})
	m.mu.Unlock()

	m.publish(s)
	m.send(ctx, gen, req, m.deps.Connectivity.Online())
}

func (m *Machine) stopCountdownLocked() {
	if m.ticker != nil {
		m.ticker.Stop()
		m.ticker = nil
	}
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
}

func (m *Machine) cancelCountdown(gen uint64) error {
	m.mu.Lock()
	if m.gen != gen || m.snap.State != StateCountdown {
		m.mu.Unlock()
		return ErrInvalidTransition
	}
	m.stopCountdownLocked()
	m.gen++
	s := m.setLocked(Snapshot{State: StateIdle})
	m.mu.Unlock()
	m.publish(s)
	return nil
}

// =============================================================================
// User Actions
// =============================================================================

// Cancel aborts a countdown, or soft-cancels a sent or queued signal.
//
// # Description
//
// During the countdown the machine returns to idle and nothing is created.
// From sent or sms_ready it shows cancelled for Config.CancelDisplay and
// then returns to idle; the signal itself is not retracted.
//
// # Outputs
//
//   - error: ErrInvalidTransition in any other state
func (m *Machine) Cancel() error {
	m.mu.Lock()
	switch m.snap.State {
	case StateCountdown:
		gen := m.gen
		m.mu.Unlock()
		if err := m.cancelCountdown(gen); err != nil {
			return fmt.Errorf("cancel: %w", err)
		}
		m.logger.Info("countdown cancelled, nothing sent")
		return nil

	case StateSent, StateSMSReady:
		m.gen++
		gen := m.gen
		m.display = m.clock.AfterFunc(m.cfg.CancelDisplay, func() { m.clearCancelled(gen) })
		s := m.setLocked(Snapshot{State: StateCancelled})
		m.mu.Unlock()
		m.logger.Info("soft cancel; signal already dispatched is not retracted")
		m.publish(s)
		return nil

	default:
		state := m.snap.State
		m.mu.Unlock()
		return fmt.Errorf("cancel from %s: %w", state, ErrInvalidTransition)
	}
}

func (m *Machine) clearCancelled(gen uint64) {
	m.mu.Lock()
	if m.gen != gen || m.snap.State != StateCancelled {
		m.mu.Unlock()
		return
	}
	m.display = nil
	s := m.setLocked(Snapshot{State: StateIdle})
	m.mu.Unlock()
	m.publish(s)
}

// SendAnother resets a terminal or cancelled machine to idle.
func (m *Machine) SendAnother() error {
	m.mu.Lock()
	if !m.snap.State.Terminal() && m.snap.State != StateCancelled {
		state := m.snap.State
		m.mu.Unlock()
		return fmt.Errorf("send another from %s: %w", state, ErrInvalidTransition)
	}
	if m.display != nil {
		m.display.Stop()
		m.display = nil
	}
	m.gen++
	m.req = Request{}
	s := m.setLocked(Snapshot{State: StateIdle})
	m.mu.Unlock()
	m.publish(s)
	return nil
}

// Retry re-enters sending from error, choosing the branch from the current
// connectivity. It returns the error of the new attempt, if any.
func (m *Machine) Retry(ctx context.Context) error {
	gen, req, err := m.reenter()
	if err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	return m.send(ctx, gen, req, m.deps.Connectivity.Online())
}

// Fallback re-enters sending through the offline branch after a network
// failure. It returns the error of the offline attempt, if any.
func (m *Machine) Fallback(ctx context.Context) error {
	m.mu.Lock()
	offered := m.snap.State == StateError && m.snap.Fallback
	m.mu.Unlock()
	if !offered {
		return ErrNoFallback
	}
	gen, req, err := m.reenter()
	if err != nil {
		return fmt.Errorf("fallback: %w", err)
	}
	return m.send(ctx, gen, req, false)
}

func (m *Machine) reenter() (uint64, Request, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, Request{}, ErrClosed
	}
	if m.snap.State != StateError {
		state := m.snap.State
		m.mu.Unlock()
		return 0, Request{}, fmt.Errorf("from %s: %w", state, ErrInvalidTransition)
	}
	m.gen++
	gen, req := m.gen, m.req
	s := m.setLocked(Snapshot{State: StateSending})
	m.mu.Unlock()
	m.publish(s)
	return gen, req, nil
}

// UpdateStatus queues a status change for a signal the server already
// knows, for example "resolved".
func (m *Machine) UpdateStatus(ctx context.Context, signalID, status, details string) (syncq.Event, error) {
	if signalID == "" || status == "" {
		return syncq.Event{}, errs.Errorf(errs.InvalidFormat, "dispatch.update_status", "signal id and status are required")
	}
	return m.deps.Queue.Enqueue(ctx, syncq.SignalUpdate, syncq.StatusChange{
		SignalID:  signalID,
		Status:    status,
		Details:   details,
		UpdatedAt: m.clock.Now().UTC(),
	})
}

// Close stops any pending countdown or display timer. Further triggers fail.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.gen++
	m.stopCountdownLocked()
	if m.display != nil {
		m.display.Stop()
		m.display = nil
	}
}

// =============================================================================
// Sending
// =============================================================================

// send runs one branch and settles the machine. It returns the failure
// that put the machine into StateError, or nil.
func (m *Machine) send(ctx context.Context, gen uint64, req Request, online bool) error {
	branch := "offline"
	if online {
		branch = "online"
	}
	ctx, span := telemetry.Tracer().Start(ctx, "dispatch.send")
	defer span.End()
	span.SetAttributes(
		attribute.String("dispatch.branch", branch),
		attribute.String("signal.status", req.Status),
		attribute.Int("signal.severity", req.Severity),
	)

	var next Snapshot
	var err error
	if online {
		next, err = m.sendOnline(ctx, req)
	} else {
		next, err = m.sendOffline(ctx, req)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		next = Snapshot{State: StateError, Err: err, Fallback: errs.OffersOfflineFallback(err)}
		m.logger.Warn("signal dispatch failed",
			"branch", branch, "kind", errs.KindOf(err), "fallback", next.Fallback, "error", err)
	}

	m.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("branch", branch),
		attribute.String("state", string(next.State)),
	))

	m.mu.Lock()
	if m.gen != gen || m.snap.State != StateSending {
		// Close or a reset won the race; the signal itself is already out.
		m.mu.Unlock()
		return err
	}
	s := m.setLocked(next)
	m.mu.Unlock()
	m.publish(s)
	return err
}

func (m *Machine) sendOnline(ctx context.Context, req Request) (Snapshot, error) {
	loc, err := m.locate(ctx, req)
	if err != nil {
		return Snapshot{}, err
	}
	m.rememberLocation(loc)

	resp, err := m.deps.API.CreateSignal(ctx, apiclient.SignalRequest{
		Latitude:  loc.Lat,
		Longitude: loc.Lon,
		Status:    req.Status,
		Severity:  req.Severity,
		Details:   req.Details,
	})
	if err != nil {
		return Snapshot{}, err
	}
	m.logger.Info("signal sent", "signal_id", resp.ID)
	return Snapshot{State: StateSent, SignalID: resp.ID}, nil
}

// sendOffline builds the envelope, persists the pending record and hands
// the envelope to a text transport. Persisting is what makes it succeed,
// so a memory-only queue fails the branch up front.
func (m *Machine) sendOffline(ctx context.Context, req Request) (Snapshot, error) {
	const op = "dispatch.offline"

	if !m.deps.Queue.Durable() {
		return Snapshot{}, fmt.Errorf("persist pending signal: %w", vault.ErrNotDurable)
	}

	loc, err := m.locate(ctx, req)
	if err != nil {
		return Snapshot{}, err
	}
	m.rememberLocation(loc)

	patientID, err := m.deps.Credentials.PatientID(ctx)
	if err != nil {
		return Snapshot{}, errs.New(errs.CryptoFailure, op, fmt.Errorf("patient id: %w", err))
	}
	passphrase, err := m.deps.Credentials.SMSPassphrase(ctx)
	if err != nil {
		return Snapshot{}, errs.New(errs.CryptoFailure, op, fmt.Errorf("sms passphrase: %w", err))
	}
	if passphrase == "" {
		m.logger.Warn("no sms passphrase provisioned, deriving key from patient id")
	}

	msgID, err := envelope.NewMessageID()
	if err != nil {
		return Snapshot{}, err
	}
	now := m.clock.Now()
	env, err := envelope.Build(envelope.Signal{
		PatientID: patientID,
		Location:  loc,
		Status:    req.Status,
		Severity:  req.Severity,
		MessageID: msgID,
		Time:      now,
	}, passphrase)
	if err != nil {
		return Snapshot{}, err
	}

	pending := syncq.PendingSignal{
		Latitude:  loc.Lat,
		Longitude: loc.Lon,
		Location:  loc.String(),
		Status:    req.Status,
		Severity:  req.Severity,
		Details:   req.Details,
		CreatedAt: now.UTC(),
		MessageID: msgID,
	}
	ev, err := m.deps.Queue.Enqueue(ctx, syncq.SignalCreate, pending)
	if err != nil {
		return Snapshot{}, fmt.Errorf("persist pending signal: %w", err)
	}

	next := Snapshot{State: StateSMSReady, EventID: ev.EventID, MessageID: msgID}
	if m.deps.SMS == nil {
		return next, nil
	}

	res, err := m.deps.SMS.Deliver(ctx, sms.Message{
		To:        m.cfg.GatewayNumber,
		Body:      env.String(),
		MessageID: msgID,
	})
	if err != nil {
		// The record is queued; reconciliation delivers it later.
		m.logger.Warn("sms handoff failed, signal stays queued", "event_id", ev.EventID, "error", err)
		return next, nil
	}
	next.Route, next.SMSSent = res.Route, res.Sent

	if res.Sent {
		m.markSMSSent(ctx, ev, pending)
	}
	m.logger.Info("signal queued for sync", "event_id", ev.EventID, "message_id", msgID, "route", res.Route, "sms_sent", res.Sent)
	return next, nil
}

// markSMSSent records the flag on the queued record. A handoff can wait on
// the user long enough for reconciliation to acknowledge the event; the
// record is then gone and stays gone.
func (m *Machine) markSMSSent(ctx context.Context, ev syncq.Event, pending syncq.PendingSignal) {
	pending.SMSSent = true
	raw, err := json.Marshal(pending)
	if err != nil {
		return
	}
	ev.Data = raw
	found, err := m.deps.Queue.Replace(ctx, ev)
	switch {
	case err != nil:
		m.logger.Warn("could not record sms_sent flag", "event_id", ev.EventID, "error", err)
	case !found:
		m.logger.Info("signal synced during sms handoff", "event_id", ev.EventID)
	}
}

// locate returns the held fix, or asks the locator up to twice.
func (m *Machine) locate(ctx context.Context, req Request) (geo.Coordinate, error) {
	const op = "dispatch.locate"

	if req.Location != nil {
		return *req.Location, nil
	}
	if m.deps.Locator == nil {
		return geo.Coordinate{}, errs.Errorf(errs.LocationUnavailable, op, "no location source")
	}

	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		c, err := m.deps.Locator.Locate(ctx)
		if err == nil && c.Valid() {
			return c, nil
		}
		if err == nil {
			err = fmt.Errorf("fix %v out of range", c)
		}
		lastErr = err
		m.logger.Warn("location attempt failed", "attempt", attempt, "error", err)
	}
	return geo.Coordinate{}, errs.New(errs.LocationUnavailable, op, lastErr)
}

// rememberLocation keeps the fix so a retry or fallback reuses it.
func (m *Machine) rememberLocation(c geo.Coordinate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.req.Location == nil {
		m.req.Location = &c
	}
}
