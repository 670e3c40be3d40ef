// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/lifeline/services/transport/apiclient"
	"github.com/AleutianAI/lifeline/services/transport/connectivity"
	"github.com/AleutianAI/lifeline/services/transport/envelope"
	"github.com/AleutianAI/lifeline/services/transport/errs"
	"github.com/AleutianAI/lifeline/services/transport/geo"
	"github.com/AleutianAI/lifeline/services/transport/sms"
	"github.com/AleutianAI/lifeline/services/transport/syncq"
	"github.com/AleutianAI/lifeline/services/transport/vault"
)

// =============================================================================
// Fixtures
// =============================================================================

type fakeAPI struct {
	mu   sync.Mutex
	reqs []apiclient.SignalRequest
	err  error
	id   string
}

func (f *fakeAPI) CreateSignal(_ context.Context, req apiclient.SignalRequest) (*apiclient.SignalResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return &apiclient.SignalResponse{ID: f.id, Status: "received"}, nil
}

func (f *fakeAPI) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

type fakeCreds struct {
	passphrase string
	patientID  string
}

func (f fakeCreds) SMSPassphrase(context.Context) (string, error) { return f.passphrase, nil }
func (f fakeCreds) PatientID(context.Context) (string, error) {
	if f.patientID == "" {
		return "", errors.New("not provisioned")
	}
	return f.patientID, nil
}

type fakeSMS struct {
	mu     sync.Mutex
	msgs   []sms.Message
	result sms.Result
	err    error

	// during runs while the handoff is open, as a user would take time
	during func()
}

func (f *fakeSMS) Deliver(_ context.Context, msg sms.Message) (sms.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	if f.during != nil {
		f.during()
	}
	return f.result, f.err
}

func (f *fakeSMS) delivered() []sms.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sms.Message(nil), f.msgs...)
}

type harness struct {
	m     *Machine
	api   *fakeAPI
	sms   *fakeSMS
	net   *connectivity.Monitor
	queue *syncq.Queue
	clock *clockwork.FakeClock
}

func newHarness(t *testing.T, online bool, mutate ...func(*Deps)) *harness {
	t.Helper()
	v, err := vault.Open(vault.Config{Driver: vault.DriverMemory}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = v.Close() })

	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC))
	h := &harness{
		api:   &fakeAPI{id: "sos-1"},
		sms:   &fakeSMS{result: sms.Result{Route: sms.RouteNative, Sent: true}},
		net:   connectivity.NewMonitor(online, nil),
		queue: syncq.NewQueue(v, syncq.WithClock(clock)),
		clock: clock,
	}
	deps := Deps{
		API:          h.api,
		Queue:        h.queue,
		Connectivity: h.net,
		Credentials:  fakeCreds{passphrase: "shared secret", patientID: "P-1001"},
		SMS:          h.sms,
	}
	for _, fn := range mutate {
		fn(&deps)
	}
	cfg := DefaultConfig()
	cfg.GatewayNumber = "+15550199"
	h.m = New(deps, WithClock(clock), WithConfig(cfg))
	t.Cleanup(h.m.Close)
	return h
}

func here(lat, lon float64) *geo.Coordinate {
	return &geo.Coordinate{Lat: lat, Lon: lon}
}

func (h *harness) waitFor(t *testing.T, want State) Snapshot {
	t.Helper()
	require.Eventually(t, func() bool { return h.m.State() == want }, 2*time.Second, 5*time.Millisecond,
		"want state %s, have %s", want, h.m.State())
	return h.m.Snapshot()
}

// expire runs the countdown to zero.
func (h *harness) expire(t *testing.T) {
	t.Helper()
	h.clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool { return h.m.State() != StateCountdown }, 2*time.Second, 5*time.Millisecond)
}

// =============================================================================
// Countdown
// =============================================================================

func TestCountdown_CancelLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)

	require.NoError(t, h.m.Trigger(ctx, Request{Status: "injured", Severity: 3, Location: here(31.5, 34.47)}))
	assert.Equal(t, Snapshot{State: StateCountdown, Remaining: 5}, h.m.Snapshot())

	for _, want := range []int{4, 3} {
		h.clock.Advance(time.Second)
		require.Eventually(t, func() bool { return h.m.Snapshot().Remaining == want }, 2*time.Second, 5*time.Millisecond)
	}

	require.NoError(t, h.m.Cancel())
	assert.Equal(t, StateIdle, h.m.State())

	// a late tick must not resurrect the countdown
	h.clock.Advance(10 * time.Second)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, StateIdle, h.m.State())
	assert.Equal(t, 0, h.queue.Pending(ctx))
	assert.Zero(t, h.api.calls())
	assert.Empty(t, h.sms.delivered())
}

func TestCountdown_ContextCancelReturnsToIdle(t *testing.T) {
	h := newHarness(t, true)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, h.m.Trigger(ctx, Request{Status: "trapped", Severity: 2, Location: here(1, 2)}))
	cancel()

	h.waitFor(t, StateIdle)
	assert.Zero(t, h.api.calls())
}

func TestTrigger_Rejects(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)

	err := h.m.Trigger(ctx, Request{Status: "injured", Severity: 0})
	assert.True(t, errs.Is(err, errs.InvalidFormat))

	err = h.m.Trigger(ctx, Request{Status: "injured", Severity: 2, Location: here(91, 0)})
	assert.True(t, errs.Is(err, errs.InvalidFormat))

	require.NoError(t, h.m.Trigger(ctx, Request{Status: "injured", Severity: 2}))
	err = h.m.Trigger(ctx, Request{Status: "injured", Severity: 2})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

// =============================================================================
// Offline Branch
// =============================================================================

func TestOffline_ExpiryQueuesOneRecordAndSends(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)

	require.NoError(t, h.m.Trigger(ctx, Request{Status: "injured", Severity: 3, Location: here(31.5, 34.47)}))
	h.expire(t)
	snap := h.waitFor(t, StateSMSReady)

	pending := h.queue.PendingSignals(ctx)
	require.Len(t, pending, 1)
	assert.Equal(t, "31.500,34.470", pending[0].Location)
	assert.Equal(t, "injured", pending[0].Status)
	assert.Equal(t, 3, pending[0].Severity)
	assert.True(t, pending[0].SMSSent)
	assert.Equal(t, snap.MessageID, pending[0].MessageID)
	assert.Equal(t, 1, h.queue.Pending(ctx), "marking sms_sent must not add a second event")

	assert.Equal(t, sms.RouteNative, snap.Route)
	assert.True(t, snap.SMSSent)
	assert.NotEmpty(t, snap.EventID)
	assert.Zero(t, h.api.calls())

	msgs := h.sms.delivered()
	require.Len(t, msgs, 1)
	assert.Equal(t, "+15550199", msgs[0].To)
	assert.Equal(t, snap.MessageID, msgs[0].MessageID)

	key, err := envelope.DeriveKey("shared secret")
	require.NoError(t, err)
	rec, err := envelope.Open(envelope.Envelope(msgs[0].Body), key)
	require.NoError(t, err)
	assert.Equal(t, envelope.Record{
		PatientID: "P-1001",
		Location:  "31.500,34.470",
		Status:    "i",
		Severity:  "3",
		Timestamp: "1717228805",
		MessageID: snap.MessageID,
	}, rec)
}

func TestOffline_WeakPassphraseFallback(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, func(d *Deps) {
		d.Credentials = fakeCreds{patientID: "P-7"}
	})

	require.NoError(t, h.m.Trigger(ctx, Request{Status: "medical", Severity: 5, Location: here(10, 20)}))
	h.expire(t)
	h.waitFor(t, StateSMSReady)

	msgs := h.sms.delivered()
	require.Len(t, msgs, 1)
	key, err := envelope.DeriveKey("P-7")
	require.NoError(t, err)
	_, err = envelope.Open(envelope.Envelope(msgs[0].Body), key)
	assert.NoError(t, err)
}

func TestOffline_DeclinedHandoffStillQueued(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)
	h.sms.result = sms.Result{Route: sms.RouteInteractive, Sent: false}

	require.NoError(t, h.m.Trigger(ctx, Request{Status: "trapped", Severity: 4, Location: here(1, 1)}))
	h.expire(t)
	snap := h.waitFor(t, StateSMSReady)

	assert.False(t, snap.SMSSent)
	pending := h.queue.PendingSignals(ctx)
	require.Len(t, pending, 1)
	assert.False(t, pending[0].SMSSent)
}

func TestOffline_HandoffFailureStillQueued(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)
	h.sms.err = errs.Errorf(errs.TransportFailure, "sms.deliver", "no sms path available")

	require.NoError(t, h.m.Trigger(ctx, Request{Status: "trapped", Severity: 4, Location: here(1, 1)}))
	h.expire(t)
	h.waitFor(t, StateSMSReady)
	assert.Equal(t, 1, h.queue.Pending(ctx))
}

func TestOffline_SyncedDuringHandoffStaysAcknowledged(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)
	h.sms.during = func() {
		// reconciliation acknowledges the record while the user is in
		// the messaging app
		for _, ev := range h.queue.All(ctx) {
			assert.NoError(t, h.queue.Remove(ctx, ev.EventID))
		}
	}

	require.NoError(t, h.m.Trigger(ctx, Request{Status: "trapped", Severity: 4, Location: here(1, 1)}))
	h.expire(t)
	snap := h.waitFor(t, StateSMSReady)

	assert.True(t, snap.SMSSent)
	assert.Equal(t, 0, h.queue.Pending(ctx), "sms_sent flag brought back an acknowledged event")
}

func TestOffline_MemoryOnlyQueueFails(t *testing.T) {
	ctx := context.Background()

	// a second opener of a locked badger directory gets the memory fallback
	cfg := vault.Config{Driver: vault.DriverBadger, Path: t.TempDir()}
	held, err := vault.Open(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = held.Close() })
	fallback, err := vault.Open(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fallback.Close() })
	require.True(t, fallback.Degraded())

	queue := syncq.NewQueue(fallback)
	h := newHarness(t, false, func(d *Deps) { d.Queue = queue })

	require.NoError(t, h.m.Trigger(ctx, Request{Status: "injured", Severity: 3, Location: here(1, 1)}))
	h.expire(t)
	snap := h.waitFor(t, StateError)

	assert.ErrorIs(t, snap.Err, vault.ErrNotDurable)
	assert.False(t, snap.Fallback)
	assert.Equal(t, 0, queue.Pending(ctx))
	assert.Empty(t, h.sms.delivered())
}

func TestOffline_PermissionDeniedUsesInteractive(t *testing.T) {
	ctx := context.Background()
	interactive := &confirmingHandoff{}
	sender := sms.NewSender(deniedNative{}, interactive, nil)
	h := newHarness(t, false, func(d *Deps) { d.SMS = sender })

	require.NoError(t, h.m.Trigger(ctx, Request{Status: "injured", Severity: 3, Location: here(31.5, 34.47)}))
	h.expire(t)
	snap := h.waitFor(t, StateSMSReady)

	assert.Equal(t, sms.RouteInteractive, snap.Route)
	assert.True(t, snap.SMSSent)
	assert.Equal(t, 1, interactive.count())
}

type deniedNative struct{}

func (deniedNative) Available(context.Context) bool { return true }
func (deniedNative) Permitted(context.Context) error {
	return errs.Errorf(errs.PermissionDenied, "test", "user declined")
}
func (deniedNative) Send(context.Context, sms.Message) error {
	return errors.New("must not be called")
}

type confirmingHandoff struct {
	mu sync.Mutex
	n  int
}

func (c *confirmingHandoff) Handoff(context.Context, sms.Message) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return true, nil
}

func (c *confirmingHandoff) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// =============================================================================
// Location
// =============================================================================

func TestLocation_TwoAttemptsThenRetry(t *testing.T) {
	ctx := context.Background()

	var mu sync.Mutex
	attempts := 0
	fix := false
	locator := geo.LocatorFunc(func(context.Context) (geo.Coordinate, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if !fix {
			return geo.Coordinate{}, errors.New("no satellites")
		}
		return geo.Coordinate{Lat: 31.5, Lon: 34.47}, nil
	})
	h := newHarness(t, false, func(d *Deps) { d.Locator = locator })

	require.NoError(t, h.m.Trigger(ctx, Request{Status: "injured", Severity: 3}))
	h.expire(t)
	snap := h.waitFor(t, StateError)

	assert.True(t, errs.Is(snap.Err, errs.LocationUnavailable))
	assert.False(t, snap.Fallback)
	assert.NotEmpty(t, snap.Reason)
	mu.Lock()
	assert.Equal(t, 2, attempts)
	fix = true
	mu.Unlock()
	assert.Equal(t, 0, h.queue.Pending(ctx))

	assert.ErrorIs(t, h.m.Fallback(ctx), ErrNoFallback)
	require.NoError(t, h.m.Retry(ctx))
	assert.Equal(t, StateSMSReady, h.m.State())
	assert.Equal(t, "31.500,34.470", h.queue.PendingSignals(ctx)[0].Location)
}

func TestLocation_NoSource(t *testing.T) {
	h := newHarness(t, false)
	require.NoError(t, h.m.Trigger(context.Background(), Request{Status: "injured", Severity: 1}))
	h.expire(t)
	snap := h.waitFor(t, StateError)
	assert.True(t, errs.Is(snap.Err, errs.LocationUnavailable))
}

// =============================================================================
// Online Branch
// =============================================================================

func TestOnline_Success(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)

	require.NoError(t, h.m.Trigger(ctx, Request{Status: "injured", Severity: 3, Details: "leg", Location: here(31.5, 34.47)}))
	h.expire(t)
	snap := h.waitFor(t, StateSent)

	assert.Equal(t, "sos-1", snap.SignalID)
	require.Equal(t, 1, h.api.calls())
	assert.Equal(t, apiclient.SignalRequest{Latitude: 31.5, Longitude: 34.47, Status: "injured", Severity: 3, Details: "leg"}, h.api.reqs[0])
	assert.Equal(t, 0, h.queue.Pending(ctx))
}

func TestOnline_FailureThenFallback(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)
	h.api.err = errs.Errorf(errs.TransportFailure, "apiclient.create_signal", "connection refused")

	require.NoError(t, h.m.Trigger(ctx, Request{Status: "injured", Severity: 3, Location: here(31.5, 34.47)}))
	h.expire(t)
	snap := h.waitFor(t, StateError)

	assert.True(t, snap.Fallback)
	assert.Equal(t, 1, h.api.calls(), "no automatic retry")
	assert.Equal(t, 0, h.queue.Pending(ctx))

	require.NoError(t, h.m.Fallback(ctx))
	snap = h.m.Snapshot()
	assert.Equal(t, StateSMSReady, snap.State)
	assert.Equal(t, 1, h.api.calls())

	pending := h.queue.PendingSignals(ctx)
	require.Len(t, pending, 1)
	assert.Equal(t, "31.500,34.470", pending[0].Location)
}

func TestOnline_RejectionOffersRetryOnly(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)
	h.api.err = errs.Errorf(errs.ServerRejected, "apiclient.create_signal", "status 422")

	require.NoError(t, h.m.Trigger(ctx, Request{Status: "injured", Severity: 3, Location: here(1, 1)}))
	h.expire(t)
	snap := h.waitFor(t, StateError)
	assert.False(t, snap.Fallback)
	assert.ErrorIs(t, h.m.Fallback(ctx), ErrNoFallback)

	h.api.mu.Lock()
	h.api.err = nil
	h.api.mu.Unlock()
	require.NoError(t, h.m.Retry(ctx))
	assert.Equal(t, StateSent, h.m.State())
}

// =============================================================================
// Terminal Actions
// =============================================================================

func TestSoftCancel_DisplaysThenIdles(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)

	require.NoError(t, h.m.Trigger(ctx, Request{Status: "injured", Severity: 3, Location: here(1, 1)}))
	h.expire(t)
	h.waitFor(t, StateSMSReady)

	require.NoError(t, h.m.Cancel())
	assert.Equal(t, StateCancelled, h.m.State())

	h.clock.Advance(2 * time.Second)
	h.waitFor(t, StateIdle)
	assert.Equal(t, 1, h.queue.Pending(ctx), "soft cancel does not retract the queued signal")
}

func TestSendAnother(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)

	assert.ErrorIs(t, h.m.SendAnother(), ErrInvalidTransition)

	require.NoError(t, h.m.Trigger(ctx, Request{Status: "safe", Severity: 1, Location: here(1, 1)}))
	assert.ErrorIs(t, h.m.SendAnother(), ErrInvalidTransition)
	h.expire(t)
	h.waitFor(t, StateSent)

	require.NoError(t, h.m.SendAnother())
	assert.Equal(t, Snapshot{State: StateIdle}, h.m.Snapshot())

	require.NoError(t, h.m.Trigger(ctx, Request{Status: "safe", Severity: 1, Location: here(1, 1)}))
}

func TestSendAnother_StopsCancelDisplay(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)

	require.NoError(t, h.m.Trigger(ctx, Request{Status: "safe", Severity: 1, Location: here(1, 1)}))
	h.expire(t)
	h.waitFor(t, StateSent)
	require.NoError(t, h.m.Cancel())
	require.NoError(t, h.m.SendAnother())

	require.NoError(t, h.m.Trigger(ctx, Request{Status: "safe", Severity: 1, Location: here(1, 1)}))
	h.clock.Advance(2 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateCountdown, h.m.State(), "stale display timer must not reset a new countdown")
}

func TestCancel_NotAllowedWhileErrored(t *testing.T) {
	h := newHarness(t, true)
	h.api.err = errs.ErrTransportFailure

	require.NoError(t, h.m.Trigger(context.Background(), Request{Status: "safe", Severity: 1, Location: here(1, 1)}))
	h.expire(t)
	h.waitFor(t, StateError)
	assert.ErrorIs(t, h.m.Cancel(), ErrInvalidTransition)
}

func TestUpdateStatus_QueuesSignalUpdate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)

	ev, err := h.m.UpdateStatus(ctx, "sos-1", "resolved", "")
	require.NoError(t, err)
	assert.Equal(t, syncq.SignalUpdate, ev.Type)

	var upd syncq.StatusChange
	require.NoError(t, ev.Decode(&upd))
	assert.Equal(t, "sos-1", upd.SignalID)
	assert.Equal(t, "resolved", upd.Status)
	assert.Equal(t, 1, h.queue.Pending(ctx))

	_, err = h.m.UpdateStatus(ctx, "", "resolved", "")
	assert.True(t, errs.Is(err, errs.InvalidFormat))
}

func TestSubscribe_SeesTransitions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)

	var mu sync.Mutex
	var seen []State
	unsubscribe := h.m.Subscribe(func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if len(seen) == 0 || seen[len(seen)-1] != s.State {
			seen = append(seen, s.State)
		}
	})
	defer unsubscribe()

	require.NoError(t, h.m.Trigger(ctx, Request{Status: "injured", Severity: 3, Location: here(1, 1)}))
	h.expire(t)
	h.waitFor(t, StateSent)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateCountdown, StateSending, StateSent}, seen)
}

func TestClose_RejectsTrigger(t *testing.T) {
	h := newHarness(t, false)
	h.m.Close()
	assert.ErrorIs(t, h.m.Trigger(context.Background(), Request{Status: "injured", Severity: 1}), ErrClosed)
}
