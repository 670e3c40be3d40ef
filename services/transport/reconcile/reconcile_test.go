// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package reconcile

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/lifeline/services/transport/apiclient"
	"github.com/AleutianAI/lifeline/services/transport/connectivity"
	"github.com/AleutianAI/lifeline/services/transport/errs"
	"github.com/AleutianAI/lifeline/services/transport/stubserver"
	"github.com/AleutianAI/lifeline/services/transport/syncq"
	"github.com/AleutianAI/lifeline/services/transport/vault"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// =============================================================================
// Fixtures
// =============================================================================

func newQueue(t *testing.T) *syncq.Queue {
	t.Helper()
	v, err := vault.Open(vault.Config{Driver: vault.DriverMemory}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = v.Close() })
	return syncq.NewQueue(v)
}

func fill(t *testing.T, q *syncq.Queue, n int) []syncq.Event {
	t.Helper()
	out := make([]syncq.Event, 0, n)
	for i := 0; i < n; i++ {
		ev, err := q.Enqueue(context.Background(), syncq.SignalCreate, syncq.PendingSignal{
			Latitude: 31.5, Longitude: 34.47, Location: "31.500,34.470",
			Status: "injured", Severity: 3,
		})
		require.NoError(t, err)
		out = append(out, ev)
	}
	return out
}

func newStub(t *testing.T) (*stubserver.Server, *apiclient.Client) {
	t.Helper()
	stub := stubserver.New()
	ts := httptest.NewServer(stub.Handler())
	t.Cleanup(ts.Close)
	return stub, apiclient.New(ts.URL)
}

// sleeps records backoff waits without waiting.
type sleeps struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleeps) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits = append(s.waits, d)
	return nil
}

func (s *sleeps) total() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum time.Duration
	for _, d := range s.waits {
		sum += d
	}
	return sum
}

// scripted answers each SyncBatch call with the next step.
type scripted struct {
	mu    sync.Mutex
	steps []func([]syncq.Event) (*apiclient.BatchResponse, error)
	calls int
	block chan struct{}
}

func (s *scripted) SyncBatch(_ context.Context, events []syncq.Event) (*apiclient.BatchResponse, error) {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i >= len(s.steps) {
		return acknowledgeAll(apiclient.VerdictCreated)(events)
	}
	return s.steps[i](events)
}

func (s *scripted) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func acknowledgeAll(v apiclient.Verdict) func([]syncq.Event) (*apiclient.BatchResponse, error) {
	return func(events []syncq.Event) (*apiclient.BatchResponse, error) {
		resp := &apiclient.BatchResponse{Total: len(events)}
		for _, ev := range events {
			resp.Results = append(resp.Results, apiclient.BatchResult{EventID: ev.EventID, Status: v})
		}
		return resp, nil
	}
}

func fail(kind errs.Kind) func([]syncq.Event) (*apiclient.BatchResponse, error) {
	return func([]syncq.Event) (*apiclient.BatchResponse, error) {
		return nil, errs.Errorf(kind, "apiclient.sync_batch", "scripted failure")
	}
}

// =============================================================================
// Batching
// =============================================================================

func TestRun_120EventsMakeThreeBatches(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	fill(t, q, 120)
	stub, client := newStub(t)

	e := New(client, q)
	rep, err := e.Run(ctx, TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, 3, stub.BatchCalls())
	assert.Equal(t, []int{50, 50, 20}, stub.BatchSizes())
	assert.Equal(t, 120, rep.Events)
	assert.Equal(t, 3, rep.Batches)
	assert.Equal(t, 3, rep.Delivered)
	assert.Equal(t, 120, rep.Removed)
	assert.Equal(t, 0, rep.Pending)
	assert.Equal(t, 0, q.Pending(ctx))
	assert.Len(t, stub.Signals(), 120)
}

func TestRun_EmptyQueue(t *testing.T) {
	stub, client := newStub(t)
	rep, err := New(client, newQueue(t)).Run(context.Background(), TriggerPeriodic)
	require.NoError(t, err)
	assert.Zero(t, rep.Batches)
	assert.Zero(t, stub.BatchCalls())
}

// =============================================================================
// Retry and Backoff
// =============================================================================

func TestRun_FourFailuresThenSuccess(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	fill(t, q, 1)
	stub, client := newStub(t)
	stub.FailBatches(4)

	rec := &sleeps{}
	e := New(client, q, WithSleep(rec.sleep))
	rep, err := e.Run(ctx, TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, 5, stub.BatchCalls())
	assert.Equal(t, 5, rep.Attempts)
	assert.Equal(t, 1, rep.Removed)
	assert.Equal(t, 0, q.Pending(ctx))

	require.Len(t, rec.waits, 4)
	total := rec.total()
	assert.GreaterOrEqual(t, total, 7500*time.Millisecond)
	assert.LessOrEqual(t, total, 15*time.Second)
	assert.Equal(t, total, rep.Backoff)

	for i, w := range rec.waits {
		full := e.Delay(i)
		assert.GreaterOrEqual(t, w, full/2, "wait %d", i)
		assert.LessOrEqual(t, w, full, "wait %d", i)
	}
}

func TestRun_JitterBounds(t *testing.T) {
	tests := []struct {
		name   string
		factor float64
		want   time.Duration
	}{
		{name: "minimum jitter", factor: 0.5, want: 7500 * time.Millisecond},
		{name: "no jitter", factor: 1.0, want: 15 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newQueue(t)
			fill(t, q, 1)
			up := &scripted{steps: []func([]syncq.Event) (*apiclient.BatchResponse, error){
				fail(errs.TransportFailure), fail(errs.TransportFailure),
				fail(errs.TransportFailure), fail(errs.TransportFailure),
			}}
			rec := &sleeps{}
			e := New(up, q, WithSleep(rec.sleep), WithJitter(func() float64 { return tt.factor }))

			rep, err := e.Run(context.Background(), TriggerManual)
			require.NoError(t, err)
			assert.Equal(t, tt.want, rec.total())
			assert.Equal(t, 1, rep.Removed)
		})
	}
}

func TestRun_FiveFailuresAbandonBatch(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	fill(t, q, 60)
	stub, client := newStub(t)
	stub.FailBatches(5)

	rec := &sleeps{}
	e := New(client, q, WithSleep(rec.sleep))
	rep, err := e.Run(ctx, TriggerManual)
	require.NoError(t, err)

	// first batch burns all 5 attempts, second goes through
	assert.Equal(t, 1, rep.Abandoned)
	assert.Equal(t, 1, rep.Delivered)
	assert.Equal(t, 6, stub.BatchCalls())
	assert.Len(t, rec.waits, 4)
	assert.Equal(t, 50, q.Pending(ctx))
	assert.NotEmpty(t, rep.LastError)

	// the next run starts with a fresh budget
	rep, err = e.Run(ctx, TriggerPeriodic)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Abandoned)
	assert.Equal(t, 0, q.Pending(ctx))
}

func TestRun_NonTransportFailureIsNotRetried(t *testing.T) {
	q := newQueue(t)
	fill(t, q, 3)
	up := &scripted{steps: []func([]syncq.Event) (*apiclient.BatchResponse, error){fail(errs.PermissionDenied)}}
	rec := &sleeps{}

	rep, err := New(up, q, WithSleep(rec.sleep)).Run(context.Background(), TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, up.count())
	assert.Empty(t, rec.waits)
	assert.Equal(t, 1, rep.Abandoned)
	assert.Equal(t, 3, q.Pending(context.Background()))
}

func TestDelay(t *testing.T) {
	e := New(&scripted{}, nil)
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second},
		{40, 60 * time.Second},
		{100, 60 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, e.Delay(tt.retry), "retry %d", tt.retry)
	}
}

// =============================================================================
// Verdicts
// =============================================================================

func TestRun_DuplicateIsRemovedSilently(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	events := fill(t, q, 1)
	stub, client := newStub(t)
	e := New(client, q)

	_, err := e.Run(ctx, TriggerManual)
	require.NoError(t, err)

	// the same event delivered again, as after a crash before delete
	require.NoError(t, q.Put(ctx, events[0]))
	rep, err := e.Run(ctx, TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Removed)
	assert.Equal(t, 0, rep.Kept)
	assert.Empty(t, rep.LastError)
	assert.Equal(t, 0, q.Pending(ctx))
	assert.Len(t, stub.Signals(), 1)
}

func TestRun_ErrorVerdictKeepsEvent(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	events := fill(t, q, 3)
	stub, client := newStub(t)
	stub.RejectEvent(events[1].EventID, "bad coordinates")

	rep, err := New(client, q).Run(ctx, TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, 1, stub.BatchCalls(), "rejected items are not retried in the same run")
	assert.Equal(t, 2, rep.Removed)
	assert.Equal(t, 1, rep.Kept)
	remaining := q.All(ctx)
	require.Len(t, remaining, 1)
	assert.Equal(t, events[1].EventID, remaining[0].EventID)
}

func TestRun_IgnoresForeignVerdicts(t *testing.T) {
	q := newQueue(t)
	fill(t, q, 1)
	up := &scripted{steps: []func([]syncq.Event) (*apiclient.BatchResponse, error){
		func([]syncq.Event) (*apiclient.BatchResponse, error) {
			return &apiclient.BatchResponse{Results: []apiclient.BatchResult{{EventID: "other", Status: apiclient.VerdictCreated}}}, nil
		},
	}}
	rep, err := New(up, q).Run(context.Background(), TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Removed)
	assert.Equal(t, 1, q.Pending(context.Background()))
}

func TestRunFiltered_OnlyMatchingEvents(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	fill(t, q, 2)
	_, err := q.Enqueue(ctx, syncq.ProfileUpdate, syncq.ProfileChange{EntityID: "p1", Fields: map[string]any{"name": "Jane"}})
	require.NoError(t, err)
	stub, client := newStub(t)

	rep, err := New(client, q).RunFiltered(ctx, TriggerEntity, func(ev syncq.Event) bool {
		return ev.Type == syncq.ProfileUpdate
	})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Events)
	assert.Equal(t, []int{1}, stub.BatchSizes())
	assert.Equal(t, 2, q.Pending(ctx))
	assert.Equal(t, "Jane", stub.Profile("p1")["name"])
}

// =============================================================================
// Mutual Exclusion and Scheduling
// =============================================================================

func TestRun_ConcurrentTriggerIsNoOp(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	fill(t, q, 1)
	up := &scripted{block: make(chan struct{})}
	e := New(up, q)

	done := make(chan Report, 1)
	go func() {
		rep, _ := e.Run(ctx, TriggerPeriodic)
		done <- rep
	}()
	require.Eventually(t, e.Running, time.Second, time.Millisecond)

	_, err := e.Run(ctx, TriggerManual)
	assert.ErrorIs(t, err, ErrBusy)

	close(up.block)
	rep := <-done
	assert.Equal(t, 1, rep.Removed)
	assert.Equal(t, 1, up.count(), "the dropped trigger made no request")
	assert.False(t, e.Running())

	last, ok := e.Last()
	require.True(t, ok)
	assert.Equal(t, TriggerPeriodic, last.Trigger)
}

func TestStart_PeriodicAndConnectivity(t *testing.T) {
	q := newQueue(t)
	fill(t, q, 1)
	up := &scripted{}
	clock := clockwork.NewFakeClock()
	net := connectivity.NewMonitor(false, nil)
	e := New(up, q, WithClock(clock))

	reports := make(chan Report, 4)
	defer e.Subscribe(func(r Report) { reports <- r })()

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- e.Start(ctx, net) }()

	// offline ticks are skipped
	clock.BlockUntil(1)
	clock.Advance(30 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, up.count())

	// coming back online triggers a run
	net.Set(true)
	select {
	case r := <-reports:
		assert.Equal(t, TriggerConnectivity, r.Trigger)
		assert.Equal(t, 1, r.Removed)
	case <-time.After(2 * time.Second):
		t.Fatal("no run after connectivity restored")
	}

	fill(t, q, 2)
	clock.Advance(30 * time.Second)
	select {
	case r := <-reports:
		assert.Equal(t, TriggerPeriodic, r.Trigger)
		assert.Equal(t, 2, r.Removed)
	case <-time.After(2 * time.Second):
		t.Fatal("no periodic run")
	}

	cancel()
	assert.NoError(t, <-stopped)
}
