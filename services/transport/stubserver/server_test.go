// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stubserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/lifeline/services/transport/apiclient"
	"github.com/AleutianAI/lifeline/services/transport/envelope"
	"github.com/AleutianAI/lifeline/services/transport/errs"
	"github.com/AleutianAI/lifeline/services/transport/geo"
	"github.com/AleutianAI/lifeline/services/transport/syncq"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func startStub(t *testing.T, opts ...Option) (*Server, *apiclient.Client) {
	t.Helper()
	stub := New(opts...)
	ts := httptest.NewServer(stub.Handler())
	t.Cleanup(ts.Close)
	return stub, apiclient.New(ts.URL, apiclient.WithTokenSource(func(context.Context) (string, error) {
		return "tok", nil
	}))
}

func event(t *testing.T, id string, typ syncq.EventType, data any) syncq.Event {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return syncq.Event{EventID: id, Type: typ, Data: raw, DeviceTime: time.Now().UTC()}
}

func TestSyncBatch_DeduplicatesByEventID(t *testing.T) {
	stub, client := startStub(t)
	ctx := context.Background()

	ev := event(t, "e1", syncq.SignalCreate, syncq.PendingSignal{Status: "injured", Severity: 3, MessageID: "aaaa0001"})

	first, err := client.SyncBatch(ctx, []syncq.Event{ev})
	require.NoError(t, err)
	require.Len(t, first.Results, 1)
	assert.Equal(t, apiclient.VerdictCreated, first.Results[0].Status)
	assert.NotEmpty(t, first.Results[0].SOSID)

	second, err := client.SyncBatch(ctx, []syncq.Event{ev})
	require.NoError(t, err)
	assert.Equal(t, apiclient.VerdictDuplicate, second.Results[0].Status)
	assert.Equal(t, first.Results[0].SOSID, second.Results[0].SOSID)
	assert.Equal(t, 1, second.Duplicates)

	assert.Len(t, stub.Signals(), 1)
}

func TestSyncBatch_DeduplicatesByMessageID(t *testing.T) {
	stub, client := startStub(t)
	ctx := context.Background()

	a := event(t, "e1", syncq.SignalCreate, syncq.PendingSignal{Status: "trapped", Severity: 4, MessageID: "beef0002"})
	b := event(t, "e2", syncq.SignalCreate, syncq.PendingSignal{Status: "trapped", Severity: 4, MessageID: "beef0002"})

	resp, err := client.SyncBatch(ctx, []syncq.Event{a, b})
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Total)
	assert.Equal(t, 1, resp.Created)
	assert.Equal(t, 1, resp.Duplicates)
	assert.Len(t, stub.Signals(), 1)
}

func TestSyncBatch_VerdictsPerType(t *testing.T) {
	stub, client := startStub(t)
	ctx := context.Background()

	created, err := client.SyncBatch(ctx, []syncq.Event{
		event(t, "e1", syncq.SignalCreate, syncq.PendingSignal{Status: "medical", Severity: 2}),
	})
	require.NoError(t, err)
	sosID := created.Results[0].SOSID

	resp, err := client.SyncBatch(ctx, []syncq.Event{
		event(t, "e2", syncq.SignalUpdate, syncq.StatusChange{SignalID: sosID, Status: "safe"}),
		event(t, "e3", syncq.SignalUpdate, syncq.StatusChange{SignalID: "missing", Status: "safe"}),
		event(t, "e4", syncq.ProfileUpdate, syncq.ProfileChange{EntityID: "p1", Fields: map[string]any{"blood_type": "O-"}}),
		event(t, "e5", syncq.EventType("mystery"), struct{}{}),
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 4)

	assert.Equal(t, apiclient.VerdictUpdated, resp.Results[0].Status)
	assert.Equal(t, apiclient.VerdictError, resp.Results[1].Status)
	assert.Contains(t, resp.Results[1].Detail, "unknown signal")
	assert.Equal(t, apiclient.VerdictUpdated, resp.Results[2].Status)
	assert.Equal(t, apiclient.VerdictError, resp.Results[3].Status)
	assert.Equal(t, 2, resp.Errors)

	assert.Equal(t, "safe", stub.Signals()[0].Status)
	assert.Equal(t, "O-", stub.Profile("p1")["blood_type"])
}

func TestSyncBatch_ErrorVerdictIsNotRemembered(t *testing.T) {
	stub, client := startStub(t)
	ctx := context.Background()
	ev := event(t, "e1", syncq.SignalCreate, syncq.PendingSignal{Status: "injured", Severity: 1})

	stub.RejectEvent("e1", "quota")
	resp, err := client.SyncBatch(ctx, []syncq.Event{ev})
	require.NoError(t, err)
	assert.Equal(t, apiclient.VerdictError, resp.Results[0].Status)
	assert.Equal(t, "quota", resp.Results[0].Detail)
	assert.Empty(t, stub.Signals())
}

func TestSyncBatch_FailBatches(t *testing.T) {
	stub, client := startStub(t)
	ctx := context.Background()

	stub.FailBatches(2)
	for i := 0; i < 2; i++ {
		_, err := client.SyncBatch(ctx, nil)
		require.Error(t, err)
		assert.True(t, errs.Is(err, errs.TransportFailure))
	}
	_, err := client.SyncBatch(ctx, []syncq.Event{})
	require.NoError(t, err)
	assert.Equal(t, 3, stub.BatchCalls())
	assert.Equal(t, []int{0}, stub.BatchSizes())
}

func TestCreateSignal_Direct(t *testing.T) {
	stub, client := startStub(t)

	resp, err := client.CreateSignal(context.Background(), apiclient.SignalRequest{
		Latitude: 31.5, Longitude: 34.47, Status: "injured", Severity: 3,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, "received", resp.Status)

	signals := stub.Signals()
	require.Len(t, signals, 1)
	assert.Equal(t, "direct", signals[0].Source)
}

func TestProfile_GetPatchConflict(t *testing.T) {
	stub, client := startStub(t)
	ctx := context.Background()

	_, err := client.GetProfile(ctx, "p1")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ServerRejected))

	stub.SetProfile("p1", apiclient.Profile{"name": "Dana"})
	p, err := client.GetProfile(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "Dana", p["name"])

	updated, err := client.UpdateProfile(ctx, "p1", map[string]any{"name": "Dana K"})
	require.NoError(t, err)
	assert.Equal(t, "Dana K", updated["name"])
	assert.Equal(t, "p1", updated["id"])

	stub.ConflictProfile("p1", true)
	_, err = client.UpdateProfile(ctx, "p1", map[string]any{"name": "x"})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Conflict))
}

func TestRequireToken(t *testing.T) {
	stub := New(WithToken("secret"))
	ts := httptest.NewServer(stub.Handler())
	defer ts.Close()

	anon := apiclient.New(ts.URL)
	_, err := anon.SyncBatch(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.PermissionDenied))

	authed := apiclient.New(ts.URL, apiclient.WithTokenSource(func(context.Context) (string, error) {
		return "secret", nil
	}))
	_, err = authed.SyncBatch(context.Background(), nil)
	assert.NoError(t, err)

	// health stays open for connectivity probes
	assert.NoError(t, anon.Health(context.Background()))
}

func TestInboundSMS_DecryptsAndDeduplicates(t *testing.T) {
	stub := New()
	require.NoError(t, stub.AcceptSMSPassphrase("correct horse"))
	router := stub.Handler()

	env, err := envelope.Build(envelope.Signal{
		PatientID: "P-42",
		Location:  geo.Coordinate{Lat: 31.5, Lon: 34.47},
		Status:    "trapped",
		Severity:  5,
		MessageID: "c0ffee01",
	}, "correct horse")
	require.NoError(t, err)

	post := func(body string) *httptest.ResponseRecorder {
		raw, _ := json.Marshal(InboundSMS{From: "+15550100", Body: body})
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/sms/inbound", bytes.NewReader(raw))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(w, req)
		return w
	}

	w := post(env.String())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = post(env.String())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "duplicate")

	signals := stub.Signals()
	require.Len(t, signals, 1)
	assert.Equal(t, "sms", signals[0].Source)
	assert.Equal(t, "trapped", signals[0].Status)
	assert.Equal(t, 5, signals[0].Severity)
	assert.InDelta(t, 31.5, signals[0].Latitude, 1e-9)
	assert.InDelta(t, 34.47, signals[0].Longitude, 1e-9)

	w = post("not an envelope")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	other, err := envelope.Build(envelope.Signal{
		PatientID: "P-43", Location: geo.Coordinate{Lat: 1, Lon: 2}, Status: "safe", Severity: 1,
	}, "wrong")
	require.NoError(t, err)
	w = post(other.String())
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestRun_StopsOnCancel(t *testing.T) {
	stub := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- stub.Run(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
