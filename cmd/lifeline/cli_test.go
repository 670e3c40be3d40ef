// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// These tests run command logic in-process; none needs a backend except
// the plain sos test, which starts the stub.

package main

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/AleutianAI/lifeline/pkg/ux"
	"github.com/AleutianAI/lifeline/services/transport/config"
	"github.com/AleutianAI/lifeline/services/transport/dispatch"
	"github.com/AleutianAI/lifeline/services/transport/envelope"
	"github.com/AleutianAI/lifeline/services/transport/errs"
	"github.com/AleutianAI/lifeline/services/transport/geo"
	"github.com/AleutianAI/lifeline/services/transport/reconcile"
	"github.com/AleutianAI/lifeline/services/transport/secrets"
	"github.com/AleutianAI/lifeline/services/transport/sms"
	"github.com/AleutianAI/lifeline/services/transport/stubserver"
	"github.com/AleutianAI/lifeline/services/transport/syncq"
	"github.com/AleutianAI/lifeline/services/transport/vault"
)

func init() {
	ux.SetPersonalityLevel(ux.PersonalityMachine)
}

// staticKeys is an envelopeKeyring with fixed values.
type staticKeys struct {
	passphrase string
	patientID  string
	err        error
}

func (k staticKeys) SMSPassphrase(context.Context) (string, error) { return k.passphrase, k.err }
func (k staticKeys) PatientID(context.Context) (string, error) { return k.patientID, k.err }

// =============================================================================
// Envelope
// =============================================================================

func TestEnvelope_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		keys staticKeys
	}{
		{"with passphrase", staticKeys{passphrase: "correct horse battery staple", patientID: "P-42"}},
		{"patient id fallback", staticKeys{patientID: "P-42"}},
	}

	now := time.Unix(1_700_000_000, 0)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			env, err := encodeEnvelope(ctx, tt.keys, "47.6097,-122.3331", "trapped", 4, now)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			rec, err := decodeEnvelope(ctx, tt.keys, "  "+env.String()+"\n")
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if rec.PatientID != "P-42" {
				t.Errorf("patient = %q, want P-42", rec.PatientID)
			}
			if want := geo.Encode(47.6097, -122.3331); rec.Location != want {
				t.Errorf("location = %q, want %q", rec.Location, want)
			}
			if got := envelope.StatusName(rec.Status); got != "trapped" {
				t.Errorf("status = %q, want trapped", got)
			}
			if rec.Severity != "4" {
				t.Errorf("severity = %q, want 4", rec.Severity)
			}
			if !envelope.ValidMessageID(rec.MessageID) {
				t.Errorf("message id %q is not valid", rec.MessageID)
			}

			fields := recordFields(rec)
			if fields[4].Value != "2023-11-14T22:13:20Z" {
				t.Errorf("time = %q", fields[4].Value)
			}
		})
	}
}

func TestEnvelope_WrongKeyFails(t *testing.T) {
	ctx := context.Background()
	env, err := encodeEnvelope(ctx, staticKeys{passphrase: "one passphrase", patientID: "P-1"}, "1,2", "safe", 1, time.Now())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := decodeEnvelope(ctx, staticKeys{passphrase: "another passphrase"}, env.String()); err == nil {
		t.Fatal("decode with the wrong passphrase succeeded")
	}
}

func TestEnvelope_EncodeErrors(t *testing.T) {
	ctx := context.Background()
	if _, err := encodeEnvelope(ctx, staticKeys{patientID: "P-1"}, "north", "safe", 1, time.Now()); err == nil {
		t.Error("bad location accepted")
	}
	missing := staticKeys{err: secrets.ErrSecretNotFound}
	if _, err := encodeEnvelope(ctx, missing, "1,2", "safe", 1, time.Now()); !errors.Is(err, secrets.ErrSecretNotFound) {
		t.Errorf("err = %v, want ErrSecretNotFound", err)
	}
}

// =============================================================================
// Profile
// =============================================================================

func TestParseFields(t *testing.T) {
	tests := []struct {
		name    string
		pairs   []string
		want    map[string]any
		wantErr bool
	}{
		{"string", []string{"name=Ada"}, map[string]any{"name": "Ada"}, false},
		{"json number", []string{"age=42"}, map[string]any{"age": float64(42)}, false},
		{"json bool", []string{"donor=true"}, map[string]any{"donor": true}, false},
		{"json list", []string{`allergies=["latex"]`}, map[string]any{"allergies": []any{"latex"}}, false},
		{"empty value", []string{"notes="}, map[string]any{"notes": ""}, false},
		{"value with equals", []string{"note=a=b"}, map[string]any{"note": "a=b"}, false},
		{"no equals", []string{"name"}, nil, true},
		{"empty key", []string{"=x"}, nil, true},
		{"id refused", []string{"id=other"}, nil, true},
		{"nothing", nil, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseFields(tt.pairs)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

// =============================================================================
// SOS
// =============================================================================

func TestSOSRequest(t *testing.T) {
	defer func(s string, v int, d, l string) {
		sosStatus, sosSeverity, sosDetails, sosLocation = s, v, d, l
	}(sosStatus, sosSeverity, sosDetails, sosLocation)

	sosStatus, sosSeverity, sosDetails, sosLocation = "medical", 5, "diabetic", "10.5,20.25"
	req, err := sosRequest()
	if err != nil {
		t.Fatalf("sosRequest: %v", err)
	}
	if req.Status != "medical" || req.Severity != 5 || req.Details != "diabetic" {
		t.Errorf("req = %+v", req)
	}
	if req.Location == nil || req.Location.Lat != 10.5 || req.Location.Lon != 20.25 {
		t.Errorf("location = %+v", req.Location)
	}

	sosLocation = ""
	req, err = sosRequest()
	if err != nil || req.Location != nil {
		t.Errorf("no location: req = %+v, err = %v", req, err)
	}

	sosLocation = "91,0"
	if _, err := sosRequest(); err == nil {
		t.Error("out of range latitude accepted")
	}
}

func TestReportOutcome(t *testing.T) {
	cause := errs.Errorf(errs.TransportFailure, "api", "refused")
	tests := []struct {
		name    string
		snap    dispatch.Snapshot
		wantErr error
	}{
		{"sent", dispatch.Snapshot{State: dispatch.StateSent, SignalID: "sos-1"}, nil},
		{"sms ready", dispatch.Snapshot{State: dispatch.StateSMSReady, EventID: "ev-1"}, nil},
		{"cancelled", dispatch.Snapshot{State: dispatch.StateCancelled}, nil},
		{"error", dispatch.Snapshot{State: dispatch.StateError, Err: cause}, cause},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := reportOutcome(tt.snap)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if err := reportOutcome(dispatch.Snapshot{State: dispatch.StateError, Reason: "rejected"}); err == nil || err.Error() != "rejected" {
		t.Errorf("reason only: err = %v", err)
	}
}

func TestSMSLine(t *testing.T) {
	tests := []struct {
		snap dispatch.Snapshot
		want string
	}{
		{dispatch.Snapshot{}, "not sent"},
		{dispatch.Snapshot{SMSSent: true, Route: sms.RouteNative}, "sent through gateway"},
		{dispatch.Snapshot{SMSSent: true, Route: sms.RouteInteractive}, "handed off (interactive)"},
	}
	for _, tt := range tests {
		if got := smsLine(tt.snap); got != tt.want {
			t.Errorf("smsLine(%+v) = %q, want %q", tt.snap, got, tt.want)
		}
	}
}

func TestReportFields(t *testing.T) {
	fields := reportFields(reconcile.Report{Events: 3, Removed: 2, Kept: 1, Backoff: 1500 * time.Millisecond})
	got := map[string]string{}
	for _, f := range fields {
		got[f.Key] = f.Value
	}
	if got["events"] != "3" || got["removed"] != "2" || got["kept"] != "1" || got["backoff"] != "1.5s" {
		t.Errorf("fields = %v", got)
	}
}

// testConfig points every component at dir and the backend at baseURL.
func testConfig(dir, baseURL string) config.LifelineConfig {
	c := config.DefaultConfig()
	c.Backend.BaseURL = baseURL
	c.Backend.Timeout = 2 * time.Second
	c.Vault = vault.Config{Driver: vault.DriverMemory}
	c.Logging.Dir = filepath.Join(dir, "logs")
	c.SMS.Outbox = filepath.Join(dir, "outbox.jsonl")
	c.Dispatch.Countdown = 30 * time.Millisecond
	c.Dispatch.Tick = 10 * time.Millisecond
	c.Dispatch.CancelDisplay = 0
	return c
}

func TestNewApp_SharesDefaultVault(t *testing.T) {
	t.Setenv(secrets.SecretPatientID, "P-42")
	ctx := context.Background()
	dir := t.TempDir()
	cfg := testConfig(dir, "http://127.0.0.1:1")
	cfg.Vault = config.DefaultConfig().Vault
	cfg.Vault.Path = filepath.Join(dir, "vault.db")

	daemon, err := newApp(ctx, cfg, appOptions{service: "lifeline-test", quiet: true})
	if err != nil {
		t.Fatalf("newApp daemon: %v", err)
	}
	defer daemon.Close()
	sos, err := newApp(ctx, cfg, appOptions{service: "lifeline-test", quiet: true})
	if err != nil {
		t.Fatalf("newApp sos: %v", err)
	}
	defer sos.Close()

	if daemon.vault.Degraded() || sos.vault.Degraded() {
		t.Fatal("a second process fell back to a memory-only vault")
	}
	if _, err := sos.queue.Enqueue(ctx, syncq.SignalCreate, syncq.PendingSignal{Status: "injured", Severity: 2}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if got := daemon.queue.Pending(ctx); got != 1 {
		t.Errorf("daemon sees %d events, want 1", got)
	}
}

func TestRunSOSPlain_OfflineRefusesMemoryQueue(t *testing.T) {
	t.Setenv(secrets.SecretPatientID, "P-42")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dir := t.TempDir()
	cfg := testConfig(dir, "http://127.0.0.1:1")
	cfg.Vault = vault.Config{Driver: vault.DriverBadger, Path: filepath.Join(dir, "badger")}
	held, err := vault.Open(cfg.Vault, nil)
	if err != nil {
		t.Fatalf("open held vault: %v", err)
	}
	defer held.Close()

	a, err := newApp(ctx, cfg, appOptions{service: "lifeline-test", quiet: true})
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.Close()
	if !a.vault.Degraded() {
		t.Fatal("locked badger directory should leave the app on the memory fallback")
	}

	loc := geo.Coordinate{Lat: 1.5, Lon: 2.5}
	err = runSOSPlain(ctx, a, dispatch.Request{Status: "injured", Severity: 3, Location: &loc})
	if !errors.Is(err, vault.ErrNotDurable) {
		t.Fatalf("runSOSPlain = %v, want ErrNotDurable", err)
	}
}

func TestRunSOSPlain_Online(t *testing.T) {
	t.Setenv(secrets.SecretPatientID, "P-42")
	t.Setenv(secrets.SecretSMSPassphrase, "correct horse battery staple")

	stub := stubserver.New()
	ts := httptest.NewServer(stub.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a, err := newApp(ctx, testConfig(t.TempDir(), ts.URL), appOptions{service: "lifeline-test", quiet: true, probe: true})
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.Close()
	if !a.net.Online() {
		t.Fatal("probe against the stub left the monitor offline")
	}

	loc := geo.Coordinate{Lat: 1.5, Lon: 2.5}
	err = runSOSPlain(ctx, a, dispatch.Request{Status: "injured", Severity: 3, Location: &loc})
	if err != nil {
		t.Fatalf("runSOSPlain: %v", err)
	}
	if got := len(stub.Signals()); got != 1 {
		t.Errorf("stub received %d signals, want 1", got)
	}
	if got := a.queue.Pending(ctx); got != 0 {
		t.Errorf("pending = %d after an online send, want 0", got)
	}
}
