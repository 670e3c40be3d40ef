// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/lifeline/pkg/ux"
	"github.com/AleutianAI/lifeline/services/transport/envelope"
	"github.com/AleutianAI/lifeline/services/transport/geo"
	"github.com/AleutianAI/lifeline/services/transport/secrets"
)

// envelopeKeyring is what the envelope commands need from the secret store.
type envelopeKeyring interface {
	SMSPassphrase(ctx context.Context) (string, error)
	PatientID(ctx context.Context) (string, error)
}

var _ envelopeKeyring = (*secrets.Store)(nil)

func runEnvelopeEncode(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, closeStore, err := openSecrets(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	env, err := encodeEnvelope(ctx, store, envLocation, envStatus, envSeverity, time.Now())
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), env)
	return nil
}

// encodeEnvelope builds the envelope a dispatch would put in the SMS body.
func encodeEnvelope(ctx context.Context, keys envelopeKeyring, location, status string, severity int, now time.Time) (envelope.Envelope, error) {
	loc, err := geo.Decode(location)
	if err != nil {
		return "", fmt.Errorf("--location: %w", err)
	}
	patientID, err := keys.PatientID(ctx)
	if err != nil {
		return "", err
	}
	passphrase, err := keys.SMSPassphrase(ctx)
	if err != nil {
		return "", err
	}
	msgID, err := envelope.NewMessageID()
	if err != nil {
		return "", err
	}
	return envelope.Build(envelope.Signal{
		PatientID: patientID,
		Location:  loc,
		Status:    status,
		Severity:  severity,
		MessageID: msgID,
		Time:      now,
	}, passphrase)
}

func runEnvelopeDecode(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, closeStore, err := openSecrets(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	rec, err := decodeEnvelope(ctx, store, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), ux.Table(recordFields(rec)))
	return nil
}

// decodeEnvelope opens raw with the device passphrase, or the patient id
// when no passphrase is provisioned.
func decodeEnvelope(ctx context.Context, keys envelopeKeyring, raw string) (envelope.Record, error) {
	passphrase, err := keys.SMSPassphrase(ctx)
	if err != nil {
		return envelope.Record{}, err
	}
	if passphrase == "" {
		if passphrase, err = keys.PatientID(ctx); err != nil {
			return envelope.Record{}, err
		}
	}
	key, err := envelope.DeriveKey(passphrase)
	if err != nil {
		return envelope.Record{}, err
	}
	return envelope.Open(envelope.Envelope(strings.TrimSpace(raw)), key)
}

func recordFields(rec envelope.Record) []ux.Field {
	when := rec.Timestamp
	if sec, err := strconv.ParseInt(rec.Timestamp, 10, 64); err == nil {
		when = time.Unix(sec, 0).UTC().Format(time.RFC3339)
	}
	return []ux.Field{
		{Key: "patient", Value: rec.PatientID},
		{Key: "location", Value: rec.Location},
		{Key: "status", Value: envelope.StatusName(rec.Status)},
		{Key: "severity", Value: rec.Severity},
		{Key: "time", Value: when},
		{Key: "message", Value: rec.MessageID},
	}
}

// openSecrets loads the configured secret store without the rest of the app.
func openSecrets(ctx context.Context) (*secrets.Store, func(), error) {
	backend, err := secrets.NewBackend(cfg.Secrets.Backend, cfg.Secrets.Path)
	if err != nil {
		return nil, nil, err
	}
	store, err := secrets.NewStore(ctx, backend)
	if err != nil {
		return nil, nil, fmt.Errorf("load secrets: %w", err)
	}
	return store, store.Close, nil
}
