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
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/lifeline/pkg/ux"
	"github.com/AleutianAI/lifeline/services/transport/reconcile"
)

func runSync(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, appOptions{service: "lifeline", probe: true})
	if err != nil {
		return err
	}
	defer a.Close()

	pending := a.queue.Pending(ctx)
	if pending == 0 {
		ux.Success("Nothing queued")
		return nil
	}
	if !a.net.Online() {
		ux.Warning(fmt.Sprintf("Backend unreachable, %d events stay queued", pending))
		return nil
	}

	var rep reconcile.Report
	err = ux.WithSpinner(fmt.Sprintf("Uploading %d events", pending), func() error {
		var runErr error
		rep, runErr = a.engine.Run(ctx, reconcile.TriggerManual)
		return runErr
	})
	if err != nil {
		return err
	}

	fmt.Println(ux.Table(reportFields(rep)))
	if rep.Abandoned > 0 {
		ux.Warning(fmt.Sprintf("%d of %d batches could not be delivered: %s", rep.Abandoned, rep.Batches, rep.LastError))
	}
	return nil
}

func reportFields(rep reconcile.Report) []ux.Field {
	return []ux.Field{
		{Key: "events", Value: strconv.Itoa(rep.Events)},
		{Key: "batches", Value: strconv.Itoa(rep.Batches)},
		{Key: "removed", Value: strconv.Itoa(rep.Removed)},
		{Key: "kept", Value: strconv.Itoa(rep.Kept)},
		{Key: "attempts", Value: strconv.Itoa(rep.Attempts)},
		{Key: "backoff", Value: rep.Backoff.Round(time.Millisecond).String()},
		{Key: "pending", Value: strconv.Itoa(rep.Pending)},
	}
}

func runQueue(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, appOptions{service: "lifeline"})
	if err != nil {
		return err
	}
	defer a.Close()

	if a.vault.Degraded() {
		ux.WarningBox("Vault degraded", "Local storage failed to open; nothing can be queued.")
	}

	events := a.queue.All(ctx)
	signals := a.queue.PendingSignals(ctx)
	ux.Title("Sync queue")
	fmt.Printf("%s  %s\n", ux.Counter(len(events), "events"), ux.Counter(len(signals), "signals"))

	for _, ev := range events {
		fmt.Printf("%s %s %s %s\n",
			ux.IconPending.Render(), ev.EventID, ev.Type,
			ux.Styles.Muted.Render(ev.DeviceTime.Local().Format(time.DateTime)))
	}
	for _, sig := range signals {
		sent := "sms not sent"
		if sig.SMSSent {
			sent = "sms sent"
		}
		ux.Info(fmt.Sprintf("%s %s severity %d at %s (%s)", ux.IconSOS.Render(), sig.Status, sig.Severity, sig.Location, sent))
	}
	return nil
}
