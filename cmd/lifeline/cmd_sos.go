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
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/lifeline/pkg/ux"
	"github.com/AleutianAI/lifeline/services/transport/dispatch"
	"github.com/AleutianAI/lifeline/services/transport/geo"
	"github.com/AleutianAI/lifeline/services/transport/sms"
	"github.com/AleutianAI/lifeline/services/transport/tui"
)

// snapshotBuffer holds transitions between the machine and the UI. The
// countdown publishes about one per second, so it never fills in practice.
const snapshotBuffer = 64

func runSOS(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	req, err := sosRequest()
	if err != nil {
		return err
	}

	interactive := !sosNoTUI && ux.IsInteractive()
	a, err := newApp(ctx, cfg, appOptions{service: "lifeline-sos", quiet: interactive, probe: true})
	if err != nil {
		return err
	}
	defer a.Close()

	if a.vault.Degraded() {
		ux.WarningBox("Local queue unavailable",
			"The vault could not be opened, possibly because another process holds it. "+
				"An offline signal cannot be stored; only a direct send can succeed.")
	}
	if !a.net.Online() {
		ux.Warning("Backend unreachable: the signal will be stored and sent by SMS")
	}
	if interactive {
		return runSOSInteractive(ctx, a, req)
	}
	return runSOSPlain(ctx, a, req)
}

func sosRequest() (dispatch.Request, error) {
	req := dispatch.Request{Status: sosStatus, Severity: sosSeverity, Details: sosDetails}
	if sosLocation != "" {
		c, err := geo.Decode(sosLocation)
		if err != nil {
			return dispatch.Request{}, fmt.Errorf("--location: %w", err)
		}
		req.Location = &c
	}
	return req, nil
}

// runSOSInteractive drives the machine from the countdown TUI.
func runSOSInteractive(ctx context.Context, a *app, req dispatch.Request) error {
	var prog *tea.Program
	sender := a.sender(ctx, func(in sms.Interactive) sms.Interactive {
		return &releasingHandoff{inner: in, program: func() *tea.Program { return prog }}
	})
	machine := a.machine(sender)
	defer machine.Close()

	updates := make(chan dispatch.Snapshot, snapshotBuffer)
	unsubscribe := machine.Subscribe(func(s dispatch.Snapshot) {
		select {
		case updates <- s:
		default:
			a.log.Warn("ui lagging, transition dropped", "state", s.State)
		}
	})
	defer unsubscribe()

	prog = tea.NewProgram(tui.NewSOSModel(ctx, machine, req, updates), tea.WithContext(ctx))
	final, err := prog.Run()
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("sos interface: %w", err)
	}

	snap := machine.Snapshot()
	if m, ok := final.(tui.SOSModel); ok && snap.State == dispatch.StateIdle {
		snap = m.Snapshot()
	}
	return reportOutcome(snap)
}

// runSOSPlain prints transitions and takes the SMS fallback without
// asking when the network fails.
func runSOSPlain(ctx context.Context, a *app, req dispatch.Request) error {
	machine := a.machine(a.sender(ctx, nil))
	defer machine.Close()

	settled := make(chan dispatch.Snapshot, 1)
	unsubscribe := machine.Subscribe(func(s dispatch.Snapshot) {
		switch s.State {
		case dispatch.StateCountdown:
			ux.Info(fmt.Sprintf("Sending %s signal in %d (Ctrl-C cancels)", req.Status, s.Remaining))
		case dispatch.StateSending:
			ux.Info("Sending...")
		}
		if s.State.Terminal() {
			select {
			case settled <- s:
			default:
			}
		}
	})
	defer unsubscribe()

	if err := machine.Trigger(ctx, req); err != nil {
		return err
	}

	fellBack := false
	for {
		select {
		case <-ctx.Done():
			if st := machine.State(); st == dispatch.StateIdle || st == dispatch.StateCountdown {
				ux.Warning("Cancelled. Nothing was sent.")
				return nil
			}
			return ctx.Err()
		case s := <-settled:
			if s.State == dispatch.StateError && s.Fallback && !fellBack {
				fellBack = true
				ux.Warning("Network failure, falling back to SMS")
				if err := machine.Fallback(ctx); errors.Is(err, dispatch.ErrNoFallback) {
					return reportOutcome(s)
				}
				continue
			}
			return reportOutcome(s)
		}
	}
}

// reportOutcome prints the settled state; an error state is returned as
// the command error.
func reportOutcome(s dispatch.Snapshot) error {
	switch s.State {
	case dispatch.StateSent:
		ux.Success("Signal delivered")
		fmt.Println(ux.Table([]ux.Field{{Key: "signal", Value: s.SignalID}}))
	case dispatch.StateSMSReady:
		ux.Warning("Signal stored offline and will sync when the network returns")
		fields := []ux.Field{
			{Key: "event", Value: s.EventID},
			{Key: "message", Value: s.MessageID},
			{Key: "sms", Value: smsLine(s)},
		}
		fmt.Println(ux.Table(fields))
	case dispatch.StateError:
		if s.Err != nil {
			return s.Err
		}
		return errors.New(s.Reason)
	case dispatch.StateCancelled, dispatch.StateIdle:
		ux.Muted("Nothing was sent.")
	}
	return nil
}

func smsLine(s dispatch.Snapshot) string {
	switch {
	case !s.SMSSent:
		return "not sent"
	case s.Route == sms.RouteNative:
		return "sent through gateway"
	default:
		return "handed off (" + string(s.Route) + ")"
	}
}

// releasingHandoff gives the terminal back to a prompt while the TUI runs.
type releasingHandoff struct {
	inner   sms.Interactive
	program func() *tea.Program
}

func (h *releasingHandoff) Handoff(ctx context.Context, msg sms.Message) (bool, error) {
	if p := h.program(); p != nil {
		if err := p.ReleaseTerminal(); err == nil {
			defer func() { _ = p.RestoreTerminal() }()
		}
	}
	return h.inner.Handoff(ctx, msg)
}

func runUpdate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, appOptions{service: "lifeline"})
	if err != nil {
		return err
	}
	defer a.Close()

	details := ""
	if len(args) == 3 {
		details = args[2]
	}
	machine := a.machine(nil)
	defer machine.Close()

	ev, err := machine.UpdateStatus(ctx, args[0], args[1], details)
	if err != nil {
		return err
	}
	ux.Success(fmt.Sprintf("Status %q queued for %s", args[1], args[0]))
	fmt.Println(ux.Table([]ux.Field{{Key: "event", Value: ev.EventID}}))
	ux.Muted("It is uploaded on the next sync.")
	return nil
}
