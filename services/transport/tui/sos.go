// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tui provides the terminal interface for sending an SOS.
//
// # Description
//
// SOSModel is a bubbletea model that drives a dispatch machine: it triggers
// the countdown, renders every snapshot the machine publishes, and maps
// keys to Cancel, Retry, Fallback and SendAnother.
//
// # Thread Safety
//
// The model is used only inside the bubbletea event loop. Snapshots reach
// it through a channel the caller fills from Machine.Subscribe.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/AleutianAI/lifeline/pkg/ux"
	"github.com/AleutianAI/lifeline/services/transport/dispatch"
	"github.com/AleutianAI/lifeline/services/transport/sms"
)

// =============================================================================
// Messages
// =============================================================================

// SnapshotMsg carries a machine transition into the event loop.
type SnapshotMsg dispatch.Snapshot

// actionErrMsg reports a refused or failed user action.
type actionErrMsg struct{ err error }

// closedMsg is sent when the snapshot channel is closed.
type closedMsg struct{}

// =============================================================================
// Keys
// =============================================================================

type keyMap struct {
	Cancel   key.Binding
	Retry    key.Binding
	Fallback key.Binding
	Another  key.Binding
	Quit     key.Binding
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Cancel, k.Retry, k.Fallback, k.Another, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp()}
}

func defaultKeys() keyMap {
	return keyMap{
		Cancel:   key.NewBinding(key.WithKeys("c", "esc"), key.WithHelp("c", "cancel")),
		Retry:    key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "retry")),
		Fallback: key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "send by sms")),
		Another:  key.NewBinding(key.WithKeys("n"), key.WithHelp("n", "send another")),
		Quit:     key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	}
}

// =============================================================================
// Model
// =============================================================================

// Machine is the part of *dispatch.Machine the model drives.
type Machine interface {
	Trigger(ctx context.Context, req dispatch.Request) error
	Cancel() error
	Retry(ctx context.Context) error
	Fallback(ctx context.Context) error
	SendAnother() error
	Snapshot() dispatch.Snapshot
}

var _ Machine = (*dispatch.Machine)(nil)

var (
	countdownStyle = lipgloss.NewStyle().Bold(true).Foreground(ux.ColorAlarm).Padding(0, 1)
	panelStyle     = ux.Styles.Box.Width(56)
)

// SOSModel is the bubbletea model for one SOS session.
type SOSModel struct {
	ctx     context.Context
	machine Machine
	req     dispatch.Request
	updates <-chan dispatch.Snapshot

	snap    dispatch.Snapshot
	started bool
	err     error

	spinner spinner.Model
	keys    keyMap
	help    help.Model

	quitting bool
}

// NewSOSModel creates a model that triggers req on machine when started.
//
// # Inputs
//
//   - ctx: bounds the countdown and the send
//   - machine: the dispatch machine
//   - req: what to send
//   - updates: snapshots published by machine, in order
//
// # Outputs
//
//   - SOSModel: ready for tea.NewProgram
func NewSOSModel(ctx context.Context, machine Machine, req dispatch.Request, updates <-chan dispatch.Snapshot) SOSModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = ux.Styles.Highlight

	return SOSModel{
		ctx:     ctx,
		machine: machine,
		req:     req,
		updates: updates,
		snap:    machine.Snapshot(),
		spinner: sp,
		keys:    defaultKeys(),
		help:    help.New(),
	}
}

// Snapshot returns the last state the model rendered.
func (m SOSModel) Snapshot() dispatch.Snapshot {
	return m.snap
}

// Init implements tea.Model.
func (m SOSModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.trigger(), m.wait())
}

func (m SOSModel) trigger() tea.Cmd {
	return m.action(func() error { return m.machine.Trigger(m.ctx, m.req) })
}

func (m SOSModel) action(fn func() error) tea.Cmd {
	return func() tea.Msg {
		if err := fn(); err != nil {
			return actionErrMsg{err: err}
		}
		return nil
	}
}

// resend runs Retry or Fallback. A failed attempt already arrives as an
// error snapshot, so only refusals are reported.
func (m SOSModel) resend(fn func(context.Context) error) tea.Cmd {
	return func() tea.Msg {
		err := fn(m.ctx)
		if errors.Is(err, dispatch.ErrInvalidTransition) || errors.Is(err, dispatch.ErrNoFallback) || errors.Is(err, dispatch.ErrClosed) {
			return actionErrMsg{err: err}
		}
		return nil
	}
}

func (m SOSModel) wait() tea.Cmd {
	updates := m.updates
	return func() tea.Msg {
		snap, ok := <-updates
		if !ok {
			return closedMsg{}
		}
		return SnapshotMsg(snap)
	}
}

// Update implements tea.Model.
func (m SOSModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case SnapshotMsg:
		m.snap = dispatch.Snapshot(msg)
		m.err = nil
		if m.snap.State != dispatch.StateIdle {
			m.started = true
		} else if m.started {
			// back to idle after a cancel: nothing is left to show
			m.quitting = true
			return m, tea.Quit
		}
		return m, m.wait()

	case closedMsg:
		m.quitting = true
		return m, tea.Quit

	case actionErrMsg:
		m.err = msg.err
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m SOSModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	state := m.snap.State
	switch {
	case key.Matches(msg, m.keys.Quit):
		if state == dispatch.StateCountdown {
			_ = m.machine.Cancel()
		}
		m.quitting = true
		return m, tea.Quit

	case key.Matches(msg, m.keys.Cancel):
		if err := m.machine.Cancel(); err != nil && !errors.Is(err, dispatch.ErrInvalidTransition) {
			m.err = err
		}
		return m, nil

	case key.Matches(msg, m.keys.Retry):
		if state != dispatch.StateError {
			return m, nil
		}
		return m, m.resend(m.machine.Retry)

	case key.Matches(msg, m.keys.Fallback):
		if state != dispatch.StateError || !m.snap.Fallback {
			return m, nil
		}
		return m, m.resend(m.machine.Fallback)

	case key.Matches(msg, m.keys.Another):
		if !state.Terminal() && state != dispatch.StateCancelled {
			return m, nil
		}
		if err := m.machine.SendAnother(); err != nil {
			m.err = err
			return m, nil
		}
		m.started = false
		return m, m.trigger()
	}
	return m, nil
}

// View implements tea.Model.
func (m SOSModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(ux.Styles.Title.Render("LIFELINE SOS"))
	b.WriteString("\n\n")
	b.WriteString(m.body())
	if m.err != nil {
		b.WriteString("\n\n")
		b.WriteString(ux.Styles.Error.Render(m.err.Error()))
	}
	b.WriteString("\n\n")
	b.WriteString(m.help.ShortHelpView(m.activeKeys()))
	return panelStyle.Render(b.String()) + "\n"
}

func (m SOSModel) body() string {
	s := m.snap
	switch s.State {
	case dispatch.StateIdle:
		return ux.Styles.Muted.Render("Preparing...")

	case dispatch.StateCountdown:
		return fmt.Sprintf("Sending %s signal in %s",
			ux.Styles.Bold.Render(m.req.Status),
			countdownStyle.Render(fmt.Sprintf("%d", s.Remaining)))

	case dispatch.StateSending:
		return m.spinner.View() + " Sending..."

	case dispatch.StateSent:
		return ux.Styles.Success.Render(fmt.Sprintf("%s Signal delivered", ux.IconSuccess)) +
			"\n" + ux.Styles.Muted.Render("id "+s.SignalID)

	case dispatch.StateSMSReady:
		line := "Saved offline. It will sync when the network returns."
		switch {
		case s.SMSSent && s.Route == sms.RouteNative:
			line += "\nEncrypted SMS sent through the gateway."
		case s.SMSSent:
			line += "\nEncrypted SMS handed off for sending."
		default:
			line += "\nSMS was not sent."
		}
		return ux.Styles.Warning.Render(fmt.Sprintf("%s %s", ux.IconWarning, line))

	case dispatch.StateError:
		msg := s.Reason
		if msg == "" && s.Err != nil {
			msg = s.Err.Error()
		}
		out := ux.Styles.Error.Render(fmt.Sprintf("%s %s", ux.IconError, msg))
		if s.Fallback {
			out += "\n" + ux.Styles.Muted.Render("No connection. You can send it by SMS instead.")
		}
		return out

	case dispatch.StateCancelled:
		return ux.Styles.Muted.Render("Cancelled.")
	}
	return string(s.State)
}

func (m SOSModel) activeKeys() []key.Binding {
	switch s := m.snap; {
	case s.State == dispatch.StateCountdown:
		return []key.Binding{m.keys.Cancel, m.keys.Quit}
	case s.State == dispatch.StateError && s.Fallback:
		return []key.Binding{m.keys.Retry, m.keys.Fallback, m.keys.Another, m.keys.Quit}
	case s.State == dispatch.StateError:
		return []key.Binding{m.keys.Retry, m.keys.Another, m.keys.Quit}
	case s.State == dispatch.StateSent || s.State == dispatch.StateSMSReady:
		return []key.Binding{m.keys.Cancel, m.keys.Another, m.keys.Quit}
	case s.State == dispatch.StateCancelled:
		return []key.Binding{m.keys.Another, m.keys.Quit}
	}
	return []key.Binding{m.keys.Quit}
}
