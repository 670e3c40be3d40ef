// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-isatty"
)

// NewInteractive picks the terminal prompt when stdin is a terminal and the
// outbox file otherwise.
func NewInteractive(outboxPath string) Interactive {
	fd := os.Stdin.Fd()
	if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
		return &TerminalHandoff{Output: os.Stdout}
	}
	return &OutboxHandoff{Path: outboxPath}
}

// TerminalHandoff shows the message and asks for confirmation with a huh
// form. Declining or aborting the prompt sends nothing.
type TerminalHandoff struct {
	Output io.Writer
}

// Handoff implements Interactive.
func (h *TerminalHandoff) Handoff(ctx context.Context, msg Message) (bool, error) {
	confirmed := false
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Emergency SMS ready").
				Description(fmt.Sprintf("To: %s\n\n%s", msg.To, msg.Body)),
			huh.NewConfirm().
				Title("Send this message now?").
				Affirmative("Send").
				Negative("Not now").
				Value(&confirmed),
		),
	)
	if h.Output != nil {
		form = form.WithOutput(h.Output)
	}

	if err := form.RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return false, nil
		}
		return false, fmt.Errorf("sms confirmation prompt: %w", err)
	}
	if confirmed && h.Output != nil {
		fmt.Fprintf(h.Output, "sms:%s?body=%s\n", msg.To, msg.Body)
	}
	return confirmed, nil
}

// OutboxHandoff appends the message as a JSON line to a file that another
// program or the user sends from. Writing the line counts as confirmation.
type OutboxHandoff struct {
	Path string

	mu sync.Mutex
}

type outboxEntry struct {
	Message
	WrittenAt time.Time `json:"written_at"`
}

// Handoff implements Interactive.
func (h *OutboxHandoff) Handoff(_ context.Context, msg Message) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(h.Path), 0o750); err != nil {
		return false, fmt.Errorf("create outbox dir: %w", err)
	}
	f, err := os.OpenFile(h.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return false, fmt.Errorf("open outbox: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(outboxEntry{Message: msg, WrittenAt: time.Now().UTC()})
	if err != nil {
		return false, err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return false, fmt.Errorf("write outbox: %w", err)
	}
	return true, f.Sync()
}

// ReadOutbox returns every message in the outbox file, oldest first.
func ReadOutbox(path string) ([]Message, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Message
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var e outboxEntry
		if err := dec.Decode(&e); err != nil {
			return out, fmt.Errorf("decode outbox: %w", err)
		}
		out = append(out, e.Message)
	}
	return out, nil
}
