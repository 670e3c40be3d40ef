// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
)

// activity is the frame set; it matches the dots the SOS panel shows
// while a signal is sending.
var activity = spinner.Dot

// clearLine returns the cursor to column 0 and erases the line.
const clearLine = "\r\033[K"

// Spinner animates one line while a blocking call runs, such as the
// upload in `lifeline sync`. It is for plain commands; the SOS panel has
// its own bubbletea spinner.
type Spinner struct {
	out   io.Writer
	label string

	mu   sync.Mutex
	halt chan struct{} // nil when idle
	gone chan struct{}
}

// NewSpinner returns an idle spinner for label on stdout.
func NewSpinner(label string) *Spinner {
	return &Spinner{out: os.Stdout, label: label}
}

// Start animates until Stop. Machine output gets a single PROGRESS line
// instead, since scripts cannot use carriage returns.
func (s *Spinner) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.halt != nil {
		return
	}
	s.halt = make(chan struct{})
	s.gone = make(chan struct{})

	if machine() {
		fmt.Fprintf(s.out, "PROGRESS: %s\n", s.label)
		close(s.gone)
		return
	}
	go s.animate(s.halt, s.gone)
}

func (s *Spinner) animate(halt <-chan struct{}, gone chan<- struct{}) {
	defer close(gone)
	tick := time.NewTicker(activity.FPS)
	defer tick.Stop()

	frame := 0
	for {
		select {
		case <-halt:
			fmt.Fprint(s.out, clearLine)
			return
		case <-tick.C:
			glyph := Styles.Highlight.Render(activity.Frames[frame%len(activity.Frames)])
			fmt.Fprintf(s.out, "\r%s %s", glyph, s.label)
			frame++
		}
	}
}

// Stop clears the line. It waits for the last frame, so output printed
// afterwards starts on a clean line. Stopping an idle spinner is a no-op.
func (s *Spinner) Stop() {
	s.mu.Lock()
	halt, gone := s.halt, s.gone
	s.halt, s.gone = nil, nil
	s.mu.Unlock()

	if halt == nil {
		return
	}
	close(halt)
	<-gone
}

// WithSpinner runs fn under a spinner labelled label, then prints the
// outcome as a Success line or, on failure, an Error line naming err.
func WithSpinner(label string, fn func() error) error {
	s := NewSpinner(label)
	s.Start()
	err := fn()
	s.Stop()

	if err != nil {
		Error(label + ": " + err.Error())
		return err
	}
	Success(label)
	return nil
}
