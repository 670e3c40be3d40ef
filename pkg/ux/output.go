// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux renders lifeline's terminal output in three personalities:
// styled (full), plain icons (minimal) and prefixed lines for scripts
// (machine). Machine mode sends warnings and errors to stderr so stdout
// stays parseable.
package ux

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Lifeline palette: signal red for alarms, amber for degraded paths and
// a calm green for confirmed delivery.
var (
	ColorAlarm   = lipgloss.Color("#FF3B30") // countdown, SOS banner
	ColorSignal  = lipgloss.Color("#FF6F61")
	ColorCalm    = lipgloss.Color("#34C759") // delivered
	ColorAmber   = lipgloss.Color("#FFB020") // offline, queued
	ColorSlate   = lipgloss.Color("#5B6770")
	ColorOutline = lipgloss.Color("#8E9AA3")
	ColorDanger  = lipgloss.Color("#E5484D")
)

func framed(border lipgloss.Color) lipgloss.Style {
	return lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(border).Padding(0, 1)
}

// Styles are the shared lipgloss styles. The SOS panel and the CLI use
// the same set so both read alike.
var Styles = struct {
	Title, Bold, Muted, Highlight lipgloss.Style
	Success, Warning, Error       lipgloss.Style
	Box, WarningBox, ErrorBox     lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorAlarm),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorSlate),
	Highlight: lipgloss.NewStyle().Bold(true).Foreground(ColorSignal),
	Success:   lipgloss.NewStyle().Foreground(ColorCalm),
	Warning:   lipgloss.NewStyle().Foreground(ColorAmber),
	Error:     lipgloss.NewStyle().Foreground(ColorDanger),

	Box:        framed(ColorOutline),
	WarningBox: framed(ColorAmber),
	ErrorBox:   framed(ColorDanger),
}

// boxWidth fits an 80 column terminal with room for the border.
const boxWidth = 60

// Icon is a status glyph.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconArrow   Icon = "→"
	IconSOS     Icon = "✚"
)

var iconStyles = map[Icon]lipgloss.Style{
	IconSuccess: Styles.Success,
	IconWarning: Styles.Warning,
	IconError:   Styles.Error,
	IconSOS:     Styles.Error,
	IconPending: Styles.Muted,
}

// Render colours the glyph by meaning.
func (i Icon) Render() string {
	style, ok := iconStyles[i]
	if !ok {
		return string(i)
	}
	return style.Render(string(i))
}

// =============================================================================
// Status lines
// =============================================================================

// tone describes how one kind of status line renders.
type tone struct {
	icon   Icon
	style  lipgloss.Style
	prefix string // machine mode
	stderr bool   // machine mode
}

var (
	toneSuccess = tone{icon: IconSuccess, style: Styles.Success, prefix: "OK"}
	toneWarning = tone{icon: IconWarning, style: Styles.Warning, prefix: "WARN", stderr: true}
	toneError   = tone{icon: IconError, style: Styles.Error, prefix: "ERROR", stderr: true}
)

func (t tone) print(text string) {
	switch GetPersonality().Level {
	case PersonalityMachine:
		var w io.Writer = os.Stdout
		if t.stderr {
			w = os.Stderr
		}
		fmt.Fprintf(w, "%s: %s\n", t.prefix, text)
	case PersonalityMinimal:
		fmt.Println(t.icon.Render() + " " + text)
	default:
		fmt.Println(t.icon.Render() + " " + t.style.Render(text))
	}
}

// Success reports something that completed, such as a delivered signal.
func Success(text string) { toneSuccess.print(text) }

// Warning reports a degraded but handled path: offline, queued, fallback.
func Warning(text string) { toneWarning.print(text) }

// Error reports a failure the user has to act on.
func Error(text string) { toneError.print(text) }

// Info prints a neutral line, gutter-marked outside machine mode.
func Info(text string) {
	if machine() {
		fmt.Println(text)
		return
	}
	fmt.Println(Styles.Muted.Render("│") + " " + text)
}

// Title and Muted are decoration; machine mode drops both.
func Title(text string) {
	if !machine() {
		fmt.Println(Styles.Title.Render(text))
	}
}

func Muted(text string) {
	if !machine() {
		fmt.Println(Styles.Muted.Render(text))
	}
}

// Box frames content under a title.
func Box(title, content string) {
	if machine() {
		fmt.Println(title + ": " + content)
		return
	}
	fmt.Println(Styles.Box.Width(boxWidth).Render(Styles.Title.Render(title) + "\n" + content))
}

// WarningBox is Box in amber; machine mode writes it to stderr.
func WarningBox(title, content string) {
	if machine() {
		fmt.Fprintln(os.Stderr, "WARN "+title+": "+content)
		return
	}
	heading := Styles.Warning.Bold(true).Render(title)
	fmt.Println(Styles.WarningBox.Width(boxWidth).Render(heading + "\n" + content))
}

// =============================================================================
// Structured values
// =============================================================================

// Field is one key/value row of a Table.
type Field struct {
	Key   string
	Value string
}

// Table renders aligned key/value rows. Machine mode emits key=value
// pairs separated by tabs for scripting.
func Table(fields []Field) string {
	if machine() {
		pairs := make([]string, len(fields))
		for i, f := range fields {
			pairs[i] = f.Key + "=" + f.Value
		}
		return strings.Join(pairs, "\t")
	}

	keyWidth := 0
	for _, f := range fields {
		keyWidth = max(keyWidth, len(f.Key))
	}
	rows := make([]string, len(fields))
	for i, f := range fields {
		rows[i] = Styles.Muted.Render(fmt.Sprintf("%-*s", keyWidth, f.Key)) + "  " + f.Value
	}
	return strings.Join(rows, "\n")
}

// Counter renders "n label"; zero is calm, anything else amber.
func Counter(n int, label string) string {
	if machine() {
		return label + "=" + strconv.Itoa(n)
	}
	style := Styles.Success
	if n > 0 {
		style = Styles.Warning
	}
	return style.Render(strconv.Itoa(n)) + " " + Styles.Muted.Render(label)
}

func machine() bool {
	return GetPersonality().Level == PersonalityMachine
}
