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
	"os"
	"strings"
	"sync/atomic"

	"github.com/mattn/go-isatty"
)

// EnvPersonality overrides terminal detection.
const EnvPersonality = "LIFELINE_PERSONALITY"

// PersonalityLevel selects how much styling output carries.
type PersonalityLevel string

const (
	// PersonalityFull enables colors, boxes and the countdown TUI.
	PersonalityFull PersonalityLevel = "full"

	// PersonalityMinimal keeps icons and drops colour.
	PersonalityMinimal PersonalityLevel = "minimal"

	// PersonalityMachine writes prefixed plain lines for scripts and pipes.
	PersonalityMachine PersonalityLevel = "machine"
)

// Personality is the process-wide output setting.
type Personality struct {
	Level PersonalityLevel
}

var current atomic.Pointer[Personality]

func init() {
	p := DefaultPersonality()
	current.Store(&p)
}

// GetPersonality returns the active setting.
func GetPersonality() Personality {
	return *current.Load()
}

// SetPersonalityLevel replaces the active level.
func SetPersonalityLevel(level PersonalityLevel) {
	current.Store(&Personality{Level: level})
}

// personalityAliases maps accepted spellings, including the short forms
// used on the command line.
var personalityAliases = map[string]PersonalityLevel{
	"full": PersonalityFull, "f": PersonalityFull,
	"minimal": PersonalityMinimal, "min": PersonalityMinimal, "m": PersonalityMinimal,
	"machine": PersonalityMachine, "quiet": PersonalityMachine, "q": PersonalityMachine,
}

// ParsePersonalityLevel reads a level name. Anything unrecognised is full.
func ParsePersonalityLevel(s string) PersonalityLevel {
	if level, ok := personalityAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return level
	}
	return PersonalityFull
}

// InitPersonality picks the level from EnvPersonality, falling back to
// machine output whenever stdout is not a terminal.
func InitPersonality() {
	if env := os.Getenv(EnvPersonality); env != "" {
		SetPersonalityLevel(ParsePersonalityLevel(env))
		return
	}
	level := PersonalityFull
	if !IsTerminal(os.Stdout) {
		level = PersonalityMachine
	}
	SetPersonalityLevel(level)
}

// IsTerminal reports whether f is a terminal, counting Cygwin and MSYS ptys.
func IsTerminal(f *os.File) bool {
	if f == nil {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// IsInteractive reports whether the countdown TUI and prompts may run.
func IsInteractive() bool {
	if GetPersonality().Level == PersonalityMachine {
		return false
	}
	return IsTerminal(os.Stdin) && IsTerminal(os.Stdout)
}

func DefaultPersonality() Personality {
	return Personality{Level: PersonalityFull}
}
