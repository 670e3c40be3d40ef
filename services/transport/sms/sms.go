// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sms hands encrypted envelopes to whatever text-message path the
// device offers.
//
// Two paths exist. A Native transport sends silently once it is available
// and permitted. An Interactive handoff shows the message to the user, who
// must confirm before anything is transmitted. Sender tries the native path
// first and falls back to the interactive one on any native refusal or
// failure, without surfacing the native error.
package sms

import (
	"context"
	"log/slog"

	"github.com/AleutianAI/lifeline/services/transport/errs"
)

// Message is one outbound text.
type Message struct {
	// To is the gateway number or address.
	To string `json:"to"`

	// Body is the encrypted envelope text.
	Body string `json:"body"`

	// MessageID is the dedup token inside the envelope, carried in the
	// clear so gateways can drop repeats without decrypting.
	MessageID string `json:"message_id,omitempty"`
}

// Native is the platform's silent send capability.
type Native interface {
	// Available reports whether the capability exists right now.
	Available(ctx context.Context) bool

	// Permitted returns nil, or an errs.PermissionDenied error.
	Permitted(ctx context.Context) error

	// Send transmits msg without user interaction.
	Send(ctx context.Context, msg Message) error
}

// Interactive presents msg for explicit user confirmation.
type Interactive interface {
	// Handoff returns true once the user confirmed sending.
	Handoff(ctx context.Context, msg Message) (bool, error)
}

// Route names the path a message took.
type Route string

const (
	RouteNative      Route = "native"
	RouteInteractive Route = "interactive"
)

// Result describes one delivery attempt.
type Result struct {
	Route Route

	// Sent is true when the native send succeeded or the user confirmed
	// the interactive handoff.
	Sent bool
}

// Sender chooses between the native and interactive paths.
//
// Thread Safety: safe for concurrent use if the wrapped paths are.
type Sender struct {
	native      Native
	interactive Interactive
	logger      *slog.Logger
}

// NewSender creates a sender. Either path may be nil; with both nil every
// Deliver fails with TransportFailure.
func NewSender(native Native, interactive Interactive, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Sender{
		native:      native,
		interactive: interactive,
		logger:      logger.With("component", "sms"),
	}
}

// Deliver sends msg through the best available path.
//
// # Description
//
// The native path is used when present, available and permitted. A
// permission refusal or a native send failure falls through to the
// interactive handoff silently; only a failure of the interactive path
// itself is returned.
//
// # Outputs
//
//   - Result: the path used and whether the message left the device
//   - error: TransportFailure when no path could take the message
func (s *Sender) Deliver(ctx context.Context, msg Message) (Result, error) {
	const op = "sms.deliver"

	if s.native != nil && s.native.Available(ctx) {
		if err := s.native.Permitted(ctx); err != nil {
			s.logger.Info("native sms not permitted, using interactive handoff", "message_id", msg.MessageID)
		} else if err := s.native.Send(ctx, msg); err != nil {
			s.logger.Warn("native sms failed, using interactive handoff", "message_id", msg.MessageID, "error", err)
		} else {
			s.logger.Info("sms sent", "route", RouteNative, "message_id", msg.MessageID)
			return Result{Route: RouteNative, Sent: true}, nil
		}
	}

	if s.interactive == nil {
		return Result{}, errs.Errorf(errs.TransportFailure, op, "no sms path available")
	}
	confirmed, err := s.interactive.Handoff(ctx, msg)
	if err != nil {
		return Result{Route: RouteInteractive}, errs.New(errs.TransportFailure, op, err)
	}
	s.logger.Info("sms handed off", "route", RouteInteractive, "confirmed", confirmed, "message_id", msg.MessageID)
	return Result{Route: RouteInteractive, Sent: confirmed}, nil
}
