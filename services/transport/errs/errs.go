// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package errs defines the failure taxonomy shared by the signal transport
// components.
//
// Every failure that crosses a component boundary carries a Kind so callers
// can decide between surfacing, retrying, or falling back without string
// matching:
//
//	if errs.Is(err, errs.LocationUnavailable) {
//	    // ask the user to retry with a fresh fix
//	}
//
// Sentinel values (ErrCryptoFailure, ...) work with errors.Is directly:
//
//	errors.Is(err, errs.ErrCryptoFailure)
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a transport failure.
type Kind int

const (
	// Unknown is the zero Kind, used for errors outside the taxonomy.
	Unknown Kind = iota

	// InvalidFormat marks a malformed coordinate string or wire value.
	InvalidFormat

	// CryptoFailure marks a key derivation or encryption failure.
	// Never degrades to plaintext.
	CryptoFailure

	// LocationUnavailable marks the absence of any obtainable position fix.
	LocationUnavailable

	// TransportFailure marks a network failure for a direct call or a batch upload.
	TransportFailure

	// PermissionDenied marks the platform declining a native send.
	PermissionDenied

	// ServerRejected marks a per-item error verdict from reconciliation.
	ServerRejected

	// Conflict marks a reverted optimistic update.
	Conflict
)

// String returns the taxonomy name of the kind.
func (k Kind) String() string {
	switch k {
	case InvalidFormat:
		return "InvalidFormat"
	case CryptoFailure:
		return "CryptoFailure"
	case LocationUnavailable:
		return "LocationUnavailable"
	case TransportFailure:
		return "TransportFailure"
	case PermissionDenied:
		return "PermissionDenied"
	case ServerRejected:
		return "ServerRejected"
	case Conflict:
		return "Conflict"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// Sentinels for errors.Is comparisons. An *Error matches the sentinel of its Kind.
var (
	ErrInvalidFormat       = &Error{Kind: InvalidFormat}
	ErrCryptoFailure       = &Error{Kind: CryptoFailure}
	ErrLocationUnavailable = &Error{Kind: LocationUnavailable}
	ErrTransportFailure    = &Error{Kind: TransportFailure}
	ErrPermissionDenied    = &Error{Kind: PermissionDenied}
	ErrServerRejected      = &Error{Kind: ServerRejected}
	ErrConflict            = &Error{Kind: Conflict}
)

// Error is a classified failure.
//
// # Fields
//
//   - Kind: taxonomy entry
//   - Op: short name of the failing operation ("envelope.encrypt")
//   - Err: underlying cause, may be nil
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Error formats as "op: kind: cause".
func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same Kind.
//
// Only the Kind is compared, so any classified error matches its sentinel.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// New returns a classified error wrapping cause.
func New(kind Kind, op string, cause error) error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Errorf returns a classified error with a formatted cause.
func Errorf(kind Kind, op string, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind of the first classified error in the chain,
// or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// OffersOfflineFallback reports whether a failure should be answered with
// the encrypted offline path rather than a plain retry.
func OffersOfflineFallback(err error) bool {
	return Is(err, TransportFailure)
}
