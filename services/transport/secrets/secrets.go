// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package secrets is the device secrets store.
//
// Three values are read by fixed name: the SMS passphrase, the short
// patient identifier and the backend auth token. They come from a Backend
// (environment or a YAML file) and are held in memguard enclaves, encrypted
// at rest in process memory, until a caller opens one.
//
// # Security
//
//   - Secret values are never logged, only names and presence.
//   - When the mlock limit is too small for memguard, the store falls back
//     to plain process memory and says so at Warn level.
//
// # Thread Safety
//
// Store is safe for concurrent use. Reload swaps the whole set atomically.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/sys/unix"
)

// -----------------------------------------------------------------------------
// Error Sentinel Values
// -----------------------------------------------------------------------------

// ErrSecretNotFound is returned when a requested secret is not configured.
var ErrSecretNotFound = errors.New("secret not found")

// ErrSecretBackendUnavailable is returned when the backend cannot be read.
var ErrSecretBackendUnavailable = errors.New("secret backend unavailable")

// ErrUnknownSecret is returned for names outside KnownSecrets.
var ErrUnknownSecret = errors.New("unknown secret name")

// -----------------------------------------------------------------------------
// Well-Known Secret Names
// -----------------------------------------------------------------------------

const (
	// SecretSMSPassphrase keys the offline envelope.
	// Optional: when missing, the patient id is used as the passphrase.
	SecretSMSPassphrase = "LIFELINE_SMS_PASSPHRASE"

	// SecretPatientID is the short patient identifier embedded in envelopes.
	SecretPatientID = "LIFELINE_PATIENT_ID"

	// SecretAuthToken is the bearer token for the backend.
	SecretAuthToken = "LIFELINE_AUTH_TOKEN"
)

// KnownSecrets lists every name the store loads.
var KnownSecrets = []string{
	SecretSMSPassphrase,
	SecretPatientID,
	SecretAuthToken,
}

// MinMlockLimitKB is the smallest RLIMIT_MEMLOCK that memguard is trusted
// with. Below it secrets are kept in plain memory.
const MinMlockLimitKB = 64

var (
	memguardInitOnce    sync.Once
	mlockSufficient     bool
	currentMlockLimitKB int64
)

// -----------------------------------------------------------------------------
// Holders
// -----------------------------------------------------------------------------

// holder keeps one secret value.
type holder interface {
	open() (string, error)
}

// sealedHolder keeps the value in a memguard enclave.
type sealedHolder struct {
	enclave *memguard.Enclave
}

func (h sealedHolder) open() (string, error) {
	buf, err := h.enclave.Open()
	if err != nil {
		return "", fmt.Errorf("open enclave: %w", err)
	}
	defer buf.Destroy()
	// string() copies out of guarded memory before Destroy wipes it.
	return string(buf.Bytes()), nil
}

// plainHolder is used when mlock is insufficient.
type plainHolder struct {
	value string
}

func (h plainHolder) open() (string, error) {
	return h.value, nil
}

// -----------------------------------------------------------------------------
// Store
// -----------------------------------------------------------------------------

// Store holds the device secrets.
type Store struct {
	backend Backend
	logger  *slog.Logger
	secure  bool

	mu      sync.RWMutex
	holders map[string]holder
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithInsecureMemory keeps secrets in plain memory regardless of mlock.
func WithInsecureMemory() Option {
	return func(s *Store) { s.secure = false }
}

// NewStore creates a store over backend and loads it once.
//
// # Outputs
//
//   - *Store: ready for use, even when some secrets are missing
//   - error: wraps ErrSecretBackendUnavailable when the backend fails
func NewStore(ctx context.Context, backend Backend, opts ...Option) (*Store, error) {
	initMemguard()

	s := &Store{
		backend: backend,
		logger:  slog.New(slog.DiscardHandler),
		secure:  mlockSufficient,
		holders: make(map[string]holder),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "secrets", "backend", backend.Name())

	if !s.secure {
		s.logger.Warn("secrets kept in plain memory",
			"mlock_limit_kb", currentMlockLimitKB,
			"required_kb", MinMlockLimitKB,
		)
	}
	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload reads the backend again and replaces every held secret.
func (s *Store) Reload(ctx context.Context) error {
	values, err := s.backend.Load(ctx)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSecretBackendUnavailable, s.backend.Name(), err)
	}

	next := make(map[string]holder, len(KnownSecrets))
	for _, name := range KnownSecrets {
		v, ok := values[name]
		if !ok || v == "" {
			continue
		}
		if s.secure {
			// NewEnclave wipes the source slice.
			next[name] = sealedHolder{enclave: memguard.NewEnclave([]byte(v))}
		} else {
			next[name] = plainHolder{value: v}
		}
	}

	s.mu.Lock()
	s.holders = next
	s.mu.Unlock()

	s.logger.Info("secrets loaded", "present", s.presentNames())
	return nil
}

// Get returns the value of a known secret.
func (s *Store) Get(_ context.Context, name string) (string, error) {
	if !isKnown(name) {
		return "", fmt.Errorf("%w: %s", ErrUnknownSecret, name)
	}
	s.mu.RLock()
	h, ok := s.holders[name]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return h.open()
}

// Has reports whether name is configured, without opening it.
func (s *Store) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.holders[name]
	return ok
}

// SMSPassphrase returns the envelope passphrase, or "" when unset so the
// patient-id fallback applies.
func (s *Store) SMSPassphrase(ctx context.Context) (string, error) {
	return s.optional(ctx, SecretSMSPassphrase)
}

// PatientID returns the short patient identifier.
func (s *Store) PatientID(ctx context.Context) (string, error) {
	return s.Get(ctx, SecretPatientID)
}

// AuthToken returns the backend bearer token, or "" when unset. Its
// signature matches apiclient.TokenSource.
func (s *Store) AuthToken(ctx context.Context) (string, error) {
	return s.optional(ctx, SecretAuthToken)
}

// Secure reports whether values are held in memguard enclaves.
func (s *Store) Secure() bool {
	return s.secure
}

// Close drops every held secret.
func (s *Store) Close() {
	s.mu.Lock()
	s.holders = make(map[string]holder)
	s.mu.Unlock()
}

func (s *Store) optional(ctx context.Context, name string) (string, error) {
	v, err := s.Get(ctx, name)
	if errors.Is(err, ErrSecretNotFound) {
		return "", nil
	}
	return v, err
}

func (s *Store) presentNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, name := range KnownSecrets {
		if _, ok := s.holders[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

func isKnown(name string) bool {
	for _, k := range KnownSecrets {
		if k == name {
			return true
		}
	}
	return false
}

// -----------------------------------------------------------------------------
// memguard initialization
// -----------------------------------------------------------------------------

// initMemguard checks the mlock limit once per process.
func initMemguard() {
	memguardInitOnce.Do(func() {
		mlockSufficient, currentMlockLimitKB = checkMlockLimit()
		if os.Getenv("LIFELINE_INSECURE_MEMORY") == "true" {
			mlockSufficient = false
		}
	})
}

// checkMlockLimit reports whether RLIMIT_MEMLOCK is at least
// MinMlockLimitKB, and the limit in KB (-1 when unlimited or unknown).
func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("Could not determine mlock limit", "error", err)
		return true, -1
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}
	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= MinMlockLimitKB, limitKB
}

// Purge wipes all memguard state. Call it once on process exit.
func Purge() {
	memguard.Purge()
}
