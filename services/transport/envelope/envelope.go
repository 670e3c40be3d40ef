// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package envelope builds the encrypted text blob carried by SMS-class
// channels.
//
// # Wire Format
//
//	TMT:v1:<base64(IV ‖ ciphertext ‖ tag)>
//
// The plaintext is a compact JSON object with single-letter keys:
//
//	u  patient id (short form)
//	l  "lat,lon" to 3 decimals
//	s  one-letter status code
//	v  severity digit "1".."5"
//	t  unix seconds, as a string
//	m  optional 8-hex-char dedup token
//
// # Cryptography
//
// Keys come from PBKDF2-HMAC-SHA256 (100 000 iterations, fixed salt, 16-byte
// output) so the server can derive the same key from the shared passphrase.
// Sealing is AES-128-GCM with a fresh 96-bit IV from crypto/rand per call and
// the 128-bit tag appended to the ciphertext. Every failure is reported as
// errs.CryptoFailure; there is no plaintext fallback.
//
// # Weak Fallback
//
// When the device holds no SMS passphrase, Build derives the key from the
// patient id. That keeps sending possible at the cost of a guessable key and
// must stay compatible with the server, so it is kept as is.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/lifeline/services/transport/errs"
	"github.com/AleutianAI/lifeline/services/transport/geo"
)

const (
	// Prefix tags every envelope with protocol and version.
	Prefix = "TMT:v1:"

	// Iterations is the PBKDF2 work factor shared with the server.
	Iterations = 100_000

	// KeySize is the AES key length in bytes (128 bits).
	KeySize = 16

	// IVSize is the GCM nonce length in bytes (96 bits).
	IVSize = 12

	// TagSize is the GCM authentication tag length in bytes.
	TagSize = 16

	// MessageIDLen is the length of the hex dedup token.
	MessageIDLen = 8
)

// salt is the fixed application-wide PBKDF2 salt. Changing it breaks every
// deployed server.
var salt = []byte("tamata-sos-sms-v1")

// Key is a derived AES-128 key.
type Key [KeySize]byte

// Envelope is a prefixed, base64 encoded, sealed signal record.
type Envelope string

// String returns the envelope text.
func (e Envelope) String() string {
	return string(e)
}

// Record is the plaintext compact signal record.
//
// It is created once per send attempt and exists in memory only until
// Seal returns.
type Record struct {
	PatientID string `json:"u"`
	Location  string `json:"l"`
	Status    string `json:"s"`
	Severity  string `json:"v"`
	Timestamp string `json:"t"`
	MessageID string `json:"m,omitempty"`
}

// Signal holds the inputs Build turns into a Record.
type Signal struct {
	PatientID string
	Location  geo.Coordinate
	Status    string
	Severity  int
	MessageID string

	// Time defaults to time.Now when zero.
	Time time.Time
}

// DeriveKey runs PBKDF2-HMAC-SHA256 over passphrase.
//
// The result is deterministic for a given passphrase.
func DeriveKey(passphrase string) (Key, error) {
	var key Key
	raw, err := pbkdf2.Key(sha256.New, passphrase, salt, Iterations, KeySize)
	if err != nil {
		return key, errs.New(errs.CryptoFailure, "envelope.derive_key", err)
	}
	copy(key[:], raw)
	return key, nil
}

// Encrypt seals plaintext under key with a fresh random IV.
//
// # Outputs
//
//   - Envelope: Prefix + base64(IV ‖ ciphertext ‖ tag)
//   - error: errs.CryptoFailure if the random source or cipher fails
func Encrypt(plaintext []byte, key Key) (Envelope, error) {
	return encrypt(rand.Reader, plaintext, key)
}

func encrypt(random io.Reader, plaintext []byte, key Key) (Envelope, error) {
	const op = "envelope.encrypt"

	aead, err := newAEAD(key)
	if err != nil {
		return "", errs.New(errs.CryptoFailure, op, err)
	}

	iv := make([]byte, IVSize, IVSize+len(plaintext)+TagSize)
	if _, err := io.ReadFull(random, iv); err != nil {
		return "", errs.New(errs.CryptoFailure, op, fmt.Errorf("read iv: %w", err))
	}

	sealed := aead.Seal(iv, iv, plaintext, nil)
	return Envelope(Prefix + base64.StdEncoding.EncodeToString(sealed)), nil
}

// Decrypt opens an envelope produced by Encrypt.
//
// Devices never need this; it exists for the server side of the contract
// (the stub backend) and for tests.
func Decrypt(env Envelope, key Key) ([]byte, error) {
	const op = "envelope.decrypt"

	body, ok := strings.CutPrefix(string(env), Prefix)
	if !ok {
		return nil, errs.Errorf(errs.InvalidFormat, op, "missing %q prefix", Prefix)
	}
	raw, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, errs.New(errs.InvalidFormat, op, err)
	}
	if len(raw) < IVSize+TagSize {
		return nil, errs.Errorf(errs.InvalidFormat, op, "envelope too short: %d bytes", len(raw))
	}

	aead, err := newAEAD(key)
	if err != nil {
		return nil, errs.New(errs.CryptoFailure, op, err)
	}
	plain, err := aead.Open(nil, raw[:IVSize], raw[IVSize:], nil)
	if err != nil {
		return nil, errs.New(errs.CryptoFailure, op, err)
	}
	return plain, nil
}

// Seal serializes rec and encrypts it under key.
func Seal(rec Record, key Key) (Envelope, error) {
	plain, err := json.Marshal(rec)
	if err != nil {
		return "", errs.New(errs.CryptoFailure, "envelope.seal", err)
	}
	return Encrypt(plain, key)
}

// Open decrypts an envelope and decodes the record inside it.
func Open(env Envelope, key Key) (Record, error) {
	var rec Record
	plain, err := Decrypt(env, key)
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(plain, &rec); err != nil {
		return rec, errs.New(errs.InvalidFormat, "envelope.open", err)
	}
	return rec, nil
}

// NewRecord validates sig and assembles its compact record.
func NewRecord(sig Signal) (Record, error) {
	const op = "envelope.record"

	if sig.PatientID == "" {
		return Record{}, errs.Errorf(errs.InvalidFormat, op, "patient id is empty")
	}
	if !sig.Location.Valid() {
		return Record{}, errs.Errorf(errs.InvalidFormat, op, "location %v out of range", sig.Location)
	}
	if sig.Severity < 1 || sig.Severity > 5 {
		return Record{}, errs.Errorf(errs.InvalidFormat, op, "severity %d not in 1..5", sig.Severity)
	}
	if sig.MessageID != "" && !ValidMessageID(sig.MessageID) {
		return Record{}, errs.Errorf(errs.InvalidFormat, op, "message id %q is not %d hex chars", sig.MessageID, MessageIDLen)
	}

	ts := sig.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	return Record{
		PatientID: sig.PatientID,
		Location:  sig.Location.String(),
		Status:    StatusCode(sig.Status),
		Severity:  strconv.Itoa(sig.Severity),
		Timestamp: strconv.FormatInt(ts.Unix(), 10),
		MessageID: sig.MessageID,
	}, nil
}

// Build assembles the record for sig and seals it with a key derived from
// passphrase, or from the patient id when passphrase is empty.
func Build(sig Signal, passphrase string) (Envelope, error) {
	rec, err := NewRecord(sig)
	if err != nil {
		return "", err
	}
	if passphrase == "" {
		passphrase = sig.PatientID
	}
	key, err := DeriveKey(passphrase)
	if err != nil {
		return "", err
	}
	return Seal(rec, key)
}

// NewMessageID returns a fresh 8-hex-char dedup token.
func NewMessageID() (string, error) {
	var b [MessageIDLen / 2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", errs.New(errs.CryptoFailure, "envelope.message_id", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// ValidMessageID reports whether id is exactly 8 lowercase or uppercase hex chars.
func ValidMessageID(id string) bool {
	if len(id) != MessageIDLen {
		return false
	}
	_, err := hex.DecodeString(id)
	return err == nil
}

func newAEAD(key Key) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	if aead.NonceSize() != IVSize || aead.Overhead() != TagSize {
		return nil, errors.New("unexpected gcm parameters")
	}
	return aead, nil
}
