// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vault is the durable, restart-surviving key-value store all
// offline queuing is built on.
//
// Items are addressed by a store name (namespace) and a key. Three embedded
// drivers are available:
//
//	sqlite  (default) single-file SQL table keyed by (store, key)
//	badger  LSM store, one directory
//	bbolt   single-file B+tree, one bucket per store
//	memory  badger in-memory mode, for tests and degraded operation
//
// Only sqlite can be shared between processes. The daemon and the sos
// command both hold the vault open, so badger and bbolt suit single
// process setups only: the second opener cannot take the lock.
//
// # Failure Policy
//
// Losing unsynced data is an acceptable last resort; crashing the caller is
// not. Read paths (GetAll, Count) log driver errors and report an empty
// store. If the configured driver cannot be opened at all, Open falls back to
// the memory driver and Degraded reports true. Writers that promise
// durability, such as an offline signal, must check Degraded first.
//
// # Thread Safety
//
// Vault is safe for concurrent use. It adds no locking of its own beyond
// what each driver provides.
package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// Driver names accepted by Config.Driver.
const (
	DriverBadger = "badger"
	DriverBolt   = "bbolt"
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// ErrClosed is returned by operations on a closed vault.
var ErrClosed = errors.New("vault is closed")

// ErrNotDurable reports that the vault is running on the memory fallback.
var ErrNotDurable = errors.New("vault is memory-only, data will not survive this process")

// Item is one stored value with its key.
type Item struct {
	Key   string
	Value []byte
}

// Driver is the storage backend contract.
//
// Delete of a missing key must succeed. GetAll should return items in
// insertion order when the backend can do so cheaply, otherwise key order.
// Replace writes only over an existing key, atomically with respect to a
// concurrent Delete, and reports whether it wrote.
type Driver interface {
	Put(ctx context.Context, store, key string, value []byte) error
	Replace(ctx context.Context, store, key string, value []byte) (bool, error)
	GetAll(ctx context.Context, store string) ([]Item, error)
	Delete(ctx context.Context, store, key string) error
	Count(ctx context.Context, store string) (int, error)
	io.Closer
}

// Config selects and configures a driver.
type Config struct {
	// Driver is one of the Driver* constants. Default: sqlite.
	Driver string `yaml:"driver" validate:"omitempty,oneof=badger bbolt sqlite memory"`

	// Path is a file (sqlite, bbolt) or directory (badger).
	// Ignored by the memory driver.
	Path string `yaml:"path"`
}

// Vault applies the failure policy on top of a Driver.
type Vault struct {
	driver   Driver
	logger   *slog.Logger
	degraded bool
}

// New wraps an already opened driver.
func New(driver Driver, logger *slog.Logger) *Vault {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Vault{driver: driver, logger: logger.With("component", "vault")}
}

// Open opens the configured driver.
//
// # Description
//
// When the driver cannot be opened (corrupt file, unwritable path) the
// error is logged and an in-memory driver is used instead, so the caller
// keeps working without durability. Check Degraded to surface that state.
//
// # Outputs
//
//   - *Vault: never nil unless err is non-nil
//   - error: only for an unknown driver name or a failure of the memory fallback
func Open(cfg Config, logger *slog.Logger) (*Vault, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	driver, err := openDriver(cfg, logger)
	if err == nil {
		return New(driver, logger), nil
	}
	if errors.Is(err, errUnknownDriver) {
		return nil, err
	}

	logger.Error("vault unavailable, continuing in memory; queued items will not survive restart",
		"driver", cfg.Driver, "path", cfg.Path, "error", err)

	mem, merr := OpenBadger(InMemoryBadgerConfig())
	if merr != nil {
		return nil, fmt.Errorf("open memory fallback: %w", merr)
	}
	v := New(mem, logger)
	v.degraded = true
	return v, nil
}

var errUnknownDriver = errors.New("unknown vault driver")

func openDriver(cfg Config, logger *slog.Logger) (Driver, error) {
	switch cfg.Driver {
	case "", DriverSQLite:
		return OpenSQLite(cfg.Path)
	case DriverBadger:
		bc := DefaultBadgerConfig()
		bc.Path = cfg.Path
		bc.Logger = logger
		return OpenBadger(bc)
	case DriverMemory:
		return OpenBadger(InMemoryBadgerConfig())
	case DriverBolt:
		return OpenBolt(cfg.Path)
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownDriver, cfg.Driver)
	}
}

// Degraded reports whether the vault fell back to memory at open time.
func (v *Vault) Degraded() bool {
	return v.degraded
}

// Put upserts value under (store, key).
func (v *Vault) Put(ctx context.Context, store, key string, value []byte) error {
	if err := v.driver.Put(ctx, store, key, value); err != nil {
		return fmt.Errorf("vault put %s/%s: %w", store, key, err)
	}
	return nil
}

// Replace overwrites (store, key) only if it still exists. found is false
// when the key was deleted, in which case nothing is written.
func (v *Vault) Replace(ctx context.Context, store, key string, value []byte) (found bool, err error) {
	found, err = v.driver.Replace(ctx, store, key, value)
	if err != nil {
		return false, fmt.Errorf("vault replace %s/%s: %w", store, key, err)
	}
	return found, nil
}

// GetAll returns every item in store. Driver failures yield an empty result.
func (v *Vault) GetAll(ctx context.Context, store string) []Item {
	items, err := v.driver.GetAll(ctx, store)
	if err != nil {
		v.logger.Error("vault read failed, treating store as empty", "store", store, "error", err)
		return nil
	}
	return items
}

// Delete removes (store, key). Deleting a missing key is not an error.
func (v *Vault) Delete(ctx context.Context, store, key string) error {
	if err := v.driver.Delete(ctx, store, key); err != nil {
		return fmt.Errorf("vault delete %s/%s: %w", store, key, err)
	}
	return nil
}

// Count returns the number of items in store. Driver failures yield 0.
func (v *Vault) Count(ctx context.Context, store string) int {
	n, err := v.driver.Count(ctx, store)
	if err != nil {
		v.logger.Error("vault count failed, treating store as empty", "store", store, "error", err)
		return 0
	}
	return n
}

// Close releases the driver.
func (v *Vault) Close() error {
	return v.driver.Close()
}
