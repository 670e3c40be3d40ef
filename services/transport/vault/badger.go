// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// keySep separates the store name from the item key inside badger.
const keySep = 0x00

// BadgerConfig holds configuration for the badger driver.
type BadgerConfig struct {
	// Path is the directory for badger files.
	// Required unless InMemory is true.
	Path string

	// InMemory keeps everything in RAM. Data is lost on Close.
	InMemory bool

	// SyncWrites fsyncs every commit. Queued emergency data needs this.
	SyncWrites bool

	// Logger receives badger's internal logs. Nil disables them.
	Logger *slog.Logger

	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the garbage ratio that triggers a rewrite.
	GCDiscardRatio float64
}

// DefaultBadgerConfig returns durable settings for on-device use.
func DefaultBadgerConfig() BadgerConfig {
	return BadgerConfig{
		SyncWrites:     true,
		GCInterval:     10 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryBadgerConfig returns settings for tests and degraded mode.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
}

// badgerLogger adapts slog.Logger to badger.Logger.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerDriver stores items in badger under "<store>\x00<key>".
type BadgerDriver struct {
	db     *badger.DB
	gcStop chan struct{}
	gcDone chan struct{}
	logger *slog.Logger
}

// OpenBadger opens a badger database with cfg.
//
// # Outputs
//
//   - *BadgerDriver: caller must Close it
//   - error: missing path, directory creation failure, or badger open failure
func OpenBadger(cfg BadgerConfig) (*BadgerDriver, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent vault")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o700); err != nil {
			return nil, fmt.Errorf("create vault directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	d := &BadgerDriver{db: db, logger: cfg.Logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		d.gcStop = make(chan struct{})
		d.gcDone = make(chan struct{})
		go d.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return d, nil
}

func itemKey(store, key string) []byte {
	b := make([]byte, 0, len(store)+1+len(key))
	b = append(b, store...)
	b = append(b, keySep)
	return append(b, key...)
}

func storePrefix(store string) []byte {
	return append([]byte(store), keySep)
}

// Put implements Driver.
func (d *BadgerDriver) Put(ctx context.Context, store, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Set(itemKey(store, key), value)
	})
}

// replaceAttempts bounds retries when a concurrent commit conflicts.
const replaceAttempts = 3

// Replace implements Driver. The read registers the key with badger's
// conflict detection, so a Delete committed in between fails the commit
// with ErrConflict and the next attempt sees the key gone.
func (d *BadgerDriver) Replace(ctx context.Context, store, key string, value []byte) (bool, error) {
	k := itemKey(store, key)
	var err error
	for range replaceAttempts {
		if err = ctx.Err(); err != nil {
			return false, err
		}
		found := false
		err = d.db.Update(func(txn *badger.Txn) error {
			if _, gErr := txn.Get(k); gErr != nil {
				if errors.Is(gErr, badger.ErrKeyNotFound) {
					return nil
				}
				return gErr
			}
			found = true
			return txn.Set(k, value)
		})
		if !errors.Is(err, badger.ErrConflict) {
			return found && err == nil, err
		}
	}
	return false, err
}

// GetAll implements Driver. Items come back in key order.
func (d *BadgerDriver) GetAll(ctx context.Context, store string) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := storePrefix(store)
	var items []Item

	err := d.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 64, Prefix: prefix})
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("read %q: %w", item.Key(), err)
			}
			items = append(items, Item{Key: string(item.Key()[len(prefix):]), Value: val})
		}
		return nil
	})
	return items, err
}

// Delete implements Driver.
func (d *BadgerDriver) Delete(ctx context.Context, store, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(itemKey(store, key))
	})
}

// Count implements Driver.
func (d *BadgerDriver) Count(ctx context.Context, store string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	prefix := storePrefix(store)
	n := 0
	err := d.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Close stops GC and closes the database.
func (d *BadgerDriver) Close() error {
	if d.gcStop != nil {
		close(d.gcStop)
		<-d.gcDone
		d.gcStop = nil
	}
	return d.db.Close()
}

func (d *BadgerDriver) runGC(interval time.Duration, ratio float64) {
	defer close(d.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.gcStop:
			return
		case <-ticker.C:
			// ErrNoRewrite only means nothing was worth collecting
			if err := d.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) && d.logger != nil {
				d.logger.Warn("vault value log GC failed", "error", err)
			}
		}
	}
}
