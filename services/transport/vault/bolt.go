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
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltDriver keeps one bbolt bucket per store.
type BoltDriver struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) the bbolt file at path.
func OpenBolt(path string) (*BoltDriver, error) {
	if path == "" {
		return nil, errors.New("path is required for bbolt vault")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create vault directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt: %w", err)
	}
	return &BoltDriver{db: db}, nil
}

// Put implements Driver.
func (d *BoltDriver) Put(ctx context.Context, store, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(store))
		if err != nil {
			return fmt.Errorf("bucket %s: %w", store, err)
		}
		return b.Put([]byte(key), value)
	})
}

// Replace implements Driver. bbolt serializes write transactions, so the
// read and the write see the same state.
func (d *BoltDriver) Replace(ctx context.Context, store, key string, value []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	found := false
	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(store))
		if b == nil || b.Get([]byte(key)) == nil {
			return nil
		}
		found = true
		return b.Put([]byte(key), value)
	})
	return found, err
}

// GetAll implements Driver. Items come back in key order.
func (d *BoltDriver) GetAll(ctx context.Context, store string) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var items []Item
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(store))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			// bbolt memory is only valid inside the transaction
			items = append(items, Item{Key: string(k), Value: append([]byte(nil), v...)})
			return nil
		})
	})
	return items, err
}

// Delete implements Driver.
func (d *BoltDriver) Delete(ctx context.Context, store, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(store))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

// Count implements Driver.
func (d *BoltDriver) Count(ctx context.Context, store string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n := 0
	err := d.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket([]byte(store)); b != nil {
			n = b.Stats().KeyN
		}
		return nil
	})
	return n, err
}

// Close closes the bbolt file.
func (d *BoltDriver) Close() error {
	return d.db.Close()
}
