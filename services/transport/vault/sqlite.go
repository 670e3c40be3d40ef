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
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// busyTimeout is how long a write waits for another process's lock.
const busyTimeout = 5 * time.Second

// SQLiteDriver keeps all stores in one table keyed by (store, key).
type SQLiteDriver struct {
	db *sql.DB
}

// OpenSQLite opens the database file at path and ensures the schema exists.
func OpenSQLite(path string) (*SQLiteDriver, error) {
	if path == "" {
		return nil, errors.New("path is required for sqlite vault")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create vault directory: %w", err)
	}

	// busy_timeout comes first so the WAL switch also waits out a
	// second process holding the write lock.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)",
		path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(5 * time.Minute)

	d := &SQLiteDriver{db: db}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

func (d *SQLiteDriver) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS vault_items (
			store TEXT NOT NULL,
			item_key TEXT NOT NULL,
			value BLOB NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
			PRIMARY KEY (store, item_key)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init vault schema: %w", err)
		}
	}
	return nil
}

// Put implements Driver. An upsert keeps the original rowid, so GetAll
// order stays insertion order.
func (d *SQLiteDriver) Put(ctx context.Context, store, key string, value []byte) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO vault_items (store, item_key, value) VALUES (?, ?, ?)
		 ON CONFLICT(store, item_key) DO UPDATE SET value = excluded.value,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now');`,
		store, key, value)
	if err != nil {
		return fmt.Errorf("upsert vault item: %w", err)
	}
	return nil
}

// Replace implements Driver. A plain UPDATE touches no row once a
// concurrent DELETE has committed.
func (d *SQLiteDriver) Replace(ctx context.Context, store, key string, value []byte) (bool, error) {
	res, err := d.db.ExecContext(ctx,
		`UPDATE vault_items SET value = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		 WHERE store = ? AND item_key = ?;`,
		value, store, key)
	if err != nil {
		return false, fmt.Errorf("replace vault item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("replace vault item: %w", err)
	}
	return n > 0, nil
}

// GetAll implements Driver.
func (d *SQLiteDriver) GetAll(ctx context.Context, store string) ([]Item, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT item_key, value FROM vault_items WHERE store = ? ORDER BY rowid ASC;`, store)
	if err != nil {
		return nil, fmt.Errorf("query vault items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.Key, &it.Value); err != nil {
			return nil, fmt.Errorf("scan vault item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vault items: %w", err)
	}
	return items, nil
}

// Delete implements Driver.
func (d *SQLiteDriver) Delete(ctx context.Context, store, key string) error {
	if _, err := d.db.ExecContext(ctx,
		`DELETE FROM vault_items WHERE store = ? AND item_key = ?;`, store, key); err != nil {
		return fmt.Errorf("delete vault item: %w", err)
	}
	return nil
}

// Count implements Driver.
func (d *SQLiteDriver) Count(ctx context.Context, store string) (int, error) {
	var n int
	if err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM vault_items WHERE store = ?;`, store).Scan(&n); err != nil {
		return 0, fmt.Errorf("count vault items: %w", err)
	}
	return n, nil
}

// Close closes the database handle.
func (d *SQLiteDriver) Close() error {
	return d.db.Close()
}
