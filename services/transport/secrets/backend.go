// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Backend constants for configuration.
const (
	BackendEnv    = "env"
	BackendFile   = "file"
	BackendStatic = "static"
)

// Backend reads raw secret values by name.
type Backend interface {
	// Name identifies the backend in logs.
	Name() string

	// Load returns every secret the backend has. Missing names are absent.
	Load(ctx context.Context) (map[string]string, error)
}

// NewBackend builds a backend from configuration.
func NewBackend(kind, path string) (Backend, error) {
	switch kind {
	case "", BackendEnv:
		return EnvBackend{}, nil
	case BackendFile:
		if path == "" {
			return nil, fmt.Errorf("file secrets backend needs a path")
		}
		return FileBackend{Path: path}, nil
	default:
		return nil, fmt.Errorf("unknown secrets backend %q", kind)
	}
}

// EnvBackend reads secrets from the process environment.
type EnvBackend struct {
	// Lookup replaces os.LookupEnv in tests.
	Lookup func(string) (string, bool)
}

// Name implements Backend.
func (EnvBackend) Name() string { return BackendEnv }

// Load implements Backend.
func (b EnvBackend) Load(context.Context) (map[string]string, error) {
	lookup := b.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	out := make(map[string]string)
	for _, name := range KnownSecrets {
		if v, ok := lookup(name); ok {
			out[name] = v
		}
	}
	return out, nil
}

// FileBackend reads a flat YAML mapping of secret name to value:
//
//	LIFELINE_SMS_PASSPHRASE: "correct horse battery staple"
//	LIFELINE_PATIENT_ID: "P-42"
//
// A missing file is an empty set, not an error.
type FileBackend struct {
	Path string
}

// Name implements Backend.
func (FileBackend) Name() string { return BackendFile }

// Load implements Backend.
func (b FileBackend) Load(context.Context) (map[string]string, error) {
	data, err := os.ReadFile(b.Path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}

	if info, statErr := os.Stat(b.Path); statErr == nil && info.Mode().Perm()&0o077 != 0 {
		slog.Warn("secrets file is readable by other users", "path", b.Path, "mode", info.Mode().Perm().String())
	}

	out := make(map[string]string)
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse %s: %w", b.Path, err)
	}
	return out, nil
}

// StaticBackend serves a fixed map. Used by tests and the stub command.
type StaticBackend map[string]string

// Name implements Backend.
func (StaticBackend) Name() string { return BackendStatic }

// Load implements Backend.
func (b StaticBackend) Load(context.Context) (map[string]string, error) {
	out := make(map[string]string, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out, nil
}

// WatchFile reloads store whenever the file at path is written, created or
// renamed into place. It blocks until ctx is done.
//
// The parent directory is watched so editors that replace the file
// atomically are seen.
func WatchFile(ctx context.Context, store *Store, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := store.Reload(ctx); err != nil {
				store.logger.Warn("secrets reload failed", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			store.logger.Warn("secrets watcher error", "error", err)
		}
	}
}
