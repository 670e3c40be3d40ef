// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var (
	// Global is a singleton instance
	Global LifelineConfig
	once   sync.Once

	validate = validator.New()
)

// DefaultPath returns ~/.lifeline/lifeline.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".lifeline", "lifeline.yaml"), nil
}

// Load ensures the config is loaded into the Global variable
func Load() error {
	var err error
	once.Do(func() {
		var path string
		if path, err = DefaultPath(); err != nil {
			return
		}
		Global, err = LoadFile(path, os.LookupEnv)
	})
	return err
}

// LoadFile reads the config at path, creating it with defaults on first
// run, then applies LIFELINE_* overrides from lookup and validates.
func LoadFile(path string, lookup func(string) (string, bool)) (LifelineConfig, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, " First run detected, creating the config at %s\n", path)
		if err := createDefault(path); err != nil {
			return LifelineConfig{}, err
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return LifelineConfig{}, fmt.Errorf("failed to read the config file %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return LifelineConfig{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if lookup != nil {
		if err := applyEnv(&cfg, lookup); err != nil {
			return LifelineConfig{}, err
		}
	}
	cfg.expandPaths()

	if err := Validate(cfg); err != nil {
		return LifelineConfig{}, err
	}
	return cfg, nil
}

// Validate checks the struct tags of every section.
func Validate(cfg LifelineConfig) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func createDefault(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create the config directory %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// applyEnv overlays the supported LIFELINE_* variables.
func applyEnv(cfg *LifelineConfig, lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"LIFELINE_BACKEND_URL":     &cfg.Backend.BaseURL,
		"LIFELINE_VAULT_DRIVER":    &cfg.Vault.Driver,
		"LIFELINE_VAULT_PATH":      &cfg.Vault.Path,
		"LIFELINE_GATEWAY_NUMBER":  &cfg.Dispatch.GatewayNumber,
		"LIFELINE_MQTT_BROKER":     &cfg.SMS.Gateway.Broker,
		"LIFELINE_SECRETS_BACKEND": &cfg.Secrets.Backend,
		"LIFELINE_SECRETS_PATH":    &cfg.Secrets.Path,
		"LIFELINE_LISTEN":          &cfg.Daemon.Listen,
		"LIFELINE_LOG_LEVEL":       &cfg.Logging.Level,
		"LIFELINE_LOG_DIR":         &cfg.Logging.Dir,
	}
	for name, dst := range str {
		if v, ok := lookup(name); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	flags := map[string]*bool{
		"LIFELINE_LOG_JSON":     &cfg.Logging.JSON,
		"LIFELINE_TRACE_STDOUT": &cfg.Telemetry.TraceStdout,
		"LIFELINE_SMS_SILENT":   &cfg.SMS.Gateway.Permitted,
	}
	for name, dst := range flags {
		v, ok := lookup(name)
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = b
	}
	return nil
}

func (c *LifelineConfig) expandPaths() {
	for _, p := range []*string{&c.Vault.Path, &c.SMS.Outbox, &c.Secrets.Path, &c.Logging.Dir} {
		*p = ExpandPath(*p)
	}
}

// ExpandPath replaces a leading ~ with the home directory.
func ExpandPath(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
