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
	"time"

	"github.com/AleutianAI/lifeline/services/transport/dispatch"
	"github.com/AleutianAI/lifeline/services/transport/reconcile"
	"github.com/AleutianAI/lifeline/services/transport/sms"
	"github.com/AleutianAI/lifeline/services/transport/telemetry"
	"github.com/AleutianAI/lifeline/services/transport/vault"
)

type LifelineConfig struct {
	// Backend: where signals and sync batches go
	Backend BackendConfig `yaml:"backend"`

	// Vault: local durable queue
	Vault vault.Config `yaml:"vault"`

	// Sync: reconciliation timing and batching
	Sync reconcile.Config `yaml:"sync"`

	// Dispatch: countdown and gateway number
	Dispatch dispatch.Config `yaml:"dispatch"`

	// SMS: MQTT gateway for silent sending; empty broker disables it
	SMS SMSConfig `yaml:"sms"`

	// Secrets: where the passphrase, patient id and token come from
	Secrets SecretsConfig `yaml:"secrets"`

	Daemon    DaemonConfig     `yaml:"daemon"`
	Logging   LoggingConfig    `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

type BackendConfig struct {
	BaseURL string        `yaml:"base_url" validate:"required,url"`
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
}

type SMSConfig struct {
	Gateway sms.GatewayConfig `yaml:"gateway"`

	// Outbox receives interactive handoffs when no terminal is attached.
	Outbox string `yaml:"outbox"`
}

type SecretsConfig struct {
	// Backend is "env" or "file".
	Backend string `yaml:"backend" validate:"oneof=env file"`
	Path    string `yaml:"path" validate:"required_if=Backend file"`
}

type DaemonConfig struct {
	Listen string `yaml:"listen" validate:"required,hostname_port"`

	// SyncRate and SyncBurst limit manual sync requests.
	SyncRate  float64 `yaml:"sync_rate" validate:"gt=0"`
	SyncBurst int     `yaml:"sync_burst" validate:"gte=1"`

	// ProbeInterval is how often backend reachability is checked.
	ProbeInterval time.Duration `yaml:"probe_interval" validate:"gt=0"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

func DefaultConfig() LifelineConfig {
	return LifelineConfig{
		Backend: BackendConfig{
			BaseURL: "http://localhost:8080",
			Timeout: 15 * time.Second,
		},
		// sqlite, because the daemon and sos commands open it together
		Vault: vault.Config{
			Driver: vault.DriverSQLite,
			Path:   "~/.lifeline/vault.db",
		},
		Sync:     reconcile.DefaultConfig(),
		Dispatch: dispatch.DefaultConfig(),
		SMS: SMSConfig{
			Gateway: sms.DefaultGatewayConfig(),
			Outbox:  "~/.lifeline/outbox.jsonl",
		},
		Secrets: SecretsConfig{
			Backend: "env",
			Path:    "~/.lifeline/secrets.yaml",
		},
		Daemon: DaemonConfig{
			Listen:        "127.0.0.1:7420",
			SyncRate:      0.2,
			SyncBurst:     1,
			ProbeInterval: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   "~/.lifeline/logs",
		},
		Telemetry: telemetry.Config{
			ServiceName: "lifeline",
		},
	}
}
