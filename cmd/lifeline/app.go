// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/lifeline/pkg/logging"
	"github.com/AleutianAI/lifeline/services/transport/apiclient"
	"github.com/AleutianAI/lifeline/services/transport/config"
	"github.com/AleutianAI/lifeline/services/transport/connectivity"
	"github.com/AleutianAI/lifeline/services/transport/dispatch"
	"github.com/AleutianAI/lifeline/services/transport/optimistic"
	"github.com/AleutianAI/lifeline/services/transport/reconcile"
	"github.com/AleutianAI/lifeline/services/transport/secrets"
	"github.com/AleutianAI/lifeline/services/transport/sms"
	"github.com/AleutianAI/lifeline/services/transport/syncq"
	"github.com/AleutianAI/lifeline/services/transport/telemetry"
	"github.com/AleutianAI/lifeline/services/transport/vault"
)

// startupProbeTimeout bounds the reachability check a command makes
// before it decides between the online and offline paths.
const startupProbeTimeout = 3 * time.Second

// app holds the components one command invocation uses.
type app struct {
	cfg    config.LifelineConfig
	logger *logging.Logger
	log    *slog.Logger

	shutdownTelemetry func(context.Context) error

	vault   *vault.Vault
	queue   *syncq.Queue
	secrets *secrets.Store
	api     *apiclient.Client
	net     *connectivity.Monitor
	prober  *connectivity.Prober
	engine  *reconcile.Engine

	gateway *sms.MQTTGateway
}

// appOptions vary the wiring per command.
type appOptions struct {
	// service names the log file and spans.
	service string

	// quiet keeps logs off stderr, for the TUI.
	quiet bool

	// probe checks the backend once before returning.
	probe bool
}

// newApp wires every component from cfg.
//
// # Description
//
// Opens the vault, loads secrets, builds the backend client with the auth
// token as its token source, and the reconciliation engine. When probe is
// set the backend is checked once so commands start with a known
// connectivity state; otherwise the monitor starts offline.
func newApp(ctx context.Context, cfg config.LifelineConfig, opts appOptions) (*app, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: opts.service,
		JSON:    cfg.Logging.JSON,
		Quiet:   opts.quiet,
	})
	a := &app{cfg: cfg, logger: logger, log: logger.Slog()}

	tcfg := cfg.Telemetry
	if tcfg.ServiceName == "" {
		tcfg.ServiceName = opts.service
	}
	if a.shutdownTelemetry, err = telemetry.Setup(tcfg); err != nil {
		a.log.Warn("telemetry disabled", "error", err)
	}

	if a.vault, err = vault.Open(cfg.Vault, a.log); err != nil {
		a.Close()
		return nil, fmt.Errorf("open vault: %w", err)
	}
	a.queue = syncq.NewQueue(a.vault, syncq.WithLogger(a.log))

	backend, err := secrets.NewBackend(cfg.Secrets.Backend, cfg.Secrets.Path)
	if err != nil {
		a.Close()
		return nil, err
	}
	if a.secrets, err = secrets.NewStore(ctx, backend, secrets.WithLogger(a.log)); err != nil {
		a.Close()
		return nil, fmt.Errorf("load secrets: %w", err)
	}

	a.api = apiclient.New(cfg.Backend.BaseURL,
		apiclient.WithTimeout(cfg.Backend.Timeout),
		apiclient.WithTokenSource(a.secrets.AuthToken))
	a.net = connectivity.NewMonitor(false, a.log)
	a.prober = connectivity.NewProber(a.api, a.net, nil, cfg.Daemon.ProbeInterval)
	a.engine = reconcile.New(a.api, a.queue,
		reconcile.WithConfig(cfg.Sync),
		reconcile.WithLogger(a.log))

	if opts.probe {
		pctx, cancel := context.WithTimeout(ctx, startupProbeTimeout)
		a.prober.Probe(pctx)
		cancel()
	}
	return a, nil
}

// sender builds the SMS path: the MQTT gateway when a broker is
// configured, then interactive handoff through wrap.
func (a *app) sender(ctx context.Context, wrap func(sms.Interactive) sms.Interactive) *sms.Sender {
	var native sms.Native
	if a.cfg.SMS.Gateway.Broker != "" {
		a.gateway = sms.NewMQTTGateway(a.cfg.SMS.Gateway, a.log)
		if err := a.gateway.Connect(ctx); err != nil {
			a.log.Warn("sms gateway unavailable, interactive handoff only", "error", err)
		}
		native = a.gateway
	}
	interactive := sms.NewInteractive(a.cfg.SMS.Outbox)
	if wrap != nil {
		interactive = wrap(interactive)
	}
	return sms.NewSender(native, interactive, a.log)
}

// machine builds a dispatch machine over the app's components.
func (a *app) machine(deliverer dispatch.Deliverer) *dispatch.Machine {
	return dispatch.New(dispatch.Deps{
		API:          a.api,
		Queue:        a.queue,
		Connectivity: a.net,
		Credentials:  a.secrets,
		SMS:          deliverer,
	}, dispatch.WithConfig(a.cfg.Dispatch), dispatch.WithLogger(a.log))
}

// profile builds the synchronizer for id.
func (a *app) profile(id string) *optimistic.Synchronizer {
	return optimistic.New(id, optimistic.Deps{
		Remote:       a.api,
		Queue:        a.queue,
		Vault:        a.vault,
		Connectivity: a.net,
		Reconciler:   a.engine,
		Logger:       a.log,
	})
}

// Close releases everything newApp opened, in reverse order.
func (a *app) Close() {
	if a.gateway != nil {
		a.gateway.Close()
	}
	if a.secrets != nil {
		a.secrets.Close()
	}
	if a.vault != nil {
		if err := a.vault.Close(); err != nil {
			a.log.Warn("closing vault", "error", err)
		}
	}
	if a.shutdownTelemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = a.shutdownTelemetry(ctx)
		cancel()
	}
	_ = a.logger.Close()
}
