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
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/lifeline/pkg/logging"
	"github.com/AleutianAI/lifeline/pkg/ux"
	"github.com/AleutianAI/lifeline/services/transport/daemon"
	"github.com/AleutianAI/lifeline/services/transport/secrets"
	"github.com/AleutianAI/lifeline/services/transport/stubserver"
)

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, appOptions{service: "lifeline-daemon", probe: true})
	if err != nil {
		return err
	}
	defer a.Close()

	if a.vault.Degraded() {
		ux.WarningBox("Vault unavailable",
			"Running on a memory-only queue. Signals stored by other lifeline commands will not be synced.")
	}

	listen := daemonListen
	if listen == "" {
		listen = cfg.Daemon.Listen
	}

	srv := daemon.New(daemon.Deps{
		Engine:       a.engine,
		Queue:        a.queue,
		Connectivity: a.net,
		Vault:        a.vault,
	},
		daemon.WithLogger(a.log),
		daemon.WithSyncLimit(cfg.Daemon.SyncRate, cfg.Daemon.SyncBurst),
		daemon.WithServiceName("lifeline-daemon"))

	tasks := []daemon.Task{
		a.prober.Run,
		func(ctx context.Context) error { return a.engine.Start(ctx, a.net) },
	}
	if cfg.Secrets.Backend == secrets.BackendFile {
		tasks = append(tasks, func(ctx context.Context) error {
			return secrets.WatchFile(ctx, a.secrets, cfg.Secrets.Path)
		})
	}

	ux.Info("Control API on http://" + listen)
	err = srv.Run(ctx, listen, tasks...)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runStub(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logger := logging.New(logging.Config{Level: level, Service: "lifeline-stub", JSON: cfg.Logging.JSON})
	defer logger.Close()

	srv := stubserver.New(stubserver.WithToken(stubToken), stubserver.WithLogger(logger.Slog()))

	// inbound SMS envelopes are accepted under the device's own key
	if store, closeStore, err := openSecrets(ctx); err != nil {
		logger.Slog().Warn("no device secrets, inbound sms disabled", "error", err)
	} else {
		passphrase, _ := store.SMSPassphrase(ctx)
		if passphrase == "" {
			passphrase, _ = store.PatientID(ctx)
		}
		if passphrase != "" {
			if err := srv.AcceptSMSPassphrase(passphrase); err != nil {
				logger.Slog().Warn("sms passphrase rejected", "error", err)
			}
		}
		closeStore()
	}

	ux.Info("Stub backend on http://" + stubListen)
	return srv.Run(ctx, stubListen)
}
