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
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/lifeline/pkg/ux"
	"github.com/AleutianAI/lifeline/services/transport/config"
)

// --- Global Command Variables ---
var (
	configPath       string
	personalityLevel string

	// cfg is loaded once per invocation by the root pre-run.
	cfg config.LifelineConfig

	// sos flags
	sosStatus   string
	sosSeverity int
	sosDetails  string
	sosLocation string
	sosNoTUI    bool

	// envelope flags
	envLocation string
	envStatus   string
	envSeverity int

	// daemon and stub flags
	daemonListen string
	stubListen   string
	stubToken    string

	rootCmd = &cobra.Command{
		Use:   "lifeline",
		Short: "Offline-first emergency signal transport",
		Long: `lifeline sends an SOS to the backend when the network is up and,
when it is not, stores it locally and sends it as an encrypted SMS.
Everything queued offline is reconciled once connectivity returns.`,
		SilenceUsage:      true,
		PersistentPreRunE: loadConfig,
	}

	// --- Dispatch ---
	sosCmd = &cobra.Command{
		Use:   "sos",
		Short: "Send an emergency signal after a cancellable countdown",
		Args:  cobra.NoArgs,
		RunE:  runSOS, // Defined in cmd_sos.go
	}
	updateCmd = &cobra.Command{
		Use:   "update [signal-id] [status] [details]",
		Short: "Queue a status change for a signal that was already sent",
		Args:  cobra.RangeArgs(2, 3),
		RunE:  runUpdate, // Defined in cmd_sos.go
	}

	// --- Reconciliation ---
	syncCmd = &cobra.Command{
		Use:   "sync",
		Short: "Upload queued events to the backend now",
		Args:  cobra.NoArgs,
		RunE:  runSync, // Defined in cmd_sync.go
	}
	queueCmd = &cobra.Command{
		Use:   "queue",
		Short: "Show queued events and signals awaiting confirmation",
		Args:  cobra.NoArgs,
		RunE:  runQueue, // Defined in cmd_sync.go
	}

	// --- Envelope ---
	envelopeCmd = &cobra.Command{
		Use:   "envelope",
		Short: "Encode or decode encrypted SMS envelopes",
	}
	envelopeEncodeCmd = &cobra.Command{
		Use:   "encode",
		Short: "Print the encrypted envelope for a signal",
		Args:  cobra.NoArgs,
		RunE:  runEnvelopeEncode, // Defined in cmd_envelope.go
	}
	envelopeDecodeCmd = &cobra.Command{
		Use:   "decode [envelope]",
		Short: "Decrypt an envelope with the device passphrase",
		Args:  cobra.ExactArgs(1),
		RunE:  runEnvelopeDecode, // Defined in cmd_envelope.go
	}

	// --- Profile ---
	profileCmd = &cobra.Command{
		Use:   "profile",
		Short: "Read or edit the patient profile",
	}
	profileGetCmd = &cobra.Command{
		Use:   "get [id]",
		Short: "Show the profile, from the backend or the local cache",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runProfileGet, // Defined in cmd_profile.go
	}
	profileSetCmd = &cobra.Command{
		Use:   "set [id] key=value...",
		Short: "Apply fields optimistically and sync them",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runProfileSet, // Defined in cmd_profile.go
	}

	// --- Services ---
	daemonCmd = &cobra.Command{
		Use:   "daemon",
		Short: "Run background reconciliation and the local control API",
		Args:  cobra.NoArgs,
		RunE:  runDaemon, // Defined in cmd_daemon.go
	}
	stubCmd = &cobra.Command{
		Use:   "stub",
		Short: "Run an in-process backend for local testing",
		Args:  cobra.NoArgs,
		RunE:  runStub, // Defined in cmd_daemon.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.lifeline/lifeline.yaml)")
	rootCmd.PersistentFlags().StringVar(&personalityLevel, "personality", "", "output style: full, minimal or machine")

	sosCmd.Flags().StringVar(&sosStatus, "status", "injured", "condition: injured, trapped, medical, safe or other")
	sosCmd.Flags().IntVar(&sosSeverity, "severity", 2, "severity from 1 (low) to 5 (critical)")
	sosCmd.Flags().StringVar(&sosDetails, "details", "", "free text sent with the online signal")
	sosCmd.Flags().StringVar(&sosLocation, "location", "", `current fix as "lat,lon"`)
	sosCmd.Flags().BoolVar(&sosNoTUI, "no-tui", false, "print transitions instead of the interactive countdown")

	envelopeEncodeCmd.Flags().StringVar(&envLocation, "location", "", `fix as "lat,lon"`)
	envelopeEncodeCmd.Flags().StringVar(&envStatus, "status", "injured", "condition")
	envelopeEncodeCmd.Flags().IntVar(&envSeverity, "severity", 2, "severity from 1 to 5")
	_ = envelopeEncodeCmd.MarkFlagRequired("location")
	envelopeCmd.AddCommand(envelopeEncodeCmd, envelopeDecodeCmd)

	profileCmd.AddCommand(profileGetCmd, profileSetCmd)

	daemonCmd.Flags().StringVar(&daemonListen, "listen", "", "control API address (default from config)")
	stubCmd.Flags().StringVar(&stubListen, "listen", "127.0.0.1:8080", "address to serve the stub backend on")
	stubCmd.Flags().StringVar(&stubToken, "token", "", "require this bearer token")

	rootCmd.AddCommand(sosCmd, updateCmd, syncCmd, queueCmd, envelopeCmd, profileCmd, daemonCmd, stubCmd)
}

// loadConfig initializes output style and reads the config file.
func loadConfig(cmd *cobra.Command, args []string) error {
	if personalityLevel != "" {
		ux.SetPersonalityLevel(ux.ParsePersonalityLevel(personalityLevel))
	} else {
		ux.InitPersonality()
	}

	if configPath == "" {
		if err := config.Load(); err != nil {
			return err
		}
		cfg = config.Global
		return nil
	}
	loaded, err := config.LoadFile(config.ExpandPath(configPath), os.LookupEnv)
	if err != nil {
		return err
	}
	cfg = loaded
	return nil
}
