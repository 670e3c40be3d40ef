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
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/lifeline/pkg/ux"
	"github.com/AleutianAI/lifeline/services/transport/errs"
	"github.com/AleutianAI/lifeline/services/transport/optimistic"
)

func runProfileGet(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, appOptions{service: "lifeline", probe: true})
	if err != nil {
		return err
	}
	defer a.Close()

	id, err := profileID(ctx, a, args)
	if err != nil {
		return err
	}
	prof := a.profile(id)
	if _, err := prof.Load(ctx); err != nil {
		return err
	}
	printProfile(prof.State())
	return nil
}

func runProfileSet(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	// the id may be omitted when every argument is a field
	idArgs, pairs := args[:1], args[1:]
	if strings.Contains(args[0], "=") {
		idArgs, pairs = nil, args
	}
	partial, err := parseFields(pairs)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, appOptions{service: "lifeline", probe: true})
	if err != nil {
		return err
	}
	defer a.Close()

	id, err := profileID(ctx, a, idArgs)
	if err != nil {
		return err
	}
	st, err := a.profile(id).Update(ctx, partial)
	printProfile(st)
	if errs.Is(err, errs.Conflict) {
		// the change is queued and the notice already told the user
		return nil
	}
	return err
}

func profileID(ctx context.Context, a *app, args []string) (string, error) {
	if len(args) > 0 && args[0] != "" {
		return args[0], nil
	}
	id, err := a.secrets.PatientID(ctx)
	if err != nil {
		return "", fmt.Errorf("no profile id given and none provisioned: %w", err)
	}
	return id, nil
}

// parseFields turns key=value pairs into a partial update. Values that
// parse as JSON keep their type; anything else is a string.
func parseFields(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, fmt.Errorf("no fields to set")
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("field %q: want key=value", pair)
		}
		if key == "id" {
			return nil, fmt.Errorf("field %q: the id cannot be changed", pair)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		out[key] = v
	}
	return out, nil
}

func printProfile(st optimistic.State) {
	switch st.Status {
	case optimistic.StatusSynced:
		ux.Success("Profile " + st.EntityID + " is in sync")
	case optimistic.StatusPending:
		ux.Warning("Profile " + st.EntityID + " saved locally, waiting to sync")
	case optimistic.StatusStale:
		ux.Warning("Profile " + st.EntityID + " from local cache, may be out of date")
	case optimistic.StatusConflict:
		ux.Error("Profile " + st.EntityID + " change was rejected")
	}
	if st.Notice != "" {
		ux.Muted(st.Notice)
	}

	keys := make([]string, 0, len(st.Data))
	for k := range st.Data {
		if k != "id" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	fields := make([]ux.Field, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, ux.Field{Key: k, Value: fmt.Sprint(st.Data[k])})
	}
	if len(fields) > 0 {
		fmt.Println(ux.Table(fields))
	}
}
