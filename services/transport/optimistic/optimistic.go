// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package optimistic keeps one server entity (the user profile) editable
// while offline.
//
// Edits apply locally first and are then confirmed, queued, or reverted.
// The synchronizer is an observable state machine over four statuses:
//
//	Load:   ok -> synced        | failure with cache -> stale
//	Update: -> pending; offline -> (queue, stay pending)
//	                    online ok -> synced
//	                    online failure -> revert, conflict, queue
//
// When connectivity returns, the entity's queued events are reconciled and
// a clean pass reloads the entity as synced.
package optimistic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/lifeline/services/transport/apiclient"
	"github.com/AleutianAI/lifeline/services/transport/connectivity"
	"github.com/AleutianAI/lifeline/services/transport/errs"
	"github.com/AleutianAI/lifeline/services/transport/observe"
	"github.com/AleutianAI/lifeline/services/transport/reconcile"
	"github.com/AleutianAI/lifeline/services/transport/syncq"
	"github.com/AleutianAI/lifeline/services/transport/telemetry"
	"github.com/AleutianAI/lifeline/services/transport/vault"
)

// CacheStore is the vault store holding the last known copy of each entity.
const CacheStore = "entity_cache"

// Status is the sync status of the entity.
type Status string

const (
	StatusSynced   Status = "synced"
	StatusPending  Status = "pending"
	StatusStale    Status = "stale"
	StatusConflict Status = "conflict"
)

// ErrNoData is returned by Load when the fetch failed and nothing is cached.
var ErrNoData = errors.New("entity unavailable and not cached")

// Remote is the server side of the entity. *apiclient.Client implements it.
type Remote interface {
	GetProfile(ctx context.Context, id string) (apiclient.Profile, error)
	UpdateProfile(ctx context.Context, id string, fields map[string]any) (apiclient.Profile, error)
}

// Reconciler drains a subset of the queue. *reconcile.Engine implements it.
type Reconciler interface {
	RunFiltered(ctx context.Context, trigger reconcile.Trigger, keep func(syncq.Event) bool) (reconcile.Report, error)
}

// Deps are the synchronizer's collaborators. Reconciler may be nil.
type Deps struct {
	Remote       Remote
	Queue        *syncq.Queue
	Vault        *vault.Vault
	Connectivity connectivity.Source
	Reconciler   Reconciler
	Logger       *slog.Logger
}

// State is the observable state of the entity.
type State struct {
	EntityID string            `json:"entity_id"`
	Data     apiclient.Profile `json:"data,omitempty"`
	Status   Status            `json:"status"`

	// Notice is a transient message for the user after a conflict.
	Notice string `json:"notice,omitempty"`
}

// Synchronizer manages one entity.
//
// Thread Safety: safe for concurrent use. Updates are serialized.
type Synchronizer struct {
	id   string
	deps Deps
	log  *slog.Logger

	flight singleflight.Group
	opMu   sync.Mutex

	mu    sync.RWMutex
	state State
	hub   observe.Hub[State]
}

// New creates a synchronizer for entityID. The initial status is stale
// with no data until Load succeeds or a cached copy is found.
func New(entityID string, deps Deps) *Synchronizer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Synchronizer{
		id:    entityID,
		deps:  deps,
		log:   logger.With("component", "optimistic", "entity_id", entityID),
		state: State{EntityID: entityID, Status: StatusStale},
	}
}

// State returns a copy of the current state.
func (s *Synchronizer) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.state
	st.Data = st.Data.Clone()
	return st
}

// Subscribe calls fn with every new state.
func (s *Synchronizer) Subscribe(fn func(State)) (unsubscribe func()) {
	id := s.hub.Subscribe(fn)
	return func() { s.hub.Unsubscribe(id) }
}

func (s *Synchronizer) set(data apiclient.Profile, status Status, notice string) State {
	s.mu.Lock()
	s.state = State{EntityID: s.id, Data: data.Clone(), Status: status, Notice: notice}
	st := s.state
	st.Data = st.Data.Clone()
	s.mu.Unlock()

	telemetry.RecordSyncStatus("profile", string(status))
	s.log.Debug("entity status", "status", status)
	s.hub.Publish(st)
	return st
}

// =============================================================================
// Load
// =============================================================================

// Load fetches the entity.
//
// # Description
//
// A successful fetch replaces the local copy and marks it synced.
// Concurrent loads share one request. On failure the last cached copy is
// returned and marked stale.
//
// # Outputs
//
//   - apiclient.Profile: fresh or cached data
//   - error: ErrNoData wrapping the fetch error when nothing is cached
func (s *Synchronizer) Load(ctx context.Context) (apiclient.Profile, error) {
	v, err, _ := s.flight.Do(s.id, func() (any, error) {
		return s.deps.Remote.GetProfile(ctx, s.id)
	})
	if err == nil {
		p := v.(apiclient.Profile).Clone()
		s.writeCache(ctx, p)
		s.set(p, StatusSynced, "")
		return p.Clone(), nil
	}

	cached, ok := s.cached(ctx)
	if !ok {
		s.log.Warn("entity load failed with no cache", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrNoData, err)
	}
	s.log.Info("entity load failed, serving cached copy", "error", err)
	s.set(cached, StatusStale, "")
	return cached.Clone(), nil
}

// cached returns the in-memory copy, or the vault copy.
func (s *Synchronizer) cached(ctx context.Context) (apiclient.Profile, bool) {
	s.mu.RLock()
	data := s.state.Data.Clone()
	s.mu.RUnlock()
	if data != nil {
		return data, true
	}

	for _, it := range s.deps.Vault.GetAll(ctx, CacheStore) {
		if it.Key != s.id {
			continue
		}
		var p apiclient.Profile
		if err := json.Unmarshal(it.Value, &p); err != nil {
			s.log.Warn("cached entity undecodable", "error", err)
			return nil, false
		}
		return p, true
	}
	return nil, false
}

func (s *Synchronizer) writeCache(ctx context.Context, p apiclient.Profile) {
	raw, err := json.Marshal(p)
	if err != nil {
		s.log.Warn("entity not cacheable", "error", err)
		return
	}
	if err := s.deps.Vault.Put(ctx, CacheStore, s.id, raw); err != nil {
		s.log.Warn("entity cache write failed", "error", err)
	}
}

// =============================================================================
// Update
// =============================================================================

// Update applies partial optimistically.
//
// # Description
//
// The change is applied and cached immediately with status pending.
// Offline, a Sync Event is queued and the entity stays pending. Online, the
// server is asked; success adopts the server's copy as synced, failure
// restores the pre-change copy, marks conflict and queues a Sync Event.
//
// # Outputs
//
//   - State: the state after the update settled
//   - error: errs.Conflict wrapping the server failure after a revert, or
//     a queue failure
func (s *Synchronizer) Update(ctx context.Context, partial map[string]any) (State, error) {
	const op = "optimistic.update"

	s.opMu.Lock()
	defer s.opMu.Unlock()

	before, _ := s.cached(ctx)
	if before == nil {
		before = apiclient.Profile{"id": s.id}
	}
	after := before.Clone()
	maps.Copy(after, partial)
	after["id"] = s.id

	s.writeCache(ctx, after)
	st := s.set(after, StatusPending, "")

	if !s.deps.Connectivity.Online() {
		if err := s.queue(ctx, partial); err != nil {
			return st, err
		}
		return st, nil
	}

	server, err := s.deps.Remote.UpdateProfile(ctx, s.id, partial)
	if err == nil {
		s.writeCache(ctx, server)
		return s.set(server, StatusSynced, ""), nil
	}

	s.log.Warn("update rejected, reverting", "kind", errs.KindOf(err), "error", err)
	s.writeCache(ctx, before)
	st = s.set(before, StatusConflict, "Your change could not be saved yet and will be retried.")
	if qErr := s.queue(ctx, partial); qErr != nil {
		return st, errors.Join(errs.New(errs.Conflict, op, err), qErr)
	}
	return st, errs.New(errs.Conflict, op, err)
}

func (s *Synchronizer) queue(ctx context.Context, partial map[string]any) error {
	_, err := s.deps.Queue.Enqueue(ctx, syncq.ProfileUpdate, syncq.ProfileChange{
		EntityID: s.id,
		Fields:   partial,
	})
	if err != nil {
		return fmt.Errorf("queue profile update: %w", err)
	}
	return nil
}

// =============================================================================
// Reconnection
// =============================================================================

// Owns reports whether ev is a queued change of this entity.
func (s *Synchronizer) Owns(ev syncq.Event) bool {
	if ev.Type != syncq.ProfileUpdate {
		return false
	}
	var pc syncq.ProfileChange
	if err := ev.Decode(&pc); err != nil {
		return false
	}
	return pc.EntityID == s.id
}

// Resync reconciles this entity's queued events and, when none are left,
// reloads the entity.
func (s *Synchronizer) Resync(ctx context.Context) error {
	if s.deps.Reconciler != nil {
		rep, err := s.deps.Reconciler.RunFiltered(ctx, reconcile.TriggerEntity, s.Owns)
		if err != nil {
			return fmt.Errorf("reconcile entity: %w", err)
		}
		s.log.Debug("entity reconciled", "removed", rep.Removed, "kept", rep.Kept, "abandoned", rep.Abandoned)
	}

	if left := len(s.deps.Queue.Filter(ctx, s.Owns)); left > 0 {
		s.log.Info("entity still has queued changes", "pending", left)
		return nil
	}
	_, err := s.Load(ctx)
	return err
}

// Watch resyncs the entity each time connectivity comes back. The returned
// function stops watching.
func (s *Synchronizer) Watch(ctx context.Context) (stop func()) {
	return s.deps.Connectivity.Subscribe(func(online bool) {
		if !online {
			return
		}
		go func() {
			if err := s.Resync(ctx); err != nil && !errors.Is(err, reconcile.ErrBusy) {
				s.log.Warn("entity resync failed", "error", err)
			}
		}()
	})
}
