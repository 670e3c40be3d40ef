// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package syncq models Sync Events and keeps them in the vault.
//
// A Sync Event is one pending change waiting for server acknowledgment. It
// is written once, never edited, and deleted when the server answers
// created, updated or duplicate. A correction is a new event.
//
// Event ids are UUIDv7, so the key order of every vault driver is also
// creation order.
package syncq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/AleutianAI/lifeline/services/transport/telemetry"
	"github.com/AleutianAI/lifeline/services/transport/vault"
)

// Store is the vault namespace holding Sync Events.
const Store = "sync_events"

// EventType names the kind of change an event carries.
type EventType string

const (
	// SignalCreate is an emergency signal that was not confirmed online.
	SignalCreate EventType = "signal_create"

	// SignalUpdate changes the status of an already created signal.
	SignalUpdate EventType = "signal_update"

	// ProfileUpdate is a queued optimistic profile edit.
	ProfileUpdate EventType = "profile_update"
)

// Valid reports whether t is one of the known types.
func (t EventType) Valid() bool {
	switch t {
	case SignalCreate, SignalUpdate, ProfileUpdate:
		return true
	}
	return false
}

// Event is the queued unit of work, in its wire shape.
type Event struct {
	EventID    string          `json:"event_id"`
	Type       EventType       `json:"type"`
	Data       json.RawMessage `json:"data"`
	DeviceTime time.Time       `json:"device_time"`
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s data of %s: %w", e.Type, e.EventID, err)
	}
	return nil
}

// PendingSignal is the data of a SignalCreate event.
//
// It is created when a signal could not be confirmed online and is cleared
// only after reconciliation confirms the server has it.
type PendingSignal struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Location  string    `json:"location"`
	Status    string    `json:"status"`
	Severity  int       `json:"severity"`
	Details   string    `json:"details,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	// SMSSent is true once an encrypted message was handed to a transport.
	SMSSent bool `json:"sms_sent"`

	// MessageID is the dedup token embedded in the envelope.
	MessageID string `json:"message_id,omitempty"`
}

// StatusChange is the data of a SignalUpdate event.
type StatusChange struct {
	SignalID  string    `json:"sos_id"`
	Status    string    `json:"status"`
	Details   string    `json:"details,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProfileChange is the data of a ProfileUpdate event.
type ProfileChange struct {
	EntityID string         `json:"entity_id"`
	Fields   map[string]any `json:"fields"`
}

// Queue reads and writes Sync Events through the vault.
//
// Thread Safety: safe for concurrent use; ordering across concurrent
// producers is whatever the vault driver gives.
type Queue struct {
	vault  *vault.Vault
	clock  clockwork.Clock
	logger *slog.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock sets the clock used for device_time.
func WithClock(c clockwork.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// NewQueue wraps v.
func NewQueue(v *vault.Vault, opts ...Option) *Queue {
	q := &Queue{
		vault:  v,
		clock:  clockwork.NewRealClock(),
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With("component", "syncq")
	return q
}

// Enqueue builds an event of type typ around data and stores it.
//
// # Outputs
//
//   - Event: the stored event with its generated id
//   - error: marshal failure or vault write failure
func (q *Queue) Enqueue(ctx context.Context, typ EventType, data any) (Event, error) {
	if !typ.Valid() {
		return Event{}, fmt.Errorf("unknown event type %q", typ)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s data: %w", typ, err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return Event{}, fmt.Errorf("generate event id: %w", err)
	}

	ev := Event{
		EventID:    id.String(),
		Type:       typ,
		Data:       raw,
		DeviceTime: q.clock.Now().UTC(),
	}
	if err := q.Put(ctx, ev); err != nil {
		return Event{}, err
	}
	q.logger.Info("sync event queued", "event_id", ev.EventID, "type", ev.Type)
	return ev, nil
}

// Put stores ev under its id.
func (q *Queue) Put(ctx context.Context, ev Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.EventID, err)
	}
	if err := q.vault.Put(ctx, Store, ev.EventID, raw); err != nil {
		return err
	}
	q.publishDepth(ctx)
	return nil
}

// Replace overwrites ev only while it is still queued. It reports false,
// writing nothing, when reconciliation acknowledged and removed it first.
func (q *Queue) Replace(ctx context.Context, ev Event) (bool, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return false, fmt.Errorf("marshal event %s: %w", ev.EventID, err)
	}
	return q.vault.Replace(ctx, Store, ev.EventID, raw)
}

// Durable reports whether queued events survive this process. It is
// false when the vault fell back to memory.
func (q *Queue) Durable() bool {
	return !q.vault.Degraded()
}

// All returns every queued event. Items that no longer decode are logged
// and skipped; they stay in the vault.
func (q *Queue) All(ctx context.Context) []Event {
	items := q.vault.GetAll(ctx, Store)
	events := make([]Event, 0, len(items))
	for _, it := range items {
		var ev Event
		if err := json.Unmarshal(it.Value, &ev); err != nil {
			q.logger.Warn("skipping undecodable sync event", "key", it.Key, "error", err)
			continue
		}
		events = append(events, ev)
	}
	return events
}

// Filter returns the queued events for which keep returns true.
func (q *Queue) Filter(ctx context.Context, keep func(Event) bool) []Event {
	all := q.All(ctx)
	out := all[:0]
	for _, ev := range all {
		if keep(ev) {
			out = append(out, ev)
		}
	}
	return out
}

// Remove deletes an acknowledged event. Removing a missing id succeeds.
func (q *Queue) Remove(ctx context.Context, eventID string) error {
	if err := q.vault.Delete(ctx, Store, eventID); err != nil {
		return err
	}
	q.publishDepth(ctx)
	return nil
}

// Pending returns the number of queued events.
func (q *Queue) Pending(ctx context.Context) int {
	return q.vault.Count(ctx, Store)
}

// PendingSignals returns the data of every queued SignalCreate event.
func (q *Queue) PendingSignals(ctx context.Context) []PendingSignal {
	var out []PendingSignal
	for _, ev := range q.All(ctx) {
		if ev.Type != SignalCreate {
			continue
		}
		var ps PendingSignal
		if err := ev.Decode(&ps); err != nil {
			q.logger.Warn("skipping undecodable pending signal", "event_id", ev.EventID, "error", err)
			continue
		}
		out = append(out, ps)
	}
	return out
}

func (q *Queue) publishDepth(ctx context.Context) {
	telemetry.SetQueuePending(q.Pending(ctx))
}
