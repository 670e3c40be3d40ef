// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observe broadcasts typed values to subscribers.
//
// Connectivity, the dispatch machine and the optimistic synchronizer all
// expose their state through a Hub. Handlers run synchronously on the
// publishing goroutine, in no particular order, and a panicking handler is
// logged and skipped.
package observe

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Handler receives published values.
type Handler[T any] func(T)

// Hub fans values out to subscribers.
//
// The zero value is ready to use.
//
// Thread Safety: safe for concurrent use. A handler may call Unsubscribe
// on its own hub.
type Hub[T any] struct {
	mu   sync.RWMutex
	subs map[string]Handler[T]
}

// Subscribe registers h and returns its subscription ID.
func (h *Hub[T]) Subscribe(handler Handler[T]) string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.subs == nil {
		h.subs = make(map[string]Handler[T])
	}
	id := uuid.NewString()
	h.subs[id] = handler
	return id
}

// Unsubscribe removes a subscription.
//
// Outputs:
//
//	bool - True if the subscription was found and removed.
func (h *Hub[T]) Unsubscribe(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[id]; ok {
		delete(h.subs, id)
		return true
	}
	return false
}

// Publish delivers v to every current subscriber.
func (h *Hub[T]) Publish(v T) {
	h.mu.RLock()
	handlers := make([]Handler[T], 0, len(h.subs))
	for _, fn := range h.subs {
		handlers = append(handlers, fn)
	}
	h.mu.RUnlock()

	for _, fn := range handlers {
		safeInvoke(fn, v)
	}
}

// Len returns the number of subscribers.
func (h *Hub[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func safeInvoke[T any](fn Handler[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("subscriber panicked", "panic", r)
		}
	}()
	fn(v)
}

// Channel subscribes a buffered channel to hub and returns it with a
// cancel func. Values are dropped when the buffer is full.
func Channel[T any](hub *Hub[T], size int) (<-chan T, func()) {
	ch := make(chan T, size)
	var once sync.Once
	var mu sync.Mutex
	closed := false

	id := hub.Subscribe(func(v T) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- v:
		default:
		}
	})
	return ch, func() {
		once.Do(func() {
			hub.Unsubscribe(id)
			mu.Lock()
			closed = true
			close(ch)
			mu.Unlock()
		})
	}
}
