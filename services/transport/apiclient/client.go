// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package apiclient is the HTTP client for the backend collaborator.
//
// It covers the four calls the transport makes: direct signal creation,
// batch reconciliation, profile read and profile update. Every failure is
// returned as an *errs.Error so callers can branch on its Kind:
//
//   - network errors, timeouts, 5xx and 429 responses: TransportFailure
//   - 409 responses: Conflict
//   - any other non-2xx response: ServerRejected
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/lifeline/services/transport/errs"
	"github.com/AleutianAI/lifeline/services/transport/syncq"
)

// DefaultTimeout bounds each request.
const DefaultTimeout = 15 * time.Second

// maxErrorBody caps how much of an error response is kept for messages.
const maxErrorBody = 512

// Endpoint paths.
const (
	PathSignals   = "/api/v1/sos"
	PathSyncBatch = "/api/v1/sync/batch"
	PathProfile   = "/api/v1/profile/"
	PathHealth    = "/health"
)

// TokenSource returns the bearer token for a request. An empty token sends
// no Authorization header.
type TokenSource func(ctx context.Context) (string, error)

// =============================================================================
// Wire Types
// =============================================================================

// SignalRequest is the body of a direct signal creation.
type SignalRequest struct {
	Latitude  float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `json:"longitude" validate:"gte=-180,lte=180"`
	Status    string  `json:"status" validate:"required"`
	Severity  int     `json:"severity" validate:"gte=1,lte=5"`
	Details   string  `json:"details,omitempty" validate:"max=1000"`
}

// SignalResponse is the server's answer to a direct signal creation.
type SignalResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Verdict is the per-item outcome of a batch upload.
type Verdict string

const (
	VerdictCreated   Verdict = "created"
	VerdictUpdated   Verdict = "updated"
	VerdictDuplicate Verdict = "duplicate"
	VerdictError     Verdict = "error"
)

// Acknowledged reports whether the server has the event, so the local copy
// can be deleted.
func (v Verdict) Acknowledged() bool {
	return v == VerdictCreated || v == VerdictUpdated || v == VerdictDuplicate
}

// BatchRequest is the body of a batch upload.
type BatchRequest struct {
	Events []syncq.Event `json:"events"`
}

// BatchResult is the verdict for one event.
type BatchResult struct {
	EventID string  `json:"event_id"`
	Status  Verdict `json:"status"`
	Detail  string  `json:"detail,omitempty"`
	SOSID   string  `json:"sos_id,omitempty"`
}

// BatchResponse is the server's answer to a batch upload.
type BatchResponse struct {
	Results    []BatchResult `json:"results"`
	Total      int           `json:"total"`
	Created    int           `json:"created"`
	Duplicates int           `json:"duplicates"`
	Errors     int           `json:"errors"`
}

// Profile is a user profile as the server returns it. The "id" field is
// the entity id.
type Profile map[string]any

// Clone returns a shallow copy.
func (p Profile) Clone() Profile {
	if p == nil {
		return nil
	}
	out := make(Profile, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// =============================================================================
// Client
// =============================================================================

// Client talks to the backend.
//
// # Thread Safety
//
// Client is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      TokenSource
	validate   *validator.Validate
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithTokenSource sets where the bearer token comes from.
func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) { c.token = ts }
}

// New creates a client for the backend at baseURL.
//
// # Example
//
//	client := apiclient.New("https://api.example.org", apiclient.WithTokenSource(store.AuthToken))
//	resp, err := client.CreateSignal(ctx, req)
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		validate:   validator.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured backend address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// CreateSignal sends one emergency signal directly.
//
// # Outputs
//
//   - *SignalResponse: server id and status on success
//   - error: InvalidFormat for a bad request, otherwise per the package rules
func (c *Client) CreateSignal(ctx context.Context, req SignalRequest) (*SignalResponse, error) {
	const op = "apiclient.create_signal"
	if err := c.validate.Struct(req); err != nil {
		return nil, errs.New(errs.InvalidFormat, op, err)
	}
	var out SignalResponse
	if err := c.do(ctx, op, http.MethodPost, PathSignals, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SyncBatch uploads a batch of Sync Events and returns per-item verdicts.
//
// Any failure here is a whole-batch failure; the caller decides whether to
// back off and retry.
func (c *Client) SyncBatch(ctx context.Context, events []syncq.Event) (*BatchResponse, error) {
	const op = "apiclient.sync_batch"
	var out BatchResponse
	if err := c.do(ctx, op, http.MethodPost, PathSyncBatch, BatchRequest{Events: events}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetProfile fetches the authoritative profile.
func (c *Client) GetProfile(ctx context.Context, id string) (Profile, error) {
	const op = "apiclient.get_profile"
	var out Profile
	if err := c.do(ctx, op, http.MethodGet, PathProfile+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateProfile applies a partial update and returns the server's state.
func (c *Client) UpdateProfile(ctx context.Context, id string, fields map[string]any) (Profile, error) {
	const op = "apiclient.update_profile"
	var out Profile
	if err := c.do(ctx, op, http.MethodPatch, PathProfile+url.PathEscape(id), fields, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Health checks that the backend answers. Used by the connectivity prober.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, "apiclient.health", http.MethodGet, PathHealth, nil, nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return errs.New(errs.InvalidFormat, op, fmt.Errorf("marshal request: %w", err))
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errs.New(errs.InvalidFormat, op, fmt.Errorf("create request: %w", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	if c.token != nil {
		token, err := c.token(ctx)
		if err != nil {
			return errs.New(errs.PermissionDenied, op, fmt.Errorf("auth token: %w", err))
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errs.New(errs.TransportFailure, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return errs.New(kindForStatus(resp.StatusCode), op,
			fmt.Errorf("%s %s returned status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(snippet))))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		// A 2xx whose body we cannot read is indistinguishable from a
		// dropped response; treat it as retryable.
		return errs.New(errs.TransportFailure, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func kindForStatus(code int) errs.Kind {
	switch {
	case code == http.StatusConflict:
		return errs.Conflict
	case code == http.StatusTooManyRequests, code >= 500:
		return errs.TransportFailure
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return errs.PermissionDenied
	default:
		return errs.ServerRejected
	}
}
