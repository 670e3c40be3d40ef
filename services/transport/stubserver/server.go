// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stubserver is an in-process backend that honors the client
// contract: direct signal creation, idempotent batch reconciliation,
// profile read/update and inbound SMS envelopes.
//
// It exists for local end-to-end runs (`lifeline stub`) and for tests. It
// keeps everything in memory and deduplicates on the two anchors the client
// provides: the Sync Event id and the envelope message id.
//
// # Fault Injection
//
// FailBatches, RejectEvent and ConflictProfile let tests drive the
// reconciliation and optimistic paths without a real server.
package stubserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/AleutianAI/lifeline/services/transport/apiclient"
	"github.com/AleutianAI/lifeline/services/transport/envelope"
	"github.com/AleutianAI/lifeline/services/transport/geo"
	"github.com/AleutianAI/lifeline/services/transport/syncq"
)

// Signal is a signal the stub has accepted, by any route.
type Signal struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Severity  int       `json:"severity"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Details   string    `json:"details,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// InboundSMS is the body of POST /api/v1/sms/inbound.
type InboundSMS struct {
	From string `json:"from"`
	Body string `json:"body" validate:"required,startswith=TMT:v1:"`
}

// Server is the stub backend.
//
// # Thread Safety
//
// All handlers and inspection methods are safe for concurrent use.
type Server struct {
	token    string
	logger   *slog.Logger
	validate *validator.Validate

	mu         sync.Mutex
	seen       map[string]apiclient.BatchResult
	byMessage  map[string]string
	signals    map[string]*Signal
	order      []string
	profiles   map[string]apiclient.Profile
	smsKeys    []envelope.Key
	failNext   int
	rejects    map[string]string
	conflicts  map[string]bool
	batchCalls int
	batchSizes []int
}

// Option configures a Server.
type Option func(*Server)

// WithToken requires "Authorization: Bearer <token>" on every API route.
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates an empty stub backend.
func New(opts ...Option) *Server {
	s := &Server{
		logger:    slog.New(slog.DiscardHandler),
		validate:  validator.New(),
		seen:      make(map[string]apiclient.BatchResult),
		byMessage: make(map[string]string),
		signals:   make(map[string]*Signal),
		profiles:  make(map[string]apiclient.Profile),
		rejects:   make(map[string]string),
		conflicts: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the gin engine serving the backend routes.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET(apiclient.PathHealth, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api/v1", s.requireToken)
	api.POST("/sos", s.handleCreateSignal)
	api.POST("/sync/batch", s.handleSyncBatch)
	api.GET("/profile/:id", s.handleGetProfile)
	api.PATCH("/profile/:id", s.handleUpdateProfile)
	api.POST("/sms/inbound", s.handleInboundSMS)
	api.GET("/signals", s.handleListSignals)
	return r
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("stub backend listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown stub backend: %w", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// =============================================================================
// Fault Injection and Inspection
// =============================================================================

// FailBatches makes the next n batch uploads answer 503.
func (s *Server) FailBatches(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

// RejectEvent makes every upload of eventID return an error verdict.
func (s *Server) RejectEvent(eventID, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejects[eventID] = detail
}

// ConflictProfile makes PATCH of id answer 409 while on is true.
func (s *Server) ConflictProfile(id string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts[id] = on
}

// SetProfile seeds the authoritative profile for id.
func (s *Server) SetProfile(id string, p apiclient.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p = p.Clone()
	if p == nil {
		p = apiclient.Profile{}
	}
	p["id"] = id
	s.profiles[id] = p
}

// Profile returns a copy of the stored profile, or nil.
func (s *Server) Profile(id string) apiclient.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profiles[id].Clone()
}

// AcceptSMSPassphrase registers a passphrase inbound envelopes may use.
func (s *Server) AcceptSMSPassphrase(passphrase string) error {
	key, err := envelope.DeriveKey(passphrase)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.smsKeys = append(s.smsKeys, key)
	return nil
}

// Signals returns the accepted signals in arrival order.
func (s *Server) Signals() []Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Signal, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.signals[id])
	}
	return out
}

// BatchCalls returns how many batch uploads were received, failed or not.
func (s *Server) BatchCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batchCalls
}

// BatchSizes returns the event count of each successfully parsed batch.
func (s *Server) BatchSizes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.batchSizes...)
}

// =============================================================================
// Handlers
// =============================================================================

func (s *Server) requireToken(c *gin.Context) {
	if s.token == "" {
		c.Next()
		return
	}
	if extractBearerToken(c) != s.token {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func (s *Server) handleCreateSignal(c *gin.Context) {
	var req apiclient.SignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.validate.Struct(req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	s.mu.Lock()
	sig := s.addSignalLocked(Signal{
		Status:    req.Status,
		Severity:  req.Severity,
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		Details:   req.Details,
		Source:    "direct",
	})
	s.mu.Unlock()

	s.logger.Info("signal created", "sos_id", sig.ID, "source", "direct")
	c.JSON(http.StatusCreated, apiclient.SignalResponse{ID: sig.ID, Status: "received"})
}

func (s *Server) handleSyncBatch(c *gin.Context) {
	s.mu.Lock()
	s.batchCalls++
	if s.failNext > 0 {
		s.failNext--
		s.mu.Unlock()
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable"})
		return
	}
	s.mu.Unlock()

	var req apiclient.BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchSizes = append(s.batchSizes, len(req.Events))

	resp := apiclient.BatchResponse{Results: make([]apiclient.BatchResult, 0, len(req.Events))}
	for _, ev := range req.Events {
		res := s.applyLocked(ev)
		switch res.Status {
		case apiclient.VerdictCreated:
			resp.Created++
		case apiclient.VerdictDuplicate:
			resp.Duplicates++
		case apiclient.VerdictError:
			resp.Errors++
		}
		resp.Results = append(resp.Results, res)
	}
	resp.Total = len(resp.Results)
	c.JSON(http.StatusOK, resp)
}

// applyLocked applies one event and returns its verdict. Acknowledged
// verdicts are remembered so a re-upload of the same event is a duplicate.
func (s *Server) applyLocked(ev syncq.Event) apiclient.BatchResult {
	res := apiclient.BatchResult{EventID: ev.EventID}

	if prior, ok := s.seen[ev.EventID]; ok {
		res.Status = apiclient.VerdictDuplicate
		res.SOSID = prior.SOSID
		return res
	}
	if detail, ok := s.rejects[ev.EventID]; ok {
		res.Status = apiclient.VerdictError
		res.Detail = detail
		return res
	}

	switch ev.Type {
	case syncq.SignalCreate:
		var ps syncq.PendingSignal
		if err := ev.Decode(&ps); err != nil {
			return errorResult(res, err.Error())
		}
		if id, ok := s.byMessage[ps.MessageID]; ok && ps.MessageID != "" {
			res.Status = apiclient.VerdictDuplicate
			res.SOSID = id
			break
		}
		sig := s.addSignalLocked(Signal{
			Status:    ps.Status,
			Severity:  ps.Severity,
			Latitude:  ps.Latitude,
			Longitude: ps.Longitude,
			Details:   ps.Details,
			MessageID: ps.MessageID,
			Source:    "sync",
			CreatedAt: ps.CreatedAt,
		})
		res.Status = apiclient.VerdictCreated
		res.SOSID = sig.ID

	case syncq.SignalUpdate:
		var su syncq.StatusChange
		if err := ev.Decode(&su); err != nil {
			return errorResult(res, err.Error())
		}
		sig, ok := s.signals[su.SignalID]
		if !ok {
			return errorResult(res, "unknown signal "+su.SignalID)
		}
		sig.Status = su.Status
		if su.Details != "" {
			sig.Details = su.Details
		}
		res.Status = apiclient.VerdictUpdated
		res.SOSID = sig.ID

	case syncq.ProfileUpdate:
		var pc syncq.ProfileChange
		if err := ev.Decode(&pc); err != nil {
			return errorResult(res, err.Error())
		}
		if pc.EntityID == "" {
			return errorResult(res, "missing entity_id")
		}
		s.mergeProfileLocked(pc.EntityID, pc.Fields)
		res.Status = apiclient.VerdictUpdated

	default:
		return errorResult(res, fmt.Sprintf("unknown event type %q", ev.Type))
	}

	s.seen[ev.EventID] = res
	return res
}

func errorResult(res apiclient.BatchResult, detail string) apiclient.BatchResult {
	res.Status = apiclient.VerdictError
	res.Detail = detail
	return res
}

func (s *Server) handleGetProfile(c *gin.Context) {
	id := c.Param("id")
	s.mu.Lock()
	p, ok := s.profiles[id]
	p = p.Clone()
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "profile not found"})
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) handleUpdateProfile(c *gin.Context) {
	id := c.Param("id")
	var fields map[string]any
	if err := c.ShouldBindJSON(&fields); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conflicts[id] {
		c.JSON(http.StatusConflict, gin.H{"error": "profile changed on server"})
		return
	}
	c.JSON(http.StatusOK, s.mergeProfileLocked(id, fields).Clone())
}

func (s *Server) handleInboundSMS(c *gin.Context) {
	var msg InboundSMS
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.validate.Struct(msg); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.openLocked(envelope.Envelope(msg.Body))
	if !ok {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "envelope does not decrypt with any known key"})
		return
	}
	if id, dup := s.byMessage[rec.MessageID]; dup && rec.MessageID != "" {
		c.JSON(http.StatusOK, gin.H{"id": id, "status": string(apiclient.VerdictDuplicate)})
		return
	}

	sig := Signal{
		Status:    envelope.StatusName(rec.Status),
		MessageID: rec.MessageID,
		Source:    "sms",
	}
	sig.Severity, _ = strconv.Atoi(rec.Severity)
	if coord, err := geo.Decode(rec.Location); err == nil {
		sig.Latitude, sig.Longitude = coord.Lat, coord.Lon
	}
	added := s.addSignalLocked(sig)
	s.logger.Info("signal created", "sos_id", added.ID, "source", "sms")
	c.JSON(http.StatusCreated, gin.H{"id": added.ID, "status": string(apiclient.VerdictCreated)})
}

func (s *Server) handleListSignals(c *gin.Context) {
	s.mu.Lock()
	out := make([]Signal, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.signals[id])
	}
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"signals": out, "total": len(out)})
}

// =============================================================================
// Helpers
// =============================================================================

func (s *Server) addSignalLocked(sig Signal) *Signal {
	sig.ID = uuid.NewString()
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now().UTC()
	}
	stored := &sig
	s.signals[sig.ID] = stored
	s.order = append(s.order, sig.ID)
	if sig.MessageID != "" {
		s.byMessage[sig.MessageID] = sig.ID
	}
	return stored
}

func (s *Server) mergeProfileLocked(id string, fields map[string]any) apiclient.Profile {
	p, ok := s.profiles[id]
	if !ok {
		p = apiclient.Profile{"id": id}
	}
	for k, v := range fields {
		if k == "id" {
			continue
		}
		p[k] = v
	}
	p["updated_at"] = time.Now().UTC().Format(time.RFC3339)
	s.profiles[id] = p
	return p
}

func (s *Server) openLocked(env envelope.Envelope) (envelope.Record, bool) {
	for _, key := range s.smsKeys {
		if rec, err := envelope.Open(env, key); err == nil {
			return rec, true
		}
	}
	return envelope.Record{}, false
}

// extractBearerToken returns the token of an "Authorization: Bearer <token>"
// header, or "" when the header is missing or uses another scheme.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
