// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package daemon serves the local control API of the background sync
// process: queue status, manual sync, metrics and a live event stream.
//
// Routes:
//
//	GET  /healthz            liveness plus connectivity and vault state
//	GET  /v1/queue           pending count and last reconciliation
//	GET  /v1/queue/signals   queued signals awaiting confirmation
//	POST /v1/sync            manual reconciliation, rate limited
//	GET  /v1/dispatch        dispatch machine snapshot, if one is attached
//	GET  /v1/events          websocket stream of Event values
//	GET  /metrics            prometheus exposition
package daemon

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/lifeline/services/transport/connectivity"
	"github.com/AleutianAI/lifeline/services/transport/dispatch"
	"github.com/AleutianAI/lifeline/services/transport/observe"
	"github.com/AleutianAI/lifeline/services/transport/reconcile"
	"github.com/AleutianAI/lifeline/services/transport/syncq"
	"github.com/AleutianAI/lifeline/services/transport/vault"
)

// Event is one message on the /v1/events stream.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`

	Pending    *int               `json:"pending,omitempty"`
	Online     *bool              `json:"online,omitempty"`
	Reconcile  *reconcile.Report  `json:"reconcile,omitempty"`
	Dispatch   *dispatch.Snapshot `json:"dispatch,omitempty"`
	QueueState *QueueStatus       `json:"queue,omitempty"`
}

// Event types.
const (
	EventHello        = "hello"
	EventConnectivity = "connectivity"
	EventReconcile    = "reconcile"
	EventDispatch     = "dispatch"
)

// QueueStatus is the body of GET /v1/queue.
type QueueStatus struct {
	Pending       int               `json:"pending"`
	Signals       int               `json:"signals"`
	Online        bool              `json:"online"`
	Reconciling   bool              `json:"reconciling"`
	VaultDegraded bool              `json:"vault_degraded"`
	LastRun       *reconcile.Report `json:"last_run,omitempty"`
}

// Deps are the components the daemon exposes. Machine and Vault may be nil.
type Deps struct {
	Engine       *reconcile.Engine
	Queue        *syncq.Queue
	Connectivity connectivity.Source
	Vault        *vault.Vault
	Machine      *dispatch.Machine
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSyncLimit limits POST /v1/sync to r requests per second with the
// given burst.
func WithSyncLimit(r float64, burst int) Option {
	return func(s *Server) { s.limiter = rate.NewLimiter(rate.Limit(r), burst) }
}

// WithServiceName names the otel server spans.
func WithServiceName(name string) Option {
	return func(s *Server) { s.service = name }
}

var upgrader = websocket.Upgrader{
	// The API listens on loopback; local tools connect from any origin.
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
}

// Server is the control API.
//
// Thread Safety: safe for concurrent use after New.
type Server struct {
	deps    Deps
	logger  *slog.Logger
	limiter *rate.Limiter
	service string

	hub    observe.Hub[Event]
	cancel []func()
	once   sync.Once
}

// New creates a server and starts forwarding component events to the
// stream. Call Close to stop forwarding.
func New(deps Deps, opts ...Option) *Server {
	s := &Server{
		deps:    deps,
		logger:  slog.New(slog.DiscardHandler),
		limiter: rate.NewLimiter(rate.Every(5*time.Second), 1),
		service: "lifeline-daemon",
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "daemon")

	if deps.Connectivity != nil {
		s.cancel = append(s.cancel, deps.Connectivity.Subscribe(func(online bool) {
			s.hub.Publish(Event{Type: EventConnectivity, Time: time.Now().UTC(), Online: &online})
		}))
	}
	if deps.Engine != nil {
		s.cancel = append(s.cancel, deps.Engine.Subscribe(func(r reconcile.Report) {
			pending := r.Pending
			s.hub.Publish(Event{Type: EventReconcile, Time: time.Now().UTC(), Reconcile: &r, Pending: &pending})
		}))
	}
	if deps.Machine != nil {
		s.cancel = append(s.cancel, deps.Machine.Subscribe(func(snap dispatch.Snapshot) {
			s.hub.Publish(Event{Type: EventDispatch, Time: time.Now().UTC(), Dispatch: &snap})
		}))
	}
	return s
}

// Close stops forwarding component events.
func (s *Server) Close() {
	s.once.Do(func() {
		for _, fn := range s.cancel {
			fn()
		}
	})
}

// Handler returns the gin engine.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(s.service))

	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	{
		v1.GET("/queue", s.handleQueue)
		v1.GET("/queue/signals", s.handleSignals)
		v1.POST("/sync", s.handleSync)
		v1.GET("/dispatch", s.handleDispatch)
		v1.GET("/events", s.handleEvents)
	}
	return r
}

// =============================================================================
// Handlers
// =============================================================================

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"online":         s.online(),
		"vault_degraded": s.deps.Vault != nil && s.deps.Vault.Degraded(),
	})
}

func (s *Server) online() bool {
	return s.deps.Connectivity != nil && s.deps.Connectivity.Online()
}

// Status assembles the current queue status.
func (s *Server) Status(ctx context.Context) QueueStatus {
	st := QueueStatus{
		Pending:       s.deps.Queue.Pending(ctx),
		Signals:       len(s.deps.Queue.PendingSignals(ctx)),
		Online:        s.online(),
		VaultDegraded: s.deps.Vault != nil && s.deps.Vault.Degraded(),
	}
	if s.deps.Engine != nil {
		st.Reconciling = s.deps.Engine.Running()
		if last, ok := s.deps.Engine.Last(); ok {
			st.LastRun = &last
		}
	}
	return st
}

func (s *Server) handleQueue(c *gin.Context) {
	c.JSON(http.StatusOK, s.Status(c.Request.Context()))
}

func (s *Server) handleSignals(c *gin.Context) {
	signals := s.deps.Queue.PendingSignals(c.Request.Context())
	if signals == nil {
		signals = []syncq.PendingSignal{}
	}
	c.JSON(http.StatusOK, gin.H{"signals": signals})
}

func (s *Server) handleSync(c *gin.Context) {
	if s.deps.Engine == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciliation not configured"})
		return
	}
	if !s.limiter.Allow() {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "manual sync rate limited"})
		return
	}

	rep, err := s.deps.Engine.Run(c.Request.Context(), reconcile.TriggerManual)
	if errors.Is(err, reconcile.ErrBusy) {
		c.JSON(http.StatusConflict, gin.H{"status": "busy"})
		return
	}
	if err != nil {
		s.logger.Error("manual sync failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (s *Server) handleDispatch(c *gin.Context) {
	if s.deps.Machine == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no dispatch machine attached"})
		return
	}
	c.JSON(http.StatusOK, s.deps.Machine.Snapshot())
}

func (s *Server) handleEvents(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	events, cancel := observe.Channel(&s.hub, 32)
	defer cancel()

	st := s.Status(c.Request.Context())
	if err := ws.WriteJSON(Event{Type: EventHello, Time: time.Now().UTC(), QueueState: &st}); err != nil {
		return
	}
	s.logger.Debug("event stream client connected")

	// The client sends nothing; reading detects the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := ws.WriteJSON(ev); err != nil {
				s.logger.Debug("event stream client gone", "error", err)
				return
			}
		}
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

// Task is a background job run alongside the HTTP server.
type Task func(ctx context.Context) error

// Run serves on addr and runs tasks until ctx is done or any of them
// fails, then shuts the server down.
func (s *Server) Run(ctx context.Context, addr string, tasks ...Task) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("control api listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	for _, task := range tasks {
		g.Go(func() error { return task(gctx) })
	}

	err := g.Wait()
	s.Close()
	return err
}
