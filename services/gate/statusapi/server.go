// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package statusapi serves deployment records and workload state over a
// read-only HTTP API.
package statusapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/deploygate/services/gate/dispatch"
	"github.com/AleutianAI/deploygate/services/gate/manifest"
	"github.com/AleutianAI/deploygate/services/gate/records"
	"github.com/AleutianAI/deploygate/services/gate/telemetry"
)

// Config controls the listener and request limits.
type Config struct {
	// Listen is the bind address. Loopback unless deliberately exposed.
	Listen string `yaml:"listen" validate:"required,hostname_port"`

	// RatePerSecond and Burst bound requests across all clients.
	RatePerSecond float64 `yaml:"rate_per_second" validate:"gt=0"`
	Burst         int     `yaml:"burst" validate:"min=1"`

	// MaxRecords caps the limit query parameter.
	MaxRecords int `yaml:"max_records" validate:"min=1"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultConfig returns a loopback listener.
func DefaultConfig() Config {
	return Config{
		Listen:          "127.0.0.1:9470",
		RatePerSecond:   10,
		Burst:           20,
		MaxRecords:      100,
		ShutdownTimeout: 5 * time.Second,
	}
}

// Server is the status API.
//
// # Thread Safety
//
// Safe for concurrent use. Every request reads the store on its own.
type Server struct {
	cfg     Config
	store   records.Store
	metrics *telemetry.Metrics
	logger  *slog.Logger
	router  *gin.Engine
}

// New builds the router. metrics may be nil, which disables /metrics.
func New(cfg Config, store records.Store, metrics *telemetry.Metrics, logger *slog.Logger) (*Server, error) {
	if store == nil {
		return nil, errors.New("statusapi: record store is required")
	}
	if cfg.MaxRecords < 1 {
		cfg.MaxRecords = DefaultConfig().MaxRecords
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, store: store, metrics: metrics, logger: logger}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("deploygate-status"))
	router.Use(rateLimit(rate.NewLimiter(rate.Limit(cfg.RatePerSecond), max(cfg.Burst, 1))))

	router.GET("/healthz", s.healthz)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := router.Group("/v1/environments/:env", s.requireEnvironment)
	v1.GET("/states", s.states)
	v1.GET("/records", s.listRecords)
	v1.GET("/workloads/:workload", s.workload)

	s.router = router
	return s, nil
}

// Handler returns the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Status API listening", "addr", s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// =============================================================================
// Handlers
// =============================================================================

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) requireEnvironment(c *gin.Context) {
	if !slices.Contains(dispatch.Environments, c.Param("env")) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown environment"})
		return
	}
	c.Next()
}

func (s *Server) states(c *gin.Context) {
	states, err := s.store.States(c.Request.Context(), c.Param("env"))
	if err != nil {
		s.storeError(c, err)
		return
	}
	if states == nil {
		states = []records.State{}
	}
	c.JSON(http.StatusOK, gin.H{"states": states})
}

func (s *Server) listRecords(c *gin.Context) {
	workload := c.Query("workload")
	if workload != "" && !manifest.ValidName(workload) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid workload"})
		return
	}
	limit, ok := s.limit(c)
	if !ok {
		return
	}
	recs, err := s.store.List(c.Request.Context(), c.Param("env"), workload, limit)
	if err != nil {
		s.storeError(c, err)
		return
	}
	if recs == nil {
		recs = []records.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"records": recs})
}

func (s *Server) workload(c *gin.Context) {
	env, workload := c.Param("env"), c.Param("workload")
	if !manifest.ValidName(workload) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid workload"})
		return
	}
	limit, ok := s.limit(c)
	if !ok {
		return
	}
	st, err := s.store.GetState(c.Request.Context(), env, workload)
	if errors.Is(err, records.ErrNoState) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no deployments for workload"})
		return
	}
	if err != nil {
		s.storeError(c, err)
		return
	}
	recs, err := s.store.List(c.Request.Context(), env, workload, limit)
	if err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": st, "records": recs})
}

func (s *Server) limit(c *gin.Context) (int, bool) {
	raw := c.DefaultQuery("limit", "20")
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return 0, false
	}
	return min(n, s.cfg.MaxRecords), true
}

func (s *Server) storeError(c *gin.Context, err error) {
	s.logger.Error("Status store read failed", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "status store unreadable"})
}

// rateLimit rejects requests beyond the limiter's budget with 429.
func rateLimit(l *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
