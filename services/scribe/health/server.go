// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package health serves the engine's liveness and metrics endpoints.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/scribe/services/scribe/telemetry"
)

// ServiceName labels spans emitted by the HTTP middleware.
const ServiceName = "scribe-health"

// Status is the /health response body.
type Status struct {
	Status     string         `json:"status"`
	Uptime     float64        `json:"uptime_seconds"`
	Components map[string]any `json:"components,omitempty"`
}

// StatusFunc reports the current engine state. A non-empty degraded list
// turns the status to "degraded" with HTTP 503.
type StatusFunc func() (components map[string]any, degraded []string)

// Server is the health HTTP server.
//
// # Thread Safety
//
// Start and Stop are safe to call from different goroutines.
type Server struct {
	addr   string
	status StatusFunc
	tel    *telemetry.Provider
	logger *slog.Logger
	start  time.Time
	router *gin.Engine

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
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

// WithTelemetry sets the provider whose /metrics handler and tracer are
// used.
func WithTelemetry(p *telemetry.Provider) Option {
	return func(s *Server) {
		if p != nil {
			s.tel = p
		}
	}
}

// New creates a Server listening on addr once started.
func New(addr string, status StatusFunc, opts ...Option) *Server {
	s := &Server{
		addr:   addr,
		status: status,
		tel:    telemetry.NewNoop(),
		logger: slog.Default(),
		start:  time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.newRouter()
	return s
}

func (s *Server) newRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(ServiceName, otelgin.WithTracerProvider(s.tel.TracerProvider())))

	router.GET("/health", s.handleHealth)

	metrics := s.tel.MetricsHandler()
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	router.GET("/metrics", gin.WrapH(metrics))
	return router
}

// Router returns the gin engine, for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) handleHealth(c *gin.Context) {
	body := Status{Status: "ok", Uptime: time.Since(s.start).Seconds()}
	code := http.StatusOK
	if s.status != nil {
		components, degraded := s.status()
		body.Components = components
		if len(degraded) > 0 {
			body.Status = "degraded"
			if body.Components == nil {
				body.Components = map[string]any{}
			}
			body.Components["degraded"] = degraded
			code = http.StatusServiceUnavailable
		}
	}
	c.JSON(code, body)
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.listener = ln
	s.srv = &http.Server{Handler: s.router, ReadHeaderTimeout: 5 * time.Second}

	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("health server failed", slog.String("error", err.Error()))
		}
	}(s.srv)
	s.logger.Info("health server listening", slog.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop shuts the server down gracefully within ctx.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
