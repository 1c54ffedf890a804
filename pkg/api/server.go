// Package api is the thin HTTP surface over the scheduler and the run
// streams: run submission, stop, SSE streaming, and health.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zyztek/suna-sub004/pkg/database"
	"github.com/zyztek/suna-sub004/pkg/models"
	"github.com/zyztek/suna-sub004/pkg/runs"
	"github.com/zyztek/suna-sub004/pkg/runstream"
	"github.com/zyztek/suna-sub004/pkg/scheduler"
)

// RunAdmitter is the scheduler surface the API needs.
type RunAdmitter interface {
	StartRun(ctx context.Context, req scheduler.StartRunRequest) (string, error)
	StopRun(ctx context.Context, runID string) (models.RunStatus, error)
}

// RunReader loads run records for the read endpoints.
type RunReader interface {
	Get(ctx context.Context, runID string) (*models.AgentRun, error)
}

// HealthChecker reports database health for the health endpoint, satisfied
// by *database.Client.
type HealthChecker interface {
	Health(ctx context.Context) (*database.HealthStatus, error)
}

// Server is the HTTP API server.
type Server struct {
	admitter RunAdmitter
	reader   RunReader
	stream   *runstream.Log
	health   HealthChecker
	logger   *slog.Logger
}

// Option customizes a Server.
type Option func(*Server)

// WithHealthChecker adds a database probe to the health endpoint.
func WithHealthChecker(h HealthChecker) Option {
	return func(s *Server) { s.health = h }
}

// NewServer creates an API server.
func NewServer(admitter RunAdmitter, reader RunReader, stream *runstream.Log, opts ...Option) *Server {
	s := &Server{
		admitter: admitter,
		reader:   reader,
		stream:   stream,
		logger:   slog.With("component", "api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/api/health", s.Health)
	router.POST("/api/runs", s.StartRun)
	router.GET("/api/runs/:id", s.GetRun)
	router.POST("/api/runs/:id/stop", s.StopRun)
	router.GET("/api/runs/:id/stream", s.StreamRun)
	return router
}

// Health handles GET /api/health.
func (s *Server) Health(c *gin.Context) {
	if s.health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	db, err := s.health.Health(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "database": db})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "database": db})
}

// StartRun handles POST /api/runs.
func (s *Server) StartRun(c *gin.Context) {
	var req scheduler.StartRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ThreadID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "thread_id is required"})
		return
	}

	runID, err := s.admitter.StartRun(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, scheduler.ErrTooManyRuns) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
			return
		}
		s.logger.Error("Run submission failed", "thread_id", req.ThreadID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"run_id": runID})
}

// GetRun handles GET /api/runs/:id.
func (s *Server) GetRun(c *gin.Context) {
	run, err := s.reader.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, runs.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Run not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, run)
}

// StopRun handles POST /api/runs/:id/stop.
func (s *Server) StopRun(c *gin.Context) {
	status, err := s.admitter.StopRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, runs.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Run not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

// StreamRun handles GET /api/runs/:id/stream?cursor=N with SSE frames, one
// event JSON per frame. The cursor is the index of the first event wanted;
// reconnecting clients pass their last index + 1.
func (s *Server) StreamRun(c *gin.Context) {
	runID := c.Param("id")
	cursor := 0
	if raw := c.Query("cursor"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "cursor must be a non-negative integer"})
			return
		}
		cursor = parsed
	}

	if _, err := s.reader.Get(c.Request.Context(), runID); err != nil {
		if errors.Is(err, runs.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Run not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	stream, err := s.stream.Subscribe(c.Request.Context(), runID, cursor)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer stream.Close()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	for item := range stream.C() {
		payload, err := json.Marshal(item.Event)
		if err != nil {
			s.logger.Warn("Skipping unencodable event", "run_id", runID, "error", err)
			continue
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", payload); err != nil {
			return
		}
		c.Writer.Flush()
	}

	if control := stream.Control(); control != "" {
		fmt.Fprintf(c.Writer, "data: {\"type\":\"control\",\"control\":%q}\n\n", control)
		c.Writer.Flush()
	}
}

// Run serves the API until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
