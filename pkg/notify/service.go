// Package notify posts run lifecycle notifications to Slack. The service is
// optional and nil-safe: a missing token disables it without any caller
// changes.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/zyztek/suna-sub004/pkg/models"
)

const postTimeout = 10 * time.Second

// ServiceConfig holds the parameters needed to construct a Service.
type ServiceConfig struct {
	Token        string
	Channel      string
	DashboardURL string
}

// Service delivers run notifications. Nil-safe: all methods are no-ops when
// the service is nil.
type Service struct {
	client       *Client
	dashboardURL string
	logger       *slog.Logger

	mu      sync.Mutex
	threads map[string]string // run_id → thread ts of the start message
}

// NewService creates a Slack notification service. Returns nil if Token or
// Channel is empty.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Token == "" || cfg.Channel == "" {
		return nil
	}
	return newService(NewClient(cfg.Token, cfg.Channel), cfg.DashboardURL)
}

// NewServiceWithClient creates a Service backed by a pre-built Client.
// Useful for testing with a mock API server.
func NewServiceWithClient(client *Client, dashboardURL string) *Service {
	return newService(client, dashboardURL)
}

func newService(client *Client, dashboardURL string) *Service {
	return &Service{
		client:       client,
		dashboardURL: dashboardURL,
		logger:       slog.Default().With("component", "slack-service"),
		threads:      make(map[string]string),
	}
}

// RunStarted posts a "run started" notification. Fail-open: errors are
// logged, never returned.
func (s *Service) RunStarted(ctx context.Context, run *models.AgentRun) {
	if s == nil || run == nil {
		return
	}
	ts, err := s.client.PostMessage(ctx, BuildStartedMessage(run.RunID, s.dashboardURL), "", postTimeout)
	if err != nil {
		s.logger.Warn("Run-started notification failed", "run_id", run.RunID, "error", err)
		return
	}
	s.mu.Lock()
	s.threads[run.RunID] = ts
	s.mu.Unlock()
}

// RunFinished posts the terminal notification, threaded under the start
// message when one was delivered. Fail-open.
func (s *Service) RunFinished(ctx context.Context, run *models.AgentRun) {
	if s == nil || run == nil {
		return
	}
	s.mu.Lock()
	threadTS := s.threads[run.RunID]
	delete(s.threads, run.RunID)
	s.mu.Unlock()

	if _, err := s.client.PostMessage(ctx, BuildTerminalMessage(run, s.dashboardURL), threadTS, postTimeout); err != nil {
		s.logger.Warn("Run-finished notification failed",
			"run_id", run.RunID, "status", run.Status, "error", err)
	}
}
