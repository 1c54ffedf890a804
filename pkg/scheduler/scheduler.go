// Package scheduler admits new agent runs, enforces per-account concurrency,
// feeds the durable work queue a worker pool consumes, and reconciles runs
// orphaned by dead workers.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/zyztek/suna-sub004/pkg/broker"
	"github.com/zyztek/suna-sub004/pkg/models"
	"github.com/zyztek/suna-sub004/pkg/runstream"
	"github.com/zyztek/suna-sub004/pkg/worker"
)

// WorkQueueKey is the broker list the scheduler feeds and workers consume.
const WorkQueueKey = "agent_runs:queue"

const (
	// stopTTL is how long a stop request stays visible for the polling path.
	stopTTL = 5 * time.Minute

	// idempotencyTTL is how long a submitted idempotency key maps to its run.
	idempotencyTTL = 24 * time.Hour

	// queuePollInterval is the worker pool's wait when the queue is empty.
	queuePollInterval = 500 * time.Millisecond

	// sweepInterval is how often the orphan reconciliation runs.
	sweepInterval = time.Minute

	// staleAfter is how long a run may sit in running before the sweep
	// considers it for reconciliation.
	staleAfter = 2 * time.Minute
)

// ErrTooManyRuns is returned when an account is at its concurrency limit.
var ErrTooManyRuns = errors.New("too many active runs for account")

// RunRegistry is the run-lifecycle surface the scheduler needs, satisfied
// by *runs.Registry.
type RunRegistry interface {
	Create(ctx context.Context, run *models.AgentRun) error
	Get(ctx context.Context, runID string) (*models.AgentRun, error)
	Transition(ctx context.Context, runID string, to models.RunStatus, errMsg string) error
	ListStaleRunning(ctx context.Context, cutoff time.Time) ([]*models.AgentRun, error)
}

// StartRunRequest is one run submission.
type StartRunRequest struct {
	ThreadID             string             `json:"thread_id"`
	AccountID            string             `json:"account_id,omitempty"`
	ProjectID            string             `json:"project_id,omitempty"`
	Model                string             `json:"model"`
	EnableThinking       bool               `json:"enable_thinking,omitempty"`
	ReasoningEffort      string             `json:"reasoning_effort,omitempty"`
	Stream               bool               `json:"stream"`
	EnableContextManager bool               `json:"enable_context_manager"`
	AgentConfig          models.AgentConfig `json:"agent_config"`
	IdempotencyKey       string             `json:"idempotency_key,omitempty"`
	RequestID            string             `json:"request_id,omitempty"`
}

// Scheduler admits runs and drives the consuming worker pool.
type Scheduler struct {
	broker     broker.Broker
	registry   RunRegistry
	stream     *runstream.Log
	instanceID string

	// maxRunsPerAccount caps an account's concurrent runs. 0 disables the
	// check (local default).
	maxRunsPerAccount int

	logger *slog.Logger
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithMaxRunsPerAccount sets the per-account concurrency limit. 0 means
// unbounded.
func WithMaxRunsPerAccount(n int) Option {
	return func(s *Scheduler) { s.maxRunsPerAccount = n }
}

// New creates a Scheduler.
func New(b broker.Broker, registry RunRegistry, stream *runstream.Log, instanceID string, opts ...Option) *Scheduler {
	s := &Scheduler{
		broker:     b,
		registry:   registry,
		stream:     stream,
		instanceID: instanceID,
		logger:     slog.With("component", "scheduler", "instance_id", instanceID),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func idempotencyKey(key string) string { return "run_idem:" + key }

// StartRun admits one run: concurrency check, registry row in queued state,
// work-queue enqueue. Returns the run ID. A repeated idempotency key returns
// the original run without enqueueing again.
func (s *Scheduler) StartRun(ctx context.Context, req StartRunRequest) (string, error) {
	if req.ThreadID == "" {
		return "", errors.New("thread_id is required")
	}

	if req.IdempotencyKey != "" {
		if existing, found, err := s.broker.Get(ctx, idempotencyKey(req.IdempotencyKey)); err == nil && found {
			return existing, nil
		}
	}

	if err := s.checkConcurrency(ctx, req.AccountID); err != nil {
		return "", err
	}

	runID := uuid.NewString()
	configSnapshot, err := json.Marshal(req.AgentConfig)
	if err != nil {
		return "", fmt.Errorf("marshal agent config: %w", err)
	}
	run := &models.AgentRun{
		RunID:       runID,
		ThreadID:    req.ThreadID,
		Status:      models.RunStatusQueued,
		StartedAt:   time.Now().UTC(),
		Model:       req.Model,
		AgentConfig: configSnapshot,
	}
	if err := s.registry.Create(ctx, run); err != nil {
		return "", fmt.Errorf("creating run record: %w", err)
	}

	work := models.RunRequest{
		RunID:                runID,
		ThreadID:             req.ThreadID,
		AccountID:            req.AccountID,
		InstanceID:           s.instanceID,
		ProjectID:            req.ProjectID,
		Model:                req.Model,
		EnableThinking:       req.EnableThinking,
		ReasoningEffort:      req.ReasoningEffort,
		Stream:               req.Stream,
		EnableContextManager: req.EnableContextManager,
		AgentConfig:          req.AgentConfig,
		RequestID:            req.RequestID,
	}
	payload, err := json.Marshal(work)
	if err != nil {
		return "", fmt.Errorf("marshal work-queue message: %w", err)
	}
	if _, err := s.broker.RPush(ctx, WorkQueueKey, string(payload)); err != nil {
		// The queued row stays; the orphan sweep will not touch queued runs,
		// so fail it explicitly.
		if terr := s.registry.Transition(ctx, runID, models.RunStatusFailed, "enqueue failed"); terr != nil {
			s.logger.Error("Failed to fail unenqueued run", "run_id", runID, "error", terr)
		}
		return "", fmt.Errorf("enqueueing run: %w", err)
	}

	if req.IdempotencyKey != "" {
		if err := s.broker.Set(ctx, idempotencyKey(req.IdempotencyKey), runID, idempotencyTTL); err != nil {
			s.logger.Warn("Idempotency key store failed", "run_id", runID, "error", err)
		}
	}

	s.logger.Info("Run enqueued", "run_id", runID, "thread_id", req.ThreadID, "model", req.Model)
	return runID, nil
}

// checkConcurrency counts the account's live active-run markers.
func (s *Scheduler) checkConcurrency(ctx context.Context, accountID string) error {
	if s.maxRunsPerAccount <= 0 || accountID == "" {
		return nil
	}
	keys, err := s.broker.Keys(ctx, "active_run:"+accountID+":*")
	if err != nil {
		return fmt.Errorf("counting active runs: %w", err)
	}
	if len(keys) >= s.maxRunsPerAccount {
		return fmt.Errorf("%w: %d active, limit %d", ErrTooManyRuns, len(keys), s.maxRunsPerAccount)
	}
	return nil
}

// StopRun requests a run stop through both paths: the stop key for the
// poller and the control channel for fast delivery. Stopping an already
// terminal run is a no-op returning the unchanged status.
func (s *Scheduler) StopRun(ctx context.Context, runID string) (models.RunStatus, error) {
	run, err := s.registry.Get(ctx, runID)
	if err != nil {
		return "", err
	}
	if run.Status.Terminal() {
		return run.Status, nil
	}

	if err := s.broker.Set(ctx, worker.StopKey(runID), "STOP", stopTTL); err != nil {
		return "", fmt.Errorf("writing stop key: %w", err)
	}
	if err := s.broker.Publish(ctx, runstream.ControlChannel(runID), runstream.ControlStop); err != nil {
		s.logger.Warn("Stop publish failed, poller path remains", "run_id", runID, "error", err)
	}

	// A queued run has no worker to honor the signal; settle it here.
	if run.Status == models.RunStatusQueued {
		if err := s.registry.Transition(ctx, runID, models.RunStatusStopped, ""); err == nil {
			if ferr := s.stream.Writer(runID).Finish(ctx, runstream.ControlStop); ferr != nil {
				s.logger.Warn("Stop control publish for queued run failed", "run_id", runID, "error", ferr)
			}
			return models.RunStatusStopped, nil
		}
	}

	s.logger.Info("Stop requested", "run_id", runID)
	return models.RunStatusRunning, nil
}

// Executor runs one work-queue request; satisfied by *worker.Worker.
type Executor interface {
	Execute(ctx context.Context, req models.RunRequest) error
}

// Consume drives n concurrent consumers over the work queue until ctx ends.
func (s *Scheduler) Consume(ctx context.Context, exec Executor, n int) {
	if n <= 0 {
		n = 1
	}
	done := make(chan struct{})
	for i := 0; i < n; i++ {
		go func(slot int) {
			defer func() { done <- struct{}{} }()
			s.consumeLoop(ctx, exec, slot)
		}(i)
	}
	for i := 0; i < n; i++ {
		<-done
	}
}

func (s *Scheduler) consumeLoop(ctx context.Context, exec Executor, slot int) {
	logger := s.logger.With("slot", slot)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		payload, found, err := s.broker.LPop(ctx, WorkQueueKey)
		if err != nil {
			if errors.Is(err, broker.ErrClosed) || ctx.Err() != nil {
				return
			}
			logger.Warn("Work queue pop failed", "error", err)
			found = false
		}
		if !found {
			select {
			case <-ctx.Done():
				return
			case <-time.After(queuePollInterval):
			}
			continue
		}

		var req models.RunRequest
		if err := json.Unmarshal([]byte(payload), &req); err != nil {
			logger.Error("Discarding undecodable work-queue message", "error", err)
			continue
		}
		if err := exec.Execute(ctx, req); err != nil {
			logger.Error("Run execution failed", "run_id", req.RunID, "error", err)
		}
	}
}

// Sweep reconciles orphaned runs once: running runs older than the staleness
// window whose lock has expired are failed with "worker lost".
func (s *Scheduler) Sweep(ctx context.Context) {
	stale, err := s.registry.ListStaleRunning(ctx, time.Now().UTC().Add(-staleAfter))
	if err != nil {
		s.logger.Warn("Stale-run listing failed", "error", err)
		return
	}
	for _, run := range stale {
		_, held, err := s.broker.Get(ctx, worker.RunLockKey(run.RunID))
		if err != nil {
			s.logger.Warn("Lock check failed", "run_id", run.RunID, "error", err)
			continue
		}
		if held {
			continue
		}
		if err := s.registry.Transition(ctx, run.RunID, models.RunStatusFailed, "worker lost"); err != nil {
			s.logger.Warn("Orphan transition failed", "run_id", run.RunID, "error", err)
			continue
		}
		writer := s.stream.Writer(run.RunID)
		if err := writer.Append(ctx, models.NewStatusEvent(run.ThreadID, models.StatusEventFailed, "worker lost", "")); err != nil {
			s.logger.Warn("Orphan status append failed", "run_id", run.RunID, "error", err)
		}
		if err := writer.Finish(ctx, runstream.ControlError); err != nil {
			s.logger.Warn("Orphan control publish failed", "run_id", run.RunID, "error", err)
		}
		s.logger.Info("Orphaned run reconciled", "run_id", run.RunID)
	}
}

// RunSweeper runs the reconciliation sweep every minute until ctx ends.
func (s *Scheduler) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}
