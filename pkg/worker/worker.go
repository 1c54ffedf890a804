// Package worker executes agent runs: it holds the single-flight run lock,
// drives assistant turns through the thread manager, mirrors every event
// into the durable run stream, and settles the run's terminal state.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zyztek/suna-sub004/pkg/broker"
	"github.com/zyztek/suna-sub004/pkg/mcp"
	"github.com/zyztek/suna-sub004/pkg/models"
	"github.com/zyztek/suna-sub004/pkg/processor"
	"github.com/zyztek/suna-sub004/pkg/runs"
	"github.com/zyztek/suna-sub004/pkg/runstream"
	"github.com/zyztek/suna-sub004/pkg/thread"
	"github.com/zyztek/suna-sub004/pkg/tools"
)

const (
	// runLockTTL is the liveness window of the single-flight lock. The
	// worker refreshes it as events flow; the orphan sweep reaps runs whose
	// lock expired.
	runLockTTL = 5 * time.Minute

	// refreshEvery is how many mirrored events pass between TTL refreshes
	// of the run lock and the instance-active key.
	refreshEvery = 10

	// livenessInterval is the time-based refresh fallback. Thinking-only
	// stretches and slow tool executions can go minutes without mirroring an
	// event, so the event-count refresh alone would let the lock lapse.
	livenessInterval = time.Minute

	// stopPollInterval is the coarse fallback poll of the stop key, for
	// when the control pub/sub delivery is lost.
	stopPollInterval = 2 * time.Second

	// maxIterations bounds assistant turns per run.
	maxIterations = 25
)

// RunLockKey returns the broker key of a run's single-flight lock.
func RunLockKey(runID string) string { return "run_lock:" + runID }

// StopKey returns the broker key a stop request is written to.
func StopKey(runID string) string { return "stop:" + runID }

// ActiveRunKey returns the active-run marker key. The namespace is the
// owning account when known, so the scheduler can count an account's live
// runs with one pattern scan; otherwise the worker instance.
func ActiveRunKey(namespace, runID string) string {
	return "active_run:" + namespace + ":" + runID
}

// Notifier is told about run lifecycle edges. Implementations must not block.
type Notifier interface {
	RunStarted(ctx context.Context, run *models.AgentRun)
	RunFinished(ctx context.Context, run *models.AgentRun)
}

// RunRegistry is the run-lifecycle surface the worker needs, satisfied by
// *runs.Registry.
type RunRegistry interface {
	Get(ctx context.Context, runID string) (*models.AgentRun, error)
	Transition(ctx context.Context, runID string, to models.RunStatus, errMsg string) error
	Touch(ctx context.Context, runID string) error
	SnapshotResponses(ctx context.Context, runID string, events []models.Event) error
}

// Worker executes runs taken off the work queue.
type Worker struct {
	broker     broker.Broker
	stream     *runstream.Log
	registry   RunRegistry
	threads    *thread.Manager
	pool       *mcp.Pool
	instanceID string
	notifier   Notifier
	logger     *slog.Logger
}

// New creates a Worker. notifier may be nil.
func New(b broker.Broker, stream *runstream.Log, registry RunRegistry, threads *thread.Manager, pool *mcp.Pool, instanceID string, notifier Notifier) *Worker {
	return &Worker{
		broker:     b,
		stream:     stream,
		registry:   registry,
		threads:    threads,
		pool:       pool,
		instanceID: instanceID,
		notifier:   notifier,
		logger:     slog.With("component", "worker", "instance_id", instanceID),
	}
}

// Execute runs one queued request to its terminal state. A request whose
// lock is already held elsewhere returns nil immediately: some other worker
// owns the run.
func (w *Worker) Execute(ctx context.Context, req models.RunRequest) error {
	logger := w.logger.With("run_id", req.RunID, "thread_id", req.ThreadID)

	acquired, err := w.broker.SetNX(ctx, RunLockKey(req.RunID), w.instanceID, runLockTTL)
	if err != nil {
		return fmt.Errorf("acquiring run lock: %w", err)
	}
	if !acquired {
		logger.Info("Run lock held elsewhere, skipping")
		return nil
	}
	defer func() {
		if err := w.broker.Delete(context.WithoutCancel(ctx), RunLockKey(req.RunID)); err != nil {
			logger.Warn("Run lock release failed", "error", err)
		}
	}()

	if err := w.registry.Transition(ctx, req.RunID, models.RunStatusRunning, ""); err != nil {
		if errors.Is(err, runs.ErrInvalidTransition) {
			logger.Info("Run no longer queued, skipping", "error", err)
			return nil
		}
		return fmt.Errorf("transition to running: %w", err)
	}

	activeKey := ActiveRunKey(markerNamespace(req, w.instanceID), req.RunID)
	if err := w.broker.Set(ctx, activeKey, "running", runLockTTL); err != nil {
		logger.Warn("Active-run marker set failed", "error", err)
	}
	defer func() {
		if err := w.broker.Delete(context.WithoutCancel(ctx), activeKey); err != nil {
			logger.Warn("Active-run marker release failed", "error", err)
		}
	}()

	if w.notifier != nil {
		if run, err := w.registry.Get(ctx, req.RunID); err == nil {
			w.notifier.RunStarted(ctx, run)
		}
	}

	final, runErr := w.drive(ctx, req, logger)

	if err := w.settle(ctx, req, final, runErr, logger); err != nil {
		return err
	}
	if w.notifier != nil {
		if run, err := w.registry.Get(context.WithoutCancel(ctx), req.RunID); err == nil {
			w.notifier.RunFinished(ctx, run)
		}
	}
	return nil
}

// drive executes the agent loop and mirrors events, returning the intended
// terminal status and, for failed, the causing error.
func (w *Worker) drive(parent context.Context, req models.RunRequest, logger *slog.Logger) (models.RunStatus, error) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var stopRequested atomic.Bool
	stopWatch, err := w.watchStop(ctx, req.RunID, &stopRequested, cancel)
	if err != nil {
		return models.RunStatusFailed, fmt.Errorf("subscribing to control channel: %w", err)
	}
	defer stopWatch()

	registry, err := w.buildToolRegistry(ctx, req, logger)
	if err != nil {
		return models.RunStatusFailed, err
	}

	writer := w.stream.Writer(req.RunID)
	if err := writer.Append(ctx, models.NewStatusEvent(req.ThreadID, models.StatusEventRunning, "", "")); err != nil {
		return models.RunStatusFailed, fmt.Errorf("appending running status: %w", err)
	}

	stopTicking := w.tickLiveness(ctx, req)
	defer stopTicking()

	opts := thread.RunOptions{
		SystemPrompt:         req.AgentConfig.SystemPrompt,
		Model:                req.Model,
		EnableThinking:       req.EnableThinking,
		ReasoningEffort:      req.ReasoningEffort,
		EnableContextManager: req.EnableContextManager,
		Registry:             registry,
		Processor: processor.Config{
			XMLToolCalling:  true,
			ExecuteTools:    true,
			ExecuteOnStream: true,
			Strategy:        processor.StrategySequential,
		},
	}

	mirrored := 0
	for iteration := 0; iteration < maxIterations; iteration++ {
		if stopRequested.Load() {
			return models.RunStatusStopped, nil
		}

		turn, err := w.threads.RunThread(ctx, req.ThreadID, opts)
		if err != nil {
			return models.RunStatusFailed, fmt.Errorf("starting assistant turn: %w", err)
		}

		for event := range turn.Events() {
			if stopRequested.Load() {
				cancel()
			}
			if err := writer.Append(parent, event); err != nil {
				cancel()
				for range turn.Events() {
				}
				return models.RunStatusFailed, fmt.Errorf("mirroring event: %w", err)
			}
			mirrored++
			if mirrored%refreshEvery == 0 {
				w.refreshLiveness(parent, req)
			}
		}

		outcome := turn.Outcome()
		switch {
		case outcome.Stopped || stopRequested.Load():
			return models.RunStatusStopped, nil
		case outcome.Err != nil:
			return models.RunStatusFailed, outcome.Err
		case outcome.Terminated:
			return models.RunStatusCompleted, nil
		case outcome.ToolCalls == 0:
			// Nothing left to do: the assistant answered without tools.
			return models.RunStatusCompleted, nil
		}
	}

	logger.Warn("Iteration limit reached", "limit", maxIterations)
	return models.RunStatusCompleted, nil
}

// watchStop wires both stop paths: the control pub/sub for fast delivery and
// a coarse poll of the stop key to tolerate lost messages. Returns a cleanup
// func.
func (w *Worker) watchStop(ctx context.Context, runID string, flag *atomic.Bool, cancel context.CancelFunc) (func(), error) {
	sub, err := w.broker.Subscribe(ctx, runstream.ControlChannel(runID))
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(stopPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case msg, ok := <-sub.C():
				if !ok {
					return
				}
				if msg.Payload == runstream.ControlStop {
					flag.Store(true)
					cancel()
					return
				}
			case <-ticker.C:
				if value, found, err := w.broker.Get(ctx, StopKey(runID)); err == nil && found && value == "STOP" {
					flag.Store(true)
					cancel()
					return
				}
			}
		}
	}()

	return func() {
		close(done)
		if err := sub.Close(); err != nil {
			w.logger.Warn("Control subscription close failed", "run_id", runID, "error", err)
		}
	}, nil
}

// buildToolRegistry assembles the per-run registry: enabled builtins plus
// every discoverable MCP tool. MCP discovery failures degrade the run, they
// do not fail it.
func (w *Worker) buildToolRegistry(ctx context.Context, req models.RunRequest, logger *slog.Logger) (*tools.Registry, error) {
	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry, req.AgentConfig.Tools); err != nil {
		return nil, fmt.Errorf("registering builtin tools: %w", err)
	}

	configs := make([]models.MCPConfig, 0, len(req.AgentConfig.MCPs)+len(req.AgentConfig.CustomMCPs))
	configs = append(configs, req.AgentConfig.MCPs...)
	configs = append(configs, req.AgentConfig.CustomMCPs...)
	if len(configs) == 0 || w.pool == nil {
		return registry, nil
	}

	names := &mcp.NameMap{}
	catalogs, failures := w.pool.Discover(ctx, configs)
	for server, err := range failures {
		logger.Warn("MCP server unavailable for this run", "server", server, "error", err)
	}
	byName := make(map[string]models.MCPConfig, len(configs))
	for _, cfg := range configs {
		byName[cfg.QualifiedName] = cfg
	}
	for _, catalog := range catalogs {
		cfg := byName[catalog.QualifiedName]
		if err := tools.RegisterMCPCatalog(registry, w.pool, cfg, catalog, names); err != nil {
			logger.Warn("MCP catalog registration failed",
				"server", catalog.QualifiedName, "error", err)
		}
	}
	return registry, nil
}

// tickLiveness refreshes liveness on a timer, independent of event flow.
// Extended thinking and long tool executions mirror no events, so the
// per-event refresh in the drive loop cannot be the only one. Returns a
// cleanup func.
func (w *Worker) tickLiveness(ctx context.Context, req models.RunRequest) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(livenessInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.refreshLiveness(ctx, req)
			}
		}
	}()
	return func() { close(done) }
}

// markerNamespace picks the active-run key namespace: account when carried
// on the request, instance otherwise.
func markerNamespace(req models.RunRequest, instanceID string) string {
	if req.AccountID != "" {
		return req.AccountID
	}
	return instanceID
}

// refreshLiveness extends the lock and active-run TTLs and bumps the run
// row's updated_at so the orphan sweep keeps treating the run as live.
func (w *Worker) refreshLiveness(ctx context.Context, req models.RunRequest) {
	if err := w.broker.Expire(ctx, RunLockKey(req.RunID), runLockTTL); err != nil {
		w.logger.Warn("Run lock TTL refresh failed", "run_id", req.RunID, "error", err)
	}
	if err := w.broker.Expire(ctx, ActiveRunKey(markerNamespace(req, w.instanceID), req.RunID), runLockTTL); err != nil {
		w.logger.Warn("Active-run TTL refresh failed", "run_id", req.RunID, "error", err)
	}
	if err := w.registry.Touch(ctx, req.RunID); err != nil {
		w.logger.Warn("Run liveness touch failed", "run_id", req.RunID, "error", err)
	}
}

// settle appends the terminal status event, snapshots the log into the run
// registry, transitions the run, and publishes the control token.
func (w *Worker) settle(ctx context.Context, req models.RunRequest, final models.RunStatus, runErr error, logger *slog.Logger) error {
	// The run must settle even when the inbound context was canceled by a
	// stop request.
	ctx = context.WithoutCancel(ctx)
	writer := w.stream.Writer(req.RunID)

	status, control, errMsg := terminalShape(final, runErr)
	if err := writer.Append(ctx, models.NewStatusEvent(req.ThreadID, status, errMsg, "")); err != nil {
		logger.Warn("Terminal status append failed", "error", err)
	}

	events, err := w.loadEvents(ctx, req.RunID)
	if err != nil {
		logger.Warn("Event snapshot load failed", "error", err)
	} else if err := w.registry.SnapshotResponses(ctx, req.RunID, events); err != nil {
		logger.Warn("Event snapshot persist failed", "error", err)
	}

	if err := w.registry.Transition(ctx, req.RunID, final, errMsg); err != nil {
		logger.Error("Terminal transition failed", "status", final, "error", err)
	}

	if err := writer.Finish(ctx, control); err != nil {
		logger.Warn("Control token publish failed", "control", control, "error", err)
	}

	if err := w.broker.Delete(ctx, StopKey(req.RunID)); err != nil {
		logger.Warn("Stop key cleanup failed", "error", err)
	}

	logger.Info("Run settled", "status", final, "error", errMsg)
	return nil
}

// terminalShape maps the intended final status onto its event status value,
// control token, and recorded error text.
func terminalShape(final models.RunStatus, runErr error) (status, control, errMsg string) {
	switch final {
	case models.RunStatusStopped:
		return models.StatusEventStopped, runstream.ControlStop, ""
	case models.RunStatusFailed:
		if runErr != nil {
			errMsg = runErr.Error()
		}
		return models.StatusEventFailed, runstream.ControlError, errMsg
	default:
		return models.StatusEventCompleted, runstream.ControlEndStream, ""
	}
}

// loadEvents reads the full event list back for the registry snapshot.
func (w *Worker) loadEvents(ctx context.Context, runID string) ([]models.Event, error) {
	raw, err := w.broker.LRange(ctx, runstream.ResponseListKey(runID), 0, -1)
	if err != nil {
		return nil, err
	}
	events := make([]models.Event, 0, len(raw))
	for _, payload := range raw {
		var ev models.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			w.logger.Warn("Skipping undecodable event in snapshot", "run_id", runID, "error", err)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}
