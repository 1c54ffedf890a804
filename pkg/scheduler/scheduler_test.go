package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zyztek/suna-sub004/pkg/broker"
	"github.com/zyztek/suna-sub004/pkg/models"
	"github.com/zyztek/suna-sub004/pkg/runs"
	"github.com/zyztek/suna-sub004/pkg/runstream"
	"github.com/zyztek/suna-sub004/pkg/worker"
)

type fakeRegistry struct {
	mu    sync.Mutex
	runs  map[string]*models.AgentRun
	stale []*models.AgentRun
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{runs: make(map[string]*models.AgentRun)}
}

func (f *fakeRegistry) Create(_ context.Context, run *models.AgentRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.runs[run.RunID]; exists {
		return runs.ErrAlreadyExists
	}
	copied := *run
	f.runs[run.RunID] = &copied
	return nil
}

func (f *fakeRegistry) Get(_ context.Context, runID string) (*models.AgentRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok {
		return nil, runs.ErrNotFound
	}
	copied := *run
	return &copied, nil
}

func (f *fakeRegistry) Transition(_ context.Context, runID string, to models.RunStatus, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok {
		return runs.ErrNotFound
	}
	if run.Status.Terminal() {
		return runs.ErrInvalidTransition
	}
	run.Status = to
	run.Error = errMsg
	if to.Terminal() {
		now := time.Now().UTC()
		run.CompletedAt = &now
	}
	return nil
}

func (f *fakeRegistry) ListStaleRunning(_ context.Context, _ time.Time) ([]*models.AgentRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stale, nil
}

func (f *fakeRegistry) status(runID string) models.RunStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[runID].Status
}

type recordingExecutor struct {
	mu   sync.Mutex
	runs []string
	done chan string
}

func (e *recordingExecutor) Execute(_ context.Context, req models.RunRequest) error {
	e.mu.Lock()
	e.runs = append(e.runs, req.RunID)
	e.mu.Unlock()
	if e.done != nil {
		e.done <- req.RunID
	}
	return nil
}

func startRequest() StartRunRequest {
	return StartRunRequest{
		ThreadID:  "thread-1",
		AccountID: "acct-1",
		Model:     "gpt-4o",
		AgentConfig: models.AgentConfig{
			SystemPrompt: "You are helpful.",
		},
	}
}

func TestStartRun_CreatesAndEnqueues(t *testing.T) {
	b := broker.NewMemoryBroker()
	defer b.Close()
	registry := newFakeRegistry()
	s := New(b, registry, runstream.NewLog(b), "inst-1")

	runID, err := s.StartRun(context.Background(), startRequest())
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	run, err := registry.Get(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusQueued, run.Status)
	assert.Equal(t, "thread-1", run.ThreadID)
	assert.NotEmpty(t, run.AgentConfig)

	payload, found, err := b.LPop(context.Background(), WorkQueueKey)
	require.NoError(t, err)
	require.True(t, found)
	var work models.RunRequest
	require.NoError(t, json.Unmarshal([]byte(payload), &work))
	assert.Equal(t, runID, work.RunID)
	assert.Equal(t, "acct-1", work.AccountID)
	assert.Equal(t, "inst-1", work.InstanceID)
	assert.Equal(t, "You are helpful.", work.AgentConfig.SystemPrompt)
}

func TestStartRun_EnforcesAccountConcurrency(t *testing.T) {
	b := broker.NewMemoryBroker()
	defer b.Close()
	s := New(b, newFakeRegistry(), runstream.NewLog(b), "inst-1", WithMaxRunsPerAccount(2))

	ctx := context.Background()
	require.NoError(t, b.Set(ctx, worker.ActiveRunKey("acct-1", "r1"), "running", time.Minute))
	require.NoError(t, b.Set(ctx, worker.ActiveRunKey("acct-1", "r2"), "running", time.Minute))

	_, err := s.StartRun(ctx, startRequest())
	require.ErrorIs(t, err, ErrTooManyRuns)

	// A different account is unaffected.
	req := startRequest()
	req.AccountID = "acct-2"
	_, err = s.StartRun(ctx, req)
	require.NoError(t, err)
}

func TestStartRun_IdempotencyKeyReturnsOriginal(t *testing.T) {
	b := broker.NewMemoryBroker()
	defer b.Close()
	s := New(b, newFakeRegistry(), runstream.NewLog(b), "inst-1")

	req := startRequest()
	req.IdempotencyKey = "req-abc"

	first, err := s.StartRun(context.Background(), req)
	require.NoError(t, err)
	second, err := s.StartRun(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	length, err := b.LLen(context.Background(), WorkQueueKey)
	require.NoError(t, err)
	assert.Equal(t, int64(1), length, "repeated submission does not enqueue again")
}

func TestStopRun_SignalsBothPaths(t *testing.T) {
	b := broker.NewMemoryBroker()
	defer b.Close()
	registry := newFakeRegistry()
	s := New(b, registry, runstream.NewLog(b), "inst-1")

	ctx := context.Background()
	registry.runs["r1"] = &models.AgentRun{RunID: "r1", ThreadID: "t1", Status: models.RunStatusRunning}

	sub, err := b.Subscribe(ctx, runstream.ControlChannel("r1"))
	require.NoError(t, err)
	defer sub.Close()

	status, err := s.StopRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, status)

	value, found, err := b.Get(ctx, worker.StopKey("r1"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "STOP", value)

	select {
	case msg := <-sub.C():
		assert.Equal(t, runstream.ControlStop, msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("control STOP not delivered")
	}
}

func TestStopRun_TerminalIsNoOp(t *testing.T) {
	b := broker.NewMemoryBroker()
	defer b.Close()
	registry := newFakeRegistry()
	s := New(b, registry, runstream.NewLog(b), "inst-1")

	registry.runs["r1"] = &models.AgentRun{RunID: "r1", Status: models.RunStatusCompleted}

	status, err := s.StopRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, status)

	_, found, err := b.Get(context.Background(), worker.StopKey("r1"))
	require.NoError(t, err)
	assert.False(t, found, "no stop key written for a terminal run")
}

func TestStopRun_QueuedRunSettlesImmediately(t *testing.T) {
	b := broker.NewMemoryBroker()
	defer b.Close()
	registry := newFakeRegistry()
	s := New(b, registry, runstream.NewLog(b), "inst-1")

	registry.runs["r1"] = &models.AgentRun{RunID: "r1", ThreadID: "t1", Status: models.RunStatusQueued}

	status, err := s.StopRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusStopped, status)
	assert.Equal(t, models.RunStatusStopped, registry.status("r1"))
}

func TestConsume_DrainsQueue(t *testing.T) {
	b := broker.NewMemoryBroker()
	defer b.Close()
	registry := newFakeRegistry()
	s := New(b, registry, runstream.NewLog(b), "inst-1")

	ctx, cancel := context.WithCancel(context.Background())
	exec := &recordingExecutor{done: make(chan string, 2)}

	first, err := s.StartRun(ctx, startRequest())
	require.NoError(t, err)
	second, err := s.StartRun(ctx, startRequest())
	require.NoError(t, err)

	go s.Consume(ctx, exec, 2)

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case runID := <-exec.done:
			seen[runID] = true
		case <-time.After(5 * time.Second):
			t.Fatal("queue not drained")
		}
	}
	cancel()

	assert.True(t, seen[first])
	assert.True(t, seen[second])
}

func TestSweep_ReapsOrphans(t *testing.T) {
	b := broker.NewMemoryBroker()
	defer b.Close()
	registry := newFakeRegistry()
	s := New(b, registry, runstream.NewLog(b), "inst-1")

	ctx := context.Background()
	orphan := &models.AgentRun{RunID: "orphan", ThreadID: "t1", Status: models.RunStatusRunning}
	alive := &models.AgentRun{RunID: "alive", ThreadID: "t2", Status: models.RunStatusRunning}
	registry.runs["orphan"] = orphan
	registry.runs["alive"] = alive
	registry.stale = []*models.AgentRun{orphan, alive}

	// The live run still holds its lock.
	require.NoError(t, b.Set(ctx, worker.RunLockKey("alive"), "inst-2", time.Minute))

	s.Sweep(ctx)

	assert.Equal(t, models.RunStatusFailed, registry.status("orphan"))
	run, err := registry.Get(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, "worker lost", run.Error)
	assert.Equal(t, models.RunStatusRunning, registry.status("alive"))

	// The orphan's log carries the terminal status event.
	raw, err := b.LRange(ctx, runstream.ResponseListKey("orphan"), 0, -1)
	require.NoError(t, err)
	require.NotEmpty(t, raw)
	var ev models.Event
	require.NoError(t, json.Unmarshal([]byte(raw[len(raw)-1]), &ev))
	assert.Equal(t, models.StatusEventFailed, ev.Status)
	assert.Equal(t, "worker lost", ev.Message)
}
