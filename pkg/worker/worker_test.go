package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zyztek/suna-sub004/pkg/broker"
	"github.com/zyztek/suna-sub004/pkg/llm"
	"github.com/zyztek/suna-sub004/pkg/models"
	"github.com/zyztek/suna-sub004/pkg/runs"
	"github.com/zyztek/suna-sub004/pkg/runstream"
	"github.com/zyztek/suna-sub004/pkg/thread"
)

// fakeRegistry is an in-memory RunRegistry.
type fakeRegistry struct {
	mu        sync.Mutex
	runs      map[string]*models.AgentRun
	snapshots map[string][]models.Event
	touches   map[string]int
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		runs:      make(map[string]*models.AgentRun),
		snapshots: make(map[string][]models.Event),
		touches:   make(map[string]int),
	}
}

func (f *fakeRegistry) add(run *models.AgentRun) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[run.RunID] = run
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

func (f *fakeRegistry) Touch(_ context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touches[runID]++
	return nil
}

func (f *fakeRegistry) SnapshotResponses(_ context.Context, runID string, events []models.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots[runID] = events
	return nil
}

func (f *fakeRegistry) status(runID string) models.RunStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[runID].Status
}

func (f *fakeRegistry) touched(runID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.touches[runID]
}

// memStore is an in-memory thread.MessageStore.
type memStore struct {
	mu       sync.Mutex
	messages []*models.Message
}

func (s *memStore) CreateThread(_ context.Context, _ *thread.Thread) error { return nil }

func (s *memStore) GetThread(_ context.Context, _ string) (*thread.Thread, error) {
	return nil, thread.ErrThreadNotFound
}

func (s *memStore) AddMessage(_ context.Context, msg *models.Message) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *msg
	if stored.MessageID == "" {
		stored.MessageID = uuid.NewString()
	}
	stored.CreatedAt = time.Now().UTC()
	s.messages = append(s.messages, &stored)
	return &stored, nil
}

func (s *memStore) ListMessages(_ context.Context, threadID string, llmOnly bool) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Message
	for _, m := range s.messages {
		if m.ThreadID == threadID && (!llmOnly || m.IsLLMMessage) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memStore) LatestMessageOfType(_ context.Context, threadID, msgType string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].ThreadID == threadID && s.messages[i].Type == msgType {
			return s.messages[i], nil
		}
	}
	return nil, thread.ErrMessageNotFound
}

func (s *memStore) DeleteMessage(_ context.Context, _ string) error { return nil }

// scriptedClient replays one chunk script per Stream call.
type scriptedClient struct {
	mu      sync.Mutex
	scripts [][]llm.Chunk
	calls   int
}

func (c *scriptedClient) Stream(_ context.Context, _ llm.Request) (<-chan llm.Chunk, <-chan error) {
	c.mu.Lock()
	var script []llm.Chunk
	if c.calls < len(c.scripts) {
		script = c.scripts[c.calls]
	}
	c.calls++
	c.mu.Unlock()

	out := make(chan llm.Chunk, len(script))
	for _, ch := range script {
		out <- ch
	}
	close(out)
	errs := make(chan error)
	close(errs)
	return out, errs
}

// blockingClient streams one chunk then holds the stream open until the
// context is canceled.
type blockingClient struct {
	started chan struct{}
}

func (c *blockingClient) Stream(ctx context.Context, _ llm.Request) (<-chan llm.Chunk, <-chan error) {
	out := make(chan llm.Chunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errs)
		out <- llm.Chunk{Text: "partial "}
		close(c.started)
		<-ctx.Done()
	}()
	return out, errs
}

func seedRun(t *testing.T, registry *fakeRegistry, store *memStore) models.RunRequest {
	t.Helper()
	runID := uuid.NewString()
	threadID := uuid.NewString()
	registry.add(&models.AgentRun{
		RunID:    runID,
		ThreadID: threadID,
		Status:   models.RunStatusQueued,
		Model:    "gpt-4o",
	})
	content, err := json.Marshal(models.MessageContent{Role: "user", Content: "hello"})
	require.NoError(t, err)
	_, err = store.AddMessage(context.Background(), &models.Message{
		ThreadID:     threadID,
		Type:         models.MessageTypeUser,
		Role:         "user",
		Content:      content,
		IsLLMMessage: true,
	})
	require.NoError(t, err)
	return models.RunRequest{
		RunID:      runID,
		ThreadID:   threadID,
		InstanceID: "test-instance",
		Model:      "gpt-4o",
		AgentConfig: models.AgentConfig{
			SystemPrompt: "You are helpful.",
		},
	}
}

func logEvents(t *testing.T, b broker.Broker, runID string) []models.Event {
	t.Helper()
	raw, err := b.LRange(context.Background(), runstream.ResponseListKey(runID), 0, -1)
	require.NoError(t, err)
	events := make([]models.Event, 0, len(raw))
	for _, payload := range raw {
		var ev models.Event
		require.NoError(t, json.Unmarshal([]byte(payload), &ev))
		events = append(events, ev)
	}
	return events
}

func TestExecute_CompletesPlainAnswer(t *testing.T) {
	b := broker.NewMemoryBroker()
	defer b.Close()
	registry := newFakeRegistry()
	store := &memStore{}
	client := &scriptedClient{scripts: [][]llm.Chunk{
		{{Text: "All set."}, {FinishReason: llm.FinishStop}},
	}}
	w := New(b, runstream.NewLog(b), registry, thread.NewManager(store, client), nil, "test-instance", nil)

	req := seedRun(t, registry, store)
	require.NoError(t, w.Execute(context.Background(), req))

	assert.Equal(t, models.RunStatusCompleted, registry.status(req.RunID))

	events := logEvents(t, b, req.RunID)
	require.NotEmpty(t, events)
	assert.Equal(t, models.StatusEventRunning, events[0].Status)
	last := events[len(events)-1]
	assert.Equal(t, models.EventTypeStatus, last.Type)
	assert.Equal(t, models.StatusEventCompleted, last.Status)

	// The full log was snapshotted into the registry.
	assert.Equal(t, len(events), len(registry.snapshots[req.RunID]))

	// Locks and markers are released.
	_, held, err := b.Get(context.Background(), RunLockKey(req.RunID))
	require.NoError(t, err)
	assert.False(t, held)
	_, active, err := b.Get(context.Background(), ActiveRunKey("test-instance", req.RunID))
	require.NoError(t, err)
	assert.False(t, active)
}

func TestExecute_TerminalToolCompletesAfterOneTurn(t *testing.T) {
	b := broker.NewMemoryBroker()
	defer b.Close()
	registry := newFakeRegistry()
	store := &memStore{}
	client := &scriptedClient{scripts: [][]llm.Chunk{
		{
			{Text: "Done. <function_calls><invoke name=\"complete\">" +
				"<parameter name=\"text\">finished</parameter></invoke></function_calls>"},
			{FinishReason: llm.FinishStop},
		},
		// A second turn would mean the loop ignored the terminal tool.
		{{Text: "should never stream"}, {FinishReason: llm.FinishStop}},
	}}
	w := New(b, runstream.NewLog(b), registry, thread.NewManager(store, client), nil, "test-instance", nil)

	req := seedRun(t, registry, store)
	require.NoError(t, w.Execute(context.Background(), req))

	assert.Equal(t, models.RunStatusCompleted, registry.status(req.RunID))
	client.mu.Lock()
	assert.Equal(t, 1, client.calls)
	client.mu.Unlock()

	events := logEvents(t, b, req.RunID)
	var sawEnd bool
	for _, ev := range events {
		assert.NotContains(t, string(ev.Content), "should never stream")
		if ev.Type == models.EventTypeAssistantResponseEnd {
			sawEnd = true
		}
	}
	assert.True(t, sawEnd)
}

func TestExecute_LongStreamKeepsRunFresh(t *testing.T) {
	b := broker.NewMemoryBroker()
	defer b.Close()
	registry := newFakeRegistry()
	store := &memStore{}

	script := make([]llm.Chunk, 0, 25)
	for i := 0; i < 24; i++ {
		script = append(script, llm.Chunk{Text: "word "})
	}
	script = append(script, llm.Chunk{FinishReason: llm.FinishStop})
	client := &scriptedClient{scripts: [][]llm.Chunk{script}}
	w := New(b, runstream.NewLog(b), registry, thread.NewManager(store, client), nil, "test-instance", nil)

	req := seedRun(t, registry, store)
	require.NoError(t, w.Execute(context.Background(), req))
	assert.Equal(t, models.RunStatusCompleted, registry.status(req.RunID))

	// Each refresh extends the lock TTL and bumps the run row's updated_at,
	// which is what keeps a healthy streaming run out of the orphan sweep's
	// stale window.
	assert.GreaterOrEqual(t, registry.touched(req.RunID), 2)
}

func TestExecute_LockHeldElsewhereSkips(t *testing.T) {
	b := broker.NewMemoryBroker()
	defer b.Close()
	registry := newFakeRegistry()
	store := &memStore{}
	w := New(b, runstream.NewLog(b), registry, thread.NewManager(store, &scriptedClient{}), nil, "test-instance", nil)

	req := seedRun(t, registry, store)
	_, err := b.SetNX(context.Background(), RunLockKey(req.RunID), "other-instance", time.Minute)
	require.NoError(t, err)

	require.NoError(t, w.Execute(context.Background(), req))
	assert.Equal(t, models.RunStatusQueued, registry.status(req.RunID), "run untouched")

	// The foreign lock survives.
	owner, held, err := b.Get(context.Background(), RunLockKey(req.RunID))
	require.NoError(t, err)
	require.True(t, held)
	assert.Equal(t, "other-instance", owner)
}

func TestExecute_StopSignalStopsRun(t *testing.T) {
	b := broker.NewMemoryBroker()
	defer b.Close()
	registry := newFakeRegistry()
	store := &memStore{}
	client := &blockingClient{started: make(chan struct{})}
	w := New(b, runstream.NewLog(b), registry, thread.NewManager(store, client), nil, "test-instance", nil)

	req := seedRun(t, registry, store)

	done := make(chan error, 1)
	go func() { done <- w.Execute(context.Background(), req) }()

	<-client.started
	require.NoError(t, b.Set(context.Background(), StopKey(req.RunID), "STOP", time.Minute))
	require.NoError(t, b.Publish(context.Background(), runstream.ControlChannel(req.RunID), runstream.ControlStop))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not stop")
	}

	assert.Equal(t, models.RunStatusStopped, registry.status(req.RunID))
	events := logEvents(t, b, req.RunID)
	last := events[len(events)-1]
	assert.Equal(t, models.StatusEventStopped, last.Status)
}

func TestExecute_StreamErrorFailsRun(t *testing.T) {
	b := broker.NewMemoryBroker()
	defer b.Close()
	registry := newFakeRegistry()
	store := &memStore{}
	client := &erroringClient{}
	w := New(b, runstream.NewLog(b), registry, thread.NewManager(store, client), nil, "test-instance", nil)

	req := seedRun(t, registry, store)
	require.NoError(t, w.Execute(context.Background(), req))

	assert.Equal(t, models.RunStatusFailed, registry.status(req.RunID))
	run, err := registry.Get(context.Background(), req.RunID)
	require.NoError(t, err)
	assert.Contains(t, run.Error, "provider exploded")
	require.NotNil(t, run.CompletedAt)

	events := logEvents(t, b, req.RunID)
	last := events[len(events)-1]
	assert.Equal(t, models.StatusEventFailed, last.Status)
}

// erroringClient fails the stream after one chunk.
type erroringClient struct{}

func (c *erroringClient) Stream(_ context.Context, _ llm.Request) (<-chan llm.Chunk, <-chan error) {
	out := make(chan llm.Chunk, 1)
	out <- llm.Chunk{Text: "partial"}
	close(out)
	errs := make(chan error, 1)
	errs <- llmError("provider exploded")
	close(errs)
	return out, errs
}

type llmError string

func (e llmError) Error() string { return string(e) }
