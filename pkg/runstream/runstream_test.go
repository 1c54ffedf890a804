package runstream

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zyztek/suna-sub004/pkg/broker"
	"github.com/zyztek/suna-sub004/pkg/models"
)

func collectN(t *testing.T, s *Stream, n int) []Item {
	t.Helper()
	items := make([]Item, 0, n)
	deadline := time.After(2 * time.Second)
	for len(items) < n {
		select {
		case item, ok := <-s.C():
			require.True(t, ok, "stream closed after %d of %d items", len(items), n)
			items = append(items, item)
		case <-deadline:
			t.Fatalf("timed out after %d of %d items", len(items), n)
		}
	}
	return items
}

func requireClosed(t *testing.T, s *Stream) {
	t.Helper()
	select {
	case item, ok := <-s.C():
		require.False(t, ok, "expected closed stream, got item %+v", item)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream close")
	}
}

func chunkText(t *testing.T, e models.Event) string {
	t.Helper()
	var c models.AssistantContent
	require.NoError(t, json.Unmarshal(e.Content, &c))
	return c.Content
}

func TestLog_AppendAndSubscribeLive(t *testing.T) {
	b := broker.NewMemoryBroker()
	defer b.Close()
	log := NewLog(b)
	ctx := context.Background()

	w := log.Writer("run-1")
	for i := 0; i < 3; i++ {
		require.NoError(t, w.Append(ctx, models.NewAssistantChunkEvent("t1", fmt.Sprintf("c%d", i), i)))
	}

	s, err := log.Subscribe(ctx, "run-1", 0)
	require.NoError(t, err)
	defer s.Close()

	items := collectN(t, s, 3)
	for i, item := range items {
		assert.Equal(t, i, item.Index)
		assert.Equal(t, fmt.Sprintf("c%d", i), chunkText(t, item.Event))
	}

	// Live append after catch-up arrives with the next index.
	require.NoError(t, w.Append(ctx, models.NewAssistantChunkEvent("t1", "c3", 3)))
	live := collectN(t, s, 1)
	assert.Equal(t, 3, live[0].Index)
	assert.Equal(t, "c3", chunkText(t, live[0].Event))

	require.NoError(t, w.Append(ctx, models.NewStatusEvent("t1", models.StatusEventCompleted, "", "")))
	require.NoError(t, w.Finish(ctx, ControlEndStream))

	final := collectN(t, s, 1)
	assert.Equal(t, models.EventTypeStatus, final[0].Event.Type)
	requireClosed(t, s)
	assert.Equal(t, ControlEndStream, s.Control())
	assert.NoError(t, s.Err())
}

func TestLog_ResumeFromCursorAfterDisconnect(t *testing.T) {
	b := broker.NewMemoryBroker()
	defer b.Close()
	log := NewLog(b)
	ctx := context.Background()

	w := log.Writer("run-2")
	for i := 0; i < 10; i++ {
		require.NoError(t, w.Append(ctx, models.NewAssistantChunkEvent("t1", fmt.Sprintf("c%d", i), i)))
	}

	s1, err := log.Subscribe(ctx, "run-2", 0)
	require.NoError(t, err)
	got := collectN(t, s1, 10)
	assert.Equal(t, 9, got[9].Index)
	s1.Close()

	// Producer keeps going while the consumer is away.
	for i := 10; i < 15; i++ {
		require.NoError(t, w.Append(ctx, models.NewAssistantChunkEvent("t1", fmt.Sprintf("c%d", i), i)))
	}

	// Reconnect at cursor 10: the missed events arrive first, no duplicates.
	s2, err := log.Subscribe(ctx, "run-2", 10)
	require.NoError(t, err)
	defer s2.Close()

	missed := collectN(t, s2, 5)
	for i, item := range missed {
		assert.Equal(t, 10+i, item.Index)
		assert.Equal(t, fmt.Sprintf("c%d", 10+i), chunkText(t, item.Event))
	}

	// Then live delivery continues seamlessly.
	for i := 15; i < 18; i++ {
		require.NoError(t, w.Append(ctx, models.NewAssistantChunkEvent("t1", fmt.Sprintf("c%d", i), i)))
	}
	tail := collectN(t, s2, 3)
	assert.Equal(t, 17, tail[2].Index)

	require.NoError(t, w.Append(ctx, models.NewStatusEvent("t1", models.StatusEventCompleted, "", "")))
	require.NoError(t, w.Finish(ctx, ControlEndStream))
	collectN(t, s2, 1)
	requireClosed(t, s2)
	assert.Equal(t, ControlEndStream, s2.Control())
}

func TestLog_SubscribeAfterTerminal(t *testing.T) {
	b := broker.NewMemoryBroker()
	defer b.Close()
	log := NewLog(b)
	ctx := context.Background()

	w := log.Writer("run-3")
	require.NoError(t, w.Append(ctx, models.NewAssistantChunkEvent("t1", "hello", 0)))
	require.NoError(t, w.Append(ctx, models.NewStatusEvent("t1", models.StatusEventStopped, "stopped by user", "")))
	require.NoError(t, w.Finish(ctx, ControlStop))

	// A late subscriber still gets the whole log, then an immediate close
	// with the control token inferred from the terminal status event.
	s, err := log.Subscribe(ctx, "run-3", 0)
	require.NoError(t, err)
	defer s.Close()

	items := collectN(t, s, 2)
	assert.Equal(t, models.EventTypeAssistantChunk, items[0].Event.Type)
	assert.Equal(t, models.EventTypeStatus, items[1].Event.Type)
	assert.Equal(t, models.StatusEventStopped, items[1].Event.Status)

	requireClosed(t, s)
	assert.Equal(t, ControlStop, s.Control())
}

func TestLog_CursorPastEndWaitsForLiveEvents(t *testing.T) {
	b := broker.NewMemoryBroker()
	defer b.Close()
	log := NewLog(b)
	ctx := context.Background()

	w := log.Writer("run-4")
	require.NoError(t, w.Append(ctx, models.NewAssistantChunkEvent("t1", "only", 0)))

	s, err := log.Subscribe(ctx, "run-4", 5)
	require.NoError(t, err)
	defer s.Close()

	select {
	case item := <-s.C():
		t.Fatalf("unexpected delivery before cursor reached: %+v", item)
	case <-time.After(50 * time.Millisecond):
	}

	// Appends below the cursor stay invisible; the first delivery is the
	// event at the cursor position.
	for i := 1; i < 7; i++ {
		require.NoError(t, w.Append(ctx, models.NewAssistantChunkEvent("t1", fmt.Sprintf("c%d", i), i)))
	}
	items := collectN(t, s, 2)
	assert.Equal(t, 5, items[0].Index)
	assert.Equal(t, "c5", chunkText(t, items[0].Event))
}

func TestLog_NegativeCursorRejected(t *testing.T) {
	b := broker.NewMemoryBroker()
	defer b.Close()
	log := NewLog(b)

	_, err := log.Subscribe(context.Background(), "run-5", -1)
	require.Error(t, err)
}

func TestLog_ErrorControlToken(t *testing.T) {
	b := broker.NewMemoryBroker()
	defer b.Close()
	log := NewLog(b)
	ctx := context.Background()

	s, err := log.Subscribe(ctx, "run-6", 0)
	require.NoError(t, err)
	defer s.Close()

	w := log.Writer("run-6")
	require.NoError(t, w.Append(ctx, models.NewStatusEvent("t1", models.StatusEventError, "llm exploded", "")))
	require.NoError(t, w.Finish(ctx, ControlError))

	collectN(t, s, 1)
	requireClosed(t, s)
	assert.Equal(t, ControlError, s.Control())
}
