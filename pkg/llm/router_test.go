package llm

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedClient plays back a fixed sequence of outcomes, one per Stream call.
type scriptedClient struct {
	calls    int
	models   []string
	outcomes []scriptedOutcome
}

type scriptedOutcome struct {
	chunks []Chunk
	err    error
}

func (s *scriptedClient) Stream(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 16)
	errs := make(chan error, 1)
	s.models = append(s.models, req.Model)

	outcome := scriptedOutcome{}
	if s.calls < len(s.outcomes) {
		outcome = s.outcomes[s.calls]
	}
	s.calls++

	go func() {
		defer close(chunks)
		defer close(errs)
		for _, ch := range outcome.chunks {
			chunks <- ch
		}
		if outcome.err != nil {
			errs <- outcome.err
		}
	}()
	return chunks, errs
}

func rateLimitErr() error {
	return &ProviderError{Provider: "test", Status: http.StatusTooManyRequests, Class: ClassRateLimit, Cause: errors.New("429")}
}

func collectStream(t *testing.T, chunks <-chan Chunk, errs <-chan error) ([]Chunk, error) {
	t.Helper()
	var out []Chunk
	var streamErr error
	deadline := time.After(5 * time.Second)
	for chunks != nil || errs != nil {
		select {
		case ch, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			out = append(out, ch)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			streamErr = err
		case <-deadline:
			t.Fatal("timed out draining stream")
		}
	}
	return out, streamErr
}

func TestRouter_ResolvesByModelName(t *testing.T) {
	anth := &scriptedClient{outcomes: []scriptedOutcome{{chunks: []Chunk{{Text: "a"}, {FinishReason: FinishStop}}}}}
	oai := &scriptedClient{outcomes: []scriptedOutcome{{chunks: []Chunk{{Text: "o"}, {FinishReason: FinishStop}}}}}
	r := NewRouter(anth, oai)

	chunks, errs := r.Stream(context.Background(), Request{Model: "claude-sonnet-4", Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	got, err := collectStream(t, chunks, errs)
	require.NoError(t, err)
	assert.Equal(t, "a", got[0].Text)
	assert.Equal(t, 1, anth.calls)
	assert.Equal(t, 0, oai.calls)

	chunks, errs = r.Stream(context.Background(), Request{Model: "gpt-4o", Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	got, err = collectStream(t, chunks, errs)
	require.NoError(t, err)
	assert.Equal(t, "o", got[0].Text)
	assert.Equal(t, 1, oai.calls)
}

func TestRouter_RetriesAfterRateLimit(t *testing.T) {
	anth := &scriptedClient{outcomes: []scriptedOutcome{
		{err: rateLimitErr()},
		{chunks: []Chunk{{Text: "recovered"}, {FinishReason: FinishStop}}},
	}}
	r := NewRouter(anth, nil, WithRateLimitWait(time.Millisecond))

	chunks, errs := r.Stream(context.Background(), Request{Model: "claude-sonnet-4", Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	got, err := collectStream(t, chunks, errs)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "recovered", got[0].Text)
	assert.Equal(t, 2, anth.calls)
}

func TestRouter_FallsBackToOpenRouter(t *testing.T) {
	anth := &scriptedClient{outcomes: []scriptedOutcome{
		{err: rateLimitErr()},
		{err: rateLimitErr()},
	}}
	or := &scriptedClient{outcomes: []scriptedOutcome{
		{chunks: []Chunk{{Text: "via openrouter"}, {FinishReason: FinishStop}}},
	}}
	r := NewRouter(anth, nil, WithRateLimitWait(time.Millisecond), WithOpenRouter(or))

	chunks, errs := r.Stream(context.Background(), Request{Model: "claude-sonnet-4", Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	got, err := collectStream(t, chunks, errs)
	require.NoError(t, err)
	assert.Equal(t, "via openrouter", got[0].Text)
	assert.Equal(t, 2, anth.calls)
	require.Equal(t, 1, or.calls)
	assert.Equal(t, "anthropic/claude-sonnet-4", or.models[0])
}

func TestRouter_NoRetryAfterDeliveredChunks(t *testing.T) {
	anth := &scriptedClient{outcomes: []scriptedOutcome{
		{chunks: []Chunk{{Text: "partial"}}, err: rateLimitErr()},
	}}
	r := NewRouter(anth, nil, WithRateLimitWait(time.Millisecond))

	chunks, errs := r.Stream(context.Background(), Request{Model: "claude-sonnet-4", Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	got, err := collectStream(t, chunks, errs)
	require.Error(t, err)
	assert.Equal(t, ClassRateLimit, Classify(err))
	require.Len(t, got, 1)
	assert.Equal(t, 1, anth.calls, "a retry after delivered text would duplicate it")
}

func TestRouter_RetriesTransientFailures(t *testing.T) {
	transient := &ProviderError{Provider: "test", Status: http.StatusBadGateway, Class: ClassRetry, Cause: errors.New("502")}
	anth := &scriptedClient{outcomes: []scriptedOutcome{
		{err: transient},
		{err: transient},
		{chunks: []Chunk{{Text: "third time"}, {FinishReason: FinishStop}}},
	}}
	r := NewRouter(anth, nil, WithTransportBackoff(time.Millisecond))

	chunks, errs := r.Stream(context.Background(), Request{Model: "claude-sonnet-4", Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	got, err := collectStream(t, chunks, errs)
	require.NoError(t, err)
	assert.Equal(t, "third time", got[0].Text)
	assert.Equal(t, 3, anth.calls)
}

func TestRouter_TransientFailuresExhaustRetries(t *testing.T) {
	transient := &ProviderError{Provider: "test", Status: http.StatusBadGateway, Class: ClassRetry, Cause: errors.New("502")}
	anth := &scriptedClient{outcomes: []scriptedOutcome{
		{err: transient}, {err: transient}, {err: transient},
	}}
	r := NewRouter(anth, nil, WithTransportBackoff(time.Millisecond))

	chunks, errs := r.Stream(context.Background(), Request{Model: "claude-sonnet-4", Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	_, err := collectStream(t, chunks, errs)
	require.Error(t, err)
	assert.Equal(t, 3, anth.calls)
}

func TestRouter_NonRetryableErrorPassesThrough(t *testing.T) {
	badReq := &ProviderError{Provider: "test", Status: http.StatusBadRequest, Class: ClassNoRetry, Cause: errors.New("bad request")}
	anth := &scriptedClient{outcomes: []scriptedOutcome{{err: badReq}}}
	r := NewRouter(anth, nil, WithRateLimitWait(time.Millisecond))

	chunks, errs := r.Stream(context.Background(), Request{Model: "claude-sonnet-4", Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	_, err := collectStream(t, chunks, errs)
	require.Error(t, err)
	assert.Equal(t, 1, anth.calls)
}

func TestRouter_MissingProvider(t *testing.T) {
	r := NewRouter(nil, nil)
	chunks, errs := r.Stream(context.Background(), Request{Model: "gpt-4o"})
	_, err := collectStream(t, chunks, errs)
	require.Error(t, err)
}

func TestModelToOpenRouter(t *testing.T) {
	assert.Equal(t, "anthropic/claude-sonnet-4", modelToOpenRouter("claude-sonnet-4"))
	assert.Equal(t, "google/gemini-2.5-pro", modelToOpenRouter("gemini-2.5-pro"))
	assert.Equal(t, "deepseek/deepseek-chat", modelToOpenRouter("deepseek-chat"))
	assert.Equal(t, "openai/gpt-4o", modelToOpenRouter("gpt-4o"))
	assert.Equal(t, "anthropic/claude-3-haiku", modelToOpenRouter("anthropic/claude-3-haiku"))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ClassRateLimit, Classify(rateLimitErr()))
	assert.Equal(t, ClassRetry, Classify(errors.New("connection reset")))
	assert.Equal(t, ClassNoRetry, Classify(&ProviderError{Status: http.StatusUnauthorized, Class: ClassNoRetry}))
}
