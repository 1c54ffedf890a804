package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// rateLimitWait is how long the router waits after a 429 before retrying
// the same provider.
const rateLimitWait = 30 * time.Second

// transportRetries bounds retries of transient connection failures.
const transportRetries = 2

// transportBackoffBase is the initial backoff for transient failures.
const transportBackoffBase = 500 * time.Millisecond

// Router picks a provider client by model name and handles rate-limit
// recovery: one timed retry against the same provider, then a reroute to
// OpenRouter when one is configured.
type Router struct {
	anthropic  Client
	openai     Client
	openrouter Client
	wait       time.Duration
	backoff    time.Duration
	logger     *slog.Logger
}

// RouterOption customizes a Router.
type RouterOption func(*Router)

// WithRateLimitWait overrides the 429 backoff (used in tests).
func WithRateLimitWait(d time.Duration) RouterOption {
	return func(r *Router) { r.wait = d }
}

// WithTransportBackoff overrides the transient-failure backoff base (tests).
func WithTransportBackoff(d time.Duration) RouterOption {
	return func(r *Router) { r.backoff = d }
}

// WithOpenRouter sets the fallback client for rate-limited requests.
func WithOpenRouter(c Client) RouterOption {
	return func(r *Router) { r.openrouter = c }
}

// NewRouter creates a Router over the given provider clients. Either client
// may be nil when that provider is not configured.
func NewRouter(anthropicClient, openaiClient Client, opts ...RouterOption) *Router {
	r := &Router{
		anthropic: anthropicClient,
		openai:    openaiClient,
		wait:      rateLimitWait,
		backoff:   transportBackoffBase,
		logger:    slog.With("component", "llm_router"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Stream resolves the provider for req.Model and streams from it. Before any
// chunk has been delivered, transient failures retry up to twice with
// exponential backoff, and a rate limit is waited out once; a rate limit that
// survives the wait reroutes to OpenRouter. Once chunks have flowed, errors
// pass through untouched — a mid-stream retry would duplicate delivered text.
func (r *Router) Stream(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	out := make(chan Chunk, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errs)

		client, err := r.resolve(req.Model)
		if err != nil {
			errs <- err
			return
		}

		backoff := r.backoff
		attempts := 0
		for {
			delivered, err := r.pipe(ctx, client, req, out)
			if err == nil || delivered {
				if err != nil {
					errs <- err
				}
				return
			}

			switch Classify(err) {
			case ClassRetry:
				if attempts >= transportRetries {
					errs <- err
					return
				}
				attempts++
				r.logger.Warn("Provider stream failed, retrying",
					"model", req.Model, "attempt", attempts, "error", err)
				select {
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				case <-time.After(backoff):
				}
				backoff *= 2

			case ClassRateLimit:
				r.rateLimited(ctx, client, req, out, errs)
				return

			default:
				errs <- err
				return
			}
		}
	}()

	return out, errs
}

// rateLimited waits out the rate-limit window once and retries; if still
// limited and an OpenRouter client exists, reroutes the request there.
func (r *Router) rateLimited(ctx context.Context, client Client, req Request, out chan<- Chunk, errs chan<- error) {
	r.logger.Warn("Rate limited, waiting before retry",
		"model", req.Model, "wait", r.wait)
	select {
	case <-ctx.Done():
		errs <- ctx.Err()
		return
	case <-time.After(r.wait):
	}

	delivered, err := r.pipe(ctx, client, req, out)
	if err == nil || delivered || Classify(err) != ClassRateLimit || r.openrouter == nil {
		if err != nil {
			errs <- err
		}
		return
	}

	fallbackReq := req
	fallbackReq.Model = modelToOpenRouter(req.Model)
	r.logger.Warn("Still rate limited, rerouting",
		"model", req.Model, "fallback_model", fallbackReq.Model)
	if _, err := r.pipe(ctx, r.openrouter, fallbackReq, out); err != nil {
		errs <- err
	}
}

// pipe forwards one provider stream into out. It reports whether any chunk
// was delivered, so callers know if a retry is still safe.
func (r *Router) pipe(ctx context.Context, client Client, req Request, out chan<- Chunk) (bool, error) {
	chunks, errs := client.Stream(ctx, req)
	delivered := false
	for chunks != nil || errs != nil {
		select {
		case ch, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			select {
			case out <- ch:
				delivered = true
			case <-ctx.Done():
				return delivered, ctx.Err()
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return delivered, err
			}
		}
	}
	return delivered, nil
}

// resolve picks the provider client for a model name. Models already
// namespaced with a provider prefix ("anthropic/...") go to OpenRouter.
func (r *Router) resolve(model string) (Client, error) {
	name := strings.ToLower(model)
	switch {
	case strings.Contains(name, "/"):
		if r.openrouter == nil {
			return nil, fmt.Errorf("model %q requires an OpenRouter client", model)
		}
		return r.openrouter, nil
	case strings.Contains(name, "claude") || strings.Contains(name, "anthropic"):
		if r.anthropic == nil {
			return nil, fmt.Errorf("model %q requires an Anthropic client", model)
		}
		return r.anthropic, nil
	default:
		if r.openai == nil {
			return nil, fmt.Errorf("model %q requires an OpenAI-compatible client", model)
		}
		return r.openai, nil
	}
}

// modelToOpenRouter maps a bare model name onto OpenRouter's namespaced form.
func modelToOpenRouter(model string) string {
	name := strings.ToLower(model)
	switch {
	case strings.Contains(name, "/"):
		return model
	case strings.Contains(name, "claude"):
		return "anthropic/" + model
	case strings.Contains(name, "gemini"):
		return "google/" + model
	case strings.Contains(name, "deepseek"):
		return "deepseek/" + model
	default:
		return "openai/" + model
	}
}
