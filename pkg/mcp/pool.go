// Package mcp connects agent runs to MCP (Model Context Protocol) servers:
// tool-catalog discovery with a broker-backed schema cache, and tool dispatch
// over fresh per-call sessions across five transport variants.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/zyztek/suna-sub004/pkg/broker"
	"github.com/zyztek/suna-sub004/pkg/models"
	"github.com/zyztek/suna-sub004/pkg/version"
)

// DefaultCacheTTL is how long a discovered tool catalog stays valid.
const DefaultCacheTTL = time.Hour

// defaultDiscoverParallelism bounds concurrent server initialization during
// discovery.
const defaultDiscoverParallelism = 4

// Tool is one tool exposed by an MCP server.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// Catalog is the discovered tool list for one server.
type Catalog struct {
	QualifiedName string    `json:"qualified_name"`
	Tools         []Tool    `json:"tools"`
	FetchedAt     time.Time `json:"fetched_at"`
}

// Result is the outcome of one tool invocation. IsError mirrors the MCP
// isError flag: the server ran the tool and it failed.
type Result struct {
	Content string
	IsError bool
}

// Pool discovers tool catalogs and dispatches tool calls. It holds no
// persistent sessions: every invoke opens a transport, initializes, calls,
// and closes. Discovery cost is amortized by the broker-backed schema cache,
// which survives worker restarts.
type Pool struct {
	broker   broker.Broker
	resolver Resolver
	cacheTTL time.Duration
	parallel int
	logger   *slog.Logger

	// dial is swapped in tests to wire sessions to in-memory servers.
	dial func(ctx context.Context, cfg models.MCPConfig) (mcpsdk.Transport, error)
}

// PoolOption customizes a Pool.
type PoolOption func(*Pool)

// WithCacheTTL overrides the schema-cache TTL.
func WithCacheTTL(ttl time.Duration) PoolOption {
	return func(p *Pool) { p.cacheTTL = ttl }
}

// WithDiscoverParallelism bounds concurrent server connections during
// discovery.
func WithDiscoverParallelism(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.parallel = n
		}
	}
}

// withDialer replaces the transport factory (tests wire in-memory servers).
func withDialer(dial func(ctx context.Context, cfg models.MCPConfig) (mcpsdk.Transport, error)) PoolOption {
	return func(p *Pool) { p.dial = dial }
}

// NewPool creates a Pool. The resolver may be nil when no composio/pipedream
// servers are configured.
func NewPool(b broker.Broker, resolver Resolver, opts ...PoolOption) *Pool {
	p := &Pool{
		broker:   b,
		resolver: resolver,
		cacheTTL: DefaultCacheTTL,
		parallel: defaultDiscoverParallelism,
		logger:   slog.With("component", "mcp_pool"),
	}
	p.dial = func(ctx context.Context, cfg models.MCPConfig) (mcpsdk.Transport, error) {
		return createTransport(ctx, cfg, p.resolver)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Discover fetches tool catalogs for all configs with bounded parallelism.
// Failed servers are reported in the second return value and their tools are
// simply absent; partial failure is never fatal. Catalogs come back in config
// order with the EnabledTools filter already applied.
func (p *Pool) Discover(ctx context.Context, configs []models.MCPConfig) ([]Catalog, map[string]error) {
	results := make([]*Catalog, len(configs))
	failures := make(map[string]error)

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, p.parallel)

	for i, cfg := range configs {
		wg.Add(1)
		go func(i int, cfg models.MCPConfig) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				mu.Lock()
				failures[cfg.QualifiedName] = ctx.Err()
				mu.Unlock()
				return
			}

			catalog, err := p.discoverOne(ctx, cfg)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures[cfg.QualifiedName] = err
				p.logger.Warn("MCP server discovery failed",
					"server", cfg.QualifiedName, "error", err)
				return
			}
			results[i] = catalog
		}(i, cfg)
	}
	wg.Wait()

	catalogs := make([]Catalog, 0, len(configs))
	for _, c := range results {
		if c != nil {
			catalogs = append(catalogs, *c)
		}
	}
	return catalogs, failures
}

// discoverOne returns the catalog for one server, from cache when fresh.
func (p *Pool) discoverOne(ctx context.Context, cfg models.MCPConfig) (*Catalog, error) {
	cacheKey := schemaCacheKey(cfg)

	if cached, ok, err := p.broker.Get(ctx, cacheKey); err == nil && ok {
		var catalog Catalog
		if err := json.Unmarshal([]byte(cached), &catalog); err == nil {
			p.logger.Debug("MCP schema cache hit", "server", cfg.QualifiedName)
			return filterCatalog(&catalog, cfg.EnabledTools), nil
		}
		// Corrupt cache entry: fall through to a live fetch.
		_ = p.broker.Delete(ctx, cacheKey)
	}

	session, err := p.openSession(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = session.Close() }()

	opCtx, cancel := context.WithTimeout(ctx, OperationTimeout)
	defer cancel()

	listed, err := session.ListTools(opCtx, nil)
	if err != nil {
		return nil, fmt.Errorf("list tools from %q: %w", cfg.QualifiedName, err)
	}

	catalog := &Catalog{
		QualifiedName: cfg.QualifiedName,
		Tools:         make([]Tool, 0, len(listed.Tools)),
		FetchedAt:     time.Now().UTC(),
	}
	for _, t := range listed.Tools {
		catalog.Tools = append(catalog.Tools, Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schemaToMap(t.InputSchema),
		})
	}

	if raw, err := json.Marshal(catalog); err == nil {
		if err := p.broker.Set(ctx, cacheKey, string(raw), p.cacheTTL); err != nil {
			p.logger.Warn("MCP schema cache write failed",
				"server", cfg.QualifiedName, "error", err)
		}
	}

	return filterCatalog(catalog, cfg.EnabledTools), nil
}

// Invoke dispatches one tool call over a fresh session. Transport and
// timeout failures are retried up to twice with jittered backoff; a result
// with IsError set means the server ran the tool and it failed — that is
// returned as-is and never retried.
func (p *Pool) Invoke(ctx context.Context, cfg models.MCPConfig, toolName string, args map[string]any) (Result, error) {
	if len(cfg.EnabledTools) > 0 && !slices.Contains(cfg.EnabledTools, toolName) {
		return Result{}, &CallError{
			Kind:   KindNotFound,
			Server: cfg.QualifiedName,
			Tool:   toolName,
			Cause:  fmt.Errorf("tool is disabled by config"),
		}
	}

	var lastErr *CallError
	for attempt := 1; attempt <= maxInvokeAttempts; attempt++ {
		result, err := p.invokeOnce(ctx, cfg, toolName, args)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}

		lastErr = &CallError{
			Kind:   classifyError(err),
			Server: cfg.QualifiedName,
			Tool:   toolName,
			Cause:  err,
		}
		if !lastErr.Kind.Retryable() || attempt == maxInvokeAttempts {
			return Result{}, lastErr
		}

		backoff := RetryBackoffMin + rand.N(RetryBackoffMax-RetryBackoffMin)
		p.logger.Info("MCP call failed, retrying",
			"server", cfg.QualifiedName, "tool", toolName,
			"attempt", attempt, "kind", lastErr.Kind.String(), "error", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	return Result{}, lastErr
}

// invokeOnce performs one open → call → close cycle.
func (p *Pool) invokeOnce(ctx context.Context, cfg models.MCPConfig, toolName string, args map[string]any) (Result, error) {
	session, err := p.openSession(ctx, cfg)
	if err != nil {
		return Result{}, err
	}
	defer func() { _ = session.Close() }()

	opCtx, cancel := context.WithTimeout(ctx, OperationTimeout)
	defer cancel()

	result, err := session.CallTool(opCtx, &mcpsdk.CallToolParams{
		Name:      toolName,
		Arguments: args,
	})
	if err != nil {
		return Result{}, err
	}

	return Result{
		Content: extractTextContent(result),
		IsError: result.IsError,
	}, nil
}

// openSession creates a transport and completes the MCP handshake.
func (p *Pool) openSession(ctx context.Context, cfg models.MCPConfig) (*mcpsdk.ClientSession, error) {
	transport, err := p.dial(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create transport for %q: %w", cfg.QualifiedName, err)
	}

	initCtx, cancel := context.WithTimeout(ctx, InitTimeout)
	defer cancel()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    version.AppName,
		Version: version.GitCommit,
	}, nil)

	session, err := client.Connect(initCtx, transport, nil)
	if err != nil {
		// Close the transport if it implements io.Closer to avoid leaking
		// resources (e.g., stdio child processes).
		if closer, ok := transport.(io.Closer); ok {
			_ = closer.Close()
		}
		return nil, fmt.Errorf("connect to %q: %w", cfg.QualifiedName, err)
	}
	return session, nil
}

// filterCatalog applies the EnabledTools allowlist. An empty list means all
// tools are enabled.
func filterCatalog(catalog *Catalog, enabled []string) *Catalog {
	if len(enabled) == 0 {
		return catalog
	}
	filtered := &Catalog{
		QualifiedName: catalog.QualifiedName,
		Tools:         make([]Tool, 0, len(enabled)),
		FetchedAt:     catalog.FetchedAt,
	}
	for _, t := range catalog.Tools {
		if slices.Contains(enabled, t.Name) {
			filtered.Tools = append(filtered.Tools, t)
		}
	}
	return filtered
}

// extractTextContent concatenates TextContent items from a tool result.
// Non-text content (images, embedded resources) is skipped.
func extractTextContent(result *mcpsdk.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// schemaToMap converts the SDK's schema representation into a plain map for
// catalog serialization.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}
