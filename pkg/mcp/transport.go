package mcp

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/zyztek/suna-sub004/pkg/models"
)

// Transport variant names accepted in MCPConfig.Transport.
const (
	TransportStreamableHTTP = "streamable_http"
	TransportSSE            = "sse"
	TransportStdio          = "stdio"
	TransportComposio       = "composio"
	TransportPipedream      = "pipedream"
)

// createTransport builds an MCP SDK transport for one server config.
// Managed-credential variants (composio, pipedream) go through the resolver
// on every call so short-lived URLs and tokens stay fresh.
func createTransport(ctx context.Context, cfg models.MCPConfig, resolver Resolver) (mcpsdk.Transport, error) {
	switch cfg.Transport {
	case TransportStreamableHTTP, "http", "":
		return createHTTPTransport(cfg)
	case TransportSSE:
		return createSSETransport(cfg)
	case TransportStdio:
		return createStdioTransport(cfg)
	case TransportComposio:
		return createComposioTransport(ctx, cfg, resolver)
	case TransportPipedream:
		return createPipedreamTransport(ctx, cfg, resolver)
	default:
		return nil, fmt.Errorf("unsupported transport type: %s", cfg.Transport)
	}
}

func createHTTPTransport(cfg models.MCPConfig) (*mcpsdk.StreamableClientTransport, error) {
	serverURL, _ := cfg.Config["url"].(string)
	if serverURL == "" {
		return nil, fmt.Errorf("streamable_http transport requires url")
	}
	transport := &mcpsdk.StreamableClientTransport{
		Endpoint: serverURL,
	}
	if len(cfg.Headers) > 0 {
		transport.HTTPClient = buildHTTPClient(cfg.Headers)
	}
	return transport, nil
}

func createSSETransport(cfg models.MCPConfig) (*mcpsdk.SSEClientTransport, error) {
	serverURL, _ := cfg.Config["url"].(string)
	if serverURL == "" {
		return nil, fmt.Errorf("sse transport requires url")
	}
	transport := &mcpsdk.SSEClientTransport{
		Endpoint: serverURL,
	}
	if len(cfg.Headers) > 0 {
		transport.HTTPClient = buildHTTPClient(cfg.Headers)
	}
	return transport, nil
}

func createStdioTransport(cfg models.MCPConfig) (*mcpsdk.CommandTransport, error) {
	command, _ := cfg.Config["command"].(string)
	if command == "" {
		return nil, fmt.Errorf("stdio transport requires command")
	}

	cmd := exec.Command(command, stringSlice(cfg.Config["args"])...)

	// Inherit parent environment + config overrides.
	env := os.Environ()
	for k, v := range stringMap(cfg.Config["env"]) {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = env

	return &mcpsdk.CommandTransport{Command: cmd}, nil
}

func createComposioTransport(ctx context.Context, cfg models.MCPConfig, resolver Resolver) (*mcpsdk.StreamableClientTransport, error) {
	if resolver == nil {
		return nil, fmt.Errorf("composio transport requires a resolver")
	}
	profileID, _ := cfg.Config["profile_id"].(string)
	signedURL, err := resolver.ResolveComposio(ctx, profileID)
	if err != nil {
		return nil, err
	}
	// Auth rides in the signed URL; no extra headers.
	return &mcpsdk.StreamableClientTransport{Endpoint: signedURL}, nil
}

func createPipedreamTransport(ctx context.Context, cfg models.MCPConfig, resolver Resolver) (*mcpsdk.StreamableClientTransport, error) {
	if resolver == nil {
		return nil, fmt.Errorf("pipedream transport requires a resolver")
	}
	endpoint, headers, err := resolver.ResolvePipedream(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &mcpsdk.StreamableClientTransport{
		Endpoint:   endpoint,
		HTTPClient: buildHTTPClient(headers),
	}, nil
}

// buildHTTPClient creates an http.Client that attaches the given headers to
// every request.
func buildHTTPClient(headers map[string]string) *http.Client {
	return &http.Client{
		Transport: &headerTransport{
			base:    http.DefaultTransport,
			headers: headers,
		},
	}
}

// headerTransport wraps an http.RoundTripper to add fixed headers.
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.base.RoundTrip(req)
}

// stringSlice coerces a JSON-decoded array into []string, skipping non-string
// elements.
func stringSlice(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// stringMap coerces a JSON-decoded object into map[string]string.
func stringMap(v any) map[string]string {
	switch vals := v.(type) {
	case map[string]string:
		return vals
	case map[string]any:
		out := make(map[string]string, len(vals))
		for k, item := range vals {
			if s, ok := item.(string); ok {
				out[k] = s
			}
		}
		return out
	}
	return nil
}
