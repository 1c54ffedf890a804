package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/zyztek/suna-sub004/pkg/models"
)

// Default endpoints for the managed-credential transports. Both are
// overridable for tests and self-hosted proxies.
const (
	DefaultComposioBaseURL   = "https://backend.composio.dev"
	DefaultPipedreamMCPURL   = "https://remote.mcp.pipedream.net"
	DefaultPipedreamTokenURL = "https://api.pipedream.com/v1/oauth/token"
)

// tokenExpirySlack is subtracted from a token's lifetime so we refresh
// before the remote side rejects it.
const tokenExpirySlack = 30 * time.Second

// Resolver turns managed-credential configs (composio, pipedream) into
// concrete endpoints and auth headers. Implementations cache tokens; the
// pool calls these on every invoke because sessions are not reused.
type Resolver interface {
	// ResolveComposio exchanges a profile ID for the profile's signed MCP
	// server URL. Auth is embedded in the returned URL.
	ResolveComposio(ctx context.Context, profileID string) (string, error)

	// ResolvePipedream returns the fixed remote-MCP endpoint plus the OAuth
	// bearer and x-pd-* routing headers for the given config.
	ResolvePipedream(ctx context.Context, cfg models.MCPConfig) (string, map[string]string, error)
}

// HTTPResolver is the production Resolver. Composio URLs are fetched per
// profile; Pipedream access tokens come from a client-credentials grant and
// are cached until shortly before expiry.
type HTTPResolver struct {
	httpClient *http.Client

	composioBaseURL string
	composioAPIKey  string

	pipedreamMCPURL       string
	pipedreamTokenURL     string
	pipedreamClientID     string
	pipedreamClientSecret string
	pipedreamProjectID    string
	pipedreamEnvironment  string

	tokenMu     sync.Mutex
	token       string
	tokenExpiry time.Time
}

// ResolverConfig configures an HTTPResolver. Empty URLs fall back to the
// production defaults.
type ResolverConfig struct {
	ComposioBaseURL string
	ComposioAPIKey  string

	PipedreamMCPURL       string
	PipedreamTokenURL     string
	PipedreamClientID     string
	PipedreamClientSecret string
	PipedreamProjectID    string
	PipedreamEnvironment  string

	HTTPClient *http.Client
}

// NewHTTPResolver creates a Resolver over the given credentials.
func NewHTTPResolver(cfg ResolverConfig) *HTTPResolver {
	r := &HTTPResolver{
		httpClient:            cfg.HTTPClient,
		composioBaseURL:       cfg.ComposioBaseURL,
		composioAPIKey:        cfg.ComposioAPIKey,
		pipedreamMCPURL:       cfg.PipedreamMCPURL,
		pipedreamTokenURL:     cfg.PipedreamTokenURL,
		pipedreamClientID:     cfg.PipedreamClientID,
		pipedreamClientSecret: cfg.PipedreamClientSecret,
		pipedreamProjectID:    cfg.PipedreamProjectID,
		pipedreamEnvironment:  cfg.PipedreamEnvironment,
	}
	if r.httpClient == nil {
		r.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if r.composioBaseURL == "" {
		r.composioBaseURL = DefaultComposioBaseURL
	}
	if r.pipedreamMCPURL == "" {
		r.pipedreamMCPURL = DefaultPipedreamMCPURL
	}
	if r.pipedreamTokenURL == "" {
		r.pipedreamTokenURL = DefaultPipedreamTokenURL
	}
	if r.pipedreamEnvironment == "" {
		r.pipedreamEnvironment = "production"
	}
	return r
}

// ResolveComposio fetches the signed MCP URL for a connected profile.
func (r *HTTPResolver) ResolveComposio(ctx context.Context, profileID string) (string, error) {
	if profileID == "" {
		return "", errors.New("composio transport requires profile_id")
	}
	if r.composioAPIKey == "" {
		return "", errors.New("composio API key is not configured")
	}

	endpoint := fmt.Sprintf("%s/api/v3/mcp/servers/%s/url", r.composioBaseURL, url.PathEscape(profileID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("x-api-key", r.composioAPIKey)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("resolve composio profile %q: %w", profileID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("resolve composio profile %q: status %d: %s", profileID, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("resolve composio profile %q: %w", profileID, err)
	}
	if payload.URL == "" {
		return "", fmt.Errorf("resolve composio profile %q: empty url in response", profileID)
	}
	return payload.URL, nil
}

// ResolvePipedream returns the remote-MCP endpoint and per-user headers.
func (r *HTTPResolver) ResolvePipedream(ctx context.Context, cfg models.MCPConfig) (string, map[string]string, error) {
	appSlug, _ := cfg.Config["app_slug"].(string)
	if appSlug == "" {
		return "", nil, errors.New("pipedream transport requires app_slug")
	}
	externalUserID := cfg.ExternalUserID
	if externalUserID == "" {
		externalUserID, _ = cfg.Config["external_user_id"].(string)
	}
	if externalUserID == "" {
		return "", nil, errors.New("pipedream transport requires external_user_id")
	}

	token, err := r.pipedreamToken(ctx)
	if err != nil {
		return "", nil, err
	}

	headers := map[string]string{
		"Authorization":         "Bearer " + token,
		"x-pd-project-id":       r.pipedreamProjectID,
		"x-pd-environment":      r.pipedreamEnvironment,
		"x-pd-external-user-id": externalUserID,
		"x-pd-app-slug":         appSlug,
	}
	if oauthAppID, _ := cfg.Config["oauth_app_id"].(string); oauthAppID != "" {
		headers["x-pd-oauth-app-id"] = oauthAppID
	}
	return r.pipedreamMCPURL, headers, nil
}

// pipedreamToken returns a cached access token, refreshing it via the
// client-credentials grant when absent or about to expire.
func (r *HTTPResolver) pipedreamToken(ctx context.Context) (string, error) {
	r.tokenMu.Lock()
	defer r.tokenMu.Unlock()

	if r.token != "" && time.Now().Before(r.tokenExpiry) {
		return r.token, nil
	}

	if r.pipedreamClientID == "" || r.pipedreamClientSecret == "" {
		return "", errors.New("pipedream credentials are not configured")
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {r.pipedreamClientID},
		"client_secret": {r.pipedreamClientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.pipedreamTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("pipedream token: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("pipedream token: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("pipedream token: %w", err)
	}
	if payload.AccessToken == "" {
		return "", errors.New("pipedream token: empty access_token in response")
	}

	ttl := time.Duration(payload.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	r.token = payload.AccessToken
	r.tokenExpiry = time.Now().Add(ttl - tokenExpirySlack)
	return r.token, nil
}
