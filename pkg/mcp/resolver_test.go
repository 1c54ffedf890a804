package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zyztek/suna-sub004/pkg/models"
)

func TestHTTPResolver_ResolveComposio(t *testing.T) {
	var gotKey atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey.Store(r.Header.Get("x-api-key"))
		require.Equal(t, "/api/v3/mcp/servers/profile-123/url", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]string{"url": "https://mcp.composio.test/signed?sig=abc"})
	}))
	defer srv.Close()

	r := NewHTTPResolver(ResolverConfig{
		ComposioBaseURL: srv.URL,
		ComposioAPIKey:  "ck_test",
	})

	url, err := r.ResolveComposio(context.Background(), "profile-123")
	require.NoError(t, err)
	assert.Equal(t, "https://mcp.composio.test/signed?sig=abc", url)
	assert.Equal(t, "ck_test", gotKey.Load())
}

func TestHTTPResolver_ResolveComposioMissingProfile(t *testing.T) {
	r := NewHTTPResolver(ResolverConfig{ComposioAPIKey: "ck_test"})
	_, err := r.ResolveComposio(context.Background(), "")
	require.Error(t, err)
}

func TestHTTPResolver_ResolvePipedreamCachesToken(t *testing.T) {
	var tokenRequests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenRequests.Add(1)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "client_credentials", r.Form.Get("grant_type"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok_abc",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	r := NewHTTPResolver(ResolverConfig{
		PipedreamTokenURL:     srv.URL,
		PipedreamClientID:     "cid",
		PipedreamClientSecret: "secret",
		PipedreamProjectID:    "proj_1",
	})

	cfg := models.MCPConfig{
		QualifiedName:  "slack",
		Transport:      TransportPipedream,
		Config:         map[string]any{"app_slug": "slack"},
		ExternalUserID: "user-42",
	}

	endpoint, headers, err := r.ResolvePipedream(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, DefaultPipedreamMCPURL, endpoint)
	assert.Equal(t, "Bearer tok_abc", headers["Authorization"])
	assert.Equal(t, "proj_1", headers["x-pd-project-id"])
	assert.Equal(t, "production", headers["x-pd-environment"])
	assert.Equal(t, "user-42", headers["x-pd-external-user-id"])
	assert.Equal(t, "slack", headers["x-pd-app-slug"])

	// Second resolve reuses the cached token.
	_, _, err = r.ResolvePipedream(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, int32(1), tokenRequests.Load())
}

func TestHTTPResolver_ResolvePipedreamValidation(t *testing.T) {
	r := NewHTTPResolver(ResolverConfig{})

	_, _, err := r.ResolvePipedream(context.Background(), models.MCPConfig{
		Config: map[string]any{},
	})
	require.Error(t, err, "app_slug is required")

	_, _, err = r.ResolvePipedream(context.Background(), models.MCPConfig{
		Config: map[string]any{"app_slug": "slack"},
	})
	require.Error(t, err, "external_user_id is required")
}
