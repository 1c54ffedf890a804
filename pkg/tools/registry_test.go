package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zyztek/suna-sub004/pkg/mcp"
	"github.com/zyztek/suna-sub004/pkg/models"
)

func newEchoRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r, nil))
	return r
}

func TestRegistry_DispatchBuiltin(t *testing.T) {
	r := newEchoRegistry(t)

	result, err := r.Dispatch(context.Background(), "echo", map[string]any{"text": "hello"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "hello", result.Output)
}

func TestRegistry_DispatchUnknownTool(t *testing.T) {
	r := newEchoRegistry(t)

	_, err := r.Dispatch(context.Background(), "does_not_exist", nil)
	var unknownErr *ErrUnknownTool
	require.ErrorAs(t, err, &unknownErr)
	assert.Equal(t, "does_not_exist", unknownErr.Name)
}

func TestRegistry_DispatchValidatesArgs(t *testing.T) {
	r := newEchoRegistry(t)

	// "text" is required by the echo schema.
	_, err := r.Dispatch(context.Background(), "echo", map[string]any{"other": 1})
	var invalidErr *ErrInvalidArgs
	require.ErrorAs(t, err, &invalidErr)
	assert.Equal(t, "echo", invalidErr.Name)

	// Wrong type is also rejected before the dispatcher runs.
	_, err = r.Dispatch(context.Background(), "echo", map[string]any{"text": 42})
	require.ErrorAs(t, err, &invalidErr)
}

func TestRegistry_TerminatesRun(t *testing.T) {
	r := newEchoRegistry(t)

	assert.True(t, r.TerminatesRun("ask"))
	assert.True(t, r.TerminatesRun("complete"))
	assert.False(t, r.TerminatesRun("echo"))
	assert.False(t, r.TerminatesRun("missing"))
}

func TestRegistry_BuiltinFilter(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r, map[string]bool{"complete": true}))

	assert.True(t, r.Has("complete"))
	assert.False(t, r.Has("ask"))
	assert.False(t, r.Has("echo"))
}

func TestRegistry_Definitions(t *testing.T) {
	r := newEchoRegistry(t)

	defs := r.Definitions()
	require.Len(t, defs, 3)
	// Sorted by name: ask, complete, echo.
	assert.Equal(t, "ask", defs[0].Name)
	assert.Equal(t, "complete", defs[1].Name)
	assert.Equal(t, "echo", defs[2].Name)
	assert.NotNil(t, defs[0].Parameters)
}

func TestRegistry_XMLUsage(t *testing.T) {
	r := newEchoRegistry(t)

	usage := r.XMLUsage()
	assert.Contains(t, usage, `<invoke name="ask">`)
	assert.Contains(t, usage, `<parameter name="text">`)
	assert.Contains(t, usage, "</function_calls>")
}

// fakeInvoker scripts MCP dispatch outcomes.
type fakeInvoker struct {
	lastTool string
	lastArgs map[string]any
	result   mcp.Result
	err      error
}

func (f *fakeInvoker) Invoke(_ context.Context, _ models.MCPConfig, toolName string, args map[string]any) (mcp.Result, error) {
	f.lastTool = toolName
	f.lastArgs = args
	return f.result, f.err
}

func TestRegisterMCPCatalog(t *testing.T) {
	r := NewRegistry()
	invoker := &fakeInvoker{result: mcp.Result{Content: "3 open PRs"}}
	nameMap := mcp.NewNameMap()

	cfg := models.MCPConfig{QualifiedName: "github", Transport: "streamable_http"}
	catalog := mcp.Catalog{
		QualifiedName: "github",
		Tools: []mcp.Tool{{
			Name:        "list_prs",
			Description: "List open pull requests",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"repo": map[string]any{"type": "string"}},
			},
		}},
	}
	require.NoError(t, RegisterMCPCatalog(r, invoker, cfg, catalog, nameMap))

	namespaced := "mcp_github_list_prs"
	require.True(t, r.Has(namespaced))

	ref, ok := nameMap.Resolve(namespaced)
	require.True(t, ok)
	assert.Equal(t, "list_prs", ref.ToolName)

	result, err := r.Dispatch(context.Background(), namespaced, map[string]any{"repo": "org/repo"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "3 open PRs", result.Output)
	assert.Equal(t, "list_prs", invoker.lastTool, "the proxy strips the namespace before dispatch")
}

func TestRegisterMCPCatalog_RemoteError(t *testing.T) {
	r := NewRegistry()
	invoker := &fakeInvoker{result: mcp.Result{Content: "permission denied", IsError: true}}

	cfg := models.MCPConfig{QualifiedName: "github"}
	catalog := mcp.Catalog{Tools: []mcp.Tool{{Name: "delete_repo"}}}
	require.NoError(t, RegisterMCPCatalog(r, invoker, cfg, catalog, mcp.NewNameMap()))

	result, err := r.Dispatch(context.Background(), "mcp_github_delete_repo", nil)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "permission denied", result.Output)
}

func TestRegistry_DispatcherErrorPassthrough(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("subprocess crashed")
	require.NoError(t, r.Register(Definition{
		Name: "crashy",
		Dispatcher: func(context.Context, map[string]any) (Result, error) {
			return Result{}, boom
		},
	}))

	_, err := r.Dispatch(context.Background(), "crashy", nil)
	assert.ErrorIs(t, err, boom)
}
