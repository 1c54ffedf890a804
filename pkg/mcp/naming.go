package mcp

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
)

// maxToolNameLen is the identifier length limit shared by the function-calling
// providers (OpenAI enforces 64; Anthropic accepts more but 64 keeps names
// portable across reroutes).
const maxToolNameLen = 64

// NamespacedToolName builds the tool name presented to the LLM:
// mcp_<qualified_name>_<tool_name>, sanitized to the providers' identifier
// alphabet. Names over the limit are truncated with a stable hash suffix so
// the same (server, tool) pair always maps to the same identifier.
func NamespacedToolName(qualifiedName, toolName string) string {
	name := "mcp_" + sanitizeName(qualifiedName) + "_" + sanitizeName(toolName)
	if len(name) <= maxToolNameLen {
		return name
	}
	sum := sha256.Sum256([]byte(name))
	suffix := "_" + hex.EncodeToString(sum[:4])
	return name[:maxToolNameLen-len(suffix)] + suffix
}

// sanitizeName maps arbitrary server/tool names onto [A-Za-z0-9_-].
// Qualified names like "@scope/server" become "scope_server".
func sanitizeName(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return strings.Trim(b.String(), "_")
}

// ToolRef identifies a tool on a specific MCP server.
type ToolRef struct {
	QualifiedName string
	ToolName      string
}

// NameMap maintains the reverse mapping from namespaced (possibly truncated)
// tool names back to the server and raw tool name. Populated during
// discovery, read during dispatch.
type NameMap struct {
	mu sync.RWMutex
	m  map[string]ToolRef
}

// NewNameMap creates an empty NameMap.
func NewNameMap() *NameMap {
	return &NameMap{m: make(map[string]ToolRef)}
}

// Register records the mapping for (qualifiedName, toolName) and returns the
// namespaced name. Registering the same pair twice is idempotent.
func (n *NameMap) Register(qualifiedName, toolName string) string {
	name := NamespacedToolName(qualifiedName, toolName)
	n.mu.Lock()
	n.m[name] = ToolRef{QualifiedName: qualifiedName, ToolName: toolName}
	n.mu.Unlock()
	return name
}

// Resolve returns the server and raw tool name behind a namespaced name.
func (n *NameMap) Resolve(name string) (ToolRef, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	ref, ok := n.m[name]
	return ref, ok
}

// Names returns all registered namespaced names.
func (n *NameMap) Names() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	names := make([]string, 0, len(n.m))
	for name := range n.m {
		names = append(names, name)
	}
	return names
}
