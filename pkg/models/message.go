package models

import (
	"encoding/json"
	"time"
)

// Message type discriminators. Thread messages carry exactly one of these.
const (
	MessageTypeUser                 = "user"
	MessageTypeAssistant            = "assistant"
	MessageTypeAssistantResponseEnd = "assistant_response_end"
	MessageTypeTool                 = "tool"
	MessageTypeStatus               = "status"
	MessageTypeSummary              = "summary"
	MessageTypeBrowserState         = "browser_state"
	MessageTypeImageContext         = "image_context"
)

// Message is one entry in a thread's append-only conversation history.
/// Content is structured but opaque to the runtime: the only requirement is
// that it round-trips as JSON.
type Message struct {
	MessageID    string          `json:"message_id"`
	ThreadID     string          `json:"thread_id"`
	Type         string          `json:"type"`
	Role         string          `json:"role,omitempty"`
	Content      json.RawMessage `json:"content"`
	IsLLMMessage bool            `json:"is_llm_message"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// MessageContent is the conventional content shape for LLM-visible messages.
// Role mirrors the OpenAI chat roles; Content is free-form text.
type MessageContent struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// DecodeContent unmarshals the message content into MessageContent. Messages
// with non-conversational content (browser_state, image_context) fail here
// and are handled by type before decoding.
func (m *Message) DecodeContent() (MessageContent, error) {
	var c MessageContent
	err := json.Unmarshal(m.Content, &c)
	return c, err
}

// MCPConfig describes one MCP server attached to an agent.
// Transport selects the variant; the remaining fields are per-variant.
type MCPConfig struct {
	QualifiedName  string            `json:"qualified_name"`
	DisplayName    string            `json:"display_name,omitempty"`
	Transport      string            `json:"transport"` // streamable_http | sse | stdio | composio | pipedream
	Config         map[string]any    `json:"config,omitempty"`
	EnabledTools   []string          `json:"enabled_tools,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	ExternalUserID string            `json:"external_user_id,omitempty"`
}
