// Package llm provides streaming chat-completion clients for the model
// providers behind agent runs, plus a router that picks a provider by model
// name and handles rate-limit fallback.
package llm

import "context"

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one chat message in a completion request.
type Message struct {
	Role    string
	Content string

	// ToolCallID ties a tool-role message to the call it answers.
	ToolCallID string

	// ToolCalls carries prior assistant tool calls in native-calling mode.
	ToolCalls []ToolCall
}

// ToolDefinition describes one callable tool in OpenAPI function format.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolCall is one tool invocation requested by the model. Arguments is the
// raw JSON argument object.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Request is a streaming completion request.
type Request struct {
	Model           string
	Messages        []Message
	Tools           []ToolDefinition
	Temperature     float32
	MaxTokens       int
	EnableThinking  bool
	ReasoningEffort string // "low" | "medium" | "high"

	// NativeToolCalling sends Tools to the provider. When false the tools
	// are described in the prompt and calls arrive as XML in the text.
	NativeToolCalling bool
}

// Usage reports token consumption for a completed stream.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Chunk is one increment of a streaming completion. Exactly one of Text,
// Thinking, or ToolCall is set on content chunks; FinishReason and Usage
// arrive on the final chunk.
type Chunk struct {
	Text     string
	Thinking string

	// ToolCall is a fully accumulated native tool call. Providers buffer
	// argument deltas internally and emit the call once complete.
	ToolCall *ToolCall

	FinishReason string
	Usage        *Usage
}

// Finish reasons on the final chunk of a stream.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
	FinishLength    = "length"
)

// Client streams chat completions. Chunks are delivered on the first channel
// until it closes; a terminal failure, if any, is delivered on the second.
type Client interface {
	Stream(ctx context.Context, req Request) (<-chan Chunk, <-chan error)
}
