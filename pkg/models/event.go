// Package models defines the wire-level records shared across the runtime:
// run events, thread messages, agent runs, and agent configuration.
package models

import (
	"encoding/json"
	"time"
)

// Event type discriminators. Every entry appended to a run's event log
// carries exactly one of these in its "type" field.
const (
	EventTypeAssistantChunk       = "assistant_chunk"
	EventTypeAssistant            = "assistant"
	EventTypeAssistantResponseEnd = "assistant_response_end"
	EventTypeTool                 = "tool"
	EventTypeStatus               = "status"
	EventTypeBrowserState         = "browser_state"
	EventTypeImageContext         = "image_context"
	EventTypeSummary              = "summary"
)

// Status values carried by status events. Terminal run statuses reuse the
// RunStatus constants; "error" additionally appears on stream-level failures.
const (
	StatusEventRunning   = "running"
	StatusEventCompleted = "completed"
	StatusEventFailed    = "failed"
	StatusEventStopped   = "stopped"
	StatusEventError     = "error"

	// Tool lifecycle markers, also carried as status events.
	StatusEventToolStarted   = "tool_started"
	StatusEventToolCompleted = "tool_completed"
)

// Event is one entry in a run's append-only event log. The shapes per type
// are pinned by the constructors below — callers never assemble Events by
// hand, so each type value has exactly one field layout.
type Event struct {
	Type      string          `json:"type"`
	ThreadID  string          `json:"thread_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Sequence  *int            `json:"sequence,omitempty"`
	MessageID *string         `json:"message_id"`
	Content   json.RawMessage `json:"content,omitempty"`

	// Status-event fields.
	Status       string `json:"status,omitempty"`
	Message      string `json:"message,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// AssistantContent is the content payload of assistant and assistant_chunk
// events.
type AssistantContent struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolExecutionContent is the content payload of tool events.
type ToolExecutionContent struct {
	ToolExecution ToolExecution `json:"tool_execution"`
}

// ToolExecution records one tool invocation and its result.
type ToolExecution struct {
	FunctionName string         `json:"function_name"`
	Arguments    map[string]any `json:"arguments"`
	Result       ToolResult     `json:"result"`
}

// ToolResult is the structured outcome of a tool invocation.
type ToolResult struct {
	Success bool   `json:"success"`
	Output  string `json:"output"`
	Error   string `json:"error,omitempty"`
}

// NewAssistantChunkEvent builds an assistant_chunk event carrying one text
// delta. Sequence is monotonic within a run; MessageID is always null for
// chunks (they never persist as messages).
func NewAssistantChunkEvent(threadID, delta string, sequence int) Event {
	content, _ := json.Marshal(AssistantContent{Role: "assistant", Content: delta})
	return Event{
		Type:      EventTypeAssistantChunk,
		ThreadID:  threadID,
		CreatedAt: time.Now().UTC(),
		Sequence:  &sequence,
		Content:   content,
	}
}

// NewAssistantEvent builds the finalized assistant message event.
func NewAssistantEvent(threadID, messageID, text string) Event {
	content, _ := json.Marshal(AssistantContent{Role: "assistant", Content: text})
	return Event{
		Type:      EventTypeAssistant,
		ThreadID:  threadID,
		CreatedAt: time.Now().UTC(),
		MessageID: &messageID,
		Content:   content,
	}
}

// NewToolEvent builds a tool event with the execution record.
func NewToolEvent(threadID, messageID string, exec ToolExecution) Event {
	content, _ := json.Marshal(ToolExecutionContent{ToolExecution: exec})
	return Event{
		Type:      EventTypeTool,
		ThreadID:  threadID,
		CreatedAt: time.Now().UTC(),
		MessageID: &messageID,
		Content:   content,
	}
}

// NewStatusEvent builds a status event. message and finishReason may be empty.
func NewStatusEvent(threadID, status, message, finishReason string) Event {
	return Event{
		Type:         EventTypeStatus,
		ThreadID:     threadID,
		CreatedAt:    time.Now().UTC(),
		Status:       status,
		Message:      message,
		FinishReason: finishReason,
	}
}

// ToolStatusContent is the content payload of tool_started/tool_completed
// status events.
type ToolStatusContent struct {
	CallID       string `json:"call_id"`
	FunctionName string `json:"function_name"`
	Source       string `json:"source,omitempty"` // "xml" | "native"
	Success      *bool  `json:"success,omitempty"`
}

// NewToolStatusEvent builds a tool_started or tool_completed status event.
func NewToolStatusEvent(threadID, status string, c ToolStatusContent) Event {
	content, _ := json.Marshal(c)
	return Event{
		Type:      EventTypeStatus,
		ThreadID:  threadID,
		CreatedAt: time.Now().UTC(),
		Status:    status,
		Content:   content,
	}
}

// NewAssistantResponseEndEvent marks the end of one assistant turn.
func NewAssistantResponseEndEvent(threadID, finishReason string) Event {
	return Event{
		Type:         EventTypeAssistantResponseEnd,
		ThreadID:     threadID,
		CreatedAt:    time.Now().UTC(),
		FinishReason: finishReason,
	}
}

// NewOpaqueEvent builds a browser_state, image_context, or summary event with
// caller-supplied structured content.
func NewOpaqueEvent(eventType, threadID, messageID string, content json.RawMessage) Event {
	e := Event{
		Type:      eventType,
		ThreadID:  threadID,
		CreatedAt: time.Now().UTC(),
		Content:   content,
	}
	if messageID != "" {
		e.MessageID = &messageID
	}
	return e
}

// IsTerminalStatus reports whether a status event value ends the run.
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusEventCompleted, StatusEventFailed, StatusEventStopped, StatusEventError:
		return true
	}
	return false
}
