package models

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of an agent run.
// Transitions only move queued → running → {completed | failed | stopped};
// terminal states are sticky.
type RunStatus string

// Run lifecycle states.
const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusStopped   RunStatus = "stopped"
)

// Terminal reports whether the status is a terminal state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusStopped:
		return true
	}
	return false
}

// AgentRun is the persistent record of one run.
type AgentRun struct {
	RunID       string          `json:"run_id"`
	ThreadID    string          `json:"thread_id"`
	Status      RunStatus       `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Error       string          `json:"error,omitempty"`
	Responses   []Event         `json:"responses,omitempty"`
	Model       string          `json:"model"`
	AgentConfig json.RawMessage `json:"agent_config_snapshot,omitempty"`
}

// AgentConfig is the per-run agent configuration snapshot carried on the work
// queue and persisted with the run.
type AgentConfig struct {
	SystemPrompt string          `json:"system_prompt"`
	Tools        map[string]bool `json:"tools,omitempty"`
	MCPs         []MCPConfig     `json:"mcps,omitempty"`
	CustomMCPs   []MCPConfig     `json:"custom_mcps,omitempty"`
}

// RunRequest is the work-queue message consumed by run workers.
type RunRequest struct {
	RunID                string      `json:"run_id"`
	ThreadID             string      `json:"thread_id"`
	AccountID            string      `json:"account_id,omitempty"`
	InstanceID           string      `json:"instance_id"`
	ProjectID            string      `json:"project_id,omitempty"`
	Model                string      `json:"model"`
	EnableThinking       bool        `json:"enable_thinking,omitempty"`
	ReasoningEffort      string      `json:"reasoning_effort,omitempty"` // "low" | "medium" | "high"
	Stream               bool        `json:"stream"`
	EnableContextManager bool        `json:"enable_context_manager"`
	AgentConfig          AgentConfig `json:"agent_config"`
	IsAgentBuilder       bool        `json:"is_agent_builder,omitempty"`
	TargetAgentID        string      `json:"target_agent_id,omitempty"`
	RequestID            string      `json:"request_id,omitempty"`
}
