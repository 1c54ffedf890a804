package tools

import (
	"context"
	"fmt"
)

// RegisterBuiltins adds the core control-flow tools every agent gets:
// ask and complete end the run (handing control back to the user), echo is a
// trivial diagnostic tool. enabled filters by name; nil enables all.
func RegisterBuiltins(r *Registry, enabled map[string]bool) error {
	builtins := []Definition{
		askDefinition(),
		completeDefinition(),
		echoDefinition(),
	}
	for _, def := range builtins {
		if enabled != nil && !enabled[def.Name] {
			continue
		}
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func askDefinition() Definition {
	return Definition{
		Name:        "ask",
		Description: "Ask the user a question and wait for their reply. Ends the current run; the conversation resumes when the user answers.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{
					"type":        "string",
					"description": "The question to present to the user.",
				},
				"attachments": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Optional file paths to show alongside the question.",
				},
			},
			"required": []any{"text"},
		},
		TerminatesRun: true,
		Dispatcher: func(_ context.Context, args map[string]any) (Result, error) {
			text, _ := args["text"].(string)
			return Result{Success: true, Output: text}, nil
		},
	}
}

func completeDefinition() Definition {
	return Definition{
		Name:        "complete",
		Description: "Signal that the task is finished. Ends the current run.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{
					"type":        "string",
					"description": "Optional closing summary for the user.",
				},
			},
		},
		TerminatesRun: true,
		Dispatcher: func(_ context.Context, args map[string]any) (Result, error) {
			text, _ := args["text"].(string)
			if text == "" {
				text = "Task completed."
			}
			return Result{Success: true, Output: text}, nil
		},
	}
}

func echoDefinition() Definition {
	return Definition{
		Name:        "echo",
		Description: "Echo the given text back. Used for connectivity checks.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
			"required": []any{"text"},
		},
		Dispatcher: func(_ context.Context, args map[string]any) (Result, error) {
			text, ok := args["text"].(string)
			if !ok {
				return Result{}, fmt.Errorf("text must be a string")
			}
			return Result{Success: true, Output: text}, nil
		},
	}
}
