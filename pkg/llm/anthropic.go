package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// defaultAnthropicMaxTokens is used when the request does not set MaxTokens.
const defaultAnthropicMaxTokens = 8192

// thinkingBudgetTokens is the extended-thinking budget when thinking is on.
const thinkingBudgetTokens = 10000

// AnthropicClient streams completions from the Anthropic Messages API.
type AnthropicClient struct {
	client anthropic.Client
}

// AnthropicConfig configures an AnthropicClient.
type AnthropicConfig struct {
	APIKey  string
	BaseURL string
}

// NewAnthropicClient creates a client for the Anthropic Messages API.
func NewAnthropicClient(cfg AnthropicConfig) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicClient{client: anthropic.NewClient(opts...)}, nil
}

// Stream issues a streaming Messages request and adapts events into Chunks.
// Tool input JSON is accumulated across deltas and the call is emitted once
// its content block closes.
func (c *AnthropicClient) Stream(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 64)
	errs := make(chan error, 1)

	params, err := c.buildParams(req)
	if err != nil {
		close(chunks)
		errs <- err
		close(errs)
		return chunks, errs
	}

	go func() {
		defer close(chunks)
		defer close(errs)

		stream := c.client.Messages.NewStreaming(ctx, *params)
		defer func() { _ = stream.Close() }()

		var currentTool *ToolCall
		var toolInput strings.Builder
		var usage Usage
		finishReason := FinishStop

		emit := func(ch Chunk) bool {
			select {
			case chunks <- ch:
				return true
			case <-ctx.Done():
				errs <- ctx.Err()
				return false
			}
		}

		for stream.Next() {
			switch ev := stream.Current().AsAny().(type) {
			case anthropic.MessageStartEvent:
				usage.InputTokens = int(ev.Message.Usage.InputTokens)

			case anthropic.ContentBlockStartEvent:
				if toolUse, ok := ev.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
					currentTool = &ToolCall{ID: toolUse.ID, Name: toolUse.Name}
					toolInput.Reset()
				}

			case anthropic.ContentBlockDeltaEvent:
				switch delta := ev.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if delta.Text != "" && !emit(Chunk{Text: delta.Text}) {
						return
					}
				case anthropic.ThinkingDelta:
					if delta.Thinking != "" && !emit(Chunk{Thinking: delta.Thinking}) {
						return
					}
				case anthropic.InputJSONDelta:
					toolInput.WriteString(delta.PartialJSON)
				}

			case anthropic.ContentBlockStopEvent:
				if currentTool != nil {
					currentTool.Arguments = toolInput.String()
					if currentTool.Arguments == "" {
						currentTool.Arguments = "{}"
					}
					finishReason = FinishToolCalls
					if !emit(Chunk{ToolCall: currentTool}) {
						return
					}
					currentTool = nil
				}

			case anthropic.MessageDeltaEvent:
				usage.OutputTokens = int(ev.Usage.OutputTokens)
				switch ev.Delta.StopReason {
				case anthropic.StopReasonMaxTokens:
					finishReason = FinishLength
				case anthropic.StopReasonToolUse:
					finishReason = FinishToolCalls
				}

			case anthropic.MessageStopEvent:
				emit(Chunk{FinishReason: finishReason, Usage: &usage})
				return
			}
		}
		if err := stream.Err(); err != nil {
			errs <- wrapProviderError("anthropic", req.Model, err)
			return
		}
		// Stream ended without message_stop; still report what we have.
		emit(Chunk{FinishReason: finishReason, Usage: &usage})
	}()

	return chunks, errs
}

func (c *AnthropicClient) buildParams(req Request) (*anthropic.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("anthropic: messages are required")
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	msgs, system, err := encodeAnthropicMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	params := &anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if len(system) > 0 {
		// Cache the system prompt: it repeats verbatim on every turn of a
		// run, which is exactly the prompt-caching sweet spot.
		system[len(system)-1].CacheControl = anthropic.NewCacheControlEphemeralParam()
		params.System = system
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(req.Temperature))
	}
	if req.EnableThinking {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(thinkingBudgetTokens)
	}
	if req.NativeToolCalling && len(req.Tools) > 0 {
		tools, err := encodeAnthropicTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}
	return params, nil
}

func encodeAnthropicMessages(msgs []Message) ([]anthropic.MessageParam, []anthropic.TextBlockParam, error) {
	conversation := make([]anthropic.MessageParam, 0, len(msgs))
	var system []anthropic.TextBlockParam

	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			system = append(system, anthropic.TextBlockParam{Text: m.Content})

		case RoleUser:
			conversation = append(conversation, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))

		case RoleAssistant:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input any
				if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
					return nil, nil, fmt.Errorf("anthropic: tool call %s arguments: %w", tc.Name, err)
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(blocks) > 0 {
				conversation = append(conversation, anthropic.NewAssistantMessage(blocks...))
			}

		case RoleTool:
			conversation = append(conversation,
				anthropic.NewUserMessage(anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false)))

		default:
			return nil, nil, fmt.Errorf("anthropic: unsupported role %q", m.Role)
		}
	}
	return conversation, system, nil
}

func encodeAnthropicTools(defs []ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	tools := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		raw, err := json.Marshal(def.Parameters)
		if err != nil {
			return nil, fmt.Errorf("anthropic: tool %q schema: %w", def.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: tool %q schema: %w", def.Name, err)
		}
		u := anthropic.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = anthropic.String(def.Description)
		}
		tools = append(tools, u)
	}
	return tools, nil
}
