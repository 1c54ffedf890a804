package llm

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIClient streams completions from any OpenAI-compatible Chat
// Completions endpoint. With a BaseURL it also serves OpenRouter, DeepSeek,
// and Gemini's compatibility surface.
type OpenAIClient struct {
	client   *openai.Client
	provider string
}

// OpenAIConfig configures an OpenAIClient.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string

	// Provider names the endpoint in errors and logs ("openai",
	// "openrouter", ...). Defaults to "openai".
	Provider string
}

// NewOpenAIClient creates a client for an OpenAI-compatible endpoint.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	provider := cfg.Provider
	if provider == "" {
		provider = "openai"
	}
	return &OpenAIClient{
		client:   openai.NewClientWithConfig(clientCfg),
		provider: provider,
	}, nil
}

// Stream issues a streaming chat completion and adapts deltas into Chunks.
// Tool call fragments are accumulated per index and emitted complete when
// the stream finishes with tool_calls.
func (c *OpenAIClient) Stream(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 64)
	errs := make(chan error, 1)

	request, err := c.buildRequest(req)
	if err != nil {
		close(chunks)
		errs <- err
		close(errs)
		return chunks, errs
	}

	go func() {
		defer close(chunks)
		defer close(errs)

		stream, err := c.client.CreateChatCompletionStream(ctx, *request)
		if err != nil {
			errs <- wrapProviderError(c.provider, req.Model, err)
			return
		}
		defer stream.Close()

		pending := make(map[int]*ToolCall)
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

		flushToolCalls := func() bool {
			indices := make([]int, 0, len(pending))
			for i := range pending {
				indices = append(indices, i)
			}
			sort.Ints(indices)
			for _, i := range indices {
				tc := pending[i]
				if tc.ID == "" || tc.Name == "" {
					continue
				}
				if tc.Arguments == "" {
					tc.Arguments = "{}"
				}
				if !emit(Chunk{ToolCall: tc}) {
					return false
				}
			}
			pending = make(map[int]*ToolCall)
			return true
		}

		for {
			response, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				if !flushToolCalls() {
					return
				}
				emit(Chunk{FinishReason: finishReason, Usage: &usage})
				return
			}
			if err != nil {
				errs <- wrapProviderError(c.provider, req.Model, err)
				return
			}

			if response.Usage != nil {
				usage.InputTokens = response.Usage.PromptTokens
				usage.OutputTokens = response.Usage.CompletionTokens
			}
			if len(response.Choices) == 0 {
				continue
			}
			choice := response.Choices[0]

			if choice.Delta.Content != "" {
				if !emit(Chunk{Text: choice.Delta.Content}) {
					return
				}
			}

			for _, tc := range choice.Delta.ToolCalls {
				index := 0
				if tc.Index != nil {
					index = *tc.Index
				}
				call := pending[index]
				if call == nil {
					call = &ToolCall{}
					pending[index] = call
				}
				if tc.ID != "" {
					call.ID = tc.ID
				}
				if tc.Function.Name != "" {
					call.Name = tc.Function.Name
				}
				call.Arguments += tc.Function.Arguments
			}

			switch choice.FinishReason {
			case openai.FinishReasonToolCalls:
				finishReason = FinishToolCalls
				if !flushToolCalls() {
					return
				}
			case openai.FinishReasonLength:
				finishReason = FinishLength
			case openai.FinishReasonStop:
				finishReason = FinishStop
			}
		}
	}()

	return chunks, errs
}

func (c *OpenAIClient) buildRequest(req Request) (*openai.ChatCompletionRequest, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("openai: messages are required")
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msg := openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
		if m.ToolCallID != "" {
			msg.ToolCallID = m.ToolCallID
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		messages = append(messages, msg)
	}

	request := &openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.ReasoningEffort != "" {
		request.ReasoningEffort = req.ReasoningEffort
	}
	if req.NativeToolCalling && len(req.Tools) > 0 {
		tools := make([]openai.Tool, 0, len(req.Tools))
		for _, def := range req.Tools {
			tools = append(tools, openai.Tool{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        def.Name,
					Description: def.Description,
					Parameters:  def.Parameters,
				},
			})
		}
		request.Tools = tools
	}
	return request, nil
}
