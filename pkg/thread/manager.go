package thread

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/zyztek/suna-sub004/pkg/contextmgr"
	"github.com/zyztek/suna-sub004/pkg/llm"
	"github.com/zyztek/suna-sub004/pkg/models"
	"github.com/zyztek/suna-sub004/pkg/processor"
	"github.com/zyztek/suna-sub004/pkg/tools"
)

// Manager owns the conversation side of a run: message persistence, history
// preparation, and driving one assistant turn end to end.
type Manager struct {
	store  MessageStore
	llm    llm.Client
	logger *slog.Logger
}

// NewManager creates a thread manager over a message store and an LLM client.
func NewManager(store MessageStore, llmClient llm.Client) *Manager {
	return &Manager{
		store:  store,
		llm:    llmClient,
		logger: slog.With("component", "thread_manager"),
	}
}

// AddMessage persists one message on a thread and returns the stored record.
func (m *Manager) AddMessage(ctx context.Context, threadID, msgType string, content json.RawMessage, isLLMMessage bool, metadata json.RawMessage) (*models.Message, error) {
	msg := &models.Message{
		ThreadID:     threadID,
		Type:         msgType,
		Content:      content,
		IsLLMMessage: isLLMMessage,
		Metadata:     metadata,
	}
	stored, err := m.store.AddMessage(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("adding %s message to thread %s: %w", msgType, threadID, err)
	}
	return stored, nil
}

// GetLLMMessages loads a thread's LLM-visible history in order. Pending
// image_context messages are folded into the most recent user message and
// their standalone rows deleted, so an attachment reaches the model exactly
// once.
func (m *Manager) GetLLMMessages(ctx context.Context, threadID string) ([]models.Message, error) {
	stored, err := m.store.ListMessages(ctx, threadID, true)
	if err != nil {
		return nil, fmt.Errorf("listing messages for thread %s: %w", threadID, err)
	}

	var (
		out    []models.Message
		images []models.Message
	)
	for _, msg := range stored {
		if msg.Type == models.MessageTypeImageContext {
			images = append(images, *msg)
			continue
		}
		out = append(out, *msg)
	}
	if len(images) == 0 {
		return out, nil
	}

	if idx := latestUserIndex(out); idx >= 0 {
		attached, err := attachImages(out[idx], images)
		if err != nil {
			m.logger.Warn("Failed to attach image context", "thread_id", threadID, "error", err)
		} else {
			out[idx] = attached
		}
	}

	for _, img := range images {
		if err := m.store.DeleteMessage(ctx, img.MessageID); err != nil {
			m.logger.Warn("Failed to delete consumed image context",
				"thread_id", threadID, "message_id", img.MessageID, "error", err)
		}
	}
	return out, nil
}

func latestUserIndex(msgs []models.Message) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Type == models.MessageTypeUser {
			return i
		}
	}
	return -1
}

// attachImages appends each image payload to the user message's content,
// wrapped so the model sees it as contextual attachment rather than prose.
func attachImages(user models.Message, images []models.Message) (models.Message, error) {
	mc, err := user.DecodeContent()
	if err != nil {
		return user, fmt.Errorf("decoding user message content: %w", err)
	}
	for _, img := range images {
		mc.Content += "\n\n<image_context>" + string(img.Content) + "</image_context>"
	}
	raw, err := json.Marshal(mc)
	if err != nil {
		return user, err
	}
	user.Content = raw
	return user, nil
}

// RunOptions configures one assistant turn.
type RunOptions struct {
	SystemPrompt string
	Model        string
	Temperature  float32
	MaxTokens    int

	EnableThinking  bool
	ReasoningEffort string

	// TemporaryMessage is appended after the history for this turn only and
	// never persisted.
	TemporaryMessage *llm.Message

	// EnableContextManager compresses the history to the model's budget
	// before the request is built.
	EnableContextManager bool

	Registry  *tools.Registry
	Processor processor.Config
}

// RunThread drives one assistant turn: load history, compress, prompt,
// stream, process. The returned turn carries the ordered event stream; the
// processor persists assistant and tool messages as it finalizes them.
func (m *Manager) RunThread(ctx context.Context, threadID string, opts RunOptions) (*processor.Turn, error) {
	history, err := m.GetLLMMessages(ctx, threadID)
	if err != nil {
		return nil, err
	}

	if opts.EnableContextManager {
		history = contextmgr.Compress(history, opts.Model, 0)
	}

	systemPrompt := opts.SystemPrompt
	if opts.Processor.XMLToolCalling && opts.Registry != nil {
		if usage := opts.Registry.XMLUsage(); usage != "" {
			systemPrompt += "\n\n" + usage
		}
	}

	messages := make([]llm.Message, 0, len(history)+2)
	if systemPrompt != "" {
		messages = append(messages, llm.Message{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, toLLMMessages(history)...)
	if opts.TemporaryMessage != nil {
		messages = append(messages, *opts.TemporaryMessage)
	}

	req := llm.Request{
		Model:             opts.Model,
		Messages:          messages,
		Temperature:       opts.Temperature,
		MaxTokens:         opts.MaxTokens,
		EnableThinking:    opts.EnableThinking,
		ReasoningEffort:   opts.ReasoningEffort,
		NativeToolCalling: opts.Processor.NativeToolCalling,
	}
	if opts.Processor.NativeToolCalling && opts.Registry != nil {
		req.Tools = opts.Registry.Definitions()
	}

	m.logger.Info("Starting assistant turn",
		"thread_id", threadID, "model", opts.Model, "messages", len(messages))

	chunks, errs := m.llm.Stream(ctx, req)
	proc := processor.New(threadID, opts.Registry, m.store, opts.Processor)
	return proc.Process(ctx, chunks, errs), nil
}

// toLLMMessages converts stored history into provider request messages.
// Tool results keep only their output text; the arguments already appear in
// the preceding assistant message.
func toLLMMessages(history []models.Message) []llm.Message {
	out := make([]llm.Message, 0, len(history))
	for _, msg := range history {
		switch msg.Type {
		case models.MessageTypeTool:
			var content models.ToolExecutionContent
			if err := json.Unmarshal(msg.Content, &content); err == nil && content.ToolExecution.FunctionName != "" {
				text := content.ToolExecution.Result.Output
				if !content.ToolExecution.Result.Success {
					text = "Error: " + content.ToolExecution.Result.Error
				}
				out = append(out, llm.Message{
					Role:    "tool",
					Content: fmt.Sprintf("Result of %s: %s", content.ToolExecution.FunctionName, text),
				})
				continue
			}
			out = append(out, llm.Message{Role: "tool", Content: string(msg.Content)})

		case models.MessageTypeUser, models.MessageTypeAssistant, models.MessageTypeSummary:
			if mc, err := msg.DecodeContent(); err == nil && mc.Content != "" {
				role := mc.Role
				if role == "" {
					role = msg.Type
				}
				if msg.Type == models.MessageTypeSummary {
					role = "user"
				}
				out = append(out, llm.Message{Role: role, Content: mc.Content})
				continue
			}
			out = append(out, llm.Message{Role: msg.Type, Content: string(msg.Content)})

		default:
			// browser_state and friends carry structured context the model
			// reads as-is.
			out = append(out, llm.Message{Role: "user", Content: string(msg.Content)})
		}
	}
	return out
}
