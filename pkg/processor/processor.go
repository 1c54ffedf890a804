// Package processor turns one LLM chunk stream into an ordered event stream,
// discovering and executing tool calls along the way. One Processor serves
// one run; chunk sequence numbers are contiguous from 0 within each turn.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/zyztek/suna-sub004/pkg/llm"
	"github.com/zyztek/suna-sub004/pkg/models"
	"github.com/zyztek/suna-sub004/pkg/tools"
	"github.com/zyztek/suna-sub004/pkg/tools/xmlparse"
)

// MessageStore is the slice of thread persistence the processor needs to
// finalize assistant and tool messages.
type MessageStore interface {
	AddMessage(ctx context.Context, msg *models.Message) (*models.Message, error)
}

// Tool execution strategies.
const (
	StrategySequential = "sequential"
	StrategyParallel   = "parallel"
)

// Config selects the processor's tool-calling behavior for a run.
type Config struct {
	// XMLToolCalling parses inline XML invocations from streamed text.
	XMLToolCalling bool

	// NativeToolCalling honors provider-native tool calls on chunks.
	NativeToolCalling bool

	// ExecuteTools dispatches discovered calls. When false, calls are
	// surfaced as tool_started events but never run.
	ExecuteTools bool

	// ExecuteOnStream dispatches a call as soon as it is fully parsed
	// instead of after the assistant message finalizes.
	ExecuteOnStream bool

	// Strategy orders execution of multiple calls in one assistant turn.
	Strategy string

	// MaxXMLToolCalls caps XML calls per turn. 0 means unlimited.
	MaxXMLToolCalls int
}

// Outcome summarizes one processed turn. Valid once the event channel closes.
type Outcome struct {
	AssistantText string
	FinishReason  string
	Usage         *llm.Usage
	ToolCalls     int
	Terminated    bool
	Stopped       bool
	Err           error
}

// Turn is one in-flight assistant turn: an ordered event stream plus the
// outcome available after the stream closes.
type Turn struct {
	events  chan models.Event
	done    chan struct{}
	outcome Outcome
}

// Events returns the turn's ordered event stream. The channel closes when
// the turn finishes.
func (t *Turn) Events() <-chan models.Event { return t.events }

// Outcome blocks until the turn finishes and returns its summary.
func (t *Turn) Outcome() Outcome {
	<-t.done
	return t.outcome
}

// Processor drives assistant turns for one run's thread.
type Processor struct {
	threadID string
	registry *tools.Registry
	store    MessageStore
	cfg      Config
	parser   *xmlparse.Parser
	logger   *slog.Logger
}

// New creates a Processor. The parser recognizes the canonical invoke shape
// plus legacy bare tags for every registered tool name.
func New(threadID string, registry *tools.Registry, store MessageStore, cfg Config) *Processor {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategySequential
	}
	if registry == nil {
		registry = tools.NewRegistry()
	}
	return &Processor{
		threadID: threadID,
		registry: registry,
		store:    store,
		cfg:      cfg,
		parser:   xmlparse.NewParser(registry.Names()...),
		logger:   slog.With("component", "processor", "thread_id", threadID),
	}
}

// call is one discovered tool invocation.
type call struct {
	ID     string
	Name   string
	Args   map[string]any
	Source string // "xml" | "native"
}

// execution pairs a call with its eventual result in parallel mode.
type execution struct {
	call   call
	result models.ToolResult
	ready  chan struct{}
}

// Process consumes one LLM stream and returns the turn. Events are emitted
// in the order the run's event log must record them; the caller forwards
// them to the log.
func (p *Processor) Process(ctx context.Context, chunks <-chan llm.Chunk, errs <-chan error) *Turn {
	t := &Turn{
		events: make(chan models.Event, 64),
		done:   make(chan struct{}),
	}
	r := &turnRun{p: p, t: t, ctx: ctx}
	go r.run(chunks, errs)
	return t
}

// turnRun holds the mutable state of one Process invocation.
type turnRun struct {
	p   *Processor
	t   *Turn
	ctx context.Context

	text       strings.Builder
	xmlBuffer  string
	seq        int
	xmlCalls   int
	queued     []call
	inFlight   []*execution
	terminated bool
}

func (r *turnRun) run(chunks <-chan llm.Chunk, errs <-chan error) {
	defer close(r.t.done)
	defer close(r.t.events)

	var (
		streamErr error
		finish    string
		usage     *llm.Usage
	)

	for chunks != nil || errs != nil {
		select {
		case <-r.ctx.Done():
			r.markStopped()
			return

		case ch, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if !r.handleChunk(ch) {
				r.markStopped()
				return
			}
			if ch.FinishReason != "" {
				finish = ch.FinishReason
			}
			if ch.Usage != nil {
				usage = ch.Usage
			}

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				streamErr = err
			}
		}
	}

	r.t.outcome.AssistantText = r.text.String()
	r.t.outcome.FinishReason = finish
	r.t.outcome.Usage = usage

	if streamErr != nil {
		r.t.outcome.Err = streamErr
		r.emit(models.NewStatusEvent(r.p.threadID, models.StatusEventError, streamErr.Error(), finish))
		return
	}

	// Finalize the assistant message before any deferred tool dispatch, so
	// the log always shows the full assistant turn ahead of its tools.
	if r.text.Len() > 0 {
		messageID := r.persistAssistant(r.text.String())
		if !r.emit(models.NewAssistantEvent(r.p.threadID, messageID, r.text.String())) {
			r.markStopped()
			return
		}
	}

	// Collect on-stream parallel executions in discovery order.
	for _, exec := range r.inFlight {
		select {
		case <-exec.ready:
		case <-r.ctx.Done():
			r.markStopped()
			return
		}
		if !r.emitCompletion(exec.call, exec.result) {
			r.markStopped()
			return
		}
	}

	// Dispatch calls deferred past finalization.
	if len(r.queued) > 0 && !r.terminated {
		if !r.dispatchQueued() {
			r.markStopped()
			return
		}
	}

	r.t.outcome.Terminated = r.terminated
	if r.terminated {
		r.emit(models.NewAssistantResponseEndEvent(r.p.threadID, finish))
	}
}

// handleChunk processes one stream increment. Returns false when the run
// context was canceled mid-emit.
func (r *turnRun) handleChunk(ch llm.Chunk) bool {
	if ch.Text != "" {
		r.text.WriteString(ch.Text)
		seq := r.seq
		r.seq++
		if !r.emit(models.NewAssistantChunkEvent(r.p.threadID, ch.Text, seq)) {
			return false
		}

		if r.p.cfg.XMLToolCalling {
			r.xmlBuffer += ch.Text
			calls, residual := r.p.parser.Extract(r.xmlBuffer)
			r.xmlBuffer = trimResidual(residual)
			for _, xc := range calls {
				if r.p.cfg.MaxXMLToolCalls > 0 && r.xmlCalls >= r.p.cfg.MaxXMLToolCalls {
					r.p.logger.Warn("XML tool call limit reached, ignoring call",
						"tool", xc.Name, "limit", r.p.cfg.MaxXMLToolCalls)
					continue
				}
				r.xmlCalls++
				c := call{ID: uuid.NewString(), Name: xc.Name, Args: xc.Args, Source: "xml"}
				if !r.handleCall(c) {
					return false
				}
			}
		}
	}

	if r.p.cfg.NativeToolCalling && ch.ToolCall != nil {
		c, err := nativeCall(ch.ToolCall)
		if err != nil {
			r.p.logger.Warn("Malformed native tool call arguments",
				"tool", ch.ToolCall.Name, "error", err)
			return true
		}
		return r.handleCall(c)
	}
	return true
}

// trimResidual bounds the parse buffer between chunks. A call block always
// starts at a '<', so prose before the first tag candidate can never join a
// future call and need not be carried; a residual with no '<' at all is
// dropped entirely. Without this the buffer would grow with every prose
// chunk of a long tool-free answer.
func trimResidual(residual string) string {
	if i := strings.IndexByte(residual, '<'); i > 0 {
		return residual[i:]
	} else if i < 0 {
		return ""
	}
	return residual
}

// handleCall routes one discovered call per the configured execution mode.
// Returns false when the run context was canceled mid-emit.
func (r *turnRun) handleCall(c call) bool {
	r.t.outcome.ToolCalls++

	// A successful terminal tool ends the turn; later calls are ignored.
	if r.terminated {
		return true
	}

	if !r.p.cfg.ExecuteTools {
		return r.emit(r.startedEvent(c))
	}
	if !r.p.cfg.ExecuteOnStream {
		r.queued = append(r.queued, c)
		return true
	}
	if r.p.cfg.Strategy == StrategyParallel {
		exec := &execution{call: c, ready: make(chan struct{})}
		r.inFlight = append(r.inFlight, exec)
		if !r.emit(r.startedEvent(c)) {
			return false
		}
		go func() {
			exec.result = r.dispatch(exec.call)
			close(exec.ready)
		}()
		return true
	}
	return r.executeAndEmit(c)
}

// dispatchQueued runs post-finalization calls per the configured strategy.
// Returns false when the run context was canceled.
func (r *turnRun) dispatchQueued() bool {
	if r.p.cfg.Strategy == StrategyParallel {
		execs := make([]*execution, 0, len(r.queued))
		for _, c := range r.queued {
			if !r.emit(r.startedEvent(c)) {
				return false
			}
			exec := &execution{call: c, ready: make(chan struct{})}
			execs = append(execs, exec)
			go func() {
				exec.result = r.dispatch(exec.call)
				close(exec.ready)
			}()
		}
		for _, exec := range execs {
			select {
			case <-exec.ready:
			case <-r.ctx.Done():
				return false
			}
			if !r.emitCompletion(exec.call, exec.result) {
				return false
			}
		}
		return true
	}

	for _, c := range r.queued {
		select {
		case <-r.ctx.Done():
			return false
		default:
		}
		if !r.executeAndEmit(c) {
			return false
		}
		if r.terminated {
			break
		}
	}
	return true
}

// executeAndEmit runs one call inline: started event, dispatch, completion.
func (r *turnRun) executeAndEmit(c call) bool {
	if !r.emit(r.startedEvent(c)) {
		return false
	}
	result := r.dispatch(c)
	return r.emitCompletion(c, result)
}

// dispatch invokes the tool through the registry, folding dispatch errors
// into a failed result so the turn keeps going.
func (r *turnRun) dispatch(c call) models.ToolResult {
	res, err := r.p.registry.Dispatch(r.ctx, c.Name, c.Args)
	if err != nil {
		r.p.logger.Warn("Tool dispatch failed", "tool", c.Name, "error", err)
		return models.ToolResult{Success: false, Error: err.Error()}
	}
	return models.ToolResult{Success: res.Success, Output: res.Output}
}

// emitCompletion persists the tool message and emits the completion pair:
// a tool_completed status event followed by the tool event itself. Marks
// the turn terminated when a terminal tool succeeded.
func (r *turnRun) emitCompletion(c call, result models.ToolResult) bool {
	exec := models.ToolExecution{
		FunctionName: c.Name,
		Arguments:    c.Args,
		Result:       result,
	}
	messageID := r.persistTool(c, exec)

	success := result.Success
	status := models.NewToolStatusEvent(r.p.threadID, models.StatusEventToolCompleted, models.ToolStatusContent{
		CallID:       c.ID,
		FunctionName: c.Name,
		Source:       c.Source,
		Success:      &success,
	})
	if !r.emit(status) {
		return false
	}
	if !r.emit(models.NewToolEvent(r.p.threadID, messageID, exec)) {
		return false
	}

	if result.Success && r.p.registry.TerminatesRun(c.Name) {
		r.terminated = true
	}
	return true
}

func (r *turnRun) startedEvent(c call) models.Event {
	return models.NewToolStatusEvent(r.p.threadID, models.StatusEventToolStarted, models.ToolStatusContent{
		CallID:       c.ID,
		FunctionName: c.Name,
		Source:       c.Source,
	})
}

// persistAssistant stores the finalized assistant message and returns its ID.
// Persistence failures degrade to a synthetic ID so the event stream stays
// coherent for live subscribers.
func (r *turnRun) persistAssistant(text string) string {
	content, _ := json.Marshal(models.MessageContent{Role: "assistant", Content: text})
	msg := &models.Message{
		ThreadID:     r.p.threadID,
		Type:         models.MessageTypeAssistant,
		Role:         "assistant",
		Content:      content,
		IsLLMMessage: true,
	}
	stored, err := r.p.store.AddMessage(r.ctx, msg)
	if err != nil {
		r.p.logger.Error("Failed to persist assistant message", "error", err)
		return uuid.NewString()
	}
	return stored.MessageID
}

// persistTool stores the tool result message and returns its ID.
func (r *turnRun) persistTool(c call, exec models.ToolExecution) string {
	content, _ := json.Marshal(models.ToolExecutionContent{ToolExecution: exec})
	metadata, _ := json.Marshal(map[string]string{"call_id": c.ID, "source": c.Source})
	msg := &models.Message{
		ThreadID:     r.p.threadID,
		Type:         models.MessageTypeTool,
		Role:         "tool",
		Content:      content,
		IsLLMMessage: true,
		Metadata:     metadata,
	}
	stored, err := r.p.store.AddMessage(r.ctx, msg)
	if err != nil {
		r.p.logger.Error("Failed to persist tool message", "tool", c.Name, "error", err)
		return uuid.NewString()
	}
	return stored.MessageID
}

// emit forwards one event, bailing out on context cancellation.
func (r *turnRun) emit(ev models.Event) bool {
	select {
	case r.t.events <- ev:
		return true
	case <-r.ctx.Done():
		return false
	}
}

// markStopped records cancellation. The stopped status event is best-effort:
// the subscriber may already be gone.
func (r *turnRun) markStopped() {
	r.t.outcome.Stopped = true
	r.t.outcome.AssistantText = r.text.String()
	select {
	case r.t.events <- models.NewStatusEvent(r.p.threadID, models.StatusEventStopped, "run stopped", ""):
	default:
	}
}

// nativeCall converts a provider tool call into the internal form.
func nativeCall(tc *llm.ToolCall) (call, error) {
	args := map[string]any{}
	if strings.TrimSpace(tc.Arguments) != "" {
		if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
			return call{}, fmt.Errorf("decoding tool call arguments: %w", err)
		}
	}
	id := tc.ID
	if id == "" {
		id = uuid.NewString()
	}
	return call{ID: id, Name: tc.Name, Args: args, Source: "native"}, nil
}
