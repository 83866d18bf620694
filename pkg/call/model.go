package call

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	minerr "github.com/jllopis/minions/pkg/errors"
	"github.com/jllopis/minions/pkg/llm"
	"github.com/jllopis/minions/pkg/message"
	"github.com/jllopis/minions/pkg/resilience"
	"github.com/jllopis/minions/pkg/telemetry"
)

// MetaToolCalls is the metadata key listing the tools a model response asked for.
const MetaToolCalls = "tool_calls"

// ModelExecutor executes model calls against a provider.
type ModelExecutor struct {
	provider llm.Provider
	opts     options
}

// NewModelExecutor creates an executor for provider.
func NewModelExecutor(provider llm.Provider, opts ...Option) *ModelExecutor {
	return &ModelExecutor{provider: provider, opts: newOptions(opts)}
}

// Execute starts c and returns a future for its response. An error is
// returned synchronously, with no provider I/O, when c is not PENDING.
func (e *ModelExecutor) Execute(ctx context.Context, c *ModelCall) (*Future[*ModelResponse], error) {
	if c == nil {
		return nil, minerr.New(minerr.CodeValidation, "model call is nil", nil)
	}
	if e.provider == nil {
		return nil, minerr.New(minerr.CodeConfiguration, "model executor has no provider", nil)
	}
	if err := c.transition(c.ID, KindModel, StatusExecuting, nil); err != nil {
		return nil, err
	}

	f := newFuture[*ModelResponse]()
	started := time.Now()
	err := e.opts.pool.Submit(ctx, func(ctx context.Context) {
		resp, err := e.run(ctx, c, started)
		f.resolve(resp, err)
	})
	if err != nil {
		_, span := e.opts.tracer.Start(ctx, "call.model")
		defer span.End()
		return nil, e.opts.fail(ctx, span, &c.lifecycle, KindModel, c.ID, c.Request.ConversationID, e.opts.target(c.Request.Memory), started, err)
	}
	return f, nil
}

func (e *ModelExecutor) run(ctx context.Context, c *ModelCall, started time.Time) (*ModelResponse, error) {
	req := BuildChatRequest(c.Request)
	ctx, span := e.opts.tracer.Start(ctx, "call.model",
		trace.WithAttributes(telemetry.CallAttributes(c.ID, string(KindModel))...),
		trace.WithAttributes(telemetry.LLMAttributes(req.Model, len(req.Messages), len(req.Tools))...),
	)
	defer span.End()
	sub := e.opts.target(c.Request.Memory)

	out, err := resilience.WithTimeout(ctx, e.opts.timeout, func(ctx context.Context) (*llm.ChatResponse, error) {
		return guarded(ctx, e.opts.breaker, func(ctx context.Context) (*llm.ChatResponse, error) {
			return e.provider.Chat(ctx, req)
		})
	})
	if err == nil && out == nil {
		err = minerr.New(minerr.CodeCallExecution, "provider returned no response", nil)
	}
	if err != nil {
		return nil, e.opts.fail(ctx, span, &c.lifecycle, KindModel, c.ID, c.Request.ConversationID, sub, started, err)
	}
	span.SetAttributes(telemetry.LLMUsageAttributes(out.Usage.PromptTokens, out.Usage.CompletionTokens)...)

	msg := message.New(message.RoleAssistant, message.ScopeModel, out.Content,
		message.WithConversation(c.Request.ConversationID),
		message.WithTokenCount(out.Usage.CompletionTokens),
	)
	msg.Enrich(message.MetaCallID, c.ID)
	msg.Enrich(message.MetaCallKind, string(KindModel))
	if len(out.ToolCalls) > 0 {
		names := make([]string, 0, len(out.ToolCalls))
		for _, tc := range out.ToolCalls {
			names = append(names, tc.Function.Name)
		}
		msg.Enrich(MetaToolCalls, names)
	}
	if e.opts.sink != nil {
		if err := e.opts.sink.Store(ctx, sub, msg); err != nil {
			return nil, e.opts.fail(ctx, span, &c.lifecycle, KindModel, c.ID, c.Request.ConversationID, sub, started, err)
		}
	}

	resp := &ModelResponse{Message: msg, ToolCalls: out.ToolCalls, Usage: out.Usage}
	if err := c.complete(resp); err != nil {
		return nil, err
	}
	e.opts.succeed(ctx, span, KindModel, c.ID, started)
	return resp, nil
}

// BuildChatRequest merges the system prompt, context, history, messages and
// next-step hints of req into a provider request. Hints travel in the
// OptionAvailableTools option and are listed at the end of the system prompt.
func BuildChatRequest(req ModelRequest) llm.ChatRequest {
	out := llm.ChatRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		Tools:       req.Tools,
	}

	system := strings.TrimSpace(req.System)
	if len(req.Hints) > 0 {
		note := "Available next steps: " + strings.Join(req.Hints, ", ")
		if system == "" {
			system = note
		} else {
			system += "\n\n" + note
		}
	}
	if system != "" {
		out.Messages = append(out.Messages, llm.Message{Role: llm.RoleSystem, Content: system})
	}
	out.Messages = append(out.Messages, llm.FromMessages(contextOnly(req))...)
	out.Messages = append(out.Messages, llm.FromMessages(req.History)...)
	out.Messages = append(out.Messages, llm.FromMessages(req.Messages)...)

	if len(req.Options) > 0 || len(req.Hints) > 0 {
		out.Options = make(map[string]any, len(req.Options)+1)
		for k, v := range req.Options {
			out.Options[k] = v
		}
		if len(req.Hints) > 0 {
			out.Options[llm.OptionAvailableTools] = append([]string(nil), req.Hints...)
		}
	}
	return out
}

// contextOnly returns the context messages of req absent from its history
// and messages, each once.
func contextOnly(req ModelRequest) []*message.Message {
	if len(req.Context) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(req.History)+len(req.Messages))
	for _, m := range req.History {
		if m != nil {
			seen[m.ID] = true
		}
	}
	for _, m := range req.Messages {
		if m != nil {
			seen[m.ID] = true
		}
	}
	out := make([]*message.Message, 0, len(req.Context))
	for _, m := range req.Context {
		if m == nil || seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		out = append(out, m)
	}
	return out
}
