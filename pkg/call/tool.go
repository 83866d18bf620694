package call

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	minerr "github.com/jllopis/minions/pkg/errors"
	"github.com/jllopis/minions/pkg/message"
	"github.com/jllopis/minions/pkg/resilience"
	"github.com/jllopis/minions/pkg/telemetry"
	"github.com/jllopis/minions/pkg/tool"
)

// MetaToolName is the metadata key holding the tool name on tool messages.
const MetaToolName = "tool_name"

// ToolResolver finds tools by name. *tool.Registry is a ToolResolver.
type ToolResolver interface {
	Get(name string) (tool.Tool, error)
}

// ToolExecutor executes tool calls against a resolver.
type ToolExecutor struct {
	tools ToolResolver
	opts  options
}

// NewToolExecutor creates an executor resolving tools through tools.
func NewToolExecutor(tools ToolResolver, opts ...Option) *ToolExecutor {
	return &ToolExecutor{tools: tools, opts: newOptions(opts)}
}

// Execute starts c and returns a future for its response. Illegal state is
// reported synchronously. An unknown tool fails the call before any I/O and
// is returned synchronously as well.
func (e *ToolExecutor) Execute(ctx context.Context, c *ToolCall) (*Future[*ToolResponse], error) {
	if c == nil {
		return nil, minerr.New(minerr.CodeValidation, "tool call is nil", nil)
	}
	if e.tools == nil {
		return nil, minerr.New(minerr.CodeConfiguration, "tool executor has no tools", nil)
	}
	if err := c.transition(c.ID, KindTool, StatusExecuting, nil); err != nil {
		return nil, err
	}

	started := time.Now()
	sub := e.opts.target(c.Memory)
	impl, err := e.tools.Get(c.Name)
	if err == nil {
		f := newFuture[*ToolResponse]()
		input := shapeInput(c.Input)
		err = e.opts.pool.Submit(ctx, func(ctx context.Context) {
			resp, err := e.run(ctx, c, impl, input, started)
			f.resolve(resp, err)
		})
		if err == nil {
			return f, nil
		}
	}
	_, span := e.opts.tracer.Start(ctx, "call.tool")
	defer span.End()
	return nil, e.opts.fail(ctx, span, &c.lifecycle, KindTool, c.ID, c.ConversationID, sub, started, err)
}

func (e *ToolExecutor) run(ctx context.Context, c *ToolCall, impl tool.Tool, input map[string]any, started time.Time) (*ToolResponse, error) {
	ctx, span := e.opts.tracer.Start(ctx, "call.tool",
		trace.WithAttributes(telemetry.CallAttributes(c.ID, string(KindTool))...),
		trace.WithAttributes(attribute.String(telemetry.AttrToolName, c.Name)),
	)
	defer span.End()
	sub := e.opts.target(c.Memory)

	out, err := resilience.WithTimeout(ctx, e.opts.timeout, func(ctx context.Context) (any, error) {
		return guarded(ctx, e.opts.breaker, func(ctx context.Context) (any, error) {
			return impl.Call(ctx, input)
		})
	})
	if err != nil {
		return nil, e.opts.fail(ctx, span, &c.lifecycle, KindTool, c.ID, c.ConversationID, sub, started, err)
	}
	text := OutputText(out)
	if args, jerr := json.Marshal(input); jerr == nil {
		span.SetAttributes(telemetry.ToolArgsResult(string(args), text, 0)...)
	}

	msg := message.New(message.RoleTool, message.ScopeTool, text, message.WithConversation(c.ConversationID))
	msg.Enrich(message.MetaCallID, c.ID)
	msg.Enrich(message.MetaCallKind, string(KindTool))
	msg.Enrich(MetaToolName, c.Name)
	if e.opts.sink != nil {
		if err := e.opts.sink.Store(ctx, sub, msg); err != nil {
			return nil, e.opts.fail(ctx, span, &c.lifecycle, KindTool, c.ID, c.ConversationID, sub, started, err)
		}
	}

	resp := &ToolResponse{Output: out, Text: text, Message: msg}
	if err := c.complete(resp); err != nil {
		return nil, err
	}
	e.opts.succeed(ctx, span, KindTool, c.ID, started)
	return resp, nil
}

// shapeInput copies in so tools never share the caller's map.
func shapeInput(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// OutputText renders a tool output as message content. Structured values are
// encoded as JSON.
func OutputText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case fmt.Stringer:
		return t.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
