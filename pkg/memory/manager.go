package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/minions/pkg/core"
	minerr "github.com/jllopis/minions/pkg/errors"
	"github.com/jllopis/minions/pkg/message"
)

// Operation names a manager operation.
type Operation string

const (
	OpStore    Operation = "STORE"
	OpQuery    Operation = "QUERY"
	OpRetrieve Operation = "RETRIEVE"
	OpDelete   Operation = "DELETE"
	OpFlush    Operation = "FLUSH"
	OpSnapshot Operation = "SNAPSHOT"
	OpRestore  Operation = "RESTORE"
)

// Request carries the operation input. Empty Targets means every tier.
// ConversationID scopes snapshot, restore and flush to one conversation.
type Request struct {
	Targets        []Subsystem
	Messages       []*message.Message
	Query          Query
	IDs            []string
	ConversationID string
}

// Result is what one handler produced for one tier.
type Result struct {
	Subsystem Subsystem
	Handler   string
	Messages  []*message.Message
	Deleted   int
}

// Context flows through the handler chain.
type Context struct {
	Operation Operation
	Request   Request
	Results   []Result

	tiers map[Subsystem]Memory
}

// Tier returns the registered memory for sub.
func (c *Context) Tier(sub Subsystem) (Memory, bool) {
	m, ok := c.tiers[sub]
	return m, ok
}

// Targets resolves the subsystems addressed by the request, sorted.
func (c *Context) Targets() []Subsystem {
	if len(c.Request.Targets) > 0 {
		return c.Request.Targets
	}
	out := make([]Subsystem, 0, len(c.tiers))
	for sub := range c.tiers {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Targeting reports whether the request addresses sub.
func (c *Context) Targeting(sub Subsystem) bool {
	for _, t := range c.Targets() {
		if t == sub {
			return true
		}
	}
	return false
}

// Messages returns the messages accumulated by all results, without
// duplicate ids, in result order.
func (c *Context) Messages() []*message.Message {
	seen := make(map[string]struct{})
	var out []*message.Message
	for _, r := range c.Results {
		for _, m := range r.Messages {
			if _, ok := seen[m.ID]; ok {
				continue
			}
			seen[m.ID] = struct{}{}
			out = append(out, m)
		}
	}
	return out
}

// Handler is one link of the manager chain. Every accepting handler runs,
// in registration order.
type Handler interface {
	Name() string
	Accepts(mc *Context) bool
	Process(ctx context.Context, mc *Context) (*Context, error)
}

// Validator is implemented by handlers that depend on specific tiers. It is
// checked when the manager is built.
type Validator interface {
	Validate(tiers map[Subsystem]Memory) error
}

// Manager composes every tier behind the handler chain.
type Manager struct {
	mu       sync.RWMutex
	tiers    map[Subsystem]Memory
	handlers []Handler
	logger   *slog.Logger
	tracer   trace.Tracer
}

// ManagerOption configures a Manager.
type ManagerOption func(*managerOptions)

type managerOptions struct {
	required []Subsystem
	handlers []Handler
	logger   *slog.Logger
}

// WithRequired makes construction fail unless every tag has a tier.
func WithRequired(subs ...Subsystem) ManagerOption {
	return func(o *managerOptions) { o.required = append(o.required, subs...) }
}

// WithHandlers appends handlers after the built-in tier router.
func WithHandlers(h ...Handler) ManagerOption {
	return func(o *managerOptions) { o.handlers = append(o.handlers, h...) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(o *managerOptions) { o.logger = l }
}

// NewManager validates the tier registry eagerly. Duplicate tiers, missing
// required tiers and handlers referring to unknown tiers are configuration
// errors.
func NewManager(tiers []Memory, opts ...ManagerOption) (*Manager, error) {
	o := managerOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	reg := make(map[Subsystem]Memory, len(tiers))
	for _, t := range tiers {
		if t == nil {
			return nil, minerr.New(minerr.CodeConfiguration, "nil memory tier", nil)
		}
		if _, dup := reg[t.Subsystem()]; dup {
			return nil, minerr.Newf(minerr.CodeConfiguration, "duplicate memory tier %s", t.Subsystem())
		}
		reg[t.Subsystem()] = t
	}
	for _, sub := range o.required {
		if _, ok := reg[sub]; !ok {
			return nil, minerr.Newf(minerr.CodeConfiguration, "memory subsystem %s is not registered", sub).
				WithContext("subsystem", string(sub))
		}
	}
	handlers := append([]Handler{TierHandler{}}, o.handlers...)
	for _, h := range handlers {
		if v, ok := h.(Validator); ok {
			if err := v.Validate(reg); err != nil {
				return nil, err
			}
		}
	}
	return &Manager{
		tiers:    reg,
		handlers: handlers,
		logger:   o.logger.With("component", "memory.manager"),
		tracer:   otel.Tracer("minions/memory"),
	}, nil
}

// Register adds a tier at runtime.
func (m *Manager) Register(t Memory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.tiers[t.Subsystem()]; dup {
		return minerr.Newf(minerr.CodeConfiguration, "duplicate memory tier %s", t.Subsystem())
	}
	m.tiers[t.Subsystem()] = t
	return nil
}

// Subsystems lists registered tags, sorted.
func (m *Manager) Subsystems() []Subsystem {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Subsystem, 0, len(m.tiers))
	for sub := range m.tiers {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Has reports whether sub is registered.
func (m *Manager) Has(sub Subsystem) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.tiers[sub]
	return ok
}

// Memory returns the tier for sub.
func (m *Manager) Memory(sub Subsystem) (Memory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tiers[sub]
	if !ok {
		return nil, unknownSubsystem(sub)
	}
	return t, nil
}

func unknownSubsystem(sub Subsystem) error {
	return minerr.Newf(minerr.CodeConfiguration, "unknown memory subsystem %s", sub).
		WithContext("subsystem", string(sub))
}

// Store writes messages into sub.
func (m *Manager) Store(ctx context.Context, sub Subsystem, msgs ...*message.Message) error {
	_, err := m.run(ctx, OpStore, Request{Targets: []Subsystem{sub}, Messages: msgs})
	return err
}

// Query runs q against its subsystem, or against every tier when
// q.Subsystem is empty. Results from several tiers are merged without
// duplicates and the limit is applied to the merged list.
func (m *Manager) Query(ctx context.Context, q Query) ([]*message.Message, error) {
	req := Request{Query: q}
	if q.Subsystem != "" {
		req.Targets = []Subsystem{q.Subsystem}
	}
	mc, err := m.run(ctx, OpQuery, req)
	if err != nil {
		return nil, err
	}
	out := mc.Messages()
	if len(mc.Results) > 1 {
		SortChronological(out)
	}
	return ApplyLimit(out, q.Limit), nil
}

// Retrieve returns the first message with id found in any tier.
func (m *Manager) Retrieve(ctx context.Context, id string) (*message.Message, error) {
	mc, err := m.run(ctx, OpRetrieve, Request{IDs: []string{id}})
	if err != nil {
		return nil, err
	}
	msgs := mc.Messages()
	if len(msgs) == 0 {
		return nil, ErrNotFound
	}
	return msgs[0], nil
}

// Delete removes ids from sub and returns how many were deleted.
func (m *Manager) Delete(ctx context.Context, sub Subsystem, ids ...string) (int, error) {
	mc, err := m.run(ctx, OpDelete, Request{Targets: []Subsystem{sub}, IDs: ids})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range mc.Results {
		n += r.Deleted
	}
	return n, nil
}

// Flush flushes every tier. A non-empty conversationID also lets
// flush-time handlers, such as PromoteOnFlush, act on that conversation.
func (m *Manager) Flush(ctx context.Context, conversationID string) error {
	_, err := m.run(ctx, OpFlush, Request{ConversationID: conversationID})
	return err
}

// Snapshot checkpoints the messages of one conversation in every tier.
func (m *Manager) Snapshot(ctx context.Context, conversationID string) error {
	_, err := m.run(ctx, OpSnapshot, Request{ConversationID: conversationID})
	return err
}

// RestoreLatestSnapshot rolls one conversation back to its latest
// checkpoint in every tier. Other conversations keep their messages.
func (m *Manager) RestoreLatestSnapshot(ctx context.Context, conversationID string) error {
	_, err := m.run(ctx, OpRestore, Request{ConversationID: conversationID})
	return err
}

// Health reports one result per tier. Tiers exposing Count are probed.
func (m *Manager) Health(ctx context.Context) ([]core.HealthResult, core.HealthStatus) {
	reg := core.NewHealthRegistry()
	for _, sub := range m.Subsystems() {
		t, _ := m.Memory(sub)
		counter, ok := t.(interface {
			Count(ctx context.Context) (int, error)
		})
		if !ok {
			reg.Register(string(sub), core.StaticHealthChecker(core.HealthHealthy, "no probe"))
			continue
		}
		reg.Register(string(sub), core.HealthCheckFunc(func(ctx context.Context) core.HealthResult {
			n, err := counter.Count(ctx)
			if err != nil {
				return core.HealthResult{Status: core.HealthUnhealthy, Message: err.Error(), Error: err}
			}
			return core.HealthResult{Status: core.HealthHealthy, Message: fmt.Sprintf("%d messages", n)}
		}))
	}
	return reg.CheckAll(ctx)
}

func (m *Manager) run(ctx context.Context, op Operation, req Request) (*Context, error) {
	m.mu.RLock()
	tiers := make(map[Subsystem]Memory, len(m.tiers))
	for k, v := range m.tiers {
		tiers[k] = v
	}
	handlers := m.handlers
	m.mu.RUnlock()

	for _, sub := range req.Targets {
		if _, ok := tiers[sub]; !ok {
			return nil, unknownSubsystem(sub)
		}
	}

	ctx, span := m.tracer.Start(ctx, "Memory."+string(op))
	defer span.End()
	span.SetAttributes(attribute.String("memory.operation", string(op)))
	if req.ConversationID != "" {
		span.SetAttributes(attribute.String("conversation.id", req.ConversationID))
	}

	mc := &Context{Operation: op, Request: req, tiers: tiers}
	for _, h := range handlers {
		if !h.Accepts(mc) {
			continue
		}
		next, err := h.Process(ctx, mc)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			m.logger.ErrorContext(ctx, "memory.handler.error",
				slog.String("operation", string(op)),
				slog.String("handler", h.Name()),
				slog.String("error", err.Error()),
			)
			return nil, err
		}
		if next != nil {
			mc = next
		}
	}
	span.SetAttributes(attribute.Int("memory.results", len(mc.Results)))
	m.logger.DebugContext(ctx, "memory.operation",
		slog.String("operation", string(op)),
		slog.Int("results", len(mc.Results)),
	)
	return mc, nil
}
