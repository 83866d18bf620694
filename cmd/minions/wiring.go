// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"slices"
	"time"

	pb "github.com/qdrant/go-client/qdrant"
	goredis "github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
	_ "modernc.org/sqlite"

	"github.com/jllopis/minions/pkg/agent"
	"github.com/jllopis/minions/pkg/call"
	"github.com/jllopis/minions/pkg/config"
	minerr "github.com/jllopis/minions/pkg/errors"
	"github.com/jllopis/minions/pkg/guardrails"
	"github.com/jllopis/minions/pkg/llm"
	"github.com/jllopis/minions/pkg/memory"
	"github.com/jllopis/minions/pkg/memory/inmemory"
	mongostore "github.com/jllopis/minions/pkg/memory/mongo"
	"github.com/jllopis/minions/pkg/memory/ollama"
	"github.com/jllopis/minions/pkg/memory/qdrant"
	redisstore "github.com/jllopis/minions/pkg/memory/redis"
	"github.com/jllopis/minions/pkg/memory/sqlstore"
	"github.com/jllopis/minions/pkg/resilience"
	"github.com/jllopis/minions/pkg/runtime"
	"github.com/jllopis/minions/pkg/telemetry"
	"github.com/jllopis/minions/pkg/tool"
	"github.com/jllopis/minions/pkg/tool/mcp"
)

const defaultQdrantCollection = "minions"

// app owns the process-wide resources built from the configuration.
type app struct {
	cfg     *config.Config
	level   *slog.LevelVar
	logger  *slog.Logger
	metrics *telemetry.Metrics

	sqlDBs  map[string]*sql.DB
	closers []func(context.Context) error
}

func newApp(cfg *config.Config, logOut io.Writer) (*app, error) {
	a := &app{cfg: cfg, level: new(slog.LevelVar), sqlDBs: map[string]*sql.DB{}}
	a.level.Set(telemetry.ParseLevel(cfg.Log.Level))
	a.logger = telemetry.NewLeveledLogger(logOut, a.level, cfg.Log.Format)
	slog.SetDefault(a.logger)

	shutdown, err := telemetry.Init("minions", version, telemetry.Config{
		Exporter:       cfg.Telemetry.Exporter,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
		MetricInterval: seconds(cfg.Telemetry.MetricIntervalSeconds),
	})
	if err != nil {
		return nil, minerr.New(minerr.CodeConfiguration, "init telemetry", err)
	}
	a.onClose(shutdown)

	a.metrics, err = telemetry.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		_ = a.close(context.Background())
		return nil, minerr.New(minerr.CodeConfiguration, "init metrics", err)
	}
	return a, nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// close releases resources in reverse acquisition order.
func (a *app) close(ctx context.Context) error {
	var errs []error
	for _, fn := range slices.Backward(a.closers) {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *app) component(name string) *slog.Logger {
	return telemetry.Component(a.logger, name)
}

// provider builds the configured model provider.
func (a *app) provider() (llm.Provider, error) {
	switch a.cfg.LLM.Provider {
	case "ollama":
		return llm.NewOllama(a.cfg.LLM.BaseURL), nil
	case "mock":
		return &llm.MockProvider{ChatFunc: echoChat}, nil
	}
	return nil, minerr.Newf(minerr.CodeConfiguration, "unsupported llm provider %q", a.cfg.LLM.Provider)
}

// echoChat answers with the last user turn, for dry runs without a model.
func echoChat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == llm.RoleUser {
			return &llm.ChatResponse{Content: req.Messages[i].Content}, nil
		}
	}
	return &llm.ChatResponse{}, nil
}

// breaker returns nil when disabled by a zero failure threshold.
func (a *app) breaker(ctx context.Context) *resilience.CircuitBreaker {
	b := a.cfg.LLM.Breaker
	if b.FailureThreshold <= 0 {
		return nil
	}
	log := a.component("llm.breaker")
	return resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		FailureThreshold: b.FailureThreshold,
		SuccessThreshold: b.SuccessThreshold,
		Cooldown:         seconds(b.CooldownSeconds),
		Name:             "llm." + a.cfg.LLM.Provider,
		OnStateChange: func(name string, from, to resilience.CircuitBreakerState) {
			log.Warn("llm.breaker.transition",
				slog.String("breaker", name),
				slog.String("from", string(from)),
				slog.String("to", string(to)),
			)
			a.metrics.RecordBreakerState(context.WithoutCancel(ctx), name, string(to))
		},
	})
}

// memory builds one tier per configured backend and the handler chain.
func (a *app) memory(ctx context.Context) (*memory.Manager, error) {
	mc := a.cfg.Memory
	names := make([]string, 0, len(mc.Tiers))
	for name := range mc.Tiers {
		names = append(names, name)
	}
	slices.Sort(names)

	tiers := make([]memory.Memory, 0, len(names))
	for _, name := range names {
		sub, err := memory.ParseSubsystem(name)
		if err != nil {
			return nil, err
		}
		t, err := a.tier(ctx, sub, mc.Tiers[name])
		if err != nil {
			return nil, minerr.AsMinionError(err).WithContext("tier", name)
		}
		tiers = append(tiers, t)
	}

	required, err := parseSubsystems(mc.Required...)
	if err != nil {
		return nil, err
	}
	var handlers []memory.Handler
	for _, r := range mc.Mirror {
		subs, err := parseSubsystems(r.From, r.To)
		if err != nil {
			return nil, err
		}
		handlers = append(handlers, memory.MirrorHandler{From: subs[0], To: subs[1]})
	}
	if mc.Promote.From != "" {
		subs, err := parseSubsystems(mc.Promote.From, mc.Promote.To)
		if err != nil {
			return nil, err
		}
		handlers = append(handlers, memory.PromoteOnFlush{From: subs[0], To: subs[1]})
	}
	return memory.NewManager(tiers,
		memory.WithRequired(required...),
		memory.WithHandlers(handlers...),
		memory.WithLogger(a.logger),
	)
}

func parseSubsystems(names ...string) ([]memory.Subsystem, error) {
	out := make([]memory.Subsystem, 0, len(names))
	for _, n := range names {
		sub, err := memory.ParseSubsystem(n)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, nil
}

func (a *app) tier(ctx context.Context, sub memory.Subsystem, tc config.TierConfig) (memory.Memory, error) {
	switch tc.Backend {
	case "inmemory":
		return inmemory.NewTier(sub), nil

	case "sqlite":
		db, err := a.sqlite(tc.DSN)
		if err != nil {
			return nil, err
		}
		s, err := sqlstore.New(ctx, db, sub, sqlstore.Config{Table: tc.Collection})
		if err != nil {
			return nil, minerr.New(minerr.CodeConfiguration, "sqlite tier", err)
		}
		return memory.NewTier(sub, s), nil

	case "redis":
		client := goredis.NewClient(&goredis.Options{Addr: tc.Addr, Password: tc.Password, DB: tc.DB})
		a.onClose(func(context.Context) error { return client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, minerr.New(minerr.CodeMemoryUnavailable, "redis ping", err).WithContext("addr", tc.Addr)
		}
		return memory.NewTier(sub, redisstore.New(client, sub, redisstore.Config{Prefix: tc.Prefix})), nil

	case "mongo":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(tc.URI))
		if err != nil {
			return nil, minerr.New(minerr.CodeMemoryUnavailable, "mongo connect", err)
		}
		a.onClose(client.Disconnect)
		database := tc.Database
		if database == "" {
			database = "minions"
		}
		return memory.NewTier(sub, mongostore.New(client.Database(database), sub, tc.Prefix)), nil

	case "qdrant":
		conn, err := qdrant.Dial(tc.Addr)
		if err != nil {
			return nil, minerr.New(minerr.CodeMemoryUnavailable, "qdrant dial", err)
		}
		a.onClose(func(context.Context) error { return conn.Close() })
		coll := tc.Collection
		if coll == "" {
			coll = defaultQdrantCollection
		}
		if err := qdrant.EnsureCollection(ctx, pb.NewCollectionsClient(conn), coll, uint64(tc.Dimensions)); err != nil {
			return nil, minerr.New(minerr.CodeMemoryUnavailable, "qdrant collection", err)
		}
		s, err := qdrant.New(pb.NewPointsClient(conn), sub, qdrant.Config{
			Collection: coll,
			Embedder:   ollama.NewEmbedder(ollama.Config{BaseURL: tc.Embedder.BaseURL, Model: tc.Embedder.Model}),
			Logger:     a.logger,
		})
		if err != nil {
			return nil, minerr.New(minerr.CodeConfiguration, "qdrant tier", err)
		}
		return memory.NewTier(sub, s), nil
	}
	return nil, minerr.Newf(minerr.CodeConfiguration, "unsupported memory backend %q", tc.Backend)
}

// sqlite opens dsn once; tiers on the same file share the handle.
func (a *app) sqlite(dsn string) (*sql.DB, error) {
	if dsn == "" {
		dsn = "file:minions.db"
	}
	if db, ok := a.sqlDBs[dsn]; ok {
		return db, nil
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, minerr.New(minerr.CodeConfiguration, "open sqlite", err).WithContext("dsn", dsn)
	}
	// modernc sqlite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	a.sqlDBs[dsn] = db
	a.onClose(func(context.Context) error { return db.Close() })
	return db, nil
}

// audit returns the configured audit store, nil when disabled.
func (a *app) audit() (agent.AuditStore, error) {
	switch a.cfg.Audit.Backend {
	case "", "none":
		return nil, nil
	case "memory":
		return agent.NewMemoryAuditStore(), nil
	case "sqlite":
		db, err := a.sqlite(a.cfg.Audit.DSN)
		if err != nil {
			return nil, err
		}
		return agent.NewSQLiteAuditStore(db)
	}
	return nil, minerr.Newf(minerr.CodeConfiguration, "unsupported audit backend %q", a.cfg.Audit.Backend)
}

// guardrails builds the input guard, nil when nothing is enabled.
func (a *app) guardrails() (*guardrails.Guardrails, error) {
	gc := a.cfg.Guardrails
	var opts []guardrails.Option
	if gc.PromptInjection {
		opts = append(opts, guardrails.WithChecker(guardrails.NewInjectionDetector(guardrails.WithInjectionThreshold(gc.InjectionThreshold))))
	}
	if gc.BlockPII {
		opts = append(opts, guardrails.WithChecker(guardrails.NewPIIFilter(guardrails.PIIMask)))
	}
	if gc.PII != "" && gc.PII != "none" {
		mode, err := guardrails.ParsePIIMode(gc.PII)
		if err != nil {
			return nil, err
		}
		opts = append(opts, guardrails.WithRedactor(guardrails.NewPIIFilter(mode)))
	}
	if len(opts) == 0 {
		return nil, nil
	}
	return guardrails.New(append(opts, guardrails.WithLogger(a.component("guardrails")))...), nil
}

// tools connects every configured MCP server and registers its tools.
func (a *app) tools(ctx context.Context, reg *tool.Registry) error {
	timeout := seconds(a.cfg.Runtime.CallTimeoutSeconds)
	opts := []mcp.ClientOption{mcp.WithRetry(2, 200*time.Millisecond), mcp.WithToolCacheTTL(time.Minute)}
	if timeout > 0 {
		opts = append(opts, mcp.WithTimeout(timeout))
	}
	names := make([]string, 0, len(a.cfg.MCP.Servers))
	for name := range a.cfg.MCP.Servers {
		names = append(names, name)
	}
	slices.Sort(names)

	log := a.component("mcp")
	for _, name := range names {
		sc := a.cfg.MCP.Servers[name]
		var (
			c   *mcp.Client
			err error
		)
		switch sc.Transport {
		case "stdio":
			c, err = mcp.NewStdioClient(ctx, sc.Command, sc.Args, sc.Env, opts...)
		case "http":
			c, err = mcp.NewHTTPClient(ctx, sc.URL, opts...)
		default:
			err = minerr.Newf(minerr.CodeConfiguration, "unsupported mcp transport %q", sc.Transport)
		}
		if err != nil {
			return minerr.AsMinionError(err).WithContext("mcp_server", name)
		}
		a.onClose(func(context.Context) error { return c.Close() })
		registered, err := mcp.RegisterAll(ctx, c, reg, tool.NewFilter(sc.Allow, sc.Deny))
		if err != nil {
			return minerr.New(minerr.CodeConfiguration, "register mcp tools", err).WithContext("mcp_server", name)
		}
		log.Info("mcp.tools.registered", slog.String("server", name), slog.Int("count", len(registered)))
	}
	return nil
}

// runtime builds the orchestrator and the runtime driving it. The runtime
// flushes mgr on every sweep when a sweep interval is configured.
func (a *app) runtime(ctx context.Context, mgr *memory.Manager, input agent.InputProvider) (*runtime.LocalRuntime, error) {
	provider, err := a.provider()
	if err != nil {
		return nil, err
	}
	auditStore, err := a.audit()
	if err != nil {
		return nil, err
	}
	rc := a.cfg.Runtime
	pool := call.NewPool(rc.PoolSize)
	a.onClose(func(context.Context) error { pool.Close(); return nil })
	opts := []agent.Option{
		agent.WithPool(pool),
		agent.WithMetrics(a.metrics),
		agent.WithLogger(a.component("agent")),
		agent.WithInputProvider(input),
	}
	if rc.CallTimeoutSeconds > 0 {
		opts = append(opts, agent.WithTimeout(seconds(rc.CallTimeoutSeconds)))
	}
	if cb := a.breaker(ctx); cb != nil {
		opts = append(opts, agent.WithBreaker(cb))
	}
	if auditStore != nil {
		opts = append(opts, agent.WithAudit(auditStore))
	}
	orch := agent.NewOrchestrator(provider, opts...)

	rt := runtime.NewLocal(orch,
		runtime.WithMaxConcurrent(rc.MaxConcurrent),
		runtime.WithSweepInterval(seconds(rc.SweepIntervalSeconds)),
		runtime.WithSweepTimeout(seconds(rc.SweepTimeoutSeconds)),
		runtime.WithLogger(a.component("runtime")),
	)
	rt.AddSweeper(runtime.FlushSweeper{Memory: mgr})
	return rt, nil
}
