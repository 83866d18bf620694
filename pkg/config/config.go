// Package config loads runtime settings from YAML files, profile overlays,
// MINIONS_ environment variables and --set overrides, in that order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	minerr "github.com/jllopis/minions/pkg/errors"
)

// EnvPrefix prefixes environment overrides. Nested keys are separated by a
// double underscore: MINIONS_LLM__BASE_URL sets llm.base_url.
const EnvPrefix = "MINIONS_"

type Config struct {
	Log        LogConfig        `koanf:"log"`
	LLM        LLMConfig        `koanf:"llm"`
	Memory     MemoryConfig     `koanf:"memory"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
	Runtime    RuntimeConfig    `koanf:"runtime"`
	Audit      AuditConfig      `koanf:"audit"`
	MCP        MCPConfig        `koanf:"mcp"`
	Guardrails GuardrailsConfig `koanf:"guardrails"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type LLMConfig struct {
	Provider string `koanf:"provider"` // ollama, mock
	// Model and Temperature apply to recipes that do not set their own.
	Model       string        `koanf:"model"`
	BaseURL     string        `koanf:"base_url"`
	Temperature float64       `koanf:"temperature"`
	Breaker     BreakerConfig `koanf:"breaker"`
}

// BreakerConfig tunes the circuit breaker in front of the model provider.
// A zero FailureThreshold disables it.
type BreakerConfig struct {
	FailureThreshold int `koanf:"failure_threshold"`
	SuccessThreshold int `koanf:"success_threshold"`
	CooldownSeconds  int `koanf:"cooldown_seconds"`
}

// MemoryConfig maps tier names (short_term, entity, vector...) to backends.
type MemoryConfig struct {
	Tiers    map[string]TierConfig `koanf:"tiers"`
	Required []string              `koanf:"required"`
	Mirror   []RouteConfig         `koanf:"mirror"`
	Promote  RouteConfig           `koanf:"promote"`
}

type TierConfig struct {
	Backend string `koanf:"backend"` // inmemory, sqlite, redis, mongo, qdrant

	// sqlite
	DSN string `koanf:"dsn"`
	// redis, qdrant
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	// mongo
	URI      string `koanf:"uri"`
	Database string `koanf:"database"`

	Prefix string `koanf:"prefix"`
	// Collection is the qdrant collection or the sqlite table.
	Collection string         `koanf:"collection"`
	Dimensions int            `koanf:"dimensions"`
	Embedder   EmbedderConfig `koanf:"embedder"`
}

type EmbedderConfig struct {
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
}

// RouteConfig names a source and a destination tier.
type RouteConfig struct {
	From string `koanf:"from"`
	To   string `koanf:"to"`
}

type TelemetryConfig struct {
	Exporter              string `koanf:"exporter"` // none, stdout, otlp
	OTLPEndpoint          string `koanf:"otlp_endpoint"`
	OTLPInsecure          bool   `koanf:"otlp_insecure"`
	MetricIntervalSeconds int    `koanf:"metric_interval_seconds"`
}

type RuntimeConfig struct {
	MaxConcurrent        int `koanf:"max_concurrent"`
	PoolSize             int `koanf:"pool_size"`
	CallTimeoutSeconds   int `koanf:"call_timeout_seconds"`
	SweepIntervalSeconds int `koanf:"sweep_interval_seconds"`
	SweepTimeoutSeconds  int `koanf:"sweep_timeout_seconds"`
}

type AuditConfig struct {
	Backend string `koanf:"backend"` // none, memory, sqlite
	DSN     string `koanf:"dsn"`
}

// GuardrailsConfig screens user answers and command line goals.
type GuardrailsConfig struct {
	PromptInjection    bool    `koanf:"prompt_injection"`
	InjectionThreshold float64 `koanf:"injection_threshold"`
	// PII is none, mask, remove or hash.
	PII      string `koanf:"pii"`
	BlockPII bool   `koanf:"block_pii"`
}

type MCPConfig struct {
	Servers map[string]MCPServerConfig `koanf:"servers"`
}

type MCPServerConfig struct {
	Transport string   `koanf:"transport"` // stdio, http
	Command   string   `koanf:"command"`
	Args      []string `koanf:"args"`
	Env       []string `koanf:"env"`
	URL       string   `koanf:"url"`
	// Allow and Deny are tool name globs.
	Allow []string `koanf:"allow"`
	Deny  []string `koanf:"deny"`
}

var defaults = map[string]any{
	"log.level":  "info",
	"log.format": "text",

	"llm.provider":                  "ollama",
	"llm.model":                     "llama3.1",
	"llm.base_url":                  "http://localhost:11434",
	"llm.breaker.failure_threshold": 5,
	"llm.breaker.success_threshold": 1,
	"llm.breaker.cooldown_seconds":  30,

	"memory.tiers.short_term.backend": "inmemory",

	"telemetry.exporter":                "none",
	"telemetry.otlp_endpoint":           "localhost:4317",
	"telemetry.otlp_insecure":           true,
	"telemetry.metric_interval_seconds": 30,

	"runtime.max_concurrent":         4,
	"runtime.pool_size":              0,
	"runtime.call_timeout_seconds":   60,
	"runtime.sweep_interval_seconds": 0,
	"runtime.sweep_timeout_seconds":  10,

	"audit.backend": "none",

	"guardrails.pii": "none",
}

// Load reads path (optional) over the defaults, then the environment.
func Load(path string) (*Config, error) {
	return LoadWithProfile(path, "")
}

// LoadWithProfile is Load with the config.<profile>.yaml overlay next to
// path merged over the base file. A missing overlay is not an error.
func LoadWithProfile(path, profile string) (*Config, error) {
	return load(path, profile, nil)
}

// LoadWithCLI loads configuration from command line arguments:
// --config <path>, --profile|--env <name> and repeated --set key=value.
// --set values are parsed as YAML, so numbers, booleans and inline maps keep
// their types.
func LoadWithCLI(args []string) (*Config, error) {
	opts, err := parseCLIOverrides(args)
	if err != nil {
		return nil, err
	}
	return load(opts.path, opts.profile, opts.sets)
}

type cliOptions struct {
	path    string
	profile string
	sets    map[string]any
}

func parseCLIOverrides(args []string) (cliOptions, error) {
	opts := cliOptions{sets: map[string]any{}}
	value := func(i *int, flag string) (string, error) {
		arg := args[*i]
		if v, ok := strings.CutPrefix(arg, flag+"="); ok {
			return v, nil
		}
		if *i+1 >= len(args) {
			return "", minerr.Newf(minerr.CodeConfiguration, "missing value for %s", flag)
		}
		*i++
		return args[*i], nil
	}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--config" || strings.HasPrefix(arg, "--config="):
			v, err := value(&i, "--config")
			if err != nil {
				return opts, err
			}
			opts.path = v
		case arg == "--profile" || strings.HasPrefix(arg, "--profile="):
			v, err := value(&i, "--profile")
			if err != nil {
				return opts, err
			}
			opts.profile = v
		case arg == "--env" || strings.HasPrefix(arg, "--env="):
			v, err := value(&i, "--env")
			if err != nil {
				return opts, err
			}
			opts.profile = v
		case arg == "--set" || strings.HasPrefix(arg, "--set="):
			v, err := value(&i, "--set")
			if err != nil {
				return opts, err
			}
			key, raw, ok := strings.Cut(v, "=")
			if !ok || strings.TrimSpace(key) == "" {
				return opts, minerr.Newf(minerr.CodeConfiguration, "invalid --set %q, want key=value", v)
			}
			opts.sets[strings.TrimSpace(key)] = parseValue(raw)
		}
	}
	return opts, nil
}

func parseValue(raw string) any {
	var v any
	if err := yamlv3.Unmarshal([]byte(raw), &v); err != nil || v == nil {
		return raw
	}
	return v
}

func load(path, profile string, sets map[string]any) (*Config, error) {
	k := koanf.New(".")
	for key, v := range defaults {
		if err := k.Set(key, v); err != nil {
			return nil, minerr.New(minerr.CodeConfiguration, "set default "+key, err)
		}
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, minerr.New(minerr.CodeConfiguration, "load config file", err).WithContext("path", path)
		}
		if overlay := profileConfigPath(path, profile); overlay != "" {
			if err := k.Load(file.Provider(overlay), yaml.Parser()); err != nil {
				return nil, minerr.New(minerr.CodeConfiguration, "load profile config", err).WithContext("path", overlay)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, minerr.New(minerr.CodeConfiguration, "load environment", err)
	}

	for key, v := range sets {
		if err := k.Set(key, v); err != nil {
			return nil, minerr.New(minerr.CodeConfiguration, "apply --set "+key, err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, minerr.New(minerr.CodeConfiguration, "decode config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps MINIONS_MEMORY__TIERS__SHORT_TERM__BACKEND to
// memory.tiers.short_term.backend.
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// profileConfigPath returns the overlay file for profile if it exists.
func profileConfigPath(base, profile string) string {
	if base == "" || profile == "" {
		return ""
	}
	ext := filepath.Ext(base)
	p := strings.TrimSuffix(base, ext) + "." + profile + ext
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}

// Validate checks enumerated settings and tier references.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "ollama", "mock":
	default:
		return invalid("llm.provider", c.LLM.Provider)
	}
	for name, t := range c.Memory.Tiers {
		switch t.Backend {
		case "inmemory", "sqlite", "redis", "mongo":
		case "qdrant":
			if t.Dimensions <= 0 {
				return minerr.Newf(minerr.CodeConfiguration, "memory.tiers.%s.dimensions must be positive for qdrant", name)
			}
		default:
			return invalid("memory.tiers."+name+".backend", t.Backend)
		}
	}
	refs := append([]string(nil), c.Memory.Required...)
	for _, r := range c.Memory.Mirror {
		refs = append(refs, r.From, r.To)
	}
	if c.Memory.Promote != (RouteConfig{}) {
		refs = append(refs, c.Memory.Promote.From, c.Memory.Promote.To)
	}
	for _, name := range refs {
		if _, ok := c.Memory.Tiers[name]; !ok {
			return minerr.Newf(minerr.CodeConfiguration, "memory tier %q is referenced but not configured", name)
		}
	}
	switch c.Telemetry.Exporter {
	case "", "none", "stdout", "otlp":
	default:
		return invalid("telemetry.exporter", c.Telemetry.Exporter)
	}
	switch c.Audit.Backend {
	case "", "none", "memory":
	case "sqlite":
		if c.Audit.DSN == "" {
			return minerr.New(minerr.CodeConfiguration, "audit.dsn is required for sqlite", nil)
		}
	default:
		return invalid("audit.backend", c.Audit.Backend)
	}
	switch c.Guardrails.PII {
	case "", "none", "mask", "remove", "redact", "hash":
	default:
		return invalid("guardrails.pii", c.Guardrails.PII)
	}
	if t := c.Guardrails.InjectionThreshold; t < 0 || t > 1 {
		return minerr.Newf(minerr.CodeConfiguration, "guardrails.injection_threshold must be within [0,1], got %v", t)
	}
	for name, s := range c.MCP.Servers {
		switch s.Transport {
		case "stdio":
			if s.Command == "" {
				return minerr.Newf(minerr.CodeConfiguration, "mcp.servers.%s.command is required", name)
			}
		case "http":
			if s.URL == "" {
				return minerr.Newf(minerr.CodeConfiguration, "mcp.servers.%s.url is required", name)
			}
		default:
			return invalid("mcp.servers."+name+".transport", s.Transport)
		}
	}
	return nil
}

func invalid(key, value string) error {
	return minerr.New(minerr.CodeConfiguration, fmt.Sprintf("unsupported %s %q", key, value), nil)
}
