// Package config loads the server's environment-variable configuration
// surface (spec §6 "Configuration surface" and "Environment"), following
// the teacher's explicit envOr/envIntOr/envDurationOr wiring style rather
// than a config-file framework (cmd/registry/main.go has no counterpart to
// this in the pack: every example server reads flat env vars directly).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Execution bounds a single program run (spec §5, §6 "execution.{...}").
type Execution struct {
	TimeoutMS   int64
	MemoryBytes int64
	LLMCalls    int
}

// Providers configures the atp/modelprovider and atp/embeddingprovider
// backends this server resolves in-process (spec §4.G).
type Providers struct {
	// Cache is the cache backend selector: "memory", "file", or "redis"
	// (spec §6 "providers.cache").
	Cache string
	// RedisURL is consulted only when Cache == "redis".
	RedisURL string

	// AnthropicAPIKey / OpenAIAPIKey, when set, register the corresponding
	// atp/modelprovider (and, for OpenAI, atp/embeddingprovider) backend as
	// a Coordinator LocalResolver so atp.llm.*/atp.embedding.* resolve
	// in-process instead of suspending to the client (spec §4.G).
	AnthropicAPIKey   string
	OpenAIAPIKey      string
	DefaultLLMModel   string
	DefaultEmbedModel string
}

// OTel configures the OpenTelemetry exporters (spec §6 "otel.{...}").
type OTel struct {
	Enabled     bool
	ServiceName string
}

// ClientInit configures session issuance defaults (spec §6
// "clientInit.tokenTTLms").
type ClientInit struct {
	TokenTTLMS int64
}

// Config is the full per-server configuration surface of spec §6.
type Config struct {
	// Addr is the HTTP listen address, e.g. ":8080". Not itself named in
	// spec §6's configuration surface table, but every transport needs one;
	// grounded on the teacher's REGISTRY_ADDR convention.
	Addr string

	JWTSecret        []byte
	ProvenanceSecret []byte

	Execution  Execution
	Providers  Providers
	Audit      Audit
	OTel       OTel
	ClientInit ClientInit

	// SecurityPolicyIDs lists which atp/policy builtins to register, in
	// order (spec §6 "securityPolicies[]"). Empty means none beyond the
	// blocklist static validation every program always receives.
	SecurityPolicyIDs []string
}

// Audit configures where policy Log()/Block() decisions are written (spec
// §6 "audit.sinks").
type Audit struct {
	Sinks []string
}

const minSecretLen = 32

// Load reads the full configuration from the process environment. It
// returns an error rather than calling log.Fatal itself, so callers (tests,
// cmd/atpserver) control how a bad configuration is reported.
func Load() (Config, error) {
	cfg := Config{
		Addr:             envOr("ATP_ADDR", ":8080"),
		JWTSecret:        []byte(os.Getenv("ATP_JWT_SECRET")),
		ProvenanceSecret: []byte(os.Getenv("PROVENANCE_SECRET")),
		Execution: Execution{
			TimeoutMS:   envInt64Or("ATP_EXECUTION_TIMEOUT_MS", 30_000),
			MemoryBytes: envInt64Or("ATP_EXECUTION_MEMORY_BYTES", 64<<20),
			LLMCalls:    envIntOr("ATP_EXECUTION_LLM_CALLS", 20),
		},
		Providers: Providers{
			Cache:             envOr("ATP_PROVIDERS_CACHE", "memory"),
			RedisURL:          envOr("ATP_REDIS_URL", "localhost:6379"),
			AnthropicAPIKey:   os.Getenv("ANTHROPIC_API_KEY"),
			OpenAIAPIKey:      os.Getenv("OPENAI_API_KEY"),
			DefaultLLMModel:   envOr("ATP_DEFAULT_LLM_MODEL", "claude-sonnet-4-20250514"),
			DefaultEmbedModel: envOr("ATP_DEFAULT_EMBED_MODEL", "text-embedding-3-small"),
		},
		Audit: Audit{
			Sinks: envList("ATP_AUDIT_SINKS", nil),
		},
		OTel: OTel{
			Enabled:     envBoolOr("ATP_OTEL_ENABLED", false),
			ServiceName: envOr("ATP_OTEL_SERVICE_NAME", "atp-server"),
		},
		ClientInit: ClientInit{
			TokenTTLMS: envInt64Or("ATP_CLIENT_INIT_TOKEN_TTL_MS", time.Hour.Milliseconds()),
		},
		SecurityPolicyIDs: envList("ATP_SECURITY_POLICIES", nil),
	}

	if len(cfg.JWTSecret) < minSecretLen {
		return Config{}, fmt.Errorf("config: ATP_JWT_SECRET must be set and at least %d bytes", minSecretLen)
	}
	if len(cfg.ProvenanceSecret) > 0 && len(cfg.ProvenanceSecret) < minSecretLen {
		return Config{}, fmt.Errorf("config: PROVENANCE_SECRET must be at least %d bytes when set", minSecretLen)
	}

	return cfg, nil
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envInt64Or(key string, defaultVal int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func envBoolOr(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
