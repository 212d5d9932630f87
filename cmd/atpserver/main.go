// Command atpserver runs the Agent Tool Protocol server: the Session
// Manager, Tool Registry, Policy Engine, and Pause/Resume Coordinator
// wired behind the spec §6 HTTP endpoint table.
//
// Configuration is entirely environment-driven (see atp/config); there is
// no flag-based or file-based configuration layer, matching every example
// command in the pack.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	goalog "goa.design/clue/log"

	"github.com/atp-proto/atp-server/atp/atperrors"
	"github.com/atp-proto/atp-server/atp/batch"
	"github.com/atp-proto/atp-server/atp/cachestore"
	"github.com/atp-proto/atp-server/atp/config"
	"github.com/atp-proto/atp-server/atp/coordinator"
	"github.com/atp-proto/atp-server/atp/embeddingprovider"
	"github.com/atp-proto/atp-server/atp/modelprovider"
	"github.com/atp-proto/atp-server/atp/policy"
	"github.com/atp-proto/atp-server/atp/provenance"
	"github.com/atp-proto/atp-server/atp/session"
	"github.com/atp-proto/atp-server/atp/telemetry"
	"github.com/atp-proto/atp-server/atp/toolregistry"
	transporthttp "github.com/atp-proto/atp-server/atp/transport/http"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	format := goalog.FormatJSON
	if goalog.IsTerminal() {
		format = goalog.FormatTerminal
	}
	ctx := goalog.Context(context.Background(), goalog.WithFormat(format))
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := telemetry.NewClueLogger()

	store, err := newCacheStore(cfg, logger)
	if err != nil {
		return err
	}

	sessions, err := session.NewManager(cfg.JWTSecret, store, logger,
		session.WithTokenTTL(time.Duration(cfg.ClientInit.TokenTTLMS)*time.Millisecond))
	if err != nil {
		return err
	}

	// Tool registration is deployment-specific: an operator embedding this
	// server registers its own api.* catalog before Freeze. This binary
	// starts with an empty registry so atp.llm.*/atp.embedding.* and any
	// client-serviced api.* calls still function standalone.
	registry := toolregistry.NewRegistry(nil)
	registry.Freeze()

	tracker, err := provenance.NewTracker(cfg.ProvenanceSecret, provenance.ModeNone)
	if err != nil {
		return err
	}

	policies := policy.NewEngine()
	for _, id := range cfg.SecurityPolicyIDs {
		if err := registerBuiltinPolicy(policies, id); err != nil {
			return err
		}
	}
	policies.Freeze()

	scheduler := batch.NewScheduler(batch.DefaultCallsPerSecond, batch.DefaultBurst)

	coord := coordinator.New(store, registry, tracker, logger).
		WithScheduler(scheduler).
		WithPolicies(policies).
		WithLocalResolvers(localResolvers(cfg)...)

	srv := transporthttp.New(sessions, registry, coord, policies, provenance.ModeNone, logger)

	goalog.Printf(ctx, "atpserver starting on %s", cfg.Addr)
	return srv.Run(ctx, cfg.Addr)
}

func newCacheStore(cfg config.Config, logger telemetry.Logger) (cachestore.Store, error) {
	switch cfg.Providers.Cache {
	case "file":
		return cachestore.NewFile("./atp-cache", "*/5 * * * *", logger)
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Providers.RedisURL})
		return cachestore.NewRemote(rdb, logger), nil
	default:
		return cachestore.NewMemory(0), nil
	}
}

func registerBuiltinPolicy(engine *policy.Engine, id string) error {
	switch id {
	case "exfiltration-prevention":
		return engine.Register(policy.NewExfiltrationPolicy(isExternalSendTool))
	case "user-origin-required":
		return engine.Register(policy.NewUserOriginRequiredPolicy(isCriticalTool, "to", "amount"))
	case "llm-recipient-block":
		return engine.Register(policy.NewLLMRecipientBlockPolicy())
	default:
		return atperrors.Newf(atperrors.KindValidation, "config: unknown security policy id %q", id)
	}
}

// isExternalSendTool/isCriticalTool are the default tool classifiers for
// the built-in policies; operators with a fixed tool catalog are expected
// to fork this into their own classifier rather than configure it via env
// (spec §4.H leaves the classifier itself unspecified).
func isExternalSendTool(toolName string) bool {
	for _, kw := range []string{"send", "email", "post", "webhook", "publish"} {
		if strings.Contains(toolName, kw) {
			return true
		}
	}
	return false
}

func isCriticalTool(toolName string) bool {
	for _, kw := range []string{"delete", "transfer", "pay", "refund"} {
		if strings.Contains(toolName, kw) {
			return true
		}
	}
	return false
}

// localResolvers builds the atp.llm.*/atp.embedding.* in-process providers
// configured via environment API keys (spec §4.G). Neither is required:
// an unconfigured namespace simply remains client-serviced.
func localResolvers(cfg config.Config) []coordinator.LocalResolver {
	var resolvers []coordinator.LocalResolver

	if cfg.Providers.AnthropicAPIKey != "" {
		if p, err := modelprovider.NewAnthropicProviderFromAPIKey(cfg.Providers.AnthropicAPIKey, cfg.Providers.DefaultLLMModel); err == nil {
			resolvers = append(resolvers, modelprovider.NewResolver(p))
		}
	}
	if cfg.Providers.OpenAIAPIKey != "" {
		if p, err := embeddingprovider.NewOpenAIProviderFromAPIKey(cfg.Providers.OpenAIAPIKey, cfg.Providers.DefaultEmbedModel); err == nil {
			resolvers = append(resolvers, embeddingprovider.NewResolver(p, cfg.Providers.DefaultEmbedModel))
		}
	}
	return resolvers
}
