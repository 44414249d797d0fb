package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	orchestratorx "github.com/tanpawarit/chative-pharmacy-agent/agent/agents/orchestrator"
	apix "github.com/tanpawarit/chative-pharmacy-agent/agent/api"
	contractx "github.com/tanpawarit/chative-pharmacy-agent/agent/contract"
	extractx "github.com/tanpawarit/chative-pharmacy-agent/agent/extract"
	identityx "github.com/tanpawarit/chative-pharmacy-agent/agent/identity"
	llmx "github.com/tanpawarit/chative-pharmacy-agent/agent/llm"
	notifyx "github.com/tanpawarit/chative-pharmacy-agent/agent/notify"
	oraclex "github.com/tanpawarit/chative-pharmacy-agent/agent/oracle"
	orderx "github.com/tanpawarit/chative-pharmacy-agent/agent/order"
	prescriptionx "github.com/tanpawarit/chative-pharmacy-agent/agent/prescription"
	promptx "github.com/tanpawarit/chative-pharmacy-agent/agent/prompt"
	refillx "github.com/tanpawarit/chative-pharmacy-agent/agent/refill"
	statex "github.com/tanpawarit/chative-pharmacy-agent/agent/state"
	storex "github.com/tanpawarit/chative-pharmacy-agent/agent/store"
	toolx "github.com/tanpawarit/chative-pharmacy-agent/agent/tool"
	configx "github.com/tanpawarit/chative-pharmacy-agent/pkg/config"
	_ "github.com/tanpawarit/chative-pharmacy-agent/pkg/logger/autoload"
	metricsx "github.com/tanpawarit/chative-pharmacy-agent/pkg/metrics"
	openrouterx "github.com/tanpawarit/chative-pharmacy-agent/pkg/openrouter"
	qstashx "github.com/tanpawarit/chative-pharmacy-agent/pkg/qstash"
)

type AppConfig struct {
	Addr             string        `envconfig:"HTTP_ADDR" default:":8080"`
	MetricsNamespace string        `envconfig:"METRICS_NAMESPACE" default:"pharmacy"`
	ShutdownTimeout  time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`
	SharedMemory     bool          `envconfig:"SHARED_MEMORY" default:"false"`
	NotifyQStash     bool          `envconfig:"NOTIFY_QSTASH" default:"false"`
	OperatorEnabled  bool          `envconfig:"OPERATOR_ENABLED" default:"true"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	appCfg := configx.MustNew[AppConfig]("")
	orchCfg := configx.MustNew[orchestratorx.Config]("AGENT")
	llmCfg := configx.MustNew[llmx.Config]("LLM")
	if err := llmCfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid llm config")
	}

	metrics := metricsx.NewCollector(appCfg.MetricsNamespace)

	store, closeStore := openStore(ctx)
	defer closeStore()

	resolver, err := identityx.NewResolver(store)
	must(err, "identity resolver")
	verifier, err := prescriptionx.NewVerifier(store)
	must(err, "prescription verifier")

	extractorCfg := llmCfg.OpenRouterFor(llmx.RoleExtractor)
	extractor, err := extractx.New(openrouterx.NewClient(extractorCfg), extractorCfg.Model)
	must(err, "text extractor")

	engine, err := orderx.NewEngine(store, verifier,
		orderx.WithExtractor(extractor),
		orderx.WithMetrics(metrics),
	)
	must(err, "order engine")

	predictor, err := refillx.NewPredictor(store, metrics)
	must(err, "refill predictor")

	var publisher notifyx.Publisher
	if appCfg.NotifyQStash {
		qstashCfg := configx.MustNew[qstashx.Config]("QSTASH")
		publisher = qstashx.MustNew(*qstashCfg)
	}
	sink, err := notifyx.NewSink(store, publisher)
	must(err, "notification sink")

	registry, err := toolx.NewRegistry(resolver,
		toolx.WithTimeout(orchCfg.CapabilityTimeout),
		toolx.WithMetrics(metrics),
	)
	must(err, "capability registry")
	must(toolx.RegisterPharmacy(registry, toolx.Deps{
		Catalog:  store,
		Orders:   engine,
		Refills:  predictor,
		Verifier: verifier,
		Notifier: sink,
	}), "pharmacy capabilities")

	var backend statex.Backend = statex.NewInMemoryStore()
	if appCfg.SharedMemory {
		redisCfg := configx.MustNew[statex.UpstashRedisConfig]("UPSTASH_REDIS")
		redisStore, err := statex.NewUpstashRedisStore(*redisCfg)
		must(err, "upstash memory store")
		backend = redisStore
	}
	memory := statex.NewMemory(backend, orchCfg.MaxTurnPairs)

	audiences := []contractx.Audience{contractx.AudiencePatient}
	if appCfg.OperatorEnabled {
		audiences = append(audiences, contractx.AudienceOperator)
	}
	oracles := make(map[contractx.Audience]contractx.DecisionOracle, len(audiences))
	prompts := promptx.LoadPromptSet()
	for _, audience := range audiences {
		oracles[audience] = newOracle(ctx, llmCfg, prompts, audience)
	}

	orch, err := orchestratorx.New(resolver, oracles, registry, memory, *orchCfg,
		orchestratorx.WithMetrics(metrics),
	)
	must(err, "orchestrator")

	server, err := apix.NewServer(apix.Deps{
		Dispatcher: orch,
		Alerts:     predictor,
		Resolver:   resolver,
		Metrics:    metrics,
	})
	must(err, "http server")

	httpServer := &http.Server{
		Addr:              appCfg.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", appCfg.Addr).Msg("pharmacy agent listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server stopped")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), appCfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}

// openStore uses DATABASE_URL when set and falls back to a process-local store.
func openStore(ctx context.Context) (storex.Store, func()) {
	storeCfg := configx.MustNew[storex.Config]("")
	if storeCfg.DatabaseURL == "" {
		log.Warn().Msg("DATABASE_URL not set; using in-memory store")
		return storex.NewMemoryStore(), func() {}
	}

	db, err := storex.Open(*storeCfg)
	must(err, "open database")
	if err := db.CreateSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("create schema")
	}
	return db, func() {
		if err := db.Close(); err != nil {
			log.Warn().Err(err).Msg("close database")
		}
	}
}

func newOracle(ctx context.Context, cfg *llmx.Config, prompts promptx.PromptSet, audience contractx.Audience) contractx.DecisionOracle {
	modelCfg := cfg.OpenRouterFor(llmx.RoleFor(audience))
	chatModel, err := modelCfg.New(ctx)
	must(err, "chat model for "+string(audience))

	systemPrompt, err := prompts.For(audience)
	must(err, "prompt for "+string(audience))

	o, err := oraclex.New(ctx, audience, chatModel, systemPrompt)
	must(err, "oracle for "+string(audience))
	return o
}

func must(err error, what string) {
	if err != nil {
		log.Fatal().Err(err).Msg("init " + what)
	}
}
