package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"agentfleet/internal/adapters/ai"
	"agentfleet/internal/adapters/clickhouse"
	"agentfleet/internal/adapters/config"
	"agentfleet/internal/adapters/errors/noop"
	"agentfleet/internal/adapters/errors/sentry"
	"agentfleet/internal/adapters/kafka"
	"agentfleet/internal/adapters/postgres"
	"agentfleet/internal/adapters/redis"
	"agentfleet/internal/api"
	"agentfleet/internal/api/health"
	"agentfleet/internal/events"
	"agentfleet/internal/metrics"
	chrepo "agentfleet/internal/repository/clickhouse"
	pgrepo "agentfleet/internal/repository/postgres"
	redisrepo "agentfleet/internal/repository/redis"
	"agentfleet/internal/services/contextbuilder"
	"agentfleet/internal/services/engine"
	"agentfleet/internal/services/evolution"
	"agentfleet/internal/services/executor"
	"agentfleet/internal/services/memory"
	"agentfleet/internal/services/orchestrator"
	pfsvc "agentfleet/internal/services/portfolio"
	"agentfleet/internal/services/settings"
	"agentfleet/internal/workers"
	"agentfleet/pkg/errors"
	"agentfleet/pkg/logger"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	if err := logger.Init(cfg.App.LogLevel, cfg.App.Env); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	defer logger.Sync()

	log := logger.Get()
	log.Infof("Starting %s %s in %s mode", cfg.App.Name, version, cfg.App.Env)

	tracker := initErrorTracker(cfg, log)
	logger.SetErrorTracker(tracker)
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = tracker.Flush(flushCtx)
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	app, err := build(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to initialize: %v", err)
	}
	defer app.close()

	if err := app.scheduler.Start(ctx); err != nil {
		log.Fatalf("failed to start scheduler: %v", err)
	}

	go func() {
		if err := app.server.Start(); err != nil {
			log.Errorw("http server failed", "error", err)
			cancel()
		}
	}()

	log.Info("System initialized successfully")
	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()

	if err := app.server.Shutdown(shutdownCtx); err != nil {
		log.Warnw("http server shutdown", "error", err)
	}
	if err := app.scheduler.Stop(); err != nil {
		log.Warnw("scheduler shutdown", "error", err)
	}
	log.Info("shutdown complete")
}

// application holds what main starts and stops
type application struct {
	scheduler *workers.Scheduler
	server    *api.Server
	closers   []func() error
}

func (a *application) close() {
	log := logger.Get()
	// reverse order of construction
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Warnw("close failed", "error", err)
		}
	}
}

func build(ctx context.Context, cfg *config.Config) (*application, error) {
	log := logger.Get()
	app := &application{}
	fleet := cfg.Fleet

	// storage
	pg, err := postgres.NewClient(ctx, cfg.Postgres)
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres")
	}
	app.closers = append(app.closers, pg.Close)

	ch, err := clickhouse.NewClient(ctx, cfg.ClickHouse)
	if err != nil {
		return nil, errors.Wrap(err, "connect clickhouse")
	}
	app.closers = append(app.closers, ch.Close)

	rc, err := redis.NewClient(ctx, cfg.Redis)
	if err != nil {
		return nil, errors.Wrap(err, "connect redis")
	}
	app.closers = append(app.closers, rc.Close)

	db := pg.DB()
	agents := pgrepo.NewAgentRepository(db)
	prompts := pgrepo.NewPromptRepository(db)
	portfolios := pgrepo.NewPortfolioRepository(db)
	decisions := pgrepo.NewDecisionRepository(db)
	memories := pgrepo.NewMemoryRepository(db)

	usage := chrepo.NewTokenUsageRepository(ch.Conn(), cfg.ClickHouse.BatchSize, cfg.ClickHouse.FlushInterval)
	usage.Start(ctx)
	app.closers = append(app.closers, func() error {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return usage.Stop(stopCtx)
	})

	rankings := redisrepo.NewRankingRepository(rc.Client())
	settingsStore := redisrepo.NewSettingsRepository(rc.Client())

	// metrics
	metrics.Init()
	prometheus.MustRegister(metrics.NewFleetCollector(db, ch.Conn()))

	// messaging
	producer := kafka.NewProducer(kafka.ProducerConfig{Brokers: cfg.Kafka.Brokers})
	app.closers = append(app.closers, producer.Close)
	notifier := events.NewBestEffort(events.NewKafkaNotifier(producer, cfg.Kafka.NotificationTopic), 0)

	consumer := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers: cfg.Kafka.Brokers,
		GroupID: cfg.Kafka.GroupID,
		Topic:   cfg.Kafka.EvolutionTopic,
	})
	app.closers = append(app.closers, consumer.Close)

	// portfolio and the fleet-wide position budget
	budget := pfsvc.NewPositionBudget(fleet.OpenPositionBudget)
	open, err := portfolios.CountOpenPositions(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "count open positions")
	}
	budget.Seed(open)
	log.Infow("position budget seeded", "open", open, "limit", budget.Limit())

	pm := pfsvc.NewManager(portfolios, budget, pfsvc.Config{
		OnePositionPerSymbol: fleet.OnePositionPerSymbol,
		DrawdownAlertPct:     decimal.NewFromFloat(fleet.DrawdownAlertPct),
		EquityMilestonePct:   decimal.NewFromFloat(fleet.EquityMilestonePct),
	})

	mem := memory.NewService(memories, fleet.MemoryMaxLength)

	runtime := settings.NewProvider(settingsStore, settings.Settings{
		LLMEnabled:       fleet.LLMEnabled,
		LessonsEnabled:   fleet.LessonsEnabled,
		EvolutionEnabled: fleet.EvolutionEnabled,
	})

	// decision engines
	chat, err := initChatClients(ctx, cfg)
	if err != nil {
		return nil, err
	}
	engines := engine.NewSet(
		engine.NewRuleEngine(),
		engine.NewLLMEngine(chat, engine.LLMConfig{
			DefaultModel:    cfg.AI.DefaultModel,
			Temperature:     cfg.AI.Temperature,
			MaxOutputTokens: cfg.AI.MaxOutputTokens,
		}),
	)

	var limiter ai.RateLimiter
	if fleet.EngineLimiter == "redis" {
		limiter = ai.NewRedisLimiter(rc.Client(), "engine", fleet.EngineRPM, fleet.EngineBurst)
	} else {
		limiter = ai.NewLocalLimiter(fleet.EngineRPM, fleet.EngineBurst)
	}

	exec := executor.New(engines, limiter, ai.DefaultRateTable(), usage, executor.Config{
		MaxAttempts:          fleet.EngineMaxAttempts,
		Timeout:              fleet.EngineTimeout,
		MinBackoff:           fleet.EngineBackoffMin,
		MaxBackoff:           fleet.EngineBackoffMax,
		OnePositionPerSymbol: fleet.OnePositionPerSymbol,
	})

	builder := contextbuilder.New(rankings, prompts, pm, mem, contextbuilder.Config{
		Timeframe:   fleet.RankingTimeframe,
		MaxAge:      fleet.SnapshotMaxAge,
		TopN:        fleet.RankingTopN,
		RecallLimit: fleet.MemoryRecallLimit,
		LessonLimit: fleet.LessonLimit,
		Lookback:    fleet.PerformanceLookback,
	})

	evo := evolution.NewManager(prompts, pm, exec, mem, notifier, nil, evolution.Config{
		Window:          fleet.EvaluationWindow,
		RevertThreshold: decimal.NewFromFloat(fleet.RevertThreshold),
		MinReturn:       decimal.NewFromFloat(fleet.EvolveMinReturn),
		MinWins:         fleet.EvolveMinWins,
		RecallLimit:     fleet.MemoryRecallLimit,
		LessonLimit:     fleet.LessonLimit,
	})

	orch := orchestrator.New(orchestrator.Deps{
		Agents:    agents,
		Decisions: decisions,
		Builder:   builder,
		Executor:  exec,
		Portfolio: pm,
		Memory:    mem,
		Evolution: evo,
		Settings:  runtime,
		Notifier:  notifier,
		Lease:     orchestrator.NewRedisLease(rc),
	}, orchestrator.Config{
		Workers:  fleet.Workers,
		LeaseTTL: fleet.CycleLeaseTTL,
		Lookback: fleet.PerformanceLookback,
		Pruning: orchestrator.PruningPolicy{
			MaxDrawdown:   decimal.NewFromFloat(fleet.PruneMaxDrawdown),
			MaxLossStreak: fleet.PruneMaxLossStreak,
		},
	})

	// workers
	registry := workers.NewRegistry()
	app.scheduler = workers.NewScheduler(2 * time.Minute)

	cycleWorker := workers.NewFleetCycleWorker(orch, fleet.CycleInterval, true)
	if err := registry.Register(cycleWorker); err != nil {
		return nil, err
	}
	app.scheduler.RegisterWorker(cycleWorker)
	app.scheduler.RegisterListener(workers.NewEvolutionRequestListener(consumer, evo))

	// http
	hh := health.New(health.Options{
		Checks: map[string]health.Check{
			"postgres":   health.PostgresCheck(db),
			"clickhouse": health.ClickHouseCheck(ch.Conn()),
			"redis":      health.RedisCheck(rc.Client()),
		},
		Agents:      agents,
		Workers:     registry,
		StaleAfter:  3 * fleet.CycleInterval,
		ServiceName: cfg.App.Name,
		Version:     version,
	})
	app.server = api.NewServer(api.ServerConfig{
		Addr:        cfg.HTTP.Addr,
		ServiceName: cfg.App.Name,
		Version:     version,
	}, hh)

	return app, nil
}

// initChatClients builds a router over every provider with a configured key
func initChatClients(ctx context.Context, cfg *config.Config) (ai.ChatClient, error) {
	log := logger.Get()
	var clients []ai.ChatClient

	if cfg.AI.OpenAIKey != "" {
		c, err := ai.NewOpenAIClient(cfg.AI.OpenAIKey)
		if err != nil {
			return nil, errors.Wrap(err, "openai client")
		}
		clients = append(clients, c)
	}
	if cfg.AI.GeminiKey != "" {
		c, err := ai.NewGeminiClient(ctx, cfg.AI.GeminiKey)
		if err != nil {
			return nil, errors.Wrap(err, "gemini client")
		}
		clients = append(clients, c)
	}
	if len(clients) == 0 {
		log.Warn("no LLM provider key configured, llm agents will fail their cycles")
	}
	return ai.NewRouter(cfg.AI.DefaultModel, clients...), nil
}

// initErrorTracker initializes error tracking (Sentry or no-op)
func initErrorTracker(cfg *config.Config, log *logger.Logger) errors.Tracker {
	if !cfg.ErrorTracking.Enabled || cfg.ErrorTracking.SentryDSN == "" {
		log.Info("Error tracking disabled")
		return noop.New()
	}

	tracker, err := sentry.New(cfg.ErrorTracking.SentryDSN, cfg.ErrorTracking.Environment, version)
	if err != nil {
		log.Warnf("Failed to initialize Sentry: %v", err)
		return noop.New()
	}

	log.Info("Error tracking initialized (Sentry)")
	return tracker
}
