package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"agentfleet/pkg/errors"
)

type Config struct {
	App           AppConfig
	HTTP          HTTPConfig
	Postgres      PostgresConfig
	ClickHouse    ClickHouseConfig
	Redis         RedisConfig
	Kafka         KafkaConfig
	AI            AIConfig
	ErrorTracking ErrorTrackingConfig
	Fleet         FleetConfig
}

type AppConfig struct {
	Name     string `envconfig:"APP_NAME" default:"agentfleet"`
	Env      string `envconfig:"APP_ENV" default:"development"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

type HTTPConfig struct {
	Addr            string        `envconfig:"HTTP_ADDR" default:":8080"`
	ShutdownTimeout time.Duration `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"10s"`
}

type PostgresConfig struct {
	Host     string `envconfig:"POSTGRES_HOST" required:"true"`
	Port     int    `envconfig:"POSTGRES_PORT" default:"5432"`
	User     string `envconfig:"POSTGRES_USER" required:"true"`
	Password string `envconfig:"POSTGRES_PASSWORD" required:"true"`
	Database string `envconfig:"POSTGRES_DB" required:"true"`
	SSLMode  string `envconfig:"POSTGRES_SSL_MODE" default:"disable"`
	MaxConns int    `envconfig:"POSTGRES_MAX_CONNS" default:"25"`
}

func (c PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

type ClickHouseConfig struct {
	Host          string        `envconfig:"CLICKHOUSE_HOST" required:"true"`
	Port          int           `envconfig:"CLICKHOUSE_PORT" default:"9000"`
	User          string        `envconfig:"CLICKHOUSE_USER" default:"default"`
	Password      string        `envconfig:"CLICKHOUSE_PASSWORD"`
	Database      string        `envconfig:"CLICKHOUSE_DB" default:"agentfleet"`
	BatchSize     int           `envconfig:"CLICKHOUSE_BATCH_SIZE" default:"200"`
	FlushInterval time.Duration `envconfig:"CLICKHOUSE_FLUSH_INTERVAL" default:"5s"`
}

type RedisConfig struct {
	Host     string `envconfig:"REDIS_HOST" required:"true"`
	Port     int    `envconfig:"REDIS_PORT" default:"6379"`
	Password string `envconfig:"REDIS_PASSWORD"`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type KafkaConfig struct {
	Brokers           []string `envconfig:"KAFKA_BROKERS" required:"true"`
	GroupID           string   `envconfig:"KAFKA_GROUP_ID" default:"agentfleet"`
	NotificationTopic string   `envconfig:"KAFKA_NOTIFICATION_TOPIC" default:"agentfleet.notifications"`
	EvolutionTopic    string   `envconfig:"KAFKA_EVOLUTION_TOPIC" default:"agentfleet.evolution_requests"`
}

type AIConfig struct {
	OpenAIKey       string  `envconfig:"OPENAI_API_KEY"`
	GeminiKey       string  `envconfig:"GEMINI_API_KEY"`
	DefaultModel    string  `envconfig:"AI_DEFAULT_MODEL" default:"gpt-4o-mini"`
	Temperature     float64 `envconfig:"AI_TEMPERATURE" default:"0.2"`
	MaxOutputTokens int64   `envconfig:"AI_MAX_OUTPUT_TOKENS" default:"800"`
}

type ErrorTrackingConfig struct {
	Enabled     bool   `envconfig:"ERROR_TRACKING_ENABLED" default:"false"`
	SentryDSN   string `envconfig:"SENTRY_DSN"`
	Environment string `envconfig:"SENTRY_ENVIRONMENT" default:"production"`
}

// FleetConfig holds everything the decision loop needs.
// The per-agent hard ceiling of open positions lives in agent.FleetMaxPositions and is not configurable.
type FleetConfig struct {
	CycleInterval time.Duration `envconfig:"FLEET_CYCLE_INTERVAL" default:"5m"`
	Workers       int           `envconfig:"FLEET_WORKERS" default:"4"`
	CycleLeaseTTL time.Duration `envconfig:"FLEET_CYCLE_LEASE_TTL" default:"3m"`

	// Decision engine call budget
	EngineTimeout     time.Duration `envconfig:"FLEET_ENGINE_TIMEOUT" default:"45s"`
	EngineMaxAttempts int           `envconfig:"FLEET_ENGINE_MAX_ATTEMPTS" default:"2"`
	EngineBackoffMin  time.Duration `envconfig:"FLEET_ENGINE_BACKOFF_MIN" default:"500ms"`
	EngineBackoffMax  time.Duration `envconfig:"FLEET_ENGINE_BACKOFF_MAX" default:"8s"`
	EngineRPM         float64       `envconfig:"FLEET_ENGINE_RPM" default:"60"`
	EngineBurst       int           `envconfig:"FLEET_ENGINE_BURST" default:"6"`
	EngineLimiter     string        `envconfig:"FLEET_ENGINE_LIMITER" default:"local"` // local | redis

	// Context assembly
	RankingTimeframe    string        `envconfig:"FLEET_RANKING_TIMEFRAME" default:"1h"`
	SnapshotMaxAge      time.Duration `envconfig:"FLEET_SNAPSHOT_MAX_AGE" default:"2h"`
	RankingTopN         int           `envconfig:"FLEET_RANKING_TOP_N" default:"15"`
	PerformanceLookback time.Duration `envconfig:"FLEET_PERFORMANCE_LOOKBACK" default:"720h"`
	MemoryRecallLimit   int           `envconfig:"FLEET_MEMORY_RECALL_LIMIT" default:"10"`
	MemoryMaxLength     int           `envconfig:"FLEET_MEMORY_MAX_LENGTH" default:"2000"`
	LessonLimit         int           `envconfig:"FLEET_LESSON_LIMIT" default:"8"`
	LessonsEnabled      bool          `envconfig:"FLEET_LESSONS_ENABLED" default:"true"`
	LLMEnabled          bool          `envconfig:"FLEET_LLM_ENABLED" default:"true"`
	EvolutionEnabled    bool          `envconfig:"FLEET_EVOLUTION_ENABLED" default:"true"`

	// Portfolio
	InitialCash          float64 `envconfig:"FLEET_INITIAL_CASH" default:"10000"`
	OpenPositionBudget   int64   `envconfig:"FLEET_OPEN_POSITION_BUDGET" default:"200"`
	OnePositionPerSymbol bool    `envconfig:"FLEET_ONE_POSITION_PER_SYMBOL" default:"true"`
	DrawdownAlertPct     float64 `envconfig:"FLEET_DRAWDOWN_ALERT_PCT" default:"0.15"`
	EquityMilestonePct   float64 `envconfig:"FLEET_EQUITY_MILESTONE_PCT" default:"0.10"`

	// Evolution
	EvaluationWindow int     `envconfig:"FLEET_EVALUATION_WINDOW" default:"10"`
	RevertThreshold  float64 `envconfig:"FLEET_REVERT_THRESHOLD" default:"-0.05"`
	EvolveMinReturn  float64 `envconfig:"FLEET_EVOLVE_MIN_RETURN" default:"0.02"`
	EvolveMinWins    int     `envconfig:"FLEET_EVOLVE_MIN_WINS" default:"6"`

	// Pruning
	PruneMaxDrawdown   float64 `envconfig:"FLEET_PRUNE_MAX_DRAWDOWN" default:"0.5"`
	PruneMaxLossStreak int     `envconfig:"FLEET_PRUNE_MAX_LOSS_STREAK" default:"8"`
}

// Load reads configuration from the environment, with an optional .env file
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to process env config")
	}
	if err := cfg.Fleet.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects settings the loop cannot run with
func (c FleetConfig) Validate() error {
	switch {
	case c.Workers <= 0:
		return errors.NewValidationError("FLEET_WORKERS", "must be positive", c.Workers)
	case c.EngineMaxAttempts <= 0:
		return errors.NewValidationError("FLEET_ENGINE_MAX_ATTEMPTS", "must be positive", c.EngineMaxAttempts)
	case c.EvaluationWindow <= 0:
		return errors.NewValidationError("FLEET_EVALUATION_WINDOW", "must be positive", c.EvaluationWindow)
	case c.RevertThreshold >= 0:
		return errors.NewValidationError("FLEET_REVERT_THRESHOLD", "must be negative", c.RevertThreshold)
	case c.InitialCash <= 0:
		return errors.NewValidationError("FLEET_INITIAL_CASH", "must be positive", c.InitialCash)
	case c.EngineLimiter != "local" && c.EngineLimiter != "redis":
		return errors.NewValidationError("FLEET_ENGINE_LIMITER", "must be local or redis", c.EngineLimiter)
	}
	return nil
}
