package config

import (
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

type Config struct {
	Database    DatabaseConfig
	Rabbit      RabbitConfig
	Redis       RedisConfig
	Settlement  SettlementConfig
	Tokenize    TokenizeConfig
	Coordinator CoordinatorConfig
	Listener    ListenerConfig
	Rates       RatesConfig
	Gateway     GatewayConfig
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type RabbitConfig struct {
	Host           string
	Port           int
	User           string
	Password       string
	VHost          string
	MatchQueue     string
	MatchDLX       string
	NotifyExchange string
	Prefetch       int
	Workers        int
}

type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	ReadingQueue string
	ReadingDLQ   string
}

type SettlementConfig struct {
	FeeRate decimal.Decimal
}

type TokenizeConfig struct {
	KwhToTokenRatio decimal.Decimal
	MaxReadingKwh   decimal.Decimal
	MaxReadingAge   time.Duration
	Workers         int
}

type CoordinatorConfig struct {
	PollInterval      time.Duration
	BatchSize         int
	MaxAttempts       int
	RetryBaseDelay    time.Duration
	RetryMultiplier   float64
	MaxRetryDelay     time.Duration
	SubmissionTimeout time.Duration
	Workers           int
}

type ListenerConfig struct {
	ListenerID   string
	PollInterval time.Duration
	FetchLimit   int
	GracePeriod  time.Duration
}

type RatesConfig struct {
	RefreshInterval time.Duration
}

// GatewayConfig points at the external ledger gateway, the HTTP bridge
// that submits operations on-chain and serves the confirmation stream.
type GatewayConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

func Load() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "settlement_db"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Rabbit: RabbitConfig{
			Host:           getEnv("RABBITMQ_HOST", "localhost"),
			Port:           getEnvInt("RABBITMQ_PORT", 5672),
			User:           getEnv("RABBITMQ_USER", "guest"),
			Password:       getEnv("RABBITMQ_PASSWORD", "guest"),
			VHost:          getEnv("RABBITMQ_VHOST", "/"),
			MatchQueue:     getEnv("RABBITMQ_MATCH_QUEUE", "trade_matches"),
			MatchDLX:       getEnv("RABBITMQ_MATCH_DLX", "trade_matches_dlx"),
			NotifyExchange: getEnv("RABBITMQ_NOTIFY_EXCHANGE", "settlement_events"),
			Prefetch:       getEnvInt("RABBITMQ_PREFETCH", 50),
			Workers:        getEnvInt("RABBITMQ_WORKERS", 4),
		},
		Redis: RedisConfig{
			Addr:         getEnv("REDIS_ADDR", "localhost:6379"),
			Password:     getEnv("REDIS_PASSWORD", ""),
			DB:           getEnvInt("REDIS_DB", 0),
			ReadingQueue: getEnv("REDIS_READING_QUEUE", "queue:meter_readings"),
			ReadingDLQ:   getEnv("REDIS_READING_DLQ", "queue:meter_readings:dlq"),
		},
		Settlement: SettlementConfig{
			FeeRate: getEnvDecimal("SETTLEMENT_FEE_RATE", "0.01"),
		},
		Tokenize: TokenizeConfig{
			KwhToTokenRatio: getEnvDecimal("TOKENIZATION_KWH_TO_TOKEN_RATIO", "1.0"),
			MaxReadingKwh:   getEnvDecimal("TOKENIZATION_MAX_READING_KWH", "100.0"),
			MaxReadingAge:   time.Duration(getEnvInt("TOKENIZATION_READING_MAX_AGE_DAYS", 7)) * 24 * time.Hour,
			Workers:         getEnvInt("TOKENIZATION_WORKERS", 2),
		},
		Coordinator: CoordinatorConfig{
			PollInterval:      time.Duration(getEnvInt("COORDINATOR_POLL_INTERVAL_SECONDS", 5)) * time.Second,
			BatchSize:         getEnvInt("COORDINATOR_BATCH_SIZE", 10),
			MaxAttempts:       getEnvInt("COORDINATOR_MAX_ATTEMPTS", 3),
			RetryBaseDelay:    time.Duration(getEnvInt("COORDINATOR_RETRY_BASE_SECONDS", 5)) * time.Second,
			RetryMultiplier:   getEnvFloat("COORDINATOR_RETRY_MULTIPLIER", 2.0),
			MaxRetryDelay:     time.Duration(getEnvInt("COORDINATOR_MAX_RETRY_DELAY_SECONDS", 3600)) * time.Second,
			SubmissionTimeout: time.Duration(getEnvInt("COORDINATOR_SUBMISSION_TIMEOUT_SECONDS", 60)) * time.Second,
			Workers:           getEnvInt("COORDINATOR_WORKERS", 4),
		},
		Listener: ListenerConfig{
			ListenerID:   getEnv("LISTENER_ID", "confirmation-listener"),
			PollInterval: time.Duration(getEnvInt("LISTENER_POLL_INTERVAL_SECONDS", 3)) * time.Second,
			FetchLimit:   getEnvInt("LISTENER_FETCH_LIMIT", 100),
			GracePeriod:  time.Duration(getEnvInt("LISTENER_GRACE_PERIOD_SECONDS", 120)) * time.Second,
		},
		Rates: RatesConfig{
			RefreshInterval: time.Duration(getEnvInt("RATES_REFRESH_INTERVAL_SECONDS", 300)) * time.Second,
		},
		Gateway: GatewayConfig{
			BaseURL: getEnv("LEDGER_GATEWAY_URL", "http://localhost:8899"),
			APIKey:  getEnv("LEDGER_GATEWAY_API_KEY", ""),
			Timeout: time.Duration(getEnvInt("LEDGER_GATEWAY_TIMEOUT_SECONDS", 30)) * time.Second,
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDecimal(key, defaultValue string) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	d, _ := decimal.NewFromString(defaultValue)
	return d
}
