package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	NodeID      int64

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBAutoMigrate     bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AMQPURL      string
	AMQPExchange string

	Gateways       GatewaysConfig
	Reconciliation ReconciliationConfig
	Scheduler      SchedulerConfig
}

// GatewaysConfig configures the HTTP gateway adapters.
type GatewaysConfig struct {
	StripeBaseURL       string
	StripeAPIKey        string
	StripeWebhookSecret string
	PaypalBaseURL       string
	PaypalClientID      string
	PaypalClientSecret  string
}

type ReconciliationConfig struct {
	Workers        int
	GatewayTimeout time.Duration
	LockTTL        time.Duration
}

type SchedulerConfig struct {
	Enabled             bool
	SweepSpec           string
	SweepLookback       time.Duration
	SweepBatchSize      int
	AutoInvoiceSpec     string
	AutoInvoiceMaxCases int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "lexbill"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		NodeID:            int64(getenvInt("SNOWFLAKE_NODE_ID", 1)),
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "lexbill"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		DBAutoMigrate:     getenvBool("DATABASE_AUTO_MIGRATE", true),
		RedisAddr:         strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword:     getenv("REDIS_PASSWORD", ""),
		RedisDB:           getenvInt("REDIS_DB", 0),
		AMQPURL:           strings.TrimSpace(getenv("AMQP_URL", "")),
		AMQPExchange:      getenv("AMQP_EXCHANGE", "billing.events"),
		Gateways: GatewaysConfig{
			StripeBaseURL:       getenv("STRIPE_BASE_URL", "https://api.stripe.com"),
			StripeAPIKey:        strings.TrimSpace(getenv("STRIPE_API_KEY", "")),
			StripeWebhookSecret: strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET", "")),
			PaypalBaseURL:       getenv("PAYPAL_BASE_URL", "https://api-m.paypal.com"),
			PaypalClientID:      strings.TrimSpace(getenv("PAYPAL_CLIENT_ID", "")),
			PaypalClientSecret:  strings.TrimSpace(getenv("PAYPAL_CLIENT_SECRET", "")),
		},
		Reconciliation: ReconciliationConfig{
			Workers:        getenvInt("RECONCILIATION_WORKERS", 8),
			GatewayTimeout: getenvDuration("RECONCILIATION_GATEWAY_TIMEOUT", 10*time.Second),
			LockTTL:        getenvDuration("RECONCILIATION_LOCK_TTL", 30*time.Second),
		},
		Scheduler: SchedulerConfig{
			Enabled:             getenvBool("SCHEDULER_ENABLED", true),
			SweepSpec:           getenv("SCHEDULER_SWEEP_SPEC", "@every 15m"),
			SweepLookback:       getenvDuration("SCHEDULER_SWEEP_LOOKBACK", 72*time.Hour),
			SweepBatchSize:      getenvInt("SCHEDULER_SWEEP_BATCH_SIZE", 200),
			AutoInvoiceSpec:     getenv("SCHEDULER_AUTO_INVOICE_SPEC", "0 2 * * *"),
			AutoInvoiceMaxCases: getenvInt("SCHEDULER_AUTO_INVOICE_MAX_CASES", 100),
		},
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("invalid %s=%q, using default %d", key, value, def)
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("invalid %s=%q, using default %s", key, value, def)
		return def
	}
	return parsed
}
