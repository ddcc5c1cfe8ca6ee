package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBUser    string
	DBPass    string
	DBHost    string
	DBPort    string
	DBName    string
	SSLMode   string
	RedisHost string
	RedisPort string
	NatsHost  string
	NatsPort  string
	ApiPort   string

	// Connection pools. Ledger commits hold per-customer advisory locks
	// for the length of the transaction, so the Postgres pool caps how
	// many commits run concurrently.
	DBMaxConns     int
	DBConnLifetime time.Duration
	RedisPoolSize  int

	// Settlement knobs. Different adapters have different failure/cost
	// tradeoffs, so retry budgets live here, not in code.
	SettlementMaxAttempts   int
	SettlementBackoffBase   time.Duration
	SettlementBackoffCap    time.Duration
	SettlementBatchSize     int
	SettlementPollInterval  time.Duration
	SettlementPollBudget    time.Duration
	DispatchInterval        time.Duration
	ReconcileInterval       time.Duration
	ReconcileInFlightAge    time.Duration
	TenantWorkerConcurrency int
	ExpiryInterval          time.Duration
	ExpiryBatchSize         int

	// Fraud knobs.
	FraudWindow       time.Duration
	FraudFlagCount    int
	FraudBlockCount   int
	FraudPostCheckCap int64

	// Chain adapter endpoints. An empty URL leaves that adapter unregistered;
	// tenants bound to it then fail settlement dispatch loudly in the logs.
	ChainTimeout             time.Duration
	ObjectChainURL           string
	ObjectChainAPIKey        string
	ObjectChainSponsorBudget int64
	AccountChainURL          string
	AccountChainAPIKey       string
	AccountChainFeePayers    []string
	EVMRelayURL              string
	EVMRelayAPIKey           string
	EVMRelayForwarder        string
}

// New loads and validates configuration from environment variables.
func New() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DBUser:    os.Getenv("PERKA_POSTGRES_USER"),
		DBPass:    os.Getenv("PERKA_POSTGRES_PASSWORD"),
		DBHost:    os.Getenv("PERKA_POSTGRES_HOST"),
		DBPort:    os.Getenv("PERKA_POSTGRES_PORT"),
		DBName:    os.Getenv("PERKA_POSTGRES_DB"),
		SSLMode:   os.Getenv("PERKA_POSTGRES_SSLMODE"),
		RedisHost: os.Getenv("PERKA_REDIS_HOST"),
		RedisPort: os.Getenv("PERKA_REDIS_PORT"),
		NatsHost:  os.Getenv("PERKA_NATS_HOST"),
		NatsPort:  os.Getenv("PERKA_NATS_PORT"),
		ApiPort:   os.Getenv("PERKA_API_PORT"),

		DBMaxConns:     getEnvInt("PERKA_POSTGRES_MAX_CONNS", 16),
		DBConnLifetime: getEnvDuration("PERKA_POSTGRES_CONN_LIFETIME", 30*time.Minute),
		RedisPoolSize:  getEnvInt("PERKA_REDIS_POOL_SIZE", 10),

		SettlementMaxAttempts:   getEnvInt("PERKA_SETTLEMENT_MAX_ATTEMPTS", 8),
		SettlementBackoffBase:   getEnvDuration("PERKA_SETTLEMENT_BACKOFF_BASE", 500*time.Millisecond),
		SettlementBackoffCap:    getEnvDuration("PERKA_SETTLEMENT_BACKOFF_CAP", 2*time.Minute),
		SettlementBatchSize:     getEnvInt("PERKA_SETTLEMENT_BATCH_SIZE", 50),
		SettlementPollInterval:  getEnvDuration("PERKA_SETTLEMENT_POLL_INTERVAL", 2*time.Second),
		SettlementPollBudget:    getEnvDuration("PERKA_SETTLEMENT_POLL_BUDGET", 5*time.Minute),
		DispatchInterval:        getEnvDuration("PERKA_DISPATCH_INTERVAL", 5*time.Second),
		ReconcileInterval:       getEnvDuration("PERKA_RECONCILE_INTERVAL", time.Minute),
		ReconcileInFlightAge:    getEnvDuration("PERKA_RECONCILE_INFLIGHT_AGE", 10*time.Minute),
		TenantWorkerConcurrency: getEnvInt("PERKA_TENANT_WORKER_CONCURRENCY", 4),
		ExpiryInterval:          getEnvDuration("PERKA_EXPIRY_INTERVAL", time.Hour),
		ExpiryBatchSize:         getEnvInt("PERKA_EXPIRY_BATCH_SIZE", 200),

		FraudWindow:       getEnvDuration("PERKA_FRAUD_WINDOW", time.Hour),
		FraudFlagCount:    getEnvInt("PERKA_FRAUD_FLAG_COUNT", 30),
		FraudBlockCount:   getEnvInt("PERKA_FRAUD_BLOCK_COUNT", 100),
		FraudPostCheckCap: int64(getEnvInt("PERKA_FRAUD_POSTCHECK_CAP", 100000)),

		ChainTimeout:             getEnvDuration("PERKA_CHAIN_TIMEOUT", 15*time.Second),
		ObjectChainURL:           os.Getenv("PERKA_OBJECTCHAIN_URL"),
		ObjectChainAPIKey:        os.Getenv("PERKA_OBJECTCHAIN_API_KEY"),
		ObjectChainSponsorBudget: int64(getEnvInt("PERKA_OBJECTCHAIN_SPONSOR_BUDGET", 1000000)),
		AccountChainURL:          os.Getenv("PERKA_ACCOUNTCHAIN_URL"),
		AccountChainAPIKey:       os.Getenv("PERKA_ACCOUNTCHAIN_API_KEY"),
		AccountChainFeePayers:    splitList(os.Getenv("PERKA_ACCOUNTCHAIN_FEE_PAYERS")),
		EVMRelayURL:              os.Getenv("PERKA_EVMRELAY_URL"),
		EVMRelayAPIKey:           os.Getenv("PERKA_EVMRELAY_API_KEY"),
		EVMRelayForwarder:        os.Getenv("PERKA_EVMRELAY_FORWARDER"),
	}

	// Required: database
	if cfg.DBUser == "" || cfg.DBHost == "" || cfg.DBName == "" || cfg.SSLMode == "" {
		return nil, fmt.Errorf("missing required env for database: PERKA_POSTGRES_USER/HOST/DB/SSLMODE")
	}

	// Required: redis
	if cfg.RedisHost == "" || cfg.RedisPort == "" {
		return nil, fmt.Errorf("missing required env for redis: PERKA_REDIS_HOST/PORT")
	}

	// Required: nats (event bus + settlement/fraud queues)
	if cfg.NatsHost == "" || cfg.NatsPort == "" {
		return nil, fmt.Errorf("missing required env for nats: PERKA_NATS_HOST/PORT")
	}

	if cfg.SettlementMaxAttempts < 1 {
		return nil, fmt.Errorf("PERKA_SETTLEMENT_MAX_ATTEMPTS must be >= 1")
	}
	if cfg.FraudBlockCount < cfg.FraudFlagCount {
		return nil, fmt.Errorf("PERKA_FRAUD_BLOCK_COUNT must be >= PERKA_FRAUD_FLAG_COUNT")
	}

	return cfg, nil
}

func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPass, c.DBHost, c.DBPort, c.DBName, c.SSLMode)
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

func (c *Config) NatsAddr() string {
	return fmt.Sprintf("nats://%s:%s", c.NatsHost, c.NatsPort)
}

// ApiAddr returns the HTTP listen address if the API is enabled.
// Returns an error if PERKA_API_PORT is unset; callers should skip starting
// the HTTP server.
func (c *Config) ApiAddr() (string, error) {
	if c.ApiPort == "" {
		return "", fmt.Errorf("HTTP API is disabled (PERKA_API_PORT not set)")
	}
	return ":" + c.ApiPort, nil
}

func splitList(val string) []string {
	if val == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var intVal int
	if _, err := fmt.Sscanf(val, "%d", &intVal); err != nil {
		return defaultVal
	}
	return intVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}
	return d
}
