// Package config loads server configuration from the environment.
// A Config value is constructed once at boot and injected into components;
// nothing reads the environment after Load returns.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Backend selects the persistence backend.
type Backend string

const (
	BackendPostgres Backend = "postgres"
	BackendSQLite   Backend = "sqlite"
)

// AbuseDimension tunes one scoring dimension of the abuse engine.
type AbuseDimension struct {
	Weight int64 `yaml:"weight"`
	Max    int64 `yaml:"max"`
}

// AbuseConfig holds the abuse engine knobs.
type AbuseConfig struct {
	Enabled                 bool           `yaml:"enabled"`
	WindowMs                int64          `yaml:"window_ms"`
	BlockDurationMs         int64          `yaml:"block_duration_ms"`
	ScoreLimit              int64          `yaml:"score_limit"`
	Sender                  AbuseDimension `yaml:"sender"`
	Recipient               AbuseDimension `yaml:"recipient"`
	IP                      AbuseDimension `yaml:"ip"`
	Device                  AbuseDimension `yaml:"device"`
	MissingUserAgentPenalty int64          `yaml:"missing_user_agent_penalty"`
}

// AlertThresholds drive the observability health snapshot.
type AlertThresholds struct {
	PendingDeliveryJobs int64 `yaml:"pending_delivery_jobs"`
	FailedDeliveryJobs  int64 `yaml:"failed_delivery_jobs"`
	IndexerLagBlocks    int64 `yaml:"indexer_lag_blocks"`
}

// Config holds all recognized options. Boolean zero values are the
// production-safe choice when Env == "production".
type Config struct {
	Env  string
	Port string

	DatabaseURL string
	Backend     Backend
	StrictMode  bool
	DataDir     string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	LockTimeout   time.Duration

	DistributedWorkers bool

	RateLimitWindow time.Duration
	RateLimitMax    int64

	Abuse AbuseConfig

	DeliveryPollInterval time.Duration
	DeliveryBatchSize    int
	DeliveryLockTTL      time.Duration
	DeliveryMaxAttempts  int

	IndexerEnabled      bool
	IndexerPollInterval time.Duration
	IndexerStartBlock   uint64
	IndexerLockTTL      time.Duration
	ChainID             string
	ChainRPCURL         string
	VaultAddress        string
	TokenDecimals       int

	LegalTOSVersion          string
	LegalTOSApprovedAt       int64
	RequireSocialTOSAccepted bool

	IdentityStrict    bool
	IdentityProviders []string

	SessionSecret      string
	PIISecret          string
	SmartAccountSecret string

	MetricsEnabled bool
	MetricsToken   string
	TracingEnabled bool
	MaxSpans       int
	SpanExportURL  string

	AlertWebhookURL    string
	AlertWebhookToken  string
	AlertCadence       time.Duration
	Alerts             AlertThresholds

	LaunchGateEnabled bool
	BlockOnWarn       bool

	HandleCooldown time.Duration
}

// Load reads configuration from environment variables. Defaults are
// permissive in development and safe in production.
func Load() *Config {
	env := getenv("ENV", "development")
	prod := env == "production"

	cfg := &Config{
		Env:  env,
		Port: getenv("PORT", "8080"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		Backend:     Backend(getenv("PERSISTENCE_BACKEND", defaultBackend(prod))),
		StrictMode:  getbool("PERSISTENCE_STRICT", prod),
		DataDir:     getenv("DATA_DIR", "data"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getint("REDIS_DB", 0),
		LockTimeout:   getdur("LOCK_TIMEOUT", 2*time.Second),

		DistributedWorkers: getbool("WORKER_DISTRIBUTED", prod),

		RateLimitWindow: getdur("RATE_LIMIT_WINDOW", time.Minute),
		RateLimitMax:    int64(getint("RATE_LIMIT_MAX", 60)),

		Abuse: AbuseConfig{
			Enabled:                 getbool("ABUSE_ENABLED", true),
			WindowMs:                int64(getint("ABUSE_WINDOW_MS", 60_000)),
			BlockDurationMs:         int64(getint("ABUSE_BLOCK_DURATION_MS", 600_000)),
			ScoreLimit:              int64(getint("ABUSE_SCORE_LIMIT", 100)),
			Sender:                  AbuseDimension{Weight: int64(getint("ABUSE_SENDER_WEIGHT", 10)), Max: int64(getint("ABUSE_SENDER_MAX", 30))},
			Recipient:               AbuseDimension{Weight: int64(getint("ABUSE_RECIPIENT_WEIGHT", 5)), Max: int64(getint("ABUSE_RECIPIENT_MAX", 60))},
			IP:                      AbuseDimension{Weight: int64(getint("ABUSE_IP_WEIGHT", 10)), Max: int64(getint("ABUSE_IP_MAX", 60))},
			Device:                  AbuseDimension{Weight: int64(getint("ABUSE_DEVICE_WEIGHT", 10)), Max: int64(getint("ABUSE_DEVICE_MAX", 60))},
			MissingUserAgentPenalty: int64(getint("ABUSE_MISSING_UA_PENALTY", 20)),
		},

		DeliveryPollInterval: getdur("DELIVERY_POLL_INTERVAL", 5*time.Second),
		DeliveryBatchSize:    getint("DELIVERY_BATCH_SIZE", 25),
		DeliveryLockTTL:      getdur("DELIVERY_LOCK_TTL", 60*time.Second),
		DeliveryMaxAttempts:  getint("DELIVERY_MAX_ATTEMPTS", 6),

		IndexerEnabled:      getbool("INDEXER_ENABLED", false),
		IndexerPollInterval: getdur("INDEXER_POLL_INTERVAL", 15*time.Second),
		IndexerStartBlock:   uint64(getint("INDEXER_START_BLOCK", 0)),
		IndexerLockTTL:      getdur("INDEXER_LOCK_TTL", 120*time.Second),
		ChainID:             getenv("CHAIN_ID", "1"),
		ChainRPCURL:         os.Getenv("CHAIN_RPC_URL"),
		VaultAddress:        strings.ToLower(os.Getenv("VAULT_ADDRESS")),
		TokenDecimals:       getint("TOKEN_DECIMALS", 6),

		LegalTOSVersion:          getenv("LEGAL_TOS_VERSION", "1"),
		LegalTOSApprovedAt:       int64(getint("LEGAL_TOS_APPROVED_AT", 0)),
		RequireSocialTOSAccepted: getbool("REQUIRE_SOCIAL_TOS_ACCEPTED", prod),

		IdentityStrict:    getbool("IDENTITY_STRICT", prod),
		IdentityProviders: getlist("IDENTITY_PROVIDERS"),

		SessionSecret:      os.Getenv("SESSION_SECRET"),
		PIISecret:          os.Getenv("PII_SECRET"),
		SmartAccountSecret: os.Getenv("SMART_ACCOUNT_SECRET"),

		MetricsEnabled: getbool("METRICS_ENABLED", true),
		MetricsToken:   os.Getenv("METRICS_TOKEN"),
		TracingEnabled: getbool("TRACING_ENABLED", true),
		MaxSpans:       getint("MAX_SPANS", 2048),
		SpanExportURL:  os.Getenv("SPAN_EXPORT_URL"),

		AlertWebhookURL:   os.Getenv("ALERT_WEBHOOK_URL"),
		AlertWebhookToken: os.Getenv("ALERT_WEBHOOK_TOKEN"),
		AlertCadence:      getdur("ALERT_CADENCE", time.Minute),
		Alerts: AlertThresholds{
			PendingDeliveryJobs: int64(getint("ALERT_PENDING_JOBS", 500)),
			FailedDeliveryJobs:  int64(getint("ALERT_FAILED_JOBS", 50)),
			IndexerLagBlocks:    int64(getint("ALERT_INDEXER_LAG", 100)),
		},

		LaunchGateEnabled: getbool("LAUNCH_GATE_ENABLED", prod),
		BlockOnWarn:       getbool("LAUNCH_BLOCK_ON_WARN", false),

		HandleCooldown: getdur("HANDLE_COOLDOWN", 720*time.Hour),
	}
	return cfg
}

func defaultBackend(prod bool) string {
	if prod {
		return string(BackendPostgres)
	}
	return string(BackendSQLite)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getbool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getint(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getdur(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getlist(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
