package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	EnvPrefix = "TIMEFLOW"

	AppEnvDev  = "development"
	AppEnvProd = "production"
)

// Env var names referenced by tests and tooling.
const (
	EnvAppEnv    = "TIMEFLOW_APP_ENV"
	EnvPort      = "TIMEFLOW_APP_PORT"
	EnvDBDSN     = "TIMEFLOW_DB_DSN"
	EnvRedisURL  = "TIMEFLOW_REDIS_URL"
	EnvJWTSecret = "TIMEFLOW_JWT_SECRET"
	EnvJWTIssuer = "TIMEFLOW_JWT_ISSUER"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	Stream       StreamConfig
	Ops          OpsConfig
	JWT          JWTConfig
	Worker       WorkerConfig
	Replay       ReplayConfig
	FeatureFlags FeatureFlagsConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"TIMEFLOW_APP_ENV" default:"development"`
	Port         string `envconfig:"TIMEFLOW_APP_PORT" default:"3000"`
	LogLevel     string `envconfig:"TIMEFLOW_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"TIMEFLOW_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"TIMEFLOW_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN string `envconfig:"TIMEFLOW_DB_DSN"`

	MaxOpenConns    int           `envconfig:"TIMEFLOW_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"TIMEFLOW_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"TIMEFLOW_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"TIMEFLOW_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"TIMEFLOW_REDIS_URL" required:"true"`
	Address      string        `envconfig:"TIMEFLOW_REDIS_ADDR"`
	Password     string        `envconfig:"TIMEFLOW_REDIS_PASSWORD"`
	DB           int           `envconfig:"TIMEFLOW_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"TIMEFLOW_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"TIMEFLOW_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"TIMEFLOW_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"TIMEFLOW_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"TIMEFLOW_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// StreamConfig names the event log and the consumer group the platform
// watches. The same group is consumed by cmd/worker and inspected by the
// ops snapshot.
type StreamConfig struct {
	Stream    string `envconfig:"TIMEFLOW_STREAM" default:"timeflow.events"`
	DLQStream string `envconfig:"TIMEFLOW_DLQ_STREAM" default:"timeflow.events.dlq"`
	Group     string `envconfig:"TIMEFLOW_GROUP" default:"event-processor"`

	PublishMaxRetries   int           `envconfig:"TIMEFLOW_PUBLISH_MAX_RETRIES" default:"3"`
	PublishRetryBackoff time.Duration `envconfig:"TIMEFLOW_PUBLISH_RETRY_BACKOFF" default:"200ms"`
}

type OpsConfig struct {
	Enabled     bool     `envconfig:"TIMEFLOW_OPS_ENABLED" default:"false"`
	DevOnly     bool     `envconfig:"TIMEFLOW_OPS_DEV_ONLY" default:"false"`
	AdminEmails []string `envconfig:"TIMEFLOW_OPS_ADMIN_EMAILS"`

	PendingSampleCount int           `envconfig:"TIMEFLOW_OPS_PENDING_SAMPLE" default:"10"`
	DLQSampleCount     int           `envconfig:"TIMEFLOW_OPS_DLQ_SAMPLE" default:"2"`
	HeartbeatMaxAge    time.Duration `envconfig:"TIMEFLOW_OPS_HEARTBEAT_MAX_AGE" default:"30s"`
	QueryTimeout       time.Duration `envconfig:"TIMEFLOW_OPS_QUERY_TIMEOUT" default:"5s"`
}

// Allowlist returns the normalized admin emails, lowercased with blanks
// stripped.
func (o OpsConfig) Allowlist() []string {
	out := make([]string, 0, len(o.AdminEmails))
	for _, email := range o.AdminEmails {
		email = strings.ToLower(strings.TrimSpace(email))
		if email == "" {
			continue
		}
		out = append(out, email)
	}
	return out
}

type JWTConfig struct {
	Secret string `envconfig:"TIMEFLOW_JWT_SECRET"`
	Issuer string `envconfig:"TIMEFLOW_JWT_ISSUER" default:"timeflow"`
}

type WorkerConfig struct {
	Consumer          string        `envconfig:"TIMEFLOW_WORKER_NAME" default:"event-processor-1"`
	BatchCount        int           `envconfig:"TIMEFLOW_WORKER_BATCH_COUNT" default:"10"`
	BlockTimeout      time.Duration `envconfig:"TIMEFLOW_WORKER_BLOCK_TIMEOUT" default:"5s"`
	HeartbeatInterval time.Duration `envconfig:"TIMEFLOW_WORKER_HEARTBEAT_INTERVAL" default:"10s"`
	HeartbeatTTL      time.Duration `envconfig:"TIMEFLOW_WORKER_HEARTBEAT_TTL" default:"30s"`
	MaxRetries        int           `envconfig:"TIMEFLOW_WORKER_MAX_RETRIES" default:"5"`
	AttemptsTTL       time.Duration `envconfig:"TIMEFLOW_WORKER_ATTEMPTS_TTL" default:"1h"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"TIMEFLOW_AUTO_MIGRATE" default:"false"`
}

type ReplayConfig struct {
	Stream    string `envconfig:"TIMEFLOW_REPLAY_STREAM"`
	DLQStream string `envconfig:"TIMEFLOW_REPLAY_DLQ_STREAM"`
}
