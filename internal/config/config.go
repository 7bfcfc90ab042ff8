package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Queue      QueueConfig      `yaml:"queue" mapstructure:"queue"`
	Worker     WorkerConfig     `yaml:"worker" mapstructure:"worker"`
	Telephony  TelephonyConfig  `yaml:"telephony" mapstructure:"telephony"`
	AI         AIConfig         `yaml:"ai" mapstructure:"ai"`
	Recording  RecordingConfig  `yaml:"recording" mapstructure:"recording"`
	Refill     RefillConfig     `yaml:"refill" mapstructure:"refill"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// QueueConfig configures the Redis job store.
type QueueConfig struct {
	RedisAddr               string `yaml:"redis_addr" mapstructure:"redis_addr"`
	RedisPassword           string `yaml:"redis_password" mapstructure:"redis_password"`
	RedisDB                 int    `yaml:"redis_db" mapstructure:"redis_db"`
	Stream                  string `yaml:"stream" mapstructure:"stream"`
	MaxAttempts             int    `yaml:"max_attempts" mapstructure:"max_attempts"`
	BackoffBaseMs           int    `yaml:"backoff_base_ms" mapstructure:"backoff_base_ms"`
	LeaseMs                 int    `yaml:"lease_ms" mapstructure:"lease_ms"`
	CompletedRetentionHours int    `yaml:"completed_retention_hours" mapstructure:"completed_retention_hours"`
	CompletedRetentionCount int    `yaml:"completed_retention_count" mapstructure:"completed_retention_count"`
	FailedRetentionHours    int    `yaml:"failed_retention_hours" mapstructure:"failed_retention_hours"`
}

// WorkerConfig configures the consumer pool.
type WorkerConfig struct {
	Concurrency    int `yaml:"concurrency" mapstructure:"concurrency"`
	RateCount      int `yaml:"rate_count" mapstructure:"rate_count"`
	RateWindowSecs int `yaml:"rate_window_secs" mapstructure:"rate_window_secs"`
}

// TelephonyConfig holds provider credentials and call defaults.
type TelephonyConfig struct {
	AccountSID  string `yaml:"account_sid" mapstructure:"account_sid"`
	AuthToken   string `yaml:"auth_token" mapstructure:"auth_token"`
	FromNumber  string `yaml:"from_number" mapstructure:"from_number"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	Record      bool   `yaml:"record" mapstructure:"record"`
}

// AIConfig holds the realtime voice endpoint settings.
type AIConfig struct {
	RealtimeURL        string `yaml:"realtime_url" mapstructure:"realtime_url"`
	APIKey             string `yaml:"api_key" mapstructure:"api_key"`
	Voice              string `yaml:"voice" mapstructure:"voice"`
	ConnectTimeoutSecs int    `yaml:"connect_timeout_secs" mapstructure:"connect_timeout_secs"`
	MaxRetries         int    `yaml:"max_retries" mapstructure:"max_retries"`
	MaxResponseTokens  int    `yaml:"max_response_tokens" mapstructure:"max_response_tokens"`
	AgentProfile       string `yaml:"agent_profile" mapstructure:"agent_profile"`
}

// RecordingConfig selects the recording storage backend.
type RecordingConfig struct {
	Backend string      `yaml:"backend" mapstructure:"backend"`
	Minio   MinioConfig `yaml:"minio" mapstructure:"minio"`
}

// MinioConfig holds object storage credentials.
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint" mapstructure:"endpoint"`
	AccessKey string `yaml:"access_key" mapstructure:"access_key"`
	SecretKey string `yaml:"secret_key" mapstructure:"secret_key"`
	Bucket    string `yaml:"bucket" mapstructure:"bucket"`
	UseSSL    bool   `yaml:"use_ssl" mapstructure:"use_ssl"`
}

// RefillConfig bounds the lead refill automation.
type RefillConfig struct {
	MaxLeadLimit   int    `yaml:"max_lead_limit" mapstructure:"max_lead_limit"`
	DefaultMessage string `yaml:"default_message" mapstructure:"default_message"`
}

// ServerConfig configures the HTTP and media-stream server.
type ServerConfig struct {
	Port          int    `yaml:"port" mapstructure:"port"`
	PublicBaseURL string `yaml:"public_base_url" mapstructure:"public_base_url"`
}

// MonitoringConfig configures health snapshots and failure alerts.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	LookbackHours        int     `yaml:"lookback_hours" mapstructure:"lookback_hours"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CALLPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("queue.redis_addr", "localhost:6379")
	v.SetDefault("queue.redis_db", 0)
	v.SetDefault("queue.stream", "calls")
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.backoff_base_ms", 2000)
	v.SetDefault("queue.lease_ms", 60000)
	v.SetDefault("queue.completed_retention_hours", 168)
	v.SetDefault("queue.completed_retention_count", 1000)
	v.SetDefault("queue.failed_retention_hours", 720)
	v.SetDefault("worker.concurrency", 5)
	v.SetDefault("worker.rate_count", 10)
	v.SetDefault("worker.rate_window_secs", 60)
	v.SetDefault("telephony.timeout_secs", 30)
	v.SetDefault("telephony.record", true)
	v.SetDefault("ai.realtime_url", "wss://api.openai.com/v1/realtime?model=gpt-4o-realtime-preview")
	v.SetDefault("ai.voice", "alloy")
	v.SetDefault("ai.connect_timeout_secs", 10)
	v.SetDefault("ai.max_retries", 3)
	v.SetDefault("ai.max_response_tokens", 4096)
	v.SetDefault("recording.backend", "none")
	v.SetDefault("recording.minio.bucket", "call-recordings")
	v.SetDefault("refill.max_lead_limit", 500)
	v.SetDefault("refill.default_message", "Hello! This is a follow-up call about your recent inquiry.")
	v.SetDefault("server.port", 8080)
	v.SetDefault("monitoring.failure_rate_threshold", 0.5)
	v.SetDefault("monitoring.lookback_hours", 24)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
