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
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Guard      GuardConfig      `yaml:"guard" mapstructure:"guard"`
	Matcher    MatcherConfig    `yaml:"matcher" mapstructure:"matcher"`
	Validation ValidationConfig `yaml:"validation" mapstructure:"validation"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" mapstructure:"scheduler"`
	Clarify    ClarifyConfig    `yaml:"clarify" mapstructure:"clarify"`
	Messaging  MessagingConfig  `yaml:"messaging" mapstructure:"messaging"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Resilience ResilienceConfig `yaml:"resilience" mapstructure:"resilience"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	CacheSize   int    `yaml:"cache_size" mapstructure:"cache_size"`
}

// AnthropicConfig holds Anthropic API settings for the model voter.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int    `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// GuardConfig bounds classifier spend and tunes vote aggregation.
// Ceilings and tiers are provisional and expected to be recalibrated.
type GuardConfig struct {
	GlobalDailyLimit  int64    `yaml:"global_daily_limit" mapstructure:"global_daily_limit"`
	GlobalHourlyLimit int64    `yaml:"global_hourly_limit" mapstructure:"global_hourly_limit"`
	UserDailyLimit    int64    `yaml:"user_daily_limit" mapstructure:"user_daily_limit"`
	WarnRatio         float64  `yaml:"warn_ratio" mapstructure:"warn_ratio"`
	CacheTTLHours     int      `yaml:"cache_ttl_hours" mapstructure:"cache_ttl_hours"`
	Voters            []string `yaml:"voters" mapstructure:"voters"`
	PrimaryVoter      string   `yaml:"primary_voter" mapstructure:"primary_voter"`
	VoterTimeoutSecs  int      `yaml:"voter_timeout_secs" mapstructure:"voter_timeout_secs"`
	RatePerSec        float64  `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst             int      `yaml:"burst" mapstructure:"burst"`
	UnanimousTier     float64  `yaml:"unanimous_tier" mapstructure:"unanimous_tier"`
	SplitTier         float64  `yaml:"split_tier" mapstructure:"split_tier"`
	FallbackTier      float64  `yaml:"fallback_tier" mapstructure:"fallback_tier"`
}

// MatcherConfig tunes fuzzy reference matching.
type MatcherConfig struct {
	MinScore       float64 `yaml:"min_score" mapstructure:"min_score"`
	TopK           int     `yaml:"top_k" mapstructure:"top_k"`
	WindowDays     int     `yaml:"window_days" mapstructure:"window_days"`
	TokenThreshold float64 `yaml:"token_threshold" mapstructure:"token_threshold"`
	EditWeight     float64 `yaml:"edit_weight" mapstructure:"edit_weight"`
	OverlapWeight  float64 `yaml:"overlap_weight" mapstructure:"overlap_weight"`
}

// ValidationConfig tunes the validation gate and its confidence adjustments.
type ValidationConfig struct {
	GraceMinutes         int     `yaml:"grace_minutes" mapstructure:"grace_minutes"`
	EventDurationMinutes int     `yaml:"event_duration_minutes" mapstructure:"event_duration_minutes"`
	ConfidenceBoost      float64 `yaml:"confidence_boost" mapstructure:"confidence_boost"`
	BoostCap             float64 `yaml:"boost_cap" mapstructure:"boost_cap"`
	WarningPenalty       float64 `yaml:"warning_penalty" mapstructure:"warning_penalty"`
	PenaltyFloor         float64 `yaml:"penalty_floor" mapstructure:"penalty_floor"`
	DefaultEventTitle    string  `yaml:"default_event_title" mapstructure:"default_event_title"`
	DefaultReminderTitle string  `yaml:"default_reminder_title" mapstructure:"default_reminder_title"`
}

// SchedulerConfig configures reminder scheduling and the delivery worker.
type SchedulerConfig struct {
	MaxLeadMinutes   int `yaml:"max_lead_minutes" mapstructure:"max_lead_minutes"`
	ToleranceSecs    int `yaml:"tolerance_secs" mapstructure:"tolerance_secs"`
	Concurrency      int `yaml:"concurrency" mapstructure:"concurrency"`
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	PollIntervalSecs int `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
	LeaseSecs        int `yaml:"lease_secs" mapstructure:"lease_secs"`
	JobTimeoutSecs   int `yaml:"job_timeout_secs" mapstructure:"job_timeout_secs"`
	BatchSize        int `yaml:"batch_size" mapstructure:"batch_size"`
	RetentionDays    int `yaml:"retention_days" mapstructure:"retention_days"`
}

// ClarifyConfig configures pending clarification storage.
type ClarifyConfig struct {
	TTLMinutes int `yaml:"ttl_minutes" mapstructure:"ttl_minutes"`
}

// MessagingConfig configures the outbound messaging gateway.
type MessagingConfig struct {
	Driver      string  `yaml:"driver" mapstructure:"driver"`
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	Token       string  `yaml:"token" mapstructure:"token"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// MonitoringConfig configures admin alerting.
type MonitoringConfig struct {
	WebhookURL  string `yaml:"webhook_url" mapstructure:"webhook_url"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// ResilienceConfig configures retry and circuit breaking for outbound calls.
type ResilienceConfig struct {
	Retry   RetryConfig   `yaml:"retry" mapstructure:"retry"`
	Circuit CircuitConfig `yaml:"circuit" mapstructure:"circuit"`
}

// RetryConfig mirrors resilience.RetryConfig in config units.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig mirrors resilience.CircuitBreakerConfig in config units.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
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
	v.SetEnvPrefix("YOMAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

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

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "yoman.db")
	v.SetDefault("store.cache_size", 4096)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 256)

	v.SetDefault("guard.global_daily_limit", 300)
	v.SetDefault("guard.global_hourly_limit", 60)
	v.SetDefault("guard.user_daily_limit", 40)
	v.SetDefault("guard.warn_ratio", 0.8)
	v.SetDefault("guard.cache_ttl_hours", 6)
	v.SetDefault("guard.voters", []string{"anthropic", "keyword"})
	v.SetDefault("guard.primary_voter", "anthropic")
	v.SetDefault("guard.voter_timeout_secs", 8)
	v.SetDefault("guard.rate_per_sec", 5.0)
	v.SetDefault("guard.burst", 10)
	v.SetDefault("guard.unanimous_tier", 0.95)
	v.SetDefault("guard.split_tier", 0.6)
	v.SetDefault("guard.fallback_tier", 0.8)

	v.SetDefault("matcher.min_score", 0.5)
	v.SetDefault("matcher.top_k", 5)
	v.SetDefault("matcher.window_days", 60)
	v.SetDefault("matcher.token_threshold", 0.7)
	v.SetDefault("matcher.edit_weight", 0.7)
	v.SetDefault("matcher.overlap_weight", 0.8)

	v.SetDefault("validation.grace_minutes", 5)
	v.SetDefault("validation.event_duration_minutes", 60)
	v.SetDefault("validation.confidence_boost", 0.05)
	v.SetDefault("validation.boost_cap", 0.95)
	v.SetDefault("validation.warning_penalty", 0.1)
	v.SetDefault("validation.penalty_floor", 0.5)
	v.SetDefault("validation.default_event_title", "אירוע חדש")
	v.SetDefault("validation.default_reminder_title", "תזכורת")

	v.SetDefault("scheduler.max_lead_minutes", 10080)
	v.SetDefault("scheduler.tolerance_secs", 60)
	v.SetDefault("scheduler.concurrency", 5)
	v.SetDefault("scheduler.max_attempts", 3)
	v.SetDefault("scheduler.initial_backoff_ms", 2000)
	v.SetDefault("scheduler.max_backoff_ms", 60000)
	v.SetDefault("scheduler.poll_interval_secs", 5)
	v.SetDefault("scheduler.lease_secs", 60)
	v.SetDefault("scheduler.job_timeout_secs", 30)
	v.SetDefault("scheduler.batch_size", 20)
	v.SetDefault("scheduler.retention_days", 7)

	v.SetDefault("clarify.ttl_minutes", 10)

	v.SetDefault("messaging.driver", "log")
	v.SetDefault("messaging.rate_per_sec", 10.0)
	v.SetDefault("messaging.timeout_secs", 10)

	v.SetDefault("monitoring.timeout_secs", 10)

	v.SetDefault("resilience.retry.max_attempts", 3)
	v.SetDefault("resilience.retry.initial_backoff_ms", 500)
	v.SetDefault("resilience.retry.max_backoff_ms", 30000)
	v.SetDefault("resilience.retry.multiplier", 2.0)
	v.SetDefault("resilience.retry.jitter_fraction", 0.25)
	v.SetDefault("resilience.circuit.failure_threshold", 5)
	v.SetDefault("resilience.circuit.reset_timeout_secs", 30)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks the loaded configuration for values the service cannot
// run with. All problems are reported together.
func (c *Config) Validate() error {
	var problems []string

	switch c.Store.Driver {
	case "sqlite", "memory":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required for postgres")
		}
	default:
		problems = append(problems, "store.driver must be sqlite, postgres or memory")
	}

	g := c.Guard
	if g.GlobalDailyLimit <= 0 || g.GlobalHourlyLimit <= 0 || g.UserDailyLimit <= 0 {
		problems = append(problems, "guard limits must be positive")
	}
	if g.WarnRatio <= 0 || g.WarnRatio > 1 {
		problems = append(problems, "guard.warn_ratio must be in (0,1]")
	}
	if len(g.Voters) == 0 {
		problems = append(problems, "guard.voters must name at least one voter")
	}
	if !(g.SplitTier > 0 && g.SplitTier <= g.FallbackTier && g.FallbackTier <= g.UnanimousTier && g.UnanimousTier <= 1) {
		problems = append(problems, "guard tiers must satisfy 0 < split <= fallback <= unanimous <= 1")
	}

	m := c.Matcher
	if m.MinScore < 0 || m.MinScore > 1 {
		problems = append(problems, "matcher.min_score must be in [0,1]")
	}
	if m.TopK <= 0 {
		problems = append(problems, "matcher.top_k must be positive")
	}

	if c.Scheduler.Concurrency <= 0 {
		problems = append(problems, "scheduler.concurrency must be positive")
	}
	if c.Scheduler.MaxLeadMinutes < 0 {
		problems = append(problems, "scheduler.max_lead_minutes must not be negative")
	}

	switch c.Messaging.Driver {
	case "log":
	case "http":
		if c.Messaging.BaseURL == "" {
			problems = append(problems, "messaging.base_url is required for the http driver")
		}
	default:
		problems = append(problems, "messaging.driver must be log or http")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, "server.port must be in 1..65535")
	}

	if len(problems) > 0 {
		return eris.Errorf("config: invalid: %s", strings.Join(problems, "; "))
	}
	return nil
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
