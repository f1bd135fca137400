package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	DatabaseURL string           `yaml:"database_url" mapstructure:"database_url"`
	Feed        FeedConfig       `yaml:"feed" mapstructure:"feed"`
	Inspector   InspectorConfig  `yaml:"inspector" mapstructure:"inspector"`
	Snapshot    SnapshotConfig   `yaml:"snapshot" mapstructure:"snapshot"`
	Sync        SyncConfig       `yaml:"sync" mapstructure:"sync"`
	Scheduler   SchedulerConfig  `yaml:"scheduler" mapstructure:"scheduler"`
	Redis       RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Monitoring  MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Server      ServerConfig     `yaml:"server" mapstructure:"server"`
	Log         LogConfig        `yaml:"log" mapstructure:"log"`
}

// Auth modes supported by the feed client.
const (
	AuthNone   = "none"
	AuthBearer = "bearer"
	AuthBasic  = "basic"
	AuthQuery  = "query"
)

// FeedConfig configures the CRM feed endpoints and the HTTP client that pulls them.
type FeedConfig struct {
	Endpoints    []string   `yaml:"endpoints" mapstructure:"endpoints"`
	TimeoutSecs  int        `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	Retries      int        `yaml:"retries" mapstructure:"retries"`
	RetryDelayMs int        `yaml:"retry_delay_ms" mapstructure:"retry_delay_ms"`
	SSLVerify    bool       `yaml:"ssl_verify" mapstructure:"ssl_verify"`
	UserAgent    string     `yaml:"user_agent" mapstructure:"user_agent"`
	RateLimit    float64    `yaml:"rate_limit" mapstructure:"rate_limit"`
	Auth         AuthConfig `yaml:"auth" mapstructure:"auth"`
}

// Timeout returns the per-request timeout.
func (c FeedConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// RetryDelay returns the fixed delay between attempts.
func (c FeedConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

// AuthConfig selects how credentials are attached to feed requests.
type AuthConfig struct {
	Mode       string `yaml:"mode" mapstructure:"mode"`
	Token      string `yaml:"token" mapstructure:"token"`
	User       string `yaml:"user" mapstructure:"user"`
	Pass       string `yaml:"pass" mapstructure:"pass"`
	QueryParam string `yaml:"query_param" mapstructure:"query_param"`
}

// InspectorConfig configures the schema inspector.
type InspectorConfig struct {
	MaxDepth         int  `yaml:"max_depth" mapstructure:"max_depth"`
	ArraySampleSize  int  `yaml:"array_sample_size" mapstructure:"array_sample_size"`
	ExampleMaxLength int  `yaml:"example_max_length" mapstructure:"example_max_length"`
	Reset            bool `yaml:"reset" mapstructure:"reset"`
}

// SnapshotConfig configures raw feed snapshot retention.
type SnapshotConfig struct {
	Keep        int         `yaml:"keep" mapstructure:"keep"`
	SavePayload bool        `yaml:"save_payload" mapstructure:"save_payload"`
	Hints       HintsConfig `yaml:"hints" mapstructure:"hints"`
}

// HintsConfig names the root keys of the three known collections in a feed payload.
type HintsConfig struct {
	Projects   string `yaml:"projects" mapstructure:"projects"`
	Buildings  string `yaml:"buildings" mapstructure:"buildings"`
	Apartments string `yaml:"apartments" mapstructure:"apartments"`
}

// Stale scopes.
const (
	StaleScopeSource = "source"
	StaleScopeGlobal = "global"
)

// SyncConfig configures the reconciliation step.
type SyncConfig struct {
	StaleThresholdSecs int    `yaml:"stale_threshold_secs" mapstructure:"stale_threshold_secs"`
	StaleScope         string `yaml:"stale_scope" mapstructure:"stale_scope"`
}

// StaleThreshold returns the clock-skew allowance for stale marking.
func (c SyncConfig) StaleThreshold() time.Duration {
	return time.Duration(c.StaleThresholdSecs) * time.Second
}

// Lock backends for the scheduler.
const (
	LockLocal    = "local"
	LockPostgres = "postgres"
	LockRedis    = "redis"
)

// SchedulerConfig holds cron specs for each job and the overlap lock backend.
type SchedulerConfig struct {
	Collect string `yaml:"collect" mapstructure:"collect"`
	Inspect string `yaml:"inspect" mapstructure:"inspect"`
	Sync    string `yaml:"sync" mapstructure:"sync"`
	Lock    string `yaml:"lock" mapstructure:"lock"`
	LockTTL int    `yaml:"lock_ttl_secs" mapstructure:"lock_ttl_secs"`
}

// RedisConfig is used by the redis lock backend.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
}

// MonitoringConfig configures failure alerting.
type MonitoringConfig struct {
	WebhookURL          string `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs   int    `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours int    `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
}

// ServerConfig configures the listing API server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
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
	v.SetEnvPrefix("LISTING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("database_url", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("feed.endpoints", []string{})
	v.SetDefault("feed.timeout_secs", 30)
	v.SetDefault("feed.retries", 3)
	v.SetDefault("feed.retry_delay_ms", 1000)
	v.SetDefault("feed.ssl_verify", true)
	v.SetDefault("feed.user_agent", "listing-sync/1.0")
	v.SetDefault("feed.rate_limit", 0)
	v.SetDefault("feed.auth.mode", AuthNone)
	v.SetDefault("feed.auth.token", "")
	v.SetDefault("feed.auth.user", "")
	v.SetDefault("feed.auth.pass", "")
	v.SetDefault("feed.auth.query_param", "token")
	v.SetDefault("inspector.max_depth", 12)
	v.SetDefault("inspector.array_sample_size", 50)
	v.SetDefault("inspector.example_max_length", 200)
	v.SetDefault("inspector.reset", true)
	v.SetDefault("snapshot.keep", 20)
	v.SetDefault("snapshot.save_payload", true)
	v.SetDefault("snapshot.hints.projects", "")
	v.SetDefault("snapshot.hints.buildings", "")
	v.SetDefault("snapshot.hints.apartments", "")
	v.SetDefault("sync.stale_threshold_secs", 300)
	v.SetDefault("sync.stale_scope", StaleScopeSource)
	v.SetDefault("scheduler.collect", "@every 1h")
	v.SetDefault("scheduler.inspect", "@every 6h")
	v.SetDefault("scheduler.sync", "@every 1h")
	v.SetDefault("scheduler.lock", LockLocal)
	v.SetDefault("scheduler.lock_ttl_secs", 3600)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)

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

	// A comma-separated env value arrives as a single element.
	cfg.Feed.Endpoints = splitList(cfg.Feed.Endpoints)

	return &cfg, nil
}

func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// Validate checks the settings required by the given command mode:
// "sync" (collect/inspect/sync/run), "schedule", "serve" or "migrate".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "sync", "schedule":
		if c.DatabaseURL == "" {
			errs = append(errs, "database_url is required")
		}
		errs = append(errs, c.validateFeed()...)
		errs = append(errs, c.validateInspector()...)
		if c.Snapshot.Keep < 0 {
			errs = append(errs, "snapshot.keep must be >= 0")
		}
		if c.Sync.StaleThresholdSecs < 0 {
			errs = append(errs, "sync.stale_threshold_secs must be >= 0")
		}
		if c.Sync.StaleScope != StaleScopeSource && c.Sync.StaleScope != StaleScopeGlobal {
			errs = append(errs, fmt.Sprintf("sync.stale_scope %q must be source or global", c.Sync.StaleScope))
		}
		if mode == "schedule" {
			errs = append(errs, c.validateScheduler()...)
		}
	case "migrate":
		if c.DatabaseURL == "" {
			errs = append(errs, "database_url is required")
		}
	case "serve":
		if c.DatabaseURL == "" {
			errs = append(errs, "database_url is required")
		}
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateFeed() []string {
	var errs []string
	if len(c.Feed.Endpoints) == 0 {
		errs = append(errs, "feed.endpoints must list at least one URL")
	}
	for _, e := range c.Feed.Endpoints {
		u, err := url.Parse(e)
		if err != nil || u.Host == "" {
			errs = append(errs, fmt.Sprintf("feed.endpoints: %q is not a valid URL", e))
			continue
		}
		switch u.Scheme {
		case "http", "https", "ftp":
		default:
			errs = append(errs, fmt.Sprintf("feed.endpoints: %q must use http, https or ftp", e))
		}
	}
	if c.Feed.TimeoutSecs <= 0 {
		errs = append(errs, "feed.timeout_secs must be > 0")
	}
	if c.Feed.Retries < 0 {
		errs = append(errs, "feed.retries must be >= 0")
	}
	if c.Feed.RetryDelayMs < 0 {
		errs = append(errs, "feed.retry_delay_ms must be >= 0")
	}

	a := c.Feed.Auth
	switch a.Mode {
	case "", AuthNone:
	case AuthBearer:
		if a.Token == "" {
			errs = append(errs, "feed.auth.token is required for bearer auth")
		}
	case AuthBasic:
		if a.User == "" {
			errs = append(errs, "feed.auth.user is required for basic auth")
		}
	case AuthQuery:
		if a.Token == "" {
			errs = append(errs, "feed.auth.token is required for query auth")
		}
		if a.QueryParam == "" {
			errs = append(errs, "feed.auth.query_param is required for query auth")
		}
	default:
		errs = append(errs, fmt.Sprintf("feed.auth.mode %q must be one of none, bearer, basic, query", a.Mode))
	}
	return errs
}

func (c *Config) validateInspector() []string {
	var errs []string
	if c.Inspector.MaxDepth <= 0 {
		errs = append(errs, "inspector.max_depth must be > 0")
	}
	if c.Inspector.ArraySampleSize <= 0 {
		errs = append(errs, "inspector.array_sample_size must be > 0")
	}
	if c.Inspector.ExampleMaxLength < 0 {
		errs = append(errs, "inspector.example_max_length must be >= 0")
	}
	return errs
}

func (c *Config) validateScheduler() []string {
	var errs []string
	switch c.Scheduler.Lock {
	case LockLocal, LockPostgres:
	case LockRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, "redis.addr is required for the redis lock")
		}
	default:
		errs = append(errs, fmt.Sprintf("scheduler.lock %q must be local, postgres or redis", c.Scheduler.Lock))
	}
	if c.Scheduler.Collect == "" && c.Scheduler.Inspect == "" && c.Scheduler.Sync == "" {
		errs = append(errs, "scheduler: at least one job spec is required")
	}
	return errs
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
