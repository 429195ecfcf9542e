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
	Targets TargetsConfig `yaml:"targets" mapstructure:"targets"`
	Fetch   FetchConfig   `yaml:"fetch" mapstructure:"fetch"`
	Alert   AlertConfig   `yaml:"alert" mapstructure:"alert"`
	Store   StoreConfig   `yaml:"store" mapstructure:"store"`
	Watch   WatchConfig   `yaml:"watch" mapstructure:"watch"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
}

// TargetsConfig locates the process → host mapping file.
type TargetsConfig struct {
	File string `yaml:"file" mapstructure:"file"`
}

// FetchConfig configures the two source endpoints and the retry policy.
type FetchConfig struct {
	TimeoutSecs int `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxAttempts int `yaml:"max_attempts" mapstructure:"max_attempts"`
	BaseDelayMs int `yaml:"base_delay_ms" mapstructure:"base_delay_ms"`
	// Concurrency bounds the number of targets fetched at once. 1 keeps
	// the run strictly sequential.
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`
	// HostRPS throttles requests per host. 0 disables throttling.
	HostRPS            float64 `yaml:"host_rps" mapstructure:"host_rps"`
	SourceAURLTemplate string  `yaml:"source_a_url_template" mapstructure:"source_a_url_template"`
	SourceBBaseURL     string  `yaml:"source_b_base_url" mapstructure:"source_b_base_url"`
	TagName            string  `yaml:"tag_name" mapstructure:"tag_name"`
}

// AlertConfig configures PagerDuty alerting.
type AlertConfig struct {
	Enabled           bool   `yaml:"enabled" mapstructure:"enabled"`
	RoutingKey        string `yaml:"routing_key" mapstructure:"routing_key"`
	MismatchThreshold int    `yaml:"mismatch_threshold" mapstructure:"mismatch_threshold"`
	ErrorThreshold    int    `yaml:"error_threshold" mapstructure:"error_threshold"`
	Source            string `yaml:"source" mapstructure:"source"`
	EndpointURL       string `yaml:"endpoint_url" mapstructure:"endpoint_url"`
	MaxAttempts       int    `yaml:"max_attempts" mapstructure:"max_attempts"`
	RetryPauseMs      int    `yaml:"retry_pause_ms" mapstructure:"retry_pause_ms"`
	TimeoutSecs       int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// StoreConfig configures the run history backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// WatchConfig configures the repeating validation loop.
type WatchConfig struct {
	IntervalSecs int `yaml:"interval_secs" mapstructure:"interval_secs"`
	// Port serves /health and /status while watching. 0 disables the server.
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from ./nonce-validator.yaml (if present) and the
// environment.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile reads configuration from path, or from the default search
// location when path is empty, and from the environment.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("nonce-validator")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("NONCE_VALIDATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("targets.file", "process_map.json")
	v.SetDefault("fetch.timeout_secs", 10)
	v.SetDefault("fetch.max_attempts", 3)
	v.SetDefault("fetch.base_delay_ms", 1000)
	v.SetDefault("fetch.concurrency", 1)
	v.SetDefault("fetch.host_rps", 0)
	v.SetDefault("fetch.source_a_url_template", "https://{host}/{id}~process@1.0/compute/at-slot")
	v.SetDefault("fetch.source_b_base_url", "https://su-router.ao-testnet.xyz")
	v.SetDefault("fetch.tag_name", "Nonce")
	v.SetDefault("alert.enabled", false)
	v.SetDefault("alert.routing_key", "")
	v.SetDefault("alert.mismatch_threshold", 1)
	v.SetDefault("alert.error_threshold", 3)
	v.SetDefault("alert.source", "nonce-validator")
	v.SetDefault("alert.endpoint_url", "https://events.pagerduty.com/v2/enqueue")
	v.SetDefault("alert.max_attempts", 2)
	v.SetDefault("alert.retry_pause_ms", 1000)
	v.SetDefault("alert.timeout_secs", 10)
	v.SetDefault("store.driver", "none")
	v.SetDefault("store.database_url", "")
	v.SetDefault("watch.interval_secs", 300)
	v.SetDefault("watch.port", 0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional unless given explicitly)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks value ranges that would make a run meaningless.
func (c *Config) Validate() error {
	var problems []string
	if c.Targets.File == "" {
		problems = append(problems, "targets.file is required")
	}
	if c.Fetch.MaxAttempts < 1 {
		problems = append(problems, "fetch.max_attempts must be at least 1")
	}
	if c.Fetch.TimeoutSecs < 1 {
		problems = append(problems, "fetch.timeout_secs must be at least 1")
	}
	if c.Fetch.BaseDelayMs < 0 {
		problems = append(problems, "fetch.base_delay_ms must not be negative")
	}
	if c.Fetch.Concurrency < 1 {
		problems = append(problems, "fetch.concurrency must be at least 1")
	}
	if c.Fetch.HostRPS < 0 {
		problems = append(problems, "fetch.host_rps must not be negative")
	}
	if !strings.Contains(c.Fetch.SourceAURLTemplate, "{id}") {
		problems = append(problems, "fetch.source_a_url_template must contain {id}")
	}
	if c.Fetch.SourceBBaseURL == "" {
		problems = append(problems, "fetch.source_b_base_url is required")
	}
	if c.Alert.MismatchThreshold < 1 || c.Alert.ErrorThreshold < 1 {
		problems = append(problems, "alert thresholds must be at least 1")
	}
	if c.Watch.Port < 0 || c.Watch.Port > 65535 {
		problems = append(problems, "watch.port must be between 0 and 65535")
	}
	switch c.Store.Driver {
	case "none", "":
	case "sqlite":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required for postgres")
		}
	default:
		problems = append(problems, "store.driver must be one of none, sqlite, postgres")
	}
	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
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
	// Logs go to stderr so the report on stdout stays machine readable.
	zapCfg.OutputPaths = []string{"stderr"}

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
