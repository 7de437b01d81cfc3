package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Corpus     CorpusConfig     `yaml:"corpus" mapstructure:"corpus"`
	Classifier ClassifierConfig `yaml:"classifier" mapstructure:"classifier"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Export     ExportConfig     `yaml:"export" mapstructure:"export"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// CorpusConfig locates the image corpus.
type CorpusConfig struct {
	ImageDir string `yaml:"image_dir" mapstructure:"image_dir"`
}

// ClassifierConfig configures prediction and training.
type ClassifierConfig struct {
	// Provider is "anthropic", "gemini" or "none".
	Provider          string  `yaml:"provider" mapstructure:"provider"`
	APIKey            string  `yaml:"api_key" mapstructure:"api_key"`
	Model             string  `yaml:"model" mapstructure:"model"`
	GeminiAPIKey      string  `yaml:"gemini_api_key" mapstructure:"gemini_api_key"`
	GeminiModel       string  `yaml:"gemini_model" mapstructure:"gemini_model"`
	PredictBudget     int     `yaml:"predict_budget" mapstructure:"predict_budget"`
	MinBatchSize      int     `yaml:"min_batch_size" mapstructure:"min_batch_size"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	MaxAttempts       int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	FailureThreshold  int     `yaml:"failure_threshold" mapstructure:"failure_threshold"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// ExportConfig configures labeled-image export.
type ExportConfig struct {
	Dir         string `yaml:"dir" mapstructure:"dir"`
	Concurrency int    `yaml:"concurrency" mapstructure:"concurrency"`
}

// MonitoringConfig configures the background health checker run by serve.
type MonitoringConfig struct {
	Enabled             bool   `yaml:"enabled" mapstructure:"enabled"`
	CheckIntervalSecs   int    `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours int    `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	ErrorThreshold      int    `yaml:"error_threshold" mapstructure:"error_threshold"`
	WebhookURL          string `yaml:"webhook_url" mapstructure:"webhook_url"`
	// Reconcile re-matches sessions to the corpus on every check.
	Reconcile bool `yaml:"reconcile" mapstructure:"reconcile"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from .env, the config file and the environment.
// Environment variables take precedence over the file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrap(err, "config: read .env")
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("LABELER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("classifier.api_key", "LABELER_CLASSIFIER_API_KEY", "ANTHROPIC_API_KEY"); err != nil {
		return nil, eris.Wrap(err, "config: bind env")
	}
	if err := v.BindEnv("classifier.gemini_api_key", "LABELER_CLASSIFIER_GEMINI_API_KEY", "GEMINI_API_KEY"); err != nil {
		return nil, eris.Wrap(err, "config: bind env")
	}

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "labeler.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("corpus.image_dir", "images")
	v.SetDefault("classifier.provider", "anthropic")
	v.SetDefault("classifier.model", "claude-haiku-4-5-20251001")
	v.SetDefault("classifier.gemini_model", "gemini-2.0-flash")
	v.SetDefault("classifier.predict_budget", 50)
	v.SetDefault("classifier.min_batch_size", 32)
	v.SetDefault("classifier.requests_per_second", 2.0)
	v.SetDefault("classifier.max_attempts", 3)
	v.SetDefault("classifier.failure_threshold", 5)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("export.dir", "export")
	v.SetDefault("export.concurrency", 8)
	v.SetDefault("monitoring.enabled", true)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.error_threshold", 10)
	v.SetDefault("monitoring.reconcile", true)
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

// Validate checks the configuration for the given mode: "serve" for the
// HTTP API, "cli" for one-shot commands.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "serve":
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, "server.port must be > 0 and <= 65535")
		}
	case "cli":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, "store.driver must be sqlite or postgres")
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}
	if c.Store.MinConns < 0 || c.Store.MaxConns < c.Store.MinConns {
		errs = append(errs, "store.max_conns must be >= store.min_conns >= 0")
	}

	if c.Corpus.ImageDir == "" {
		errs = append(errs, "corpus.image_dir is required")
	} else if info, err := os.Stat(c.Corpus.ImageDir); err == nil && !info.IsDir() {
		errs = append(errs, "corpus.image_dir must be a directory")
	}

	switch c.Classifier.Provider {
	case "anthropic", "gemini", "none":
	default:
		errs = append(errs, "classifier.provider must be anthropic, gemini or none")
	}
	if c.Classifier.PredictBudget < 1 || c.Classifier.PredictBudget > 1000 {
		errs = append(errs, "classifier.predict_budget must be between 1 and 1000")
	}
	if c.Classifier.MinBatchSize < 1 {
		errs = append(errs, "classifier.min_batch_size must be >= 1")
	}
	if c.Classifier.RequestsPerSecond < 0 {
		errs = append(errs, "classifier.requests_per_second must be >= 0")
	}
	if c.Classifier.MaxAttempts < 1 || c.Classifier.MaxAttempts > 10 {
		errs = append(errs, "classifier.max_attempts must be between 1 and 10")
	}
	if c.Classifier.FailureThreshold < 1 {
		errs = append(errs, "classifier.failure_threshold must be >= 1")
	}

	if c.Export.Concurrency < 1 || c.Export.Concurrency > 64 {
		errs = append(errs, "export.concurrency must be between 1 and 64")
	}

	if c.Monitoring.Enabled {
		if c.Monitoring.CheckIntervalSecs < 10 {
			errs = append(errs, "monitoring.check_interval_secs must be >= 10")
		}
		if c.Monitoring.LookbackWindowHours < 1 {
			errs = append(errs, "monitoring.lookback_window_hours must be >= 1")
		}
		if c.Monitoring.ErrorThreshold < 0 {
			errs = append(errs, "monitoring.error_threshold must be >= 0")
		}
		if u := c.Monitoring.WebhookURL; u != "" && !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			errs = append(errs, "monitoring.webhook_url must be an http(s) URL")
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// UseVision reports whether predictions go to a vision model. Without an
// API key for the chosen provider the classifier only trains label maps.
func (c *Config) UseVision() bool {
	switch c.Classifier.Provider {
	case "anthropic":
		return c.Classifier.APIKey != ""
	case "gemini":
		return c.Classifier.GeminiAPIKey != ""
	}
	return false
}

// VisionModel returns the model name for the configured provider.
func (c *Config) VisionModel() string {
	if c.Classifier.Provider == "gemini" {
		return c.Classifier.GeminiModel
	}
	return c.Classifier.Model
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
