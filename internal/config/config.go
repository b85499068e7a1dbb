// Package config loads application configuration from config.yaml and the
// TRIPFLOW_* environment, with defaults for every knob.
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
	Fetch      FetchConfig      `yaml:"fetch" mapstructure:"fetch"`
	Engine     EngineConfig     `yaml:"engine" mapstructure:"engine"`
	Thresholds ThresholdConfig  `yaml:"thresholds" mapstructure:"thresholds"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the output backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	AuditStream bool   `yaml:"audit_stream" mapstructure:"audit_stream"`
}

// FetchConfig configures the monthly extract downloader.
type FetchConfig struct {
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	DestDir     string  `yaml:"dest_dir" mapstructure:"dest_dir"`
	UserAgent   string  `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries  int     `yaml:"max_retries" mapstructure:"max_retries"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst       int     `yaml:"burst" mapstructure:"burst"`
}

// EngineConfig configures run orchestration.
type EngineConfig struct {
	ChunkSize   int    `yaml:"chunk_size" mapstructure:"chunk_size"`
	Workers     int    `yaml:"workers" mapstructure:"workers"`
	DedupeScope string `yaml:"dedupe_scope" mapstructure:"dedupe_scope"`
}

// ThresholdConfig holds the derived-field and outlier thresholds.
type ThresholdConfig struct {
	FareTolerance      float64 `yaml:"fare_tolerance" mapstructure:"fare_tolerance"`
	DistanceMaxMi      float64 `yaml:"distance_max_mi" mapstructure:"distance_max_mi"`
	DurationMinMinutes float64 `yaml:"duration_min_minutes" mapstructure:"duration_min_minutes"`
	DurationMaxMinutes float64 `yaml:"duration_max_minutes" mapstructure:"duration_max_minutes"`
	SpeedMaxMPH        float64 `yaml:"speed_max_mph" mapstructure:"speed_max_mph"`
	WindowGraceDays    int     `yaml:"window_grace_days" mapstructure:"window_grace_days"`
}

// MonitoringConfig configures quality-rate alerting.
type MonitoringConfig struct {
	MaxDuplicateRate float64 `yaml:"max_duplicate_rate" mapstructure:"max_duplicate_rate"`
	MaxMismatchRate  float64 `yaml:"max_mismatch_rate" mapstructure:"max_mismatch_rate"`
	MaxAnomalyRate   float64 `yaml:"max_anomaly_rate" mapstructure:"max_anomaly_rate"`
	MinRecords       int64   `yaml:"min_records" mapstructure:"min_records"`
	WebhookURL       string  `yaml:"webhook_url" mapstructure:"webhook_url"`
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
	v.SetEnvPrefix("TRIPFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "tripflow.db")
	v.SetDefault("store.audit_stream", false)
	v.SetDefault("fetch.base_url", "https://d37ci6vzurychx.cloudfront.net/trip-data")
	v.SetDefault("fetch.dest_dir", "data/raw")
	v.SetDefault("fetch.user_agent", "tripflow/1.0")
	v.SetDefault("fetch.timeout_secs", 300)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.rate_per_sec", 2)
	v.SetDefault("fetch.burst", 2)
	v.SetDefault("engine.chunk_size", 50000)
	v.SetDefault("engine.workers", 4)
	v.SetDefault("engine.dedupe_scope", "extract")
	v.SetDefault("thresholds.fare_tolerance", 0.02)
	v.SetDefault("thresholds.distance_max_mi", 150)
	v.SetDefault("thresholds.duration_min_minutes", 1)
	v.SetDefault("thresholds.duration_max_minutes", 360)
	v.SetDefault("thresholds.speed_max_mph", 80)
	v.SetDefault("thresholds.window_grace_days", 2)
	v.SetDefault("monitoring.max_duplicate_rate", 0.05)
	v.SetDefault("monitoring.max_mismatch_rate", 0.10)
	v.SetDefault("monitoring.max_anomaly_rate", 0.15)
	v.SetDefault("monitoring.min_records", 1000)
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
