package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Environment string          `mapstructure:"environment"`
	LogLevel    string          `mapstructure:"log_level"`
	Server      ServerConfig    `mapstructure:"server"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Redis       RedisConfig     `mapstructure:"redis"`
	Forecast    ForecastConfig  `mapstructure:"forecast"`
	Batch       BatchConfig     `mapstructure:"batch"`
	Cache       CacheConfig     `mapstructure:"cache"`
	Alerts      AlertsConfig    `mapstructure:"alerts"`
	Security    SecurityConfig  `mapstructure:"security"`
	Telemetry   TelemetryConfig `mapstructure:"telemetry"`
}

type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	DBName          string `mapstructure:"dbname"`
	SSLMode         string `mapstructure:"sslmode"`
	DatabaseURL     string `mapstructure:"database_url"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime string `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime string `mapstructure:"conn_max_idle_time"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ForecastConfig controls the ensemble: which base models run, how they are
// weighted, and the per-series resource limits.
type ForecastConfig struct {
	Horizon             int      `mapstructure:"horizon"`
	ConfidenceLevel     float64  `mapstructure:"confidence_level"`
	ValidationSplit     float64  `mapstructure:"validation_split"`
	EnsembleMethod      string   `mapstructure:"ensemble_method"`
	MetaLearner         string   `mapstructure:"meta_learner"`
	EnabledModels       []string `mapstructure:"enabled_models"`
	SeasonalPeriod      int      `mapstructure:"seasonal_period"`
	SequenceLength      int      `mapstructure:"sequence_length"`
	MinObservations     int      `mapstructure:"min_observations"`
	MaxConcurrentSeries int      `mapstructure:"max_concurrent_series"`
	SeriesTimeout       string   `mapstructure:"series_timeout"`
	LookbackDays        int      `mapstructure:"lookback_days"`
}

type BatchConfig struct {
	Interval  string `mapstructure:"interval"`
	BatchSize int    `mapstructure:"batch_size"`
	MaxErrors int    `mapstructure:"max_errors"`
}

type CacheConfig struct {
	ForecastTTL string `mapstructure:"forecast_ttl"`
}

type AlertsConfig struct {
	TelegramBotToken string  `mapstructure:"telegram_bot_token" json:"-" yaml:"-"`
	ChatIDs          []int64 `mapstructure:"chat_ids"`
	StockoutEnabled  bool    `mapstructure:"stockout_enabled"`
	MinRiskRatio     float64 `mapstructure:"min_risk_ratio"`
}

type SecurityConfig struct {
	JWTSecret string `mapstructure:"jwt_secret" json:"-" yaml:"-"`
	JWTExpiry string `mapstructure:"jwt_expiry"`
}

type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Exporter    string  `mapstructure:"exporter"`
	Endpoint    string  `mapstructure:"endpoint"`
	LogsEnabled bool    `mapstructure:"logs_enabled"`
	SampleRate  float64 `mapstructure:"sample_rate"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	// Set default values
	setDefaults()

	// Enable environment variable support
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Bind specific environment variables
	if err := viper.BindEnv("security.jwt_secret", "JWT_SECRET"); err != nil {
		return nil, fmt.Errorf("failed to bind JWT_SECRET environment variable: %w", err)
	}
	if err := viper.BindEnv("alerts.telegram_bot_token", "TELEGRAM_BOT_TOKEN"); err != nil {
		return nil, fmt.Errorf("failed to bind TELEGRAM_BOT_TOKEN environment variable: %w", err)
	}

	// Read config file
	if err := viper.ReadInConfig(); err != nil {
		// Config file not found, use defaults and environment variables
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Normalize environment to lowercase for consistent comparison
	environment := strings.ToLower(config.Environment)

	// Validate JWT secret in non-development environments
	if environment != "development" && config.Security.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET environment variable is required in non-development environments")
	}

	// Validate JWT expiry duration
	if config.Security.JWTExpiry != "" {
		if _, err := time.ParseDuration(config.Security.JWTExpiry); err != nil {
			return nil, fmt.Errorf("invalid JWT expiry duration: %w", err)
		}
	}

	if err := config.Forecast.validate(); err != nil {
		return nil, err
	}
	if _, err := time.ParseDuration(config.Batch.Interval); err != nil {
		return nil, fmt.Errorf("invalid batch interval: %w", err)
	}
	if _, err := time.ParseDuration(config.Cache.ForecastTTL); err != nil {
		return nil, fmt.Errorf("invalid forecast cache TTL: %w", err)
	}

	// Update config with normalized environment
	config.Environment = environment

	return &config, nil
}

func (f ForecastConfig) validate() error {
	if f.Horizon < 1 {
		return fmt.Errorf("forecast horizon must be >= 1, got %d", f.Horizon)
	}
	if f.ValidationSplit <= 0 || f.ValidationSplit >= 1 {
		return fmt.Errorf("validation split must be in (0, 1), got %f", f.ValidationSplit)
	}
	if f.ConfidenceLevel <= 0 || f.ConfidenceLevel >= 1 {
		return fmt.Errorf("confidence level must be in (0, 1), got %f", f.ConfidenceLevel)
	}
	if len(f.EnabledModels) == 0 {
		return errors.New("at least one forecast model must be enabled")
	}
	if _, err := time.ParseDuration(f.SeriesTimeout); err != nil {
		return fmt.Errorf("invalid series timeout: %w", err)
	}
	return nil
}

// SeriesTimeoutDuration returns the parsed per-series timeout. Load has
// already validated the string.
func (f ForecastConfig) SeriesTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(f.SeriesTimeout)
	return d
}

// IntervalDuration returns the parsed batch interval.
func (b BatchConfig) IntervalDuration() time.Duration {
	d, _ := time.ParseDuration(b.Interval)
	return d
}

// ForecastTTLDuration returns the parsed cache TTL for forecasts.
func (c CacheConfig) ForecastTTLDuration() time.Duration {
	d, _ := time.ParseDuration(c.ForecastTTL)
	return d
}

func setDefaults() {
	// Environment
	viper.SetDefault("environment", "development")
	viper.SetDefault("log_level", "info")

	// Server
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})

	// Set database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "postgres")
	viper.SetDefault("database.dbname", "demandcast")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("database.database_url", "")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "300s")
	viper.SetDefault("database.conn_max_idle_time", "60s")

	// Redis
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	// Forecast ensemble
	viper.SetDefault("forecast.horizon", 14)
	viper.SetDefault("forecast.confidence_level", 0.95)
	viper.SetDefault("forecast.validation_split", 0.2)
	viper.SetDefault("forecast.ensemble_method", "dynamic")
	viper.SetDefault("forecast.meta_learner", "ridge")
	viper.SetDefault("forecast.enabled_models", []string{"seasonal", "sequence", "regression"})
	viper.SetDefault("forecast.seasonal_period", 7)
	viper.SetDefault("forecast.sequence_length", 30)
	viper.SetDefault("forecast.min_observations", 10)
	viper.SetDefault("forecast.max_concurrent_series", 0)
	viper.SetDefault("forecast.series_timeout", "120s")
	viper.SetDefault("forecast.lookback_days", 365)

	// Batch runs
	viper.SetDefault("batch.interval", "24h")
	viper.SetDefault("batch.batch_size", 100)
	viper.SetDefault("batch.max_errors", 10)

	// Cache
	viper.SetDefault("cache.forecast_ttl", "6h")

	// Alerts
	viper.SetDefault("alerts.telegram_bot_token", "")
	viper.SetDefault("alerts.chat_ids", []int64{})
	viper.SetDefault("alerts.stockout_enabled", false)
	viper.SetDefault("alerts.min_risk_ratio", 0.8)

	// Security
	viper.SetDefault("security.jwt_secret", "")
	viper.SetDefault("security.jwt_expiry", "24h")

	// Telemetry
	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.exporter", "stdout")
	viper.SetDefault("telemetry.endpoint", "http://localhost:4318")
	viper.SetDefault("telemetry.logs_enabled", false)
	viper.SetDefault("telemetry.sample_rate", 1.0)
}
