package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Source    SourceConfig    `yaml:"source"`
	Storage   StorageConfig   `yaml:"storage"`
	RunLog    RunLogConfig    `yaml:"run_log"`
	Migration MigrationConfig `yaml:"migration"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// SourceConfig holds the registration API settings
type SourceConfig struct {
	BaseURL    string        `yaml:"base_url"`
	AppID      string        `yaml:"app_id"`
	AppSecret  string        `yaml:"app_secret"`
	Timeout    time.Duration `yaml:"timeout"`
	RetryCount int           `yaml:"retry_count"`
	Since      string        `yaml:"since"`
	Until      string        `yaml:"until"`
}

// StorageConfig holds relational store configuration
type StorageConfig struct {
	Type            string        `yaml:"type"` // "postgresql", "mysql", "sqlite"
	DSN             string        `yaml:"dsn"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RunLogConfig selects where run reports are kept
type RunLogConfig struct {
	Type          string `yaml:"type"` // "sql", "dynamodb", "mongodb", "none"
	Region        string `yaml:"region"`
	TableName     string `yaml:"table_name"`
	Endpoint      string `yaml:"endpoint"` // Custom endpoint for local DynamoDB
	MongoDBURI    string `yaml:"mongodb_uri"`
	MongoDatabase string `yaml:"mongodb_database"`
}

// MigrationConfig holds orchestration settings
type MigrationConfig struct {
	Concurrency int           `yaml:"concurrency"`
	Interval    time.Duration `yaml:"interval"` // zero runs once and exits
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int    `yaml:"port"` // zero disables the server
	Mode string `yaml:"mode"` // gin mode: production, debug or test
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// Load builds the configuration from defaults, an optional YAML file and
// environment variables, in that order of precedence.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Source: SourceConfig{
			BaseURL:    "https://cloud.scorm.com/api/v2",
			Timeout:    30 * time.Second,
			RetryCount: 3,
		},
		Storage: StorageConfig{
			Type:            "postgresql",
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Database:        "atana",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
		},
		RunLog: RunLogConfig{
			Type:          "sql",
			Region:        "us-west-2",
			TableName:     "migration_runs",
			MongoDatabase: "atana",
		},
		Migration: MigrationConfig{
			Concurrency: 8,
		},
		Server: ServerConfig{
			Mode: "production",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func applyEnv(cfg *Config) {
	cfg.Source.BaseURL = getEnv("SCORM_API_URL", cfg.Source.BaseURL)
	cfg.Source.AppID = getEnv("APP_ID", cfg.Source.AppID)
	cfg.Source.AppSecret = getEnv("APP_SECRET", cfg.Source.AppSecret)
	cfg.Source.Timeout = getEnvDuration("API_TIMEOUT", cfg.Source.Timeout)
	cfg.Source.RetryCount = getEnvInt("RETRY_COUNT", cfg.Source.RetryCount)
	cfg.Source.Since = getEnv("MIGRATE_SINCE", cfg.Source.Since)
	cfg.Source.Until = getEnv("MIGRATE_UNTIL", cfg.Source.Until)

	cfg.Storage.Type = getEnv("STORAGE_TYPE", cfg.Storage.Type)
	cfg.Storage.DSN = getEnv("DATABASE_URL", cfg.Storage.DSN)
	cfg.Storage.Host = getEnv("DB_HOST", cfg.Storage.Host)
	cfg.Storage.Port = getEnvInt("DB_PORT", cfg.Storage.Port)
	cfg.Storage.User = getEnv("DB_USER", cfg.Storage.User)
	cfg.Storage.Password = getEnv("DB_PASSWORD", cfg.Storage.Password)
	cfg.Storage.Database = getEnv("DB_DATABASE", cfg.Storage.Database)
	cfg.Storage.SSLMode = getEnv("DB_SSLMODE", cfg.Storage.SSLMode)
	cfg.Storage.MaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", cfg.Storage.MaxOpenConns)
	cfg.Storage.MaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", cfg.Storage.MaxIdleConns)
	cfg.Storage.ConnMaxLifetime = getEnvDuration("DB_CONN_MAX_LIFETIME", cfg.Storage.ConnMaxLifetime)

	cfg.RunLog.Type = getEnv("RUN_LOG_TYPE", cfg.RunLog.Type)
	cfg.RunLog.Region = getEnv("AWS_REGION", cfg.RunLog.Region)
	cfg.RunLog.TableName = getEnv("RUN_LOG_TABLE", cfg.RunLog.TableName)
	cfg.RunLog.Endpoint = getEnv("DYNAMODB_ENDPOINT", cfg.RunLog.Endpoint)
	cfg.RunLog.MongoDBURI = getEnv("MONGODB_URI", cfg.RunLog.MongoDBURI)
	cfg.RunLog.MongoDatabase = getEnv("MONGODB_DATABASE", cfg.RunLog.MongoDatabase)

	cfg.Migration.Concurrency = getEnvInt("MIGRATION_CONCURRENCY", cfg.Migration.Concurrency)
	cfg.Migration.Interval = getEnvDuration("MIGRATION_INTERVAL", cfg.Migration.Interval)

	cfg.Server.Port = getEnvInt("SERVER_PORT", cfg.Server.Port)
	cfg.Server.Mode = getEnv("SERVER_MODE", cfg.Server.Mode)

	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("LOG_FORMAT", cfg.Logging.Format)
}

// Validate ensures required settings are present and consistent
func (c *Config) Validate() error {
	if c.Source.BaseURL == "" {
		return fmt.Errorf("source base URL is required")
	}
	if c.Source.AppID == "" || c.Source.AppSecret == "" {
		return fmt.Errorf("APP_ID and APP_SECRET are required")
	}
	switch c.Storage.Type {
	case "postgresql", "mysql":
		if c.Storage.DSN == "" && c.Storage.Host == "" {
			return fmt.Errorf("database host or DSN is required for %s", c.Storage.Type)
		}
	case "sqlite":
		if c.Storage.DSN == "" && c.Storage.Database == "" {
			return fmt.Errorf("sqlite requires a DSN or database path")
		}
	default:
		return fmt.Errorf("unsupported storage type: %s", c.Storage.Type)
	}
	switch c.RunLog.Type {
	case "sql", "none", "dynamodb":
	case "mongodb":
		if c.RunLog.MongoDBURI == "" {
			return fmt.Errorf("MONGODB_URI is required for mongodb run log")
		}
	default:
		return fmt.Errorf("unsupported run log type: %s", c.RunLog.Type)
	}
	if c.Migration.Concurrency <= 0 {
		return fmt.Errorf("migration concurrency must be positive")
	}
	if c.Source.RetryCount < 0 {
		return fmt.Errorf("retry count cannot be negative")
	}
	return nil
}

// StorageDSN returns the driver-specific connection string
func (c StorageConfig) StorageDSN() string {
	if c.DSN != "" {
		return c.DSN
	}
	switch c.Type {
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
			c.User, c.Password, c.Host, c.Port, c.Database)
	case "sqlite":
		return fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", c.Database)
	default:
		sslMode := c.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			c.User, c.Password, c.Host, c.Port, c.Database, sslMode)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
