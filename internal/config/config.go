// Package config loads service configuration from YAML and environment
// variables. Environment variables override YAML values; secrets (API keys,
// database password) come from the environment only.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for the invoice approval service.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Database DatabaseConfig `yaml:"database"`
	LLM      LLMConfig      `yaml:"llm"`
	NATS     NATSConfig     `yaml:"nats"`
	Audit    AuditConfig    `yaml:"audit"`
	Vocab    VocabConfig    `yaml:"vocab"`
}

// ServiceConfig identifies the running service.
type ServiceConfig struct {
	Name        string `yaml:"name" env:"SERVICE_NAME" env-default:"be-invoice-approval"`
	Version     string `yaml:"version" env:"SERVICE_VERSION" env-default:"dev"`
	Environment string `yaml:"environment" env:"ENVIRONMENT" env-default:"local"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" env:"PORT" env-default:"8086"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT" env-default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT" env-default:"120s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT" env-default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT" env-default:"15s"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
}

// DatabaseConfig holds PostgreSQL settings. When Enabled is false the service
// runs on the in-memory store.
type DatabaseConfig struct {
	Enabled  bool   `yaml:"enabled" env:"DB_ENABLED" env-default:"false"`
	Host     string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port     int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User     string `yaml:"user" env:"PGUSER" env-default:"invoice"`
	Password string `yaml:"-" env:"PGPASSWORD"`
	Database string `yaml:"database" env:"PGDATABASE" env-default:"invoice_approval"`
	SSLMode  string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
	MaxConns int32  `yaml:"max_conns" env:"PGMAX_CONNS" env-default:"10"`
}

// DSN returns the pgx connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// LLMConfig selects and configures the AI capability provider.
type LLMConfig struct {
	// Provider is one of "openai", "anthropic".
	Provider string `yaml:"provider" env:"LLM_PROVIDER" env-default:"openai"`

	OpenAI    OpenAIConfig    `yaml:"openai"`
	Anthropic AnthropicConfig `yaml:"anthropic"`

	// BreakerEnabled wraps the provider in a circuit breaker.
	BreakerEnabled bool          `yaml:"breaker_enabled" env:"LLM_BREAKER_ENABLED" env-default:"true"`
	BreakerTimeout time.Duration `yaml:"breaker_timeout" env:"LLM_BREAKER_TIMEOUT" env-default:"30s"`
}

// OpenAIConfig covers both api.openai.com and Azure OpenAI deployments.
type OpenAIConfig struct {
	APIKey string `yaml:"-" env:"OPENAI_API_KEY"`
	// BaseURL overrides the default endpoint. Set this to the Azure resource
	// endpoint together with UseAzure for Azure OpenAI.
	BaseURL  string `yaml:"base_url" env:"OPENAI_BASE_URL" env-default:""`
	Model    string `yaml:"model" env:"OPENAI_MODEL" env-default:"gpt-4o-mini"`
	UseAzure bool   `yaml:"use_azure" env:"OPENAI_USE_AZURE" env-default:"false"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"-" env:"ANTHROPIC_API_KEY"`
	Model  string `yaml:"model" env:"ANTHROPIC_MODEL" env-default:"claude-sonnet-4-20250514"`
}

// NATSConfig holds event publishing settings. Publishing is optional and
// failures are never fatal to approval operations.
type NATSConfig struct {
	Enabled bool   `yaml:"enabled" env:"NATS_ENABLED" env-default:"false"`
	URL     string `yaml:"url" env:"NATS_URL" env-default:"nats://localhost:4222"`
}

// AuditConfig tunes the bulk audit orchestrator.
type AuditConfig struct {
	// MaxParallel bounds concurrent per-invoice audit calls. 1 = sequential.
	MaxParallel int `yaml:"max_parallel" env:"AUDIT_MAX_PARALLEL" env-default:"1"`
}

// VocabConfig supplies the controlled vocabularies. The engine treats both as
// opaque string sets.
type VocabConfig struct {
	AccountTitles        []string `yaml:"account_titles" env:"ACCOUNT_TITLES" env-separator:"," env-default:"広告宣伝費,外注費,消耗品費,運送費,地代家賃,通信費,水道光熱費"`
	PurchasingCategories []string `yaml:"purchasing_categories" env:"PURCHASING_CATEGORIES" env-separator:"," env-default:"マーケティング,ITサービス,事務用品,物流サービス,不動産,インフラ"`
}

// Load reads configuration from the optional config file and the environment.
func Load() (*Config, error) {
	cfg := &Config{}

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}

	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("read env config: %w", err)
		}
	}

	if cfg.Audit.MaxParallel < 1 {
		cfg.Audit.MaxParallel = 1
	}

	return cfg, nil
}
