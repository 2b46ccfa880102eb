// Package config loads gateway configuration from a yaml file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for the gateway.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Agent      AgentConfig      `yaml:"agent"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Container  ContainerConfig  `yaml:"container"`
	Skills     SkillsConfig     `yaml:"skills"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	// Path is the sqlite database file. ":memory:" is accepted for tests.
	Path string `yaml:"path"`

	// DataDir holds adapter state (whatsapp auth dirs, skill workspaces).
	DataDir string `yaml:"data_dir"`

	// EncryptionKey encrypts channel config columns at rest. Hex or raw;
	// empty disables encryption (values stored as plaintext).
	EncryptionKey string `yaml:"encryption_key"`
}

type AgentConfig struct {
	Model            string  `yaml:"model"`
	MaxTokens        int     `yaml:"max_tokens"`
	MaxIterations    int     `yaml:"max_iterations"`
	HistoryWindow    int     `yaml:"history_window"`
	SystemPromptFile string  `yaml:"system_prompt_file"`
	AnthropicAPIKey  string  `yaml:"anthropic_api_key"`
	DailyTokenCap    int64   `yaml:"daily_token_cap"`
	MonthlyTokenCap  int64   `yaml:"monthly_token_cap"`
	SenderPerMinute  int     `yaml:"sender_per_minute"`

	// Isolated routes every invocation through the container runner
	// instead of calling the provider in-process.
	Isolated          bool    `yaml:"isolated"`
	InputCostPerMTok  float64 `yaml:"input_cost_per_mtok"`
	OutputCostPerMTok float64 `yaml:"output_cost_per_mtok"`
}

// ResilienceConfig tunes the retry and circuit breaker wrapper around
// provider calls.
type ResilienceConfig struct {
	RetryMaxAttempts         int           `yaml:"retry_max_attempts"`
	RetryBaseDelay           time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay            time.Duration `yaml:"retry_max_delay"`
	RetryJitterFraction      float64       `yaml:"retry_jitter_fraction"`
	BreakerFailures          int           `yaml:"breaker_failures"`
	BreakerResetTimeout      time.Duration `yaml:"breaker_reset_timeout"`
	BreakerHalfOpenSuccesses int           `yaml:"breaker_half_open_successes"`
}

type ContainerConfig struct {
	Image         string        `yaml:"image"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	MemoryLimitMB int64         `yaml:"memory_limit_mb"`
	CPULimit      float64       `yaml:"cpu_limit"`
	Network       string        `yaml:"network"`
}

type SkillsConfig struct {
	Dir         string `yaml:"dir"`
	CatalogFile string `yaml:"catalog_file"`
	Watch       bool   `yaml:"watch"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads the configuration file, expands ${ENV} references, applies
// environment overrides and defaults. A missing file is not an error; the
// result is then defaults plus environment.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else {
			expanded := os.ExpandEnv(string(data))
			if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	envString(&cfg.Server.Host, "SERVER_HOST")
	envInt(&cfg.Server.Port, "SERVER_PORT")

	envString(&cfg.Database.Path, "DATABASE_PATH")
	envString(&cfg.Database.DataDir, "DATA_DIR")
	envString(&cfg.Database.EncryptionKey, "ENCRYPTION_KEY")

	envString(&cfg.Agent.Model, "AGENT_MODEL")
	envInt(&cfg.Agent.MaxTokens, "AGENT_MAX_TOKENS")
	envInt(&cfg.Agent.MaxIterations, "AGENT_MAX_ITERATIONS")
	envInt(&cfg.Agent.HistoryWindow, "AGENT_HISTORY_WINDOW")
	envString(&cfg.Agent.SystemPromptFile, "AGENT_SYSTEM_PROMPT_FILE")
	envString(&cfg.Agent.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	envInt64(&cfg.Agent.DailyTokenCap, "DAILY_TOKEN_CAP")
	envInt64(&cfg.Agent.MonthlyTokenCap, "MONTHLY_TOKEN_CAP")
	envInt(&cfg.Agent.SenderPerMinute, "SENDER_PER_MINUTE")
	envBool(&cfg.Agent.Isolated, "AGENT_ISOLATED")

	envInt(&cfg.Resilience.RetryMaxAttempts, "RETRY_MAX_ATTEMPTS")
	envDurationMS(&cfg.Resilience.RetryBaseDelay, "RETRY_BASE_DELAY_MS")
	envDurationMS(&cfg.Resilience.RetryMaxDelay, "RETRY_MAX_DELAY_MS")
	envFloat(&cfg.Resilience.RetryJitterFraction, "RETRY_JITTER_FRACTION")
	envInt(&cfg.Resilience.BreakerFailures, "CB_FAILURE_THRESHOLD")
	envDurationMS(&cfg.Resilience.BreakerResetTimeout, "CB_RESET_TIMEOUT_MS")
	envInt(&cfg.Resilience.BreakerHalfOpenSuccesses, "CB_HALF_OPEN_SUCCESSES")

	envString(&cfg.Container.Image, "CONTAINER_IMAGE")
	envDurationMS(&cfg.Container.Timeout, "CONTAINER_TIMEOUT_MS")
	envInt(&cfg.Container.MaxConcurrent, "MAX_CONCURRENT_CONTAINERS")

	envString(&cfg.Skills.Dir, "SKILLS_DIR")
	envString(&cfg.Skills.CatalogFile, "SKILLS_CATALOG_FILE")
	envString(&cfg.Logging.Level, "LOG_LEVEL")
	envString(&cfg.Logging.Format, "LOG_FORMAT")
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "loopgate.db"
	}
	if cfg.Database.DataDir == "" {
		cfg.Database.DataDir = "data"
	}
	if cfg.Agent.Model == "" {
		cfg.Agent.Model = "claude-sonnet-4-20250514"
	}
	if cfg.Agent.MaxTokens == 0 {
		cfg.Agent.MaxTokens = 4096
	}
	if cfg.Agent.MaxIterations == 0 {
		cfg.Agent.MaxIterations = 20
	}
	if cfg.Agent.HistoryWindow == 0 {
		cfg.Agent.HistoryWindow = 50
	}
	if cfg.Resilience.RetryMaxAttempts == 0 {
		cfg.Resilience.RetryMaxAttempts = 5
	}
	if cfg.Resilience.RetryBaseDelay == 0 {
		cfg.Resilience.RetryBaseDelay = 500 * time.Millisecond
	}
	if cfg.Resilience.RetryMaxDelay == 0 {
		cfg.Resilience.RetryMaxDelay = 30 * time.Second
	}
	if cfg.Resilience.RetryJitterFraction == 0 {
		cfg.Resilience.RetryJitterFraction = 0.1
	}
	if cfg.Resilience.BreakerFailures == 0 {
		cfg.Resilience.BreakerFailures = 5
	}
	if cfg.Resilience.BreakerResetTimeout == 0 {
		cfg.Resilience.BreakerResetTimeout = 60 * time.Second
	}
	if cfg.Resilience.BreakerHalfOpenSuccesses == 0 {
		cfg.Resilience.BreakerHalfOpenSuccesses = 2
	}
	if cfg.Container.Image == "" {
		cfg.Container.Image = "loopgate-agent:latest"
	}
	if cfg.Container.Timeout == 0 {
		cfg.Container.Timeout = 10 * time.Minute
	}
	if cfg.Container.MaxConcurrent == 0 {
		cfg.Container.MaxConcurrent = 3
	}
	if cfg.Container.MemoryLimitMB == 0 {
		cfg.Container.MemoryLimitMB = 2048
	}
	if cfg.Container.CPULimit == 0 {
		cfg.Container.CPULimit = 2
	}
	if cfg.Container.Network == "" {
		cfg.Container.Network = "bridge"
	}
	if cfg.Skills.Dir == "" {
		cfg.Skills.Dir = "skills"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func envString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envDurationMS(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = time.Duration(n) * time.Millisecond
		}
	}
}
