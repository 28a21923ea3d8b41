package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/MimeLyc/translation-orchestrator/pkg/icron"
	"github.com/MimeLyc/translation-orchestrator/pkg/log"
)

// Config holds all application configuration
// Supports environment variables with sensible defaults
//
// Environment Variables:
// LLM Configuration:
// - LLM_API_KEY: API key for the LLM provider, or a comma-separated key pool (required)
// - LLM_API_URL: API endpoint URL (default: https://openrouter.ai/api/v1)
// - LLM_MODEL: Model name to use (default: openai/gpt-3.5-turbo)
// - LLM_MAX_TOKENS: Maximum tokens for responses (default: 8000)
// - LLM_TEMPERATURE: Temperature for responses (default: 0.3)
// - LLM_TIMEOUT: Request timeout in seconds (default: 120)
// - LLM_SITE_URL: Site URL for HTTP referer header (optional)
// - LLM_APP_NAME: Application name for X-Title header (optional)
//
// System Configuration:
// - DATA_DIR: Database, lock and settings directory (default: /app/data)
// - SOURCE_DIR: Source transcripts, one <video key>.srt per video (default: DATA_DIR/sources)
// - SETTINGS_FILE: Runtime settings file (default: DATA_DIR/settings.json)
//
// HTTP Configuration:
// - HTTP_ADDR: Listen address (default: :8080)
// - CORS_ORIGINS: Comma-separated allowed origins (default: *)
//
// Queue Configuration:
// - BATCH_SECONDS: Batch length in seconds (default: 600)
// - LINES_PER_REQUEST: Subtitle lines per LLM request (default: 50)
// - MAINTENANCE_CRON: Queue sweep schedule, with seconds (default: 0 */30 * * * *)
// - QUEUE_MAX_COMPLETED: Completed items kept by the sweep (default: 500)
//
// Logging:
// - LOG_LEVEL: debug, info, warn or error (default: info)
// - LOG_FILE: Also write logs to this file (optional)
type Config struct {
	LLM    LLMConfig    `json:"llm"`
	System SystemConfig `json:"system"`
	HTTP   HTTPConfig   `json:"http"`
	Queue  QueueConfig  `json:"queue"`
	Log    LogConfig    `json:"log"`
}

// LLMConfig holds the configuration for LLM client
// Supports any OpenAI compatible provider (OpenRouter, OpenAI, etc.)
type LLMConfig struct {
	APIKeys     []string `json:"-"`
	APIURL      string   `json:"api_url"`
	Model       string   `json:"model"`
	MaxTokens   int      `json:"max_tokens"`
	Temperature float64  `json:"temperature"`
	Timeout     int      `json:"timeout"`
	SiteURL     string   `json:"site_url"`
	AppName     string   `json:"app_name"`
}

type SystemConfig struct {
	DataDir      string `json:"data_dir"`
	SourceDir    string `json:"source_dir"`
	SettingsFile string `json:"settings_file"`
}

type HTTPConfig struct {
	Addr        string   `json:"addr"`
	CORSOrigins []string `json:"cors_origins"`
}

type QueueConfig struct {
	BatchSeconds    int    `json:"batch_seconds"`
	LinesPerRequest int    `json:"lines_per_request"`
	MaintenanceCron string `json:"maintenance_cron"`
	MaxCompleted    int    `json:"max_completed"`
}

type LogConfig struct {
	Level string `json:"level"`
	File  string `json:"file"`
}

// Option is a function type for configuring Config
type Option func(*Config)

// WithDataDir overrides DATA_DIR and the paths derived from it.
func WithDataDir(dir string) Option {
	return func(c *Config) {
		c.System.DataDir = dir
		c.System.SourceDir = filepath.Join(dir, "sources")
		c.System.SettingsFile = filepath.Join(dir, "settings.json")
	}
}

// WithoutAPIKey allows a config without LLM keys, for read-only commands.
func WithoutAPIKey() Option {
	return func(c *Config) {
		if len(c.LLM.APIKeys) == 0 {
			c.LLM.APIKeys = []string{"unused"}
		}
	}
}

// NewFromEnv creates a new Config instance with values from environment variables and options
func NewFromEnv(opts ...Option) (*Config, error) {
	dataDir := getEnvString("DATA_DIR", "/app/data")
	config := &Config{
		LLM: LLMConfig{
			APIKeys:     splitList(getEnvString("LLM_API_KEY", "")),
			APIURL:      getEnvString("LLM_API_URL", "https://openrouter.ai/api/v1"),
			Model:       getEnvString("LLM_MODEL", "openai/gpt-3.5-turbo"),
			MaxTokens:   getEnvInt("LLM_MAX_TOKENS", 8000),
			Temperature: getEnvFloat("LLM_TEMPERATURE", 0.3),
			Timeout:     getEnvInt("LLM_TIMEOUT", 120),
			SiteURL:     getEnvString("LLM_SITE_URL", ""),
			AppName:     getEnvString("LLM_APP_NAME", ""),
		},
		System: SystemConfig{
			DataDir:      dataDir,
			SourceDir:    getEnvString("SOURCE_DIR", filepath.Join(dataDir, "sources")),
			SettingsFile: getEnvString("SETTINGS_FILE", filepath.Join(dataDir, "settings.json")),
		},
		HTTP: HTTPConfig{
			Addr:        getEnvString("HTTP_ADDR", ":8080"),
			CORSOrigins: splitList(getEnvString("CORS_ORIGINS", "*")),
		},
		Queue: QueueConfig{
			BatchSeconds:    getEnvInt("BATCH_SECONDS", 600),
			LinesPerRequest: getEnvInt("LINES_PER_REQUEST", 50),
			MaintenanceCron: getEnvString("MAINTENANCE_CRON", "0 */30 * * * *"),
			MaxCompleted:    getEnvInt("QUEUE_MAX_COMPLETED", 500),
		},
		Log: LogConfig{
			Level: getEnvString("LOG_LEVEL", "info"),
			File:  getEnvString("LOG_FILE", ""),
		},
	}

	// Apply custom options
	for _, opt := range opts {
		opt(config)
	}

	// Validate required configuration
	if err := config.validate(); err != nil {
		return nil, err
	}

	log.Debug("Config: data dir %s, %d API keys, model %s", config.System.DataDir, len(config.LLM.APIKeys), config.LLM.Model)
	return config, nil
}

// DBPath is the queue database inside the data directory.
func (c *Config) DBPath() string {
	return filepath.Join(c.System.DataDir, "ctxqueue.db")
}

// LockPath guards the data directory against a second orchestrator.
func (c *Config) LockPath() string {
	return filepath.Join(c.System.DataDir, "ctxqueue.lock")
}

// validate checks if all required configuration is properly set
func (c *Config) validate() error {
	if len(c.LLM.APIKeys) == 0 {
		return fmt.Errorf("LLM_API_KEY is required")
	}
	if strings.TrimSpace(c.System.DataDir) == "" {
		return fmt.Errorf("DATA_DIR is required")
	}
	if c.Queue.BatchSeconds <= 0 {
		return fmt.Errorf("BATCH_SECONDS must be positive, got %d", c.Queue.BatchSeconds)
	}
	if _, err := icron.Parse(c.Queue.MaintenanceCron); err != nil {
		return fmt.Errorf("invalid MAINTENANCE_CRON: %w", err)
	}
	return nil
}

// getEnvString gets a string value from environment variables with default
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer value from environment variables with default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat gets a float value from environment variables with default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	ret := make([]string, 0)
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			ret = append(ret, part)
		}
	}
	return ret
}
