// Package config provides configuration management for voicemem.
// Settings come from environment variables with the VOICEMEM_ prefix, with
// sensible defaults for every option; an optional YAML file overlays the
// environment when a path is supplied.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration settings for the voicemem service.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Memory   MemoryConfig   `yaml:"memory"`
	LLM      LLMConfig      `yaml:"llm"`
	Security SecurityConfig `yaml:"security"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port int    `yaml:"port"` // default: 7070
	Host string `yaml:"host"` // default: 127.0.0.1
}

// StorageConfig contains database configuration.
type StorageConfig struct {
	Engine      string `yaml:"engine"`       // sqlite or postgres (default: sqlite)
	DataPath    string `yaml:"data_path"`    // SQLite data directory (default: ./data)
	PostgresDSN string `yaml:"postgres_dsn"` // DSN when Engine is postgres
}

// MemoryConfig tunes the rebuild pipeline.
type MemoryConfig struct {
	RebuildWorkers   int           `yaml:"rebuild_workers"`    // default: 2
	RebuildQueueSize int           `yaml:"rebuild_queue_size"` // default: 64
	RebuildTimeout   time.Duration `yaml:"rebuild_timeout"`    // default: 10s
	MaxPromptAge     time.Duration `yaml:"max_prompt_age"`     // default: 60m
}

// LLMConfig contains the external chat/speech collaborator settings.
// Both collaborators are optional; the memory core runs without them.
type LLMConfig struct {
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	ChatModel string `yaml:"chat_model"` // default: gpt-4o-mini
	TTSModel  string `yaml:"tts_model"`  // default: tts-1
	TTSVoice  string `yaml:"tts_voice"`  // default: alloy
}

// SecurityConfig contains security and authentication settings.
type SecurityConfig struct {
	Mode     string `yaml:"mode"`      // development or production (default: development)
	APIToken string `yaml:"api_token"` // bearer token required in production
}

// LoadConfig loads configuration from environment variables with defaults.
func LoadConfig() (*Config, error) {
	return buildBaseConfig(), nil
}

// LoadConfigFromFile loads the environment-based configuration and then
// overlays values from a YAML file. File values win over environment values.
func LoadConfigFromFile(path string) (*Config, error) {
	cfg := buildBaseConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

func buildBaseConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: getEnvInt("VOICEMEM_PORT", 7070),
			Host: getEnv("VOICEMEM_HOST", "127.0.0.1"),
		},
		Storage: StorageConfig{
			Engine:      getEnv("VOICEMEM_STORAGE_ENGINE", "sqlite"),
			DataPath:    getEnv("VOICEMEM_DATA_PATH", "./data"),
			PostgresDSN: getEnv("VOICEMEM_POSTGRES_DSN", ""),
		},
		Memory: MemoryConfig{
			RebuildWorkers:   getEnvInt("VOICEMEM_REBUILD_WORKERS", 2),
			RebuildQueueSize: getEnvInt("VOICEMEM_REBUILD_QUEUE_SIZE", 64),
			RebuildTimeout:   getEnvDuration("VOICEMEM_REBUILD_TIMEOUT", 10*time.Second),
			MaxPromptAge:     getEnvDuration("VOICEMEM_MAX_PROMPT_AGE", 60*time.Minute),
		},
		LLM: LLMConfig{
			APIKey:    getEnv("VOICEMEM_LLM_API_KEY", ""),
			BaseURL:   getEnv("VOICEMEM_LLM_BASE_URL", ""),
			ChatModel: getEnv("VOICEMEM_CHAT_MODEL", "gpt-4o-mini"),
			TTSModel:  getEnv("VOICEMEM_TTS_MODEL", "tts-1"),
			TTSVoice:  getEnv("VOICEMEM_TTS_VOICE", "alloy"),
		},
		Security: SecurityConfig{
			Mode:     getEnv("VOICEMEM_SECURITY_MODE", "development"),
			APIToken: getEnv("VOICEMEM_API_TOKEN", ""),
		},
	}
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default
// value, also used when the value cannot be parsed.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable (Go duration
// syntax, e.g. "90s" or "1h") or returns a default value.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
