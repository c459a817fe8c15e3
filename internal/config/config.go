// Package config loads configuration from a YAML file with environment
// variable overrides and sets up process-wide logging.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for the agent loop.
const (
	DefaultMaxToolIterations = 10
	DefaultPersistTimeout    = 30 * time.Second
)

// LLM provider names.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
	ProviderGoogleAI  = "googleai"
	ProviderBedrock   = "bedrock"
)

// ServerConfig holds the HTTP surface settings.
type ServerConfig struct {
	Addr string `yaml:"addr"`

	// AuthToken enables the static bearer verifier when set. Leave empty to
	// use the remote verifier at AuthVerifyURL.
	AuthToken     string `yaml:"auth_token"`
	AuthUserID    string `yaml:"auth_user_id"`
	AuthVerifyURL string `yaml:"auth_verify_url"`
}

// SurrealDBConfig holds the storage connection settings.
type SurrealDBConfig struct {
	URL       string `yaml:"url"`
	Namespace string `yaml:"namespace"`
	Database  string `yaml:"database"`
	User      string `yaml:"user"`
	Pass      string `yaml:"pass"`
	AuthLevel string `yaml:"auth_level"`
}

// LLMConfig selects and parameterizes the model provider.
type LLMConfig struct {
	Provider        string `yaml:"provider"`
	Model           string `yaml:"model"`
	OpenAIAPIKey    string `yaml:"openai_api_key"`
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	GoogleAPIKey    string `yaml:"google_api_key"`
	OllamaHost      string `yaml:"ollama_host"`
	BedrockRegion   string `yaml:"bedrock_region"`
}

// OAuthProviderConfig configures one delegated-authorization provider.
type OAuthProviderConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	RedirectURL  string   `yaml:"redirect_url"`
	AuthURL      string   `yaml:"auth_url"`
	TokenURL     string   `yaml:"token_url"`
	Scopes       []string `yaml:"scopes"`
}

// AgentConfig bounds the turn loop.
type AgentConfig struct {
	// MaxToolIterations caps model round trips per turn. Exceeding it ends
	// the turn with an explanatory reply, never a silent truncation.
	MaxToolIterations int `yaml:"max_tool_iterations"`

	// HistoryLimit is the number of persisted messages loaded to seed a
	// session. Zero loads the full thread history.
	HistoryLimit int `yaml:"history_limit"`

	// PersistTimeout bounds the background turn-log write after a stream
	// completes.
	PersistTimeout time.Duration `yaml:"persist_timeout"`
}

// Config holds all configuration values.
type Config struct {
	Server    ServerConfig                   `yaml:"server"`
	SurrealDB SurrealDBConfig                `yaml:"surrealdb"`
	LLM       LLMConfig                      `yaml:"llm"`
	OAuth     map[string]OAuthProviderConfig `yaml:"oauth"`
	Agent     AgentConfig                    `yaml:"agent"`

	LogFile         string     `yaml:"log_file"`
	LogLevelName    string     `yaml:"log_level"`
	LogLevel        slog.Level `yaml:"-"`
	TrainingLogFile string     `yaml:"training_log_file"`
}

// Load reads the YAML config at path (if non-empty and present), then applies
// environment overrides and defaults.
func Load(path string) (Config, error) {
	cfg := Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)
	cfg.LogLevel = parseLogLevel(cfg.LogLevelName)

	return cfg, nil
}

func applyEnv(cfg *Config) {
	setEnv(&cfg.Server.Addr, "AGENT_API_ADDR")
	setEnv(&cfg.Server.AuthToken, "AGENT_API_AUTH_TOKEN")
	setEnv(&cfg.Server.AuthUserID, "AGENT_API_AUTH_USER_ID")
	setEnv(&cfg.Server.AuthVerifyURL, "AGENT_API_AUTH_VERIFY_URL")

	setEnv(&cfg.SurrealDB.URL, "SURREALDB_URL")
	setEnv(&cfg.SurrealDB.Namespace, "SURREALDB_NAMESPACE")
	setEnv(&cfg.SurrealDB.Database, "SURREALDB_DATABASE")
	setEnv(&cfg.SurrealDB.User, "SURREALDB_USER")
	setEnv(&cfg.SurrealDB.Pass, "SURREALDB_PASS")
	setEnv(&cfg.SurrealDB.AuthLevel, "SURREALDB_AUTH_LEVEL")

	setEnv(&cfg.LLM.Provider, "AGENT_API_LLM_PROVIDER")
	setEnv(&cfg.LLM.Model, "AGENT_API_LLM_MODEL")
	setEnv(&cfg.LLM.OpenAIAPIKey, "OPENAI_API_KEY")
	setEnv(&cfg.LLM.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	setEnv(&cfg.LLM.GoogleAPIKey, "GOOGLE_API_KEY")
	setEnv(&cfg.LLM.OllamaHost, "OLLAMA_HOST")
	setEnv(&cfg.LLM.BedrockRegion, "AWS_REGION")

	setEnv(&cfg.LogFile, "AGENT_API_LOG_FILE")
	setEnv(&cfg.LogLevelName, "AGENT_API_LOG_LEVEL")
	setEnv(&cfg.TrainingLogFile, "AGENT_API_TRAINING_LOG_FILE")

	if v := os.Getenv("AGENT_API_MAX_TOOL_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Agent.MaxToolIterations = n
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8686"
	}
	if cfg.SurrealDB.URL == "" {
		cfg.SurrealDB.URL = "ws://localhost:8000/rpc"
	}
	if cfg.SurrealDB.Namespace == "" {
		cfg.SurrealDB.Namespace = "agent"
	}
	if cfg.SurrealDB.Database == "" {
		cfg.SurrealDB.Database = "chat"
	}
	if cfg.SurrealDB.User == "" {
		cfg.SurrealDB.User = "root"
	}
	if cfg.SurrealDB.Pass == "" {
		cfg.SurrealDB.Pass = "root"
	}
	if cfg.SurrealDB.AuthLevel == "" {
		cfg.SurrealDB.AuthLevel = "root"
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = ProviderOpenAI
	}
	if cfg.LLM.OllamaHost == "" {
		cfg.LLM.OllamaHost = "http://localhost:11434"
	}
	if cfg.Agent.MaxToolIterations <= 0 {
		cfg.Agent.MaxToolIterations = DefaultMaxToolIterations
	}
	if cfg.Agent.PersistTimeout <= 0 {
		cfg.Agent.PersistTimeout = DefaultPersistTimeout
	}
	if cfg.LogFile == "" {
		cfg.LogFile = "/tmp/agent-api.log"
	}
	if cfg.LogLevelName == "" {
		cfg.LogLevelName = "INFO"
	}
}

func setEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
