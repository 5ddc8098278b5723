package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	// Try []string first
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	// Try []interface{} to handle mixed types
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	Agents     AgentsConfig     `json:"agents"`
	Chat       ChatConfig       `json:"chat"`
	RateLimit  RateLimitConfig  `json:"rate_limit"`
	Generation GenerationConfig `json:"generation"`
	Summary    SummaryConfig    `json:"summary"`
	Channels   ChannelsConfig   `json:"channels"`
	Providers  ProvidersConfig  `json:"providers"`
	Storage    StorageConfig    `json:"storage"`
	Gateway    GatewayConfig    `json:"gateway"`
	Logging    LoggingConfig    `json:"logging"`
	mu         sync.RWMutex
}

type AgentsConfig struct {
	Defaults AgentDefaults `json:"defaults"`
}

type AgentDefaults struct {
	Provider     string  `json:"provider" env:"DOTCHAT_AGENTS_DEFAULTS_PROVIDER"`
	Model        string  `json:"model" env:"DOTCHAT_AGENTS_DEFAULTS_MODEL"`
	SummaryModel string  `json:"summary_model" env:"DOTCHAT_AGENTS_DEFAULTS_SUMMARY_MODEL"`
	MaxTokens    int     `json:"max_tokens" env:"DOTCHAT_AGENTS_DEFAULTS_MAX_TOKENS"`
	Temperature  float64 `json:"temperature" env:"DOTCHAT_AGENTS_DEFAULTS_TEMPERATURE"`
}

type ChatConfig struct {
	WindowSize        int    `json:"window_size" env:"DOTCHAT_CHAT_WINDOW_SIZE"`
	SummaryPromptFile string `json:"summary_prompt_file" env:"DOTCHAT_CHAT_SUMMARY_PROMPT_FILE"`
	ChatPromptFile    string `json:"chat_prompt_file" env:"DOTCHAT_CHAT_CHAT_PROMPT_FILE"`
}

type RateLimitConfig struct {
	MaxCalls      int `json:"max_calls" env:"DOTCHAT_RATE_LIMIT_MAX_CALLS"`
	PeriodSeconds int `json:"period_seconds" env:"DOTCHAT_RATE_LIMIT_PERIOD_SECONDS"`
}

type GenerationConfig struct {
	TimeoutSeconds int `json:"timeout_seconds" env:"DOTCHAT_GENERATION_TIMEOUT_SECONDS"`
}

type SummaryConfig struct {
	// Schedule is a cron expression for background digest regeneration.
	// Empty disables it.
	Schedule string `json:"schedule" env:"DOTCHAT_SUMMARY_SCHEDULE"`
}

type ChannelsConfig struct {
	Discord DiscordConfig `json:"discord"`
}

type DiscordConfig struct {
	Enabled   bool                `json:"enabled" env:"DOTCHAT_CHANNELS_DISCORD_ENABLED"`
	Token     string              `json:"token" env:"DOTCHAT_CHANNELS_DISCORD_TOKEN"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"DOTCHAT_CHANNELS_DISCORD_ALLOW_FROM"`
}

type ProvidersConfig struct {
	Gemini     ProviderConfig `json:"gemini" envPrefix:"DOTCHAT_PROVIDERS_GEMINI_"`
	OpenRouter ProviderConfig `json:"openrouter" envPrefix:"DOTCHAT_PROVIDERS_OPENROUTER_"`
	OpenAI     ProviderConfig `json:"openai" envPrefix:"DOTCHAT_PROVIDERS_OPENAI_"`
}

// ProviderConfig is the key and endpoint of one chat-completions backend.
// Set at most one of APIKey and APIKeyFile.
type ProviderConfig struct {
	APIKey     string `json:"api_key" env:"API_KEY"`
	APIKeyFile string `json:"api_key_file,omitempty" env:"API_KEY_FILE"`
	APIBase    string `json:"api_base" env:"API_BASE"`
	Proxy      string `json:"proxy,omitempty" env:"PROXY"`
}

type StorageConfig struct {
	Path string `json:"path" env:"DOTCHAT_STORAGE_PATH"`
}

type GatewayConfig struct {
	Host string `json:"host" env:"DOTCHAT_GATEWAY_HOST"`
	Port int    `json:"port" env:"DOTCHAT_GATEWAY_PORT"`
}

type LoggingConfig struct {
	Level  string `json:"level" env:"DOTCHAT_LOGGING_LEVEL"`
	Pretty bool   `json:"pretty" env:"DOTCHAT_LOGGING_PRETTY"`
}

func DefaultConfig() *Config {
	return &Config{
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Provider:    "gemini",
				Model:       "gemini-2.5-flash",
				MaxTokens:   8192,
				Temperature: 0.7,
			},
		},
		Chat: ChatConfig{
			WindowSize: 10,
		},
		RateLimit: RateLimitConfig{
			MaxCalls:      20,
			PeriodSeconds: 60,
		},
		Generation: GenerationConfig{
			TimeoutSeconds: 120,
		},
		Channels: ChannelsConfig{
			Discord: DiscordConfig{
				Token:     "",
				AllowFrom: FlexibleStringSlice{},
			},
		},
		Providers: ProvidersConfig{},
		Storage: StorageConfig{
			Path: "~/.dotchat/state/chat.db",
		},
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 18790,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig reads path over the defaults and then applies DOTCHAT_* env
// overrides. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Validate checks the values the chat pipeline cannot run without.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs []error
	if c.Chat.WindowSize <= 0 {
		errs = append(errs, fmt.Errorf("chat.window_size must be positive, got %d", c.Chat.WindowSize))
	}
	if c.RateLimit.MaxCalls <= 0 {
		errs = append(errs, fmt.Errorf("rate_limit.max_calls must be positive, got %d", c.RateLimit.MaxCalls))
	}
	if c.RateLimit.PeriodSeconds <= 0 {
		errs = append(errs, fmt.Errorf("rate_limit.period_seconds must be positive, got %d", c.RateLimit.PeriodSeconds))
	}
	if c.Generation.TimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("generation.timeout_seconds must be positive, got %d", c.Generation.TimeoutSeconds))
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		errs = append(errs, errors.New("storage.path is required"))
	}
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway.port out of range: %d", c.Gateway.Port))
	}
	if c.Channels.Discord.Enabled && strings.TrimSpace(c.Channels.Discord.Token) == "" {
		errs = append(errs, errors.New("channels.discord.token is required when discord is enabled"))
	}
	return errors.Join(errs...)
}

func (c *Config) StoragePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Storage.Path)
}

// SummaryModel falls back to the chat model when no dedicated one is set.
func (c *Config) SummaryModel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if m := strings.TrimSpace(c.Agents.Defaults.SummaryModel); m != "" {
		return m
	}
	return c.Agents.Defaults.Model
}

func (c *Config) RateLimitPeriod() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.RateLimit.PeriodSeconds) * time.Second
}

func (c *Config) GenerationTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Generation.TimeoutSeconds) * time.Second
}

func (c *Config) GatewayAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("%s:%d", c.Gateway.Host, c.Gateway.Port)
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
