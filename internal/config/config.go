// Package config handles Marill configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/marill/config.yaml, /etc/marill/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "marill", "config.yaml"))
	}

	paths = append(paths, "/etc/marill/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Marill configuration.
type Config struct {
	Listen     ListenConfig    `yaml:"listen"`
	DataDir    string          `yaml:"data_dir"`
	LogLevel   string          `yaml:"log_level"`
	LogFormat  string          `yaml:"log_format"` // text or json
	PolicyFile string          `yaml:"policy_file"`
	Timezone   string          `yaml:"timezone"`
	OpenAI     OpenAIConfig    `yaml:"openai"`
	WAHA       WAHAConfig      `yaml:"waha"`
	Deepgram   DeepgramConfig  `yaml:"deepgram"`
	Stripe     StripeConfig    `yaml:"stripe"`
	Agent      AgentConfig     `yaml:"agent"`
	Redis      RedisConfig     `yaml:"redis"`
	RateLimit  RateLimitConfig `yaml:"rate_limit"`
}

// ListenConfig defines the webhook server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// OpenAIConfig defines completion service settings.
type OpenAIConfig struct {
	APIKey      string `yaml:"api_key"`
	BaseURL     string `yaml:"base_url"`
	Model       string `yaml:"model"`
	RouterModel string `yaml:"router_model"`
}

// WAHAConfig defines the WhatsApp HTTP API gateway.
type WAHAConfig struct {
	URL     string `yaml:"url"`
	APIKey  string `yaml:"api_key"`
	Session string `yaml:"session"`
	// Websocket switches inbound delivery from the webhook to the
	// gateway's event stream.
	Websocket bool `yaml:"websocket"`
	// HistoryLimit is how many recent chat messages are fetched to
	// build the conversation window.
	HistoryLimit int `yaml:"history_limit"`
	// IgnoreSenders lists chat ids whose messages are dropped.
	IgnoreSenders []string `yaml:"ignore_senders"`
}

// Configured reports whether the gateway URL is set.
func (c WAHAConfig) Configured() bool {
	return c.URL != ""
}

// DeepgramConfig defines audio transcription settings.
type DeepgramConfig struct {
	APIKey        string  `yaml:"api_key"`
	Model         string  `yaml:"model"`
	Language      string  `yaml:"language"`
	MinConfidence float64 `yaml:"min_confidence"`
}

// StripeConfig defines billing settings.
type StripeConfig struct {
	SecretKey     string `yaml:"secret_key"`
	WebhookSecret string `yaml:"webhook_secret"`
	PriceID       string `yaml:"price_id"`
	TrialDays     int64  `yaml:"trial_days"`
	SuccessURL    string `yaml:"success_url"`
	CancelURL     string `yaml:"cancel_url"`
}

// Configured reports whether a secret key is set.
func (c StripeConfig) Configured() bool {
	return c.SecretKey != ""
}

// AgentConfig bounds each turn.
type AgentConfig struct {
	MaxIterations int           `yaml:"max_iterations"`
	TurnTimeout   time.Duration `yaml:"turn_timeout"`
	// MessagePacing is the pause after each text reply.
	MessagePacing time.Duration `yaml:"message_pacing"`
	// TypingDelay is the pause between typing start and the text.
	TypingDelay time.Duration `yaml:"typing_delay"`
	// HandleTimeout bounds a whole inbound message: lock wait, history,
	// routing and the agent run.
	HandleTimeout time.Duration `yaml:"handle_timeout"`
}

// RedisConfig enables the shared per-user turn lock. LockTTL must
// exceed agent.handle_timeout so a slow turn never outlives its lock.
type RedisConfig struct {
	URL     string        `yaml:"url"`
	LockTTL time.Duration `yaml:"lock_ttl"`
}

// RateLimitConfig bounds inbound messages per sender.
type RateLimitConfig struct {
	PerMinute int `yaml:"per_minute"` // 0 = unlimited
}

// Load reads configuration from a YAML file. A .env file next to the
// config (or in the working directory) is loaded into the environment
// first so ${VAR} references can be expanded.
func Load(path string) (*Config, error) {
	loadDotEnv(filepath.Dir(path))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadDotEnv loads .env files without overriding variables that are
// already set. Missing files are ignored.
func loadDotEnv(dir string) {
	for _, p := range []string{filepath.Join(dir, ".env"), ".env"} {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
		}
	}
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}
	if c.Listen.Port <= 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port out of range: %d", c.Listen.Port))
	}
	if c.OpenAI.APIKey == "" {
		errs = append(errs, errors.New("openai.api_key is required"))
	}
	if !c.WAHA.Configured() {
		errs = append(errs, errors.New("waha.url is required"))
	}
	if c.Agent.MaxIterations <= 0 {
		errs = append(errs, fmt.Errorf("agent.max_iterations must be positive, got %d", c.Agent.MaxIterations))
	}
	if c.Agent.TurnTimeout <= 0 {
		errs = append(errs, errors.New("agent.turn_timeout must be positive"))
	}
	if c.Agent.HandleTimeout < c.Agent.TurnTimeout {
		errs = append(errs, fmt.Errorf("agent.handle_timeout (%v) must not be shorter than agent.turn_timeout (%v)",
			c.Agent.HandleTimeout, c.Agent.TurnTimeout))
	}
	if c.Redis.URL != "" && c.Redis.LockTTL <= c.Agent.HandleTimeout {
		errs = append(errs, fmt.Errorf("redis.lock_ttl (%v) must exceed agent.handle_timeout (%v)",
			c.Redis.LockTTL, c.Agent.HandleTimeout))
	}
	if c.Deepgram.MinConfidence < 0 || c.Deepgram.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("deepgram.min_confidence must be within [0,1], got %v", c.Deepgram.MinConfidence))
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("timezone: %w", err))
		}
	}
	if c.RateLimit.PerMinute < 0 {
		errs = append(errs, errors.New("rate_limit.per_minute must not be negative"))
	}

	return errors.Join(errs...)
}

// Location returns the configured display timezone.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen:    ListenConfig{Port: 8080},
		DataDir:   "./data",
		LogFormat: "text",
		Timezone:  "America/Sao_Paulo",
		OpenAI: OpenAIConfig{
			Model:       "gpt-4.1-nano",
			RouterModel: "gpt-4.1-nano",
		},
		WAHA: WAHAConfig{
			Session:      "default",
			HistoryLimit: 20,
		},
		Deepgram: DeepgramConfig{
			Model:         "nova-2",
			Language:      "pt-BR",
			MinConfidence: 0.8,
		},
		Stripe: StripeConfig{TrialDays: 30},
		Agent: AgentConfig{
			MaxIterations: 8,
			TurnTimeout:   2 * time.Minute,
			MessagePacing: 5 * time.Second,
			TypingDelay:   1500 * time.Millisecond,
			HandleTimeout: 5 * time.Minute,
		},
		Redis:     RedisConfig{LockTTL: 6 * time.Minute},
		RateLimit: RateLimitConfig{PerMinute: 20},
	}
}
