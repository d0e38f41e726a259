package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
openai:
  api_key: sk-test
waha:
  url: http://waha.local/api
`

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, t.TempDir(), minimalYAML)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	if _, err := FindConfig("/nonexistent/config.yaml"); err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, minimalYAML)
	t.Chdir(dir)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, t.TempDir(), minimalYAML))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Listen.Port != 8080 {
		t.Errorf("Listen.Port = %d, want 8080", cfg.Listen.Port)
	}
	if cfg.Agent.MaxIterations != 8 {
		t.Errorf("Agent.MaxIterations = %d, want 8", cfg.Agent.MaxIterations)
	}
	if cfg.Agent.MessagePacing != 5*time.Second {
		t.Errorf("Agent.MessagePacing = %v, want 5s", cfg.Agent.MessagePacing)
	}
	if cfg.Deepgram.MinConfidence != 0.8 {
		t.Errorf("Deepgram.MinConfidence = %v, want 0.8", cfg.Deepgram.MinConfidence)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("MARILL_TEST_WAHA_KEY", "secret123")
	path := writeConfig(t, t.TempDir(), minimalYAML+"  api_key: ${MARILL_TEST_WAHA_KEY}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.WAHA.APIKey != "secret123" {
		t.Errorf("WAHA.APIKey = %q, want %q", cfg.WAHA.APIKey, "secret123")
	}
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("MARILL_TEST_STRIPE=sk_live_x\n"), 0600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("MARILL_TEST_STRIPE") })

	path := writeConfig(t, dir, minimalYAML+"stripe:\n  secret_key: ${MARILL_TEST_STRIPE}\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Stripe.SecretKey != "sk_live_x" {
		t.Errorf("Stripe.SecretKey = %q, want %q", cfg.Stripe.SecretKey, "sk_live_x")
	}
}

func TestLoad_Durations(t *testing.T) {
	path := writeConfig(t, t.TempDir(), minimalYAML+"agent:\n  max_iterations: 3\n  turn_timeout: 45s\n  message_pacing: 0s\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Agent.TurnTimeout != 45*time.Second {
		t.Errorf("TurnTimeout = %v, want 45s", cfg.Agent.TurnTimeout)
	}
	if cfg.Agent.MessagePacing != 0 {
		t.Errorf("MessagePacing = %v, want 0", cfg.Agent.MessagePacing)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing api key", mutate: func(c *Config) { c.OpenAI.APIKey = "" }, wantErr: "openai.api_key"},
		{name: "missing waha", mutate: func(c *Config) { c.WAHA.URL = "" }, wantErr: "waha.url"},
		{name: "bad level", mutate: func(c *Config) { c.LogLevel = "loud" }, wantErr: "unknown log level"},
		{name: "bad format", mutate: func(c *Config) { c.LogFormat = "xml" }, wantErr: "log_format"},
		{name: "zero iterations", mutate: func(c *Config) { c.Agent.MaxIterations = 0 }, wantErr: "max_iterations"},
		{name: "confidence range", mutate: func(c *Config) { c.Deepgram.MinConfidence = 1.5 }, wantErr: "min_confidence"},
		{name: "bad timezone", mutate: func(c *Config) { c.Timezone = "Mars/Olympus" }, wantErr: "timezone"},
		{name: "redis with default ttl", mutate: func(c *Config) { c.Redis.URL = "redis://localhost:6379/0" }},
		{
			name: "lock shorter than turn",
			mutate: func(c *Config) {
				c.Redis.URL = "redis://localhost:6379/0"
				c.Redis.LockTTL = 3 * time.Minute
			},
			wantErr: "redis.lock_ttl",
		},
		{name: "handle shorter than agent run", mutate: func(c *Config) { c.Agent.HandleTimeout = time.Minute }, wantErr: "agent.handle_timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.OpenAI.APIKey = "sk-test"
			cfg.WAHA.URL = "http://waha.local"
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"TRACE", LevelTrace},
		{" debug ", slog.LevelDebug},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if err != nil {
			t.Errorf("ParseLogLevel(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger_TraceName(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelTrace, "text")
	logger.Log(t.Context(), LevelTrace, "wire")

	if !strings.Contains(buf.String(), "level=TRACE") {
		t.Errorf("log output = %q, want level=TRACE", buf.String())
	}
}
