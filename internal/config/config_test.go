package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}

	if cfg.Blend.MaxTracks != 20 {
		t.Errorf("expected 20 max tracks, got %d", cfg.Blend.MaxTracks)
	}
	if cfg.Generator.ReferenceSampleRate != 48000 {
		t.Errorf("expected 48000 Hz reference rate, got %d", cfg.Generator.ReferenceSampleRate)
	}
	if cfg.Generator.DefaultPrompt != "smooth melodic music" {
		t.Errorf("unexpected default prompt %q", cfg.Generator.DefaultPrompt)
	}
}

func TestLoadConfigCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Server.Port != DefaultConfig().Server.Port {
		t.Errorf("expected default port, got %s", cfg.Server.Port)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config file to be written: %v", err)
	}

	// Second load parses the file that was just written
	again, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("reloading config failed: %v", err)
	}
	if again.Blend.CrossfadeSeconds != 2 {
		t.Errorf("expected crossfade 2, got %d", again.Blend.CrossfadeSeconds)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[server]
port = "9000"
host = "127.0.0.1"

[blend]
extract_seconds = 6
supported_formats = [".wav"]

[generator]
api_url = "http://gpu:8001"
model = "facebook/musicgen-melody"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Server.Port != "9000" || cfg.GetAddress() != "127.0.0.1:9000" {
		t.Errorf("unexpected address %s", cfg.GetAddress())
	}
	if cfg.Blend.ExtractSeconds != 6 {
		t.Errorf("expected extract 6, got %d", cfg.Blend.ExtractSeconds)
	}
	// Unset keys keep their defaults
	if cfg.Blend.CrossfadeSeconds != 2 {
		t.Errorf("expected default crossfade, got %d", cfg.Blend.CrossfadeSeconds)
	}
	if !cfg.IsFormatSupported(".WAV") || cfg.IsFormatSupported(".mp3") {
		t.Errorf("format support does not follow config")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("PHANTOM_GENERATOR_API_KEY", "secret")
	t.Setenv("PHANTOM_GENERATOR_URL", "http://worker:9000")

	cfg := DefaultConfig()
	cfg.ApplyEnv()

	if cfg.Generator.APIKey != "secret" {
		t.Errorf("expected api key from env, got %q", cfg.Generator.APIKey)
	}
	if cfg.Generator.APIURL != "http://worker:9000" {
		t.Errorf("expected api url from env, got %q", cfg.Generator.APIURL)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty port", func(c *Config) { c.Server.Port = "" }},
		{"empty scratch dir", func(c *Config) { c.Storage.ScratchDir = "" }},
		{"zero upload size", func(c *Config) { c.Storage.MaxUploadSizeMB = 0 }},
		{"zero max tracks", func(c *Config) { c.Blend.MaxTracks = 0 }},
		{"negative crossfade", func(c *Config) { c.Blend.CrossfadeSeconds = -1 }},
		{"format without dot", func(c *Config) { c.Blend.SupportedFormats = []string{"mp3"} }},
		{"low reference rate", func(c *Config) { c.Generator.ReferenceSampleRate = 100 }},
		{"zero poll interval", func(c *Config) { c.Generator.PollInterval = 0 }},
		{"zero concurrency", func(c *Config) { c.Generator.MaxConcurrent = 0 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "app.log")
	logger, err := LoggingConfig{Level: "warn", Format: "json", File: logFile}.NewLogger()
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	if logger.GetLevel() != logrus.WarnLevel {
		t.Errorf("expected warn level, got %s", logger.GetLevel())
	}
	if _, ok := logger.Formatter.(*logrus.JSONFormatter); !ok {
		t.Errorf("expected JSON formatter")
	}

	if _, err := (LoggingConfig{Level: "nope", Format: "text"}).NewLogger(); err == nil {
		t.Errorf("expected error for invalid level")
	}
}
