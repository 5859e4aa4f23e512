package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Storage   StorageConfig   `toml:"storage"`
	Blend     BlendConfig     `toml:"blend"`
	Generator GeneratorConfig `toml:"generator"`
	Database  DatabaseConfig  `toml:"database"`
	Logging   LoggingConfig   `toml:"logging"`
	Ngrok     NgrokConfig     `toml:"ngrok"`
}

// ServerConfig contains server-related configuration
type ServerConfig struct {
	Port              string `toml:"port"`
	Host              string `toml:"host"`
	StaticDir         string `toml:"static_dir"`
	EnableCORS        bool   `toml:"enable_cors"`
	ReadTimeout       int    `toml:"read_timeout_seconds"`
	WriteTimeout      int    `toml:"write_timeout_seconds"`
	RequestLogging    bool   `toml:"request_logging"`
	AccessPassword    string `toml:"access_password"`
	GenerateRateLimit int    `toml:"generate_rate_limit_per_minute"`
}

// StorageConfig contains scratch and upload directory configuration
type StorageConfig struct {
	ScratchDir          string `toml:"scratch_dir"`
	UploadDir           string `toml:"upload_dir"`
	MaxUploadSizeMB     int64  `toml:"max_upload_size_mb"`
	WatchUploads        bool   `toml:"watch_uploads"`
	ReferenceTTLMinutes int    `toml:"reference_ttl_minutes"`
}

// BlendConfig contains reference blending configuration
type BlendConfig struct {
	MaxTracks              int      `toml:"max_tracks"`
	ExtractSeconds         int      `toml:"extract_seconds"`
	CrossfadeSeconds       int      `toml:"crossfade_seconds"`
	ManyTracksThreshold    int      `toml:"many_tracks_threshold"`
	ManyTracksCrossfadeCap int      `toml:"many_tracks_crossfade_cap"`
	SupportedFormats       []string `toml:"supported_formats"`
}

// GeneratorConfig contains configuration for the music generation worker
type GeneratorConfig struct {
	APIURL              string  `toml:"api_url"`
	APIKey              string  `toml:"api_key"`
	Model               string  `toml:"model"`
	DefaultDuration     int     `toml:"default_duration"`
	ReferenceSampleRate int     `toml:"reference_sample_rate"`
	DefaultPrompt       string  `toml:"default_prompt"`
	OutputDir           string  `toml:"output_dir"`
	PollInterval        float64 `toml:"poll_interval_seconds"`
	LoadTimeout         int     `toml:"load_timeout_seconds"`
	GenerateTimeout     int     `toml:"generate_timeout_seconds"`
	PreloadOnStartup    bool    `toml:"preload_on_startup"`
	MaxConcurrent       int     `toml:"max_concurrent"`
	LoudnessHeadroomDB  float64 `toml:"loudness_headroom_db"`
	LoudnessCompressor  bool    `toml:"loudness_compressor"`
}

// DatabaseConfig contains database-related configuration
type DatabaseConfig struct {
	Path              string `toml:"path"`
	MaxConnections    int    `toml:"max_connections"`
	HistoryLimit      int    `toml:"history_limit"`
	JobRetentionHours int    `toml:"job_retention_hours"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

// NgrokConfig contains ngrok tunnel configuration
type NgrokConfig struct {
	Enabled       bool   `toml:"enabled"`
	AuthToken     string `toml:"auth_token"`
	Domain        string `toml:"domain"`
	TrafficPolicy string `toml:"traffic_policy"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              "7860",
			Host:              "0.0.0.0",
			StaticDir:         "./static",
			EnableCORS:        true,
			ReadTimeout:       60,
			WriteTimeout:      0,
			RequestLogging:    true,
			AccessPassword:    "",
			GenerateRateLimit: 6,
		},
		Storage: StorageConfig{
			ScratchDir:          "./scratch",
			UploadDir:           "./uploads",
			MaxUploadSizeMB:     100,
			WatchUploads:        true,
			ReferenceTTLMinutes: 120,
		},
		Blend: BlendConfig{
			MaxTracks:              20,
			ExtractSeconds:         10,
			CrossfadeSeconds:       2,
			ManyTracksThreshold:    5,
			ManyTracksCrossfadeCap: 1,
			SupportedFormats:       []string{".mp3", ".wav", ".ogg", ".flac"},
		},
		Generator: GeneratorConfig{
			APIURL:              "http://127.0.0.1:8001",
			APIKey:              "",
			Model:               "facebook/musicgen-medium",
			DefaultDuration:     30,
			ReferenceSampleRate: 48000,
			DefaultPrompt:       "smooth melodic music",
			OutputDir:           "",
			PollInterval:        1.0,
			LoadTimeout:         600,
			GenerateTimeout:     1800,
			PreloadOnStartup:    true,
			MaxConcurrent:       1,
			LoudnessHeadroomDB:  14,
			LoudnessCompressor:  true,
		},
		Database: DatabaseConfig{
			Path:              "./phantomtrack.db",
			MaxConnections:    10,
			HistoryLimit:      100,
			JobRetentionHours: 168,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			File:   "",
		},
		Ngrok: NgrokConfig{
			Enabled:       false,
			AuthToken:     "",
			Domain:        "",
			TrafficPolicy: "",
		},
	}
}

// LoadConfig loads configuration from a TOML file
func LoadConfig(configPath string) (*Config, error) {
	// Start with defaults
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := cfg.SaveToFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config file: %w", err)
		}
		fmt.Printf("Created default configuration file at: %s\n", configPath)
		cfg.ApplyEnv()
		return cfg, nil
	}

	if _, err := toml.DecodeFile(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overrides secrets and endpoints from the environment
func (c *Config) ApplyEnv() {
	if v := os.Getenv("PHANTOM_GENERATOR_URL"); v != "" {
		c.Generator.APIURL = v
	}
	if v := os.Getenv("PHANTOM_GENERATOR_API_KEY"); v != "" {
		c.Generator.APIKey = v
	}
	if v := os.Getenv("PHANTOM_ACCESS_PASSWORD"); v != "" {
		c.Server.AccessPassword = v
	}
	if v := os.Getenv("NGROK_AUTHTOKEN"); v != "" && c.Ngrok.AuthToken == "" {
		c.Ngrok.AuthToken = v
	}
}

// SaveToFile saves the configuration to a TOML file
func (c *Config) SaveToFile(configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	header := `# Phantom Track Configuration
# Reference blending and generation settings for the phantom track studio.
# Secrets may also be provided via .env (PHANTOM_GENERATOR_API_KEY, NGROK_AUTHTOKEN).

`
	if _, err := file.WriteString(header); err != nil {
		return fmt.Errorf("failed to write config header: %w", err)
	}

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port cannot be empty")
	}
	if c.Server.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server timeouts must be positive")
	}
	if c.Server.GenerateRateLimit < 0 {
		return fmt.Errorf("generate rate limit cannot be negative")
	}

	if c.Storage.ScratchDir == "" {
		return fmt.Errorf("scratch directory cannot be empty")
	}
	if c.Storage.UploadDir == "" {
		return fmt.Errorf("upload directory cannot be empty")
	}
	if c.Storage.MaxUploadSizeMB < 1 {
		return fmt.Errorf("max upload size must be at least 1 MB")
	}

	if c.Blend.MaxTracks < 1 {
		return fmt.Errorf("blend max tracks must be at least 1")
	}
	if c.Blend.ExtractSeconds < 1 {
		return fmt.Errorf("blend extract seconds must be at least 1")
	}
	if c.Blend.CrossfadeSeconds < 0 || c.Blend.ManyTracksCrossfadeCap < 0 {
		return fmt.Errorf("blend crossfade cannot be negative")
	}
	if len(c.Blend.SupportedFormats) == 0 {
		return fmt.Errorf("at least one supported audio format must be specified")
	}
	for _, f := range c.Blend.SupportedFormats {
		if !strings.HasPrefix(f, ".") {
			return fmt.Errorf("invalid audio format: %s (must start with a dot)", f)
		}
	}

	if c.Generator.APIURL == "" {
		return fmt.Errorf("generator api url cannot be empty")
	}
	if c.Generator.Model == "" {
		return fmt.Errorf("generator model cannot be empty")
	}
	if c.Generator.ReferenceSampleRate < 8000 {
		return fmt.Errorf("reference sample rate must be at least 8000 Hz")
	}
	if c.Generator.PollInterval <= 0 {
		return fmt.Errorf("generator poll interval must be positive")
	}
	if c.Generator.MaxConcurrent < 1 {
		return fmt.Errorf("generator max concurrent must be at least 1")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.MaxConnections < 1 {
		return fmt.Errorf("database max connections must be at least 1")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"text": true, "json": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Logging.Format)
	}

	return nil
}

// GetAddress returns the full server address
func (c *Config) GetAddress() string {
	return c.Server.Host + ":" + c.Server.Port
}

// IsFormatSupported checks if an audio format is accepted for blending
func (c *Config) IsFormatSupported(format string) bool {
	format = strings.ToLower(format)
	for _, supported := range c.Blend.SupportedFormats {
		if supported == format {
			return true
		}
	}
	return false
}

// MaxUploadBytes returns the per-file upload limit in bytes
func (c *Config) MaxUploadBytes() int64 {
	return c.Storage.MaxUploadSizeMB << 20
}
