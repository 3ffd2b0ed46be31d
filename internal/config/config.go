package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all service settings. Defaults are overridden first by an
// optional YAML file (WATCHSYNC_CONFIG), then by environment variables.
type Config struct {
	Addr            string
	LivenessTimeout time.Duration
	GraceWindow     time.Duration
	SweepInterval   time.Duration
	SendBufferSize  int
	MaxMessageSize  int64
	LogLevel        string
	LogFormat       string
	AllowedOrigins  []string
}

// fileConfig mirrors Config for YAML parsing; durations are strings in
// time.ParseDuration syntax. Unset fields leave the defaults alone.
type fileConfig struct {
	Addr            string   `yaml:"addr"`
	LivenessTimeout string   `yaml:"liveness_timeout"`
	GraceWindow     string   `yaml:"grace_window"`
	SweepInterval   string   `yaml:"sweep_interval"`
	SendBufferSize  *int     `yaml:"send_buffer_size"`
	MaxMessageSize  *int64   `yaml:"max_message_size"`
	LogLevel        string   `yaml:"log_level"`
	LogFormat       string   `yaml:"log_format"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
}

func (fc *fileConfig) apply(cfg *Config) error {
	if fc.Addr != "" {
		cfg.Addr = fc.Addr
	}
	for _, d := range []struct {
		raw string
		dst *time.Duration
	}{
		{fc.LivenessTimeout, &cfg.LivenessTimeout},
		{fc.GraceWindow, &cfg.GraceWindow},
		{fc.SweepInterval, &cfg.SweepInterval},
	} {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", d.raw, err)
		}
		*d.dst = parsed
	}
	if fc.SendBufferSize != nil {
		cfg.SendBufferSize = *fc.SendBufferSize
	}
	if fc.MaxMessageSize != nil {
		cfg.MaxMessageSize = *fc.MaxMessageSize
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
	}
	if fc.LogFormat != "" {
		cfg.LogFormat = fc.LogFormat
	}
	if len(fc.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = fc.AllowedOrigins
	}
	return nil
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Addr:            ":8080",
		LivenessTimeout: 60 * time.Second,
		GraceWindow:     120 * time.Second,
		SweepInterval:   time.Second,
		SendBufferSize:  256,
		MaxMessageSize:  1024,
		LogLevel:        "info",
		LogFormat:       "json",
		AllowedOrigins:  []string{"*"},
	}
}

// Load builds the effective configuration. A missing .env file is fine;
// a present but unreadable YAML file is not.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv("WATCHSYNC_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		var fc fileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return cfg, fmt.Errorf("failed to parse config: %w", err)
		}
		if err := fc.apply(&cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.Addr = GetEnv("ADDR", cfg.Addr)
	if port := os.Getenv("PORT"); port != "" {
		cfg.Addr = ":" + port
	}
	cfg.LivenessTimeout = GetEnvDuration("LIVENESS_TIMEOUT", cfg.LivenessTimeout)
	cfg.GraceWindow = GetEnvDuration("GRACE_WINDOW", cfg.GraceWindow)
	cfg.SweepInterval = GetEnvDuration("SWEEP_INTERVAL", cfg.SweepInterval)
	cfg.SendBufferSize = GetEnvInt("SEND_BUFFER_SIZE", cfg.SendBufferSize)
	cfg.MaxMessageSize = int64(GetEnvInt("MAX_MESSAGE_SIZE", int(cfg.MaxMessageSize)))
	cfg.LogLevel = GetEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = GetEnv("LOG_FORMAT", cfg.LogFormat)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = splitList(origins)
	}
	return cfg, nil
}

// splitList parses a comma-separated environment value, trimming
// whitespace and dropping empty entries.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// GetEnv returns the named environment variable, or fallback if unset or
// empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the named environment variable as an int, or fallback
// if unset, empty, or not an integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvDuration returns the named environment variable as a duration
// ("90s", "2m"), or fallback if unset or unparsable.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	if s := os.Getenv(key); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return fallback
}
