package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"

	"github.com/michaelbrown/starbox/internal/grant"
)

const (
	BackendInProcess = "inprocess"
	BackendBwrap     = "bwrap"
)

type RuntimeConfig struct {
	Backend      string        `mapstructure:"backend"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxSteps     uint64        `mapstructure:"max_steps"`
	InheritStdio bool          `mapstructure:"inherit_stdio"`
	StrictExit   bool          `mapstructure:"strict_exit"`
}

type SandboxConfig struct {
	BwrapPath    string `mapstructure:"bwrap_path"`
	GuestBinary  string `mapstructure:"guest_binary"`
	MaxOpenFiles uint64 `mapstructure:"max_open_files"`
}

type StorageConfig struct {
	DBPath  string `mapstructure:"db_path"`
	History bool   `mapstructure:"history"`
}

type ServerConfig struct {
	Port          int `mapstructure:"port"`
	MaxConcurrent int `mapstructure:"max_concurrent"`
}

type Config struct {
	Runtime  RuntimeConfig `mapstructure:"runtime"`
	Sandbox  SandboxConfig `mapstructure:"sandbox"`
	Storage  StorageConfig `mapstructure:"storage"`
	Server   ServerConfig  `mapstructure:"server"`
	Mounts   []string      `mapstructure:"mounts"`
	LogLevel string        `mapstructure:"log_level"`
}

// Load reads starbox.yaml from the working directory, the XDG config
// directory or ~/.starbox, in that order, with STARBOX_* environment
// overrides. A missing file is fine; every key has a default. If file is
// non-empty it is read instead of searching and must exist.
func Load(file string) (*Config, error) {
	v := viper.New()
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("starbox")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join(xdg.ConfigHome, "starbox"))
		v.AddConfigPath("$HOME/.starbox")
	}

	v.SetEnvPrefix("STARBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("runtime.backend", BackendInProcess)
	v.SetDefault("runtime.timeout", 30*time.Second)
	v.SetDefault("runtime.max_steps", 0)
	v.SetDefault("runtime.inherit_stdio", false)
	v.SetDefault("runtime.strict_exit", false)
	v.SetDefault("sandbox.bwrap_path", "bwrap")
	v.SetDefault("sandbox.guest_binary", "")
	v.SetDefault("sandbox.max_open_files", 256)
	v.SetDefault("storage.db_path", filepath.Join(xdg.DataHome, "starbox", "history.db"))
	v.SetDefault("storage.history", true)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.max_concurrent", 8)
	v.SetDefault("mounts", []string{})
	v.SetDefault("log_level", "info")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that viper cannot type-check.
func (c *Config) Validate() error {
	switch c.Runtime.Backend {
	case BackendInProcess, BackendBwrap:
	default:
		return fmt.Errorf("unknown runtime.backend %q (want %s or %s)", c.Runtime.Backend, BackendInProcess, BackendBwrap)
	}
	if c.Runtime.Timeout < 0 {
		return fmt.Errorf("runtime.timeout must not be negative")
	}
	if c.Server.MaxConcurrent < 1 {
		return fmt.Errorf("server.max_concurrent must be at least 1")
	}
	if _, err := c.Grants(); err != nil {
		return fmt.Errorf("mounts: %w", err)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Grants parses the configured mounts.
func (c *Config) Grants() ([]grant.Grant, error) {
	return grant.ParseAll(c.Mounts)
}

// Level returns the configured log level.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return l, nil
}
