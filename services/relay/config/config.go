// Copyright (C) 2026 CageMetric (dev@cagemetric.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads relay settings from a YAML file and the
// CAGEMETRIC_* environment, environment winning.
package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the full relay configuration. mapstructure tags match the YAML
// keys; the environment form replaces dots with underscores, so
// llm.backend becomes CAGEMETRIC_LLM_BACKEND.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Database DatabaseConfig `mapstructure:"database"`
	Usage    UsageConfig    `mapstructure:"usage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	Auth     AuthConfig     `mapstructure:"auth"`
}

type ServerConfig struct {
	ListenAddr string `mapstructure:"listen_addr" validate:"required"`
}

type LLMConfig struct {
	// Backend selects the model provider: "openai" or "ollama".
	Backend     string  `mapstructure:"backend" validate:"oneof=openai ollama"`
	Model       string  `mapstructure:"model" validate:"required"`
	BaseURL     string  `mapstructure:"base_url"`
	APIKey      string  `mapstructure:"api_key"`
	Temperature float32 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

type DatabaseConfig struct {
	// DSN is a pgx connection string. Empty means in-memory persistence,
	// which is only sensible for development.
	DSN string `mapstructure:"dsn"`
}

type UsageConfig struct {
	DailyLimit int `mapstructure:"daily_limit" validate:"min=1"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
	Dir   string `mapstructure:"dir"`
	JSON  bool   `mapstructure:"json"`
}

type TracingConfig struct {
	// OTLPEndpoint is the gRPC collector address. Empty disables export.
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

type AuthConfig struct {
	// Tokens maps bearer tokens to user ids. Empty falls back to the
	// single local user, for development only.
	Tokens map[string]int64 `mapstructure:"tokens"`
}

// newViper applies defaults and the environment binding shared by Load and
// Watch.
func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("CAGEMETRIC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.listen_addr", ":8090")
	v.SetDefault("llm.backend", "ollama")
	v.SetDefault("llm.model", "llama3.1:8b")
	v.SetDefault("llm.base_url", "http://localhost:11434")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("database.dsn", "")
	v.SetDefault("usage.daily_limit", 50)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.dir", "")
	v.SetDefault("logging.json", false)
	v.SetDefault("tracing.otlp_endpoint", "")

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
	}
	return v
}

// Load reads configuration from path (optional) plus the environment.
func Load(path string) (Config, error) {
	v := newViper(path)
	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}
	return unmarshal(v)
}

// Watch is Load plus a live reload. onChange receives the freshly parsed
// config on every write to the file; a file that fails to parse is logged
// and skipped, keeping the last good config in effect.
func Watch(path string, log *slog.Logger, onChange func(Config)) (Config, error) {
	if path == "" {
		return Config{}, fmt.Errorf("watch requires a config file path")
	}
	if log == nil {
		log = slog.Default()
	}

	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config file %s: %w", path, err)
	}
	cfg, err := unmarshal(v)
	if err != nil {
		return Config{}, err
	}

	v.OnConfigChange(func(event fsnotify.Event) {
		if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
			return
		}
		next, err := unmarshal(v)
		if err != nil {
			log.Warn("ignoring invalid config reload", "path", event.Name, "error", err)
			return
		}
		log.Info("config reloaded", "path", event.Name)
		onChange(next)
	})
	v.WatchConfig()

	return cfg, nil
}

func unmarshal(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}
