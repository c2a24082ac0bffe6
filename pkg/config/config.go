// Copyright 2024 The wsguard-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides configuration management for wsguard-go,
// covering the server endpoints, connection security, limits, presence
// timing, delivery guarantees and the shared storage backend.
package config

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/turtacn/wsguard-go/pkg/delivery"
	"github.com/turtacn/wsguard-go/pkg/guard"
	"github.com/turtacn/wsguard-go/pkg/limiter"
	"gopkg.in/yaml.v2"
)

// ServerConfig holds the listener endpoints.
type ServerConfig struct {
	NodeID      string `yaml:"node_id" json:"node_id"`
	ListenAddr  string `yaml:"listen_addr" json:"listen_addr"`
	WSPath      string `yaml:"ws_path" json:"ws_path"`
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr"`
}

// SecurityConfig holds token validation, origin checking and device
// binding settings.
type SecurityConfig struct {
	TokenSecret       string   `yaml:"token_secret" json:"token_secret"`
	TokenIssuer       string   `yaml:"token_issuer" json:"token_issuer"`
	TokenCacheSeconds int      `yaml:"token_cache_seconds" json:"token_cache_seconds"`
	AnonymousFallback bool     `yaml:"anonymous_fallback" json:"anonymous_fallback"`
	OriginCheck       bool     `yaml:"origin_check" json:"origin_check"`
	AllowedOrigins    []string `yaml:"allowed_origins" json:"allowed_origins"`
	StrictBinding     bool     `yaml:"strict_binding" json:"strict_binding"`
	BindingTTLSeconds int      `yaml:"binding_ttl_seconds" json:"binding_ttl_seconds"`
}

// LimitsConfig holds the per-class concurrent connection caps.
type LimitsConfig struct {
	Anonymous     int `yaml:"anonymous" json:"anonymous"`
	Authenticated int `yaml:"authenticated" json:"authenticated"`
	Staff         int `yaml:"staff" json:"staff"`
}

// PresenceConfig holds the heartbeat and idle-timeout timing.
type PresenceConfig struct {
	HeartbeatSeconds int `yaml:"heartbeat_seconds" json:"heartbeat_seconds"`
	TimeoutSeconds   int `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// DeliveryConfig holds the guaranteed-delivery timing.
type DeliveryConfig struct {
	AckTimeoutSeconds  int   `yaml:"ack_timeout_seconds" json:"ack_timeout_seconds"`
	MaxRetries         int   `yaml:"max_retries" json:"max_retries"`
	RetryDelaysSeconds []int `yaml:"retry_delays_seconds" json:"retry_delays_seconds"`
	DeadLetterHours    int   `yaml:"dead_letter_hours" json:"dead_letter_hours"`
}

// StorageConfig selects the shared store backend. With "memory" all state
// is process-local; "redis" shares counters, bindings and pending
// messages across processes.
type StorageConfig struct {
	Backend       string `yaml:"backend" json:"backend"`
	RedisAddr     string `yaml:"redis_addr" json:"redis_addr"`
	RedisPassword string `yaml:"redis_password" json:"redis_password"`
	RedisDB       int    `yaml:"redis_db" json:"redis_db"`
}

// Config holds the complete configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" json:"server"`
	Security SecurityConfig `yaml:"security" json:"security"`
	Limits   LimitsConfig   `yaml:"limits" json:"limits"`
	Presence PresenceConfig `yaml:"presence" json:"presence"`
	Delivery DeliveryConfig `yaml:"delivery" json:"delivery"`
	Storage  StorageConfig  `yaml:"storage" json:"storage"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			NodeID:      "wsguard-node",
			ListenAddr:  ":8080",
			WSPath:      "/ws",
			MetricsAddr: ":8082",
		},
		Security: SecurityConfig{
			TokenSecret:       "",
			TokenIssuer:       "wsguard",
			TokenCacheSeconds: 300,
			AnonymousFallback: true,
			OriginCheck:       false,
			AllowedOrigins:    []string{},
			StrictBinding:     false,
			BindingTTLSeconds: 3600,
		},
		Limits: LimitsConfig{
			Anonymous:     5,
			Authenticated: 20,
			Staff:         100,
		},
		Presence: PresenceConfig{
			HeartbeatSeconds: 30,
			TimeoutSeconds:   300,
		},
		Delivery: DeliveryConfig{
			AckTimeoutSeconds:  30,
			MaxRetries:         3,
			RetryDelaysSeconds: []int{1, 2, 4},
			DeadLetterHours:    24,
		},
		Storage: StorageConfig{
			Backend:   "memory",
			RedisAddr: "localhost:6379",
		},
	}
}

// LoadConfig loads configuration from a file. An empty path returns the
// default configuration.
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		log.Println("[INFO] No config file specified, using default configuration")
		return DefaultConfig(), nil
	}

	data, err := ioutil.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	config := DefaultConfig()
	ext := strings.ToLower(filepath.Ext(configPath))

	switch ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	case ".json":
		err = json.Unmarshal(data, config)
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log.Printf("[INFO] Configuration loaded from %s", configPath)
	return config, nil
}

// SaveConfig saves configuration to a file.
func SaveConfig(config *Config, configPath string) error {
	var data []byte
	var err error

	ext := strings.ToLower(filepath.Ext(configPath))
	switch ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(config)
	case ".json":
		data, err = json.MarshalIndent(config, "", "  ")
	default:
		return fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	err = ioutil.WriteFile(configPath, data, 0644)
	if err != nil {
		return fmt.Errorf("failed to write config file %s: %w", configPath, err)
	}

	log.Printf("[INFO] Configuration saved to %s", configPath)
	return nil
}

// validateConfig validates the configuration.
func validateConfig(config *Config) error {
	if config.Server.NodeID == "" {
		return fmt.Errorf("node_id cannot be empty")
	}
	if config.Server.ListenAddr == "" {
		return fmt.Errorf("listen_addr cannot be empty")
	}
	if config.Server.WSPath == "" || !strings.HasPrefix(config.Server.WSPath, "/") {
		return fmt.Errorf("ws_path must start with /")
	}

	if config.Security.OriginCheck && len(config.Security.AllowedOrigins) == 0 {
		return fmt.Errorf("origin_check enabled but allowed_origins is empty")
	}
	if !config.Security.AnonymousFallback && config.Security.TokenSecret == "" {
		return fmt.Errorf("token_secret required when anonymous_fallback is disabled")
	}

	if config.Limits.Anonymous <= 0 || config.Limits.Authenticated <= 0 || config.Limits.Staff <= 0 {
		return fmt.Errorf("connection limits must be positive")
	}
	if config.Limits.Authenticated < config.Limits.Anonymous {
		return fmt.Errorf("authenticated limit must not be below anonymous limit")
	}

	if config.Presence.HeartbeatSeconds <= 0 || config.Presence.TimeoutSeconds <= 0 {
		return fmt.Errorf("presence timings must be positive")
	}
	if config.Presence.TimeoutSeconds <= config.Presence.HeartbeatSeconds {
		return fmt.Errorf("presence timeout must exceed the heartbeat interval")
	}

	if config.Delivery.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative")
	}
	for i, d := range config.Delivery.RetryDelaysSeconds {
		if d <= 0 {
			return fmt.Errorf("retry delay %d must be positive", i)
		}
	}

	switch config.Storage.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported storage backend: %s (supported: memory, redis)", config.Storage.Backend)
	}
	if config.Storage.Backend == "redis" && config.Storage.RedisAddr == "" {
		return fmt.Errorf("redis_addr cannot be empty with the redis backend")
	}

	return nil
}

// LimiterConfig converts the limits section into the counter's config.
func (c *Config) LimiterConfig() *limiter.Config {
	lc := limiter.DefaultConfig()
	lc.AnonymousLimit = c.Limits.Anonymous
	lc.AuthenticatedLimit = c.Limits.Authenticated
	lc.StaffLimit = c.Limits.Staff
	return lc
}

// OriginConfig converts the security section into the origin guard's config.
func (c *Config) OriginConfig() guard.OriginConfig {
	return guard.OriginConfig{
		Enabled:        c.Security.OriginCheck,
		AllowedOrigins: c.Security.AllowedOrigins,
	}
}

// DeliveryServiceConfig converts the delivery section into the delivery
// service's config.
func (c *Config) DeliveryServiceConfig() *delivery.Config {
	dc := delivery.DefaultConfig()
	dc.AckTimeout = time.Duration(c.Delivery.AckTimeoutSeconds) * time.Second
	dc.DeadLetterTTL = time.Duration(c.Delivery.DeadLetterHours) * time.Hour
	dc.MaxRetries = c.Delivery.MaxRetries
	if len(c.Delivery.RetryDelaysSeconds) > 0 {
		delays := make([]time.Duration, len(c.Delivery.RetryDelaysSeconds))
		for i, d := range c.Delivery.RetryDelaysSeconds {
			delays[i] = time.Duration(d) * time.Second
		}
		dc.RetryDelays = delays
	}
	return dc
}

// HeartbeatInterval returns the presence heartbeat interval.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Presence.HeartbeatSeconds) * time.Second
}

// PresenceTimeout returns the presence idle timeout.
func (c *Config) PresenceTimeout() time.Duration {
	return time.Duration(c.Presence.TimeoutSeconds) * time.Second
}

// BindingTTL returns the device binding lifetime.
func (c *Config) BindingTTL() time.Duration {
	return time.Duration(c.Security.BindingTTLSeconds) * time.Second
}

// TokenCacheTTL returns the validated-token cache lifetime.
func (c *Config) TokenCacheTTL() time.Duration {
	return time.Duration(c.Security.TokenCacheSeconds) * time.Second
}
