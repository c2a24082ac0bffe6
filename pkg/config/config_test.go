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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.Equal(t, "wsguard-node", cfg.Server.NodeID)
	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, "/ws", cfg.Server.WSPath)
	assert.Equal(t, ":8082", cfg.Server.MetricsAddr)

	assert.True(t, cfg.Security.AnonymousFallback)
	assert.False(t, cfg.Security.OriginCheck)
	assert.False(t, cfg.Security.StrictBinding)

	assert.Equal(t, 5, cfg.Limits.Anonymous)
	assert.Equal(t, 20, cfg.Limits.Authenticated)
	assert.Equal(t, 100, cfg.Limits.Staff)

	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval())
	assert.Equal(t, 300*time.Second, cfg.PresenceTimeout())

	assert.Equal(t, []int{1, 2, 4}, cfg.Delivery.RetryDelaysSeconds)
	assert.Equal(t, 24, cfg.Delivery.DeadLetterHours)
	assert.Equal(t, "memory", cfg.Storage.Backend)
}

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, validateConfig(DefaultConfig()))
}

func TestLoadConfigYAML(t *testing.T) {
	yamlContent := `
server:
  node_id: test-node
  listen_addr: ":9090"
  ws_path: "/realtime"
  metrics_addr: ":9091"
security:
  token_secret: "s3cret"
  token_issuer: "platform"
  anonymous_fallback: false
  origin_check: true
  allowed_origins:
  - "https://app.example.com"
  - "https://*.example.com"
  strict_binding: true
limits:
  anonymous: 3
  authenticated: 10
  staff: 50
presence:
  heartbeat_seconds: 15
  timeout_seconds: 45
delivery:
  ack_timeout_seconds: 10
  max_retries: 5
  retry_delays_seconds: [2, 4, 8]
  dead_letter_hours: 48
storage:
  backend: redis
  redis_addr: "redis.internal:6379"
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "wsguard.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

	cfg, err := LoadConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, "test-node", cfg.Server.NodeID)
	assert.Equal(t, ":9090", cfg.Server.ListenAddr)
	assert.Equal(t, "/realtime", cfg.Server.WSPath)
	assert.False(t, cfg.Security.AnonymousFallback)
	assert.True(t, cfg.Security.StrictBinding)
	assert.Equal(t, []string{"https://app.example.com", "https://*.example.com"}, cfg.Security.AllowedOrigins)
	assert.Equal(t, 3, cfg.Limits.Anonymous)
	assert.Equal(t, 15*time.Second, cfg.HeartbeatInterval())
	assert.Equal(t, "redis", cfg.Storage.Backend)
	assert.Equal(t, "redis.internal:6379", cfg.Storage.RedisAddr)

	dc := cfg.DeliveryServiceConfig()
	assert.Equal(t, 10*time.Second, dc.AckTimeout)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}, dc.RetryDelays)
	assert.Equal(t, 48*time.Hour, dc.DeadLetterTTL)
	assert.Equal(t, 5, dc.MaxRetries)
}

func TestLoadConfigJSON(t *testing.T) {
	jsonContent := `{
  "server": {"node_id": "json-node", "listen_addr": ":7070", "ws_path": "/ws", "metrics_addr": ":7071"},
  "security": {"origin_check": false, "anonymous_fallback": true},
  "limits": {"anonymous": 2, "authenticated": 8, "staff": 16},
  "presence": {"heartbeat_seconds": 20, "timeout_seconds": 60},
  "delivery": {"ack_timeout_seconds": 5, "max_retries": 1, "retry_delays_seconds": [1], "dead_letter_hours": 12},
  "storage": {"backend": "memory"}
}`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "wsguard.json")
	require.NoError(t, os.WriteFile(configPath, []byte(jsonContent), 0644))

	cfg, err := LoadConfig(configPath)
	require.NoError(t, err)
	assert.Equal(t, "json-node", cfg.Server.NodeID)
	assert.False(t, cfg.Security.OriginCheck)
	assert.Equal(t, 8, cfg.Limits.Authenticated)
}

func TestLoadConfigDefaultsWhenUnspecified(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigUnsupportedExtension(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "wsguard.toml")
	require.NoError(t, os.WriteFile(configPath, []byte("x = 1"), 0644))

	_, err := LoadConfig(configPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported config file format")
}

func TestValidateConfigRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		message string
	}{
		{
			name:    "empty node ID",
			mutate:  func(c *Config) { c.Server.NodeID = "" },
			message: "node_id",
		},
		{
			name:    "origin check without origins",
			mutate:  func(c *Config) { c.Security.OriginCheck = true; c.Security.AllowedOrigins = nil },
			message: "allowed_origins",
		},
		{
			name: "no secret without fallback",
			mutate: func(c *Config) {
				c.Security.AnonymousFallback = false
				c.Security.TokenSecret = ""
			},
			message: "token_secret",
		},
		{
			name:    "zero limit",
			mutate:  func(c *Config) { c.Limits.Anonymous = 0 },
			message: "limits",
		},
		{
			name: "timeout below heartbeat",
			mutate: func(c *Config) {
				c.Presence.HeartbeatSeconds = 60
				c.Presence.TimeoutSeconds = 30
			},
			message: "timeout",
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Storage.Backend = "etcd" },
			message: "backend",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Security.AllowedOrigins = []string{"https://app.example.com"}
			tt.mutate(cfg)
			err := validateConfig(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestSaveAndReloadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.NodeID = "roundtrip"
	cfg.Security.AllowedOrigins = []string{"https://app.example.com"}

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "out.yaml")
	require.NoError(t, SaveConfig(cfg, configPath))

	loaded, err := LoadConfig(configPath)
	require.NoError(t, err)
	assert.Equal(t, "roundtrip", loaded.Server.NodeID)
	assert.Equal(t, cfg.Limits, loaded.Limits)
}
