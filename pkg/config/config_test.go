// Copyright 2023 The emqx-go Authors
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
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/turtacn/device-gateway/pkg/auth"
)

func createTempFile(t *testing.T, name, content string) string {
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func findDevice(devices []DeviceConfig, key string) *DeviceConfig {
	for i := range devices {
		if devices[i].DeviceKey == key {
			return &devices[i]
		}
	}
	return nil
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.Equal(t, ":1883", cfg.Gateway.ListenAddr)
	assert.Equal(t, 90*time.Second, cfg.Session.Timeout.Std())
	assert.Equal(t, 60*time.Second, cfg.Session.HeartbeatInterval.Std())
	assert.Equal(t, 30*time.Second, cfg.Session.ReaperInterval.Std())
	assert.Equal(t, "memory", cfg.Store.Type)
	assert.Equal(t, "log", cfg.Ingest.Sink)
	assert.True(t, cfg.Auth.Enabled)
	assert.Empty(t, cfg.Auth.Devices)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigYAML(t *testing.T) {
	yamlContent := `
gateway:
  node_id: gw-1
  listen_addr: ":1884"
connection:
  idle_timeout: 45s
session:
  timeout: 2m
  reaper_interval: 15s
store:
  type: redis
  redis:
    url: redis://cache:6379/2
ingest:
  sink: nats
  nats:
    url: nats://bus:4222
    jetstream: true
auth:
  enabled: true
  devices:
  - device_key: D1
    credential: secret
    algorithm: bcrypt
    enabled: true
  - device_key: D2
    credential: other
    algorithm: sha256
    enabled: false
`
	cfg, err := LoadConfig(createTempFile(t, "config.yaml", yamlContent))
	require.NoError(t, err)

	assert.Equal(t, "gw-1", cfg.Gateway.NodeID)
	assert.Equal(t, ":1884", cfg.Gateway.ListenAddr)
	assert.Equal(t, 45*time.Second, cfg.Connection.IdleTimeout.Std())
	assert.Equal(t, 2*time.Minute, cfg.Session.Timeout.Std())
	assert.Equal(t, 15*time.Second, cfg.Session.ReaperInterval.Std())
	// Values absent from the file keep their defaults.
	assert.Equal(t, 60*time.Second, cfg.Session.HeartbeatInterval.Std())
	assert.Equal(t, "info", cfg.Log.Level)

	assert.Equal(t, "redis", cfg.Store.Type)
	assert.Equal(t, "redis://cache:6379/2", cfg.RedisStoreConfig().URL)
	assert.True(t, cfg.NATSSinkConfig().JetStream)
	assert.Equal(t, "gw-1", cfg.NATSSinkConfig().Name)

	require.Len(t, cfg.Auth.Devices, 2)
	d2 := findDevice(cfg.Auth.Devices, "D2")
	require.NotNil(t, d2)
	assert.Equal(t, "sha256", d2.Algorithm)
	assert.False(t, d2.Enabled)
}

func TestLoadConfigJSON(t *testing.T) {
	jsonContent := `{
  "gateway": {"listen_addr": ":1885"},
  "session": {"timeout": "45s"},
  "auth": {
    "enabled": false,
    "devices": [{"device_key": "J1", "credential": "p", "algorithm": "plain", "enabled": true}]
  }
}`
	cfg, err := LoadConfig(createTempFile(t, "config.json", jsonContent))
	require.NoError(t, err)

	assert.Equal(t, ":1885", cfg.Gateway.ListenAddr)
	assert.Equal(t, 45*time.Second, cfg.SessionManagerConfig().SessionTimeout)
	assert.False(t, cfg.Auth.Enabled)
	assert.NotNil(t, findDevice(cfg.Auth.Devices, "J1"))
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig("nonexistent.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	tests := []struct {
		name    string
		file    string
		content string
		errMsg  string
	}{
		{"malformed yaml", "bad.yaml", "gateway: [unclosed", "failed to parse"},
		{"bad duration", "bad.json", `{"session": {"timeout": 30}}`, "failed to parse"},
		{"unknown extension", "config.toml", "x = 1", "unsupported config file format"},
		{"unknown store", "store.yaml", "store:\n  type: etcd\n", "unsupported store type"},
		{"unknown sink", "sink.yaml", "ingest:\n  sink: kafka\n", "unsupported ingest sink"},
		{"zero timeout", "zero.yaml", "session:\n  timeout: 0s\n", "session.timeout"},
		{"zero default keepalive", "ka.yaml", "connection:\n  default_keepalive: 0s\n", "connection.default_keepalive"},
		{"postgres without dsn", "pg.yaml", "auth:\n  postgres:\n    enabled: true\n", "auth.postgres.dsn"},
		{"duplicate device", "dup.yaml", `
auth:
  devices:
  - {device_key: D1, credential: a, algorithm: plain, enabled: true}
  - {device_key: D1, credential: b, algorithm: plain, enabled: true}
`, "duplicate device_key"},
		{"bad algorithm", "alg.yaml", `
auth:
  devices:
  - {device_key: D1, credential: a, algorithm: md5, enabled: true}
`, "unsupported algorithm"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(createTempFile(t, tt.file, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	for _, ext := range []string{".yaml", ".json"} {
		t.Run(ext, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Gateway.NodeID = "saved"
			cfg.Connection.IdleTimeout = Duration(90 * time.Second)
			require.NoError(t, cfg.AddDevice("D1", "secret", "plain", true))

			path := filepath.Join(t.TempDir(), "config"+ext)
			require.NoError(t, SaveConfig(cfg, path))

			loaded, err := LoadConfig(path)
			require.NoError(t, err)
			assert.Equal(t, cfg, loaded)
		})
	}
}

func TestMarshalWritesDurationStrings(t *testing.T) {
	data, err := Marshal(DefaultConfig(), ".yaml")
	require.NoError(t, err)
	assert.Contains(t, string(data), "timeout: 1m30s")

	data, err = Marshal(DefaultConfig(), ".json")
	require.NoError(t, err)
	assert.Contains(t, string(data), `"timeout": "1m30s"`)

	_, err = Marshal(DefaultConfig(), ".ini")
	assert.Error(t, err)
}

func TestConfigureAuth(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.AddDevice("D1", "pass1", "plain", true))
	require.NoError(t, cfg.AddDevice("D2", "pass2", "sha256", true))
	require.NoError(t, cfg.AddDevice("D3", "pass3", "bcrypt", false))

	chain := auth.NewAuthChain(zaptest.NewLogger(t))
	require.NoError(t, cfg.ConfigureAuth(chain, zaptest.NewLogger(t)))
	assert.Equal(t, 1, chain.Count())

	ctx := context.Background()
	assert.Equal(t, auth.AuthSuccess, chain.Authenticate(ctx, "D1", "pass1"))
	assert.Equal(t, auth.AuthSuccess, chain.Authenticate(ctx, "D2", "pass2"))
	assert.Equal(t, auth.AuthFailure, chain.Authenticate(ctx, "D1", "wrong"))
	assert.Equal(t, auth.AuthDisabled, chain.Authenticate(ctx, "D3", "pass3"))
	assert.Equal(t, auth.AuthFailure, chain.Authenticate(ctx, "unknown", "x"))
}

func TestConfigureAuthDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Auth.Enabled = false
	require.NoError(t, cfg.AddDevice("D1", "pass1", "plain", true))

	chain := auth.NewAuthChain(nil)
	require.NoError(t, cfg.ConfigureAuth(chain, nil))
	assert.Equal(t, 0, chain.Count())
}

func TestDeviceManagement(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.AddDevice("D1", "p", "plain", true))
	assert.Error(t, cfg.AddDevice("D1", "p", "plain", true))
	assert.Error(t, cfg.AddDevice("D2", "p", "md5", true))

	require.NoError(t, cfg.SetDeviceEnabled("D1", false))
	assert.False(t, cfg.Auth.Devices[0].Enabled)
	assert.Error(t, cfg.SetDeviceEnabled("D9", true))

	require.NoError(t, cfg.RemoveDevice("D1"))
	assert.Error(t, cfg.RemoveDevice("D1"))
	assert.Empty(t, cfg.Auth.Devices)
}

func TestComponentConfigs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Connection.IdleTimeout = Duration(time.Minute)

	cc := cfg.ConnectionHandlerConfig()
	assert.Equal(t, time.Minute, cc.IdleTimeout)
	assert.Equal(t, time.Minute, cc.DefaultKeepalive)
	assert.Equal(t, 10*time.Second, cc.ConnectTimeout)

	assert.Equal(t, 10000, cfg.DispatcherConfig().MaxPending)
	assert.Equal(t, auth.DefaultCredentialTable, cfg.PostgresAuthenticatorConfig().Table)
	assert.Equal(t, 3*time.Second, cfg.RemoteAuthenticatorConfig().Timeout)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("GATEWAY_GATEWAY_LISTEN_ADDR", ":2883")
	t.Setenv("GATEWAY_SESSION_TIMEOUT", "3m")
	t.Setenv("GATEWAY_STORE_TYPE", "redis")
	t.Setenv("GATEWAY_STORE_REDIS_URL", "redis://env:6379/1")
	t.Setenv("GATEWAY_INGEST_MAX_PENDING", "42")
	t.Setenv("GATEWAY_INGEST_NATS_JETSTREAM", "true")
	t.Setenv("GATEWAY_LOG_LEVEL", "debug")

	cfg := DefaultConfig()
	require.NoError(t, ApplyEnv(cfg))

	assert.Equal(t, ":2883", cfg.Gateway.ListenAddr)
	assert.Equal(t, 3*time.Minute, cfg.Session.Timeout.Std())
	assert.Equal(t, "redis", cfg.Store.Type)
	assert.Equal(t, "redis://env:6379/1", cfg.Store.Redis.URL)
	assert.Equal(t, 42, cfg.Ingest.MaxPending)
	assert.True(t, cfg.Ingest.NATS.JetStream)
	assert.Equal(t, "debug", cfg.Log.Level)
	// Untouched values keep what the file or defaults said.
	assert.Equal(t, 30*time.Second, cfg.Session.ReaperInterval.Std())
}

func TestApplyEnvInvalid(t *testing.T) {
	t.Run("bad duration", func(t *testing.T) {
		t.Setenv("GATEWAY_SESSION_REAPER_INTERVAL", "often")
		err := ApplyEnv(DefaultConfig())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "GATEWAY_SESSION_REAPER_INTERVAL")
	})

	t.Run("bad integer", func(t *testing.T) {
		t.Setenv("GATEWAY_INGEST_MAX_PENDING", "lots")
		assert.Error(t, ApplyEnv(DefaultConfig()))
	})

	t.Run("fails validation", func(t *testing.T) {
		t.Setenv("GATEWAY_STORE_TYPE", "etcd")
		assert.Error(t, ApplyEnv(DefaultConfig()))
	})
}
