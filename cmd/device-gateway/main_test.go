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

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/turtacn/device-gateway/pkg/config"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func generated(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	out, err := run(t, "config", "generate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Sample configuration saved to")
	return path
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "device-gateway dev")
}

func TestConfigGenerate(t *testing.T) {
	path := generated(t)
	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "device-gateway", cfg.Gateway.NodeID)
	assert.Equal(t, ":1883", cfg.Gateway.ListenAddr)
}

func TestConfigPrint(t *testing.T) {
	path := generated(t)
	t.Setenv("GATEWAY_GATEWAY_LISTEN_ADDR", ":2883")

	out, err := run(t, "config", "print", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "listen_addr: :2883")
	assert.Contains(t, out, "timeout: 1m30s")

	out, err = run(t, "config", "print", "-o", "json")
	require.NoError(t, err)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Contains(t, decoded, "session")

	_, err = run(t, "config", "print", "-o", "toml")
	assert.Error(t, err)
}

func TestDevices(t *testing.T) {
	path := generated(t)

	out, err := run(t, "devices", "list", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "No devices configured")

	out, err = run(t, "devices", "add", "sensor-0001", "supersecret", "--algo", "sha256", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Device 'sensor-0001' added (algorithm: sha256, status: enabled)")

	_, err = run(t, "devices", "add", "sensor-0001", "again", "-c", path)
	assert.Error(t, err)

	out, err = run(t, "devices", "disable", "sensor-0001", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Device 'sensor-0001' disabled")

	out, err = run(t, "devices", "list", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "sensor-0001")
	assert.Contains(t, out, "supe****cret")
	assert.NotContains(t, out, "supersecret")
	assert.Contains(t, out, "✗")

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.Auth.Devices, 1)
	assert.False(t, cfg.Auth.Devices[0].Enabled)

	_, err = run(t, "devices", "remove", "sensor-0001", "-c", path)
	require.NoError(t, err)
	_, err = run(t, "devices", "enable", "sensor-0001", "-c", path)
	assert.Error(t, err)
}

func TestDevicesRequireConfig(t *testing.T) {
	_, err := run(t, "devices", "list")
	assert.ErrorIs(t, err, errNoConfigFile)
}

func TestMaskCredential(t *testing.T) {
	assert.Equal(t, "****", maskCredential("abc"))
	assert.Equal(t, "ab****ef", maskCredential("abcdef"))
	assert.Equal(t, "abcd****ghij", maskCredential("abcdefghij"))
}

func TestServe(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Gateway.ListenAddr = "127.0.0.1:0"
	cfg.Metrics.Enabled = false

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, zaptest.NewLogger(t)) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}

func TestServeInvalidListenAddr(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Gateway.ListenAddr = "256.0.0.1:bad"
	cfg.Metrics.Enabled = false

	err := serve(context.Background(), cfg, zaptest.NewLogger(t))
	assert.ErrorContains(t, err, "failed to start gateway")
}
