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

// Package config provides configuration management for the device gateway:
// file loading, validation, environment overrides and the translation of
// each section into the settings of the component it configures.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"github.com/turtacn/device-gateway/pkg/auth"
	"github.com/turtacn/device-gateway/pkg/connection"
	"github.com/turtacn/device-gateway/pkg/ingest"
	"github.com/turtacn/device-gateway/pkg/session"
	"github.com/turtacn/device-gateway/pkg/storage"
)

// Duration is a time.Duration written as a string such as "30s" in both YAML
// and JSON files.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string such as \"30s\": %w", err)
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// GatewayConfig holds node level settings.
type GatewayConfig struct {
	NodeID          string   `yaml:"node_id" json:"node_id"`
	ListenAddr      string   `yaml:"listen_addr" json:"listen_addr"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// ConnectionConfig holds per-connection limits.
type ConnectionConfig struct {
	// IdleTimeout overrides the keepalive derived idle budget when set.
	IdleTimeout Duration `yaml:"idle_timeout" json:"idle_timeout"`
	// DefaultKeepalive is assumed for clients that connect with keepalive 0.
	DefaultKeepalive Duration `yaml:"default_keepalive" json:"default_keepalive"`
	ConnectTimeout   Duration `yaml:"connect_timeout" json:"connect_timeout"`
	WriteTimeout     Duration `yaml:"write_timeout" json:"write_timeout"`
	MaxPacketSize    int      `yaml:"max_packet_size" json:"max_packet_size"`
}

// SessionConfig holds device session timing.
type SessionConfig struct {
	Timeout           Duration `yaml:"timeout" json:"timeout"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`
	ReaperInterval    Duration `yaml:"reaper_interval" json:"reaper_interval"`
}

// RedisConfig configures the redis session store.
type RedisConfig struct {
	URL         string   `yaml:"url" json:"url"`
	KeyPrefix   string   `yaml:"key_prefix" json:"key_prefix"`
	PoolSize    int      `yaml:"pool_size" json:"pool_size"`
	DialTimeout Duration `yaml:"dial_timeout" json:"dial_timeout"`
}

// StoreConfig selects and configures the session store.
type StoreConfig struct {
	// Type is "memory" or "redis".
	Type string `yaml:"type" json:"type"`
	// SweepInterval is how often the memory store drops expired records.
	SweepInterval Duration    `yaml:"sweep_interval" json:"sweep_interval"`
	Redis         RedisConfig `yaml:"redis" json:"redis"`
}

// NATSConfig configures the NATS ingestion sink.
type NATSConfig struct {
	URL           string `yaml:"url" json:"url"`
	SubjectPrefix string `yaml:"subject_prefix" json:"subject_prefix"`
	JetStream     bool   `yaml:"jetstream" json:"jetstream"`
}

// IngestConfig configures the ingestion dispatcher and its sink.
type IngestConfig struct {
	// Sink is "log" or "nats".
	Sink           string     `yaml:"sink" json:"sink"`
	MaxPending     int        `yaml:"max_pending" json:"max_pending"`
	MaxPayloadSize int        `yaml:"max_payload_size" json:"max_payload_size"`
	WriteTimeout   Duration   `yaml:"write_timeout" json:"write_timeout"`
	NATS           NATSConfig `yaml:"nats" json:"nats"`
}

// DeviceConfig represents a device credential entry
type DeviceConfig struct {
	DeviceKey  string `yaml:"device_key" json:"device_key"`
	Credential string `yaml:"credential" json:"credential"`
	Algorithm  string `yaml:"algorithm" json:"algorithm"`
	Enabled    bool   `yaml:"enabled" json:"enabled"`
}

// PostgresAuthConfig configures the credential lookup in PostgreSQL.
type PostgresAuthConfig struct {
	Enabled      bool     `yaml:"enabled" json:"enabled"`
	DSN          string   `yaml:"dsn" json:"dsn"`
	Table        string   `yaml:"table" json:"table"`
	QueryTimeout Duration `yaml:"query_timeout" json:"query_timeout"`
	MaxOpenConns int      `yaml:"max_open_conns" json:"max_open_conns"`
}

// RemoteAuthConfig configures the gRPC device registry.
type RemoteAuthConfig struct {
	Enabled bool     `yaml:"enabled" json:"enabled"`
	Addr    string   `yaml:"addr" json:"addr"`
	Timeout Duration `yaml:"timeout" json:"timeout"`
}

// AuthConfig represents the authentication configuration. Authenticators are
// consulted in the order devices, postgres, remote.
type AuthConfig struct {
	Enabled  bool               `yaml:"enabled" json:"enabled"`
	Devices  []DeviceConfig     `yaml:"devices" json:"devices"`
	Postgres PostgresAuthConfig `yaml:"postgres" json:"postgres"`
	Remote   RemoteAuthConfig   `yaml:"remote" json:"remote"`
}

// MetricsConfig configures the metrics and health endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Config holds the complete configuration
type Config struct {
	Gateway    GatewayConfig    `yaml:"gateway" json:"gateway"`
	Connection ConnectionConfig `yaml:"connection" json:"connection"`
	Session    SessionConfig    `yaml:"session" json:"session"`
	Store      StoreConfig      `yaml:"store" json:"store"`
	Ingest     IngestConfig     `yaml:"ingest" json:"ingest"`
	Auth       AuthConfig       `yaml:"auth" json:"auth"`
	Metrics    MetricsConfig    `yaml:"metrics" json:"metrics"`
	Log        LogConfig        `yaml:"log" json:"log"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	sess := session.DefaultConfig()
	conn := connection.DefaultConfig()
	in := ingest.DefaultConfig()
	return &Config{
		Gateway: GatewayConfig{
			NodeID:          "device-gateway",
			ListenAddr:      ":1883",
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Connection: ConnectionConfig{
			DefaultKeepalive: Duration(conn.DefaultKeepalive),
			ConnectTimeout:   Duration(conn.ConnectTimeout),
			WriteTimeout:     Duration(conn.WriteTimeout),
			MaxPacketSize:    conn.MaxPacketSize,
		},
		Session: SessionConfig{
			Timeout:           Duration(sess.SessionTimeout),
			HeartbeatInterval: Duration(sess.HeartbeatInterval),
			ReaperInterval:    Duration(sess.ReaperInterval),
		},
		Store: StoreConfig{
			Type:          "memory",
			SweepInterval: Duration(10 * time.Second),
			Redis: RedisConfig{
				URL:         "redis://localhost:6379/0",
				KeyPrefix:   storage.DefaultKeyPrefix,
				DialTimeout: Duration(5 * time.Second),
			},
		},
		Ingest: IngestConfig{
			Sink:           "log",
			MaxPending:     in.MaxPending,
			MaxPayloadSize: in.MaxPayloadSize,
			WriteTimeout:   Duration(in.WriteTimeout),
			NATS: NATSConfig{
				URL:           "nats://localhost:4222",
				SubjectPrefix: ingest.DefaultSubjectPrefix,
			},
		},
		Auth: AuthConfig{
			Enabled: true,
			Postgres: PostgresAuthConfig{
				Table:        auth.DefaultCredentialTable,
				QueryTimeout: Duration(3 * time.Second),
			},
			Remote: RemoteAuthConfig{
				Timeout: Duration(3 * time.Second),
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":8082",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadConfig loads configuration from a file. Values missing from the file
// keep their defaults.
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(configPath)
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
	return config, nil
}

// SaveConfig saves configuration to a file
func SaveConfig(config *Config, configPath string) error {
	data, err := Marshal(config, filepath.Ext(configPath))
	if err != nil {
		return err
	}
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", configPath, err)
	}
	return nil
}

// Marshal encodes config in the format named by ext (".yaml", ".yml" or
// ".json").
func Marshal(config *Config, ext string) ([]byte, error) {
	var data []byte
	var err error
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(config)
	case ".json":
		data, err = json.MarshalIndent(config, "", "  ")
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}

// Validate checks the configuration for values the gateway cannot run with.
func (c *Config) Validate() error {
	return validateConfig(c)
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	if config.Gateway.ListenAddr == "" {
		return fmt.Errorf("gateway.listen_addr cannot be empty")
	}
	if config.Session.Timeout <= 0 {
		return fmt.Errorf("session.timeout must be positive")
	}
	if config.Session.ReaperInterval <= 0 {
		return fmt.Errorf("session.reaper_interval must be positive")
	}
	if config.Connection.IdleTimeout < 0 || config.Connection.ConnectTimeout < 0 {
		return fmt.Errorf("connection timeouts cannot be negative")
	}
	if config.Connection.DefaultKeepalive <= 0 {
		return fmt.Errorf("connection.default_keepalive must be positive")
	}

	switch config.Store.Type {
	case "memory":
	case "redis":
		if config.Store.Redis.URL == "" {
			return fmt.Errorf("store.redis.url cannot be empty")
		}
	default:
		return fmt.Errorf("unsupported store type: %s (supported: memory, redis)", config.Store.Type)
	}

	switch config.Ingest.Sink {
	case "log":
	case "nats":
		if config.Ingest.NATS.URL == "" {
			return fmt.Errorf("ingest.nats.url cannot be empty")
		}
	default:
		return fmt.Errorf("unsupported ingest sink: %s (supported: log, nats)", config.Ingest.Sink)
	}

	if config.Auth.Postgres.Enabled && config.Auth.Postgres.DSN == "" {
		return fmt.Errorf("auth.postgres.dsn cannot be empty")
	}
	if config.Auth.Remote.Enabled && config.Auth.Remote.Addr == "" {
		return fmt.Errorf("auth.remote.addr cannot be empty")
	}

	keys := make(map[string]bool)
	for i, d := range config.Auth.Devices {
		if d.DeviceKey == "" {
			return fmt.Errorf("device %d: device_key cannot be empty", i)
		}
		if keys[d.DeviceKey] {
			return fmt.Errorf("duplicate device_key: %s", d.DeviceKey)
		}
		keys[d.DeviceKey] = true

		switch d.Algorithm {
		case "plain", "sha256", "bcrypt":
		default:
			return fmt.Errorf("device %s: unsupported algorithm: %s (supported: plain, sha256, bcrypt)", d.DeviceKey, d.Algorithm)
		}
	}

	switch config.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log level: %s", config.Log.Level)
	}
	return nil
}

// SessionManagerConfig returns the session manager settings.
func (c *Config) SessionManagerConfig() *session.Config {
	return &session.Config{
		SessionTimeout:    c.Session.Timeout.Std(),
		HeartbeatInterval: c.Session.HeartbeatInterval.Std(),
		ReaperInterval:    c.Session.ReaperInterval.Std(),
	}
}

// ConnectionHandlerConfig returns the per-connection limits.
func (c *Config) ConnectionHandlerConfig() connection.Config {
	return connection.Config{
		IdleTimeout:      c.Connection.IdleTimeout.Std(),
		DefaultKeepalive: c.Connection.DefaultKeepalive.Std(),
		ConnectTimeout:   c.Connection.ConnectTimeout.Std(),
		WriteTimeout:     c.Connection.WriteTimeout.Std(),
		MaxPacketSize:    c.Connection.MaxPacketSize,
	}
}

// RedisStoreConfig returns the redis store settings.
func (c *Config) RedisStoreConfig() storage.RedisConfig {
	return storage.RedisConfig{
		URL:         c.Store.Redis.URL,
		KeyPrefix:   c.Store.Redis.KeyPrefix,
		PoolSize:    c.Store.Redis.PoolSize,
		DialTimeout: c.Store.Redis.DialTimeout.Std(),
	}
}

// DispatcherConfig returns the ingestion dispatcher settings.
func (c *Config) DispatcherConfig() ingest.Config {
	return ingest.Config{
		MaxPending:     c.Ingest.MaxPending,
		MaxPayloadSize: c.Ingest.MaxPayloadSize,
		WriteTimeout:   c.Ingest.WriteTimeout.Std(),
	}
}

// NATSSinkConfig returns the NATS sink settings.
func (c *Config) NATSSinkConfig() ingest.NATSConfig {
	return ingest.NATSConfig{
		URL:           c.Ingest.NATS.URL,
		SubjectPrefix: c.Ingest.NATS.SubjectPrefix,
		JetStream:     c.Ingest.NATS.JetStream,
		Name:          c.Gateway.NodeID,
	}
}

// PostgresAuthenticatorConfig returns the credential lookup settings.
func (c *Config) PostgresAuthenticatorConfig() auth.PostgresConfig {
	return auth.PostgresConfig{
		DSN:          c.Auth.Postgres.DSN,
		Table:        c.Auth.Postgres.Table,
		QueryTimeout: c.Auth.Postgres.QueryTimeout.Std(),
		MaxOpenConns: c.Auth.Postgres.MaxOpenConns,
	}
}

// RemoteAuthenticatorConfig returns the device registry settings.
func (c *Config) RemoteAuthenticatorConfig() auth.RemoteConfig {
	return auth.RemoteConfig{
		Addr:    c.Auth.Remote.Addr,
		Timeout: c.Auth.Remote.Timeout.Std(),
	}
}

// ConfigureAuth adds the configured device list to authChain. Database and
// registry authenticators need connections and are added by the caller.
func (c *Config) ConfigureAuth(authChain *auth.AuthChain, logger *zap.Logger) error {
	if !c.Auth.Enabled {
		return nil
	}
	if len(c.Auth.Devices) == 0 {
		return nil
	}

	memAuth := auth.NewMemoryAuthenticator(logger)
	for _, d := range c.Auth.Devices {
		if err := memAuth.AddDevice(d.DeviceKey, d.Credential, auth.HashAlgorithm(d.Algorithm)); err != nil {
			return fmt.Errorf("failed to add device %s: %w", d.DeviceKey, err)
		}
		if err := memAuth.SetDeviceEnabled(d.DeviceKey, d.Enabled); err != nil {
			return fmt.Errorf("failed to set device %s enabled status: %w", d.DeviceKey, err)
		}
	}
	authChain.AddAuthenticator(memAuth)
	if logger != nil {
		logger.Info("configured devices", zap.Int("count", len(c.Auth.Devices)))
	}
	return nil
}

// AddDevice adds a new device to the configuration
func (c *Config) AddDevice(deviceKey, credential, algorithm string, enabled bool) error {
	for _, d := range c.Auth.Devices {
		if d.DeviceKey == deviceKey {
			return fmt.Errorf("device %s already exists", deviceKey)
		}
	}

	switch algorithm {
	case "plain", "sha256", "bcrypt":
	default:
		return fmt.Errorf("unsupported algorithm: %s (supported: plain, sha256, bcrypt)", algorithm)
	}

	c.Auth.Devices = append(c.Auth.Devices, DeviceConfig{
		DeviceKey:  deviceKey,
		Credential: credential,
		Algorithm:  algorithm,
		Enabled:    enabled,
	})
	return nil
}

// SetDeviceEnabled enables or disables a configured device.
func (c *Config) SetDeviceEnabled(deviceKey string, enabled bool) error {
	for i := range c.Auth.Devices {
		if c.Auth.Devices[i].DeviceKey == deviceKey {
			c.Auth.Devices[i].Enabled = enabled
			return nil
		}
	}
	return fmt.Errorf("device %s not found", deviceKey)
}

// RemoveDevice removes a device from the configuration
func (c *Config) RemoveDevice(deviceKey string) error {
	for i, d := range c.Auth.Devices {
		if d.DeviceKey == deviceKey {
			c.Auth.Devices = append(c.Auth.Devices[:i], c.Auth.Devices[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("device %s not found", deviceKey)
}
