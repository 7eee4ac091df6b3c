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
	"fmt"
	"strings"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. GATEWAY_STORE_TYPE.
const EnvPrefix = "GATEWAY"

// envBinding maps a dotted key to the field it overrides.
type envBinding struct {
	key string
	set func(c *Config, v *viper.Viper) error
}

func str(key string, field func(c *Config) *string) envBinding {
	return envBinding{key, func(c *Config, v *viper.Viper) error {
		*field(c) = v.GetString(key)
		return nil
	}}
}

func integer(key string, field func(c *Config) *int) envBinding {
	return envBinding{key, func(c *Config, v *viper.Viper) error {
		n, err := cast.ToIntE(v.Get(key))
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}}
}

func boolean(key string, field func(c *Config) *bool) envBinding {
	return envBinding{key, func(c *Config, v *viper.Viper) error {
		b, err := cast.ToBoolE(v.Get(key))
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}}
}

func duration(key string, field func(c *Config) *Duration) envBinding {
	return envBinding{key, func(c *Config, v *viper.Viper) error {
		return field(c).parse(v.GetString(key))
	}}
}

var envBindings = []envBinding{
	str("gateway.node_id", func(c *Config) *string { return &c.Gateway.NodeID }),
	str("gateway.listen_addr", func(c *Config) *string { return &c.Gateway.ListenAddr }),
	duration("gateway.shutdown_timeout", func(c *Config) *Duration { return &c.Gateway.ShutdownTimeout }),

	duration("connection.idle_timeout", func(c *Config) *Duration { return &c.Connection.IdleTimeout }),
	duration("connection.default_keepalive", func(c *Config) *Duration { return &c.Connection.DefaultKeepalive }),
	duration("connection.connect_timeout", func(c *Config) *Duration { return &c.Connection.ConnectTimeout }),
	integer("connection.max_packet_size", func(c *Config) *int { return &c.Connection.MaxPacketSize }),

	duration("session.timeout", func(c *Config) *Duration { return &c.Session.Timeout }),
	duration("session.heartbeat_interval", func(c *Config) *Duration { return &c.Session.HeartbeatInterval }),
	duration("session.reaper_interval", func(c *Config) *Duration { return &c.Session.ReaperInterval }),

	str("store.type", func(c *Config) *string { return &c.Store.Type }),
	str("store.redis.url", func(c *Config) *string { return &c.Store.Redis.URL }),
	str("store.redis.key_prefix", func(c *Config) *string { return &c.Store.Redis.KeyPrefix }),

	str("ingest.sink", func(c *Config) *string { return &c.Ingest.Sink }),
	integer("ingest.max_pending", func(c *Config) *int { return &c.Ingest.MaxPending }),
	str("ingest.nats.url", func(c *Config) *string { return &c.Ingest.NATS.URL }),
	str("ingest.nats.subject_prefix", func(c *Config) *string { return &c.Ingest.NATS.SubjectPrefix }),
	boolean("ingest.nats.jetstream", func(c *Config) *bool { return &c.Ingest.NATS.JetStream }),

	boolean("auth.enabled", func(c *Config) *bool { return &c.Auth.Enabled }),
	boolean("auth.postgres.enabled", func(c *Config) *bool { return &c.Auth.Postgres.Enabled }),
	str("auth.postgres.dsn", func(c *Config) *string { return &c.Auth.Postgres.DSN }),
	boolean("auth.remote.enabled", func(c *Config) *bool { return &c.Auth.Remote.Enabled }),
	str("auth.remote.addr", func(c *Config) *string { return &c.Auth.Remote.Addr }),

	boolean("metrics.enabled", func(c *Config) *bool { return &c.Metrics.Enabled }),
	str("metrics.addr", func(c *Config) *string { return &c.Metrics.Addr }),

	str("log.level", func(c *Config) *string { return &c.Log.Level }),
	str("log.format", func(c *Config) *string { return &c.Log.Format }),
}

// ApplyEnv overrides fields of c from GATEWAY_* environment variables. The
// variable name is the upper-cased dotted key with dots replaced by
// underscores, so store.redis.url is read from GATEWAY_STORE_REDIS_URL. The
// result is validated.
func ApplyEnv(c *Config) error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, b := range envBindings {
		if err := v.BindEnv(b.key); err != nil {
			return fmt.Errorf("failed to bind %s: %w", b.key, err)
		}
	}

	for _, b := range envBindings {
		if !v.IsSet(b.key) {
			continue
		}
		if err := b.set(c, v); err != nil {
			return fmt.Errorf("invalid value for %s_%s: %w",
				EnvPrefix, strings.ToUpper(strings.ReplaceAll(b.key, ".", "_")), err)
		}
	}
	return validateConfig(c)
}
