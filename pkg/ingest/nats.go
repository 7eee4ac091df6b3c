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

package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/turtacn/device-gateway/pkg/session"
)

// NATSConfig configures the NATS sink.
type NATSConfig struct {
	URL string `json:"url" yaml:"url"`
	// SubjectPrefix is prepended to every subject. Telemetry is published to
	// <prefix>.telemetry.<deviceKey> and events to <prefix>.event.<type>.
	SubjectPrefix string `json:"subject_prefix" yaml:"subject_prefix"`
	// JetStream publishes through JetStream and waits for the stream ack.
	JetStream bool   `json:"jetstream" yaml:"jetstream"`
	Name      string `json:"name" yaml:"name"`
}

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "device"

type publishFunc func(ctx context.Context, subject string, data []byte) error

// NATSSink publishes JSON envelopes to NATS.
type NATSSink struct {
	prefix  string
	publish publishFunc
	ping    func(ctx context.Context) error
	close   func() error
	logger  *zap.Logger
}

// DialNATS connects to cfg.URL and returns a sink publishing there.
func DialNATS(cfg NATSConfig, logger *zap.Logger) (*NATSSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	name := cfg.Name
	if name == "" {
		name = "device-gateway"
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", cfg.URL, err)
	}

	publish := func(_ context.Context, subject string, data []byte) error {
		return nc.Publish(subject, data)
	}
	if cfg.JetStream {
		js, err := nc.JetStream()
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to open jetstream context: %w", err)
		}
		publish = func(ctx context.Context, subject string, data []byte) error {
			_, err := js.Publish(subject, data, nats.Context(ctx))
			return err
		}
	}

	s := newNATSSink(cfg.SubjectPrefix, publish, logger)
	s.ping = func(ctx context.Context) error {
		if !nc.IsConnected() {
			return errors.New("nats not connected")
		}
		return nc.FlushWithContext(ctx)
	}
	s.close = func() error {
		err := nc.FlushTimeout(5 * time.Second)
		nc.Close()
		return err
	}
	logger.Info("connected to nats", zap.String("url", nc.ConnectedUrl()), zap.Bool("jetstream", cfg.JetStream))
	return s, nil
}

func newNATSSink(prefix string, publish publishFunc, logger *zap.Logger) *NATSSink {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSSink{
		prefix:  strings.TrimSuffix(prefix, "."),
		publish: publish,
		ping:    func(context.Context) error { return nil },
		close:   func() error { return nil },
		logger:  logger,
	}
}

// TelemetrySubject returns the subject telemetry of deviceKey is published to.
func (s *NATSSink) TelemetrySubject(deviceKey string) string {
	return s.prefix + ".telemetry." + subjectToken(deviceKey)
}

// EventSubject returns the subject lifecycle events of type t are published to.
func (s *NATSSink) EventSubject(t session.EventType) string {
	return s.prefix + ".event." + subjectToken(string(t))
}

// WriteTelemetry publishes msg.
func (s *NATSSink) WriteTelemetry(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal telemetry: %w", err)
	}
	if err := s.publish(ctx, s.TelemetrySubject(msg.DeviceKey), data); err != nil {
		return fmt.Errorf("failed to publish telemetry for %s: %w", msg.DeviceKey, err)
	}
	return nil
}

// WriteEvent publishes ev.
func (s *NATSSink) WriteEvent(ctx context.Context, ev session.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := s.publish(ctx, s.EventSubject(ev.Type), data); err != nil {
		return fmt.Errorf("failed to publish %s event for %s: %w", ev.Type, ev.DeviceKey, err)
	}
	return nil
}

// Ping reports whether the connection is up.
func (s *NATSSink) Ping(ctx context.Context) error {
	return s.ping(ctx)
}

// Close flushes pending publishes and closes the connection.
func (s *NATSSink) Close() error {
	return s.close()
}

// subjectToken makes s usable as a single subject token.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// LogSink writes payloads and events to the log. It is meant for local runs
// without a message bus.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) WriteTelemetry(_ context.Context, msg *Message) error {
	s.logger.Info("telemetry",
		zap.String("id", msg.ID),
		zap.String("device_key", msg.DeviceKey),
		zap.String("product_id", msg.ProductID),
		zap.String("topic", msg.Topic),
		zap.Int("size", len(msg.Payload)))
	return nil
}

func (s *LogSink) WriteEvent(_ context.Context, ev session.Event) error {
	s.logger.Info("session event",
		zap.String("event", string(ev.Type)),
		zap.String("device_key", ev.DeviceKey),
		zap.String("client_id", ev.ClientID))
	return nil
}

func (s *LogSink) Ping(context.Context) error { return nil }

func (s *LogSink) Close() error { return nil }
