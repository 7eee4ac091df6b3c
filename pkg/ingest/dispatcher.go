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
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/turtacn/device-gateway/pkg/metrics"
	"github.com/turtacn/device-gateway/pkg/session"
)

// Config bounds the dispatcher.
type Config struct {
	// MaxPending is the number of accepted payloads that may wait for the
	// sink before further submissions are rejected.
	MaxPending int `json:"max_pending" yaml:"max_pending"`
	// MaxPayloadSize rejects larger payloads. Zero disables the check.
	MaxPayloadSize int `json:"max_payload_size" yaml:"max_payload_size"`
	// WriteTimeout bounds a single sink write.
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		MaxPending:     10000,
		MaxPayloadSize: 256 * 1024,
		WriteTimeout:   5 * time.Second,
	}
}

type telemetry struct {
	msg *Message
}

type lifecycle struct {
	ev session.Event
}

// Dispatcher validates submissions and forwards them to a Sink through a
// single protoactor actor, which preserves submission order. It implements
// Ingestor and session.EventSink.
type Dispatcher struct {
	cfg     Config
	sink    Sink
	system  *actor.ActorSystem
	pid     *actor.PID
	pending atomic.Int64
	stopped atomic.Bool
	stop    sync.Once
	now     func() time.Time
	logger  *zap.Logger
}

// NewDispatcher starts a dispatcher writing to sink.
func NewDispatcher(sink Sink, cfg Config, logger *zap.Logger) *Dispatcher {
	def := DefaultConfig()
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = def.MaxPending
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		cfg:    cfg,
		sink:   sink,
		system: actor.NewActorSystem(),
		now:    time.Now,
		logger: logger,
	}
	d.pid = d.system.Root.Spawn(actor.PropsFromProducer(func() actor.Actor {
		return &sinkActor{d: d}
	}))
	return d
}

// Submit validates the payload and queues it for delivery.
func (d *Dispatcher) Submit(_ context.Context, deviceKey, topic string, payload []byte) error {
	if d.stopped.Load() {
		return ErrStopped
	}
	switch {
	case deviceKey == "" || topic == "":
		return d.reject("invalid", fmt.Errorf("%w: missing device key or topic", ErrRejected))
	case d.cfg.MaxPayloadSize > 0 && len(payload) > d.cfg.MaxPayloadSize:
		return d.reject("too_large", fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrRejected, len(payload), d.cfg.MaxPayloadSize))
	}
	if d.pending.Add(1) > int64(d.cfg.MaxPending) {
		d.pending.Add(-1)
		return d.reject("backpressure", fmt.Errorf("%w: %d payloads pending", ErrRejected, d.cfg.MaxPending))
	}

	now := d.now()
	d.system.Root.Send(d.pid, &telemetry{msg: &Message{
		ID:        uuid.NewString(),
		DeviceKey: deviceKey,
		ProductID: ProductID(topic),
		Topic:     topic,
		Payload:   bytes.Clone(payload),
		Timestamp: now.UnixMilli(),
		Received:  now,
	}})
	return nil
}

func (d *Dispatcher) reject(reason string, err error) error {
	metrics.IngestRejectedTotal.WithLabelValues(reason).Inc()
	return err
}

// PublishEvent queues a session lifecycle event. Events are dropped once the
// dispatcher is stopped.
func (d *Dispatcher) PublishEvent(_ context.Context, ev session.Event) {
	if d.stopped.Load() {
		return
	}
	d.system.Root.Send(d.pid, &lifecycle{ev: ev})
}

// Pending returns the number of accepted payloads not yet written.
func (d *Dispatcher) Pending() int {
	return int(d.pending.Load())
}

// Ping reports whether the sink is reachable.
func (d *Dispatcher) Ping(ctx context.Context) error {
	return d.sink.Ping(ctx)
}

// Stop rejects further submissions, waits for queued work to reach the sink
// and closes it. Stop is safe to call more than once.
func (d *Dispatcher) Stop(ctx context.Context) error {
	var err error
	d.stop.Do(func() {
		d.stopped.Store(true)
		done := make(chan error, 1)
		go func() { done <- d.system.Root.PoisonFuture(d.pid).Wait() }()
		select {
		case err = <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
		if cerr := d.sink.Close(); err == nil {
			err = cerr
		}
	})
	return err
}

// sinkActor owns all writes to the sink.
type sinkActor struct {
	d *Dispatcher
}

func (a *sinkActor) Receive(c actor.Context) {
	d := a.d
	switch msg := c.Message().(type) {
	case *actor.Started:
		d.logger.Debug("ingestion dispatcher started")
	case *telemetry:
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.WriteTimeout)
		err := d.sink.WriteTelemetry(ctx, msg.msg)
		cancel()
		d.pending.Add(-1)
		if err != nil {
			metrics.IngestRejectedTotal.WithLabelValues("sink").Inc()
			d.logger.Warn("failed to deliver payload",
				zap.String("device_key", msg.msg.DeviceKey),
				zap.String("topic", msg.msg.Topic),
				zap.Error(err))
			return
		}
		metrics.IngestDeliveredTotal.Inc()
	case *lifecycle:
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.WriteTimeout)
		err := d.sink.WriteEvent(ctx, msg.ev)
		cancel()
		if err != nil {
			d.logger.Warn("failed to deliver session event",
				zap.String("device_key", msg.ev.DeviceKey),
				zap.String("event", string(msg.ev.Type)),
				zap.Error(err))
		}
	case *actor.Stopped:
		d.logger.Debug("ingestion dispatcher stopped")
	}
}
