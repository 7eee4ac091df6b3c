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

// Package ingest hands device payloads and session lifecycle events to the
// downstream message bus. Submissions are accepted or rejected immediately;
// delivery happens asynchronously on an actor so a slow bus never stalls a
// device connection.
package ingest

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/turtacn/device-gateway/pkg/session"
)

var (
	// ErrRejected is returned when a payload is refused: it is invalid or the
	// dispatcher is saturated.
	ErrRejected = errors.New("payload rejected")
	// ErrStopped is returned by a dispatcher that has been stopped.
	ErrStopped = errors.New("ingestion stopped")
)

// Ingestor accepts device payloads. A nil error means the payload was accepted
// for delivery; it does not mean it was delivered.
type Ingestor interface {
	Submit(ctx context.Context, deviceKey, topic string, payload []byte) error
}

// Message is the envelope written to the bus for one PUBLISH. Payload holds
// the raw device bytes and is base64 encoded in JSON.
type Message struct {
	ID        string    `json:"id"`
	DeviceKey string    `json:"deviceKey"`
	ProductID string    `json:"productId,omitempty"`
	Topic     string    `json:"topic"`
	Payload   []byte    `json:"payload"`
	Timestamp int64     `json:"ts"`
	Received  time.Time `json:"-"`
}

// Sink is the destination of accepted payloads and lifecycle events.
type Sink interface {
	WriteTelemetry(ctx context.Context, msg *Message) error
	WriteEvent(ctx context.Context, ev session.Event) error
	Ping(ctx context.Context) error
	Close() error
}

// ProductID extracts the product from a telemetry topic of the form
// v1/<product>/<device>/telemetry[/...]. It returns "" for other topics.
func ProductID(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) >= 4 && parts[0] == "v1" && parts[3] == "telemetry" {
		return parts[1]
	}
	return ""
}
