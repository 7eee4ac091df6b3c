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
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/turtacn/device-gateway/pkg/session"
)

type memorySink struct {
	mu     sync.Mutex
	msgs   []*Message
	events []session.Event
	block  chan struct{}
	fail   error
	closed bool
}

func (s *memorySink) WriteTelemetry(_ context.Context, msg *Message) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *memorySink) WriteEvent(_ context.Context, ev session.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *memorySink) Ping(context.Context) error { return nil }

func (s *memorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memorySink) messages() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Message(nil), s.msgs...)
}

func TestDispatcher_DeliversInOrder(t *testing.T) {
	ctx := context.Background()
	sink := &memorySink{}
	d := NewDispatcher(sink, DefaultConfig(), zaptest.NewLogger(t))

	for i := 0; i < 20; i++ {
		require.NoError(t, d.Submit(ctx, "D1", "v1/P1/D1/telemetry", []byte(fmt.Sprintf(`{"n":%d}`, i))))
	}
	require.NoError(t, d.Stop(ctx))

	msgs := sink.messages()
	require.Len(t, msgs, 20)
	for i, m := range msgs {
		assert.Equal(t, fmt.Sprintf(`{"n":%d}`, i), string(m.Payload))
		assert.Equal(t, "D1", m.DeviceKey)
		assert.Equal(t, "P1", m.ProductID)
		assert.NotEmpty(t, m.ID)
		assert.NotZero(t, m.Timestamp)
	}
	assert.Equal(t, 0, d.Pending())
	assert.True(t, sink.closed)
}

func TestDispatcher_Rejects(t *testing.T) {
	ctx := context.Background()
	d := NewDispatcher(&memorySink{}, Config{MaxPayloadSize: 4}, zaptest.NewLogger(t))
	defer d.Stop(ctx)

	assert.ErrorIs(t, d.Submit(ctx, "", "t", nil), ErrRejected)
	assert.ErrorIs(t, d.Submit(ctx, "D1", "", nil), ErrRejected)
	assert.ErrorIs(t, d.Submit(ctx, "D1", "t", []byte("too long")), ErrRejected)
	assert.NoError(t, d.Submit(ctx, "D1", "t", []byte("ok")))
}

func TestDispatcher_Backpressure(t *testing.T) {
	ctx := context.Background()
	sink := &memorySink{block: make(chan struct{})}
	d := NewDispatcher(sink, Config{MaxPending: 2}, zaptest.NewLogger(t))

	require.NoError(t, d.Submit(ctx, "D1", "t", []byte("1")))
	require.NoError(t, d.Submit(ctx, "D1", "t", []byte("2")))
	assert.ErrorIs(t, d.Submit(ctx, "D1", "t", []byte("3")), ErrRejected)

	close(sink.block)
	assert.Eventually(t, func() bool { return d.Pending() == 0 }, time.Second, 5*time.Millisecond)
	assert.NoError(t, d.Submit(ctx, "D1", "t", []byte("4")))
	require.NoError(t, d.Stop(ctx))
	assert.Len(t, sink.messages(), 3)
}

func TestDispatcher_SinkFailureDoesNotStop(t *testing.T) {
	ctx := context.Background()
	sink := &memorySink{fail: errors.New("bus down")}
	d := NewDispatcher(sink, DefaultConfig(), zaptest.NewLogger(t))

	require.NoError(t, d.Submit(ctx, "D1", "t", []byte("1")))
	assert.Eventually(t, func() bool { return d.Pending() == 0 }, time.Second, 5*time.Millisecond)

	sink.mu.Lock()
	sink.fail = nil
	sink.mu.Unlock()
	require.NoError(t, d.Submit(ctx, "D1", "t", []byte("2")))
	require.NoError(t, d.Stop(ctx))
	require.Len(t, sink.messages(), 1)
	assert.Equal(t, "2", string(sink.messages()[0].Payload))
}

func TestDispatcher_Events(t *testing.T) {
	ctx := context.Background()
	sink := &memorySink{}
	d := NewDispatcher(sink, DefaultConfig(), zaptest.NewLogger(t))

	d.PublishEvent(ctx, session.Event{Type: session.EventOnline, DeviceKey: "D1"})
	d.PublishEvent(ctx, session.Event{Type: session.EventOffline, DeviceKey: "D1"})
	require.NoError(t, d.Stop(ctx))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.events, 2)
	assert.Equal(t, session.EventOnline, sink.events[0].Type)
	assert.Equal(t, session.EventOffline, sink.events[1].Type)
}

func TestDispatcher_Stopped(t *testing.T) {
	ctx := context.Background()
	d := NewDispatcher(&memorySink{}, DefaultConfig(), zaptest.NewLogger(t))
	require.NoError(t, d.Stop(ctx))
	require.NoError(t, d.Stop(ctx))

	assert.ErrorIs(t, d.Submit(ctx, "D1", "t", nil), ErrStopped)
	d.PublishEvent(ctx, session.Event{Type: session.EventOnline})
}

func TestProductID(t *testing.T) {
	assert.Equal(t, "P1", ProductID("v1/P1/D1/telemetry"))
	assert.Equal(t, "P1", ProductID("v1/P1/D1/telemetry/extra"))
	assert.Equal(t, "", ProductID("v1/P1/D1/state"))
	assert.Equal(t, "", ProductID("sensors/temp"))
}
