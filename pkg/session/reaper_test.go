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

package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/turtacn/device-gateway/pkg/actor"
	"github.com/turtacn/device-gateway/pkg/supervisor"
)

func sweep(t *testing.T, mb *actor.Mailbox) SweepResult {
	t.Helper()
	done := make(chan SweepResult, 1)
	mb.Send(Sweep{Done: done})
	select {
	case res := <-done:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("sweep did not complete")
		return SweepResult{}
	}
}

func TestReaper_SilentDeviceIsReaped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t)

	sup := supervisor.NewOneForOneSupervisor(zaptest.NewLogger(t))
	mb := actor.NewMailbox(1)
	require.NoError(t, sup.Start(ctx, []supervisor.Spec{{
		ID:      ReaperID,
		Actor:   NewReaper(f.manager, time.Hour, zaptest.NewLogger(t)),
		Restart: supervisor.RestartPermanent,
		Mailbox: mb,
	}}))

	_, err := f.manager.Online(ctx, "D1", "C1", ProtocolMQTT, addr)
	require.NoError(t, err)

	res := sweep(t, mb)
	assert.NoError(t, res.Err)
	assert.Equal(t, 0, res.Reaped)

	f.clock.Advance(31 * time.Second)
	res = sweep(t, mb)
	assert.NoError(t, res.Err)
	assert.Equal(t, 1, res.Reaped)

	s, err := f.manager.GetSession(ctx, "D1")
	require.NoError(t, err)
	assert.Nil(t, s)
	assert.Equal(t, []EventType{EventOnline, EventOffline}, f.events.types())

	cancel()
	sup.Wait()
}

func TestReaper_Ticks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t)

	_, err := f.manager.Online(ctx, "D1", "C1", ProtocolMQTT, addr)
	require.NoError(t, err)
	f.clock.Advance(31 * time.Second)

	r := NewReaper(f.manager, 10*time.Millisecond, zaptest.NewLogger(t))
	stopped := make(chan error, 1)
	go func() { stopped <- r.Start(ctx, actor.NewMailbox(1)) }()

	assert.Eventually(t, func() bool {
		s, err := f.manager.GetSession(ctx, "D1")
		return err == nil && s == nil
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-stopped)
}

func TestNewReaper_DefaultInterval(t *testing.T) {
	f := newFixture(t)
	r := NewReaper(f.manager, 0, nil)
	assert.Equal(t, 10*time.Second, r.interval)
}
