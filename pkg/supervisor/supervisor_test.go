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

package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/turtacn/device-gateway/pkg/actor"
)

// funcActor adapts a function to actor.Actor.
type funcActor func(ctx context.Context, mb *actor.Mailbox) error

func (f funcActor) Start(ctx context.Context, mb *actor.Mailbox) error {
	return f(ctx, mb)
}

func newSupervisor(t *testing.T) *OneForOneSupervisor {
	sup := NewOneForOneSupervisor(zaptest.NewLogger(t))
	sup.SetBackoff(5 * time.Millisecond)
	return sup
}

func TestSupervisor_StartAndShutdown(t *testing.T) {
	sup := newSupervisor(t)
	ctx, cancel := context.WithCancel(context.Background())

	var started atomic.Int32
	err := sup.Start(ctx, []Spec{{
		ID: "blocking",
		Actor: funcActor(func(ctx context.Context, mb *actor.Mailbox) error {
			started.Add(1)
			<-ctx.Done()
			return ctx.Err()
		}),
		Restart: RestartPermanent,
	}})
	assert.NoError(t, err)

	assert.Eventually(t, func() bool { return started.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	sup.Wait()
	assert.Equal(t, int32(1), started.Load())
}

func TestSupervisor_NoSpecs(t *testing.T) {
	err := newSupervisor(t).Start(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoSpecs)
}

func TestSupervisor_RestartStrategies(t *testing.T) {
	failing := errors.New("sweep failed")
	tests := []struct {
		name        string
		restart     RestartStrategy
		result      error
		panics      bool
		wantRestart bool
	}{
		{"permanent after error", RestartPermanent, failing, false, true},
		{"permanent after clean exit", RestartPermanent, nil, false, true},
		{"permanent after panic", RestartPermanent, nil, true, true},
		{"transient after error", RestartTransient, failing, false, true},
		{"transient after panic", RestartTransient, nil, true, true},
		{"transient after clean exit", RestartTransient, nil, false, false},
		{"temporary after error", RestartTemporary, failing, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sup := newSupervisor(t)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			var starts atomic.Int32
			sup.StartChild(ctx, Spec{
				ID: "child",
				Actor: funcActor(func(ctx context.Context, mb *actor.Mailbox) error {
					if starts.Add(1) > 3 {
						<-ctx.Done()
						return nil
					}
					if tt.panics {
						panic("boom")
					}
					return tt.result
				}),
				Restart: tt.restart,
			})

			if tt.wantRestart {
				assert.Eventually(t, func() bool { return starts.Load() > 3 }, 2*time.Second, 5*time.Millisecond)
			} else {
				time.Sleep(50 * time.Millisecond)
				assert.Equal(t, int32(1), starts.Load())
			}
			cancel()
			sup.Wait()
		})
	}
}

func TestSupervisor_MailboxProvided(t *testing.T) {
	sup := newSupervisor(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan any, 1)
	mb := actor.NewMailbox(1)
	sup.StartChild(ctx, Spec{
		ID: "echo",
		Actor: funcActor(func(ctx context.Context, mb *actor.Mailbox) error {
			msg, err := mb.Receive(ctx)
			if err != nil {
				return err
			}
			got <- msg
			<-ctx.Done()
			return nil
		}),
		Restart: RestartTemporary,
		Mailbox: mb,
	})

	mb.Send("ping")
	select {
	case msg := <-got:
		assert.Equal(t, "ping", msg)
	case <-time.After(time.Second):
		t.Fatal("actor did not receive message")
	}
}
