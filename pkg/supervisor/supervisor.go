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

// package supervisor restarts the gateway's background actors according to
// a per-child restart strategy.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/turtacn/device-gateway/pkg/actor"
	"github.com/turtacn/device-gateway/pkg/metrics"
)

// ErrNoSpecs is returned by Start when called without children.
var ErrNoSpecs = errors.New("no child specs provided")

// RestartStrategy defines the restart behavior for a supervised child actor.
type RestartStrategy int

const (
	// RestartPermanent restarts the child whenever it terminates.
	RestartPermanent RestartStrategy = iota
	// RestartTransient restarts the child only after an error or a panic.
	RestartTransient
	// RestartTemporary never restarts the child.
	RestartTemporary
)

// String returns the strategy name.
func (r RestartStrategy) String() string {
	switch r {
	case RestartPermanent:
		return "permanent"
	case RestartTransient:
		return "transient"
	case RestartTemporary:
		return "temporary"
	default:
		return "unknown"
	}
}

// Spec describes one supervised child.
type Spec struct {
	// ID names the child in logs and metrics.
	ID      string
	Actor   actor.Actor
	Restart RestartStrategy
	Mailbox *actor.Mailbox
}

// Supervisor defines the interface for a supervisor process.
type Supervisor interface {
	Start(ctx context.Context, specs []Spec) error
	StartChild(ctx context.Context, spec Spec)
	Wait()
}

// OneForOneSupervisor restarts only the child that terminated.
type OneForOneSupervisor struct {
	logger  *zap.Logger
	backoff time.Duration
	wg      sync.WaitGroup
}

// NewOneForOneSupervisor creates a one-for-one supervisor. Restarts are
// delayed by one second so a child that fails on start cannot spin.
func NewOneForOneSupervisor(logger *zap.Logger) *OneForOneSupervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OneForOneSupervisor{logger: logger, backoff: time.Second}
}

// SetBackoff changes the delay between a child's termination and its restart.
func (s *OneForOneSupervisor) SetBackoff(d time.Duration) {
	s.backoff = d
}

// Start launches the initial set of children without blocking.
func (s *OneForOneSupervisor) Start(ctx context.Context, specs []Spec) error {
	if len(specs) == 0 {
		return ErrNoSpecs
	}
	for _, spec := range specs {
		s.StartChild(ctx, spec)
	}
	return nil
}

// StartChild launches and monitors a single child. The child runs until ctx
// is canceled or its restart strategy gives up on it.
func (s *OneForOneSupervisor) StartChild(ctx context.Context, spec Spec) {
	if spec.Mailbox == nil {
		spec.Mailbox = actor.NewMailbox(1)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitorChild(ctx, spec)
	}()
}

// Wait blocks until every child has stopped for good.
func (s *OneForOneSupervisor) Wait() {
	s.wg.Wait()
}

func (s *OneForOneSupervisor) monitorChild(ctx context.Context, spec Spec) {
	log := s.logger.With(zap.String("actor", spec.ID), zap.Stringer("restart", spec.Restart))
	for {
		log.Debug("starting actor")
		err := s.run(ctx, spec)

		if ctx.Err() != nil {
			log.Debug("actor stopped", zap.Error(err))
			return
		}
		if err != nil {
			log.Warn("actor terminated", zap.Error(err))
		} else {
			log.Info("actor exited")
		}

		if !shouldRestart(spec.Restart, err) {
			return
		}

		metrics.SupervisorRestartsTotal.WithLabelValues(spec.ID).Inc()
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.backoff):
		}
		log.Info("restarting actor")
	}
}

func (s *OneForOneSupervisor) run(ctx context.Context, spec Spec) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("actor %s panicked: %v", spec.ID, r)
		}
	}()
	return spec.Actor.Start(ctx, spec.Mailbox)
}

func shouldRestart(strategy RestartStrategy, err error) bool {
	switch strategy {
	case RestartPermanent:
		return true
	case RestartTransient:
		return err != nil
	default:
		return false
	}
}
