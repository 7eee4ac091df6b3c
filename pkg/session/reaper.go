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
	"time"

	"go.uber.org/zap"

	"github.com/turtacn/device-gateway/pkg/actor"
	"github.com/turtacn/device-gateway/pkg/metrics"
)

// ReaperID is the supervisor child id of the reaper.
const ReaperID = "session-reaper"

// Sweep asks a running Reaper for an immediate sweep. The result is delivered
// on Done if it is non-nil.
type Sweep struct {
	Done chan<- SweepResult
}

// SweepResult reports the outcome of one sweep.
type SweepResult struct {
	Reaped int
	Err    error
}

// Reaper periodically removes sessions whose device stopped sending traffic
// without closing its connection, such as when the gateway that held the
// connection died. It implements actor.Actor.
type Reaper struct {
	manager  *Manager
	interval time.Duration
	logger   *zap.Logger
}

// NewReaper creates a reaper for manager. A non-positive interval falls back to
// the manager's ReaperInterval.
func NewReaper(manager *Manager, interval time.Duration, logger *zap.Logger) *Reaper {
	if interval <= 0 {
		interval = manager.config.ReaperInterval
	}
	if interval <= 0 {
		interval = DefaultConfig().ReaperInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{manager: manager, interval: interval, logger: logger}
}

// Start sweeps every interval and on each Sweep message until ctx is done.
func (r *Reaper) Start(ctx context.Context, mb *actor.Mailbox) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("session reaper started", zap.Duration("interval", r.interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.sweep(ctx)
		case msg := <-mb.Chan():
			req, ok := msg.(Sweep)
			if !ok {
				r.logger.Debug("ignoring unknown message", zap.Any("message", msg))
				continue
			}
			res := r.sweep(ctx)
			if req.Done != nil {
				req.Done <- res
			}
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) SweepResult {
	n, err := r.manager.ReapTimeoutSessions(ctx)
	if n > 0 {
		metrics.SessionsReapedTotal.Add(float64(n))
		r.logger.Info("reaped timed out sessions", zap.Int("count", n))
	}
	if err != nil {
		r.logger.Warn("session sweep incomplete", zap.Error(err))
	}
	if online, offline, serr := r.manager.Stats(ctx); serr == nil {
		metrics.Sessions.WithLabelValues(StatusOnline.String()).Set(float64(online))
		metrics.Sessions.WithLabelValues(StatusOffline.String()).Set(float64(offline))
	}
	return SweepResult{Reaped: n, Err: err}
}
