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

// Package gateway assembles the device gateway from its parts: the session
// store and manager, the authentication chain, the ingestion dispatcher, the
// MQTT listener, the session reaper and the metrics and health endpoint.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/turtacn/device-gateway/pkg/actor"
	"github.com/turtacn/device-gateway/pkg/auth"
	"github.com/turtacn/device-gateway/pkg/config"
	"github.com/turtacn/device-gateway/pkg/connection"
	"github.com/turtacn/device-gateway/pkg/ingest"
	"github.com/turtacn/device-gateway/pkg/metrics"
	"github.com/turtacn/device-gateway/pkg/monitor"
	"github.com/turtacn/device-gateway/pkg/session"
	"github.com/turtacn/device-gateway/pkg/storage"
	"github.com/turtacn/device-gateway/pkg/supervisor"
	"github.com/turtacn/device-gateway/pkg/transport"
)

// Version is reported by the health endpoint and the CLI. It is set at link
// time.
var Version = "dev"

// healthInterval is how often dependency checks run in the background.
const healthInterval = 15 * time.Second

var (
	// ErrStarted is returned by Start on a gateway that was already started
	// or shut down.
	ErrStarted = errors.New("gateway already started")
	// ErrNotStarted is returned by Sweep before Start.
	ErrNotStarted = errors.New("gateway not started")
	// ErrReaperBusy is returned by Sweep when sweeps are already queued.
	ErrReaperBusy = errors.New("session reaper busy")
)

// Gateway is a running device gateway node.
type Gateway struct {
	cfg    *config.Config
	logger *zap.Logger

	store      storage.Store
	manager    *session.Manager
	authChain  *auth.AuthChain
	dispatcher *ingest.Dispatcher
	server     *transport.Server
	sup        *supervisor.OneForOneSupervisor
	reaperMB   *actor.Mailbox
	health     *monitor.HealthChecker
	closers    []io.Closer

	httpServer *http.Server
	httpAddr   net.Addr

	mu       sync.Mutex
	started  bool
	stopped  bool
	ctx      context.Context
	cancel   context.CancelFunc
	connCtx  context.Context
	connStop context.CancelFunc
}

// New connects to the backends named by cfg and builds a gateway. Nothing
// listens until Start is called.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("node", cfg.Gateway.NodeID))

	g := &Gateway{
		cfg:      cfg,
		logger:   logger,
		reaperMB: actor.NewMailbox(4),
	}
	ok := false
	defer func() {
		if ok {
			return
		}
		if g.dispatcher != nil {
			_ = g.dispatcher.Stop(ctx)
		}
		_ = g.closeBackends()
	}()

	store, err := g.openStore(ctx)
	if err != nil {
		return nil, err
	}
	g.store = store
	g.closers = append(g.closers, store)

	sink, err := g.openSink()
	if err != nil {
		return nil, err
	}
	g.dispatcher = ingest.NewDispatcher(sink, cfg.DispatcherConfig(), logger.Named("ingest"))

	g.manager = session.NewManager(store, cfg.SessionManagerConfig(), logger.Named("session"))
	g.manager.SetEventSink(g.dispatcher)

	if err := g.buildAuth(ctx); err != nil {
		return nil, err
	}

	g.server = transport.NewServer(g.serveConn, logger.Named("transport"))
	g.sup = supervisor.NewOneForOneSupervisor(logger.Named("supervisor"))

	g.health = monitor.NewHealthChecker(cfg.Gateway.NodeID, Version, logger.Named("health"))
	g.health.RegisterCheck("store", store.Ping, true)
	g.health.RegisterCheck("ingest", g.dispatcher.Ping, false)
	g.health.SetStats(g.stats)

	ok = true
	return g, nil
}

func (g *Gateway) openStore(ctx context.Context) (storage.Store, error) {
	switch g.cfg.Store.Type {
	case "redis":
		s, err := storage.NewRedisStore(ctx, g.cfg.RedisStoreConfig())
		if err != nil {
			return nil, err
		}
		g.logger.Info("using redis session store", zap.String("prefix", g.cfg.Store.Redis.KeyPrefix))
		return s, nil
	default:
		s := storage.NewMemStore()
		s.StartSweeper(g.cfg.Store.SweepInterval.Std())
		g.logger.Info("using in-memory session store")
		return s, nil
	}
}

func (g *Gateway) openSink() (ingest.Sink, error) {
	if g.cfg.Ingest.Sink == "nats" {
		s, err := ingest.DialNATS(g.cfg.NATSSinkConfig(), g.logger.Named("nats"))
		if err != nil {
			return nil, err
		}
		g.logger.Info("publishing telemetry to nats", zap.String("url", g.cfg.Ingest.NATS.URL))
		return s, nil
	}
	return ingest.NewLogSink(g.logger.Named("telemetry")), nil
}

// buildAuth assembles the chain in the order devices, database, registry.
// With authentication disabled the chain holds only auth.AllowAll. An enabled
// chain with no source denies every device.
func (g *Gateway) buildAuth(ctx context.Context) error {
	g.authChain = auth.NewAuthChain(g.logger.Named("auth"))
	if !g.cfg.Auth.Enabled {
		g.logger.Warn("device authentication is disabled")
		g.authChain.AddAuthenticator(auth.AllowAll{})
		return nil
	}
	if err := g.cfg.ConfigureAuth(g.authChain, g.logger.Named("auth")); err != nil {
		return err
	}

	if g.cfg.Auth.Postgres.Enabled {
		pgCfg := g.cfg.PostgresAuthenticatorConfig()
		db, err := auth.OpenPostgres(ctx, pgCfg)
		if err != nil {
			return err
		}
		pa, err := auth.NewPostgresAuthenticator(db, pgCfg, g.logger.Named("auth"))
		if err != nil {
			db.Close()
			return err
		}
		g.authChain.AddAuthenticator(pa)
		g.closers = append(g.closers, pa)
	}

	if g.cfg.Auth.Remote.Enabled {
		ra, err := auth.DialRemote(g.cfg.RemoteAuthenticatorConfig(), g.logger.Named("auth"))
		if err != nil {
			return err
		}
		g.authChain.AddAuthenticator(ra)
		g.closers = append(g.closers, ra)
	}

	if g.authChain.Count() == 0 {
		g.logger.Warn("authentication is enabled but no device source is configured, all devices will be rejected")
	}
	return nil
}

// Start begins accepting devices and starts the background workers.
func (g *Gateway) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started || g.stopped {
		return ErrStarted
	}

	g.ctx, g.cancel = context.WithCancel(context.Background())
	g.connCtx, g.connStop = context.WithCancel(context.Background())

	if err := g.server.Start(g.cfg.Gateway.ListenAddr); err != nil {
		g.cancel()
		g.connStop()
		return err
	}

	reaper := session.NewReaper(g.manager, g.cfg.Session.ReaperInterval.Std(), g.logger.Named("reaper"))
	if err := g.sup.Start(g.ctx, []supervisor.Spec{{
		ID:      session.ReaperID,
		Actor:   reaper,
		Restart: supervisor.RestartPermanent,
		Mailbox: g.reaperMB,
	}}); err != nil {
		g.server.Stop()
		g.cancel()
		g.connStop()
		return err
	}

	if g.cfg.Metrics.Enabled {
		g.httpServer = metrics.NewServer(g.cfg.Metrics.Addr, g.health.RegisterRoutes)
		addr, err := metrics.Serve(g.httpServer, g.logger.Named("metrics"))
		if err != nil {
			g.logger.Error("failed to start metrics server", zap.Error(err))
			g.httpServer = nil
		} else {
			g.httpAddr = addr
		}
	}
	go g.health.Run(g.ctx, healthInterval)

	g.started = true
	g.logger.Info("device gateway started",
		zap.String("addr", g.server.Addr().String()),
		zap.Duration("session_timeout", g.cfg.Session.Timeout.Std()),
		zap.Duration("reaper_interval", g.cfg.Session.ReaperInterval.Std()))
	return nil
}

// serveConn runs one device connection. It is closed when either the
// listener forces it or the gateway shuts down.
func (g *Gateway) serveConn(ctx context.Context, conn net.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(g.connCtx, cancel)
	defer stop()

	h := connection.New(conn, connection.Deps{
		Auth:     g.authChain,
		Sessions: g.manager,
		Ingest:   g.dispatcher,
	}, g.cfg.ConnectionHandlerConfig(), g.logger.Named("connection"))

	if err := h.Serve(ctx); err != nil {
		var rej *connection.RejectError
		if errors.As(err, &rej) {
			return
		}
		g.logger.Info("connection closed with error",
			zap.String("conn_id", h.ID()),
			zap.String("device_key", h.DeviceKey()),
			zap.Error(err))
	}
}

// Addr returns the MQTT listener address, or nil before Start.
func (g *Gateway) Addr() net.Addr {
	return g.server.Addr()
}

// MetricsAddr returns the address of the metrics and health endpoint, or nil
// when it is not running.
func (g *Gateway) MetricsAddr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.httpAddr
}

// Manager exposes the session manager shared by all connections.
func (g *Gateway) Manager() *session.Manager {
	return g.manager
}

// Health exposes the gateway health checker.
func (g *Gateway) Health() *monitor.HealthChecker {
	return g.health
}

// Connections returns the number of open device connections.
func (g *Gateway) Connections() int {
	return g.server.Count()
}

// Sweep asks the reaper for an immediate sweep and returns the number of
// sessions it removed.
func (g *Gateway) Sweep(ctx context.Context) (int, error) {
	g.mu.Lock()
	started := g.started && !g.stopped
	g.mu.Unlock()
	if !started {
		return 0, ErrNotStarted
	}

	done := make(chan session.SweepResult, 1)
	if !g.reaperMB.TrySend(session.Sweep{Done: done}) {
		return 0, ErrReaperBusy
	}
	select {
	case res := <-done:
		return res.Reaped, res.Err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (g *Gateway) stats(ctx context.Context) (map[string]int, error) {
	online, offline, err := g.manager.Stats(ctx)
	return map[string]int{
		"connections":      g.server.Count(),
		"sessions_online":  online,
		"sessions_offline": offline,
		"ingest_pending":   g.dispatcher.Pending(),
	}, err
}

// Shutdown stops accepting devices, closes open connections and releases
// their sessions, flushes pending telemetry and closes the backends. Work not
// finished when ctx is done is abandoned. A gateway that was never started
// only releases its backends.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return nil
	}
	g.stopped = true
	started := g.started
	httpServer := g.httpServer
	g.mu.Unlock()

	var errs []error
	if started {
		g.logger.Info("shutting down device gateway", zap.Int("connections", g.server.Count()))
		g.server.Stop()
		g.connStop()
		if err := g.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to drain connections: %w", err))
		}

		g.cancel()
		g.sup.Wait()

		if httpServer != nil {
			if err := httpServer.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("failed to stop metrics server: %w", err))
			}
		}
	}
	if err := g.dispatcher.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to flush ingestion: %w", err))
	}
	if err := g.closeBackends(); err != nil {
		errs = append(errs, err)
	}

	g.logger.Info("device gateway stopped")
	return errors.Join(errs...)
}

func (g *Gateway) closeBackends() error {
	var errs []error
	for i := len(g.closers) - 1; i >= 0; i-- {
		if err := g.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	g.closers = nil
	return errors.Join(errs...)
}
