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

// package transport is responsible for handling the network transport layer of
// the gateway. It provides a TCP server that accepts incoming device
// connections and hands each one to a connection handler on its own goroutine.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map"
	"go.uber.org/zap"

	"github.com/turtacn/device-gateway/pkg/metrics"
)

// ErrServerStarted is returned by Start on a server that is already listening.
var ErrServerStarted = errors.New("server already started")

// ConnHandler serves one accepted connection and returns when it is done.
// ctx is cancelled when the server gives up waiting for connections to drain.
type ConnHandler func(ctx context.Context, conn net.Conn)

// Server manages the accepting and handling of raw TCP connections.
type Server struct {
	handler ConnHandler
	logger  *zap.Logger

	listener net.Listener
	quit     chan struct{}
	stopOnce sync.Once
	acceptWG sync.WaitGroup
	connWG   sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
	seq    atomic.Uint64
	// conns holds the open connections keyed by an accept sequence number.
	conns cmap.ConcurrentMap
}

// NewServer creates a transport Server that passes every accepted connection
// to handler.
func NewServer(handler ConnHandler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		handler: handler,
		logger:  logger,
		quit:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		conns:   cmap.New(),
	}
}

// Start begins listening for new connections on the specified network address.
// It starts the accept loop in a new goroutine.
func (s *Server) Start(addr string) error {
	if s.listener != nil {
		return ErrServerStarted
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln

	s.acceptWG.Add(1)
	go s.acceptLoop()

	s.logger.Info("listener started", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the network address that the server is listening on.
// It returns nil if the server is not listening.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Count returns the number of open connections.
func (s *Server) Count() int {
	return s.conns.Count()
}

// Stop closes the listener and waits for the accept loop to exit. Open
// connections are left running.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)
		if s.listener != nil {
			s.listener.Close()
		}
	})
	s.acceptWG.Wait()
}

// Shutdown stops accepting and waits for open connections to finish. When ctx
// is done first, the remaining connections are closed and Shutdown returns
// ctx.Err() once their handlers have returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Stop()

	drained := make(chan struct{})
	go func() {
		s.connWG.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		s.cancel()
		s.logger.Info("listener stopped")
		return nil
	case <-ctx.Done():
	}

	s.logger.Warn("closing remaining connections", zap.Int("count", s.conns.Count()))
	s.cancel()
	for item := range s.conns.IterBuffered() {
		if conn, ok := item.Val.(net.Conn); ok {
			conn.Close()
		}
	}
	<-drained
	return ctx.Err()
}

// acceptLoop is the main loop for accepting new client connections.
// It runs in a separate goroutine and continuously accepts new connections
// until the server is stopped.
func (s *Server) acceptLoop() {
	defer s.acceptWG.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
				s.logger.Warn("error accepting connection", zap.Error(err))
				time.Sleep(10 * time.Millisecond)
			}
			continue
		}
		metrics.ConnectionsTotal.Inc()

		key := strconv.FormatUint(s.seq.Add(1), 10)
		s.conns.Set(key, conn)
		s.connWG.Add(1)
		go s.serve(key, conn)
	}
}

func (s *Server) serve(key string, conn net.Conn) {
	defer s.connWG.Done()
	defer s.conns.Remove(key)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("connection handler panicked",
				zap.String("remote", conn.RemoteAddr().String()),
				zap.Any("panic", r))
			conn.Close()
		}
	}()
	s.handler(s.ctx, conn)
}
