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

// Package connection runs the MQTT protocol state machine of a single device
// connection. A Handler reads frames in arrival order, authenticates the
// CONNECT, keeps the device session fresh through the session manager and
// hands published payloads to the ingestion collaborator.
package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mochi-mqtt/server/v2/packets"
	"go.uber.org/zap"

	"github.com/turtacn/device-gateway/pkg/auth"
	"github.com/turtacn/device-gateway/pkg/ingest"
	"github.com/turtacn/device-gateway/pkg/metrics"
	"github.com/turtacn/device-gateway/pkg/protocol/mqtt"
	"github.com/turtacn/device-gateway/pkg/session"
)

// cleanupTimeout bounds the session release performed when a connection ends.
const cleanupTimeout = 5 * time.Second

var (
	// ErrProtocolViolation is returned by Serve when the peer broke the
	// protocol: a malformed or oversized frame, a frame in the wrong state or
	// a second CONNECT.
	ErrProtocolViolation = errors.New("protocol violation")

	// errDisconnected ends the read loop after a DISCONNECT or a takeover.
	errDisconnected = errors.New("disconnected")
)

// State is the position of a connection in its lifecycle.
type State int

const (
	StateAwaitingConnect State = iota
	StateAuthenticated
	StateConnected
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingConnect:
		return "awaiting_connect"
	case StateAuthenticated:
		return "authenticated"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// RejectError reports a refused CONNECT. The matching CONNACK has already
// been sent when Serve returns it.
type RejectError struct {
	Reason mqtt.ConnectReason
	Err    error
}

func (e *RejectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connect rejected: %s: %v", e.Reason, e.Err)
	}
	return "connect rejected: " + e.Reason.String()
}

func (e *RejectError) Unwrap() error { return e.Err }

// Verifier checks the credential a device presents. *auth.AuthChain
// implements it.
type Verifier interface {
	Authenticate(ctx context.Context, deviceKey, credential string) auth.AuthResult
}

// Sessions is the part of the session manager a connection uses.
// *session.Manager implements it.
type Sessions interface {
	OnlineFor(ctx context.Context, deviceKey, clientID string, protocol session.Protocol, addr session.RemoteAddr, idle time.Duration) (*session.DeviceSession, error)
	HeartbeatSession(ctx context.Context, deviceKey, sessionID string) error
	Release(ctx context.Context, deviceKey, sessionID string) (bool, error)
}

// Config holds connection level limits.
type Config struct {
	// IdleTimeout closes a connection that sent nothing for this long. When
	// zero the budget is one and a half times the keepalive the client asked
	// for.
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	// DefaultKeepalive stands in for the keepalive of a client that asked for
	// none, so every connection has an idle budget.
	DefaultKeepalive time.Duration `json:"default_keepalive" yaml:"default_keepalive"`
	// ConnectTimeout bounds the wait for CONNECT on a new connection.
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
	// WriteTimeout bounds a single frame write.
	WriteTimeout  time.Duration `json:"write_timeout" yaml:"write_timeout"`
	MaxPacketSize int           `json:"max_packet_size" yaml:"max_packet_size"`
}

// DefaultConfig returns the default connection limits.
func DefaultConfig() Config {
	return Config{
		DefaultKeepalive: 60 * time.Second,
		ConnectTimeout:   10 * time.Second,
		WriteTimeout:     10 * time.Second,
		MaxPacketSize:    mqtt.DefaultMaxPacketSize,
	}
}

// Deps are the collaborators shared by all connections.
type Deps struct {
	Auth     Verifier
	Sessions Sessions
	Ingest   ingest.Ingestor
}

// Handler drives one device connection.
type Handler struct {
	id     string
	conn   net.Conn
	reader *mqtt.Reader
	cfg    Config
	deps   Deps
	logger *zap.Logger

	// version is only touched by the read loop.
	version byte

	mu        sync.Mutex
	state     State
	idle      time.Duration
	deviceKey string
	clientID  string
	sessionID string
}

// New creates a Handler for conn. Nothing is read until Serve is called.
func New(conn net.Conn, deps Deps, cfg Config, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()
	return &Handler{
		id:      id,
		conn:    conn,
		reader:  mqtt.NewReader(conn, cfg.MaxPacketSize),
		cfg:     cfg,
		deps:    deps,
		version: mqtt.Version311,
		logger: logger.With(
			zap.String("conn_id", id),
			zap.String("remote", conn.RemoteAddr().String())),
	}
}

// ID returns the connection id assigned at creation.
func (h *Handler) ID() string { return h.id }

// State returns the current lifecycle state.
func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// DeviceKey returns the identity bound by a successful CONNECT.
func (h *Handler) DeviceKey() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.deviceKey
}

// Serve processes frames until the connection ends and then releases the
// device session. A nil error means the connection ended normally: a
// DISCONNECT, an idle timeout, a takeover or the peer closing the transport.
// Cancelling ctx closes the connection.
func (h *Handler) Serve(ctx context.Context) error {
	metrics.ConnectionsActive.Inc()
	defer metrics.ConnectionsActive.Dec()

	stop := context.AfterFunc(ctx, h.Close)
	defer stop()

	err := h.loop(ctx)
	h.terminate()
	if errors.Is(err, errDisconnected) {
		return nil
	}
	return err
}

// Close ends the connection and releases its session. It is safe to call
// from any goroutine and more than once; only the first call has an effect.
func (h *Handler) Close() {
	h.terminate()
}

func (h *Handler) loop(ctx context.Context) error {
	for {
		if err := h.conn.SetReadDeadline(h.readDeadline()); err != nil {
			return h.readError(err)
		}
		pk, err := h.reader.ReadPacket()
		if err != nil {
			return h.readError(err)
		}
		if err := h.handle(ctx, pk); err != nil {
			return err
		}
	}
}

func (h *Handler) readDeadline() time.Time {
	h.mu.Lock()
	state, idle := h.state, h.idle
	h.mu.Unlock()

	if state == StateAwaitingConnect {
		if h.cfg.ConnectTimeout > 0 {
			return time.Now().Add(h.cfg.ConnectTimeout)
		}
		return time.Time{}
	}
	if idle > 0 {
		return time.Now().Add(idle)
	}
	return time.Time{}
}

func (h *Handler) readError(err error) error {
	var ne net.Error
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
		h.logger.Debug("connection closed by peer")
		return nil
	case errors.As(err, &ne) && ne.Timeout():
		if h.State() == StateAwaitingConnect {
			h.logger.Info("no CONNECT received in time")
		} else {
			h.logger.Info("idle timeout", zap.String("device_key", h.DeviceKey()))
		}
		return nil
	case errors.Is(err, mqtt.ErrMalformed), errors.Is(err, mqtt.ErrPacketTooLarge):
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	default:
		return fmt.Errorf("failed to read packet: %w", err)
	}
}

func (h *Handler) handle(ctx context.Context, pk *packets.Packet) error {
	state := h.State()
	if pk.FixedHeader.Type == packets.Connect {
		if state != StateAwaitingConnect {
			return fmt.Errorf("%w: second CONNECT", ErrProtocolViolation)
		}
		return h.onConnect(ctx, pk)
	}
	if state != StateConnected {
		return fmt.Errorf("%w: %s before CONNECT", ErrProtocolViolation, mqtt.TypeName(pk.FixedHeader.Type))
	}

	switch pk.FixedHeader.Type {
	case packets.Publish:
		return h.onPublish(ctx, pk)
	case packets.Pubrel:
		if err := h.refresh(ctx); errors.Is(err, errDisconnected) {
			return err
		}
		return h.write(mqtt.Pubcomp(h.version, pk.PacketID))
	case packets.Subscribe:
		if err := h.refresh(ctx); errors.Is(err, errDisconnected) {
			return err
		}
		return h.write(mqtt.Suback(h.version, pk.PacketID, pk.Filters))
	case packets.Unsubscribe:
		if err := h.refresh(ctx); errors.Is(err, errDisconnected) {
			return err
		}
		return h.write(mqtt.Unsuback(h.version, pk.PacketID, len(pk.Filters)))
	case packets.Pingreq:
		if err := h.write(mqtt.Pingresp()); err != nil {
			return err
		}
		if err := h.refresh(ctx); errors.Is(err, errDisconnected) {
			return err
		}
		return nil
	case packets.Disconnect:
		h.setState(StateClosing)
		h.logger.Debug("client sent DISCONNECT", zap.String("device_key", h.DeviceKey()))
		return errDisconnected
	default:
		h.logger.Debug("ignoring packet", zap.String("type", mqtt.TypeName(pk.FixedHeader.Type)))
		return nil
	}
}

func (h *Handler) onConnect(ctx context.Context, pk *packets.Packet) error {
	version := pk.ProtocolVersion
	if !mqtt.SupportedVersion(version) {
		return h.reject(version, mqtt.ConnectUnsupportedVersion, nil)
	}
	h.reader.SetProtocolVersion(version)
	h.version = version

	if code := pk.ConnectValidate(); code.Code != packets.CodeSuccess.Code {
		if code.Code == packets.ErrClientIdentifierNotValid.Code {
			return h.reject(version, mqtt.ConnectIdentifierRejected, nil)
		}
		return fmt.Errorf("%w: %s", ErrProtocolViolation, code.Reason)
	}

	clientID := pk.Connect.ClientIdentifier
	deviceKey := string(pk.Connect.Username)
	if deviceKey == "" {
		deviceKey = clientID
	}
	if clientID == "" {
		return h.reject(version, mqtt.ConnectIdentifierRejected, nil)
	}

	switch res := h.deps.Auth.Authenticate(ctx, deviceKey, string(pk.Connect.Password)); res {
	case auth.AuthSuccess:
	case auth.AuthDisabled:
		return h.reject(version, mqtt.ConnectNotAuthorized, nil)
	case auth.AuthError:
		return h.reject(version, mqtt.ConnectServerUnavailable, nil)
	default:
		return h.reject(version, mqtt.ConnectBadCredentials, nil)
	}
	h.setState(StateAuthenticated)

	idle := h.idleBudget(pk.Connect.Keepalive)
	sess, err := h.deps.Sessions.OnlineFor(ctx, deviceKey, clientID, session.ProtocolMQTT, session.AddrFrom(h.conn.RemoteAddr()), idle)
	if err != nil {
		return h.reject(version, mqtt.ConnectServerUnavailable, err)
	}

	h.mu.Lock()
	if h.state >= StateClosing {
		// Closed while the session was being created.
		h.mu.Unlock()
		h.release(deviceKey, sess.SessionID)
		return errDisconnected
	}
	h.state = StateConnected
	h.deviceKey = deviceKey
	h.clientID = clientID
	h.sessionID = sess.SessionID
	h.idle = idle
	h.mu.Unlock()

	metrics.ConnectResults.WithLabelValues(mqtt.ConnectAccepted.String()).Inc()
	h.logger.Info("device connected",
		zap.String("device_key", deviceKey),
		zap.String("client_id", clientID),
		zap.Uint8("protocol_version", version),
		zap.Uint16("keepalive", pk.Connect.Keepalive),
		zap.Duration("idle_timeout", idle))
	return h.write(mqtt.Connack(version, mqtt.ConnectAccepted))
}

// idleBudget is how long the connection may stay silent.
func (h *Handler) idleBudget(keepalive uint16) time.Duration {
	if h.cfg.IdleTimeout > 0 {
		return h.cfg.IdleTimeout
	}
	ka := time.Duration(keepalive) * time.Second
	if ka == 0 {
		ka = h.cfg.DefaultKeepalive
	}
	return ka * 3 / 2
}

func (h *Handler) reject(version byte, reason mqtt.ConnectReason, cause error) error {
	metrics.ConnectResults.WithLabelValues(reason.String()).Inc()
	h.logger.Info("connect rejected", zap.String("reason", reason.String()), zap.Error(cause))
	h.setState(StateClosing)
	if err := h.write(mqtt.Connack(version, reason)); err != nil {
		h.logger.Debug("failed to send CONNACK", zap.Error(err))
	}
	return &RejectError{Reason: reason, Err: cause}
}

func (h *Handler) onPublish(ctx context.Context, pk *packets.Packet) error {
	qos := pk.FixedHeader.Qos
	metrics.PublishesTotal.WithLabelValues(strconv.Itoa(int(qos))).Inc()

	if err := h.refresh(ctx); err != nil {
		if errors.Is(err, errDisconnected) {
			return err
		}
		if qos > 0 {
			h.logger.Warn("refusing publish, session state unavailable",
				zap.String("topic", pk.TopicName), zap.Error(err))
			return nil
		}
	}

	deviceKey := h.DeviceKey()
	if err := h.deps.Ingest.Submit(ctx, deviceKey, pk.TopicName, pk.Payload); err != nil {
		h.logger.Debug("payload not accepted",
			zap.String("device_key", deviceKey),
			zap.String("topic", pk.TopicName),
			zap.Error(err))
		return nil
	}

	switch qos {
	case 1:
		return h.write(mqtt.Puback(h.version, pk.PacketID))
	case 2:
		return h.write(mqtt.Pubrec(h.version, pk.PacketID))
	}
	return nil
}

// refresh records liveness for the bound session. It returns errDisconnected
// when the session was taken over or removed, and the store error otherwise.
// Store errors are logged; callers decide whether they matter.
func (h *Handler) refresh(ctx context.Context) error {
	h.mu.Lock()
	deviceKey, sessionID := h.deviceKey, h.sessionID
	h.mu.Unlock()

	err := h.deps.Sessions.HeartbeatSession(ctx, deviceKey, sessionID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrSuperseded):
		h.logger.Info("session taken over by a newer connection", zap.String("device_key", deviceKey))
		if h.version == mqtt.Version5 {
			_ = h.write(mqtt.Disconnect(packets.ErrSessionTakenOver))
		}
		h.setState(StateClosing)
		return errDisconnected
	case errors.Is(err, session.ErrSessionNotFound):
		h.logger.Info("session no longer exists", zap.String("device_key", deviceKey))
		h.setState(StateClosing)
		return errDisconnected
	default:
		h.logger.Warn("failed to refresh session", zap.String("device_key", deviceKey), zap.Error(err))
		return err
	}
}

func (h *Handler) write(pk *packets.Packet) error {
	if h.cfg.WriteTimeout > 0 {
		_ = h.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
	}
	if err := mqtt.WritePacket(h.conn, pk); err != nil {
		return fmt.Errorf("failed to write %s: %w", mqtt.TypeName(pk.FixedHeader.Type), err)
	}
	return nil
}

func (h *Handler) setState(s State) {
	h.mu.Lock()
	if h.state < s {
		h.state = s
	}
	h.mu.Unlock()
}

// terminate closes the transport and releases the session exactly once.
func (h *Handler) terminate() {
	h.mu.Lock()
	if h.state == StateClosed {
		h.mu.Unlock()
		return
	}
	h.state = StateClosed
	deviceKey, clientID, sessionID := h.deviceKey, h.clientID, h.sessionID
	h.mu.Unlock()

	_ = h.conn.Close()
	if sessionID != "" {
		h.release(deviceKey, sessionID)
		h.logger.Debug("connection closed", zap.String("device_key", deviceKey), zap.String("client_id", clientID))
	}
}

func (h *Handler) release(deviceKey, sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	released, err := h.deps.Sessions.Release(ctx, deviceKey, sessionID)
	if err != nil {
		h.logger.Warn("failed to release session", zap.String("device_key", deviceKey), zap.Error(err))
		return
	}
	h.logger.Info("device disconnected",
		zap.String("device_key", deviceKey),
		zap.Bool("released", released))
}
