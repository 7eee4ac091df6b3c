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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/turtacn/device-gateway/pkg/storage"
)

var (
	// ErrSessionNotFound is returned when a connection refreshes a session
	// that no longer exists.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSuperseded is returned when the stored session for a device belongs
	// to a newer connection.
	ErrSuperseded = errors.New("session superseded by a newer connection")
)

// Config defines configuration for session management
type Config struct {
	// Idle budget of a session, measured from its last heartbeat. Every write
	// to the store sets a TTL of SessionTimeout plus ReaperInterval, so the
	// reaper gets to observe a silent session before the store evicts it.
	SessionTimeout time.Duration `json:"session_timeout" yaml:"session_timeout"`
	// Interval at which devices are expected to send keepalives. Informational;
	// it is logged and exported so operators can compare it with the timeout.
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	// Interval between reaper sweeps.
	ReaperInterval time.Duration `json:"reaper_interval" yaml:"reaper_interval"`
}

// DefaultConfig returns a default configuration for session management
func DefaultConfig() *Config {
	return &Config{
		SessionTimeout:    90 * time.Second,
		HeartbeatInterval: 60 * time.Second,
		ReaperInterval:    30 * time.Second,
	}
}

// EventType names a session lifecycle transition.
type EventType string

const (
	EventOnline  EventType = "online"
	EventOffline EventType = "offline"
)

// Event describes a session lifecycle transition.
type Event struct {
	Type       EventType  `json:"type"`
	DeviceKey  string     `json:"deviceKey"`
	ClientID   string     `json:"clientId"`
	SessionID  string     `json:"sessionId"`
	Protocol   Protocol   `json:"protocol"`
	RemoteAddr RemoteAddr `json:"remoteAddr"`
	Time       time.Time  `json:"time"`
}

// EventSink receives lifecycle events. Implementations must not block.
type EventSink interface {
	PublishEvent(ctx context.Context, ev Event)
}

// Manager is the only writer of device sessions. Every mutating operation is
// serialized per device key, so concurrent connects for one device can never
// leave two surviving sessions or a dangling client index.
type Manager struct {
	store  storage.Store
	config *Config
	locks  keyLocks
	events EventSink
	logger *zap.Logger
	now    func() time.Time
}

// NewManager creates a session manager on top of store. A nil config selects
// DefaultConfig and a nil logger disables logging.
func NewManager(store storage.Store, config *Config, logger *zap.Logger) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:  store,
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// SetEventSink installs the receiver of lifecycle events.
func (m *Manager) SetEventSink(sink EventSink) {
	m.events = sink
}

// SetClock replaces the time source.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Config returns the manager configuration.
func (m *Manager) Config() Config {
	return *m.config
}

// maxClaimAttempts bounds how often Online re-reads a client index entry that
// keeps moving to other devices while it waits for their locks.
const maxClaimAttempts = 3

// Online records an authenticated connect. Any existing session for deviceKey
// is deleted together with its index entry before the new one is written.
func (m *Manager) Online(ctx context.Context, deviceKey, clientID string, protocol Protocol, addr RemoteAddr) (*DeviceSession, error) {
	return m.OnlineFor(ctx, deviceKey, clientID, protocol, addr, 0)
}

// OnlineFor is Online for a connection that may stay silent for up to idle.
// The session timeout becomes the larger of idle and the configured timeout,
// so the reaper never removes a session whose connection is still within its
// keepalive. A live session of another device that holds clientID is taken
// over: it is deleted and reported offline.
func (m *Manager) OnlineFor(ctx context.Context, deviceKey, clientID string, protocol Protocol, addr RemoteAddr, idle time.Duration) (*DeviceSession, error) {
	var (
		s     *DeviceSession
		taken *DeviceSession
		err   error
	)
	for attempt := 1; ; attempt++ {
		owner, lerr := m.otherOwner(ctx, deviceKey, clientID)
		if lerr != nil {
			return nil, lerr
		}
		unlock := m.locks.lock(deviceKey, owner)
		current, lerr := m.otherOwner(ctx, deviceKey, clientID)
		if lerr != nil {
			unlock()
			return nil, lerr
		}
		if current != owner && attempt < maxClaimAttempts {
			unlock()
			continue
		}
		if owner != "" && current == owner {
			taken, err = m.takeOverLocked(ctx, owner, clientID, deviceKey)
		}
		if err == nil {
			s, err = m.onlineLocked(ctx, deviceKey, clientID, protocol, addr, idle)
		}
		unlock()
		break
	}
	if err != nil {
		return nil, err
	}
	if taken != nil {
		m.emit(ctx, EventOffline, taken)
	}
	m.emit(ctx, EventOnline, s)
	return s, nil
}

// otherOwner returns the device the client index maps clientID to, or "" when
// the entry is absent or already belongs to deviceKey.
func (m *Manager) otherOwner(ctx context.Context, deviceKey, clientID string) (string, error) {
	owner, err := m.store.LookupIndex(ctx, clientID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return "", nil
	case err != nil:
		return "", fmt.Errorf("failed to read client index %s: %w", clientID, err)
	case owner == deviceKey:
		return "", nil
	}
	return owner, nil
}

// takeOverLocked removes the session of owner if it still uses clientID. Both
// device keys must be locked.
func (m *Manager) takeOverLocked(ctx context.Context, owner, clientID, deviceKey string) (*DeviceSession, error) {
	s, err := m.load(ctx, owner)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if s.ClientID != clientID {
		return nil, nil
	}
	if _, err := m.deleteLocked(ctx, owner); err != nil {
		return nil, fmt.Errorf("failed to remove session of %s holding client id %s: %w", owner, clientID, err)
	}
	m.logger.Info("client id taken over by another device",
		zap.String("client_id", clientID),
		zap.String("old_device_key", owner),
		zap.String("new_device_key", deviceKey))
	now := m.now()
	s.Status = StatusOffline
	s.DisconnectTime = &now
	return s, nil
}

func (m *Manager) onlineLocked(ctx context.Context, deviceKey, clientID string, protocol Protocol, addr RemoteAddr, idle time.Duration) (*DeviceSession, error) {
	old, err := m.load(ctx, deviceKey)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if old != nil {
		if _, err := m.deleteLocked(ctx, deviceKey); err != nil {
			return nil, fmt.Errorf("failed to remove superseded session for %s: %w", deviceKey, err)
		}
		m.logger.Info("superseded existing session",
			zap.String("device_key", deviceKey),
			zap.String("old_client_id", old.ClientID),
			zap.String("new_client_id", clientID))
	}

	timeout := max(m.config.SessionTimeout, idle)
	now := m.now()
	s := &DeviceSession{
		DeviceKey:      deviceKey,
		ClientID:       clientID,
		SessionID:      uuid.NewString(),
		Protocol:       protocol,
		Status:         StatusOnline,
		RemoteAddr:     addr,
		ConnectTime:    now,
		LastOnlineTime: now,
		HeartbeatTime:  now,
		TimeoutSeconds: int((timeout + time.Second - 1) / time.Second),
	}
	if err := m.persist(ctx, s, true); err != nil {
		m.rollback(ctx, s)
		return nil, err
	}
	if err := m.store.AddToSet(ctx, deviceKey); err != nil {
		m.rollback(ctx, s)
		return nil, fmt.Errorf("failed to track session %s: %w", deviceKey, err)
	}

	m.logger.Info("device online",
		zap.String("device_key", deviceKey),
		zap.String("client_id", clientID),
		zap.String("protocol", string(protocol)),
		zap.String("remote_addr", addr.String()),
		zap.Int("timeout_seconds", s.TimeoutSeconds))
	return s, nil
}

// rollback removes whatever part of a failed create reached the store.
func (m *Manager) rollback(ctx context.Context, s *DeviceSession) {
	_ = m.store.Delete(ctx, s.DeviceKey)
	_ = m.store.DeleteIndex(ctx, s.ClientID)
	_ = m.store.RemoveFromSet(ctx, s.DeviceKey)
}

// Heartbeat refreshes the liveness timestamps of the session. A heartbeat for
// an unknown device is evidence of a stale client and is ignored.
func (m *Manager) Heartbeat(ctx context.Context, deviceKey string) error {
	unlock := m.locks.lock(deviceKey)
	defer unlock()

	s, err := m.load(ctx, deviceKey)
	if errors.Is(err, storage.ErrNotFound) {
		m.logger.Debug("heartbeat for unknown session", zap.String("device_key", deviceKey))
		return nil
	}
	if err != nil {
		return err
	}
	s.touch(m.now())
	return m.persist(ctx, s, false)
}

// HeartbeatSession is Heartbeat for a connection that owns sessionID. It
// returns ErrSessionNotFound when the session is gone and ErrSuperseded when a
// newer connection owns it; neither case writes to the store.
func (m *Manager) HeartbeatSession(ctx context.Context, deviceKey, sessionID string) error {
	unlock := m.locks.lock(deviceKey)
	defer unlock()

	s, err := m.load(ctx, deviceKey)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrSessionNotFound
	}
	if err != nil {
		return err
	}
	if s.SessionID != sessionID {
		return ErrSuperseded
	}
	s.touch(m.now())
	return m.persist(ctx, s, false)
}

// Offline marks the session OFFLINE without deleting it.
func (m *Manager) Offline(ctx context.Context, deviceKey string) error {
	unlock := m.locks.lock(deviceKey)
	s, err := m.offlineLocked(ctx, deviceKey)
	unlock()
	if err != nil {
		return err
	}
	if s != nil {
		m.emit(ctx, EventOffline, s)
	}
	return nil
}

func (m *Manager) offlineLocked(ctx context.Context, deviceKey string) (*DeviceSession, error) {
	s, err := m.load(ctx, deviceKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := m.markOffline(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (m *Manager) markOffline(ctx context.Context, s *DeviceSession) error {
	now := m.now()
	s.Status = StatusOffline
	s.DisconnectTime = &now
	if err := m.persist(ctx, s, false); err != nil {
		return err
	}
	m.logger.Info("device offline",
		zap.String("device_key", s.DeviceKey),
		zap.String("client_id", s.ClientID),
		zap.String("protocol", string(s.Protocol)))
	return nil
}

// DeleteSession removes the session and its index entry. It reports whether a
// session existed.
func (m *Manager) DeleteSession(ctx context.Context, deviceKey string) (bool, error) {
	unlock := m.locks.lock(deviceKey)
	defer unlock()
	return m.deleteLocked(ctx, deviceKey)
}

func (m *Manager) deleteLocked(ctx context.Context, deviceKey string) (bool, error) {
	s, err := m.load(ctx, deviceKey)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return false, err
	}
	if s != nil {
		// The index may already point at another device that reused the
		// client id; only remove it if it is still ours.
		owner, err := m.store.LookupIndex(ctx, s.ClientID)
		switch {
		case err == nil && owner == deviceKey:
			if err := m.store.DeleteIndex(ctx, s.ClientID); err != nil {
				return false, fmt.Errorf("failed to delete client index %s: %w", s.ClientID, err)
			}
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			return false, fmt.Errorf("failed to read client index %s: %w", s.ClientID, err)
		}
	}
	if err := m.store.RemoveFromSet(ctx, deviceKey); err != nil {
		return false, fmt.Errorf("failed to untrack session %s: %w", deviceKey, err)
	}
	if err := m.store.Delete(ctx, deviceKey); err != nil {
		return false, fmt.Errorf("failed to delete session %s: %w", deviceKey, err)
	}
	if s != nil {
		m.logger.Debug("session deleted", zap.String("device_key", deviceKey))
	}
	return s != nil, nil
}

// Release is the cleanup a closing connection performs: if the session is
// still owned by sessionID it is marked OFFLINE and then deleted. A session
// that is absent or owned by a newer connection is left untouched and Release
// reports false.
func (m *Manager) Release(ctx context.Context, deviceKey, sessionID string) (bool, error) {
	unlock := m.locks.lock(deviceKey)
	s, err := m.releaseLocked(ctx, deviceKey, sessionID)
	unlock()
	if err != nil || s == nil {
		return false, err
	}
	m.emit(ctx, EventOffline, s)
	return true, nil
}

func (m *Manager) releaseLocked(ctx context.Context, deviceKey, sessionID string) (*DeviceSession, error) {
	s, err := m.load(ctx, deviceKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if s.SessionID != sessionID {
		m.logger.Debug("skip release of superseded session",
			zap.String("device_key", deviceKey),
			zap.String("client_id", s.ClientID))
		return nil, nil
	}
	if err := m.markOffline(ctx, s); err != nil {
		return nil, err
	}
	if _, err := m.deleteLocked(ctx, deviceKey); err != nil {
		return nil, err
	}
	return s, nil
}

// GetSession returns the session for deviceKey, or nil if there is none.
func (m *Manager) GetSession(ctx context.Context, deviceKey string) (*DeviceSession, error) {
	s, err := m.load(ctx, deviceKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return s, err
}

// GetSessionByClientID resolves clientID through the index and returns the
// session it points to, or nil.
func (m *Manager) GetSessionByClientID(ctx context.Context, clientID string) (*DeviceSession, error) {
	deviceKey, err := m.store.LookupIndex(ctx, clientID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read client index %s: %w", clientID, err)
	}
	s, err := m.GetSession(ctx, deviceKey)
	if err != nil || s == nil {
		return nil, err
	}
	if s.ClientID != clientID {
		return nil, nil
	}
	return s, nil
}

// IsTimedOut reports whether the session is absent or its last heartbeat is
// strictly more than its timeout in the past.
func (m *Manager) IsTimedOut(s *DeviceSession) bool {
	if s == nil {
		return true
	}
	return s.HeartbeatTime.Add(s.Timeout()).Before(m.now())
}

// ReapTimeoutSessions marks every timed-out tracked session OFFLINE and
// deletes it. Sessions that disappear during the sweep and set members whose
// record the store already expired are treated as resolved. It returns the
// number of sessions reaped.
func (m *Manager) ReapTimeoutSessions(ctx context.Context) (int, error) {
	keys, err := m.store.ListAllKeys(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}

	reaped := 0
	var errs []error
	for _, key := range keys {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		s, err := m.reapOne(ctx, key)
		if err != nil {
			m.logger.Warn("failed to reap session", zap.String("device_key", key), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		if s != nil {
			reaped++
			m.emit(ctx, EventOffline, s)
		}
	}
	return reaped, errors.Join(errs...)
}

func (m *Manager) reapOne(ctx context.Context, deviceKey string) (*DeviceSession, error) {
	unlock := m.locks.lock(deviceKey)
	defer unlock()

	s, err := m.load(ctx, deviceKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, m.store.RemoveFromSet(ctx, deviceKey)
	}
	if err != nil {
		return nil, err
	}
	if !m.IsTimedOut(s) {
		return nil, nil
	}
	if s.Status != StatusOffline {
		if err := m.markOffline(ctx, s); err != nil {
			return nil, err
		}
	}
	if _, err := m.deleteLocked(ctx, deviceKey); err != nil {
		return nil, err
	}
	m.logger.Info("reaped timed out session",
		zap.String("device_key", deviceKey),
		zap.Time("heartbeat_time", s.HeartbeatTime))
	return s, nil
}

// Stats counts the tracked sessions by status.
func (m *Manager) Stats(ctx context.Context) (online, offline int, err error) {
	keys, err := m.store.ListAllKeys(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list sessions: %w", err)
	}
	for _, key := range keys {
		s, err := m.GetSession(ctx, key)
		if err != nil {
			return 0, 0, err
		}
		if s == nil {
			continue
		}
		switch s.Status {
		case StatusOnline:
			online++
		case StatusOffline:
			offline++
		}
	}
	return online, offline, nil
}

func (m *Manager) load(ctx context.Context, deviceKey string) (*DeviceSession, error) {
	data, err := m.store.Get(ctx, deviceKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", deviceKey, err)
	}
	var s DeviceSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session %s: %w", deviceKey, err)
	}
	return &s, nil
}

// persist writes the session with a refreshed TTL. The client index entry is
// written when claim is set, or when it is absent or already points at this
// device; an entry owned by another device is left alone.
func (m *Manager) persist(ctx context.Context, s *DeviceSession, claim bool) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	ttl := s.Timeout() + m.config.ReaperInterval
	if err := m.store.Put(ctx, s.DeviceKey, data, ttl); err != nil {
		return fmt.Errorf("failed to save session %s: %w", s.DeviceKey, err)
	}
	if !claim {
		owner, err := m.otherOwner(ctx, s.DeviceKey, s.ClientID)
		if err != nil {
			return err
		}
		if owner != "" {
			m.logger.Debug("client index held by another device",
				zap.String("device_key", s.DeviceKey),
				zap.String("client_id", s.ClientID),
				zap.String("owner", owner))
			return nil
		}
	}
	if err := m.store.PutIndex(ctx, s.ClientID, s.DeviceKey, ttl); err != nil {
		return fmt.Errorf("failed to save client index %s: %w", s.ClientID, err)
	}
	return nil
}

func (m *Manager) emit(ctx context.Context, typ EventType, s *DeviceSession) {
	if m.events == nil {
		return
	}
	m.events.PublishEvent(ctx, Event{
		Type:       typ,
		DeviceKey:  s.DeviceKey,
		ClientID:   s.ClientID,
		SessionID:  s.SessionID,
		Protocol:   s.Protocol,
		RemoteAddr: s.RemoteAddr,
		Time:       m.now(),
	})
}
