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

// package storage provides the shared session store used by the gateway. A
// store holds one record per connected device with a per-record expiry, a
// secondary index from client identifier to device key, and a set of tracked
// device keys so that the session reaper can enumerate live sessions without a
// full keyspace scan.
package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when a key is not found in the store or has
	// already expired.
	ErrNotFound = errors.New("not found")
	// ErrClosed is returned by a store that has been closed.
	ErrClosed = errors.New("store closed")
)

// Store defines the session store contract.
//
// All operations are idempotent. Delete, DeleteIndex and RemoveFromSet on an
// absent key succeed without error. Every Put and PutIndex refreshes the TTL of
// the record so that an unreachable device is evicted by the store even if no
// reaper ever runs.
type Store interface {
	// Put stores the encoded session under key with the given time to live.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get returns the encoded session, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes the session stored under key.
	Delete(ctx context.Context, key string) error
	// PutIndex maps clientID to key with the given time to live.
	PutIndex(ctx context.Context, clientID, key string, ttl time.Duration) error
	// LookupIndex resolves clientID to a device key, or returns ErrNotFound.
	LookupIndex(ctx context.Context, clientID string) (string, error)
	// DeleteIndex removes the index entry for clientID.
	DeleteIndex(ctx context.Context, clientID string) error
	// AddToSet records key in the set of tracked sessions.
	AddToSet(ctx context.Context, key string) error
	// RemoveFromSet removes key from the set of tracked sessions.
	RemoveFromSet(ctx context.Context, key string) error
	// ListAllKeys returns every tracked key.
	ListAllKeys(ctx context.Context) ([]string, error)
	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
	// Close releases the resources held by the store.
	Close() error
}

type entry struct {
	value    []byte
	expireAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expireAt.IsZero() && !now.Before(e.expireAt)
}

// MemStore is an in-memory implementation of the Store interface.
// Expired records are evicted lazily on read and periodically by the sweeper
// started with StartSweeper. It is safe for concurrent use.
type MemStore struct {
	data    map[string]entry
	index   map[string]entry
	members map[string]struct{}
	now     func() time.Time
	closed  bool
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.RWMutex
}

// NewMemStore creates and returns a new instance of MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		data:    make(map[string]entry),
		index:   make(map[string]entry),
		members: make(map[string]struct{}),
		now:     time.Now,
	}
}

// SetClock replaces the time source. Tests use it to move time forward
// without sleeping.
func (s *MemStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemStore) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

// Put stores value under key, replacing any previous record and its expiry.
func (s *MemStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	buf := make([]byte, len(value))
	copy(buf, value)
	s.data[key] = entry{value: buf, expireAt: s.deadline(ttl)}
	return nil
}

// Get retrieves a value from the in-memory store.
func (s *MemStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	e, ok := s.data[key]
	if !ok || e.expired(s.now()) {
		return nil, ErrNotFound
	}
	buf := make([]byte, len(e.value))
	copy(buf, e.value)
	return buf, nil
}

// Delete removes a value from the in-memory store.
func (s *MemStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.data, key)
	return nil
}

// PutIndex maps clientID to key.
func (s *MemStore) PutIndex(_ context.Context, clientID, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.index[clientID] = entry{value: []byte(key), expireAt: s.deadline(ttl)}
	return nil
}

// LookupIndex resolves clientID to the device key it was indexed under.
func (s *MemStore) LookupIndex(_ context.Context, clientID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", ErrClosed
	}
	e, ok := s.index[clientID]
	if !ok || e.expired(s.now()) {
		return "", ErrNotFound
	}
	return string(e.value), nil
}

// DeleteIndex removes the index entry for clientID.
func (s *MemStore) DeleteIndex(_ context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.index, clientID)
	return nil
}

// AddToSet records key as a tracked session.
func (s *MemStore) AddToSet(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.members[key] = struct{}{}
	return nil
}

// RemoveFromSet stops tracking key.
func (s *MemStore) RemoveFromSet(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.members, key)
	return nil
}

// ListAllKeys returns the tracked keys in lexical order.
func (s *MemStore) ListAllKeys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	keys := make([]string, 0, len(s.members))
	for k := range s.members {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Ping always succeeds on an open MemStore.
func (s *MemStore) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// StartSweeper evicts expired records every interval until Close is called.
// Tracked set members are left alone: like a Redis set, membership carries no
// TTL and is reconciled by the session reaper.
func (s *MemStore) StartSweeper(interval time.Duration) {
	s.mu.Lock()
	if s.stop != nil || s.closed || interval <= 0 {
		s.mu.Unlock()
		return
	}
	s.stop = make(chan struct{})
	stop := s.stop
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweep()
			case <-stop:
				return
			}
		}
	}()
}

func (s *MemStore) sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	evicted := 0
	for k, e := range s.data {
		if e.expired(now) {
			delete(s.data, k)
			evicted++
		}
	}
	for k, e := range s.index {
		if e.expired(now) {
			delete(s.index, k)
		}
	}
	return evicted
}

// Close stops the sweeper and rejects further operations.
func (s *MemStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.stop != nil {
		close(s.stop)
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}
