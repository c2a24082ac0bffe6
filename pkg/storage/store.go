// Copyright 2024 The wsguard-go Authors
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

// package storage provides a generic key-value store interface with TTL
// semantics and an atomic counter primitive. It is the shared store used by
// the connection counter, the token-binding store, the token-validation
// cache, and the delivery service's pending and dead-letter stores. Backends
// must be safe for concurrent access from many connection goroutines, and
// the Redis backend allows that state to be shared across processes.
package storage

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when a key is not found in the store.
	ErrNotFound = errors.New("not found")
)

// Store defines the interface for a shared key-value store with TTL support.
// All operations are single round trips against the backend; callers must
// never implement check-then-act sequences on top of Get/Set where an atomic
// primitive exists (use AtomicIncrement for counters).
type Store interface {
	// Get retrieves a value from the store by its key.
	// If the key is not found or has expired, it returns nil and ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set adds or updates a value in the store. A ttl of zero means the
	// entry does not expire.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes a value from the store by its key. Deleting a missing
	// key is not an error.
	Delete(ctx context.Context, key string) error
	// AtomicIncrement adjusts an integer counter by delta in a single
	// atomic round trip and returns the new value. A missing or expired
	// entry counts as zero. The ttl refreshes the entry's expiry.
	AtomicIncrement(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	// Scan returns all keys with the given prefix. Intended for
	// low-frequency management surfaces (dead-letter inspection), not for
	// hot paths.
	Scan(ctx context.Context, prefix string) ([]string, error)
}

type memEntry struct {
	value  []byte
	expiry time.Time
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expiry.IsZero() && now.After(e.expiry)
}

// MemStore is an in-memory implementation of the Store interface. It uses a
// map guarded by a RWMutex, with per-entry expiry and a background prune
// loop. It is suitable for tests and single-process deployments; horizontally
// scaled deployments should use RedisStore so counters and bindings are
// shared across processes.
type MemStore struct {
	data map[string]memEntry
	mu   sync.RWMutex
	stop chan struct{}
	once sync.Once
}

// NewMemStore creates a new MemStore and starts its prune loop.
func NewMemStore() *MemStore {
	s := &MemStore{
		data: make(map[string]memEntry),
		stop: make(chan struct{}),
	}
	go s.pruneLoop()
	return s
}

// Get retrieves a value from the in-memory store.
func (s *MemStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	entry, ok := s.data[key]
	s.mu.RUnlock()

	if !ok || entry.expired(time.Now()) {
		return nil, ErrNotFound
	}

	// Return a copy to prevent mutation of stored data.
	value := make([]byte, len(entry.value))
	copy(value, entry.value)
	return value, nil
}

// Set adds or updates a value in the in-memory store.
func (s *MemStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	stored := make([]byte, len(value))
	copy(stored, value)

	var expiry time.Time
	if ttl > 0 {
		expiry = time.Now().Add(ttl)
	}

	s.mu.Lock()
	s.data[key] = memEntry{value: stored, expiry: expiry}
	s.mu.Unlock()
	return nil
}

// Delete removes a value from the in-memory store.
func (s *MemStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

// AtomicIncrement adjusts a counter under the store's write lock, which
// makes the read-modify-write atomic with respect to all other callers.
func (s *MemStore) AtomicIncrement(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if entry, ok := s.data[key]; ok && !entry.expired(time.Now()) {
		parsed, err := strconv.ParseInt(string(entry.value), 10, 64)
		if err != nil {
			return 0, errors.New("value is not a counter")
		}
		current = parsed
	}

	current += delta

	var expiry time.Time
	if ttl > 0 {
		expiry = time.Now().Add(ttl)
	}
	s.data[key] = memEntry{value: []byte(strconv.FormatInt(current, 10)), expiry: expiry}
	return current, nil
}

// Scan returns all live keys with the given prefix.
func (s *MemStore) Scan(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	var keys []string
	for key, entry := range s.data {
		if entry.expired(now) {
			continue
		}
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Close stops the background prune loop.
func (s *MemStore) Close() {
	s.once.Do(func() { close(s.stop) })
}

// pruneLoop periodically removes expired entries so abandoned keys do not
// accumulate between reads.
func (s *MemStore) pruneLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for key, entry := range s.data {
				if entry.expired(now) {
					delete(s.data, key)
				}
			}
			s.mu.Unlock()
		}
	}
}
