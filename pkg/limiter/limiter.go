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

// Package limiter enforces per-user and per-IP ceilings on concurrent
// WebSocket connections. Counts live in the shared store so the ceilings
// hold across independent processes; every increment-and-check is a single
// atomic store operation, never a client-side read-then-write.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/turtacn/wsguard-go/pkg/storage"
)

// ErrLimitExceeded is returned by TryAcquire when the caller class ceiling
// is reached. The connection must be closed with code 4429.
var ErrLimitExceeded = errors.New("connection limit exceeded")

const countKeyPrefix = "wsguard:conncount:"

// Class describes the caller tier used to select a connection ceiling.
type Class int

const (
	// ClassAnonymous is an unauthenticated connection, counted per IP.
	ClassAnonymous Class = iota
	// ClassAuthenticated is a regular authenticated principal.
	ClassAuthenticated
	// ClassStaff is an elevated principal.
	ClassStaff
)

// String returns the string representation of a Class.
func (c Class) String() string {
	switch c {
	case ClassAnonymous:
		return "anonymous"
	case ClassAuthenticated:
		return "authenticated"
	case ClassStaff:
		return "staff"
	default:
		return "unknown"
	}
}

// Config holds the per-class connection ceilings and the counter entry TTL.
type Config struct {
	AnonymousLimit     int           `yaml:"anonymous_limit" json:"anonymous_limit"`
	AuthenticatedLimit int           `yaml:"authenticated_limit" json:"authenticated_limit"`
	StaffLimit         int           `yaml:"staff_limit" json:"staff_limit"`
	EntryTTL           time.Duration `yaml:"entry_ttl" json:"entry_ttl"`
}

// DefaultConfig returns the default limiter configuration. The entry TTL is
// a safety net against counters leaked by crashed processes.
func DefaultConfig() *Config {
	return &Config{
		AnonymousLimit:     5,
		AuthenticatedLimit: 20,
		StaffLimit:         100,
		EntryTTL:           time.Hour,
	}
}

// limit returns the ceiling for a class.
func (c *Config) limit(class Class) int {
	switch class {
	case ClassAuthenticated:
		return c.AuthenticatedLimit
	case ClassStaff:
		return c.StaffLimit
	default:
		return c.AnonymousLimit
	}
}

// ConnectionCounter tracks open connections per user or IP against the
// shared store.
type ConnectionCounter struct {
	store  storage.Store
	config *Config
}

// NewConnectionCounter creates a ConnectionCounter.
func NewConnectionCounter(store storage.Store, config *Config) *ConnectionCounter {
	if config == nil {
		config = DefaultConfig()
	}
	return &ConnectionCounter{store: store, config: config}
}

// UserKey builds the counter key for an authenticated principal.
func UserKey(id int64) string {
	return "user:" + strconv.FormatInt(id, 10)
}

// IPKey builds the counter key for an anonymous caller.
func IPKey(addr string) string {
	return "ip:" + addr
}

// TryAcquire atomically increments the counter for key and checks it
// against the class ceiling. On success it returns a release function that
// decrements the counter; the release is idempotent, so every disconnect
// path can call it without risk of double-decrement. On failure the counter
// is left unchanged and ErrLimitExceeded (or a store error) is returned.
func (cc *ConnectionCounter) TryAcquire(ctx context.Context, key string, class Class) (func(), error) {
	limit := cc.config.limit(class)

	n, err := cc.store.AtomicIncrement(ctx, countKeyPrefix+key, 1, cc.config.EntryTTL)
	if err != nil {
		return nil, fmt.Errorf("connection counter increment: %w", err)
	}

	if n > int64(limit) {
		// Undo the optimistic increment so the observed count stays true.
		if _, err := cc.store.AtomicIncrement(ctx, countKeyPrefix+key, -1, cc.config.EntryTTL); err != nil {
			log.Printf("[ERROR] Failed to roll back counter for %s: %v", key, err)
		}
		log.Printf("[WARN] Connection limit reached for %s (%s, limit %d)", key, class, limit)
		return nil, ErrLimitExceeded
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			cc.Release(key)
		})
	}
	return release, nil
}

// Release decrements the counter for key, bounded at zero. Calling it for a
// key that was never acquired, or after the count already reached zero,
// corrects the counter instead of driving it negative. Prefer the release
// function returned by TryAcquire, which additionally guards against double
// release of a single acquisition.
func (cc *ConnectionCounter) Release(key string) {
	// Disconnect paths must not inherit a canceled request context.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n, err := cc.store.AtomicIncrement(ctx, countKeyPrefix+key, -1, cc.config.EntryTTL)
	if err != nil {
		log.Printf("[ERROR] Failed to release connection slot for %s: %v", key, err)
		return
	}
	if n < 0 {
		// Defensive floor: a decrement on a never-acquired or expired key
		// would otherwise leave the counter negative.
		if _, err := cc.store.AtomicIncrement(ctx, countKeyPrefix+key, -n, cc.config.EntryTTL); err != nil {
			log.Printf("[ERROR] Failed to floor counter for %s: %v", key, err)
		}
		log.Printf("[WARN] Connection counter for %s went negative, reset to zero", key)
	}
}

// Count returns the current count for key. Used by tests and diagnostics.
func (cc *ConnectionCounter) Count(ctx context.Context, key string) (int64, error) {
	value, err := cc.store.Get(ctx, countKeyPrefix+key)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(string(value), 10, 64)
}
