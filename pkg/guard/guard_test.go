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

package guard

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/wsguard-go/pkg/fingerprint"
	"github.com/turtacn/wsguard-go/pkg/limiter"
	"github.com/turtacn/wsguard-go/pkg/principal"
	"github.com/turtacn/wsguard-go/pkg/storage"
	"github.com/turtacn/wsguard-go/pkg/token"
)

type testPipeline struct {
	store     *storage.MemStore
	directory *principal.MemDirectory
	validator *token.Validator
	counter   *limiter.ConnectionCounter
	bindings  *fingerprint.BindingStore
}

func newTestPipeline(t *testing.T, limits *limiter.Config, strictBinding bool) *testPipeline {
	t.Helper()
	store := storage.NewMemStore()
	t.Cleanup(store.Close)

	directory := principal.NewMemDirectory()
	require.NoError(t, directory.Add(&principal.Principal{ID: 1, Username: "alice"}))
	require.NoError(t, directory.Add(&principal.Principal{ID: 3, Username: "carol", Staff: true}))

	return &testPipeline{
		store:     store,
		directory: directory,
		validator: token.NewValidator([]byte("test-secret"), "wsguard-test", directory, store, time.Minute),
		counter:   limiter.NewConnectionCounter(store, limits),
		bindings:  fingerprint.NewBindingStore(store, strictBinding, time.Hour),
	}
}

func (p *testPipeline) chain(originConfig *OriginConfig, anonymousFallback bool) *Chain {
	return NewChain(
		NewOriginGuard(originConfig),
		NewLimitGuard(p.counter),
		NewTokenGuard(p.validator, anonymousFallback),
		NewBindingGuard(p.bindings),
	)
}

func browserConn(origin, tok string) *ConnContext {
	return &ConnContext{
		Origin:    origin,
		Token:     tok,
		DeviceID:  "dev1",
		UserAgent: "Mozilla/5.0",
		ClientIP:  "192.168.1.42",
	}
}

func TestMatchOriginWildcard(t *testing.T) {
	testCases := []struct {
		origin  string
		allowed string
		match   bool
	}{
		{"https://app.example.com", "https://*.example.com", true},
		{"https://api.example.com", "https://*.example.com", true},
		{"https://example.com", "https://*.example.com", false},
		{"http://app.example.com", "https://*.example.com", false},
		{"https://app.example.com", "https://app.example.com", true},
		{"https://evil.com", "https://*.example.com", false},
		{"https://app.example.com.evil.com", "https://*.example.com", false},
	}

	for _, tc := range testCases {
		t.Run(tc.origin+" vs "+tc.allowed, func(t *testing.T) {
			assert.Equal(t, tc.match, matchOrigin(tc.origin, tc.allowed))
		})
	}
}

func TestOriginGuardDisabledAllowsEverything(t *testing.T) {
	g := NewOriginGuard(&OriginConfig{Enabled: false})
	decision := g.Evaluate(context.Background(), browserConn("https://evil.com", ""))
	assert.True(t, decision.Allow)
}

func TestOriginGuardMissingHeaderAllowed(t *testing.T) {
	// Mobile clients omit the Origin header; validation enabled and a
	// non-empty allow-list must still accept them.
	g := NewOriginGuard(&OriginConfig{Enabled: true, AllowedOrigins: []string{"https://app.example.com"}})
	decision := g.Evaluate(context.Background(), browserConn("", ""))
	assert.True(t, decision.Allow)
}

func TestOriginGuardRejectsUnknownOrigin(t *testing.T) {
	g := NewOriginGuard(&OriginConfig{Enabled: true, AllowedOrigins: []string{"https://app.example.com"}})
	decision := g.Evaluate(context.Background(), browserConn("https://evil.com", ""))
	assert.False(t, decision.Allow)
	assert.Equal(t, CloseForbidden, decision.CloseCode)
}

func TestChainAcceptsValidConnection(t *testing.T) {
	p := newTestPipeline(t, nil, true)
	ch := p.chain(&OriginConfig{Enabled: true, AllowedOrigins: []string{"https://*.example.com"}}, false)
	ctx := context.Background()

	tok, err := p.validator.Issue(1, time.Minute)
	require.NoError(t, err)

	conn := browserConn("https://app.example.com", tok)
	decision := ch.Evaluate(ctx, conn)
	require.True(t, decision.Allow)

	assert.Equal(t, int64(1), conn.Principal.ID)
	assert.NotEmpty(t, conn.Fingerprint)
	assert.False(t, conn.ConnectedAt.IsZero())
	assert.Equal(t, limiter.ClassAuthenticated, conn.Class())

	n, err := p.counter.Count(ctx, conn.CounterKey())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	conn.Release()
	n, err = p.counter.Count(ctx, conn.CounterKey())
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestChainOriginRejectionDoesNotTouchCounter(t *testing.T) {
	p := newTestPipeline(t, nil, true)
	ch := p.chain(&OriginConfig{Enabled: true, AllowedOrigins: []string{"https://app.example.com"}}, false)
	ctx := context.Background()

	conn := browserConn("https://evil.com", "")
	decision := ch.Evaluate(ctx, conn)
	require.False(t, decision.Allow)
	assert.Equal(t, CloseForbidden, decision.CloseCode)

	n, err := p.counter.Count(ctx, limiter.IPKey(conn.ClientIP))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestChainRejectionAfterAcquireReleasesSlot(t *testing.T) {
	p := newTestPipeline(t, nil, true)
	ch := p.chain(&OriginConfig{}, false)
	ctx := context.Background()

	// No token: the token guard rejects after the limit guard acquired a
	// slot. The chain must release it.
	conn := browserConn("", "")
	decision := ch.Evaluate(ctx, conn)
	require.False(t, decision.Allow)
	assert.Equal(t, CloseAuthenticationFailed, decision.CloseCode)

	n, err := p.counter.Count(ctx, limiter.IPKey(conn.ClientIP))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestChainRateLimitRejection(t *testing.T) {
	limits := limiter.DefaultConfig()
	limits.AnonymousLimit = 2
	p := newTestPipeline(t, limits, true)
	ch := p.chain(&OriginConfig{}, true)
	ctx := context.Background()

	// Two anonymous connections from the same IP are accepted, the third
	// closes with 4429 and the first two remain accounted.
	conn1 := browserConn("", "")
	require.True(t, ch.Evaluate(ctx, conn1).Allow)
	conn2 := browserConn("", "")
	require.True(t, ch.Evaluate(ctx, conn2).Allow)

	conn3 := browserConn("", "")
	decision := ch.Evaluate(ctx, conn3)
	require.False(t, decision.Allow)
	assert.Equal(t, CloseRateLimited, decision.CloseCode)

	n, err := p.counter.Count(ctx, limiter.IPKey("192.168.1.42"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	conn1.Release()
	conn2.Release()
}

func TestChainInvalidTokenRejects(t *testing.T) {
	p := newTestPipeline(t, nil, true)
	ch := p.chain(&OriginConfig{}, false)

	conn := browserConn("", "garbage-token")
	decision := ch.Evaluate(context.Background(), conn)
	require.False(t, decision.Allow)
	assert.Equal(t, CloseAuthenticationFailed, decision.CloseCode)
	assert.Nil(t, conn.Principal)
}

func TestChainAnonymousFallback(t *testing.T) {
	p := newTestPipeline(t, nil, true)
	ch := p.chain(&OriginConfig{}, true)
	ctx := context.Background()

	// An invalid token downgrades to anonymous instead of closing, and the
	// binding guard skips the credential-less connection.
	conn := browserConn("", "garbage-token")
	decision := ch.Evaluate(ctx, conn)
	require.True(t, decision.Allow)
	assert.Nil(t, conn.Principal)
	assert.Equal(t, limiter.ClassAnonymous, conn.Class())
	conn.Release()
}

func TestChainBindingMismatchRejects(t *testing.T) {
	p := newTestPipeline(t, nil, true)
	ch := p.chain(&OriginConfig{}, false)
	ctx := context.Background()

	tok, err := p.validator.Issue(1, time.Minute)
	require.NoError(t, err)

	first := browserConn("", tok)
	require.True(t, ch.Evaluate(ctx, first).Allow)
	first.Release()

	// Same token from a different device.
	second := browserConn("", tok)
	second.DeviceID = "dev2"
	decision := ch.Evaluate(ctx, second)
	require.False(t, decision.Allow)
	assert.Equal(t, CloseForbidden, decision.CloseCode)

	// The rejected connection's slot was released.
	n, err := p.counter.Count(ctx, limiter.UserKey(1))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestChainStaffClassUsesStaffLimit(t *testing.T) {
	limits := limiter.DefaultConfig()
	limits.AuthenticatedLimit = 1
	limits.StaffLimit = 2
	p := newTestPipeline(t, limits, true)
	ch := p.chain(&OriginConfig{}, false)
	ctx := context.Background()

	tok, err := p.validator.Issue(3, time.Minute)
	require.NoError(t, err)

	// Staff principals are counted with the elevated ceiling once the
	// principal is attached before the chain runs.
	conn1 := &ConnContext{Token: tok, DeviceID: "dev1", UserAgent: "ua", ClientIP: "192.168.1.1"}
	conn1.Principal = mustGet(t, p.directory, 3)
	require.True(t, ch.Evaluate(ctx, conn1).Allow)

	conn2 := &ConnContext{Token: tok, DeviceID: "dev1", UserAgent: "ua", ClientIP: "192.168.1.1"}
	conn2.Principal = mustGet(t, p.directory, 3)
	require.True(t, ch.Evaluate(ctx, conn2).Allow)

	conn3 := &ConnContext{Token: tok, DeviceID: "dev1", UserAgent: "ua", ClientIP: "192.168.1.1"}
	conn3.Principal = mustGet(t, p.directory, 3)
	decision := ch.Evaluate(ctx, conn3)
	require.False(t, decision.Allow)
	assert.Equal(t, CloseRateLimited, decision.CloseCode)

	conn1.Release()
	conn2.Release()
}

func mustGet(t *testing.T, d *principal.MemDirectory, id int64) *principal.Principal {
	t.Helper()
	p, err := d.GetByID(context.Background(), id)
	require.NoError(t, err)
	return p
}

func TestConnContextReleaseWithoutAcquire(t *testing.T) {
	conn := &ConnContext{}
	// Must not panic.
	conn.Release()
	conn.Release()
}
