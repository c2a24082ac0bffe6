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

// Package guard implements the ordered connection-security pipeline run on
// every WebSocket handshake: origin validation, connection-rate limiting,
// token authentication, and token-binding verification. Each guard returns
// a Decision rather than raising an error, and the chain driver stops at
// the first rejection, translating it into one of the documented close
// codes. The cheapest, least-trusted checks run first.
package guard

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/turtacn/wsguard-go/pkg/limiter"
	"github.com/turtacn/wsguard-go/pkg/metrics"
	"github.com/turtacn/wsguard-go/pkg/principal"
)

// Close codes sent to clients on rejection. These live in the private
// 4400-4499 range and are a wire contract with client SDKs.
const (
	// CloseAuthenticationFailed is sent when the bearer credential is
	// missing or invalid.
	CloseAuthenticationFailed = 4401
	// CloseForbidden is sent for origin rejections and token-binding
	// mismatches. The two cases share a wire code but are distinguished
	// in logs.
	CloseForbidden = 4403
	// ClosePresenceTimeout is sent when a connection goes stale.
	ClosePresenceTimeout = 4408
	// CloseRateLimited is sent when the connection ceiling is reached.
	CloseRateLimited = 4429
	// CloseInternalError is the standard code for unexpected faults
	// (store unreachable); it is not part of the 44xx contract.
	CloseInternalError = 1011
)

// Decision is the outcome of a single guard evaluation. Expected rejections
// are values, not errors; errors are reserved for unexpected faults and are
// folded into a CloseInternalError decision by the guards themselves.
type Decision struct {
	Allow     bool
	CloseCode int
	Reason    string
}

// Allowed is the decision every passing guard returns.
func Allowed() Decision {
	return Decision{Allow: true}
}

// Rejected builds a terminal decision with the given close code.
func Rejected(code int, reason string) Decision {
	return Decision{CloseCode: code, Reason: reason}
}

// Guard is a single pass/reject check in the chain.
type Guard interface {
	// Name identifies the guard in logs.
	Name() string
	// Evaluate inspects the connection context and decides whether the
	// connection may proceed. Guards may mutate the context (attach the
	// principal, stash the limiter release).
	Evaluate(ctx context.Context, conn *ConnContext) Decision
}

// ConnContext carries the handshake inputs through the chain and
// accumulates the resolved state. It is owned exclusively by one
// connection's goroutine and never shared.
type ConnContext struct {
	// Handshake inputs.
	Origin    string
	Token     string
	DeviceID  string
	UserAgent string
	ClientIP  string

	// Resolved by the chain.
	Principal   *principal.Principal
	Fingerprint string
	ConnectedAt time.Time

	release func()
}

// Class returns the caller tier for the current authentication state.
func (c *ConnContext) Class() limiter.Class {
	switch {
	case c.Principal == nil:
		return limiter.ClassAnonymous
	case c.Principal.Staff:
		return limiter.ClassStaff
	default:
		return limiter.ClassAuthenticated
	}
}

// CounterKey returns the connection-counter key for this context:
// "user:<id>" when a principal is attached, "ip:<addr>" otherwise.
func (c *ConnContext) CounterKey() string {
	if c.Principal != nil {
		return limiter.UserKey(c.Principal.ID)
	}
	return limiter.IPKey(c.ClientIP)
}

// SetRelease stores the limiter release for this connection. The stored
// function is expected to be idempotent (TryAcquire returns one).
func (c *ConnContext) SetRelease(release func()) {
	c.release = release
}

// Release frees the connection-counter slot. Safe to call multiple times
// and before any slot was acquired.
func (c *ConnContext) Release() {
	if c.release != nil {
		c.release()
	}
}

// Chain is the fixed, ordered list of guards composed by a driver loop.
type Chain struct {
	guards []Guard
}

// NewChain creates a chain that evaluates the given guards in order.
func NewChain(guards ...Guard) *Chain {
	return &Chain{guards: guards}
}

// Evaluate runs every guard in order and returns the first rejection, or an
// allowing decision when all pass. The stages for one connection are
// strictly sequential; a rejection after the rate-limit stage releases the
// acquired counter slot before returning, so rejected handshakes never leak
// slots.
func (ch *Chain) Evaluate(ctx context.Context, conn *ConnContext) Decision {
	for _, g := range ch.guards {
		decision := g.Evaluate(ctx, conn)
		if !decision.Allow {
			log.Printf("[WARN] Guard %s rejected connection from %s: %s (code %d)",
				g.Name(), conn.ClientIP, decision.Reason, decision.CloseCode)
			metrics.ConnectionsRejectedTotal.WithLabelValues(strconv.Itoa(decision.CloseCode)).Inc()
			conn.Release()
			return decision
		}
	}
	conn.ConnectedAt = time.Now()
	return Allowed()
}
