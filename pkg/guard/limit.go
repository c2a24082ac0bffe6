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
	"errors"
	"log"

	"github.com/turtacn/wsguard-go/pkg/limiter"
)

// LimitGuard acquires a connection-counter slot for the caller. It runs
// before authentication, so connections without a pre-attached principal
// are counted per IP with the anonymous ceiling. Deployments that resolve a
// session identity upstream may attach the principal to the context before
// the chain runs, in which case the user key and tiered ceiling apply.
type LimitGuard struct {
	counter *limiter.ConnectionCounter
}

// NewLimitGuard creates a LimitGuard.
func NewLimitGuard(counter *limiter.ConnectionCounter) *LimitGuard {
	return &LimitGuard{counter: counter}
}

// Name identifies the guard in logs.
func (g *LimitGuard) Name() string { return "connection_limit" }

// Evaluate acquires a slot and stashes the release on the context. The
// chain driver and the transport's disconnect path both call that release;
// it is idempotent, so the slot is freed exactly once.
func (g *LimitGuard) Evaluate(ctx context.Context, conn *ConnContext) Decision {
	release, err := g.counter.TryAcquire(ctx, conn.CounterKey(), conn.Class())
	if err != nil {
		if errors.Is(err, limiter.ErrLimitExceeded) {
			return Rejected(CloseRateLimited, "connection limit exceeded for "+conn.CounterKey())
		}
		log.Printf("[ERROR] Connection counter unavailable: %v", err)
		return Rejected(CloseInternalError, "connection counter unavailable")
	}
	conn.SetRelease(release)
	return Allowed()
}
