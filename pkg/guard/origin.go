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
	"log"
	"strings"

	"github.com/turtacn/wsguard-go/pkg/metrics"
)

// OriginConfig configures the origin guard.
type OriginConfig struct {
	// Enabled turns origin validation on. When false every origin passes.
	Enabled bool `yaml:"enabled" json:"enabled"`
	// AllowedOrigins lists exact origins and wildcard entries of the form
	// "scheme://*.suffix".
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
}

// OriginGuard validates the declared Origin header against an allow-list.
// Handshakes without an Origin header are allowed (mobile and other
// non-browser clients legitimately omit it) but counted for monitoring.
type OriginGuard struct {
	config *OriginConfig
}

// NewOriginGuard creates an OriginGuard.
func NewOriginGuard(config *OriginConfig) *OriginGuard {
	if config == nil {
		config = &OriginConfig{}
	}
	return &OriginGuard{config: config}
}

// Name identifies the guard in logs.
func (g *OriginGuard) Name() string { return "origin" }

// Evaluate checks the connection's declared origin.
func (g *OriginGuard) Evaluate(_ context.Context, conn *ConnContext) Decision {
	if !g.config.Enabled {
		return Allowed()
	}

	if conn.Origin == "" {
		metrics.MissingOriginTotal.Inc()
		log.Printf("[DEBUG] Handshake from %s has no Origin header, allowing (non-browser client)", conn.ClientIP)
		return Allowed()
	}

	for _, allowed := range g.config.AllowedOrigins {
		if matchOrigin(conn.Origin, allowed) {
			return Allowed()
		}
	}

	return Rejected(CloseForbidden, "origin not allowed: "+conn.Origin)
}

// matchOrigin compares an origin against one allow-list entry. Entries of
// the form "scheme://*.suffix" match any origin with the same scheme whose
// host ends with ".suffix"; the bare suffix itself does not match.
func matchOrigin(origin, allowed string) bool {
	if origin == allowed {
		return true
	}

	idx := strings.Index(allowed, "://*.")
	if idx < 0 {
		return false
	}
	scheme := allowed[:idx]
	suffix := allowed[idx+len("://*"):] // keeps the leading dot
	return strings.HasPrefix(origin, scheme+"://") && strings.HasSuffix(origin, suffix)
}
