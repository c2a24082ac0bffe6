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

	"github.com/turtacn/wsguard-go/pkg/token"
)

// TokenGuard authenticates the bearer credential extracted from the
// handshake and attaches the resolved principal to the connection context.
// With AnonymousFallback enabled, a missing or invalid token downgrades the
// connection to anonymous instead of rejecting it; the binding guard then
// skips the connection, since there is no credential to bind.
type TokenGuard struct {
	validator         *token.Validator
	anonymousFallback bool
}

// NewTokenGuard creates a TokenGuard.
func NewTokenGuard(validator *token.Validator, anonymousFallback bool) *TokenGuard {
	return &TokenGuard{validator: validator, anonymousFallback: anonymousFallback}
}

// Name identifies the guard in logs.
func (g *TokenGuard) Name() string { return "token" }

// Evaluate validates the credential and resolves the principal.
func (g *TokenGuard) Evaluate(ctx context.Context, conn *ConnContext) Decision {
	if conn.Token == "" {
		if g.anonymousFallback {
			return Allowed()
		}
		return Rejected(CloseAuthenticationFailed, "no credential presented")
	}

	p, err := g.validator.Validate(ctx, conn.Token)
	if err != nil {
		if errors.Is(err, token.ErrAuthentication) {
			if g.anonymousFallback {
				log.Printf("[INFO] Invalid credential from %s, downgrading to anonymous", conn.ClientIP)
				conn.Token = ""
				return Allowed()
			}
			return Rejected(CloseAuthenticationFailed, "authentication failed")
		}
		log.Printf("[ERROR] Token validation fault: %v", err)
		return Rejected(CloseInternalError, "authentication backend unavailable")
	}

	conn.Principal = p
	return Allowed()
}
