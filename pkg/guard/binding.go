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

	"github.com/turtacn/wsguard-go/pkg/fingerprint"
)

// BindingGuard verifies that the credential is presented from the device
// fingerprint it was first bound to. Anonymous connections pass through:
// without a credential there is nothing to bind.
type BindingGuard struct {
	bindings *fingerprint.BindingStore
}

// NewBindingGuard creates a BindingGuard.
func NewBindingGuard(bindings *fingerprint.BindingStore) *BindingGuard {
	return &BindingGuard{bindings: bindings}
}

// Name identifies the guard in logs.
func (g *BindingGuard) Name() string { return "token_binding" }

// Evaluate derives the connection's fingerprint and checks it against the
// stored binding. Binding mismatches share the origin guard's forbidden
// close code on the wire; the log line disambiguates them.
func (g *BindingGuard) Evaluate(ctx context.Context, conn *ConnContext) Decision {
	conn.Fingerprint = fingerprint.Derive(conn.DeviceID, conn.UserAgent, conn.ClientIP)

	if conn.Token == "" {
		return Allowed()
	}

	ok, err := g.bindings.Validate(ctx, conn.Token, conn.Fingerprint)
	if err != nil {
		log.Printf("[ERROR] Token binding fault: %v", err)
		return Rejected(CloseInternalError, "binding store unavailable")
	}
	if !ok {
		return Rejected(CloseForbidden, "token binding mismatch (fingerprint "+fingerprint.Hash(conn.Fingerprint)+")")
	}
	return Allowed()
}
