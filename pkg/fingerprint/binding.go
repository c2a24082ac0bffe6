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

package fingerprint

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/turtacn/wsguard-go/pkg/storage"
	"github.com/turtacn/wsguard-go/pkg/token"
)

const bindingKeyPrefix = "wsguard:binding:"

// DefaultBindingTTL is how long a token stays bound to its first-observed
// fingerprint.
const DefaultBindingTTL = time.Hour

// BindingStore associates each token with the fingerprint that first used
// it. The store key is a hash prefix of the token; the raw token is never
// persisted. Bindings expire after the configured TTL and are shared across
// processes when backed by a shared store.
type BindingStore struct {
	store  storage.Store
	strict bool
	ttl    time.Duration
}

// NewBindingStore creates a BindingStore. In strict mode any fingerprint
// change rejects the connection; in non-strict mode only IP-subnet drift is
// tolerated, and the device ID and user-agent hash must still match.
func NewBindingStore(store storage.Store, strict bool, ttl time.Duration) *BindingStore {
	if ttl <= 0 {
		ttl = DefaultBindingTTL
	}
	return &BindingStore{store: store, strict: strict, ttl: ttl}
}

// Validate checks the fingerprint presented with a token against the bound
// one. The first observation of a token binds it and is always allowed.
// A returned error indicates a store fault, not a mismatch.
func (b *BindingStore) Validate(ctx context.Context, tokenString, fp string) (bool, error) {
	key := bindingKeyPrefix + token.KeyHash(tokenString)

	bound, err := b.store.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		if err := b.store.Set(ctx, key, []byte(fp), b.ttl); err != nil {
			return false, fmt.Errorf("storing token binding: %w", err)
		}
		log.Printf("[DEBUG] Token bound to fingerprint %s (key=%s)", Hash(fp), token.KeyHash(tokenString))
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading token binding: %w", err)
	}

	if string(bound) == fp {
		return true, nil
	}

	if b.strict {
		log.Printf("[WARN] Token binding mismatch (strict): bound=%s presented=%s (key=%s)",
			Hash(string(bound)), Hash(fp), token.KeyHash(tokenString))
		return false, nil
	}

	// Non-strict mode tolerates IP drift only: the device ID and
	// user-agent hash must match exactly.
	boundDevice, boundUA, _, okBound := components(string(bound))
	device, ua, _, okPresented := components(fp)
	if okBound && okPresented && boundDevice == device && boundUA == ua {
		log.Printf("[INFO] Token binding allowed IP drift for device %s (key=%s)",
			hashComponent(device, 8), token.KeyHash(tokenString))
		return true, nil
	}

	log.Printf("[WARN] Token binding mismatch (non-strict): bound=%s presented=%s (key=%s)",
		Hash(string(bound)), Hash(fp), token.KeyHash(tokenString))
	return false, nil
}

// Unbind removes the binding for a token. Intended for logout flows.
func (b *BindingStore) Unbind(ctx context.Context, tokenString string) error {
	return b.store.Delete(ctx, bindingKeyPrefix+token.KeyHash(tokenString))
}
