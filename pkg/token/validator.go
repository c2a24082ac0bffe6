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

// Package token verifies bearer credentials presented during the WebSocket
// handshake and resolves them to principals. Malformed tokens, expired
// tokens, signature failures, and disabled principals are logged as distinct
// cases internally but are indistinguishable to the client, to avoid
// account enumeration.
package token

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/turtacn/wsguard-go/pkg/metrics"
	"github.com/turtacn/wsguard-go/pkg/principal"
	"github.com/turtacn/wsguard-go/pkg/storage"
)

// ErrAuthentication is the single failure returned for every invalid
// credential, whatever the internal reason.
var ErrAuthentication = errors.New("authentication failed")

const cacheKeyPrefix = "wsguard:tokencache:"

// Claims are the JWT claims accepted by the validator. UserID carries the
// principal's numeric ID; when absent, the registered subject is parsed
// instead.
type Claims struct {
	jwt.RegisteredClaims
	UserID int64 `json:"user_id,omitempty"`
}

// Validator verifies HS256-signed bearer tokens and resolves them to
// principals via the directory collaborator. Successful validations are
// cached for a short TTL keyed by a hash prefix of the token, never the raw
// token, so message bursts do not re-verify on every frame.
type Validator struct {
	secret    []byte
	issuer    string
	directory principal.Directory
	cache     storage.Store
	cacheTTL  time.Duration
}

// NewValidator creates a Validator. The cache may be nil to disable caching.
func NewValidator(secret []byte, issuer string, directory principal.Directory, cache storage.Store, cacheTTL time.Duration) *Validator {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &Validator{
		secret:    secret,
		issuer:    issuer,
		directory: directory,
		cache:     cache,
		cacheTTL:  cacheTTL,
	}
}

// KeyHash derives the store key fragment for a token: a short hex prefix of
// its SHA-256 digest. Raw tokens must never be used as store keys or appear
// in logs.
func KeyHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])[:16]
}

// Validate verifies the token's signature and expiry and resolves the
// principal. All failures return ErrAuthentication.
func (v *Validator) Validate(ctx context.Context, tokenString string) (*principal.Principal, error) {
	if tokenString == "" {
		return nil, ErrAuthentication
	}

	keyHash := KeyHash(tokenString)

	if id, ok := v.cachedPrincipalID(ctx, keyHash); ok {
		metrics.TokenCacheHitsTotal.Inc()
		return v.resolvePrincipal(ctx, id, keyHash)
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		// Distinct internal cases, identical external failure.
		switch {
		case errors.Is(err, jwt.ErrTokenMalformed):
			log.Printf("[WARN] Token rejected: malformed (key=%s)", keyHash)
		case errors.Is(err, jwt.ErrTokenExpired):
			log.Printf("[WARN] Token rejected: expired (key=%s)", keyHash)
		default:
			log.Printf("[WARN] Token rejected: signature verification failed (key=%s)", keyHash)
		}
		return nil, ErrAuthentication
	}

	if v.issuer != "" && claims.Issuer != v.issuer {
		log.Printf("[WARN] Token rejected: issuer mismatch (key=%s)", keyHash)
		return nil, ErrAuthentication
	}

	id := claims.UserID
	if id == 0 && claims.Subject != "" {
		id, err = strconv.ParseInt(claims.Subject, 10, 64)
		if err != nil {
			log.Printf("[WARN] Token rejected: non-numeric subject (key=%s)", keyHash)
			return nil, ErrAuthentication
		}
	}
	if id == 0 {
		log.Printf("[WARN] Token rejected: no principal ID claim (key=%s)", keyHash)
		return nil, ErrAuthentication
	}

	p, err := v.resolvePrincipal(ctx, id, keyHash)
	if err != nil {
		return nil, err
	}

	v.cachePrincipalID(ctx, keyHash, id)
	return p, nil
}

// resolvePrincipal looks the principal up and applies the disabled check.
func (v *Validator) resolvePrincipal(ctx context.Context, id int64, keyHash string) (*principal.Principal, error) {
	p, err := v.directory.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, principal.ErrNotFound) {
			log.Printf("[WARN] Token rejected: principal %d not found (key=%s)", id, keyHash)
			return nil, ErrAuthentication
		}
		return nil, fmt.Errorf("principal lookup failed: %w", err)
	}
	if p.Disabled {
		log.Printf("[WARN] Token rejected: principal %d is disabled (key=%s)", id, keyHash)
		return nil, ErrAuthentication
	}
	return p, nil
}

func (v *Validator) cachedPrincipalID(ctx context.Context, keyHash string) (int64, bool) {
	if v.cache == nil {
		return 0, false
	}
	value, err := v.cache.Get(ctx, cacheKeyPrefix+keyHash)
	if err != nil {
		return 0, false
	}
	id, err := strconv.ParseInt(string(value), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func (v *Validator) cachePrincipalID(ctx context.Context, keyHash string, id int64) {
	if v.cache == nil {
		return
	}
	err := v.cache.Set(ctx, cacheKeyPrefix+keyHash, []byte(strconv.FormatInt(id, 10)), v.cacheTTL)
	if err != nil {
		// Cache writes are best effort; validation already succeeded.
		log.Printf("[WARN] Failed to cache token validation (key=%s): %v", keyHash, err)
	}
}

// Issue signs a token for the given principal ID. Used by tests and
// provisioning tools; production tokens normally come from the surrounding
// application's login flow.
func (v *Validator) Issue(principalID int64, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(principalID, 10),
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID: principalID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
