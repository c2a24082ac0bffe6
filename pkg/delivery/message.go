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

package delivery

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Message delivery statuses.
const (
	StatusPending      = "pending"
	StatusAcknowledged = "acknowledged"
	StatusRetry        = "retry"
	StatusFailed       = "failed"
	StatusDeadLetter   = "dead_letter"
)

// DefaultMaxRetries is the retry budget for messages that do not set one.
const DefaultMaxRetries = 3

// Message is a delivery-tracked payload. It is created when a caller
// requests guaranteed delivery and mutated by the service as retries occur;
// the terminal states are acknowledged (removed) and dead_letter (retained
// for manual inspection).
type Message struct {
	ID         string          `json:"id"`
	Payload    json.RawMessage `json:"payload"`
	Priority   int             `json:"priority"`
	MaxRetries int             `json:"max_retries"`
	RetryCount int             `json:"retry_count"`
	Status     string          `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
}

// NewMessage builds a pending message around a payload. Priority is
// clamped to 0-10.
func NewMessage(payload json.RawMessage, priority int) *Message {
	if priority < 0 {
		priority = 0
	}
	if priority > 10 {
		priority = 10
	}
	return &Message{
		ID:         generateMessageID(payload),
		Payload:    payload,
		Priority:   priority,
		MaxRetries: DefaultMaxRetries,
		Status:     StatusPending,
		CreatedAt:  time.Now(),
	}
}

// generateMessageID derives an identifier from the payload's content hash
// plus a random nonce, so identical payloads sent twice remain distinct.
func generateMessageID(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])[:12] + "-" + uuid.NewString()[:8]
}

// wireFrame is the JSON envelope actually transmitted to the client. The
// client acknowledges by echoing the id in an ack frame.
type wireFrame struct {
	Type     string          `json:"type"`
	ID       string          `json:"id"`
	Priority int             `json:"priority"`
	Payload  json.RawMessage `json:"payload"`
}

// TypeDelivery is the frame discriminator for guaranteed-delivery payloads.
const TypeDelivery = "delivery"

// Encode serializes the message's wire envelope.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(wireFrame{
		Type:     TypeDelivery,
		ID:       m.ID,
		Priority: m.Priority,
		Payload:  m.Payload,
	})
}
