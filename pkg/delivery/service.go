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

// Package delivery provides at-least-once message delivery over a
// WebSocket connection. Messages are persisted to a shared pending store
// before transmission (write-ahead, so a crash mid-send is recoverable),
// acknowledged by the receiving side, retried with exponential backoff, and
// moved to a dead-letter store once retries are exhausted. Transport
// failures and missed acknowledgments follow the same retry path; nothing
// hard-fails until the retry budget runs out.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/turtacn/wsguard-go/pkg/metrics"
	"github.com/turtacn/wsguard-go/pkg/storage"
)

const (
	pendingKeyPrefix = "wsguard:pending:"
	ackKeyPrefix     = "wsguard:ack:"
	dlqKeyPrefix     = "wsguard:dlq:"
)

// ErrNotFound is returned when a message ID is absent from the queried store.
var ErrNotFound = errors.New("message not found")

// SendFunc transmits one encoded wire frame to the client.
type SendFunc func(frame []byte) error

// Config holds the delivery service's timing parameters.
type Config struct {
	// AckTimeout is the default wait for an acknowledgment per attempt.
	AckTimeout time.Duration
	// PollInterval is how often the waiting sender checks the ack flag.
	PollInterval time.Duration
	// RetryDelays is the fixed backoff schedule; the Nth retry sleeps
	// RetryDelays[min(N, len-1)].
	RetryDelays []time.Duration
	// MaxRetries is the retry budget applied to messages created through
	// the service.
	MaxRetries int
	// AckTTL is the lifetime of the acknowledgment flag.
	AckTTL time.Duration
	// DeadLetterTTL is how long dead-lettered messages are retained.
	DeadLetterTTL time.Duration
	// PendingTTL bounds pending entries as a crash-recovery safety net.
	PendingTTL time.Duration
}

// DefaultConfig returns the default delivery configuration.
func DefaultConfig() *Config {
	return &Config{
		AckTimeout:    30 * time.Second,
		PollInterval:  100 * time.Millisecond,
		RetryDelays:   []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
		MaxRetries:    DefaultMaxRetries,
		AckTTL:        time.Minute,
		DeadLetterTTL: 24 * time.Hour,
		PendingTTL:    24 * time.Hour,
	}
}

// Service implements guaranteed delivery against a shared store, so the
// pending and dead-letter state survives the sending process.
type Service struct {
	store  storage.Store
	config *Config
}

// NewService creates a delivery Service.
func NewService(store storage.Store, config *Config) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	return &Service{store: store, config: config}
}

// NewMessage builds a message carrying the service's configured retry budget.
func (s *Service) NewMessage(payload json.RawMessage, priority int) *Message {
	msg := NewMessage(payload, priority)
	msg.MaxRetries = s.config.MaxRetries
	return msg
}

// SendWithGuarantee transmits msg via sendFn and waits for the client's
// acknowledgment, retrying per the backoff schedule. It returns true once
// acknowledged. It returns false when retries are exhausted; by then the
// message sits in the dead-letter store and no further callbacks occur
// unless the caller explicitly replays it. A timeout of zero uses the
// configured default.
func (s *Service) SendWithGuarantee(ctx context.Context, sendFn SendFunc, msg *Message, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = s.config.AckTimeout
	}
	if msg.ID == "" {
		msg.ID = generateMessageID(msg.Payload)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.Status == "" {
		msg.Status = StatusPending
	}

	frame, err := msg.Encode()
	if err != nil {
		log.Printf("[ERROR] Failed to encode message %s: %v", msg.ID, err)
		return false
	}

	for {
		if err := s.persistPending(ctx, msg); err != nil {
			log.Printf("[ERROR] Failed to persist pending message %s: %v", msg.ID, err)
			return false
		}

		metrics.DeliveryAttemptsTotal.Inc()
		acked := false
		if err := sendFn(frame); err != nil {
			// Transport failures take the same path as a missed ack.
			log.Printf("[DEBUG] Send failed for message %s: %v", msg.ID, err)
		} else {
			acked = s.waitForAck(ctx, msg.ID, timeout)
		}

		if acked {
			msg.Status = StatusAcknowledged
			s.clear(ctx, msg.ID)
			metrics.DeliveryAckedTotal.Inc()
			return true
		}

		if msg.RetryCount >= msg.MaxRetries {
			s.moveToDeadLetter(ctx, msg)
			return false
		}

		msg.RetryCount++
		msg.Status = StatusRetry
		metrics.DeliveryRetriesTotal.Inc()

		delay := s.retryDelay(msg.RetryCount - 1)
		log.Printf("[INFO] Message %s unacknowledged, retry %d/%d in %v",
			msg.ID, msg.RetryCount, msg.MaxRetries, delay)

		select {
		case <-ctx.Done():
			// The caller is gone; leave the message pending for
			// recovery and report failure.
			msg.Status = StatusFailed
			return false
		case <-time.After(delay):
		}
	}
}

// Acknowledge records the client's acknowledgment for a message ID. Called
// by the receiving side's frame router; the waiting sender polls the flag.
func (s *Service) Acknowledge(ctx context.Context, id string) error {
	return s.store.Set(ctx, ackKeyPrefix+id, []byte("1"), s.config.AckTTL)
}

// Pending lists messages currently awaiting acknowledgment. Useful for
// crash recovery and diagnostics.
func (s *Service) Pending(ctx context.Context) ([]*Message, error) {
	return s.list(ctx, pendingKeyPrefix)
}

// DeadLetters lists messages retained in the dead-letter store.
func (s *Service) DeadLetters(ctx context.Context) ([]*Message, error) {
	return s.list(ctx, dlqKeyPrefix)
}

// Replay moves a dead-lettered message back to the pending store with a
// fresh retry budget. The caller is expected to re-send it.
func (s *Service) Replay(ctx context.Context, id string) (*Message, error) {
	value, err := s.store.Get(ctx, dlqKeyPrefix+id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading dead letter %s: %w", id, err)
	}

	msg := &Message{}
	if err := json.Unmarshal(value, msg); err != nil {
		return nil, fmt.Errorf("decoding dead letter %s: %w", id, err)
	}

	msg.RetryCount = 0
	msg.Status = StatusPending
	if err := s.persistPending(ctx, msg); err != nil {
		return nil, err
	}
	if err := s.store.Delete(ctx, dlqKeyPrefix+id); err != nil {
		return nil, fmt.Errorf("removing dead letter %s: %w", id, err)
	}
	log.Printf("[INFO] Replayed dead-lettered message %s", id)
	return msg, nil
}

// waitForAck polls the acknowledgment flag until it appears, the timeout
// elapses, or ctx is canceled.
func (s *Service) waitForAck(ctx context.Context, id string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := s.store.Get(ctx, ackKeyPrefix+id); err == nil {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (s *Service) persistPending(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message %s: %w", msg.ID, err)
	}
	return s.store.Set(ctx, pendingKeyPrefix+msg.ID, data, s.config.PendingTTL)
}

// clear removes a message's pending entry and ack flag after success.
func (s *Service) clear(ctx context.Context, id string) {
	if err := s.store.Delete(ctx, pendingKeyPrefix+id); err != nil {
		log.Printf("[WARN] Failed to remove pending entry %s: %v", id, err)
	}
	if err := s.store.Delete(ctx, ackKeyPrefix+id); err != nil {
		log.Printf("[WARN] Failed to remove ack flag %s: %v", id, err)
	}
}

// moveToDeadLetter retains an exhausted message for manual inspection and
// removes it from the pending store.
func (s *Service) moveToDeadLetter(ctx context.Context, msg *Message) {
	msg.Status = StatusDeadLetter
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[ERROR] Failed to encode dead letter %s: %v", msg.ID, err)
		return
	}
	if err := s.store.Set(ctx, dlqKeyPrefix+msg.ID, data, s.config.DeadLetterTTL); err != nil {
		log.Printf("[ERROR] Failed to store dead letter %s: %v", msg.ID, err)
		return
	}
	if err := s.store.Delete(ctx, pendingKeyPrefix+msg.ID); err != nil {
		log.Printf("[WARN] Failed to remove pending entry %s: %v", msg.ID, err)
	}
	metrics.DeliveryDeadLetteredTotal.Inc()
	log.Printf("[ERROR] Message %s exhausted %d retries, moved to dead letter", msg.ID, msg.RetryCount)
}

// retryDelay returns the backoff for the given zero-based retry index.
func (s *Service) retryDelay(n int) time.Duration {
	delays := s.config.RetryDelays
	if len(delays) == 0 {
		return time.Second
	}
	if n >= len(delays) {
		n = len(delays) - 1
	}
	if n < 0 {
		n = 0
	}
	return delays[n]
}

func (s *Service) list(ctx context.Context, prefix string) ([]*Message, error) {
	keys, err := s.store.Scan(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", prefix, err)
	}

	messages := make([]*Message, 0, len(keys))
	for _, key := range keys {
		value, err := s.store.Get(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			// Expired between scan and read.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", key, err)
		}
		msg := &Message{}
		if err := json.Unmarshal(value, msg); err != nil {
			log.Printf("[WARN] Skipping undecodable entry %s: %v", strings.TrimPrefix(key, prefix), err)
			continue
		}
		messages = append(messages, msg)
	}

	sort.Slice(messages, func(i, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
	return messages, nil
}
