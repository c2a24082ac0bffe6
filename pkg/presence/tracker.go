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

// Package presence tracks the liveness of one WebSocket connection via a
// per-connection heartbeat loop. The tracker is owned exclusively by its
// connection's goroutines and holds no shared state; the heartbeat ticker
// is the connection's second task alongside its read loop.
package presence

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/turtacn/wsguard-go/pkg/metrics"
)

const (
	// DefaultHeartbeatInterval is the period of server-initiated
	// heartbeat frames.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultTimeout is how long a connection may stay silent before it
	// is considered stale.
	DefaultTimeout = 300 * time.Second
)

// Sender is the slice of the connection the tracker needs: frame output
// and the ability to close with a code.
type Sender interface {
	SendJSON(v interface{}) error
	Close(code int, reason string) error
}

// ClosePresenceTimeout is the close code for stale connections.
const ClosePresenceTimeout = 4408

// Tracker runs the heartbeat loop for a single connection and records its
// lifetime on close. A stale connection is an expected disconnect path, not
// an error: it closes with the presence-timeout code and is logged at
// warning level.
type Tracker struct {
	conn     Sender
	interval time.Duration
	timeout  time.Duration
	class    string

	started      time.Time
	lastActivity atomic.Int64 // unix nanos
	messageCount atomic.Int64

	cancel   context.CancelFunc
	stopOnce sync.Once
	done     chan struct{}
}

// NewTracker creates a tracker for one connection. class labels the
// recorded metrics (anonymous/authenticated/staff).
func NewTracker(conn Sender, interval, timeout time.Duration, class string) *Tracker {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Tracker{
		conn:     conn,
		interval: interval,
		timeout:  timeout,
		class:    class,
		done:     make(chan struct{}),
	}
}

// Start sends the connection-established acknowledgment and launches the
// heartbeat loop. The loop stops when ctx is canceled or Stop is called.
func (t *Tracker) Start(ctx context.Context) error {
	t.started = time.Now()
	t.lastActivity.Store(t.started.UnixNano())

	established := ConnectionEstablished{
		Type:              TypeConnectionEstablished,
		HeartbeatInterval: t.interval.Seconds(),
		PresenceTimeout:   t.timeout.Seconds(),
	}
	if err := t.conn.SendJSON(established); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	go t.loop(loopCtx)
	return nil
}

// loop drives the per-connection heartbeat timer.
func (t *Tracker) loop(ctx context.Context) {
	defer close(t.done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idle := time.Since(t.LastActivity())
			if idle > t.timeout {
				log.Printf("[WARN] Connection stale after %.0fs of silence, closing", idle.Seconds())
				metrics.StaleConnectionsTotal.Inc()
				_ = t.conn.Close(ClosePresenceTimeout, "presence timeout")
				return
			}
			hb := Heartbeat{Type: TypeHeartbeat, Timestamp: time.Now().UnixMilli()}
			if err := t.conn.SendJSON(hb); err != nil {
				// The read loop will observe the broken connection and
				// run the disconnect path.
				log.Printf("[DEBUG] Heartbeat send failed: %v", err)
				return
			}
			metrics.HeartbeatsSentTotal.Inc()
		}
	}
}

// Touch records activity on the connection. Called for every inbound frame.
func (t *Tracker) Touch() {
	t.lastActivity.Store(time.Now().UnixNano())
	t.messageCount.Add(1)
}

// HandleHeartbeat answers a client heartbeat carrying the client's send
// timestamp in milliseconds. The computed latency is raw observed latency.
func (t *Tracker) HandleHeartbeat(clientTimestampMS int64) error {
	t.Touch()
	ack := HeartbeatAck{
		Type:          TypeHeartbeatAck,
		LatencyMS:     time.Now().UnixMilli() - clientTimestampMS,
		UptimeSeconds: time.Since(t.started).Seconds(),
	}
	return t.conn.SendJSON(ack)
}

// LastActivity returns the time of the last observed inbound activity.
func (t *Tracker) LastActivity() time.Time {
	return time.Unix(0, t.lastActivity.Load())
}

// MessageCount returns the number of inbound frames observed.
func (t *Tracker) MessageCount() int64 {
	return t.messageCount.Load()
}

// Uptime returns how long the connection has been established.
func (t *Tracker) Uptime() time.Duration {
	return time.Since(t.started)
}

// Stop cancels the heartbeat loop and records the connection's duration
// and class. Idempotent; every disconnect path may call it.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() {
		if t.cancel != nil {
			t.cancel()
			<-t.done
		}
		duration := time.Since(t.started)
		metrics.ConnectionDurationSeconds.WithLabelValues(t.class).Observe(duration.Seconds())
		log.Printf("[INFO] Connection closed after %.1fs (%s, %d messages)",
			duration.Seconds(), t.class, t.messageCount.Load())
	})
}
