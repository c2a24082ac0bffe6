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

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/wsguard-go/pkg/delivery"
	"github.com/turtacn/wsguard-go/pkg/fingerprint"
	"github.com/turtacn/wsguard-go/pkg/groups"
	"github.com/turtacn/wsguard-go/pkg/guard"
	"github.com/turtacn/wsguard-go/pkg/limiter"
	"github.com/turtacn/wsguard-go/pkg/presence"
	"github.com/turtacn/wsguard-go/pkg/principal"
	"github.com/turtacn/wsguard-go/pkg/storage"
	"github.com/turtacn/wsguard-go/pkg/token"
)

var testSecret = []byte("transport-test-secret")

type testEnv struct {
	server    *Server
	validator *token.Validator
	url       string
}

// startTestServer brings up a full server with all four guards against an
// in-memory store.
func startTestServer(t *testing.T, mutate func(*Options)) *testEnv {
	t.Helper()

	store := storage.NewMemStore()
	t.Cleanup(store.Close)

	directory := principal.NewMemDirectory()
	require.NoError(t, directory.Add(&principal.Principal{ID: 1, TenantID: 1, Username: "alice"}))

	validator := token.NewValidator(testSecret, "wsguard", directory, store, time.Minute)
	counter := limiter.NewConnectionCounter(store, &limiter.Config{
		AnonymousLimit:     2,
		AuthenticatedLimit: 5,
		StaffLimit:         10,
		EntryTTL:           time.Minute,
	})
	bindings := fingerprint.NewBindingStore(store, false, time.Hour)

	chain := guard.NewChain(
		guard.NewOriginGuard(&guard.OriginConfig{
			Enabled:        true,
			AllowedOrigins: []string{"https://app.example.com"},
		}),
		guard.NewLimitGuard(counter),
		guard.NewTokenGuard(validator, true),
		guard.NewBindingGuard(bindings),
	)

	opts := Options{
		Chain: chain,
		Delivery: delivery.NewService(store, &delivery.Config{
			AckTimeout:    200 * time.Millisecond,
			PollInterval:  10 * time.Millisecond,
			RetryDelays:   []time.Duration{20 * time.Millisecond},
			MaxRetries:    3,
			AckTTL:        time.Minute,
			DeadLetterTTL: time.Hour,
			PendingTTL:    time.Hour,
		}),
		Groups:            groups.NewManager(groups.NewMemoryPubSub()),
		HeartbeatInterval: time.Second,
		PresenceTimeout:   5 * time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}

	server := NewServer(opts)
	require.NoError(t, server.Start("127.0.0.1:0"))
	t.Cleanup(server.Stop)

	return &testEnv{
		server:    server,
		validator: validator,
		url:       fmt.Sprintf("ws://%s/ws", server.Addr()),
	}
}

func dial(t *testing.T, url string, header http.Header) (*websocket.Conn, error) {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return ws, err
}

// readFrame decodes the next frame into a generic map.
func readFrame(t *testing.T, ws *websocket.Conn) map[string]interface{} {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame map[string]interface{}
	require.NoError(t, ws.ReadJSON(&frame))
	return frame
}

func allowedHeader() http.Header {
	h := http.Header{}
	h.Set("Origin", "https://app.example.com")
	h.Set("User-Agent", "test-agent")
	return h
}

func TestConnectionEstablishedOnAccept(t *testing.T) {
	env := startTestServer(t, nil)

	ws, err := dial(t, env.url, allowedHeader())
	require.NoError(t, err)
	defer ws.Close()

	frame := readFrame(t, ws)
	assert.Equal(t, presence.TypeConnectionEstablished, frame["type"])
	assert.Equal(t, float64(1), frame["heartbeat_interval"])
	assert.Equal(t, float64(5), frame["presence_timeout"])
}

func TestForbiddenOriginClosedWithCode(t *testing.T) {
	env := startTestServer(t, nil)

	h := allowedHeader()
	h.Set("Origin", "https://evil.example.net")
	ws, err := dial(t, env.url, h)
	// The upgrade itself succeeds; the guard chain then closes with 4403.
	require.NoError(t, err)
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = ws.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected close error, got %v", err)
	assert.Equal(t, guard.CloseForbidden, closeErr.Code)
}

func TestInvalidTokenFallsBackToAnonymous(t *testing.T) {
	env := startTestServer(t, nil)

	ws, err := dial(t, env.url+"?token=not-a-jwt", allowedHeader())
	require.NoError(t, err)
	defer ws.Close()

	frame := readFrame(t, ws)
	assert.Equal(t, presence.TypeConnectionEstablished, frame["type"])
}

func TestAnonymousLimitEnforcedAcrossConnections(t *testing.T) {
	env := startTestServer(t, nil)

	// The test limit allows two anonymous connections per IP.
	first, err := dial(t, env.url, allowedHeader())
	require.NoError(t, err)
	defer first.Close()
	readFrame(t, first)

	second, err := dial(t, env.url, allowedHeader())
	require.NoError(t, err)
	defer second.Close()
	readFrame(t, second)

	third, err := dial(t, env.url, allowedHeader())
	require.NoError(t, err)
	defer third.Close()
	third.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = third.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected close error, got %v", err)
	assert.Equal(t, guard.CloseRateLimited, closeErr.Code)
}

func TestHeartbeatRoundTrip(t *testing.T) {
	env := startTestServer(t, nil)

	ws, err := dial(t, env.url, allowedHeader())
	require.NoError(t, err)
	defer ws.Close()
	readFrame(t, ws)

	sent := time.Now().UnixMilli()
	require.NoError(t, ws.WriteJSON(map[string]interface{}{
		"type":      presence.TypeHeartbeat,
		"timestamp": sent,
	}))

	// Skip server-initiated heartbeats until the ack arrives.
	for {
		frame := readFrame(t, ws)
		if frame["type"] == presence.TypeHeartbeatAck {
			assert.GreaterOrEqual(t, frame["latency_ms"], float64(0))
			return
		}
	}
}

// captureConsumer hands the session to the test on the first application
// frame.
type captureConsumer struct {
	sessions chan *Session
}

func (c *captureConsumer) OnConnect(*Session) error { return nil }

func (c *captureConsumer) OnMessage(s *Session, _ []byte) {
	select {
	case c.sessions <- s:
	default:
	}
}

func (c *captureConsumer) OnDisconnect(*Session) {}

func TestGuaranteedDeliveryAckRoundTrip(t *testing.T) {
	consumer := &captureConsumer{sessions: make(chan *Session, 1)}
	env := startTestServer(t, func(o *Options) { o.Consumer = consumer })

	ws, err := dial(t, env.url, allowedHeader())
	require.NoError(t, err)
	defer ws.Close()
	readFrame(t, ws)

	// Any unrecognized frame reaches the consumer with the session.
	require.NoError(t, ws.WriteJSON(map[string]string{"type": "hello"}))
	var session *Session
	select {
	case session = <-consumer.sessions:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer never saw the session")
	}

	// The client acks every delivery frame; Deliver blocks until then.
	go func() {
		for {
			var frame map[string]interface{}
			ws.SetReadDeadline(time.Now().Add(2 * time.Second))
			if err := ws.ReadJSON(&frame); err != nil {
				return
			}
			if frame["type"] == delivery.TypeDelivery {
				id, _ := frame["id"].(string)
				_ = ws.WriteJSON(map[string]string{"type": "ack", "id": id})
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	assert.True(t, session.Deliver(ctx, json.RawMessage(`{"event":"order_update"}`), 5))
}

func TestJoinGroupAndReceiveBroadcast(t *testing.T) {
	env := startTestServer(t, nil)

	ws, err := dial(t, env.url, allowedHeader())
	require.NoError(t, err)
	defer ws.Close()
	readFrame(t, ws)

	require.NoError(t, ws.WriteJSON(map[string]string{"type": "join", "group": "room:7"}))

	// Wait for the membership to register before publishing.
	require.Eventually(t, func() bool {
		return env.server.opts.Groups.Members("room:7") == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, env.server.opts.Groups.Publish("room:7", json.RawMessage(`{"text":"hi"}`)))

	for {
		frame := readFrame(t, ws)
		if frame["type"] == groups.TypeGroupMessage {
			assert.Equal(t, "room:7", frame["group"])
			return
		}
	}
}

func TestStopReturnsWithClientConnected(t *testing.T) {
	env := startTestServer(t, nil)

	ws, err := dial(t, env.url, allowedHeader())
	require.NoError(t, err)
	defer ws.Close()
	readFrame(t, ws)

	done := make(chan struct{})
	go func() {
		env.server.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return while a client was connected")
	}

	// The client is told the server is going away rather than being
	// dropped mid-conversation.
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = ws.ReadMessage()
	if closeErr, ok := err.(*websocket.CloseError); ok {
		assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
	}
}

func TestMalformedFrameGetsErrorNotDisconnect(t *testing.T) {
	env := startTestServer(t, nil)

	ws, err := dial(t, env.url, allowedHeader())
	require.NoError(t, err)
	defer ws.Close()
	readFrame(t, ws)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{not json")))

	frame := readFrame(t, ws)
	assert.Equal(t, presence.TypeError, frame["type"])
}
