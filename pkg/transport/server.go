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

// Package transport handles the network layer: it upgrades incoming HTTP
// requests to WebSocket connections, runs each handshake through the guard
// chain, and drives the per-connection read loop. Guard rejections happen
// after the upgrade so the client receives a close frame with an
// application close code instead of a bare HTTP error.
package transport

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/turtacn/wsguard-go/pkg/delivery"
	"github.com/turtacn/wsguard-go/pkg/groups"
	"github.com/turtacn/wsguard-go/pkg/guard"
	"github.com/turtacn/wsguard-go/pkg/metrics"
	"github.com/turtacn/wsguard-go/pkg/presence"
	"github.com/turtacn/wsguard-go/pkg/token"
)

// Consumer receives application frames that the transport itself does not
// handle. Heartbeats, acknowledgments and group management frames are
// consumed by the transport; everything else is passed through. OnMessage
// runs on the connection's read loop: no further frames (acknowledgments
// included) are read until it returns.
type Consumer interface {
	OnConnect(s *Session) error
	OnMessage(s *Session, frame []byte)
	OnDisconnect(s *Session)
}

// Session is one accepted connection with its resolved guard state.
type Session struct {
	Conn    *Conn
	Context *guard.ConnContext
	Tracker *presence.Tracker

	delivery *delivery.Service
}

// Deliver sends payload to this session with the at-least-once guarantee.
// It blocks until the client acknowledges or the message dead-letters. The
// acknowledgment arrives on this connection's read loop, so Deliver must not
// be called synchronously from Consumer.OnMessage; dispatch it on its own
// goroutine instead.
func (s *Session) Deliver(ctx context.Context, payload json.RawMessage, priority int) bool {
	msg := s.delivery.NewMessage(payload, priority)
	return s.delivery.SendWithGuarantee(ctx, s.Conn.SendRaw, msg, 0)
}

// Options wires the server's collaborators.
type Options struct {
	Chain             *guard.Chain
	Delivery          *delivery.Service
	Groups            *groups.Manager
	Consumer          Consumer
	WSPath            string
	HeartbeatInterval time.Duration
	PresenceTimeout   time.Duration
}

// Server accepts WebSocket connections and runs one read loop per
// accepted connection.
type Server struct {
	opts       Options
	upgrader   websocket.Upgrader
	httpServer *http.Server
	listener   net.Listener
	wg         sync.WaitGroup
	quit       chan struct{}
	stopOnce   sync.Once

	connMu sync.Mutex
	conns  map[*Conn]struct{}
}

// NewServer creates a transport Server. The upgrader accepts every
// origin: origin policy is enforced by the guard chain after the upgrade,
// so rejected clients get a close frame with a documented code.
func NewServer(opts Options) *Server {
	if opts.WSPath == "" {
		opts.WSPath = "/ws"
	}
	return &Server{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		quit:  make(chan struct{}),
		conns: make(map[*Conn]struct{}),
	}
}

// Start begins listening on addr and serving WebSocket upgrades.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc(s.opts.WSPath, s.handleWS)
	s.httpServer = &http.Server{Handler: mux}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("[ERROR] WebSocket server error: %v", err)
		}
	}()

	log.Printf("[INFO] WebSocket server started, listening on %s%s", addr, s.opts.WSPath)
	return nil
}

// Stop gracefully shuts down the server and waits for every connection
// goroutine. Shutdown does not cover hijacked WebSocket connections, and
// a live client can sit in ReadMessage indefinitely, so every tracked
// connection is force-closed with a going-away frame to unblock its read
// loop before waiting. Idempotent.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)
		if s.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.httpServer.Shutdown(ctx); err != nil {
				log.Printf("[WARN] WebSocket server shutdown: %v", err)
			}
		}
		s.closeLiveConns()
		s.wg.Wait()
		log.Println("[INFO] WebSocket server stopped")
	})
}

// closeLiveConns closes every currently tracked connection.
func (s *Server) closeLiveConns() {
	s.connMu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.connMu.Unlock()

	for _, c := range conns {
		if err := c.Close(websocket.CloseGoingAway, "server shutting down"); err != nil {
			log.Printf("[DEBUG] Closing connection %s on shutdown: %v", c.ID(), err)
		}
	}
}

// trackConn registers an accepted connection for shutdown.
func (s *Server) trackConn(c *Conn) {
	s.connMu.Lock()
	s.conns[c] = struct{}{}
	s.connMu.Unlock()
}

// untrackConn removes a connection once its goroutine exits.
func (s *Server) untrackConn(c *Conn) {
	s.connMu.Lock()
	delete(s.conns, c)
	s.connMu.Unlock()
}

// Addr returns the network address that the server is listening on, or
// nil if it is not listening.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// handleWS upgrades one request and runs its connection to completion.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	connCtx := buildConnContext(r)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WARN] WebSocket upgrade failed for %s: %v", connCtx.ClientIP, err)
		return
	}
	conn := NewConn(ws)
	metrics.ConnectionsTotal.Inc()

	decision := s.opts.Chain.Evaluate(r.Context(), connCtx)
	if !decision.Allow {
		_ = conn.Close(decision.CloseCode, decision.Reason)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.serveConn(conn, connCtx)
	}()
}

// serveConn owns one accepted connection: the presence tracker plus the
// read loop. Every exit path releases the counter slot exactly once.
func (s *Server) serveConn(conn *Conn, connCtx *guard.ConnContext) {
	s.trackConn(conn)
	defer s.untrackConn(conn)

	class := connCtx.Class().String()
	metrics.ConnectionsActive.WithLabelValues(class).Inc()

	tracker := presence.NewTracker(conn, s.opts.HeartbeatInterval, s.opts.PresenceTimeout, class)
	session := &Session{
		Conn:     conn,
		Context:  connCtx,
		Tracker:  tracker,
		delivery: s.opts.Delivery,
	}

	defer func() {
		tracker.Stop()
		if s.opts.Groups != nil {
			s.opts.Groups.LeaveAll(conn)
		}
		connCtx.Release()
		metrics.ConnectionsActive.WithLabelValues(class).Dec()
		if s.opts.Consumer != nil {
			s.opts.Consumer.OnDisconnect(session)
		}
		_ = conn.Close(websocket.CloseNormalClosure, "")
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := tracker.Start(ctx); err != nil {
		log.Printf("[WARN] Failed to start connection %s: %v", conn.ID(), err)
		return
	}

	if s.opts.Consumer != nil {
		if err := s.opts.Consumer.OnConnect(session); err != nil {
			log.Printf("[WARN] Consumer refused connection %s: %v", conn.ID(), err)
			_ = conn.Close(guard.CloseInternalError, "connection refused")
			return
		}
	}

	s.readLoop(ctx, session)
}

// inboundFrame is the common shape of client frames; only the fields
// relevant to the declared type are populated.
type inboundFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	ID        string `json:"id"`
	Group     string `json:"group"`
}

// readLoop consumes client frames until the connection drops or the
// server stops.
func (s *Server) readLoop(ctx context.Context, session *Session) {
	for {
		select {
		case <-s.quit:
			return
		default:
		}

		data, err := session.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[DEBUG] Connection %s read error: %v", session.Conn.ID(), err)
			}
			return
		}
		session.Tracker.Touch()

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			_ = session.Conn.SendJSON(presence.ErrorFrame{
				Type:    presence.TypeError,
				Message: "malformed frame",
			})
			continue
		}

		switch frame.Type {
		case presence.TypeHeartbeat:
			if err := session.Tracker.HandleHeartbeat(frame.Timestamp); err != nil {
				return
			}
		case "ack":
			if frame.ID == "" {
				continue
			}
			if err := s.opts.Delivery.Acknowledge(ctx, frame.ID); err != nil {
				log.Printf("[WARN] Failed to record ack for message %s: %v", frame.ID, err)
			}
		case "join":
			if s.opts.Groups == nil || frame.Group == "" {
				continue
			}
			if err := s.opts.Groups.Join(frame.Group, session.Conn); err != nil {
				log.Printf("[WARN] Connection %s failed to join group %s: %v",
					session.Conn.ID(), frame.Group, err)
			}
		case "leave":
			if s.opts.Groups == nil || frame.Group == "" {
				continue
			}
			s.opts.Groups.Leave(frame.Group, session.Conn)
		default:
			if s.opts.Consumer != nil {
				s.opts.Consumer.OnMessage(session, data)
			}
		}
	}
}

// buildConnContext extracts the handshake inputs the guard chain needs.
func buildConnContext(r *http.Request) *guard.ConnContext {
	return &guard.ConnContext{
		Origin:    r.Header.Get("Origin"),
		Token:     token.Extract(r),
		DeviceID:  deviceID(r),
		UserAgent: r.Header.Get("User-Agent"),
		ClientIP:  clientIP(r),
	}
}

// deviceID reads the client-declared device identifier.
func deviceID(r *http.Request) string {
	if id := r.URL.Query().Get("device_id"); id != "" {
		return id
	}
	return r.Header.Get("X-Device-Id")
}

// clientIP resolves the peer address, honoring the first entry of
// X-Forwarded-For when a proxy sits in front.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
