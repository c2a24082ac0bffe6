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

package presence

// Frame type discriminators for the JSON frames this core produces.
const (
	TypeConnectionEstablished = "connection_established"
	TypeHeartbeat             = "heartbeat"
	TypeHeartbeatAck          = "heartbeat_ack"
	TypeError                 = "error"
)

// ConnectionEstablished is sent once after the guard chain accepts a
// connection, echoing the server's presence configuration so the client can
// schedule its own heartbeats.
type ConnectionEstablished struct {
	Type              string  `json:"type"`
	HeartbeatInterval float64 `json:"heartbeat_interval"`
	PresenceTimeout   float64 `json:"presence_timeout"`
}

// Heartbeat is the server-initiated keepalive frame. Clients reply with a
// heartbeat frame of their own carrying their send timestamp.
type Heartbeat struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// HeartbeatAck answers a client heartbeat. LatencyMS is raw observed
// latency (server receive time minus client send time); clock skew is not
// corrected.
type HeartbeatAck struct {
	Type          string  `json:"type"`
	LatencyMS     int64   `json:"latency_ms"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// ErrorFrame is the generic in-band failure notice. It never carries stack
// traces or internal identifiers.
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
