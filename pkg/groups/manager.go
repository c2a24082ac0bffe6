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

package groups

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
)

// channelPrefix namespaces group traffic on the shared PubSub.
const channelPrefix = "wsguard:group:"

// TypeGroupMessage is the frame discriminator for group broadcasts.
const TypeGroupMessage = "group_message"

// Frame is the JSON envelope delivered to each group member.
type Frame struct {
	Type    string          `json:"type"`
	Group   string          `json:"group"`
	Payload json.RawMessage `json:"payload"`
}

// Member is a connection that can receive group broadcasts. The ID must be
// stable for the connection's lifetime so membership can be revoked.
type Member interface {
	ID() string
	SendJSON(v interface{}) error
}

// Manager tracks which local connections belong to which groups and fans
// published messages out to them. Cross-process delivery goes through the
// PubSub: every Manager subscribes to a group's channel the first time a
// local member joins it.
type Manager struct {
	pubsub PubSub

	mu         sync.RWMutex
	members    map[string]map[string]Member // group -> member ID -> member
	subscribed map[string]bool
}

// NewManager creates a Manager on top of the given PubSub.
func NewManager(pubsub PubSub) *Manager {
	return &Manager{
		pubsub:     pubsub,
		members:    make(map[string]map[string]Member),
		subscribed: make(map[string]bool),
	}
}

// Join adds member to a group, subscribing this process to the group's
// channel on first use.
func (m *Manager) Join(group string, member Member) error {
	m.mu.Lock()
	if m.members[group] == nil {
		m.members[group] = make(map[string]Member)
	}
	m.members[group][member.ID()] = member
	needSubscribe := !m.subscribed[group]
	if needSubscribe {
		m.subscribed[group] = true
	}
	m.mu.Unlock()

	if needSubscribe {
		if err := m.pubsub.Subscribe(channelPrefix+group, func(message []byte) {
			m.deliverLocal(group, message)
		}); err != nil {
			m.mu.Lock()
			m.subscribed[group] = false
			m.mu.Unlock()
			return fmt.Errorf("subscribing to group %s: %w", group, err)
		}
	}

	log.Printf("[DEBUG] Member %s joined group %s", member.ID(), group)
	return nil
}

// Leave removes member from a group. Membership in other groups is
// unaffected.
func (m *Manager) Leave(group string, member Member) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if groupMembers, ok := m.members[group]; ok {
		delete(groupMembers, member.ID())
		if len(groupMembers) == 0 {
			delete(m.members, group)
		}
	}
}

// LeaveAll removes member from every group it belongs to. Called on
// disconnect.
func (m *Manager) LeaveAll(member Member) {
	id := member.ID()
	m.mu.Lock()
	defer m.mu.Unlock()
	for group, groupMembers := range m.members {
		if _, ok := groupMembers[id]; ok {
			delete(groupMembers, id)
			if len(groupMembers) == 0 {
				delete(m.members, group)
			}
		}
	}
}

// Publish broadcasts payload to every member of a group, across all
// processes sharing the PubSub.
func (m *Manager) Publish(group string, payload json.RawMessage) error {
	frame, err := json.Marshal(Frame{
		Type:    TypeGroupMessage,
		Group:   group,
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("encoding group frame: %w", err)
	}
	return m.pubsub.Publish(channelPrefix+group, frame)
}

// Members returns the number of local members in a group.
func (m *Manager) Members(group string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.members[group])
}

// deliverLocal sends a raw frame to every local member of a group. A
// failed send skips that member; the connection's own lifecycle handles
// the teardown.
func (m *Manager) deliverLocal(group string, frame []byte) {
	var decoded Frame
	if err := json.Unmarshal(frame, &decoded); err != nil {
		log.Printf("[WARN] Dropping undecodable frame for group %s: %v", group, err)
		return
	}

	m.mu.RLock()
	recipients := make([]Member, 0, len(m.members[group]))
	for _, member := range m.members[group] {
		recipients = append(recipients, member)
	}
	m.mu.RUnlock()

	for _, member := range recipients {
		if err := member.SendJSON(decoded); err != nil {
			log.Printf("[WARN] Failed to deliver group %s frame to member %s: %v",
				group, member.ID(), err)
		}
	}
}
