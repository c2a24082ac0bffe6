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

// Package groups provides named broadcast groups for WebSocket connections.
// Membership lives in an in-process registry; publishes travel through a
// PubSub so that messages reach group members connected to other processes.
package groups

import (
	"sync"
)

// PubSub is the cross-process broadcast mechanism behind group publishes.
type PubSub interface {
	Publish(channel string, message []byte) error
	Subscribe(channel string, handler func(message []byte)) error
}

// MemoryPubSub is an in-process PubSub for single-node deployments and
// tests. Handlers run asynchronously so a slow subscriber cannot block the
// publisher.
type MemoryPubSub struct {
	mu          sync.RWMutex
	subscribers map[string][]func(message []byte)
}

// NewMemoryPubSub creates an empty in-memory PubSub.
func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{
		subscribers: make(map[string][]func(message []byte)),
	}
}

// Publish delivers message to every handler subscribed to channel.
func (p *MemoryPubSub) Publish(channel string, message []byte) error {
	p.mu.RLock()
	handlers := make([]func(message []byte), len(p.subscribers[channel]))
	copy(handlers, p.subscribers[channel])
	p.mu.RUnlock()

	for _, handler := range handlers {
		go handler(message)
	}
	return nil
}

// Subscribe registers a handler for messages on channel.
func (p *MemoryPubSub) Subscribe(channel string, handler func(message []byte)) error {
	p.mu.Lock()
	p.subscribers[channel] = append(p.subscribers[channel], handler)
	p.mu.Unlock()
	return nil
}
