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
	"context"
	"log"

	goredis "github.com/redis/go-redis/v9"
)

// RedisPubSub is a Redis-backed PubSub so group publishes reach members
// connected to other processes sharing the same Redis.
type RedisPubSub struct {
	client *goredis.Client
	ctx    context.Context
	cancel context.CancelFunc
}

// NewRedisPubSub creates a Redis PubSub. Call Close to stop the
// subscription goroutines it spawns.
func NewRedisPubSub(client *goredis.Client) *RedisPubSub {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisPubSub{client: client, ctx: ctx, cancel: cancel}
}

// Publish publishes message to a Redis channel.
func (p *RedisPubSub) Publish(channel string, message []byte) error {
	return p.client.Publish(p.ctx, channel, message).Err()
}

// Subscribe subscribes to a Redis channel and invokes handler for each
// message until Close is called.
func (p *RedisPubSub) Subscribe(channel string, handler func(message []byte)) error {
	sub := p.client.Subscribe(p.ctx, channel)

	// Force the subscription to be established before returning, so a
	// publish immediately after Subscribe is not lost.
	if _, err := sub.Receive(p.ctx); err != nil {
		return err
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-p.ctx.Done():
				if err := sub.Close(); err != nil {
					log.Printf("[WARN] Failed to close subscription on %s: %v", channel, err)
				}
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler([]byte(msg.Payload))
			}
		}
	}()
	return nil
}

// Close stops all subscription goroutines.
func (p *RedisPubSub) Close() {
	p.cancel()
}
