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

// Package principal defines the resolved identity of an authenticated
// connection and the directory collaborator used to look identities up.
// Principals are read-only once resolved; the guard chain attaches one to
// the connection context for the connection's lifetime, and nothing in this
// module persists them.
package principal

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound is returned when a principal does not exist in the directory.
var ErrNotFound = errors.New("principal not found")

// Principal is the resolved identity of a connection.
type Principal struct {
	ID       int64  `json:"id"`
	TenantID int64  `json:"tenant_id"`
	Username string `json:"username"`
	Staff    bool   `json:"staff"`
	Disabled bool   `json:"disabled"`
}

// Directory looks up principals by their numeric ID. The production
// implementation is provided by the surrounding application (user store);
// MemDirectory serves tests and single-binary deployments.
type Directory interface {
	// GetByID returns the principal with the given ID, or ErrNotFound.
	GetByID(ctx context.Context, id int64) (*Principal, error)
}

// MemDirectory is an in-memory implementation of Directory.
type MemDirectory struct {
	principals map[int64]*Principal
	mu         sync.RWMutex
}

// NewMemDirectory creates a new empty MemDirectory.
func NewMemDirectory() *MemDirectory {
	return &MemDirectory{
		principals: make(map[int64]*Principal),
	}
}

// Add registers a principal in the directory.
func (d *MemDirectory) Add(p *Principal) error {
	if p == nil || p.ID == 0 {
		return fmt.Errorf("principal must have a non-zero ID")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	stored := *p
	d.principals[p.ID] = &stored
	return nil
}

// Remove deletes a principal from the directory.
func (d *MemDirectory) Remove(id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.principals, id)
}

// GetByID returns a copy of the principal with the given ID.
func (d *MemDirectory) GetByID(_ context.Context, id int64) (*Principal, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.principals[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *p
	return &result, nil
}

// Count returns the number of principals in the directory.
func (d *MemDirectory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.principals)
}
