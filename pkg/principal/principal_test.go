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

package principal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemDirectory(t *testing.T) {
	d := NewMemDirectory()
	ctx := context.Background()

	_, err := d.GetByID(ctx, 42)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, d.Add(&Principal{ID: 42, TenantID: 7, Username: "alice", Staff: true}))
	assert.Equal(t, 1, d.Count())

	p, err := d.GetByID(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Username)
	assert.True(t, p.Staff)

	// Mutating the returned copy must not affect the directory.
	p.Username = "mallory"
	p2, err := d.GetByID(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "alice", p2.Username)

	d.Remove(42)
	_, err = d.GetByID(ctx, 42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemDirectoryRejectsZeroID(t *testing.T) {
	d := NewMemDirectory()
	assert.Error(t, d.Add(&Principal{}))
	assert.Error(t, d.Add(nil))
}
