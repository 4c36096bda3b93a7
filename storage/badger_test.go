// Copyright 2025 Blink Labs Software
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

package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	b, err := NewBadgerStore(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, b.Close())
	})
	return b
}

func TestSaveAndLoadSnapshot(t *testing.T) {
	b := newTestStore(t)
	ctx := context.Background()
	kv := map[string][]byte{
		"balances/alice": []byte("100"),
		"balances/bob":   []byte("250"),
	}
	require.NoError(t, b.SaveSnapshot(ctx, "balances", 1000, kv))

	loaded, err := b.LoadSnapshot(ctx, "balances", 1000)
	require.NoError(t, err)
	assert.Equal(t, kv, loaded)

	_, err = b.LoadSnapshot(ctx, "balances", 2000)
	assert.ErrorIs(t, err, ErrNoSnapshot)
	_, err = b.LoadSnapshot(ctx, "other", 1000)
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestSaveSnapshotOverwriteIsIdempotent(t *testing.T) {
	b := newTestStore(t)
	ctx := context.Background()
	kv := map[string][]byte{"k": []byte("v")}
	require.NoError(t, b.SaveSnapshot(ctx, "balances", 100, kv))
	require.NoError(t, b.SaveSnapshot(ctx, "balances", 100, kv))

	loaded, err := b.LoadSnapshot(ctx, "balances", 100)
	require.NoError(t, err)
	assert.Equal(t, kv, loaded)
}

func TestLatestBoundary(t *testing.T) {
	b := newTestStore(t)
	ctx := context.Background()
	for _, boundary := range []uint64{100, 200, 300} {
		require.NoError(t, b.SaveSnapshot(ctx, "balances", boundary, map[string][]byte{
			"k": []byte("v"),
		}))
	}
	// A sibling module must not leak into the scan
	require.NoError(t, b.SaveSnapshot(ctx, "totals", 500, map[string][]byte{
		"k": []byte("v"),
	}))

	latest, err := b.LatestBoundary(ctx, "balances", 1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(300), latest)

	latest, err = b.LatestBoundary(ctx, "balances", 250)
	require.NoError(t, err)
	assert.Equal(t, uint64(200), latest)

	latest, err = b.LatestBoundary(ctx, "balances", 200)
	require.NoError(t, err)
	assert.Equal(t, uint64(200), latest)

	_, err = b.LatestBoundary(ctx, "balances", 50)
	assert.ErrorIs(t, err, ErrNoSnapshot)
	_, err = b.LatestBoundary(ctx, "missing", 1000)
	assert.ErrorIs(t, err, ErrNoSnapshot)
}
