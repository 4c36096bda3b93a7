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

// Package storage persists merged store snapshots in a local Badger
// database so later sessions can skip recomputing state below a boundary
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
)

// ErrNoSnapshot is returned when no persisted snapshot exists for a module
var ErrNoSnapshot = errors.New("storage: no snapshot for module")

// BadgerStore writes one record per (module, boundary) pair. Keys are
// ordered so the latest boundary for a module is a reverse scan away.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
}

// NewBadgerStore opens (or creates) the snapshot database at dir
func NewBadgerStore(dir string, logger *slog.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := badger.DefaultOptions(dir).
		WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", dir, err)
	}
	return &BadgerStore{
		db:     db,
		logger: logger.With("component", "storage"),
	}, nil
}

// Close releases the underlying database
func (b *BadgerStore) Close() error {
	return b.db.Close()
}

// snapshotKey orders records by module then boundary. The fixed-width
// boundary keeps lexicographic and numeric order identical.
func snapshotKey(module string, boundary uint64) []byte {
	return fmt.Appendf(nil, "snapshot/%s/%020d", module, boundary)
}

func snapshotPrefix(module string) []byte {
	return fmt.Appendf(nil, "snapshot/%s/", module)
}

// SaveSnapshot persists one module's merged key space at a boundary. A
// record that already exists is overwritten; merges are idempotent so the
// contents are identical.
func (b *BadgerStore) SaveSnapshot(
	ctx context.Context,
	module string,
	boundary uint64,
	kv map[string][]byte,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := cbor.Marshal(kv)
	if err != nil {
		return fmt.Errorf("storage: encode snapshot %s@%d: %w", module, boundary, err)
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(snapshotKey(module, boundary), payload)
	})
	if err != nil {
		return fmt.Errorf("storage: save snapshot %s@%d: %w", module, boundary, err)
	}
	b.logger.Debug(
		"snapshot saved",
		"module", module,
		"boundary", boundary,
		"keys", len(kv),
		"bytes", len(payload),
	)
	return nil
}

// LoadSnapshot returns the persisted key space for a module at an exact
// boundary
func (b *BadgerStore) LoadSnapshot(
	ctx context.Context,
	module string,
	boundary uint64,
) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var kv map[string][]byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapshotKey(module, boundary))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s@%d", ErrNoSnapshot, module, boundary)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return cbor.Unmarshal(val, &kv)
		})
	})
	if err != nil {
		return nil, err
	}
	return kv, nil
}

// LatestBoundary returns the highest boundary with a persisted snapshot for
// the module at or below the given limit
func (b *BadgerStore) LatestBoundary(
	ctx context.Context,
	module string,
	limit uint64,
) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var found bool
	var boundary uint64
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := snapshotPrefix(module)
		// Reverse iteration starts just past the highest possible boundary
		it.Seek(snapshotKey(module, limit))
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		key := it.Item().Key()
		if _, err := fmt.Sscanf(string(key[len(prefix):]), "%d", &boundary); err != nil {
			return fmt.Errorf("storage: malformed snapshot key %q: %w", key, err)
		}
		found = true
		return nil
	})
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("%w: %s", ErrNoSnapshot, module)
	}
	return boundary, nil
}
