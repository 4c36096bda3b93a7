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

package store

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrOutOfOrderDelta        = errors.New("store: out-of-order delta ordinal")
	ErrSnapshotNotReady       = errors.New("store: read above merge watermark")
	ErrMergeBoundaryMismatch  = errors.New("store: merge boundary below watermark was never merged")
	ErrInvalidDeltaOperation  = errors.New("store: invalid delta operation")
	ErrInvalidSaveInterval    = errors.New("store: save interval must be greater than zero")
	ErrForkBelowWatermark     = errors.New("store: fork point below merge watermark")
)

// Stats is a point-in-time sample of a store's cumulative counters. All
// counts are monotonically non-decreasing for the life of the store.
type Stats struct {
	DeltasApplied          uint64
	BlocksApplied          uint64
	MergeCount             uint64
	MergeDuration          time.Duration
	KeyCount               uint64
	SizeBytes              uint64
	Merging                bool
	HighestContiguousBlock uint64
}

// Store holds one store-module's append-only delta log and its merged
// key-value snapshot. The snapshot is mutated only by Merge; everything
// below the watermark is complete and immutable.
type Store struct {
	name         string
	saveInterval uint64

	mu          sync.RWMutex
	deltas      map[uint64][]Delta
	deltaBlocks []uint64 // sorted keys of deltas
	snapshot    map[string][]byte
	watermark   uint64
	boundaries  []uint64 // past merge boundaries, for duplicate detection
	sizeBytes   uint64

	merging       atomic.Bool
	deltasApplied atomic.Uint64
	blocksApplied atomic.Uint64
	mergeCount    atomic.Uint64
	mergeNanos    atomic.Int64
}

// New creates an empty store for the named module. The save interval is the
// block count between periodic merges.
func New(name string, saveInterval uint64) (*Store, error) {
	if saveInterval == 0 {
		return nil, ErrInvalidSaveInterval
	}
	return &Store{
		name:         name,
		saveInterval: saveInterval,
		deltas:       make(map[uint64][]Delta),
		snapshot:     make(map[string][]byte),
	}, nil
}

// Name returns the store module's name
func (s *Store) Name() string {
	return s.name
}

// SaveInterval returns the block count between periodic merges
func (s *Store) SaveInterval() uint64 {
	return s.saveInterval
}

// Apply appends the given deltas to the module's log for one block, in the
// exact ordinal order given. An ordinal that is not strictly greater than
// the previous delta for the same block indicates an upstream scheduling or
// replay bug and is fatal to the session.
func (s *Store) Apply(block uint64, deltas []Delta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.deltas[block]
	lastOrdinal := uint64(0)
	haveLast := false
	if len(existing) > 0 {
		lastOrdinal = existing[len(existing)-1].Ordinal
		haveLast = true
	}
	for _, d := range deltas {
		if d.Operation < OperationCreate || d.Operation > OperationDelete {
			return fmt.Errorf(
				"%w: module %q block %d ordinal %d",
				ErrInvalidDeltaOperation,
				s.name,
				block,
				d.Ordinal,
			)
		}
		if haveLast && d.Ordinal <= lastOrdinal {
			return fmt.Errorf(
				"%w: module %q block %d ordinal %d follows %d",
				ErrOutOfOrderDelta,
				s.name,
				block,
				d.Ordinal,
				lastOrdinal,
			)
		}
		lastOrdinal = d.Ordinal
		haveLast = true
	}
	if len(existing) == 0 && len(deltas) > 0 {
		idx, found := slices.BinarySearch(s.deltaBlocks, block)
		if !found {
			s.deltaBlocks = slices.Insert(s.deltaBlocks, idx, block)
		}
		s.blocksApplied.Add(1)
	}
	s.deltas[block] = append(existing, deltas...)
	s.deltasApplied.Add(uint64(len(deltas)))
	return nil
}

// Merge folds all logged deltas with block <= boundary into the snapshot.
// Merging a boundary at or below the watermark is a no-op when that boundary
// was previously merged, and a consistency error otherwise. The merging flag
// is observable for the duration of the fold.
func (s *Store) Merge(boundary uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if boundary <= s.watermark {
		if boundary == 0 || slices.Contains(s.boundaries, boundary) {
			return nil
		}
		return fmt.Errorf(
			"%w: module %q boundary %d watermark %d",
			ErrMergeBoundaryMismatch,
			s.name,
			boundary,
			s.watermark,
		)
	}
	s.merging.Store(true)
	defer s.merging.Store(false)
	start := time.Now()
	idx, found := slices.BinarySearch(s.deltaBlocks, boundary)
	if found {
		idx++
	}
	for _, block := range s.deltaBlocks[:idx] {
		if block <= s.watermark {
			continue
		}
		for _, d := range s.deltas[block] {
			d.applyTo(s.snapshot)
		}
	}
	s.watermark = boundary
	s.boundaries = append(s.boundaries, boundary)
	s.recomputeSizeLocked()
	s.mergeCount.Add(1)
	s.mergeNanos.Add(int64(time.Since(start)))
	return nil
}

// SnapshotRead returns the latest merged value for a key as of the given
// block. Reads above the watermark are rejected since the snapshot is not
// yet complete there.
func (s *Store) SnapshotRead(key string, block uint64) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if block > s.watermark {
		return nil, false, fmt.Errorf(
			"%w: module %q block %d watermark %d",
			ErrSnapshotNotReady,
			s.name,
			block,
			s.watermark,
		)
	}
	val, ok := s.snapshot[key]
	return val, ok, nil
}

// ReadAt returns the value of a key as of the end of the given block,
// overlaying any unmerged logged deltas on the merged snapshot. This powers
// module input resolution independent of merge timing; callers must ensure
// all deltas at or below the block were already applied.
func (s *Store) ReadAt(key string, block uint64) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	val, ok := s.snapshot[key]
	hi, found := slices.BinarySearch(s.deltaBlocks, block)
	if found {
		hi++
	}
	for _, b := range s.deltaBlocks[:hi] {
		if b <= s.watermark {
			continue
		}
		for _, d := range s.deltas[b] {
			if d.Key != key {
				continue
			}
			if d.Operation == OperationDelete {
				val, ok = nil, false
			} else {
				val, ok = d.NewValue, true
			}
		}
	}
	return val, ok
}

// Rollback discards all unmerged deltas for blocks above the given block.
// Sessions call this when a reorg invalidates blocks that were applied but
// not yet merged; the blocks are then reprocessed on the new canonical
// chain. A fork point below the watermark cannot be rolled back and fails
// the session.
func (s *Store) Rollback(block uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if block < s.watermark {
		return fmt.Errorf(
			"%w: module %q fork %d watermark %d",
			ErrForkBelowWatermark,
			s.name,
			block,
			s.watermark,
		)
	}
	idx, found := slices.BinarySearch(s.deltaBlocks, block)
	if found {
		idx++
	}
	for _, b := range s.deltaBlocks[idx:] {
		delete(s.deltas, b)
	}
	s.deltaBlocks = s.deltaBlocks[:idx]
	return nil
}

// Watermark returns the highest contiguous block below which the snapshot
// is guaranteed complete and immutable
func (s *Store) Watermark() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.watermark
}

// BoundaryReached reports whether processing the given block crosses a
// periodic merge boundary
func (s *Store) BoundaryReached(block uint64) bool {
	return block > 0 && block%s.saveInterval == 0
}

// Stats samples the store's cumulative counters. The sample does not
// serialize with Apply/Merge beyond a brief read lock for the watermark.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	watermark := s.watermark
	keyCount := uint64(len(s.snapshot))
	sizeBytes := s.sizeBytes
	s.mu.RUnlock()
	return Stats{
		DeltasApplied:          s.deltasApplied.Load(),
		BlocksApplied:          s.blocksApplied.Load(),
		MergeCount:             s.mergeCount.Load(),
		MergeDuration:          time.Duration(s.mergeNanos.Load()),
		KeyCount:               keyCount,
		SizeBytes:              sizeBytes,
		Merging:                s.merging.Load(),
		HighestContiguousBlock: watermark,
	}
}

func (s *Store) recomputeSizeLocked() {
	var size uint64
	for k, v := range s.snapshot {
		size += uint64(len(k) + len(v))
	}
	s.sizeBytes = size
}
