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
	"slices"

	"github.com/jinzhu/copier"
)

// BlockDeltas is the ordered delta list for a single block
type BlockDeltas struct {
	Block  uint64
	Deltas []Delta
}

// ReplayPage is one page of a debug initial-snapshot replay. SentKeys is
// cumulative across pages so a client can track download progress.
type ReplayPage struct {
	Deltas    []BlockDeltas
	SentKeys  uint64
	TotalKeys uint64
}

// ReplayForDebug reproduces the per-block delta lists for blocks in the
// half-open range [startBlock, endBlock), paginated so that no page carries
// more than batchSize deltas. Used by development-mode sessions to stream
// initial store snapshots before block data.
func (s *Store) ReplayForDebug(startBlock, endBlock uint64, batchSize int) []ReplayPage {
	if batchSize <= 0 {
		batchSize = 1000
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	lo, _ := slices.BinarySearch(s.deltaBlocks, startBlock)
	hi, _ := slices.BinarySearch(s.deltaBlocks, endBlock)
	var total uint64
	for _, block := range s.deltaBlocks[lo:hi] {
		total += uint64(len(s.deltas[block]))
	}
	var pages []ReplayPage
	var sent uint64
	current := ReplayPage{TotalKeys: total}
	room := batchSize
	for _, block := range s.deltaBlocks[lo:hi] {
		deltas := s.deltas[block]
		for len(deltas) > 0 {
			take := min(len(deltas), room)
			chunk := make([]Delta, take)
			copy(chunk, deltas[:take])
			current.Deltas = append(current.Deltas, BlockDeltas{
				Block:  block,
				Deltas: chunk,
			})
			sent += uint64(take)
			deltas = deltas[take:]
			room -= take
			if room == 0 {
				current.SentKeys = sent
				pages = append(pages, current)
				current = ReplayPage{TotalKeys: total}
				room = batchSize
			}
		}
	}
	if len(current.Deltas) > 0 {
		current.SentKeys = sent
		pages = append(pages, current)
	}
	return pages
}

// SnapshotPages paginates the merged key space as synthetic create deltas
// at the watermark block, sorted by key, with no page carrying more than
// batchSize keys. Development-mode sessions stream these as a store's
// initial state before any block data.
func (s *Store) SnapshotPages(batchSize int) []ReplayPage {
	if batchSize <= 0 {
		batchSize = 1000
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.snapshot))
	for k := range s.snapshot {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	total := uint64(len(keys))
	var pages []ReplayPage
	var sent uint64
	for len(keys) > 0 {
		take := min(len(keys), batchSize)
		deltas := make([]Delta, 0, take)
		for i, key := range keys[:take] {
			deltas = append(deltas, Delta{
				Operation: OperationCreate,
				Ordinal:   sent + uint64(i),
				Key:       key,
				NewValue:  s.snapshot[key],
			})
		}
		sent += uint64(take)
		pages = append(pages, ReplayPage{
			Deltas: []BlockDeltas{
				{Block: s.watermark, Deltas: deltas},
			},
			SentKeys:  sent,
			TotalKeys: total,
		})
		keys = keys[take:]
	}
	return pages
}

// SnapshotCopy returns a deep copy of the merged key space. Used when
// handing snapshot contents to a persistence hook so the caller can never
// alias the store's own map.
func (s *Store) SnapshotCopy() (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dst := make(map[string][]byte, len(s.snapshot))
	if err := copier.CopyWithOption(&dst, s.snapshot, copier.Option{DeepCopy: true}); err != nil {
		return nil, err
	}
	return dst, nil
}
