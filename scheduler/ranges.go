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

// Package scheduler drives module execution over block ranges: parallel
// stage-by-stage backfill with independent workers and the strictly
// sequential live-tip path
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

var (
	ErrInvalidBlockRange        = errors.New("scheduler: invalid block range")
	ErrDuplicateRangeCompletion = errors.New("scheduler: block range already completed")
)

// BlockRange is a half-open [StartBlock, EndBlock) range of canonical block
// numbers
type BlockRange struct {
	StartBlock uint64
	EndBlock   uint64
}

// NewBlockRange builds a range, rejecting empty or inverted bounds
func NewBlockRange(start, end uint64) (BlockRange, error) {
	if start >= end {
		return BlockRange{}, fmt.Errorf(
			"%w: [%d,%d)",
			ErrInvalidBlockRange,
			start,
			end,
		)
	}
	return BlockRange{StartBlock: start, EndBlock: end}, nil
}

// Len returns the number of blocks in the range
func (r BlockRange) Len() uint64 {
	return r.EndBlock - r.StartBlock
}

// Contains reports whether the block number falls inside the range
func (r BlockRange) Contains(block uint64) bool {
	return block >= r.StartBlock && block < r.EndBlock
}

func (r BlockRange) overlaps(o BlockRange) bool {
	return r.StartBlock < o.EndBlock && o.StartBlock < r.EndBlock
}

func (r BlockRange) String() string {
	return fmt.Sprintf("[%d,%d)", r.StartBlock, r.EndBlock)
}

// Partition splits a range into contiguous segments of at most size blocks
func Partition(r BlockRange, size uint64) []BlockRange {
	if size == 0 {
		return []BlockRange{r}
	}
	var segments []BlockRange
	for start := r.StartBlock; start < r.EndBlock; start += size {
		end := min(start+size, r.EndBlock)
		segments = append(segments, BlockRange{StartBlock: start, EndBlock: end})
	}
	return segments
}

// completedRanges tracks the set of ranges a stage has finished. Completion
// is a monotone set union with first-writer-wins semantics: a second
// completion of an overlapping range is rejected so the caller can treat it
// as a no-op. The contiguous frontier from the session start is what
// downstream stages wait on.
type completedRanges struct {
	mu       sync.Mutex
	start    uint64
	ranges   []BlockRange
	frontier uint64
	changed  chan struct{}
}

func newCompletedRanges(start uint64) *completedRanges {
	return &completedRanges{
		start:    start,
		frontier: start,
		changed:  make(chan struct{}),
	}
}

// add records a completed range. Overlap with an already-recorded range
// means another worker won the race for it.
func (c *completedRanges) add(r BlockRange) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, _ := slices.BinarySearchFunc(c.ranges, r, func(a, b BlockRange) int {
		switch {
		case a.StartBlock < b.StartBlock:
			return -1
		case a.StartBlock > b.StartBlock:
			return 1
		}
		return 0
	})
	for _, neighbor := range []int{idx - 1, idx} {
		if neighbor >= 0 && neighbor < len(c.ranges) &&
			c.ranges[neighbor].overlaps(r) {
			return fmt.Errorf(
				"%w: %s overlaps %s",
				ErrDuplicateRangeCompletion,
				r,
				c.ranges[neighbor],
			)
		}
	}
	c.ranges = slices.Insert(c.ranges, idx, r)
	// Advance the contiguous frontier across any now-adjacent ranges
	for _, cr := range c.ranges {
		if cr.StartBlock > c.frontier {
			break
		}
		if cr.EndBlock > c.frontier {
			c.frontier = cr.EndBlock
		}
	}
	close(c.changed)
	c.changed = make(chan struct{})
	return nil
}

// contiguousThrough returns the first block not contiguously completed from
// the session start
func (c *completedRanges) contiguousThrough() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frontier
}

// waitContiguous blocks until the contiguous frontier reaches the given
// block or the context is cancelled
func (c *completedRanges) waitContiguous(ctx context.Context, through uint64) error {
	for {
		c.mu.Lock()
		if c.frontier >= through {
			c.mu.Unlock()
			return nil
		}
		ch := c.changed
		c.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
