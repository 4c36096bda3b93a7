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

package scheduler

import (
	"context"
	"errors"
	"sync"

	"github.com/blinklabs-io/chainflow/manifest"
	"github.com/blinklabs-io/chainflow/source"
	"github.com/blinklabs-io/chainflow/store"
	"golang.org/x/sync/errgroup"
)

// BlockOutput is the client-facing result of executing one block: the
// target module's output plus, in development mode, every module's debug
// output
type BlockOutput struct {
	Block               *source.Block
	Output              []byte
	OutputLogs          []string
	OutputLogsTruncated bool
	Debug               []ModuleDebug
}

// ModuleDebug carries one module's full execution result for
// development-mode responses
type ModuleDebug struct {
	Name          string
	Kind          manifest.ModuleKind
	Output        []byte
	Deltas        []store.Delta
	Logs          []string
	LogsTruncated bool
}

// outputBuffer is the range-indexed result buffer backfill workers write
// into and the session drains in block order, decoupling client-visible
// ordering from worker scheduling order
type outputBuffer struct {
	mu      sync.Mutex
	outputs map[uint64]*BlockOutput
	changed chan struct{}
}

func newOutputBuffer() *outputBuffer {
	return &outputBuffer{
		outputs: make(map[uint64]*BlockOutput),
		changed: make(chan struct{}),
	}
}

func (b *outputBuffer) put(block uint64, out *BlockOutput) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.outputs[block]; ok {
		// First writer wins; a racing duplicate job lost the completion race
		return
	}
	b.outputs[block] = out
	close(b.changed)
	b.changed = make(chan struct{})
}

func (b *outputBuffer) take(ctx context.Context, block uint64) (*BlockOutput, error) {
	for {
		b.mu.Lock()
		if out, ok := b.outputs[block]; ok {
			delete(b.outputs, block)
			b.mu.Unlock()
			return out, nil
		}
		ch := b.changed
		b.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (b *outputBuffer) discardAbove(block uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for n := range b.outputs {
		if n > block {
			delete(b.outputs, n)
		}
	}
}

// Backfill runs the parallel historical phase over the given range. The
// range is partitioned into segments assigned to independent workers,
// processed stage by stage: a stage's worker for a segment starts only once
// the upstream stage's completions are contiguous through that segment, so
// upstream store logs are complete for every block the worker reads.
// Target-module outputs land in the result buffer; drain them with
// NextOutput. Blocks until the whole range is complete or a worker fails.
func (s *Scheduler) Backfill(ctx context.Context, rng BlockRange) error {
	for _, st := range s.stages {
		st.completed = newCompletedRanges(rng.StartBlock)
	}
	segments := Partition(rng, s.config.SegmentSize)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.MaxWorkers)
	// Stage-major submission order: by the time a downstream job is
	// submitted, every upstream job has started, so jobs blocked on the
	// contiguity barrier can never starve the jobs they wait on.
	for stageIdx := range s.stages {
		for _, seg := range segments {
			g.Go(func() error {
				return s.runJob(gctx, stageIdx, seg)
			})
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}
	// Handoff merge: fold everything the backfill produced
	return s.mergeAllStores(ctx, rng.EndBlock-1)
}

// NextOutput blocks until the backfill output for the given block is
// available and removes it from the buffer
func (s *Scheduler) NextOutput(ctx context.Context, block uint64) (*BlockOutput, error) {
	return s.buffer.take(ctx, block)
}

// DiscardOutputsAbove drops buffered outputs above the given block after a
// reorg invalidates them
func (s *Scheduler) DiscardOutputsAbove(block uint64) {
	s.buffer.discardAbove(block)
}

func (s *Scheduler) runJob(ctx context.Context, stageIdx int, seg BlockRange) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if stageIdx > 0 {
		upstream := s.stages[stageIdx-1]
		if err := upstream.completed.waitContiguous(ctx, seg.EndBlock); err != nil {
			return err
		}
	}
	job := s.jobs.begin(stageIdx, seg)
	defer s.jobs.finish(job)

	st := s.stages[stageIdx]
	apply := make(map[int]bool)
	for _, name := range st.storeNames {
		idx, _ := s.config.Graph.Lookup(name)
		apply[idx] = true
	}
	isLast := stageIdx == len(s.stages)-1
	for n := seg.StartBlock; n < seg.EndBlock; n++ {
		block, err := s.config.Source.BlockAt(ctx, n)
		if err != nil {
			return err
		}
		out, err := s.runModules(ctx, block, st.execModules, apply, false)
		if err != nil {
			return err
		}
		job.processed.Add(1)
		if isLast {
			s.buffer.put(n, out)
		}
	}
	return s.markComplete(ctx, stageIdx, seg)
}

// markComplete records a finished (stage, range) pair and merges the
// stage's stores at any save-interval boundary the contiguous frontier has
// crossed. Duplicate completions are recovered locally as no-ops.
func (s *Scheduler) markComplete(ctx context.Context, stageIdx int, seg BlockRange) error {
	st := s.stages[stageIdx]
	if err := st.completed.add(seg); err != nil {
		if errors.Is(err, ErrDuplicateRangeCompletion) {
			s.logger.Debug(
				"duplicate range completion",
				"stage", stageIdx,
				"range", seg.String(),
			)
			return nil
		}
		return err
	}
	return s.mergeStageStores(ctx, st)
}

// mergeStageStores folds a stage's stores up to the largest save-interval
// boundary at or below the stage's contiguous frontier
func (s *Scheduler) mergeStageStores(ctx context.Context, st *stageState) error {
	if len(st.storeNames) == 0 {
		return nil
	}
	s.mergeMu.Lock()
	defer s.mergeMu.Unlock()
	frontier := st.completed.contiguousThrough()
	if frontier == 0 {
		return nil
	}
	for _, name := range st.storeNames {
		sto, err := s.config.Stores.Get(name)
		if err != nil {
			return err
		}
		boundary := (frontier - 1) / sto.SaveInterval() * sto.SaveInterval()
		if boundary <= st.mergedBoundary || boundary == 0 {
			continue
		}
		if err := sto.Merge(boundary); err != nil {
			return err
		}
		s.persistSnapshot(ctx, sto, boundary)
		st.mergedBoundary = boundary
	}
	return nil
}

// mergeAllStores folds every store up to the boundary, in stage order
func (s *Scheduler) mergeAllStores(ctx context.Context, boundary uint64) error {
	s.mergeMu.Lock()
	defer s.mergeMu.Unlock()
	for _, st := range s.stages {
		for _, name := range st.storeNames {
			sto, err := s.config.Stores.Get(name)
			if err != nil {
				return err
			}
			if boundary <= sto.Watermark() {
				continue
			}
			if err := sto.Merge(boundary); err != nil {
				return err
			}
			s.persistSnapshot(ctx, sto, boundary)
		}
	}
	return nil
}

// persistSnapshot hands the merged key space to the snapshot sink, if one
// is configured. Persistence failures do not fail the session; the merged
// in-memory snapshot remains authoritative.
func (s *Scheduler) persistSnapshot(ctx context.Context, sto *store.Store, boundary uint64) {
	if s.config.SnapshotSink == nil {
		return
	}
	kv, err := sto.SnapshotCopy()
	if err != nil {
		s.logger.Warn("snapshot copy failed", "module", sto.Name(), "error", err)
		return
	}
	if err := s.config.SnapshotSink.SaveSnapshot(ctx, sto.Name(), boundary, kv); err != nil {
		s.logger.Warn(
			"snapshot persistence failed",
			"module", sto.Name(),
			"boundary", boundary,
			"error", err,
		)
	}
}
