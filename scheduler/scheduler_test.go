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
	"fmt"
	"testing"
	"time"

	"github.com/blinklabs-io/chainflow/internal/chaintest"
	"github.com/blinklabs-io/chainflow/manifest"
	"github.com/blinklabs-io/chainflow/source"
	"github.com/blinklabs-io/chainflow/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testModules() []manifest.Module {
	return []manifest.Module{
		{Name: "extract", Kind: manifest.ModuleKindMap},
		{Name: "balances", Kind: manifest.ModuleKindStore, Inputs: []string{"extract"}},
		{Name: "out", Kind: manifest.ModuleKindMap, Inputs: []string{"extract", "balances"}},
	}
}

func newTestScheduler(
	t *testing.T,
	chain *chaintest.Chain,
	runner *chaintest.Runner,
	saveInterval uint64,
) *Scheduler {
	t.Helper()
	graph, err := manifest.NewGraph(testModules())
	require.NoError(t, err)
	stages, err := manifest.Plan(graph, "out")
	require.NoError(t, err)
	stores, err := store.NewRegistry(graph.StoreModules(), saveInterval)
	require.NoError(t, err)
	sched, err := New(Config{
		Graph:        graph,
		Stages:       stages,
		Stores:       stores,
		Source:       chain,
		Runner:       runner,
		OutputModule: "out",
		FatalModules: map[string]bool{"extract": true, "balances": true, "out": true},
		MaxWorkers:   4,
		SegmentSize:  10,
	})
	require.NoError(t, err)
	return sched
}

func TestBlockRange(t *testing.T) {
	_, err := NewBlockRange(10, 10)
	assert.ErrorIs(t, err, ErrInvalidBlockRange)
	_, err = NewBlockRange(10, 5)
	assert.ErrorIs(t, err, ErrInvalidBlockRange)

	r, err := NewBlockRange(10, 20)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), r.Len())
	assert.True(t, r.Contains(10))
	assert.True(t, r.Contains(19))
	assert.False(t, r.Contains(20))
	assert.Equal(t, "[10,20)", r.String())
}

func TestPartition(t *testing.T) {
	r := BlockRange{StartBlock: 0, EndBlock: 25}
	segments := Partition(r, 10)
	require.Len(t, segments, 3)
	assert.Equal(t, BlockRange{StartBlock: 0, EndBlock: 10}, segments[0])
	assert.Equal(t, BlockRange{StartBlock: 10, EndBlock: 20}, segments[1])
	assert.Equal(t, BlockRange{StartBlock: 20, EndBlock: 25}, segments[2])
}

func TestCompletedRangesFirstWriterWins(t *testing.T) {
	c := newCompletedRanges(100)
	require.NoError(t, c.add(BlockRange{StartBlock: 100, EndBlock: 110}))
	// Out-of-order completion does not advance the frontier past the gap
	require.NoError(t, c.add(BlockRange{StartBlock: 120, EndBlock: 130}))
	assert.Equal(t, uint64(110), c.contiguousThrough())

	// Duplicate completion of an overlapping range is rejected
	err := c.add(BlockRange{StartBlock: 100, EndBlock: 110})
	assert.ErrorIs(t, err, ErrDuplicateRangeCompletion)
	err = c.add(BlockRange{StartBlock: 105, EndBlock: 125})
	assert.ErrorIs(t, err, ErrDuplicateRangeCompletion)

	// Filling the gap advances the frontier across the waiting range
	require.NoError(t, c.add(BlockRange{StartBlock: 110, EndBlock: 120}))
	assert.Equal(t, uint64(130), c.contiguousThrough())
}

func TestWaitContiguous(t *testing.T) {
	c := newCompletedRanges(0)
	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- c.waitContiguous(ctx, 20)
	}()
	require.NoError(t, c.add(BlockRange{StartBlock: 0, EndBlock: 10}))
	require.NoError(t, c.add(BlockRange{StartBlock: 10, EndBlock: 20}))
	require.NoError(t, <-done)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.waitContiguous(ctx, 50), context.Canceled)
}

func TestBackfillOrderedDrain(t *testing.T) {
	chain := chaintest.NewChain(200, 200)
	runner := chaintest.NewRunner()
	// The output module proves it can read the upstream store as of the
	// previous block
	runner.Override("out", func(block *source.Block, inputs source.Inputs) (*source.Result, error) {
		reader := inputs.Stores["balances"]
		if reader == nil {
			return nil, errors.New("missing store input")
		}
		prev := block.Number - 1
		_, found, err := reader.Get(fmt.Sprintf("balances/%d", prev))
		if err != nil {
			return nil, err
		}
		return &source.Result{
			Output: fmt.Appendf(nil, "out@%d prev=%t", block.Number, found),
		}, nil
	})
	sched := newTestScheduler(t, chain, runner, 20)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	rng := BlockRange{StartBlock: 100, EndBlock: 150}
	errCh := make(chan error, 1)
	go func() {
		errCh <- sched.Backfill(ctx, rng)
	}()

	for n := rng.StartBlock; n < rng.EndBlock; n++ {
		out, err := sched.NextOutput(ctx, n)
		require.NoError(t, err)
		require.Equal(t, n, out.Block.Number)
		wantPrev := n > rng.StartBlock
		assert.Equal(
			t,
			fmt.Sprintf("out@%d prev=%t", n, wantPrev),
			string(out.Output),
		)
	}
	require.NoError(t, <-errCh)

	// Handoff merge folded the whole range
	sto, err := sched.config.Stores.Get("balances")
	require.NoError(t, err)
	assert.Equal(t, rng.EndBlock-1, sto.Watermark())
	val, ok, err := sto.SnapshotRead("balances/120", rng.EndBlock-1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("ev-120-b"), val)

	assert.Equal(t, uint64(0), uint64(len(sched.Jobs())))
	assert.Greater(t, sched.BlocksProcessed(), uint64(0))
	assert.Greater(t, sched.BytesRead(), uint64(0))
}

func TestGenesisBlockReadsEmptyStore(t *testing.T) {
	chain := chaintest.NewChain(200, 200)
	runner := chaintest.NewRunner()
	runner.Override("out", func(block *source.Block, inputs source.Inputs) (*source.Result, error) {
		_, found, err := inputs.Stores["balances"].Get(fmt.Sprintf("balances/%d", block.Number))
		if err != nil {
			return nil, err
		}
		return &source.Result{
			Output: fmt.Appendf(nil, "out@%d self=%t", block.Number, found),
		}, nil
	})
	sched := newTestScheduler(t, chain, runner, 20)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Block 0 has no previous block, so its own deltas, applied earlier in
	// the same pass, must not be visible to downstream modules
	out, err := sched.ProcessBlock(ctx, chain.BlockFor(0), false)
	require.NoError(t, err)
	assert.Equal(t, []byte("out@0 self=false"), out.Output)

	// Later blocks keep the same prior-block visibility
	out, err = sched.ProcessBlock(ctx, chain.BlockFor(1), false)
	require.NoError(t, err)
	assert.Equal(t, []byte("out@1 self=false"), out.Output)
}

func TestBackfillFatalModuleError(t *testing.T) {
	chain := chaintest.NewChain(200, 200)
	runner := chaintest.NewRunner()
	runner.FailModule("balances", errors.New("divide by zero"))
	sched := newTestScheduler(t, chain, runner, 20)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := sched.Backfill(ctx, BlockRange{StartBlock: 100, EndBlock: 120})
	var modErr *source.ModuleError
	require.ErrorAs(t, err, &modErr)
	assert.Equal(t, "balances", modErr.Module)
}

func TestNonFatalModuleFailureContinues(t *testing.T) {
	chain := chaintest.NewChain(200, 200)
	runner := chaintest.NewRunner()
	runner.FailModule("sidecar", errors.New("boom"))

	modules := append(testModules(), manifest.Module{
		Name:   "sidecar",
		Kind:   manifest.ModuleKindMap,
		Inputs: []string{"extract"},
	})
	graph, err := manifest.NewGraph(modules)
	require.NoError(t, err)
	stages, err := manifest.PlanAll(graph)
	require.NoError(t, err)
	stores, err := store.NewRegistry(graph.StoreModules(), 20)
	require.NoError(t, err)
	sched, err := New(Config{
		Graph:        graph,
		Stages:       stages,
		Stores:       stores,
		Source:       chain,
		Runner:       runner,
		OutputModule: "out",
		FatalModules: map[string]bool{"extract": true, "balances": true, "out": true},
		MaxWorkers:   1,
		SegmentSize:  10,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := sched.ProcessBlock(ctx, chain.BlockFor(100), true)
	require.NoError(t, err)
	assert.Equal(t, []byte("out@100"), out.Output)
	stats := sched.ModuleStats()
	assert.Equal(t, uint64(1), stats["sidecar"].ErrorCount)
}

func TestProcessBlockDebugAndMerge(t *testing.T) {
	chain := chaintest.NewChain(200, 200)
	runner := chaintest.NewRunner()
	sched := newTestScheduler(t, chain, runner, 10)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for n := uint64(95); n <= 100; n++ {
		out, err := sched.ProcessBlock(ctx, chain.BlockFor(n), true)
		require.NoError(t, err)
		require.Len(t, out.Debug, 3)
		names := []string{out.Debug[0].Name, out.Debug[1].Name, out.Debug[2].Name}
		assert.Equal(t, []string{"extract", "balances", "out"}, names)
	}

	// Block 100 crossed the save-interval boundary
	sto, err := sched.config.Stores.Get("balances")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), sto.Watermark())
}

func TestOutputBufferDiscardAbove(t *testing.T) {
	buf := newOutputBuffer()
	for n := uint64(100); n < 110; n++ {
		buf.put(n, &BlockOutput{Block: chaintest.Block(n, n)})
	}
	buf.discardAbove(105)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out, err := buf.take(ctx, 105)
	require.NoError(t, err)
	assert.Equal(t, uint64(105), out.Block.Number)
	_, err = buf.take(ctx, 106)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
