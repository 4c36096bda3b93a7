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

package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/blinklabs-io/chainflow/internal/chaintest"
	"github.com/blinklabs-io/chainflow/manifest"
	"github.com/blinklabs-io/chainflow/scheduler"
	"github.com/blinklabs-io/chainflow/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestScheduler(t *testing.T) (*scheduler.Scheduler, *store.Registry) {
	t.Helper()
	graph, err := manifest.NewGraph([]manifest.Module{
		{Name: "extract", Kind: manifest.ModuleKindMap},
		{Name: "balances", Kind: manifest.ModuleKindStore, Inputs: []string{"extract"}},
	})
	require.NoError(t, err)
	stages, err := manifest.PlanAll(graph)
	require.NoError(t, err)
	stores, err := store.NewRegistry(graph.StoreModules(), 100)
	require.NoError(t, err)
	sched, err := scheduler.New(scheduler.Config{
		Graph:        graph,
		Stages:       stages,
		Stores:       stores,
		Source:       chaintest.NewChain(200, 200),
		Runner:       chaintest.NewRunner(),
		OutputModule: "extract",
		FatalModules: map[string]bool{"extract": true, "balances": true},
	})
	require.NoError(t, err)
	return sched, stores
}

func TestAggregatorEmitsAndStops(t *testing.T) {
	sched, stores := newTestScheduler(t)
	chain := chaintest.NewChain(200, 200)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for n := uint64(1); n <= 5; n++ {
		_, err := sched.ProcessBlock(ctx, chain.BlockFor(n), false)
		require.NoError(t, err)
	}

	var mu sync.Mutex
	var samples []Snapshot
	agg := NewAggregator(sched, stores, 10*time.Millisecond, func(s Snapshot) {
		mu.Lock()
		samples = append(samples, s)
		mu.Unlock()
	})

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		agg.Run(runCtx)
	}()
	time.Sleep(50 * time.Millisecond)
	stop()
	<-done

	mu.Lock()
	defer mu.Unlock()
	// At least one ticker emission plus the final sample on shutdown
	require.GreaterOrEqual(t, len(samples), 2)
	last := samples[len(samples)-1]
	assert.Equal(t, uint64(5), last.BlocksProcessed)
	assert.Greater(t, last.BytesRead, uint64(0))
	assert.Equal(t, uint64(5), last.Modules["extract"].ExecCount)
	assert.Equal(t, uint64(5), last.Stores["balances"].BlocksApplied)
	// Counters never regress across samples
	var prev uint64
	for _, s := range samples {
		assert.GreaterOrEqual(t, s.BlocksProcessed, prev)
		prev = s.BlocksProcessed
	}
}

func TestAggregatorPrometheusRegistration(t *testing.T) {
	sched, stores := newTestScheduler(t)
	chain := chaintest.NewChain(200, 200)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := sched.ProcessBlock(ctx, chain.BlockFor(1), false)
	require.NoError(t, err)

	agg := NewAggregator(sched, stores, time.Minute, func(Snapshot) {})
	registry := prometheus.NewRegistry()
	require.NoError(t, agg.WithRegisterer(registry, "test-session"))

	families, err := registry.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["chainflow_blocks_processed_total"])
	assert.True(t, names["chainflow_bytes_read_total"])
	assert.True(t, names["chainflow_bytes_written_total"])
	assert.True(t, names["chainflow_live_jobs"])

	// A second session with the same label collides, and Run's shutdown
	// path must free the names again
	dup := NewAggregator(sched, stores, time.Minute, func(Snapshot) {})
	assert.Error(t, dup.WithRegisterer(registry, "test-session"))

	runCtx, stop := context.WithCancel(ctx)
	stop()
	agg.Run(runCtx)
	fresh := NewAggregator(sched, stores, time.Minute, func(Snapshot) {})
	assert.NoError(t, fresh.WithRegisterer(registry, "test-session"))
}
