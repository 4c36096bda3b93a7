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

package chainflow

import (
	"log/slog"
	"time"

	"github.com/blinklabs-io/chainflow/scheduler"
	"github.com/blinklabs-io/chainflow/source"
	"github.com/prometheus/client_golang/prometheus"
)

type EngineOptionFunc func(*Engine)

// WithBlockSource specifies the canonical block source. Required.
func WithBlockSource(src source.BlockSource) EngineOptionFunc {
	return func(e *Engine) {
		e.source = src
	}
}

// WithModuleRunner specifies the sandboxed module runtime. Required.
func WithModuleRunner(runner source.ModuleRunner) EngineOptionFunc {
	return func(e *Engine) {
		e.runner = runner
	}
}

// WithLogger specifies a logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) EngineOptionFunc {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMaxParallelWorkers caps concurrent backfill jobs per production
// session
func WithMaxParallelWorkers(workers int) EngineOptionFunc {
	return func(e *Engine) {
		e.maxWorkers = workers
	}
}

// WithSegmentSize sets the block count per backfill job
func WithSegmentSize(size uint64) EngineOptionFunc {
	return func(e *Engine) {
		e.segmentSize = size
	}
}

// WithStoreSaveInterval sets the block count between periodic store merges
func WithStoreSaveInterval(interval uint64) EngineOptionFunc {
	return func(e *Engine) {
		e.saveInterval = interval
	}
}

// WithSnapshotSink persists merged store snapshots at merge boundaries
func WithSnapshotSink(sink scheduler.SnapshotSink) EngineOptionFunc {
	return func(e *Engine) {
		e.snapshotSink = sink
	}
}

// WithSnapshotBatchSize caps keys per initial-snapshot page in development
// mode
func WithSnapshotBatchSize(size int) EngineOptionFunc {
	return func(e *Engine) {
		e.snapshotBatchSize = size
	}
}

// WithProgressInterval sets the heartbeat emission interval
func WithProgressInterval(interval time.Duration) EngineOptionFunc {
	return func(e *Engine) {
		e.progressInterval = interval
	}
}

// WithPrometheusRegisterer additionally exposes per-session counters as
// Prometheus metrics
func WithPrometheusRegisterer(reg prometheus.Registerer) EngineOptionFunc {
	return func(e *Engine) {
		e.registerer = reg
	}
}
