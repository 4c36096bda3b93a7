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

// Package progress periodically samples scheduler and store-engine state
// into heartbeat snapshots. Sampling never blocks the scheduler's critical
// path; counters are monotone and never reset mid-session.
package progress

import (
	"context"
	"time"

	"github.com/blinklabs-io/chainflow/scheduler"
	"github.com/blinklabs-io/chainflow/store"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultInterval is the heartbeat emission target. Best effort, not exact.
const DefaultInterval = 500 * time.Millisecond

// Snapshot is one heartbeat sample: the live job set, per-module execution
// and store counters, and cumulative I/O
type Snapshot struct {
	Jobs            []scheduler.JobStatus
	Modules         map[string]scheduler.ModuleStats
	Stores          map[string]store.Stats
	BlocksProcessed uint64
	BytesRead       uint64
	BytesWritten    uint64
}

// EmitFunc receives each heartbeat sample
type EmitFunc func(Snapshot)

// Aggregator samples a session's scheduler and stores at a fixed interval
type Aggregator struct {
	interval   time.Duration
	sched      *scheduler.Scheduler
	stores     *store.Registry
	emit       EmitFunc
	registerer prometheus.Registerer
	collectors []prometheus.Collector
}

// NewAggregator creates an aggregator for one session. A zero interval uses
// DefaultInterval.
func NewAggregator(
	sched *scheduler.Scheduler,
	stores *store.Registry,
	interval time.Duration,
	emit EmitFunc,
) *Aggregator {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Aggregator{
		interval: interval,
		sched:    sched,
		stores:   stores,
		emit:     emit,
	}
}

// WithRegisterer additionally exposes the sampled counters as Prometheus
// metrics, labeled by session
func (a *Aggregator) WithRegisterer(reg prometheus.Registerer, sessionID string) error {
	labels := prometheus.Labels{"session": sessionID}
	a.collectors = []prometheus.Collector{
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name:        "chainflow_blocks_processed_total",
			Help:        "Cumulative block executions for the session",
			ConstLabels: labels,
		}, func() float64 { return float64(a.sched.BlocksProcessed()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name:        "chainflow_bytes_read_total",
			Help:        "Cumulative bytes read by module invocations",
			ConstLabels: labels,
		}, func() float64 { return float64(a.sched.BytesRead()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name:        "chainflow_bytes_written_total",
			Help:        "Cumulative bytes written by module invocations",
			ConstLabels: labels,
		}, func() float64 { return float64(a.sched.BytesWritten()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "chainflow_live_jobs",
			Help:        "Jobs currently assigned to backfill workers",
			ConstLabels: labels,
		}, func() float64 { return float64(len(a.sched.Jobs())) }),
	}
	for _, c := range a.collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	a.registerer = reg
	return nil
}

// Run emits heartbeats until the context is cancelled, then emits one final
// sample so a session's last progress is never lost
func (a *Aggregator) Run(ctx context.Context) {
	defer a.unregister()
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.emit(a.Sample())
			return
		case <-ticker.C:
			a.emit(a.Sample())
		}
	}
}

// Sample reads a consistent-enough view of the session's counters
func (a *Aggregator) Sample() Snapshot {
	return Snapshot{
		Jobs:            a.sched.Jobs(),
		Modules:         a.sched.ModuleStats(),
		Stores:          a.stores.Stats(),
		BlocksProcessed: a.sched.BlocksProcessed(),
		BytesRead:       a.sched.BytesRead(),
		BytesWritten:    a.sched.BytesWritten(),
	}
}

func (a *Aggregator) unregister() {
	if a.registerer == nil {
		return
	}
	for _, c := range a.collectors {
		a.registerer.Unregister(c)
	}
}
