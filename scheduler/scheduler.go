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
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blinklabs-io/chainflow/manifest"
	"github.com/blinklabs-io/chainflow/source"
	"github.com/blinklabs-io/chainflow/store"
)

var (
	ErrMissingGraph  = errors.New("scheduler: module graph is required")
	ErrMissingStages = errors.New("scheduler: stage plan is required")
	ErrMissingStores = errors.New("scheduler: store registry is required")
	ErrMissingSource = errors.New("scheduler: block source is required")
	ErrMissingRunner = errors.New("scheduler: module runner is required")
)

const (
	defaultMaxWorkers  = 4
	defaultSegmentSize = 1000
)

// SnapshotSink receives merged store key spaces at merge boundaries. The
// engine defines when and what to persist; the sink chooses the medium.
type SnapshotSink interface {
	SaveSnapshot(
		ctx context.Context,
		module string,
		boundary uint64,
		kv map[string][]byte,
	) error
}

// Config carries everything a session's scheduler needs
type Config struct {
	Graph        *manifest.Graph
	Stages       []manifest.Stage
	Stores       *store.Registry
	Source       source.BlockSource
	Runner       source.ModuleRunner
	OutputModule string
	// FatalModules names the modules whose failure ends the session: the
	// dependency closure of the output module
	FatalModules map[string]bool
	MaxWorkers   int
	SegmentSize  uint64
	SnapshotSink SnapshotSink
	Logger       *slog.Logger
}

// ModuleStats is a sample of one module's cumulative execution counters
type ModuleStats struct {
	ExecCount    uint64
	ExecDuration time.Duration
	ErrorCount   uint64
}

type moduleStat struct {
	execCount  atomic.Uint64
	execNanos  atomic.Int64
	errorCount atomic.Uint64
}

// stageState tracks one stage's completion progress during backfill
type stageState struct {
	stage      manifest.Stage
	storeNames []string
	// execModules is the dependency-ordered list of module indexes a
	// worker executes per block for this stage: earlier-stage map modules
	// are recomputed (maps are pure), earlier-stage stores are read
	// through their logs, and the stage's own modules run last
	execModules    []int
	completed      *completedRanges
	mergedBoundary uint64
}

// Scheduler executes the staged module plan over block ranges and retains
// the target module's output per block
type Scheduler struct {
	config Config
	logger *slog.Logger
	stages []*stageState
	// allModules is the full plan in stage order, used by the sequential path
	allModules []int

	jobs   *jobTracker
	buffer *outputBuffer

	moduleStats map[string]*moduleStat

	mergeMu sync.Mutex

	blocksProcessed atomic.Uint64
	bytesRead       atomic.Uint64
	bytesWritten    atomic.Uint64
}

// New builds a scheduler for one session
func New(cfg Config) (*Scheduler, error) {
	switch {
	case cfg.Graph == nil:
		return nil, ErrMissingGraph
	case len(cfg.Stages) == 0:
		return nil, ErrMissingStages
	case cfg.Stores == nil:
		return nil, ErrMissingStores
	case cfg.Source == nil:
		return nil, ErrMissingSource
	case cfg.Runner == nil:
		return nil, ErrMissingRunner
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = defaultMaxWorkers
	}
	if cfg.SegmentSize == 0 {
		cfg.SegmentSize = defaultSegmentSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		config:      cfg,
		logger:      logger.With("component", "scheduler"),
		jobs:        newJobTracker(),
		buffer:      newOutputBuffer(),
		moduleStats: make(map[string]*moduleStat),
	}
	for stageIdx, stage := range cfg.Stages {
		st := &stageState{stage: stage}
		for _, name := range stage.Modules {
			idx, ok := cfg.Graph.Lookup(name)
			if !ok {
				return nil, fmt.Errorf("%w: %q", manifest.ErrUnknownOutputModule, name)
			}
			if cfg.Graph.Module(idx).Kind == manifest.ModuleKindStore {
				st.storeNames = append(st.storeNames, name)
			}
			s.allModules = append(s.allModules, idx)
			s.moduleStats[name] = &moduleStat{}
		}
		st.execModules = s.stageExecutionList(stageIdx)
		st.completed = newCompletedRanges(0)
		s.stages = append(s.stages, st)
	}
	return s, nil
}

// stageExecutionList computes the per-block execution list for a stage's
// workers: the stage's own modules plus any earlier-stage map modules they
// transitively depend on, in plan order. Earlier-stage store modules never
// re-execute; their deltas are already in the log.
func (s *Scheduler) stageExecutionList(stageIdx int) []int {
	needed := make(map[int]bool)
	var visit func(idx int)
	visit = func(idx int) {
		if needed[idx] {
			return
		}
		needed[idx] = true
		for _, in := range s.config.Graph.Inputs(idx) {
			if s.config.Graph.Module(in).Kind == manifest.ModuleKindMap {
				visit(in)
			}
		}
	}
	for _, name := range s.config.Stages[stageIdx].Modules {
		idx, _ := s.config.Graph.Lookup(name)
		visit(idx)
	}
	var list []int
	for si := 0; si <= stageIdx; si++ {
		for _, name := range s.config.Stages[si].Modules {
			idx, _ := s.config.Graph.Lookup(name)
			if needed[idx] {
				list = append(list, idx)
			}
		}
	}
	return list
}

// logReader resolves a store input as of the end of the previous block.
// The genesis block has no previous block, so its reads see an empty store.
type logReader struct {
	store   *store.Store
	block   uint64
	genesis bool
}

func (r logReader) Get(key string) ([]byte, bool, error) {
	if r.genesis {
		return nil, false, nil
	}
	val, ok := r.store.ReadAt(key, r.block)
	return val, ok, nil
}

// runModules executes the given modules against one block in order. Store
// deltas are applied only for modules in the apply set; re-executed upstream
// maps feed inputs without double-applying store mutations. A failure of a
// module in the fatal set aborts; other failures are recorded and skipped
// along with their dependents.
func (s *Scheduler) runModules(
	ctx context.Context,
	block *source.Block,
	moduleIdxs []int,
	apply map[int]bool,
	debug bool,
) (*BlockOutput, error) {
	out := &BlockOutput{Block: block}
	outputs := make(map[string][]byte)
	failed := make(map[string]bool)
	genesis := block.Number == 0
	prevBlock := block.Number
	if !genesis {
		prevBlock--
	}
	for _, idx := range moduleIdxs {
		mod := s.config.Graph.Module(idx)
		stat := s.moduleStats[mod.Name]
		inputs := source.Inputs{
			Outputs: make(map[string][]byte),
			Stores:  make(map[string]source.StoreReader),
		}
		skip := false
		for _, inIdx := range s.config.Graph.Inputs(idx) {
			in := s.config.Graph.Module(inIdx)
			if failed[in.Name] {
				skip = true
				break
			}
			if in.Kind == manifest.ModuleKindStore {
				st, err := s.config.Stores.Get(in.Name)
				if err != nil {
					return nil, err
				}
				inputs.Stores[in.Name] = logReader{store: st, block: prevBlock, genesis: genesis}
			} else {
				inputs.Outputs[in.Name] = outputs[in.Name]
			}
		}
		if skip {
			failed[mod.Name] = true
			continue
		}
		start := time.Now()
		res, err := s.config.Runner.Execute(ctx, mod.Name, block, inputs)
		if stat != nil {
			stat.execCount.Add(1)
			stat.execNanos.Add(int64(time.Since(start)))
		}
		if err != nil {
			if stat != nil {
				stat.errorCount.Add(1)
			}
			if s.config.FatalModules[mod.Name] {
				return nil, asModuleError(mod.Name, err)
			}
			s.logger.Warn(
				"module failed outside output dependency path",
				"module", mod.Name,
				"block", block.Number,
				"error", err,
			)
			failed[mod.Name] = true
			continue
		}
		s.bytesRead.Add(res.BytesRead)
		s.bytesWritten.Add(res.BytesWritten)
		if mod.Kind == manifest.ModuleKindStore {
			if apply[idx] {
				st, err := s.config.Stores.Get(mod.Name)
				if err != nil {
					return nil, err
				}
				if err := st.Apply(block.Number, res.Deltas); err != nil {
					return nil, err
				}
			}
		} else {
			outputs[mod.Name] = res.Output
		}
		if mod.Name == s.config.OutputModule {
			out.Output = res.Output
			out.OutputLogs = res.Logs
			out.OutputLogsTruncated = res.LogsTruncated
		}
		if debug {
			out.Debug = append(out.Debug, ModuleDebug{
				Name:          mod.Name,
				Kind:          mod.Kind,
				Output:        res.Output,
				Deltas:        res.Deltas,
				Logs:          res.Logs,
				LogsTruncated: res.LogsTruncated,
			})
		}
	}
	s.blocksProcessed.Add(1)
	return out, nil
}

func asModuleError(module string, err error) error {
	var modErr *source.ModuleError
	if errors.As(err, &modErr) {
		return err
	}
	return &source.ModuleError{
		Module: module,
		Reason: err.Error(),
	}
}

// MaxWorkers returns the effective backfill worker limit after defaulting
func (s *Scheduler) MaxWorkers() int {
	return s.config.MaxWorkers
}

// Jobs samples the live job set
func (s *Scheduler) Jobs() []JobStatus {
	return s.jobs.snapshot()
}

// ModuleStats samples per-module cumulative counters
func (s *Scheduler) ModuleStats() map[string]ModuleStats {
	out := make(map[string]ModuleStats, len(s.moduleStats))
	for name, stat := range s.moduleStats {
		out[name] = ModuleStats{
			ExecCount:    stat.execCount.Load(),
			ExecDuration: time.Duration(stat.execNanos.Load()),
			ErrorCount:   stat.errorCount.Load(),
		}
	}
	return out
}

// BlocksProcessed returns the cumulative count of block executions
func (s *Scheduler) BlocksProcessed() uint64 {
	return s.blocksProcessed.Load()
}

// BytesRead returns cumulative bytes read as reported by module invocations
func (s *Scheduler) BytesRead() uint64 {
	return s.bytesRead.Load()
}

// BytesWritten returns cumulative bytes written as reported by module invocations
func (s *Scheduler) BytesWritten() uint64 {
	return s.bytesWritten.Load()
}
