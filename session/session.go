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

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blinklabs-io/chainflow/manifest"
	"github.com/blinklabs-io/chainflow/progress"
	"github.com/blinklabs-io/chainflow/scheduler"
	"github.com/blinklabs-io/chainflow/source"
	"github.com/blinklabs-io/chainflow/store"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

var (
	ErrMissingSource = errors.New("session: block source is required")
	ErrMissingRunner = errors.New("session: module runner is required")
	ErrMissingSender = errors.New("session: sender is required")
)

const (
	defaultSaveInterval  = 1000
	defaultSnapshotBatch = 1000
)

// State is the lifecycle phase of a session
type State uint32

const (
	StateInitializing State = iota + 1
	StateStreaming
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("unknown(%d)", uint32(s))
}

// Config carries the engine-level collaborators and tuning shared by every
// session
type Config struct {
	Source            source.BlockSource
	Runner            source.ModuleRunner
	Logger            *slog.Logger
	MaxWorkers        int
	SegmentSize       uint64
	SaveInterval      uint64
	SnapshotSink      scheduler.SnapshotSink
	SnapshotBatchSize int
	ProgressInterval  time.Duration
	Registerer        prometheus.Registerer
}

// Session drives one client stream from request validation through the
// backfill and live phases to a terminal state. All sends to the client are
// serialized through the session.
type Session struct {
	id     string
	config Config
	req    *Request
	sender Sender
	logger *slog.Logger

	graph  *manifest.Graph
	stages []manifest.Stage
	stores *store.Registry
	sched  *scheduler.Scheduler

	state  atomic.Uint32
	sendMu sync.Mutex

	// pending holds processed blocks withheld until finalized, for
	// final-blocks-only sessions
	pending []*scheduler.BlockOutput
}

// New validates the request and assembles a session. A validation error
// rejects the request outright; no session exists and nothing is sent.
func New(cfg Config, req *Request, sender Sender) (*Session, error) {
	switch {
	case cfg.Source == nil:
		return nil, ErrMissingSource
	case cfg.Runner == nil:
		return nil, ErrMissingRunner
	case sender == nil:
		return nil, ErrMissingSender
	}
	if cfg.SaveInterval == 0 {
		cfg.SaveInterval = defaultSaveInterval
	}
	graph, err := req.Validate()
	if err != nil {
		return nil, err
	}
	var stages []manifest.Stage
	if req.ProductionMode {
		// Production runs only what the output module needs
		stages, err = manifest.Plan(graph, req.OutputModule)
	} else {
		// Development runs everything so debug output covers all modules
		stages, err = manifest.PlanAll(graph)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRequest, err)
	}
	planned := make(map[string]bool)
	for _, st := range stages {
		for _, name := range st.Modules {
			planned[name] = true
		}
	}
	var storeNames []string
	for _, name := range graph.StoreModules() {
		if planned[name] {
			storeNames = append(storeNames, name)
		}
	}
	stores, err := store.NewRegistry(storeNames, cfg.SaveInterval)
	if err != nil {
		return nil, err
	}
	closure, err := graph.DependencyClosure(req.OutputModule)
	if err != nil {
		return nil, err
	}
	fatal := make(map[string]bool, len(closure))
	for _, idx := range closure {
		fatal[graph.Module(idx).Name] = true
	}
	id := uuid.NewString()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session", id)
	sched, err := scheduler.New(scheduler.Config{
		Graph:        graph,
		Stages:       stages,
		Stores:       stores,
		Source:       cfg.Source,
		Runner:       cfg.Runner,
		OutputModule: req.OutputModule,
		FatalModules: fatal,
		MaxWorkers:   cfg.MaxWorkers,
		SegmentSize:  cfg.SegmentSize,
		SnapshotSink: cfg.SnapshotSink,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	s := &Session{
		id:     id,
		config: cfg,
		req:    req,
		sender: sender,
		logger: logger,
		graph:  graph,
		stages: stages,
		stores: stores,
		sched:  sched,
	}
	s.state.Store(uint32(StateInitializing))
	return s, nil
}

// ID returns the session's trace identifier
func (s *Session) ID() string {
	return s.id
}

// State returns the session's current lifecycle phase
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(uint32(st))
}

// Run drives the session to a terminal state. It sends exactly one
// SessionInit, streams data until the stop block, the context, or a fatal
// error ends the session, and sends at most one terminal Error.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	head, err := s.config.Source.HeadBlock(ctx)
	if err != nil {
		s.setState(StateFailed)
		return err
	}
	resolvedStart := s.resolveStart(head)
	if s.req.StopBlockNum > 0 && resolvedStart >= s.req.StopBlockNum {
		s.setState(StateFailed)
		return fmt.Errorf(
			"%w: start %d stop %d",
			ErrStartBeyondStop,
			resolvedStart,
			s.req.StopBlockNum,
		)
	}
	handoff := resolvedStart
	workers := 1
	if s.req.ProductionMode {
		handoff = head
		if s.req.StopBlockNum > 0 && handoff > s.req.StopBlockNum {
			handoff = s.req.StopBlockNum
		}
		if handoff < resolvedStart {
			handoff = resolvedStart
		}
		workers = s.sched.MaxWorkers()
	}
	s.logger.Info(
		"session accepted",
		"start", resolvedStart,
		"handoff", handoff,
		"stop", s.req.StopBlockNum,
		"production", s.req.ProductionMode,
	)
	if err := s.send(&SessionInit{
		TraceID:            s.id,
		ResolvedStartBlock: resolvedStart,
		LinearHandoffBlock: handoff,
		MaxParallelWorkers: uint32(workers),
	}); err != nil {
		s.setState(StateFailed)
		return err
	}
	s.setState(StateStreaming)

	agg := progress.NewAggregator(s.sched, s.stores, s.config.ProgressInterval, s.emitProgress)
	if s.config.Registerer != nil {
		if err := agg.WithRegisterer(s.config.Registerer, s.id); err != nil {
			s.logger.Warn("metrics registration failed", "error", err)
		}
	}
	progCtx, progCancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		agg.Run(progCtx)
	}()
	var stopOnce sync.Once
	stopProgress := func() {
		stopOnce.Do(func() {
			progCancel()
			wg.Wait()
		})
	}
	defer stopProgress()

	err = s.stream(ctx, resolvedStart, handoff)
	// Progress emission stops before any terminal message so the Error or
	// stream close is the last thing the client sees
	stopProgress()
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			s.logger.Info("session closed by client", "error", err)
			s.setState(StateClosed)
			return err
		}
		s.sendTerminalError(err)
		s.setState(StateFailed)
		return err
	}
	s.setState(StateClosed)
	return nil
}

// resolveStart maps the request's start position to an absolute block
// number. A cursor wins over a start block; negative start blocks are
// relative to the head at session start.
func (s *Session) resolveStart(head uint64) uint64 {
	if s.req.StartCursor != "" {
		// Already validated in New
		if cur, err := DecodeCursor(s.req.StartCursor); err == nil {
			return cur.Block + 1
		}
	}
	if s.req.StartBlockNum < 0 {
		back := uint64(-s.req.StartBlockNum)
		if back > head {
			return 0
		}
		return head - back
	}
	return uint64(s.req.StartBlockNum)
}

// storeStartBlock is the earliest block store modules need to see so their
// state is complete at the resolved start
func (s *Session) storeStartBlock(resolvedStart uint64) uint64 {
	start := resolvedStart
	for _, name := range s.stores.Names() {
		idx, _ := s.graph.Lookup(name)
		if initial := s.graph.Module(idx).InitialBlock; initial < start {
			start = initial
		}
	}
	return start
}

func (s *Session) stream(ctx context.Context, resolvedStart, handoff uint64) error {
	storeStart := s.storeStartBlock(resolvedStart)
	if !s.req.ProductionMode {
		if err := s.sched.SyncStores(ctx, storeStart, resolvedStart); err != nil {
			return err
		}
		if err := s.streamInitialSnapshots(ctx, resolvedStart); err != nil {
			return err
		}
		return s.linearLoop(ctx, handoff)
	}
	if resolvedStart < handoff {
		if err := s.backfill(ctx, storeStart, resolvedStart, handoff); err != nil {
			return err
		}
		return s.linearLoop(ctx, handoff)
	}
	// Starting at or past the head leaves no backfill range, but store
	// state must still cover the modules' initial blocks
	if err := s.sched.SyncStores(ctx, storeStart, resolvedStart); err != nil {
		return err
	}
	return s.linearLoop(ctx, handoff)
}

// backfill runs the parallel historical phase and drains its outputs in
// strict block order. Blocks below the resolved start are executed only to
// build store state and are never delivered.
func (s *Session) backfill(ctx context.Context, storeStart, resolvedStart, handoff uint64) error {
	rng, err := scheduler.NewBlockRange(storeStart, handoff)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.sched.Backfill(gctx, rng)
	})
	g.Go(func() error {
		for n := rng.StartBlock; n < rng.EndBlock; n++ {
			out, err := s.sched.NextOutput(gctx, n)
			if err != nil {
				return err
			}
			if n < resolvedStart {
				continue
			}
			if err := s.deliver(gctx, out); err != nil {
				return err
			}
		}
		return nil
	})
	return g.Wait()
}

// streamInitialSnapshots sends the requested stores' state at the resolved
// start block, paginated, followed by a single completion marker
func (s *Session) streamInitialSnapshots(ctx context.Context, resolvedStart uint64) error {
	if len(s.req.DebugInitialStoreSnapshotForModules) == 0 {
		return nil
	}
	for _, name := range s.req.DebugInitialStoreSnapshotForModules {
		sto, err := s.stores.Get(name)
		if err != nil {
			return err
		}
		for _, page := range sto.SnapshotPages(s.config.SnapshotBatchSize) {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := s.send(&InitialSnapshotData{
				Module:    name,
				Deltas:    page.Deltas,
				SentKeys:  page.SentKeys,
				TotalKeys: page.TotalKeys,
			}); err != nil {
				return err
			}
		}
	}
	cursor := ""
	if resolvedStart > 0 {
		block, err := s.config.Source.BlockAt(ctx, resolvedStart-1)
		if err != nil {
			return err
		}
		cursor, err = s.cursorFor(block)
		if err != nil {
			return err
		}
	}
	return s.send(&InitialSnapshotComplete{Cursor: cursor})
}

// linearLoop is the strictly sequential phase: catch up to the head via
// direct fetches, then follow tip updates, emitting undo signals on reorgs
func (s *Session) linearLoop(ctx context.Context, from uint64) error {
	next := from
	stop := s.req.StopBlockNum
	head, err := s.config.Source.HeadBlock(ctx)
	if err != nil {
		return err
	}
	for stop == 0 || next < stop {
		if next > head {
			upd, err := s.config.Source.Next(ctx)
			if err != nil {
				return err
			}
			switch u := upd.(type) {
			case source.RollForward:
				if u.Block.Number > head {
					head = u.Block.Number
				}
			case source.RollBackward:
				if u.LastValidBlock < head {
					head = u.LastValidBlock
				}
				if err := s.handleReorg(ctx, u.LastValidBlock, &next); err != nil {
					return err
				}
			}
			continue
		}
		block, err := s.config.Source.BlockAt(ctx, next)
		if err != nil {
			return err
		}
		out, err := s.sched.ProcessBlock(ctx, block, !s.req.ProductionMode)
		if err != nil {
			return err
		}
		if err := s.deliver(ctx, out); err != nil {
			return err
		}
		next++
	}
	return s.flushPending(ctx)
}

// handleReorg rolls unmerged store state back to the fork point and, unless
// the session is final-blocks-only, tells the client which delivered blocks
// to discard. Processing resumes from the block after the fork point.
func (s *Session) handleReorg(ctx context.Context, lastValid uint64, next *uint64) error {
	if *next <= lastValid+1 {
		return nil
	}
	s.logger.Info("reorg", "last_valid", lastValid, "next", *next)
	if err := s.stores.RollbackAll(lastValid); err != nil {
		return err
	}
	s.sched.DiscardOutputsAbove(lastValid)
	s.dropPendingAbove(lastValid)
	if !s.req.FinalBlocksOnly {
		// Delivered blocks above the fork must be undone client-side. In
		// final-blocks-only mode everything delivered was final, so nothing
		// above the fork ever reached the client.
		block, err := s.config.Source.BlockAt(ctx, lastValid)
		if err != nil {
			return err
		}
		cursor, err := s.cursorFor(block)
		if err != nil {
			return err
		}
		if err := s.send(&BlockUndoSignal{
			LastValidBlock:  lastValid,
			LastValidCursor: cursor,
		}); err != nil {
			return err
		}
	}
	*next = lastValid + 1
	return nil
}

// deliver sends one block's data, or parks it until finalized when the
// session is final-blocks-only
func (s *Session) deliver(ctx context.Context, out *scheduler.BlockOutput) error {
	if !s.req.FinalBlocksOnly {
		return s.sendBlockData(ctx, out)
	}
	s.pending = append(s.pending, out)
	return s.flushPending(ctx)
}

// flushPending sends every parked block at or below the current final
// height, in order
func (s *Session) flushPending(ctx context.Context) error {
	if len(s.pending) == 0 {
		return nil
	}
	final, err := s.config.Source.FinalBlockHeight(ctx)
	if err != nil {
		return err
	}
	for len(s.pending) > 0 {
		out := s.pending[0]
		if out.Block.Number > final && !out.Block.Final {
			break
		}
		if err := s.sendBlockData(ctx, out); err != nil {
			return err
		}
		s.pending = s.pending[1:]
	}
	return nil
}

func (s *Session) dropPendingAbove(block uint64) {
	kept := s.pending[:0]
	for _, out := range s.pending {
		if out.Block.Number <= block {
			kept = append(kept, out)
		}
	}
	s.pending = kept
}

func (s *Session) cursorFor(block *source.Block) (string, error) {
	return Cursor{
		Block:        block.Number,
		Hash:         block.Hash,
		OutputModule: s.req.OutputModule,
		Final:        block.Final,
	}.Encode()
}

func (s *Session) sendBlockData(ctx context.Context, out *scheduler.BlockOutput) error {
	cursor, err := s.cursorFor(out.Block)
	if err != nil {
		return err
	}
	final, err := s.config.Source.FinalBlockHeight(ctx)
	if err != nil {
		return err
	}
	logs, truncated := truncateLogs(out.OutputLogs, out.OutputLogsTruncated)
	msg := &BlockScopedData{
		Clock: Clock{
			Number:    out.Block.Number,
			Hash:      out.Block.Hash,
			Timestamp: out.Block.Timestamp,
		},
		Cursor:           cursor,
		FinalBlockHeight: final,
		Output: MapModuleOutput{
			Name:          s.req.OutputModule,
			Data:          out.Output,
			Logs:          logs,
			LogsTruncated: truncated,
		},
	}
	for _, dbg := range out.Debug {
		dbgLogs, dbgTruncated := truncateLogs(dbg.Logs, dbg.LogsTruncated)
		switch dbg.Kind {
		case manifest.ModuleKindStore:
			msg.DebugStoreOutputs = append(msg.DebugStoreOutputs, StoreModuleOutput{
				Name:          dbg.Name,
				Deltas:        dbg.Deltas,
				Logs:          dbgLogs,
				LogsTruncated: dbgTruncated,
			})
		case manifest.ModuleKindMap:
			if dbg.Name == s.req.OutputModule {
				continue
			}
			msg.DebugMapOutputs = append(msg.DebugMapOutputs, MapModuleOutput{
				Name:          dbg.Name,
				Data:          dbg.Output,
				Logs:          dbgLogs,
				LogsTruncated: dbgTruncated,
			})
		}
	}
	return s.send(msg)
}

// sendTerminalError emits the at-most-one terminal Error message. Send
// failures at this point are logged and swallowed; the session is already
// failing.
func (s *Session) sendTerminalError(cause error) {
	msg := &Error{Reason: cause.Error()}
	var modErr *source.ModuleError
	if errors.As(cause, &modErr) {
		logs, truncated := truncateLogs(modErr.Logs, modErr.LogsTruncated)
		msg.Module = modErr.Module
		msg.Reason = modErr.Reason
		msg.Logs = logs
		msg.LogsTruncated = truncated
	}
	if err := s.send(msg); err != nil {
		s.logger.Warn("terminal error send failed", "error", err)
	}
}

func (s *Session) emitProgress(sample progress.Snapshot) {
	msg := &ModulesProgress{
		BytesRead:    sample.BytesRead,
		BytesWritten: sample.BytesWritten,
	}
	for _, job := range sample.Jobs {
		msg.Jobs = append(msg.Jobs, JobProgress{
			Stage:           job.Stage,
			StartBlock:      job.Range.StartBlock,
			EndBlock:        job.Range.EndBlock,
			ProcessedBlocks: job.ProcessedBlocks,
			DurationMillis:  uint64(job.Duration.Milliseconds()),
		})
	}
	names := make([]string, 0, len(sample.Modules))
	for name := range sample.Modules {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		stat := sample.Modules[name]
		mp := ModuleProgress{
			Name:               name,
			ExecCount:          stat.ExecCount,
			ExecDurationMillis: uint64(stat.ExecDuration.Milliseconds()),
			ErrorCount:         stat.ErrorCount,
		}
		if st, ok := sample.Stores[name]; ok {
			mp.StoreDeltasApplied = st.DeltasApplied
			mp.StoreKeyCount = st.KeyCount
			mp.StoreSizeBytes = st.SizeBytes
			mp.StoreMergeCount = st.MergeCount
			mp.StoreMergeMillis = uint64(st.MergeDuration.Milliseconds())
			mp.StoreCurrentlyMerging = st.Merging
			mp.HighestContiguousBlock = st.HighestContiguousBlock
		}
		msg.Modules = append(msg.Modules, mp)
	}
	if err := s.send(msg); err != nil {
		s.logger.Debug("progress send failed", "error", err)
	}
}

func (s *Session) send(msg Response) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.sender.Send(msg)
}
