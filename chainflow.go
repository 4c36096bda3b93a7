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

// Package chainflow is a streaming execution engine for blockchain data
// transforms. Clients declare a DAG of map and store modules; the engine
// executes it over a block range in dependency-ordered stages, maintains
// keyed store state with deterministic merge boundaries, and streams the
// target module's output with resumable cursors and reorg undo signals.
package chainflow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/blinklabs-io/chainflow/scheduler"
	"github.com/blinklabs-io/chainflow/session"
	"github.com/blinklabs-io/chainflow/source"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ErrNoBlockSource  = errors.New("chainflow: a block source is required")
	ErrNoModuleRunner = errors.New("chainflow: a module runner is required")
)

// Engine serves streaming sessions against one block source and module
// runtime. It is safe for concurrent use; every ServeBlocks call runs an
// independent session with its own stores and scheduler.
type Engine struct {
	source            source.BlockSource
	runner            source.ModuleRunner
	logger            *slog.Logger
	maxWorkers        int
	segmentSize       uint64
	saveInterval      uint64
	snapshotSink      scheduler.SnapshotSink
	snapshotBatchSize int
	progressInterval  time.Duration
	registerer        prometheus.Registerer
}

// New creates an engine. A block source and a module runner are required;
// everything else has working defaults.
func New(opts ...EngineOptionFunc) (*Engine, error) {
	e := &Engine{}
	for _, opt := range opts {
		opt(e)
	}
	if e.source == nil {
		return nil, ErrNoBlockSource
	}
	if e.runner == nil {
		return nil, ErrNoModuleRunner
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e, nil
}

// ServeBlocks runs one streaming session to completion: request validation,
// the backfill and live phases, and a terminal state. The error return
// mirrors what the client saw in-band.
func (e *Engine) ServeBlocks(
	ctx context.Context,
	req *session.Request,
	sender session.Sender,
) error {
	sess, err := session.New(e.sessionConfig(), req, sender)
	if err != nil {
		e.logger.Info("session rejected", "error", err)
		return err
	}
	e.logger.Info(
		"session starting",
		"session", sess.ID(),
		"output_module", req.OutputModule,
		"production", req.ProductionMode,
	)
	err = sess.Run(ctx)
	e.logger.Info(
		"session finished",
		"session", sess.ID(),
		"state", sess.State().String(),
	)
	return err
}

func (e *Engine) sessionConfig() session.Config {
	return session.Config{
		Source:            e.source,
		Runner:            e.runner,
		Logger:            e.logger,
		MaxWorkers:        e.maxWorkers,
		SegmentSize:       e.segmentSize,
		SaveInterval:      e.saveInterval,
		SnapshotSink:      e.snapshotSink,
		SnapshotBatchSize: e.snapshotBatchSize,
		ProgressInterval:  e.progressInterval,
		Registerer:        e.registerer,
	}
}
