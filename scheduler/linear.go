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

	"github.com/blinklabs-io/chainflow/source"
)

// ProcessBlock executes every planned module against one block, strictly
// sequentially. This is the only execution path after the linear handoff
// block and the sole path in development mode, where collectDebug also
// captures every module's output, deltas, and logs.
func (s *Scheduler) ProcessBlock(
	ctx context.Context,
	block *source.Block,
	collectDebug bool,
) (*BlockOutput, error) {
	apply := make(map[int]bool, len(s.allModules))
	for _, st := range s.stages {
		for _, name := range st.storeNames {
			idx, _ := s.config.Graph.Lookup(name)
			apply[idx] = true
		}
	}
	out, err := s.runModules(ctx, block, s.allModules, apply, collectDebug)
	if err != nil {
		return nil, err
	}
	// Periodic merge at save-interval boundaries. All stores in a session
	// share one save interval, so checking the first is enough.
	if names := s.config.Stores.Names(); len(names) > 0 {
		sto, err := s.config.Stores.Get(names[0])
		if err != nil {
			return nil, err
		}
		if sto.BoundaryReached(block.Number) {
			if err := s.mergeAllStores(ctx, block.Number); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// SyncStores replays blocks through the store modules only, without
// retaining any map output. Sessions use this to bring stores from their
// initial blocks up to the resolved start block whenever no delivering
// backfill covers that range: always in development mode, and in
// production when the start resolves at or past the head.
func (s *Scheduler) SyncStores(ctx context.Context, from, to uint64) error {
	if from >= to {
		return nil
	}
	apply := make(map[int]bool, len(s.allModules))
	for _, st := range s.stages {
		for _, name := range st.storeNames {
			idx, _ := s.config.Graph.Lookup(name)
			apply[idx] = true
		}
	}
	for n := from; n < to; n++ {
		block, err := s.config.Source.BlockAt(ctx, n)
		if err != nil {
			return err
		}
		if _, err := s.runModules(ctx, block, s.allModules, apply, false); err != nil {
			return err
		}
	}
	return s.mergeAllStores(ctx, to-1)
}
