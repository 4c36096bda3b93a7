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
	"errors"
	"fmt"

	"github.com/blinklabs-io/chainflow/manifest"
)

var (
	// ErrInvalidRequest wraps every request-validation failure. Rejected
	// requests never produce a SessionInit.
	ErrInvalidRequest = errors.New("session: invalid request")

	ErrOutputModuleNotMap         = fmt.Errorf("%w: output module must be a map module", ErrInvalidRequest)
	ErrDebugSnapshotsInProduction = fmt.Errorf("%w: initial store snapshots are development-mode only", ErrInvalidRequest)
	ErrSnapshotModuleNotStore     = fmt.Errorf("%w: initial snapshot module must be a store module", ErrInvalidRequest)
	ErrStartBeyondStop            = fmt.Errorf("%w: start block is at or beyond stop block", ErrInvalidRequest)
)

// Request describes one streaming session. Cursor resumption takes
// precedence over StartBlockNum when both are set.
type Request struct {
	// StartBlockNum is the first block to stream. Negative values are
	// relative to the chain head at session start.
	StartBlockNum int64 `cbor:"1,keyasint"`
	// StartCursor resumes a previous stream from its exact position
	StartCursor string `cbor:"2,keyasint,omitempty"`
	// StopBlockNum is exclusive; zero streams forever
	StopBlockNum uint64 `cbor:"3,keyasint,omitempty"`
	// FinalBlocksOnly delivers only finalized blocks and suppresses undo
	// signals
	FinalBlocksOnly bool `cbor:"4,keyasint,omitempty"`
	// ProductionMode enables the parallel backfill and strips debug output
	ProductionMode bool   `cbor:"5,keyasint,omitempty"`
	OutputModule   string `cbor:"6,keyasint"`
	// Modules is the full module graph the session executes
	Modules []manifest.Module `cbor:"7,keyasint"`
	// DebugInitialStoreSnapshotForModules streams the named stores' state at
	// the start block before any block data, development mode only
	DebugInitialStoreSnapshotForModules []string `cbor:"8,keyasint,omitempty"`
}

// Validate checks the request shape against its module graph and returns
// the graph on success. Validation failures reject the session before any
// response is sent.
func (r *Request) Validate() (*manifest.Graph, error) {
	graph, err := manifest.NewGraph(r.Modules)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRequest, err)
	}
	idx, ok := graph.Lookup(r.OutputModule)
	if !ok {
		return nil, fmt.Errorf(
			"%w: unknown output module %q",
			ErrInvalidRequest,
			r.OutputModule,
		)
	}
	if graph.Module(idx).Kind != manifest.ModuleKindMap {
		return nil, fmt.Errorf("%w: %q", ErrOutputModuleNotMap, r.OutputModule)
	}
	if len(r.DebugInitialStoreSnapshotForModules) > 0 {
		if r.ProductionMode {
			return nil, ErrDebugSnapshotsInProduction
		}
		for _, name := range r.DebugInitialStoreSnapshotForModules {
			snapIdx, ok := graph.Lookup(name)
			if !ok {
				return nil, fmt.Errorf(
					"%w: unknown snapshot module %q",
					ErrInvalidRequest,
					name,
				)
			}
			if graph.Module(snapIdx).Kind != manifest.ModuleKindStore {
				return nil, fmt.Errorf("%w: %q", ErrSnapshotModuleNotStore, name)
			}
		}
	}
	if r.StartCursor != "" {
		if _, err := DecodeCursor(r.StartCursor); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidRequest, err)
		}
	}
	return graph, nil
}
