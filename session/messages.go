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

// Package session implements the client-facing streaming session: request
// validation, the response message vocabulary, opaque resumption cursors,
// and the state machine driving the backfill and live phases
package session

import (
	"time"

	"github.com/blinklabs-io/chainflow/store"
)

// Response is the tagged union of every message a session can send. Exactly
// one concrete type implements each response kind.
type Response interface {
	isResponse()
}

// Sender delivers responses to the client, typically over a gRPC stream.
// Implementations need not be safe for concurrent use; the session
// serializes all sends.
type Sender interface {
	Send(Response) error
}

// Clock identifies the block a data message is scoped to
type Clock struct {
	Number    uint64    `cbor:"1,keyasint"`
	Hash      []byte    `cbor:"2,keyasint"`
	Timestamp time.Time `cbor:"3,keyasint"`
}

// SessionInit is the first message of every accepted session and is sent
// exactly once
type SessionInit struct {
	TraceID            string `cbor:"1,keyasint"`
	ResolvedStartBlock uint64 `cbor:"2,keyasint"`
	LinearHandoffBlock uint64 `cbor:"3,keyasint"`
	MaxParallelWorkers uint32 `cbor:"4,keyasint"`
}

func (*SessionInit) isResponse() {}

// MapModuleOutput carries one map module's output bytes with its execution
// logs
type MapModuleOutput struct {
	Name          string   `cbor:"1,keyasint"`
	Data          []byte   `cbor:"2,keyasint"`
	Logs          []string `cbor:"3,keyasint,omitempty"`
	LogsTruncated bool     `cbor:"4,keyasint,omitempty"`
}

// StoreModuleOutput carries one store module's delta list for a block,
// development mode only
type StoreModuleOutput struct {
	Name          string        `cbor:"1,keyasint"`
	Deltas        []store.Delta `cbor:"2,keyasint,omitempty"`
	Logs          []string      `cbor:"3,keyasint,omitempty"`
	LogsTruncated bool          `cbor:"4,keyasint,omitempty"`
}

// BlockScopedData is the per-block data message: the target module's output
// and a cursor that resumes the stream immediately after this block
type BlockScopedData struct {
	Clock            Clock           `cbor:"1,keyasint"`
	Cursor           string          `cbor:"2,keyasint"`
	FinalBlockHeight uint64          `cbor:"3,keyasint"`
	Output           MapModuleOutput `cbor:"4,keyasint"`
	// DebugMapOutputs and DebugStoreOutputs are populated in development
	// mode only, covering every executed module
	DebugMapOutputs   []MapModuleOutput   `cbor:"5,keyasint,omitempty"`
	DebugStoreOutputs []StoreModuleOutput `cbor:"6,keyasint,omitempty"`
}

func (*BlockScopedData) isResponse() {}

// BlockUndoSignal tells the client every block after LastValidBlock is no
// longer canonical. The attached cursor resumes from the fork point.
type BlockUndoSignal struct {
	LastValidBlock  uint64 `cbor:"1,keyasint"`
	LastValidCursor string `cbor:"2,keyasint"`
}

func (*BlockUndoSignal) isResponse() {}

// JobProgress reports one live backfill job
type JobProgress struct {
	Stage           int    `cbor:"1,keyasint"`
	StartBlock      uint64 `cbor:"2,keyasint"`
	EndBlock        uint64 `cbor:"3,keyasint"`
	ProcessedBlocks uint64 `cbor:"4,keyasint"`
	DurationMillis  uint64 `cbor:"5,keyasint"`
}

// ModuleProgress reports one module's cumulative execution and store
// counters
type ModuleProgress struct {
	Name                   string `cbor:"1,keyasint"`
	ExecCount              uint64 `cbor:"2,keyasint"`
	ExecDurationMillis     uint64 `cbor:"3,keyasint"`
	ErrorCount             uint64 `cbor:"4,keyasint,omitempty"`
	StoreDeltasApplied     uint64 `cbor:"5,keyasint,omitempty"`
	StoreKeyCount          uint64 `cbor:"6,keyasint,omitempty"`
	StoreSizeBytes         uint64 `cbor:"7,keyasint,omitempty"`
	StoreMergeCount        uint64 `cbor:"8,keyasint,omitempty"`
	StoreMergeMillis       uint64 `cbor:"9,keyasint,omitempty"`
	StoreCurrentlyMerging  bool   `cbor:"10,keyasint,omitempty"`
	HighestContiguousBlock uint64 `cbor:"11,keyasint,omitempty"`
}

// ModulesProgress is the periodic heartbeat. Counters are cumulative for
// the session and never reset.
type ModulesProgress struct {
	Jobs         []JobProgress    `cbor:"1,keyasint,omitempty"`
	Modules      []ModuleProgress `cbor:"2,keyasint,omitempty"`
	BytesRead    uint64           `cbor:"3,keyasint"`
	BytesWritten uint64           `cbor:"4,keyasint"`
}

func (*ModulesProgress) isResponse() {}

// InitialSnapshotData is one page of a development-mode store snapshot
// replay
type InitialSnapshotData struct {
	Module    string              `cbor:"1,keyasint"`
	Deltas    []store.BlockDeltas `cbor:"2,keyasint,omitempty"`
	SentKeys  uint64              `cbor:"3,keyasint"`
	TotalKeys uint64              `cbor:"4,keyasint"`
}

func (*InitialSnapshotData) isResponse() {}

// InitialSnapshotComplete ends the snapshot replay phase; block data
// follows
type InitialSnapshotComplete struct {
	Cursor string `cbor:"1,keyasint"`
}

func (*InitialSnapshotComplete) isResponse() {}

// Error is the terminal failure message, sent at most once per session
type Error struct {
	Module        string   `cbor:"1,keyasint,omitempty"`
	Reason        string   `cbor:"2,keyasint"`
	Logs          []string `cbor:"3,keyasint,omitempty"`
	LogsTruncated bool     `cbor:"4,keyasint,omitempty"`
}

func (*Error) isResponse() {}
