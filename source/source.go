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

// Package source declares the engine's collaborator interfaces: the
// external blockchain data source that supplies canonical blocks and reorg
// notifications, and the sandboxed module runtime that executes transforms
package source

import (
	"context"
	"time"
)

// Event is a single state-mutating event within a block. Ordinals are
// globally monotonic within the block and total-order store mutations.
type Event struct {
	Ordinal uint64
	Payload []byte
}

// Block is a canonical block with its ordered event sequence. The payload
// is opaque to the engine; only the numbering and event ordinals matter.
type Block struct {
	Number    uint64
	Hash      []byte
	Parent    []byte
	Timestamp time.Time
	Final     bool
	Payload   []byte
	Events    []Event
}

// Update is the tagged union delivered by a BlockSource: either the next
// canonical block (RollForward) or a reorg notification (RollBackward)
type Update interface {
	isUpdate()
}

// RollForward carries the next canonical block
type RollForward struct {
	Block *Block
}

func (RollForward) isUpdate() {}

// RollBackward notifies that blocks above LastValidBlock left the canonical
// chain. The engine never computes reorgs itself.
type RollBackward struct {
	LastValidBlock uint64
}

func (RollBackward) isUpdate() {}

// BlockSource supplies canonical blocks. Backfill workers fetch historical
// blocks by number; live-tip processing consumes Next sequentially.
type BlockSource interface {
	// Next blocks until the next canonical tip update or reorg
	Next(ctx context.Context) (Update, error)
	// BlockAt fetches a specific historical block
	BlockAt(ctx context.Context, number uint64) (*Block, error)
	// HeadBlock returns the current chain head block number
	HeadBlock(ctx context.Context) (uint64, error)
	// FinalBlockHeight returns the highest block that can no longer reorg
	FinalBlockHeight(ctx context.Context) (uint64, error)
}
