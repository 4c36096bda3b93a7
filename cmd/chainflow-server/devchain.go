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

package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/blinklabs-io/chainflow/source"
	"github.com/blinklabs-io/chainflow/store"
)

// finalityLag is how far the synthetic finality frontier trails the head
const finalityLag = 6

// devChain produces deterministic synthetic blocks on a fixed interval
type devChain struct {
	mu       sync.Mutex
	head     uint64
	interval time.Duration
	genesis  time.Time
}

func newDevChain(head uint64, interval time.Duration) *devChain {
	return &devChain{
		head:     head,
		interval: interval,
		genesis:  time.Now().Add(-time.Duration(head) * interval),
	}
}

func (c *devChain) block(number uint64) *source.Block {
	c.mu.Lock()
	head := c.head
	c.mu.Unlock()
	return &source.Block{
		Number:    number,
		Hash:      fmt.Appendf(nil, "dev-%d", number),
		Parent:    fmt.Appendf(nil, "dev-%d", number-1),
		Timestamp: c.genesis.Add(time.Duration(number) * c.interval),
		Final:     number+finalityLag <= head,
		Payload:   fmt.Appendf(nil, "payload-%d", number),
		Events: []source.Event{
			{Ordinal: number * 2, Payload: fmt.Appendf(nil, "ev-%d-0", number)},
			{Ordinal: number*2 + 1, Payload: fmt.Appendf(nil, "ev-%d-1", number)},
		},
	}
}

func (c *devChain) Next(ctx context.Context) (source.Update, error) {
	select {
	case <-time.After(c.interval):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	c.mu.Lock()
	c.head++
	head := c.head
	c.mu.Unlock()
	return source.RollForward{Block: c.block(head)}, nil
}

func (c *devChain) BlockAt(ctx context.Context, number uint64) (*source.Block, error) {
	c.mu.Lock()
	head := c.head
	c.mu.Unlock()
	if number > head {
		return nil, fmt.Errorf("devchain: block %d beyond head %d", number, head)
	}
	return c.block(number), nil
}

func (c *devChain) HeadBlock(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, nil
}

func (c *devChain) FinalBlockHeight(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.head < finalityLag {
		return 0, nil
	}
	return c.head - finalityLag, nil
}

// devRunner is a trivial module runtime: map modules echo the block payload
// and store modules index their input events by ordinal
type devRunner struct{}

func (devRunner) Execute(
	ctx context.Context,
	module string,
	block *source.Block,
	inputs source.Inputs,
) (*source.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	result := &source.Result{
		Output:    fmt.Appendf(nil, "%s:%s", module, block.Payload),
		BytesRead: uint64(len(block.Payload)),
	}
	for _, ev := range block.Events {
		result.Deltas = append(result.Deltas, store.Delta{
			Operation: store.OperationCreate,
			Ordinal:   ev.Ordinal,
			Key:       fmt.Sprintf("%s/%d", module, ev.Ordinal),
			NewValue:  ev.Payload,
		})
		result.BytesWritten += uint64(len(ev.Payload))
	}
	return result, nil
}
