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

// Package chaintest provides deterministic fakes for the engine's
// collaborator interfaces, used across package tests
package chaintest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/blinklabs-io/chainflow/source"
	"github.com/blinklabs-io/chainflow/store"
)

var baseTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Block builds a deterministic block for the given number: two events per
// block with globally monotonic ordinals
func Block(number, final uint64) *source.Block {
	return &source.Block{
		Number:    number,
		Hash:      fmt.Appendf(nil, "hash-%d", number),
		Parent:    fmt.Appendf(nil, "hash-%d", number-1),
		Timestamp: baseTime.Add(time.Duration(number) * time.Second),
		Final:     number <= final,
		Payload:   fmt.Appendf(nil, "block-%d", number),
		Events: []source.Event{
			{Ordinal: number * 10, Payload: fmt.Appendf(nil, "ev-%d-a", number)},
			{Ordinal: number*10 + 1, Payload: fmt.Appendf(nil, "ev-%d-b", number)},
		},
	}
}

// Chain is a scripted fake blockchain. Historical blocks are served
// deterministically by number; tip updates (roll forward / roll backward)
// are pushed by the test.
type Chain struct {
	mu      sync.Mutex
	head    uint64
	final   uint64
	updates chan source.Update
}

// NewChain creates a chain with the given head and final heights
func NewChain(head, final uint64) *Chain {
	return &Chain{
		head:    head,
		final:   final,
		updates: make(chan source.Update, 64),
	}
}

// PushBlock scripts a roll-forward tip update and advances the head
func (c *Chain) PushBlock(number uint64) {
	c.mu.Lock()
	if number > c.head {
		c.head = number
	}
	c.mu.Unlock()
	c.updates <- source.RollForward{Block: c.BlockFor(number)}
}

// PushReorg scripts a reorg notification
func (c *Chain) PushReorg(lastValidBlock uint64) {
	c.mu.Lock()
	if lastValidBlock < c.head {
		c.head = lastValidBlock
	}
	c.mu.Unlock()
	c.updates <- source.RollBackward{LastValidBlock: lastValidBlock}
}

// SetFinal advances the final block height
func (c *Chain) SetFinal(height uint64) {
	c.mu.Lock()
	c.final = height
	c.mu.Unlock()
}

// BlockFor builds the deterministic block for a number with the chain's
// current finality applied
func (c *Chain) BlockFor(number uint64) *source.Block {
	c.mu.Lock()
	final := c.final
	c.mu.Unlock()
	return Block(number, final)
}

func (c *Chain) Next(ctx context.Context) (source.Update, error) {
	select {
	case upd := <-c.updates:
		return upd, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Chain) BlockAt(ctx context.Context, number uint64) (*source.Block, error) {
	c.mu.Lock()
	head := c.head
	c.mu.Unlock()
	if number > head {
		return nil, fmt.Errorf("chaintest: block %d beyond head %d", number, head)
	}
	return c.BlockFor(number), nil
}

func (c *Chain) HeadBlock(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, nil
}

func (c *Chain) FinalBlockHeight(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.final, nil
}

// Runner is a scripted module runtime. By default a map module outputs
// "<name>@<block>" and a store module emits one delta per block event,
// keyed "<name>/<block>". Overrides customize behavior per module.
type Runner struct {
	mu        sync.Mutex
	failures  map[string]error
	overrides map[string]ExecuteFunc
}

// ExecuteFunc is a per-module override for the fake runner
type ExecuteFunc func(block *source.Block, inputs source.Inputs) (*source.Result, error)

// NewRunner creates a fake runner with default behavior for every module
func NewRunner() *Runner {
	return &Runner{
		failures:  make(map[string]error),
		overrides: make(map[string]ExecuteFunc),
	}
}

// FailModule makes every invocation of the named module return the error
func (r *Runner) FailModule(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[name] = err
}

// Override replaces the default behavior for the named module
func (r *Runner) Override(name string, fn ExecuteFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[name] = fn
}

func (r *Runner) Execute(
	ctx context.Context,
	module string,
	block *source.Block,
	inputs source.Inputs,
) (*source.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	failure := r.failures[module]
	override := r.overrides[module]
	r.mu.Unlock()
	if failure != nil {
		return nil, &source.ModuleError{
			Module: module,
			Reason: failure.Error(),
			Logs:   []string{"wasm trap: " + failure.Error()},
		}
	}
	if override != nil {
		return override(block, inputs)
	}
	result := &source.Result{
		Output:    fmt.Appendf(nil, "%s@%d", module, block.Number),
		BytesRead: uint64(len(block.Payload)),
	}
	for _, ev := range block.Events {
		result.Deltas = append(result.Deltas, store.Delta{
			Operation: store.OperationCreate,
			Ordinal:   ev.Ordinal,
			Key:       fmt.Sprintf("%s/%d", module, block.Number),
			NewValue:  ev.Payload,
		})
		result.BytesWritten += uint64(len(ev.Payload))
	}
	return result, nil
}
