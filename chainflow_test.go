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

package chainflow

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/blinklabs-io/chainflow/internal/chaintest"
	"github.com/blinklabs-io/chainflow/manifest"
	"github.com/blinklabs-io/chainflow/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type captureSender struct {
	mu       sync.Mutex
	messages []session.Response
}

func (c *captureSender) Send(msg session.Response) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
	return nil
}

func (c *captureSender) blockData() []*session.BlockScopedData {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*session.BlockScopedData
	for _, msg := range c.messages {
		if data, ok := msg.(*session.BlockScopedData); ok {
			out = append(out, data)
		}
	}
	return out
}

func testRequest() *session.Request {
	return &session.Request{
		StartBlockNum: 100,
		StopBlockNum:  105,
		OutputModule:  "out",
		Modules: []manifest.Module{
			{Name: "extract", Kind: manifest.ModuleKindMap, InitialBlock: 100},
			{Name: "balances", Kind: manifest.ModuleKindStore, Inputs: []string{"extract"}, InitialBlock: 100},
			{Name: "out", Kind: manifest.ModuleKindMap, Inputs: []string{"extract", "balances"}, InitialBlock: 100},
		},
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New()
	assert.ErrorIs(t, err, ErrNoBlockSource)
	_, err = New(WithBlockSource(chaintest.NewChain(200, 200)))
	assert.ErrorIs(t, err, ErrNoModuleRunner)
	_, err = New(WithModuleRunner(chaintest.NewRunner()))
	assert.ErrorIs(t, err, ErrNoBlockSource)
}

func TestServeBlocks(t *testing.T) {
	engine, err := New(
		WithBlockSource(chaintest.NewChain(200, 200)),
		WithModuleRunner(chaintest.NewRunner()),
		WithMaxParallelWorkers(2),
		WithSegmentSize(10),
		WithStoreSaveInterval(100),
		WithProgressInterval(50*time.Millisecond),
		WithPrometheusRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sender := &captureSender{}
	require.NoError(t, engine.ServeBlocks(ctx, testRequest(), sender))

	data := sender.blockData()
	require.Len(t, data, 5)
	for i, msg := range data {
		assert.Equal(t, uint64(100+i), msg.Clock.Number)
		assert.Equal(t, fmt.Sprintf("out@%d", 100+i), string(msg.Output.Data))
	}
}

func TestServeBlocksRejectsInvalidRequest(t *testing.T) {
	engine, err := New(
		WithBlockSource(chaintest.NewChain(200, 200)),
		WithModuleRunner(chaintest.NewRunner()),
	)
	require.NoError(t, err)

	req := testRequest()
	req.OutputModule = "balances"
	sender := &captureSender{}
	err = engine.ServeBlocks(context.Background(), req, sender)
	assert.ErrorIs(t, err, session.ErrOutputModuleNotMap)
	assert.Empty(t, sender.blockData())
}
