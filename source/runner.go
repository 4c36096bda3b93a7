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

package source

import (
	"context"
	"fmt"

	"github.com/blinklabs-io/chainflow/store"
)

// StoreReader gives a module invocation read access to an upstream store's
// key space as of the end of the previous block
type StoreReader interface {
	Get(key string) ([]byte, bool, error)
}

// Inputs are the resolved inputs for one module invocation: upstream map
// outputs by module name and readers for upstream stores
type Inputs struct {
	Outputs map[string][]byte
	Stores  map[string]StoreReader
}

// Result is the outcome of one successful module invocation. The engine
// treats the invocation as an opaque function from (block, inputs) to
// (output bytes, store deltas, logs).
type Result struct {
	Output        []byte
	Deltas        []store.Delta
	Logs          []string
	LogsTruncated bool
	BytesRead     uint64
	BytesWritten  uint64
}

// ModuleError reports a failed module invocation with its (possibly
// truncated) execution logs
type ModuleError struct {
	Module        string
	Reason        string
	Logs          []string
	LogsTruncated bool
}

func (e *ModuleError) Error() string {
	return fmt.Sprintf("module %q failed: %s", e.Module, e.Reason)
}

// ModuleRunner executes user-supplied transform modules. Sandboxing and the
// module instruction set live behind this interface.
type ModuleRunner interface {
	Execute(
		ctx context.Context,
		module string,
		block *Block,
		inputs Inputs,
	) (*Result, error)
}
