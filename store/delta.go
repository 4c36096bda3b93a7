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

// Package store implements the keyed store engine: per-module delta logs,
// periodically merged key-value snapshots, and snapshot-consistent replay
package store

import (
	"fmt"
)

// Operation is the kind of mutation a delta applies to a key
type Operation uint8

const (
	OperationCreate Operation = 1
	OperationUpdate Operation = 2
	OperationDelete Operation = 3
)

func (o Operation) String() string {
	switch o {
	case OperationCreate:
		return "CREATE"
	case OperationUpdate:
		return "UPDATE"
	case OperationDelete:
		return "DELETE"
	}
	return fmt.Sprintf("unknown(%d)", uint8(o))
}

// Delta is a single keyed mutation produced by a store module. Ordinals are
// assigned by the producing event and totally order mutations within a block.
type Delta struct {
	Operation Operation
	Ordinal   uint64
	Key       string
	OldValue  []byte
	NewValue  []byte
}

// applyTo folds the delta into a key space in place
func (d Delta) applyTo(kv map[string][]byte) {
	switch d.Operation {
	case OperationCreate, OperationUpdate:
		kv[d.Key] = d.NewValue
	case OperationDelete:
		delete(kv, d.Key)
	}
}
