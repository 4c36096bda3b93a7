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

package rpc

import (
	"fmt"

	"github.com/blinklabs-io/chainflow/session"
)

// ResponseEnvelope is the wire form of the session response union. Exactly
// one field is set per message.
type ResponseEnvelope struct {
	SessionInit      *session.SessionInit             `cbor:"1,keyasint,omitempty"`
	Progress         *session.ModulesProgress         `cbor:"2,keyasint,omitempty"`
	BlockData        *session.BlockScopedData         `cbor:"3,keyasint,omitempty"`
	Undo             *session.BlockUndoSignal         `cbor:"4,keyasint,omitempty"`
	SnapshotData     *session.InitialSnapshotData     `cbor:"5,keyasint,omitempty"`
	SnapshotComplete *session.InitialSnapshotComplete `cbor:"6,keyasint,omitempty"`
	Error            *session.Error                   `cbor:"7,keyasint,omitempty"`
}

// Wrap boxes a session response for the wire
func Wrap(msg session.Response) (*ResponseEnvelope, error) {
	switch m := msg.(type) {
	case *session.SessionInit:
		return &ResponseEnvelope{SessionInit: m}, nil
	case *session.ModulesProgress:
		return &ResponseEnvelope{Progress: m}, nil
	case *session.BlockScopedData:
		return &ResponseEnvelope{BlockData: m}, nil
	case *session.BlockUndoSignal:
		return &ResponseEnvelope{Undo: m}, nil
	case *session.InitialSnapshotData:
		return &ResponseEnvelope{SnapshotData: m}, nil
	case *session.InitialSnapshotComplete:
		return &ResponseEnvelope{SnapshotComplete: m}, nil
	case *session.Error:
		return &ResponseEnvelope{Error: m}, nil
	}
	return nil, fmt.Errorf("rpc: unhandled response type %T", msg)
}

// Message unboxes the single set field, or nil for an empty envelope
func (e *ResponseEnvelope) Message() session.Response {
	switch {
	case e.SessionInit != nil:
		return e.SessionInit
	case e.Progress != nil:
		return e.Progress
	case e.BlockData != nil:
		return e.BlockData
	case e.Undo != nil:
		return e.Undo
	case e.SnapshotData != nil:
		return e.SnapshotData
	case e.SnapshotComplete != nil:
		return e.SnapshotComplete
	case e.Error != nil:
		return e.Error
	}
	return nil
}
