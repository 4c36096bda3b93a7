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

// Package rpc exposes the streaming engine over gRPC with CBOR message
// encoding
package rpc

import (
	"github.com/fxamacker/cbor/v2"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content subtype clients request to speak CBOR
const CodecName = "cbor"

func init() {
	encoding.RegisterCodec(Codec{})
}

// Codec marshals gRPC messages as CBOR
type Codec struct{}

func (Codec) Marshal(v any) ([]byte, error) {
	return cbor.Marshal(v)
}

func (Codec) Unmarshal(data []byte, v any) error {
	return cbor.Unmarshal(data, v)
}

func (Codec) Name() string {
	return CodecName
}
