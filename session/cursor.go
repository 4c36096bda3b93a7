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
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/blake2b"
)

// ErrInvalidCursor is returned when a resumption token fails decoding or
// its checksum does not match
var ErrInvalidCursor = errors.New("session: invalid cursor")

const cursorChecksumLen = 8

// Cursor pins an exact position in a stream. Clients treat the encoded form
// as opaque; resuming with a cursor replays from the block after the one it
// names (or from the fork point after an undo signal).
type Cursor struct {
	Block        uint64 `cbor:"1,keyasint"`
	Hash         []byte `cbor:"2,keyasint"`
	OutputModule string `cbor:"3,keyasint"`
	Final        bool   `cbor:"4,keyasint,omitempty"`
}

// Encode serializes the cursor into its opaque token form: a CBOR payload
// followed by a truncated BLAKE2b checksum, base64url without padding
func (c Cursor) Encode() (string, error) {
	payload, err := cbor.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("session: encode cursor: %w", err)
	}
	sum := blake2b.Sum256(payload)
	token := make([]byte, 0, len(payload)+cursorChecksumLen)
	token = append(token, payload...)
	token = append(token, sum[:cursorChecksumLen]...)
	return base64.RawURLEncoding.EncodeToString(token), nil
}

// DecodeCursor parses and verifies an opaque cursor token
func DecodeCursor(token string) (*Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCursor, err)
	}
	if len(raw) <= cursorChecksumLen {
		return nil, fmt.Errorf("%w: truncated token", ErrInvalidCursor)
	}
	payload := raw[:len(raw)-cursorChecksumLen]
	sum := blake2b.Sum256(payload)
	if !bytes.Equal(raw[len(raw)-cursorChecksumLen:], sum[:cursorChecksumLen]) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrInvalidCursor)
	}
	var c Cursor
	if err := cbor.Unmarshal(payload, &c); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCursor, err)
	}
	return &c, nil
}
