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
	"context"
	"testing"

	"github.com/blinklabs-io/chainflow/session"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	responses := []session.Response{
		&session.SessionInit{TraceID: "t", ResolvedStartBlock: 100},
		&session.BlockScopedData{Cursor: "c"},
		&session.BlockUndoSignal{LastValidBlock: 105},
		&session.Error{Reason: "boom"},
	}
	for _, msg := range responses {
		env, err := Wrap(msg)
		require.NoError(t, err)
		data, err := cbor.Marshal(env)
		require.NoError(t, err)
		var decoded ResponseEnvelope
		require.NoError(t, cbor.Unmarshal(data, &decoded))
		assert.Equal(t, msg, decoded.Message())
	}

	var empty ResponseEnvelope
	assert.Nil(t, empty.Message())
}

func TestCodec(t *testing.T) {
	assert.Equal(t, "cbor", Codec{}.Name())
	req := session.Request{StartBlockNum: 100, OutputModule: "out"}
	data, err := Codec{}.Marshal(&req)
	require.NoError(t, err)
	var decoded session.Request
	require.NoError(t, Codec{}.Unmarshal(data, &decoded))
	assert.Equal(t, req, decoded)
}

// fakeStream is a minimal in-memory grpc.ServerStream
type fakeStream struct {
	grpc.ServerStream
	ctx  context.Context
	req  *session.Request
	sent []*ResponseEnvelope
}

func (f *fakeStream) Context() context.Context {
	return f.ctx
}

func (f *fakeStream) RecvMsg(m any) error {
	*(m.(*session.Request)) = *f.req
	return nil
}

func (f *fakeStream) SendMsg(m any) error {
	f.sent = append(f.sent, m.(*ResponseEnvelope))
	return nil
}

func (f *fakeStream) SetHeader(metadata.MD) error  { return nil }
func (f *fakeStream) SendHeader(metadata.MD) error { return nil }
func (f *fakeStream) SetTrailer(metadata.MD)       {}

type fakeHandler struct {
	gotReq *session.Request
	err    error
}

func (h *fakeHandler) ServeBlocks(
	ctx context.Context,
	req *session.Request,
	sender session.Sender,
) error {
	h.gotReq = req
	if h.err != nil {
		return h.err
	}
	return sender.Send(&session.SessionInit{TraceID: "t"})
}

func TestBlocksHandler(t *testing.T) {
	stream := &fakeStream{
		ctx: context.Background(),
		req: &session.Request{StartBlockNum: 100, OutputModule: "out"},
	}
	handler := &fakeHandler{}
	require.NoError(t, blocksHandler(handler, stream))
	assert.Equal(t, int64(100), handler.gotReq.StartBlockNum)
	require.Len(t, stream.sent, 1)
	assert.Equal(t, "t", stream.sent[0].SessionInit.TraceID)
}

func TestBlocksHandlerStatusMapping(t *testing.T) {
	stream := &fakeStream{
		ctx: context.Background(),
		req: &session.Request{OutputModule: "out"},
	}
	handler := &fakeHandler{err: session.ErrInvalidRequest}
	err := blocksHandler(handler, stream)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	handler.err = context.Canceled
	err = blocksHandler(handler, stream)
	assert.Equal(t, codes.Canceled, status.Code(err))
}
