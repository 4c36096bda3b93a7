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
	"errors"

	"github.com/blinklabs-io/chainflow/session"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "chainflow.v1.Stream"

// BlocksHandler runs one streaming session per Blocks call. The engine's
// ServeBlocks satisfies this.
type BlocksHandler interface {
	ServeBlocks(ctx context.Context, req *session.Request, sender session.Sender) error
}

// RegisterBlocksServer registers the Blocks streaming service on a gRPC
// server
func RegisterBlocksServer(reg grpc.ServiceRegistrar, handler BlocksHandler) {
	reg.RegisterService(&blocksServiceDesc, handler)
}

var blocksServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BlocksHandler)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Blocks",
			Handler:       blocksHandler,
			ServerStreams: true,
		},
	},
	Metadata: "chainflow/v1/stream",
}

func blocksHandler(srv any, stream grpc.ServerStream) error {
	var req session.Request
	if err := stream.RecvMsg(&req); err != nil {
		return err
	}
	err := srv.(BlocksHandler).ServeBlocks(
		stream.Context(),
		&req,
		&streamSender{stream: stream},
	)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrInvalidRequest):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	// Module failures and internal errors were already reported in-band as a
	// terminal Error message
	return status.Error(codes.Internal, err.Error())
}

// streamSender adapts a gRPC server stream to the session Sender
type streamSender struct {
	stream grpc.ServerStream
}

func (s *streamSender) Send(msg session.Response) error {
	env, err := Wrap(msg)
	if err != nil {
		return err
	}
	return s.stream.SendMsg(env)
}
