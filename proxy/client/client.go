// Package client calls the relay ingress.
package client

import (
	"context"

	jsoniter "github.com/json-iterator/go"
	"github.com/solpipe/delivery/proxy/server"
	"github.com/solpipe/delivery/tx"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Client does not own conn; close the connection separately.
type Client struct {
	conn grpc.ClientConnInterface
}

func Create(conn grpc.ClientConnInterface) Client {
	return Client{conn: conn}
}

func (c Client) Submit(ctx context.Context, msg tx.Message) (server.HandleReply, error) {
	var ans server.HandleReply
	data, err := json.Marshal(msg)
	if err != nil {
		return ans, err
	}
	out := new(wrapperspb.BytesValue)
	err = c.conn.Invoke(ctx, server.METHOD_SUBMIT, wrapperspb.Bytes(data), out)
	if err != nil {
		return ans, err
	}
	err = json.Unmarshal(out.GetValue(), &ans)
	return ans, err
}

func (c Client) Control(ctx context.Context, req server.ControlRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return c.conn.Invoke(ctx, server.METHOD_CONTROL, wrapperspb.Bytes(data), new(emptypb.Empty))
}

// ResolutionStream reads resolutions until the server ends the stream or ctx ends.
type ResolutionStream struct {
	stream grpc.ClientStream
}

func (c Client) Resolutions(ctx context.Context) (ResolutionStream, error) {
	desc := &server.ServiceDesc.Streams[0]
	stream, err := c.conn.NewStream(ctx, desc, server.METHOD_RESOLUTIONS)
	if err != nil {
		return ResolutionStream{}, err
	}
	if err = stream.SendMsg(new(emptypb.Empty)); err != nil {
		return ResolutionStream{}, err
	}
	if err = stream.CloseSend(); err != nil {
		return ResolutionStream{}, err
	}
	return ResolutionStream{stream: stream}, nil
}

func (rs ResolutionStream) Recv() (server.ResolutionReply, error) {
	var ans server.ResolutionReply
	out := new(wrapperspb.BytesValue)
	if err := rs.stream.RecvMsg(out); err != nil {
		return ans, err
	}
	err := json.Unmarshal(out.GetValue(), &ans)
	return ans, err
}
