// Package server exposes the relay over gRPC.  Payloads are JSON documents inside
// protobuf BytesValue wrappers, so the service needs no generated code.
package server

import (
	"context"

	sgo "github.com/gagliardetto/solana-go"
	jsoniter "github.com/json-iterator/go"
	log "github.com/sirupsen/logrus"
	dssub "github.com/solpipe/delivery/ds/sub"
	"github.com/solpipe/delivery/errormsg"
	"github.com/solpipe/delivery/source"
	"github.com/solpipe/delivery/tx"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	SERVICE_NAME       = "delivery.Relay"
	METHOD_SUBMIT      = "/delivery.Relay/Submit"
	METHOD_CONTROL     = "/delivery.Relay/Control"
	METHOD_RESOLUTIONS = "/delivery.Relay/Resolutions"
)

// Agent is the part of the relay the ingress needs.
type Agent interface {
	Submit(ctx context.Context, msg tx.Message) (tx.Handle, error)
	Control(ctx context.Context, c source.Control) error
	OnResolution() dssub.Subscription[tx.Resolution]
}

// RelayServer is implemented by the ingress and registered through ServiceDesc.
type RelayServer interface {
	Submit(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	Control(ctx context.Context, req *wrapperspb.BytesValue) (*emptypb.Empty, error)
	Resolutions(req *emptypb.Empty, stream grpc.ServerStream) error
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: SERVICE_NAME,
	HandlerType: (*RelayServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: submitHandler},
		{MethodName: "Control", Handler: controlHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Resolutions", Handler: resolutionsHandler, ServerStreams: true},
	},
	Metadata: "delivery/relay.proto",
}

func submitHandler(
	srv interface{},
	ctx context.Context,
	dec func(interface{}) error,
	interceptor grpc.UnaryServerInterceptor,
) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RelayServer).Submit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: METHOD_SUBMIT}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RelayServer).Submit(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func controlHandler(
	srv interface{},
	ctx context.Context,
	dec func(interface{}) error,
	interceptor grpc.UnaryServerInterceptor,
) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RelayServer).Control(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: METHOD_CONTROL}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RelayServer).Control(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func resolutionsHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(RelayServer).Resolutions(in, stream)
}

type external struct {
	ctx   context.Context
	agent Agent
	em    errormsg.ErrorMessage
}

// Attach registers the relay service on every server in sList.
func Attach(ctx context.Context, sList []*grpc.Server, agent Agent, em errormsg.ErrorMessage) {
	e1 := external{ctx: ctx, agent: agent, em: em}
	for i := 0; i < len(sList); i++ {
		sList[i].RegisterService(&ServiceDesc, e1)
	}
	log.Debugf("relay ingress attached to %d servers", len(sList))
}

// status maps a delivery error onto a grpc status, masking details in production.
func (e1 external) toStatus(err error) error {
	if err == nil {
		return nil
	}
	var code codes.Code
	switch errormsg.Classify(err) {
	case errormsg.ClassApplicationRejected:
		code = codes.InvalidArgument
	case errormsg.ClassAllEndpointsUnavailable, errormsg.ClassEndpointUnavailable, errormsg.ClassTransport:
		code = codes.Unavailable
	case errormsg.ClassExpired:
		code = codes.DeadlineExceeded
	case errormsg.ClassPermanentFailure:
		code = codes.FailedPrecondition
	default:
		code = codes.Internal
	}
	return status.Error(code, e1.em.Error(err).Error())
}

// HandleReply is the Submit response document.
type HandleReply struct {
	Id        string `json:"id"`
	Job       string `json:"job"`
	Signature string `json:"signature"`
}

// ControlRequest is the Control request document.
type ControlRequest struct {
	Kind  string `json:"kind"`
	Job   string `json:"job"`
	Class string `json:"class,omitempty"`
}

// ResolutionReply is one Resolutions stream document.
type ResolutionReply struct {
	Job        string `json:"job"`
	Signature  string `json:"signature"`
	Outcome    string `json:"outcome"`
	Attempts   int    `json:"attempts"`
	LastClass  string `json:"last_class"`
	ResolvedAt int64  `json:"resolved_at"`
}

func resolutionReply(r tx.Resolution) ResolutionReply {
	return ResolutionReply{
		Job:        r.JobId.String(),
		Signature:  r.Signature.String(),
		Outcome:    r.Outcome.String(),
		Attempts:   r.Attempts,
		LastClass:  r.LastClass.String(),
		ResolvedAt: r.ResolvedAt.UnixMilli(),
	}
}

func parseControl(req ControlRequest) (source.Control, error) {
	kind, err := source.ParseControlKind(req.Kind)
	if err != nil {
		return source.Control{}, err
	}
	job, err := sgo.PublicKeyFromBase58(req.Job)
	if err != nil {
		return source.Control{}, err
	}
	c := source.Control{Kind: kind, JobId: job}
	if len(req.Class) != 0 {
		c.Class, err = errormsg.ParseClass(req.Class)
		if err != nil {
			return source.Control{}, err
		}
	}
	return c, nil
}
