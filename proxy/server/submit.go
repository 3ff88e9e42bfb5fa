package server

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"
	"github.com/solpipe/delivery/tx"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Submit takes a JSON tx.Message and answers with the submission handle.
func (e1 external) Submit(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	if req == nil || len(req.GetValue()) == 0 {
		return nil, status.Error(codes.InvalidArgument, "blank request")
	}
	msg := new(tx.Message)
	if err := json.Unmarshal(req.GetValue(), msg); err != nil {
		return nil, status.Error(codes.InvalidArgument, e1.em.ErrorWithCode(400, err).Error())
	}
	if err := msg.Validate(); err != nil {
		return nil, status.Error(codes.InvalidArgument, e1.em.ErrorWithCode(400, err).Error())
	}
	h, err := e1.agent.Submit(ctx, *msg)
	if err != nil {
		log.Debugf("ingress submit for job %s: %s", msg.JobId.String(), err.Error())
		return nil, e1.toStatus(err)
	}
	data, err := json.Marshal(HandleReply{
		Id:        h.Id.String(),
		Job:       h.JobId.String(),
		Signature: h.Signature.String(),
	})
	if err != nil {
		return nil, e1.toStatus(err)
	}
	return wrapperspb.Bytes(data), nil
}

// Control takes a JSON ControlRequest.
func (e1 external) Control(ctx context.Context, req *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	if req == nil || len(req.GetValue()) == 0 {
		return nil, status.Error(codes.InvalidArgument, "blank request")
	}
	cr := new(ControlRequest)
	if err := json.Unmarshal(req.GetValue(), cr); err != nil {
		return nil, status.Error(codes.InvalidArgument, e1.em.ErrorWithCode(400, err).Error())
	}
	c, err := parseControl(*cr)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, e1.em.ErrorWithCode(400, err).Error())
	}
	if err = e1.agent.Control(ctx, c); err != nil {
		return nil, e1.toStatus(err)
	}
	return new(emptypb.Empty), nil
}

// Resolutions streams every terminal resolution until the client leaves.
func (e1 external) Resolutions(req *emptypb.Empty, stream grpc.ServerStream) error {
	ctx := stream.Context()
	doneC := ctx.Done()
	sub := e1.agent.OnResolution()
	var err error
out:
	for {
		select {
		case <-doneC:
			break out
		case <-e1.ctx.Done():
			err = status.Error(codes.Unavailable, "shutting down")
			break out
		case err = <-sub.ErrorC:
			if err == nil {
				err = status.Error(codes.Unavailable, "resolution stream closed")
			}
			return err
		case r := <-sub.StreamC:
			var data []byte
			data, err = json.Marshal(resolutionReply(r))
			if err != nil {
				break out
			}
			err = stream.SendMsg(wrapperspb.Bytes(data))
			if err != nil {
				break out
			}
		}
	}
	if e1.ctx.Err() == nil {
		sub.Unsubscribe()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Debugf("resolution stream ended: %s", err.Error())
	}
	return err
}
