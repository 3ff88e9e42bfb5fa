package proxy

import (
	"context"
	"net"

	sgo "github.com/gagliardetto/solana-go"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
)

// CreateServer builds the ingress grpc server.  A nil key serves plaintext.
func CreateServer(key *sgo.PrivateKey, hosts []string) (*grpc.Server, error) {
	opts := []grpc.ServerOption{
		grpc.UnaryInterceptor(func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
			log.Debugf("ingress unary=%s", info.FullMethod)
			return handler(ctx, req)
		}),
		grpc.StreamInterceptor(func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
			log.Debugf("ingress stream=%s", info.FullMethod)
			return handler(srv, ss)
		}),
	}
	if key != nil {
		creds, err := ServerCredentials(*key, hosts)
		if err != nil {
			return nil, err
		}
		opts = append(opts, grpc.Creds(creds))
	}
	return grpc.NewServer(opts...), nil
}

// Serve runs s on address until ctx ends.
func Serve(ctx context.Context, s *grpc.Server, address string) error {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	log.Infof("ingress listening on %s", lis.Addr().String())
	go loopStop(ctx, s)
	return s.Serve(lis)
}

func loopStop(ctx context.Context, s *grpc.Server) {
	<-ctx.Done()
	s.GracefulStop()
}
