package segmentation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/cutout/internal/logging"
)

// The wire contract is a single unary method whose request and response are
// google.protobuf.BytesValue holding the encoded image.
const (
	ServiceName          = "cutout.segmentation.v1.Segmenter"
	removeMethodName     = "RemoveBackground"
	removeMethodFullName = "/" + ServiceName + "/" + removeMethodName
)

// DialGRPC returns a ready-to-use client for a remote segmentation service.
func DialGRPC(ctx context.Context, addr string, logger *zap.Logger, opts ...grpc.DialOption) (*GRPCClient, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)
	conn, err := grpc.DialContext(dialCtx, addr, opts...)
	if err != nil {
		wrapped := logging.NewOperationError("segmentation.dial_grpc", "", err)
		logger.Error("failed to dial segmentation service", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewGRPCClient(conn, logger), conn, nil
}

// GRPCClient calls a remote Segmenter service.
type GRPCClient struct {
	conn   grpc.ClientConnInterface
	logger *zap.Logger
}

var _ Service = (*GRPCClient)(nil)

// NewGRPCClient calls the segmenter service over conn.
func NewGRPCClient(conn grpc.ClientConnInterface, logger *zap.Logger) *GRPCClient {
	return &GRPCClient{conn: conn, logger: logger.Named("segmentation_grpc")}
}

// Remove sends data in one unary call. Progress is reported locally.
func (g *GRPCClient) Remove(ctx context.Context, data []byte, opts Options) ([]byte, error) {
	opts.report(StageUpload, 0.1)
	out := new(wrapperspb.BytesValue)
	if err := g.conn.Invoke(ctx, removeMethodFullName, wrapperspb.Bytes(data), out); err != nil {
		if status.Code(err) == codes.InvalidArgument {
			err = fmt.Errorf("%w: %s", ErrUnsupportedImage, status.Convert(err).Message())
		}
		wrapped := logging.NewOperationError("segmentation.grpc_remove", "", err)
		g.logger.Error("segmentation call failed", zap.Error(wrapped), zap.Int("bytes", len(data)))
		return nil, wrapped
	}
	opts.report(StageDone, 1)
	return out.GetValue(), nil
}

// RegisterSegmenterServer exposes svc as the Segmenter gRPC service.
func RegisterSegmenterServer(s grpc.ServiceRegistrar, svc Service) {
	s.RegisterService(&segmenterServiceDesc, svc)
}

var segmenterServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Service)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: removeMethodName, Handler: removeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "cutout/segmentation/v1/segmenter.proto",
}

func removeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req interface{}) (interface{}, error) {
		out, err := srv.(Service).Remove(ctx, req.(*wrapperspb.BytesValue).GetValue(), Options{})
		if err != nil {
			return nil, toStatus(err)
		}
		return wrapperspb.Bytes(out), nil
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: removeMethodFullName}
	return interceptor(ctx, in, info, call)
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, ErrUnsupportedImage), errors.Is(err, ErrNoForeground):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
