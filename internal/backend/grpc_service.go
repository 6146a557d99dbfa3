package backend

import (
	"context"
	"errors"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"procodus.dev/radon-monitor/internal/auth"
	"procodus.dev/radon-monitor/internal/sensor"
	"procodus.dev/radon-monitor/pkg/metrics"
)

// Fully qualified gRPC names of the ingest service.
const (
	IngestServiceName = "radonmonitor.v1.IngestService"
	IngestMethod      = "/" + IngestServiceName + "/Ingest"
)

// IngestServer is the server API of the ingest service. The request is the
// uplink JSON document as a google.protobuf.Struct.
type IngestServer interface {
	Ingest(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error)
}

// IngestServiceDesc describes the ingest service for grpc.Server.
var IngestServiceDesc = grpc.ServiceDesc{
	ServiceName: IngestServiceName,
	HandlerType: (*IngestServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Ingest",
			Handler:    ingestHandler,
		},
	},
	Streams: []grpc.StreamDesc{},
}

// RegisterIngestServer registers srv with s.
func RegisterIngestServer(s grpc.ServiceRegistrar, srv IngestServer) {
	s.RegisterService(&IngestServiceDesc, srv)
}

func ingestHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IngestServer).Ingest(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: IngestMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(IngestServer).Ingest(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// IngestClient is the client API of the ingest service.
type IngestClient struct {
	cc grpc.ClientConnInterface
}

// NewIngestClient creates an IngestClient on cc.
func NewIngestClient(cc grpc.ClientConnInterface) *IngestClient {
	return &IngestClient{cc: cc}
}

// Ingest submits one uplink.
func (c *IngestClient) Ingest(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, IngestMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// WithAPIKey attaches the collector API key to outgoing calls.
func WithAPIKey(ctx context.Context, key string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Api-Key "+key)
}

// APIKeyInterceptor rejects calls without the collector API key in the
// "authorization" metadata.
func APIKeyInterceptor(key string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if info.FullMethod != IngestMethod {
			return handler(ctx, req)
		}
		md, _ := metadata.FromIncomingContext(ctx)
		values := md.Get("authorization")
		if len(values) == 0 || !auth.CheckAPIKey(values[0], key) {
			return nil, status.Error(codes.Unauthenticated, "invalid or missing api key")
		}
		return handler(ctx, req)
	}
}

// IngestService implements IngestServer on top of the ingestion pipeline.
type IngestService struct {
	logger   *slog.Logger
	ingester sensor.Ingester
	metrics  *metrics.IngestMetrics // Optional metrics
}

// NewIngestService creates a new IngestService instance.
func NewIngestService(logger *slog.Logger, ingester sensor.Ingester, m *metrics.IngestMetrics) (*IngestService, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if ingester == nil {
		return nil, errors.New("ingester cannot be nil")
	}

	return &IngestService{
		logger:   logger.With("component", "grpc_ingest"),
		ingester: ingester,
		metrics:  m,
	}, nil
}

// Ingest implements IngestServer.
func (s *IngestService) Ingest(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	if s.metrics != nil {
		timer := prometheus.NewTimer(s.metrics.ProcessingDuration.WithLabelValues("grpc"))
		defer timer.ObserveDuration()
	}

	body, err := in.MarshalJSON()
	if err != nil {
		s.observe("invalid")
		return nil, status.Errorf(codes.InvalidArgument, "malformed message: %v", err)
	}

	msg, err := sensor.DecodeRawMessage(body)
	if err == nil {
		_, err = s.ingester.Process(ctx, msg)
	}

	switch {
	case err == nil:
		s.observe("success")
		return &emptypb.Empty{}, nil
	case sensor.IsValidationError(err):
		s.observe("invalid")
		return nil, status.Error(codes.InvalidArgument, err.Error())
	default:
		s.observe("error")
		s.logger.Error("failed to ingest uplink", "error", err)
		return nil, status.Error(codes.Internal, "failed to store reading")
	}
}

func (s *IngestService) observe(result string) {
	if s.metrics != nil {
		s.metrics.MessagesTotal.WithLabelValues("grpc", result).Inc()
	}
}

var _ IngestServer = (*IngestService)(nil)
