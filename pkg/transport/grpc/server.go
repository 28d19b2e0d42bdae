package grpc

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	obsmetrics "github.com/amirimatin/go-filesync/pkg/observability/metrics"
	"github.com/amirimatin/go-filesync/pkg/observability/tracing"
	"github.com/amirimatin/go-filesync/pkg/repllog"
	"github.com/amirimatin/go-filesync/pkg/transport"
)

const (
	svcPrimary     = "filesync.v1.Primary"
	svcReplication = "filesync.v1.Replication"
	svcDiscovery   = "filesync.v1.Discovery"
	svcClockSync   = "filesync.v1.ClockSync"
)

// Server implements transport.RPCServer over gRPC using a JSON codec. All four
// services share one listener.
type Server struct {
	mu   sync.Mutex
	bind string
	lis  net.Listener
	srv  *grpc.Server
	tls  *tls.Config
}

func NewServer(bind string) *Server { return &Server{bind: bind} }

// UseTLS enables TLS (and mTLS when ClientCAs is set) for subsequent Start.
func (s *Server) UseTLS(cfg *tls.Config) { s.tls = cfg }

type empty struct{}

// unary builds a hand-written MethodDesc that decodes Req, calls the handler
// and returns *Resp, going through the server interceptor when present.
func unary[Req, Resp any](service, method string, call func(transport.Handler, context.Context, *Req) (Resp, error)) grpc.MethodDesc {
	full := "/" + service + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				out, err := call(srv.(transport.Handler), ctx, req.(*Req))
				if err != nil {
					return nil, err
				}
				return &out, nil
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var _Primary_serviceDesc = grpc.ServiceDesc{
	ServiceName: svcPrimary,
	HandlerType: (*transport.Handler)(nil),
	Methods: []grpc.MethodDesc{
		unary(svcPrimary, "SyncFile", func(h transport.Handler, ctx context.Context, in *transport.SyncFileRequest) (transport.FileOpResponse, error) {
			return h.SyncFile(ctx, *in)
		}),
		unary(svcPrimary, "DeleteFile", func(h transport.Handler, ctx context.Context, in *transport.DeleteFileRequest) (transport.FileOpResponse, error) {
			return h.DeleteFile(ctx, *in)
		}),
		unary(svcPrimary, "ListFiles", func(h transport.Handler, ctx context.Context, _ *empty) (transport.ListFilesResponse, error) {
			return h.ListFiles(ctx)
		}),
		unary(svcPrimary, "GetStatus", func(h transport.Handler, ctx context.Context, _ *empty) (transport.StatusBlob, error) {
			b, err := h.Status(ctx)
			return transport.StatusBlob{Data: b}, err
		}),
	},
}

var _Replication_serviceDesc = grpc.ServiceDesc{
	ServiceName: svcReplication,
	HandlerType: (*transport.Handler)(nil),
	Methods: []grpc.MethodDesc{
		unary(svcReplication, "ReplicateEntry", func(h transport.Handler, ctx context.Context, in *repllog.Entry) (transport.Ack, error) {
			return h.ReplicateEntry(ctx, *in)
		}),
		unary(svcReplication, "GetUpdates", func(h transport.Handler, ctx context.Context, in *transport.UpdatesRequest) (transport.UpdatesResponse, error) {
			return h.GetUpdates(ctx, *in)
		}),
	},
}

var _Discovery_serviceDesc = grpc.ServiceDesc{
	ServiceName: svcDiscovery,
	HandlerType: (*transport.Handler)(nil),
	Methods: []grpc.MethodDesc{
		unary(svcDiscovery, "Join", func(h transport.Handler, ctx context.Context, in *transport.JoinRequest) (transport.PeerList, error) {
			return h.Join(ctx, *in)
		}),
		unary(svcDiscovery, "PeerExchange", func(h transport.Handler, ctx context.Context, in *transport.PeerList) (transport.PeerList, error) {
			return h.PeerExchange(ctx, *in)
		}),
	},
}

var _ClockSync_serviceDesc = grpc.ServiceDesc{
	ServiceName: svcClockSync,
	HandlerType: (*transport.Handler)(nil),
	Methods: []grpc.MethodDesc{
		unary(svcClockSync, "GetTime", func(h transport.Handler, ctx context.Context, _ *empty) (transport.TimeResponse, error) {
			return h.GetTime(ctx)
		}),
		unary(svcClockSync, "AdjustTime", func(h transport.Handler, ctx context.Context, in *transport.AdjustRequest) (transport.Ack, error) {
			return h.AdjustTime(ctx, *in)
		}),
	},
}

// observe wraps every inbound RPC in a span and counts it by status code.
func observe(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	ctx, end := tracing.StartSpan(ctx, "grpc"+info.FullMethod)
	defer end()
	out, err := handler(ctx, req)
	obsmetrics.RPCRequests.WithLabelValues(info.FullMethod, status.Code(err).String()).Inc()
	return out, err
}

func (s *Server) Start(ctx context.Context, h transport.Handler) error {
	lis, err := net.Listen("tcp", s.bind)
	if err != nil {
		return err
	}
	// Force JSON codec to avoid requiring protobuf types
	var opts []grpc.ServerOption
	opts = append(opts, grpc.ForceServerCodec(jsonCodec{}))
	opts = append(opts, grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}))
	opts = append(opts, grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}))
	opts = append(opts, grpc.ChainUnaryInterceptor(observe))
	if s.tls != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(s.tls)))
	}
	srv := grpc.NewServer(opts...)

	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(srv, healthSrv)
	for _, sd := range []*grpc.ServiceDesc{&_Primary_serviceDesc, &_Replication_serviceDesc, &_Discovery_serviceDesc, &_ClockSync_serviceDesc} {
		srv.RegisterService(sd, h)
		healthSrv.SetServingStatus(sd.ServiceName, healthpb.HealthCheckResponse_SERVING)
	}

	s.mu.Lock()
	s.lis, s.srv = lis, srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(c)
	}()
	go func() { _ = srv.Serve(lis) }()
	return nil
}

// Addr returns the bound address once started, which resolves ":0" binds.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis != nil {
		return s.lis.Addr().String()
	}
	return s.bind
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, lis := s.srv, s.lis
	s.srv, s.lis = nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	ch := make(chan struct{})
	go func() { srv.GracefulStop(); close(ch) }()
	select {
	case <-ch:
	case <-ctx.Done():
		srv.Stop()
	}
	if lis != nil {
		_ = lis.Close()
	}
	return nil
}

var _ transport.RPCServer = (*Server)(nil)
