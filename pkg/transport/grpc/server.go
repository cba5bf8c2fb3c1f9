// Package grpc serves the management API over gRPC with a JSON codec, so no
// protobuf code generation is needed. The service descriptor is written by
// hand; a standard health service reports SERVING while the server runs.
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

    "github.com/amirimatin/go-discovery/pkg/observability/metrics"
    "github.com/amirimatin/go-discovery/pkg/observability/tracing"
    "github.com/amirimatin/go-discovery/pkg/transport"
)

const serviceName = "discovery.v1.Management"

// Server implements transport.RPCServer over gRPC using a JSON codec.
type Server struct {
    bind   string
    tlsCfg *tls.Config

    mu     sync.Mutex
    lis    net.Listener
    srv    *grpc.Server
    health *health.Server
}

func NewServer(bind string) *Server { return &Server{bind: bind} }

// UseTLS enables TLS for the gRPC server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// internal request/response types used over gRPC JSON codec
type empty struct{}
type blob struct {
    Data []byte `json:"data"`
}

type managementServer interface {
    GetStatus(ctx context.Context, in *empty) (*blob, error)
    GetTopology(ctx context.Context, in *empty) (*blob, error)
    Join(ctx context.Context, in *transport.JoinRequest) (*transport.JoinResponse, error)
    Leave(ctx context.Context, in *transport.LeaveRequest) (*transport.LeaveResponse, error)
    Commit(ctx context.Context, in *transport.CommitRequest) (*transport.CommitResponse, error)
}

type mgmtImpl struct{ h transport.Handlers }

func (m *mgmtImpl) GetStatus(ctx context.Context, _ *empty) (*blob, error) {
    return m.get(ctx, "status", m.h.Status)
}

func (m *mgmtImpl) GetTopology(ctx context.Context, _ *empty) (*blob, error) {
    return m.get(ctx, "topology", m.h.Topology)
}

func (m *mgmtImpl) get(ctx context.Context, name string, fn func(context.Context) ([]byte, error)) (*blob, error) {
    if fn == nil {
        metrics.RPCRequests.WithLabelValues(name, "unsupported").Inc()
        return &blob{}, nil
    }
    ctx, end := tracing.StartSpan(ctx, "grpc."+name)
    defer end()
    b, err := fn(ctx)
    if err != nil {
        metrics.RPCRequests.WithLabelValues(name, "error").Inc()
        return nil, err
    }
    metrics.RPCRequests.WithLabelValues(name, "ok").Inc()
    return &blob{Data: b}, nil
}

func (m *mgmtImpl) Join(ctx context.Context, in *transport.JoinRequest) (*transport.JoinResponse, error) {
    if m.h.Join == nil { return &transport.JoinResponse{Error: "join " + transport.ErrNotSupported}, nil }
    ctx, end := tracing.StartSpan(ctx, "grpc.join")
    defer end()
    out, err := m.h.Join(ctx, *in)
    if err != nil { return &transport.JoinResponse{Accepted: false, Error: err.Error()}, nil }
    return &out, nil
}

func (m *mgmtImpl) Leave(ctx context.Context, in *transport.LeaveRequest) (*transport.LeaveResponse, error) {
    if m.h.Leave == nil { return &transport.LeaveResponse{Error: "leave " + transport.ErrNotSupported}, nil }
    ctx, end := tracing.StartSpan(ctx, "grpc.leave")
    defer end()
    out, err := m.h.Leave(ctx, *in)
    if err != nil { return &transport.LeaveResponse{Accepted: false, Error: err.Error()}, nil }
    return &out, nil
}

func (m *mgmtImpl) Commit(ctx context.Context, in *transport.CommitRequest) (*transport.CommitResponse, error) {
    if m.h.Commit == nil { return &transport.CommitResponse{Error: "commit " + transport.ErrNotSupported}, nil }
    ctx, end := tracing.StartSpan(ctx, "grpc.commit")
    defer end()
    out, err := m.h.Commit(ctx, *in)
    if err != nil { return &transport.CommitResponse{Error: err.Error()}, nil }
    return &out, nil
}

// unary builds a hand-written method descriptor for one management call.
func unary[Req, Resp any](method string, call func(managementServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
    return grpc.MethodDesc{
        MethodName: method,
        Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
            in := new(Req)
            if err := dec(in); err != nil { return nil, err }
            ms := srv.(managementServer)
            if interceptor == nil { return call(ms, ctx, in) }
            info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + method}
            return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
                return call(ms, ctx, req.(*Req))
            })
        },
    }
}

var managementServiceDesc = grpc.ServiceDesc{
    ServiceName: serviceName,
    HandlerType: (*managementServer)(nil),
    Methods: []grpc.MethodDesc{
        unary("GetStatus", managementServer.GetStatus),
        unary("GetTopology", managementServer.GetTopology),
        unary("Join", managementServer.Join),
        unary("Leave", managementServer.Leave),
        unary("Commit", managementServer.Commit),
    },
}

func (s *Server) Start(ctx context.Context, h transport.Handlers) error {
    lis, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    // Force JSON codec to avoid requiring protobuf types
    opts := []grpc.ServerOption{
        grpc.ForceServerCodec(jsonCodec{}),
        grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}),
        grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}),
    }
    if s.tlsCfg != nil { opts = append(opts, grpc.Creds(credentials.NewTLS(s.tlsCfg))) }
    srv := grpc.NewServer(opts...)
    hs := health.NewServer()
    healthpb.RegisterHealthServer(srv, hs)
    srv.RegisterService(&managementServiceDesc, &mgmtImpl{h: h})
    hs.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)

    s.mu.Lock()
    s.lis, s.srv, s.health = lis, srv, hs
    s.mu.Unlock()

    go func() {
        <-ctx.Done()
        sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
        defer cancel()
        _ = s.Stop(sctx)
    }()
    go func() { _ = srv.Serve(lis) }()
    return nil
}

// Addr returns the listening address once started, else the bind address.
func (s *Server) Addr() string {
    s.mu.Lock(); defer s.mu.Unlock()
    if s.lis != nil { return s.lis.Addr().String() }
    return s.bind
}

func (s *Server) Stop(ctx context.Context) error {
    s.mu.Lock()
    srv, hs := s.srv, s.health
    s.srv, s.health, s.lis = nil, nil, nil
    s.mu.Unlock()
    if srv == nil { return nil }
    hs.Shutdown()
    ch := make(chan struct{})
    go func() { srv.GracefulStop(); close(ch) }()
    select {
    case <-ch:
    case <-ctx.Done():
        srv.Stop()
    }
    return nil
}

var _ transport.RPCServer = (*Server)(nil)
