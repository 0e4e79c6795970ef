package rpc

import (
	"context"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cachpachios/nodemanager/internal/auth"
	"github.com/cachpachios/nodemanager/internal/logging"
	"github.com/cachpachios/nodemanager/internal/machine"
	"github.com/cachpachios/nodemanager/internal/nodemanager"
	"github.com/cachpachios/nodemanager/internal/tracing"
)

// ServiceName is the fully-qualified gRPC service name exposed over the
// wire, in place of a .proto-declared package.service identifier.
const ServiceName = "nodemanager.NodeManager"

// Server adapts a *nodemanager.NodeManager to the grpc.Server lifecycle,
// mirroring the teacher's internal/grpc/server.go Start/Stop shape.
type Server struct {
	nm     *nodemanager.NodeManager
	server *grpc.Server
}

// NewServer wraps nm for serving.
func NewServer(nm *nodemanager.NodeManager) *Server {
	return &Server{nm: nm}
}

// Start listens on addr and serves the hand-written ServiceDesc in the
// background; it returns once the listener is bound.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("rpc: listen: %w", err)
	}
	s.server = grpc.NewServer()
	s.server.RegisterService(&serviceDesc, s.nm)

	logging.Op().Info("grpc server started", "addr", addr)
	go func() {
		if err := s.server.Serve(lis); err != nil {
			logging.Op().Error("grpc server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully stops the server, waiting for in-flight RPCs
// (including StreamLogs tails) to finish.
func (s *Server) Stop() {
	if s.server != nil {
		s.server.GracefulStop()
	}
}

// serviceDesc is the hand-written replacement for a protoc-generated
// grpc.ServiceDesc: same shape (ServiceName, HandlerType, Methods,
// Streams), built against internal/nodemanager directly since there is
// no generated server interface to satisfy.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	// HandlerType must be a pointer to an interface type for grpc-go's
	// registration-time Implements check; there is no generated service
	// interface here, so the empty interface stands in for it — every
	// concrete handler still type-asserts srv to *nodemanager.NodeManager.
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Provision", Handler: provisionHandler},
		{MethodName: "Deprovision", Handler: deprovisionHandler},
		{MethodName: "ListInstances", Handler: listInstancesHandler},
		{MethodName: "GetLogs", Handler: getLogsHandler},
		{MethodName: "PublishServicePort", Handler: publishServicePortHandler},
		{MethodName: "Drain", Handler: drainHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamLogs", Handler: streamLogsHandler, ServerStreams: true},
	},
	Metadata: "nodemanager.proto",
}

func tokenFromCtx(ctx context.Context) string {
	return auth.TokenFromContext(ctx)
}

// statusFromErr maps a *nodemanager.Error's Kind to the gRPC status
// code the spec's error-kind table names; any other error is Internal.
func statusFromErr(err error) error {
	if err == nil {
		return nil
	}
	nmErr, ok := err.(*nodemanager.Error)
	if !ok {
		return status.Error(codes.Internal, err.Error())
	}
	if cause := nmErr.Unwrap(); cause != nil {
		logging.Op().Warn("rpc: request failed", "error", nmErr.Msg, "cause", cause)
	}
	switch nmErr.Kind {
	case nodemanager.ErrAuth:
		return status.Error(codes.Unauthenticated, nmErr.Msg)
	case nodemanager.ErrNotFound:
		return status.Error(codes.NotFound, nmErr.Msg)
	case nodemanager.ErrInvalidArgument:
		return status.Error(codes.InvalidArgument, nmErr.Msg)
	case nodemanager.ErrResourceExhausted:
		return status.Error(codes.ResourceExhausted, nmErr.Msg)
	case nodemanager.ErrTimeout:
		return status.Error(codes.DeadlineExceeded, nmErr.Msg)
	default:
		return status.Error(codes.Internal, nmErr.Msg)
	}
}

func provisionHandler(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	ctx, span := tracing.Tracer().Start(ctx, "Provision")
	defer span.End()
	nm := srv.(*nodemanager.NodeManager)
	var req ProvisionRequest
	if err := dec(&req); err != nil {
		return nil, err
	}
	id, err := nm.Provision(ctx, tokenFromCtx(ctx), machine.Spec{
		Image:   req.ContainerReference,
		Env:     req.Env,
		CmdArgs: req.CmdArgs,
	}, int(req.VCPUs), int(req.MemoryMB))
	if err != nil {
		return nil, statusFromErr(err)
	}
	return &ProvisionResponse{ID: id}, nil
}

func deprovisionHandler(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	ctx, span := tracing.Tracer().Start(ctx, "Deprovision")
	defer span.End()
	nm := srv.(*nodemanager.NodeManager)
	var req DeprovisionRequest
	if err := dec(&req); err != nil {
		return nil, err
	}
	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if err := nm.Deprovision(ctx, tokenFromCtx(ctx), req.InstanceID, timeout); err != nil {
		return nil, statusFromErr(err)
	}
	return &DeprovisionResponse{}, nil
}

func listInstancesHandler(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	ctx, span := tracing.Tracer().Start(ctx, "ListInstances")
	defer span.End()
	nm := srv.(*nodemanager.NodeManager)
	var req ListRequest
	if err := dec(&req); err != nil {
		return nil, err
	}
	ids, err := nm.List(ctx, tokenFromCtx(ctx))
	if err != nil {
		return nil, statusFromErr(err)
	}
	resp := &ListResponse{Instances: make([]InstanceRef, 0, len(ids))}
	for _, id := range ids {
		resp.Instances = append(resp.Instances, InstanceRef{ID: id})
	}
	return resp, nil
}

func getLogsHandler(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	ctx, span := tracing.Tracer().Start(ctx, "GetLogs")
	defer span.End()
	nm := srv.(*nodemanager.NodeManager)
	var req LogsRequest
	if err := dec(&req); err != nil {
		return nil, err
	}
	records, err := nm.GetLogs(ctx, tokenFromCtx(ctx), req.ID)
	if err != nil {
		return nil, statusFromErr(err)
	}
	resp := &LogsResponse{Logs: make([]LogMessage, 0, len(records))}
	for _, r := range records {
		resp.Logs = append(resp.Logs, toLogMessage(r))
	}
	return resp, nil
}

func publishServicePortHandler(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	ctx, span := tracing.Tracer().Start(ctx, "PublishServicePort")
	defer span.End()
	nm := srv.(*nodemanager.NodeManager)
	var req PublishServicePortRequest
	if err := dec(&req); err != nil {
		return nil, err
	}
	if req.HostPort < 0 || req.HostPort > 65535 || req.GuestPort < 0 || req.GuestPort > 65535 {
		return nil, status.Error(codes.InvalidArgument, "ports must be valid u16 values")
	}
	if err := nm.PublishServicePort(ctx, tokenFromCtx(ctx), req.ID, uint16(req.HostPort), uint16(req.GuestPort)); err != nil {
		return nil, statusFromErr(err)
	}
	return &PublishServicePortResponse{}, nil
}

func drainHandler(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	ctx, span := tracing.Tracer().Start(ctx, "Drain")
	defer span.End()
	nm := srv.(*nodemanager.NodeManager)
	var req DrainRequest
	if err := dec(&req); err != nil {
		return nil, err
	}
	if err := nm.Drain(ctx, tokenFromCtx(ctx)); err != nil {
		return nil, statusFromErr(err)
	}
	return &DrainResponse{}, nil
}

// streamLogsHandler forwards the snapshot then live records until the
// subscriber closes or the RPC is cancelled, per spec.md §4.7.
func streamLogsHandler(srv any, stream grpc.ServerStream) error {
	nm := srv.(*nodemanager.NodeManager)
	var req LogsRequest
	if err := stream.RecvMsg(&req); err != nil {
		return err
	}
	ctx, span := tracing.Tracer().Start(stream.Context(), "StreamLogs")
	defer span.End()

	snapshot, live, err := nm.StreamLogs(ctx, tokenFromCtx(ctx), req.ID)
	if err != nil {
		return statusFromErr(err)
	}
	for _, r := range snapshot {
		msg := toLogMessage(r)
		if err := stream.SendMsg(&msg); err != nil {
			return err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case r, ok := <-live:
			if !ok {
				return nil
			}
			msg := toLogMessage(r)
			if err := stream.SendMsg(&msg); err != nil {
				return err
			}
		}
	}
}

