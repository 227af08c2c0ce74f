package proxy

import (
	"context"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/grpc/metadata"

	"github.com/relaybuild/rexec/internal/auth"
	"github.com/relaybuild/rexec/internal/rpcerrors"
)

// tenantHeader is the trusted header the gateway injects once it has
// validated the caller's bearer token. rexecd serves one listener and takes
// this header as the caller's tenant on any call that reaches it; it does
// not check which listener or peer the call came from.
const tenantHeader = "x-rexec-tenant"

// ExecutionGateway implements pb.ExecutionServer by authenticating the
// caller and forwarding to a healthy backend picked from Pool, the
// server-streaming analogue of please's client-side execute() in
// src/remote/remote.go (open a stream, relay every message until Done).
type ExecutionGateway struct {
	pb.UnimplementedExecutionServer

	pool      *Pool
	validator *auth.Validator
}

// NewExecutionGateway constructs an ExecutionGateway.
func NewExecutionGateway(pool *Pool, validator *auth.Validator) *ExecutionGateway {
	return &ExecutionGateway{pool: pool, validator: validator}
}

// Execute authenticates the call, picks a healthy backend, pins it for the
// lifetime of this streaming RPC, forwards the request, and relays every
// Operation the backend streams back until one is Done.
func (g *ExecutionGateway) Execute(req *pb.ExecuteRequest, stream pb.Execution_ExecuteServer) error {
	ctx := stream.Context()
	claims, err := g.authenticate(ctx)
	if err != nil {
		return err
	}

	backend := g.pool.Pick()
	if backend == nil {
		return rpcerrors.ToStatus(rpcerrors.New(rpcerrors.Unavailable, "no healthy rexecd backend available"))
	}
	backend.Pin()
	defer backend.Unpin()

	conn, err := backend.Conn(ctx)
	if err != nil {
		g.pool.MarkUnhealthy(backend)
		return rpcerrors.ToStatus(rpcerrors.New(rpcerrors.Unavailable, "backend "+backend.Addr+" unreachable"))
	}

	outCtx := metadata.AppendToOutgoingContext(ctx, tenantHeader, claims.Tenant)
	upstream, err := pb.NewExecutionClient(conn).Execute(outCtx, req)
	if err != nil {
		g.pool.MarkUnhealthy(backend)
		return err
	}
	for {
		op, err := upstream.Recv()
		if err != nil {
			return err
		}
		if err := stream.Send(op); err != nil {
			return err
		}
		if op.Done {
			return nil
		}
	}
}

// WaitExecution forwards to the same backend pool without re-authenticating
// against the scheduler (the gateway's own auth check is the trust
// boundary; the backend never sees unvalidated callers).
func (g *ExecutionGateway) WaitExecution(req *pb.WaitExecutionRequest, stream pb.Execution_WaitExecutionServer) error {
	ctx := stream.Context()
	claims, err := g.authenticate(ctx)
	if err != nil {
		return err
	}
	backend := g.pool.Pick()
	if backend == nil {
		return rpcerrors.ToStatus(rpcerrors.New(rpcerrors.Unavailable, "no healthy rexecd backend available"))
	}
	conn, err := backend.Conn(ctx)
	if err != nil {
		g.pool.MarkUnhealthy(backend)
		return rpcerrors.ToStatus(rpcerrors.New(rpcerrors.Unavailable, "backend "+backend.Addr+" unreachable"))
	}
	outCtx := metadata.AppendToOutgoingContext(ctx, tenantHeader, claims.Tenant)
	upstream, err := pb.NewExecutionClient(conn).WaitExecution(outCtx, req)
	if err != nil {
		return err
	}
	for {
		op, err := upstream.Recv()
		if err != nil {
			return err
		}
		if err := stream.Send(op); err != nil {
			return err
		}
		if op.Done {
			return nil
		}
	}
}

func (g *ExecutionGateway) authenticate(ctx context.Context) (auth.Claims, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	var header string
	if vals := md.Get("authorization"); len(vals) > 0 {
		header = vals[0]
	}
	claims, err := g.validator.Validate(ctx, header)
	if err != nil {
		return auth.Claims{}, rpcerrors.ToStatus(err)
	}
	return claims, nil
}
