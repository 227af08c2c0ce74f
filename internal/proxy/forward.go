package proxy

import (
	"context"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	bs "google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc/metadata"

	"github.com/relaybuild/rexec/internal/auth"
	"github.com/relaybuild/rexec/internal/rpcerrors"
)

// ActionCacheGateway forwards pb.ActionCacheServer calls to the backend
// pool, the unary analogue of ExecutionGateway.
type ActionCacheGateway struct {
	pb.UnimplementedActionCacheServer
	pool      *Pool
	validator *auth.Validator
}

// NewActionCacheGateway constructs an ActionCacheGateway.
func NewActionCacheGateway(pool *Pool, validator *auth.Validator) *ActionCacheGateway {
	return &ActionCacheGateway{pool: pool, validator: validator}
}

func (g *ActionCacheGateway) GetActionResult(ctx context.Context, req *pb.GetActionResultRequest) (*pb.ActionResult, error) {
	outCtx, backend, err := dialAuthenticatedWith(ctx, g.pool, g.validator)
	if err != nil {
		return nil, err
	}
	conn, err := backend.Conn(ctx)
	if err != nil {
		g.pool.MarkUnhealthy(backend)
		return nil, rpcerrors.ToStatus(rpcerrors.New(rpcerrors.Unavailable, "backend "+backend.Addr+" unreachable"))
	}
	return pb.NewActionCacheClient(conn).GetActionResult(outCtx, req)
}

func (g *ActionCacheGateway) UpdateActionResult(ctx context.Context, req *pb.UpdateActionResultRequest) (*pb.ActionResult, error) {
	outCtx, backend, err := dialAuthenticatedWith(ctx, g.pool, g.validator)
	if err != nil {
		return nil, err
	}
	conn, err := backend.Conn(ctx)
	if err != nil {
		g.pool.MarkUnhealthy(backend)
		return nil, rpcerrors.ToStatus(rpcerrors.New(rpcerrors.Unavailable, "backend "+backend.Addr+" unreachable"))
	}
	return pb.NewActionCacheClient(conn).UpdateActionResult(outCtx, req)
}

// CapabilitiesGateway forwards pb.CapabilitiesServer.GetCapabilities, which
// doesn't need auth (any client can discover server capabilities) but still
// has to pick a live backend.
type CapabilitiesGateway struct {
	pb.UnimplementedCapabilitiesServer
	pool *Pool
}

// NewCapabilitiesGateway constructs a CapabilitiesGateway.
func NewCapabilitiesGateway(pool *Pool) *CapabilitiesGateway {
	return &CapabilitiesGateway{pool: pool}
}

func (g *CapabilitiesGateway) GetCapabilities(ctx context.Context, req *pb.GetCapabilitiesRequest) (*pb.ServerCapabilities, error) {
	backend := g.pool.Pick()
	if backend == nil {
		return nil, rpcerrors.ToStatus(rpcerrors.New(rpcerrors.Unavailable, "no healthy rexecd backend available"))
	}
	conn, err := backend.Conn(ctx)
	if err != nil {
		g.pool.MarkUnhealthy(backend)
		return nil, rpcerrors.ToStatus(rpcerrors.New(rpcerrors.Unavailable, "backend "+backend.Addr+" unreachable"))
	}
	return pb.NewCapabilitiesClient(conn).GetCapabilities(ctx, req)
}

// CASGateway forwards pb.ContentAddressableStorageServer calls, including
// the server-streaming GetTree.
type CASGateway struct {
	pb.UnimplementedContentAddressableStorageServer
	pool      *Pool
	validator *auth.Validator
}

// NewCASGateway constructs a CASGateway.
func NewCASGateway(pool *Pool, validator *auth.Validator) *CASGateway {
	return &CASGateway{pool: pool, validator: validator}
}

func (g *CASGateway) FindMissingBlobs(ctx context.Context, req *pb.FindMissingBlobsRequest) (*pb.FindMissingBlobsResponse, error) {
	outCtx, backend, err := dialAuthenticatedWith(ctx, g.pool, g.validator)
	if err != nil {
		return nil, err
	}
	conn, err := backend.Conn(ctx)
	if err != nil {
		g.pool.MarkUnhealthy(backend)
		return nil, rpcerrors.ToStatus(rpcerrors.New(rpcerrors.Unavailable, "backend "+backend.Addr+" unreachable"))
	}
	return pb.NewContentAddressableStorageClient(conn).FindMissingBlobs(outCtx, req)
}

func (g *CASGateway) BatchUpdateBlobs(ctx context.Context, req *pb.BatchUpdateBlobsRequest) (*pb.BatchUpdateBlobsResponse, error) {
	outCtx, backend, err := dialAuthenticatedWith(ctx, g.pool, g.validator)
	if err != nil {
		return nil, err
	}
	conn, err := backend.Conn(ctx)
	if err != nil {
		g.pool.MarkUnhealthy(backend)
		return nil, rpcerrors.ToStatus(rpcerrors.New(rpcerrors.Unavailable, "backend "+backend.Addr+" unreachable"))
	}
	return pb.NewContentAddressableStorageClient(conn).BatchUpdateBlobs(outCtx, req)
}

func (g *CASGateway) BatchReadBlobs(ctx context.Context, req *pb.BatchReadBlobsRequest) (*pb.BatchReadBlobsResponse, error) {
	outCtx, backend, err := dialAuthenticatedWith(ctx, g.pool, g.validator)
	if err != nil {
		return nil, err
	}
	conn, err := backend.Conn(ctx)
	if err != nil {
		g.pool.MarkUnhealthy(backend)
		return nil, rpcerrors.ToStatus(rpcerrors.New(rpcerrors.Unavailable, "backend "+backend.Addr+" unreachable"))
	}
	return pb.NewContentAddressableStorageClient(conn).BatchReadBlobs(outCtx, req)
}

func (g *CASGateway) GetTree(req *pb.GetTreeRequest, stream pb.ContentAddressableStorage_GetTreeServer) error {
	ctx := stream.Context()
	outCtx, backend, err := dialAuthenticatedWith(ctx, g.pool, g.validator)
	if err != nil {
		return err
	}
	conn, err := backend.Conn(ctx)
	if err != nil {
		g.pool.MarkUnhealthy(backend)
		return rpcerrors.ToStatus(rpcerrors.New(rpcerrors.Unavailable, "backend "+backend.Addr+" unreachable"))
	}
	upstream, err := pb.NewContentAddressableStorageClient(conn).GetTree(outCtx, req)
	if err != nil {
		return err
	}
	for {
		resp, err := upstream.Recv()
		if err != nil {
			return err
		}
		if err := stream.Send(resp); err != nil {
			return err
		}
	}
}

// ByteStreamGateway forwards bytestream.ByteStreamServer calls.
type ByteStreamGateway struct {
	bs.UnimplementedByteStreamServer
	pool      *Pool
	validator *auth.Validator
}

// NewByteStreamGateway constructs a ByteStreamGateway.
func NewByteStreamGateway(pool *Pool, validator *auth.Validator) *ByteStreamGateway {
	return &ByteStreamGateway{pool: pool, validator: validator}
}

func (g *ByteStreamGateway) Read(req *bs.ReadRequest, stream bs.ByteStream_ReadServer) error {
	ctx := stream.Context()
	outCtx, backend, err := dialAuthenticatedWith(ctx, g.pool, g.validator)
	if err != nil {
		return err
	}
	conn, err := backend.Conn(ctx)
	if err != nil {
		g.pool.MarkUnhealthy(backend)
		return rpcerrors.ToStatus(rpcerrors.New(rpcerrors.Unavailable, "backend "+backend.Addr+" unreachable"))
	}
	upstream, err := bs.NewByteStreamClient(conn).Read(outCtx, req)
	if err != nil {
		return err
	}
	for {
		chunk, err := upstream.Recv()
		if err != nil {
			return err
		}
		if err := stream.Send(chunk); err != nil {
			return err
		}
	}
}

func (g *ByteStreamGateway) Write(stream bs.ByteStream_WriteServer) error {
	ctx := stream.Context()
	outCtx, backend, err := dialAuthenticatedWith(ctx, g.pool, g.validator)
	if err != nil {
		return err
	}
	conn, err := backend.Conn(ctx)
	if err != nil {
		g.pool.MarkUnhealthy(backend)
		return rpcerrors.ToStatus(rpcerrors.New(rpcerrors.Unavailable, "backend "+backend.Addr+" unreachable"))
	}
	upstream, err := bs.NewByteStreamClient(conn).Write(outCtx)
	if err != nil {
		return err
	}
	for {
		req, err := stream.Recv()
		if err != nil {
			break
		}
		if err := upstream.Send(req); err != nil {
			return err
		}
		if req.FinishWrite {
			break
		}
	}
	resp, err := upstream.CloseAndRecv()
	if err != nil {
		return err
	}
	return stream.SendAndClose(resp)
}

func (g *ByteStreamGateway) QueryWriteStatus(ctx context.Context, req *bs.QueryWriteStatusRequest) (*bs.QueryWriteStatusResponse, error) {
	outCtx, backend, err := dialAuthenticatedWith(ctx, g.pool, g.validator)
	if err != nil {
		return nil, err
	}
	conn, err := backend.Conn(ctx)
	if err != nil {
		g.pool.MarkUnhealthy(backend)
		return nil, rpcerrors.ToStatus(rpcerrors.New(rpcerrors.Unavailable, "backend "+backend.Addr+" unreachable"))
	}
	return bs.NewByteStreamClient(conn).QueryWriteStatus(outCtx, req)
}

// dialAuthenticatedWith is the free-function form of
// ExecutionGateway.dialAuthenticated, shared by every other forwarding
// gateway in this file so each doesn't need its own copy of the
// authenticate-then-pick dance.
func dialAuthenticatedWith(ctx context.Context, pool *Pool, validator *auth.Validator) (context.Context, *Backend, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	var header string
	if vals := md.Get("authorization"); len(vals) > 0 {
		header = vals[0]
	}
	claims, err := validator.Validate(ctx, header)
	if err != nil {
		return nil, nil, rpcerrors.ToStatus(err)
	}
	backend := pool.Pick()
	if backend == nil {
		return nil, nil, rpcerrors.ToStatus(rpcerrors.New(rpcerrors.Unavailable, "no healthy rexecd backend available"))
	}
	return metadata.AppendToOutgoingContext(ctx, tenantHeader, claims.Tenant), backend, nil
}
