package service

import (
	"context"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/golang/protobuf/proto"
	"github.com/golang/protobuf/ptypes"
	lrpb "google.golang.org/genproto/googleapis/longrunning"

	"github.com/relaybuild/rexec/internal/auth"
	"github.com/relaybuild/rexec/internal/instance"
	"github.com/relaybuild/rexec/internal/operations"
	"github.com/relaybuild/rexec/internal/quota"
	"github.com/relaybuild/rexec/internal/rpcerrors"
	"github.com/relaybuild/rexec/internal/scheduler"
)

// ExecutionServer implements pb.ExecutionServer (C4's RPC surface),
// streaming Operation transitions the way please's remote.go client expects:
// every message carries updated ExecuteOperationMetadata until resp.Done.
type ExecutionServer struct {
	pb.UnimplementedExecutionServer

	instances  *instance.Registry
	schedulers map[string]*scheduler.Scheduler
	ops        *operations.Registry
	quotas     *quota.Manager
	validator  *auth.Validator
}

// NewExecutionServer constructs an ExecutionServer with one Scheduler per
// instance name.
func NewExecutionServer(instances *instance.Registry, schedulers map[string]*scheduler.Scheduler, ops *operations.Registry, quotas *quota.Manager, validator *auth.Validator) *ExecutionServer {
	return &ExecutionServer{instances: instances, schedulers: schedulers, ops: ops, quotas: quotas, validator: validator}
}

// Execute implements pb.ExecutionServer: it admits the request, submits the
// action to the scheduler, and streams every subsequent Operation
// transition until the Operation is Done.
func (s *ExecutionServer) Execute(req *pb.ExecuteRequest, stream pb.Execution_ExecuteServer) error {
	ctx := stream.Context()
	_, tenant, err := s.authenticate(ctx)
	if err != nil {
		return err
	}
	if err := s.quotas.AdmitExecute(tenant); err != nil {
		return rpcerrors.ToStatus(err)
	}

	cfg := s.instances.Get(req.InstanceName)
	sched := s.schedulers[cfg.Name]
	if sched == nil {
		return rpcerrors.ToStatus(rpcerrors.New(rpcerrors.InvalidArgument, "unknown instance "+req.InstanceName))
	}

	var platform string
	if req.Action != nil && req.Action.Platform != nil {
		platform = proto.MarshalTextString(req.Action.Platform)
	}

	name, err := sched.Submit(ctx, tenant, req.ActionDigest, platform, 0, req.SkipCacheLookup, false)
	if err != nil {
		return rpcerrors.ToStatus(err)
	}

	return streamOperations(ctx, s.ops.Watch(ctx, name), stream)
}

// WaitExecution implements pb.ExecutionServer: it attaches to an already
// in-flight Operation's transitions, without resubmitting the action
// (spec.md §4.6 "late attach").
func (s *ExecutionServer) WaitExecution(req *pb.WaitExecutionRequest, stream pb.Execution_WaitExecutionServer) error {
	ctx := stream.Context()
	if _, _, err := s.authenticate(ctx); err != nil {
		return err
	}
	return streamOperations(ctx, s.ops.Watch(ctx, req.Name), stream)
}

// operationSender is the subset of the Execute/WaitExecution server-stream
// interfaces streamOperations needs.
type operationSender interface {
	Send(*lrpb.Operation) error
}

// streamOperations drains watch, translating and forwarding every Operation
// transition to stream until the Operation is Done, the watch channel closes
// (registry-side cancellation, reported as Cancelled), or ctx is
// cancelled/expires — the last case
// reported as ctx.Err() so a caller can distinguish "client gave up" from a
// clean finish, mirroring please's remote.go client loop that exits its
// stream.Recv() loop on the first of either signal.
func streamOperations(ctx context.Context, watch <-chan *lrpb.Operation, stream operationSender) error {
	for {
		select {
		case op, ok := <-watch:
			if !ok {
				return rpcerrors.ToStatus(rpcerrors.New(rpcerrors.Cancelled, "watcher dropped by the operation registry"))
			}
			if err := stream.Send(toExecuteOperation(op)); err != nil {
				return err
			}
			if op.Done {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *ExecutionServer) authenticate(ctx context.Context) (auth.Claims, string, error) {
	if s.validator == nil {
		tenant := trustedTenantFromContext(ctx)
		if tenant == "" {
			return auth.Claims{}, "", rpcerrors.ToStatus(rpcerrors.New(rpcerrors.Unauthenticated, "missing trusted tenant header"))
		}
		return auth.Claims{Tenant: tenant}, tenant, nil
	}
	header := authHeaderFromContext(ctx)
	claims, err := s.validator.Validate(ctx, header)
	if err != nil {
		return auth.Claims{}, "", rpcerrors.ToStatus(err)
	}
	return claims, claims.Tenant, nil
}

// toExecuteOperation converts the registry's terse Operation record into the
// wire-level longrunning.Operation the Execution RPCs stream, filling in
// ExecuteOperationMetadata the way please's client expects to unmarshal it.
func toExecuteOperation(op *lrpb.Operation) *lrpb.Operation {
	metadata, err := ptypes.MarshalAny(&pb.ExecuteOperationMetadata{
		Stage: stageFor(op),
	})
	if err != nil {
		return op
	}
	out := proto.Clone(op).(*lrpb.Operation)
	out.Metadata = metadata
	return out
}

func stageFor(op *lrpb.Operation) pb.ExecutionStage_Value {
	if op.Done {
		return pb.ExecutionStage_COMPLETED
	}
	return pb.ExecutionStage_EXECUTING
}
