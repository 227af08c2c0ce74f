package service

import (
	"context"
	"crypto/sha256"
	"testing"
	"time"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/golang/protobuf/ptypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lrpb "google.golang.org/genproto/googleapis/longrunning"
	"google.golang.org/grpc/metadata"

	"github.com/relaybuild/rexec/internal/actioncache"
	"github.com/relaybuild/rexec/internal/cas"
	"github.com/relaybuild/rexec/internal/instance"
	"github.com/relaybuild/rexec/internal/operations"
	"github.com/relaybuild/rexec/internal/quota"
	"github.com/relaybuild/rexec/internal/scheduler"
)

type fakeExecuteStream struct {
	pb.Execution_ExecuteServer
	ctx  context.Context
	sent []*pb.ExecuteResponse
}

func (f *fakeExecuteStream) Context() context.Context { return f.ctx }

func (f *fakeExecuteStream) Send(op *lrpb.Operation) error {
	resp := &pb.ExecuteResponse{}
	if wireResp, ok := op.Result.(*lrpb.Operation_Response); ok {
		if err := ptypes.UnmarshalAny(wireResp.Response, resp); err != nil {
			return err
		}
	}
	f.sent = append(f.sent, resp)
	return nil
}

func newTestExecutionServer(t *testing.T) *ExecutionServer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	store, err := cas.NewFilesystemStore(t.TempDir(), sha256.New, 0, 0)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	ac := actioncache.New(store)
	ops := operations.New()
	quotas := quota.NewManager(nil)
	sched := scheduler.New(ctx, scheduler.Config{LeaseInterval: time.Minute, MaxAttempts: 3}, store, ac, ops, quotas, sha256.New, nil)
	reg := instance.NewRegistry([]instance.Config{instance.DefaultConfig("")})
	return NewExecutionServer(reg, map[string]*scheduler.Scheduler{"": sched}, ops, quotas, nil)
}

func withTrustedTenant(tenant string) context.Context {
	return metadata.NewIncomingContext(context.Background(), metadata.Pairs(tenantHeader, tenant))
}

func TestExecutionServer_Execute_StreamsUntilClientDeadline(t *testing.T) {
	s := newTestExecutionServer(t)
	ctx, cancel := context.WithTimeout(withTrustedTenant("acme"), 200*time.Millisecond)
	defer cancel()

	req := &pb.ExecuteRequest{ActionDigest: &pb.Digest{Hash: "x", SizeBytes: 1}}
	stream := &fakeExecuteStream{ctx: ctx}
	go func() {
		sched := s.schedulers[""]
		for i := 0; i < 50; i++ {
			if _, _, _, ok := sched.Dequeue("acme", ""); ok {
				return
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()
	err := s.Execute(req, stream)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExecutionServer_Execute_StreamsActionResultOnCompletion(t *testing.T) {
	s := newTestExecutionServer(t)
	ctx, cancel := context.WithTimeout(withTrustedTenant("acme"), 2*time.Second)
	defer cancel()

	req := &pb.ExecuteRequest{ActionDigest: &pb.Digest{Hash: "y", SizeBytes: 1}}
	stream := &fakeExecuteStream{ctx: ctx}
	go func() {
		sched := s.schedulers[""]
		for i := 0; i < 100; i++ {
			if op, leaseID, _, ok := sched.Dequeue("acme", ""); ok {
				require.NoError(t, sched.Complete(context.Background(), op.Name, leaseID, &pb.ActionResult{ExitCode: 9}, nil))
				return
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()
	err := s.Execute(req, stream)
	require.NoError(t, err)
	require.NotEmpty(t, stream.sent)
	last := stream.sent[len(stream.sent)-1]
	assert.Equal(t, int32(9), last.Result.ExitCode)
	assert.Equal(t, int32(0), last.Status.Code)
}

func TestExecutionServer_Execute_RejectsUnauthenticated(t *testing.T) {
	s := newTestExecutionServer(t)
	stream := &fakeExecuteStream{ctx: context.Background()}
	err := s.Execute(&pb.ExecuteRequest{ActionDigest: &pb.Digest{Hash: "x", SizeBytes: 1}}, stream)
	assert.Error(t, err)
}
