package service

import (
	"context"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/bazelbuild/remote-apis/build/bazel/semver"

	"github.com/relaybuild/rexec/internal/instance"
)

// CapabilitiesServer implements pb.CapabilitiesServer, matching the shape
// please's src/remote/remote_test.go testServer.GetCapabilities returns from
// the client side (CacheCapabilities + ExecutionCapabilities + API version
// range).
type CapabilitiesServer struct {
	pb.UnimplementedCapabilitiesServer

	instances *instance.Registry
}

// NewCapabilitiesServer constructs a CapabilitiesServer.
func NewCapabilitiesServer(instances *instance.Registry) *CapabilitiesServer {
	return &CapabilitiesServer{instances: instances}
}

// GetCapabilities implements pb.CapabilitiesServer.
func (s *CapabilitiesServer) GetCapabilities(ctx context.Context, req *pb.GetCapabilitiesRequest) (*pb.ServerCapabilities, error) {
	cfg := s.instances.Get(req.InstanceName)
	_, digestFn, err := cfg.HashFunc()
	if err != nil {
		digestFn = pb.DigestFunction_SHA256
	}
	return &pb.ServerCapabilities{
		CacheCapabilities: &pb.CacheCapabilities{
			DigestFunction: []pb.DigestFunction_Value{digestFn},
			ActionCacheUpdateCapabilities: &pb.ActionCacheUpdateCapabilities{
				UpdateEnabled: true,
			},
			MaxBatchTotalSizeBytes: 4 * 1024 * 1024,
			SymlinkAbsolutePathStrategy: pb.SymlinkAbsolutePathStrategy_ALLOWED,
		},
		ExecutionCapabilities: &pb.ExecutionCapabilities{
			DigestFunction: digestFn,
			ExecEnabled:    true,
		},
		LowApiVersion:  &semver.SemVer{Major: 2},
		HighApiVersion: &semver.SemVer{Major: 2, Minor: 3},
	}, nil
}
