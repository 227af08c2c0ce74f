package service

import (
	"context"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"github.com/relaybuild/rexec/internal/actioncache"
	"github.com/relaybuild/rexec/internal/instance"
	"github.com/relaybuild/rexec/internal/rpcerrors"
)

// ActionCacheServer implements pb.ActionCacheServer (C2).
type ActionCacheServer struct {
	pb.UnimplementedActionCacheServer

	instances *instance.Registry
	caches    map[string]*actioncache.Cache
}

// NewActionCacheServer constructs an ActionCacheServer with one Cache per
// instance name.
func NewActionCacheServer(instances *instance.Registry, caches map[string]*actioncache.Cache) *ActionCacheServer {
	return &ActionCacheServer{instances: instances, caches: caches}
}

func (s *ActionCacheServer) cache(instanceName string) *actioncache.Cache {
	cfg := s.instances.Get(instanceName)
	return s.caches[cfg.Name]
}

// GetActionResult implements pb.ActionCacheServer.
func (s *ActionCacheServer) GetActionResult(ctx context.Context, req *pb.GetActionResultRequest) (*pb.ActionResult, error) {
	ar, err := s.cache(req.InstanceName).Get(ctx, req.ActionDigest)
	if err != nil {
		return nil, rpcerrors.ToStatus(err)
	}
	return ar, nil
}

// UpdateActionResult implements pb.ActionCacheServer.
func (s *ActionCacheServer) UpdateActionResult(ctx context.Context, req *pb.UpdateActionResultRequest) (*pb.ActionResult, error) {
	if err := s.cache(req.InstanceName).Put(ctx, req.ActionDigest, req.ActionResult, false); err != nil {
		return nil, rpcerrors.ToStatus(err)
	}
	return req.ActionResult, nil
}
