package service

import (
	"context"
	"io"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/golang/protobuf/proto"
	"golang.org/x/sync/errgroup"
	rpcstatus "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"

	"github.com/relaybuild/rexec/internal/cas"
	"github.com/relaybuild/rexec/internal/instance"
	"github.com/relaybuild/rexec/internal/rpcerrors"
)

// CASServer implements pb.ContentAddressableStorageServer (C1), matching
// the request/response shapes please's src/remote/remote_test.go testServer
// exercises from the client side.
type CASServer struct {
	pb.UnimplementedContentAddressableStorageServer

	instances *instance.Registry
	stores    map[string]cas.BlobStore
}

// NewCASServer constructs a CASServer with one BlobStore per instance name.
func NewCASServer(instances *instance.Registry, stores map[string]cas.BlobStore) *CASServer {
	return &CASServer{instances: instances, stores: stores}
}

func (s *CASServer) store(instanceName string) cas.BlobStore {
	cfg := s.instances.Get(instanceName)
	return s.stores[cfg.Name]
}

// FindMissingBlobs implements pb.ContentAddressableStorageServer.
func (s *CASServer) FindMissingBlobs(ctx context.Context, req *pb.FindMissingBlobsRequest) (*pb.FindMissingBlobsResponse, error) {
	store := s.store(req.InstanceName)
	digests := make([]*cas.Digest, len(req.BlobDigests))
	for i, d := range req.BlobDigests {
		digests[i] = &cas.Digest{Hash: d.Hash, SizeBytes: d.SizeBytes}
	}
	missing, err := store.Missing(ctx, digests)
	if err != nil {
		return nil, rpcerrors.ToStatus(err)
	}
	resp := &pb.FindMissingBlobsResponse{}
	for _, d := range missing {
		resp.MissingBlobDigests = append(resp.MissingBlobDigests, &pb.Digest{Hash: d.Hash, SizeBytes: d.SizeBytes})
	}
	return resp, nil
}

// BatchUpdateBlobs implements pb.ContentAddressableStorageServer, writing
// every blob concurrently the way please's blobs.go pipelines uploads with
// an errgroup rather than one at a time.
func (s *CASServer) BatchUpdateBlobs(ctx context.Context, req *pb.BatchUpdateBlobsRequest) (*pb.BatchUpdateBlobsResponse, error) {
	store := s.store(req.InstanceName)
	resp := &pb.BatchUpdateBlobsResponse{Responses: make([]*pb.BatchUpdateBlobsResponse_Response, len(req.Requests))}
	g, gctx := errgroup.WithContext(ctx)
	for i, r := range req.Requests {
		i, r := i, r
		g.Go(func() error {
			st := &rpcstatus.Status{}
			d := &cas.Digest{Hash: r.Digest.Hash, SizeBytes: r.Digest.SizeBytes}
			if int64(len(r.Data)) != d.SizeBytes {
				st.Code = int32(codes.InvalidArgument)
				st.Message = "blob size does not match claimed digest size"
			} else if err := store.Write(gctx, d, r.Data); err != nil {
				st.Code = int32(codes.InvalidArgument)
				st.Message = err.Error()
			}
			resp.Responses[i] = &pb.BatchUpdateBlobsResponse_Response{Digest: r.Digest, Status: st}
			return nil
		})
	}
	g.Wait()
	return resp, nil
}

// BatchReadBlobs implements pb.ContentAddressableStorageServer, reading
// every blob concurrently.
func (s *CASServer) BatchReadBlobs(ctx context.Context, req *pb.BatchReadBlobsRequest) (*pb.BatchReadBlobsResponse, error) {
	store := s.store(req.InstanceName)
	resp := &pb.BatchReadBlobsResponse{Responses: make([]*pb.BatchReadBlobsResponse_Response, len(req.Digests))}
	g, gctx := errgroup.WithContext(ctx)
	for i, d := range req.Digests {
		i, d := i, d
		g.Go(func() error {
			cd := &cas.Digest{Hash: d.Hash, SizeBytes: d.SizeBytes}
			st := &rpcstatus.Status{}
			var data []byte
			r, err := store.Read(gctx, cd, 0, 0)
			if err != nil {
				st.Code = int32(codes.NotFound)
				st.Message = "blob not found"
			} else {
				data, err = io.ReadAll(r)
				r.Close()
				if err != nil {
					st.Code = int32(codes.Internal)
					st.Message = err.Error()
				}
			}
			resp.Responses[i] = &pb.BatchReadBlobsResponse_Response{Digest: d, Data: data, Status: st}
			return nil
		})
	}
	g.Wait()
	return resp, nil
}

// GetTree implements pb.ContentAddressableStorageServer by walking
// Directory.directories recursively, resolving each child via the BlobStore
// and sending the whole tree as a single pb.GetTreeResponse.
func (s *CASServer) GetTree(req *pb.GetTreeRequest, stream pb.ContentAddressableStorage_GetTreeServer) error {
	store := s.store(req.InstanceName)
	var dirs []*pb.Directory
	if err := s.collectTree(stream.Context(), store, req.RootDigest, &dirs); err != nil {
		return rpcerrors.ToStatus(err)
	}
	return stream.Send(&pb.GetTreeResponse{Directories: dirs})
}

func (s *CASServer) collectTree(ctx context.Context, store cas.BlobStore, d *pb.Digest, out *[]*pb.Directory) error {
	if d == nil {
		return nil
	}
	r, err := store.Read(ctx, &cas.Digest{Hash: d.Hash, SizeBytes: d.SizeBytes}, 0, 0)
	if err != nil {
		return err
	}
	b, err := io.ReadAll(r)
	r.Close()
	if err != nil {
		return err
	}
	var dir pb.Directory
	if err := unmarshalInto(b, &dir); err != nil {
		return err
	}
	*out = append(*out, &dir)
	for _, child := range dir.Directories {
		if err := s.collectTree(ctx, store, child.Digest, out); err != nil {
			return err
		}
	}
	return nil
}

func unmarshalInto(b []byte, dir *pb.Directory) error {
	return proto.Unmarshal(b, dir)
}
