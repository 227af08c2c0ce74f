package service

import (
	"context"
	"crypto/sha256"
	"testing"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/golang/protobuf/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaybuild/rexec/internal/cas"
	"github.com/relaybuild/rexec/internal/digest"
	"github.com/relaybuild/rexec/internal/instance"
)

func newTestCASServer(t *testing.T) (*CASServer, cas.BlobStore) {
	t.Helper()
	store, err := cas.NewFilesystemStore(t.TempDir(), sha256.New, 0, 0)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	reg := instance.NewRegistry([]instance.Config{instance.DefaultConfig("")})
	return NewCASServer(reg, map[string]cas.BlobStore{"": store}), store
}

func TestCASServer_FindMissingBlobs(t *testing.T) {
	s, store := newTestCASServer(t)
	d := digest.Of(sha256.New, []byte("hello"))
	require.NoError(t, store.Write(context.Background(), &cas.Digest{Hash: d.Hash, SizeBytes: d.SizeBytes}, []byte("hello")))

	missingDigest := &pb.Digest{Hash: "deadbeef", SizeBytes: 4}
	resp, err := s.FindMissingBlobs(context.Background(), &pb.FindMissingBlobsRequest{
		BlobDigests: []*pb.Digest{d, missingDigest},
	})
	require.NoError(t, err)
	require.Len(t, resp.MissingBlobDigests, 1)
	assert.Equal(t, "deadbeef", resp.MissingBlobDigests[0].Hash)
}

func TestCASServer_BatchUpdateAndReadBlobs(t *testing.T) {
	s, _ := newTestCASServer(t)
	d := digest.Of(sha256.New, []byte("payload"))

	updateResp, err := s.BatchUpdateBlobs(context.Background(), &pb.BatchUpdateBlobsRequest{
		Requests: []*pb.BatchUpdateBlobsRequest_Request{{Digest: d, Data: []byte("payload")}},
	})
	require.NoError(t, err)
	require.Len(t, updateResp.Responses, 1)
	assert.Equal(t, int32(0), updateResp.Responses[0].Status.Code)

	readResp, err := s.BatchReadBlobs(context.Background(), &pb.BatchReadBlobsRequest{Digests: []*pb.Digest{d}})
	require.NoError(t, err)
	require.Len(t, readResp.Responses, 1)
	assert.Equal(t, []byte("payload"), readResp.Responses[0].Data)
}

func TestCASServer_BatchUpdateBlobs_RejectsSizeMismatch(t *testing.T) {
	s, _ := newTestCASServer(t)
	badDigest := &pb.Digest{Hash: "whatever", SizeBytes: 100}

	resp, err := s.BatchUpdateBlobs(context.Background(), &pb.BatchUpdateBlobsRequest{
		Requests: []*pb.BatchUpdateBlobsRequest_Request{{Digest: badDigest, Data: []byte("short")}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Responses, 1)
	assert.NotEqual(t, int32(0), resp.Responses[0].Status.Code)
}

type fakeGetTreeStream struct {
	pb.ContentAddressableStorage_GetTreeServer
	ctx context.Context
	got []*pb.GetTreeResponse
}

func (f *fakeGetTreeStream) Context() context.Context { return f.ctx }
func (f *fakeGetTreeStream) Send(r *pb.GetTreeResponse) error {
	f.got = append(f.got, r)
	return nil
}

func TestCASServer_GetTree_WalksChildDirectories(t *testing.T) {
	s, store := newTestCASServer(t)
	ctx := context.Background()

	leaf := &pb.Directory{}
	leafBytes, err := proto.Marshal(leaf)
	require.NoError(t, err)
	leafDigest := digest.Of(sha256.New, leafBytes)
	require.NoError(t, store.Write(ctx, &cas.Digest{Hash: leafDigest.Hash, SizeBytes: leafDigest.SizeBytes}, leafBytes))

	root := &pb.Directory{Directories: []*pb.DirectoryNode{{Name: "child", Digest: leafDigest}}}
	rootBytes, err := proto.Marshal(root)
	require.NoError(t, err)
	rootDigest := digest.Of(sha256.New, rootBytes)
	require.NoError(t, store.Write(ctx, &cas.Digest{Hash: rootDigest.Hash, SizeBytes: rootDigest.SizeBytes}, rootBytes))

	stream := &fakeGetTreeStream{ctx: ctx}
	require.NoError(t, s.GetTree(&pb.GetTreeRequest{RootDigest: rootDigest}, stream))
	require.Len(t, stream.got, 1)
	assert.Len(t, stream.got[0].Directories, 2)
}
