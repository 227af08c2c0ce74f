package service

import (
	"context"
	"crypto/sha256"
	"testing"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaybuild/rexec/internal/actioncache"
	"github.com/relaybuild/rexec/internal/cas"
	"github.com/relaybuild/rexec/internal/digest"
	"github.com/relaybuild/rexec/internal/instance"
)

func newTestActionCacheServer(t *testing.T) (*ActionCacheServer, cas.BlobStore) {
	t.Helper()
	store, err := cas.NewFilesystemStore(t.TempDir(), sha256.New, 0, 0)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	reg := instance.NewRegistry([]instance.Config{instance.DefaultConfig("")})
	ac := actioncache.New(store)
	return NewActionCacheServer(reg, map[string]*actioncache.Cache{"": ac}), store
}

func TestActionCacheServer_UpdateThenGet(t *testing.T) {
	s, store := newTestActionCacheServer(t)
	ctx := context.Background()
	outDigest := digest.Of(sha256.New, []byte("stdout"))
	require.NoError(t, store.Write(ctx, &cas.Digest{Hash: outDigest.Hash, SizeBytes: outDigest.SizeBytes}, []byte("stdout")))

	actionDigest := &pb.Digest{Hash: "action1", SizeBytes: 4}
	ar := &pb.ActionResult{StdoutDigest: outDigest}

	_, err := s.UpdateActionResult(ctx, &pb.UpdateActionResultRequest{ActionDigest: actionDigest, ActionResult: ar})
	require.NoError(t, err)

	got, err := s.GetActionResult(ctx, &pb.GetActionResultRequest{ActionDigest: actionDigest})
	require.NoError(t, err)
	assert.Equal(t, outDigest.Hash, got.StdoutDigest.Hash)
}

func TestActionCacheServer_GetActionResult_MissingReturnsError(t *testing.T) {
	s, _ := newTestActionCacheServer(t)
	_, err := s.GetActionResult(context.Background(), &pb.GetActionResultRequest{ActionDigest: &pb.Digest{Hash: "nope", SizeBytes: 1}})
	assert.Error(t, err)
}
