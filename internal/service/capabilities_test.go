package service

import (
	"context"
	"testing"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaybuild/rexec/internal/instance"
)

func TestCapabilitiesServer_GetCapabilities(t *testing.T) {
	reg := instance.NewRegistry([]instance.Config{instance.DefaultConfig("")})
	s := NewCapabilitiesServer(reg)

	resp, err := s.GetCapabilities(context.Background(), &pb.GetCapabilitiesRequest{})
	require.NoError(t, err)
	assert.True(t, resp.CacheCapabilities.ActionCacheUpdateCapabilities.UpdateEnabled)
	assert.True(t, resp.ExecutionCapabilities.ExecEnabled)
	assert.Equal(t, pb.DigestFunction_SHA256, resp.ExecutionCapabilities.DigestFunction)
	assert.EqualValues(t, 2, resp.LowApiVersion.Major)
}
