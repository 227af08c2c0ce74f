package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResourceName_Download(t *testing.T) {
	rn, err := parseResourceName("myinstance/blobs/abc123/42")
	require.NoError(t, err)
	assert.Equal(t, "myinstance", rn.Instance)
	assert.Equal(t, "abc123", rn.Hash)
	assert.EqualValues(t, 42, rn.Size)
	assert.False(t, rn.IsUpload)
}

func TestParseResourceName_Upload(t *testing.T) {
	rn, err := parseResourceName("myinstance/uploads/7c7e52/blobs/abc123/42")
	require.NoError(t, err)
	assert.Equal(t, "myinstance", rn.Instance)
	assert.Equal(t, "abc123", rn.Hash)
	assert.EqualValues(t, 42, rn.Size)
	assert.True(t, rn.IsUpload)
}

func TestParseResourceName_NoInstance(t *testing.T) {
	rn, err := parseResourceName("blobs/abc123/42")
	require.NoError(t, err)
	assert.Equal(t, "", rn.Instance)
	assert.Equal(t, "abc123", rn.Hash)
}

func TestParseResourceName_Invalid(t *testing.T) {
	_, err := parseResourceName("not-a-valid-name")
	assert.Error(t, err)
}
