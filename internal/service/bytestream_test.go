package service

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"testing"

	bs "google.golang.org/genproto/googleapis/bytestream"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaybuild/rexec/internal/cas"
	"github.com/relaybuild/rexec/internal/digest"
	"github.com/relaybuild/rexec/internal/instance"
)

func newTestByteStreamServer(t *testing.T) (*ByteStreamServer, cas.BlobStore) {
	t.Helper()
	store, err := cas.NewFilesystemStore(t.TempDir(), sha256.New, 0, 0)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	reg := instance.NewRegistry([]instance.Config{instance.DefaultConfig("")})
	return NewByteStreamServer(reg, map[string]cas.BlobStore{"": store}), store
}

type fakeReadStream struct {
	bs.ByteStream_ReadServer
	ctx  context.Context
	sent []*bs.ReadResponse
}

func (f *fakeReadStream) Context() context.Context { return f.ctx }
func (f *fakeReadStream) Send(r *bs.ReadResponse) error {
	f.sent = append(f.sent, r)
	return nil
}

type fakeWriteStream struct {
	bs.ByteStream_WriteServer
	ctx   context.Context
	reqs  []*bs.WriteRequest
	i     int
	final *bs.WriteResponse
}

func (f *fakeWriteStream) Context() context.Context { return f.ctx }
func (f *fakeWriteStream) Recv() (*bs.WriteRequest, error) {
	if f.i >= len(f.reqs) {
		return nil, io.EOF
	}
	req := f.reqs[f.i]
	f.i++
	return req, nil
}
func (f *fakeWriteStream) SendAndClose(r *bs.WriteResponse) error {
	f.final = r
	return nil
}

func TestByteStreamServer_WriteThenRead(t *testing.T) {
	s, store := newTestByteStreamServer(t)
	ctx := context.Background()
	payload := []byte("blob contents")
	d := digest.Of(sha256.New, payload)
	resourceName := fmt.Sprintf("uploads/11111111-1111-1111-1111-111111111111/blobs/%s/%d", d.Hash, d.SizeBytes)

	write := &fakeWriteStream{ctx: ctx, reqs: []*bs.WriteRequest{
		{ResourceName: resourceName, Data: payload[:5]},
		{ResourceName: resourceName, Data: payload[5:], FinishWrite: true},
	}}
	require.NoError(t, s.Write(write))
	require.NotNil(t, write.final)
	assert.EqualValues(t, len(payload), write.final.CommittedSize)

	missing, err := store.Missing(ctx, []*cas.Digest{{Hash: d.Hash, SizeBytes: d.SizeBytes}})
	require.NoError(t, err)
	assert.Empty(t, missing)

	read := &fakeReadStream{ctx: ctx}
	require.NoError(t, s.Read(&bs.ReadRequest{ResourceName: fmt.Sprintf("blobs/%s/%d", d.Hash, d.SizeBytes)}, read))
	var got []byte
	for _, r := range read.sent {
		got = append(got, r.Data...)
	}
	assert.Equal(t, payload, got)
}

func TestByteStreamServer_QueryWriteStatus(t *testing.T) {
	s, store := newTestByteStreamServer(t)
	ctx := context.Background()
	payload := []byte("other payload")
	d := digest.Of(sha256.New, payload)
	require.NoError(t, store.Write(ctx, &cas.Digest{Hash: d.Hash, SizeBytes: d.SizeBytes}, payload))

	resp, err := s.QueryWriteStatus(ctx, &bs.QueryWriteStatusRequest{
		ResourceName: fmt.Sprintf("blobs/%s/%d", d.Hash, d.SizeBytes),
	})
	require.NoError(t, err)
	assert.True(t, resp.Complete)
	assert.EqualValues(t, d.SizeBytes, resp.CommittedSize)
}
