package botsession

import (
	"context"
	"crypto/sha256"
	"io"
	"testing"
	"time"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaybuild/rexec/internal/actioncache"
	"github.com/relaybuild/rexec/internal/cas"
	"github.com/relaybuild/rexec/internal/operations"
	"github.com/relaybuild/rexec/internal/scheduler"
)

type allowAllQuotas struct{}

func (allowAllQuotas) TryAcquireSlot(string) bool         { return true }
func (allowAllQuotas) ReleaseSlot(string)                 {}
func (allowAllQuotas) QueueDepthAllowed(string, int) bool { return true }

type noopStore struct{}

func (noopStore) Missing(ctx context.Context, digests []*cas.Digest) ([]*cas.Digest, error) {
	return nil, nil
}
func (noopStore) Read(ctx context.Context, d *cas.Digest, offset, limit int64) (io.ReadCloser, error) {
	return io.NopCloser(nil), nil
}
func (noopStore) Write(ctx context.Context, d *cas.Digest, b []byte) error { return nil }
func (noopStore) Pin(d *cas.Digest, token string)                         {}
func (noopStore) Unpin(d *cas.Digest, token string)                       {}

func newTestManager(t *testing.T) (*Manager, *scheduler.Scheduler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	store := noopStore{}
	ac := actioncache.New(store)
	ops := operations.New()
	sched := scheduler.New(ctx, scheduler.Config{LeaseInterval: time.Second, MaxAttempts: 3}, store, ac, ops, allowAllQuotas{}, sha256.New, nil)
	return New(ctx, sched, 200*time.Millisecond), sched
}

func TestManager_CreateSession(t *testing.T) {
	m, _ := newTestManager(t)
	s := m.Create("acme", "bot-1", "linux")
	assert.NotEmpty(t, s.ID)
}

func TestManager_UpdateAssignsQueuedWork(t *testing.T) {
	m, sched := newTestManager(t)
	_, err := sched.Submit(context.Background(), "acme", &pb.Digest{Hash: "a", SizeBytes: 1}, "linux", 0, false, true)
	require.NoError(t, err)

	s := m.Create("acme", "bot-1", "linux")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	leases, err := m.Update(ctx, "acme", s.ID, nil)
	require.NoError(t, err)
	assert.Len(t, leases, 1)
	assert.Equal(t, "PENDING", leases[0].State)
}

func TestManager_UpdateReportsCompletion(t *testing.T) {
	m, sched := newTestManager(t)
	_, err := sched.Submit(context.Background(), "acme", &pb.Digest{Hash: "b", SizeBytes: 1}, "linux", 0, false, true)
	require.NoError(t, err)

	s := m.Create("acme", "bot-1", "linux")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	leases, err := m.Update(ctx, "acme", s.ID, nil)
	require.NoError(t, err)
	require.Len(t, leases, 1)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	leases2, err := m.Update(ctx2, "acme", s.ID, []Lease{{ID: leases[0].ID, State: "COMPLETED"}})
	require.NoError(t, err)
	assert.Empty(t, leases2)
}

func TestManager_UpdateUnknownSessionErrors(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Update(context.Background(), "acme", "nonexistent", nil)
	assert.Error(t, err)
}

func TestManager_UpdateWrongTenantErrors(t *testing.T) {
	m, _ := newTestManager(t)
	s := m.Create("acme", "bot-1", "linux")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := m.Update(ctx, "other-tenant", s.ID, nil)
	assert.Error(t, err)
}
