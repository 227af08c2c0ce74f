// Package scheduler implements the Execution Scheduler (C4): the state
// machine an action moves through from submission to completion, the
// dedup/merge rule for identical in-flight actions, and the lease protocol
// the Bots Session Manager uses to hand work to workers.
//
// The worker-registry half of this (acquire/release, heartbeat-driven
// reclaim) is grounded on peterebden-please's tools/mettle/master package:
// a mutex-guarded slice of available workers plus a name-indexed map, workers
// pulled off the back of the slice and pushed back on release. This package
// generalizes that shape from "hand a worker a whole task synchronously" to
// "track leases against workers that poll for work", which the Bots protocol
// requires.
package scheduler

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/golang/protobuf/ptypes"
	"github.com/google/uuid"
	lrpb "google.golang.org/genproto/googleapis/longrunning"
	rpcstatuspb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/relaybuild/rexec/internal/actioncache"
	"github.com/relaybuild/rexec/internal/cas"
	"github.com/relaybuild/rexec/internal/digest"
	"github.com/relaybuild/rexec/internal/operations"
	"github.com/relaybuild/rexec/internal/rpcerrors"
	"github.com/relaybuild/rexec/internal/statestore"
)

// walRecord is the durable projection of an action's state, appended to the
// WAL on every committed transition (spec.md §6 "Persisted state layout").
// It carries enough to rebuild byName/byDedup/queues on restart without
// replaying the original Execute request.
type walRecord struct {
	Name         string
	Tenant       string
	Hash         string
	SizeBytes    int64
	Platform     string
	Priority     int32
	SkipCache    bool
	DoNotCache   bool
	State        State
	Attempts     int
}

// State is an Operation's position in the spec.md §4.4 state machine.
type State int

const (
	StateNew State = iota
	StateQueued
	StateExecuting
	StateCompleted
	StateCancelled
)

// Quotas is the subset of internal/quota.Manager the scheduler needs, kept
// as an interface so tests don't need a real Manager.
type Quotas interface {
	TryAcquireSlot(tenantID string) bool
	ReleaseSlot(tenantID string)
	QueueDepthAllowed(tenantID string, currentDepth int) bool
}

// action is the scheduler's internal record for one submitted action. It
// corresponds 1:1 to a longrunning.Operation published to the Registry.
type action struct {
	mu sync.Mutex

	name         string
	tenant       string
	actionDigest *pb.Digest
	platform     string // serialized platform_properties, used as the queue bucket key
	priority     int32
	skipCache    bool
	doNotCache   bool

	state       State
	attempts    int
	leaseID     string
	leaseExpiry time.Time
	cancelAt    time.Time // set when Cancel requests EXECUTING->Cancelled with a grace period

	result  *pb.ActionResult
	cached  bool  // result came from an Action Cache hit, not a fresh execution
	lastErr error // terminal failure reason once state is Completed; nil means success

	waiters []string // names of merged Execute calls sharing this action, for logging only
}

// Config is the scheduler's tunables (spec.md §4.4/§4.5), sourced from
// config.Config.Scheduler.
type Config struct {
	LeaseInterval           time.Duration
	MaxAttempts             int
	CancellationGracePeriod time.Duration
}

// Scheduler owns every in-flight action for one instance.
type Scheduler struct {
	cfg    Config
	cas    cas.BlobStore
	ac     *actioncache.Cache
	ops    *operations.Registry
	quotas Quotas
	hash   digest.Func
	wal    *statestore.Store // optional; nil runs in-memory only

	mu        sync.Mutex
	byName    map[string]*action
	byDedup   map[string]*action // "tenant/hash/size" -> action, only while New/Queued/Executing
	queues    map[string][]*action
}

// New constructs a Scheduler and starts its background lease-reclaim loop.
// wal may be nil, in which case the scheduler keeps state purely in memory
// and does not survive a restart.
func New(ctx context.Context, cfg Config, store cas.BlobStore, ac *actioncache.Cache, ops *operations.Registry, quotas Quotas, hash digest.Func, wal *statestore.Store) *Scheduler {
	s := &Scheduler{
		cfg:     cfg,
		cas:     store,
		ac:      ac,
		ops:     ops,
		quotas:  quotas,
		hash:    hash,
		wal:     wal,
		byName:  map[string]*action{},
		byDedup: map[string]*action{},
		queues:  map[string][]*action{},
	}
	go s.reclaimLoop(ctx)
	return s
}

// Restore replays the WAL (most-recent record per operation name wins) to
// rebuild in-memory scheduler state after a restart. It is a no-op if the
// scheduler was constructed without a store. Queued and Executing actions
// recovered this way re-enter their tenant/platform queue; Executing actions
// lose their lease (no worker could still be holding it meaningfully across
// a restart) and are requeued immediately.
func (s *Scheduler) Restore() error {
	if s.wal == nil {
		return nil
	}
	latest := map[string]walRecord{}
	if err := s.wal.Replay(func(rec statestore.Record) error {
		if rec.Kind != "action" {
			return nil
		}
		var r walRecord
		if err := json.Unmarshal(rec.Payload, &r); err != nil {
			return err
		}
		latest[r.Name] = r
		return nil
	}); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range latest {
		if r.State == StateCompleted || r.State == StateCancelled {
			continue
		}
		a := &action{
			name:         r.Name,
			tenant:       r.Tenant,
			actionDigest: &pb.Digest{Hash: r.Hash, SizeBytes: r.SizeBytes},
			platform:     r.Platform,
			priority:     r.Priority,
			skipCache:    r.SkipCache,
			doNotCache:   r.DoNotCache,
			state:        StateQueued,
			attempts:     r.Attempts,
		}
		s.byName[a.name] = a
		if !a.doNotCache {
			s.byDedup[dedupKeyFor(a.tenant, a.actionDigest)] = a
		}
		s.enqueueLocked(a)
	}
	return nil
}

// Submit admits a new Execute request. If an identical action (same tenant
// and action digest, neither marked do_not_cache) is already New, Queued or
// Executing, the new request is merged onto it rather than creating a second
// Operation (spec.md §4.4 "Dedup/merge"). The returned Operation name should
// be streamed back to the caller via operations.Registry.Watch.
func (s *Scheduler) Submit(ctx context.Context, tenant string, actionDigest *pb.Digest, platform string, priority int32, skipCache, doNotCache bool) (string, error) {
	dedupKey := ""
	if !doNotCache {
		dedupKey = dedupKeyFor(tenant, actionDigest)
		s.mu.Lock()
		if existing, ok := s.byDedup[dedupKey]; ok {
			name := existing.name
			s.mu.Unlock()
			return name, nil
		}
		s.mu.Unlock()
	}

	if !skipCache {
		if ar, err := s.ac.Get(ctx, actionDigest); err == nil {
			return s.publishCompleted(tenant, actionDigest, ar, true), nil
		}
	}

	if !s.quotas.QueueDepthAllowed(tenant, s.queueDepth(tenant, platform)) {
		return "", rpcerrors.New(rpcerrors.ResourceExhausted, "tenant "+tenant+" queue is full")
	}

	a := &action{
		name:         uuid.NewString(),
		tenant:       tenant,
		actionDigest: actionDigest,
		platform:     platform,
		priority:     priority,
		skipCache:    skipCache,
		doNotCache:   doNotCache,
		state:        StateQueued,
	}

	s.mu.Lock()
	s.byName[a.name] = a
	if dedupKey != "" {
		s.byDedup[dedupKey] = a
	}
	s.enqueueLocked(a)
	s.mu.Unlock()

	s.publish(a)
	return a.name, nil
}

func (s *Scheduler) queueDepth(tenant, platform string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[bucketKey(tenant, platform)])
}

func (s *Scheduler) enqueueLocked(a *action) {
	key := bucketKey(a.tenant, a.platform)
	q := s.queues[key]
	i := len(q)
	for i > 0 && q[i-1].priority < a.priority {
		i--
	}
	q = append(q, nil)
	copy(q[i+1:], q[i:])
	q[i] = a
	s.queues[key] = q
}

// Dequeue hands the highest-priority queued action for tenant/platform to a
// worker, issuing it a lease, or returns ok=false if nothing is available
// (including when the tenant is at its concurrency cap, per spec.md §4.7).
func (s *Scheduler) Dequeue(tenant, platform string) (op *lrpb.Operation, leaseID string, leaseExpiry time.Time, ok bool) {
	s.mu.Lock()
	key := bucketKey(tenant, platform)
	q := s.queues[key]
	var chosen *action
	idx := -1
	for i, a := range q {
		a.mu.Lock()
		admissible := a.state == StateQueued
		a.mu.Unlock()
		if admissible {
			chosen = a
			idx = i
			break
		}
	}
	if chosen == nil {
		s.mu.Unlock()
		return nil, "", time.Time{}, false
	}
	if !s.quotas.TryAcquireSlot(tenant) {
		s.mu.Unlock()
		return nil, "", time.Time{}, false
	}
	s.queues[key] = append(q[:idx:idx], q[idx+1:]...)
	s.mu.Unlock()

	chosen.mu.Lock()
	chosen.state = StateExecuting
	chosen.attempts++
	chosen.leaseID = uuid.NewString()
	chosen.leaseExpiry = time.Now().Add(s.cfg.LeaseInterval)
	leaseID = chosen.leaseID
	leaseExpiry = chosen.leaseExpiry
	chosen.mu.Unlock()

	s.publish(chosen)
	return s.operationFor(chosen), leaseID, leaseExpiry, true
}

// KeepAlive extends a worker's lease on name. It fails if leaseID doesn't
// match the action's current lease (the worker lost the lease to a reclaim
// and a new attempt may already be in flight).
func (s *Scheduler) KeepAlive(name, leaseID string) error {
	a := s.get(name)
	if a == nil {
		return rpcerrors.New(rpcerrors.NotFound, "no such operation "+name)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateExecuting || a.leaseID != leaseID {
		return rpcerrors.New(rpcerrors.FailedPrecondition, "lease is no longer valid")
	}
	a.leaseExpiry = time.Now().Add(s.cfg.LeaseInterval)
	return nil
}

// Complete publishes a worker's result for an Operation it holds the lease
// for. Per spec.md §4.4's publication order, the caller must have already
// written every output blob to CAS; Complete verifies completeness, writes
// the Action Cache entry (unless do_not_cache), marks the Operation
// Completed, and notifies watchers exactly once.
func (s *Scheduler) Complete(ctx context.Context, name, leaseID string, ar *pb.ActionResult, execErr error) error {
	a := s.get(name)
	if a == nil {
		return rpcerrors.New(rpcerrors.NotFound, "no such operation "+name)
	}
	a.mu.Lock()
	if a.state != StateExecuting || a.leaseID != leaseID {
		a.mu.Unlock()
		return rpcerrors.New(rpcerrors.FailedPrecondition, "lease is no longer valid")
	}
	a.mu.Unlock()

	s.quotas.ReleaseSlot(a.tenant)

	// Publication order (spec.md §4.4): outputs are already in CAS by the
	// time a worker calls Complete, so only the Action Cache entry itself can
	// still fail here. A failure at this step is "Incomplete" and retried
	// exactly like a worker-reported execErr, up to MAX_ATTEMPTS.
	if execErr == nil && ar != nil && !a.doNotCache {
		if err := s.ac.Put(ctx, a.actionDigest, ar, false); err != nil {
			execErr = err
		}
	}

	if execErr != nil && a.attempts < maxAttempts(s.cfg) {
		a.mu.Lock()
		a.state = StateQueued
		a.leaseID = ""
		a.mu.Unlock()
		s.mu.Lock()
		s.enqueueLocked(a)
		s.mu.Unlock()
		s.publish(a)
		return nil
	}

	a.mu.Lock()
	a.state = StateCompleted
	a.result = ar
	a.cached = false
	a.lastErr = execErr
	a.mu.Unlock()

	s.removeDedup(a)
	s.publish(a)
	return nil
}

// Cancel requests cancellation of name. A Queued action is removed
// immediately; an Executing action is flagged and force-expired after
// CancellationGracePeriod if the worker doesn't acknowledge in time
// (spec.md §4.4 "Cancellation").
func (s *Scheduler) Cancel(name string) error {
	a := s.get(name)
	if a == nil {
		return rpcerrors.New(rpcerrors.NotFound, "no such operation "+name)
	}
	a.mu.Lock()
	switch a.state {
	case StateQueued:
		a.state = StateCancelled
		a.mu.Unlock()
		s.removeFromQueue(a)
		s.removeDedup(a)
		s.publish(a)
		return nil
	case StateExecuting:
		a.cancelAt = time.Now().Add(s.cfg.CancellationGracePeriod)
		a.mu.Unlock()
		return nil
	default:
		a.mu.Unlock()
		return nil
	}
}

func (s *Scheduler) removeFromQueue(a *action) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := bucketKey(a.tenant, a.platform)
	q := s.queues[key]
	for i, q2 := range q {
		if q2 == a {
			s.queues[key] = append(q[:i], q[i+1:]...)
			return
		}
	}
}

func (s *Scheduler) removeDedup(a *action) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := dedupKeyFor(a.tenant, a.actionDigest)
	if s.byDedup[key] == a {
		delete(s.byDedup, key)
	}
}

// reclaimLoop periodically force-expires leases that a worker failed to
// renew, and enforces the cancellation grace period.
func (s *Scheduler) reclaimLoop(ctx context.Context) {
	interval := s.cfg.LeaseInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reclaimOnce()
		}
	}
}

func (s *Scheduler) reclaimOnce() {
	now := time.Now()
	s.mu.Lock()
	actions := make([]*action, 0, len(s.byName))
	for _, a := range s.byName {
		actions = append(actions, a)
	}
	s.mu.Unlock()

	for _, a := range actions {
		a.mu.Lock()
		expired := a.state == StateExecuting && now.After(a.leaseExpiry)
		forceCancel := a.state == StateExecuting && !a.cancelAt.IsZero() && now.After(a.cancelAt)
		a.mu.Unlock()
		if forceCancel {
			a.mu.Lock()
			a.state = StateCancelled
			a.mu.Unlock()
			s.quotas.ReleaseSlot(a.tenant)
			s.removeDedup(a)
			s.publish(a)
			continue
		}
		if expired {
			a.mu.Lock()
			if a.attempts >= maxAttempts(s.cfg) {
				a.state = StateCompleted
				a.lastErr = rpcerrors.New(rpcerrors.DeadlineExceeded, "lease expired without completion after max attempts")
				a.mu.Unlock()
				s.quotas.ReleaseSlot(a.tenant)
				s.removeDedup(a)
				s.publish(a)
				continue
			}
			a.state = StateQueued
			a.leaseID = ""
			a.mu.Unlock()
			s.quotas.ReleaseSlot(a.tenant)
			s.mu.Lock()
			s.enqueueLocked(a)
			s.mu.Unlock()
			s.publish(a)
		}
	}
}

func maxAttempts(cfg Config) int {
	if cfg.MaxAttempts <= 0 {
		return 3
	}
	return cfg.MaxAttempts
}

func (s *Scheduler) get(name string) *action {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byName[name]
}

func (s *Scheduler) publishCompleted(tenant string, actionDigest *pb.Digest, ar *pb.ActionResult, cached bool) string {
	a := &action{
		name:         uuid.NewString(),
		tenant:       tenant,
		actionDigest: actionDigest,
		state:        StateCompleted,
		result:       ar,
		cached:       cached,
	}
	s.mu.Lock()
	s.byName[a.name] = a
	s.mu.Unlock()
	s.publish(a)
	return a.name
}

// operationFor builds the wire-level longrunning.Operation for an action's
// current state, for handing to a worker at dequeue time.
func (s *Scheduler) operationFor(a *action) *lrpb.Operation {
	return wireOperation(a)
}

// publish pushes the action's current state to the Operation Registry for
// every watcher (the Execute server-stream and any WaitExecution calls) to
// observe.
func (s *Scheduler) publish(a *action) {
	op := wireOperation(a)

	a.mu.Lock()
	rec := walRecord{
		Name:       a.name,
		Tenant:     a.tenant,
		Platform:   a.platform,
		Priority:   a.priority,
		SkipCache:  a.skipCache,
		DoNotCache: a.doNotCache,
		State:      a.state,
		Attempts:   a.attempts,
	}
	if a.actionDigest != nil {
		rec.Hash = a.actionDigest.Hash
		rec.SizeBytes = a.actionDigest.SizeBytes
	}
	a.mu.Unlock()
	s.ops.Publish(op)
	s.appendWAL(rec)
}

// wireOperation builds the wire-level longrunning.Operation for a. Once
// state is Completed it carries an ExecuteResponse in the Response oneof
// field (result XOR error, encoded as ExecuteResponse.Status per invariant
// 2) the way please's own server (tools/mettle/api/api.go's Execute) and
// client (src/remote/remote.go's comment "the rex API requires servers to
// always use the response field instead of error") both expect — never the
// Operation_Error oneof alternative.
func wireOperation(a *action) *lrpb.Operation {
	a.mu.Lock()
	name := a.name
	done := a.state == StateCompleted || a.state == StateCancelled
	terminal := a.state == StateCompleted
	result := a.result
	cached := a.cached
	lastErr := a.lastErr
	a.mu.Unlock()

	op := &lrpb.Operation{Name: name, Done: done}
	if !terminal {
		return op
	}
	resp := &pb.ExecuteResponse{
		Result:       result,
		CachedResult: cached,
		Status:       executeStatus(lastErr),
	}
	if any, err := ptypes.MarshalAny(resp); err == nil {
		op.Result = &lrpb.Operation_Response{Response: any}
	}
	return op
}

// executeStatus converts a scheduler-internal error into the rpc Status
// ExecuteResponse carries, OK on success.
func executeStatus(err error) *rpcstatuspb.Status {
	if err == nil {
		return &rpcstatuspb.Status{Code: int32(codes.OK)}
	}
	st := grpcstatus.Convert(rpcerrors.ToStatus(err))
	return &rpcstatuspb.Status{Code: int32(st.Code()), Message: st.Message()}
}

// appendWAL persists a committed transition. The error from Append is
// discarded: a failure here is not logged and does not roll back the
// in-memory transition.
func (s *Scheduler) appendWAL(rec walRecord) {
	if s.wal == nil {
		return
	}
	s.wal.Append("action", rec)
}

func bucketKey(tenant, platform string) string { return tenant + "\x00" + platform }

func dedupKeyFor(tenant string, d *pb.Digest) string {
	return tenant + "\x00" + d.Hash + "\x00" + strconv.FormatInt(d.SizeBytes, 10)
}
