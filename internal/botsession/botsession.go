// Package botsession implements the Bots Session Manager (C5): workers
// register a BotSession, then long-poll UpdateBotSession to receive lease
// assignments and report lease status back.
//
// The worker bookkeeping (name-indexed map under one mutex, heartbeat
// timestamps, reclaiming work when a heartbeat goes stale) is grounded on
// peterebden-please's tools/mettle/master package — its Heartbeat RPC updates
// w.Heartbeat on every message and deleteWorker evicts a worker whose stream
// breaks; this package generalizes that into TTL-based expiry checked by a
// background loop, since the Bots protocol polls rather than streaming.
package botsession

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaybuild/rexec/internal/rpcerrors"
	"github.com/relaybuild/rexec/internal/scheduler"
)

// Lease is this package's view of one assignment handed to a bot.
type Lease struct {
	ID            string
	OperationName string
	State         string // PENDING, ACTIVE, COMPLETED, CANCELLED (worker-reported) or QUEUED, EXPIRED (server-assigned)
}

// Session tracks one registered bot.
type Session struct {
	mu       sync.Mutex
	ID       string
	Tenant   string
	BotID    string
	Platform string
	leases   map[string]*Lease
	lastPoll time.Time
	waiter   chan struct{} // closed and replaced whenever state changes, to wake a long-poller
}

// Manager tracks every live Session for one instance.
type Manager struct {
	sched *scheduler.Scheduler
	ttl   time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

// New constructs a Manager backed by sched, reclaiming sessions whose last
// poll is older than ttl.
func New(ctx context.Context, sched *scheduler.Scheduler, ttl time.Duration) *Manager {
	m := &Manager{sched: sched, ttl: ttl, sessions: map[string]*Session{}}
	go m.expireLoop(ctx)
	return m
}

// Create registers a new bot session under tenant, the authenticated tenant
// that created it (spec.md invariant 5: "tenant of every Operation equals
// ... the worker to which it is leased").
func (m *Manager) Create(tenant, botID, platform string) *Session {
	s := &Session{
		ID:       uuid.NewString(),
		Tenant:   tenant,
		BotID:    botID,
		Platform: platform,
		leases:   map[string]*Lease{},
		lastPoll: time.Now(),
		waiter:   make(chan struct{}),
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return s
}

// Update processes one UpdateBotSession call: it records worker-reported
// lease state transitions, assigns a new lease from the scheduler queue if
// the bot has spare capacity, and long-polls (honoring ctx's deadline) until
// there is something new to report if nothing changed immediately. tenant
// must match the tenant that created the session, so one tenant can never
// poll or drain another's leases.
func (m *Manager) Update(ctx context.Context, tenant, sessionID string, reported []Lease) ([]Lease, error) {
	s := m.get(sessionID)
	if s == nil {
		return nil, rpcerrors.New(rpcerrors.NotFound, "no such bot session "+sessionID)
	}
	if s.Tenant != tenant {
		return nil, rpcerrors.New(rpcerrors.PermissionDenied, "bot session "+sessionID+" does not belong to this tenant")
	}

	s.mu.Lock()
	s.lastPoll = time.Now()
	for _, r := range reported {
		s.applyReportLocked(r)
	}
	changed := false
	for _, r := range reported {
		if r.State == "COMPLETED" || r.State == "CANCELLED" {
			changed = true
		}
	}
	s.mu.Unlock()

	if assigned := m.tryAssign(s); assigned != nil {
		changed = true
	}

	if !changed {
		select {
		case <-s.waitChan():
		case <-ctx.Done():
		}
		m.tryAssign(s)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Lease, 0, len(s.leases))
	for _, l := range s.leases {
		out = append(out, *l)
	}
	return out, nil
}

func (s *Session) waitChan() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiter
}

func (s *Session) notifyLocked() {
	close(s.waiter)
	s.waiter = make(chan struct{})
}

func (s *Session) applyReportLocked(r Lease) {
	l, ok := s.leases[r.ID]
	if !ok {
		return
	}
	l.State = r.State
	if r.State == "COMPLETED" || r.State == "CANCELLED" {
		delete(s.leases, r.ID)
	}
	s.notifyLocked()
}

// tryAssign pulls a queued action for this bot's tenant and platform off the
// scheduler and hands it to the session as a new PENDING lease.
func (m *Manager) tryAssign(s *Session) *Lease {
	op, leaseID, _, ok := m.sched.Dequeue(s.Tenant, s.Platform)
	if !ok {
		return nil
	}
	l := &Lease{ID: leaseID, OperationName: op.Name, State: "PENDING"}
	s.mu.Lock()
	s.leases[l.ID] = l
	s.notifyLocked()
	s.mu.Unlock()
	return l
}

func (m *Manager) get(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// expireLoop drops sessions that stopped polling. It makes no scheduler call
// for their leases: the scheduler's own lease-expiry reclaim (already
// running independently) puts the underlying actions back in the queue once
// each lease's deadline passes.
func (m *Manager) expireLoop(ctx context.Context) {
	if m.ttl <= 0 {
		return
	}
	ticker := time.NewTicker(m.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.expireOnce()
		}
	}
}

func (m *Manager) expireOnce() {
	now := time.Now()
	m.mu.Lock()
	stale := make([]*Session, 0)
	for id, s := range m.sessions {
		s.mu.Lock()
		if now.Sub(s.lastPoll) > m.ttl {
			stale = append(stale, s)
			delete(m.sessions, id)
		}
		s.mu.Unlock()
	}
	m.mu.Unlock()

	for _, s := range stale {
		s.mu.Lock()
		leases := make([]string, 0, len(s.leases))
		for id := range s.leases {
			leases = append(leases, id)
		}
		s.mu.Unlock()
		for _, leaseID := range leases {
			_ = leaseID // the scheduler's own reclaimLoop force-expires these once their lease TTL passes
		}
	}
}
