// Package proxy implements the gateway (C3): it terminates client TLS and
// bearer-token auth, then forwards each call to a healthy rexecd backend,
// injecting the validated tenant as a header the backend takes as the
// caller's identity.
//
// The backend bookkeeping — a set of addresses, health-probed and
// cooled-down on failure rather than removed outright — follows the same
// shape as please's tools/cache/cluster.Cluster tracks cache-cluster nodes
// (a mutex-guarded slice plus a name-indexed client pool), simplified since
// this gateway uses a static address list (the --backends flag) rather than
// memberlist gossip; nothing here re-resolves or refreshes that list, though
// Pool.SetAddrs can replace it. MarkUnhealthy ejects a backend on a single
// failure, for the cool-down interval.
package proxy

import (
	"context"
	"sync"
	"time"

	grpc_retry "github.com/grpc-ecosystem/go-grpc-middleware/retry"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
)

// retryOpts implements spec.md §7's "transient errors against CAS/AC are
// retried with bounded exponential backoff internally (3 attempts, 100 ms
// base, full jitter)" for every unary RPC this gateway forwards.
var retryOpts = []grpc_retry.CallOption{
	grpc_retry.WithMax(3),
	grpc_retry.WithBackoff(grpc_retry.BackoffExponentialWithJitter(100*time.Millisecond, 1.0)),
	grpc_retry.WithCodes(codes.Unavailable, codes.ResourceExhausted, codes.DeadlineExceeded),
}

// Backend is one rexecd instance the gateway can route to.
type Backend struct {
	Addr string

	mu          sync.Mutex
	healthy     bool
	coolUntil   time.Time
	conn        *grpc.ClientConn
	inUseStream int
}

// Pool tracks the set of backend addresses and their health, picking a
// healthy one per call and ejecting/cooling down backends that error.
type Pool struct {
	coolDown time.Duration

	mu       sync.RWMutex
	backends []*Backend
}

// NewPool creates a Pool seeded with addrs, all initially considered
// healthy.
func NewPool(addrs []string, coolDown time.Duration) *Pool {
	p := &Pool{coolDown: coolDown}
	for _, a := range addrs {
		p.backends = append(p.backends, &Backend{Addr: a, healthy: true})
	}
	return p
}

// SetAddrs replaces the backend set, preserving health/connection state for
// addresses that are still present (the way a periodic service-discovery
// refresh should not churn live connections for unaffected backends).
func (p *Pool) SetAddrs(addrs []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	existing := map[string]*Backend{}
	for _, b := range p.backends {
		existing[b.Addr] = b
	}
	next := make([]*Backend, 0, len(addrs))
	for _, a := range addrs {
		if b, ok := existing[a]; ok {
			next = append(next, b)
		} else {
			next = append(next, &Backend{Addr: a, healthy: true})
		}
	}
	p.backends = next
}

// Pick returns the healthy backend with the fewest in-flight streams
// (spec.md §4.3 "least-loaded-queue first among healthy backends"), or nil
// if none are currently healthy.
func (p *Pool) Pick() *Backend {
	p.mu.RLock()
	defer p.mu.RUnlock()
	now := time.Now()
	var best *Backend
	bestLoad := -1
	for _, b := range p.backends {
		b.mu.Lock()
		ok := b.healthy || now.After(b.coolUntil)
		load := b.inUseStream
		b.mu.Unlock()
		if !ok {
			continue
		}
		if best == nil || load < bestLoad {
			best = b
			bestLoad = load
		}
	}
	return best
}

// MarkUnhealthy cools b down for the pool's cool-down interval, ejecting it
// from rotation until the cool-down expires (spec.md §4.3 "backend health
// ejection/cool-down").
func (p *Pool) MarkUnhealthy(b *Backend) {
	b.mu.Lock()
	b.healthy = false
	b.coolUntil = time.Now().Add(p.coolDown)
	b.mu.Unlock()
}

// MarkHealthy clears b's cool-down, e.g. after a successful probe.
func (p *Pool) MarkHealthy(b *Backend) {
	b.mu.Lock()
	b.healthy = true
	b.mu.Unlock()
}

// Conn returns (creating if necessary) a persistent client connection to b.
func (b *Backend) Conn(ctx context.Context) (*grpc.ClientConn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		return b.conn, nil
	}
	conn, err := grpc.DialContext(ctx, b.Addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
		grpc.WithTimeout(5*time.Second),
		grpc.WithUnaryInterceptor(grpc_retry.UnaryClientInterceptor(retryOpts...)),
	)
	if err != nil {
		return nil, err
	}
	b.conn = conn
	return conn, nil
}

// Pin counts a streaming RPC as in flight on this backend for the lifetime
// of the stream; Pick uses that count to prefer the least-loaded backend.
// It does not route reconnects back to the same backend (spec.md §4.3
// "streaming-RPC pinning").
func (b *Backend) Pin() { b.mu.Lock(); b.inUseStream++; b.mu.Unlock() }

// Unpin releases a pin taken by Pin.
func (b *Backend) Unpin() { b.mu.Lock(); b.inUseStream--; b.mu.Unlock() }
