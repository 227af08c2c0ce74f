// Package operations implements the Operation Registry (C6): it tracks the
// current longrunning.Operation for every action the scheduler knows about
// and fans out every transition to whichever RPCs are watching it
// (Execute's server-stream and any number of concurrent WaitExecution
// callers), the way please's src/remote/remote.go drains a long-poll
// RemoteTaskResponse stream and republishes ExecuteOperationMetadata to its
// own progress callback on every message.
package operations

import (
	"context"
	"sync"

	"github.com/golang/protobuf/proto"
	lrpb "google.golang.org/genproto/googleapis/longrunning"
)

// defaultBufferSize bounds each watcher's backlog. A watcher that falls this
// far behind is assumed stuck and is dropped rather than allowed to block
// publication for everyone else (spec.md §4.6: "a slow watcher is dropped,
// not allowed to block the publisher").
const defaultBufferSize = 16

type entry struct {
	mu   sync.Mutex
	op   *lrpb.Operation
	subs map[int]chan *lrpb.Operation
	next int
}

// Registry is the Operation Registry for one instance.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{entries: map[string]*entry{}}
}

// Publish stores op as the current state of its Operation name and notifies
// every attached watcher. Publication is serialized per-name so transitions
// are observed by watchers in the order they were published.
func (r *Registry) Publish(op *lrpb.Operation) {
	e := r.entryFor(op.Name)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.op = cloneOp(op)
	for id, ch := range e.subs {
		select {
		case ch <- cloneOp(op):
			if !op.Done {
				continue
			}
		default:
			// Slow watcher: drop it rather than block the publisher. Its
			// consumer sees the channel close without a Done Operation
			// (internal/service's streamOperations reports that as
			// Cancelled).
		}
		close(ch)
		delete(e.subs, id)
	}
}

func (r *Registry) dropSlowWatcher(e *entry, stuck chan *lrpb.Operation) {
	e.mu.Lock()
	for id, ch := range e.subs {
		if ch == stuck {
			close(ch)
			delete(e.subs, id)
			break
		}
	}
	e.mu.Unlock()
}

// Get returns the current Operation for name, if any is tracked.
func (r *Registry) Get(name string) (*lrpb.Operation, bool) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.op == nil {
		return nil, false
	}
	return cloneOp(e.op), true
}

// Watch attaches a watcher to name: it immediately receives the current
// Operation (if any), then every subsequent transition, until either the
// Operation reaches Done or ctx is cancelled. A late watcher attaching after
// the Operation already completed receives exactly that one terminal
// snapshot and then the channel closes (spec.md §4.6 "late attach").
func (r *Registry) Watch(ctx context.Context, name string) <-chan *lrpb.Operation {
	out := make(chan *lrpb.Operation, defaultBufferSize)
	e := r.entryFor(name)

	e.mu.Lock()
	if e.op != nil && e.op.Done {
		e.mu.Unlock()
		out <- cloneOp(e.op)
		close(out)
		return out
	}
	id := e.next
	e.next++
	e.subs[id] = out
	if e.op != nil {
		out <- cloneOp(e.op)
	}
	e.mu.Unlock()

	go func() {
		<-ctx.Done()
		e.mu.Lock()
		if ch, ok := e.subs[id]; ok && ch == out {
			delete(e.subs, id)
		}
		e.mu.Unlock()
	}()
	return out
}

// Forget removes an Operation's tracking state entirely. Called once every
// watcher has observed its terminal state and the scheduler has no further
// use for the entry (e.g. after GetOperation/WaitExecution quiesce, or on
// explicit client Delete).
func (r *Registry) Forget(name string) {
	r.mu.Lock()
	delete(r.entries, name)
	r.mu.Unlock()
}

func (r *Registry) entryFor(name string) *entry {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if ok {
		return e
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok {
		return e
	}
	e = &entry{subs: map[int]chan *lrpb.Operation{}}
	r.entries[name] = e
	return e
}

func cloneOp(op *lrpb.Operation) *lrpb.Operation {
	return proto.Clone(op).(*lrpb.Operation)
}
