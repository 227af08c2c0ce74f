// Package actioncache implements the Action Cache (C2): a mapping from
// action digest to ActionResult, with the integrity and consistency rules
// spec.md §4.2 requires.
//
// The "verify every referenced digest is still present, delete the entry if
// not" rule is grounded on two files in the retrieval pack: buildbuddy's
// action_cache_server.go (checkFilesExist/checkDirExists) and buildbarn's
// pkg/blobstore/completenesschecking blob access, which wraps a CAS and AC
// pair with exactly this completeness check.
package actioncache

import (
	"context"
	"fmt"
	"sync"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"github.com/relaybuild/rexec/internal/cas"
)

// ErrNotFound is returned by Get when there is no usable entry for a digest
// (including the case where the entry was found but failed the integrity
// check and was evicted).
var ErrNotFound = fmt.Errorf("actioncache: not found")

// Cache is the Action Cache for one instance.
type Cache struct {
	store cas.BlobStore // used only to verify referenced outputs are present

	mu      sync.RWMutex
	results map[string]*pb.ActionResult
}

// New creates an Action Cache backed by store for integrity checks.
func New(store cas.BlobStore) *Cache {
	return &Cache{store: store, results: map[string]*pb.ActionResult{}}
}

// Get returns the cached ActionResult for actionDigest, applying the
// integrity rule: if any output digest it references is missing from CAS,
// the entry is treated as absent and deleted so the inconsistency heals
// lazily (spec.md §4.2 "Integrity").
func (c *Cache) Get(ctx context.Context, actionDigest *pb.Digest) (*pb.ActionResult, error) {
	c.mu.RLock()
	ar, ok := c.results[key(actionDigest)]
	c.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	missing, err := c.store.Missing(ctx, outputDigests(ar))
	if err != nil {
		return nil, fmt.Errorf("checking output completeness: %w", err)
	}
	if len(missing) > 0 {
		c.Invalidate(actionDigest)
		return nil, ErrNotFound
	}
	return ar, nil
}

// Put stores ar for actionDigest, last-writer-wins, unless doNotCache is
// set. Callers must have already written every output blob ar references to
// CAS before calling Put (spec.md §4.2 "Consistency rule": an ActionResult
// is published atomically, outputs before the AC entry).
func (c *Cache) Put(ctx context.Context, actionDigest *pb.Digest, ar *pb.ActionResult, doNotCache bool) error {
	if doNotCache {
		return nil
	}
	missing, err := c.store.Missing(ctx, outputDigests(ar))
	if err != nil {
		return fmt.Errorf("checking output completeness: %w", err)
	}
	if len(missing) > 0 {
		return fmt.Errorf("actioncache: refusing to publish result referencing %d missing blob(s)", len(missing))
	}
	c.mu.Lock()
	c.results[key(actionDigest)] = ar
	c.mu.Unlock()
	return nil
}

// Invalidate removes any cached entry for actionDigest.
func (c *Cache) Invalidate(actionDigest *pb.Digest) {
	c.mu.Lock()
	delete(c.results, key(actionDigest))
	c.mu.Unlock()
}

func key(d *pb.Digest) string {
	return d.Hash + "/" + fmt.Sprint(d.SizeBytes)
}

// outputDigests collects every blob digest an ActionResult references:
// output file contents, output directory tree blobs, and stdout/stderr.
func outputDigests(ar *pb.ActionResult) []*cas.Digest {
	var out []*cas.Digest
	add := func(d *pb.Digest) {
		if d != nil && d.SizeBytes > 0 {
			out = append(out, &cas.Digest{Hash: d.Hash, SizeBytes: d.SizeBytes})
		}
	}
	for _, f := range ar.GetOutputFiles() {
		add(f.GetDigest())
	}
	for _, d := range ar.GetOutputDirectories() {
		add(d.GetTreeDigest())
	}
	add(ar.GetStdoutDigest())
	add(ar.GetStderrDigest())
	return out
}
