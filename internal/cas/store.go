// Package cas implements the Digest & Content Store (C1): a content-addressed
// blob store with Missing/Read/Write and Pin/Unpin, backed by the
// filesystem and indexed in memory the way please's src/cache/server/cache.go
// tracks its on-disk artifact cache (per-entry RWMutex, access-time-ordered
// eviction). BlobStore is the pluggable interface spec.md asks for; the
// filesystem implementation here is the single-node reference backing.
package cas

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/djherbis/atime"

	"github.com/relaybuild/rexec/internal/cmap"
	"github.com/relaybuild/rexec/internal/digest"
)

// ErrNotFound is returned by Read/Open when a digest is absent from the store.
var ErrNotFound = errors.New("cas: not found")

// ErrInvalidDigest is returned by Write when the uploaded bytes don't hash to
// the claimed digest (spec: "fails with InvalidDigest").
var ErrInvalidDigest = errors.New("cas: content does not match claimed digest")

// BlobStore is the pluggable CAS backing. Implementations must satisfy
// invariants I1-I3 from spec.md §4.1.
type BlobStore interface {
	// Missing returns the subset of digests not currently present.
	Missing(ctx context.Context, digests []*Digest) ([]*Digest, error)
	// Read returns a reader for the blob at digest starting at offset; if
	// limit > 0 it caps the number of bytes returned.
	Read(ctx context.Context, d *Digest, offset, limit int64) (io.ReadCloser, error)
	// Write stores b under digest d. Writing identical content twice is not
	// an error. Mismatched content returns ErrInvalidDigest and no partial
	// data is retained.
	Write(ctx context.Context, d *Digest, b []byte) error
	// Pin marks a digest as ineligible for eviction until Unpin is called
	// with the same token (used for outputs of in-flight Operations).
	Pin(d *Digest, token string)
	Unpin(d *Digest, token string)
}

// Digest is a local alias kept narrow so this package doesn't need to import
// the REAPI proto package just to pass hash/size pairs around.
type Digest = struct {
	Hash      string
	SizeBytes int64
}

type entry struct {
	mu         sync.RWMutex
	path       string
	size       int64
	pins       map[string]struct{}
	openReads  int32
}

// FilesystemStore is the reference BlobStore implementation: blobs are files
// named by digest under rootPath, with an in-memory cmap index so Missing
// never touches disk. Eviction is LRU over total-byte budget using
// atime (falls back to mtime where the platform doesn't support atime),
// exactly the policy please's tools/cache server implements for its
// artifact cache.
type FilesystemStore struct {
	rootPath      string
	hash          digest.Func
	index         *cmap.Map[string, *entry]
	totalSize     atomic.Int64
	maxBytes      uint64
	cleanInterval time.Duration
	stop          chan struct{}
}

// NewFilesystemStore creates a store rooted at rootPath and starts its
// background eviction loop. maxBytes or cleanInterval of 0 disables eviction.
func NewFilesystemStore(rootPath string, hash digest.Func, maxBytes uint64, cleanInterval time.Duration) (*FilesystemStore, error) {
	if err := os.MkdirAll(rootPath, 0775); err != nil {
		return nil, fmt.Errorf("creating CAS root %s: %w", rootPath, err)
	}
	s := &FilesystemStore{
		rootPath:      rootPath,
		hash:          hash,
		index:         cmap.New[string, *entry](cmap.DefaultShardCount, cmap.Fnv32),
		maxBytes:      maxBytes,
		cleanInterval: cleanInterval,
		stop:          make(chan struct{}),
	}
	if err := s.scan(); err != nil {
		return nil, err
	}
	if maxBytes > 0 && cleanInterval > 0 {
		go s.evictLoop()
	}
	return s, nil
}

// Close stops the eviction loop.
func (s *FilesystemStore) Close() { close(s.stop) }

func (s *FilesystemStore) pathFor(d *Digest) string {
	if len(d.Hash) < 2 {
		return filepath.Join(s.rootPath, d.Hash)
	}
	return filepath.Join(s.rootPath, d.Hash[:2], d.Hash)
}

func (s *FilesystemStore) scan() error {
	return filepath.Walk(s.rootPath, func(p string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		hash := filepath.Base(p)
		s.index.Set(hash, &entry{path: p, size: info.Size(), pins: map[string]struct{}{}})
		s.totalSize.Add(info.Size())
		return nil
	})
}

// Missing implements BlobStore.
func (s *FilesystemStore) Missing(ctx context.Context, digests []*Digest) ([]*Digest, error) {
	empty := emptyHash(s.hash)
	var missing []*Digest
	for _, d := range digests {
		if d.SizeBytes == 0 && d.Hash == empty {
			continue // the empty digest is always considered present (spec I3)
		}
		if _, ok := s.index.GetOK(d.Hash); !ok {
			missing = append(missing, d)
		}
	}
	return missing, nil
}

// Read implements BlobStore.
func (s *FilesystemStore) Read(ctx context.Context, d *Digest, offset, limit int64) (io.ReadCloser, error) {
	if d.SizeBytes == 0 {
		return io.NopCloser(bytes.NewReader(nil)), nil // spec: empty digest never touches storage
	}
	e, ok := s.index.GetOK(d.Hash)
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.RLock()
	atomic.AddInt32(&e.openReads, 1)
	f, err := os.Open(e.path)
	if err != nil {
		atomic.AddInt32(&e.openReads, -1)
		e.mu.RUnlock()
		return nil, ErrNotFound
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			atomic.AddInt32(&e.openReads, -1)
			e.mu.RUnlock()
			return nil, err
		}
	}
	var r io.Reader = f
	if limit > 0 {
		r = io.LimitReader(f, limit)
	}
	return &closeTrackingReader{r: r, f: f, e: e}, nil
}

type closeTrackingReader struct {
	r io.Reader
	f *os.File
	e *entry
}

func (c *closeTrackingReader) Read(p []byte) (int, error) { return c.r.Read(p) }
func (c *closeTrackingReader) Close() error {
	defer func() {
		atomic.AddInt32(&c.e.openReads, -1)
		c.e.mu.RUnlock()
	}()
	return c.f.Close()
}

// Write implements BlobStore. It is idempotent: writing the same digest
// twice succeeds without re-verifying the second payload against disk.
func (s *FilesystemStore) Write(ctx context.Context, d *Digest, b []byte) error {
	if d.SizeBytes == 0 {
		return nil
	}
	if _, ok := s.index.GetOK(d.Hash); ok {
		return nil // already present; writes are idempotent
	}
	got := digest.Of(s.hash, b)
	if got.Hash != d.Hash || got.SizeBytes != d.SizeBytes {
		return ErrInvalidDigest
	}
	p := s.pathFor(d)
	if err := os.MkdirAll(filepath.Dir(p), 0775); err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, b, 0644); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing blob: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("committing blob: %w", err)
	}
	s.index.Set(d.Hash, &entry{path: p, size: d.SizeBytes, pins: map[string]struct{}{}})
	s.totalSize.Add(d.SizeBytes)
	return nil
}

// Pin implements BlobStore.
func (s *FilesystemStore) Pin(d *Digest, token string) {
	if e, ok := s.index.GetOK(d.Hash); ok {
		e.mu.Lock()
		e.pins[token] = struct{}{}
		e.mu.Unlock()
	}
}

// Unpin implements BlobStore.
func (s *FilesystemStore) Unpin(d *Digest, token string) {
	if e, ok := s.index.GetOK(d.Hash); ok {
		e.mu.Lock()
		delete(e.pins, token)
		e.mu.Unlock()
	}
}

func (s *FilesystemStore) evictLoop() {
	ticker := time.NewTicker(s.cleanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.evictOnce()
		}
	}
}

// evictionCandidate pairs an entry with its last-access time for sorting.
type evictionCandidate struct {
	e  *entry
	at time.Time
}

// evictOnce removes least-recently-accessed, unpinned, not-currently-open
// blobs until totalSize is back under maxBytes.
func (s *FilesystemStore) evictOnce() {
	if uint64(s.totalSize.Load()) <= s.maxBytes {
		return
	}
	var candidates []evictionCandidate
	for _, h := range s.index.Values() {
		h.mu.RLock()
		pinned := len(h.pins) > 0
		open := atomic.LoadInt32(&h.openReads) > 0
		path := h.path
		h.mu.RUnlock()
		if pinned || open {
			continue
		}
		at, err := atime.Stat(path)
		if err != nil {
			continue
		}
		candidates = append(candidates, evictionCandidate{e: h, at: at})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].at.Before(candidates[j].at) })
	for _, c := range candidates {
		if uint64(s.totalSize.Load()) <= s.maxBytes {
			return
		}
		c.e.mu.Lock()
		if len(c.e.pins) > 0 || atomic.LoadInt32(&c.e.openReads) > 0 {
			c.e.mu.Unlock()
			continue // raced with a new pin/read since the scan
		}
		if err := os.Remove(c.e.path); err == nil {
			s.totalSize.Add(-c.e.size)
			s.index.Delete(filepath.Base(c.e.path))
		}
		c.e.mu.Unlock()
	}
}

func emptyHash(h digest.Func) string {
	return digest.Of(h, nil).Hash
}
