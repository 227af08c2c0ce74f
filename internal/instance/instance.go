// Package instance resolves the gRPC instance_name path prefix to the
// per-instance behaviour spec.md §6 describes: hash function, eviction
// policy and default action timeout.
package instance

import (
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"hash"
	"time"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"github.com/relaybuild/rexec/internal/digest"
)

// Config is one logical instance's behaviour.
type Config struct {
	Name             string        `koanf:"name"`
	DigestFunction   string        `koanf:"digest_function"`
	EvictionPolicy   string        `koanf:"eviction_policy"` // "lru" or "ttl"
	MaxCacheBytes    uint64        `koanf:"max_cache_bytes"`
	TTL              time.Duration `koanf:"ttl"`
	DefaultTimeout   time.Duration `koanf:"default_timeout"`
	InlineMaxBytes   int64         `koanf:"inline_max_bytes"`
	StreamChunkBytes int64         `koanf:"stream_chunk_bytes"`
}

// DefaultConfig returns sensible defaults for an instance that isn't
// explicitly configured.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		DigestFunction:   "SHA256",
		EvictionPolicy:   "lru",
		MaxCacheBytes:    20 << 30, // 20 GiB
		DefaultTimeout:   10 * time.Minute,
		InlineMaxBytes:   2 << 20, // 2 MiB
		StreamChunkBytes: 4 << 20, // 4 MiB
	}
}

// HashFunc returns the digest.Func for this instance's configured digest
// function.
func (c Config) HashFunc() (digest.Func, pb.DigestFunction_Value, error) {
	switch c.DigestFunction {
	case "", "SHA256":
		return func() hash.Hash { return sha256.New() }, pb.DigestFunction_SHA256, nil
	case "SHA1":
		return func() hash.Hash { return sha1.New() }, pb.DigestFunction_SHA1, nil
	default:
		return nil, pb.DigestFunction_UNKNOWN, fmt.Errorf("unsupported digest function %q", c.DigestFunction)
	}
}

// Registry resolves instance names to Config, falling back to a default
// instance for an empty or unknown name — most deployments run a single
// instance and never set instance_name.
type Registry struct {
	instances map[string]Config
	def       Config
}

// NewRegistry builds a Registry from a list of configured instances.
func NewRegistry(instances []Config) *Registry {
	r := &Registry{instances: map[string]Config{}, def: DefaultConfig("")}
	for _, c := range instances {
		r.instances[c.Name] = c
		if c.Name == "" {
			r.def = c
		}
	}
	return r
}

// Get returns the Config for name, or the default instance if name is
// unrecognised.
func (r *Registry) Get(name string) Config {
	if c, ok := r.instances[name]; ok {
		return c
	}
	return r.def
}
