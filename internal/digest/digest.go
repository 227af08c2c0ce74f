// Package digest provides the content-addressing helpers shared by the CAS,
// the Action Cache and the scheduler: hashing blobs and protos into
// *pb.Digest and recognising the distinguished empty digest.
//
// The hashing helpers mirror please's src/remote/utils.go (digestBlob,
// digestMessage) generalized to a pluggable hash.Hash constructor so an
// instance can be configured for a function other than the SHA-256 default
// (spec: "the function identifier is part of the instance name").
package digest

import (
	"encoding/hex"
	"fmt"
	"hash"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/golang/protobuf/proto"
)

// Func constructs the hash.Hash to use for an instance.
type Func func() hash.Hash

// Of computes the Digest of a byte slice using the given hash function.
func Of(h Func, b []byte) *pb.Digest {
	sum := h()
	sum.Write(b)
	return &pb.Digest{
		Hash:      hex.EncodeToString(sum.Sum(nil)),
		SizeBytes: int64(len(b)),
	}
}

// OfMessage marshals msg and returns its Digest and the marshaled bytes
// together, so callers that need to both store and hash a proto don't pay
// for marshaling twice.
func OfMessage(h Func, msg proto.Message) (*pb.Digest, []byte, error) {
	b, err := proto.Marshal(msg)
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling %T: %w", msg, err)
	}
	return Of(h, b), b, nil
}

// IsEmpty reports whether d is the distinguished empty-content digest for
// the given hash function (size 0 and the hash of zero bytes). The empty
// digest is always considered present without touching storage (spec I3).
func IsEmpty(h Func, d *pb.Digest) bool {
	if d == nil || d.SizeBytes != 0 {
		return false
	}
	return d.Hash == Of(h, nil).Hash
}

// Equal reports whether two digests refer to the same content: both hash
// and size must match (spec: "Equality is by both fields").
func Equal(a, b *pb.Digest) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Hash == b.Hash && a.SizeBytes == b.SizeBytes
}

// Key returns a map key suitable for indexing blobs by digest.
func Key(d *pb.Digest) string {
	return fmt.Sprintf("%s/%d", d.Hash, d.SizeBytes)
}

// String renders a digest in the conventional hash/size form used in logs
// and cache directory layouts.
func String(d *pb.Digest) string {
	if d == nil {
		return "<nil>"
	}
	return d.Hash + "/" + fmt.Sprint(d.SizeBytes)
}
