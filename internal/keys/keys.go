// Package keys defines the generic constraint the rest of bucketindex uses
// for the opaque 32-byte key type. The index never interprets a key's
// contents beyond reading its first 8 bytes as a big-endian unsigned integer
// for shard/slot selection (see BigEndianPrefix).
package keys

import (
	"encoding/binary"
	"unsafe"

	"github.com/Voskan/bucketindex/internal/unsafehelpers"
)

// Raw is the constraint satisfied by any caller-defined 32-byte key type,
// e.g. `type Pubkey [32]byte`. comparable lets the index use == for the
// tie-break key comparison inside a probe window.
type Raw interface {
	comparable
	~[32]byte
}

// Bytes returns a zero-copy []byte view over k's 32 bytes. The returned
// slice aliases k's memory and must not outlive it or be retained past the
// caller's stack frame.
func Bytes[K Raw](k *K) []byte {
	return unsafehelpers.ByteSliceFrom(unsafe.Pointer(k), unsafe.Sizeof(*k))
}

// BigEndianPrefix interprets the first 8 bytes of k as a big-endian uint64,
// the same "read_be_u64" used by both shard selection and in-shard home-slot
// hashing.
func BigEndianPrefix[K Raw](k K) uint64 {
	return binary.BigEndian.Uint64(Bytes(&k)[:8])
}

// Zero returns the all-zero key. The index does not use it as a "slot empty"
// sentinel: in-shard occupancy is tracked by an explicit flag byte, so an
// all-zero key is stored like any other.
func Zero[K Raw]() K {
	var z K
	return z
}
