package bucketindex

// errors.go re-exports the internal tagged-union grow error and the small
// value types callers need to name. The concrete type lives in an internal
// package (here, internal/bucket, which must not import this package back),
// and pkg hands callers a type alias so the internal path never leaks into
// their code.

import (
	"github.com/Voskan/bucketindex/internal/bucket"
	"github.com/Voskan/bucketindex/internal/keys"
)

// Raw is the constraint a caller's key type must satisfy: any 32-byte array
// type, e.g. `type Pubkey [32]byte`.
type Raw = keys.Raw

// NeedsGrow is returned by TryWrite when either the index slot table or a
// data-heap size class has no room within its probe window. Axis names
// which one; Class/Power identify exactly what to grow.
type NeedsGrow = bucket.NeedsGrow

// Axis names the storage dimension a NeedsGrow refers to.
type Axis = bucket.Axis

const (
	AxisIndex = bucket.AxisIndex
	AxisData  = bucket.AxisData
)

// Range restricts Keys/ItemsInRange to keys whose big-endian prefix falls in
// [Lo, Hi]. A nil Range visits every key.
type Range = bucket.Range

// Item is one (key, values, ref count) triple returned by ItemsInRange.
type Item[K Raw, T any] = bucket.Item[K, T]
