package bucketindex

// map.go is the top-level router of bucketindex: a Map is split into
// 2^maxBucketsPow2 independent buckets to minimize lock contention, each
// owning its own Mapped Region files. Bucket selection uses the top bits
// of the key, matching BucketMap::bucket_ix.
//
// The code relies only on the dependencies declared in this module's go.mod;
// there is no cgo and no usage of net/http or os/exec.

import (
	"fmt"
	"os"

	"github.com/Voskan/bucketindex/internal/bucket"
	"github.com/Voskan/bucketindex/internal/keys"
	"github.com/Voskan/bucketindex/internal/region"
)

// Map is the top-level, sharded, memory-mapped associative index over
// 32-byte keys K, each mapping to a variable-length value list []T plus a
// reference count.
type Map[K Raw, T any] struct {
	buckets   []bucketSlot[K, T]
	shardBits uint8
	drives    *region.DriveSet
	ownedDir  string // non-empty when New created a private temp directory
	cfg       *config[K, T]
	metrics   metricsSink
	growg     *growGroup
}

// New creates a Map with 2^maxBucketsPow2 buckets. maxBucketsPow2 == 0 means
// a single bucket (no sharding). If no drives are supplied via WithDrives,
// New creates a private temporary directory that Close removes entirely.
func New[K Raw, T any](maxBucketsPow2 uint8, opts ...Option[K, T]) (*Map[K, T], error) {
	cfg := defaultConfig[K, T](maxBucketsPow2)
	if err := applyOptions(cfg, opts); err != nil {
		return nil, err
	}

	var ownedDir string
	drives := cfg.drives
	if drives == nil {
		dir, err := os.MkdirTemp("", "bucketindex-*")
		if err != nil {
			return nil, fmt.Errorf("bucketindex: create scratch dir: %w", err)
		}
		drive, err := region.NewDirDrive(dir)
		if err != nil {
			return nil, err
		}
		drives = region.NewDriveSet(drive)
		ownedDir = dir
	}

	m := &Map[K, T]{
		buckets:   make([]bucketSlot[K, T], uint64(1)<<maxBucketsPow2),
		shardBits: maxBucketsPow2,
		drives:    drives,
		ownedDir:  ownedDir,
		cfg:       cfg,
		metrics:   newMetricsSink(cfg.registry),
		growg:     newGrowGroup(),
	}
	return m, nil
}

// NumBuckets returns the number of buckets in the Map.
func (m *Map[K, T]) NumBuckets() int { return len(m.buckets) }

// BucketIx returns the bucket index for key: the top shardBits bits of its
// big-endian prefix, matching the Rust BucketMap::bucket_ix.
func (m *Map[K, T]) BucketIx(key K) int {
	if m.shardBits == 0 {
		return 0
	}
	v := keys.BigEndianPrefix(key)
	return int(v >> (64 - uint(m.shardBits)))
}

func (m *Map[K, T]) namePfx(ix int) string {
	return fmt.Sprintf("bucket%d", ix)
}

// newBucketFn returns the lazy-creation callback bucketSlot.withWrite uses
// on first touch of bucket ix.
func (m *Map[K, T]) newBucketFn(ix int) func() (*bucket.Bucket[K, T], error) {
	return func() (*bucket.Bucket[K, T], error) {
		return bucket.New[K, T](m.drives, m.cfg.logger, m.metrics.forBucket(ix), m.namePfx(ix), m.shardBits, m.cfg.initialPower, m.cfg.maxSearch)
	}
}

// ReadValue returns a copy of key's value list and current ref count.
func (m *Map[K, T]) ReadValue(key K) ([]T, uint64, bool) {
	ix := m.BucketIx(key)
	var values []T
	var refCount uint64
	var found bool
	m.buckets[ix].withRead(func(b *bucket.Bucket[K, T]) {
		values, refCount, found = b.ReadValue(key)
	})
	return values, refCount, found
}

// Insert writes key's value list into bucket ix under that bucket's
// exclusive lock, held for the whole call including any internal grow
// bucket.Insert performs. Matches the Rust BucketMap::insert signature
// (caller supplies ix, having already computed it via BucketIx).
func (m *Map[K, T]) Insert(ix int, key K, values []T, refCount uint64) error {
	slot := &m.buckets[ix]
	return slot.withWrite(m.newBucketFn(ix), func(b *bucket.Bucket[K, T]) error {
		return b.Insert(key, values, refCount)
	})
}

// TryWrite is the non-retrying primitive: it returns NeedsGrow instead of
// growing automatically, for callers that want to control their own retry
// policy (or observe grow events) the way BucketMap::try_insert does.
func (m *Map[K, T]) TryWrite(ix int, key K, values []T, refCount uint64) error {
	slot := &m.buckets[ix]
	return slot.withWrite(m.newBucketFn(ix), func(b *bucket.Bucket[K, T]) error {
		return b.TryWrite(key, values, refCount)
	})
}

// Grow grows the storage axis named by a NeedsGrow previously returned from
// TryWrite. Concurrent duplicate grow requests for the same (bucket, axis,
// class) collapse via singleflight before the actual grow runs under the
// bucket's exclusive lock.
func (m *Map[K, T]) Grow(ix int, ng NeedsGrow) error {
	slot := &m.buckets[ix]
	return m.growg.grow(ix, ng.Axis, ng.Class, func() error {
		return slot.withWrite(m.newBucketFn(ix), func(b *bucket.Bucket[K, T]) error {
			return b.Grow(ng)
		})
	})
}

// Update reads key's current value (exists=false if absent), passes it to
// fn, and writes back fn's result; fn returning keep=false deletes the key.
// Runs under the bucket's exclusive lock for the whole read-modify-write.
func (m *Map[K, T]) Update(key K, fn func(values []T, refCount uint64, exists bool) (newValues []T, newRefCount uint64, keep bool)) error {
	ix := m.BucketIx(key)
	slot := &m.buckets[ix]
	return slot.withWrite(m.newBucketFn(ix), func(b *bucket.Bucket[K, T]) error {
		return b.Update(key, fn)
	})
}

// Delete removes key entirely. A no-op if key is absent or its bucket was
// never materialized.
func (m *Map[K, T]) Delete(key K) {
	ix := m.BucketIx(key)
	m.buckets[ix].withWriteExisting(func(b *bucket.Bucket[K, T]) {
		b.Delete(key)
	})
}

// AddRef increments key's ref count by one and returns the new value.
func (m *Map[K, T]) AddRef(key K) (uint64, bool) {
	ix := m.BucketIx(key)
	var rc uint64
	var ok bool
	m.buckets[ix].withWriteExisting(func(b *bucket.Bucket[K, T]) {
		rc, ok = b.AddRef(key)
	})
	return rc, ok
}

// UnRef decrements key's ref count by one (floored at 0) and returns the new
// value.
func (m *Map[K, T]) UnRef(key K) (uint64, bool) {
	ix := m.BucketIx(key)
	var rc uint64
	var ok bool
	m.buckets[ix].withWriteExisting(func(b *bucket.Bucket[K, T]) {
		rc, ok = b.UnRef(key)
	})
	return rc, ok
}

// BucketLen returns the number of occupied slots in bucket ix.
func (m *Map[K, T]) BucketLen(ix int) uint64 {
	var n uint64
	m.buckets[ix].withRead(func(b *bucket.Bucket[K, T]) {
		n = b.Len()
	})
	return n
}

// Keys returns every key in bucket ix, restricted to r if non-nil.
func (m *Map[K, T]) Keys(ix int, r *Range) []K {
	var out []K
	m.buckets[ix].withRead(func(b *bucket.Bucket[K, T]) {
		out = b.Keys(r)
	})
	return out
}

// ItemsInRange returns a copy of every item in bucket ix whose key falls in
// r (or every item, if r is nil).
func (m *Map[K, T]) ItemsInRange(ix int, r *Range) []Item[K, T] {
	var out []Item[K, T]
	m.buckets[ix].withRead(func(b *bucket.Bucket[K, T]) {
		out = b.ItemsInRange(r)
	})
	return out
}

// Close releases every bucket's backing files, removing the private scratch
// directory if New created one.
func (m *Map[K, T]) Close() error {
	var firstErr error
	for i := range m.buckets {
		if err := m.buckets[i].close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if m.ownedDir != "" {
		if err := os.RemoveAll(m.ownedDir); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
