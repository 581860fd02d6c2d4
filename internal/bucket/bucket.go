// Package bucket implements one shard's worth of the index: the pairing of
// an indexstore.Store (slot table) and a datastore.Heap (value blocks) behind
// a single capacity-error surface, NeedsGrow. Nothing in this package takes
// a lock; internal/bucket is called with the owning shard's exclusive or
// shared lock already held by pkg.Map; the lock-holding wrapper and the
// lock-free payload are kept in separate types on purpose.
package bucket

import (
	"fmt"

	"github.com/Voskan/bucketindex/internal/datastore"
	"github.com/Voskan/bucketindex/internal/indexstore"
	"github.com/Voskan/bucketindex/internal/keys"
	"github.com/Voskan/bucketindex/internal/region"

	"go.uber.org/zap"
)

// Axis names which storage ran out of room, so the caller knows what to grow.
type Axis uint8

const (
	// AxisIndex means the slot table needs more slots (Store.Grow).
	AxisIndex Axis = iota
	// AxisData means a data-heap size class needs more blocks (Heap.GrowClass).
	AxisData
)

func (a Axis) String() string {
	if a == AxisIndex {
		return "index"
	}
	return "data"
}

// NeedsGrow is returned by TryWrite when the operation could not complete
// because one of the two storages has no room within its probe window.
// Insert/Update consume it in their own grow-and-retry loop and never return
// it. Axis/Class/Power
// together identify exactly what the caller should grow; pkg re-exports this
// type so a caller driving its own retry loop against TryWrite can inspect it.
type NeedsGrow struct {
	Axis  Axis
	Class uint8 // meaningful when Axis == AxisData
	Power uint8 // the index power observed at failure time, when Axis == AxisIndex
}

func (e NeedsGrow) Error() string {
	if e.Axis == AxisIndex {
		return fmt.Sprintf("bucket: index storage has no free slot at power %d", e.Power)
	}
	return fmt.Sprintf("bucket: data storage class %d has no free block", e.Class)
}

// MetricsSink is the narrow observability surface a Bucket reports through.
// Defined here (rather than imported from pkg) so this package never depends
// on pkg, avoiding an import cycle; pkg's concrete metrics types satisfy this
// interface structurally.
type MetricsSink interface {
	ObserveFind(hit bool)
	ObserveInsert()
	ObserveUpdate()
	ObserveDelete()
	ObserveGrow(axis string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveFind(bool)   {}
func (noopMetrics) ObserveInsert()     {}
func (noopMetrics) ObserveUpdate()     {}
func (noopMetrics) ObserveDelete()     {}
func (noopMetrics) ObserveGrow(string) {}

// Item is one (key, values, ref count) triple, the element type returned by
// ItemsInRange and consumed by snapshot/write-behind callers.
type Item[K keys.Raw, T any] struct {
	Key      K
	Values   []T
	RefCount uint64
}

// Range restricts ItemsInRange/Keys to keys whose BigEndianPrefix falls in
// [Lo, Hi]; a nil Range visits every occupied slot.
type Range struct {
	Lo, Hi uint64
}

func (r *Range) contains(prefix uint64) bool {
	if r == nil {
		return true
	}
	return prefix >= r.Lo && prefix <= r.Hi
}

// Bucket is one shard: an index Store plus a data Heap, created lazily by
// the owning Map on first touch.
type Bucket[K keys.Raw, T any] struct {
	index   *indexstore.Store[K]
	data    *datastore.Heap[K, T]
	metrics MetricsSink
	logger  *zap.Logger
}

// New creates an empty Bucket with an index of 2^initialPower slots.
func New[K keys.Raw, T any](drives *region.DriveSet, logger *zap.Logger, metrics MetricsSink, namePfx string, shardBits, initialPower uint8, maxSearch uint32) (*Bucket[K, T], error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	idx, err := indexstore.New[K](drives, logger, namePfx, shardBits, initialPower, maxSearch)
	if err != nil {
		return nil, err
	}
	return &Bucket[K, T]{
		index:   idx,
		data:    datastore.New[K, T](drives, logger, namePfx, maxSearch),
		metrics: metrics,
		logger:  logger,
	}, nil
}

// ReadValue returns a copy of key's value list and its current ref count.
func (b *Bucket[K, T]) ReadValue(key K) ([]T, uint64, bool) {
	idx, ok := b.index.Find(key)
	b.metrics.ObserveFind(ok)
	if !ok {
		return nil, 0, false
	}
	sl := b.index.Get(idx)
	if sl.Length == 0 {
		return nil, sl.RefCount, true
	}
	return b.data.Read(sl.Class, sl.Block, sl.Length), sl.RefCount, true
}

// TryWrite inserts or overwrites key's value list, returning NeedsGrow if
// either storage has no room. It never retries internally; callers wanting
// the convenience retry loop should use Insert/Update instead.
func (b *Bucket[K, T]) TryWrite(key K, values []T, refCount uint64) error {
	existingIdx, exists := b.index.Find(key)

	if len(values) == 0 {
		if exists {
			b.freeSlotData(existingIdx)
			b.index.SetLocation(existingIdx, 0, 0, 0)
			b.index.SetRefCount(existingIdx, refCount)
			return nil
		}
		idx, ok := b.index.FindFree(key)
		if !ok {
			return NeedsGrow{Axis: AxisIndex, Power: b.index.Power()}
		}
		b.index.Write(idx, key, 0, 0, 0, refCount)
		return nil
	}

	class := datastore.ClassFor(uint64(len(values)))

	if exists {
		sl := b.index.Get(existingIdx)
		if sl.Length > 0 && sl.Class == class {
			b.data.WriteInPlace(class, sl.Block, values)
			b.index.SetLocation(existingIdx, class, sl.Block, uint64(len(values)))
			b.index.SetRefCount(existingIdx, refCount)
			return nil
		}
		newClass, block, err := b.data.Alloc(key, values)
		if err != nil {
			return NeedsGrow{Axis: AxisData, Class: class}
		}
		b.freeSlotData(existingIdx)
		b.index.Write(existingIdx, key, newClass, block, uint64(len(values)), refCount)
		return nil
	}

	newClass, block, err := b.data.Alloc(key, values)
	if err != nil {
		return NeedsGrow{Axis: AxisData, Class: class}
	}
	idx, ok := b.index.FindFree(key)
	if !ok {
		b.data.Free(newClass, block)
		return NeedsGrow{Axis: AxisIndex, Power: b.index.Power()}
	}
	b.index.Write(idx, key, newClass, block, uint64(len(values)), refCount)
	return nil
}

// Insert is TryWrite wrapped in the bounded grow-retry loop described by
// spec §5: on NeedsGrow, grow the named axis and retry, up to maxGrowRetries
// times, before giving up.
func (b *Bucket[K, T]) Insert(key K, values []T, refCount uint64) error {
	for attempt := 0; attempt < maxGrowRetries; attempt++ {
		err := b.TryWrite(key, values, refCount)
		if err == nil {
			b.metrics.ObserveInsert()
			return nil
		}
		ng, ok := err.(NeedsGrow)
		if !ok {
			return err
		}
		if gerr := b.Grow(ng); gerr != nil {
			return gerr
		}
	}
	b.logger.Error("bucket: insert did not converge", zap.Int("grow_retries", maxGrowRetries))
	return fmt.Errorf("bucket: insert did not converge after %d grow retries", maxGrowRetries)
}

// maxGrowRetries bounds the Insert/Update retry loop against pathological
// key distributions that keep overflowing the same probe window even after
// repeated doublings (spec §9 Open Question, resolved in DESIGN.md).
const maxGrowRetries = 32

// Update reads key's current value (nil if absent), passes it to fn, and
// writes back fn's result. fn returning keep=false deletes the key; keep=true
// with an empty newValues keeps the key with an empty list. fn receives a
// copy of the stored values (from ReadValue), not a view of the mapped block.
func (b *Bucket[K, T]) Update(key K, fn func(values []T, refCount uint64, exists bool) (newValues []T, newRefCount uint64, keep bool)) error {
	cur, refCount, exists := b.ReadValue(key)
	newValues, newRefCount, keep := fn(cur, refCount, exists)
	b.metrics.ObserveUpdate()
	if !keep {
		b.Delete(key)
		return nil
	}
	return b.Insert(key, newValues, newRefCount)
}

// Delete removes key entirely, freeing its data block if any. A no-op if
// key is absent.
func (b *Bucket[K, T]) Delete(key K) {
	idx, ok := b.index.Find(key)
	if !ok {
		return
	}
	b.freeSlotData(idx)
	b.index.Clear(idx)
	b.metrics.ObserveDelete()
}

func (b *Bucket[K, T]) freeSlotData(idx uint64) {
	sl := b.index.Get(idx)
	if sl.Length > 0 {
		b.data.Free(sl.Class, sl.Block)
	}
}

// AddRef increments key's ref count by one and returns the new value.
func (b *Bucket[K, T]) AddRef(key K) (uint64, bool) {
	idx, ok := b.index.Find(key)
	if !ok {
		return 0, false
	}
	sl := b.index.Get(idx)
	rc := sl.RefCount + 1
	b.index.SetRefCount(idx, rc)
	return rc, true
}

// UnRef decrements key's ref count by one (floored at 0) and returns the new
// value.
func (b *Bucket[K, T]) UnRef(key K) (uint64, bool) {
	idx, ok := b.index.Find(key)
	if !ok {
		return 0, false
	}
	sl := b.index.Get(idx)
	rc := sl.RefCount
	if rc > 0 {
		rc--
	}
	b.index.SetRefCount(idx, rc)
	return rc, true
}

// Keys returns every occupied key in this bucket, in arbitrary order,
// restricted to r if non-nil.
func (b *Bucket[K, T]) Keys(r *Range) []K {
	var out []K
	b.index.Each(func(_ uint64, sl *indexstore.Slot[K]) bool {
		if r.contains(keys.BigEndianPrefix(sl.Key)) {
			out = append(out, sl.Key)
		}
		return true
	})
	return out
}

// ItemsInRange returns a copy of every (key, values, refcount) triple whose
// key falls in r (or every item, if r is nil).
func (b *Bucket[K, T]) ItemsInRange(r *Range) []Item[K, T] {
	var out []Item[K, T]
	b.index.Each(func(_ uint64, sl *indexstore.Slot[K]) bool {
		if !r.contains(keys.BigEndianPrefix(sl.Key)) {
			return true
		}
		var values []T
		if sl.Length > 0 {
			values = b.data.Read(sl.Class, sl.Block, sl.Length)
		}
		out = append(out, Item[K, T]{Key: sl.Key, Values: values, RefCount: sl.RefCount})
		return true
	})
	return out
}

// Len returns the number of occupied slots.
func (b *Bucket[K, T]) Len() uint64 { return b.index.Len() }

// Grow resizes the storage axis named by ng. Index grows double the slot
// count and rehash in place; data grows double one size class's block count.
// On an index rehash overflow (the doubled table still can't fit every
// existing key within its probe window) Grow keeps doubling until it
// succeeds or the caller's own retry bound (Insert/Update's maxGrowRetries)
// gives up.
func (b *Bucket[K, T]) Grow(ng NeedsGrow) error {
	switch ng.Axis {
	case AxisIndex:
		b.metrics.ObserveGrow("index")
		if err := b.index.Grow(); err != nil {
			if err == indexstore.ErrRehashOverflow {
				return b.Grow(NeedsGrow{Axis: AxisIndex, Power: b.index.Power()})
			}
			return err
		}
		return nil
	case AxisData:
		b.metrics.ObserveGrow("data")
		return b.data.GrowClass(ng.Class)
	default:
		return fmt.Errorf("bucket: unknown grow axis %v", ng.Axis)
	}
}

// Destroy releases every backing file owned by this bucket.
func (b *Bucket[K, T]) Destroy() error {
	idxErr := b.index.Destroy()
	dataErr := b.data.Destroy()
	if idxErr != nil {
		return idxErr
	}
	return dataErr
}
