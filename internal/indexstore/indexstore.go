// Package indexstore implements the per-shard open-addressed hash table
// (spec §4.2): a Mapped Region of fixed-size slots, linear-probed within a
// bounded search window, with no tombstones.
package indexstore

import (
	"fmt"
	"unsafe"

	"go.uber.org/zap"

	"github.com/Voskan/bucketindex/internal/keys"
	"github.com/Voskan/bucketindex/internal/region"
	"github.com/Voskan/bucketindex/internal/unsafehelpers"
)

type occupancy uint8

const (
	occFree occupancy = iota
	occOccupied
)

// Slot is the fixed-size, on-disk record backing one hash-table bucket.
// Field order is deliberate: Occupancy first so a linear scan of a raw byte
// dump can classify a slot without decoding the rest of the record.
type Slot[K keys.Raw] struct {
	Occupancy occupancy
	_         [7]byte
	Key       K
	RefCount  uint64
	Class     uint8
	_         [7]byte
	Block     uint64
	Length    uint64
}

// Store is one shard's Index Storage: a single Mapped Region of 2^Power
// slots plus the bookkeeping needed to grow it in place.
type Store[K keys.Raw] struct {
	region    *region.Region
	drives    *region.DriveSet
	logger    *zap.Logger
	namePfx   string
	shardBits uint8
	power     uint8
	maxSearch uint32
	growSeq   uint64
}

// New creates a Store with 2^initialPower slots. shardBits is log2(N) of the
// owning Map's shard count, needed to compute the in-shard home index from
// the remaining high bits of the key's big-endian prefix (spec §4.2).
func New[K keys.Raw](drives *region.DriveSet, logger *zap.Logger, namePfx string, shardBits, initialPower uint8, maxSearch uint32) (*Store[K], error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store[K]{
		drives:    drives,
		logger:    logger,
		namePfx:   namePfx,
		shardBits: shardBits,
		power:     initialPower,
		maxSearch: maxSearch,
	}
	elemSize := unsafehelpers.AlignUp(sizeOfSlot[K](), 8)
	r, err := region.New(drives, logger, elemSize, uint64(1)<<initialPower, s.fileName)
	if err != nil {
		return nil, err
	}
	s.region = r
	return s, nil
}

func sizeOfSlot[K keys.Raw]() uintptr {
	var z Slot[K]
	return unsafe.Sizeof(z)
}

func (s *Store[K]) fileName(capacity uint64) string {
	s.growSeq++
	return fmt.Sprintf("%s.idx.%d.%d", s.namePfx, capacity, s.growSeq)
}

// Power returns the current index power (2^Power == slot count).
func (s *Store[K]) Power() uint8 { return s.power }

// Capacity returns the current number of slots.
func (s *Store[K]) Capacity() uint64 { return s.region.Capacity() }

// MaxSearch returns the configured probe-window bound.
func (s *Store[K]) MaxSearch() uint32 { return s.maxSearch }

func (s *Store[K]) slots() []Slot[K] { return region.AsSlice[Slot[K]](s.region) }

// home computes the first slot a key probes, per spec §4.2: the bits of the
// big-endian key prefix immediately following the ones already consumed by
// shard selection.
func (s *Store[K]) home(key K) uint64 {
	v := keys.BigEndianPrefix(key)
	shift := 64 - uint(s.shardBits) - uint(s.power)
	return (v >> shift) & (s.Capacity() - 1)
}

func (s *Store[K]) window(home uint64) (lo uint64, n uint64) {
	cap := s.Capacity()
	n = uint64(s.maxSearch)
	if n > cap {
		n = cap
	}
	return home, n
}

// Find returns the slot index holding key, if present, within the bounded
// probe window.
func (s *Store[K]) Find(key K) (uint64, bool) {
	slots := s.slots()
	cap := s.Capacity()
	home, n := s.window(s.home(key))
	for i := uint64(0); i < n; i++ {
		idx := (home + i) % cap
		sl := &slots[idx]
		if sl.Occupancy == occOccupied && sl.Key == key {
			return idx, true
		}
	}
	return 0, false
}

// FindFree returns the first Free slot within key's probe window.
func (s *Store[K]) FindFree(key K) (uint64, bool) {
	slots := s.slots()
	cap := s.Capacity()
	home, n := s.window(s.home(key))
	for i := uint64(0); i < n; i++ {
		idx := (home + i) % cap
		if slots[idx].Occupancy == occFree {
			return idx, true
		}
	}
	return 0, false
}

// Get returns a copy of the slot at idx.
func (s *Store[K]) Get(idx uint64) Slot[K] {
	return s.slots()[idx]
}

// Write populates slot idx as Occupied with the given fields.
func (s *Store[K]) Write(idx uint64, key K, class uint8, block, length, refCount uint64) {
	sl := &s.slots()[idx]
	sl.Occupancy = occOccupied
	sl.Key = key
	sl.RefCount = refCount
	sl.Class = class
	sl.Block = block
	sl.Length = length
}

// SetRefCount overwrites only the ref count of an already-occupied slot.
func (s *Store[K]) SetRefCount(idx uint64, refCount uint64) {
	s.slots()[idx].RefCount = refCount
}

// SetLocation overwrites the data-heap locator of an already-occupied slot
// (used by in-place update when the class is unchanged).
func (s *Store[K]) SetLocation(idx uint64, class uint8, block, length uint64) {
	sl := &s.slots()[idx]
	sl.Class = class
	sl.Block = block
	sl.Length = length
}

// Clear frees slot idx: no tombstones, the window stays bounded because
// keys never migrate between shards (spec §4.2).
func (s *Store[K]) Clear(idx uint64) {
	sl := &s.slots()[idx]
	*sl = Slot[K]{}
}

// Each calls fn for every Occupied slot, in arbitrary (internal) order.
// Stops early if fn returns false.
func (s *Store[K]) Each(fn func(idx uint64, slot *Slot[K]) bool) {
	slots := s.slots()
	for i := range slots {
		if slots[i].Occupancy == occOccupied {
			if !fn(uint64(i), &slots[i]) {
				return
			}
		}
	}
}

// Len returns the number of Occupied slots. O(capacity); used by diagnostics
// and BucketLen, not on any hot path.
func (s *Store[K]) Len() uint64 {
	var n uint64
	s.Each(func(uint64, *Slot[K]) bool { n++; return true })
	return n
}

// ErrRehashOverflow is returned by Grow when reinsertion into the doubled
// table still overflows a probe window; the caller (internal/bucket) retries
// with a further doubling up to its own bounded retry count.
var ErrRehashOverflow = fmt.Errorf("indexstore: rehash overflowed probe window")

// Grow doubles the slot count and reinserts every Occupied slot, reusing its
// existing data_location untouched (spec §4.2: "the value heap is untouched
// by an index grow"). The old region stays mapped and untouched until every
// entry has been successfully reinserted into the new one; if the doubled
// table still overflows a probe window partway through, the attempt is
// discarded entirely rather than committed with only some entries migrated,
// so a failed Grow never loses a key.
func (s *Store[K]) Grow() error {
	oldRegion := s.region
	oldPower := s.power
	newPower := s.power + 1

	newRegion, err := region.New(s.drives, s.logger, oldRegion.ElemSize(), uint64(1)<<newPower, s.fileName)
	if err != nil {
		return err
	}

	s.region = newRegion
	s.power = newPower

	oldSlots := region.AsSlice[Slot[K]](oldRegion)
	for i := range oldSlots {
		sl := &oldSlots[i]
		if sl.Occupancy != occOccupied {
			continue
		}
		idx, ok := s.FindFree(sl.Key)
		if !ok {
			// Reinsertion overflowed the doubled table partway through.
			// Roll back to the untouched old region so no entry migrated
			// so far is lost, and discard the failed new region entirely.
			s.region = oldRegion
			s.power = oldPower
			_ = newRegion.Destroy()
			return ErrRehashOverflow
		}
		s.Write(idx, sl.Key, sl.Class, sl.Block, sl.Length, sl.RefCount)
	}

	_ = oldRegion.Destroy()
	s.logger.Info("indexstore: grew index", zap.Uint8("old_power", oldPower), zap.Uint8("new_power", newPower))
	return nil
}

// Destroy releases the Index Storage's backing file entirely (used on shard
// teardown when the Map owns a private temp directory).
func (s *Store[K]) Destroy() error {
	return s.region.Destroy()
}
