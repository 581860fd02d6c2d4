package bucketindex

// shard.go wraps one bucket with the RWMutex discipline described in
// spec §5: exactly one lock per shard, guarding the entire shard (both its
// index and data storage), held for the full duration of every operation
// against it — not just while swapping the *Bucket pointer. A grow remaps
// the underlying region (internal/region.Region.GrowTo/New unmap the old
// one), so a reader or writer that only briefly held the lock to fetch the
// bucket and then touched it afterwards could run against unmapped memory;
// withRead/withWrite exist so that never happens.

import (
	"sync"

	"github.com/Voskan/bucketindex/internal/bucket"
)

type bucketSlot[K Raw, T any] struct {
	mu sync.RWMutex
	b  *bucket.Bucket[K, T]
}

// withRead runs fn against the slot's bucket under a shared lock held for
// fn's entire duration. An untouched slot is treated as empty: fn is not
// called and ok is false, without creating a bucket just to answer a read.
func (s *bucketSlot[K, T]) withRead(fn func(b *bucket.Bucket[K, T])) (ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.b == nil {
		return false
	}
	fn(s.b)
	return true
}

// withWrite runs fn against the slot's bucket under the exclusive lock held
// for fn's entire duration, creating the bucket via newFn on first touch.
// Because the same lock serializes creation, mutation, and any internal
// grow fn triggers, a concurrent reader can never observe a region mid-grow
// and two writers can never race the same grow.
func (s *bucketSlot[K, T]) withWrite(newFn func() (*bucket.Bucket[K, T], error), fn func(b *bucket.Bucket[K, T]) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.b == nil {
		b, err := newFn()
		if err != nil {
			return err
		}
		s.b = b
	}
	return fn(s.b)
}

// withWriteExisting runs fn under the exclusive lock only if the bucket has
// already been created; an untouched slot is left untouched. Used by
// mutators (Delete, AddRef, UnRef) that have nothing to do against a bucket
// nobody has ever written to.
func (s *bucketSlot[K, T]) withWriteExisting(fn func(b *bucket.Bucket[K, T])) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.b != nil {
		fn(s.b)
	}
}

func (s *bucketSlot[K, T]) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.b == nil {
		return nil
	}
	err := s.b.Destroy()
	s.b = nil
	return err
}
