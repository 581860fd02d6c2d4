// Package datastore implements the Data Storage layer (spec §4.3): a
// segregated free-list heap of power-of-two-capacity blocks, one Mapped
// Region per size class.
package datastore

import (
	"fmt"
	"unsafe"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/Voskan/bucketindex/internal/keys"
	"github.com/Voskan/bucketindex/internal/region"
	"github.com/Voskan/bucketindex/internal/unsafehelpers"
)

type blockState uint8

const (
	blockFree blockState = iota
	blockUsed
)

// header is the fixed-size prefix of every block. Key/KeyHash are the
// optional integrity echo spec §4.3 permits: they let a future reader
// confirm a block actually belongs to the slot that references it. KeyHash
// is an xxhash64 of the key's 32 bytes, computed once when alloc claims the
// block; in-place payload writes leave both fields as they are.
type header[K keys.Raw] struct {
	State   blockState
	_       [7]byte
	Key     K
	KeyHash uint64
}

// ClassFor returns the segregation class for a value list of length n:
// c = ceil(log2(max(n,1))). Length 0 needs no block at all (see DESIGN.md's
// resolution of the class-0 open question) and is never passed here.
func ClassFor(n uint64) uint8 {
	if n <= 1 {
		return 0
	}
	c := uint8(0)
	v := n - 1
	for v > 0 {
		v >>= 1
		c++
	}
	return c
}

// classCapacity returns 2^c, the element capacity of a block in class c.
func classCapacity(c uint8) uint64 { return uint64(1) << c }

// class owns one Mapped Region of fixed-size blocks, all of the same
// element capacity 2^c.
type class[K keys.Raw, T any] struct {
	region       *region.Region
	drives       *region.DriveSet
	logger       *zap.Logger
	namePfx      string
	c            uint8
	headerSize   uintptr
	elemSize     uintptr
	blockBytes   uintptr
	cursor       uint64
	maxSearch    uint32
	growSeq      uint64
}

func newClass[K keys.Raw, T any](drives *region.DriveSet, logger *zap.Logger, namePfx string, c uint8, initialBlocks uint64, maxSearch uint32) (*class[K, T], error) {
	var t T
	headerSize := unsafehelpers.AlignUp(unsafe.Sizeof(header[K]{}), unsafe.Alignof(t))
	elemSize := unsafe.Sizeof(t)
	blockBytes := unsafehelpers.AlignUp(headerSize+uintptr(classCapacity(c))*elemSize, 8)

	cl := &class[K, T]{
		drives:     drives,
		logger:     logger,
		namePfx:    namePfx,
		c:          c,
		headerSize: headerSize,
		elemSize:   elemSize,
		blockBytes: blockBytes,
		maxSearch:  maxSearch,
	}
	r, err := region.New(drives, logger, blockBytes, initialBlocks, cl.fileName)
	if err != nil {
		return nil, err
	}
	cl.region = r
	return cl, nil
}

func (cl *class[K, T]) fileName(capacity uint64) string {
	cl.growSeq++
	return fmt.Sprintf("%s.data.c%d.%d.%d", cl.namePfx, cl.c, capacity, cl.growSeq)
}

func (cl *class[K, T]) header(block uint64) *header[K] {
	b := cl.region.Slice(block)
	return (*header[K])(unsafe.Pointer(&b[0]))
}

func (cl *class[K, T]) payload(block uint64) []T {
	b := cl.region.Slice(block)
	ptr := (*T)(unsafe.Pointer(&b[cl.headerSize]))
	return unsafehelpers.PtrSlice(ptr, int(classCapacity(cl.c)))
}

// Capacity returns the number of blocks currently available in this class.
func (cl *class[K, T]) Capacity() uint64 { return cl.region.Capacity() }

// alloc scans up to maxSearch blocks from a rotating cursor for a Free one.
func (cl *class[K, T]) alloc(key K) (uint64, bool) {
	cap := cl.Capacity()
	n := uint64(cl.maxSearch)
	if n > cap {
		n = cap
	}
	for i := uint64(0); i < n; i++ {
		idx := (cl.cursor + i) % cap
		h := cl.header(idx)
		if h.State == blockFree {
			h.State = blockUsed
			h.Key = key
			h.KeyHash = xxhash.Sum64(keys.Bytes(&key))
			cl.cursor = (idx + 1) % cap
			return idx, true
		}
	}
	return 0, false
}

func (cl *class[K, T]) free(block uint64) {
	h := cl.header(block)
	h.State = blockFree
	var zero K
	h.Key = zero
	h.KeyHash = 0
}

func (cl *class[K, T]) write(block uint64, values []T) {
	copy(cl.payload(block), values)
}

func (cl *class[K, T]) read(block uint64, length uint64) []T {
	src := cl.payload(block)[:length]
	out := make([]T, length)
	copy(out, src)
	return out
}

func (cl *class[K, T]) grow(newBlocks uint64) error {
	oldCap := cl.Capacity()
	if err := cl.region.GrowTo(newBlocks); err != nil {
		return err
	}
	// Start the next alloc's window at the first new (free) block: the old
	// cursor may sit in front of more than maxSearch used blocks.
	cl.cursor = oldCap
	return nil
}

func (cl *class[K, T]) destroy() error {
	return cl.region.Destroy()
}

// Heap aggregates every size class for one shard, creating classes lazily on
// first use (most shards never need every class).
type Heap[K keys.Raw, T any] struct {
	drives    *region.DriveSet
	logger    *zap.Logger
	namePfx   string
	maxSearch uint32
	classes   []*class[K, T] // index i holds class i, nil until first use
}

const initialBlocksPerClass = 16

// New creates an empty Heap. Classes are materialized lazily by Alloc/Grow.
func New[K keys.Raw, T any](drives *region.DriveSet, logger *zap.Logger, namePfx string, maxSearch uint32) *Heap[K, T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Heap[K, T]{drives: drives, logger: logger, namePfx: namePfx, maxSearch: maxSearch}
}

func (h *Heap[K, T]) ensureClass(c uint8) (*class[K, T], error) {
	for uint8(len(h.classes)) <= c {
		h.classes = append(h.classes, nil)
	}
	if h.classes[c] == nil {
		cl, err := newClass[K, T](h.drives, h.logger, h.namePfx, c, initialBlocksPerClass, h.maxSearch)
		if err != nil {
			return nil, err
		}
		h.classes[c] = cl
	}
	return h.classes[c], nil
}

// ErrNeedsGrow is returned (wrapped with the offending class) when a class
// region has no Free block within the probe window.
type ErrNeedsGrow struct{ Class uint8 }

func (e ErrNeedsGrow) Error() string {
	return fmt.Sprintf("datastore: class %d has no free block", e.Class)
}

// Alloc reserves a block able to hold n elements (n must be >= 1) and writes
// values into it, echoing key in the block header.
func (h *Heap[K, T]) Alloc(key K, values []T) (class uint8, block uint64, err error) {
	n := uint64(len(values))
	if n == 0 {
		panic("datastore: Alloc requires a non-empty value list")
	}
	class = ClassFor(n)
	cl, err := h.ensureClass(class)
	if err != nil {
		return 0, 0, err
	}
	blk, ok := cl.alloc(key)
	if !ok {
		return class, 0, ErrNeedsGrow{Class: class}
	}
	cl.write(blk, values)
	return class, blk, nil
}

// WriteInPlace overwrites an existing block's payload without reallocating.
// Callers must have already verified ClassFor(len(values)) == class.
func (h *Heap[K, T]) WriteInPlace(class uint8, block uint64, values []T) {
	h.classes[class].write(block, values)
}

// Free releases a previously allocated block back to its class free list.
func (h *Heap[K, T]) Free(class uint8, block uint64) {
	if int(class) >= len(h.classes) || h.classes[class] == nil {
		return
	}
	h.classes[class].free(block)
}

// Read copies out the first length elements of the block at (class, block).
func (h *Heap[K, T]) Read(class uint8, block uint64, length uint64) []T {
	return h.classes[class].read(block, length)
}

// GrowClass doubles the block capacity of the given class.
func (h *Heap[K, T]) GrowClass(class uint8) error {
	cl, err := h.ensureClass(class)
	if err != nil {
		return err
	}
	newBlocks := cl.Capacity() * 2
	if newBlocks == 0 {
		newBlocks = initialBlocksPerClass
	}
	if err := cl.grow(newBlocks); err != nil {
		return err
	}
	h.logger.Info("datastore: grew class", zap.Uint8("class", class), zap.Uint64("blocks", newBlocks))
	return nil
}

// Destroy releases every class's backing file.
func (h *Heap[K, T]) Destroy() error {
	var firstErr error
	for _, cl := range h.classes {
		if cl == nil {
			continue
		}
		if err := cl.destroy(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
