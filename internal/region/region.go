package region

import (
	"fmt"
	"unsafe"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/Voskan/bucketindex/internal/unsafehelpers"
)

// Region is a growable, file-backed, memory-mapped byte region viewed as a
// sequence of fixed-size elements. It never allocates on the Go heap for its
// backing storage — every byte lives in a page mapped from a drive file.
//
// Region is not safe for concurrent use during GrowTo; callers (internal/bucket)
// hold their shard's exclusive lock across any call that may resize.
type Region struct {
	drives   *DriveSet
	logger   *zap.Logger
	namer    func(capacity uint64) string
	elemSize uintptr

	file  File
	drive Drive  // the specific drive that created `file`, for later Remove
	name  string // base name passed to drive.CreateFile, for later Remove
	data  []byte // mmap'd bytes, len == capacity*elemSize
	cap   uint64 // element capacity
}

// New creates a fresh Mapped Region sized to hold `capacity` elements of
// `elemSize` bytes each, zero-initialized (files are freshly truncated, and
// MAP_SHARED pages over a freshly-extended file read as zero on Linux).
//
// namer produces the on-disk file name for a given capacity; it lets callers
// (IndexStorage, per-class DataStorage) pick descriptive, collision-free
// names across repeated grows.
func New(drives *DriveSet, logger *zap.Logger, elemSize uintptr, capacity uint64, namer func(uint64) string) (*Region, error) {
	if capacity == 0 {
		panic("region: capacity must be > 0")
	}
	if elemSize == 0 {
		panic("region: elemSize must be > 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Region{drives: drives, logger: logger, namer: namer, elemSize: elemSize}
	if err := r.mapNew(capacity); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Region) mapNew(capacity uint64) error {
	drive := r.drives.Pick()
	name := r.namer(capacity)

	f, err := drive.CreateFile(name)
	if err != nil {
		r.logger.Error("region: create file failed", zap.String("name", name), zap.Error(err))
		return err
	}

	size := int64(capacity) * int64(r.elemSize)
	if err := f.Truncate(size); err != nil {
		_ = f.Close()
		r.logger.Error("region: truncate failed", zap.String("name", name), zap.Int64("size", size), zap.Error(err))
		return fmt.Errorf("region: truncate %q to %d: %w", name, size, err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		r.logger.Error("region: mmap failed", zap.String("name", name), zap.Error(err))
		return fmt.Errorf("region: mmap %q (%d bytes): %w", name, size, err)
	}

	r.file = f
	r.drive = drive
	r.name = name
	r.data = data
	r.cap = capacity
	return nil
}

// Capacity returns the number of addressable elements.
func (r *Region) Capacity() uint64 { return r.cap }

// ElemSize returns the configured element width in bytes.
func (r *Region) ElemSize() uintptr { return r.elemSize }

// Slice returns the byte window for element i. Panics (bounds-checked) if i
// is out of range — callers are expected to validate i against Capacity()
// themselves on any hot path that must not panic.
func (r *Region) Slice(i uint64) []byte {
	if i >= r.cap {
		panic(fmt.Sprintf("region: index %d out of range (capacity %d)", i, r.cap))
	}
	off := uintptr(i) * r.elemSize
	return r.data[off : off+r.elemSize : off+r.elemSize]
}

// Bytes exposes the whole mapped region. Used by enumeration paths that scan
// every slot/block linearly rather than through Slice.
func (r *Region) Bytes() []byte { return r.data }

// GrowTo allocates a second Region at `newCapacity` elements, copies every
// existing byte across, swaps the backing file, and unlinks the old one.
// The caller must hold the owning Bucket's exclusive lock: no other goroutine
// may be reading or writing through this Region while GrowTo runs.
func (r *Region) GrowTo(newCapacity uint64) error {
	if newCapacity <= r.cap {
		panic("region: GrowTo requires a strictly larger capacity")
	}

	old := *r // shallow copy of old file/data/cap for copy + cleanup
	if err := r.mapNew(newCapacity); err != nil {
		return err
	}
	copy(r.data, old.data)

	var errs error
	if err := unix.Munmap(old.data); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("region: munmap old region: %w", err))
	}
	if err := old.file.Close(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("region: close old file: %w", err))
	}
	if err := old.drive.Remove(old.name); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("region: remove old file %q: %w", old.name, err))
	}
	if errs != nil {
		r.logger.Error("region: cleanup after grow had errors", zap.Error(errs))
	}
	return nil
}

// Close unmaps and closes the backing file without removing it from disk.
func (r *Region) Close() error {
	var errs error
	if r.data != nil {
		if err := unix.Munmap(r.data); err != nil {
			errs = multierr.Append(errs, err)
		}
		r.data = nil
	}
	if r.file != nil {
		if err := r.file.Close(); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// Destroy closes and unlinks the backing file. Used when a shard's files are
// owned by a private temp directory and must vanish with the Map.
func (r *Region) Destroy() error {
	name, drive := r.name, r.drive
	err := r.Close()
	if name != "" && drive != nil {
		if rmErr := drive.Remove(name); rmErr != nil {
			err = multierr.Append(err, rmErr)
		}
	}
	return err
}

// AsSlice reinterprets the whole region as a []T of length Capacity(). Used
// for linear scans (grow rehash, enumeration).
func AsSlice[T any](r *Region) []T {
	if r.cap == 0 {
		return nil
	}
	ptr := (*T)(unsafe.Pointer(&r.data[0]))
	return unsafehelpers.PtrSlice(ptr, int(r.cap))
}
