// Package unsafehelpers centralises **all** unavoidable usage of the
// `unsafe` standard-library package so that the rest of bucketindex stays
// clean and easier to audit. Every helper is documented with clear pre-/post-
// conditions.
//
// ⚠️  **DISCLAIMER**   These helpers deliberately break the Go memory-safety
// model for the sake of zero-allocation conversions over memory-mapped
// regions. Use ONLY inside this repository; they are not part of the public
// API and may change without notice. Misuse will lead to subtle data races or
// out-of-bounds reads against mmap'd pages.
//
// All functions are `go:linkname`-free, cgo-free and pure Go 1.24.
package unsafehelpers

import "unsafe"

/* -------------------------------------------------------------------------
   1. Zero-copy string/[]byte conversions
   ------------------------------------------------------------------------- */

// BytesToString converts a mutable byte slice to an immutable string without
// allocating. The caller must guarantee that `b` will never be modified for
// the lifetime of the resulting string; otherwise the program exhibits
// undefined behaviour.
//
// DO NOT expose the returned string outside controlled scopes.
func BytesToString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(&b[0], len(b))
}

// StringToBytes re-interprets string data as a byte slice using unsafe.Pointer.
// The slice MUST remain read-only; writing to it will mutate immutable string storage and crash in future versions of Go.
func StringToBytes(s string) []byte {
	if len(s) == 0 {
		return nil
	}
	strHdr := (*[2]uintptr)(unsafe.Pointer(&s))
	return unsafe.Slice((*byte)(unsafe.Pointer(strHdr[0])), strHdr[1])
}

/* -------------------------------------------------------------------------
   2. Generic pointer → slice helpers
   ------------------------------------------------------------------------- */

// PtrSlice converts an arbitrary *T pointer + element count into a `[]T`
// without copying. Useful when we need to treat a memory-mapped region as a
// slice of fixed-size records for linear scans. The slice is backed by
// mmap'd memory and outlives the Go heap only as long as the owning Region
// is not closed or grown.
func PtrSlice[T any](ptr *T, n int) []T {
	if n == 0 {
		return nil
	}
	return unsafe.Slice(ptr, n)
}

// ByteSliceFrom returns a []byte view of raw memory starting at `ptr` with the
// given length. Caller must ensure the memory block is at least `length`
// bytes. Primarily used for checksumming data-block headers where we only
// know the pointer and size at runtime.
func ByteSliceFrom(ptr unsafe.Pointer, length uintptr) []byte {
	return unsafe.Slice((*byte)(ptr), length)
}

/* -------------------------------------------------------------------------
   3. Alignment helpers
   ------------------------------------------------------------------------- */

// AlignUp rounds x up to the nearest multiple of align (which must be a power
// of two). Fast bit-twiddling alternative to math.Ceil for sizes.
func AlignUp(x, align uintptr) uintptr {
	return (x + align - 1) &^ (align - 1)
}

// IsPowerOfTwo returns true if x is a power of two (exactly one bit set).
func IsPowerOfTwo(x uintptr) bool {
	return x != 0 && (x&(x-1)) == 0
}

// Log2 returns floor(log2(x)) for x > 0 (the exact exponent when x is a
// power of two). Panics on zero.
func Log2(x uint64) uint8 {
	if x == 0 {
		panic("unsafehelpers: Log2 of zero")
	}
	var n uint8
	for x > 1 {
		x >>= 1
		n++
	}
	return n
}
