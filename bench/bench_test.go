// Package bench provides reproducible micro-benchmarks for bucketindex.
// Run via:  go test ./bench -bench=. -benchmem -cpu 1,4,16
//
// The benchmarks intentionally use a single key/value shape so results are
// comparable across versions:
//   - Key   - a 32-byte Pubkey, the same shape the production index uses.
//   - Value - a single uint64 "slot" per key, the minimal non-empty value list.
//
// We measure:
//  1. Insert         - write-only workload
//  2. ReadValue       - read-only workload (after warm-up)
//  3. ReadValueParallel - highly concurrent reads (b.RunParallel)
//  4. Update          - 90% hits, 10% misses, append-one-slot workload
//
// Results are printed in ns/op + alloc/op so CI can diff via benchstat.
//
// NOTE: Unit tests live elsewhere; this file is only for performance.
package bench

import (
	"encoding/binary"
	"math/rand"
	"runtime"
	"testing"

	bucketindex "github.com/Voskan/bucketindex/pkg"
)

/* -------------------------------------------------------------------------
   Test harness helpers
   ------------------------------------------------------------------------- */

type Pubkey [32]byte

const (
	bucketsPow2 = 4       // 16 buckets
	numKeys     = 1 << 16 // 64k keys for dataset
)

func newTestMap() *bucketindex.Map[Pubkey, uint64] {
	m, err := bucketindex.New[Pubkey, uint64](bucketsPow2)
	if err != nil {
		panic(err)
	}
	return m
}

// global dataset reused across benches to avoid reallocating large slices.
var ds = func() []Pubkey {
	rnd := rand.New(rand.NewSource(42))
	arr := make([]Pubkey, numKeys)
	for i := range arr {
		binary.BigEndian.PutUint64(arr[i][:8], rnd.Uint64())
	}
	return arr
}()

/* -------------------------------------------------------------------------
   Benchmarks
   ------------------------------------------------------------------------- */

func BenchmarkInsert(b *testing.B) {
	m := newTestMap()
	defer m.Close()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := ds[i&(numKeys-1)]
		_ = m.Insert(m.BucketIx(key), key, []uint64{uint64(i)}, 1)
	}
}

func BenchmarkReadValue(b *testing.B) {
	m := newTestMap()
	defer m.Close()
	for _, k := range ds {
		_ = m.Insert(m.BucketIx(k), k, []uint64{1}, 1)
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		k := ds[i&(numKeys-1)]
		_, _, _ = m.ReadValue(k)
	}
}

func BenchmarkReadValueParallel(b *testing.B) {
	m := newTestMap()
	defer m.Close()
	for _, k := range ds {
		_ = m.Insert(m.BucketIx(k), k, []uint64{1}, 1)
	}
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		idx := rand.Intn(numKeys)
		for pb.Next() {
			idx = (idx + 1) & (numKeys - 1)
			m.ReadValue(ds[idx])
		}
	})
}

func BenchmarkUpdate(b *testing.B) {
	m := newTestMap()
	defer m.Close()
	// Preload 90% of keys to simulate a mixed hit/miss append workload.
	for i, k := range ds {
		if i%10 != 0 {
			_ = m.Insert(m.BucketIx(k), k, []uint64{1}, 1)
		}
	}
	appendSlot := func(values []uint64, refCount uint64, exists bool) ([]uint64, uint64, bool) {
		return append(values, 1), refCount + 1, true
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		k := ds[i&(numKeys-1)]
		_ = m.Update(k, appendSlot)
	}
}

/* -------------------------------------------------------------------------
   Utility - pin GOMAXPROCS (ds above draws from its own fixed-seed source)
   ------------------------------------------------------------------------- */

func init() {
	rand.Seed(42)
	runtime.GOMAXPROCS(runtime.NumCPU())
}
