package bucket

import (
	"os"
	"testing"

	"github.com/Voskan/bucketindex/internal/region"
)

type testKey [32]byte

func newTestBucket(t *testing.T, initialPower uint8, maxSearch uint32) *Bucket[testKey, uint64] {
	t.Helper()
	dir, err := os.MkdirTemp("", "bucket-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	drive, err := region.NewDirDrive(dir)
	if err != nil {
		t.Fatal(err)
	}
	b, err := New[testKey, uint64](region.NewDriveSet(drive), nil, nil, "shard", 0, initialPower, maxSearch)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestInsertThenReadValue(t *testing.T) {
	b := newTestBucket(t, 4, 16)
	var k testKey
	k[0] = 1

	if err := b.Insert(k, []uint64{0}, 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	values, refCount, ok := b.ReadValue(k)
	if !ok || len(values) != 1 || values[0] != 0 || refCount != 0 {
		t.Fatalf("ReadValue = %v, %d, %v", values, refCount, ok)
	}
}

func TestInsertOverwritesExistingValue(t *testing.T) {
	b := newTestBucket(t, 4, 16)
	var k testKey
	k[0] = 2

	if err := b.Insert(k, []uint64{1}, 0); err != nil {
		t.Fatal(err)
	}
	if err := b.Insert(k, []uint64{2}, 0); err != nil {
		t.Fatal(err)
	}
	values, _, _ := b.ReadValue(k)
	if len(values) != 1 || values[0] != 2 {
		t.Fatalf("ReadValue after overwrite = %v", values)
	}
}

// TestUpdateToZeroLengthThenBack mirrors the original Rust
// bucket_map_test_update_to_0_len scenario: shrinking a value list to zero
// length must not lose the key, and growing it back must work even though
// the zero-length write freed the data block entirely (class-0 sentinel).
func TestUpdateToZeroLengthThenBack(t *testing.T) {
	b := newTestBucket(t, 4, 16)
	var k testKey
	k[0] = 3

	set := func(values []uint64, rc uint64) func([]uint64, uint64, bool) ([]uint64, uint64, bool) {
		return func([]uint64, uint64, bool) ([]uint64, uint64, bool) { return values, rc, true }
	}

	if err := b.Update(k, set([]uint64{0}, 1)); err != nil {
		t.Fatal(err)
	}
	assertValue(t, b, k, []uint64{0}, 1)

	if err := b.Update(k, set(nil, 1)); err != nil {
		t.Fatal(err)
	}
	assertValue(t, b, k, nil, 1)

	if err := b.Update(k, set(nil, 2)); err != nil {
		t.Fatal(err)
	}
	assertValue(t, b, k, nil, 2)

	if err := b.Update(k, set([]uint64{1}, 2)); err != nil {
		t.Fatal(err)
	}
	assertValue(t, b, k, []uint64{1}, 2)
}

func assertValue(t *testing.T, b *Bucket[testKey, uint64], k testKey, want []uint64, wantRC uint64) {
	t.Helper()
	values, rc, ok := b.ReadValue(k)
	if !ok {
		t.Fatalf("key missing, want present with %v", want)
	}
	if rc != wantRC {
		t.Fatalf("refcount = %d, want %d", rc, wantRC)
	}
	if len(values) != len(want) {
		t.Fatalf("values = %v, want %v", values, want)
	}
	for i := range want {
		if values[i] != want[i] {
			t.Fatalf("values = %v, want %v", values, want)
		}
	}
}

func TestDeleteThenReinsert(t *testing.T) {
	b := newTestBucket(t, 4, 16)
	for i := uint64(0); i < 10; i++ {
		var k testKey
		k[0] = byte(i)

		if _, _, ok := b.ReadValue(k); ok {
			t.Fatalf("key %d present before first insert", i)
		}
		if err := b.Insert(k, []uint64{i}, 0); err != nil {
			t.Fatal(err)
		}
		assertValue(t, b, k, []uint64{i}, 0)

		b.Delete(k)
		if _, _, ok := b.ReadValue(k); ok {
			t.Fatalf("key %d present after Delete", i)
		}

		if err := b.Insert(k, []uint64{i}, 0); err != nil {
			t.Fatal(err)
		}
		assertValue(t, b, k, []uint64{i}, 0)
		b.Delete(k)
	}
}

func TestAddRefUnRef(t *testing.T) {
	b := newTestBucket(t, 4, 16)
	var k testKey
	k[0] = 7
	if err := b.Insert(k, []uint64{0}, 0); err != nil {
		t.Fatal(err)
	}
	if rc, ok := b.AddRef(k); !ok || rc != 1 {
		t.Fatalf("AddRef = %d, %v", rc, ok)
	}
	if rc, ok := b.AddRef(k); !ok || rc != 2 {
		t.Fatalf("AddRef = %d, %v", rc, ok)
	}
	if rc, ok := b.UnRef(k); !ok || rc != 1 {
		t.Fatalf("UnRef = %d, %v", rc, ok)
	}
	if rc, ok := b.UnRef(k); !ok || rc != 0 {
		t.Fatalf("UnRef = %d, %v", rc, ok)
	}
	if rc, ok := b.UnRef(k); !ok || rc != 0 {
		t.Fatalf("UnRef at floor = %d, %v", rc, ok)
	}
}

func TestGrowAcrossManyInserts(t *testing.T) {
	b := newTestBucket(t, 1, 4) // 2 slots, tiny window: forces several grows
	const n = 200
	for i := 0; i < n; i++ {
		var k testKey
		k[0] = byte(i)
		k[1] = byte(i >> 8)
		if err := b.Insert(k, []uint64{uint64(i)}, 0); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}
	for i := 0; i < n; i++ {
		var k testKey
		k[0] = byte(i)
		k[1] = byte(i >> 8)
		assertValue(t, b, k, []uint64{uint64(i)}, 0)
	}
	if b.Len() != n {
		t.Fatalf("Len = %d, want %d", b.Len(), n)
	}
}

func TestItemsInRangeAndKeys(t *testing.T) {
	b := newTestBucket(t, 4, 16)
	const n = 5
	for i := 0; i < n; i++ {
		var k testKey
		k[0] = byte(i)
		if err := b.Insert(k, []uint64{uint64(i)}, uint64(i)); err != nil {
			t.Fatal(err)
		}
	}
	if got := len(b.Keys(nil)); got != n {
		t.Fatalf("Keys = %d, want %d", got, n)
	}
	items := b.ItemsInRange(nil)
	if len(items) != n {
		t.Fatalf("ItemsInRange = %d, want %d", len(items), n)
	}
	seen := map[uint64]bool{}
	for _, it := range items {
		if len(it.Values) != 1 {
			t.Fatalf("item %v has %d values, want 1", it, len(it.Values))
		}
		seen[it.Values[0]] = true
	}
	for i := 0; i < n; i++ {
		if !seen[uint64(i)] {
			t.Fatalf("missing value %d in ItemsInRange", i)
		}
	}
}
