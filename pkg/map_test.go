package bucketindex

import (
	"encoding/binary"
	"math/rand"
	"testing"
)

type Pubkey [32]byte

func newKey(prefix uint64) Pubkey {
	var k Pubkey
	binary.BigEndian.PutUint64(k[:8], prefix)
	return k
}

func newTestMap(t *testing.T, bucketsPow2 uint8) *Map[Pubkey, uint64] {
	t.Helper()
	m, err := New[Pubkey, uint64](bucketsPow2)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestInsertAndReadValue(t *testing.T) {
	m := newTestMap(t, 1)
	key := newKey(1)
	ix := m.BucketIx(key)

	if err := m.Insert(ix, key, []uint64{0}, 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	values, refCount, ok := m.ReadValue(key)
	if !ok || len(values) != 1 || values[0] != 0 || refCount != 0 {
		t.Fatalf("ReadValue = %v, %d, %v", values, refCount, ok)
	}
}

func TestBucketIxSplitsKeyspace(t *testing.T) {
	m := newTestMap(t, 2) // 4 buckets
	// A key whose top 2 bits are 0b11 should land in bucket 3.
	key := newKey(uint64(0b11) << 62)
	if got := m.BucketIx(key); got != 3 {
		t.Fatalf("BucketIx = %d, want 3", got)
	}
}

func TestUpdateAppendsAndDeleteRemoves(t *testing.T) {
	m := newTestMap(t, 0)
	key := newKey(42)

	err := m.Update(key, func(values []uint64, refCount uint64, exists bool) ([]uint64, uint64, bool) {
		if exists {
			t.Fatal("key should not exist yet")
		}
		return append(values, 100), refCount + 1, true
	})
	if err != nil {
		t.Fatal(err)
	}
	values, _, ok := m.ReadValue(key)
	if !ok || len(values) != 1 || values[0] != 100 {
		t.Fatalf("ReadValue = %v", values)
	}

	m.Delete(key)
	if _, _, ok := m.ReadValue(key); ok {
		t.Fatal("key present after Delete")
	}
}

// TestDifferentialAgainstReferenceMap mirrors the original hashmap_compare
// scenario: a sequence of random insert/overwrite/delete/addref/unref
// operations applied to both a Map and a plain Go map must agree at every
// checkpoint.
func TestDifferentialAgainstReferenceMap(t *testing.T) {
	const steps = 2000
	const maxSlotListLen = 3

	m := newTestMap(t, 2)
	type refEntry struct {
		values   []uint64
		refCount uint64
	}
	reference := make(map[Pubkey]refEntry)
	var allKeys []Pubkey

	rnd := rand.New(rand.NewSource(7))

	randValues := func() []uint64 {
		n := rnd.Intn(maxSlotListLen)
		v := make([]uint64, n)
		for i := range v {
			v[i] = uint64(i)
		}
		return v
	}

	verify := func() {
		t.Helper()
		for k, want := range reference {
			got, rc, ok := m.ReadValue(k)
			if !ok {
				t.Fatalf("key %x missing from Map, want %+v", k, want)
			}
			if rc != want.refCount {
				t.Fatalf("key %x refcount = %d, want %d", k, rc, want.refCount)
			}
			if len(got) != len(want.values) {
				t.Fatalf("key %x values = %v, want %v", k, got, want.values)
			}
			for i := range want.values {
				if got[i] != want.values[i] {
					t.Fatalf("key %x values = %v, want %v", k, got, want.values)
				}
			}
		}
		// And every Map key must be explained by the reference.
		for ix := 0; ix < m.NumBuckets(); ix++ {
			for _, k := range m.Keys(ix, nil) {
				if _, ok := reference[k]; !ok {
					t.Fatalf("Map has key %x that reference does not", k)
				}
			}
		}
	}

	for step := 0; step < steps; step++ {
		switch rnd.Intn(5) {
		case 0, 1: // insert or overwrite
			var k Pubkey
			if len(allKeys) > 0 && rnd.Intn(2) == 0 {
				k = allKeys[rnd.Intn(len(allKeys))]
			} else {
				k = newKey(rnd.Uint64())
				allKeys = append(allKeys, k)
			}
			values := randValues()
			rc := rnd.Uint64() % 1000
			ix := m.BucketIx(k)
			if err := m.Insert(ix, k, values, rc); err != nil {
				t.Fatalf("Insert: %v", err)
			}
			reference[k] = refEntry{values: values, refCount: rc}
		case 2: // delete
			if len(allKeys) == 0 {
				continue
			}
			i := rnd.Intn(len(allKeys))
			k := allKeys[i]
			m.Delete(k)
			delete(reference, k)
		case 3: // addref
			if len(allKeys) == 0 {
				continue
			}
			k := allKeys[rnd.Intn(len(allKeys))]
			ent, existed := reference[k]
			rc, ok := m.AddRef(k)
			if ok != existed {
				t.Fatalf("AddRef presence mismatch for %x: map=%v ref=%v", k, ok, existed)
			}
			if existed {
				ent.refCount++
				reference[k] = ent
				if rc != ent.refCount {
					t.Fatalf("AddRef = %d, want %d", rc, ent.refCount)
				}
			}
		case 4: // unref
			if len(allKeys) == 0 {
				continue
			}
			k := allKeys[rnd.Intn(len(allKeys))]
			ent, existed := reference[k]
			rc, ok := m.UnRef(k)
			if ok != existed {
				t.Fatalf("UnRef presence mismatch for %x: map=%v ref=%v", k, ok, existed)
			}
			if existed {
				if ent.refCount > 0 {
					ent.refCount--
				}
				reference[k] = ent
				if rc != ent.refCount {
					t.Fatalf("UnRef = %d, want %d", rc, ent.refCount)
				}
			}
		}

		if step%200 == 0 {
			verify()
		}
	}
	verify()
}
