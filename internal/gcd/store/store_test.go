package store

import (
	"errors"
	"math/rand"
	"testing"
)

func TestAddAndClosestIndex(t *testing.T) {
	s := New[string](16)

	keys := []uint64{0, 0x1000, 0x4000, 0x8000}
	for _, k := range keys {
		if _, err := s.Add(k, "v"); err != nil {
			t.Fatalf("Add(%#x): %v", k, err)
		}
	}

	cases := []struct {
		key  uint64
		want uint64
	}{
		{0, 0},
		{0x0500, 0},
		{0x1000, 0x1000},
		{0x3fff, 0x1000},
		{0x9000, 0x8000},
	}

	for _, c := range cases {
		idx := s.ClosestIndex(c.key)
		if idx == Nil {
			t.Fatalf("ClosestIndex(%#x): got Nil", c.key)
		}

		if got := s.Key(idx); got != c.want {
			t.Errorf("ClosestIndex(%#x) = %#x, want %#x", c.key, got, c.want)
		}
	}
}

func TestClosestIndexEmpty(t *testing.T) {
	s := New[int](4)
	if idx := s.ClosestIndex(0); idx != Nil {
		t.Errorf("ClosestIndex on empty store = %d, want Nil", idx)
	}
}

func TestFirstLastNextPrev(t *testing.T) {
	s := New[int](16)

	order := []uint64{5, 1, 9, 3, 7, 0, 4}
	for _, k := range order {
		if _, err := s.Add(k, int(k)); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	var got []uint64
	for idx := s.First(); idx != Nil; idx = s.Next(idx) {
		got = append(got, s.Key(idx))
	}

	want := []uint64{0, 1, 3, 4, 5, 7, 9}

	if len(got) != len(want) {
		t.Fatalf("ascending walk length = %d, want %d (%v)", len(got), len(want), got)
	}

	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ascending[%d] = %d, want %d", i, got[i], want[i])
		}
	}

	// Descending, via Last/Prev, should be the reverse.
	var rev []uint64
	for idx := s.Last(); idx != Nil; idx = s.Prev(idx) {
		rev = append(rev, s.Key(idx))
	}

	for i := range rev {
		if rev[i] != want[len(want)-1-i] {
			t.Errorf("descending[%d] = %d, want %d", i, rev[i], want[len(want)-1-i])
		}
	}
}

func TestDeleteReclaimsSlot(t *testing.T) {
	s := New[int](2)

	i0, err := s.Add(0, 0)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.Add(10, 10); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Add(20, 20); !errors.Is(err, ErrOutOfResources) {
		t.Fatalf("Add on full arena: got %v, want ErrOutOfResources", err)
	}

	s.Delete(i0)

	if _, err := s.Add(20, 20); err != nil {
		t.Fatalf("Add after Delete: %v", err)
	}
}

func TestAddDuplicateKeyErrors(t *testing.T) {
	s := New[int](4)

	if _, err := s.Add(1, 1); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Add(1, 2); err == nil {
		t.Fatal("Add with duplicate key: want error, got nil")
	}

	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", s.Len())
	}
}

// TestRandomizedOrdering exercises insert/delete under randomized sequences
// and checks the tree still enumerates in sorted order with the right size.
func TestRandomizedOrdering(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	s := New[int](DefaultCapacity)

	present := map[uint64]bool{}

	for i := 0; i < 2000; i++ {
		key := uint64(rng.Intn(500))

		if present[key] {
			idx := s.ClosestIndex(key)
			if idx != Nil && s.Key(idx) == key {
				s.Delete(idx)
				delete(present, key)
			}

			continue
		}

		if _, err := s.Add(key, 0); err != nil {
			t.Fatalf("Add(%d): %v", key, err)
		}

		present[key] = true
	}

	if s.Len() != len(present) {
		t.Fatalf("Len() = %d, want %d", s.Len(), len(present))
	}

	var last uint64
	first := true

	s.Ascending(func(_ int, key uint64, _ int) bool {
		if !first && key <= last {
			t.Fatalf("ascending order violated: %d after %d", key, last)
		}

		first = false
		last = key

		return true
	})
}
