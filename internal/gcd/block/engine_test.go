package block

import (
	"errors"
	"testing"

	"github.com/smoynes/elsie/internal/gcd/store"
)

func newMemoryStore(t *testing.T, maxAddr uint64) (*store.Store[MemoryBlock], int) {
	t.Helper()

	st := store.New[MemoryBlock](64)
	idx, err := st.Add(0, MemoryBlock{
		State: Unallocated,
		Descriptor: MemorySpaceDescriptor{
			BaseAddress: 0,
			Length:      maxAddr,
			MemoryType:  MemoryTypeNonExistent,
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	return st, idx
}

func TestSplitMiddleThenMerge(t *testing.T) {
	st, root := newMemoryStore(t, 0x10000)

	idx, err := Split(st, root, 0, 0x10000, MemoryTransitions.Add(MemoryTypeSystemMemory, MemoryWB, 0))
	if err != nil {
		t.Fatalf("add whole range: %v", err)
	}

	idx = st.ClosestIndex(0x4000)
	idx, err = Split(st, idx, 0x4000, 0x2000, MemoryTransitions.Allocate(1, 0))
	if err != nil {
		t.Fatalf("allocate middle: %v", err)
	}

	if st.Len() != 3 {
		t.Fatalf("after middle split: Len() = %d, want 3", st.Len())
	}

	idx = st.ClosestIndex(0x4000)

	_, err = Split(st, idx, 0x4000, 0x2000, MemoryTransitions.Free())
	if err != nil {
		t.Fatalf("free middle: %v", err)
	}

	if st.Len() != 1 {
		t.Fatalf("after free+merge: Len() = %d, want 1 (got blocks below)", st.Len())
	}

	root = st.First()
	b := st.Value(root)

	if b.Descriptor.BaseAddress != 0 || b.Descriptor.Length != 0x10000 {
		t.Errorf("merged block = [%#x,%#x), want [0,0x10000)", b.Descriptor.BaseAddress, b.Descriptor.End())
	}
}

func TestCoalesceAdjacentAdds(t *testing.T) {
	st, root := newMemoryStore(t, 0x3000)

	idx, err := Split(st, root, 0, 0x1000, MemoryTransitions.Add(MemoryTypeSystemMemory, MemoryWB, 0))
	if err != nil {
		t.Fatal(err)
	}

	idx = st.ClosestIndex(0x1000)

	idx, err = Split(st, idx, 0x1000, 0x1000, MemoryTransitions.Add(MemoryTypeSystemMemory, MemoryWB, 0))
	if err != nil {
		t.Fatal(err)
	}

	if st.Len() != 2 {
		t.Fatalf("Len() = %d, want 2 (merged across the add boundary)", st.Len())
	}

	b := st.Value(idx)
	if b.Descriptor.BaseAddress != 0 || b.Descriptor.Length != 0x2000 {
		t.Errorf("merged range = [%#x,%#x), want [0,0x2000)", b.Descriptor.BaseAddress, b.Descriptor.End())
	}
}

func TestSplitOutOfRangeRejected(t *testing.T) {
	st, root := newMemoryStore(t, 0x1000)

	_, err := Split(st, root, 0x0800, 0x1000, MemoryTransitions.Add(MemoryTypeSystemMemory, MemoryWB, 0))
	if !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("got %v, want ErrOutOfRange", err)
	}
}

func TestSplitRollsBackOnArenaExhaustion(t *testing.T) {
	st := store.New[MemoryBlock](1) // Room for exactly the root; any split needs a 2nd slot.

	root, err := st.Add(0, MemoryBlock{
		Descriptor: MemorySpaceDescriptor{BaseAddress: 0, Length: 0x1000, MemoryType: MemoryTypeNonExistent},
	})
	if err != nil {
		t.Fatal(err)
	}

	before := st.Value(root)

	_, err = Split(st, root, 0x0800, 0x0800, MemoryTransitions.Add(MemoryTypeSystemMemory, MemoryWB, 0))
	if err == nil {
		t.Fatal("want error from exhausted arena, got nil")
	}

	after := st.Value(root)
	if after != before {
		t.Fatalf("store mutated despite rollback: before=%+v after=%+v", before, after)
	}

	if st.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 after rollback", st.Len())
	}
}

func TestSetAttributesRejectsExcessCapability(t *testing.T) {
	st, root := newMemoryStore(t, 0x1000)

	idx, err := Split(st, root, 0, 0x1000, MemoryTransitions.Add(MemoryTypeSystemMemory, MemoryWB, 0))
	if err != nil {
		t.Fatal(err)
	}

	_, err = Split(st, idx, 0, 0x1000, MemoryTransitions.SetAttributes(MemoryXP))
	if !errors.Is(err, ErrIncapable) {
		t.Fatalf("got %v, want ErrIncapable", err)
	}
}
