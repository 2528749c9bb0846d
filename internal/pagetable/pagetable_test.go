package pagetable

import (
	"errors"
	"testing"
)

func newTestTable(t *testing.T) *SoftwareTable {
	t.Helper()

	pool := make([]uint64, 0, 4096)
	for i := uint64(0); i < 4096; i++ {
		pool = append(pool, i*PageSize)
	}

	idx := 0

	alloc := NewFrameAllocator(func(below4G bool, count uint64) ([]uint64, error) {
		out := make([]uint64, count)
		for i := range out {
			out[i] = pool[idx]
			idx++
		}

		return out, nil
	})

	return NewSoftwareTable(alloc)
}

func TestMapQueryRemap(t *testing.T) {
	tbl := newTestTable(t)

	if err := tbl.MapRegion(0x1000, 0x1000, 0x3); err != nil {
		t.Fatalf("MapRegion: %v", err)
	}

	mapped, bits, err := tbl.Query(0x1000)
	if err != nil || !mapped || bits != 0x3 {
		t.Fatalf("Query = (%v,%#x,%v), want (true,0x3,nil)", mapped, bits, err)
	}

	if err := tbl.RemapRegion(0x1000, 0x1000, 0x7); err != nil {
		t.Fatalf("RemapRegion: %v", err)
	}

	_, bits, _ = tbl.Query(0x1000)
	if bits != 0x7 {
		t.Fatalf("bits after remap = %#x, want 0x7", bits)
	}
}

func TestMapRegionRejectsOverlap(t *testing.T) {
	tbl := newTestTable(t)

	if err := tbl.MapRegion(0x1000, 0x1000, 0x3); err != nil {
		t.Fatal(err)
	}

	if err := tbl.MapRegion(0, 0x2000, 0x3); !errors.Is(err, ErrDesync) {
		t.Fatalf("got %v, want ErrDesync", err)
	}
}

func TestUnmapRegionLeavesSlivers(t *testing.T) {
	tbl := newTestTable(t)

	if err := tbl.MapRegion(0, 0x3000, 0x1); err != nil {
		t.Fatal(err)
	}

	if err := tbl.UnmapRegion(0x1000, 0x1000); err != nil {
		t.Fatalf("UnmapRegion: %v", err)
	}

	mapped, _, _ := tbl.Query(0)
	if !mapped {
		t.Error("expected [0,0x1000) still mapped")
	}

	mapped, _, _ = tbl.Query(0x1000)
	if mapped {
		t.Error("expected [0x1000,0x2000) unmapped")
	}

	mapped, _, _ = tbl.Query(0x2000)
	if !mapped {
		t.Error("expected [0x2000,0x3000) still mapped")
	}
}

func TestUnmapNotMappedIsNoOp(t *testing.T) {
	tbl := newTestTable(t)

	if err := tbl.UnmapRegion(0x5000, 0x1000); err != nil {
		t.Fatalf("UnmapRegion on unmapped range: %v", err)
	}
}

func TestFrameAllocatorRootPageFallsBackAbove4G(t *testing.T) {
	calls := 0

	alloc := NewFrameAllocator(func(below4G bool, count uint64) ([]uint64, error) {
		calls++

		if below4G {
			return nil, errNoFrames
		}

		return []uint64{0x1_0000_1000}, nil
	})

	addr, err := alloc.RootPage()
	if err != nil {
		t.Fatalf("RootPage: %v", err)
	}

	if addr != 0x1_0000_1000 {
		t.Fatalf("addr = %#x, want 0x100001000", addr)
	}

	if calls != 2 {
		t.Fatalf("calls = %d, want 2 (below4G then fallback)", calls)
	}

	if _, err := alloc.RootPage(); err == nil {
		t.Fatal("second RootPage call should fail (already allocated)")
	}
}

var errNoFrames = errors.New("no frames below 4G")
