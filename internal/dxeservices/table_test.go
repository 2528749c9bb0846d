package dxeservices

import (
	"testing"

	"github.com/smoynes/elsie/internal/gcd"
	"github.com/smoynes/elsie/internal/gcd/facade"
)

func newTestDomain(t *testing.T) *facade.Domain {
	t.Helper()

	d := facade.New(nil, gcd.WithCompatibilityMode())
	if err := d.Memory.Init(32); err != nil {
		t.Fatal(err)
	}

	if err := d.Io.Init(0x10000); err != nil {
		t.Fatal(err)
	}

	return d
}

func TestTableSealAndVerify(t *testing.T) {
	tbl := New(newTestDomain(t))

	if !tbl.Verify() {
		t.Fatal("freshly sealed table should verify")
	}

	tbl.header.Reserved = 1 // simulate corruption of a field covered by the CRC.

	if tbl.Verify() {
		t.Fatal("corrupted table should not verify")
	}
}

func TestTableAllocateMemorySpaceRequiresBaseAddressPointer(t *testing.T) {
	tbl := New(newTestDomain(t))

	_, err := tbl.AllocateMemorySpace(AllocateAnySearchBottomUp, gcd.MemoryTypeSystemMemory, 0, 0x1000, nil, gcd.HandleDxeCore, gcd.HandleNone)
	if err == nil {
		t.Fatal("want error for nil base_address pointer")
	}
}

func TestTableAllocateMemorySpaceRoundTrip(t *testing.T) {
	domain := newTestDomain(t)

	if err := domain.Memory.AddMemorySpace(gcd.MemoryTypeSystemMemory, 0, 0x10000, gcd.MemoryWB); err != nil {
		t.Fatal(err)
	}

	tbl := New(domain)

	var base uint64

	addr, err := tbl.AllocateMemorySpace(AllocateAnySearchBottomUp, gcd.MemoryTypeSystemMemory, 0, 0x1000, &base, gcd.HandleDxeCore, gcd.HandleNone)
	if err != nil {
		t.Fatalf("AllocateMemorySpace: %v", err)
	}

	if addr != base {
		t.Fatalf("returned addr %#x != out-param base %#x", addr, base)
	}
}

func TestWellKnownHandlesAndMemoryTypeInformationSizes(t *testing.T) {
	if len(WellKnownHandles) != 10 {
		t.Fatalf("len(WellKnownHandles) = %d, want 10", len(WellKnownHandles))
	}

	if len(DefaultMemoryTypeInformation) != 17 {
		t.Fatalf("len(DefaultMemoryTypeInformation) = %d, want 17", len(DefaultMemoryTypeInformation))
	}
}
