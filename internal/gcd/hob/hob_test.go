package hob

import (
	"testing"

	"github.com/smoynes/elsie/internal/gcd"
)

func newTestMemorySpace(t *testing.T) *gcd.MemorySpace {
	t.Helper()

	m := gcd.NewMemorySpace()
	if err := m.Init(32); err != nil {
		t.Fatal(err)
	}

	return m
}

func TestIngestHOBListAddsResources(t *testing.T) {
	m := newTestMemorySpace(t)

	resources := []ResourceDescriptor{
		{Type: ResourceSystemMemory, PhysicalStart: 0, Length: 0x10000, ProducerAttributes: 0},
		{Type: ResourceMemoryMappedIo, PhysicalStart: 0xfee00000, Length: 0x1000},
	}

	if err := IngestHOBList(m, resources, nil); err != nil {
		t.Fatalf("IngestHOBList: %v", err)
	}

	desc, err := m.GetMemoryDescriptorForAddress(0)
	if err != nil {
		t.Fatal(err)
	}

	if desc.MemoryType != gcd.MemoryTypeSystemMemory {
		t.Errorf("MemoryType = %v, want SystemMemory", desc.MemoryType)
	}

	desc, err = m.GetMemoryDescriptorForAddress(0xfee00000)
	if err != nil {
		t.Fatal(err)
	}

	if desc.MemoryType != gcd.MemoryTypeMMIO {
		t.Errorf("MemoryType = %v, want MMIO", desc.MemoryType)
	}
}

func TestIngestHOBListAppliesAllocationDescriptors(t *testing.T) {
	m := newTestMemorySpace(t)

	resources := []ResourceDescriptor{
		{Type: ResourceSystemMemory, PhysicalStart: 0, Length: 0x100000},
	}

	// The first gcd.ArenaSizeBytes of the system memory range are allocated
	// to the self-hosted block-store arena, so the allocation sits above it.
	allocBase := gcd.ArenaSizeBytes + 0x2000

	allocations := []MemoryAllocationDescriptor{
		{BaseAddress: allocBase, Length: 0x1000, Owner: gcd.HandleDxeCore},
	}

	if err := IngestHOBList(m, resources, allocations); err != nil {
		t.Fatalf("IngestHOBList: %v", err)
	}

	desc, err := m.GetMemoryDescriptorForAddress(allocBase)
	if err != nil {
		t.Fatal(err)
	}

	if desc.ImageHandle != gcd.HandleDxeCore {
		t.Errorf("ImageHandle = %v, want HandleDxeCore", desc.ImageHandle)
	}
}

func TestIngestHOBListContinuesPastBadDescriptor(t *testing.T) {
	m := newTestMemorySpace(t)

	resources := []ResourceDescriptor{
		{Type: ResourceSystemMemory, PhysicalStart: 0, Length: 0x1000},
		{Type: ResourceSystemMemory, PhysicalStart: 0, Length: 0x1000}, // duplicate: will fail.
		{Type: ResourceMemoryReserved, PhysicalStart: 0x2000, Length: 0x1000},
	}

	err := IngestHOBList(m, resources, nil)
	if err == nil {
		t.Fatal("want error from the duplicate resource descriptor")
	}

	desc, derr := m.GetMemoryDescriptorForAddress(0x2000)
	if derr != nil {
		t.Fatal(derr)
	}

	if desc.MemoryType != gcd.MemoryTypeReserved {
		t.Errorf("later descriptor was skipped after earlier failure: MemoryType = %v, want Reserved", desc.MemoryType)
	}
}
