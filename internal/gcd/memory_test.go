package gcd

import (
	"errors"
	"testing"
)

func newTestMemorySpace(t *testing.T) *MemorySpace {
	t.Helper()

	m := NewMemorySpace()
	if err := m.Init(32); err != nil {
		t.Fatal(err)
	}

	return m
}

func TestMemorySpaceUninitializedReturnsNotReady(t *testing.T) {
	m := NewMemorySpace()

	if err := m.AddMemorySpace(MemoryTypeSystemMemory, 0, 0x1000, 0); !errors.Is(err, ErrNotReady) {
		t.Fatalf("got %v, want ErrNotReady", err)
	}
}

func TestAddAllocateFreeMemorySpace(t *testing.T) {
	m := newTestMemorySpace(t)

	if err := m.AddMemorySpace(MemoryTypeSystemMemory, 0x10_0000, 0x10_0000, MemoryWB); err != nil {
		t.Fatalf("AddMemorySpace: %v", err)
	}

	base, err := m.AllocateMemorySpace(BottomUp, nil, MemoryTypeSystemMemory, 0, 0x1000, HandleDxeCore, HandleNone)
	if err != nil {
		t.Fatalf("AllocateMemorySpace: %v", err)
	}

	if base < 0x10_0000 {
		t.Fatalf("base = %#x, want >= 0x100000", base)
	}

	desc, err := m.GetMemoryDescriptorForAddress(base)
	if err != nil {
		t.Fatal(err)
	}

	if desc.ImageHandle != HandleDxeCore {
		t.Fatalf("ImageHandle = %v, want HandleDxeCore", desc.ImageHandle)
	}

	if err := m.FreeMemorySpace(base, 0x1000); err != nil {
		t.Fatalf("FreeMemorySpace: %v", err)
	}

	desc, err = m.GetMemoryDescriptorForAddress(base)
	if err != nil {
		t.Fatal(err)
	}

	if desc.ImageHandle != HandleNone {
		t.Fatalf("ImageHandle after free = %v, want HandleNone", desc.ImageHandle)
	}
}

func TestLockMemorySpaceRejectsAllocateSilentlySucceedsFree(t *testing.T) {
	m := newTestMemorySpace(t)

	if err := m.AddMemorySpace(MemoryTypeSystemMemory, 0x10_0000, 0x10_0000, MemoryWB); err != nil {
		t.Fatalf("AddMemorySpace: %v", err)
	}

	base, err := m.AllocateMemorySpace(BottomUp, nil, MemoryTypeSystemMemory, 0, 0x1000, HandleDxeCore, HandleNone)
	if err != nil {
		t.Fatalf("AllocateMemorySpace: %v", err)
	}

	if m.Locked() {
		t.Fatal("Locked() = true before LockMemorySpace")
	}

	m.LockMemorySpace()

	if !m.Locked() {
		t.Fatal("Locked() = false after LockMemorySpace")
	}

	if _, err := m.AllocateMemorySpace(BottomUp, nil, MemoryTypeSystemMemory, 0, 0x1000, HandleDxeCore, HandleNone); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("AllocateMemorySpace while locked: got %v, want ErrAccessDenied", err)
	}

	if err := m.FreeMemorySpace(base, 0x1000); err != nil {
		t.Fatalf("FreeMemorySpace while locked: got %v, want nil (silent success)", err)
	}

	desc, err := m.GetMemoryDescriptorForAddress(base)
	if err != nil {
		t.Fatal(err)
	}

	if desc.ImageHandle != HandleDxeCore {
		t.Fatalf("ImageHandle after locked free = %v, want HandleDxeCore (free was a no-op)", desc.ImageHandle)
	}
}

func TestUnlockMemorySpaceRestoresAllocateAndFree(t *testing.T) {
	m := newTestMemorySpace(t)

	if err := m.AddMemorySpace(MemoryTypeSystemMemory, 0x10_0000, 0x10_0000, MemoryWB); err != nil {
		t.Fatalf("AddMemorySpace: %v", err)
	}

	m.LockMemorySpace()
	m.UnlockMemorySpace()

	if m.Locked() {
		t.Fatal("Locked() = true after UnlockMemorySpace")
	}

	base, err := m.AllocateMemorySpace(BottomUp, nil, MemoryTypeSystemMemory, 0, 0x1000, HandleDxeCore, HandleNone)
	if err != nil {
		t.Fatalf("AllocateMemorySpace after unlock: %v", err)
	}

	if err := m.FreeMemorySpace(base, 0x1000); err != nil {
		t.Fatalf("FreeMemorySpace after unlock: %v", err)
	}

	desc, err := m.GetMemoryDescriptorForAddress(base)
	if err != nil {
		t.Fatal(err)
	}

	if desc.ImageHandle != HandleNone {
		t.Fatalf("ImageHandle after unlocked free = %v, want HandleNone", desc.ImageHandle)
	}
}

func TestAllocateAddressStrategyExactBase(t *testing.T) {
	m := newTestMemorySpace(t)

	if err := m.AddMemorySpace(MemoryTypeSystemMemory, 0x1000, 0x4000, MemoryWB); err != nil {
		t.Fatal(err)
	}

	bound := uint64(0x2000)

	base, err := m.AllocateMemorySpace(Address, &bound, MemoryTypeSystemMemory, 0, 0x1000, HandleDxeCore, HandleNone)
	if err != nil {
		t.Fatalf("AllocateMemorySpace(Address): %v", err)
	}

	if base != 0x2000 {
		t.Fatalf("base = %#x, want 0x2000", base)
	}
}

func TestAllocateOutOfResourcesWhenNoCandidate(t *testing.T) {
	m := newTestMemorySpace(t)

	if err := m.AddMemorySpace(MemoryTypeSystemMemory, 0x1000, 0x1000, MemoryWB); err != nil {
		t.Fatal(err)
	}

	_, err := m.AllocateMemorySpace(BottomUp, nil, MemoryTypeSystemMemory, 0, 0x10000, HandleDxeCore, HandleNone)
	if !errors.Is(err, ErrOutOfResources) {
		t.Fatalf("got %v, want ErrOutOfResources", err)
	}
}

func TestSetAttributesSpanningMultipleDescriptors(t *testing.T) {
	m := newTestMemorySpace(t)

	if err := m.AddMemorySpace(MemoryTypeSystemMemory, 0, 0x2000, MemoryWB|MemoryXP); err != nil {
		t.Fatal(err)
	}

	if _, err := m.AllocateMemorySpace(Address, addr(0), MemoryTypeSystemMemory, 0, 0x1000, HandleDxeCore, HandleNone); err != nil {
		t.Fatal(err)
	}

	if err := m.SetMemorySpaceAttributes(0, 0x2000, MemoryWB); err != nil {
		t.Fatalf("SetMemorySpaceAttributes: %v", err)
	}

	descs, err := m.GetMemoryDescriptors()
	if err != nil {
		t.Fatal(err)
	}

	var total uint64
	for _, d := range descs {
		if d.MemoryType == MemoryTypeSystemMemory {
			if d.Attributes != MemoryWB {
				t.Errorf("descriptor [%#x,%#x) attrs = %#x, want %#x", d.BaseAddress, d.End(), d.Attributes, uint64(MemoryWB))
			}

			total += d.Length
		}
	}

	if total != 0x2000 {
		t.Fatalf("total covered length = %#x, want 0x2000", total)
	}
}

func TestAddMemorySpaceSelfHostsArena(t *testing.T) {
	m := newTestMemorySpace(t)

	if err := m.AddMemorySpace(MemoryTypeSystemMemory, 0, ArenaSizeBytes*2, MemoryWB); err != nil {
		t.Fatal(err)
	}

	desc, err := m.GetMemoryDescriptorForAddress(0)
	if err != nil {
		t.Fatal(err)
	}

	if desc.ImageHandle != HandleReservedMemoryAllocator {
		t.Fatalf("ImageHandle = %v, want HandleReservedMemoryAllocator", desc.ImageHandle)
	}
}

func addr(v uint64) *uint64 { return &v }
