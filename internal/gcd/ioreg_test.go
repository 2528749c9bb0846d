package gcd

import (
	"errors"
	"testing"
)

func TestIoSpaceAddLazilyInitializes(t *testing.T) {
	i := NewIoSpace()

	if err := i.AddIoSpace(IoTypeIo, 0x3f8, 8); err != nil {
		t.Fatalf("AddIoSpace on uninitialized space: %v", err)
	}

	desc, err := i.GetIoDescriptorForAddress(0x3f8)
	if err != nil {
		t.Fatal(err)
	}

	if desc.IoType != IoTypeIo {
		t.Fatalf("IoType = %v, want IoTypeIo", desc.IoType)
	}
}

func TestIoSpaceAllocateFree(t *testing.T) {
	i := NewIoSpace()

	if err := i.Init(0x10000); err != nil {
		t.Fatal(err)
	}

	if err := i.AddIoSpace(IoTypeIo, 0x3f8, 8); err != nil {
		t.Fatal(err)
	}

	base, err := i.AllocateIoSpace(BottomUp, nil, IoTypeIo, 0, 8, HandleDxeCore, HandleNone)
	if err != nil {
		t.Fatalf("AllocateIoSpace: %v", err)
	}

	if base != 0x3f8 {
		t.Fatalf("base = %#x, want 0x3f8", base)
	}

	if err := i.FreeIoSpace(base, 8); err != nil {
		t.Fatalf("FreeIoSpace: %v", err)
	}

	desc, err := i.GetIoDescriptorForAddress(base)
	if err != nil {
		t.Fatal(err)
	}

	if desc.ImageHandle != HandleNone {
		t.Fatalf("ImageHandle after free = %v, want HandleNone", desc.ImageHandle)
	}
}

func TestIoSpaceRemoveRequiresUnallocated(t *testing.T) {
	i := NewIoSpace()
	if err := i.Init(0x10000); err != nil {
		t.Fatal(err)
	}

	if err := i.AddIoSpace(IoTypeIo, 0, 0x10); err != nil {
		t.Fatal(err)
	}

	base, err := i.AllocateIoSpace(BottomUp, nil, IoTypeIo, 0, 0x10, HandleDxeCore, HandleNone)
	if err != nil {
		t.Fatal(err)
	}

	if err := i.RemoveIoSpace(base, 0x10); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("RemoveIoSpace on Allocated range: got %v, want ErrAccessDenied", err)
	}
}

func TestIoSpaceUninitializedFreeReturnsNotReady(t *testing.T) {
	i := NewIoSpace()

	if err := i.FreeIoSpace(0, 8); !errors.Is(err, ErrNotReady) {
		t.Fatalf("got %v, want ErrNotReady", err)
	}
}
