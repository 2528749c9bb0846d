package block

import "fmt"

// MemoryTransitions holds constructors for the memory-space transitions of
// spec §4.1's legality table. Each returns a Transition[MemoryBlock] closed
// over its arguments.
var MemoryTransitions memoryTransitions

type memoryTransitions struct{}

// Add transitions an Unallocated(NonExistent) block to
// Unallocated(type, caps, attrs, owners=0).
func (memoryTransitions) Add(memType MemoryType, caps, attrs uint64) Transition[MemoryBlock] {
	return func(b MemoryBlock) (MemoryBlock, error) {
		if b.State != Unallocated || b.Descriptor.MemoryType != MemoryTypeNonExistent {
			return b, fmt.Errorf("%w: add: block is not Unallocated(NonExistent)", ErrPrecondition)
		}

		b.Descriptor.MemoryType = memType
		b.Descriptor.Capabilities = caps
		b.Descriptor.Attributes = attrs
		b.Descriptor.ImageHandle = HandleNone
		b.Descriptor.DeviceHandle = HandleNone

		return b, nil
	}
}

// Remove transitions an Unallocated, non-NonExistent block back to
// Unallocated(NonExistent, 0, 0, 0).
func (memoryTransitions) Remove() Transition[MemoryBlock] {
	return func(b MemoryBlock) (MemoryBlock, error) {
		if b.State != Unallocated {
			return b, fmt.Errorf("%w: remove: block is allocated", ErrPrecondition)
		}

		if b.Descriptor.MemoryType == MemoryTypeNonExistent {
			return b, fmt.Errorf("%w: remove: block is already NonExistent", ErrPrecondition)
		}

		b.Descriptor.MemoryType = MemoryTypeNonExistent
		b.Descriptor.Capabilities = 0
		b.Descriptor.Attributes = 0
		b.Descriptor.ImageHandle = HandleNone
		b.Descriptor.DeviceHandle = HandleNone

		return b, nil
	}
}

// Allocate transitions an Unallocated block (any non-NonExistent type) to
// Allocated, recording the owner handles.
func (memoryTransitions) Allocate(img, dev Handle) Transition[MemoryBlock] {
	return func(b MemoryBlock) (MemoryBlock, error) {
		if b.State != Unallocated || b.Descriptor.MemoryType == MemoryTypeNonExistent {
			return b, fmt.Errorf("%w: allocate: block is not Unallocated", ErrPrecondition)
		}

		b.State = Allocated
		b.Descriptor.ImageHandle = img
		b.Descriptor.DeviceHandle = dev

		return b, nil
	}
}

// AllocateRespectingOwnership is Allocate, but additionally requires that if
// the block already records a non-zero image handle, it equals img.
func (memoryTransitions) AllocateRespectingOwnership(img, dev Handle) Transition[MemoryBlock] {
	allocate := MemoryTransitions.Allocate(img, dev)

	return func(b MemoryBlock) (MemoryBlock, error) {
		if b.Descriptor.ImageHandle != HandleNone && b.Descriptor.ImageHandle != img {
			return b, fmt.Errorf("%w: allocate: owned by another image", ErrPrecondition)
		}

		return allocate(b)
	}
}

// Free transitions an Allocated block to Unallocated, clearing the
// access-control attribute bits and owners.
func (memoryTransitions) Free() Transition[MemoryBlock] {
	return func(b MemoryBlock) (MemoryBlock, error) {
		if b.State != Allocated {
			return b, fmt.Errorf("%w: free: block is not Allocated", ErrPrecondition)
		}

		b.State = Unallocated
		b.Descriptor.Attributes &^= AccessAttributeMask
		b.Descriptor.ImageHandle = HandleNone
		b.Descriptor.DeviceHandle = HandleNone

		return b, nil
	}
}

// FreePreservingOwnership is Free but retains the owner handles and the full
// attribute set.
func (memoryTransitions) FreePreservingOwnership() Transition[MemoryBlock] {
	return func(b MemoryBlock) (MemoryBlock, error) {
		if b.State != Allocated {
			return b, fmt.Errorf("%w: free: block is not Allocated", ErrPrecondition)
		}

		b.State = Unallocated

		return b, nil
	}
}

// SetAttributes transitions attrs, preserving state, provided attrs is a
// subset of the block's capabilities.
func (memoryTransitions) SetAttributes(attrs uint64) Transition[MemoryBlock] {
	return func(b MemoryBlock) (MemoryBlock, error) {
		if attrs&^b.Descriptor.Capabilities != 0 {
			return b, fmt.Errorf("%w: attributes %#x exceed capabilities %#x",
				ErrIncapable, attrs, b.Descriptor.Capabilities)
		}

		b.Descriptor.Attributes = attrs

		return b, nil
	}
}

// SetCapabilities transitions caps, preserving state, provided the block's
// current attributes remain a subset of caps.
func (memoryTransitions) SetCapabilities(caps uint64) Transition[MemoryBlock] {
	return func(b MemoryBlock) (MemoryBlock, error) {
		if b.Descriptor.Attributes&^caps != 0 {
			return b, fmt.Errorf("%w: attributes %#x exceed proposed capabilities %#x",
				ErrIncapable, b.Descriptor.Attributes, caps)
		}

		b.Descriptor.Capabilities = caps

		return b, nil
	}
}
