// Package block defines the value types stored in a GCD's block store — the
// descriptors, their Unallocated/Allocated states, and the split/merge
// engine that mutates them (spec §3, §4.1, §4.4).
package block

import "fmt"

// Handle is an opaque owner identifier. Zero means "no owner".
type Handle uint64

// Well-known owner handles, installed before any allocation (spec §6.4).
const (
	HandleNone Handle = iota
	HandleDxeCore
	HandleReservedMemoryAllocator
	HandleEfiLoaderCodeAllocator
	HandleEfiLoaderDataAllocator
	HandleEfiBootServicesCodeAllocator
	HandleEfiBootServicesDataAllocator
	HandleEfiRuntimeServicesCodeAllocator
	HandleEfiRuntimeServicesDataAllocator
	HandleEfiAcpiReclaimMemoryAllocator
	HandleEfiAcpiMemoryNvsAllocator
)

// MemoryType classifies a memory space range (spec §3).
type MemoryType uint8

const (
	MemoryTypeNonExistent MemoryType = iota
	MemoryTypeReserved
	MemoryTypeSystemMemory
	MemoryTypeMemoryMappedIo
	MemoryTypePersistent
	MemoryTypeMoreReliable
	MemoryTypeUnaccepted
)

func (t MemoryType) String() string {
	switch t {
	case MemoryTypeNonExistent:
		return "NonExistent"
	case MemoryTypeReserved:
		return "Reserved"
	case MemoryTypeSystemMemory:
		return "SystemMemory"
	case MemoryTypeMemoryMappedIo:
		return "MemoryMappedIo"
	case MemoryTypePersistent:
		return "Persistent"
	case MemoryTypeMoreReliable:
		return "MoreReliable"
	case MemoryTypeUnaccepted:
		return "Unaccepted"
	default:
		return fmt.Sprintf("MemoryType(%d)", uint8(t))
	}
}

// IoType classifies an I/O space range (spec §3).
type IoType uint8

const (
	IoTypeNonExistent IoType = iota
	IoTypeReserved
	IoTypeIo
)

func (t IoType) String() string {
	switch t {
	case IoTypeNonExistent:
		return "NonExistent"
	case IoTypeReserved:
		return "Reserved"
	case IoTypeIo:
		return "Io"
	default:
		return fmt.Sprintf("IoType(%d)", uint8(t))
	}
}

// Capability and attribute bits (a practical subset of the UEFI memory
// attribute bitmask relevant to GCD policy; spec §3, §4.2, §4.5).
const (
	MemoryUC  uint64 = 1 << 0 // Uncacheable.
	MemoryWC  uint64 = 1 << 1 // Write-combining.
	MemoryWT  uint64 = 1 << 2 // Write-through.
	MemoryWB  uint64 = 1 << 3 // Write-back.
	MemoryRP  uint64 = 1 << 12
	MemoryWP  uint64 = 1 << 13
	MemoryXP  uint64 = 1 << 14
	MemoryRO  uint64 = 1 << 17
	MemoryRuntime uint64 = 1 << 19
	MemoryIsaValid uint64 = 1 << 30

	// CacheAttributeMask selects the cacheability bits of an attribute set.
	CacheAttributeMask = MemoryUC | MemoryWC | MemoryWT | MemoryWB

	// AccessAttributeMask selects the access-control bits of an attribute
	// set (the bits a call to Free clears, spec §4.1's Free transition).
	AccessAttributeMask = MemoryRP | MemoryWP | MemoryXP | MemoryRO

	// MemoryAccessMask is the full set of software-defined access bits
	// granted as capabilities to any newly added range (spec §4.2).
	MemoryAccessMask = AccessAttributeMask
)

// State is whether a block's range is free for allocation or already
// allocated to an owner.
type State uint8

const (
	Unallocated State = iota
	Allocated
)

func (s State) String() string {
	if s == Allocated {
		return "Allocated"
	}

	return "Unallocated"
}

// MemorySpaceDescriptor is the fixed-layout value record associated with a
// memory GCD block (spec §3).
type MemorySpaceDescriptor struct {
	BaseAddress  uint64
	Length       uint64
	MemoryType   MemoryType
	Capabilities uint64
	Attributes   uint64
	ImageHandle  Handle
	DeviceHandle Handle
}

func (d MemorySpaceDescriptor) End() uint64 { return d.BaseAddress + d.Length }

// MemoryBlock is a tagged-union value: a descriptor plus its allocation
// state.
type MemoryBlock struct {
	State      State
	Descriptor MemorySpaceDescriptor
}

func (b MemoryBlock) String() string {
	return fmt.Sprintf("[%#010x,%#010x) %s %s caps=%#x attrs=%#x img=%d dev=%d",
		b.Descriptor.BaseAddress, b.Descriptor.End(), b.State, b.Descriptor.MemoryType,
		b.Descriptor.Capabilities, b.Descriptor.Attributes,
		b.Descriptor.ImageHandle, b.Descriptor.DeviceHandle)
}

// Equivalent reports whether two blocks share state, type, capabilities,
// attributes and owners — the canonical-form test that governs coalescing
// (spec §3 invariants, §4.1 "Coalescing").
func (b MemoryBlock) Equivalent(o MemoryBlock) bool {
	return b.State == o.State &&
		b.Descriptor.MemoryType == o.Descriptor.MemoryType &&
		b.Descriptor.Capabilities == o.Descriptor.Capabilities &&
		b.Descriptor.Attributes == o.Descriptor.Attributes &&
		b.Descriptor.ImageHandle == o.Descriptor.ImageHandle &&
		b.Descriptor.DeviceHandle == o.Descriptor.DeviceHandle
}

// WithRange returns a copy of b covering [base, base+length) with the same
// state/type/caps/attrs/owners — used to build the head/tail siblings that
// inherit the original block's descriptor (spec §4.1).
func (b MemoryBlock) WithRange(base, length uint64) MemoryBlock {
	b.Descriptor.BaseAddress = base
	b.Descriptor.Length = length

	return b
}

// IoSpaceDescriptor is the I/O space analogue of MemorySpaceDescriptor (spec
// §3); it carries no capabilities or attributes.
type IoSpaceDescriptor struct {
	BaseAddress  uint64
	Length       uint64
	IoType       IoType
	ImageHandle  Handle
	DeviceHandle Handle
}

func (d IoSpaceDescriptor) End() uint64 { return d.BaseAddress + d.Length }

// IoBlock is the I/O space analogue of MemoryBlock.
type IoBlock struct {
	State      State
	Descriptor IoSpaceDescriptor
}

func (b IoBlock) String() string {
	return fmt.Sprintf("[%#06x,%#06x) %s %s img=%d dev=%d",
		b.Descriptor.BaseAddress, b.Descriptor.End(), b.State, b.Descriptor.IoType,
		b.Descriptor.ImageHandle, b.Descriptor.DeviceHandle)
}

func (b IoBlock) Equivalent(o IoBlock) bool {
	return b.State == o.State &&
		b.Descriptor.IoType == o.Descriptor.IoType &&
		b.Descriptor.ImageHandle == o.Descriptor.ImageHandle &&
		b.Descriptor.DeviceHandle == o.Descriptor.DeviceHandle
}

func (b IoBlock) WithRange(base, length uint64) IoBlock {
	b.Descriptor.BaseAddress = base
	b.Descriptor.Length = length

	return b
}
