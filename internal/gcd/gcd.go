// Package gcd implements the Global Coherency Domain: the process-wide
// partition of physical memory and I/O port address spaces into typed,
// attribute-tagged blocks, and the allocate/free/attribute-change
// operations mediated against those partitions.
//
// The memory space (MemorySpace) and I/O space (IoSpace) share the same
// split/merge engine (internal/gcd/block) over the same ordered block store
// (internal/gcd/store); MemorySpace additionally carries capability and
// attribute bitmasks and couples to a hardware page table, per spec §4.2 vs
// §4.3.
package gcd

import (
	"fmt"

	"github.com/smoynes/elsie/internal/gcd/block"
)

// UEFIPageSize is the page granularity all memory-space base addresses and
// lengths must respect for attribute/capability operations (spec §3).
const UEFIPageSize uint64 = 4096

// AlignUp rounds addr up to the next multiple of align (align must be a
// power of two).
func AlignUp(addr, align uint64) uint64 {
	return (addr + align - 1) &^ (align - 1)
}

// AlignDown rounds addr down to the previous multiple of align.
func AlignDown(addr, align uint64) uint64 {
	return addr &^ (align - 1)
}

// pageAligned reports whether both base and length are multiples of
// UEFIPageSize (spec §3 "Page alignment (memory GCD)").
func pageAligned(base, length uint64) bool {
	return base%UEFIPageSize == 0 && length%UEFIPageSize == 0
}

// AllocateStrategy selects how AllocateMemorySpace / AllocateIoSpace choose
// a candidate address (spec §4.1 "Ordering / tie-breaks").
type AllocateStrategy int

const (
	// BottomUp searches ascending base addresses. A non-nil Bound caps the
	// highest address the returned range may end at.
	BottomUp AllocateStrategy = iota
	// TopDown searches descending base addresses. A non-nil Bound caps the
	// highest address the returned range may end at.
	TopDown
	// Address requires the range to start at exactly Bound.
	Address
)

func (s AllocateStrategy) String() string {
	switch s {
	case BottomUp:
		return "BottomUp"
	case TopDown:
		return "TopDown"
	case Address:
		return "Address"
	default:
		return fmt.Sprintf("AllocateStrategy(%d)", int(s))
	}
}

// MutationTag identifies which public operation produced a callback
// invocation (spec §4.9).
type MutationTag int

const (
	TagAddMemorySpace MutationTag = iota
	TagRemoveMemorySpace
	TagAllocateMemorySpace
	TagFreeMemorySpace
	TagSetMemoryAttributes
	TagSetMemoryCapabilities
	TagAddIoSpace
	TagRemoveIoSpace
	TagAllocateIoSpace
	TagFreeIoSpace
)

func (t MutationTag) String() string {
	names := [...]string{
		"AddMemorySpace", "RemoveMemorySpace", "AllocateMemorySpace", "FreeMemorySpace",
		"SetMemoryAttributes", "SetMemoryCapabilities",
		"AddIoSpace", "RemoveIoSpace", "AllocateIoSpace", "FreeIoSpace",
	}
	if int(t) < len(names) {
		return names[t]
	}

	return fmt.Sprintf("MutationTag(%d)", int(t))
}

// block re-exports so callers of this package rarely need to import
// internal/gcd/block directly for the common vocabulary.
type (
	MemoryType            = block.MemoryType
	IoType                = block.IoType
	Handle                = block.Handle
	MemorySpaceDescriptor = block.MemorySpaceDescriptor
	IoSpaceDescriptor     = block.IoSpaceDescriptor
	MemoryBlock           = block.MemoryBlock
	IoBlock               = block.IoBlock
)

const (
	MemoryTypeNonExistent  = block.MemoryTypeNonExistent
	MemoryTypeReserved     = block.MemoryTypeReserved
	MemoryTypeSystemMemory = block.MemoryTypeSystemMemory
	MemoryTypeMMIO         = block.MemoryTypeMemoryMappedIo
	MemoryTypePersistent   = block.MemoryTypePersistent
	MemoryTypeMoreReliable = block.MemoryTypeMoreReliable
	MemoryTypeUnaccepted   = block.MemoryTypeUnaccepted

	IoTypeNonExistent = block.IoTypeNonExistent
	IoTypeReserved    = block.IoTypeReserved
	IoTypeIo          = block.IoTypeIo

	HandleNone                            = block.HandleNone
	HandleDxeCore                         = block.HandleDxeCore
	HandleReservedMemoryAllocator         = block.HandleReservedMemoryAllocator
	HandleEfiLoaderCodeAllocator          = block.HandleEfiLoaderCodeAllocator
	HandleEfiLoaderDataAllocator          = block.HandleEfiLoaderDataAllocator
	HandleEfiBootServicesCodeAllocator    = block.HandleEfiBootServicesCodeAllocator
	HandleEfiBootServicesDataAllocator    = block.HandleEfiBootServicesDataAllocator
	HandleEfiRuntimeServicesCodeAllocator = block.HandleEfiRuntimeServicesCodeAllocator
	HandleEfiRuntimeServicesDataAllocator = block.HandleEfiRuntimeServicesDataAllocator
	HandleEfiAcpiReclaimMemoryAllocator   = block.HandleEfiAcpiReclaimMemoryAllocator
	HandleEfiAcpiMemoryNvsAllocator       = block.HandleEfiAcpiMemoryNvsAllocator

	MemoryUC       = block.MemoryUC
	MemoryWC       = block.MemoryWC
	MemoryWT       = block.MemoryWT
	MemoryWB       = block.MemoryWB
	MemoryRP       = block.MemoryRP
	MemoryWP       = block.MemoryWP
	MemoryXP       = block.MemoryXP
	MemoryRO       = block.MemoryRO
	MemoryRuntime  = block.MemoryRuntime
	MemoryIsaValid = block.MemoryIsaValid

	CacheAttributeMask  = block.CacheAttributeMask
	AccessAttributeMask = block.AccessAttributeMask
	MemoryAccessMask    = block.MemoryAccessMask
)
