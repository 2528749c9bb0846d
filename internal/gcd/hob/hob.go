// Package hob ingests the boot loader's hand-off-block memory map into the
// memory GCD during early DXE core startup, before any other allocator is
// available (spec §3 lifecycle, original_source's gcd.rs init()/HOB walk).
package hob

import (
	"fmt"

	"github.com/smoynes/elsie/internal/gcd"
	"github.com/smoynes/elsie/internal/gcd/caps"
	"github.com/smoynes/elsie/internal/log"
)

// ResourceType classifies a boot-loader resource descriptor HOB, mapping
// onto a GCD memory type during ingestion.
type ResourceType int

const (
	ResourceSystemMemory ResourceType = iota
	ResourceMemoryMappedIo
	ResourceMemoryReserved
	ResourceFirmwareDevice
	ResourceMemoryUnaccepted
)

func (r ResourceType) memoryType() gcd.MemoryType {
	switch r {
	case ResourceSystemMemory:
		return gcd.MemoryTypeSystemMemory
	case ResourceMemoryMappedIo:
		return gcd.MemoryTypeMMIO
	case ResourceMemoryUnaccepted:
		return gcd.MemoryTypeUnaccepted
	default:
		return gcd.MemoryTypeReserved
	}
}

// ResourceDescriptor is one entry of the boot loader's hand-off-block
// memory map.
type ResourceDescriptor struct {
	Type          ResourceType
	PhysicalStart uint64
	Length        uint64

	// ProducerAttributes is run through caps.DeriveCapabilities to yield
	// the GCD capability bits this range is added with.
	ProducerAttributes uint64
}

// MemoryAllocationDescriptor records a range the boot loader had already
// allocated before handing off to DXE (e.g. the DXE core image itself),
// so ingestion can mark it Allocated rather than leaving it Unallocated.
type MemoryAllocationDescriptor struct {
	BaseAddress uint64
	Length      uint64
	Owner       gcd.Handle
}

// IngestHOBList folds a boot loader's memory map into mem: every
// ResourceDescriptor becomes an AddMemorySpace call with capabilities
// derived via caps.DeriveCapabilities, then every MemoryAllocationDescriptor
// re-marks its range Allocated (original_source's gcd.rs processes resource
// descriptors first, then allocation descriptors, so pre-existing
// allocations land on top of freshly-added space). Processing continues
// past individual failures so one malformed descriptor cannot stall boot;
// all errors are joined and returned together.
func IngestHOBList(mem *gcd.MemorySpace, resources []ResourceDescriptor, allocations []MemoryAllocationDescriptor) error {
	logger := log.DefaultLogger()

	var errs []error

	for _, r := range resources {
		memType := r.Type.memoryType()
		capabilities := caps.DeriveCapabilities(memType, r.ProducerAttributes)

		if err := mem.AddMemorySpace(memType, r.PhysicalStart, r.Length, capabilities); err != nil {
			logger.Warn("HOB resource descriptor rejected", "base", r.PhysicalStart, "length", r.Length, "err", err)
			errs = append(errs, fmt.Errorf("resource [%#x,%#x): %w", r.PhysicalStart, r.PhysicalStart+r.Length, err))
		}
	}

	for _, a := range allocations {
		desc, err := mem.GetMemoryDescriptorForAddress(a.BaseAddress)
		if err != nil {
			errs = append(errs, fmt.Errorf("allocation [%#x,%#x): %w", a.BaseAddress, a.BaseAddress+a.Length, err))
			continue
		}

		strategy := gcd.Address
		bound := a.BaseAddress

		if _, err := mem.AllocateMemorySpace(strategy, &bound, desc.MemoryType, 0, a.Length, a.Owner, gcd.HandleNone); err != nil {
			logger.Warn("HOB allocation descriptor rejected", "base", a.BaseAddress, "length", a.Length, "err", err)
			errs = append(errs, fmt.Errorf("allocation [%#x,%#x): %w", a.BaseAddress, a.BaseAddress+a.Length, err))
		}
	}

	if len(errs) == 0 {
		return nil
	}

	joined := errs[0]
	for _, e := range errs[1:] {
		joined = fmt.Errorf("%w; %w", joined, e)
	}

	return joined
}
