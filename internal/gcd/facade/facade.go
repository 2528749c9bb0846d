// Package facade assembles the memory GCD, the I/O GCD, and an optional
// hardware page table into the single locked entry point external callers
// use (spec §4.5, §4.9). It owns the policy the two GCD cores do not:
// default attribute assignment on allocate/free, and keeping the page
// table synchronized with attribute changes.
package facade

import (
	"fmt"
	"sync"

	"github.com/smoynes/elsie/internal/gcd"
	"github.com/smoynes/elsie/internal/log"
	"github.com/smoynes/elsie/internal/pagetable"
)

// Domain is the process-wide coherency domain: the locked facade over the
// memory and I/O GCDs, with the page table as an optional third component
// installed later in boot (spec §4.5 "the facade owns Option<PageTable>").
type Domain struct {
	mu sync.Mutex

	Memory *gcd.MemorySpace
	Io     *gcd.IoSpace

	pt     pagetable.Table
	frames *pagetable.FrameAllocator
	log    *log.Logger
}

// New constructs a Domain with its memory and I/O GCDs, sharing a single
// mutation callback across both (spec §4.9).
func New(callback func(gcd.MutationTag, any), opts ...gcd.Option) *Domain {
	d := &Domain{log: log.DefaultLogger()}

	memOpts := append([]gcd.Option{}, opts...)
	if callback != nil {
		memOpts = append(memOpts, gcd.WithMutationCallback(func(tag gcd.MutationTag, desc gcd.MemorySpaceDescriptor) {
			callback(tag, desc)
		}))
	}

	d.Memory = gcd.NewMemorySpace(memOpts...)
	d.Io = gcd.NewIoSpace()

	if callback != nil {
		gcd.WithIoMutationCallback(func(tag gcd.MutationTag, desc gcd.IoSpaceDescriptor) {
			callback(tag, desc)
		})(d.Io)
	}

	return d
}

// PageTableInstalled reports whether InstallPageTable has run.
func (d *Domain) PageTableInstalled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.pt != nil
}

// InstallPageTable performs the paging bootstrap of spec §4.6: it records
// the caller-built table and its frame allocator, reserves default
// attributes over every already-Allocated descriptor, maps MMIO/Reserved
// ranges, and unmaps page 0 for null-pointer detection (in compatibility
// mode it maps page 0 write-back instead). It is idempotent-unsafe: calling it twice
// returns gcd.ErrAlreadyStarted.
func (d *Domain) InstallPageTable(table pagetable.Table, frames *pagetable.FrameAllocator) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pt != nil {
		return gcd.ErrAlreadyStarted
	}

	descriptors, err := d.Memory.GetMemoryDescriptors()
	if err != nil {
		return err
	}

	// Pre-size the working copy so the walk below never grows a slice
	// while the memory mutex is effectively "ours" (spec §4.6 step 2:
	// "pre-reserve the vector to avoid re-entrant allocation").
	allocated := make([]gcd.MemorySpaceDescriptor, 0, len(descriptors))

	for _, desc := range descriptors {
		// MemorySpaceDescriptor carries no separate allocation-state bit, so
		// ImageHandle doubles as that signal here. Free clears the owner
		// handle, but FreePreservingOwnership keeps it, so a range freed
		// that way is also treated as allocated by this walk.
		if desc.MemoryType == gcd.MemoryTypeNonExistent || desc.ImageHandle == gcd.HandleNone {
			continue
		}

		allocated = append(allocated, desc)
	}

	d.pt = table
	d.frames = frames

	for _, desc := range allocated {
		bits := (desc.Attributes & gcd.CacheAttributeMask) | gcd.MemoryXP
		if desc.Attributes&gcd.MemoryRP != 0 {
			continue
		}

		if err := d.syncRegion(desc.BaseAddress, desc.Length, bits); err != nil {
			return fmt.Errorf("pagetable bootstrap: allocated range [%#x,%#x): %w", desc.BaseAddress, desc.End(), err)
		}
	}

	mmio, err := d.Memory.GetMMIOAndReservedDescriptors()
	if err != nil {
		return err
	}

	for _, desc := range mmio {
		base := gcd.AlignDown(desc.BaseAddress, gcd.UEFIPageSize)
		length := gcd.AlignUp(desc.End(), gcd.UEFIPageSize) - base
		bits := (desc.Attributes & gcd.CacheAttributeMask) | gcd.MemoryXP

		if err := d.syncRegion(base, length, bits); err != nil {
			return fmt.Errorf("pagetable bootstrap: MMIO/Reserved range [%#x,%#x): %w", base, base+length, err)
		}
	}

	if d.Memory.CompatibilityMode() {
		if err := d.syncRegion(0, gcd.UEFIPageSize, gcd.MemoryWB); err != nil {
			return fmt.Errorf("pagetable bootstrap: map page 0: %w", err)
		}
	} else if mapped, _, err := table.Query(0); err == nil && mapped {
		if err := table.UnmapRegion(0, gcd.UEFIPageSize); err != nil {
			return fmt.Errorf("pagetable bootstrap: unmap page 0: %w", err)
		}
	}

	d.Memory.MarkPagingReady()

	return nil
}

// ImageSection describes one PE/COFF-style section of the DXE core image
// being mapped during paging bootstrap (spec §4.6 step 4).
type ImageSection struct {
	VirtualAddress uint64
	VirtualSize    uint64
	IsCode         bool // IMAGE_SCN_CNT_CODE
}

// MapImage maps the DXE core image as non-executable data, then re-applies
// MEMORY_RO to code sections and MEMORY_XP to data sections, preserving
// cache bits (spec §4.6 step 4). sectionAlignment rounds each section's
// virtual size up before mapping.
func (d *Domain) MapImage(base, imageSize, sectionAlignment uint64, sections []ImageSection, cacheBits uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pt == nil {
		return gcd.ErrNotReady
	}

	if err := d.syncRegion(base, gcd.AlignUp(imageSize, gcd.UEFIPageSize), cacheBits|gcd.MemoryXP); err != nil {
		return fmt.Errorf("pagetable: map image base: %w", err)
	}

	for _, s := range sections {
		length := gcd.AlignUp(s.VirtualSize, sectionAlignment)

		bits := cacheBits
		if s.IsCode {
			bits |= gcd.MemoryRO
		} else {
			bits |= gcd.MemoryXP
		}

		if err := d.syncRegion(s.VirtualAddress, length, bits); err != nil {
			return fmt.Errorf("pagetable: map image section at %#x: %w", s.VirtualAddress, err)
		}
	}

	return nil
}

// AllocateMemorySpace performs the GCD state transition, then assigns the
// default attributes (existing cache bits, or WB if none, plus MEMORY_XP
// unless compatibility mode is set) and synchronizes the page table (spec
// §3 "AllocateMemorySpace ... then the facade sets attributes").
func (d *Domain) AllocateMemorySpace(
	strategy gcd.AllocateStrategy, bound *uint64, memType gcd.MemoryType, alignShift uint8, length uint64,
	img, dev gcd.Handle,
) (uint64, error) {
	existing, err := d.descriptorForSearch(strategy, bound, memType)
	if err != nil {
		return 0, err
	}

	base, err := d.Memory.AllocateMemorySpace(strategy, bound, memType, alignShift, length, img, dev)
	if err != nil {
		return 0, err
	}

	attrs := existing.Attributes & gcd.CacheAttributeMask
	if attrs == 0 {
		attrs = gcd.MemoryWB
	}

	if !d.Memory.CompatibilityMode() {
		attrs |= gcd.MemoryXP
	}

	if err := d.Memory.SetMemorySpaceAttributes(base, length, attrs); err != nil {
		return base, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pt != nil {
		if err := d.syncRegion(base, length, attrs); err != nil {
			return base, fmt.Errorf("%w: page table sync: %v", gcd.ErrInvalidParameter, err)
		}
	}

	return base, nil
}

// descriptorForSearch peeks at the memory map to find the cache attributes
// of the pool the allocation will land in, best-effort: if no descriptor
// of memType exists yet this returns a zero descriptor and the caller
// falls back to MEMORY_WB.
func (d *Domain) descriptorForSearch(_ gcd.AllocateStrategy, _ *uint64, memType gcd.MemoryType) (gcd.MemorySpaceDescriptor, error) {
	all, err := d.Memory.GetMemoryDescriptors()
	if err != nil {
		return gcd.MemorySpaceDescriptor{}, err
	}

	for _, desc := range all {
		if desc.MemoryType == memType {
			return desc, nil
		}
	}

	return gcd.MemorySpaceDescriptor{}, nil
}

// FreeMemorySpace frees the range, marks it MEMORY_RP (unmapping it in the
// page table, per §4.5 "target attribute bits include MEMORY_RP: the range
// is unmapped"), and clears owner handles.
func (d *Domain) FreeMemorySpace(base, length uint64) error {
	if err := d.Memory.FreeMemorySpace(base, length); err != nil {
		return err
	}

	if err := d.Memory.SetMemorySpaceAttributes(base, length, gcd.MemoryRP); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pt != nil {
		if err := d.pt.UnmapRegion(base, length); err != nil {
			return fmt.Errorf("%w: page table unmap: %v", gcd.ErrInvalidParameter, err)
		}
	}

	return nil
}

// SetMemorySpaceAttributes updates the GCD, then synchronizes the page
// table per descriptor (spec §4.5). While no page table is installed,
// hardware-side effects are skipped and the GCD-only update still
// succeeds; callers are expected to tolerate the degraded NotReady
// signal during early boot by checking PageTableInstalled themselves.
func (d *Domain) SetMemorySpaceAttributes(base, length, attrs uint64) error {
	if err := d.Memory.SetMemorySpaceAttributes(base, length, attrs); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pt == nil {
		return nil
	}

	if attrs&gcd.MemoryRP != 0 {
		if err := d.pt.UnmapRegion(base, length); err != nil {
			return fmt.Errorf("%w: page table unmap: %v", gcd.ErrInvalidParameter, err)
		}

		return nil
	}

	if err := d.syncRegion(base, length, attrs&(gcd.CacheAttributeMask|gcd.AccessAttributeMask)); err != nil {
		return fmt.Errorf("%w: page table sync: %v", gcd.ErrInvalidParameter, err)
	}

	return nil
}

// syncRegion implements the query/map/remap decision of spec §4.5. Callers
// must hold d.mu.
func (d *Domain) syncRegion(base, length, bits uint64) error {
	mapped, current, err := d.pt.Query(base)
	if err != nil {
		return err
	}

	if !mapped {
		return d.pt.MapRegion(base, length, bits)
	}

	if current != bits {
		cacheChanged := (current & gcd.CacheAttributeMask) != (bits & gcd.CacheAttributeMask)

		if err := d.pt.RemapRegion(base, length, bits); err != nil {
			return err
		}

		if cacheChanged {
			d.signalCacheAttributesChanged(base, length)
		}
	}

	return nil
}

// signalCacheAttributesChanged notifies multi-processor agents that cache
// attributes changed for a range (spec §4.5 last bullet). In this
// single-processor simulation there is nothing to notify; the hook exists
// so a future SMP-aware page table can subscribe.
func (d *Domain) signalCacheAttributesChanged(base, length uint64) {
	d.log.Debug("cache attributes changed", "base", base, "length", length)
}
