// Package pagetable models the hardware address-translation structure the
// memory GCD facade keeps synchronized with its attribute bits (spec
// §4.5-§4.7). It is deliberately software-only: a SoftwareTable records
// mapped ranges and their access/cache bits in an ordered structure rather
// than walking real multi-level page-table frames, the same simulated-
// hardware stance the rest of this module takes for the physical memory it
// partitions.
package pagetable

import (
	"errors"
	"fmt"
	"sort"

	"github.com/smoynes/elsie/internal/log"
)

// Errors returned by Table implementations.
var (
	// ErrDesync is returned when a range straddles mixed mapping states
	// (partially mapped, partially not, or mapped with inconsistent bits)
	// and query/remap cannot proceed consistently (spec §4.5).
	ErrDesync = errors.New("pagetable: range straddles mixed mapping state")

	// ErrNotPageAligned is returned for base/length that is not a multiple
	// of PageSize.
	ErrNotPageAligned = errors.New("pagetable: base/length not page-aligned")
)

// PageSize is the hardware frame granularity.
const PageSize = 4096

// Table is the coupling point the memory GCD facade drives. Implementations
// need not track anything beyond access/cache bits per mapped range; the
// GCD itself remains the source of truth for ownership and memory type.
type Table interface {
	// Query reports whether the page starting at base is mapped, and if
	// so, its current access|cache bits.
	Query(base uint64) (mapped bool, bits uint64, err error)

	// MapRegion creates a new mapping for [base, base+length) with the
	// given access|cache bits. The range must currently be entirely
	// unmapped.
	MapRegion(base, length, bits uint64) error

	// RemapRegion changes the access|cache bits of an existing, uniformly
	// mapped range.
	RemapRegion(base, length, bits uint64) error

	// UnmapRegion removes the mapping for [base, base+length). Unmapping
	// an already-unmapped range is a no-op.
	UnmapRegion(base, length uint64) error
}

// region is one contiguous software-tracked mapping.
type region struct {
	base, length uint64
	bits         uint64
}

func (r region) end() uint64 { return r.base + r.length }

// SoftwareTable is the reference Table implementation: an ordered,
// non-overlapping slice of mapped regions plus a free-frame pool for
// non-root page-table levels (spec §4.7).
type SoftwareTable struct {
	regions []region

	allocator *FrameAllocator

	log *log.Logger
}

// NewSoftwareTable constructs an empty table backed by alloc for new
// translation-structure frames.
func NewSoftwareTable(alloc *FrameAllocator) *SoftwareTable {
	return &SoftwareTable{allocator: alloc, log: log.DefaultLogger()}
}

func pageAligned(base, length uint64) bool {
	return base%PageSize == 0 && length%PageSize == 0
}

// find returns the index of the region containing addr, or -1.
func (t *SoftwareTable) find(addr uint64) int {
	i := sort.Search(len(t.regions), func(i int) bool { return t.regions[i].end() > addr })
	if i < len(t.regions) && t.regions[i].base <= addr {
		return i
	}

	return -1
}

func (t *SoftwareTable) Query(base uint64) (bool, uint64, error) {
	if base%PageSize != 0 {
		return false, 0, ErrNotPageAligned
	}

	i := t.find(base)
	if i < 0 {
		return false, 0, nil
	}

	return true, t.regions[i].bits, nil
}

// overlapping returns the indices of all regions intersecting
// [base,base+length), in ascending order.
func (t *SoftwareTable) overlapping(base, length uint64) []int {
	end := base + length

	var out []int

	for i, r := range t.regions {
		if r.base < end && r.end() > base {
			out = append(out, i)
		}
	}

	return out
}

func (t *SoftwareTable) MapRegion(base, length, bits uint64) error {
	if !pageAligned(base, length) {
		return ErrNotPageAligned
	}

	if len(t.overlapping(base, length)) != 0 {
		return fmt.Errorf("%w: [%#x,%#x) already has a mapping", ErrDesync, base, base+length)
	}

	if err := t.allocator.reserveFrames(length / PageSize); err != nil {
		return err
	}

	t.insert(region{base: base, length: length, bits: bits})

	return nil
}

func (t *SoftwareTable) RemapRegion(base, length, bits uint64) error {
	if !pageAligned(base, length) {
		return ErrNotPageAligned
	}

	idxs := t.overlapping(base, length)
	if len(idxs) == 0 {
		return fmt.Errorf("%w: [%#x,%#x) is not mapped", ErrDesync, base, base+length)
	}

	first, last := t.regions[idxs[0]], t.regions[idxs[len(idxs)-1]]
	if first.base > base || last.end() < base+length {
		return fmt.Errorf("%w: [%#x,%#x) not fully covered by existing mappings", ErrDesync, base, base+length)
	}

	t.remove(idxs)
	t.insert(region{base: base, length: length, bits: bits})

	// Re-attach any leftover slivers from the first/last regions that
	// extended beyond [base,base+length).
	if first.base < base {
		t.insert(region{base: first.base, length: base - first.base, bits: first.bits})
	}

	if last.end() > base+length {
		t.insert(region{base: base + length, length: last.end() - (base + length), bits: last.bits})
	}

	return nil
}

func (t *SoftwareTable) UnmapRegion(base, length uint64) error {
	if !pageAligned(base, length) {
		return ErrNotPageAligned
	}

	idxs := t.overlapping(base, length)
	if len(idxs) == 0 {
		return nil
	}

	first, last := t.regions[idxs[0]], t.regions[idxs[len(idxs)-1]]

	t.remove(idxs)

	if first.base < base {
		t.insert(region{base: first.base, length: base - first.base, bits: first.bits})
	}

	if last.end() > base+length {
		t.insert(region{base: base + length, length: last.end() - (base + length), bits: last.bits})
	}

	t.allocator.releaseFrames(length / PageSize)

	return nil
}

func (t *SoftwareTable) insert(r region) {
	i := sort.Search(len(t.regions), func(i int) bool { return t.regions[i].base >= r.base })
	t.regions = append(t.regions, region{})
	copy(t.regions[i+1:], t.regions[i:])
	t.regions[i] = r
}

func (t *SoftwareTable) remove(idxs []int) {
	for k := len(idxs) - 1; k >= 0; k-- {
		i := idxs[k]
		t.regions = append(t.regions[:i], t.regions[i+1:]...)
	}
}
