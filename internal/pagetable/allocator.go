package pagetable

import (
	"errors"
	"fmt"
)

// ErrNotOnePage is returned when the frame source does not hand back
// exactly one frame for the root page.
var ErrNotOnePage = errors.New("pagetable: frame request is not exactly one page")

// poolRefillSize is the number of non-root frames bulk-allocated from the
// GCD on each refill (spec §4.7 "maintain a pool of 512 pages").
const poolRefillSize = 512

// SourceFunc supplies page frames for new page-table levels, grounded
// against the memory GCD (spec §4.7). below4G requests a frame whose
// address fits in 32 bits, for the root page; count is the number of
// contiguous pages to allocate in one call.
type SourceFunc func(below4G bool, count uint64) ([]uint64, error)

// FrameAllocator is the paging allocator adapter of spec §4.7: it
// distinguishes a one-shot root-page allocation from a refillable pool of
// non-root frames, so that repeated page-table-level creation does not
// re-enter the GCD for every single frame.
type FrameAllocator struct {
	source SourceFunc

	rootAllocated bool
	pool          []uint64

	// banked counts frames released by releaseFrames and available for
	// reserveFrames to hand back out without drawing on the pool (the
	// software table discards the actual frame addresses it mapped, so
	// releasing only restores capacity, not specific frames).
	banked uint64
}

// NewFrameAllocator constructs an adapter drawing frames from source.
func NewFrameAllocator(source SourceFunc) *FrameAllocator {
	return &FrameAllocator{source: source}
}

// RootPage allocates the single frame backing the top-level translation
// structure: below 4 GiB so secondary processors brought up in 32-bit mode
// can load it, falling back to any location if none is available there
// (spec §4.7).
func (a *FrameAllocator) RootPage() (uint64, error) {
	if a.rootAllocated {
		return 0, fmt.Errorf("pagetable: root page already allocated")
	}

	frames, err := a.source(true, 1)
	if err != nil || len(frames) == 0 {
		frames, err = a.source(false, 1)
		if err != nil {
			return 0, err
		}
	}

	if len(frames) != 1 {
		return 0, ErrNotOnePage
	}

	a.rootAllocated = true

	return frames[0], nil
}

// NonRootPage returns exactly one page frame for a new non-root
// translation-structure level, refilling the pool from the GCD in bulk
// when empty (spec §4.7).
func (a *FrameAllocator) NonRootPage() (uint64, error) {
	if len(a.pool) == 0 {
		frames, err := a.source(false, poolRefillSize)
		if err != nil {
			return 0, err
		}

		a.pool = append(a.pool, frames...)
	}

	if len(a.pool) == 0 {
		return 0, fmt.Errorf("pagetable: no frames available")
	}

	frame := a.pool[len(a.pool)-1]
	a.pool = a.pool[:len(a.pool)-1]

	return frame, nil
}

// reserveFrames accounts for count pages being mapped by the software
// table; it draws from banked capacity first, then the same pool as
// NonRootPage, so MapRegion's "allocate backing" step and real
// page-table-level creation share one accounting path.
func (a *FrameAllocator) reserveFrames(count uint64) error {
	for count > 0 {
		if a.banked > 0 {
			a.banked--
			count--

			continue
		}

		if _, err := a.NonRootPage(); err != nil {
			return err
		}

		count--
	}

	return nil
}

// releaseFrames banks count frames as available capacity for future
// reserveFrames calls.
func (a *FrameAllocator) releaseFrames(count uint64) {
	a.banked += count
}
