package block

import (
	"errors"
	"fmt"

	"github.com/smoynes/elsie/internal/gcd/store"
)

// Errors returned by the split/merge engine; callers at the GCD core
// boundary map these onto the public status taxonomy (spec §4.1's error
// mapping table, §6.2).
var (
	ErrPrecondition    = errors.New("block: transition precondition violated")
	ErrOutOfRange      = errors.New("block: range exceeds covered space")
	ErrNoCoveringBlock = errors.New("block: no covering block")
	ErrIncapable       = errors.New("block: attribute exceeds capability")
)

// Tile is the shape a value stored by the split/merge engine must have:
// base/length accessors, a same-descriptor-shape range clone for building
// head/tail siblings, and the canonical-form equality test used to decide
// whether neighbors coalesce.
type Tile[B any] interface {
	Base() uint64
	Len() uint64
	WithRange(base, length uint64) B
	Equivalent(B) bool
}

// Base/Len adapters so MemoryBlock/IoBlock (whose fields are nested under
// Descriptor) satisfy Tile without repeating descriptor plumbing at every
// call site.
func (b MemoryBlock) Base() uint64 { return b.Descriptor.BaseAddress }
func (b MemoryBlock) Len() uint64  { return b.Descriptor.Length }

func (b IoBlock) Base() uint64 { return b.Descriptor.BaseAddress }
func (b IoBlock) Len() uint64  { return b.Descriptor.Length }

// Transition mutates a single block's descriptor in place, without
// reference to its neighbors. It returns the post-transition block (keeping
// the same base/length as the input) or an error if the precondition (spec
// §4.1's legality table) does not hold.
type Transition[B any] func(current B) (B, error)

// Split applies transition to the sub-range [base, base+length) of the
// block covering it in st, splitting the covering block into up to three
// tiles (spec §4.1 "Same/Before/After/Middle", §4.4's pseudocode), then
// attempts to coalesce the result with its neighbors.
//
// Preconditions: idx must be the index of a block in st whose range fully
// contains [base, base+length). Split does not search for the covering
// block; callers locate it with st.ClosestIndex and validate containment
// first, so that out-of-range and no-covering-block errors (spec §4.1) can
// be reported with the right status by the caller.
func Split[B Tile[B]](st *store.Store[B], idx int, base, length uint64, t Transition[B]) (int, error) {
	orig := st.Value(idx)
	origBase, origLen := orig.Base(), orig.Len()
	origEnd := origBase + origLen
	end := base + length

	if base < origBase || end > origEnd {
		return store.Nil, fmt.Errorf("%w: [%#x,%#x) outside covering block [%#x,%#x)",
			ErrOutOfRange, base, end, origBase, origEnd)
	}

	mutated, err := t(orig.WithRange(base, length))
	if err != nil {
		return store.Nil, err
	}

	var (
		head, tail         B
		haveHead, haveTail bool
	)

	if base > origBase {
		head = orig.WithRange(origBase, base-origBase)
		haveHead = true
	}

	if end < origEnd {
		tail = orig.WithRange(end, origEnd-end)
		haveTail = true
	}

	// Same: in-place rewrite, no siblings.
	if !haveHead && !haveTail {
		st.Set(idx, mutated)

		return mergeNeighbors(st, idx), nil
	}

	// In-place rewrite of the covering block never changes its key
	// (base address); the lowest of {head, mutated} keeps idx's key, so
	// the rewrite window always leaves the store's invariants intact
	// even if a later sibling insert fails and must be rolled back (spec
	// §4.4: "in_place_rewrite never changes the key of store[idx]").
	switch {
	case haveHead && haveTail:
		// Middle: idx keeps head's old key/base; mutated and tail are new.
		st.Set(idx, head)

		midIdx, err := st.Add(base, mutated)
		if err != nil {
			st.Set(idx, orig)
			return store.Nil, err
		}

		if _, err := st.Add(end, tail); err != nil {
			st.Delete(midIdx)
			st.Set(idx, orig)

			return store.Nil, err
		}

		result := mergeNeighbors(st, midIdx)

		return result, nil

	case haveHead:
		// After: idx keeps head (original base); mutated is the new tile.
		st.Set(idx, head)

		newIdx, err := st.Add(base, mutated)
		if err != nil {
			st.Set(idx, orig)
			return store.Nil, err
		}

		return mergeNeighbors(st, newIdx), nil

	default:
		// Before: idx becomes the mutated tile (keeps original base);
		// tail is new.
		st.Set(idx, mutated)

		if _, err := st.Add(end, tail); err != nil {
			st.Set(idx, orig)
			return store.Nil, err
		}

		return mergeNeighbors(st, idx), nil
	}
}

// mergeNeighbors attempts to coalesce the block at idx with its successor,
// then its (possibly new) predecessor, returning the index that survives
// (spec §4.1 "Coalescing", §4.4).
func mergeNeighbors[B Tile[B]](st *store.Store[B], idx int) int {
	if next := st.Next(idx); next != store.Nil {
		a, b := st.Value(idx), st.Value(next)
		if a.Equivalent(b) && a.Base()+a.Len() == b.Base() {
			merged := a.WithRange(a.Base(), a.Len()+b.Len())
			st.Set(idx, merged)
			st.Delete(next)
		}
	}

	if prev := st.Prev(idx); prev != store.Nil {
		a, b := st.Value(prev), st.Value(idx)
		if a.Equivalent(b) && a.Base()+a.Len() == b.Base() {
			merged := a.WithRange(a.Base(), a.Len()+b.Len())
			st.Set(prev, merged)
			st.Delete(idx)

			return prev
		}
	}

	return idx
}
