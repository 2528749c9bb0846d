package gcd

import (
	"errors"
	"fmt"
	"sync"

	"github.com/smoynes/elsie/internal/gcd/block"
	"github.com/smoynes/elsie/internal/gcd/store"
	"github.com/smoynes/elsie/internal/log"
)

// ArenaSizeBytes is the size of the range the memory GCD self-hosts its
// block-store arena inside of, on the first SystemMemory addition large
// enough to hold it (spec §3 lifecycle step 3).
const ArenaSizeBytes = uint64(store.DefaultCapacity) * 64

// Option configures a MemorySpace at construction, mirroring the
// teacher's vm.OptionFn construction-time configuration pattern.
type Option func(*MemorySpace)

// WithCompatibilityMode maps page 0 write-back and disables the default
// MEMORY_XP attribute on new allocations (spec §9 "compatibility mode").
// It is a construction-time decision, not a runtime toggle: applying it
// after MarkPagingReady has run panics.
func WithCompatibilityMode() Option {
	return func(m *MemorySpace) {
		if m.pagingReady {
			panic("gcd: WithCompatibilityMode after paging is installed")
		}

		m.compatMode = true
	}
}

// WithMutationCallback installs the single, immutable callback invoked
// under the mutex after each successful mutation (spec §4.9).
func WithMutationCallback(fn func(MutationTag, MemorySpaceDescriptor)) Option {
	return func(m *MemorySpace) { m.callback = fn }
}

// MemorySpace is the memory GCD core (Component C, spec §4.2): an ordered
// partition of [0, maximumAddress) guarded by a single mutex.
type MemorySpace struct {
	mu sync.Mutex

	store          *store.Store[block.MemoryBlock]
	maximumAddress uint64
	initialized    bool
	hosted         bool
	pagingReady    bool
	compatMode     bool
	locked         bool

	// allocateFn and freeFn are the indirected entry points AllocateMemorySpace
	// and free dispatch through (spec §4.2: "two function pointers...
	// indirected so that ExitBootServices lockdown swaps them in place
	// without other changes"). LockMemorySpace swaps both for stubs;
	// UnlockMemorySpace restores them.
	allocateFn func(strategy AllocateStrategy, bound *uint64, memType MemoryType, alignShift uint8, length uint64, img, dev Handle) (uint64, error)
	freeFn     func(base, length uint64, t block.Transition[block.MemoryBlock]) error

	callback func(MutationTag, MemorySpaceDescriptor)

	log *log.Logger
}

// NewMemorySpace constructs an uninitialized memory GCD (spec §3 lifecycle
// step 1). Call Init before any other operation.
func NewMemorySpace(opts ...Option) *MemorySpace {
	m := &MemorySpace{log: log.DefaultLogger()}
	m.allocateFn = m.doAllocateMemorySpace
	m.freeFn = m.doFreeMemorySpace

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// LockMemorySpace swaps the allocate/free entry points for stubs that
// reject allocation and silently succeed freeing, per the ExitBootServices
// lockdown step of spec §3 lifecycle step 6. Idempotent.
func (m *MemorySpace) LockMemorySpace() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.locked = true
	m.allocateFn = stubAllocateMemorySpace
	m.freeFn = stubFreeMemorySpace
}

// UnlockMemorySpace restores the real allocate/free entry points.
func (m *MemorySpace) UnlockMemorySpace() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.locked = false
	m.allocateFn = m.doAllocateMemorySpace
	m.freeFn = m.doFreeMemorySpace
}

// Locked reports whether ExitBootServices lockdown is currently in effect.
func (m *MemorySpace) Locked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.locked
}

func stubAllocateMemorySpace(AllocateStrategy, *uint64, MemoryType, uint8, uint64, Handle, Handle) (uint64, error) {
	return 0, fmt.Errorf("%w: memory space is locked", ErrAccessDenied)
}

func stubFreeMemorySpace(uint64, uint64, block.Transition[block.MemoryBlock]) error {
	return nil
}

// Init sets maximumAddress = 1<<physBits (spec §3 lifecycle step 2). The
// store remains empty until the first AddMemorySpace.
func (m *MemorySpace) Init(physBits uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if physBits == 0 || physBits > 64 {
		return fmt.Errorf("%w: phys_bits out of range", ErrInvalidParameter)
	}

	if physBits == 64 {
		m.maximumAddress = 0 // wraps to full range; treated as unbounded below
	} else {
		m.maximumAddress = uint64(1) << physBits
	}

	m.store = store.New[block.MemoryBlock](store.DefaultCapacity)
	m.initialized = true

	return nil
}

func (m *MemorySpace) requireReady() error {
	if !m.initialized {
		return ErrNotReady
	}

	return nil
}

// ensureTiling seeds an empty store with one Unallocated(NonExistent) block
// covering [0,max); used to bootstrap the very first Add.
func (m *MemorySpace) ensureTiling() {
	if m.store.Len() == 0 {
		_, _ = m.store.Add(0, block.MemoryBlock{
			State: block.Unallocated,
			Descriptor: block.MemorySpaceDescriptor{
				BaseAddress: 0,
				Length:      m.maximumAddress,
				MemoryType:  block.MemoryTypeNonExistent,
			},
		})
	}
}

func (m *MemorySpace) fire(tag MutationTag, d MemorySpaceDescriptor) {
	if m.callback != nil {
		m.callback(tag, d)
	}
}

// AddMemorySpace adds a range of the given type to the partition (spec
// §4.2). Capabilities are augmented with the software access mask (and,
// for MemoryMappedIo, MEMORY_ISA_VALID); new memory is marked MEMORY_RP
// until explicitly mapped. The first sufficiently large SystemMemory
// addition self-hosts the block store's arena inside itself (spec §3 step
// 3) — in this implementation the arena is a Go-managed structure rather
// than literal bytes of the described range, so "self-hosting" here
// additionally means: mark the arena's equivalent sub-range allocated to
// HandleReservedMemoryAllocator, reproducing the descriptor-level effect
// callers observe.
func (m *MemorySpace) AddMemorySpace(memType MemoryType, base, length, caps uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireReady(); err != nil {
		return err
	}

	if length == 0 {
		return fmt.Errorf("%w: zero length", ErrInvalidParameter)
	}

	if base+length < base || (m.maximumAddress != 0 && base+length > m.maximumAddress) {
		return fmt.Errorf("%w: [%#x,%#x) exceeds maximum address", ErrUnsupported, base, base+length)
	}

	m.ensureTiling()

	caps |= MemoryAccessMask
	if memType == MemoryTypeMMIO {
		caps |= MemoryIsaValid
	}

	attrs := MemoryRP

	idx := m.store.ClosestIndex(base)
	if idx == store.Nil {
		return fmt.Errorf("%w: [%#x,%#x)", ErrNotFound, base, base+length)
	}

	_, err := block.Split(m.store, idx, base, length, block.MemoryTransitions.Add(memType, caps, attrs))
	if err != nil {
		return mapAddError(err)
	}

	if !m.hosted && memType == MemoryTypeSystemMemory && length >= ArenaSizeBytes {
		m.hosted = true

		hostIdx := m.store.ClosestIndex(base)
		if _, err := block.Split(m.store, hostIdx, base, ArenaSizeBytes,
			block.MemoryTransitions.Allocate(HandleReservedMemoryAllocator, HandleNone)); err != nil {
			m.log.Warn("failed to self-host arena allocation", "err", err)
		}
	}

	m.fire(TagAddMemorySpace, MemorySpaceDescriptor{BaseAddress: base, Length: length, MemoryType: memType, Capabilities: caps, Attributes: attrs})

	return nil
}

func mapAddError(err error) error {
	switch {
	case isPrecondition(err):
		return fmt.Errorf("%w: %w", ErrAccessDenied, err)
	case isOutOfRange(err):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	default:
		return mapEngineErr(err)
	}
}

// RemoveMemorySpace transitions a fully-Unallocated covering range back to
// NonExistent with zero caps/attrs (spec §4.2).
func (m *MemorySpace) RemoveMemorySpace(base, length uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireReady(); err != nil {
		return err
	}

	if length == 0 {
		return fmt.Errorf("%w: zero length", ErrInvalidParameter)
	}

	err := m.forEachCoveredBlock(base, length, func(idx int, subBase, subLen uint64) error {
		_, err := block.Split(m.store, idx, subBase, subLen, block.MemoryTransitions.Remove())
		return err
	})
	if err != nil {
		return mapRemoveError(err)
	}

	m.fire(TagRemoveMemorySpace, MemorySpaceDescriptor{BaseAddress: base, Length: length})

	return nil
}

func mapRemoveError(err error) error {
	switch {
	case isPrecondition(err):
		return fmt.Errorf("%w: %w", ErrAccessDenied, err)
	case isOutOfRange(err):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	default:
		return mapEngineErr(err)
	}
}

// AllocateMemorySpace performs the raw block-state transition of spec
// §4.1's Allocate/AllocateRespectingOwnership over a range chosen per
// strategy (spec §4.2's search rules). It does not touch attributes or the
// page table; callers needing the full allocation policy (default
// attributes, page-table sync) use facade.Domain.AllocateMemorySpace.
//
// bound is the optional address-search bound: for BottomUp/TopDown it caps
// the highest address the chosen range may end at (nil means unbounded);
// for Address it is the required base address and must be non-nil.
func (m *MemorySpace) AllocateMemorySpace(
	strategy AllocateStrategy, bound *uint64, memType MemoryType, alignShift uint8, length uint64,
	img, dev Handle,
) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.allocateFn(strategy, bound, memType, alignShift, length, img, dev)
}

// doAllocateMemorySpace is the real allocation logic; it's the allocateFn
// AllocateMemorySpace dispatches through when unlocked.
func (m *MemorySpace) doAllocateMemorySpace(
	strategy AllocateStrategy, bound *uint64, memType MemoryType, alignShift uint8, length uint64,
	img, dev Handle,
) (uint64, error) {
	if err := m.requireReady(); err != nil {
		return 0, err
	}

	if length == 0 || img == HandleNone {
		return 0, fmt.Errorf("%w: zero length or nil image handle", ErrInvalidParameter)
	}

	if memType == MemoryTypeUnaccepted {
		return 0, fmt.Errorf("%w: cannot allocate Unaccepted memory", ErrInvalidParameter)
	}

	align := uint64(1) << alignShift

	base, idx, err := m.findCandidate(strategy, bound, memType, align, length)
	if err != nil {
		return 0, err
	}

	_, err = block.Split(m.store, idx, base, length, block.MemoryTransitions.Allocate(img, dev))
	if err != nil {
		return 0, mapAllocateError(err)
	}

	m.fire(TagAllocateMemorySpace, MemorySpaceDescriptor{BaseAddress: base, Length: length, MemoryType: memType, ImageHandle: img, DeviceHandle: dev})

	return base, nil
}

func mapAllocateError(err error) error {
	switch {
	case isPrecondition(err):
		return fmt.Errorf("%w: %w", ErrAccessDenied, err)
	default:
		return mapEngineErr(err)
	}
}

// findCandidate locates a block of the requested type with room for an
// aligned, page-0-excluding sub-range of length, per the strategy's search
// order (spec §4.1 "Ordering / tie-breaks").
func (m *MemorySpace) findCandidate(
	strategy AllocateStrategy, bound *uint64, memType MemoryType, align, length uint64,
) (uint64, int, error) {
	if strategy == Address {
		if bound == nil {
			return 0, store.Nil, fmt.Errorf("%w: Address strategy requires a base", ErrInvalidParameter)
		}

		base := *bound
		idx := m.store.ClosestIndex(base)
		if idx == store.Nil {
			return 0, store.Nil, fmt.Errorf("%w: [%#x,...)", ErrNotFound, base)
		}

		b := m.store.Value(idx)
		if b.State != block.Unallocated || b.Descriptor.MemoryType != memType {
			return 0, store.Nil, fmt.Errorf("%w: [%#x,...) not Unallocated(%s)", ErrNotFound, base, memType)
		}

		if base+length > b.Descriptor.End() {
			return 0, store.Nil, fmt.Errorf("%w: [%#x,%#x) not contained in block", ErrNotFound, base, base+length)
		}

		return base, idx, nil
	}

	var (
		candidates []candidate
	)

	m.store.Ascending(func(idx int, _ uint64, b block.MemoryBlock) bool {
		if b.State != block.Unallocated || b.Descriptor.MemoryType != memType {
			return true
		}

		candidates = append(candidates, candidate{idx: idx, base: b.Descriptor.BaseAddress, end: b.Descriptor.End()})

		return true
	})

	if strategy == BottomUp {
		for _, c := range candidates {
			start := AlignUp(c.base, align)
			if start == 0 {
				start = AlignUp(UEFIPageSize, align) // page 0 is never returned by search (spec §3).
			}

			if start+length > c.end {
				continue
			}

			if bound != nil && start+length > *bound {
				continue
			}

			return start, c.idx, nil
		}
	} else { // TopDown
		for i := len(candidates) - 1; i >= 0; i-- {
			c := candidates[i]

			limit := c.end
			if bound != nil && *bound < limit {
				limit = *bound
			}

			if limit < length {
				continue
			}

			start := AlignDown(limit-length, align)
			if start < c.base {
				continue
			}

			if start == 0 {
				continue // page 0 is never returned by search.
			}

			return start, c.idx, nil
		}
	}

	return 0, store.Nil, fmt.Errorf("%w: no block of type %s fits %d bytes", ErrOutOfResources, memType, length)
}

type candidate struct {
	idx       int
	base, end uint64
}

// FreeMemorySpace is the raw Allocated->Unallocated transition of spec
// §4.1's Free (clearing access-attribute bits and owners). Callers needing
// the RP-on-free page-table policy use facade.Domain.FreeMemorySpace.
func (m *MemorySpace) FreeMemorySpace(base, length uint64) error {
	return m.free(base, length, block.MemoryTransitions.Free())
}

// FreeMemorySpacePreservingOwnership is Free but retains owner handles and
// attributes (spec §4.1).
func (m *MemorySpace) FreeMemorySpacePreservingOwnership(base, length uint64) error {
	return m.free(base, length, block.MemoryTransitions.FreePreservingOwnership())
}

func (m *MemorySpace) free(base, length uint64, t block.Transition[block.MemoryBlock]) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.freeFn(base, length, t)
}

// doFreeMemorySpace is the real free logic; it's the freeFn free dispatches
// through when unlocked.
func (m *MemorySpace) doFreeMemorySpace(base, length uint64, t block.Transition[block.MemoryBlock]) error {
	if err := m.requireReady(); err != nil {
		return err
	}

	if !pageAligned(base, length) || length == 0 {
		return fmt.Errorf("%w: base/length not page-aligned", ErrInvalidParameter)
	}

	idx := m.store.ClosestIndex(base)
	if idx == store.Nil {
		return fmt.Errorf("%w: [%#x,%#x)", ErrNotFound, base, base+length)
	}

	_, err := block.Split(m.store, idx, base, length, t)
	if err != nil {
		if isPrecondition(err) {
			return fmt.Errorf("%w: %w", ErrNotFound, err)
		}

		return mapEngineErr(err)
	}

	m.fire(TagFreeMemorySpace, MemorySpaceDescriptor{BaseAddress: base, Length: length})

	return nil
}

// SetMemorySpaceAttributes may span multiple contiguous descriptors; it
// transitions each covered descriptor in turn (spec §4.2).
func (m *MemorySpace) SetMemorySpaceAttributes(base, length, attrs uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireReady(); err != nil {
		return err
	}

	if !pageAligned(base, length) || length == 0 {
		return fmt.Errorf("%w: base/length not page-aligned", ErrInvalidParameter)
	}

	err := m.forEachCoveredBlock(base, length, func(idx int, subBase, subLen uint64) error {
		_, err := block.Split(m.store, idx, subBase, subLen, block.MemoryTransitions.SetAttributes(attrs))
		return err
	})
	if err != nil {
		return mapAttrError(err)
	}

	m.fire(TagSetMemoryAttributes, MemorySpaceDescriptor{BaseAddress: base, Length: length, Attributes: attrs})

	return nil
}

// SetMemorySpaceCapabilities has single-descriptor semantics (spec §4.2):
// [base,base+length) must lie within one covering block.
func (m *MemorySpace) SetMemorySpaceCapabilities(base, length, caps uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireReady(); err != nil {
		return err
	}

	if !pageAligned(base, length) || length == 0 {
		return fmt.Errorf("%w: base/length not page-aligned", ErrInvalidParameter)
	}

	idx := m.store.ClosestIndex(base)
	if idx == store.Nil {
		return fmt.Errorf("%w: [%#x,%#x)", ErrNotFound, base, base+length)
	}

	_, err := block.Split(m.store, idx, base, length, block.MemoryTransitions.SetCapabilities(caps))
	if err != nil {
		return mapAttrError(err)
	}

	m.fire(TagSetMemoryCapabilities, MemorySpaceDescriptor{BaseAddress: base, Length: length, Capabilities: caps})

	return nil
}

func mapAttrError(err error) error {
	switch {
	case isIncapable(err):
		return fmt.Errorf("%w: %w", ErrUnsupported, err)
	case isOutOfRange(err):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	default:
		return mapEngineErr(err)
	}
}

// forEachCoveredBlock walks the blocks intersecting [base,base+length),
// applying fn to each sub-range in turn; it keeps going even if fn errors
// on one descriptor, returning the first error after all descriptors have
// been visited (spec §4.2's "every descriptor in the user's range is still
// traversed").
func (m *MemorySpace) forEachCoveredBlock(base, length uint64, fn func(idx int, subBase, subLen uint64) error) error {
	end := base + length

	idx := m.store.ClosestIndex(base)
	if idx == store.Nil {
		return fmt.Errorf("%w: [%#x,%#x)", ErrNotFound, base, end)
	}

	var firstErr error

	cur := base

	for cur < end {
		if idx == store.Nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("%w: [%#x,%#x)", ErrNotFound, cur, end)
			}

			break
		}

		b := m.store.Value(idx)
		subEnd := b.Descriptor.End()

		if subEnd > end {
			subEnd = end
		}

		if err := fn(idx, cur, subEnd-cur); err != nil && firstErr == nil {
			firstErr = err
		}

		// Re-locate: the split/merge engine may have changed indices.
		cur = subEnd
		if cur < end {
			idx = m.store.ClosestIndex(cur)
		}
	}

	return firstErr
}

// GetMemoryDescriptors enumerates all blocks in ascending order (spec §4.2).
func (m *MemorySpace) GetMemoryDescriptors() ([]MemorySpaceDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireReady(); err != nil {
		return nil, err
	}

	out := make([]MemorySpaceDescriptor, 0, m.store.Len())
	m.store.Ascending(func(_ int, _ uint64, b block.MemoryBlock) bool {
		out = append(out, b.Descriptor)
		return true
	})

	return out, nil
}

// GetMemoryDescriptorForAddress returns the descriptor of the block
// covering addr (spec §4.2).
func (m *MemorySpace) GetMemoryDescriptorForAddress(addr uint64) (MemorySpaceDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireReady(); err != nil {
		return MemorySpaceDescriptor{}, err
	}

	idx := m.store.ClosestIndex(addr)
	if idx == store.Nil {
		return MemorySpaceDescriptor{}, fmt.Errorf("%w: %#x", ErrNotFound, addr)
	}

	return m.store.Value(idx).Descriptor, nil
}

// GetMMIOAndReservedDescriptors filters GetMemoryDescriptors to
// MemoryMappedIo and Reserved entries (spec §4.2).
func (m *MemorySpace) GetMMIOAndReservedDescriptors() ([]MemorySpaceDescriptor, error) {
	all, err := m.GetMemoryDescriptors()
	if err != nil {
		return nil, err
	}

	out := make([]MemorySpaceDescriptor, 0, len(all))

	for _, d := range all {
		if d.MemoryType == MemoryTypeMMIO || d.MemoryType == MemoryTypeReserved {
			out = append(out, d)
		}
	}

	return out, nil
}

// CompatibilityMode reports whether the space was constructed with
// WithCompatibilityMode.
func (m *MemorySpace) CompatibilityMode() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.compatMode
}

// MarkPagingReady freezes compatibility-mode configuration; called once by
// the facade after the page table is installed.
func (m *MemorySpace) MarkPagingReady() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pagingReady = true
}

func isPrecondition(err error) bool { return errors.Is(err, block.ErrPrecondition) }
func isOutOfRange(err error) bool   { return errors.Is(err, block.ErrOutOfRange) }
func isIncapable(err error) bool    { return errors.Is(err, block.ErrIncapable) }
func isOutOfArena(err error) bool   { return errors.Is(err, store.ErrOutOfResources) }

func mapEngineErr(err error) error {
	if isOutOfArena(err) {
		return fmt.Errorf("%w: %w", ErrOutOfResources, err)
	}

	return fmt.Errorf("%w: %w", ErrInvalidParameter, err)
}
