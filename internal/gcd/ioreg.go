package gcd

import (
	"errors"
	"fmt"
	"sync"

	"github.com/smoynes/elsie/internal/gcd/block"
	"github.com/smoynes/elsie/internal/gcd/store"
	"github.com/smoynes/elsie/internal/log"
)

// IoSpace is the I/O port GCD core (Component D, spec §4.3): the same
// ordered partition idea as MemorySpace but over a 16-bit port space with
// no capability/attribute bitmasks.
type IoSpace struct {
	mu sync.Mutex

	store       *store.Store[block.IoBlock]
	maxPort     uint64
	initialized bool

	callback func(MutationTag, IoSpaceDescriptor)

	log *log.Logger
}

// NewIoSpace constructs an uninitialized I/O GCD.
func NewIoSpace() *IoSpace {
	return &IoSpace{log: log.DefaultLogger()}
}

// WithIoMutationCallback installs the mutation callback for an IoSpace.
func WithIoMutationCallback(fn func(MutationTag, IoSpaceDescriptor)) func(*IoSpace) {
	return func(i *IoSpace) { i.callback = fn }
}

// Init sets maxPort and allocates the store (spec §3 lifecycle). Unlike
// MemorySpace, IoSpace lazily initializes its store tiling on first use
// rather than eagerly requiring a prior AddMemorySpace-equivalent step, per
// the decision that Add on an uninitialized space should lazily initialize
// rather than fail NotReady (spec §4.3 Open Question).
func (i *IoSpace) Init(maxPort uint64) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if maxPort == 0 {
		return fmt.Errorf("%w: zero max port", ErrInvalidParameter)
	}

	i.maxPort = maxPort
	i.store = store.New[block.IoBlock](store.DefaultCapacity)
	i.initialized = true

	return nil
}

func (i *IoSpace) ensureTiling() {
	if i.store.Len() == 0 {
		_, _ = i.store.Add(0, block.IoBlock{
			State: block.Unallocated,
			Descriptor: block.IoSpaceDescriptor{
				BaseAddress: 0,
				Length:      i.maxPort,
				IoType:      block.IoTypeNonExistent,
			},
		})
	}
}

func (i *IoSpace) fire(tag MutationTag, d IoSpaceDescriptor) {
	if i.callback != nil {
		i.callback(tag, d)
	}
}

// AddIoSpace adds a range of the given type (spec §4.3). Per the Open
// Question decision this does not require a prior Init call: an
// uninitialized space lazily initializes maxPort to the smallest power of
// two, at least 0x10000, that holds base+length, and continues, rather than
// returning NotReady.
func (i *IoSpace) AddIoSpace(ioType IoType, base, length uint64) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if length == 0 {
		return fmt.Errorf("%w: zero length", ErrInvalidParameter)
	}

	if !i.initialized {
		i.maxPort = 0x10000

		for base+length > i.maxPort {
			i.maxPort *= 2
		}

		i.store = store.New[block.IoBlock](store.DefaultCapacity)
		i.initialized = true
	}

	if base+length < base || base+length > i.maxPort {
		return fmt.Errorf("%w: [%#x,%#x) exceeds maximum port", ErrUnsupported, base, base+length)
	}

	i.ensureTiling()

	idx := i.store.ClosestIndex(base)
	if idx == store.Nil {
		return fmt.Errorf("%w: [%#x,%#x)", ErrNotFound, base, base+length)
	}

	_, err := block.Split(i.store, idx, base, length, block.IoTransitions.Add(ioType))
	if err != nil {
		return mapIoPreconditionErr(err)
	}

	i.fire(TagAddIoSpace, IoSpaceDescriptor{BaseAddress: base, Length: length, IoType: ioType})

	return nil
}

// RemoveIoSpace transitions a fully-Unallocated covering range back to
// NonExistent (spec §4.3).
func (i *IoSpace) RemoveIoSpace(base, length uint64) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.requireReady(); err != nil {
		return err
	}

	if length == 0 {
		return fmt.Errorf("%w: zero length", ErrInvalidParameter)
	}

	idx := i.store.ClosestIndex(base)
	if idx == store.Nil {
		return fmt.Errorf("%w: [%#x,%#x)", ErrNotFound, base, base+length)
	}

	_, err := block.Split(i.store, idx, base, length, block.IoTransitions.Remove())
	if err != nil {
		return mapIoPreconditionErr(err)
	}

	i.fire(TagRemoveIoSpace, IoSpaceDescriptor{BaseAddress: base, Length: length})

	return nil
}

// AllocateIoSpace is the raw Unallocated->Allocated transition over a
// range chosen by strategy (spec §4.3).
func (i *IoSpace) AllocateIoSpace(
	strategy AllocateStrategy, bound *uint64, ioType IoType, alignShift uint8, length uint64, img, dev Handle,
) (uint64, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.requireReady(); err != nil {
		return 0, err
	}

	if length == 0 || img == HandleNone {
		return 0, fmt.Errorf("%w: zero length or nil image handle", ErrInvalidParameter)
	}

	align := uint64(1) << alignShift

	base, idx, err := i.findCandidate(strategy, bound, ioType, align, length)
	if err != nil {
		return 0, err
	}

	_, err = block.Split(i.store, idx, base, length, block.IoTransitions.Allocate(img, dev))
	if err != nil {
		return 0, mapIoPreconditionErr(err)
	}

	i.fire(TagAllocateIoSpace, IoSpaceDescriptor{BaseAddress: base, Length: length, IoType: ioType, ImageHandle: img, DeviceHandle: dev})

	return base, nil
}

func (i *IoSpace) findCandidate(
	strategy AllocateStrategy, bound *uint64, ioType IoType, align, length uint64,
) (uint64, int, error) {
	if strategy == Address {
		if bound == nil {
			return 0, store.Nil, fmt.Errorf("%w: Address strategy requires a base", ErrInvalidParameter)
		}

		base := *bound
		idx := i.store.ClosestIndex(base)
		if idx == store.Nil {
			return 0, store.Nil, fmt.Errorf("%w: [%#x,...)", ErrNotFound, base)
		}

		b := i.store.Value(idx)
		if b.State != block.Unallocated || b.Descriptor.IoType != ioType {
			return 0, store.Nil, fmt.Errorf("%w: [%#x,...) not Unallocated(%s)", ErrNotFound, base, ioType)
		}

		if base+length > b.Descriptor.End() {
			return 0, store.Nil, fmt.Errorf("%w: [%#x,%#x) not contained in block", ErrNotFound, base, base+length)
		}

		return base, idx, nil
	}

	var candidates []candidate

	i.store.Ascending(func(idx int, _ uint64, b block.IoBlock) bool {
		if b.State != block.Unallocated || b.Descriptor.IoType != ioType {
			return true
		}

		candidates = append(candidates, candidate{idx: idx, base: b.Descriptor.BaseAddress, end: b.Descriptor.End()})

		return true
	})

	if strategy == BottomUp {
		for _, c := range candidates {
			start := AlignUp(c.base, align)
			if start+length > c.end {
				continue
			}

			if bound != nil && start+length > *bound {
				continue
			}

			return start, c.idx, nil
		}
	} else {
		for j := len(candidates) - 1; j >= 0; j-- {
			c := candidates[j]

			limit := c.end
			if bound != nil && *bound < limit {
				limit = *bound
			}

			start := AlignDown(limit-length, align)
			if start < c.base {
				continue
			}

			return start, c.idx, nil
		}
	}

	return 0, store.Nil, fmt.Errorf("%w: no block of type %s fits %d bytes", ErrOutOfResources, ioType, length)
}

// FreeIoSpace is the raw Allocated->Unallocated transition (spec §4.3).
func (i *IoSpace) FreeIoSpace(base, length uint64) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.requireReady(); err != nil {
		return err
	}

	if length == 0 {
		return fmt.Errorf("%w: zero length", ErrInvalidParameter)
	}

	idx := i.store.ClosestIndex(base)
	if idx == store.Nil {
		return fmt.Errorf("%w: [%#x,%#x)", ErrNotFound, base, base+length)
	}

	_, err := block.Split(i.store, idx, base, length, block.IoTransitions.Free())
	if err != nil {
		return mapIoPreconditionErr(err)
	}

	i.fire(TagFreeIoSpace, IoSpaceDescriptor{BaseAddress: base, Length: length})

	return nil
}

// GetIoDescriptors enumerates all blocks in ascending order (spec §4.3).
func (i *IoSpace) GetIoDescriptors() ([]IoSpaceDescriptor, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.requireReady(); err != nil {
		return nil, err
	}

	out := make([]IoSpaceDescriptor, 0, i.store.Len())
	i.store.Ascending(func(_ int, _ uint64, b block.IoBlock) bool {
		out = append(out, b.Descriptor)
		return true
	})

	return out, nil
}

// GetIoDescriptorForAddress returns the descriptor of the block covering
// port (spec §4.3).
func (i *IoSpace) GetIoDescriptorForAddress(port uint64) (IoSpaceDescriptor, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.requireReady(); err != nil {
		return IoSpaceDescriptor{}, err
	}

	idx := i.store.ClosestIndex(port)
	if idx == store.Nil {
		return IoSpaceDescriptor{}, fmt.Errorf("%w: %#x", ErrNotFound, port)
	}

	return i.store.Value(idx).Descriptor, nil
}

func (i *IoSpace) requireReady() error {
	if !i.initialized {
		return ErrNotReady
	}

	return nil
}

func mapIoPreconditionErr(err error) error {
	switch {
	case errors.Is(err, block.ErrPrecondition):
		return fmt.Errorf("%w: %w", ErrAccessDenied, err)
	case errors.Is(err, block.ErrOutOfRange):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, store.ErrOutOfResources):
		return fmt.Errorf("%w: %w", ErrOutOfResources, err)
	default:
		return fmt.Errorf("%w: %w", ErrInvalidParameter, err)
	}
}
