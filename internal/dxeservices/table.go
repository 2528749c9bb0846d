// Package dxeservices exposes the memory and I/O GCD facade through the
// CRC-sealed function-pointer table external DXE drivers call (spec
// §6.1/§6.3/§6.4). hash/crc32 is standard library: no example in this
// repository's dependency surface supplies a CRC32 implementation, and the
// checksum here is a fixed, well-known polynomial with no format-specific
// framing that a third-party codec library would otherwise provide.
package dxeservices

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/smoynes/elsie/internal/gcd"
	"github.com/smoynes/elsie/internal/gcd/facade"
)

// Signature identifies the DXE Services table (spec §6.1).
const Signature uint64 = 0x565245535f455844 // "DXE_SERV"

// Revision is the wire-format revision this table implements.
const Revision uint32 = 0x0001000a

// header is the CRC-tagged table prefix (spec §6.1).
type header struct {
	Signature  uint64
	Revision   uint32
	HeaderSize uint32
	CRC32      uint32
	Reserved   uint32
}

const headerSize = 8 + 4 + 4 + 4 + 4

// GcdAllocateType decodes the wire parameter of spec §6.1 into an
// AllocateStrategy plus whether a bound applies.
type GcdAllocateType int

const (
	AllocateAddress GcdAllocateType = iota
	AllocateAnySearchBottomUp
	AllocateAnySearchTopDown
	AllocateMaxAddressSearchBottomUp
	AllocateMaxAddressSearchTopDown
)

// decode maps a wire allocate type plus the in/out base_address pointer to
// the strategy and bound AllocateMemorySpace/AllocateIoSpace expect.
func (t GcdAllocateType) decode(baseAddress *uint64) (gcd.AllocateStrategy, *uint64, error) {
	switch t {
	case AllocateAddress:
		if baseAddress == nil {
			return 0, nil, gcd.ErrInvalidParameter
		}

		return gcd.Address, baseAddress, nil
	case AllocateAnySearchBottomUp:
		return gcd.BottomUp, nil, nil
	case AllocateAnySearchTopDown:
		return gcd.TopDown, nil, nil
	case AllocateMaxAddressSearchBottomUp:
		if baseAddress == nil {
			return 0, nil, gcd.ErrInvalidParameter
		}

		return gcd.BottomUp, baseAddress, nil
	case AllocateMaxAddressSearchTopDown:
		if baseAddress == nil {
			return 0, nil, gcd.ErrInvalidParameter
		}

		return gcd.TopDown, baseAddress, nil
	default:
		return 0, nil, gcd.ErrInvalidParameter
	}
}

// DispatchFunc, ScheduleFunc, TrustFunc and ProcessFirmwareVolumeFunc are
// delegated to the dispatcher outside the GCD core (spec §6.1); the table
// carries them as plain function values so a dispatcher package can plug
// itself in without this package depending on it.
type (
	DispatchFunc              func() error
	ScheduleFunc              func(firmwareVolumeHandle gcd.Handle, fileName [16]byte) error
	TrustFunc                 func(firmwareVolumeHandle gcd.Handle, fileName [16]byte) error
	ProcessFirmwareVolumeFunc func(firmwareVolumeHeader []byte, size uint64) (gcd.Handle, error)
)

// Table is the wire table of spec §6.1, bound to a facade.Domain for the
// GCD operations and to dispatcher callbacks for the remaining four.
type Table struct {
	header header

	Domain *facade.Domain

	Dispatch              DispatchFunc
	Schedule              ScheduleFunc
	Trust                 TrustFunc
	ProcessFirmwareVolume ProcessFirmwareVolumeFunc
}

// New builds a Table bound to domain, seals it, and returns it.
func New(domain *facade.Domain) *Table {
	t := &Table{Domain: domain}
	t.Seal()

	return t
}

// Seal rebuilds the header and stores the CRC32 of its encoded bytes,
// computed with the CRC field zeroed (spec §6.1). The checksum covers the
// header only: Domain and the dispatcher function fields are not part of
// it, so changing them does not change the CRC.
func (t *Table) Seal() {
	t.header = header{
		Signature:  Signature,
		Revision:   Revision,
		HeaderSize: headerSize,
	}

	t.header.CRC32 = crc32.ChecksumIEEE(t.wireBytes())
}

// CRC returns the CRC32 stored by the last Seal call.
func (t *Table) CRC() uint32 {
	return t.header.CRC32
}

// Verify reports whether the stored CRC32 still matches the encoded
// header.
func (t *Table) Verify() bool {
	want := t.header.CRC32

	zeroed := t.header
	zeroed.CRC32 = 0

	got := crc32.ChecksumIEEE(encodeHeader(zeroed))

	return got == want
}

func (t *Table) wireBytes() []byte {
	h := t.header
	h.CRC32 = 0

	return encodeHeader(h)
}

func encodeHeader(h header) []byte {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint64(buf[0:8], h.Signature)
	binary.LittleEndian.PutUint32(buf[8:12], h.Revision)
	binary.LittleEndian.PutUint32(buf[12:16], h.HeaderSize)
	binary.LittleEndian.PutUint32(buf[16:20], h.CRC32)
	binary.LittleEndian.PutUint32(buf[20:24], h.Reserved)

	return buf
}

// AddMemorySpace, RemoveMemorySpace, AllocateMemorySpace, FreeMemorySpace,
// SetMemorySpaceAttributes, SetMemorySpaceCapabilities, GetMemorySpaceMap,
// AddIoSpace, RemoveIoSpace, AllocateIoSpace, FreeIoSpace, and
// GetIoSpaceMap are the twelve GCD-facing entries of the table (spec §6.1);
// the remaining four are the Dispatch/Schedule/Trust/ProcessFirmwareVolume
// fields above.

func (t *Table) AddMemorySpace(memType gcd.MemoryType, base, length, caps uint64) error {
	return t.Domain.Memory.AddMemorySpace(memType, base, length, caps)
}

func (t *Table) RemoveMemorySpace(base, length uint64) error {
	return t.Domain.Memory.RemoveMemorySpace(base, length)
}

func (t *Table) AllocateMemorySpace(
	allocType GcdAllocateType, memType gcd.MemoryType, alignShift uint8, length uint64,
	baseAddress *uint64, img, dev gcd.Handle,
) (uint64, error) {
	if baseAddress == nil {
		return 0, gcd.ErrInvalidParameter
	}

	strategy, bound, err := allocType.decode(baseAddress)
	if err != nil {
		return 0, err
	}

	addr, err := t.Domain.AllocateMemorySpace(strategy, bound, memType, alignShift, length, img, dev)
	if err != nil {
		return 0, err
	}

	*baseAddress = addr

	return addr, nil
}

func (t *Table) FreeMemorySpace(base, length uint64) error {
	return t.Domain.FreeMemorySpace(base, length)
}

func (t *Table) SetMemorySpaceAttributes(base, length, attrs uint64) error {
	return t.Domain.SetMemorySpaceAttributes(base, length, attrs)
}

func (t *Table) SetMemorySpaceCapabilities(base, length, capabilities uint64) error {
	return t.Domain.Memory.SetMemorySpaceCapabilities(base, length, capabilities)
}

// GetMemorySpaceMap returns every memory descriptor; spec §6.1 describes
// this as allocating a buffer through the pool allocator for the caller to
// free, which in this implementation is simply the returned slice (Go's
// GC retires the need for an explicit pool-free call).
func (t *Table) GetMemorySpaceMap() ([]gcd.MemorySpaceDescriptor, error) {
	return t.Domain.Memory.GetMemoryDescriptors()
}

func (t *Table) AddIoSpace(ioType gcd.IoType, base, length uint64) error {
	return t.Domain.Io.AddIoSpace(ioType, base, length)
}

func (t *Table) RemoveIoSpace(base, length uint64) error {
	return t.Domain.Io.RemoveIoSpace(base, length)
}

func (t *Table) AllocateIoSpace(
	allocType GcdAllocateType, ioType gcd.IoType, alignShift uint8, length uint64,
	baseAddress *uint64, img, dev gcd.Handle,
) (uint64, error) {
	if baseAddress == nil {
		return 0, gcd.ErrInvalidParameter
	}

	strategy, bound, err := allocType.decode(baseAddress)
	if err != nil {
		return 0, err
	}

	addr, err := t.Domain.Io.AllocateIoSpace(strategy, bound, ioType, alignShift, length, img, dev)
	if err != nil {
		return 0, err
	}

	*baseAddress = addr

	return addr, nil
}

func (t *Table) FreeIoSpace(base, length uint64) error {
	return t.Domain.Io.FreeIoSpace(base, length)
}

func (t *Table) GetIoSpaceMap() ([]gcd.IoSpaceDescriptor, error) {
	return t.Domain.Io.GetIoDescriptors()
}

// MemoryTypeInformation records, per well-known allocator handle, the
// number of pages the platform pre-reserves for it across the next boot
// (spec §6.3). The DXE core updates this table's NumberOfPages as it
// observes peak usage, and a platform driver persists it to NVRAM. This
// implementation keys entries by the owning allocator Handle rather than a
// separate EFI memory-type enum, since that distinction (LoaderCode vs.
// BootServicesData vs. ...) is carried by WellKnownHandles here, not by
// MemoryType.
type MemoryTypeInformation struct {
	Owner         gcd.Handle
	NumberOfPages uint32
}

// DefaultMemoryTypeInformation is the fixed 17-entry table seeded before
// any allocator usage has been observed (spec §6.3): one entry per
// WellKnownHandles allocator, plus 7 reserved terminator slots matching
// the wire table's fixed size.
var DefaultMemoryTypeInformation = [17]MemoryTypeInformation{
	{Owner: gcd.HandleDxeCore},
	{Owner: gcd.HandleReservedMemoryAllocator},
	{Owner: gcd.HandleEfiLoaderCodeAllocator},
	{Owner: gcd.HandleEfiLoaderDataAllocator},
	{Owner: gcd.HandleEfiBootServicesCodeAllocator},
	{Owner: gcd.HandleEfiBootServicesDataAllocator},
	{Owner: gcd.HandleEfiRuntimeServicesCodeAllocator},
	{Owner: gcd.HandleEfiRuntimeServicesDataAllocator},
	{Owner: gcd.HandleEfiAcpiReclaimMemoryAllocator},
	{Owner: gcd.HandleEfiAcpiMemoryNvsAllocator},
	{Owner: gcd.HandleNone}, // remaining slots reserved for platform-specific pools.
	{Owner: gcd.HandleNone},
	{Owner: gcd.HandleNone},
	{Owner: gcd.HandleNone},
	{Owner: gcd.HandleNone},
	{Owner: gcd.HandleNone},
	{Owner: gcd.HandleNone}, // terminating sentinel (EfiMaxMemoryType).
}

// WellKnownHandles are the image handles the DXE core installs before its
// first allocation, so early AllocateMemorySpace calls have a meaningful
// owner (spec §6.4).
var WellKnownHandles = [10]gcd.Handle{
	gcd.HandleDxeCore,
	gcd.HandleReservedMemoryAllocator,
	gcd.HandleEfiLoaderCodeAllocator,
	gcd.HandleEfiLoaderDataAllocator,
	gcd.HandleEfiBootServicesCodeAllocator,
	gcd.HandleEfiBootServicesDataAllocator,
	gcd.HandleEfiRuntimeServicesCodeAllocator,
	gcd.HandleEfiRuntimeServicesDataAllocator,
	gcd.HandleEfiAcpiReclaimMemoryAllocator,
	gcd.HandleEfiAcpiMemoryNvsAllocator,
}
