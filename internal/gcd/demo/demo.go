// Package demo builds a small, fixed coherency domain scenario for the
// command-line tool to exercise — a stand-in for the boot loader's hand-off
// a real DXE core would receive: a fixed description of initial state,
// loaded into a fresh runtime value on every invocation.
package demo

import (
	"github.com/smoynes/elsie/internal/gcd"
	"github.com/smoynes/elsie/internal/gcd/facade"
	"github.com/smoynes/elsie/internal/gcd/hob"
	"github.com/smoynes/elsie/internal/log"
)

// Resources is the canned hand-off memory map the demo domain ingests on
// every run: system memory below 256 MiB, around a legacy VGA MMIO window
// and a reserved BIOS range.
var Resources = []hob.ResourceDescriptor{
	{Type: hob.ResourceSystemMemory, PhysicalStart: 0, Length: 0xa0000},
	{Type: hob.ResourceMemoryMappedIo, PhysicalStart: 0xa0000, Length: 0x20000},
	{Type: hob.ResourceMemoryReserved, PhysicalStart: 0xf0000, Length: 0x10000},
	{Type: hob.ResourceSystemMemory, PhysicalStart: 0x10_0000, Length: 0x0ff0_0000},
}

// Allocations pre-marks the DXE core's own image range Allocated, the way
// a boot loader's MemoryAllocationModule HOB does for the module handing
// off control.
var Allocations = []hob.MemoryAllocationDescriptor{
	{BaseAddress: 0x20_0000, Length: 0x10_0000, Owner: gcd.HandleDxeCore},
}

// New builds a facade.Domain, ingests Resources/Allocations, and returns it
// ready for the CLI to drive further operations against.
func New(callback func(gcd.MutationTag, any)) (*facade.Domain, error) {
	logger := log.DefaultLogger()

	d := facade.New(callback)

	if err := d.Memory.Init(36); err != nil {
		return nil, err
	}

	if err := d.Io.Init(0x10000); err != nil {
		return nil, err
	}

	if err := hob.IngestHOBList(d.Memory, Resources, Allocations); err != nil {
		logger.Warn("demo HOB ingestion reported errors", "err", err)
	}

	return d, nil
}
