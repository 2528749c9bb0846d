// Package caps derives GCD capability/attribute bits from a HOB
// producer's attribute mask (spec §4.8), the table boot loaders' resource
// descriptors are run through during HOB ingestion.
package caps

import "github.com/smoynes/elsie/internal/gcd"

// Producer attribute bits, as reported by a boot-time resource descriptor
// HOB. These are a distinct bit space from the GCD's own MemoryXX
// constants; the row table below is the only place the two are compared.
const (
	ProducerUncacheable       uint64 = 1 << 0
	ProducerWriteCombineable  uint64 = 1 << 1
	ProducerWriteThrough      uint64 = 1 << 2
	ProducerWriteBack         uint64 = 1 << 3
	ProducerReadProtected     uint64 = 1 << 4
	ProducerWriteProtected    uint64 = 1 << 5
	ProducerExecutionProtect  uint64 = 1 << 6
	ProducerReadOnlyProtected uint64 = 1 << 7
	ProducerPersistent        uint64 = 1 << 8
	ProducerMoreReliable      uint64 = 1 << 9
	ProducerRuntime           uint64 = 1 << 10
	Producer32BitOnly         uint64 = 1 << 11
	Producer64BitOnly         uint64 = 1 << 12
	ProducerTested            uint64 = 1 << 13
)

type row struct {
	producerBit uint64
	gcdBit      uint64
	// universalOnly marks a hardware-presence row (Present/Initialized/
	// Tested in the ground truth) that only translates to a capability bit
	// when memType is not SystemMemory or MoreReliable: those two types are
	// universally capable of the underlying software characteristic, so
	// the producer's raw hardware-presence bit carries no extra
	// information there. Rows without this marker apply unconditionally,
	// gated only by producerAttrs, for every memory type.
	universalOnly bool
}

// table is the fixed 14-row mapping of spec §4.8.
var table = [14]row{
	{producerBit: ProducerUncacheable, gcdBit: gcd.MemoryUC},
	{producerBit: ProducerWriteCombineable, gcdBit: gcd.MemoryWC},
	{producerBit: ProducerWriteThrough, gcdBit: gcd.MemoryWT},
	{producerBit: ProducerWriteBack, gcdBit: gcd.MemoryWB},
	{producerBit: ProducerReadProtected, gcdBit: gcd.MemoryRP},
	{producerBit: ProducerWriteProtected, gcdBit: gcd.MemoryWP},
	{producerBit: ProducerExecutionProtect, gcdBit: gcd.MemoryXP},
	{producerBit: ProducerReadOnlyProtected, gcdBit: gcd.MemoryRO},
	{producerBit: ProducerRuntime, gcdBit: gcd.MemoryRuntime},
	{producerBit: ProducerPersistent, gcdBit: 0},
	{producerBit: ProducerMoreReliable, gcdBit: 0},
	// 32BitOnly/64BitOnly/Tested carry no GCD capability bit in this model
	// (there is no software-presence mask equivalent to hardware
	// Present/Initialized/Tested bits here), but are marked universalOnly
	// to keep the row table's shape aligned with the ground truth's
	// memory:false rows.
	{producerBit: Producer32BitOnly, gcdBit: 0, universalOnly: true},
	{producerBit: Producer64BitOnly, gcdBit: 0, universalOnly: true},
	{producerBit: ProducerTested, gcdBit: 0, universalOnly: true},
}

// universallyCapable memory types support every software capability bit
// and carry no hardware-derived capability bits (spec §4.8).
func universallyCapable(memType gcd.MemoryType) bool {
	return memType == gcd.MemoryTypeSystemMemory || memType == gcd.MemoryTypeMoreReliable
}

// DeriveCapabilities runs producerAttrs through the row table for memType,
// returning the GCD capability bits a HOB-described range should be added
// with. Every row is gated on its producer attribute bit; a universalOnly
// row is additionally skipped when memType is universally capable.
func DeriveCapabilities(memType gcd.MemoryType, producerAttrs uint64) uint64 {
	universal := universallyCapable(memType)

	var caps uint64

	for _, r := range table {
		if r.universalOnly && universal {
			continue
		}

		if producerAttrs&r.producerBit != 0 {
			caps |= r.gcdBit
		}
	}

	return caps
}
