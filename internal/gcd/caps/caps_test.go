package caps

import (
	"testing"

	"github.com/smoynes/elsie/internal/gcd"
)

func TestDeriveCapabilitiesSystemMemoryGatesOnProducerAttrs(t *testing.T) {
	got := DeriveCapabilities(gcd.MemoryTypeSystemMemory, ProducerReadProtected|ProducerUncacheable)
	want := gcd.MemoryRP | gcd.MemoryUC

	if got != want {
		t.Fatalf("got %#x, want %#x", got, want)
	}

	if got&gcd.MemoryWC != 0 {
		t.Errorf("unexpected MemoryWC bit set, got %#x", got)
	}
}

func TestDeriveCapabilitiesReservedAppliesRowsUnconditionally(t *testing.T) {
	got := DeriveCapabilities(gcd.MemoryTypeReserved, ProducerExecutionProtect|ProducerWriteBack)

	if got&gcd.MemoryXP == 0 {
		t.Errorf("expected MemoryXP bit set, got %#x", got)
	}

	if got&gcd.MemoryWB == 0 {
		t.Errorf("expected MemoryWB bit set, got %#x", got)
	}

	if got&gcd.MemoryRP != 0 {
		t.Errorf("unexpected MemoryRP bit set, got %#x", got)
	}
}

func TestDeriveCapabilitiesMMIOIgnoresUnmappedProducerBits(t *testing.T) {
	got := DeriveCapabilities(gcd.MemoryTypeMMIO, ProducerPersistent|ProducerTested)

	if got != 0 {
		t.Fatalf("got %#x, want 0 (Persistent/Tested carry no GCD bit)", got)
	}
}

func TestDeriveCapabilitiesUniversalOnlyRowSkippedForMoreReliable(t *testing.T) {
	got := DeriveCapabilities(gcd.MemoryTypeMoreReliable, ProducerTested|ProducerWriteBack)

	want := gcd.MemoryWB
	if got != want {
		t.Fatalf("got %#x, want %#x (Tested is universalOnly and carries no bit anyway)", got, want)
	}
}
