package devices

import (
	"testing"

	"github.com/sw882882/riscv-emu/internal/rv64"
)

const testSource = 10

func plicEnableSource(p *PLIC, context int, source uint32) {
	off := uint64(plicEnableBase) + uint64(context)*0x80 + uint64(source/32)*4
	p.Write(off, 4, 1<<(source%32))
}

func plicClaim(p *PLIC, context int) uint32 {
	v, _ := p.Read(plicThresholdBase+uint64(context)*plicContextStride+4, 4)
	return uint32(v)
}

func TestPLICClaimComplete(t *testing.T) {
	p := NewPLIC()
	p.Write(testSource*4, 4, 3) // priority
	plicEnableSource(p, 0, testSource)
	p.SetPending(testSource, true)

	if p.PendingInterrupts()&rv64.MipMEIP == 0 {
		t.Fatal("MEIP not asserted")
	}

	if got := plicClaim(p, 0); got != testSource {
		t.Fatalf("claim = %d, want %d", got, testSource)
	}
	// Claim clears the pending bit; nothing left to deliver.
	if p.PendingInterrupts() != 0 {
		t.Error("MEIP still asserted after claim")
	}
	if got := plicClaim(p, 0); got != 0 {
		t.Errorf("second claim = %d, want none", got)
	}

	p.Write(plicThresholdBase+4, 4, testSource) // complete
}

func TestPLICThresholdGatesDelivery(t *testing.T) {
	p := NewPLIC()
	p.Write(testSource*4, 4, 2)
	plicEnableSource(p, 0, testSource)
	p.SetPending(testSource, true)

	p.Write(plicThresholdBase, 4, 2) // threshold == priority masks it
	if p.PendingInterrupts() != 0 {
		t.Error("interrupt delivered at priority == threshold")
	}
	p.Write(plicThresholdBase, 4, 1)
	if p.PendingInterrupts()&rv64.MipMEIP == 0 {
		t.Error("interrupt masked below threshold")
	}
}

func TestPLICDisabledSourceIgnored(t *testing.T) {
	p := NewPLIC()
	p.Write(testSource*4, 4, 7)
	p.SetPending(testSource, true)
	if p.PendingInterrupts() != 0 {
		t.Error("disabled source delivered")
	}
}

func TestPLICContextsAreIndependent(t *testing.T) {
	p := NewPLIC()
	p.Write(testSource*4, 4, 5)
	plicEnableSource(p, 1, testSource)
	p.SetPending(testSource, true)

	pending := p.PendingInterrupts()
	if pending&rv64.MipSEIP == 0 {
		t.Error("SEIP not asserted for context 1")
	}
	if pending&rv64.MipMEIP != 0 {
		t.Error("MEIP asserted without context 0 enable")
	}
	if got := plicClaim(p, 1); got != testSource {
		t.Errorf("context 1 claim = %d", got)
	}
}

func TestPLICHighestPriorityWins(t *testing.T) {
	p := NewPLIC()
	p.Write(4*4, 4, 2)
	p.Write(7*4, 4, 6)
	plicEnableSource(p, 0, 4)
	plicEnableSource(p, 0, 7)
	p.SetPending(4, true)
	p.SetPending(7, true)

	if got := plicClaim(p, 0); got != 7 {
		t.Errorf("claim = %d, want the higher-priority source", got)
	}
	if got := plicClaim(p, 0); got != 4 {
		t.Errorf("second claim = %d, want the remaining source", got)
	}
}

func TestPLICPendingLineFollowsSource(t *testing.T) {
	p := NewPLIC()
	p.Write(testSource*4, 4, 1)
	plicEnableSource(p, 0, testSource)
	p.SetPending(testSource, true)
	p.SetPending(testSource, false)
	if p.PendingInterrupts() != 0 {
		t.Error("lowered line still pending")
	}
}
