package devices

import (
	"testing"

	"github.com/sw882882/riscv-emu/internal/rv64"
)

func TestCLINTMtimeTracksCycles(t *testing.T) {
	cycles := &rv64.CycleCounter{}
	c := NewCLINT(cycles)

	v, _ := c.Read(clintMtime, 8)
	if v != 0 {
		t.Errorf("mtime = %d at reset", v)
	}
	cycles.Advance(500)
	if v, _ = c.Read(clintMtime, 8); v != 500 {
		t.Errorf("mtime = %d, want cycle count", v)
	}

	// mtime is read-only.
	c.Write(clintMtime, 8, 9999)
	if v, _ = c.Read(clintMtime, 8); v != 500 {
		t.Errorf("mtime = %d after write, want unchanged", v)
	}
}

func TestCLINTTimerInterrupt(t *testing.T) {
	cycles := &rv64.CycleCounter{}
	c := NewCLINT(cycles)

	// mtimecmp resets to all-ones: no spurious interrupt at boot.
	if p := c.PendingInterrupts(); p != 0 {
		t.Errorf("pending = 0x%x at reset", p)
	}

	c.Write(clintMtimecmp, 8, 100)
	cycles.Advance(99)
	if p := c.PendingInterrupts(); p != 0 {
		t.Errorf("pending = 0x%x one cycle early", p)
	}
	cycles.Advance(1)
	if p := c.PendingInterrupts(); p != rv64.MipMTIP {
		t.Errorf("pending = 0x%x at expiry, want MTIP", p)
	}

	// Rearming the comparator drops the line.
	c.SetTimecmp(1000)
	if p := c.PendingInterrupts(); p != 0 {
		t.Errorf("pending = 0x%x after rearm", p)
	}
}

func TestCLINTSupervisorTimerMode(t *testing.T) {
	cycles := &rv64.CycleCounter{}
	c := NewCLINT(cycles)
	c.SetSupervisorTimer(true)
	c.SetTimecmp(10)
	cycles.Advance(10)

	if p := c.PendingInterrupts(); p != rv64.MipSTIP {
		t.Errorf("pending = 0x%x, want STIP in supervisor mode", p)
	}
	if m := c.InterruptMask(); m&rv64.MipSTIP == 0 {
		t.Errorf("mask = 0x%x, STIP not owned", m)
	}
}

func TestCLINTMtimecmpHalfwordWrites(t *testing.T) {
	c := NewCLINT(&rv64.CycleCounter{})
	c.Write(clintMtimecmp, 4, 0xdeadbeef)
	c.Write(clintMtimecmp+4, 4, 0x12345678)

	v, _ := c.Read(clintMtimecmp, 8)
	if v != 0x12345678deadbeef {
		t.Errorf("mtimecmp = 0x%x after split write", v)
	}
}

func TestCLINTSoftwareInterrupt(t *testing.T) {
	c := NewCLINT(&rv64.CycleCounter{})
	c.Write(clintMsip, 4, 1)
	if p := c.PendingInterrupts(); p&rv64.MipMSIP == 0 {
		t.Error("MSIP not raised")
	}
	c.Write(clintMsip, 4, 0)
	if p := c.PendingInterrupts(); p&rv64.MipMSIP != 0 {
		t.Error("MSIP not cleared")
	}
}
