// Package devices holds the MMIO peripherals attached to the machine bus:
// the CLINT, the PLIC and a 16550 UART.
package devices

import "github.com/sw882882/riscv-emu/internal/rv64"

// CLINT register offsets
const (
	clintMsip     = 0x0000
	clintMtimecmp = 0x4000
	clintMtime    = 0xbff8
)

// CLINT is the core-local interruptor. mtime is a view of the machine's
// cycle counter, so timer behavior is a pure function of executed steps.
type CLINT struct {
	cycles *rv64.CycleCounter

	msip     uint32
	mtimecmp uint64

	// supervisorTimer routes timer expiry to STIP instead of MTIP, for
	// machines where the SBI layer owns the timer.
	supervisorTimer bool
}

// NewCLINT creates a CLINT over the machine's cycle counter.
func NewCLINT(cycles *rv64.CycleCounter) *CLINT {
	return &CLINT{cycles: cycles, mtimecmp: ^uint64(0)}
}

// SetSupervisorTimer selects STIP delivery for timer expiry.
func (c *CLINT) SetSupervisorTimer(on bool) { c.supervisorTimer = on }

// SetTimecmp implements rv64.TimerDevice for the SBI timer extension.
func (c *CLINT) SetTimecmp(value uint64) { c.mtimecmp = value }

// Size implements rv64.Device.
func (c *CLINT) Size() uint64 { return rv64.CLINTSize }

// Read implements rv64.Device.
func (c *CLINT) Read(offset uint64, size int) (uint64, error) {
	switch {
	case offset >= clintMsip && offset < clintMsip+4:
		return uint64(c.msip), nil
	case offset >= clintMtimecmp && offset < clintMtimecmp+8:
		return c.mtimecmp, nil
	case offset >= clintMtime && offset < clintMtime+8:
		return c.cycles.Now(), nil
	}
	return 0, nil
}

// Write implements rv64.Device. mtime itself is read-only; it advances
// only through the cycle counter.
func (c *CLINT) Write(offset uint64, size int, value uint64) error {
	switch {
	case offset >= clintMsip && offset < clintMsip+4:
		c.msip = uint32(value & 1)

	case offset >= clintMtimecmp && offset < clintMtimecmp+8:
		if size == 4 {
			if offset == clintMtimecmp {
				c.mtimecmp = (c.mtimecmp &^ 0xffffffff) | (value & 0xffffffff)
			} else {
				c.mtimecmp = (c.mtimecmp & 0xffffffff) | (value << 32)
			}
		} else {
			c.mtimecmp = value
		}
	}
	return nil
}

// InterruptMask implements rv64.InterruptSource.
func (c *CLINT) InterruptMask() uint64 {
	mask := uint64(rv64.MipMSIP | rv64.MipMTIP)
	if c.supervisorTimer {
		mask |= rv64.MipSTIP
	}
	return mask
}

// PendingInterrupts implements rv64.InterruptSource. The timer line is
// asserted exactly while mtime >= mtimecmp.
func (c *CLINT) PendingInterrupts() uint64 {
	var pending uint64
	if c.msip != 0 {
		pending |= rv64.MipMSIP
	}
	if c.cycles.Now() >= c.mtimecmp {
		if c.supervisorTimer {
			pending |= rv64.MipSTIP
		} else {
			pending |= rv64.MipMTIP
		}
	}
	return pending
}

var (
	_ rv64.Device          = (*CLINT)(nil)
	_ rv64.InterruptSource = (*CLINT)(nil)
	_ rv64.TimerDevice     = (*CLINT)(nil)
)
