package rv64

// TrapEvent records one trap entry for the debug snapshot.
type TrapEvent struct {
	Cause     uint64
	Tval      uint64
	EPC       uint64
	Interrupt bool
	From      uint8 // privilege mode the trap was taken from
	Target    uint8 // privilege mode the trap landed in
}

// Interrupt priority, highest first. Machine interrupts outrank supervisor
// ones; within a class external > software > timer.
var interruptPriority = []struct {
	bit   uint64
	cause uint64
}{
	{MipMEIP, CauseMExternalInt},
	{MipMSIP, CauseMSoftwareInt},
	{MipMTIP, CauseMTimerInt},
	{MipSEIP, CauseSExternalInt},
	{MipSSIP, CauseSSoftwareInt},
	{MipSTIP, CauseSTimerInt},
}

// PendingInterrupt returns the cause of the highest-priority interrupt that
// is pending, enabled, and deliverable in the current privilege mode.
func (cpu *CPU) PendingInterrupt() (uint64, bool) {
	pending := cpu.Mip & cpu.Mie
	if pending == 0 {
		return 0, false
	}

	// Interrupts delegated by mideleg target S-mode; the rest target M.
	// A target mode's interrupts are deliverable when running below it,
	// or in it with the mode's global enable set.
	mDeliverable := cpu.Priv < PrivMachine ||
		cpu.Mstatus&MstatusMIE != 0
	sDeliverable := cpu.Priv < PrivSupervisor ||
		(cpu.Priv == PrivSupervisor && cpu.Mstatus&MstatusSIE != 0)

	mPending := pending &^ cpu.Mideleg
	sPending := pending & cpu.Mideleg

	for _, p := range interruptPriority {
		if mDeliverable && mPending&p.bit != 0 {
			return p.cause, true
		}
		if sDeliverable && sPending&p.bit != 0 {
			return p.cause, true
		}
	}
	return 0, false
}

// trapVector computes the entry PC from a tvec register. Vectored mode
// applies to interrupts only.
func trapVector(tvec, cause uint64) uint64 {
	base := tvec &^ 3
	if tvec&3 == 1 && cause>>63 != 0 {
		return base + 4*(cause&0xff)
	}
	return base
}

// EnterTrap performs one trap entry: it resolves delegation, stacks the
// privilege and interrupt-enable state into mstatus, records epc/cause/tval
// and redirects the PC to the handler. The LR/SC reservation is dropped.
func (cpu *CPU) EnterTrap(cause, tval, epc uint64) TrapEvent {
	interrupt := cause>>63 != 0
	code := cause & 0xff

	// Delegation applies only to traps taken from S or U.
	toS := false
	if cpu.Priv <= PrivSupervisor {
		if interrupt {
			toS = cpu.Mideleg&(1<<code) != 0
		} else {
			toS = cpu.Medeleg&(1<<code) != 0
		}
	}

	cpu.ReservationValid = false
	cpu.WFI = false

	ev := TrapEvent{
		Cause:     cause,
		Tval:      tval,
		EPC:       epc,
		Interrupt: interrupt,
		From:      cpu.Priv,
	}

	if toS {
		cpu.Sepc = epc
		cpu.Scause = cause
		cpu.Stval = tval

		st := cpu.Mstatus
		// SPIE <- SIE, SIE <- 0, SPP <- prior privilege
		st &^= MstatusSPIE | MstatusSPP
		if st&MstatusSIE != 0 {
			st |= MstatusSPIE
		}
		st &^= MstatusSIE
		st |= uint64(cpu.Priv) << MstatusSPPShift
		cpu.Mstatus = st

		cpu.Priv = PrivSupervisor
		cpu.PC = trapVector(cpu.Stvec, cause)
		ev.Target = PrivSupervisor
		return ev
	}

	cpu.Mepc = epc
	cpu.Mcause = cause
	cpu.Mtval = tval

	st := cpu.Mstatus
	// MPIE <- MIE, MIE <- 0, MPP <- prior privilege
	st &^= MstatusMPIE | MstatusMPP
	if st&MstatusMIE != 0 {
		st |= MstatusMPIE
	}
	st &^= MstatusMIE
	st |= uint64(cpu.Priv) << MstatusMPPShift
	cpu.Mstatus = st

	cpu.Priv = PrivMachine
	cpu.PC = trapVector(cpu.Mtvec, cause)
	ev.Target = PrivMachine
	return ev
}

// Mret is the exact inverse of an M-mode trap entry.
func (cpu *CPU) Mret() {
	st := cpu.Mstatus
	mpp := uint8((st >> MstatusMPPShift) & 3)

	// MIE <- MPIE, MPIE <- 1, MPP <- U
	st &^= MstatusMIE
	if st&MstatusMPIE != 0 {
		st |= MstatusMIE
	}
	st |= MstatusMPIE
	st &^= MstatusMPP
	if mpp != PrivMachine {
		st &^= MstatusMPRV
	}
	cpu.Mstatus = st

	cpu.Priv = mpp
	cpu.PC = cpu.Mepc
}

// Sret is the exact inverse of an S-mode trap entry.
func (cpu *CPU) Sret() {
	st := cpu.Mstatus
	spp := uint8((st >> MstatusSPPShift) & 1)

	// SIE <- SPIE, SPIE <- 1, SPP <- U
	st &^= MstatusSIE
	if st&MstatusSPIE != 0 {
		st |= MstatusSIE
	}
	st |= MstatusSPIE
	st &^= MstatusSPP
	// Leaving M is impossible here, so MPRV always clears
	st &^= MstatusMPRV
	cpu.Mstatus = st

	cpu.Priv = spp
	cpu.PC = cpu.Sepc
}
