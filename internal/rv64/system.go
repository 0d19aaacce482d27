package rv64

// execSystem handles the SYSTEM opcode group: environment calls, trap
// returns, WFI, sfence.vma and the Zicsr instructions.
func (m *Machine) execSystem(in Inst) error {
	cpu := m.CPU

	switch in.Op {
	case OpECALL:
		switch cpu.Priv {
		case PrivUser:
			return Exception(CauseEcallFromU, 0)
		case PrivSupervisor:
			return Exception(CauseEcallFromS, 0)
		default:
			return Exception(CauseEcallFromM, 0)
		}

	case OpEBREAK:
		return Exception(CauseBreakpoint, cpu.PC)

	case OpMRET:
		if cpu.Priv != PrivMachine {
			return Exception(CauseIllegalInsn, uint64(in.Raw))
		}
		cpu.Mret()
		return nil

	case OpSRET:
		if cpu.Priv < PrivSupervisor {
			return Exception(CauseIllegalInsn, uint64(in.Raw))
		}
		if cpu.Priv == PrivSupervisor && cpu.Mstatus&MstatusTSR != 0 {
			return Exception(CauseIllegalInsn, uint64(in.Raw))
		}
		cpu.Sret()
		return nil

	case OpWFI:
		if cpu.Priv < PrivMachine && cpu.Mstatus&MstatusTW != 0 {
			return Exception(CauseIllegalInsn, uint64(in.Raw))
		}
		cpu.WFI = true
		cpu.PC += in.Len
		return nil

	case OpSFENCEVMA:
		if cpu.Priv < PrivSupervisor {
			return Exception(CauseIllegalInsn, uint64(in.Raw))
		}
		if cpu.Priv == PrivSupervisor && cpu.Mstatus&MstatusTVM != 0 {
			return Exception(CauseIllegalInsn, uint64(in.Raw))
		}
		switch {
		case in.Rs1 != 0:
			m.MMU.FlushPage(cpu.ReadReg(in.Rs1))
		case in.Rs2 != 0:
			m.MMU.FlushASID(uint16(cpu.ReadReg(in.Rs2)))
		default:
			m.MMU.FlushAll()
		}
		cpu.PC += in.Len
		return nil

	case OpCSRRW, OpCSRRS, OpCSRRC, OpCSRRWI, OpCSRRSI, OpCSRRCI:
		return m.execCSR(in)
	}

	return Exception(CauseIllegalInsn, uint64(in.Raw))
}

// execCSR performs one Zicsr instruction. The read, the legality of the
// write and the write itself all precede the rd update, so a faulting
// access leaves no architectural change.
func (m *Machine) execCSR(in Inst) error {
	cpu := m.CPU
	addr := uint16(in.Imm)

	// TVM traps S-mode satp access wholesale.
	if addr == CSRSatp && cpu.Priv == PrivSupervisor && cpu.Mstatus&MstatusTVM != 0 {
		return Exception(CauseIllegalInsn, uint64(in.Raw))
	}

	var src uint64
	switch in.Op {
	case OpCSRRW, OpCSRRS, OpCSRRC:
		src = cpu.ReadReg(in.Rs1)
	default:
		src = uint64(in.Rs1) // zimm
	}

	// CSRRS/CSRRC with a zero source never write; CSRRW with rd=x0
	// still writes but need not read.
	set := in.Op == OpCSRRS || in.Op == OpCSRRSI
	clear := in.Op == OpCSRRC || in.Op == OpCSRRCI
	write := !((set || clear) && src == 0)

	old, err := cpu.CSRRead(addr)
	if err != nil {
		return err
	}

	if write {
		newVal := src
		if set {
			newVal = old | src
		} else if clear {
			newVal = old &^ src
		}
		if err := cpu.CSRWrite(addr, newVal); err != nil {
			return err
		}
		if addr == CSRSatp {
			// A new address space invalidates every non-global
			// translation immediately.
			m.MMU.FlushNonGlobal()
		}
	}

	cpu.WriteReg(in.Rd, old)
	cpu.PC += in.Len
	return nil
}
