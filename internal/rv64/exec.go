package rv64

import "math/bits"

// execute runs one decoded instruction. Every fallible operation
// (translation, memory access, CSR legality) happens before any register
// or PC update, so a returned error implies no architectural change.
func (m *Machine) execute(in Inst) error {
	cpu := m.CPU

	switch in.Op {
	case OpLUI:
		cpu.WriteReg(in.Rd, uint64(in.Imm))
	case OpAUIPC:
		cpu.WriteReg(in.Rd, cpu.PC+uint64(in.Imm))

	case OpJAL:
		target := cpu.PC + uint64(in.Imm)
		if target&1 != 0 {
			return Exception(CauseInsnAddrMisaligned, target)
		}
		cpu.WriteReg(in.Rd, cpu.PC+in.Len)
		cpu.PC = target
		return nil
	case OpJALR:
		target := (cpu.ReadReg(in.Rs1) + uint64(in.Imm)) &^ 1
		cpu.WriteReg(in.Rd, cpu.PC+in.Len)
		cpu.PC = target
		return nil

	case OpBEQ, OpBNE, OpBLT, OpBGE, OpBLTU, OpBGEU:
		return m.execBranch(in)

	case OpLB, OpLH, OpLW, OpLD, OpLBU, OpLHU, OpLWU:
		return m.execLoad(in)
	case OpSB, OpSH, OpSW, OpSD:
		return m.execStore(in)

	case OpADDI:
		cpu.WriteReg(in.Rd, cpu.ReadReg(in.Rs1)+uint64(in.Imm))
	case OpSLTI:
		cpu.WriteReg(in.Rd, boolToReg(int64(cpu.ReadReg(in.Rs1)) < in.Imm))
	case OpSLTIU:
		cpu.WriteReg(in.Rd, boolToReg(cpu.ReadReg(in.Rs1) < uint64(in.Imm)))
	case OpXORI:
		cpu.WriteReg(in.Rd, cpu.ReadReg(in.Rs1)^uint64(in.Imm))
	case OpORI:
		cpu.WriteReg(in.Rd, cpu.ReadReg(in.Rs1)|uint64(in.Imm))
	case OpANDI:
		cpu.WriteReg(in.Rd, cpu.ReadReg(in.Rs1)&uint64(in.Imm))
	case OpSLLI:
		cpu.WriteReg(in.Rd, cpu.ReadReg(in.Rs1)<<uint64(in.Imm))
	case OpSRLI:
		cpu.WriteReg(in.Rd, cpu.ReadReg(in.Rs1)>>uint64(in.Imm))
	case OpSRAI:
		cpu.WriteReg(in.Rd, uint64(int64(cpu.ReadReg(in.Rs1))>>uint64(in.Imm)))

	case OpADDIW:
		cpu.WriteReg(in.Rd, uint64(int64(int32(uint32(cpu.ReadReg(in.Rs1))+uint32(in.Imm)))))
	case OpSLLIW:
		cpu.WriteReg(in.Rd, uint64(int64(int32(uint32(cpu.ReadReg(in.Rs1))<<uint64(in.Imm)))))
	case OpSRLIW:
		cpu.WriteReg(in.Rd, uint64(int64(int32(uint32(cpu.ReadReg(in.Rs1))>>uint64(in.Imm)))))
	case OpSRAIW:
		cpu.WriteReg(in.Rd, uint64(int64(int32(cpu.ReadReg(in.Rs1))>>uint64(in.Imm))))

	case OpADD:
		cpu.WriteReg(in.Rd, cpu.ReadReg(in.Rs1)+cpu.ReadReg(in.Rs2))
	case OpSUB:
		cpu.WriteReg(in.Rd, cpu.ReadReg(in.Rs1)-cpu.ReadReg(in.Rs2))
	case OpSLL:
		cpu.WriteReg(in.Rd, cpu.ReadReg(in.Rs1)<<(cpu.ReadReg(in.Rs2)&0x3f))
	case OpSLT:
		cpu.WriteReg(in.Rd, boolToReg(int64(cpu.ReadReg(in.Rs1)) < int64(cpu.ReadReg(in.Rs2))))
	case OpSLTU:
		cpu.WriteReg(in.Rd, boolToReg(cpu.ReadReg(in.Rs1) < cpu.ReadReg(in.Rs2)))
	case OpXOR:
		cpu.WriteReg(in.Rd, cpu.ReadReg(in.Rs1)^cpu.ReadReg(in.Rs2))
	case OpSRL:
		cpu.WriteReg(in.Rd, cpu.ReadReg(in.Rs1)>>(cpu.ReadReg(in.Rs2)&0x3f))
	case OpSRA:
		cpu.WriteReg(in.Rd, uint64(int64(cpu.ReadReg(in.Rs1))>>(cpu.ReadReg(in.Rs2)&0x3f)))
	case OpOR:
		cpu.WriteReg(in.Rd, cpu.ReadReg(in.Rs1)|cpu.ReadReg(in.Rs2))
	case OpAND:
		cpu.WriteReg(in.Rd, cpu.ReadReg(in.Rs1)&cpu.ReadReg(in.Rs2))

	case OpADDW:
		cpu.WriteReg(in.Rd, uint64(int64(int32(uint32(cpu.ReadReg(in.Rs1))+uint32(cpu.ReadReg(in.Rs2))))))
	case OpSUBW:
		cpu.WriteReg(in.Rd, uint64(int64(int32(uint32(cpu.ReadReg(in.Rs1))-uint32(cpu.ReadReg(in.Rs2))))))
	case OpSLLW:
		cpu.WriteReg(in.Rd, uint64(int64(int32(uint32(cpu.ReadReg(in.Rs1))<<(cpu.ReadReg(in.Rs2)&0x1f)))))
	case OpSRLW:
		cpu.WriteReg(in.Rd, uint64(int64(int32(uint32(cpu.ReadReg(in.Rs1))>>(cpu.ReadReg(in.Rs2)&0x1f)))))
	case OpSRAW:
		cpu.WriteReg(in.Rd, uint64(int64(int32(cpu.ReadReg(in.Rs1))>>(cpu.ReadReg(in.Rs2)&0x1f))))

	case OpMUL, OpMULH, OpMULHSU, OpMULHU, OpDIV, OpDIVU, OpREM, OpREMU,
		OpMULW, OpDIVW, OpDIVUW, OpREMW, OpREMUW:
		m.execMul(in)

	case OpFENCE:
		// Single hart, strongly ordered interpreter: nothing to order.
	case OpFENCEI:
		// Stores are visible to fetch through the unified cache.

	case OpLRW, OpSCW, OpLRD, OpSCD,
		OpAMOSWAPW, OpAMOADDW, OpAMOXORW, OpAMOANDW, OpAMOORW,
		OpAMOMINW, OpAMOMAXW, OpAMOMINUW, OpAMOMAXUW,
		OpAMOSWAPD, OpAMOADDD, OpAMOXORD, OpAMOANDD, OpAMOORD,
		OpAMOMIND, OpAMOMAXD, OpAMOMINUD, OpAMOMAXUD:
		return m.execAtomic(in)

	case OpECALL, OpEBREAK, OpMRET, OpSRET, OpWFI, OpSFENCEVMA,
		OpCSRRW, OpCSRRS, OpCSRRC, OpCSRRWI, OpCSRRSI, OpCSRRCI:
		return m.execSystem(in)

	default:
		return Exception(CauseIllegalInsn, uint64(in.Raw))
	}

	cpu.PC += in.Len
	return nil
}

func boolToReg(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func (m *Machine) execBranch(in Inst) error {
	cpu := m.CPU
	a, b := cpu.ReadReg(in.Rs1), cpu.ReadReg(in.Rs2)

	var taken bool
	switch in.Op {
	case OpBEQ:
		taken = a == b
	case OpBNE:
		taken = a != b
	case OpBLT:
		taken = int64(a) < int64(b)
	case OpBGE:
		taken = int64(a) >= int64(b)
	case OpBLTU:
		taken = a < b
	case OpBGEU:
		taken = a >= b
	}
	if !taken {
		cpu.PC += in.Len
		return nil
	}

	target := cpu.PC + uint64(in.Imm)
	if target&1 != 0 {
		return Exception(CauseInsnAddrMisaligned, target)
	}
	cpu.PC = target
	return nil
}

func (m *Machine) execLoad(in Inst) error {
	cpu := m.CPU
	vaddr := cpu.ReadReg(in.Rs1) + uint64(in.Imm)

	var size int
	switch in.Op {
	case OpLB, OpLBU:
		size = 1
	case OpLH, OpLHU:
		size = 2
	case OpLW, OpLWU:
		size = 4
	case OpLD:
		size = 8
	}

	v, err := m.readVirt(vaddr, size)
	if err != nil {
		return err
	}

	switch in.Op {
	case OpLB:
		v = uint64(signExtend(v, 8))
	case OpLH:
		v = uint64(signExtend(v, 16))
	case OpLW:
		v = uint64(signExtend(v, 32))
	}
	cpu.WriteReg(in.Rd, v)
	cpu.PC += in.Len
	return nil
}

func (m *Machine) execStore(in Inst) error {
	cpu := m.CPU
	vaddr := cpu.ReadReg(in.Rs1) + uint64(in.Imm)

	var size int
	switch in.Op {
	case OpSB:
		size = 1
	case OpSH:
		size = 2
	case OpSW:
		size = 4
	case OpSD:
		size = 8
	}

	if err := m.writeVirt(vaddr, size, cpu.ReadReg(in.Rs2)); err != nil {
		return err
	}
	cpu.PC += in.Len
	return nil
}

func (m *Machine) execMul(in Inst) {
	cpu := m.CPU
	a, b := cpu.ReadReg(in.Rs1), cpu.ReadReg(in.Rs2)

	var v uint64
	switch in.Op {
	case OpMUL:
		v = a * b
	case OpMULH:
		v = mulh(int64(a), int64(b))
	case OpMULHSU:
		v = mulhsu(int64(a), b)
	case OpMULHU:
		v, _ = bits.Mul64(a, b)
	case OpDIV:
		v = uint64(divSigned(int64(a), int64(b)))
	case OpDIVU:
		if b == 0 {
			v = ^uint64(0)
		} else {
			v = a / b
		}
	case OpREM:
		v = uint64(remSigned(int64(a), int64(b)))
	case OpREMU:
		if b == 0 {
			v = a
		} else {
			v = a % b
		}
	case OpMULW:
		v = uint64(int64(int32(uint32(a) * uint32(b))))
	case OpDIVW:
		v = uint64(int64(int32(divSigned32(int32(a), int32(b)))))
	case OpDIVUW:
		if uint32(b) == 0 {
			v = ^uint64(0)
		} else {
			v = uint64(int64(int32(uint32(a) / uint32(b))))
		}
	case OpREMW:
		v = uint64(int64(remSigned32(int32(a), int32(b))))
	case OpREMUW:
		if uint32(b) == 0 {
			v = uint64(int64(int32(uint32(a))))
		} else {
			v = uint64(int64(int32(uint32(a) % uint32(b))))
		}
	}
	cpu.WriteReg(in.Rd, v)
}

func mulh(a, b int64) uint64 {
	hi, _ := bits.Mul64(uint64(a), uint64(b))
	if a < 0 {
		hi -= uint64(b)
	}
	if b < 0 {
		hi -= uint64(a)
	}
	return hi
}

func mulhsu(a int64, b uint64) uint64 {
	hi, _ := bits.Mul64(uint64(a), b)
	if a < 0 {
		hi -= b
	}
	return hi
}

func divSigned(a, b int64) int64 {
	switch {
	case b == 0:
		return -1
	case a == -1<<63 && b == -1:
		return a
	default:
		return a / b
	}
}

func remSigned(a, b int64) int64 {
	switch {
	case b == 0:
		return a
	case a == -1<<63 && b == -1:
		return 0
	default:
		return a % b
	}
}

func divSigned32(a, b int32) int32 {
	switch {
	case b == 0:
		return -1
	case a == -1<<31 && b == -1:
		return a
	default:
		return a / b
	}
}

func remSigned32(a, b int32) int32 {
	switch {
	case b == 0:
		return a
	case a == -1<<31 && b == -1:
		return 0
	default:
		return a % b
	}
}
