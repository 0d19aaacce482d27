package rv64

// reservationLine is the granule LR/SC reservations are tracked at.
func reservationLine(paddr uint64) uint64 { return paddr &^ (CacheLineSize - 1) }

// execAtomic handles the A-extension: LR/SC and the AMOs. The reservation
// is line-granular and dropped by any store touching the line, by trap
// entry, and by every SC regardless of outcome.
func (m *Machine) execAtomic(in Inst) error {
	cpu := m.CPU
	vaddr := cpu.ReadReg(in.Rs1)

	size := 8
	switch in.Op {
	case OpLRW, OpSCW, OpAMOSWAPW, OpAMOADDW, OpAMOXORW, OpAMOANDW,
		OpAMOORW, OpAMOMINW, OpAMOMAXW, OpAMOMINUW, OpAMOMAXUW:
		size = 4
	}

	if vaddr&uint64(size-1) != 0 {
		// AMOs and SC fault as stores, LR as a load.
		if in.Op == OpLRW || in.Op == OpLRD {
			return Exception(CauseLoadAddrMisaligned, vaddr)
		}
		return Exception(CauseStoreAddrMisaligned, vaddr)
	}

	switch in.Op {
	case OpLRW, OpLRD:
		paddr, stall, err := m.MMU.Translate(cpu, vaddr, AccessLoad)
		m.stall += stall
		if err != nil {
			return err
		}
		v, err := m.physRead(paddr, size, AccessLoad, vaddr)
		if err != nil {
			return err
		}
		if size == 4 {
			v = uint64(signExtend(v, 32))
		}
		cpu.Reservation = reservationLine(paddr)
		cpu.ReservationValid = true
		cpu.WriteReg(in.Rd, v)
		cpu.PC += in.Len
		return nil

	case OpSCW, OpSCD:
		if !cpu.ReservationValid {
			cpu.WriteReg(in.Rd, 1)
			cpu.PC += in.Len
			return nil
		}
		paddr, stall, err := m.MMU.Translate(cpu, vaddr, AccessStore)
		m.stall += stall
		if err != nil {
			return err
		}
		held := cpu.Reservation == reservationLine(paddr)
		cpu.ReservationValid = false
		if !held {
			cpu.WriteReg(in.Rd, 1)
			cpu.PC += in.Len
			return nil
		}
		if err := m.physWrite(paddr, size, cpu.ReadReg(in.Rs2), vaddr); err != nil {
			return err
		}
		cpu.WriteReg(in.Rd, 0)
		cpu.PC += in.Len
		return nil
	}

	// AMO: a single translated read-modify-write. The page must be
	// writable, so translation uses the store access kind.
	paddr, stall, err := m.MMU.Translate(cpu, vaddr, AccessStore)
	m.stall += stall
	if err != nil {
		return err
	}
	old, err := m.physRead(paddr, size, AccessStore, vaddr)
	if err != nil {
		return err
	}
	if size == 4 {
		old = uint64(signExtend(old, 32))
	}

	src := cpu.ReadReg(in.Rs2)
	newVal := amoCompute(in.Op, old, src)
	if size == 4 {
		newVal &= 0xffff_ffff
	}
	if err := m.physWrite(paddr, size, newVal, vaddr); err != nil {
		return err
	}
	cpu.WriteReg(in.Rd, old)
	cpu.PC += in.Len
	return nil
}

func amoCompute(op Op, old, src uint64) uint64 {
	switch op {
	case OpAMOSWAPW, OpAMOSWAPD:
		return src
	case OpAMOADDW, OpAMOADDD:
		return old + src
	case OpAMOXORW, OpAMOXORD:
		return old ^ src
	case OpAMOANDW, OpAMOANDD:
		return old & src
	case OpAMOORW, OpAMOORD:
		return old | src
	case OpAMOMINW:
		return uint64(minInt64(int64(int32(old)), int64(int32(src))))
	case OpAMOMIND:
		return uint64(minInt64(int64(old), int64(src)))
	case OpAMOMAXW:
		return uint64(maxInt64(int64(int32(old)), int64(int32(src))))
	case OpAMOMAXD:
		return uint64(maxInt64(int64(old), int64(src)))
	case OpAMOMINUW:
		return uint64(minUint64(uint64(uint32(old)), uint64(uint32(src))))
	case OpAMOMINUD:
		return minUint64(old, src)
	case OpAMOMAXUW:
		return uint64(maxUint64(uint64(uint32(old)), uint64(uint32(src))))
	case OpAMOMAXUD:
		return maxUint64(old, src)
	}
	return old
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minUint64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func maxUint64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
