package rv64

// Op identifies a decoded instruction. The decoder produces exactly one Op
// per legal encoding; everything else raises illegal-instruction with the
// raw bits in tval.
type Op uint8

const (
	OpInvalid Op = iota

	// RV64I
	OpLUI
	OpAUIPC
	OpJAL
	OpJALR
	OpBEQ
	OpBNE
	OpBLT
	OpBGE
	OpBLTU
	OpBGEU
	OpLB
	OpLH
	OpLW
	OpLD
	OpLBU
	OpLHU
	OpLWU
	OpSB
	OpSH
	OpSW
	OpSD
	OpADDI
	OpSLTI
	OpSLTIU
	OpXORI
	OpORI
	OpANDI
	OpSLLI
	OpSRLI
	OpSRAI
	OpADDIW
	OpSLLIW
	OpSRLIW
	OpSRAIW
	OpADD
	OpSUB
	OpSLL
	OpSLT
	OpSLTU
	OpXOR
	OpSRL
	OpSRA
	OpOR
	OpAND
	OpADDW
	OpSUBW
	OpSLLW
	OpSRLW
	OpSRAW
	OpFENCE
	OpFENCEI

	// RV64M
	OpMUL
	OpMULH
	OpMULHSU
	OpMULHU
	OpDIV
	OpDIVU
	OpREM
	OpREMU
	OpMULW
	OpDIVW
	OpDIVUW
	OpREMW
	OpREMUW

	// RV64A
	OpLRW
	OpSCW
	OpAMOSWAPW
	OpAMOADDW
	OpAMOXORW
	OpAMOANDW
	OpAMOORW
	OpAMOMINW
	OpAMOMAXW
	OpAMOMINUW
	OpAMOMAXUW
	OpLRD
	OpSCD
	OpAMOSWAPD
	OpAMOADDD
	OpAMOXORD
	OpAMOANDD
	OpAMOORD
	OpAMOMIND
	OpAMOMAXD
	OpAMOMINUD
	OpAMOMAXUD

	// System
	OpECALL
	OpEBREAK
	OpMRET
	OpSRET
	OpWFI
	OpSFENCEVMA
	OpCSRRW
	OpCSRRS
	OpCSRRC
	OpCSRRWI
	OpCSRRSI
	OpCSRRCI
)

// Inst is a fully decoded instruction. Imm carries the sign-extended
// immediate; for CSR instructions it holds the CSR address (zero-extended)
// and for CSR immediate forms Rs1 holds the 5-bit uimm.
type Inst struct {
	Op  Op
	Raw uint32
	Rd  uint32
	Rs1 uint32
	Rs2 uint32
	Imm int64
	Len uint64 // 2 for expanded compressed encodings, 4 otherwise
}

// Major opcodes
const (
	opcLUI    = 0x37
	opcAUIPC  = 0x17
	opcJAL    = 0x6f
	opcJALR   = 0x67
	opcBranch = 0x63
	opcLoad   = 0x03
	opcStore  = 0x23
	opcOpImm  = 0x13
	opcOpImmW = 0x1b
	opcOp     = 0x33
	opcOpW    = 0x3b
	opcMiscM  = 0x0f
	opcSystem = 0x73
	opcAMO    = 0x2f
)

func bitsRd(insn uint32) uint32     { return (insn >> 7) & 0x1f }
func bitsFunct3(insn uint32) uint32 { return (insn >> 12) & 0x7 }
func bitsRs1(insn uint32) uint32    { return (insn >> 15) & 0x1f }
func bitsRs2(insn uint32) uint32    { return (insn >> 20) & 0x1f }
func bitsFunct7(insn uint32) uint32 { return (insn >> 25) & 0x7f }

func immI(insn uint32) int64 { return int64(int32(insn)) >> 20 }

func immS(insn uint32) int64 {
	imm := uint64(insn>>7)&0x1f | uint64(insn>>25)<<5
	return signExtend(imm, 12)
}

func immB(insn uint32) int64 {
	imm := uint64(insn>>8)&0xf<<1 |
		uint64(insn>>25)&0x3f<<5 |
		uint64(insn>>7)&0x1<<11 |
		uint64(insn>>31)<<12
	return signExtend(imm, 13)
}

func immU(insn uint32) int64 { return int64(int32(insn & 0xfffff000)) }

func immJ(insn uint32) int64 {
	imm := uint64(insn>>21)&0x3ff<<1 |
		uint64(insn>>20)&0x1<<11 |
		uint64(insn>>12)&0xff<<12 |
		uint64(insn>>31)<<20
	return signExtend(imm, 21)
}

func illegal(raw uint32) (Inst, error) {
	return Inst{}, Exception(CauseIllegalInsn, uint64(raw))
}

// Decode decodes a 32-bit encoding. Compressed encodings must be expanded
// with ExpandCompressed first; the caller sets Len for those.
func Decode(raw uint32) (Inst, error) {
	in := Inst{
		Raw: raw,
		Rd:  bitsRd(raw),
		Rs1: bitsRs1(raw),
		Rs2: bitsRs2(raw),
		Len: 4,
	}
	funct3 := bitsFunct3(raw)
	funct7 := bitsFunct7(raw)

	switch raw & 0x7f {
	case opcLUI:
		in.Op, in.Imm = OpLUI, immU(raw)
	case opcAUIPC:
		in.Op, in.Imm = OpAUIPC, immU(raw)
	case opcJAL:
		in.Op, in.Imm = OpJAL, immJ(raw)
	case opcJALR:
		if funct3 != 0 {
			return illegal(raw)
		}
		in.Op, in.Imm = OpJALR, immI(raw)
	case opcBranch:
		in.Imm = immB(raw)
		switch funct3 {
		case 0:
			in.Op = OpBEQ
		case 1:
			in.Op = OpBNE
		case 4:
			in.Op = OpBLT
		case 5:
			in.Op = OpBGE
		case 6:
			in.Op = OpBLTU
		case 7:
			in.Op = OpBGEU
		default:
			return illegal(raw)
		}
	case opcLoad:
		in.Imm = immI(raw)
		switch funct3 {
		case 0:
			in.Op = OpLB
		case 1:
			in.Op = OpLH
		case 2:
			in.Op = OpLW
		case 3:
			in.Op = OpLD
		case 4:
			in.Op = OpLBU
		case 5:
			in.Op = OpLHU
		case 6:
			in.Op = OpLWU
		default:
			return illegal(raw)
		}
	case opcStore:
		in.Imm = immS(raw)
		switch funct3 {
		case 0:
			in.Op = OpSB
		case 1:
			in.Op = OpSH
		case 2:
			in.Op = OpSW
		case 3:
			in.Op = OpSD
		default:
			return illegal(raw)
		}
	case opcOpImm:
		in.Imm = immI(raw)
		switch funct3 {
		case 0:
			in.Op = OpADDI
		case 2:
			in.Op = OpSLTI
		case 3:
			in.Op = OpSLTIU
		case 4:
			in.Op = OpXORI
		case 6:
			in.Op = OpORI
		case 7:
			in.Op = OpANDI
		case 1:
			if funct7>>1 != 0 {
				return illegal(raw)
			}
			in.Op, in.Imm = OpSLLI, int64(raw>>20&0x3f)
		case 5:
			shamt := int64(raw >> 20 & 0x3f)
			switch funct7 >> 1 {
			case 0x00:
				in.Op, in.Imm = OpSRLI, shamt
			case 0x10:
				in.Op, in.Imm = OpSRAI, shamt
			default:
				return illegal(raw)
			}
		}
	case opcOpImmW:
		in.Imm = immI(raw)
		switch funct3 {
		case 0:
			in.Op = OpADDIW
		case 1:
			if funct7 != 0 {
				return illegal(raw)
			}
			in.Op, in.Imm = OpSLLIW, int64(bitsRs2(raw))
		case 5:
			switch funct7 {
			case 0x00:
				in.Op, in.Imm = OpSRLIW, int64(bitsRs2(raw))
			case 0x20:
				in.Op, in.Imm = OpSRAIW, int64(bitsRs2(raw))
			default:
				return illegal(raw)
			}
		default:
			return illegal(raw)
		}
	case opcOp:
		switch {
		case funct7 == 0x01:
			switch funct3 {
			case 0:
				in.Op = OpMUL
			case 1:
				in.Op = OpMULH
			case 2:
				in.Op = OpMULHSU
			case 3:
				in.Op = OpMULHU
			case 4:
				in.Op = OpDIV
			case 5:
				in.Op = OpDIVU
			case 6:
				in.Op = OpREM
			case 7:
				in.Op = OpREMU
			}
		case funct7 == 0x00:
			switch funct3 {
			case 0:
				in.Op = OpADD
			case 1:
				in.Op = OpSLL
			case 2:
				in.Op = OpSLT
			case 3:
				in.Op = OpSLTU
			case 4:
				in.Op = OpXOR
			case 5:
				in.Op = OpSRL
			case 6:
				in.Op = OpOR
			case 7:
				in.Op = OpAND
			}
		case funct7 == 0x20:
			switch funct3 {
			case 0:
				in.Op = OpSUB
			case 5:
				in.Op = OpSRA
			default:
				return illegal(raw)
			}
		default:
			return illegal(raw)
		}
	case opcOpW:
		switch {
		case funct7 == 0x01:
			switch funct3 {
			case 0:
				in.Op = OpMULW
			case 4:
				in.Op = OpDIVW
			case 5:
				in.Op = OpDIVUW
			case 6:
				in.Op = OpREMW
			case 7:
				in.Op = OpREMUW
			default:
				return illegal(raw)
			}
		case funct7 == 0x00:
			switch funct3 {
			case 0:
				in.Op = OpADDW
			case 1:
				in.Op = OpSLLW
			case 5:
				in.Op = OpSRLW
			default:
				return illegal(raw)
			}
		case funct7 == 0x20:
			switch funct3 {
			case 0:
				in.Op = OpSUBW
			case 5:
				in.Op = OpSRAW
			default:
				return illegal(raw)
			}
		default:
			return illegal(raw)
		}
	case opcMiscM:
		switch funct3 {
		case 0:
			in.Op = OpFENCE
		case 1:
			in.Op = OpFENCEI
		default:
			return illegal(raw)
		}
	case opcAMO:
		if funct3 != 2 && funct3 != 3 {
			return illegal(raw)
		}
		word := funct3 == 2
		switch funct7 >> 2 {
		case 0x02:
			if bitsRs2(raw) != 0 {
				return illegal(raw)
			}
			in.Op = pick(word, OpLRW, OpLRD)
		case 0x03:
			in.Op = pick(word, OpSCW, OpSCD)
		case 0x01:
			in.Op = pick(word, OpAMOSWAPW, OpAMOSWAPD)
		case 0x00:
			in.Op = pick(word, OpAMOADDW, OpAMOADDD)
		case 0x04:
			in.Op = pick(word, OpAMOXORW, OpAMOXORD)
		case 0x0c:
			in.Op = pick(word, OpAMOANDW, OpAMOANDD)
		case 0x08:
			in.Op = pick(word, OpAMOORW, OpAMOORD)
		case 0x10:
			in.Op = pick(word, OpAMOMINW, OpAMOMIND)
		case 0x14:
			in.Op = pick(word, OpAMOMAXW, OpAMOMAXD)
		case 0x18:
			in.Op = pick(word, OpAMOMINUW, OpAMOMINUD)
		case 0x1c:
			in.Op = pick(word, OpAMOMAXUW, OpAMOMAXUD)
		default:
			return illegal(raw)
		}
	case opcSystem:
		switch funct3 {
		case 0:
			switch {
			case raw == 0x0000_0073:
				in.Op = OpECALL
			case raw == 0x0010_0073:
				in.Op = OpEBREAK
			case raw == 0x3020_0073:
				in.Op = OpMRET
			case raw == 0x1020_0073:
				in.Op = OpSRET
			case raw == 0x1050_0073:
				in.Op = OpWFI
			case funct7 == 0x09 && in.Rd == 0:
				in.Op = OpSFENCEVMA
			default:
				return illegal(raw)
			}
		case 1:
			in.Op, in.Imm = OpCSRRW, int64(raw>>20)
		case 2:
			in.Op, in.Imm = OpCSRRS, int64(raw>>20)
		case 3:
			in.Op, in.Imm = OpCSRRC, int64(raw>>20)
		case 5:
			in.Op, in.Imm = OpCSRRWI, int64(raw>>20)
		case 6:
			in.Op, in.Imm = OpCSRRSI, int64(raw>>20)
		case 7:
			in.Op, in.Imm = OpCSRRCI, int64(raw>>20)
		default:
			return illegal(raw)
		}
	default:
		return illegal(raw)
	}
	return in, nil
}

func pick(word bool, w, d Op) Op {
	if word {
		return w
	}
	return d
}
