package rv64

import (
	"encoding/binary"
	"testing"
)

// Minimal assembler used by the tests.

func encR(f7, rs2, rs1, f3, rd, opc uint32) uint32 {
	return f7<<25 | rs2<<20 | rs1<<15 | f3<<12 | rd<<7 | opc
}

func encI(imm, rs1, f3, rd, opc uint32) uint32 {
	return (imm&0xfff)<<20 | rs1<<15 | f3<<12 | rd<<7 | opc
}

func encS(imm, rs2, rs1, f3, opc uint32) uint32 {
	return (imm>>5)<<25 | rs2<<20 | rs1<<15 | f3<<12 | (imm&0x1f)<<7 | opc
}

func encB(imm, rs2, rs1, f3 uint32) uint32 {
	return (imm>>12&1)<<31 | (imm>>5&0x3f)<<25 | rs2<<20 | rs1<<15 |
		f3<<12 | (imm>>1&0xf)<<8 | (imm>>11&1)<<7 | 0x63
}

func encJ(imm, rd uint32) uint32 {
	return (imm>>20&1)<<31 | (imm>>1&0x3ff)<<21 | (imm>>11&1)<<20 |
		(imm>>12&0xff)<<12 | rd<<7 | 0x6f
}

func aAddi(rd, rs1 uint32, imm int32) uint32  { return encI(uint32(imm), rs1, 0, rd, 0x13) }
func aAdd(rd, rs1, rs2 uint32) uint32         { return encR(0, rs2, rs1, 0, rd, 0x33) }
func aSub(rd, rs1, rs2 uint32) uint32         { return encR(0x20, rs2, rs1, 0, rd, 0x33) }
func aLui(rd uint32, imm uint32) uint32       { return imm&0xfffff000 | rd<<7 | 0x37 }
func aLd(rd, rs1 uint32, imm int32) uint32    { return encI(uint32(imm), rs1, 3, rd, 0x03) }
func aLw(rd, rs1 uint32, imm int32) uint32    { return encI(uint32(imm), rs1, 2, rd, 0x03) }
func aLb(rd, rs1 uint32, imm int32) uint32    { return encI(uint32(imm), rs1, 0, rd, 0x03) }
func aSd(rs2, rs1 uint32, imm int32) uint32   { return encS(uint32(imm), rs2, rs1, 3, 0x23) }
func aSw(rs2, rs1 uint32, imm int32) uint32   { return encS(uint32(imm), rs2, rs1, 2, 0x23) }
func aBeq(rs1, rs2 uint32, imm int32) uint32  { return encB(uint32(imm), rs2, rs1, 0) }
func aBne(rs1, rs2 uint32, imm int32) uint32  { return encB(uint32(imm), rs2, rs1, 1) }
func aJal(rd uint32, imm int32) uint32        { return encJ(uint32(imm), rd) }
func aJalr(rd, rs1 uint32, imm int32) uint32  { return encI(uint32(imm), rs1, 0, rd, 0x67) }
func aMul(rd, rs1, rs2 uint32) uint32         { return encR(1, rs2, rs1, 0, rd, 0x33) }
func aDiv(rd, rs1, rs2 uint32) uint32         { return encR(1, rs2, rs1, 4, rd, 0x33) }
func aCsrrw(rd uint32, csr uint16, rs1 uint32) uint32 {
	return encI(uint32(csr), rs1, 1, rd, 0x73)
}
func aCsrrs(rd uint32, csr uint16, rs1 uint32) uint32 {
	return encI(uint32(csr), rs1, 2, rd, 0x73)
}
func aLrW(rd, rs1 uint32) uint32       { return encR(0x08, 0, rs1, 2, rd, 0x2f) }
func aScW(rd, rs2, rs1 uint32) uint32  { return encR(0x0c, rs2, rs1, 2, rd, 0x2f) }
func aAmoAddW(rd, rs2, rs1 uint32) uint32 {
	return encR(0x00, rs2, rs1, 2, rd, 0x2f)
}

const (
	insnEcall  = 0x00000073
	insnEbreak = 0x00100073
	insnMret   = 0x30200073
	insnSret   = 0x10200073
	insnWfi    = 0x10500073
)

func aSfenceVMA(rs1, rs2 uint32) uint32 {
	return encR(0x09, rs2, rs1, 0, 0, 0x73)
}

func testTiming() Timing {
	return Timing{BaseCycles: 1, CacheMissPenalty: 10, WritebackPenalty: 10, MMIOLatency: 5}
}

func testMachine(t *testing.T) *Machine {
	t.Helper()
	return NewMachine(1<<20, testTiming(), ADPolicyTrap)
}

func loadCode(t *testing.T, m *Machine, addr uint64, code []uint32) {
	t.Helper()
	buf := make([]byte, 4*len(code))
	for i, w := range code {
		binary.LittleEndian.PutUint32(buf[i*4:], w)
	}
	if err := m.LoadImage(addr, buf); err != nil {
		t.Fatalf("loading code: %v", err)
	}
}

// stepN advances the machine n steps, failing the test on host errors.
func stepN(t *testing.T, m *Machine, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := m.Step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
}
