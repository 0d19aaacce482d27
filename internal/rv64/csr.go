package rv64

// CSR addresses
const (
	CSRCycle      uint16 = 0xC00
	CSRTime       uint16 = 0xC01
	CSRInstret    uint16 = 0xC02
	CSRSstatus    uint16 = 0x100
	CSRSie        uint16 = 0x104
	CSRStvec      uint16 = 0x105
	CSRScounteren uint16 = 0x106
	CSRSscratch   uint16 = 0x140
	CSRSepc       uint16 = 0x141
	CSRScause     uint16 = 0x142
	CSRStval      uint16 = 0x143
	CSRSip        uint16 = 0x144
	CSRSatp       uint16 = 0x180
	CSRMstatus    uint16 = 0x300
	CSRMisa       uint16 = 0x301
	CSRMedeleg    uint16 = 0x302
	CSRMideleg    uint16 = 0x303
	CSRMie        uint16 = 0x304
	CSRMtvec      uint16 = 0x305
	CSRMcounteren uint16 = 0x306
	CSRMscratch   uint16 = 0x340
	CSRMepc       uint16 = 0x341
	CSRMcause     uint16 = 0x342
	CSRMtval      uint16 = 0x343
	CSRMip        uint16 = 0x344
	CSRPmpcfg0    uint16 = 0x3A0
	CSRPmpcfg2    uint16 = 0x3A2
	CSRPmpaddr0   uint16 = 0x3B0
	CSRMvendorid  uint16 = 0xF11
	CSRMarchid    uint16 = 0xF12
	CSRMimpid     uint16 = 0xF13
	CSRMhartid    uint16 = 0xF14
)

// Interrupt bits that may be delegated to S-mode, and hence are visible
// through the sie/sip views.
const sInterrupts = MipSSIP | MipSTIP | MipSEIP

// Every CSR the core implements has a static access policy. Reads and
// writes to addresses with no policy raise illegal-instruction; WARL
// writes are silently projected onto the legal value set by their write
// function, never escalated.
type csrClass uint8

const (
	csrReadWrite csrClass = iota // plain storage
	csrWARL                      // write projected by the write function
	csrConst                     // read-only constant
	csrComputed                  // read-only, derived from other state
)

type csrPolicy struct {
	class csrClass
	read  func(cpu *CPU) uint64
	write func(cpu *CPU, v uint64) // nil for read-only classes
}

// Writable mstatus bits. FS/XS are hardwired to zero (no F/D/V state).
const mstatusMask = MstatusSIE | MstatusMIE | MstatusSPIE | MstatusMPIE |
	MstatusSPP | MstatusMPP | MstatusMPRV | MstatusSUM | MstatusMXR |
	MstatusTVM | MstatusTW | MstatusTSR

// Bits of mstatus visible through the sstatus window.
const sstatusMask = MstatusSIE | MstatusSPIE | MstatusSPP | MstatusSUM |
	MstatusMXR

// Exceptions that medeleg can delegate.
const medelegMask uint64 = 0xb3ff

var csrPolicies = map[uint16]csrPolicy{
	CSRCycle:   {class: csrComputed, read: func(c *CPU) uint64 { return c.Cycles.Now() }},
	CSRTime:    {class: csrComputed, read: func(c *CPU) uint64 { return c.Cycles.Now() }},
	CSRInstret: {class: csrComputed, read: func(c *CPU) uint64 { return c.Instret }},

	CSRSstatus: {class: csrWARL,
		read:  func(c *CPU) uint64 { return c.Mstatus & sstatusMask },
		write: func(c *CPU, v uint64) { c.Mstatus = (c.Mstatus &^ sstatusMask) | (v & sstatusMask) }},
	CSRSie: {class: csrWARL,
		read:  func(c *CPU) uint64 { return c.Mie & c.Mideleg },
		write: func(c *CPU, v uint64) { c.Mie = (c.Mie &^ c.Mideleg) | (v & c.Mideleg) }},
	CSRStvec: {class: csrWARL,
		read:  func(c *CPU) uint64 { return c.Stvec },
		write: func(c *CPU, v uint64) { c.Stvec = legalTvec(v) }},
	CSRScounteren: {class: csrWARL,
		read:  func(c *CPU) uint64 { return c.Scounteren },
		write: func(c *CPU, v uint64) { c.Scounteren = v & 0x7 }},
	CSRSscratch: {class: csrReadWrite,
		read:  func(c *CPU) uint64 { return c.Sscratch },
		write: func(c *CPU, v uint64) { c.Sscratch = v }},
	CSRSepc: {class: csrWARL,
		read:  func(c *CPU) uint64 { return c.Sepc },
		write: func(c *CPU, v uint64) { c.Sepc = v &^ 1 }},
	CSRScause: {class: csrReadWrite,
		read:  func(c *CPU) uint64 { return c.Scause },
		write: func(c *CPU, v uint64) { c.Scause = v }},
	CSRStval: {class: csrReadWrite,
		read:  func(c *CPU) uint64 { return c.Stval },
		write: func(c *CPU, v uint64) { c.Stval = v }},
	CSRSip: {class: csrWARL,
		read: func(c *CPU) uint64 { return c.Mip & c.Mideleg },
		// Only SSIP is software-writable from S-mode
		write: func(c *CPU, v uint64) { c.Mip = (c.Mip &^ MipSSIP) | (v & MipSSIP & c.Mideleg) }},
	CSRSatp: {class: csrWARL,
		read:  func(c *CPU) uint64 { return c.Satp },
		write: writeSatp},

	CSRMstatus: {class: csrWARL,
		read:  func(c *CPU) uint64 { return c.Mstatus },
		write: writeMstatus},
	CSRMisa: {class: csrConst, read: func(c *CPU) uint64 { return c.Misa }},
	CSRMedeleg: {class: csrWARL,
		read:  func(c *CPU) uint64 { return c.Medeleg },
		write: func(c *CPU, v uint64) { c.Medeleg = v & medelegMask }},
	CSRMideleg: {class: csrWARL,
		read:  func(c *CPU) uint64 { return c.Mideleg },
		write: func(c *CPU, v uint64) { c.Mideleg = v & sInterrupts }},
	CSRMie: {class: csrWARL,
		read:  func(c *CPU) uint64 { return c.Mie },
		write: func(c *CPU, v uint64) { c.Mie = v & (MipSSIP | MipMSIP | MipSTIP | MipMTIP | MipSEIP | MipMEIP) }},
	CSRMtvec: {class: csrWARL,
		read:  func(c *CPU) uint64 { return c.Mtvec },
		write: func(c *CPU, v uint64) { c.Mtvec = legalTvec(v) }},
	CSRMcounteren: {class: csrWARL,
		read:  func(c *CPU) uint64 { return c.Mcounteren },
		write: func(c *CPU, v uint64) { c.Mcounteren = v & 0x7 }},
	CSRMscratch: {class: csrReadWrite,
		read:  func(c *CPU) uint64 { return c.Mscratch },
		write: func(c *CPU, v uint64) { c.Mscratch = v }},
	CSRMepc: {class: csrWARL,
		read:  func(c *CPU) uint64 { return c.Mepc },
		write: func(c *CPU, v uint64) { c.Mepc = v &^ 1 }},
	CSRMcause: {class: csrReadWrite,
		read:  func(c *CPU) uint64 { return c.Mcause },
		write: func(c *CPU, v uint64) { c.Mcause = v }},
	CSRMtval: {class: csrReadWrite,
		read:  func(c *CPU) uint64 { return c.Mtval },
		write: func(c *CPU, v uint64) { c.Mtval = v }},
	CSRMip: {class: csrWARL,
		read: func(c *CPU) uint64 { return c.Mip },
		// Only the supervisor bits are software-writable via mip
		write: func(c *CPU, v uint64) { c.Mip = (c.Mip &^ sInterrupts) | (v & sInterrupts) }},

	CSRMvendorid: {class: csrConst, read: zeroCSR},
	CSRMarchid:   {class: csrConst, read: zeroCSR},
	CSRMimpid:    {class: csrConst, read: zeroCSR},
	CSRMhartid:   {class: csrConst, read: zeroCSR},
}

func init() {
	// PMP registers are stored but not enforced (permissive default).
	for i := 0; i < 2; i++ {
		i := i
		csrPolicies[CSRPmpcfg0+uint16(2*i)] = csrPolicy{class: csrReadWrite,
			read:  func(c *CPU) uint64 { return c.Pmpcfg[i] },
			write: func(c *CPU, v uint64) { c.Pmpcfg[i] = v }}
	}
	for i := 0; i < 16; i++ {
		i := i
		csrPolicies[CSRPmpaddr0+uint16(i)] = csrPolicy{class: csrReadWrite,
			read:  func(c *CPU) uint64 { return c.Pmpaddr[i] },
			write: func(c *CPU, v uint64) { c.Pmpaddr[i] = v }}
	}
}

func zeroCSR(c *CPU) uint64 { return 0 }

// legalTvec projects a tvec write: reserved modes (>=2) fall back to direct.
func legalTvec(v uint64) uint64 {
	if v&3 >= 2 {
		return v &^ 3
	}
	return v
}

func writeMstatus(c *CPU, v uint64) {
	// Reserved MPP encoding keeps the previous value (WARL).
	if (v>>MstatusMPPShift)&3 == 2 {
		v = (v &^ MstatusMPP) | (c.Mstatus & MstatusMPP)
	}
	c.Mstatus = (c.Mstatus &^ mstatusMask) | (v & mstatusMask)
}

func writeSatp(c *CPU, v uint64) {
	mode := v >> 60
	if mode != SatpModeOff && mode != SatpModeSv39 {
		// Unsupported translation modes leave satp unchanged (WARL).
		return
	}
	c.Satp = v
}

// CSRRead reads a CSR. Access below the CSR's minimum privilege, or to an
// address with no defined policy, raises illegal-instruction.
func (cpu *CPU) CSRRead(addr uint16) (uint64, error) {
	pol, ok := csrPolicies[addr]
	if !ok {
		return 0, Exception(CauseIllegalInsn, 0)
	}
	if uint16(cpu.Priv) < (addr>>8)&3 {
		return 0, Exception(CauseIllegalInsn, 0)
	}
	if err := cpu.checkCounterAccess(addr); err != nil {
		return 0, err
	}
	return pol.read(cpu), nil
}

// CSRWrite writes a CSR. Writes to read-only addresses raise
// illegal-instruction; WARL writes are projected, never escalated.
func (cpu *CPU) CSRWrite(addr uint16, val uint64) error {
	pol, ok := csrPolicies[addr]
	if !ok {
		return Exception(CauseIllegalInsn, 0)
	}
	if uint16(cpu.Priv) < (addr>>8)&3 {
		return Exception(CauseIllegalInsn, 0)
	}
	// Top two address bits = 11 marks the read-only space.
	if (addr>>10)&3 == 3 || pol.write == nil {
		return Exception(CauseIllegalInsn, 0)
	}
	pol.write(cpu, val)
	return nil
}

// checkCounterAccess gates the user counters on mcounteren/scounteren.
func (cpu *CPU) checkCounterAccess(addr uint16) error {
	if addr < CSRCycle || addr > CSRInstret {
		return nil
	}
	bit := uint64(1) << (addr - CSRCycle)
	if cpu.Priv < PrivMachine && cpu.Mcounteren&bit == 0 {
		return Exception(CauseIllegalInsn, 0)
	}
	if cpu.Priv < PrivSupervisor && cpu.Scounteren&bit == 0 {
		return Exception(CauseIllegalInsn, 0)
	}
	return nil
}

// CSRDump returns a copy of every implemented CSR, bypassing privilege and
// counter gating. Used by the debug snapshot only.
func (cpu *CPU) CSRDump() map[uint16]uint64 {
	out := make(map[uint16]uint64, len(csrPolicies))
	for addr, pol := range csrPolicies {
		out[addr] = pol.read(cpu)
	}
	return out
}
