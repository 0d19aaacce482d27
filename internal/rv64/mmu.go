package rv64

// Sv39 constants
const (
	PageSize = 4096

	SatpModeOff  uint64 = 0
	SatpModeSv39 uint64 = 8
)

// PTE flag bits
const (
	PteV uint64 = 1 << 0
	PteR uint64 = 1 << 1
	PteW uint64 = 1 << 2
	PteX uint64 = 1 << 3
	PteU uint64 = 1 << 4
	PteG uint64 = 1 << 5
	PteA uint64 = 1 << 6
	PteD uint64 = 1 << 7
)

// AccessType classifies a memory access for translation and fault
// reporting.
type AccessType int

const (
	AccessFetch AccessType = iota
	AccessLoad
	AccessStore
)

func (a AccessType) String() string {
	switch a {
	case AccessFetch:
		return "fetch"
	case AccessLoad:
		return "load"
	case AccessStore:
		return "store"
	}
	return "?"
}

// ADPolicy selects how accessed/dirty PTE bits are handled.
type ADPolicy int

const (
	// ADPolicyTrap raises a page fault when A is clear, or when D is
	// clear on a store, leaving the update to the OS handler.
	ADPolicyTrap ADPolicy = iota
	// ADPolicyHardware sets A and D in the in-memory PTE during the walk.
	ADPolicyHardware
)

// pteMemory is the path page-table reads and A/D updates take; the
// machine routes it through the L1 cache so walks pay realistic stalls.
type pteMemory interface {
	ReadPTE(addr uint64) (val uint64, stall uint64, err error)
	WritePTE(addr uint64, val uint64) (stall uint64, err error)
}

// MMU performs Sv39 translation with split I/D TLBs.
type MMU struct {
	ITLB TLB
	DTLB TLB

	Policy ADPolicy

	mem pteMemory
}

// NewMMU creates an MMU reading page tables through mem.
func NewMMU(mem pteMemory, policy ADPolicy) *MMU {
	return &MMU{Policy: policy, mem: mem}
}

func pageFault(access AccessType, vaddr uint64) error {
	switch access {
	case AccessFetch:
		return Exception(CauseInsnPageFault, vaddr)
	case AccessLoad:
		return Exception(CauseLoadPageFault, vaddr)
	default:
		return Exception(CauseStorePageFault, vaddr)
	}
}

// canonicalSv39 reports whether bits 63:39 replicate bit 38.
func canonicalSv39(vaddr uint64) bool {
	top := int64(vaddr) >> 38
	return top == 0 || top == -1
}

// checkPermissions verifies the R/W/X/U bits of a leaf PTE against the
// access kind, the effective privilege and the SUM/MXR modifiers.
func checkPermissions(flags uint64, access AccessType, priv uint8, mstatus uint64) bool {
	if flags&PteU != 0 {
		if priv == PrivSupervisor {
			// S-mode never executes from user pages; data access
			// requires SUM.
			if access == AccessFetch || mstatus&MstatusSUM == 0 {
				return false
			}
		}
	} else if priv == PrivUser {
		return false
	}

	switch access {
	case AccessFetch:
		return flags&PteX != 0
	case AccessLoad:
		if flags&PteR != 0 {
			return true
		}
		return mstatus&MstatusMXR != 0 && flags&PteX != 0
	default:
		return flags&PteW != 0
	}
}

// effectivePriv is the privilege translation runs at: MPRV redirects data
// accesses (never fetches) to the mode in MPP.
func effectivePriv(cpu *CPU, access AccessType) uint8 {
	if access != AccessFetch && cpu.Mstatus&MstatusMPRV != 0 {
		return uint8((cpu.Mstatus >> MstatusMPPShift) & 3)
	}
	return cpu.Priv
}

// Translate maps a virtual address to a physical one, returning the stall
// cycles the walk incurred. A TLB hit re-verifies permissions; a violation
// faults without walking. No TLB state is modified on a faulting access.
func (m *MMU) Translate(cpu *CPU, vaddr uint64, access AccessType) (uint64, uint64, error) {
	priv := effectivePriv(cpu, access)
	if priv == PrivMachine || cpu.Satp>>60 != SatpModeSv39 {
		return vaddr, 0, nil
	}
	if !canonicalSv39(vaddr) {
		return 0, 0, pageFault(access, vaddr)
	}

	asid := uint16((cpu.Satp >> 44) & 0xffff)
	tlb := &m.DTLB
	if access == AccessFetch {
		tlb = &m.ITLB
	}

	if e := tlb.Lookup(vaddr, asid); e != nil {
		if !checkPermissions(e.Flags, access, priv, cpu.Mstatus) {
			return 0, 0, pageFault(access, vaddr)
		}
		stall, err := m.applyAD(e, access, vaddr)
		if err != nil {
			return 0, stall, err
		}
		return e.PBase + (vaddr - e.VBase), stall, nil
	}

	e, stall, err := m.walk(cpu, vaddr, access, priv, asid)
	if err != nil {
		return 0, stall, err
	}
	tlb.Insert(e)
	return e.PBase + (vaddr - e.VBase), stall, nil
}

// applyAD enforces the accessed/dirty policy against a cached leaf.
func (m *MMU) applyAD(e *TLBEntry, access AccessType, vaddr uint64) (uint64, error) {
	needD := access == AccessStore && e.Flags&PteD == 0
	needA := e.Flags&PteA == 0
	if !needA && !needD {
		return 0, nil
	}
	if m.Policy == ADPolicyTrap {
		return 0, pageFault(access, vaddr)
	}
	pte, stall, err := m.mem.ReadPTE(e.PTEAddr)
	if err != nil {
		return stall, pageFault(access, vaddr)
	}
	pte |= PteA
	if access == AccessStore {
		pte |= PteD
	}
	s, err := m.mem.WritePTE(e.PTEAddr, pte)
	stall += s
	if err != nil {
		return stall, pageFault(access, vaddr)
	}
	e.Flags = pte & 0x3ff
	return stall, nil
}

// walk performs the Sv39 table walk, at most three levels deep.
func (m *MMU) walk(cpu *CPU, vaddr uint64, access AccessType, priv uint8, asid uint16) (TLBEntry, uint64, error) {
	base := (cpu.Satp & 0xfff_ffff_ffff) << 12
	var stall uint64

	for level := 2; level >= 0; level-- {
		vpn := (vaddr >> (12 + 9*level)) & 0x1ff
		pteAddr := base + vpn*8

		pte, s, err := m.mem.ReadPTE(pteAddr)
		stall += s
		if err != nil {
			return TLBEntry{}, stall, pageFault(access, vaddr)
		}

		if pte&PteV == 0 || (pte&PteR == 0 && pte&PteW != 0) {
			return TLBEntry{}, stall, pageFault(access, vaddr)
		}

		ppn := (pte >> 10) & 0xfff_ffff_ffff
		if pte&(PteR|PteX) == 0 {
			// Pointer to the next level.
			base = ppn << 12
			continue
		}

		// Leaf. Superpages must be naturally aligned.
		if level > 0 && ppn&((1<<(9*level))-1) != 0 {
			return TLBEntry{}, stall, pageFault(access, vaddr)
		}
		if !checkPermissions(pte, access, priv, cpu.Mstatus) {
			return TLBEntry{}, stall, pageFault(access, vaddr)
		}

		needA := pte&PteA == 0
		needD := access == AccessStore && pte&PteD == 0
		if needA || needD {
			if m.Policy == ADPolicyTrap {
				return TLBEntry{}, stall, pageFault(access, vaddr)
			}
			pte |= PteA
			if access == AccessStore {
				pte |= PteD
			}
			s, err := m.mem.WritePTE(pteAddr, pte)
			stall += s
			if err != nil {
				return TLBEntry{}, stall, pageFault(access, vaddr)
			}
		}

		pageSize := uint64(1) << (12 + 9*level)
		return TLBEntry{
			VBase:    vaddr &^ (pageSize - 1),
			PBase:    ppn << 12,
			PageSize: pageSize,
			Flags:    pte & 0x3ff,
			ASID:     asid,
			Global:   pte&PteG != 0,
			PTEAddr:  pteAddr,
		}, stall, nil
	}

	// All three levels were pointers.
	return TLBEntry{}, stall, pageFault(access, vaddr)
}

// FlushAll drops every TLB entry (sfence.vma with no operands).
func (m *MMU) FlushAll() {
	m.ITLB.FlushAll()
	m.DTLB.FlushAll()
}

// FlushNonGlobal drops non-global entries; applied on satp writes.
func (m *MMU) FlushNonGlobal() {
	m.ITLB.FlushNonGlobal()
	m.DTLB.FlushNonGlobal()
}

// FlushPage drops entries covering vaddr.
func (m *MMU) FlushPage(vaddr uint64) {
	m.ITLB.FlushPage(vaddr)
	m.DTLB.FlushPage(vaddr)
}

// FlushASID drops non-global entries for one address space.
func (m *MMU) FlushASID(asid uint16) {
	m.ITLB.FlushASID(asid)
	m.DTLB.FlushASID(asid)
}
