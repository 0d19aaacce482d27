package rv64

import "testing"

// pageMapper builds Sv39 page tables in guest RAM, writing PTEs through
// the same cache the walker reads from.
type pageMapper struct {
	m    *Machine
	root uint64
	next uint64
}

func newPageMapper(m *Machine) *pageMapper {
	root := RAMBase + 0x10000
	return &pageMapper{m: m, root: root, next: root + PageSize}
}

func (p *pageMapper) alloc() uint64 {
	a := p.next
	p.next += PageSize
	return a
}

func (p *pageMapper) writePTE(addr, pte uint64) {
	p.m.Cache.Write(addr, 8, pte)
}

// mapPage installs a 4 KiB mapping va -> pa, creating intermediate
// tables as needed.
func (p *pageMapper) mapPage(va, pa, flags uint64) {
	base := p.root
	for level := 2; level > 0; level-- {
		vpn := (va >> (12 + 9*level)) & 0x1ff
		addr := base + vpn*8
		pte, _ := p.m.Cache.Read(addr, 8)
		if pte&PteV == 0 {
			next := p.alloc()
			pte = (next>>12)<<10 | PteV
			p.writePTE(addr, pte)
		}
		base = (pte >> 10) << 12
	}
	p.writePTE(base+((va>>12)&0x1ff)*8, (pa>>12)<<10|flags)
}

// mapGiga installs a level-2 superpage leaf without alignment checks, so
// tests can build deliberately broken mappings.
func (p *pageMapper) mapGiga(va, pa, flags uint64) {
	vpn2 := (va >> 30) & 0x1ff
	p.writePTE(p.root+vpn2*8, (pa>>12)<<10|flags)
}

func (p *pageMapper) enable(asid uint16) {
	p.m.CPU.Satp = SatpModeSv39<<60 | uint64(asid)<<44 | p.root>>12
	p.m.CPU.Priv = PrivSupervisor
}

const leafRWX = PteV | PteR | PteW | PteX | PteA | PteD

func TestSv39Translation(t *testing.T) {
	m := testMachine(t)
	pm := newPageMapper(m)
	pm.mapPage(0x1000, RAMBase+0x4000, leafRWX)
	pm.enable(0)

	pa, _, err := m.MMU.Translate(m.CPU, 0x1234, AccessLoad)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if pa != RAMBase+0x4234 {
		t.Errorf("pa = 0x%x, want 0x%x", pa, RAMBase+0x4234)
	}

	// Second access hits the TLB: no walk, no stall.
	pa, stall, err := m.MMU.Translate(m.CPU, 0x1000, AccessLoad)
	if err != nil {
		t.Fatalf("translate (hit): %v", err)
	}
	if pa != RAMBase+0x4000 {
		t.Errorf("hit pa = 0x%x", pa)
	}
	if stall != 0 {
		t.Errorf("TLB hit stalled %d cycles", stall)
	}
}

func TestMachineModeBypassesTranslation(t *testing.T) {
	m := testMachine(t)
	pm := newPageMapper(m)
	pm.enable(0)
	m.CPU.Priv = PrivMachine

	pa, _, err := m.MMU.Translate(m.CPU, RAMBase+0x100, AccessLoad)
	if err != nil {
		t.Fatal(err)
	}
	if pa != RAMBase+0x100 {
		t.Errorf("M-mode pa = 0x%x, want identity", pa)
	}
}

func TestNonCanonicalAddressFaults(t *testing.T) {
	m := testMachine(t)
	pm := newPageMapper(m)
	pm.enable(0)

	_, _, err := m.MMU.Translate(m.CPU, 1<<39, AccessLoad)
	var exc ExceptionError
	if !asException(err, &exc) || exc.Cause != CauseLoadPageFault {
		t.Fatalf("err = %v, want load page fault", err)
	}
	if exc.Tval != 1<<39 {
		t.Errorf("tval = 0x%x", exc.Tval)
	}
}

func TestGigapageTranslation(t *testing.T) {
	m := testMachine(t)
	pm := newPageMapper(m)
	// RAMBase>>12 = 0x80000 is 1 GiB aligned.
	pm.mapGiga(0x4000_0000, RAMBase, leafRWX)
	pm.enable(0)

	pa, _, err := m.MMU.Translate(m.CPU, 0x4000_2345, AccessLoad)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if pa != RAMBase+0x2345 {
		t.Errorf("pa = 0x%x, want 0x%x", pa, RAMBase+0x2345)
	}
}

func TestMisalignedSuperpageFaults(t *testing.T) {
	m := testMachine(t)
	pm := newPageMapper(m)
	pm.mapGiga(0x4000_0000, RAMBase+PageSize, leafRWX)
	pm.enable(0)

	_, _, err := m.MMU.Translate(m.CPU, 0x4000_0000, AccessLoad)
	var exc ExceptionError
	if !asException(err, &exc) || exc.Cause != CauseLoadPageFault {
		t.Fatalf("err = %v, want load page fault", err)
	}
}

func TestUserPagePrivilegeRules(t *testing.T) {
	m := testMachine(t)
	pm := newPageMapper(m)
	pm.mapPage(0x1000, RAMBase+0x4000, leafRWX|PteU) // user page
	pm.mapPage(0x2000, RAMBase+0x5000, leafRWX)      // supervisor page
	pm.enable(0)
	cpu := m.CPU

	// U-mode cannot touch supervisor pages.
	cpu.Priv = PrivUser
	if _, _, err := m.MMU.Translate(cpu, 0x2000, AccessLoad); err == nil {
		t.Error("U-mode load from S page succeeded")
	}
	if _, _, err := m.MMU.Translate(cpu, 0x1000, AccessLoad); err != nil {
		t.Errorf("U-mode load from U page failed: %v", err)
	}

	// S-mode needs SUM for user data pages.
	cpu.Priv = PrivSupervisor
	if _, _, err := m.MMU.Translate(cpu, 0x1000, AccessLoad); err == nil {
		t.Error("S-mode load from U page succeeded without SUM")
	}
	cpu.Mstatus |= MstatusSUM
	if _, _, err := m.MMU.Translate(cpu, 0x1000, AccessLoad); err != nil {
		t.Errorf("S-mode load from U page failed with SUM: %v", err)
	}

	// SUM never allows S-mode execution from user pages.
	if _, _, err := m.MMU.Translate(cpu, 0x1000, AccessFetch); err == nil {
		t.Error("S-mode fetch from U page succeeded")
	}
}

func TestMXRAllowsLoadFromExecOnly(t *testing.T) {
	m := testMachine(t)
	pm := newPageMapper(m)
	pm.mapPage(0x1000, RAMBase+0x4000, PteV|PteX|PteA)
	pm.enable(0)
	cpu := m.CPU

	if _, _, err := m.MMU.Translate(cpu, 0x1000, AccessLoad); err == nil {
		t.Error("load from execute-only page succeeded without MXR")
	}
	cpu.Mstatus |= MstatusMXR
	if _, _, err := m.MMU.Translate(cpu, 0x1000, AccessLoad); err != nil {
		t.Errorf("load failed with MXR: %v", err)
	}
}

func TestADPolicyTrap(t *testing.T) {
	m := testMachine(t)
	pm := newPageMapper(m)
	pm.mapPage(0x1000, RAMBase+0x4000, PteV|PteR|PteW) // A clear
	pm.mapPage(0x2000, RAMBase+0x5000, PteV|PteR|PteW|PteA)
	pm.enable(0)

	if _, _, err := m.MMU.Translate(m.CPU, 0x1000, AccessLoad); err == nil {
		t.Error("load with A clear succeeded under trap policy")
	}
	if _, _, err := m.MMU.Translate(m.CPU, 0x2000, AccessLoad); err != nil {
		t.Errorf("load with A set failed: %v", err)
	}
	// D clear blocks stores only.
	if _, _, err := m.MMU.Translate(m.CPU, 0x2000, AccessStore); err == nil {
		t.Error("store with D clear succeeded under trap policy")
	}
}

func TestADPolicyHardware(t *testing.T) {
	m := NewMachine(1<<20, testTiming(), ADPolicyHardware)
	pm := newPageMapper(m)
	pm.mapPage(0x1000, RAMBase+0x4000, PteV|PteR|PteW)
	pm.enable(0)

	if _, _, err := m.MMU.Translate(m.CPU, 0x1000, AccessStore); err != nil {
		t.Fatalf("store under hardware A/D policy: %v", err)
	}

	pteAddr := pm.root + 2*PageSize + 1*8 // L0 table, entry 1
	pte, _, err := m.ReadPTE(pteAddr)
	if err != nil {
		t.Fatal(err)
	}
	if pte&PteA == 0 || pte&PteD == 0 {
		t.Errorf("pte = 0x%x, want A and D set by the walk", pte)
	}
}

// A faulting access must not install a TLB entry: fixing the PTE makes
// the very next access succeed without any flush.
func TestFaultingAccessLeavesTLBClean(t *testing.T) {
	m := testMachine(t)
	pm := newPageMapper(m)
	pm.mapPage(0x1000, RAMBase+0x4000, PteV|PteR|PteA) // no W
	pm.enable(0)

	if _, _, err := m.MMU.Translate(m.CPU, 0x1000, AccessStore); err == nil {
		t.Fatal("store to read-only page succeeded")
	}

	pm.mapPage(0x1000, RAMBase+0x4000, leafRWX)
	if _, _, err := m.MMU.Translate(m.CPU, 0x1000, AccessStore); err != nil {
		t.Errorf("store failed after PTE fix: %v", err)
	}
}

func TestTLBStaleUntilFlush(t *testing.T) {
	m := testMachine(t)
	pm := newPageMapper(m)
	pm.mapPage(0x1000, RAMBase+0x4000, leafRWX)
	pm.enable(0)

	pa, _, err := m.MMU.Translate(m.CPU, 0x1000, AccessLoad)
	if err != nil {
		t.Fatal(err)
	}
	if pa != RAMBase+0x4000 {
		t.Fatalf("pa = 0x%x", pa)
	}

	// Remap in memory; the TLB still holds the old leaf.
	pm.mapPage(0x1000, RAMBase+0x6000, leafRWX)
	pa, _, _ = m.MMU.Translate(m.CPU, 0x1000, AccessLoad)
	if pa != RAMBase+0x4000 {
		t.Errorf("stale pa = 0x%x, want old mapping until a flush", pa)
	}

	m.MMU.FlushPage(0x1000)
	pa, _, _ = m.MMU.Translate(m.CPU, 0x1000, AccessLoad)
	if pa != RAMBase+0x6000 {
		t.Errorf("pa = 0x%x after flush, want new mapping", pa)
	}
}

func TestSatpRewriteFlushesTLB(t *testing.T) {
	m := testMachine(t)
	pm := newPageMapper(m)
	pm.mapPage(0x1000, RAMBase+0x4000, leafRWX)
	pm.enable(0)

	if _, _, err := m.MMU.Translate(m.CPU, 0x1000, AccessLoad); err != nil {
		t.Fatal(err)
	}
	pm.mapPage(0x1000, RAMBase+0x6000, leafRWX)

	// csrrw satp with the current value still invalidates non-global
	// translations.
	loadCode(t, m, RAMBase, []uint32{aCsrrw(0, CSRSatp, 1)})
	cpu := m.CPU
	cpu.Priv = PrivMachine
	cpu.PC = RAMBase
	cpu.X[1] = cpu.Satp
	stepN(t, m, 1)

	cpu.Priv = PrivSupervisor
	pa, _, err := m.MMU.Translate(cpu, 0x1000, AccessLoad)
	if err != nil {
		t.Fatal(err)
	}
	if pa != RAMBase+0x6000 {
		t.Errorf("pa = 0x%x after satp rewrite, want the new mapping", pa)
	}
}

func TestTLBASIDAndGlobal(t *testing.T) {
	var tlb TLB
	tlb.Insert(TLBEntry{VBase: 0x1000, PBase: 0x8000_0000, PageSize: PageSize, ASID: 1})
	tlb.Insert(TLBEntry{VBase: 0x2000, PBase: 0x8000_1000, PageSize: PageSize, ASID: 1, Global: true})

	if tlb.Lookup(0x1000, 2) != nil {
		t.Error("entry for ASID 1 hit under ASID 2")
	}
	if tlb.Lookup(0x1000, 1) == nil {
		t.Error("entry missed under its own ASID")
	}
	if tlb.Lookup(0x2000, 2) == nil {
		t.Error("global entry missed under a foreign ASID")
	}

	tlb.FlushASID(1)
	if tlb.Lookup(0x1000, 1) != nil {
		t.Error("ASID flush left the entry")
	}
	if tlb.Lookup(0x2000, 1) == nil {
		t.Error("ASID flush removed a global entry")
	}

	tlb.FlushNonGlobal()
	if tlb.Lookup(0x2000, 1) == nil {
		t.Error("non-global flush removed a global entry")
	}
	tlb.FlushAll()
	if tlb.Lookup(0x2000, 1) != nil {
		t.Error("full flush left a global entry")
	}
}

func TestTLBLRUEviction(t *testing.T) {
	var tlb TLB
	for i := 0; i < TLBSize; i++ {
		tlb.Insert(TLBEntry{VBase: uint64(i) * PageSize, PageSize: PageSize})
	}
	// Touch entry 0 so entry 1 is the oldest.
	if tlb.Lookup(0, 0) == nil {
		t.Fatal("entry 0 missing")
	}
	tlb.Insert(TLBEntry{VBase: uint64(TLBSize) * PageSize, PageSize: PageSize})

	if tlb.Lookup(0, 0) == nil {
		t.Error("recently used entry was evicted")
	}
	if tlb.Lookup(1*PageSize, 0) != nil {
		t.Error("LRU entry survived eviction")
	}
}

func TestMPRVUsesMPPForDataOnly(t *testing.T) {
	m := testMachine(t)
	pm := newPageMapper(m)
	pm.mapPage(0x1000, RAMBase+0x4000, leafRWX)
	pm.enable(0)
	cpu := m.CPU
	cpu.Priv = PrivMachine
	cpu.Mstatus = MstatusMPRV | uint64(PrivSupervisor)<<MstatusMPPShift

	pa, _, err := m.MMU.Translate(cpu, 0x1000, AccessLoad)
	if err != nil {
		t.Fatalf("MPRV load: %v", err)
	}
	if pa != RAMBase+0x4000 {
		t.Errorf("MPRV load pa = 0x%x, want translated", pa)
	}

	// Fetches ignore MPRV.
	pa, _, err = m.MMU.Translate(cpu, 0x1000, AccessFetch)
	if err != nil {
		t.Fatal(err)
	}
	if pa != 0x1000 {
		t.Errorf("fetch pa = 0x%x, want identity in M-mode", pa)
	}
}

func TestSfenceVMAInstruction(t *testing.T) {
	m := testMachine(t)
	loadCode(t, m, RAMBase, []uint32{aSfenceVMA(0, 0)})
	cpu := m.CPU
	cpu.Priv = PrivSupervisor
	cpu.Mtvec = RAMBase + 0x800
	stepN(t, m, 1)
	if cpu.PC != RAMBase+4 {
		t.Errorf("pc = 0x%x, sfence.vma from S should retire", cpu.PC)
	}

	// TVM makes sfence.vma illegal in S-mode.
	m2 := testMachine(t)
	loadCode(t, m2, RAMBase, []uint32{aSfenceVMA(0, 0)})
	m2.CPU.Priv = PrivSupervisor
	m2.CPU.Mstatus = MstatusTVM
	m2.CPU.Mtvec = RAMBase + 0x800
	stepN(t, m2, 1)
	if m2.CPU.Mcause != CauseIllegalInsn {
		t.Errorf("mcause = %d, want illegal instruction under TVM", m2.CPU.Mcause)
	}
}
