package rv64

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

// fakeRegDevice is a single MMIO register.
type fakeRegDevice struct {
	val uint64
}

func (d *fakeRegDevice) Read(off uint64, size int) (uint64, error) { return d.val, nil }
func (d *fakeRegDevice) Write(off uint64, size int, v uint64) error {
	d.val = v
	return nil
}
func (d *fakeRegDevice) Size() uint64 { return 0x1000 }

// fakeCycleTimer raises the machine timer line once the shared cycle
// counter reaches cmp.
type fakeCycleTimer struct {
	cycles *CycleCounter
	cmp    uint64
}

func (d *fakeCycleTimer) Read(off uint64, size int) (uint64, error)  { return 0, nil }
func (d *fakeCycleTimer) Write(off uint64, size int, v uint64) error { return nil }
func (d *fakeCycleTimer) Size() uint64                               { return 0x1000 }
func (d *fakeCycleTimer) InterruptMask() uint64                      { return MipMTIP }
func (d *fakeCycleTimer) PendingInterrupts() uint64 {
	if d.cycles.Now() >= d.cmp {
		return MipMTIP
	}
	return 0
}

func (d *fakeCycleTimer) SetTimecmp(v uint64) { d.cmp = v }

func TestDeterministicExecution(t *testing.T) {
	program := []uint32{
		aAddi(1, 0, 100),
		aSd(1, 2, 0),
		aLd(3, 2, 0),
		aMul(4, 1, 3),
		aBne(4, 0, -8),
		aAddi(5, 0, 1),
	}

	runOne := func() (uint64, uint64) {
		m := testMachine(t)
		loadCode(t, m, RAMBase, program)
		m.CPU.X[2] = RAMBase + 0x8000
		m.CPU.Mtvec = RAMBase + 0x800
		for i := 0; i < 50; i++ {
			if _, err := m.Step(); err != nil {
				t.Fatalf("step %d: %v", i, err)
			}
		}
		return m.CPU.Cycles.Now(), m.CPU.Instret
	}

	c1, i1 := runOne()
	c2, i2 := runOne()
	if c1 != c2 || i1 != i2 {
		t.Errorf("two identical runs diverged: cycles %d/%d instret %d/%d", c1, c2, i1, i2)
	}
}

func TestStepChargesMemoryStalls(t *testing.T) {
	m := testMachine(t)
	loadCode(t, m, RAMBase, []uint32{
		aAddi(1, 0, 0),
		aAddi(1, 0, 0),
	})

	// First step pays the fetch miss on top of the base cycle.
	n, err := m.Step()
	if err != nil {
		t.Fatal(err)
	}
	if want := testTiming().BaseCycles + testTiming().CacheMissPenalty; n != want {
		t.Errorf("cold step = %d cycles, want %d", n, want)
	}

	// Second instruction shares the line: base cost only.
	n, err = m.Step()
	if err != nil {
		t.Fatal(err)
	}
	if n != testTiming().BaseCycles {
		t.Errorf("warm step = %d cycles, want base", n)
	}
}

func TestMMIOAccessLatency(t *testing.T) {
	m := testMachine(t)
	dev := &fakeRegDevice{val: 0xabcd}
	if err := m.Bus.AttachDevice(0x2000_0000, dev); err != nil {
		t.Fatal(err)
	}
	loadCode(t, m, RAMBase, []uint32{aLd(2, 1, 0)})
	m.CPU.X[1] = 0x2000_0000

	n, err := m.Step()
	if err != nil {
		t.Fatal(err)
	}
	if m.CPU.X[2] != 0xabcd {
		t.Errorf("mmio read = 0x%x", m.CPU.X[2])
	}
	tt := testTiming()
	if want := tt.BaseCycles + tt.CacheMissPenalty + tt.MMIOLatency; n != want {
		t.Errorf("mmio step = %d cycles, want %d", n, want)
	}
}

func TestTimerInterruptAtStepBoundary(t *testing.T) {
	m := testMachine(t)
	timer := &fakeCycleTimer{cycles: m.CPU.Cycles, cmp: 13}
	if err := m.Bus.AttachDevice(0x2000_0000, timer); err != nil {
		t.Fatal(err)
	}
	loadCode(t, m, RAMBase, []uint32{
		aAddi(1, 0, 0), aAddi(1, 0, 0), aAddi(1, 0, 0),
		aAddi(1, 0, 0), aAddi(1, 0, 0), aAddi(1, 0, 0),
	})
	cpu := m.CPU
	cpu.Mstatus = MstatusMIE
	cpu.Mie = MipMTIP
	cpu.Mtvec = RAMBase + 0x800

	// Cycle 11 after the cold fetch, then one per instruction. The line
	// rises during the step ending at cycle 13, so the trap is the next
	// step and mepc points at the fourth instruction.
	stepN(t, m, 4)
	if cpu.PC != RAMBase+0x800 {
		t.Fatalf("pc = 0x%x, want mtvec (cycles=%d)", cpu.PC, cpu.Cycles.Now())
	}
	if cpu.Mcause != CauseMTimerInt {
		t.Errorf("mcause = 0x%x", cpu.Mcause)
	}
	if cpu.Mepc != RAMBase+12 {
		t.Errorf("mepc = 0x%x, want 0x%x", cpu.Mepc, RAMBase+12)
	}
	if cpu.Instret != 3 {
		t.Errorf("instret = %d, want 3", cpu.Instret)
	}
}

func TestWFIStallsUntilInterrupt(t *testing.T) {
	m := testMachine(t)
	loadCode(t, m, RAMBase, []uint32{
		insnWfi,
		aAddi(1, 0, 7),
	})
	cpu := m.CPU
	cpu.Mie = MipMSIP // enabled but globally masked (MIE clear)
	stepN(t, m, 1)
	if !cpu.WFI {
		t.Fatal("WFI flag not set")
	}

	// Waiting steps burn cycles without retiring anything.
	stepN(t, m, 3)
	if cpu.Instret != 1 || cpu.PC != RAMBase+4 {
		t.Fatalf("instret=%d pc=0x%x during wait", cpu.Instret, cpu.PC)
	}

	// A pending enabled interrupt resumes execution even though it is
	// not deliverable; no trap is taken.
	cpu.Mip |= MipMSIP
	stepN(t, m, 1)
	if cpu.WFI {
		t.Error("WFI flag survived wakeup")
	}
	if cpu.X[1] != 7 {
		t.Errorf("x1 = %d, execution did not resume", cpu.X[1])
	}
}

func TestHostExitHaltsMachine(t *testing.T) {
	m := testMachine(t)
	loadCode(t, m, RAMBase, []uint32{aSd(2, 1, 0)})
	m.SetHostExit(RAMBase + 0x1000)
	m.CPU.X[1] = RAMBase + 0x1000
	m.CPU.X[2] = 1 // pass

	_, err := m.Step()
	if !errors.Is(err, ErrHalt) {
		t.Fatalf("err = %v, want ErrHalt", err)
	}
	if m.ExitCode() != 1 {
		t.Errorf("exit code = %d", m.ExitCode())
	}
	if !m.Halted() {
		t.Error("machine not halted")
	}
	if _, err := m.Step(); !errors.Is(err, ErrHalt) {
		t.Error("halted machine stepped")
	}
}

func TestLRSCSuccess(t *testing.T) {
	m := testMachine(t)
	loadCode(t, m, RAMBase, []uint32{
		aLrW(2, 1),
		aScW(3, 4, 1),
	})
	addr := RAMBase + 0x2000
	m.Bus.Mem.Write(addr, 4, 5)
	m.CPU.X[1] = addr
	m.CPU.X[4] = 9
	stepN(t, m, 2)

	if m.CPU.X[2] != 5 {
		t.Errorf("lr.w = %d, want 5", m.CPU.X[2])
	}
	if m.CPU.X[3] != 0 {
		t.Errorf("sc.w = %d, want success", m.CPU.X[3])
	}
	v, _ := m.Cache.Read(addr, 4)
	if v != 9 {
		t.Errorf("mem = %d after sc, want 9", v)
	}
}

func TestSCWithoutReservationFails(t *testing.T) {
	m := testMachine(t)
	loadCode(t, m, RAMBase, []uint32{aScW(3, 4, 1)})
	addr := RAMBase + 0x2000
	m.CPU.X[1] = addr
	m.CPU.X[4] = 9
	stepN(t, m, 1)

	if m.CPU.X[3] != 1 {
		t.Errorf("sc.w = %d, want failure", m.CPU.X[3])
	}
	if v, _ := m.Cache.Read(addr, 4); v != 0 {
		t.Errorf("mem = %d, failed sc must not store", v)
	}
}

func TestStoreBreaksReservation(t *testing.T) {
	m := testMachine(t)
	loadCode(t, m, RAMBase, []uint32{
		aLrW(2, 1),
		aSw(4, 1, 4), // same reservation line
		aScW(3, 4, 1),
	})
	addr := RAMBase + 0x2000
	m.CPU.X[1] = addr
	m.CPU.X[4] = 9
	stepN(t, m, 3)

	if m.CPU.X[3] != 1 {
		t.Errorf("sc.w = %d, want failure after intervening store", m.CPU.X[3])
	}
	if v, _ := m.Cache.Read(addr, 4); v != 0 {
		t.Errorf("mem = %d at sc target, failed sc stored", v)
	}
}

func TestAMOAddW(t *testing.T) {
	m := testMachine(t)
	loadCode(t, m, RAMBase, []uint32{aAmoAddW(3, 2, 1)})
	addr := RAMBase + 0x2000
	m.Bus.Mem.Write(addr, 4, 5)
	m.CPU.X[1] = addr
	m.CPU.X[2] = 7
	stepN(t, m, 1)

	if m.CPU.X[3] != 5 {
		t.Errorf("amoadd.w rd = %d, want old value", m.CPU.X[3])
	}
	if v, _ := m.Cache.Read(addr, 4); v != 12 {
		t.Errorf("mem = %d, want 12", v)
	}
}

func TestMisalignedAtomicFaults(t *testing.T) {
	m := testMachine(t)
	loadCode(t, m, RAMBase, []uint32{aLrW(2, 1)})
	m.CPU.X[1] = RAMBase + 0x2002
	m.CPU.Mtvec = RAMBase + 0x800
	stepN(t, m, 1)
	if m.CPU.Mcause != CauseLoadAddrMisaligned {
		t.Errorf("lr.w mcause = %d, want load misaligned", m.CPU.Mcause)
	}

	m2 := testMachine(t)
	loadCode(t, m2, RAMBase, []uint32{aAmoAddW(3, 2, 1)})
	m2.CPU.X[1] = RAMBase + 0x2002
	m2.CPU.Mtvec = RAMBase + 0x800
	stepN(t, m2, 1)
	if m2.CPU.Mcause != CauseStoreAddrMisaligned {
		t.Errorf("amo mcause = %d, want store misaligned", m2.CPU.Mcause)
	}
}

func TestSBIConsoleAndShutdown(t *testing.T) {
	m := testMachine(t)
	loadCode(t, m, RAMBase, []uint32{insnEcall, insnEcall})
	var console bytes.Buffer
	m.SetupLinuxBoot(RAMBase, 0, &console, nil)
	cpu := m.CPU

	if cpu.Priv != PrivSupervisor {
		t.Fatalf("boot priv = %d, want S", cpu.Priv)
	}

	cpu.X[17] = sbiExtLegacyPutchar
	cpu.X[10] = 'A'
	stepN(t, m, 1)
	if console.String() != "A" {
		t.Errorf("console = %q", console.String())
	}
	if cpu.PC != RAMBase+4 {
		t.Errorf("pc = 0x%x, sbi call must advance past the ecall", cpu.PC)
	}

	cpu.X[17] = sbiExtSRST
	if _, err := m.Step(); !errors.Is(err, ErrHalt) {
		t.Errorf("srst err = %v, want ErrHalt", err)
	}
}

func TestSBIGetcharDrainsConsole(t *testing.T) {
	m := testMachine(t)
	loadCode(t, m, RAMBase, []uint32{insnEcall})
	console := bytes.NewBufferString("x")
	m.SetupLinuxBoot(RAMBase, 0, console, nil)
	m.CPU.X[17] = sbiExtLegacyGetchar
	stepN(t, m, 1)
	if m.CPU.X[10] != 'x' {
		t.Errorf("getchar = 0x%x, want 'x'", m.CPU.X[10])
	}
}

func TestSBISetTimer(t *testing.T) {
	m := testMachine(t)
	loadCode(t, m, RAMBase, []uint32{insnEcall})
	timer := &fakeCycleTimer{cycles: m.CPU.Cycles, cmp: ^uint64(0)}
	m.SetupLinuxBoot(RAMBase, 0, nil, timer)
	cpu := m.CPU
	cpu.Mip |= MipSTIP
	cpu.X[17] = sbiExtTimer
	cpu.X[16] = 0
	cpu.X[10] = 5000
	stepN(t, m, 1)

	if timer.cmp != 5000 {
		t.Errorf("timecmp = %d, want 5000", timer.cmp)
	}
	if cpu.Mip&MipSTIP != 0 {
		t.Error("STIP not cleared by set-timer")
	}
	if cpu.X[10] != 0 {
		t.Errorf("sbi error = %d, want success", int64(cpu.X[10]))
	}
}

func TestSBIProbeExtensions(t *testing.T) {
	m := testMachine(t)
	m.SetupLinuxBoot(RAMBase, 0, nil, nil)
	cpu := m.CPU

	probe := func(ext uint64) uint64 {
		loadCode(t, m, cpu.PC, []uint32{insnEcall})
		cpu.X[17] = sbiExtBase
		cpu.X[16] = sbiBaseProbeExtension
		cpu.X[10] = ext
		stepN(t, m, 1)
		return cpu.X[11]
	}

	if probe(sbiExtTimer) != 1 {
		t.Error("TIME extension not reported")
	}
	if probe(0x99999999) != 0 {
		t.Error("unknown extension reported present")
	}
}

func TestLinuxBootDelegation(t *testing.T) {
	m := testMachine(t)
	m.SetupLinuxBoot(RAMBase, 0x8200_0000, nil, nil)
	cpu := m.CPU

	if cpu.X[11] != 0x8200_0000 {
		t.Errorf("a1 = 0x%x, want dtb address", cpu.X[11])
	}
	if cpu.Medeleg&(1<<CauseEcallFromS) != 0 {
		t.Error("ecall-from-S delegated; the sbi layer must see it")
	}
	if cpu.Medeleg&(1<<CauseEcallFromU) == 0 {
		t.Error("ecall-from-U not delegated")
	}
	if cpu.Mideleg != MipSSIP|MipSTIP|MipSEIP {
		t.Errorf("mideleg = 0x%x", cpu.Mideleg)
	}
}

func TestRunHonorsMaxSteps(t *testing.T) {
	m := testMachine(t)
	loadCode(t, m, RAMBase, []uint32{
		aJal(0, 0), // spin
	})
	steps, err := m.Run(context.Background(), 5)
	if err != nil {
		t.Fatal(err)
	}
	if steps != 5 {
		t.Errorf("steps = %d, want 5", steps)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	m := testMachine(t)
	loadCode(t, m, RAMBase, []uint32{aJal(0, 0)})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Run(ctx, 0)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
