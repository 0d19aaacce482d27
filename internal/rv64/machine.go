package rv64

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrHalt is returned by Step and Run once the machine has stopped, either
// through an SBI shutdown or a write to the host-exit address.
var ErrHalt = errors.New("machine halted")

// Timing is the cycle cost model. Base covers a cache-hit instruction;
// the penalties accrue per memory event during the step.
type Timing struct {
	BaseCycles       uint64
	CacheMissPenalty uint64
	WritebackPenalty uint64
	MMIOLatency      uint64
}

// DefaultTiming returns the cost model used when no configuration is given.
func DefaultTiming() Timing {
	return Timing{
		BaseCycles:       1,
		CacheMissPenalty: 20,
		WritebackPenalty: 20,
		MMIOLatency:      10,
	}
}

// Machine wires the hart to its memory hierarchy and devices and drives
// execution one instruction (or one trap entry) at a time.
type Machine struct {
	CPU    *CPU
	Bus    *Bus
	Cache  *Cache
	MMU    *MMU
	Timing Timing

	// stall accumulates memory penalty cycles during the current step
	stall uint64

	sbi *sbiState

	hostExitAddr uint64
	hostExitSet  bool
	exitCode     uint64
	halted       bool

	lastTrap *TrapEvent

	// TraceFunc, when set, observes every instruction before execution.
	TraceFunc func(pc uint64, raw uint32)
}

// NewMachine creates a machine with ramSize bytes of RAM at RAMBase.
func NewMachine(ramSize uint64, timing Timing, policy ADPolicy) *Machine {
	mem := NewMemory(RAMBase, ramSize)
	m := &Machine{
		CPU:    NewCPU(&CycleCounter{}),
		Bus:    NewBus(mem),
		Timing: timing,
	}
	m.Cache = NewCache(mem, timing.CacheMissPenalty, timing.WritebackPenalty)
	m.MMU = NewMMU(m, policy)
	return m
}

// ReadPTE reads a page-table entry through the cache. PTEs outside RAM
// fail the walk.
func (m *Machine) ReadPTE(addr uint64) (uint64, uint64, error) {
	if !m.Bus.Mem.Contains(addr, 8) {
		return 0, 0, fmt.Errorf("pte at 0x%x outside RAM", addr)
	}
	v, stall := m.Cache.Read(addr, 8)
	return v, stall, nil
}

// WritePTE updates a page-table entry through the cache (hardware A/D
// policy only).
func (m *Machine) WritePTE(addr uint64, val uint64) (uint64, error) {
	if !m.Bus.Mem.Contains(addr, 8) {
		return 0, fmt.Errorf("pte at 0x%x outside RAM", addr)
	}
	return m.Cache.Write(addr, 8, val), nil
}

func accessFault(access AccessType, tval uint64) error {
	switch access {
	case AccessFetch:
		return Exception(CauseInsnAccessFault, tval)
	case AccessLoad:
		return Exception(CauseLoadAccessFault, tval)
	default:
		return Exception(CauseStoreAccessFault, tval)
	}
}

// physRead reads physical memory: RAM goes through the cache, device
// ranges bypass it at fixed latency. tval is the virtual address reported
// on an access fault.
func (m *Machine) physRead(paddr uint64, size int, access AccessType, tval uint64) (uint64, error) {
	if m.Bus.Mem.Contains(paddr, uint64(size)) {
		v, stall := m.Cache.Read(paddr, size)
		m.stall += stall
		return v, nil
	}
	if v, ok, err := m.Bus.ReadMMIO(paddr, size); ok {
		m.stall += m.Timing.MMIOLatency
		if err != nil {
			return 0, accessFault(access, tval)
		}
		return v, nil
	}
	return 0, accessFault(access, tval)
}

// physWrite is the store counterpart. Any store to the reserved line drops
// the LR/SC reservation; a write to the host-exit address halts the
// machine instead of landing in memory.
func (m *Machine) physWrite(paddr uint64, size int, val uint64, tval uint64) error {
	cpu := m.CPU
	if cpu.ReservationValid && reservationLine(paddr) == cpu.Reservation {
		cpu.ReservationValid = false
	}

	if m.hostExitSet && paddr == m.hostExitAddr {
		m.exitCode = val
		m.halted = true
		return nil
	}

	if m.Bus.Mem.Contains(paddr, uint64(size)) {
		m.stall += m.Cache.Write(paddr, size, val)
		return nil
	}
	if ok, err := m.Bus.WriteMMIO(paddr, size, val); ok {
		m.stall += m.Timing.MMIOLatency
		if err != nil {
			return accessFault(AccessStore, tval)
		}
		return nil
	}
	return accessFault(AccessStore, tval)
}

// readVirt performs a translated, aligned load.
func (m *Machine) readVirt(vaddr uint64, size int) (uint64, error) {
	if vaddr&uint64(size-1) != 0 {
		return 0, Exception(CauseLoadAddrMisaligned, vaddr)
	}
	paddr, stall, err := m.MMU.Translate(m.CPU, vaddr, AccessLoad)
	m.stall += stall
	if err != nil {
		return 0, err
	}
	return m.physRead(paddr, size, AccessLoad, vaddr)
}

// writeVirt performs a translated, aligned store.
func (m *Machine) writeVirt(vaddr uint64, size int, val uint64) error {
	if vaddr&uint64(size-1) != 0 {
		return Exception(CauseStoreAddrMisaligned, vaddr)
	}
	paddr, stall, err := m.MMU.Translate(m.CPU, vaddr, AccessStore)
	m.stall += stall
	if err != nil {
		return err
	}
	return m.physWrite(paddr, size, val, vaddr)
}

// fetch16 fetches one halfword; an instruction straddling a page boundary
// translates each half separately.
func (m *Machine) fetch16(vaddr uint64) (uint16, error) {
	paddr, stall, err := m.MMU.Translate(m.CPU, vaddr, AccessFetch)
	m.stall += stall
	if err != nil {
		return 0, err
	}
	v, err := m.physRead(paddr, 2, AccessFetch, vaddr)
	return uint16(v), err
}

// fetch reads and decodes the instruction at PC.
func (m *Machine) fetch() (Inst, error) {
	pc := m.CPU.PC
	if pc&1 != 0 {
		return Inst{}, Exception(CauseInsnAddrMisaligned, pc)
	}

	lo, err := m.fetch16(pc)
	if err != nil {
		return Inst{}, err
	}
	if lo&3 != 3 {
		raw, err := ExpandCompressed(lo)
		if err != nil {
			return Inst{}, err
		}
		in, err := Decode(raw)
		if err != nil {
			return Inst{}, err
		}
		in.Len = 2
		return in, nil
	}

	hi, err := m.fetch16(pc + 2)
	if err != nil {
		return Inst{}, err
	}
	return Decode(uint32(lo) | uint32(hi)<<16)
}

// sampleInterrupts folds the device interrupt lines into mip, touching
// only the bits the devices own.
func (m *Machine) sampleInterrupts() {
	pending, mask := m.Bus.PendingInterrupts()
	m.CPU.Mip = (m.CPU.Mip &^ mask) | pending
}

// charge advances the cycle counter for the finished step and resamples
// the interrupt lines so pending state reflects the post-step time.
func (m *Machine) charge() uint64 {
	n := m.Timing.BaseCycles + m.stall
	m.CPU.Cycles.Advance(n)
	m.sampleInterrupts()
	return n
}

// Step executes one unit of work: a trap entry, a WFI wait cycle, or one
// instruction. It returns the cycles charged. The counter advances whether
// or not the step faulted.
func (m *Machine) Step() (uint64, error) {
	if m.halted {
		return 0, ErrHalt
	}
	cpu := m.CPU
	m.stall = 0

	// Interrupts are sampled exactly once per step, before fetch.
	m.sampleInterrupts()
	if cause, ok := cpu.PendingInterrupt(); ok {
		ev := cpu.EnterTrap(cause, 0, cpu.PC)
		m.lastTrap = &ev
		return m.charge(), nil
	}

	if cpu.WFI {
		// WFI resumes once any enabled interrupt is pending, even when
		// globally masked.
		if cpu.Mip&cpu.Mie == 0 {
			return m.charge(), nil
		}
		cpu.WFI = false
	}

	pc := cpu.PC
	in, err := m.fetch()
	if err == nil {
		if m.TraceFunc != nil {
			m.TraceFunc(pc, in.Raw)
		}
		err = m.execute(in)
	}

	if err != nil {
		var exc ExceptionError
		if !errors.As(err, &exc) {
			m.halted = true
			return m.charge(), fmt.Errorf("step at pc=0x%x: %w", pc, err)
		}
		if m.sbi != nil && exc.Cause == CauseEcallFromS {
			m.handleSBI()
			cpu.PC = pc + 4
			cpu.Instret++
			n := m.charge()
			if m.halted {
				return n, ErrHalt
			}
			return n, nil
		}
		// Precise exceptions: PC was untouched by the faulting
		// instruction, so the trap sees the instruction's own address.
		cpu.PC = pc
		ev := cpu.EnterTrap(exc.Cause, exc.Tval, pc)
		m.lastTrap = &ev
		return m.charge(), nil
	}

	cpu.Instret++
	n := m.charge()
	if m.halted {
		return n, ErrHalt
	}
	return n, nil
}

// Run steps the machine until it halts, faults at the host level, the
// context is cancelled, or maxSteps (0 = unbounded) is reached.
func (m *Machine) Run(ctx context.Context, maxSteps uint64) (uint64, error) {
	var steps uint64
	for maxSteps == 0 || steps < maxSteps {
		if steps&0x3fff == 0 {
			select {
			case <-ctx.Done():
				return steps, ctx.Err()
			default:
			}
		}
		if _, err := m.Step(); err != nil {
			return steps + 1, err
		}
		steps++
	}
	return steps, nil
}

// LoadImage copies an image into RAM and drops any cached lines so the
// next fetch sees it.
func (m *Machine) LoadImage(addr uint64, data []byte) error {
	if err := m.Bus.Mem.LoadBytes(addr, data); err != nil {
		return err
	}
	m.Cache.FlushAll()
	return nil
}

// SetHostExit arms the host-exit watch address: a store there halts the
// machine and records the stored value as the exit code.
func (m *Machine) SetHostExit(addr uint64) {
	m.hostExitAddr = addr
	m.hostExitSet = true
}

// ExitCode returns the value captured by the host-exit watch.
func (m *Machine) ExitCode() uint64 { return m.exitCode }

// Halted reports whether the machine has stopped.
func (m *Machine) Halted() bool { return m.halted }

// SetupBoot establishes the bare-metal boot contract: hart 0 in M-mode
// with translation off, a0 = hartid, a1 = DTB address.
func (m *Machine) SetupBoot(entry, dtbAddr uint64) {
	cpu := m.CPU
	cpu.Reset()
	cpu.PC = entry
	cpu.X[10] = 0
	cpu.X[11] = dtbAddr
}

// SetupLinuxBoot enters the kernel in S-mode with the usual exception and
// interrupt delegation in place, the machine itself standing in for the
// SBI firmware. console backs the legacy console calls and timer the
// timer extension.
func (m *Machine) SetupLinuxBoot(entry, dtbAddr uint64, console io.ReadWriter, timer TimerDevice) {
	cpu := m.CPU
	cpu.Reset()
	cpu.PC = entry
	cpu.X[10] = 0
	cpu.X[11] = dtbAddr
	cpu.Priv = PrivSupervisor

	// Delegate everything except ecall-from-S, which the SBI layer
	// handles in the machine.
	cpu.Medeleg = medelegMask &^ (1 << CauseEcallFromS)
	cpu.Mideleg = sInterrupts
	cpu.Mcounteren = 0x7
	cpu.Scounteren = 0x7

	m.sbi = &sbiState{console: console, timer: timer}
}

// Snapshot is a read-only copy of machine state, taken between steps.
type Snapshot struct {
	X       [32]uint64
	PC      uint64
	Priv    uint8
	Instret uint64
	Cycle   uint64

	CSRs map[uint16]uint64

	LastTrap *TrapEvent

	CacheStats CacheStats
}

// Snapshot captures the current architectural and timing state.
func (m *Machine) Snapshot() Snapshot {
	s := Snapshot{
		X:          m.CPU.X,
		PC:         m.CPU.PC,
		Priv:       m.CPU.Priv,
		Instret:    m.CPU.Instret,
		Cycle:      m.CPU.Cycles.Now(),
		CSRs:       m.CPU.CSRDump(),
		CacheStats: m.Cache.Stats(),
	}
	if m.lastTrap != nil {
		ev := *m.lastTrap
		s.LastTrap = &ev
	}
	return s
}

var regNames = [32]string{
	"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
	"s0", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
	"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
	"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
}

// DumpRegisters writes a human-readable register dump.
func (s *Snapshot) DumpRegisters(w io.Writer) {
	fmt.Fprintf(w, "pc  = 0x%016x priv=%d instret=%d cycle=%d\n",
		s.PC, s.Priv, s.Instret, s.Cycle)
	for i := 0; i < 32; i += 2 {
		fmt.Fprintf(w, "%-4s= 0x%016x %-4s= 0x%016x\n",
			regNames[i], s.X[i], regNames[i+1], s.X[i+1])
	}
	if s.LastTrap != nil {
		t := s.LastTrap
		fmt.Fprintf(w, "trap: cause=0x%x tval=0x%x epc=0x%x from=%d target=%d\n",
			t.Cause, t.Tval, t.EPC, t.From, t.Target)
	}
}
