package rv64

import "fmt"

// Device is a memory-mapped peripheral. Offsets are relative to the
// device's mapping base; size is 1, 2, 4 or 8.
type Device interface {
	Read(offset uint64, size int) (uint64, error)
	Write(offset uint64, size int, value uint64) error
	Size() uint64
}

// InterruptSource is implemented by devices that raise interrupts. The
// returned value is a set of mip bits; the machine samples every source
// once per step and ORs the results into mip.
type InterruptSource interface {
	InterruptMask() uint64
	PendingInterrupts() uint64
}

// TimerDevice is the timer the SBI layer programs on behalf of the
// supervisor.
type TimerDevice interface {
	SetTimecmp(value uint64)
}

type deviceMapping struct {
	base uint64
	dev  Device
}

// Bus routes physical addresses to RAM or to MMIO devices. Device ranges
// bypass the cache and are charged a fixed per-access latency.
type Bus struct {
	Mem *Memory

	devices []deviceMapping
	sources []InterruptSource
}

// NewBus creates a bus over the given RAM.
func NewBus(mem *Memory) *Bus {
	return &Bus{Mem: mem}
}

// AttachDevice maps a device at the given physical base. Ranges must not
// overlap RAM or each other; overlap is a setup error.
func (b *Bus) AttachDevice(base uint64, dev Device) error {
	size := dev.Size()
	if b.Mem.Contains(base, 1) || b.Mem.Contains(base+size-1, 1) {
		return fmt.Errorf("device range [0x%x, 0x%x) overlaps RAM", base, base+size)
	}
	for _, m := range b.devices {
		if base < m.base+m.dev.Size() && m.base < base+size {
			return fmt.Errorf("device range [0x%x, 0x%x) overlaps existing device at 0x%x",
				base, base+size, m.base)
		}
	}
	b.devices = append(b.devices, deviceMapping{base: base, dev: dev})
	if src, ok := dev.(InterruptSource); ok {
		b.sources = append(b.sources, src)
	}
	return nil
}

// deviceAt resolves a physical address to a device and offset.
func (b *Bus) deviceAt(addr uint64) (Device, uint64, bool) {
	for _, m := range b.devices {
		if addr >= m.base && addr < m.base+m.dev.Size() {
			return m.dev, addr - m.base, true
		}
	}
	return nil, 0, false
}

// IsMMIO reports whether addr falls in a device range.
func (b *Bus) IsMMIO(addr uint64) bool {
	_, _, ok := b.deviceAt(addr)
	return ok
}

// ReadMMIO performs a device read. The bool is false when no device is
// mapped at addr; the caller raises the access fault.
func (b *Bus) ReadMMIO(addr uint64, size int) (uint64, bool, error) {
	dev, off, ok := b.deviceAt(addr)
	if !ok {
		return 0, false, nil
	}
	v, err := dev.Read(off, size)
	return v, true, err
}

// WriteMMIO performs a device write; same contract as ReadMMIO.
func (b *Bus) WriteMMIO(addr uint64, size int, value uint64) (bool, error) {
	dev, off, ok := b.deviceAt(addr)
	if !ok {
		return false, nil
	}
	return true, dev.Write(off, size, value)
}

// PendingInterrupts samples every interrupt source and returns the union
// of their mip bits, along with the union of bits the sources own.
func (b *Bus) PendingInterrupts() (pending, mask uint64) {
	for _, s := range b.sources {
		pending |= s.PendingInterrupts()
		mask |= s.InterruptMask()
	}
	return pending, mask
}
