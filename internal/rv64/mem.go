package rv64

import (
	"encoding/binary"
	"fmt"
)

// Memory is the flat physical RAM backing store. All multi-byte accesses
// are little-endian; callers guarantee natural alignment.
type Memory struct {
	base uint64
	data []byte
}

// NewMemory allocates size bytes of RAM starting at base.
func NewMemory(base, size uint64) *Memory {
	return &Memory{base: base, data: make([]byte, size)}
}

// Base returns the first physical address of the RAM region.
func (m *Memory) Base() uint64 { return m.base }

// Size returns the RAM size in bytes.
func (m *Memory) Size() uint64 { return uint64(len(m.data)) }

// Contains reports whether [addr, addr+size) lies entirely inside RAM.
func (m *Memory) Contains(addr, size uint64) bool {
	return addr >= m.base && addr-m.base+size <= uint64(len(m.data))
}

// Read reads a naturally aligned value of 1, 2, 4 or 8 bytes.
func (m *Memory) Read(addr uint64, size int) uint64 {
	off := addr - m.base
	switch size {
	case 1:
		return uint64(m.data[off])
	case 2:
		return uint64(binary.LittleEndian.Uint16(m.data[off:]))
	case 4:
		return uint64(binary.LittleEndian.Uint32(m.data[off:]))
	case 8:
		return binary.LittleEndian.Uint64(m.data[off:])
	}
	panic(fmt.Sprintf("memory read size %d", size))
}

// Write writes a naturally aligned value of 1, 2, 4 or 8 bytes.
func (m *Memory) Write(addr uint64, size int, val uint64) {
	off := addr - m.base
	switch size {
	case 1:
		m.data[off] = byte(val)
	case 2:
		binary.LittleEndian.PutUint16(m.data[off:], uint16(val))
	case 4:
		binary.LittleEndian.PutUint32(m.data[off:], uint32(val))
	case 8:
		binary.LittleEndian.PutUint64(m.data[off:], val)
	default:
		panic(fmt.Sprintf("memory write size %d", size))
	}
}

// ReadLine copies one cache line out of RAM into buf.
func (m *Memory) ReadLine(addr uint64, buf []byte) {
	copy(buf, m.data[addr-m.base:])
}

// WriteLine copies one cache line from buf into RAM.
func (m *Memory) WriteLine(addr uint64, buf []byte) {
	copy(m.data[addr-m.base:], buf)
}

// LoadBytes copies an image into RAM at the given physical address,
// bypassing the cache. Used during setup only.
func (m *Memory) LoadBytes(addr uint64, data []byte) error {
	if !m.Contains(addr, uint64(len(data))) {
		return fmt.Errorf("load of %d bytes at 0x%x outside RAM [0x%x, 0x%x)",
			len(data), addr, m.base, m.base+uint64(len(m.data)))
	}
	copy(m.data[addr-m.base:], data)
	return nil
}
