// Package fdt builds flattened device trees and generates the platform
// tree describing the emulated machine.
package fdt

import (
	"bytes"
	"encoding/binary"
)

const (
	fdtMagic       = 0xd00dfeed
	fdtBeginNode   = 0x00000001
	fdtEndNode     = 0x00000002
	fdtProp        = 0x00000003
	fdtEnd         = 0x00000009
	fdtVersion     = 17
	fdtLastCompVer = 16
)

// Builder assembles an FDT blob token by token.
type Builder struct {
	structure bytes.Buffer
	strings   bytes.Buffer
	stringMap map[string]uint32
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{stringMap: make(map[string]uint32)}
}

func (b *Builder) putU32(v uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	b.structure.Write(buf[:])
}

func (b *Builder) pad() {
	for b.structure.Len()%4 != 0 {
		b.structure.WriteByte(0)
	}
}

// addString interns a property name in the string table.
func (b *Builder) addString(s string) uint32 {
	if off, ok := b.stringMap[s]; ok {
		return off
	}
	off := uint32(b.strings.Len())
	b.strings.WriteString(s)
	b.strings.WriteByte(0)
	b.stringMap[s] = off
	return off
}

// BeginNode opens a node.
func (b *Builder) BeginNode(name string) {
	b.putU32(fdtBeginNode)
	b.structure.WriteString(name)
	b.structure.WriteByte(0)
	b.pad()
}

// EndNode closes the current node.
func (b *Builder) EndNode() {
	b.putU32(fdtEndNode)
}

// PropString adds a NUL-terminated string property.
func (b *Builder) PropString(name, value string) {
	b.putU32(fdtProp)
	b.putU32(uint32(len(value) + 1))
	b.putU32(b.addString(name))
	b.structure.WriteString(value)
	b.structure.WriteByte(0)
	b.pad()
}

// PropStringList adds a list of NUL-terminated strings.
func (b *Builder) PropStringList(name string, values []string) {
	var buf bytes.Buffer
	for _, v := range values {
		buf.WriteString(v)
		buf.WriteByte(0)
	}
	b.putU32(fdtProp)
	b.putU32(uint32(buf.Len()))
	b.putU32(b.addString(name))
	b.structure.Write(buf.Bytes())
	b.pad()
}

// PropU32 adds a big-endian u32 property.
func (b *Builder) PropU32(name string, value uint32) {
	b.putU32(fdtProp)
	b.putU32(4)
	b.putU32(b.addString(name))
	b.putU32(value)
}

// PropU64 adds a big-endian u64 property.
func (b *Builder) PropU64(name string, value uint64) {
	b.putU32(fdtProp)
	b.putU32(8)
	b.putU32(b.addString(name))
	b.putU32(uint32(value >> 32))
	b.putU32(uint32(value))
}

// PropU32Array adds an array of big-endian u32 cells.
func (b *Builder) PropU32Array(name string, values []uint32) {
	b.putU32(fdtProp)
	b.putU32(uint32(len(values) * 4))
	b.putU32(b.addString(name))
	for _, v := range values {
		b.putU32(v)
	}
}

// PropEmpty adds a boolean marker property.
func (b *Builder) PropEmpty(name string) {
	b.putU32(fdtProp)
	b.putU32(0)
	b.putU32(b.addString(name))
}

// Build finalizes the blob: header, empty memory reservation map,
// structure block, string table.
func (b *Builder) Build() []byte {
	b.putU32(fdtEnd)

	for b.strings.Len()%4 != 0 {
		b.strings.WriteByte(0)
	}

	const headerSize = 40
	const memRsvmapSize = 16 // one terminating entry
	memRsvmapOff := uint32(headerSize)
	structOff := memRsvmapOff + memRsvmapSize
	structSize := uint32(b.structure.Len())
	stringsOff := structOff + structSize
	stringsSize := uint32(b.strings.Len())
	totalSize := stringsOff + stringsSize

	out := make([]byte, totalSize)
	be := func(off int, v uint32) { binary.BigEndian.PutUint32(out[off:], v) }
	be(0, fdtMagic)
	be(4, totalSize)
	be(8, structOff)
	be(12, stringsOff)
	be(16, memRsvmapOff)
	be(20, fdtVersion)
	be(24, fdtLastCompVer)
	be(28, 0) // boot_cpuid_phys
	be(32, stringsSize)
	be(36, structSize)

	copy(out[structOff:], b.structure.Bytes())
	copy(out[stringsOff:], b.strings.Bytes())
	return out
}
