package fdt

import "github.com/sw882882/riscv-emu/internal/rv64"

// Platform describes the emulated machine for tree generation.
type Platform struct {
	RAMSize           uint64
	Cmdline           string
	TimebaseFrequency uint32
}

func regCells(base, size uint64) []uint32 {
	return []uint32{
		uint32(base >> 32), uint32(base),
		uint32(size >> 32), uint32(size),
	}
}

// GeneratePlatformTree builds the device tree Linux boots from: one
// rv64imac hart with Sv39, the RAM bank, and the CLINT/PLIC/UART at the
// machine's fixed addresses.
func GeneratePlatformTree(p Platform) []byte {
	tbFreq := p.TimebaseFrequency
	if tbFreq == 0 {
		tbFreq = 10_000_000
	}

	b := NewBuilder()

	b.BeginNode("")
	b.PropU32("#address-cells", 2)
	b.PropU32("#size-cells", 2)
	b.PropString("compatible", "riscv-virtio")
	b.PropString("model", "riscv-virtio,qemu")

	b.BeginNode("chosen")
	b.PropString("bootargs", p.Cmdline)
	b.PropString("stdout-path", "/soc/serial@10000000")
	b.EndNode()

	b.BeginNode("cpus")
	b.PropU32("#address-cells", 1)
	b.PropU32("#size-cells", 0)
	b.PropU32("timebase-frequency", tbFreq)

	b.BeginNode("cpu@0")
	b.PropString("device_type", "cpu")
	b.PropU32("reg", 0)
	b.PropString("status", "okay")
	b.PropString("compatible", "riscv")
	b.PropString("riscv,isa", "rv64imac_zicsr_zifencei")
	b.PropString("mmu-type", "riscv,sv39")

	b.BeginNode("interrupt-controller")
	b.PropU32("#interrupt-cells", 1)
	b.PropEmpty("interrupt-controller")
	b.PropString("compatible", "riscv,cpu-intc")
	b.PropU32("phandle", 1)
	b.EndNode()

	b.EndNode() // cpu@0
	b.EndNode() // cpus

	b.BeginNode("memory@80000000")
	b.PropString("device_type", "memory")
	b.PropU32Array("reg", regCells(rv64.RAMBase, p.RAMSize))
	b.EndNode()

	b.BeginNode("soc")
	b.PropU32("#address-cells", 2)
	b.PropU32("#size-cells", 2)
	b.PropStringList("compatible", []string{"simple-bus"})
	b.PropEmpty("ranges")

	b.BeginNode("clint@2000000")
	b.PropStringList("compatible", []string{"sifive,clint0", "riscv,clint0"})
	b.PropU32Array("reg", regCells(rv64.CLINTBase, rv64.CLINTSize))
	b.PropU32Array("interrupts-extended", []uint32{1, 3, 1, 7})
	b.EndNode()

	b.BeginNode("plic@c000000")
	b.PropString("compatible", "sifive,plic-1.0.0")
	b.PropU32("#interrupt-cells", 1)
	b.PropEmpty("interrupt-controller")
	b.PropU32Array("reg", regCells(rv64.PLICBase, rv64.PLICSize))
	b.PropU32Array("interrupts-extended", []uint32{1, 9, 1, 11})
	b.PropU32("riscv,ndev", 127)
	b.PropU32("phandle", 2)
	b.EndNode()

	b.BeginNode("serial@10000000")
	b.PropString("compatible", "ns16550a")
	b.PropU32Array("reg", regCells(rv64.UARTBase, rv64.UARTSize))
	b.PropU32("clock-frequency", 3686400)
	b.PropU32("interrupts", UARTInterrupt)
	b.PropU32("interrupt-parent", 2)
	b.EndNode()

	b.EndNode() // soc
	b.EndNode() // root

	return b.Build()
}

// UARTInterrupt is the PLIC source number the serial port is wired to.
const UARTInterrupt = 10
