// Package loader reads guest images: ELF64 executables, flat binaries,
// and gzip-compressed variants of either.
package loader

import (
	"debug/elf"
	"fmt"
)

// Segment is one loadable piece of an image.
type Segment struct {
	Addr uint64
	Data []byte
}

// Image is a loaded guest program.
type Image struct {
	Entry    uint64
	Segments []Segment
}

// isELF sniffs the ELF magic.
func isELF(data []byte) bool {
	return len(data) >= 4 &&
		data[0] == 0x7f && data[1] == 'E' && data[2] == 'L' && data[3] == 'F'
}

// loadELF reads the PT_LOAD segments of a RISC-V ELF64 executable.
func loadELF(data []byte) (*Image, error) {
	f, err := elf.NewFile(readerAt(data))
	if err != nil {
		return nil, fmt.Errorf("parsing ELF: %w", err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("unsupported ELF class %v", f.Class)
	}
	if f.Machine != elf.EM_RISCV {
		return nil, fmt.Errorf("unsupported ELF machine %v", f.Machine)
	}

	img := &Image{Entry: f.Entry}
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}
		seg := Segment{
			Addr: prog.Paddr,
			Data: make([]byte, prog.Memsz),
		}
		if _, err := prog.ReadAt(seg.Data[:prog.Filesz], 0); err != nil {
			return nil, fmt.Errorf("reading segment at 0x%x: %w", prog.Paddr, err)
		}
		img.Segments = append(img.Segments, seg)
	}
	if len(img.Segments) == 0 {
		return nil, fmt.Errorf("ELF has no loadable segments")
	}
	return img, nil
}
