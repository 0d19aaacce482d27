package rv64

// TLBSize is the number of entries in each translation buffer.
const TLBSize = 32

// TLBEntry caches one leaf PTE. PageSize distinguishes 4 KiB pages from
// 2 MiB and 1 GiB superpages; PTEAddr remembers where the leaf lives so
// the hardware A/D policy can update it on a hit.
type TLBEntry struct {
	valid bool
	lru   uint64

	VBase    uint64 // virtual base, aligned to PageSize
	PBase    uint64 // physical base, aligned to PageSize
	PageSize uint64
	Flags    uint64 // leaf PTE flag bits
	ASID     uint16
	Global   bool
	PTEAddr  uint64
}

// TLB is a fully associative translation buffer with LRU replacement.
// The core keeps one for fetches and one for data accesses.
type TLB struct {
	entries [TLBSize]TLBEntry
	tick    uint64
}

// Lookup finds the entry covering vaddr under asid, touching its LRU
// state on a hit. Permission bits are NOT checked here; the MMU
// re-verifies them on every hit.
func (t *TLB) Lookup(vaddr uint64, asid uint16) *TLBEntry {
	for i := range t.entries {
		e := &t.entries[i]
		if !e.valid {
			continue
		}
		if vaddr < e.VBase || vaddr-e.VBase >= e.PageSize {
			continue
		}
		if !e.Global && e.ASID != asid {
			continue
		}
		t.tick++
		e.lru = t.tick
		return e
	}
	return nil
}

// Insert adds an entry, evicting the least recently used slot when full.
func (t *TLB) Insert(entry TLBEntry) {
	victim := 0
	var oldest uint64 = ^uint64(0)
	for i := range t.entries {
		e := &t.entries[i]
		if !e.valid {
			victim = i
			break
		}
		if e.lru < oldest {
			oldest = e.lru
			victim = i
		}
	}
	t.tick++
	entry.valid = true
	entry.lru = t.tick
	t.entries[victim] = entry
}

// FlushAll invalidates every entry.
func (t *TLB) FlushAll() {
	for i := range t.entries {
		t.entries[i].valid = false
	}
}

// FlushNonGlobal invalidates every entry not marked global. Used on satp
// writes.
func (t *TLB) FlushNonGlobal() {
	for i := range t.entries {
		if !t.entries[i].Global {
			t.entries[i].valid = false
		}
	}
}

// FlushPage invalidates entries covering vaddr (sfence.vma with rs1).
func (t *TLB) FlushPage(vaddr uint64) {
	for i := range t.entries {
		e := &t.entries[i]
		if e.valid && vaddr >= e.VBase && vaddr-e.VBase < e.PageSize {
			e.valid = false
		}
	}
}

// FlushASID invalidates non-global entries with the given ASID
// (sfence.vma with rs2).
func (t *TLB) FlushASID(asid uint16) {
	for i := range t.entries {
		e := &t.entries[i]
		if e.valid && !e.Global && e.ASID == asid {
			e.valid = false
		}
	}
}
