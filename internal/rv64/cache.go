package rv64

// L1 geometry: 32 KiB direct-mapped, 64-byte lines.
const (
	CacheLineSize  = 64
	CacheSize      = 32 * 1024
	cacheLineCount = CacheSize / CacheLineSize
)

type cacheLine struct {
	tag   uint64
	valid bool
	dirty bool
	data  [CacheLineSize]byte
}

// CacheStats counts cache events since reset.
type CacheStats struct {
	Hits       uint64
	Misses     uint64
	Writebacks uint64
}

// Cache is the unified write-back L1 in front of RAM. Aligned accesses
// never cross a line; callers guarantee alignment and RAM residency.
// Every access returns the stall cycles it incurred beyond the base
// instruction latency.
type Cache struct {
	lines [cacheLineCount]cacheLine
	mem   *Memory

	missPenalty      uint64
	writebackPenalty uint64

	stats CacheStats
}

// NewCache creates the L1 over mem with the given penalty model.
func NewCache(mem *Memory, missPenalty, writebackPenalty uint64) *Cache {
	return &Cache{mem: mem, missPenalty: missPenalty, writebackPenalty: writebackPenalty}
}

func cacheIndex(addr uint64) uint64 {
	return (addr / CacheLineSize) % cacheLineCount
}

func cacheTag(addr uint64) uint64 {
	return addr / CacheLineSize / cacheLineCount
}

// lineFor returns the line holding addr, filling (and writing back the
// evicted dirty line) on a miss.
func (c *Cache) lineFor(addr uint64) (*cacheLine, uint64) {
	line := &c.lines[cacheIndex(addr)]
	tag := cacheTag(addr)
	if line.valid && line.tag == tag {
		c.stats.Hits++
		return line, 0
	}

	c.stats.Misses++
	var stall uint64
	if line.valid && line.dirty {
		victim := (line.tag*cacheLineCount + cacheIndex(addr)) * CacheLineSize
		c.mem.WriteLine(victim, line.data[:])
		c.stats.Writebacks++
		stall += c.writebackPenalty
	}

	base := addr &^ (CacheLineSize - 1)
	c.mem.ReadLine(base, line.data[:])
	line.tag = tag
	line.valid = true
	line.dirty = false
	stall += c.missPenalty
	return line, stall
}

// Read reads a naturally aligned value through the cache.
func (c *Cache) Read(addr uint64, size int) (uint64, uint64) {
	line, stall := c.lineFor(addr)
	off := addr & (CacheLineSize - 1)
	var v uint64
	for i := 0; i < size; i++ {
		v |= uint64(line.data[off+uint64(i)]) << (8 * i)
	}
	return v, stall
}

// Write writes a naturally aligned value through the cache, marking the
// line dirty. RAM is updated only on eviction or flush.
func (c *Cache) Write(addr uint64, size int, val uint64) uint64 {
	line, stall := c.lineFor(addr)
	off := addr & (CacheLineSize - 1)
	for i := 0; i < size; i++ {
		line.data[off+uint64(i)] = byte(val >> (8 * i))
	}
	line.dirty = true
	return stall
}

// FlushAll writes every dirty line back to RAM and invalidates the cache.
func (c *Cache) FlushAll() {
	for i := range c.lines {
		line := &c.lines[i]
		if line.valid && line.dirty {
			addr := (line.tag*cacheLineCount + uint64(i)) * CacheLineSize
			c.mem.WriteLine(addr, line.data[:])
		}
		line.valid = false
		line.dirty = false
	}
}

// LineState reports the valid/dirty state of the line addr maps to, for
// inspection by tests and the debug snapshot.
func (c *Cache) LineState(addr uint64) (valid, dirty, resident bool) {
	line := &c.lines[cacheIndex(addr)]
	return line.valid, line.dirty, line.valid && line.tag == cacheTag(addr)
}

// Stats returns the event counters.
func (c *Cache) Stats() CacheStats { return c.stats }
