package devices

import (
	"sync"

	"github.com/sw882882/riscv-emu/internal/rv64"
)

// PLIC register layout
const (
	plicPriorityBase  = 0x000000
	plicPendingBase   = 0x001000
	plicEnableBase    = 0x002000
	plicThresholdBase = 0x200000
	plicContextStride = 0x1000
)

// plicMaxSources is the number of interrupt source IDs (0 is reserved).
const plicMaxSources = 1024

// PLIC is the platform-level interrupt controller with two contexts:
// context 0 targets MEIP, context 1 targets SEIP. The machine samples its
// output through the InterruptSource interface once per step.
type PLIC struct {
	mu sync.Mutex

	priority  [plicMaxSources]uint32
	pending   [plicMaxSources / 32]uint32
	enable    [2][plicMaxSources / 32]uint32
	threshold [2]uint32
	claimed   [2]uint32
}

// NewPLIC creates an empty PLIC.
func NewPLIC() *PLIC {
	return &PLIC{}
}

// Size implements rv64.Device.
func (p *PLIC) Size() uint64 { return rv64.PLICSize }

// Read implements rv64.Device.
func (p *PLIC) Read(offset uint64, size int) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case offset < plicPendingBase:
		source := offset / 4
		if source < plicMaxSources {
			return uint64(p.priority[source]), nil
		}

	case offset < plicEnableBase:
		word := (offset - plicPendingBase) / 4
		if word < uint64(len(p.pending)) {
			return uint64(p.pending[word]), nil
		}

	case offset < plicThresholdBase:
		rel := offset - plicEnableBase
		context := rel / 0x80
		word := (rel % 0x80) / 4
		if context < 2 && word < uint64(len(p.enable[0])) {
			return uint64(p.enable[context][word]), nil
		}

	default:
		rel := offset - plicThresholdBase
		context := rel / plicContextStride
		if context < 2 {
			switch rel % plicContextStride {
			case 0:
				return uint64(p.threshold[context]), nil
			case 4:
				return uint64(p.claim(int(context))), nil
			}
		}
	}
	return 0, nil
}

// Write implements rv64.Device.
func (p *PLIC) Write(offset uint64, size int, value uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case offset < plicPendingBase:
		source := offset / 4
		if source > 0 && source < plicMaxSources {
			p.priority[source] = uint32(value) & 7
		}

	case offset >= plicEnableBase && offset < plicThresholdBase:
		rel := offset - plicEnableBase
		context := rel / 0x80
		word := (rel % 0x80) / 4
		if context < 2 && word < uint64(len(p.enable[0])) {
			p.enable[context][word] = uint32(value)
		}

	case offset >= plicThresholdBase:
		rel := offset - plicThresholdBase
		context := rel / plicContextStride
		if context < 2 {
			switch rel % plicContextStride {
			case 0:
				p.threshold[context] = uint32(value) & 7
			case 4:
				p.complete(int(context), uint32(value))
			}
		}
	}
	return nil
}

// SetPending raises or lowers one interrupt source line.
func (p *PLIC) SetPending(source uint32, pending bool) {
	if source == 0 || source >= plicMaxSources {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	word, bit := source/32, source%32
	if pending {
		p.pending[word] |= 1 << bit
	} else {
		p.pending[word] &^= 1 << bit
	}
}

// claim takes the highest-priority pending enabled interrupt above the
// context threshold, clearing its pending bit.
func (p *PLIC) claim(context int) uint32 {
	var bestSource, bestPriority uint32
	for source := uint32(1); source < plicMaxSources; source++ {
		if !p.eligible(context, source) {
			continue
		}
		if p.priority[source] > bestPriority {
			bestPriority = p.priority[source]
			bestSource = source
		}
	}
	if bestSource != 0 {
		p.pending[bestSource/32] &^= 1 << (bestSource % 32)
		p.claimed[context] = bestSource
	}
	return bestSource
}

func (p *PLIC) complete(context int, source uint32) {
	if source == 0 || source >= plicMaxSources {
		return
	}
	if p.claimed[context] == source {
		p.claimed[context] = 0
	}
}

func (p *PLIC) eligible(context int, source uint32) bool {
	word, bit := source/32, source%32
	if p.pending[word]&(1<<bit) == 0 {
		return false
	}
	if p.enable[context][word]&(1<<bit) == 0 {
		return false
	}
	return p.priority[source] > p.threshold[context]
}

func (p *PLIC) hasPending(context int) bool {
	for source := uint32(1); source < plicMaxSources; source++ {
		if p.eligible(context, source) {
			return true
		}
	}
	return false
}

// InterruptMask implements rv64.InterruptSource.
func (p *PLIC) InterruptMask() uint64 { return rv64.MipMEIP | rv64.MipSEIP }

// PendingInterrupts implements rv64.InterruptSource.
func (p *PLIC) PendingInterrupts() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	var pending uint64
	if p.hasPending(0) {
		pending |= rv64.MipMEIP
	}
	if p.hasPending(1) {
		pending |= rv64.MipSEIP
	}
	return pending
}

var (
	_ rv64.Device          = (*PLIC)(nil)
	_ rv64.InterruptSource = (*PLIC)(nil)
)
