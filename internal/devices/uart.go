package devices

import (
	"io"
	"sync"

	"github.com/sw882882/riscv-emu/internal/rv64"
)

// UART register offsets (16550 compatible)
const (
	uartRegRBR = 0 // receive buffer (read)
	uartRegTHR = 0 // transmit holding (write)
	uartRegIER = 1
	uartRegIIR = 2 // interrupt identification (read)
	uartRegFCR = 2 // FIFO control (write)
	uartRegLCR = 3
	uartRegMCR = 4
	uartRegLSR = 5
	uartRegMSR = 6
	uartRegSCR = 7
)

// LSR bits
const (
	uartLSRDataReady = 1 << 0
	uartLSRTHREmpty  = 1 << 5
	uartLSRTxEmpty   = 1 << 6
)

const uartIIRNone = 1 << 0

// UART is a 16550-compatible serial port. Transmit goes straight to
// Output; receive data is pushed in with EnqueueInput. Its interrupt line
// feeds a PLIC source, not mip, so it reports level changes through
// OnInterrupt.
type UART struct {
	Output io.Writer

	mu sync.Mutex

	ier uint8
	iir uint8
	fcr uint8
	lcr uint8
	mcr uint8
	scr uint8
	dll uint8
	dlh uint8

	input []byte

	interruptPending bool

	// OnInterrupt observes the interrupt line; wired to the PLIC.
	OnInterrupt func(pending bool)
}

// NewUART creates a UART writing transmitted bytes to output.
func NewUART(output io.Writer) *UART {
	return &UART{Output: output, iir: uartIIRNone}
}

// Size implements rv64.Device.
func (u *UART) Size() uint64 { return rv64.UARTSize }

func (u *UART) lsr() uint8 {
	v := uint8(uartLSRTHREmpty | uartLSRTxEmpty)
	if len(u.input) > 0 {
		v |= uartLSRDataReady
	}
	return v
}

// Read implements rv64.Device.
func (u *UART) Read(offset uint64, size int) (uint64, error) {
	if size != 1 {
		return 0, nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	dlab := u.lcr&0x80 != 0
	switch offset {
	case uartRegRBR:
		if dlab {
			return uint64(u.dll), nil
		}
		var b uint8
		if len(u.input) > 0 {
			b = u.input[0]
			u.input = u.input[1:]
		}
		u.updateInterrupt()
		return uint64(b), nil

	case uartRegIER:
		if dlab {
			return uint64(u.dlh), nil
		}
		return uint64(u.ier), nil

	case uartRegIIR:
		return uint64(u.iir), nil
	case uartRegLCR:
		return uint64(u.lcr), nil
	case uartRegMCR:
		return uint64(u.mcr), nil
	case uartRegLSR:
		return uint64(u.lsr()), nil
	case uartRegMSR:
		return 0, nil
	case uartRegSCR:
		return uint64(u.scr), nil
	}
	return 0, nil
}

// Write implements rv64.Device.
func (u *UART) Write(offset uint64, size int, value uint64) error {
	if size != 1 {
		return nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	data := uint8(value)
	dlab := u.lcr&0x80 != 0
	switch offset {
	case uartRegTHR:
		if dlab {
			u.dll = data
			return nil
		}
		if u.Output != nil {
			u.Output.Write([]byte{data})
		}

	case uartRegIER:
		if dlab {
			u.dlh = data
			return nil
		}
		u.ier = data
		u.updateInterrupt()

	case uartRegFCR:
		u.fcr = data
		if data&0x02 != 0 {
			u.input = nil
			u.updateInterrupt()
		}

	case uartRegLCR:
		u.lcr = data
	case uartRegMCR:
		u.mcr = data
	case uartRegSCR:
		u.scr = data
	}
	return nil
}

func (u *UART) updateInterrupt() {
	pending := false
	switch {
	case u.ier&0x01 != 0 && len(u.input) > 0:
		pending = true
		u.iir = 0x04 // receive data available
	case u.ier&0x02 != 0:
		pending = true
		u.iir = 0x02 // THR empty
	default:
		u.iir = uartIIRNone
	}

	if pending != u.interruptPending {
		u.interruptPending = pending
		if u.OnInterrupt != nil {
			u.OnInterrupt(pending)
		}
	}
}

// EnqueueInput appends bytes to the receive buffer. Safe to call from a
// console goroutine.
func (u *UART) EnqueueInput(data []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.input = append(u.input, data...)
	u.updateInterrupt()
}

var _ rv64.Device = (*UART)(nil)
