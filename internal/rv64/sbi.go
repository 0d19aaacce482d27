package rv64

import "io"

// SBI extension IDs
const (
	sbiExtBase          = 0x10
	sbiExtTimer         = 0x54494D45 // "TIME"
	sbiExtIPI           = 0x735049   // "sPI"
	sbiExtRFence        = 0x52464E43 // "RFNC"
	sbiExtHSM           = 0x48534D   // "HSM"
	sbiExtSRST          = 0x53525354 // "SRST"
	sbiExtLegacySetTime = 0x00
	sbiExtLegacyPutchar = 0x01
	sbiExtLegacyGetchar = 0x02
	sbiExtLegacyShutdwn = 0x08
)

// Base extension function IDs
const (
	sbiBaseGetSpecVersion = 0
	sbiBaseGetImplID      = 1
	sbiBaseGetImplVersion = 2
	sbiBaseProbeExtension = 3
	sbiBaseGetMvendorID   = 4
	sbiBaseGetMarchID     = 5
	sbiBaseGetMimplID     = 6
)

// HSM function IDs
const (
	sbiHSMHartStart  = 0
	sbiHSMHartStop   = 1
	sbiHSMHartStatus = 2
)

// SBI error codes
const (
	sbiSuccess         = 0
	sbiErrNotSupported = -2
	sbiErrInvalidParam = -3
	sbiErrAlreadyAvail = -6
)

// sbiState is present when the machine stands in for the SBI firmware
// (SetupLinuxBoot). S-mode ecalls are then serviced in the machine
// instead of trapping to M.
type sbiState struct {
	console io.ReadWriter
	timer   TimerDevice
}

// handleSBI services one S-mode ecall. Calling convention: a7 = extension,
// a6 = function, a0-a5 = arguments; returns error in a0 and value in a1.
func (m *Machine) handleSBI() {
	cpu := m.CPU
	ext := cpu.X[17]
	fid := cpu.X[16]

	var errCode int64
	var val uint64

	switch ext {
	case sbiExtLegacySetTime:
		m.sbiSetTimer(cpu.X[10])

	case sbiExtLegacyPutchar:
		if m.sbi.console != nil {
			m.sbi.console.Write([]byte{byte(cpu.X[10])})
		}
		// Legacy calls return the result directly in a0.
		cpu.X[10] = 0
		return

	case sbiExtLegacyGetchar:
		cpu.X[10] = ^uint64(0)
		if m.sbi.console != nil {
			var b [1]byte
			if n, _ := m.sbi.console.Read(b[:]); n == 1 {
				cpu.X[10] = uint64(b[0])
			}
		}
		return

	case sbiExtLegacyShutdwn:
		m.halted = true
		return

	case sbiExtBase:
		errCode, val = m.sbiBase(fid)

	case sbiExtTimer:
		if fid == 0 {
			m.sbiSetTimer(cpu.X[10])
		} else {
			errCode = sbiErrNotSupported
		}

	case sbiExtIPI, sbiExtRFence:
		// Single hart: IPIs are no-ops and remote fences act locally.
		if ext == sbiExtRFence {
			m.MMU.FlushAll()
		}

	case sbiExtHSM:
		errCode, val = m.sbiHSM(fid)

	case sbiExtSRST:
		m.halted = true

	default:
		errCode = sbiErrNotSupported
	}

	cpu.X[10] = uint64(errCode)
	cpu.X[11] = val
}

func (m *Machine) sbiSetTimer(stime uint64) {
	if m.sbi.timer != nil {
		m.sbi.timer.SetTimecmp(stime)
	}
	m.CPU.Mip &^= MipSTIP
}

func (m *Machine) sbiBase(fid uint64) (int64, uint64) {
	switch fid {
	case sbiBaseGetSpecVersion:
		return sbiSuccess, 0x0100_0000 // v1.0
	case sbiBaseGetImplID:
		return sbiSuccess, 0
	case sbiBaseGetImplVersion:
		return sbiSuccess, 0x0001_0000
	case sbiBaseProbeExtension:
		switch m.CPU.X[10] {
		case sbiExtBase, sbiExtTimer, sbiExtIPI, sbiExtRFence,
			sbiExtHSM, sbiExtSRST,
			sbiExtLegacySetTime, sbiExtLegacyPutchar, sbiExtLegacyGetchar:
			return sbiSuccess, 1
		}
		return sbiSuccess, 0
	case sbiBaseGetMvendorID, sbiBaseGetMarchID, sbiBaseGetMimplID:
		return sbiSuccess, 0
	}
	return sbiErrNotSupported, 0
}

func (m *Machine) sbiHSM(fid uint64) (int64, uint64) {
	switch fid {
	case sbiHSMHartStatus:
		if m.CPU.X[10] == 0 {
			return sbiSuccess, 0 // STARTED
		}
		return sbiErrInvalidParam, 0
	case sbiHSMHartStart:
		return sbiErrAlreadyAvail, 0
	case sbiHSMHartStop:
		return sbiErrNotSupported, 0
	}
	return sbiErrNotSupported, 0
}
