// Package serial emulates a 16550 UART behind a block of I/O ports.
package serial

import (
	"io"
	"sync"

	"github.com/tinyrange/hwcore/internal/chipset"
)

// COM1 is the first legacy serial port.
const (
	COM1Base = 0x3F8
	COM1IRQ  = 4
)

const (
	registerCount = 8
	fifoSize      = 16

	lcrDLAB = 1 << 7

	lsrDataReady = 1 << 0
	lsrOverrun   = 1 << 1
	lsrTHRE      = 1 << 5
	lsrTEMT      = 1 << 6

	mcrDTR  = 1 << 0
	mcrRTS  = 1 << 1
	mcrOUT1 = 1 << 2
	mcrOUT2 = 1 << 3 // interrupt gate
	mcrLoop = 1 << 4

	msrCTS = 1 << 4
	msrDSR = 1 << 5
	msrRI  = 1 << 6
	msrDCD = 1 << 7

	ierRX    = 1 << 0
	ierTHRE  = 1 << 1
	ierLine  = 1 << 2
	ierModem = 1 << 3

	fcrEnable  = 1 << 0
	fcrClearRX = 1 << 1
	fcrClearTX = 1 << 2
)

// Interrupt identification values.
const (
	IIRNone  = 0x01
	IIRLine  = 0x06
	IIRRX    = 0x04
	IIRTHRE  = 0x02
	IIRModem = 0x00

	iirFIFOs  = 0xC0
	iirIDMask = 0x0F
)

// Register offsets from the base port.
const (
	regData    = 0
	regIER     = 1
	regIIR     = 2 // FCR on write
	regLCR     = 3
	regMCR     = 4
	regLSR     = 5
	regMSR     = 6
	regScratch = 7

	triggerShift = 6
)

var triggerLevels = [4]int{1, 4, 8, 14}

// UART is a 16550 with 16 byte receive FIFO. Transmitted bytes go straight
// to the output writer.
type UART struct {
	mu sync.Mutex

	base uint16
	line chipset.LineInterrupt
	out  io.Writer

	dll, dlm  byte
	ier       byte
	lcr       byte
	mcr       byte
	lsr       byte
	msrStatus byte
	msrDelta  byte
	scr       byte

	fifo    bool
	trigger int
	rx      []byte

	// threPending is cleared by reading IIR while THRE is the reported
	// source and set again by the next transmit.
	threPending bool
	iir         byte
}

// New returns a UART at base whose interrupt output drives line.
func New(base uint16, line chipset.LineInterrupt, out io.Writer) *UART {
	u := &UART{base: base, out: out}
	u.SetLine(line)
	u.resetLocked()
	return u
}

// SetLine changes the interrupt line. A nil line drops interrupts.
func (u *UART) SetLine(line chipset.LineInterrupt) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if line == nil {
		line = chipset.LineInterruptDetached()
	}
	u.line = line
}

// SetOutput changes where transmitted bytes go. A nil writer discards them.
func (u *UART) SetOutput(w io.Writer) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.out = w
}

// Reset implements chipset.Device.
func (u *UART) Reset() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.resetLocked()
	u.updateLocked()
	return nil
}

func (u *UART) resetLocked() {
	u.dll, u.dlm = 0, 0
	u.ier, u.lcr, u.mcr, u.scr = 0, 0, 0, 0
	u.lsr = lsrTHRE | lsrTEMT
	u.msrStatus = msrCTS | msrDSR | msrDCD
	u.msrDelta = 0
	u.fifo = false
	u.trigger = 1
	u.rx = u.rx[:0]
	u.threPending = false
	u.iir = IIRNone
}

// SupportsPortIO implements chipset.Device.
func (u *UART) SupportsPortIO() *chipset.PortIOIntercept {
	ports := make([]uint16, registerCount)
	for i := range ports {
		ports[i] = u.base + uint16(i)
	}
	return &chipset.PortIOIntercept{Ports: ports, Handler: u}
}

// SupportsMmio implements chipset.Device.
func (u *UART) SupportsMmio() *chipset.MmioIntercept { return nil }

// ReadIOPort implements chipset.PortIOHandler.
func (u *UART) ReadIOPort(port uint16, data []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	for i := range data {
		data[i] = u.readLocked(port - u.base)
	}
	return nil
}

// WriteIOPort implements chipset.PortIOHandler.
func (u *UART) WriteIOPort(port uint16, data []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, v := range data {
		u.writeLocked(port-u.base, v)
	}
	return nil
}

// Receive queues bytes as if they arrived on the wire. Bytes beyond the
// FIFO set the overrun bit and are dropped.
func (u *UART) Receive(p []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, b := range p {
		u.receiveLocked(b)
	}
	u.updateLocked()
}

// Asserted reports whether the interrupt output is high.
func (u *UART) Asserted() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.asserted()
}

func (u *UART) asserted() bool {
	return u.iir != IIRNone && u.mcr&mcrOUT2 != 0
}

func (u *UART) readLocked(reg uint16) byte {
	switch reg {
	case regData:
		if u.lcr&lcrDLAB != 0 {
			return u.dll
		}
		return u.popLocked()
	case regIER:
		if u.lcr&lcrDLAB != 0 {
			return u.dlm
		}
		return u.ier
	case regIIR:
		v := u.iir
		if v == IIRTHRE {
			u.threPending = false
			u.updateLocked()
		}
		if u.fifo {
			v |= iirFIFOs
		}
		return v
	case regLCR:
		return u.lcr
	case regMCR:
		return u.mcr
	case regLSR:
		v := u.lsr
		u.lsr &^= lsrOverrun
		u.updateLocked()
		return v
	case regMSR:
		v := u.msrStatus | u.msrDelta
		u.msrDelta = 0
		u.updateLocked()
		return v
	case regScratch:
		return u.scr
	}
	return 0xFF
}

func (u *UART) writeLocked(reg uint16, v byte) {
	switch reg {
	case regData:
		if u.lcr&lcrDLAB != 0 {
			u.dll = v
			return
		}
		u.transmitLocked(v)
	case regIER:
		if u.lcr&lcrDLAB != 0 {
			u.dlm = v
			return
		}
		// Enabling THRE with an empty holding register raises it at once.
		if v&ierTHRE != 0 && u.ier&ierTHRE == 0 {
			u.threPending = true
		}
		u.ier = v & 0x0F
	case regIIR:
		u.setFCRLocked(v)
	case regLCR:
		u.lcr = v
	case regMCR:
		u.setMCRLocked(v)
	case regScratch:
		u.scr = v
	}
	u.updateLocked()
}

func (u *UART) transmitLocked(v byte) {
	if u.mcr&mcrLoop != 0 {
		u.receiveLocked(v)
	} else if u.out != nil {
		_, _ = u.out.Write([]byte{v})
	}
	u.lsr |= lsrTHRE | lsrTEMT
	u.threPending = true
}

func (u *UART) receiveLocked(b byte) {
	limit := 1
	if u.fifo {
		limit = fifoSize
	}
	if len(u.rx) >= limit {
		u.lsr |= lsrOverrun
		return
	}
	u.rx = append(u.rx, b)
	u.lsr |= lsrDataReady
}

func (u *UART) popLocked() byte {
	if len(u.rx) == 0 {
		return 0
	}
	b := u.rx[0]
	u.rx = append(u.rx[:0], u.rx[1:]...)
	if len(u.rx) == 0 {
		u.lsr &^= lsrDataReady
	}
	u.updateLocked()
	return b
}

func (u *UART) setFCRLocked(v byte) {
	enable := v&fcrEnable != 0
	if enable != u.fifo || v&fcrClearRX != 0 {
		u.rx = u.rx[:0]
		u.lsr &^= lsrDataReady
	}
	if v&fcrClearTX != 0 {
		u.lsr |= lsrTHRE | lsrTEMT
	}
	u.fifo = enable
	u.trigger = triggerLevels[v>>triggerShift]
}

func (u *UART) setMCRLocked(v byte) {
	prev := u.mcr
	u.mcr = v & 0x1F
	if prev&mcrLoop != 0 && u.mcr&mcrLoop == 0 {
		u.rx = u.rx[:0]
		u.lsr &^= lsrDataReady
	}
	status := byte(msrCTS | msrDSR | msrDCD)
	if u.mcr&mcrLoop != 0 {
		status = 0
		if u.mcr&mcrDTR != 0 {
			status |= msrDSR
		}
		if u.mcr&mcrRTS != 0 {
			status |= msrCTS
		}
		if u.mcr&mcrOUT1 != 0 {
			status |= msrRI
		}
		if u.mcr&mcrOUT2 != 0 {
			status |= msrDCD
		}
	}
	if changed := status ^ u.msrStatus; changed != 0 {
		u.msrDelta |= changed >> 4
	}
	u.msrStatus = status
}

func (u *UART) rxReadyLocked() bool {
	if u.fifo {
		return len(u.rx) >= u.trigger
	}
	return len(u.rx) > 0
}

// updateLocked recomputes the highest priority pending source and drives
// the line. OUT2 gates the output.
func (u *UART) updateLocked() {
	iir := byte(IIRNone)
	switch {
	case u.ier&ierLine != 0 && u.lsr&lsrOverrun != 0:
		iir = IIRLine
	case u.ier&ierRX != 0 && u.rxReadyLocked():
		iir = IIRRX
	case u.ier&ierTHRE != 0 && u.threPending:
		iir = IIRTHRE
	case u.ier&ierModem != 0 && u.msrDelta != 0:
		iir = IIRModem
	}
	u.iir = iir
	u.line.SetLevel(u.asserted())
}

var (
	_ chipset.Device        = (*UART)(nil)
	_ chipset.PortIOHandler = (*UART)(nil)
)
