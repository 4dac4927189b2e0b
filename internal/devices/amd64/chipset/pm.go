package chipset

import (
	"encoding/binary"
	"fmt"
	"sync"

	cs "github.com/tinyrange/hwcore/internal/chipset"
)

const (
	pm1aEvtSize = 4
	pm1aCntSize = 2
	pmTmrSize   = 4

	pm1SCIEnable uint16 = 1 << 0

	// pmTimerStep is how far the PM timer advances per read.
	pmTimerStep = 3580
)

// PMConfig places the power management block and describes how the SMI
// handler answers the enable handshake.
type PMConfig struct {
	EventBase   uint16
	ControlBase uint16
	TimerBase   uint16

	SMICommand  uint16
	EnableCode  uint8
	DisableCode uint8

	// LatchAfter is the PM1a control read, counted from the enable code,
	// on which SCI_EN first reads as set. Zero latches immediately.
	LatchAfter int
	// NeverLatch leaves SCI_EN clear whatever is written.
	NeverLatch bool
	// StartEnabled boots with SCI_EN already set.
	StartEnabled bool
}

// PM implements a minimal ACPI power management block (PM1a + PM timer)
// together with the SMI command port that toggles ACPI mode.
type PM struct {
	mu  sync.Mutex
	cfg PMConfig

	pm1aStatus uint16
	pm1aEnable uint16
	pm1aCnt    uint16
	timer      uint32

	armed     bool
	countdown int

	smiWrites []uint8
}

// NewPM builds a PM block.
func NewPM(cfg PMConfig) *PM {
	p := &PM{cfg: cfg}
	p.resetLocked()
	return p
}

func (p *PM) resetLocked() {
	p.pm1aStatus = 0
	p.pm1aEnable = 0
	p.pm1aCnt = 0
	if p.cfg.StartEnabled {
		p.pm1aCnt = pm1SCIEnable
	}
	p.timer = 0
	p.armed = false
	p.smiWrites = nil
}

// Reset implements chipset.Device.
func (p *PM) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
	return nil
}

// SupportsMmio implements chipset.Device.
func (p *PM) SupportsMmio() *cs.MmioIntercept { return nil }

// SupportsPortIO implements chipset.Device.
func (p *PM) SupportsPortIO() *cs.PortIOIntercept {
	ports := make([]uint16, 0, pm1aEvtSize+pm1aCntSize+pmTmrSize+1)
	for off := uint16(0); off < pm1aEvtSize && p.cfg.EventBase != 0; off++ {
		ports = append(ports, p.cfg.EventBase+off)
	}
	for off := uint16(0); off < pm1aCntSize && p.cfg.ControlBase != 0; off++ {
		ports = append(ports, p.cfg.ControlBase+off)
	}
	for off := uint16(0); off < pmTmrSize && p.cfg.TimerBase != 0; off++ {
		ports = append(ports, p.cfg.TimerBase+off)
	}
	if p.cfg.SMICommand != 0 {
		ports = append(ports, p.cfg.SMICommand)
	}
	return &cs.PortIOIntercept{Ports: ports, Handler: p}
}

func within(port, base uint16, size uint16) bool {
	return base != 0 && port >= base && port < base+size
}

// ReadIOPort implements chipset.PortIOHandler.
func (p *PM) ReadIOPort(port uint16, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case within(port, p.cfg.EventBase, pm1aEvtSize):
		if off := port - p.cfg.EventBase; off >= 2 {
			return readUint16(off-2, p.pm1aEnable, data)
		}
		return readUint16(port-p.cfg.EventBase, p.pm1aStatus, data)
	case within(port, p.cfg.ControlBase, pm1aCntSize):
		p.tickLatchLocked()
		return readUint16(port-p.cfg.ControlBase, p.pm1aCnt, data)
	case within(port, p.cfg.TimerBase, pmTmrSize):
		p.timer = (p.timer + pmTimerStep) & 0xFFFFFF
		return readUint32(port-p.cfg.TimerBase, p.timer, data)
	case port == p.cfg.SMICommand && port != 0:
		for i := range data {
			data[i] = 0
		}
		return nil
	default:
		return fmt.Errorf("pm: invalid read port 0x%04x", port)
	}
}

// WriteIOPort implements chipset.PortIOHandler.
func (p *PM) WriteIOPort(port uint16, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case within(port, p.cfg.EventBase, pm1aEvtSize):
		if off := port - p.cfg.EventBase; off >= 2 {
			return writeUint16(&p.pm1aEnable, off-2, data)
		}
		// Status bits are write-one-to-clear.
		var ack uint16
		if err := writeUint16(&ack, port-p.cfg.EventBase, data); err != nil {
			return err
		}
		p.pm1aStatus &^= ack
		return nil
	case within(port, p.cfg.ControlBase, pm1aCntSize):
		// SCI_EN is owned by the SMI handler.
		sci := p.pm1aCnt & pm1SCIEnable
		if err := writeUint16(&p.pm1aCnt, port-p.cfg.ControlBase, data); err != nil {
			return err
		}
		p.pm1aCnt = p.pm1aCnt&^pm1SCIEnable | sci
		return nil
	case within(port, p.cfg.TimerBase, pmTmrSize):
		// PM timer is read-only in hardware.
		return nil
	case port == p.cfg.SMICommand && port != 0:
		if len(data) != 1 {
			return fmt.Errorf("pm: invalid SMI command size %d", len(data))
		}
		p.smiCommandLocked(data[0])
		return nil
	default:
		return fmt.Errorf("pm: invalid write port 0x%04x", port)
	}
}

func (p *PM) smiCommandLocked(code uint8) {
	p.smiWrites = append(p.smiWrites, code)
	switch code {
	case p.cfg.DisableCode:
		p.armed = false
		p.pm1aCnt &^= pm1SCIEnable
	case p.cfg.EnableCode:
		if p.cfg.NeverLatch {
			return
		}
		if p.cfg.LatchAfter <= 0 {
			p.pm1aCnt |= pm1SCIEnable
			return
		}
		p.armed = true
		p.countdown = p.cfg.LatchAfter - 1
	}
}

func (p *PM) tickLatchLocked() {
	if !p.armed {
		return
	}
	if p.countdown > 0 {
		p.countdown--
		return
	}
	p.armed = false
	p.pm1aCnt |= pm1SCIEnable
}

// SCIEnabled reports whether SCI_EN is set.
func (p *PM) SCIEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pm1aCnt&pm1SCIEnable != 0
}

// SMIWrites returns the codes written to the SMI command port.
func (p *PM) SMIWrites() []uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]uint8(nil), p.smiWrites...)
}

func readUint16(offset uint16, value uint16, data []byte) error {
	if len(data) != 1 && len(data) != 2 {
		return fmt.Errorf("pm: invalid read size %d", len(data))
	}
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, value)
	copy(data, buf[offset:])
	return nil
}

func writeUint16(dst *uint16, offset uint16, data []byte) error {
	if len(data) != 1 && len(data) != 2 {
		return fmt.Errorf("pm: invalid write size %d", len(data))
	}
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, *dst)
	copy(buf[offset:], data)
	*dst = binary.LittleEndian.Uint16(buf)
	return nil
}

func readUint32(offset uint16, value uint32, data []byte) error {
	if len(data) != 1 && len(data) != 2 && len(data) != 4 {
		return fmt.Errorf("pm: invalid read size %d", len(data))
	}
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, value)
	copy(data, buf[offset:])
	return nil
}

var _ cs.Device = (*PM)(nil)
