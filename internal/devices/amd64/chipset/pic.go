package chipset

import (
	"fmt"
	"math/bits"
	"sync"

	cs "github.com/tinyrange/hwcore/internal/chipset"
)

const (
	primaryPicCommandPort   uint16 = 0x20
	primaryPicDataPort      uint16 = 0x21
	secondaryPicCommandPort uint16 = 0xa0
	secondaryPicDataPort    uint16 = 0xa1
	primaryPicELCRPort      uint16 = 0x4d0
	secondaryPicELCRPort    uint16 = 0x4d1

	imcrSelectPort uint16 = 0x22
	imcrDataPort   uint16 = 0x23
	imcrRegister          = 0x70

	picChainCommunicationIRQ = 2
	picIRQMask               = 0x7
	picSpuriousIRQ           = 7
)

// DualPIC implements the classic pair of cascaded 8259A controllers and the
// IMCR register that disconnects them from the processor.
type DualPIC struct {
	mu sync.Mutex

	pics [2]*pic

	imcrIndex uint8
	apicMode  bool

	eois [16]uint64
}

// NewDualPIC returns an uninitialized controller pair.
func NewDualPIC() *DualPIC {
	return &DualPIC{
		pics: [2]*pic{
			newPic(true),
			newPic(false),
		},
	}
}

// Reset implements chipset.Device.
func (p *DualPIC) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pics[0].reset(false, true)
	p.pics[1].reset(false, true)
	p.imcrIndex = 0
	p.apicMode = false
	p.eois = [16]uint64{}
	return nil
}

// SupportsPortIO implements chipset.Device.
func (p *DualPIC) SupportsPortIO() *cs.PortIOIntercept {
	return &cs.PortIOIntercept{
		Ports: []uint16{
			primaryPicCommandPort,
			primaryPicDataPort,
			secondaryPicCommandPort,
			secondaryPicDataPort,
			primaryPicELCRPort,
			secondaryPicELCRPort,
			imcrSelectPort,
			imcrDataPort,
		},
		Handler: p,
	}
}

// SupportsMmio implements chipset.Device.
func (p *DualPIC) SupportsMmio() *cs.MmioIntercept { return nil }

// ReadIOPort implements chipset.PortIOHandler.
func (p *DualPIC) ReadIOPort(port uint16, data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("pic: invalid read size %d", len(data))
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	switch port {
	case primaryPicCommandPort:
		data[0] = p.pics[0].readCommand()
	case primaryPicDataPort:
		data[0] = p.pics[0].imr
	case secondaryPicCommandPort:
		data[0] = p.pics[1].readCommand()
	case secondaryPicDataPort:
		data[0] = p.pics[1].imr
	case primaryPicELCRPort:
		data[0] = p.pics[0].elcr
	case secondaryPicELCRPort:
		data[0] = p.pics[1].elcr
	case imcrSelectPort:
		data[0] = p.imcrIndex
	case imcrDataPort:
		data[0] = 0
		if p.imcrIndex == imcrRegister && p.apicMode {
			data[0] = 1
		}
	default:
		return fmt.Errorf("pic: invalid read port 0x%04x", port)
	}
	return nil
}

// WriteIOPort implements chipset.PortIOHandler.
func (p *DualPIC) WriteIOPort(port uint16, data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("pic: invalid write size %d", len(data))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch port {
	case primaryPicCommandPort:
		p.writeCommand(0, data[0])
	case primaryPicDataPort:
		p.pics[0].writeData(data[0])
	case secondaryPicCommandPort:
		p.writeCommand(1, data[0])
	case secondaryPicDataPort:
		p.pics[1].writeData(data[0])
	case primaryPicELCRPort:
		p.pics[0].elcr = data[0]
	case secondaryPicELCRPort:
		p.pics[1].elcr = data[0]
	case imcrSelectPort:
		p.imcrIndex = data[0]
	case imcrDataPort:
		if p.imcrIndex == imcrRegister {
			p.apicMode = data[0]&1 != 0
		}
	default:
		return fmt.Errorf("pic: invalid write port 0x%04x", port)
	}
	p.syncCascadeLocked()
	return nil
}

func (p *DualPIC) writeCommand(idx int, value byte) {
	line, eoi := p.pics[idx].writeCommand(value)
	if eoi {
		p.eois[idx*8+int(line)]++
	}
}

func (p *DualPIC) syncCascadeLocked() {
	p.pics[0].setIRQ(picChainCommunicationIRQ, p.pics[1].interruptPending())
}

// SetIRQ implements chipset.InterruptSink.
func (p *DualPIC) SetIRQ(line uint8, level bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if line >= 16 {
		return
	}
	if line >= 8 {
		p.pics[1].setIRQ(line-8, level)
	} else {
		p.pics[0].setIRQ(line, level)
	}
	p.syncCascadeLocked()
}

// Acknowledge returns whether an interrupt was pending and, if so, what vector
// should be delivered to the CPU.
func (p *DualPIC) Acknowledge() (bool, uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()

	requested, vec := p.pics[0].acknowledgeInterrupt()
	if requested && vec&picIRQMask == picChainCommunicationIRQ {
		requested, vec = p.pics[1].acknowledgeInterrupt()
	}
	p.syncCascadeLocked()
	return requested, vec
}

// Pending reports whether the primary controller would raise INTR.
func (p *DualPIC) Pending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pics[0].interruptPending()
}

// Masks returns the primary and secondary interrupt mask registers.
func (p *DualPIC) Masks() (uint8, uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pics[0].imr, p.pics[1].imr
}

// Offsets returns the vector bases programmed through ICW2.
func (p *DualPIC) Offsets() (uint8, uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pics[0].icw2, p.pics[1].icw2
}

// Initialized reports whether both controllers completed the ICW sequence.
func (p *DualPIC) Initialized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pics[0].initStage == initInitialized && p.pics[1].initStage == initInitialized
}

// APICMode reports whether the IMCR routes interrupts to the local APIC.
func (p *DualPIC) APICMode() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.apicMode
}

// EOICount returns how many EOI commands a controller line received. A
// non-specific EOI is credited to the line it retired.
func (p *DualPIC) EOICount(irq uint8) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if irq >= 16 {
		return 0
	}
	return p.eois[irq]
}

func (p *DualPIC) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("PIC(imr=%02x/%02x isr=%02x/%02x)", p.pics[0].imr, p.pics[1].imr, p.pics[0].isr, p.pics[1].isr)
}

// pic models a single 8259A.
type pic struct {
	primary bool

	initStage initStage
	icw2      byte
	imr       byte
	ocw3      ocw3
	isr       byte
	elcr      byte
	lines     byte
	lineLow   byte
}

func newPic(primary bool) *pic {
	icw2 := byte(0)
	if !primary {
		icw2 = 8
	}
	return &pic{
		primary:   primary,
		initStage: initUninitialized,
		icw2:      icw2,
		lineLow:   0xff,
	}
}

func (p *pic) reset(preserveLines, preserveELCR bool) {
	lines := p.lines
	elcr := p.elcr
	*p = *newPic(p.primary)
	if preserveLines {
		p.lines = lines
	}
	if preserveELCR {
		p.elcr = elcr
	}
}

func (p *pic) irr() byte {
	return p.lines & (p.elcr | p.lineLow)
}

func (p *pic) setIRQ(line uint8, high bool) {
	bit := byte(1 << line)
	if high {
		p.lines |= bit
	} else {
		p.lines &^= bit
		p.lineLow |= bit
	}
}

func (p *pic) readyVec() byte {
	highestISR := lowestSetBit(p.isr)
	higherNotISR := highestISR - 1
	return p.irr() &^ p.imr & higherNotISR
}

func (p *pic) interruptPending() bool {
	return p.readyVec() != 0
}

func (p *pic) acknowledgeInterrupt() (bool, uint8) {
	if vec := p.readyVec(); vec != 0 {
		line := byte(bits.TrailingZeros8(vec))
		bit := byte(1 << line)
		p.lineLow &^= bit
		p.isr |= bit
		return true, p.icw2 | line
	}
	return false, p.icw2 | picSpuriousIRQ
}

// eoi retires the given line, or the highest priority in-service line when
// line is nil. It returns the line retired.
func (p *pic) eoi(line *byte) (byte, bool) {
	var mask byte
	if line != nil {
		mask = 1 << *line
	} else {
		mask = lowestSetBit(p.isr)
	}
	if mask == 0 {
		return 0, false
	}
	p.isr &^= mask
	return byte(bits.TrailingZeros8(mask)), true
}

func (p *pic) readCommand() byte {
	if p.ocw3.rr() {
		if p.ocw3.ris() {
			return p.isr
		}
		return p.irr()
	}
	return 0
}

// writeCommand handles ICW1, OCW2 and OCW3. It reports the line retired by
// an EOI command.
func (p *pic) writeCommand(value byte) (byte, bool) {
	const (
		initBit    = 0x10
		commandBit = 0x08
	)

	if value&initBit != 0 {
		p.reset(true, true)
		p.initStage = initExpectingICW2
		return 0, false
	}

	if p.initStage != initInitialized {
		// OCWs delivered before init completes are ignored.
		return 0, false
	}

	if value&commandBit == 0 {
		ocw := ocw2(value)
		switch {
		case ocw.EOI() && ocw.SL():
			line := ocw.Level()
			return p.eoi(&line)
		case ocw.EOI():
			return p.eoi(nil)
		}
		return 0, false
	}

	p.ocw3 = ocw3(value)
	return 0, false
}

func (p *pic) writeData(value byte) {
	switch p.initStage {
	case initUninitialized, initInitialized:
		p.imr = value
	case initExpectingICW2:
		if value&picIRQMask != 0 {
			return
		}
		p.icw2 = value &^ picIRQMask
		p.initStage = initExpectingICW3
	case initExpectingICW3:
		// Primary expects the cascade bit, secondary its cascade identity.
		if p.primary {
			if value != (1 << picChainCommunicationIRQ) {
				return
			}
		} else if value != picChainCommunicationIRQ {
			return
		}
		p.initStage = initExpectingICW4
	case initExpectingICW4:
		if value != 1 && value != 3 {
			return
		}
		p.initStage = initInitialized
	}
}

type initStage int

const (
	initUninitialized initStage = iota
	initExpectingICW2
	initExpectingICW3
	initExpectingICW4
	initInitialized
)

type ocw2 byte

type ocw3 byte

func (o ocw2) Level() byte { return byte(o) & 0x07 }
func (o ocw2) SL() bool    { return byte(o)&0x40 != 0 }
func (o ocw2) EOI() bool   { return byte(o)&0x20 != 0 }

func (o ocw3) rr() bool  { return byte(o)&0x02 != 0 }
func (o ocw3) ris() bool { return byte(o)&0x01 != 0 }

func lowestSetBit(b byte) byte {
	return b & byte(-int8(b))
}

var (
	_ cs.Device        = (*DualPIC)(nil)
	_ cs.InterruptSink = (*DualPIC)(nil)
)
