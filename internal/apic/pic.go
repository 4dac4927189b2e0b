package apic

import (
	"log/slog"

	"github.com/tinyrange/hwcore/internal/hal"
)

const (
	picPrimaryCommand   uint16 = 0x20
	picPrimaryData      uint16 = 0x21
	picSecondaryCommand uint16 = 0xA0
	picSecondaryData    uint16 = 0xA1

	imcrSelect uint16 = 0x22
	imcrData   uint16 = 0x23

	picEOI      = 0x20
	picICW1Init = 0x11
	picICW48086 = 0x01
)

// LegacyPIC drives the cascaded 8259 pair.
type LegacyPIC struct {
	ports hal.PortIO
}

// NewLegacyPIC returns a PIC driver over ports.
func NewLegacyPIC(ports hal.PortIO) *LegacyPIC {
	return &LegacyPIC{ports: ports}
}

// EOI acknowledges irq, notifying the secondary controller first for
// IRQs 8-15.
func (p *LegacyPIC) EOI(irq uint8) {
	if irq >= 8 {
		p.ports.Out8(picSecondaryCommand, picEOI)
	}
	p.ports.Out8(picPrimaryCommand, picEOI)
}

// Remap reinitializes both controllers so IRQ 0-7 deliver at master and
// IRQ 8-15 at slave. The interrupt masks are preserved.
func (p *LegacyPIC) Remap(master, slave uint8) {
	m1 := p.ports.In8(picPrimaryData)
	m2 := p.ports.In8(picSecondaryData)

	p.ports.Out8(picPrimaryCommand, picICW1Init)
	p.ports.Out8(picSecondaryCommand, picICW1Init)
	p.ports.Out8(picPrimaryData, master)
	p.ports.Out8(picSecondaryData, slave)
	p.ports.Out8(picPrimaryData, 1<<2) // slave on IRQ2
	p.ports.Out8(picSecondaryData, 2)  // cascade identity
	p.ports.Out8(picPrimaryData, picICW48086)
	p.ports.Out8(picSecondaryData, picICW48086)

	p.ports.Out8(picPrimaryData, m1)
	p.ports.Out8(picSecondaryData, m2)
}

// Disable masks every line on both controllers.
func (p *LegacyPIC) Disable() {
	p.ports.Out8(picPrimaryData, 0xFF)
	p.ports.Out8(picSecondaryData, 0xFF)
}

// DisableViaIMCR routes the legacy INTR line to the APIC on chipsets that
// implement the interrupt mode configuration register.
func (p *LegacyPIC) DisableViaIMCR() {
	slog.Debug("apic: switching IMCR to APIC mode")
	p.ports.Out8(imcrSelect, 0x70)
	p.ports.Out8(imcrData, 0x01)
}

// SetMasked masks or unmasks one legacy IRQ.
func (p *LegacyPIC) SetMasked(irq uint8, masked bool) {
	port := picPrimaryData
	if irq >= 8 {
		port = picSecondaryData
		irq -= 8
	}
	v := p.ports.In8(port)
	if masked {
		v |= 1 << irq
	} else {
		v &^= 1 << irq
	}
	p.ports.Out8(port, v)
}

// Masks returns the primary and secondary interrupt mask registers.
func (p *LegacyPIC) Masks() (uint8, uint8) {
	return p.ports.In8(picPrimaryData), p.ports.In8(picSecondaryData)
}
