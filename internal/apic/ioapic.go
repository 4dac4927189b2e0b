// Package apic programs the interrupt controllers: IO-APIC redirection
// entries, the Local APIC and the legacy 8259 pair used when no Local APIC
// is available.
package apic

import (
	"github.com/tinyrange/hwcore/internal/hal"
)

const (
	ioapicRegisterSelect = 0x00
	ioapicRegisterData   = 0x10

	ioapicIDRegister           = 0x00
	ioapicVersionRegister      = 0x01
	ioapicRedirectionTableBase = 0x10

	// Used when the version register reads back as all-ones.
	fallbackRedirectionCount = 24

	// Entries past this index fall outside the 8-bit register select.
	maxRedirectionCount = (0x100 - ioapicRedirectionTableBase) / 2
)

// IOAPIC accesses one IO-APIC through its select/window register pair.
type IOAPIC struct {
	mmio hal.MMIO
	base uint64

	id      uint8
	phys    uint32
	gsiBase uint32
	count   int
}

// NewIOAPIC wraps the controller whose registers start at the virtual
// address base.
func NewIOAPIC(mmio hal.MMIO, base uint64) *IOAPIC {
	return &IOAPIC{mmio: mmio, base: base}
}

func (io *IOAPIC) read(reg uint8) uint32 {
	io.mmio.Write32(io.base+ioapicRegisterSelect, uint32(reg))
	return io.mmio.Read32(io.base + ioapicRegisterData)
}

func (io *IOAPIC) write(reg uint8, value uint32) {
	io.mmio.Write32(io.base+ioapicRegisterSelect, uint32(reg))
	io.mmio.Write32(io.base+ioapicRegisterData, value)
}

// ID reads the controller's APIC id.
func (io *IOAPIC) ID() uint8 {
	return uint8(io.read(ioapicIDRegister)>>24) & 0x0F
}

// Version reads the raw version register.
func (io *IOAPIC) Version() uint32 {
	return io.read(ioapicVersionRegister)
}

// RedirectionCount returns the number of redirection entries. An absent
// controller reads as all-ones, in which case 24 is assumed. The result
// never exceeds the 120 entries the register select can address.
func (io *IOAPIC) RedirectionCount() int {
	v := io.Version()
	if v == 0xFFFFFFFF {
		return fallbackRedirectionCount
	}
	return min(int((v>>16)&0xFF)+1, maxRedirectionCount)
}

// ReadEntry reads redirection entry i.
func (io *IOAPIC) ReadEntry(i int) RedirectionEntry {
	reg := uint8(ioapicRedirectionTableBase + 2*i)
	lo := io.read(reg)
	hi := io.read(reg + 1)
	return RedirectionEntry(uint64(hi)<<32 | uint64(lo))
}

// WriteEntry writes redirection entry i, destination word first.
func (io *IOAPIC) WriteEntry(i int, e RedirectionEntry) {
	reg := uint8(ioapicRedirectionTableBase + 2*i)
	io.write(reg+1, e.High())
	io.write(reg, e.Low())
}

// writeLow rewrites only the low word of entry i.
func (io *IOAPIC) writeLow(i int, e RedirectionEntry) {
	io.write(uint8(ioapicRedirectionTableBase+2*i), e.Low())
}

// Contains reports whether gsi falls in this controller's range.
func (io *IOAPIC) Contains(gsi uint32) bool {
	return gsi >= io.gsiBase && gsi < io.gsiBase+uint32(io.count)
}
