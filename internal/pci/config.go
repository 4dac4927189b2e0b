// Package pci enumerates PCI functions through configuration space, sizes
// their BARs, walks their capability lists and registers a descriptor for
// each function found.
package pci

import (
	"github.com/tinyrange/hwcore/internal/acpi"
	"github.com/tinyrange/hwcore/internal/hal"
)

// Configuration space register offsets.
const (
	RegVendorID     = 0x00
	RegCommand      = 0x04
	RegStatus       = 0x06
	RegClass        = 0x08
	RegHeaderType   = 0x0E
	RegBAR0         = 0x10
	RegCapabilities = 0x34
	RegInterrupt    = 0x3C
)

const (
	configAddressPort uint16 = 0x0CF8
	configDataPort    uint16 = 0x0CFC

	configEnable = 1 << 31
)

// ConfigAccess reads and writes dwords of a function's configuration space.
// off is rounded down to a dword boundary. Absent functions read as
// all-ones.
type ConfigAccess interface {
	Read32(bus, slot, fn uint8, off uint16) uint32
	Write32(bus, slot, fn uint8, off uint16, value uint32)
}

// ConfigAddress encodes the legacy configuration mechanism address.
func ConfigAddress(bus, slot, fn uint8, off uint16) uint32 {
	return configEnable |
		uint32(bus)<<16 |
		uint32(slot&0x1F)<<11 |
		uint32(fn&0x7)<<8 |
		uint32(off)&0xFC
}

// LegacyConfig uses the 0xCF8 address / 0xCFC data port pair. It reaches the
// first 256 bytes of each function.
type LegacyConfig struct {
	ports hal.PortIO
}

// NewLegacyConfig returns legacy configuration access over ports.
func NewLegacyConfig(ports hal.PortIO) *LegacyConfig {
	return &LegacyConfig{ports: ports}
}

func (c *LegacyConfig) Read32(bus, slot, fn uint8, off uint16) uint32 {
	c.ports.Out32(configAddressPort, ConfigAddress(bus, slot, fn, off))
	return c.ports.In32(configDataPort)
}

func (c *LegacyConfig) Write32(bus, slot, fn uint8, off uint16, value uint32) {
	c.ports.Out32(configAddressPort, ConfigAddress(bus, slot, fn, off))
	c.ports.Out32(configDataPort, value)
}

// ECAMConfig reaches configuration space through the memory-mapped windows
// firmware lists in the MCFG. Buses outside every window read as absent.
type ECAMConfig struct {
	mmio       hal.MMIO
	physOffset uint64
	windows    []acpi.ECAMAllocation
}

// NewECAMConfig returns ECAM access over the given windows. The windows
// must already be mapped at physOffset.
func NewECAMConfig(mmio hal.MMIO, physOffset uint64, windows []acpi.ECAMAllocation) *ECAMConfig {
	return &ECAMConfig{mmio: mmio, physOffset: physOffset, windows: windows}
}

func (c *ECAMConfig) addr(bus, slot, fn uint8, off uint16) (uint64, bool) {
	for _, w := range c.windows {
		if !w.Contains(bus) {
			continue
		}
		rel := uint64(bus-w.StartBus)<<20 | uint64(slot&0x1F)<<15 | uint64(fn&0x7)<<12 | uint64(off&0xFFC)
		return w.BaseAddress + rel + c.physOffset, true
	}
	return 0, false
}

func (c *ECAMConfig) Read32(bus, slot, fn uint8, off uint16) uint32 {
	a, ok := c.addr(bus, slot, fn, off)
	if !ok {
		return 0xFFFFFFFF
	}
	return c.mmio.Read32(a)
}

func (c *ECAMConfig) Write32(bus, slot, fn uint8, off uint16, value uint32) {
	if a, ok := c.addr(bus, slot, fn, off); ok {
		c.mmio.Write32(a, value)
	}
}

// MapECAM maps every ECAM window at physOffset through the paging
// collaborator.
func MapECAM(m hal.Mapper, frames hal.FrameAllocator, windows []acpi.ECAMAllocation, physOffset uint64) error {
	for _, w := range windows {
		if err := hal.MapWindow(m, frames, w.BaseAddress, w.Size(), physOffset); err != nil {
			return err
		}
	}
	return nil
}

// function binds a ConfigAccess to one function and adds unaligned field
// reads on top of dword access.
type function struct {
	cfg           ConfigAccess
	bus, slot, fn uint8
}

func (f function) read32(off uint16) uint32 {
	return f.cfg.Read32(f.bus, f.slot, f.fn, off&^3)
}

func (f function) write32(off uint16, v uint32) {
	f.cfg.Write32(f.bus, f.slot, f.fn, off&^3, v)
}

// field reads width bytes at an arbitrary byte offset, assembling them from
// as many dwords as the field spans.
func (f function) field(off uint16, width int) uint32 {
	var v uint32
	for i := range width {
		b := off + uint16(i)
		d := f.read32(b)
		v |= (d >> ((b & 3) * 8) & 0xFF) << (8 * i)
	}
	return v
}

func (f function) read8(off uint16) uint8   { return uint8(f.field(off, 1)) }
func (f function) read16(off uint16) uint16 { return uint16(f.field(off, 2)) }
func (f function) read32u(off uint16) uint32 {
	if off&3 == 0 {
		return f.read32(off)
	}
	return f.field(off, 4)
}
