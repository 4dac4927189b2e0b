package acpi

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/hwcore/internal/hal"
)

// HPET register offsets.
const (
	HPETCapabilities = 0x000
	HPETMainCounter  = 0x0F0
	HPETWindowSize   = 0x400
)

// lowMemoryLimit bounds the HPET bases that the direct map already covers.
const lowMemoryLimit = 1 << 32

// HPET describes the event timer block firmware reports.
type HPET struct {
	Address       GenericAddress
	HardwareRev   uint8
	Comparators   uint8
	Counter64     bool
	LegacyCapable bool
	VendorID      uint16
	Number        uint8
	MinimumTick   uint16
	PageProtect   uint8

	// PeriodFS is the main counter tick in femtoseconds, read from the
	// block's capabilities register. Zero when it could not be read.
	PeriodFS uint32
}

// Base returns the physical base of the register block.
func (h HPET) Base() uint64 { return h.Address.Address }

// UsableWithoutMapping reports whether the block sits below 4 GiB, where
// the direct physical map already reaches it.
func (h HPET) UsableWithoutMapping() bool { return h.Base() < lowMemoryLimit }

func parseHPET(t Table) HPET {
	id := t.u32(36)
	return HPET{
		HardwareRev:   uint8(id),
		Comparators:   uint8((id>>8)&0x1F) + 1,
		Counter64:     id&(1<<13) != 0,
		LegacyCapable: id&(1<<15) != 0,
		VendorID:      uint16(id >> 16),
		Address:       t.gas(40),
		Number:        t.u8(52),
		MinimumTick:   t.u16(53),
		PageProtect:   t.u8(55),
	}
}

// readPeriod fills PeriodFS from the capabilities register when the block
// is reachable through the direct map.
func (h *HPET) readPeriod(mem hal.Memory, physOffset uint64) {
	if !h.UsableWithoutMapping() {
		slog.Warn("acpi: HPET above 4GiB, period left unknown", "base", fmt.Sprintf("%#x", h.Base()))
		return
	}
	caps, err := hal.Read64(mem, h.Base()+HPETCapabilities+physOffset)
	if err != nil {
		slog.Warn("acpi: HPET capabilities unreadable", "err", err)
		return
	}
	h.PeriodFS = uint32(caps >> 32)
}
