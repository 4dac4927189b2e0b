package acpi

import "encoding/binary"

const (
	mcfgAllocationsOffset = headerSize + 8
	mcfgAllocationSize    = 16
)

// ECAMAllocation is one PCI Express memory-mapped configuration window.
type ECAMAllocation struct {
	BaseAddress uint64
	Segment     uint16
	StartBus    uint8
	EndBus      uint8
}

// Size returns the byte size of the window.
func (a ECAMAllocation) Size() uint64 {
	if a.EndBus < a.StartBus {
		return 0
	}
	return (uint64(a.EndBus) - uint64(a.StartBus) + 1) << 20
}

// Contains reports whether bus is decoded by the window.
func (a ECAMAllocation) Contains(bus uint8) bool {
	return bus >= a.StartBus && bus <= a.EndBus
}

func parseMCFG(t Table) []ECAMAllocation {
	var out []ECAMAllocation
	for off := mcfgAllocationsOffset; off+mcfgAllocationSize <= len(t.Data); off += mcfgAllocationSize {
		e := t.Data[off : off+mcfgAllocationSize]
		out = append(out, ECAMAllocation{
			BaseAddress: binary.LittleEndian.Uint64(e[0:8]),
			Segment:     binary.LittleEndian.Uint16(e[8:10]),
			StartBus:    e[10],
			EndBus:      e[11],
		})
	}
	return out
}
