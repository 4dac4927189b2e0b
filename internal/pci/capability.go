package pci

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/hwcore/internal/device"
	"github.com/tinyrange/hwcore/internal/hal"
)

// Capability ids decoded by the walk.
const (
	CapPowerManagement = 0x01
	CapMSI             = 0x05
	CapPCIExpress      = 0x10
	CapMSIX            = 0x11
)

// MaxCapabilityHops bounds the capability walk so a corrupt or cyclic list
// still terminates.
const MaxCapabilityHops = 48

const statusCapabilityList = 1 << 4

// Capabilities live after the standard header and must leave room for the
// id and next bytes inside the 256-byte space.
const (
	minCapabilityPointer = 0x40
	maxCapabilityPointer = 0xFC
)

const msixVectorControl = 12

// capabilityWalk is the state for one function's capability walk.
type capabilityWalk struct {
	f          function
	bars       []BAR
	mem        hal.Memory
	mapper     hal.Mapper
	frames     hal.FrameAllocator
	physOffset uint64

	resources    []device.Resource
	capabilities []device.Capability
}

func (w *capabilityWalk) run() {
	if w.f.read16(RegStatus)&statusCapabilityList == 0 {
		return
	}
	ptr := uint16(w.f.read8(RegCapabilities))
	for hops := 0; ptr != 0 && hops < MaxCapabilityHops; hops++ {
		if ptr < minCapabilityPointer || ptr > maxCapabilityPointer {
			slog.Warn("pci: capability pointer out of range, stopping",
				"location", fmt.Sprintf("%02x:%02x.%x", w.f.bus, w.f.slot, w.f.fn),
				"ptr", fmt.Sprintf("%#x", ptr))
			return
		}
		id := w.f.read8(ptr)
		next := uint16(w.f.read8(ptr + 1))

		switch id {
		case CapPowerManagement:
			w.capabilities = append(w.capabilities, device.PowerManagement{
				PMCap: w.f.read16(ptr + 2),
				PMCSR: w.f.read16(ptr + 4),
			})
		case CapMSI:
			w.resources = append(w.resources, w.decodeMSI(ptr))
		case CapPCIExpress:
			w.capabilities = append(w.capabilities, device.PCIExpress{
				Header:    w.f.read32u(ptr),
				DeviceCap: w.f.read32u(ptr + 4),
			})
		case CapMSIX:
			w.resources = append(w.resources, w.decodeMSIX(ptr))
		default:
			w.capabilities = append(w.capabilities, device.OtherCapability{
				ID:   id,
				Raw0: w.f.read32u(ptr),
				Raw1: w.f.read32u(ptr + 4),
			})
		}
		ptr = next
	}
	if ptr != 0 {
		slog.Warn("pci: capability list exceeds hop limit, stopping",
			"location", fmt.Sprintf("%02x:%02x.%x", w.f.bus, w.f.slot, w.f.fn),
			"hops", MaxCapabilityHops)
	}
}

func (w *capabilityWalk) decodeMSI(ptr uint16) device.MSI {
	ctrl := w.f.read16(ptr + 2)
	msi := device.MSI{
		Vectors:  1 << ((ctrl >> 1) & 0x7),
		Addr64:   ctrl&(1<<7) != 0,
		Maskable: ctrl&(1<<8) != 0,
	}
	lo := w.f.read32u(ptr + 4)
	if msi.Addr64 {
		hi := w.f.read32u(ptr + 8)
		msi.MsgAddr = uint64(hi)<<32 | uint64(lo)
		msi.MsgData = w.f.read16(ptr + 12)
	} else {
		msi.MsgAddr = uint64(lo)
		msi.MsgData = w.f.read16(ptr + 8)
	}
	return msi
}

func (w *capabilityWalk) decodeMSIX(ptr uint16) device.MSIX {
	ctrl := w.f.read16(ptr + 2)
	table := w.f.read32u(ptr + 4)
	msix := device.MSIX{
		TableBAR:    uint8(table & 0x7),
		TableOffset: table &^ 0x7,
		TableSize:   ctrl&0x7FF + 1,
	}
	if w.physOffset == 0 || w.mem == nil {
		return msix
	}
	bar, ok := w.memoryBAR(int(msix.TableBAR))
	if !ok {
		return msix
	}
	phys := bar.Addr + uint64(msix.TableOffset)
	if err := hal.MapWindow(w.mapper, w.frames, phys, 16, w.physOffset); err != nil {
		slog.Warn("pci: MSI-X table unmappable", "phys", fmt.Sprintf("%#x", phys), "err", err)
		return msix
	}
	vctrl, err := hal.Read32(w.mem, phys+w.physOffset+msixVectorControl)
	if err != nil {
		slog.Warn("pci: MSI-X table unreadable", "phys", fmt.Sprintf("%#x", phys), "err", err)
		return msix
	}
	msix.TablePresent = true
	msix.FirstEntryMasked = vctrl&0x1 != 0
	return msix
}

func (w *capabilityWalk) memoryBAR(index int) (BAR, bool) {
	for _, b := range w.bars {
		if b.Index == index && !b.IO {
			return b, true
		}
	}
	return BAR{}, false
}
