package pci

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/hwcore/internal/device"
	"github.com/tinyrange/hwcore/internal/hal"
)

const (
	maxBus      = 256
	maxSlot     = 32
	maxFunction = 8

	headerMultiFunction = 0x80
)

// Registrar receives one descriptor per enumerated function.
type Registrar interface {
	Register(desc device.Descriptor) device.ID
}

// Option configures an Enumerator.
type Option func(*Enumerator)

// WithProgress calls fn once per bus before it is scanned.
func WithProgress(fn func(bus int)) Option {
	return func(e *Enumerator) { e.progress = fn }
}

// WithMapper maps MSI-X table pages through the paging collaborator before
// they are probed.
func WithMapper(m hal.Mapper, frames hal.FrameAllocator) Option {
	return func(e *Enumerator) {
		e.mapper = m
		e.frames = frames
	}
}

// Enumerator scans configuration space and registers what it finds.
type Enumerator struct {
	cfg       ConfigAccess
	mem       hal.Memory
	registrar Registrar

	progress func(bus int)
	mapper   hal.Mapper
	frames   hal.FrameAllocator
}

// NewEnumerator returns an enumerator over cfg. mem is only used to probe
// MSI-X tables and may be nil.
func NewEnumerator(cfg ConfigAccess, mem hal.Memory, registrar Registrar, opts ...Option) *Enumerator {
	e := &Enumerator{cfg: cfg, mem: mem, registrar: registrar}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ScanAndRegister probes every bus, slot and function and registers one
// descriptor per function present. physOffset enables the MSI-X table probe
// when non-zero. It returns the number of functions registered.
func (e *Enumerator) ScanAndRegister(physOffset uint64) int {
	found := 0
	for bus := range maxBus {
		if e.progress != nil {
			e.progress(bus)
		}
		for slot := range maxSlot {
			f0 := function{cfg: e.cfg, bus: uint8(bus), slot: uint8(slot)}
			if !present(f0.read32(RegVendorID)) {
				continue
			}
			functions := 1
			if f0.read8(RegHeaderType)&headerMultiFunction != 0 {
				functions = maxFunction
			}
			for fn := range functions {
				desc, ok := e.Probe(uint8(bus), uint8(slot), uint8(fn), physOffset)
				if !ok {
					continue
				}
				id := e.registrar.Register(desc)
				found++
				slog.Info("pci: registered device",
					"id", id,
					"vendor", fmt.Sprintf("%04x", desc.VendorID),
					"device", fmt.Sprintf("%04x", desc.DeviceID),
					"location", desc.PCI.String(),
					"class", device.ClassName(desc.Class, desc.Subclass, desc.ProgIF))
			}
		}
	}
	return found
}

func present(vendorDevice uint32) bool {
	vendor := uint16(vendorDevice)
	return vendor != 0xFFFF && vendor != 0x0000
}

// Probe decodes one function without registering it.
func (e *Enumerator) Probe(bus, slot, fn uint8, physOffset uint64) (device.Descriptor, bool) {
	f := function{cfg: e.cfg, bus: bus, slot: slot, fn: fn}

	id := f.read32(RegVendorID)
	if !present(id) {
		return device.Descriptor{}, false
	}
	class := f.read32(RegClass)
	loc := device.Location{Bus: bus, Slot: slot, Function: fn}

	desc := device.Descriptor{
		VendorID:    uint16(id),
		DeviceID:    uint16(id >> 16),
		ProgIF:      uint8(class >> 8),
		Subclass:    uint8(class >> 16),
		Class:       uint8(class >> 24),
		Description: fmt.Sprintf("PCI %s", loc),
		PCI:         &loc,
	}

	bars := f.sizeBARs(barCount(f.read8(RegHeaderType)))
	for _, b := range bars {
		if b.IO {
			desc.Resources = append(desc.Resources, device.IO{Addr: b.Addr, Len: b.Size})
		} else {
			desc.Resources = append(desc.Resources, device.MemoryMapped{Addr: b.Addr, Len: b.Size})
		}
	}

	intr := f.read32(RegInterrupt)
	line, pin := uint8(intr), uint8(intr>>8)
	if line != 0 && line != 0xFF {
		desc.Resources = append(desc.Resources, device.Interrupt{Vector: line})
	}
	desc.InterruptPin = pin

	walk := capabilityWalk{
		f:          f,
		bars:       bars,
		mem:        e.mem,
		mapper:     e.mapper,
		frames:     e.frames,
		physOffset: physOffset,
	}
	walk.run()
	desc.Resources = append(desc.Resources, walk.resources...)
	desc.Capabilities = walk.capabilities

	slog.Debug("pci: probed function",
		"location", loc.String(),
		"bars", len(bars),
		"capabilities", len(desc.Capabilities))
	return desc, true
}
