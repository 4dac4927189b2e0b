// Package pci emulates PCI functions behind an ECAM-capable host bridge.
// Functions are described declaratively and answer BAR sizing, capability
// walks and MSI-X table reads the way hardware does.
package pci

import (
	"fmt"
	"sort"
	"sync"

	cs "github.com/tinyrange/hwcore/internal/chipset"
)

type linearAllocator struct {
	base uint64
	size uint64
	next uint64
}

func newLinearAllocator(base, size uint64) *linearAllocator {
	return &linearAllocator{
		base: base,
		size: size,
		next: base,
	}
}

func (a *linearAllocator) allocate(size uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("BAR size must be non-zero")
	}
	base := (a.next + size - 1) &^ (size - 1)
	if base < a.base || base+size < base || base+size > a.base+a.size {
		return 0, fmt.Errorf("address space exhausted")
	}
	a.next = base + size
	return base, nil
}

type barAllocator struct {
	mem *linearAllocator
	io  *linearAllocator
}

func (a barAllocator) Allocate(io bool, size uint64) (uint64, error) {
	if io {
		return a.io.allocate(size)
	}
	return a.mem.allocate(size)
}

type deviceKey struct {
	bus uint8
	dev uint8
	fn  uint8
}

// HostBridgeConfig describes the ECAM window and the BAR apertures.
type HostBridgeConfig struct {
	// ECAMBase places the enhanced configuration window. Zero leaves
	// configuration space reachable only through the legacy ports.
	ECAMBase uint64
	StartBus uint8
	EndBus   uint8

	MMIOBase uint64
	MMIOSize uint64
	IOBase   uint64
	IOSize   uint64
}

// HostBridge implements a minimal ECAM-capable PCI root complex.
type HostBridge struct {
	ecamBase uint64
	startBus uint8
	endBus   uint8

	alloc barAllocator

	mu      sync.Mutex
	devices map[deviceKey]*Function
}

// NewHostBridge constructs a host bridge using the supplied config.
func NewHostBridge(cfg HostBridgeConfig) *HostBridge {
	const (
		defaultMMIOBase = 0xC0000000
		defaultMMIOSize = 0x10000000
		defaultIOBase   = 0xC000
		defaultIOSize   = 0x4000
	)
	if cfg.MMIOBase == 0 {
		cfg.MMIOBase = defaultMMIOBase
	}
	if cfg.MMIOSize == 0 {
		cfg.MMIOSize = defaultMMIOSize
	}
	if cfg.IOBase == 0 {
		cfg.IOBase = defaultIOBase
	}
	if cfg.IOSize == 0 {
		cfg.IOSize = defaultIOSize
	}
	if cfg.EndBus < cfg.StartBus {
		cfg.EndBus = cfg.StartBus
	}
	return &HostBridge{
		ecamBase: cfg.ECAMBase,
		startBus: cfg.StartBus,
		endBus:   cfg.EndBus,
		alloc: barAllocator{
			mem: newLinearAllocator(cfg.MMIOBase, cfg.MMIOSize),
			io:  newLinearAllocator(cfg.IOBase, cfg.IOSize),
		},
		devices: make(map[deviceKey]*Function),
	}
}

// AddFunction builds a function from cfg and places it at bus:dev.fn.
func (h *HostBridge) AddFunction(bus, device, function uint8, cfg FunctionConfig) (*Function, error) {
	if device >= 32 || function >= 8 {
		return nil, fmt.Errorf("pci: invalid location %02x:%02x.%x", bus, device, function)
	}
	key := deviceKey{bus: bus, dev: device, fn: function}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.devices[key]; exists {
		return nil, fmt.Errorf("device already registered at %02x:%02x.%x", bus, device, function)
	}
	f, err := newFunction(cfg, h.alloc)
	if err != nil {
		return nil, fmt.Errorf("pci: %02x:%02x.%x: %w", bus, device, function, err)
	}
	h.devices[key] = f
	return f, nil
}

// Tables returns every MSI-X table of every function, ordered by location.
func (h *HostBridge) Tables() []*MSIXTable {
	h.mu.Lock()
	defer h.mu.Unlock()
	keys := make([]deviceKey, 0, len(h.devices))
	for k := range h.devices {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.bus != b.bus {
			return a.bus < b.bus
		}
		if a.dev != b.dev {
			return a.dev < b.dev
		}
		return a.fn < b.fn
	})
	var out []*MSIXTable
	for _, k := range keys {
		out = append(out, h.devices[k].Tables()...)
	}
	return out
}

func (h *HostBridge) function(key deviceKey) *Function {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.devices[key]
}

// ReadConfig reads size bytes of a function's configuration space. Absent
// functions read as all-ones.
func (h *HostBridge) ReadConfig(bus, device, function uint8, offset uint16, size uint8) uint32 {
	f := h.function(deviceKey{bus: bus, dev: device, fn: function})
	if f == nil {
		return maskValue(0xffff_ffff, size)
	}
	return maskValue(f.ReadConfig(offset, size), size)
}

// WriteConfig writes size bytes of a function's configuration space.
func (h *HostBridge) WriteConfig(bus, device, function uint8, offset uint16, size uint8, value uint32) {
	if f := h.function(deviceKey{bus: bus, dev: device, fn: function}); f != nil {
		f.WriteConfig(offset, size, value)
	}
}

// Reset implements chipset.Device.
func (h *HostBridge) Reset() error { return nil }

// SupportsPortIO implements chipset.Device.
func (h *HostBridge) SupportsPortIO() *cs.PortIOIntercept { return nil }

// SupportsMmio implements chipset.Device.
func (h *HostBridge) SupportsMmio() *cs.MmioIntercept {
	if h.ecamBase == 0 {
		return nil
	}
	size := (uint64(h.endBus) - uint64(h.startBus) + 1) << 20
	return &cs.MmioIntercept{
		Regions: []cs.Region{{Address: h.ecamBase, Size: size}},
		Handler: h,
	}
}

// ReadMMIO implements chipset.MmioHandler for the ECAM window.
func (h *HostBridge) ReadMMIO(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if addr < h.ecamBase {
		return fmt.Errorf("pci host bridge: read outside config space %#x", addr)
	}
	offset := addr - h.ecamBase

	remaining := len(data)
	cursor := 0
	curOffset := offset
	for remaining > 0 {
		key, reg, ok := h.decodeConfigAddress(curOffset)
		if !ok {
			data[cursor] = 0xff
			cursor++
			curOffset++
			remaining--
			continue
		}
		chunk := pickConfigAccessSize(reg, remaining)
		value := h.ReadConfig(key.bus, key.dev, key.fn, reg, chunk)
		for i := 0; i < int(chunk); i++ {
			data[cursor+i] = byte(value >> (8 * i))
		}
		cursor += int(chunk)
		curOffset += uint64(chunk)
		remaining -= int(chunk)
	}
	return nil
}

// WriteMMIO implements chipset.MmioHandler for the ECAM window.
func (h *HostBridge) WriteMMIO(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if addr < h.ecamBase {
		return fmt.Errorf("pci host bridge: write outside config space %#x", addr)
	}
	offset := addr - h.ecamBase

	remaining := len(data)
	cursor := 0
	curOffset := offset
	for remaining > 0 {
		key, reg, ok := h.decodeConfigAddress(curOffset)
		if !ok {
			break
		}
		chunk := pickConfigAccessSize(reg, remaining)
		value := uint32(0)
		for i := 0; i < int(chunk); i++ {
			value |= uint32(data[cursor+i]) << (8 * i)
		}
		h.WriteConfig(key.bus, key.dev, key.fn, reg, chunk, value)
		cursor += int(chunk)
		curOffset += uint64(chunk)
		remaining -= int(chunk)
	}
	return nil
}

func (h *HostBridge) decodeConfigAddress(offset uint64) (deviceKey, uint16, bool) {
	rel := offset >> 20
	if rel > uint64(h.endBus-h.startBus) {
		return deviceKey{}, 0, false
	}
	key := deviceKey{
		bus: h.startBus + uint8(rel),
		dev: uint8((offset >> 15) & 0x1f),
		fn:  uint8((offset >> 12) & 0x7),
	}
	return key, uint16(offset & 0xfff), true
}

func maskValue(value uint32, size uint8) uint32 {
	switch size {
	case 1:
		return value & 0xff
	case 2:
		return value & 0xffff
	case 4:
		return value
	default:
		return 0xffff_ffff
	}
}

func pickConfigAccessSize(reg uint16, remaining int) uint8 {
	if reg%4 == 0 && remaining >= 4 {
		return 4
	}
	if reg%2 == 0 && remaining >= 2 {
		return 2
	}
	return 1
}

var _ cs.Device = (*HostBridge)(nil)
