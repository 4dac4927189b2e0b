// Package pci provides the x86 legacy configuration mechanism in front of
// an emulated PCI host bridge.
package pci

import (
	"fmt"
	"sync"

	cs "github.com/tinyrange/hwcore/internal/chipset"
)

// ConfigSpace is the configuration space the port pair forwards to.
type ConfigSpace interface {
	ReadConfig(bus, device, function uint8, offset uint16, size uint8) uint32
	WriteConfig(bus, device, function uint8, offset uint16, size uint8, value uint32)
}

// HostBridge services legacy configuration space accesses through ports
// 0xCF8-0xCFF. Only the first 256 bytes of each function are reachable.
type HostBridge struct {
	mu      sync.Mutex
	address uint32
	config  ConfigSpace
}

const (
	pciConfigAddressPort = 0x0cf8
	pciConfigDataPort    = 0x0cfc
)

// NewHostBridge returns a port pair in front of config.
func NewHostBridge(config ConfigSpace) *HostBridge {
	return &HostBridge{config: config}
}

// Reset implements chipset.Device.
func (hb *HostBridge) Reset() error {
	hb.mu.Lock()
	defer hb.mu.Unlock()
	hb.address = 0
	return nil
}

// SupportsMmio implements chipset.Device.
func (hb *HostBridge) SupportsMmio() *cs.MmioIntercept { return nil }

// SupportsPortIO implements chipset.Device.
func (hb *HostBridge) SupportsPortIO() *cs.PortIOIntercept {
	return &cs.PortIOIntercept{
		Ports: []uint16{
			0x0cf8, 0x0cf9, 0x0cfa, 0x0cfb,
			0x0cfc, 0x0cfd, 0x0cfe, 0x0cff,
		},
		Handler: hb,
	}
}

// ReadIOPort implements chipset.PortIOHandler.
func (hb *HostBridge) ReadIOPort(port uint16, data []byte) error {
	hb.mu.Lock()
	defer hb.mu.Unlock()

	for i := range data {
		cur := port + uint16(i)
		switch {
		case cur >= pciConfigAddressPort && cur <= pciConfigAddressPort+3:
			shift := (cur - pciConfigAddressPort) * 8
			data[i] = byte(hb.address >> shift)
		case cur >= pciConfigDataPort && cur <= pciConfigDataPort+3:
			data[i] = hb.readConfigByte(cur - pciConfigDataPort)
		default:
			return fmt.Errorf("pci host bridge: unhandled read from I/O port 0x%04x", cur)
		}
	}
	return nil
}

// WriteIOPort implements chipset.PortIOHandler.
func (hb *HostBridge) WriteIOPort(port uint16, data []byte) error {
	hb.mu.Lock()
	defer hb.mu.Unlock()

	// Dword data writes are forwarded as a single access.
	if port == pciConfigDataPort && len(data) == 4 {
		if bus, dev, fn, reg, ok := hb.target(0); ok {
			value := uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
			hb.config.WriteConfig(bus, dev, fn, reg, 4, value)
		}
		return nil
	}

	for i, b := range data {
		cur := port + uint16(i)
		switch {
		case cur >= pciConfigAddressPort && cur <= pciConfigAddressPort+3:
			shift := (cur - pciConfigAddressPort) * 8
			mask := uint32(0xFF) << shift
			hb.address = (hb.address &^ mask) | (uint32(b) << shift)
		case cur >= pciConfigDataPort && cur <= pciConfigDataPort+3:
			if bus, dev, fn, reg, ok := hb.target(cur - pciConfigDataPort); ok {
				hb.config.WriteConfig(bus, dev, fn, reg, 1, uint32(b))
			}
		default:
			return fmt.Errorf("pci host bridge: unhandled write to I/O port 0x%04x", cur)
		}
	}
	return nil
}

func (hb *HostBridge) readConfigByte(offset uint16) byte {
	bus, dev, fn, reg, ok := hb.target(offset)
	if !ok {
		return 0xFF
	}
	return byte(hb.config.ReadConfig(bus, dev, fn, reg, 1))
}

func (hb *HostBridge) target(offset uint16) (bus, dev, fn uint8, reg uint16, ok bool) {
	if hb.address&(1<<31) == 0 {
		return 0, 0, 0, 0, false
	}
	bus = uint8((hb.address >> 16) & 0xFF)
	dev = uint8((hb.address >> 11) & 0x1F)
	fn = uint8((hb.address >> 8) & 0x7)
	reg = uint16(hb.address&0xFC) + offset
	return bus, dev, fn, reg, true
}

var _ cs.Device = (*HostBridge)(nil)
