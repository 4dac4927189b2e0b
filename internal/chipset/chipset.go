// Package chipset dispatches port I/O and MMIO accesses to emulated
// platform devices. A built Chipset is the port I/O surface of the emulated
// machine.
package chipset

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sort"

	"github.com/tinyrange/hwcore/internal/hal"
)

// Reset resets all registered devices.
func (c *Chipset) Reset() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Reset(); err != nil {
			return fmt.Errorf("chipset: reset device %q: %w", name, err)
		}
	}
	return nil
}

// Device returns the device registered under name.
func (c *Chipset) Device(name string) (Device, bool) {
	dev, ok := c.devices[name]
	return dev, ok
}

// HandlePIO dispatches an I/O port access to the registered device.
func (c *Chipset) HandlePIO(port uint16, data []byte, isWrite bool) error {
	binding, ok := c.pio[port]
	if !ok {
		return fmt.Errorf("chipset: no handler for I/O port 0x%04x", port)
	}
	if isWrite {
		return binding.handler.WriteIOPort(port, data)
	}
	return binding.handler.ReadIOPort(port, data)
}

// ClaimsMMIO reports whether an MMIO region covers the whole access.
func (c *Chipset) ClaimsMMIO(addr, size uint64) bool {
	_, ok := c.mmioFor(addr, size)
	return ok
}

func (c *Chipset) mmioFor(addr, size uint64) (mmioBinding, bool) {
	for _, binding := range c.mmio {
		if binding.region.Contains(addr, size) {
			return binding, true
		}
	}
	return mmioBinding{}, false
}

// HandleMMIO dispatches an MMIO access to the registered device.
func (c *Chipset) HandleMMIO(addr uint64, data []byte, isWrite bool) error {
	accessEnd := addr + uint64(len(data))
	if accessEnd < addr {
		return fmt.Errorf("chipset: MMIO access overflow at 0x%016x", addr)
	}

	binding, ok := c.mmioFor(addr, uint64(len(data)))
	if !ok {
		return fmt.Errorf("chipset: no handler for MMIO address 0x%016x", addr)
	}
	if isWrite {
		return binding.handler.WriteMMIO(addr, data)
	}
	return binding.handler.ReadMMIO(addr, data)
}

func (c *Chipset) deviceNames() []string {
	names := make([]string, 0, len(c.devices))
	for name := range c.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// readPort performs a port read. Unclaimed ports float high.
func (c *Chipset) readPort(port uint16, data []byte) {
	if err := c.HandlePIO(port, data, false); err != nil {
		slog.Debug("chipset: port read", "port", fmt.Sprintf("%#04x", port), "err", err)
		for i := range data {
			data[i] = 0xFF
		}
	}
}

func (c *Chipset) writePort(port uint16, data []byte) {
	if err := c.HandlePIO(port, data, true); err != nil {
		slog.Debug("chipset: port write", "port", fmt.Sprintf("%#04x", port), "err", err)
	}
}

func (c *Chipset) In8(port uint16) uint8 {
	var buf [1]byte
	c.readPort(port, buf[:])
	return buf[0]
}

func (c *Chipset) In16(port uint16) uint16 {
	var buf [2]byte
	c.readPort(port, buf[:])
	return binary.LittleEndian.Uint16(buf[:])
}

func (c *Chipset) In32(port uint16) uint32 {
	var buf [4]byte
	c.readPort(port, buf[:])
	return binary.LittleEndian.Uint32(buf[:])
}

func (c *Chipset) Out8(port uint16, value uint8) {
	c.writePort(port, []byte{value})
}

func (c *Chipset) Out16(port uint16, value uint16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], value)
	c.writePort(port, buf[:])
}

func (c *Chipset) Out32(port uint16, value uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	c.writePort(port, buf[:])
}

var _ hal.PortIO = (*Chipset)(nil)
