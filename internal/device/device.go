// Package device holds every discovered device and drives the driver
// lifecycle (probe, start, stop, release) against it.
package device

import (
	"fmt"
	"slices"
	"sync"
)

// ID identifies a registered device. IDs start at 1 and are never reused.
type ID uint64

// Location is a PCI bus/slot/function triple.
type Location struct {
	Bus      uint8
	Slot     uint8
	Function uint8
}

func (l Location) String() string {
	return fmt.Sprintf("%02x:%02x.%x", l.Bus, l.Slot, l.Function)
}

// Descriptor is everything discovery knows about one device.
type Descriptor struct {
	VendorID uint16
	DeviceID uint16
	Class    uint8
	Subclass uint8
	ProgIF   uint8

	Resources    []Resource
	Capabilities []Capability
	Description  string

	// PCI is set for bus-discovered functions.
	PCI          *Location
	InterruptPin uint8
}

// Clone returns a deep copy of d.
func (d Descriptor) Clone() Descriptor {
	out := d
	out.Resources = slices.Clone(d.Resources)
	out.Capabilities = slices.Clone(d.Capabilities)
	if d.PCI != nil {
		loc := *d.PCI
		out.PCI = &loc
	}
	return out
}

// Device is the handle drivers receive. It owns the descriptor.
type Device struct {
	id ID

	mu   sync.Mutex
	desc Descriptor
}

func newDevice(id ID, desc Descriptor) *Device {
	return &Device{id: id, desc: desc.Clone()}
}

// ID returns the registry id of the device.
func (d *Device) ID() ID { return d.id }

// Descriptor returns a copy of the device's descriptor.
func (d *Device) Descriptor() Descriptor {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.desc.Clone()
}

// Interrupts returns the device's legacy interrupt lines.
func (d *Device) Interrupts() []Interrupt { return resourcesOf[Interrupt](d) }

// MemoryWindows returns the device's memory-mapped resources in BAR order.
func (d *Device) MemoryWindows() []MemoryMapped { return resourcesOf[MemoryMapped](d) }

// MSI returns the device's MSI resources.
func (d *Device) MSI() []MSI { return resourcesOf[MSI](d) }

// MSIX returns the device's MSI-X resources.
func (d *Device) MSIX() []MSIX { return resourcesOf[MSIX](d) }

func resourcesOf[T Resource](d *Device) []T {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []T
	for _, r := range d.desc.Resources {
		if v, ok := r.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

// merge unions other into the device's descriptor. It reports whether
// anything changed.
func (d *Device) merge(other Descriptor) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	changed := false
	for _, r := range other.Resources {
		if !slices.Contains(d.desc.Resources, r) {
			d.desc.Resources = append(d.desc.Resources, r)
			changed = true
		}
	}
	for _, c := range other.Capabilities {
		if !slices.Contains(d.desc.Capabilities, c) {
			d.desc.Capabilities = append(d.desc.Capabilities, c)
			changed = true
		}
	}
	if other.Description != "" && !slices.Contains(descriptionParts(d.desc.Description), other.Description) {
		if d.desc.Description == "" {
			d.desc.Description = other.Description
		} else {
			d.desc.Description += descriptionSeparator + other.Description
		}
		changed = true
	}
	if d.desc.PCI == nil && other.PCI != nil {
		loc := *other.PCI
		d.desc.PCI = &loc
		changed = true
	}
	if d.desc.InterruptPin == 0 && other.InterruptPin != 0 {
		d.desc.InterruptPin = other.InterruptPin
		changed = true
	}
	return changed
}
