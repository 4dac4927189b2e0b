package chipset

import (
	"fmt"
)

type mmioBinding struct {
	name    string
	region  Region
	handler MmioHandler
}

type pioBinding struct {
	name    string
	handler PortIOHandler
}

// Builder registers devices and their intercepts before creating a Chipset.
type Builder struct {
	devices map[string]Device
	pio     map[uint16]pioBinding
	mmio    []mmioBinding
}

// NewBuilder returns an empty Builder instance.
func NewBuilder() *Builder {
	return &Builder{
		devices: make(map[string]Device),
		pio:     make(map[uint16]pioBinding),
	}
}

// RegisterDevice adds a chipset device and wires up its intercepts.
func (b *Builder) RegisterDevice(name string, dev Device) error {
	if b == nil {
		return fmt.Errorf("chipset builder is nil")
	}
	if name == "" {
		return fmt.Errorf("device name is empty")
	}
	if dev == nil {
		return fmt.Errorf("device %q is nil", name)
	}
	if _, exists := b.devices[name]; exists {
		return fmt.Errorf("device %q already registered", name)
	}

	if intercept := dev.SupportsPortIO(); intercept != nil {
		if intercept.Handler == nil {
			return fmt.Errorf("device %q provided port I/O ports with nil handler", name)
		}
		for _, port := range intercept.Ports {
			if err := b.withPioPort(name, port, intercept.Handler); err != nil {
				return fmt.Errorf("device %q: %w", name, err)
			}
		}
	}

	if intercept := dev.SupportsMmio(); intercept != nil {
		if intercept.Handler == nil {
			return fmt.Errorf("device %q provided MMIO regions with nil handler", name)
		}
		for _, region := range intercept.Regions {
			if err := b.withMmioRegion(name, region, intercept.Handler); err != nil {
				return fmt.Errorf("device %q: %w", name, err)
			}
		}
	}

	b.devices[name] = dev
	return nil
}

func (b *Builder) withPioPort(name string, port uint16, handler PortIOHandler) error {
	if existing, exists := b.pio[port]; exists {
		return fmt.Errorf("PIO port 0x%x already registered by %q", port, existing.name)
	}
	b.pio[port] = pioBinding{name: name, handler: handler}
	return nil
}

func (b *Builder) withMmioRegion(name string, region Region, handler MmioHandler) error {
	base, size := region.Address, region.Size
	if size == 0 {
		return fmt.Errorf("MMIO region at 0x%x has zero size", base)
	}
	if base+size < base {
		return fmt.Errorf("MMIO region at 0x%x with size 0x%x overflows", base, size)
	}
	for _, existing := range b.mmio {
		if regionsOverlap(base, size, existing.region.Address, existing.region.Size) {
			return fmt.Errorf(
				"MMIO region 0x%x-0x%x overlaps region 0x%x-0x%x of %q",
				base, base+size-1, existing.region.Address, existing.region.Address+existing.region.Size-1, existing.name)
		}
	}

	b.mmio = append(b.mmio, mmioBinding{name: name, region: region, handler: handler})
	return nil
}

// Build finalizes the chipset layout and returns the constructed Chipset.
func (b *Builder) Build() (*Chipset, error) {
	if b == nil {
		return nil, fmt.Errorf("chipset builder is nil")
	}

	devices := make(map[string]Device, len(b.devices))
	for name, dev := range b.devices {
		devices[name] = dev
	}

	pio := make(map[uint16]pioBinding, len(b.pio))
	for port, binding := range b.pio {
		pio[port] = binding
	}

	mmio := make([]mmioBinding, len(b.mmio))
	copy(mmio, b.mmio)

	return &Chipset{
		devices: devices,
		pio:     pio,
		mmio:    mmio,
	}, nil
}

func regionsOverlap(baseA, sizeA, baseB, sizeB uint64) bool {
	endA := baseA + sizeA
	endB := baseB + sizeB
	return baseA < endB && baseB < endA
}

// Chipset represents the built dispatch tables for chipset devices.
type Chipset struct {
	devices map[string]Device
	pio     map[uint16]pioBinding
	mmio    []mmioBinding
}
