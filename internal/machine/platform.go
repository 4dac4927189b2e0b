// Package machine assembles an emulated PC out of the chipset devices: RAM
// behind a direct map, IO-APICs feeding a local APIC, the legacy PIC pair,
// an ACPI PM block, an HPET and a PCI segment, with firmware tables that
// describe all of it. Discovery and routing code runs against it unchanged.
package machine

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/tinyrange/hwcore/internal/acpi"
	"github.com/tinyrange/hwcore/internal/chipset"
	amd64cs "github.com/tinyrange/hwcore/internal/devices/amd64/chipset"
	amd64pci "github.com/tinyrange/hwcore/internal/devices/amd64/pci"
	"github.com/tinyrange/hwcore/internal/devices/amd64/serial"
	"github.com/tinyrange/hwcore/internal/devices/hpet"
	devpci "github.com/tinyrange/hwcore/internal/devices/pci"
	"github.com/tinyrange/hwcore/internal/hal"
)

const maxDeliveries = 256

// Platform is an assembled machine.
type Platform struct {
	Profile Profile

	RAM     *RAM
	Bus     *Bus
	Chipset *chipset.Chipset
	Lines   *chipset.LineSet
	Mapper  *PageTable
	Frames  *FrameAllocator
	Clock   *VirtualClock

	// LAPIC is nil when the profile has no local APIC.
	LAPIC   *amd64cs.LocalAPIC
	IOAPICs []*amd64cs.IOAPIC
	PIC     *amd64cs.DualPIC
	PM      *amd64cs.PM
	HPET    *hpet.Device
	PCI     *devpci.HostBridge
	UARTs   []*serial.UART

	Tables acpi.Image

	deadline atomic.Uint64
}

// New builds the machine profile describes and installs its firmware
// tables.
func New(profile Profile) (*Platform, error) {
	profile.normalize()
	p := &Platform{
		Profile: profile,
		RAM:     NewRAM(uint64(profile.MemorySize)),
		Mapper:  NewPageTable(),
		Clock:   NewVirtualClock(profile.ClockStep, profile.TSCHz),
		PIC:     amd64cs.NewDualPIC(),
	}
	// Page-table frames come from the top half of RAM, clear of the
	// firmware tables.
	p.Frames = NewFrameAllocator(uint64(profile.MemorySize)/2, uint64(profile.MemorySize))
	p.Lines = chipset.NewLineSet(gsiSink{p})
	p.Lines.AttachEOITarget(ioapicFanout{p})

	b := chipset.NewBuilder()
	if err := b.RegisterDevice("pic", p.PIC); err != nil {
		return nil, err
	}

	if !profile.LAPIC.Absent {
		p.LAPIC = amd64cs.NewLocalAPIC(uint64(profile.LAPIC.Base), profile.BSP())
		p.LAPIC.SetEOITarget(lineEOI{p.Lines})
		if err := b.RegisterDevice("lapic", p.LAPIC); err != nil {
			return nil, err
		}
	}

	for i, cfg := range profile.IOAPICs {
		io := amd64cs.NewIOAPIC(uint64(cfg.Base), cfg.ID, cfg.Entries)
		if cfg.Version != 0 {
			io.SetVersionOverride(uint32(cfg.Version))
		}
		io.SetRouting(amd64cs.IoApicRoutingFunc(p.deliver))
		if err := b.RegisterDevice(fmt.Sprintf("ioapic%d", i), io); err != nil {
			return nil, err
		}
		p.IOAPICs = append(p.IOAPICs, io)
	}

	if pm := profile.PM; pm != nil {
		p.PM = amd64cs.NewPM(amd64cs.PMConfig{
			EventBase:    pm.EventBase,
			ControlBase:  pm.ControlBase,
			TimerBase:    pm.TimerBase,
			SMICommand:   pm.SMICommand,
			EnableCode:   pm.EnableCode,
			DisableCode:  pm.DisableCode,
			LatchAfter:   pm.LatchAfter,
			NeverLatch:   pm.NeverLatch,
			StartEnabled: pm.StartEnabled,
		})
		if err := b.RegisterDevice("pm", p.PM); err != nil {
			return nil, err
		}
	}

	if h := profile.HPET; h != nil {
		p.HPET = hpet.New(hpet.Config{
			Base:   uint64(h.Base),
			Period: h.Period,
			Clock:  p.Clock,
			Sink:   gsiSink{p},
		})
		if err := b.RegisterDevice("hpet", p.HPET); err != nil {
			return nil, err
		}
	}

	for i, cfg := range profile.Serial {
		u := serial.New(cfg.Port, p.Line(p.gsiForISA(cfg.IRQ)), nil)
		if err := b.RegisterDevice(fmt.Sprintf("uart%d", i), u); err != nil {
			return nil, err
		}
		p.UARTs = append(p.UARTs, u)
	}

	if err := p.buildPCI(b); err != nil {
		return nil, err
	}

	cs, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("machine: build chipset: %w", err)
	}
	p.Chipset = cs
	p.Bus = NewBus(p.RAM, cs, uint64(profile.PhysOffset))

	if !profile.ACPI.Disabled {
		img, err := acpi.Install(p.Bus, uint64(profile.PhysOffset), p.acpiConfig())
		if err != nil {
			return nil, fmt.Errorf("machine: install ACPI tables: %w", err)
		}
		p.Tables = img
		slog.Debug("machine: installed ACPI tables",
			"rsdp", fmt.Sprintf("%#x", img.RSDPBase),
			"tables", fmt.Sprintf("%#x", img.TablesBase),
			"length", len(img.Tables))
	}
	return p, nil
}

func (p *Platform) buildPCI(b *chipset.Builder) error {
	cfg := devpci.HostBridgeConfig{
		MMIOBase: uint64(p.Profile.PCI.MMIOBase),
		MMIOSize: uint64(p.Profile.PCI.MMIOSize),
	}
	if e := p.Profile.PCI.ECAM; e != nil {
		cfg.ECAMBase = uint64(e.Base)
		cfg.StartBus = e.StartBus
		cfg.EndBus = e.EndBus
	}
	p.PCI = devpci.NewHostBridge(cfg)
	for _, fn := range p.Profile.PCI.Functions {
		if _, err := p.PCI.AddFunction(fn.Bus, fn.Slot, fn.Function, fn.FunctionConfig); err != nil {
			return fmt.Errorf("machine: %w", err)
		}
	}
	if cfg.ECAMBase != 0 {
		if err := b.RegisterDevice("pci-ecam", p.PCI); err != nil {
			return err
		}
	}
	if err := b.RegisterDevice("pci-cf8", amd64pci.NewHostBridge(p.PCI)); err != nil {
		return err
	}
	for i, t := range p.PCI.Tables() {
		if err := b.RegisterDevice(fmt.Sprintf("msix%d", i), t); err != nil {
			return err
		}
	}
	return nil
}

func (p *Platform) acpiConfig() acpi.Config {
	prof := p.Profile
	cfg := acpi.Config{
		TablesBase: uint64(prof.ACPI.TablesBase),
		RSDPBase:   uint64(prof.ACPI.RSDPBase),
		Revision:   prof.ACPI.Revision,
	}
	if !prof.LAPIC.Absent {
		cfg.LAPICBase = uint32(prof.LAPIC.Base)
	}
	for _, c := range prof.CPUs {
		cfg.CPUs = append(cfg.CPUs, acpi.CPU{ProcessorID: c.ProcessorID, APICID: c.APICID, Enabled: !c.Disabled})
	}
	for _, io := range prof.IOAPICs {
		cfg.IOAPICs = append(cfg.IOAPICs, acpi.IOAPICConfig{ID: io.ID, Address: uint32(io.Base), GSIBase: io.GSIBase})
	}
	for _, o := range prof.Overrides {
		cfg.ISAOverrides = append(cfg.ISAOverrides, acpi.InterruptOverride{Source: o.Source, GSI: o.GSI, Flags: o.Flags})
	}
	if h := prof.HPET; h != nil {
		cfg.HPET = &acpi.HPETConfig{Address: uint64(h.Base), VendorID: 0x8086, Comparators: h.Comparators, MinimumTick: 0x80}
	}
	if e := prof.PCI.ECAM; e != nil {
		cfg.ECAM = []acpi.ECAMAllocation{{BaseAddress: uint64(e.Base), StartBus: e.StartBus, EndBus: e.EndBus}}
	}
	if pm := prof.PM; pm != nil {
		cfg.FADT = &acpi.FADTConfig{
			SCIInterrupt:   pm.SCI,
			SMICommand:     uint32(pm.SMICommand),
			ACPIEnable:     pm.EnableCode,
			ACPIDisable:    pm.DisableCode,
			PM1aEventBlock: uint32(pm.EventBase),
			PM1aControl:    uint32(pm.ControlBase),
			PMTimerBlock:   uint32(pm.TimerBase),
		}
	}
	return cfg
}

// Ports returns the port I/O space.
func (p *Platform) Ports() hal.PortIO { return p.Chipset }

// Memory returns the direct-mapped view of physical memory.
func (p *Platform) Memory() hal.Memory { return p.Bus }

// MMIO returns register access over the direct map.
func (p *Platform) MMIO() hal.MMIO { return hal.MemoryMMIO{Memory: p.Bus} }

// PhysOffset returns the direct map offset.
func (p *Platform) PhysOffset() uint64 { return uint64(p.Profile.PhysOffset) }

// TSC reads the time stamp counter.
func (p *Platform) TSC() uint64 { return p.Clock.TSC() }

// ArmDeadline records a TSC-deadline MSR write.
func (p *Platform) ArmDeadline(tsc uint64) { p.deadline.Store(tsc) }

// Deadline returns the last armed TSC deadline, or zero.
func (p *Platform) Deadline() uint64 { return p.deadline.Load() }

// Line returns the interrupt line wired to gsi.
func (p *Platform) Line(gsi uint32) chipset.LineInterrupt {
	return p.Lines.AllocateLine(uint8(gsi))
}

// PulseISA raises and lowers legacy IRQ irq on whatever GSI the overrides
// send it to.
func (p *Platform) PulseISA(irq uint8) {
	p.Line(p.gsiForISA(irq)).PulseInterrupt()
}

// DeliverPending hands every queued vector to fn in priority order and
// returns how many were delivered. Without a local APIC, vectors come from
// the PIC pair instead.
func (p *Platform) DeliverPending(fn func(vector uint8)) int {
	n := 0
	for n < maxDeliveries {
		var (
			vector uint8
			ok     bool
		)
		if p.LAPIC != nil {
			vector, ok = p.LAPIC.Accept()
		} else {
			ok, vector = p.PIC.Acknowledge()
		}
		if !ok {
			break
		}
		fn(vector)
		n++
	}
	return n
}

func (p *Platform) deliver(vector, dest uint8, level bool) {
	if p.LAPIC == nil {
		slog.Debug("machine: IO-APIC delivery without local APIC dropped", "vector", vector)
		return
	}
	p.LAPIC.Assert(vector, dest, level)
}

func (p *Platform) gsiForISA(irq uint8) uint32 {
	for _, o := range p.Profile.Overrides {
		if o.Source == irq {
			return o.GSI
		}
	}
	return uint32(irq)
}

// isaForGSI inverts the overrides. A GSI claimed by another source's
// override has no ISA line of its own.
func (p *Platform) isaForGSI(gsi uint32) (uint8, bool) {
	for _, o := range p.Profile.Overrides {
		if o.GSI == gsi {
			return o.Source, true
		}
	}
	for _, o := range p.Profile.Overrides {
		if uint32(o.Source) == gsi {
			return 0, false
		}
	}
	return uint8(gsi), gsi < 16
}

// gsiSink fans a line out to the IO-APIC input covering it and, for ISA
// lines, to the PIC pair.
type gsiSink struct{ p *Platform }

func (s gsiSink) SetIRQ(line uint8, level bool) {
	gsi := uint32(line)
	for i, cfg := range s.p.Profile.IOAPICs {
		if gsi >= cfg.GSIBase && gsi < cfg.GSIBase+uint32(cfg.Entries) {
			s.p.IOAPICs[i].SetIRQ(uint8(gsi-cfg.GSIBase), level)
			break
		}
	}
	if irq, ok := s.p.isaForGSI(gsi); ok {
		s.p.PIC.SetIRQ(irq, level)
	}
}

type ioapicFanout struct{ p *Platform }

func (f ioapicFanout) HandleEOI(vector uint8) {
	for _, io := range f.p.IOAPICs {
		io.HandleEOI(vector)
	}
}

type lineEOI struct{ lines *chipset.LineSet }

func (l lineEOI) HandleEOI(vector uint8) { l.lines.BroadcastEOI(vector) }
