// Package boot brings the discovery and interrupt core up in order:
// firmware tables, the local APIC, IO-APIC routing, the PCI scan, driver
// attach, per-CPU enable and the calibrated timer. Anything that fails
// without making the machine unusable is recorded as a degradation and
// the sequence carries on.
package boot

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyrange/hwcore/internal/acpi"
	"github.com/tinyrange/hwcore/internal/apic"
	"github.com/tinyrange/hwcore/internal/clock"
	"github.com/tinyrange/hwcore/internal/device"
	"github.com/tinyrange/hwcore/internal/hal"
	"github.com/tinyrange/hwcore/internal/irq"
	"github.com/tinyrange/hwcore/internal/pci"
)

const (
	defaultSpuriousVector = 0xFF
	defaultTimerVector    = 0x20

	// Register windows mapped before the controllers are touched.
	lapicWindow  = 0x1000
	ioapicWindow = 0x20

	picSlaveBase = apic.LegacyVectorBase + 8
)

// ErrReservedVector is returned for handler registrations in the CPU
// exception range.
var ErrReservedVector = errors.New("boot: vector reserved for CPU exceptions")

// Machine is the hardware the sequence runs against.
type Machine struct {
	Ports      hal.PortIO
	Memory     hal.Memory
	MMIO       hal.MMIO
	PhysOffset uint64

	// Mapper and Frames may be nil when the direct map already covers
	// device memory.
	Mapper hal.Mapper
	Frames hal.FrameAllocator

	// TSC and Deadline drive the periodic timer. Without them the timer
	// step is skipped.
	TSC      func() uint64
	Deadline clock.Deadline
}

// DriverBinding attaches a fresh driver to every device with a matching
// vendor and device id.
type DriverBinding struct {
	VendorID uint16
	DeviceID uint16
	New      func() device.Driver
}

// Config controls the sequence.
type Config struct {
	// ScanECAM rescans through the MCFG windows after the legacy scan.
	ScanECAM bool

	// DiscoverOnly leaves the interrupt controllers and the ACPI mode as
	// firmware set them up. Tables are read, IO-APICs are sized and PCI is
	// scanned; nothing is routed or enabled.
	DiscoverOnly bool

	Drivers []DriverBinding

	// CPUs lists the APIC ids routing is enabled for. Empty means the
	// executing CPU.
	CPUs []uint8

	SpuriousVector uint8

	Features      clock.Features
	Calibrate     bool
	TimerVector   uint8
	TimerInterval time.Duration
	MinTicks      uint64

	EnablePollLimit int

	// Table is the vector table handlers are installed in. Nil means the
	// shared table.
	Table *irq.Table

	// Progress is called once per PCI bus before it is scanned.
	Progress func(bus int)
}

func (c *Config) normalize() {
	if c.SpuriousVector == 0 {
		c.SpuriousVector = defaultSpuriousVector
	}
	if c.TimerVector == 0 {
		c.TimerVector = defaultTimerVector
	}
	if c.TimerInterval == 0 {
		c.TimerInterval = 10 * time.Millisecond
	}
	if c.Table == nil {
		c.Table = irq.Shared()
	}
}

// System is the result of a completed sequence.
type System struct {
	Catalog  *acpi.Catalog
	Router   *apic.Router
	PIC      *apic.LegacyPIC
	Vectors  *irq.Table
	Registry *device.Registry

	// Timer is nil when the timer step was skipped.
	Timer       *clock.Timer
	Calibration clock.Result

	PCIFunctions  int
	ECAMFunctions int
	Attached      int

	// Degraded lists what was missing or failed without stopping the
	// sequence.
	Degraded []string
}

func (s *System) degrade(reason string, args ...any) {
	slog.Warn("boot: "+reason, args...)
	s.Degraded = append(s.Degraded, reason)
}

// Run performs the sequence. It only fails when a controller's register
// window cannot be mapped.
func Run(m Machine, cfg Config) (*System, error) {
	cfg.normalize()
	s := &System{
		Registry: device.NewRegistry(),
		Vectors:  cfg.Table,
	}

	var opts []acpi.Option
	if cfg.EnablePollLimit > 0 {
		opts = append(opts, acpi.WithEnablePollLimit(cfg.EnablePollLimit))
	}
	ports := m.Ports
	if cfg.DiscoverOnly {
		ports = nil
	}
	s.Catalog = acpi.NewCatalog(m.Memory, ports, s.Registry, opts...)
	if err := s.Catalog.Discover(m.PhysOffset); err != nil {
		if errors.Is(err, acpi.ErrNoRootPointer) {
			s.degrade("no root pointer")
		} else {
			s.degrade("firmware tables unreadable", "err", err)
		}
	}
	if st := s.Catalog.EnableStatus(); st == acpi.EnableTimedOut {
		s.degrade("ACPI enable timed out")
	}

	if err := s.mapControllers(m); err != nil {
		return nil, err
	}

	s.PIC = apic.NewLegacyPIC(m.Ports)
	lapic := apic.NewLocalAPIC(m.MMIO, m.PhysOffset)
	s.Router = apic.NewRouter(m.MMIO, m.PhysOffset, s.Catalog,
		apic.WithLegacyPIC(s.PIC),
		apic.WithLocalAPIC(lapic))
	if err := s.Router.Init(); err != nil {
		if errors.Is(err, apic.ErrNoLocalAPIC) {
			s.degrade("no local APIC")
		}
		if errors.Is(err, apic.ErrNoController) {
			s.degrade("no IO-APIC")
		}
	}

	if !cfg.DiscoverOnly {
		s.PIC.Remap(apic.LegacyVectorBase, picSlaveBase)
		if lapic.Present() {
			lapic.Enable(cfg.SpuriousVector)
			s.PIC.Disable()
			s.PIC.DisableViaIMCR()
		}
		s.Router.ProgramDefaults()
		s.Vectors.SetEOI(s.Router)
	}

	s.scanPCI(m, cfg)
	s.attachDrivers(cfg.Drivers)

	if cfg.DiscoverOnly {
		slog.Info("boot: discovery complete", "devices", s.Registry.Len(), "pci", s.PCIFunctions)
		return s, nil
	}

	cpus := cfg.CPUs
	if len(cpus) == 0 {
		cpus = []uint8{lapic.ID()}
	}
	for _, id := range cpus {
		n := s.Router.EnableForLocal(id)
		slog.Info("boot: routing enabled", "apic_id", id, "gsis", n)
	}

	if cfg.Calibrate {
		s.startTimer(m, cfg)
	}

	slog.Info("boot: complete",
		"devices", s.Registry.Len(),
		"pci", s.PCIFunctions,
		"attached", s.Attached,
		"degraded", len(s.Degraded))
	return s, nil
}

func (s *System) mapControllers(m Machine) error {
	if base, ok := s.Catalog.LocalAPICAddress(); ok && base != 0 {
		if err := hal.MapWindow(m.Mapper, m.Frames, base, lapicWindow, m.PhysOffset); err != nil {
			return fmt.Errorf("boot: map local APIC: %w", err)
		}
	}
	for _, io := range s.Catalog.IOAPICs() {
		if err := hal.MapWindow(m.Mapper, m.Frames, uint64(io.Address), ioapicWindow, m.PhysOffset); err != nil {
			return fmt.Errorf("boot: map IO-APIC %d: %w", io.ID, err)
		}
	}
	return nil
}

func (s *System) scanPCI(m Machine, cfg Config) {
	reg := &locationRegistrar{registry: s.Registry, seen: make(map[device.Location]device.ID)}

	var opts []pci.Option
	if cfg.Progress != nil {
		opts = append(opts, pci.WithProgress(cfg.Progress))
	}
	if m.Mapper != nil {
		opts = append(opts, pci.WithMapper(m.Mapper, m.Frames))
	}

	legacy := pci.NewEnumerator(pci.NewLegacyConfig(m.Ports), m.Memory, reg, opts...)
	s.PCIFunctions = legacy.ScanAndRegister(m.PhysOffset)

	if !cfg.ScanECAM {
		return
	}
	windows := s.Catalog.ECAM()
	if len(windows) == 0 {
		s.degrade("no ECAM windows")
		return
	}
	if err := pci.MapECAM(m.Mapper, m.Frames, windows, m.PhysOffset); err != nil {
		s.degrade("ECAM not mapped", "err", err)
		return
	}
	reg.fresh = 0
	ecam := pci.NewEnumerator(pci.NewECAMConfig(m.MMIO, m.PhysOffset, windows), m.Memory, reg, opts...)
	ecam.ScanAndRegister(m.PhysOffset)
	s.ECAMFunctions = reg.fresh
	s.PCIFunctions += reg.fresh
}

func (s *System) attachDrivers(bindings []DriverBinding) {
	for _, b := range bindings {
		for _, id := range s.Registry.FindByVendorDevice(b.VendorID, b.DeviceID) {
			if err := s.Registry.Attach(id, b.New()); err != nil {
				slog.Warn("boot: driver attach failed",
					"id", id,
					"vendor", fmt.Sprintf("%04x", b.VendorID),
					"device", fmt.Sprintf("%04x", b.DeviceID),
					"err", err)
				continue
			}
			s.Attached++
		}
	}
}

func (s *System) startTimer(m Machine, cfg Config) {
	tcfg := clock.Config{
		Features:   cfg.Features,
		MMIO:       m.MMIO,
		PhysOffset: m.PhysOffset,
		Mapper:     m.Mapper,
		Frames:     m.Frames,
		TSC:        m.TSC,
		Deadline:   m.Deadline,
		Interval:   cfg.TimerInterval,
		MinTicks:   cfg.MinTicks,
	}
	if h, ok := s.Catalog.HPET(); ok {
		tcfg.HPETBase = h.Base()
		tcfg.PeriodFS = h.PeriodFS
	} else {
		s.degrade("no HPET")
	}

	t, res, err := clock.Init(tcfg)
	s.Calibration = res
	if err != nil {
		s.degrade("timer unavailable", "err", err)
		return
	}
	if tcfg.HPETBase != 0 && !res.Calibrated {
		s.degrade("TSC not calibrated")
	}
	s.Timer = t
	s.Vectors.Register(cfg.TimerVector, t.Handler(s.Vectors))
}

// RegisterIRQHandler installs h for an external vector.
func (s *System) RegisterIRQHandler(vector uint8, h irq.Handler) error {
	if vector < irq.FirstExternal {
		return fmt.Errorf("%w: %d", ErrReservedVector, vector)
	}
	s.Vectors.Register(vector, h)
	return nil
}

// BindIRQ installs h for legacy IRQ line and unmasks it. With a local APIC
// the vector is the one the router programmed for the line's GSI;
// otherwise the line is delivered by the PIC pair at its remapped vector.
func (s *System) BindIRQ(line uint8, h irq.Handler) (uint8, error) {
	if line >= 16 {
		return 0, fmt.Errorf("boot: bind IRQ %d: not a legacy line", line)
	}
	lapic := s.Router.LocalAPIC()
	if !lapic.Present() {
		vector := apic.LegacyVectorBase + line
		if err := s.RegisterIRQHandler(vector, h); err != nil {
			return 0, err
		}
		if line >= 8 {
			s.PIC.SetMasked(2, false)
		}
		s.PIC.SetMasked(line, false)
		return vector, nil
	}

	gsi, _ := s.Router.GSIForIRQ(line)
	vector, ok := s.Router.VectorFor(gsi)
	if !ok {
		return 0, fmt.Errorf("boot: bind IRQ %d: %w", line, apic.ErrNotMapped)
	}
	if err := s.RegisterIRQHandler(vector, h); err != nil {
		return 0, err
	}
	if err := s.Router.Unmask(gsi, lapic.ID()); err != nil {
		return 0, fmt.Errorf("boot: bind IRQ %d: %w", line, err)
	}
	return vector, nil
}

// locationRegistrar registers each PCI location once across scans.
type locationRegistrar struct {
	registry *device.Registry
	seen     map[device.Location]device.ID
	fresh    int
}

func (r *locationRegistrar) Register(desc device.Descriptor) device.ID {
	if desc.PCI != nil {
		if id, ok := r.seen[*desc.PCI]; ok {
			return id
		}
	}
	id := r.registry.Register(desc)
	if desc.PCI != nil {
		r.seen[*desc.PCI] = id
	}
	r.fresh++
	return id
}
