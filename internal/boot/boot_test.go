package boot

import (
	"errors"
	"slices"
	"testing"

	"github.com/tinyrange/hwcore/internal/acpi"
	"github.com/tinyrange/hwcore/internal/apic"
	"github.com/tinyrange/hwcore/internal/clock"
	"github.com/tinyrange/hwcore/internal/device"
	"github.com/tinyrange/hwcore/internal/devices/amd64/serial"
	"github.com/tinyrange/hwcore/internal/irq"
	"github.com/tinyrange/hwcore/internal/machine"
)

type recordDeadline struct{ armed []uint64 }

func (d *recordDeadline) ArmDeadline(tsc uint64) { d.armed = append(d.armed, tsc) }

type fakeDriver struct {
	probeErr error
	started  int
}

func (d *fakeDriver) Probe(*device.Device) error { return d.probeErr }

func (d *fakeDriver) Start(*device.Device) error {
	d.started++
	return nil
}

func (d *fakeDriver) Stop(*device.Device)    {}
func (d *fakeDriver) Release(*device.Device) {}

func newPlatform(t *testing.T, edit func(*machine.Profile)) *machine.Platform {
	t.Helper()
	prof := machine.DefaultProfile()
	if edit != nil {
		edit(&prof)
	}
	p, err := machine.New(prof)
	if err != nil {
		t.Fatalf("new platform: %v", err)
	}
	return p
}

func machineFor(p *machine.Platform) Machine {
	return Machine{
		Ports:      p.Ports(),
		Memory:     p.Memory(),
		MMIO:       p.MMIO(),
		PhysOffset: p.PhysOffset(),
		Mapper:     p.Mapper,
		Frames:     p.Frames,
		TSC:        p.TSC,
	}
}

func run(t *testing.T, p *machine.Platform, cfg Config) *System {
	t.Helper()
	if cfg.Table == nil {
		cfg.Table = irq.New()
	}
	s, err := Run(machineFor(p), cfg)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return s
}

func pciDevices(r *device.Registry) int {
	n := 0
	for _, d := range r.Devices() {
		if d.Descriptor.PCI != nil {
			n++
		}
	}
	return n
}

func TestRunDefaultProfile(t *testing.T) {
	p := newPlatform(t, nil)
	s := run(t, p, Config{})

	if len(s.Degraded) != 0 {
		t.Fatalf("degraded = %v", s.Degraded)
	}
	if st := s.Catalog.EnableStatus(); st != acpi.EnableConfirmed {
		t.Fatalf("enable status = %v", st)
	}
	if !p.LAPIC.SoftwareEnabled() {
		t.Fatalf("local APIC not software-enabled")
	}
	if !p.PIC.APICMode() {
		t.Fatalf("IMCR not switched to APIC mode")
	}
	if m1, m2 := p.PIC.Masks(); m1 != 0xFF || m2 != 0xFF {
		t.Fatalf("PIC masks = %02x/%02x want ff/ff", m1, m2)
	}
	if m, sl := p.PIC.Offsets(); m != 0x20 || sl != 0x28 {
		t.Fatalf("PIC offsets = %#x/%#x", m, sl)
	}
	if st, dest := s.Router.State(2); st != apic.UnmaskedForCPU || dest != 0 {
		t.Fatalf("GSI 2 state = %v dest %d", st, dest)
	}
	if v, ok := s.Router.VectorFor(2); !ok || v != 0x20 {
		t.Fatalf("GSI 2 vector = %#x,%v want 0x20", v, ok)
	}
	if s.PCIFunctions != 5 || pciDevices(s.Registry) != 5 {
		t.Fatalf("pci functions = %d registered %d want 5", s.PCIFunctions, pciDevices(s.Registry))
	}
	if ids := s.Registry.FindByVendorDevice(0, acpi.PlaceholderIOAPIC); len(ids) != 1 {
		t.Fatalf("IO-APIC placeholders = %v", ids)
	}
	if s.Timer != nil {
		t.Fatalf("timer started without Calibrate")
	}
}

func TestBindIRQDeliversThroughIOAPIC(t *testing.T) {
	p := newPlatform(t, nil)
	s := run(t, p, Config{})

	handled := 0
	vector, err := s.BindIRQ(0, func(f *irq.Frame) {
		handled++
		s.Vectors.EOI(f.Vector)
	})
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if vector != 0x20 {
		t.Fatalf("vector = %#x want 0x20", vector)
	}

	p.PulseISA(0)
	n := p.DeliverPending(func(v uint8) { s.Vectors.Dispatch(&irq.Frame{Vector: v}) })
	if n != 1 || handled != 1 {
		t.Fatalf("delivered %d handled %d want 1", n, handled)
	}
	if p.LAPIC.EOIs() != 1 {
		t.Fatalf("EOIs = %d want 1", p.LAPIC.EOIs())
	}
	if p.IOAPICs[0].Delivered(2) != 1 {
		t.Fatalf("pin 2 deliveries = %d", p.IOAPICs[0].Delivered(2))
	}
}

func TestSerialInterruptReachesBoundHandler(t *testing.T) {
	p := newPlatform(t, nil)
	s := run(t, p, Config{})
	ports := p.Ports()

	var reasons []uint8
	if _, err := s.BindIRQ(serial.COM1IRQ, func(f *irq.Frame) {
		reasons = append(reasons, ports.In8(serial.COM1Base+2))
		s.Vectors.EOI(f.Vector)
	}); err != nil {
		t.Fatalf("bind: %v", err)
	}

	ports.Out8(serial.COM1Base+4, 0x08) // OUT2
	ports.Out8(serial.COM1Base+1, 0x02) // THRE
	n := p.DeliverPending(func(v uint8) { s.Vectors.Dispatch(&irq.Frame{Vector: v}) })
	if n != 1 || len(reasons) != 1 || reasons[0] != serial.IIRTHRE {
		t.Fatalf("delivered %d reasons %v want one THRE", n, reasons)
	}
	if p.UARTs[0].Asserted() {
		t.Fatalf("UART still asserted after its IIR was read")
	}

	ports.Out8(serial.COM1Base, 'k')
	n = p.DeliverPending(func(v uint8) { s.Vectors.Dispatch(&irq.Frame{Vector: v}) })
	if n != 1 || len(reasons) != 2 {
		t.Fatalf("transmit delivered %d reasons %v want a second interrupt", n, reasons)
	}
}

func TestRunWithoutLocalAPIC(t *testing.T) {
	p := newPlatform(t, func(prof *machine.Profile) { prof.LAPIC.Absent = true })
	s := run(t, p, Config{})

	if !slices.Contains(s.Degraded, "no local APIC") {
		t.Fatalf("degraded = %v", s.Degraded)
	}
	if p.PIC.APICMode() {
		t.Fatalf("IMCR switched without a local APIC")
	}
	if m, sl := p.PIC.Offsets(); m != 0x20 || sl != 0x28 {
		t.Fatalf("PIC offsets = %#x/%#x", m, sl)
	}

	handled := 0
	vector, err := s.BindIRQ(1, func(f *irq.Frame) {
		handled++
		s.Vectors.EOI(f.Vector)
	})
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if vector != 0x21 {
		t.Fatalf("vector = %#x want 0x21", vector)
	}

	line := p.Line(1)
	line.SetLevel(true)
	n := p.DeliverPending(func(v uint8) { s.Vectors.Dispatch(&irq.Frame{Vector: v}) })
	line.SetLevel(false)
	if n != 1 || handled != 1 {
		t.Fatalf("delivered %d handled %d want 1", n, handled)
	}
	if p.PIC.EOICount(1) != 1 {
		t.Fatalf("PIC EOIs for IRQ 1 = %d want 1", p.PIC.EOICount(1))
	}
}

func TestRunWithoutFirmwareTables(t *testing.T) {
	p := newPlatform(t, func(prof *machine.Profile) { prof.ACPI.Disabled = true })
	s := run(t, p, Config{})

	for _, want := range []string{"no root pointer", "no local APIC", "no IO-APIC"} {
		if !slices.Contains(s.Degraded, want) {
			t.Fatalf("degraded = %v missing %q", s.Degraded, want)
		}
	}
	if len(s.Router.Controllers()) != 0 {
		t.Fatalf("controllers = %v", s.Router.Controllers())
	}
	if s.PCIFunctions != 5 {
		t.Fatalf("pci functions = %d want 5", s.PCIFunctions)
	}
}

func TestRunEnableTimeout(t *testing.T) {
	p := newPlatform(t, func(prof *machine.Profile) { prof.PM.NeverLatch = true })
	s := run(t, p, Config{EnablePollLimit: 16})

	if st := s.Catalog.EnableStatus(); st != acpi.EnableTimedOut {
		t.Fatalf("enable status = %v want timed out", st)
	}
	if !slices.Contains(s.Degraded, "ACPI enable timed out") {
		t.Fatalf("degraded = %v", s.Degraded)
	}
	// Discovery carried on past the handshake.
	if len(s.Router.Controllers()) != 1 {
		t.Fatalf("controllers = %d want 1", len(s.Router.Controllers()))
	}
}

func TestRunUnreadableIOAPICVersion(t *testing.T) {
	p := newPlatform(t, func(prof *machine.Profile) { prof.IOAPICs[0].Version = 0xFFFFFFFF })
	s := run(t, p, Config{})

	ctrls := s.Router.Controllers()
	if len(ctrls) != 1 || ctrls[0].Count != 24 {
		t.Fatalf("controllers = %+v want one with 24 entries", ctrls)
	}
}

func TestRunAttachesDrivers(t *testing.T) {
	p := newPlatform(t, nil)
	var drivers []*fakeDriver
	bind := func(vendor, dev uint16, probeErr error) DriverBinding {
		return DriverBinding{VendorID: vendor, DeviceID: dev, New: func() device.Driver {
			d := &fakeDriver{probeErr: probeErr}
			drivers = append(drivers, d)
			return d
		}}
	}
	s := run(t, p, Config{Drivers: []DriverBinding{
		bind(0x8086, 0x10D3, nil),
		bind(0x1AF4, 0x1041, nil),
		bind(0x8086, 0x2922, errors.New("unsupported revision")),
		bind(0xDEAD, 0xBEEF, nil),
	}})

	if s.Attached != 2 {
		t.Fatalf("attached = %d want 2", s.Attached)
	}
	if len(drivers) != 3 {
		t.Fatalf("drivers built = %d want 3", len(drivers))
	}
	if drivers[0].started != 1 || drivers[2].started != 0 {
		t.Fatalf("starts = %d,%d", drivers[0].started, drivers[2].started)
	}
	ids := s.Registry.FindByVendorDevice(0x8086, 0x2922)
	if len(ids) != 1 {
		t.Fatalf("AHCI ids = %v", ids)
	}
	if st, err := s.Registry.State(ids[0]); err != nil || st != device.Unattached {
		t.Fatalf("AHCI state = %v, %v want unattached", st, err)
	}
}

func TestRunECAMRescanKeepsOneEntryPerFunction(t *testing.T) {
	p := newPlatform(t, nil)
	s := run(t, p, Config{ScanECAM: true})

	if s.ECAMFunctions != 0 || s.PCIFunctions != 5 {
		t.Fatalf("ecam %d total %d want 0 and 5", s.ECAMFunctions, s.PCIFunctions)
	}
	if n := pciDevices(s.Registry); n != 5 {
		t.Fatalf("registered pci devices = %d want 5", n)
	}
	if _, ok := p.Mapper.Lookup(0xB0000000 + p.PhysOffset()); !ok {
		t.Fatalf("ECAM window not mapped")
	}
}

func TestRunECAMWithoutMCFG(t *testing.T) {
	p := newPlatform(t, func(prof *machine.Profile) { prof.PCI.ECAM = nil })
	s := run(t, p, Config{ScanECAM: true})
	if !slices.Contains(s.Degraded, "no ECAM windows") {
		t.Fatalf("degraded = %v", s.Degraded)
	}
	if s.PCIFunctions != 5 {
		t.Fatalf("pci functions = %d want 5", s.PCIFunctions)
	}
}

func TestRunCalibratesTimer(t *testing.T) {
	p := newPlatform(t, nil)
	m := machineFor(p)
	dl := &recordDeadline{}
	m.Deadline = dl
	table := irq.New()

	s, err := Run(m, Config{
		Table:     table,
		Calibrate: true,
		Features:  clock.Features{TSC: true, MSR: true, TSCDeadline: true},
		MinTicks:  100_000,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(s.Degraded) != 0 {
		t.Fatalf("degraded = %v", s.Degraded)
	}
	if s.Timer == nil || !s.Calibration.Calibrated {
		t.Fatalf("timer %v calibration %+v", s.Timer, s.Calibration)
	}
	if s.Timer.Period() != s.Calibration.PeriodCycles {
		t.Fatalf("period = %d want %d", s.Timer.Period(), s.Calibration.PeriodCycles)
	}
	if !table.Registered(0x20) || len(dl.armed) != 1 {
		t.Fatalf("timer vector registered %v armed %v", table.Registered(0x20), dl.armed)
	}

	table.Dispatch(&irq.Frame{Vector: 0x20})
	if s.Timer.Ticks() != 1 || len(dl.armed) != 2 {
		t.Fatalf("ticks %d armed %v", s.Timer.Ticks(), dl.armed)
	}
	if p.LAPIC.EOIs() != 1 {
		t.Fatalf("EOIs = %d want 1", p.LAPIC.EOIs())
	}
}

func TestRunTimerWithoutHPET(t *testing.T) {
	p := newPlatform(t, func(prof *machine.Profile) { prof.HPET = nil })
	m := machineFor(p)
	m.Deadline = p
	s, err := Run(m, Config{
		Table:     irq.New(),
		Calibrate: true,
		Features:  clock.Features{TSC: true, MSR: true, TSCDeadline: true},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !slices.Contains(s.Degraded, "no HPET") {
		t.Fatalf("degraded = %v", s.Degraded)
	}
	if s.Timer == nil || s.Timer.Period() != clock.DefaultPeriodCycles {
		t.Fatalf("timer = %v", s.Timer)
	}
	if p.Deadline() == 0 {
		t.Fatalf("deadline not armed")
	}
}

func TestRunTimerUnsupported(t *testing.T) {
	p := newPlatform(t, nil)
	s := run(t, p, Config{Calibrate: true, Features: clock.Features{TSC: true}})
	if !slices.Contains(s.Degraded, "timer unavailable") || s.Timer != nil {
		t.Fatalf("degraded = %v timer %v", s.Degraded, s.Timer)
	}
}

func TestRegisterIRQHandlerRejectsExceptions(t *testing.T) {
	p := newPlatform(t, nil)
	s := run(t, p, Config{})

	calls := 0
	handler := func(*irq.Frame) { calls++ }
	if err := s.RegisterIRQHandler(14, handler); !errors.Is(err, ErrReservedVector) {
		t.Fatalf("err = %v want ErrReservedVector", err)
	}
	s.Vectors.Dispatch(&irq.Frame{Vector: 14})
	if calls != 0 {
		t.Fatalf("page fault reached the rejected handler %d times", calls)
	}

	if err := s.RegisterIRQHandler(0x40, handler); err != nil {
		t.Fatalf("register: %v", err)
	}
	s.Vectors.Dispatch(&irq.Frame{Vector: 0x40})
	if calls != 1 {
		t.Fatalf("vector 0x40 handler calls = %d want 1", calls)
	}
}

func TestRunDiscoverOnlyLeavesControllersAlone(t *testing.T) {
	p := newPlatform(t, nil)
	s := run(t, p, Config{DiscoverOnly: true})

	if st := s.Catalog.EnableStatus(); st != acpi.EnableNotAttempted {
		t.Fatalf("enable status = %v want not attempted", st)
	}
	if p.LAPIC.SoftwareEnabled() || p.PIC.Initialized() || p.PIC.APICMode() {
		t.Fatalf("controllers touched: lapic %v pic %v imcr %v",
			p.LAPIC.SoftwareEnabled(), p.PIC.Initialized(), p.PIC.APICMode())
	}
	if st, _ := s.Router.State(2); st != apic.Unmapped {
		t.Fatalf("GSI 2 state = %v want unmapped", st)
	}
	if len(s.Router.Controllers()) != 1 || s.PCIFunctions != 5 {
		t.Fatalf("controllers %d pci %d", len(s.Router.Controllers()), s.PCIFunctions)
	}
}
