package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/hwcore/internal/boot"
	"github.com/tinyrange/hwcore/internal/clock"
	"github.com/tinyrange/hwcore/internal/device"
	"github.com/tinyrange/hwcore/internal/irq"
	"github.com/tinyrange/hwcore/internal/machine"
)

// logDriver claims a device and logs its resources.
type logDriver struct{}

func (logDriver) Probe(dev *device.Device) error { return nil }

func (logDriver) Start(dev *device.Device) error {
	d := dev.Descriptor()
	slog.Info("hwprobe: driver started",
		"id", dev.ID(),
		"device", fmt.Sprintf("%04x:%04x", d.VendorID, d.DeviceID),
		"windows", len(dev.MemoryWindows()),
		"msix", len(dev.MSIX()))
	return nil
}

func (logDriver) Stop(dev *device.Device)    {}
func (logDriver) Release(dev *device.Device) {}

// parseBindings reads a comma separated list of vendor:device pairs in hex.
func parseBindings(s string) ([]boot.DriverBinding, error) {
	var out []boot.DriverBinding
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		v, d, ok := strings.Cut(item, ":")
		if !ok {
			return nil, fmt.Errorf("bad binding %q: want vendor:device", item)
		}
		vendor, err := strconv.ParseUint(v, 16, 16)
		if err != nil {
			return nil, fmt.Errorf("bad vendor in %q: %w", item, err)
		}
		dev, err := strconv.ParseUint(d, 16, 16)
		if err != nil {
			return nil, fmt.Errorf("bad device in %q: %w", item, err)
		}
		out = append(out, boot.DriverBinding{
			VendorID: uint16(vendor),
			DeviceID: uint16(dev),
			New:      func() device.Driver { return logDriver{} },
		})
	}
	return out, nil
}

func emulated(path string, dump bool, out io.Writer) (boot.Machine, bool, error) {
	prof := machine.DefaultProfile()
	if path != "" {
		var err error
		prof, err = machine.LoadProfile(path)
		if err != nil {
			return boot.Machine{}, false, err
		}
	}
	if dump {
		data, err := prof.Marshal()
		if err != nil {
			return boot.Machine{}, false, err
		}
		_, err = out.Write(data)
		return boot.Machine{}, true, err
	}

	p, err := machine.New(prof)
	if err != nil {
		return boot.Machine{}, false, err
	}
	return boot.Machine{
		Ports:      p.Ports(),
		Memory:     p.Memory(),
		MMIO:       p.MMIO(),
		PhysOffset: p.PhysOffset(),
		Mapper:     p.Mapper,
		Frames:     p.Frames,
		TSC:        p.TSC,
		Deadline:   p,
	}, false, nil
}

// calibrateOnly measures the TSC against the HPET without arming anything.
func calibrateOnly(s *boot.System, m boot.Machine) (clock.Result, error) {
	h, ok := s.Catalog.HPET()
	if !ok {
		return clock.Result{}, clock.ErrUnavailable
	}
	if err := clock.MapHPET(m.Mapper, m.Frames, h.Base(), m.PhysOffset); err != nil {
		return clock.Result{}, err
	}
	counter := clock.HPETCounter{MMIO: m.MMIO, Base: h.Base() + m.PhysOffset}
	return clock.Calibrate(counter, m.TSC, h.PeriodFS, 10*time.Millisecond, clock.DefaultMinTicks)
}

func listingWidth(requested int) int {
	if requested != 0 {
		return requested
	}
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return 0
	}
	w, _, err := term.GetSize(fd)
	if err != nil {
		return 0
	}
	return w
}

func printSummary(w io.Writer, s *boot.System) {
	fmt.Fprintf(w, "tables: %s\n", strings.Join(s.Catalog.Tables(), " "))
	if base, ok := s.Catalog.LocalAPICAddress(); ok {
		fmt.Fprintf(w, "local APIC: %#x (%d CPUs)\n", base, len(s.Catalog.CPUs()))
	}
	for _, c := range s.Router.Controllers() {
		fmt.Fprintf(w, "IO-APIC %d: %#x gsi %d-%d\n", c.ID, c.Address, c.GSIBase, c.GSIBase+uint32(c.Count)-1)
	}
	for _, iso := range s.Catalog.ISOs() {
		fmt.Fprintf(w, "override: IRQ %d -> GSI %d flags %#x\n", iso.Source, iso.GSI, iso.Flags)
	}
	if h, ok := s.Catalog.HPET(); ok {
		fmt.Fprintf(w, "HPET: %#x period %d fs\n", h.Base(), h.PeriodFS)
	}
	for _, e := range s.Catalog.ECAM() {
		fmt.Fprintf(w, "ECAM: %#x buses %d-%d\n", e.BaseAddress, e.StartBus, e.EndBus)
	}
	fmt.Fprintf(w, "ACPI mode: %s\n", s.Catalog.EnableStatus())
	fmt.Fprintf(w, "PCI functions: %d (%d via ECAM), drivers attached: %d\n", s.PCIFunctions, s.ECAMFunctions, s.Attached)
	if s.Calibration.Calibrated {
		fmt.Fprintf(w, "TSC: %d Hz, timer period %d cycles\n", s.Calibration.TSCHz, s.Calibration.PeriodCycles)
	}
	for _, d := range s.Degraded {
		fmt.Fprintf(w, "degraded: %s\n", d)
	}
}

func run() error {
	profilePath := flag.String("profile", "", "machine profile YAML (default: built-in q35-like machine)")
	host := flag.Bool("host", false, "probe the running machine instead of an emulated one")
	ecam := flag.Bool("ecam", false, "rescan PCI through the MCFG windows")
	attach := flag.String("attach", "", "comma separated vendor:device pairs to attach a logging driver to")
	calibrate := flag.Bool("calibrate", false, "calibrate the TSC against the HPET")
	width := flag.Int("width", 0, "cut listing lines to this many cells (default: terminal width)")
	logLevel := flag.String("log-level", "warn", "log level: debug, info, warn or error")
	dumpProfile := flag.Bool("dump-profile", false, "print the effective machine profile as YAML and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `hwprobe - discover firmware tables, PCI functions and interrupt routing

USAGE:
  hwprobe [flags]

FLAGS:
  -profile FILE     Boot an emulated machine described by FILE
  -host             Probe the running machine without reprogramming its
                    interrupt controllers (root, linux/amd64 only; BARs are sized)
  -ecam             Rescan PCI through the MCFG windows after the legacy scan
  -attach LIST      Attach a logging driver, e.g. 8086:10d3,1af4:1041
  -calibrate        Calibrate the TSC against the HPET
  -width N          Cut listing lines to N cells
  -log-level LEVEL  debug, info, warn or error (default: warn)
  -dump-profile     Print the effective machine profile and exit

EXAMPLES:
  hwprobe                            Probe the built-in emulated machine
  hwprobe -profile two-ioapics.yaml  Probe a custom emulated machine
  hwprobe -dump-profile > base.yaml  Start a profile from the built-in one
  sudo hwprobe -host -calibrate      Probe this machine and measure its TSC
`)
	}
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		flag.Usage()
		return fmt.Errorf("bad -log-level: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	drivers, err := parseBindings(*attach)
	if err != nil {
		return err
	}

	cfg := boot.Config{
		ScanECAM: *ecam,
		Drivers:  drivers,
		Table:    irq.Shared(),
	}

	var m boot.Machine
	if *host {
		hm, features, closer, err := openHost()
		if err != nil {
			return err
		}
		defer closer()
		m = hm
		cfg.Features = features
		cfg.DiscoverOnly = true
	} else {
		em, done, err := emulated(*profilePath, *dumpProfile, os.Stdout)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		m = em
		cfg.Features = clock.Features{TSC: true, MSR: true, TSCDeadline: true}
		cfg.Calibrate = *calibrate
	}

	if term.IsTerminal(int(os.Stderr.Fd())) {
		bar := progressbar.NewOptions(256,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("scanning PCI"),
			progressbar.OptionClearOnFinish())
		defer bar.Finish()
		cfg.Progress = func(bus int) { bar.Set(bus + 1) }
	}

	s, err := boot.Run(m, cfg)
	if err != nil {
		return err
	}

	if *host && *calibrate {
		res, err := calibrateOnly(s, m)
		if err != nil {
			slog.Warn("hwprobe: calibration failed", "err", err)
		} else {
			s.Calibration = res
		}
	}

	printSummary(os.Stdout, s)
	return s.Registry.WriteListing(os.Stdout, listingWidth(*width))
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "hwprobe: %v\n", err)
		os.Exit(1)
	}
}
