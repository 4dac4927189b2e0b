package acpi

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/tinyrange/hwcore/internal/device"
	"github.com/tinyrange/hwcore/internal/hal"
)

// Registrar receives placeholder descriptors for firmware-described hardware.
type Registrar interface {
	MergeOrRegister(desc device.Descriptor) device.ID
}

// Firmware-described hardware has no PCI identity. These device ids, under
// vendor 0, keep each kind in its own registry entry.
const (
	PlaceholderLocalAPIC uint16 = 0xAC01
	PlaceholderIOAPIC    uint16 = 0xAC02
	PlaceholderOverrides uint16 = 0xAC03
	PlaceholderHPET      uint16 = 0xAC04
	PlaceholderECAM      uint16 = 0xAC05
	PlaceholderPM        uint16 = 0xAC06
)

const defaultEnablePollLimit = 10_000

// Option configures a Catalog.
type Option func(*Catalog)

// WithEnablePollLimit bounds the SCI_EN poll of the ACPI enable handshake.
func WithEnablePollLimit(n int) Option {
	return func(c *Catalog) {
		if n > 0 {
			c.enablePollLimit = n
		}
	}
}

// Catalog holds the topology extracted from the description tables. All
// getters return copies and are safe for concurrent use. Interrupt handlers
// must not call into the catalog.
type Catalog struct {
	mem       hal.Memory
	ports     hal.PortIO
	registrar Registrar

	enablePollLimit int

	mu         sync.Mutex
	discovered bool
	root       RootPointer
	tables     []string
	lapicBase  uint64
	haveLAPIC  bool
	madtFlags  uint32
	cpus       []CPU
	ioapics    []IOAPIC
	isos       []InterruptOverride
	nmis       []LocalAPICNMI
	hpet       HPET
	haveHPET   bool
	ecam       []ECAMAllocation
	fadt       FADT
	haveFADT   bool
	enable     EnableStatus
}

// NewCatalog returns an empty catalog. ports may be nil, in which case the
// ACPI enable handshake is skipped. registrar may be nil.
func NewCatalog(mem hal.Memory, ports hal.PortIO, registrar Registrar, opts ...Option) *Catalog {
	c := &Catalog{
		mem:             mem,
		ports:           ports,
		registrar:       registrar,
		enablePollLimit: defaultEnablePollLimit,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Discover locates the root pointer and processes every valid table.
// Running it again replaces the previous results.
func (c *Catalog) Discover(physOffset uint64) error {
	reader := NewReader(c.mem, physOffset)
	root, ok := reader.FindRootPointer()
	if !ok {
		slog.Warn("acpi: root pointer not found, ACPI unavailable")
		return ErrNoRootPointer
	}
	slog.Info("acpi: found root pointer",
		"addr", fmt.Sprintf("%#x", root.Address),
		"revision", root.Revision,
		"table", fmt.Sprintf("%#x", root.TableAddress()))

	if _, err := reader.RootTable(root); err != nil {
		return fmt.Errorf("acpi: discover: %w", err)
	}

	c.mu.Lock()
	c.resetLocked()
	c.root = root
	c.discovered = true
	c.mu.Unlock()

	for t := range reader.Tables(root) {
		slog.Info("acpi: table", "signature", t.SignatureString(), "addr", fmt.Sprintf("%#x", t.Address), "length", t.Length)
		c.mu.Lock()
		c.tables = append(c.tables, t.SignatureString())
		c.mu.Unlock()

		switch t.Signature {
		case SigFACP:
			c.handleFADT(t)
		case SigMADT:
			c.handleMADT(t)
		case SigHPET:
			c.handleHPET(t, physOffset)
		case SigMCFG:
			c.handleMCFG(t)
		}
	}
	return nil
}

func (c *Catalog) resetLocked() {
	c.tables = nil
	c.lapicBase, c.haveLAPIC, c.madtFlags = 0, false, 0
	c.cpus, c.ioapics, c.isos, c.nmis = nil, nil, nil, nil
	c.hpet, c.haveHPET = HPET{}, false
	c.ecam = nil
	c.fadt, c.haveFADT = FADT{}, false
	c.enable = EnableNotAttempted
}

func (c *Catalog) handleFADT(t Table) {
	f := parseFADT(t)
	slog.Info("acpi: FADT",
		"sci", f.SCIInterrupt,
		"smi_cmd", fmt.Sprintf("%#x", f.SMICommand),
		"pm1a_cnt", fmt.Sprintf("%#x", f.PM1aControlBlock),
		"boot_arch", fmt.Sprintf("%#x", f.BootArchFlags))

	status := c.enableACPI(f)

	c.mu.Lock()
	c.fadt, c.haveFADT = f, true
	c.enable = status
	c.mu.Unlock()

	if f.PM1aControlBlock != 0 {
		c.register(device.Descriptor{
			DeviceID: PlaceholderPM,
			Class:    0x08,
			Subclass: 0x80,
			Resources: []device.Resource{
				device.IO{Addr: uint64(f.PM1aEventBlock), Len: 4},
				device.IO{Addr: uint64(f.PM1aControlBlock), Len: uint64(max(f.PM1ControlLength, 2))},
				device.Interrupt{Vector: uint8(f.SCIInterrupt)},
			},
			Description: "ACPI PM1 block",
		})
	}
}

func (c *Catalog) handleMADT(t Table) {
	info := parseMADT(t)

	c.mu.Lock()
	if info.lapicBase != 0 {
		c.lapicBase, c.haveLAPIC = info.lapicBase, true
	}
	c.madtFlags = info.flags
	c.cpus = append(c.cpus, info.cpus...)
	c.ioapics = append(c.ioapics, info.ioapics...)
	c.isos = append(c.isos, info.isos...)
	c.nmis = append(c.nmis, info.nmis...)
	c.mu.Unlock()

	slog.Info("acpi: MADT",
		"lapic", fmt.Sprintf("%#x", info.lapicBase),
		"cpus", len(info.cpus),
		"ioapics", len(info.ioapics),
		"overrides", len(info.isos))

	if info.lapicBase != 0 {
		c.register(device.Descriptor{
			DeviceID:    PlaceholderLocalAPIC,
			Class:       0x08,
			Subclass:    0x80,
			Resources:   []device.Resource{device.MemoryMapped{Addr: info.lapicBase, Len: 0x1000}},
			Description: "ACPI Local APIC",
		})
	}
	for _, io := range info.ioapics {
		slog.Info("acpi: IO-APIC", "id", io.ID, "addr", fmt.Sprintf("%#x", io.Address), "gsi_base", io.GSIBase)
		c.register(device.Descriptor{
			DeviceID:    PlaceholderIOAPIC,
			Class:       0x08,
			Subclass:    0x00,
			ProgIF:      0x20,
			Resources:   []device.Resource{device.MemoryMapped{Addr: uint64(io.Address), Len: 0x20}},
			Description: fmt.Sprintf("ACPI IOAPIC id=%d", io.ID),
		})
	}
	if len(info.isos) > 0 {
		desc := device.Descriptor{
			DeviceID:    PlaceholderOverrides,
			Class:       0x08,
			Subclass:    0x80,
			Description: "ACPI interrupt source overrides",
		}
		for _, iso := range info.isos {
			slog.Info("acpi: interrupt override", "irq", iso.Source, "gsi", iso.GSI, "flags", fmt.Sprintf("%#x", iso.Flags))
			desc.Resources = append(desc.Resources, device.Interrupt{Vector: iso.Source})
		}
		c.register(desc)
	}
}

func (c *Catalog) handleHPET(t Table, physOffset uint64) {
	h := parseHPET(t)
	h.readPeriod(c.mem, physOffset)

	c.mu.Lock()
	c.hpet, c.haveHPET = h, true
	c.mu.Unlock()

	slog.Info("acpi: HPET",
		"base", fmt.Sprintf("%#x", h.Base()),
		"period_fs", h.PeriodFS,
		"comparators", h.Comparators,
		"low_memory", h.UsableWithoutMapping())

	c.register(device.Descriptor{
		DeviceID:    PlaceholderHPET,
		Class:       0x08,
		Subclass:    0x80,
		Resources:   []device.Resource{device.MemoryMapped{Addr: h.Base(), Len: HPETWindowSize}},
		Description: fmt.Sprintf("ACPI HPET %d", h.Number),
	})
}

func (c *Catalog) handleMCFG(t Table) {
	allocs := parseMCFG(t)

	c.mu.Lock()
	c.ecam = append(c.ecam, allocs...)
	c.mu.Unlock()

	for _, a := range allocs {
		slog.Info("acpi: ECAM window",
			"base", fmt.Sprintf("%#x", a.BaseAddress),
			"segment", a.Segment,
			"buses", fmt.Sprintf("%d-%d", a.StartBus, a.EndBus))
		c.register(device.Descriptor{
			DeviceID:    PlaceholderECAM,
			Class:       0x06,
			Subclass:    0x00,
			Resources:   []device.Resource{device.MemoryMapped{Addr: a.BaseAddress, Len: a.Size()}},
			Description: fmt.Sprintf("ACPI ECAM seg=%d bus=%d-%d", a.Segment, a.StartBus, a.EndBus),
		})
	}
}

func (c *Catalog) register(desc device.Descriptor) {
	if c.registrar == nil {
		return
	}
	c.registrar.MergeOrRegister(desc)
}

// Discovered reports whether a root pointer was found.
func (c *Catalog) Discovered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.discovered
}

// RootPointer returns the root pointer found by Discover.
func (c *Catalog) RootPointer() (RootPointer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.root, c.discovered
}

// Tables returns the signatures of all valid tables in walk order.
func (c *Catalog) Tables() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.tables)
}

// LocalAPICAddress returns the physical Local APIC base, if known.
func (c *Catalog) LocalAPICAddress() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lapicBase, c.haveLAPIC
}

// MADTFlags returns the MADT flags field.
func (c *Catalog) MADTFlags() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.madtFlags
}

// CPUs returns the processor entries.
func (c *Catalog) CPUs() []CPU {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.cpus)
}

// IOAPICs returns the IO-APIC entries.
func (c *Catalog) IOAPICs() []IOAPIC {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.ioapics)
}

// ISOs returns the interrupt source overrides.
func (c *Catalog) ISOs() []InterruptOverride {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.isos)
}

// LocalAPICNMIs returns the LINT NMI assignments.
func (c *Catalog) LocalAPICNMIs() []LocalAPICNMI {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.nmis)
}

// HPET returns the event timer description, if present.
func (c *Catalog) HPET() (HPET, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hpet, c.haveHPET
}

// ECAM returns the PCI Express configuration windows.
func (c *Catalog) ECAM() []ECAMAllocation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.ecam)
}

// FADT returns the fixed description table fields, if present.
func (c *Catalog) FADT() (FADT, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fadt, c.haveFADT
}

// EnableStatus returns the outcome of the ACPI enable handshake.
func (c *Catalog) EnableStatus() EnableStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enable
}
