package machine

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/hwcore/internal/devices/amd64/serial"
	devpci "github.com/tinyrange/hwcore/internal/devices/pci"
)

// Hex is an address or size that accepts both plain and 0x-prefixed
// integers in YAML and is written back in hex.
type Hex uint64

// UnmarshalYAML implements yaml.Unmarshaler for Hex.
func (h *Hex) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", s, err)
	}
	*h = Hex(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Hex.
func (h Hex) MarshalYAML() (any, error) {
	return fmt.Sprintf("%#x", uint64(h)), nil
}

// Profile describes an emulated PC: its firmware tables and the devices
// behind them.
type Profile struct {
	Name string `yaml:"name"`

	// PhysOffset is where physical memory appears in the virtual address
	// space handed to the discovery code.
	PhysOffset Hex `yaml:"phys_offset"`
	MemorySize Hex `yaml:"memory_size"`

	// TSCHz is the emulated time stamp counter frequency.
	TSCHz uint64 `yaml:"tsc_hz"`
	// ClockStep is how far virtual time moves per timer read, in
	// femtoseconds.
	ClockStep uint64 `yaml:"clock_step_fs"`

	ACPI      ACPIProfile       `yaml:"acpi"`
	CPUs      []CPUProfile      `yaml:"cpus"`
	LAPIC     LAPICProfile      `yaml:"lapic"`
	IOAPICs   []IOAPICProfile   `yaml:"ioapics"`
	Overrides []OverrideProfile `yaml:"overrides"`
	HPET      *HPETProfile      `yaml:"hpet,omitempty"`
	PM        *PMProfile        `yaml:"pm,omitempty"`
	PCI       PCIProfile        `yaml:"pci"`
	Serial    []SerialProfile   `yaml:"serial"`
}

// ACPIProfile controls the generated firmware tables.
type ACPIProfile struct {
	// Disabled leaves memory without a root pointer.
	Disabled   bool  `yaml:"disabled"`
	Revision   uint8 `yaml:"revision"`
	TablesBase Hex   `yaml:"tables_base"`
	RSDPBase   Hex   `yaml:"rsdp_base"`
}

// CPUProfile is one processor local APIC entry.
type CPUProfile struct {
	ProcessorID uint32 `yaml:"processor_id"`
	APICID      uint32 `yaml:"apic_id"`
	Disabled    bool   `yaml:"disabled"`
}

// LAPICProfile places the local APIC.
type LAPICProfile struct {
	Base Hex `yaml:"base"`
	// Absent omits the local APIC from both the MADT and the bus.
	Absent bool `yaml:"absent"`
}

// IOAPICProfile is one IO-APIC.
type IOAPICProfile struct {
	ID      uint8  `yaml:"id"`
	Base    Hex    `yaml:"base"`
	GSIBase uint32 `yaml:"gsi_base"`
	Entries int    `yaml:"entries"`
	// Version replaces the version register contents when non-zero.
	Version Hex `yaml:"version"`
}

// OverrideProfile is a MADT interrupt source override.
type OverrideProfile struct {
	Source uint8  `yaml:"source"`
	GSI    uint32 `yaml:"gsi"`
	Flags  uint16 `yaml:"flags"`
}

// HPETProfile places the event timer block.
type HPETProfile struct {
	Base        Hex    `yaml:"base"`
	Period      uint32 `yaml:"period_fs"`
	Comparators uint8  `yaml:"comparators"`
}

// PMProfile describes the PM1 block and the SMI handler's behavior.
type PMProfile struct {
	SCI          uint16 `yaml:"sci"`
	EventBase    uint16 `yaml:"event_base"`
	ControlBase  uint16 `yaml:"control_base"`
	TimerBase    uint16 `yaml:"timer_base"`
	SMICommand   uint16 `yaml:"smi_command"`
	EnableCode   uint8  `yaml:"enable_code"`
	DisableCode  uint8  `yaml:"disable_code"`
	LatchAfter   int    `yaml:"latch_after"`
	NeverLatch   bool   `yaml:"never_latch"`
	StartEnabled bool   `yaml:"start_enabled"`
}

// SerialProfile places a 16550 UART on the ISA bus.
type SerialProfile struct {
	Port uint16 `yaml:"port"`
	IRQ  uint8  `yaml:"irq"`
}

// PCIProfile describes the PCI segment.
type PCIProfile struct {
	ECAM      *ECAMProfile  `yaml:"ecam,omitempty"`
	MMIOBase  Hex           `yaml:"mmio_base"`
	MMIOSize  Hex           `yaml:"mmio_size"`
	Functions []PCIFunction `yaml:"functions"`
}

// ECAMProfile is the enhanced configuration window.
type ECAMProfile struct {
	Base     Hex   `yaml:"base"`
	StartBus uint8 `yaml:"start_bus"`
	EndBus   uint8 `yaml:"end_bus"`
}

// PCIFunction places one emulated function.
type PCIFunction struct {
	Bus      uint8 `yaml:"bus"`
	Slot     uint8 `yaml:"slot"`
	Function uint8 `yaml:"function"`

	devpci.FunctionConfig `yaml:",inline"`
}

const (
	defaultPhysOffset = 0xFFFF800000000000
	defaultMemorySize = 256 << 20
	defaultTSCHz      = 2_400_000_000
	// 1us per timer read.
	defaultClockStep = 1_000_000_000

	defaultLAPICBase  = 0xFEE00000
	defaultIOAPICBase = 0xFEC00000
	defaultEntries    = 24
)

// LoadProfile loads a machine profile from a YAML file.
func LoadProfile(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("reading profile: %w", err)
	}
	return ParseProfile(data)
}

// ParseProfile decodes a YAML profile. Fields left out take the values of
// an empty Profile after normalization, not DefaultProfile.
func ParseProfile(data []byte) (Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("parsing profile: %w", err)
	}
	p.normalize()
	return p, nil
}

// Marshal encodes the profile as YAML.
func (p Profile) Marshal() ([]byte, error) {
	return yaml.Marshal(p)
}

func (p *Profile) normalize() {
	if p.PhysOffset == 0 {
		p.PhysOffset = defaultPhysOffset
	}
	if p.MemorySize == 0 {
		p.MemorySize = defaultMemorySize
	}
	if p.TSCHz == 0 {
		p.TSCHz = defaultTSCHz
	}
	if p.ClockStep == 0 {
		p.ClockStep = defaultClockStep
	}
	if len(p.CPUs) == 0 {
		p.CPUs = []CPUProfile{{ProcessorID: 0, APICID: 0}}
	}
	if p.LAPIC.Base == 0 {
		p.LAPIC.Base = defaultLAPICBase
	}
	for i := range p.IOAPICs {
		if p.IOAPICs[i].Base == 0 {
			p.IOAPICs[i].Base = Hex(defaultIOAPICBase + uint64(i)*0x1000)
		}
		if p.IOAPICs[i].Entries == 0 {
			p.IOAPICs[i].Entries = defaultEntries
		}
	}
	if p.HPET != nil && p.HPET.Comparators == 0 {
		p.HPET.Comparators = 3
	}
}

// BSP returns the APIC id of the first enabled processor.
func (p Profile) BSP() uint8 {
	for _, c := range p.CPUs {
		if !c.Disabled {
			return uint8(c.APICID)
		}
	}
	return 0
}

// DefaultProfile returns a single-socket machine with one IO-APIC, an HPET,
// an ECAM window and a handful of PCI functions, one of each capability
// kind.
func DefaultProfile() Profile {
	p := Profile{
		Name: "q35-like",
		ACPI: ACPIProfile{Revision: 2},
		CPUs: []CPUProfile{
			{ProcessorID: 0, APICID: 0},
			{ProcessorID: 1, APICID: 1},
		},
		IOAPICs: []IOAPICProfile{
			{ID: 1, Base: defaultIOAPICBase, GSIBase: 0, Entries: defaultEntries},
		},
		Overrides: []OverrideProfile{
			{Source: 0, GSI: 2, Flags: 0},
			{Source: 9, GSI: 9, Flags: 0x000F},
		},
		Serial: []SerialProfile{
			{Port: serial.COM1Base, IRQ: serial.COM1IRQ},
		},
		HPET: &HPETProfile{Base: 0xFED00000, Period: 10_000_000, Comparators: 3},
		PM: &PMProfile{
			SCI:         9,
			EventBase:   0x600,
			ControlBase: 0x604,
			TimerBase:   0x608,
			SMICommand:  0xB2,
			EnableCode:  0xF1,
			DisableCode: 0xF0,
			LatchAfter:  3,
		},
		PCI: PCIProfile{
			ECAM: &ECAMProfile{Base: 0xB0000000, StartBus: 0, EndBus: 0},
			Functions: []PCIFunction{
				{
					Slot: 0,
					FunctionConfig: devpci.FunctionConfig{
						VendorID: 0x8086, DeviceID: 0x29C0,
						Class: 0x06, Subclass: 0x00,
					},
				},
				{
					Slot: 2,
					FunctionConfig: devpci.FunctionConfig{
						VendorID: 0x8086, DeviceID: 0x10D3,
						Class: 0x02, Subclass: 0x00,
						BARs: []devpci.BARConfig{
							{Size: 0x20000},
							{Size: 0x20, IO: true},
							{Size: 0x4000},
						},
						InterruptLine: 11,
						InterruptPin:  1,
						Capabilities: []devpci.CapabilityConfig{
							{Kind: devpci.CapabilityPM, PMCap: 0xC823},
							{Kind: devpci.CapabilityMSI, Vectors: 1, Addr64: true},
							{Kind: devpci.CapabilityPCIe, DeviceCap: 0x8CC1},
							{Kind: devpci.CapabilityMSIX, TableBAR: 2, TableOffset: 0, TableSize: 5, MaskFirst: true},
						},
					},
				},
				{
					Slot: 3,
					FunctionConfig: devpci.FunctionConfig{
						VendorID: 0x1AF4, DeviceID: 0x1041,
						Class: 0x02, Subclass: 0x00,
						BARs: []devpci.BARConfig{
							{Size: 0x1000},
							{Size: 0x4000},
							{},
							{},
							{Size: 0x4000, Mem64: true, Prefetchable: true},
						},
						InterruptLine: 10,
						InterruptPin:  1,
						Capabilities: []devpci.CapabilityConfig{
							{Kind: devpci.CapabilityMSIX, TableBAR: 1, TableSize: 3},
							{Kind: devpci.CapabilityVendor, Data: []byte{0x01, 0x00, 0x04, 0x00}},
						},
					},
				},
				{
					Slot: 0x1F, Function: 0,
					FunctionConfig: devpci.FunctionConfig{
						VendorID: 0x8086, DeviceID: 0x2918,
						Class: 0x06, Subclass: 0x01,
						MultiFunction: true,
					},
				},
				{
					Slot: 0x1F, Function: 2,
					FunctionConfig: devpci.FunctionConfig{
						VendorID: 0x8086, DeviceID: 0x2922,
						Class: 0x01, Subclass: 0x06, ProgIF: 0x01,
						BARs: []devpci.BARConfig{
							{Size: 0x10, IO: true},
							{}, {}, {}, {},
							{Size: 0x1000},
						},
						InterruptLine: 10,
						InterruptPin:  1,
						Capabilities: []devpci.CapabilityConfig{
							{Kind: devpci.CapabilityMSI, Vectors: 1},
						},
					},
				},
			},
		},
	}
	p.normalize()
	return p
}
