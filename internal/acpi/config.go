package acpi

// Config describes the firmware tables Build lays out for an emulated
// machine. All addresses are physical.
type Config struct {
	// TablesBase is where the RSDT/XSDT and description tables go.
	TablesBase uint64
	// RSDPBase must fall in one of the legacy scan windows.
	RSDPBase uint64
	// Revision 0 or 1 emits an RSDT; 2 and later an XSDT.
	Revision uint8

	CPUs      []CPU
	LAPICBase uint32

	IOAPICs []IOAPICConfig

	// ISAOverrides emits MADT interrupt source overrides for legacy ISA IRQs.
	ISAOverrides []InterruptOverride

	HPET *HPETConfig

	// ECAM emits an MCFG table when non-empty.
	ECAM []ECAMAllocation

	FADT *FADTConfig

	OEM OEMInfo
}

// IOAPICConfig describes one IO-APIC entry emitted into the MADT.
type IOAPICConfig struct {
	ID      uint8
	Address uint32
	GSIBase uint32
}

// HPETConfig describes the optional HPET table.
type HPETConfig struct {
	Address     uint64
	VendorID    uint16
	Comparators uint8
	MinimumTick uint16
}

// FADTConfig holds the FADT fields the core consumes.
type FADTConfig struct {
	SCIInterrupt   uint16
	SMICommand     uint32
	ACPIEnable     uint8
	ACPIDisable    uint8
	PM1aEventBlock uint32
	PM1aControl    uint32
	PMTimerBlock   uint32
	BootArchFlags  uint16
	Flags          uint32
}

// OEMInfo mirrors the table header OEM fields.
type OEMInfo struct {
	OEMID           [6]byte
	OEMTableID      [8]byte
	OEMRevision     uint32
	CreatorID       [4]byte
	CreatorRevision uint32
}

// DefaultOEMInfo returns the header metadata used for generated tables.
func DefaultOEMInfo() OEMInfo {
	return OEMInfo{
		OEMID:           [6]byte{'H', 'W', 'C', 'O', 'R', 'E'},
		OEMTableID:      [8]byte{'H', 'W', 'C', 'O', 'R', 'E', 'P', 'C'},
		OEMRevision:     1,
		CreatorID:       [4]byte{'H', 'W', 'C', 'R'},
		CreatorRevision: 1,
	}
}

const (
	defaultTablesBase = 0x000F1000
	defaultRSDPBase   = 0x000E0000
	defaultLAPICBase  = 0xFEE00000
	defaultIOAPICBase = 0xFEC00000
)

func (c *Config) normalize() {
	if c.TablesBase == 0 {
		c.TablesBase = defaultTablesBase
	}
	if c.RSDPBase == 0 {
		c.RSDPBase = defaultRSDPBase
	}
	if len(c.CPUs) == 0 {
		c.CPUs = []CPU{{ProcessorID: 0, APICID: 0, Enabled: true}}
	}
	if c.OEM == (OEMInfo{}) {
		c.OEM = DefaultOEMInfo()
	}
}
