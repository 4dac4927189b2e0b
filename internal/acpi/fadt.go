package acpi

// FADT is the subset of the Fixed ACPI Description Table the core uses.
type FADT struct {
	Revision uint8

	FirmwareControl uint32
	DSDT            uint32
	SCIInterrupt    uint16
	SMICommand      uint32
	ACPIEnable      uint8
	ACPIDisable     uint8

	PM1aEventBlock   uint32
	PM1bEventBlock   uint32
	PM1aControlBlock uint32
	PM1bControlBlock uint32
	PMTimerBlock     uint32
	PM1ControlLength uint8

	BootArchFlags uint16
	Flags         uint32

	XFirmwareControl uint64
	XDSDT            uint64
}

// IA-PC boot architecture flags.
const (
	BootArchLegacyDevices = 1 << 0
	BootArch8042          = 1 << 1
	BootArchNoVGA         = 1 << 2
	BootArchMSINotSupp    = 1 << 3
)

// FADT feature flags.
const (
	FADTFlagHardwareReduced = 1 << 20
)

// SCI_EN is bit 0 of the PM1 control register.
const sciEnable = 1 << 0

// MSIDisabled reports whether firmware forbids MSI on this platform.
func (f FADT) MSIDisabled() bool {
	return f.BootArchFlags&BootArchMSINotSupp != 0
}

// HasLegacyPIC reports whether firmware declares legacy ISA devices.
func (f FADT) HasLegacyPIC() bool {
	return f.BootArchFlags&BootArchLegacyDevices != 0
}

func parseFADT(t Table) FADT {
	f := FADT{
		Revision:         t.Revision,
		FirmwareControl:  t.u32(36),
		DSDT:             t.u32(40),
		SCIInterrupt:     t.u16(46),
		SMICommand:       t.u32(48),
		ACPIEnable:       t.u8(52),
		ACPIDisable:      t.u8(53),
		PM1aEventBlock:   t.u32(56),
		PM1bEventBlock:   t.u32(60),
		PM1aControlBlock: t.u32(64),
		PM1bControlBlock: t.u32(68),
		PMTimerBlock:     t.u32(76),
		PM1ControlLength: t.u8(89),
		BootArchFlags:    t.u16(109),
		Flags:            t.u32(112),
	}
	if t.Revision >= 2 {
		f.XFirmwareControl = t.u64(132)
		f.XDSDT = t.u64(140)
	}
	return f
}
