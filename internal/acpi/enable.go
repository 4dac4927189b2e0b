package acpi

import (
	"fmt"
	"log/slog"
)

// EnableStatus is the outcome of switching the platform into ACPI mode.
type EnableStatus uint8

const (
	EnableNotAttempted EnableStatus = iota
	EnableAlreadyActive
	EnableConfirmed
	EnableTimedOut
)

func (s EnableStatus) String() string {
	switch s {
	case EnableNotAttempted:
		return "not attempted"
	case EnableAlreadyActive:
		return "already active"
	case EnableConfirmed:
		return "enabled"
	case EnableTimedOut:
		return "timed out"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// enableACPI performs the SMI handshake: the disable code, then the enable
// code, are written to the SMI command port and SCI_EN is polled a bounded
// number of times. A timeout is logged and otherwise ignored.
func (c *Catalog) enableACPI(f FADT) EnableStatus {
	if c.ports == nil {
		return EnableNotAttempted
	}
	if f.Flags&FADTFlagHardwareReduced != 0 {
		slog.Info("acpi: hardware-reduced platform, no enable handshake")
		return EnableNotAttempted
	}
	if f.SMICommand == 0 || f.ACPIEnable == 0 || f.SMICommand > 0xFFFF {
		slog.Info("acpi: no SMI command port, assuming ACPI mode")
		return EnableNotAttempted
	}
	pm1a := uint16(f.PM1aControlBlock)
	if pm1a != 0 && c.ports.In16(pm1a)&sciEnable != 0 {
		slog.Info("acpi: SCI_EN already set")
		return EnableAlreadyActive
	}

	smi := uint16(f.SMICommand)
	c.ports.Out8(smi, f.ACPIDisable)
	c.ports.Out8(smi, f.ACPIEnable)

	if pm1a == 0 {
		slog.Warn("acpi: no PM1a control block, enable unconfirmed")
		return EnableTimedOut
	}
	for i := 0; i < c.enablePollLimit; i++ {
		if c.ports.In16(pm1a)&sciEnable != 0 {
			slog.Info("acpi: enabled", "polls", i+1)
			return EnableConfirmed
		}
	}
	slog.Warn("acpi: SCI_EN did not latch, continuing without confirmation", "polls", c.enablePollLimit)
	return EnableTimedOut
}
