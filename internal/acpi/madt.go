package acpi

import (
	"encoding/binary"
	"fmt"
	"log/slog"
)

// MADT entry types.
const (
	madtLocalAPIC        = 0
	madtIOAPIC           = 1
	madtSourceOverride   = 2
	madtNMISource        = 3
	madtLocalAPICNMI     = 4
	madtLocalAPICAddress = 5
	madtLocalX2APIC      = 9
)

const madtEntriesOffset = headerSize + 8

// MADT flag bit 0: the system also has dual 8259 PICs.
const MADTPCATCompat = 1 << 0

// CPU is a processor Local APIC entry.
type CPU struct {
	ProcessorID uint32
	APICID      uint32
	Enabled     bool
}

// IOAPIC is an IO-APIC entry as firmware reports it. The redirection count
// is not part of the table; it is read from the controller.
type IOAPIC struct {
	ID      uint8
	Address uint32
	GSIBase uint32
}

// InterruptOverride maps a legacy ISA IRQ onto a GSI.
type InterruptOverride struct {
	Bus    uint8
	Source uint8
	GSI    uint32
	Flags  uint16
}

// Polarity values of MPS INTI flags bits 0-1.
const (
	PolarityConforms   = 0
	PolarityActiveHigh = 1
	PolarityActiveLow  = 3
)

// Trigger values of MPS INTI flags bits 2-3.
const (
	TriggerConforms = 0
	TriggerEdge     = 1
	TriggerLevel    = 3
)

// ActiveLow reports the effective polarity. A conforming ISA source is
// active high.
func (o InterruptOverride) ActiveLow() bool {
	return o.Flags&0x3 == PolarityActiveLow
}

// LevelTriggered reports the effective trigger mode. A conforming ISA
// source is edge triggered.
func (o InterruptOverride) LevelTriggered() bool {
	return (o.Flags>>2)&0x3 == TriggerLevel
}

// LocalAPICNMI describes which LINT pin carries NMI for a processor.
type LocalAPICNMI struct {
	ProcessorID uint8
	Flags       uint16
	LINT        uint8
}

type madtInfo struct {
	lapicBase uint64
	flags     uint32
	cpus      []CPU
	ioapics   []IOAPIC
	isos      []InterruptOverride
	nmis      []LocalAPICNMI
}

// parseMADT walks the variable-length sub-entries. A zero-length entry or
// one that runs past the table ends the walk.
func parseMADT(t Table) madtInfo {
	info := madtInfo{
		lapicBase: uint64(t.u32(headerSize)),
		flags:     t.u32(headerSize + 4),
	}

	data := t.Data
	for off := madtEntriesOffset; off+2 <= len(data); {
		typ, length := data[off], int(data[off+1])
		if length == 0 {
			slog.Warn("acpi: MADT entry with zero length, stopping walk", "offset", off)
			break
		}
		if off+length > len(data) {
			slog.Warn("acpi: MADT entry overruns table, stopping walk", "offset", off, "length", length)
			break
		}
		e := data[off : off+length]

		switch typ {
		case madtLocalAPIC:
			if length >= 8 {
				info.cpus = append(info.cpus, CPU{
					ProcessorID: uint32(e[2]),
					APICID:      uint32(e[3]),
					Enabled:     binary.LittleEndian.Uint32(e[4:8])&1 != 0,
				})
			}
		case madtLocalX2APIC:
			if length >= 16 {
				info.cpus = append(info.cpus, CPU{
					ProcessorID: binary.LittleEndian.Uint32(e[12:16]),
					APICID:      binary.LittleEndian.Uint32(e[4:8]),
					Enabled:     binary.LittleEndian.Uint32(e[8:12])&1 != 0,
				})
			}
		case madtIOAPIC:
			if length >= 12 {
				info.ioapics = append(info.ioapics, IOAPIC{
					ID:      e[2],
					Address: binary.LittleEndian.Uint32(e[4:8]),
					GSIBase: binary.LittleEndian.Uint32(e[8:12]),
				})
			}
		case madtSourceOverride:
			if length >= 10 {
				info.isos = append(info.isos, InterruptOverride{
					Bus:    e[2],
					Source: e[3],
					GSI:    binary.LittleEndian.Uint32(e[4:8]),
					Flags:  binary.LittleEndian.Uint16(e[8:10]),
				})
			}
		case madtLocalAPICNMI:
			if length >= 6 {
				info.nmis = append(info.nmis, LocalAPICNMI{
					ProcessorID: e[2],
					Flags:       binary.LittleEndian.Uint16(e[3:5]),
					LINT:        e[5],
				})
			}
		case madtLocalAPICAddress:
			if length >= 12 {
				info.lapicBase = binary.LittleEndian.Uint64(e[4:12])
			}
		default:
			slog.Debug("acpi: skipping MADT entry", "type", typ, "length", length)
		}
		off += length
	}
	return info
}

func (i IOAPIC) String() string {
	return fmt.Sprintf("ioapic id=%d addr=%#x gsi_base=%d", i.ID, i.Address, i.GSIBase)
}
