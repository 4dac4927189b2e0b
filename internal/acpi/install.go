package acpi

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/hwcore/internal/hal"
)

// Image is a laid-out set of firmware tables.
type Image struct {
	TablesBase uint64
	Tables     []byte
	RSDPBase   uint64
	RSDP       []byte
}

// Build lays out the tables described by cfg.
func Build(cfg Config) (Image, error) {
	cfg.normalize()

	if cfg.RSDPBase&0xF != 0 {
		return Image{}, fmt.Errorf("acpi: RSDP base 0x%x is not 16-byte aligned", cfg.RSDPBase)
	}

	writer := newTableWriter(cfg.TablesBase, cfg.OEM)
	var entries []uint64

	if cfg.FADT != nil {
		dsdt := writer.Append(tableParams{
			Signature:  SigDSDT,
			Revision:   2,
			OEMTableID: tableID("HWCDSDT"),
		})
		entries = append(entries, writer.Append(tableParams{
			Signature:  SigFACP,
			Revision:   5,
			OEMTableID: tableID("HWCFACP"),
			Body:       buildFADTBody(cfg.FADT, dsdt),
		}))
	}

	entries = append(entries, writer.Append(tableParams{
		Signature:  SigMADT,
		Revision:   3,
		OEMTableID: tableID("HWCAPIC"),
		Body:       buildMADTBody(cfg),
	}))

	if cfg.HPET != nil {
		entries = append(entries, writer.Append(tableParams{
			Signature:  SigHPET,
			Revision:   1,
			OEMTableID: tableID("HWCHPET"),
			Body:       buildHPETBody(cfg.HPET),
		}))
	}

	if len(cfg.ECAM) > 0 {
		entries = append(entries, writer.Append(tableParams{
			Signature:  SigMCFG,
			Revision:   1,
			OEMTableID: tableID("HWCMCFG"),
			Body:       buildMCFGBody(cfg.ECAM),
		}))
	}

	var rootAddr uint64
	if cfg.Revision >= 2 {
		rootAddr = writer.Append(tableParams{
			Signature:  SigXSDT,
			Revision:   1,
			OEMTableID: tableID("HWCXSDT"),
			Body:       buildRootBody(entries, 8),
		})
	} else {
		rootAddr = writer.Append(tableParams{
			Signature:  SigRSDT,
			Revision:   1,
			OEMTableID: tableID("HWCRSDT"),
			Body:       buildRootBody(entries, 4),
		})
	}

	return Image{
		TablesBase: cfg.TablesBase,
		Tables:     writer.Bytes(),
		RSDPBase:   cfg.RSDPBase,
		RSDP:       buildRSDP(rootAddr, cfg.Revision, cfg.OEM),
	}, nil
}

// Install builds the tables and writes them into mem at physOffset.
func Install(mem hal.Memory, physOffset uint64, cfg Config) (Image, error) {
	img, err := Build(cfg)
	if err != nil {
		return Image{}, err
	}
	if _, err := mem.WriteAt(img.Tables, int64(img.TablesBase+physOffset)); err != nil {
		return Image{}, fmt.Errorf("acpi: write tables: %w", err)
	}
	if _, err := mem.WriteAt(img.RSDP, int64(img.RSDPBase+physOffset)); err != nil {
		return Image{}, fmt.Errorf("acpi: write RSDP: %w", err)
	}
	return img, nil
}

func buildMADTBody(cfg Config) []byte {
	buf := &bytes.Buffer{}

	binary.Write(buf, binary.LittleEndian, cfg.LAPICBase)
	binary.Write(buf, binary.LittleEndian, uint32(MADTPCATCompat))

	for _, cpu := range cfg.CPUs {
		flags := uint32(0)
		if cpu.Enabled {
			flags = 1
		}
		buf.WriteByte(madtLocalAPIC)
		buf.WriteByte(8)
		buf.WriteByte(uint8(cpu.ProcessorID))
		buf.WriteByte(uint8(cpu.APICID))
		binary.Write(buf, binary.LittleEndian, flags)
	}

	for _, io := range cfg.IOAPICs {
		buf.WriteByte(madtIOAPIC)
		buf.WriteByte(12)
		buf.WriteByte(io.ID)
		buf.WriteByte(0)
		binary.Write(buf, binary.LittleEndian, io.Address)
		binary.Write(buf, binary.LittleEndian, io.GSIBase)
	}

	for _, ovr := range cfg.ISAOverrides {
		buf.WriteByte(madtSourceOverride)
		buf.WriteByte(10)
		buf.WriteByte(ovr.Bus)
		buf.WriteByte(ovr.Source)
		binary.Write(buf, binary.LittleEndian, ovr.GSI)
		binary.Write(buf, binary.LittleEndian, ovr.Flags)
	}

	// LINT1 carries NMI on every processor.
	buf.Write([]byte{madtLocalAPICNMI, 6, 0xFF, 0x05, 0x00, 0x01})

	return buf.Bytes()
}

func buildHPETBody(cfg *HPETConfig) []byte {
	buf := &bytes.Buffer{}

	comparators := cfg.Comparators
	if comparators == 0 {
		comparators = 3
	}
	vendor := cfg.VendorID
	if vendor == 0 {
		vendor = 0x8086
	}
	minTick := cfg.MinimumTick
	if minTick == 0 {
		minTick = 0x0080
	}

	blockID := uint32(1) | uint32(comparators-1)<<8 | 1<<13 | 1<<15 | uint32(vendor)<<16
	binary.Write(buf, binary.LittleEndian, blockID)
	buf.WriteByte(0)  // system memory
	buf.WriteByte(64) // register bit width
	buf.WriteByte(0)
	buf.WriteByte(0)
	binary.Write(buf, binary.LittleEndian, cfg.Address)
	buf.WriteByte(0) // HPET number
	binary.Write(buf, binary.LittleEndian, minTick)
	buf.WriteByte(0) // page protection

	return buf.Bytes()
}

func buildMCFGBody(allocs []ECAMAllocation) []byte {
	buf := &bytes.Buffer{}
	buf.Write(make([]byte, 8))
	for _, a := range allocs {
		binary.Write(buf, binary.LittleEndian, a.BaseAddress)
		binary.Write(buf, binary.LittleEndian, a.Segment)
		buf.WriteByte(a.StartBus)
		buf.WriteByte(a.EndBus)
		buf.Write(make([]byte, 4))
	}
	return buf.Bytes()
}

func buildFADTBody(cfg *FADTConfig, dsdtAddr uint64) []byte {
	buf := &bytes.Buffer{}

	binary.Write(buf, binary.LittleEndian, uint32(0))        // FIRMWARE_CTRL
	binary.Write(buf, binary.LittleEndian, uint32(dsdtAddr)) // DSDT

	buf.WriteByte(0)                                         // Reserved
	buf.WriteByte(1)                                         // Preferred_PM_Profile (desktop)
	binary.Write(buf, binary.LittleEndian, cfg.SCIInterrupt) // SCI_INT
	binary.Write(buf, binary.LittleEndian, cfg.SMICommand)   // SMI_CMD
	buf.WriteByte(cfg.ACPIEnable)
	buf.WriteByte(cfg.ACPIDisable)
	buf.WriteByte(0) // S4BIOS_REQ
	buf.WriteByte(0) // PSTATE_CNT

	blocks := []uint32{
		cfg.PM1aEventBlock, 0, // PM1a_EVT, PM1b_EVT
		cfg.PM1aControl, 0, // PM1a_CNT, PM1b_CNT
		0,                // PM2_CNT
		cfg.PMTimerBlock, // PM_TMR
		0, 0,             // GPE0, GPE1
	}
	for _, b := range blocks {
		binary.Write(buf, binary.LittleEndian, b)
	}

	// PM1_EVT_LEN, PM1_CNT_LEN, PM2_CNT_LEN, PM_TMR_LEN, GPE0_LEN, GPE1_LEN
	buf.Write([]byte{4, 2, 0, 4, 0, 0})
	buf.WriteByte(0) // GPE1_BASE

	buf.WriteByte(0)                                  // CST_CNT
	binary.Write(buf, binary.LittleEndian, uint16(0)) // P_LVL2_LAT
	binary.Write(buf, binary.LittleEndian, uint16(0)) // P_LVL3_LAT
	binary.Write(buf, binary.LittleEndian, uint16(0)) // FLUSH_SIZE
	binary.Write(buf, binary.LittleEndian, uint16(0)) // FLUSH_STRIDE
	buf.WriteByte(0)                                  // DUTY_OFFSET
	buf.WriteByte(0)                                  // DUTY_WIDTH
	buf.WriteByte(0)                                  // DAY_ALRM
	buf.WriteByte(0)                                  // MON_ALRM
	buf.WriteByte(0)                                  // CENTURY

	binary.Write(buf, binary.LittleEndian, cfg.BootArchFlags)
	buf.WriteByte(0) // Reserved
	binary.Write(buf, binary.LittleEndian, cfg.Flags)

	buf.Write([]byte{1, 8, 0, 0}) // RESET_REG GAS
	binary.Write(buf, binary.LittleEndian, uint64(0xCF9))
	buf.WriteByte(6)                                  // RESET_VALUE
	binary.Write(buf, binary.LittleEndian, uint16(0)) // ARM_BOOT_ARCH
	buf.WriteByte(1)                                  // FADT Minor Version
	binary.Write(buf, binary.LittleEndian, uint64(0)) // X_FIRMWARE_CTRL
	binary.Write(buf, binary.LittleEndian, dsdtAddr)  // X_DSDT

	for buf.Len()+headerSize < 244 {
		buf.WriteByte(0)
	}

	return buf.Bytes()
}

func buildRootBody(entries []uint64, width int) []byte {
	buf := &bytes.Buffer{}
	for _, entry := range entries {
		if width == 8 {
			binary.Write(buf, binary.LittleEndian, entry)
		} else {
			binary.Write(buf, binary.LittleEndian, uint32(entry))
		}
	}
	return buf.Bytes()
}

func buildRSDP(rootAddr uint64, revision uint8, oem OEMInfo) []byte {
	if revision < 2 {
		rsdp := make([]byte, rsdpV1Size)
		copy(rsdp[0:], rsdpSignature[:])
		copy(rsdp[9:], oem.OEMID[:])
		rsdp[15] = 0
		binary.LittleEndian.PutUint32(rsdp[16:], uint32(rootAddr))
		rsdp[8] = checksum(rsdp)
		return rsdp
	}

	rsdp := make([]byte, rsdpV2Size)
	copy(rsdp[0:], rsdpSignature[:])
	copy(rsdp[9:], oem.OEMID[:])
	rsdp[15] = revision
	binary.LittleEndian.PutUint32(rsdp[16:], 0)
	binary.LittleEndian.PutUint32(rsdp[20:], uint32(len(rsdp)))
	binary.LittleEndian.PutUint64(rsdp[24:], rootAddr)

	rsdp[8] = checksum(rsdp[:rsdpV1Size])
	rsdp[32] = checksum(rsdp)
	return rsdp
}
