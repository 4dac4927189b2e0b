// Package acpi reads the firmware description tables and keeps the hardware
// topology they describe. It also builds table images for emulated machines.
package acpi

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	headerSize = 36

	rsdpV1Size = 20
	rsdpV2Size = 36

	// Tables larger than this are treated as corrupt.
	maxTableLength = 1 << 20
)

var (
	ErrNoRootPointer = errors.New("acpi: root pointer not found")
	ErrChecksum      = errors.New("acpi: checksum mismatch")
	ErrBadSignature  = errors.New("acpi: unexpected signature")
	ErrBadLength     = errors.New("acpi: implausible table length")
)

// Signatures of the tables the catalog understands.
var (
	SigRSDT = sig("RSDT")
	SigXSDT = sig("XSDT")
	SigFACP = sig("FACP")
	SigMADT = sig("APIC")
	SigHPET = sig("HPET")
	SigMCFG = sig("MCFG")
	SigDSDT = sig("DSDT")
)

var rsdpSignature = [8]byte{'R', 'S', 'D', ' ', 'P', 'T', 'R', ' '}

// Header is the common 36-byte description header.
type Header struct {
	Signature       [4]byte
	Length          uint32
	Revision        uint8
	Checksum        uint8
	OEMID           [6]byte
	OEMTableID      [8]byte
	OEMRevision     uint32
	CreatorID       [4]byte
	CreatorRevision uint32
}

func parseHeader(b []byte) (Header, error) {
	if len(b) < headerSize {
		return Header{}, fmt.Errorf("acpi: header needs %d bytes, have %d", headerSize, len(b))
	}
	var h Header
	copy(h.Signature[:], b[0:4])
	h.Length = binary.LittleEndian.Uint32(b[4:8])
	h.Revision = b[8]
	h.Checksum = b[9]
	copy(h.OEMID[:], b[10:16])
	copy(h.OEMTableID[:], b[16:24])
	h.OEMRevision = binary.LittleEndian.Uint32(b[24:28])
	copy(h.CreatorID[:], b[28:32])
	h.CreatorRevision = binary.LittleEndian.Uint32(b[32:36])
	return h, nil
}

// SignatureString returns the signature as text.
func (h Header) SignatureString() string { return string(h.Signature[:]) }

// ChecksumValid reports whether the first length bytes of table sum to zero.
// A table shorter than its declared length is never valid.
func ChecksumValid(table []byte) bool {
	if len(table) < headerSize {
		return false
	}
	length := binary.LittleEndian.Uint32(table[4:8])
	if length < headerSize || uint64(length) > uint64(len(table)) {
		return false
	}
	return sum(table[:length]) == 0
}

func sum(b []byte) uint8 {
	var s uint8
	for _, v := range b {
		s += v
	}
	return s
}

// Table is a checksum-valid description table.
type Table struct {
	Header
	// Address is the physical address of the table.
	Address uint64
	// Data holds the whole table, header included.
	Data []byte
}

// u8, u16, u32 and u64 read little-endian fields at byte offsets into the
// table and return zero for fields past the end of a short table.
func (t Table) u8(off int) uint8 {
	if off+1 > len(t.Data) {
		return 0
	}
	return t.Data[off]
}

func (t Table) u16(off int) uint16 {
	if off+2 > len(t.Data) {
		return 0
	}
	return binary.LittleEndian.Uint16(t.Data[off:])
}

func (t Table) u32(off int) uint32 {
	if off+4 > len(t.Data) {
		return 0
	}
	return binary.LittleEndian.Uint32(t.Data[off:])
}

func (t Table) u64(off int) uint64 {
	if off+8 > len(t.Data) {
		return 0
	}
	return binary.LittleEndian.Uint64(t.Data[off:])
}

// RootPointer is the RSDP.
type RootPointer struct {
	Checksum    uint8
	OEMID       [6]byte
	Revision    uint8
	RSDTAddress uint32
	Length      uint32
	XSDTAddress uint64

	// Address is the physical address the structure was found at.
	Address uint64
	// ExtendedChecksumValid is only meaningful for revision 2 and later.
	ExtendedChecksumValid bool
}

// TableAddress returns the XSDT address for revision 2 and later, otherwise
// the RSDT address.
func (r RootPointer) TableAddress() uint64 {
	if r.Revision >= 2 {
		return r.XSDTAddress
	}
	return uint64(r.RSDTAddress)
}

// parseRootPointer decodes an RSDP candidate. b must hold at least 20 bytes;
// the extended fields are decoded when 36 are available.
func parseRootPointer(b []byte) (RootPointer, bool) {
	if len(b) < rsdpV1Size || [8]byte(b[0:8]) != rsdpSignature {
		return RootPointer{}, false
	}
	if sum(b[:rsdpV1Size]) != 0 {
		return RootPointer{}, false
	}
	rp := RootPointer{
		Checksum:    b[8],
		Revision:    b[15],
		RSDTAddress: binary.LittleEndian.Uint32(b[16:20]),
	}
	copy(rp.OEMID[:], b[9:15])
	if rp.Revision >= 2 && len(b) >= rsdpV2Size {
		rp.Length = binary.LittleEndian.Uint32(b[20:24])
		rp.XSDTAddress = binary.LittleEndian.Uint64(b[24:32])
		n := int(rp.Length)
		if n < rsdpV2Size || n > len(b) {
			n = rsdpV2Size
		}
		rp.ExtendedChecksumValid = sum(b[:n]) == 0
	}
	return rp, true
}

// GenericAddress is the ACPI Generic Address Structure.
type GenericAddress struct {
	SpaceID    uint8
	BitWidth   uint8
	BitOffset  uint8
	AccessSize uint8
	Address    uint64
}

func (t Table) gas(off int) GenericAddress {
	return GenericAddress{
		SpaceID:    t.u8(off),
		BitWidth:   t.u8(off + 1),
		BitOffset:  t.u8(off + 2),
		AccessSize: t.u8(off + 3),
		Address:    t.u64(off + 4),
	}
}

func sig(name string) [4]byte {
	var out [4]byte
	copy(out[:], name)
	return out
}
