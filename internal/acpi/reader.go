package acpi

import (
	"encoding/binary"
	"fmt"
	"iter"
	"log/slog"

	"github.com/tinyrange/hwcore/internal/hal"
)

// The two legacy windows searched for the RSDP, in order.
var rootPointerWindows = [...]struct{ start, end uint64 }{
	{0x9FC00, 0xA0000},  // EBDA
	{0xE0000, 0x100000}, // BIOS read-only area
}

// FindRootPointer scans the legacy windows on 16-byte boundaries and returns
// the first structurally valid RSDP whose first 20 bytes sum to zero.
func FindRootPointer(mem hal.Memory, physOffset uint64) (RootPointer, bool) {
	for _, w := range rootPointerWindows {
		buf, err := hal.ReadBytes(mem, w.start+physOffset, int(w.end-w.start))
		if err != nil {
			slog.Debug("acpi: root pointer window unreadable", "start", fmt.Sprintf("%#x", w.start), "err", err)
			continue
		}
		for off := 0; off+rsdpV1Size <= len(buf); off += 16 {
			candidate := buf[off:]
			if n := rsdpV2Size; len(candidate) > n {
				candidate = candidate[:n]
			}
			rp, ok := parseRootPointer(candidate)
			if !ok {
				continue
			}
			rp.Address = w.start + uint64(off)
			if rp.Revision >= 2 && !rp.ExtendedChecksumValid {
				slog.Warn("acpi: root pointer extended checksum mismatch", "addr", fmt.Sprintf("%#x", rp.Address))
			}
			return rp, true
		}
	}
	return RootPointer{}, false
}

// Reader walks description tables through a direct physical mapping. It
// never maps memory: the range must already be reachable at physOffset.
type Reader struct {
	mem        hal.Memory
	physOffset uint64
}

// NewReader returns a Reader over mem.
func NewReader(mem hal.Memory, physOffset uint64) *Reader {
	return &Reader{mem: mem, physOffset: physOffset}
}

// FindRootPointer runs FindRootPointer with the reader's memory and offset.
func (r *Reader) FindRootPointer() (RootPointer, bool) {
	return FindRootPointer(r.mem, r.physOffset)
}

// ReadTable reads and validates the table at phys.
func (r *Reader) ReadTable(phys uint64) (Table, error) {
	raw, err := hal.ReadBytes(r.mem, phys+r.physOffset, headerSize)
	if err != nil {
		return Table{}, err
	}
	h, err := parseHeader(raw)
	if err != nil {
		return Table{}, err
	}
	if h.Length < headerSize || h.Length > maxTableLength {
		return Table{}, fmt.Errorf("acpi: table %q at 0x%x length %d: %w", h.SignatureString(), phys, h.Length, ErrBadLength)
	}
	data, err := hal.ReadBytes(r.mem, phys+r.physOffset, int(h.Length))
	if err != nil {
		return Table{}, err
	}
	if !ChecksumValid(data) {
		return Table{}, fmt.Errorf("acpi: table %q at 0x%x: %w", h.SignatureString(), phys, ErrChecksum)
	}
	return Table{Header: h, Address: phys, Data: data}, nil
}

// RootTable reads the RSDT or XSDT the root pointer refers to.
func (r *Reader) RootTable(root RootPointer) (Table, error) {
	t, err := r.ReadTable(root.TableAddress())
	if err != nil {
		return Table{}, err
	}
	if t.Signature != SigRSDT && t.Signature != SigXSDT {
		return Table{}, fmt.Errorf("acpi: root table %q: %w", t.SignatureString(), ErrBadSignature)
	}
	return t, nil
}

// Tables lazily yields every checksum-valid table listed in the root table.
// Invalid tables are logged and skipped. Each call walks again from root.
func (r *Reader) Tables(root RootPointer) iter.Seq[Table] {
	return func(yield func(Table) bool) {
		rt, err := r.RootTable(root)
		if err != nil {
			slog.Warn("acpi: root table unusable", "err", err)
			return
		}
		for _, addr := range entryAddresses(rt) {
			t, err := r.ReadTable(addr)
			if err != nil {
				slog.Warn("acpi: skipping table", "addr", fmt.Sprintf("%#x", addr), "err", err)
				continue
			}
			if !yield(t) {
				return
			}
		}
	}
}

func entryAddresses(rt Table) []uint64 {
	body := rt.Data[headerSize:]
	width := 4
	if rt.Signature == SigXSDT {
		width = 8
	}
	out := make([]uint64, 0, len(body)/width)
	for off := 0; off+width <= len(body); off += width {
		if width == 8 {
			out = append(out, binary.LittleEndian.Uint64(body[off:]))
		} else {
			out = append(out, uint64(binary.LittleEndian.Uint32(body[off:])))
		}
	}
	return out
}
