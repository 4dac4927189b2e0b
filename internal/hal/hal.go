// Package hal describes the raw hardware access the discovery and routing
// code is written against: x86 port I/O, a flat physical memory view offset
// into the virtual address space, and the paging collaborator used to map
// device windows.
package hal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// PortIO exposes the x86 in/out instructions at byte, word and dword width.
type PortIO interface {
	In8(port uint16) uint8
	In16(port uint16) uint16
	In32(port uint16) uint32
	Out8(port uint16, value uint8)
	Out16(port uint16, value uint16)
	Out32(port uint16, value uint32)
}

// Memory is the kernel's view of physical memory. Offsets are virtual
// addresses, i.e. a physical address plus the direct-map offset.
type Memory interface {
	io.ReaderAt
	io.WriterAt
}

// MMIO performs 32-bit register accesses at virtual addresses.
type MMIO interface {
	Read32(addr uint64) uint32
	Write32(addr uint64, value uint32)
}

// ReadBytes reads n bytes at addr.
func ReadBytes(mem Memory, addr uint64, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := mem.ReadAt(buf, int64(addr)); err != nil {
		return nil, fmt.Errorf("hal: read %d bytes at 0x%x: %w", n, addr, err)
	}
	return buf, nil
}

// Read32 reads a little-endian dword at addr. addr need not be aligned.
func Read32(mem Memory, addr uint64) (uint32, error) {
	buf, err := ReadBytes(mem, addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf), nil
}

// Read64 reads a little-endian qword at addr. addr need not be aligned.
func Read64(mem Memory, addr uint64) (uint64, error) {
	buf, err := ReadBytes(mem, addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf), nil
}

// Write32 writes a little-endian dword at addr.
func Write32(mem Memory, addr uint64, value uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	if _, err := mem.WriteAt(buf[:], int64(addr)); err != nil {
		return fmt.Errorf("hal: write dword at 0x%x: %w", addr, err)
	}
	return nil
}

// MemoryMMIO adapts a Memory to register-style access. Failed reads return
// all-ones, matching what an unclaimed bus cycle returns on real hardware.
type MemoryMMIO struct {
	Memory Memory
}

// Read32 implements MMIO.
func (m MemoryMMIO) Read32(addr uint64) uint32 {
	v, err := Read32(m.Memory, addr)
	if err != nil {
		return 0xFFFFFFFF
	}
	return v
}

// Write32 implements MMIO.
func (m MemoryMMIO) Write32(addr uint64, value uint32) {
	_ = Write32(m.Memory, addr, value)
}

var _ MMIO = MemoryMMIO{}

// ErrAlreadyMapped is returned by a Mapper when the page is already present.
var ErrAlreadyMapped = errors.New("hal: page already mapped")
