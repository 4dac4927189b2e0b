package hal

import (
	"errors"
	"testing"
)

type sliceMemory []byte

func (m sliceMemory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || int(off)+len(p) > len(m) {
		return 0, errors.New("out of range")
	}
	return copy(p, m[off:]), nil
}

func (m sliceMemory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || int(off)+len(p) > len(m) {
		return 0, errors.New("out of range")
	}
	return copy(m[off:], p), nil
}

func TestReadUnaligned(t *testing.T) {
	mem := sliceMemory{0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0x99}

	v32, err := Read32(mem, 1)
	if err != nil {
		t.Fatalf("Read32: %v", err)
	}
	if v32 != 0x44332211 {
		t.Fatalf("Read32 got 0x%x want 0x44332211", v32)
	}

	v64, err := Read64(mem, 2)
	if err != nil {
		t.Fatalf("Read64: %v", err)
	}
	if v64 != 0x9988776655443322 {
		t.Fatalf("Read64 got 0x%x want 0x9988776655443322", v64)
	}
}

func TestMemoryMMIOReadFailureIsAllOnes(t *testing.T) {
	mmio := MemoryMMIO{Memory: sliceMemory(make([]byte, 8))}
	mmio.Write32(4, 0xCAFEBABE)
	if got := mmio.Read32(4); got != 0xCAFEBABE {
		t.Fatalf("Read32 got 0x%x want 0xcafebabe", got)
	}
	if got := mmio.Read32(6); got != 0xFFFFFFFF {
		t.Fatalf("out of range read got 0x%x want 0xffffffff", got)
	}
}

type recordingMapper struct {
	mapped  map[uint64]uint64
	flushes int
}

type countingFlush struct{ m *recordingMapper }

func (f countingFlush) Flush() { f.m.flushes++ }

func (m *recordingMapper) MapPage(phys, virt uint64, flags PageFlags, frames FrameAllocator) (Flush, error) {
	if _, ok := m.mapped[virt]; ok {
		return nil, ErrAlreadyMapped
	}
	if flags&PagePresent == 0 {
		return nil, errors.New("not present")
	}
	m.mapped[virt] = phys
	return countingFlush{m}, nil
}

func TestMapWindowSpansPages(t *testing.T) {
	m := &recordingMapper{mapped: map[uint64]uint64{}}
	const offset = 0x1000_0000

	// 0xFED000F0 + 8 stays within one page; 0xFED00FF8 + 16 spans two.
	if err := MapWindow(m, nil, 0xFED00FF8, 16, offset); err != nil {
		t.Fatalf("MapWindow: %v", err)
	}
	if len(m.mapped) != 2 {
		t.Fatalf("mapped %d pages want 2", len(m.mapped))
	}
	if got := m.mapped[0xFED01000+offset]; got != 0xFED01000 {
		t.Fatalf("second page maps to 0x%x want 0xfed01000", got)
	}

	if err := MapWindow(m, nil, 0xFED00000, 8, offset); err != nil {
		t.Fatalf("remap: %v", err)
	}
	if m.flushes != 2 {
		t.Fatalf("flushes got %d want 2", m.flushes)
	}
}
