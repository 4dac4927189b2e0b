package machine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tinyrange/hwcore/internal/chipset"
	"github.com/tinyrange/hwcore/internal/hal"
)

var ErrOutOfRange = errors.New("machine: address outside memory")

// RAM is sparse physical memory. Pages are allocated on first write; reads
// of untouched pages return zeros.
type RAM struct {
	mu    sync.Mutex
	size  uint64
	pages map[uint64]*[hal.PageSize]byte
}

// NewRAM returns size bytes of zeroed memory.
func NewRAM(size uint64) *RAM {
	return &RAM{size: size, pages: make(map[uint64]*[hal.PageSize]byte)}
}

// Size returns the memory size in bytes.
func (r *RAM) Size() uint64 { return r.size }

func (r *RAM) check(addr uint64, n int) error {
	if addr >= r.size || uint64(n) > r.size-addr {
		return fmt.Errorf("%w: %#x+%#x", ErrOutOfRange, addr, n)
	}
	return nil
}

// Read copies len(p) bytes at physical address addr into p.
func (r *RAM) Read(addr uint64, p []byte) error {
	if err := r.check(addr, len(p)); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for done := 0; done < len(p); {
		cur := addr + uint64(done)
		page, off := cur&^(hal.PageSize-1), cur&(hal.PageSize-1)
		n := min(len(p)-done, int(hal.PageSize-off))
		if pg := r.pages[page]; pg != nil {
			copy(p[done:done+n], pg[off:])
		} else {
			clear(p[done : done+n])
		}
		done += n
	}
	return nil
}

// Write copies p to physical address addr.
func (r *RAM) Write(addr uint64, p []byte) error {
	if err := r.check(addr, len(p)); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for done := 0; done < len(p); {
		cur := addr + uint64(done)
		page, off := cur&^(hal.PageSize-1), cur&(hal.PageSize-1)
		n := min(len(p)-done, int(hal.PageSize-off))
		pg := r.pages[page]
		if pg == nil {
			pg = new([hal.PageSize]byte)
			r.pages[page] = pg
		}
		copy(pg[off:], p[done:done+n])
		done += n
	}
	return nil
}

// Bus is the discovery code's view of the machine: a hal.Memory over the
// direct map. Offsets are virtual addresses; accesses to ranges a chipset
// device claims go to the device, everything else to RAM.
type Bus struct {
	ram        *RAM
	chipset    *chipset.Chipset
	physOffset uint64
}

// NewBus returns a bus mapping physical memory at physOffset.
func NewBus(ram *RAM, cs *chipset.Chipset, physOffset uint64) *Bus {
	return &Bus{ram: ram, chipset: cs, physOffset: physOffset}
}

func (b *Bus) phys(off int64) (uint64, error) {
	virt := uint64(off)
	if virt < b.physOffset {
		return 0, fmt.Errorf("%w: virtual %#x below direct map", ErrOutOfRange, virt)
	}
	return virt - b.physOffset, nil
}

// ReadAt implements io.ReaderAt.
func (b *Bus) ReadAt(p []byte, off int64) (int, error) {
	phys, err := b.phys(off)
	if err != nil {
		return 0, err
	}
	if b.chipset != nil && b.chipset.ClaimsMMIO(phys, uint64(len(p))) {
		if err := b.chipset.HandleMMIO(phys, p, false); err != nil {
			return 0, err
		}
		return len(p), nil
	}
	if err := b.ram.Read(phys, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteAt implements io.WriterAt.
func (b *Bus) WriteAt(p []byte, off int64) (int, error) {
	phys, err := b.phys(off)
	if err != nil {
		return 0, err
	}
	if b.chipset != nil && b.chipset.ClaimsMMIO(phys, uint64(len(p))) {
		if err := b.chipset.HandleMMIO(phys, p, true); err != nil {
			return 0, err
		}
		return len(p), nil
	}
	if err := b.ram.Write(phys, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

var _ hal.Memory = (*Bus)(nil)
