//go:build linux && amd64

package hostio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/hwcore/internal/hal"
)

// DefaultPhysOffset places physical memory where a higher-half kernel keeps
// its direct map, so addresses look the same as on the emulated machine.
const DefaultPhysOffset = 0xFFFF800000000000

const devMem = "/dev/mem"

var ErrNotMapped = errors.New("hostio: address below the direct map")

// Host is the running machine. Port I/O goes straight to the CPU; memory
// reads and writes go through /dev/mem, and pages handed to MapPage are
// mmapped so register accesses are single loads and stores.
type Host struct {
	physOffset uint64
	mem        int

	mu    sync.Mutex
	pages map[uint64][]byte
}

// Open raises the I/O privilege level and opens /dev/mem.
func Open(physOffset uint64) (*Host, error) {
	if err := unix.Iopl(3); err != nil {
		return nil, fmt.Errorf("hostio: iopl: %w", err)
	}
	fd, err := unix.Open(devMem, unix.O_RDWR|unix.O_SYNC|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("hostio: open %s: %w", devMem, err)
	}
	return &Host{
		physOffset: physOffset,
		mem:        fd,
		pages:      make(map[uint64][]byte),
	}, nil
}

// Close unmaps every mapped page and closes /dev/mem.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var errs []error
	for phys, page := range h.pages {
		if err := unix.Munmap(page); err != nil {
			errs = append(errs, fmt.Errorf("hostio: munmap %#x: %w", phys, err))
		}
	}
	clear(h.pages)
	if err := unix.Close(h.mem); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// PhysOffset returns the direct map offset addresses are expressed in.
func (h *Host) PhysOffset() uint64 { return h.physOffset }

func (h *Host) In8(port uint16) uint8           { return inb(port) }
func (h *Host) In16(port uint16) uint16         { return inw(port) }
func (h *Host) In32(port uint16) uint32         { return inl(port) }
func (h *Host) Out8(port uint16, value uint8)   { outb(port, value) }
func (h *Host) Out16(port uint16, value uint16) { outw(port, value) }
func (h *Host) Out32(port uint16, value uint32) { outl(port, value) }

// TSC reads the time stamp counter.
func (h *Host) TSC() uint64 { return rdtsc() }

func (h *Host) phys(virt uint64) (uint64, error) {
	if virt < h.physOffset {
		return 0, fmt.Errorf("%w: %#x", ErrNotMapped, virt)
	}
	return virt - h.physOffset, nil
}

// ReadAt implements hal.Memory.
func (h *Host) ReadAt(p []byte, off int64) (int, error) {
	phys, err := h.phys(uint64(off))
	if err != nil {
		return 0, err
	}
	n, err := unix.Pread(h.mem, p, int64(phys))
	if err != nil {
		return n, fmt.Errorf("hostio: read %d bytes at %#x: %w", len(p), phys, err)
	}
	if n < len(p) {
		return n, fmt.Errorf("hostio: short read at %#x", phys)
	}
	return n, nil
}

// WriteAt implements hal.Memory.
func (h *Host) WriteAt(p []byte, off int64) (int, error) {
	phys, err := h.phys(uint64(off))
	if err != nil {
		return 0, err
	}
	n, err := unix.Pwrite(h.mem, p, int64(phys))
	if err != nil {
		return n, fmt.Errorf("hostio: write %d bytes at %#x: %w", len(p), phys, err)
	}
	return n, nil
}

// MapPage implements hal.Mapper by mmapping one uncached page of /dev/mem.
// virt must be phys plus the direct map offset; frames is unused.
func (h *Host) MapPage(phys, virt uint64, flags hal.PageFlags, frames hal.FrameAllocator) (hal.Flush, error) {
	if phys&(hal.PageSize-1) != 0 || virt != phys+h.physOffset {
		return nil, fmt.Errorf("hostio: map %#x at %#x: not a direct-map page", phys, virt)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.pages[phys]; ok {
		return nil, hal.ErrAlreadyMapped
	}
	prot := unix.PROT_READ
	if flags&hal.PageWritable != 0 {
		prot |= unix.PROT_WRITE
	}
	page, err := unix.Mmap(h.mem, int64(phys), hal.PageSize, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("hostio: mmap %#x: %w", phys, err)
	}
	h.pages[phys] = page
	slog.Debug("hostio: mapped page", "phys", fmt.Sprintf("%#x", phys))
	return nil, nil
}

func (h *Host) register(virt uint64) (*uint32, bool) {
	phys, err := h.phys(virt)
	if err != nil || virt&3 != 0 {
		return nil, false
	}
	h.mu.Lock()
	page, ok := h.pages[phys&^(hal.PageSize-1)]
	h.mu.Unlock()
	if !ok {
		return nil, false
	}
	return (*uint32)(unsafe.Pointer(&page[phys&(hal.PageSize-1)])), true
}

// Read32 implements hal.MMIO. Unmapped registers are read through
// /dev/mem and read as all-ones on failure.
func (h *Host) Read32(addr uint64) uint32 {
	if reg, ok := h.register(addr); ok {
		return atomic.LoadUint32(reg)
	}
	var buf [4]byte
	if _, err := h.ReadAt(buf[:], int64(addr)); err != nil {
		return 0xFFFFFFFF
	}
	return binary.LittleEndian.Uint32(buf[:])
}

// Write32 implements hal.MMIO.
func (h *Host) Write32(addr uint64, value uint32) {
	if reg, ok := h.register(addr); ok {
		atomic.StoreUint32(reg, value)
		return
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	if _, err := h.WriteAt(buf[:], int64(addr)); err != nil {
		slog.Debug("hostio: register write failed", "addr", fmt.Sprintf("%#x", addr), "err", err)
	}
}

var (
	_ hal.PortIO = (*Host)(nil)
	_ hal.Memory = (*Host)(nil)
	_ hal.MMIO   = (*Host)(nil)
	_ hal.Mapper = (*Host)(nil)
)

func inb(port uint16) uint8
func inw(port uint16) uint16
func inl(port uint16) uint32
func outb(port uint16, value uint8)
func outw(port uint16, value uint16)
func outl(port uint16, value uint32)
func rdtsc() uint64
