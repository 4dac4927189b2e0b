package machine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tinyrange/hwcore/internal/hal"
)

var ErrOutOfFrames = errors.New("machine: out of physical frames")

// FrameAllocator hands out page frames from a fixed physical range.
type FrameAllocator struct {
	mu    sync.Mutex
	next  uint64
	limit uint64
	count int
}

// NewFrameAllocator returns an allocator over [base, limit).
func NewFrameAllocator(base, limit uint64) *FrameAllocator {
	base = (base + hal.PageSize - 1) &^ (hal.PageSize - 1)
	return &FrameAllocator{next: base, limit: limit}
}

// AllocateFrame implements hal.FrameAllocator.
func (f *FrameAllocator) AllocateFrame() (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.next+hal.PageSize > f.limit {
		return 0, ErrOutOfFrames
	}
	frame := f.next
	f.next += hal.PageSize
	f.count++
	return frame, nil
}

// Allocated returns how many frames have been handed out.
func (f *FrameAllocator) Allocated() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

// Mapping is one installed page.
type Mapping struct {
	Phys  uint64
	Flags hal.PageFlags
}

// PageTable records page mappings. It takes one frame from the allocator
// for every 2 MiB region it first maps into, standing in for the leaf
// table page a real mapper would need.
type PageTable struct {
	mu      sync.Mutex
	pages   map[uint64]Mapping
	tables  map[uint64]uint64
	flushes int
}

// NewPageTable returns an empty page table.
func NewPageTable() *PageTable {
	return &PageTable{
		pages:  make(map[uint64]Mapping),
		tables: make(map[uint64]uint64),
	}
}

type flushFunc func()

func (f flushFunc) Flush() { f() }

const leafSpan = 2 << 20

// MapPage implements hal.Mapper.
func (pt *PageTable) MapPage(phys, virt uint64, flags hal.PageFlags, frames hal.FrameAllocator) (hal.Flush, error) {
	if phys&(hal.PageSize-1) != 0 || virt&(hal.PageSize-1) != 0 {
		return nil, fmt.Errorf("machine: unaligned mapping %#x -> %#x", phys, virt)
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()

	if _, ok := pt.pages[virt]; ok {
		return nil, hal.ErrAlreadyMapped
	}
	leaf := virt &^ (leafSpan - 1)
	if _, ok := pt.tables[leaf]; !ok {
		if frames == nil {
			return nil, fmt.Errorf("machine: map %#x: no frame allocator", virt)
		}
		frame, err := frames.AllocateFrame()
		if err != nil {
			return nil, fmt.Errorf("machine: map %#x: %w", virt, err)
		}
		pt.tables[leaf] = frame
	}
	pt.pages[virt] = Mapping{Phys: phys, Flags: flags}
	return flushFunc(func() {
		pt.mu.Lock()
		pt.flushes++
		pt.mu.Unlock()
	}), nil
}

// Lookup returns the mapping installed at virt.
func (pt *PageTable) Lookup(virt uint64) (Mapping, bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	m, ok := pt.pages[virt&^(hal.PageSize-1)]
	return m, ok
}

// Len returns the number of mapped pages.
func (pt *PageTable) Len() int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return len(pt.pages)
}

// Flushes returns how many flush tokens have been consumed.
func (pt *PageTable) Flushes() int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.flushes
}

var (
	_ hal.Mapper         = (*PageTable)(nil)
	_ hal.FrameAllocator = (*FrameAllocator)(nil)
)
