package hal

import (
	"errors"
	"fmt"
	"log/slog"
)

// PageSize is the granularity of MapPage.
const PageSize = 0x1000

// PageFlags are the protection bits passed to MapPage.
type PageFlags uint64

const (
	PagePresent  PageFlags = 1 << 0
	PageWritable PageFlags = 1 << 1
	PageNoCache  PageFlags = 1 << 4
)

// Flush is returned by MapPage; calling it invalidates the stale TLB entry.
type Flush interface {
	Flush()
}

// FrameAllocator hands out free physical frames for page-table pages.
type FrameAllocator interface {
	AllocateFrame() (uint64, error)
}

// Mapper maps single physical pages into the virtual address space.
type Mapper interface {
	MapPage(phys, virt uint64, flags PageFlags, frames FrameAllocator) (Flush, error)
}

// MapWindow maps the physical range [phys, phys+size) at phys+physOffset
// with uncached, writable pages. Pages that are already mapped are skipped.
func MapWindow(m Mapper, frames FrameAllocator, phys, size, physOffset uint64) error {
	if m == nil {
		return nil
	}
	if size == 0 {
		size = 1
	}
	start := phys &^ (PageSize - 1)
	end := (phys + size + PageSize - 1) &^ (PageSize - 1)

	for page := start; page < end; page += PageSize {
		flush, err := m.MapPage(page, page+physOffset, PagePresent|PageWritable|PageNoCache, frames)
		if errors.Is(err, ErrAlreadyMapped) {
			continue
		}
		if err != nil {
			return fmt.Errorf("hal: map page 0x%x: %w", page, err)
		}
		if flush != nil {
			flush.Flush()
		}
		slog.Debug("hal: mapped page", "phys", fmt.Sprintf("%#x", page), "virt", fmt.Sprintf("%#x", page+physOffset))
	}
	return nil
}
