package pci

import (
	"encoding/binary"
	"fmt"
	"sync"

	cs "github.com/tinyrange/hwcore/internal/chipset"
)

const msixEntrySize = 16

// MSIXTable is the memory-mapped MSI-X vector table living inside a
// function's BAR.
type MSIXTable struct {
	mu      sync.Mutex
	base    uint64
	entries []byte
}

func newMSIXTable(base uint64, n int, maskFirst bool) *MSIXTable {
	t := &MSIXTable{base: base, entries: make([]byte, n*msixEntrySize)}
	if maskFirst {
		binary.LittleEndian.PutUint32(t.entries[12:], 1)
	}
	return t
}

// Base returns the physical address of the table.
func (t *MSIXTable) Base() uint64 { return t.base }

// Reset implements chipset.Device.
func (t *MSIXTable) Reset() error { return nil }

// SupportsPortIO implements chipset.Device.
func (t *MSIXTable) SupportsPortIO() *cs.PortIOIntercept { return nil }

// SupportsMmio implements chipset.Device.
func (t *MSIXTable) SupportsMmio() *cs.MmioIntercept {
	return &cs.MmioIntercept{
		Regions: []cs.Region{{Address: t.base, Size: uint64(len(t.entries))}},
		Handler: t,
	}
}

// ReadMMIO implements chipset.MmioHandler.
func (t *MSIXTable) ReadMMIO(addr uint64, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	off := addr - t.base
	if addr < t.base || off+uint64(len(data)) > uint64(len(t.entries)) {
		return fmt.Errorf("msix: read outside table: 0x%x", addr)
	}
	copy(data, t.entries[off:])
	return nil
}

// WriteMMIO implements chipset.MmioHandler.
func (t *MSIXTable) WriteMMIO(addr uint64, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	off := addr - t.base
	if addr < t.base || off+uint64(len(data)) > uint64(len(t.entries)) {
		return fmt.Errorf("msix: write outside table: 0x%x", addr)
	}
	copy(t.entries[off:], data)
	return nil
}

var _ cs.Device = (*MSIXTable)(nil)
