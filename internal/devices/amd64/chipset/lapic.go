package chipset

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	cs "github.com/tinyrange/hwcore/internal/chipset"
)

const (
	// LAPICBaseAddress is the architectural default local APIC base.
	LAPICBaseAddress uint64 = 0xFEE00000

	lapicWindowSize = 0x1000

	lapicRegID       = 0x020
	lapicRegVersion  = 0x030
	lapicRegTPR      = 0x080
	lapicRegEOI      = 0x0B0
	lapicRegSpurious = 0x0F0
	lapicRegLINT0    = 0x350
	lapicRegLINT1    = 0x360

	lapicVersion = 0x00050014

	lapicBroadcast = 0xFF
)

// LocalAPIC emulates the register window of one processor's local APIC
// and queues the vectors delivered to it.
type LocalAPIC struct {
	mu sync.Mutex

	base uint64
	id   uint8

	tpr      uint32
	spurious uint32
	lint     [2]uint32

	pending   map[uint8]bool
	inService []uint8
	eois      uint64

	eoi cs.EOITarget
}

// NewLocalAPIC returns a local APIC with the given APIC id at base.
func NewLocalAPIC(base uint64, id uint8) *LocalAPIC {
	if base == 0 {
		base = LAPICBaseAddress
	}
	l := &LocalAPIC{base: base, id: id}
	l.resetLocked()
	return l
}

func (l *LocalAPIC) resetLocked() {
	l.tpr = 0
	l.spurious = 0xFF
	l.lint = [2]uint32{1 << 16, 1 << 16}
	l.pending = make(map[uint8]bool)
	l.inService = nil
	l.eois = 0
}

// SetEOITarget receives the vector retired by every EOI write.
func (l *LocalAPIC) SetEOITarget(t cs.EOITarget) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.eoi = t
}

// Reset implements chipset.Device.
func (l *LocalAPIC) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetLocked()
	return nil
}

// SupportsPortIO implements chipset.Device.
func (l *LocalAPIC) SupportsPortIO() *cs.PortIOIntercept { return nil }

// SupportsMmio implements chipset.Device.
func (l *LocalAPIC) SupportsMmio() *cs.MmioIntercept {
	return &cs.MmioIntercept{
		Regions: []cs.Region{{Address: l.base, Size: lapicWindowSize}},
		Handler: l,
	}
}

// Assert implements IoApicRouting: a vector addressed to this APIC id, or
// broadcast, is queued as pending.
func (l *LocalAPIC) Assert(vector uint8, dest uint8, level bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if dest != l.id && dest != lapicBroadcast {
		return
	}
	l.pending[vector] = true
}

// Accept moves the highest pending vector in service and returns it.
func (l *LocalAPIC) Accept() (uint8, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) == 0 {
		return 0, false
	}
	vectors := make([]int, 0, len(l.pending))
	for v := range l.pending {
		vectors = append(vectors, int(v))
	}
	sort.Ints(vectors)
	v := uint8(vectors[len(vectors)-1])
	delete(l.pending, v)
	l.inService = append(l.inService, v)
	return v, true
}

// EOIs returns how many EOI writes the APIC has seen.
func (l *LocalAPIC) EOIs() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.eois
}

// SoftwareEnabled reports the spurious vector register's enable bit.
func (l *LocalAPIC) SoftwareEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.spurious&(1<<8) != 0
}

// LINT returns the LVT entry for LINT0 or LINT1.
func (l *LocalAPIC) LINT(n int) uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lint[n&1]
}

func (l *LocalAPIC) offset(addr uint64, size int) (uint64, error) {
	if addr < l.base || addr+uint64(size) > l.base+lapicWindowSize {
		return 0, fmt.Errorf("lapic: access outside MMIO window: 0x%x", addr)
	}
	if size != 4 {
		return 0, fmt.Errorf("lapic: invalid access size %d", size)
	}
	return addr - l.base, nil
}

// ReadMMIO implements chipset.MmioHandler.
func (l *LocalAPIC) ReadMMIO(addr uint64, data []byte) error {
	off, err := l.offset(addr, len(data))
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var v uint32
	switch off {
	case lapicRegID:
		v = uint32(l.id) << 24
	case lapicRegVersion:
		v = lapicVersion
	case lapicRegTPR:
		v = l.tpr
	case lapicRegSpurious:
		v = l.spurious
	case lapicRegLINT0:
		v = l.lint[0]
	case lapicRegLINT1:
		v = l.lint[1]
	}
	binary.LittleEndian.PutUint32(data, v)
	return nil
}

// WriteMMIO implements chipset.MmioHandler.
func (l *LocalAPIC) WriteMMIO(addr uint64, data []byte) error {
	off, err := l.offset(addr, len(data))
	if err != nil {
		return err
	}
	v := binary.LittleEndian.Uint32(data)

	l.mu.Lock()
	switch off {
	case lapicRegID:
		l.id = uint8(v >> 24)
	case lapicRegTPR:
		l.tpr = v & 0xFF
	case lapicRegSpurious:
		l.spurious = v & 0x1FF
	case lapicRegLINT0:
		l.lint[0] = v
	case lapicRegLINT1:
		l.lint[1] = v
	case lapicRegEOI:
		l.eois++
		if n := len(l.inService); n > 0 {
			vector := l.inService[n-1]
			l.inService = l.inService[:n-1]
			target := l.eoi
			l.mu.Unlock()
			if target != nil {
				target.HandleEOI(vector)
			}
			return nil
		}
	}
	l.mu.Unlock()
	return nil
}

var (
	_ cs.Device     = (*LocalAPIC)(nil)
	_ IoApicRouting = (*LocalAPIC)(nil)
)
