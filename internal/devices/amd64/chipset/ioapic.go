// Package chipset holds the emulated x86 platform devices the discovery
// and routing code is exercised against: IO-APIC, local APIC, the 8259 pair
// and the ACPI power management block.
package chipset

import (
	"encoding/binary"
	"fmt"
	"sync"

	cs "github.com/tinyrange/hwcore/internal/chipset"
)

const (
	// IOAPICBaseAddress is the legacy MMIO base for the first IO-APIC.
	IOAPICBaseAddress uint64 = 0xFEC00000

	ioapicRegisterWindowSize = 0x20

	ioapicRegisterSelect = 0x00
	ioapicRegisterData   = 0x10

	ioapicIDRegister           = 0x00
	ioapicVersionRegister      = 0x01
	ioapicArbitrationRegister  = 0x02
	ioapicRedirectionTableBase = 0x10

	ioapicVersion = 0x11
)

const (
	deliveryModeFixed          = 0x0
	deliveryModeLowestPriority = 0x1
)

// Redirection bits that software is permitted to write.
const redirectionWriteMask uint64 = 0xFF000000000000FF |
	(0x7 << 8) | // delivery mode
	(1 << 11) | // destination mode
	(1 << 13) | // polarity
	(1 << 15) | // trigger mode
	(1 << 16) // mask bit

// IoApicRouting is notified when an unmasked input fires.
type IoApicRouting interface {
	Assert(vector uint8, dest uint8, level bool)
}

// IoApicRoutingFunc adapts a simple function to IoApicRouting.
type IoApicRoutingFunc func(vector uint8, dest uint8, level bool)

// Assert implements IoApicRouting.
func (f IoApicRoutingFunc) Assert(vector uint8, dest uint8, level bool) {
	if f != nil {
		f(vector, dest, level)
	}
}

type noopIoApicRouting struct{}

func (noopIoApicRouting) Assert(uint8, uint8, bool) {}

// IOAPIC emulates one x86 IO-APIC register window.
type IOAPIC struct {
	mu sync.Mutex

	base uint64

	entries []irqRedirection
	index   uint8
	id      uint8

	// versionOverride replaces the version register when non-zero, so
	// tests can present a controller whose version reads as all-ones.
	versionOverride uint32

	routing IoApicRouting
	stats   ioapicStats
}

// NewIOAPIC builds an IO-APIC at base exposing numEntries redirection slots.
func NewIOAPIC(base uint64, id uint8, numEntries int) *IOAPIC {
	if numEntries <= 0 {
		numEntries = 24
	}
	if base == 0 {
		base = IOAPICBaseAddress
	}
	entries := make([]irqRedirection, numEntries)
	for i := range entries {
		entries[i] = newIRQRedirection()
	}
	return &IOAPIC{
		base:    base,
		id:      id,
		entries: entries,
		routing: noopIoApicRouting{},
		stats: ioapicStats{
			perIRQ: make([]uint64, numEntries),
		},
	}
}

// SetRouting overrides the destination used when an interrupt fires.
func (i *IOAPIC) SetRouting(r IoApicRouting) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if r == nil {
		i.routing = noopIoApicRouting{}
	} else {
		i.routing = r
	}
}

// SetVersionOverride makes the version register read as v.
func (i *IOAPIC) SetVersionOverride(v uint32) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.versionOverride = v
}

// Entry returns the raw redirection entry for a pin.
func (i *IOAPIC) Entry(pin int) uint64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	if pin < 0 || pin >= len(i.entries) {
		return 0
	}
	return i.entries[pin].redirection.raw()
}

// Delivered returns how many interrupts a pin has delivered.
func (i *IOAPIC) Delivered(pin int) uint64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	if pin < 0 || pin >= len(i.stats.perIRQ) {
		return 0
	}
	return i.stats.perIRQ[pin]
}

// Reset implements chipset.Device.
func (i *IOAPIC) Reset() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	for idx := range i.entries {
		i.entries[idx] = newIRQRedirection()
	}
	i.index = 0
	i.stats = ioapicStats{perIRQ: make([]uint64, len(i.entries))}
	return nil
}

// SupportsPortIO implements chipset.Device.
func (i *IOAPIC) SupportsPortIO() *cs.PortIOIntercept { return nil }

// SupportsMmio implements chipset.Device.
func (i *IOAPIC) SupportsMmio() *cs.MmioIntercept {
	return &cs.MmioIntercept{
		Regions: []cs.Region{{Address: i.base, Size: ioapicRegisterWindowSize}},
		Handler: i,
	}
}

// HandleEOI clears remote-IRR for any line that was targeting the supplied
// vector and re-evaluates pending level-triggered interrupts.
func (i *IOAPIC) HandleEOI(vector uint8) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for line := range i.entries {
		entry := &i.entries[line]
		if entry.redirection.vector() == vector {
			entry.redirection.setRemoteIRR(false)
			entry.evaluate(i.routing, &i.stats, uint8(line), false)
		}
	}
}

// SetIRQ changes the level of a given IO-APIC input pin.
func (i *IOAPIC) SetIRQ(line uint8, high bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if int(line) >= len(i.entries) {
		return
	}
	entry := &i.entries[line]
	if high {
		entry.assert(i.routing, &i.stats, line)
	} else {
		entry.deassert()
	}
}

// ReadMMIO implements chipset.MmioHandler.
func (i *IOAPIC) ReadMMIO(addr uint64, data []byte) error {
	if !i.inRange(addr, uint64(len(data))) {
		return fmt.Errorf("ioapic: read outside MMIO window: 0x%x", addr)
	}

	offset := addr - i.base
	var value uint32

	i.mu.Lock()
	switch offset {
	case ioapicRegisterSelect:
		value = uint32(i.index)
	case ioapicRegisterData:
		value = i.readRegister(i.index)
	default:
		i.mu.Unlock()
		return fmt.Errorf("ioapic: invalid read offset 0x%x", offset)
	}
	i.mu.Unlock()

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf, value)
	copy(data, buf[:min(len(data), 8)])
	return nil
}

// WriteMMIO implements chipset.MmioHandler.
func (i *IOAPIC) WriteMMIO(addr uint64, data []byte) error {
	if !i.inRange(addr, uint64(len(data))) {
		return fmt.Errorf("ioapic: write outside MMIO window: 0x%x", addr)
	}
	offset := addr - i.base

	i.mu.Lock()
	defer i.mu.Unlock()

	switch offset {
	case ioapicRegisterSelect:
		if len(data) == 0 {
			return fmt.Errorf("ioapic: empty write to select register")
		}
		i.index = data[0]
	case ioapicRegisterData:
		if len(data) != 4 && len(data) != 8 {
			return fmt.Errorf("ioapic: invalid data register write size %d", len(data))
		}
		i.writeRegister(i.index, binary.LittleEndian.Uint32(data))
	default:
		return fmt.Errorf("ioapic: invalid write offset 0x%x", offset)
	}
	return nil
}

func (i *IOAPIC) readRegister(index uint8) uint32 {
	switch {
	case index == ioapicIDRegister:
		return uint32(i.id&0x0f) << 24
	case index == ioapicVersionRegister:
		if i.versionOverride != 0 {
			return i.versionOverride
		}
		return uint32(ioapicVersion) | uint32(len(i.entries)-1)<<16
	case index == ioapicArbitrationRegister:
		return 0
	case index >= ioapicRedirectionTableBase:
		return i.readRedirection(index - ioapicRedirectionTableBase)
	default:
		return 0
	}
}

func (i *IOAPIC) writeRegister(index uint8, value uint32) {
	switch {
	case index == ioapicIDRegister:
		i.id = uint8((value >> 24) & 0x0f)
	case index == ioapicVersionRegister, index == ioapicArbitrationRegister:
		// Read-only in hardware.
	case index >= ioapicRedirectionTableBase:
		i.writeRedirection(index-ioapicRedirectionTableBase, value)
	}
}

func (i *IOAPIC) readRedirection(index uint8) uint32 {
	entry := i.entryForIndex(index)
	if entry == nil {
		return 0
	}
	raw := entry.redirection.raw()
	if index&1 == 1 {
		return uint32(raw >> 32)
	}
	return uint32(raw)
}

func (i *IOAPIC) writeRedirection(index uint8, value uint32) {
	entry := i.entryForIndex(index)
	if entry == nil {
		return
	}

	raw := entry.redirection.raw()
	val := uint64(value)
	lowMask := redirectionWriteMask & 0xffffffff
	highMask := redirectionWriteMask & 0xffffffff00000000

	wasMasked := entry.redirection.masked()
	if index&1 == 1 {
		raw &^= highMask
		raw |= (val << 32) & highMask
	} else {
		raw &^= lowMask
		raw |= val & lowMask
	}
	entry.redirection.setRaw(raw)

	// Unmasking a line that is already high counts as an edge.
	forceEdge := wasMasked && !entry.redirection.masked() && entry.lineLevel
	entry.evaluate(i.routing, &i.stats, index/2, forceEdge)
}

func (i *IOAPIC) entryForIndex(index uint8) *irqRedirection {
	n := int(index / 2)
	if n >= len(i.entries) {
		return nil
	}
	return &i.entries[n]
}

func (i *IOAPIC) inRange(addr uint64, size uint64) bool {
	if addr < i.base {
		return false
	}
	return addr+size <= i.base+ioapicRegisterWindowSize
}

type irqRedirection struct {
	redirection redirectionEntry
	lineLevel   bool
}

func newIRQRedirection() irqRedirection {
	return irqRedirection{redirection: newRedirectionEntry()}
}

func (r *irqRedirection) assert(router IoApicRouting, stats *ioapicStats, line uint8) {
	edge := !r.lineLevel
	r.lineLevel = true
	r.evaluate(router, stats, line, edge)
}

func (r *irqRedirection) deassert() {
	r.lineLevel = false
	r.redirection.setRemoteIRR(false)
}

func (r *irqRedirection) evaluate(router IoApicRouting, stats *ioapicStats, line uint8, edge bool) {
	if r.redirection.masked() {
		return
	}
	isLevel := r.redirection.isLevelCapable()
	switch {
	case isLevel && (!r.lineLevel || r.redirection.remoteIRR()):
		return
	case !isLevel && !edge:
		return
	}

	r.redirection.setRemoteIRR(isLevel)
	stats.interrupts++
	if int(line) < len(stats.perIRQ) {
		stats.perIRQ[line]++
	}

	router.Assert(r.redirection.vector(), r.redirection.destination(), isLevel)
}

type redirectionEntry struct {
	value uint64
}

func newRedirectionEntry() redirectionEntry {
	return redirectionEntry{value: 1 << 16}
}

func (r redirectionEntry) raw() uint64 { return r.value }

func (r *redirectionEntry) setRaw(value uint64) { r.value = value }

// destination returns bits 56-63.
func (r redirectionEntry) destination() uint8 { return uint8(r.value >> 56) }

func (r redirectionEntry) vector() uint8 { return uint8(r.value) }

func (r redirectionEntry) deliveryMode() uint8 { return uint8((r.value >> 8) & 0x7) }

func (r redirectionEntry) masked() bool { return (r.value>>16)&1 == 1 }

func (r redirectionEntry) remoteIRR() bool { return (r.value>>14)&1 == 1 }

func (r *redirectionEntry) setRemoteIRR(val bool) {
	if val {
		r.value |= 1 << 14
	} else {
		r.value &^= 1 << 14
	}
}

func (r redirectionEntry) triggerModeLevel() bool { return (r.value>>15)&1 == 1 }

func (r redirectionEntry) isLevelCapable() bool {
	if !r.triggerModeLevel() {
		return false
	}
	mode := r.deliveryMode()
	return mode == deliveryModeFixed || mode == deliveryModeLowestPriority
}

type ioapicStats struct {
	interrupts uint64
	perIRQ     []uint64
}

var (
	_ cs.Device        = (*IOAPIC)(nil)
	_ cs.InterruptSink = (*IOAPIC)(nil)
	_ cs.EOITarget     = (*IOAPIC)(nil)
)
