// Package hpet emulates the High Precision Event Timer block. The main
// counter follows a Clock instead of wall time so reads are reproducible.
package hpet

import (
	"fmt"
	"log/slog"
	"sync"

	cs "github.com/tinyrange/hwcore/internal/chipset"
)

// Clock reports elapsed virtual time in femtoseconds.
type Clock interface {
	Femtoseconds() uint64
}

// StepClock advances by Step femtoseconds every time it is read.
type StepClock struct {
	mu   sync.Mutex
	now  uint64
	Step uint64
}

// Femtoseconds implements Clock.
func (c *StepClock) Femtoseconds() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += c.Step
	return c.now
}

const (
	// DefaultPeriod is the counter tick in femtoseconds (10ns).
	DefaultPeriod = 10_000_000
	vendorID      = 0x8086
	numTimers     = 3

	timerConfIntType     uint64 = 1 << 1
	timerConfIntEnable   uint64 = 1 << 2
	timerConfPeriodic    uint64 = 1 << 3
	timerConfPeriodicCap uint64 = 1 << 4
	timerConfSizeCap     uint64 = 1 << 5
	timerConfValSet      uint64 = 1 << 6
	timerConf32Bit       uint64 = 1 << 8

	timerConfIntRouteShift uint64 = 9
	timerConfIntRouteMask  uint64 = 0x1F << timerConfIntRouteShift

	timerConfFSBEnable uint64 = 1 << 14
	timerConfFSBCap    uint64 = 1 << 15

	timerWritableMask = timerConfIntType | timerConfIntEnable | timerConfPeriodic |
		timerConfValSet | timerConf32Bit | timerConfIntRouteMask | timerConfFSBEnable

	legacyReplacementCap = uint64(1 << 15)
	counterSizeCap       = uint64(1 << 13)

	regGenCap      = 0x000
	regGenConfig   = 0x010
	regIntStatus   = 0x020
	regMainCounter = 0x0F0
	regTimerConfig = 0x100
	timerStride    = 0x20

	MMIOWindowSize = 0x400
)

type timer struct {
	config     uint64
	caps       uint64
	comparator uint64
	period     uint64
	fsRoute    uint64
}

// Config places the block and chooses its tick.
type Config struct {
	Base uint64
	// Period is the tick in femtoseconds. Zero selects DefaultPeriod.
	Period uint32
	Clock  Clock
	Sink   cs.InterruptSink
}

// Device is an HPET block with three comparators.
type Device struct {
	base   uint64
	period uint64
	clock  Clock
	sink   cs.InterruptSink

	mu            sync.Mutex
	generalConfig uint64
	intStatus     uint64
	counter       uint64
	lastUpdate    uint64
	enabled       bool

	timers [numTimers]timer
}

// New constructs an HPET device mapped at cfg.Base.
func New(cfg Config) *Device {
	if cfg.Period == 0 {
		cfg.Period = DefaultPeriod
	}
	if cfg.Clock == nil {
		cfg.Clock = &StepClock{Step: uint64(cfg.Period)}
	}
	dev := &Device{
		base:   cfg.Base,
		period: uint64(cfg.Period),
		clock:  cfg.Clock,
		sink:   cfg.Sink,
	}
	dev.resetLocked()
	return dev
}

func (d *Device) resetLocked() {
	d.generalConfig = 0
	d.intStatus = 0
	d.counter = 0
	d.enabled = false
	d.lastUpdate = d.clock.Femtoseconds()
	for i := range d.timers {
		caps := timerConfPeriodicCap | timerConfSizeCap | (uint64(0xffffffff) << 32)
		caps &^= timerConfFSBCap
		d.timers[i] = timer{caps: caps, config: caps}
	}
}

// Base returns the physical address of the register block.
func (d *Device) Base() uint64 { return d.base }

// Reset implements chipset.Device.
func (d *Device) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetLocked()
	return nil
}

// SupportsPortIO implements chipset.Device.
func (d *Device) SupportsPortIO() *cs.PortIOIntercept { return nil }

// SupportsMmio implements chipset.Device.
func (d *Device) SupportsMmio() *cs.MmioIntercept {
	return &cs.MmioIntercept{
		Regions: []cs.Region{{Address: d.base, Size: MMIOWindowSize}},
		Handler: d,
	}
}

func (d *Device) offsetFor(addr uint64) (uint64, error) {
	if addr >= d.base && addr < d.base+MMIOWindowSize {
		return addr - d.base, nil
	}
	return 0, fmt.Errorf("hpet: address 0x%x outside MMIO window", addr)
}

// ReadMMIO implements chipset.MmioHandler.
func (d *Device) ReadMMIO(addr uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	offset, err := d.offsetFor(addr)
	if err != nil {
		return err
	}
	if len(data) > 8 {
		return fmt.Errorf("hpet: invalid read size %d", len(data))
	}

	// Registers are 64 bits wide; a 4-byte read may target either half.
	reg, shift := offset&^0x7, (offset&0x7)*8
	val := uint64(0)

	switch {
	case reg == regGenCap:
		val = d.period<<32 | uint64(vendorID)<<16 | counterSizeCap | (numTimers-1)<<8 | legacyReplacementCap | 0x01
	case reg == regGenConfig:
		val = d.generalConfig
	case reg == regIntStatus:
		val = d.intStatus
	case reg == regMainCounter:
		d.advanceCounterLocked()
		val = d.counter
	case reg >= regTimerConfig:
		idx := (reg - regTimerConfig) / timerStride
		if idx >= numTimers {
			break
		}
		t := &d.timers[idx]
		switch (reg - regTimerConfig) % timerStride {
		case 0x00:
			val = t.config
		case 0x08:
			val = t.comparator
		case 0x10:
			val = t.fsRoute
		}
	}

	val >>= shift
	for i := range data {
		data[i] = byte(val >> (i * 8))
	}
	return nil
}

// WriteMMIO implements chipset.MmioHandler.
func (d *Device) WriteMMIO(addr uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	offset, err := d.offsetFor(addr)
	if err != nil {
		return err
	}
	if len(data) > 8 {
		return fmt.Errorf("hpet: invalid write size %d", len(data))
	}
	d.advanceCounterLocked()

	reg, shift := offset&^0x7, (offset&0x7)*8
	var val uint64
	for i := range data {
		val |= uint64(data[i]) << (i * 8)
	}
	// Merge partial writes into the current register value.
	merge := func(cur uint64) uint64 {
		if len(data) == 8 {
			return val
		}
		mask := (uint64(1)<<(8*len(data)) - 1) << shift
		return cur&^mask | (val<<shift)&mask
	}

	switch {
	case reg == regGenConfig:
		d.generalConfig = merge(d.generalConfig) & 0x3
		enabled := d.generalConfig&1 == 1
		slog.Debug("hpet: general config", "enable", enabled, "legacy", d.generalConfig&2 != 0)
		d.enabled = enabled
	case reg == regIntStatus:
		d.intStatus &^= val << shift
	case reg == regMainCounter:
		d.counter = merge(d.counter)
	case reg >= regTimerConfig:
		idx := (reg - regTimerConfig) / timerStride
		if idx >= numTimers {
			return nil
		}
		t := &d.timers[idx]
		switch (reg - regTimerConfig) % timerStride {
		case 0x00:
			t.config = (merge(t.config) & timerWritableMask) | t.caps
			if t.config&timerConf32Bit != 0 {
				t.comparator &= 0xffffffff
				t.period &= 0xffffffff
			}
			slog.Debug("hpet: timer config",
				"timer", idx,
				"enable", t.config&timerConfIntEnable != 0,
				"periodic", t.config&timerConfPeriodic != 0,
				"route", (t.config&timerConfIntRouteMask)>>timerConfIntRouteShift)
		case 0x08:
			cmp := merge(t.comparator)
			if t.config&timerConf32Bit != 0 {
				cmp &= 0xffffffff
			}
			t.comparator = cmp
			t.period = cmp
		case 0x10:
			t.fsRoute = merge(t.fsRoute)
		}
	}
	return nil
}

func (d *Device) advanceCounterLocked() {
	now := d.clock.Femtoseconds()
	if now < d.lastUpdate {
		d.lastUpdate = now
		return
	}
	if !d.enabled {
		d.lastUpdate = now
		return
	}

	ticks := (now - d.lastUpdate) / d.period
	if ticks == 0 {
		return
	}
	prev := d.counter
	d.counter += ticks
	// Keep the remainder so sub-tick time is not lost.
	d.lastUpdate += ticks * d.period
	d.checkTimersLocked(prev)
}

func (d *Device) checkTimersLocked(prev uint64) {
	current := d.counter
	for i := range d.timers {
		t := &d.timers[i]
		if t.config&timerConfIntEnable == 0 {
			continue
		}
		// MSI/FSB delivery is not implemented.
		if t.config&timerConfFSBEnable != 0 {
			continue
		}

		period := t.period
		if t.config&timerConfPeriodic == 0 || period == 0 {
			if prev < t.comparator && current >= t.comparator {
				d.raiseIRQLocked(i, t)
			}
			continue
		}

		fired := false
		comp := t.comparator
		for current >= comp {
			fired = true
			comp += period
		}
		t.comparator = comp
		if fired {
			d.raiseIRQLocked(i, t)
		}
	}
}

func (d *Device) raiseIRQLocked(idx int, t *timer) {
	irq := d.routeForTimerLocked(idx, t)
	d.intStatus |= 1 << idx
	slog.Debug("hpet: timer fired", "timer", idx, "irq", irq)
	if d.sink == nil {
		return
	}
	d.sink.SetIRQ(irq, true)
	d.sink.SetIRQ(irq, false)
}

func (d *Device) routeForTimerLocked(idx int, t *timer) uint8 {
	if d.generalConfig&2 != 0 {
		switch idx {
		case 0:
			return 0
		case 1:
			return 8
		}
	}
	return uint8((t.config & timerConfIntRouteMask) >> timerConfIntRouteShift)
}

var _ cs.Device = (*Device)(nil)
