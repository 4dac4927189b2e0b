package apic

import (
	"sync/atomic"

	"github.com/tinyrange/hwcore/internal/hal"
)

// Local APIC register offsets.
const (
	LAPICID        = 0x020
	LAPICVersion   = 0x030
	LAPICTPR       = 0x080
	LAPICEOI       = 0x0B0
	LAPICSpurious  = 0x0F0
	LAPICLVTLINT0  = 0x350
	LAPICLVTLINT1  = 0x360
	LAPICWindowLen = 0x1000
)

const (
	svrEnable       = 1 << 8
	lvtDeliveryNMI  = DeliveryNMI << 8
	lvtMasked       = 1 << 16
	DefaultSpurious = 0xFF
)

// LocalAPIC is the current CPU's Local APIC. The base is published once
// discovery finds it and read lock-free from interrupt context.
type LocalAPIC struct {
	mmio       hal.MMIO
	physOffset uint64
	base       atomic.Uint64
}

// NewLocalAPIC returns a Local APIC with no base published.
func NewLocalAPIC(mmio hal.MMIO, physOffset uint64) *LocalAPIC {
	return &LocalAPIC{mmio: mmio, physOffset: physOffset}
}

// Publish records the physical base address.
func (l *LocalAPIC) Publish(phys uint64) {
	l.base.Store(phys)
}

// Present reports whether a base has been published.
func (l *LocalAPIC) Present() bool { return l.base.Load() != 0 }

// Base returns the physical base address, or 0.
func (l *LocalAPIC) Base() uint64 { return l.base.Load() }

func (l *LocalAPIC) reg(off uint64) uint64 {
	return l.base.Load() + l.physOffset + off
}

// Enable sets the software-enable bit in the spurious vector register and
// installs the spurious vector.
func (l *LocalAPIC) Enable(spurious uint8) {
	if !l.Present() {
		return
	}
	svr := l.mmio.Read32(l.reg(LAPICSpurious))
	svr = svr&^0xFF | svrEnable | uint32(spurious)
	l.mmio.Write32(l.reg(LAPICSpurious), svr)
	l.mmio.Write32(l.reg(LAPICTPR), 0)
}

// Enabled reports the software-enable bit.
func (l *LocalAPIC) Enabled() bool {
	if !l.Present() {
		return false
	}
	return l.mmio.Read32(l.reg(LAPICSpurious))&svrEnable != 0
}

// ID returns the APIC id of the executing CPU.
func (l *LocalAPIC) ID() uint8 {
	if !l.Present() {
		return 0
	}
	return uint8(l.mmio.Read32(l.reg(LAPICID)) >> 24)
}

// Version reads the version register.
func (l *LocalAPIC) Version() uint32 {
	if !l.Present() {
		return 0
	}
	return l.mmio.Read32(l.reg(LAPICVersion))
}

// EOI writes zero to the end-of-interrupt register.
func (l *LocalAPIC) EOI() {
	l.mmio.Write32(l.reg(LAPICEOI), 0)
}

// ConfigureNMI programs LINT pin lint (0 or 1) for NMI delivery.
func (l *LocalAPIC) ConfigureNMI(lint uint8) {
	if !l.Present() {
		return
	}
	off := uint64(LAPICLVTLINT0)
	if lint == 1 {
		off = LAPICLVTLINT1
	}
	l.mmio.Write32(l.reg(off), lvtDeliveryNMI)
}
