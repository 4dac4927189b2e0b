package apic

import "fmt"

// RedirectionEntry is one 64-bit IO-APIC redirection table entry. The low
// word carries vector, delivery and trigger configuration and the mask;
// the high word carries the destination in bits 56-63.
type RedirectionEntry uint64

// Delivery modes.
const (
	DeliveryFixed          = 0x0
	DeliveryLowestPriority = 0x1
	DeliverySMI            = 0x2
	DeliveryNMI            = 0x4
	DeliveryINIT           = 0x5
	DeliveryExtINT         = 0x7
)

const (
	entryDestModeLogical = 1 << 11
	entryPending         = 1 << 12
	entryActiveLow       = 1 << 13
	entryRemoteIRR       = 1 << 14
	entryLevel           = 1 << 15
	entryMasked          = 1 << 16
)

// NewEntry returns a fixed-delivery, physical-destination entry.
func NewEntry(vector uint8, dest uint8, activeLow, level, masked bool) RedirectionEntry {
	e := RedirectionEntry(vector).WithDestination(dest)
	if activeLow {
		e |= entryActiveLow
	}
	if level {
		e |= entryLevel
	}
	if masked {
		e |= entryMasked
	}
	return e
}

func (e RedirectionEntry) Low() uint32  { return uint32(e) }
func (e RedirectionEntry) High() uint32 { return uint32(e >> 32) }

func (e RedirectionEntry) Vector() uint8       { return uint8(e) }
func (e RedirectionEntry) DeliveryMode() uint8 { return uint8(e>>8) & 0x7 }
func (e RedirectionEntry) Logical() bool       { return e&entryDestModeLogical != 0 }
func (e RedirectionEntry) Pending() bool       { return e&entryPending != 0 }
func (e RedirectionEntry) ActiveLow() bool     { return e&entryActiveLow != 0 }
func (e RedirectionEntry) RemoteIRR() bool     { return e&entryRemoteIRR != 0 }
func (e RedirectionEntry) Level() bool         { return e&entryLevel != 0 }
func (e RedirectionEntry) Masked() bool        { return e&entryMasked != 0 }
func (e RedirectionEntry) Destination() uint8  { return uint8(e >> 56) }

// WithDestination returns e targeting the given physical APIC id.
func (e RedirectionEntry) WithDestination(dest uint8) RedirectionEntry {
	return e&^(0xFF<<56) | RedirectionEntry(dest)<<56
}

// WithMask returns e with the mask bit set or cleared.
func (e RedirectionEntry) WithMask(masked bool) RedirectionEntry {
	if masked {
		return e | entryMasked
	}
	return e &^ entryMasked
}

func (e RedirectionEntry) String() string {
	trigger, polarity, mask := "edge", "high", ""
	if e.Level() {
		trigger = "level"
	}
	if e.ActiveLow() {
		polarity = "low"
	}
	if e.Masked() {
		mask = " masked"
	}
	return fmt.Sprintf("vec=%#02x dest=%d %s/%s%s", e.Vector(), e.Destination(), trigger, polarity, mask)
}
