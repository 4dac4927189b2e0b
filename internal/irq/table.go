// Package irq holds the interrupt vector dispatch table. Vectors 0-31 carry
// the built-in exception handlers; 32-255 are free for drivers and default
// to a placeholder that acknowledges the interrupt and logs it.
package irq

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

const (
	NumVectors = 256

	// FirstExternal is the first vector not reserved for CPU exceptions.
	FirstExternal = 32
)

// Frame is what the low-level entry stub hands to a handler.
type Frame struct {
	Vector    uint8
	ErrorCode uint64
	IP        uint64
}

// Handler services one interrupt. Hardware interrupt handlers must signal
// end-of-interrupt as their last action.
type Handler func(f *Frame)

// EOI acknowledges an interrupt at its controller.
type EOI interface {
	EOI(vector uint8)
}

type eoiSink struct{ eoi EOI }

// Table is a 256-slot dispatch table. Slot updates are single atomic stores,
// so concurrent registration of one vector is last-writer-wins.
type Table struct {
	slots  [NumVectors]atomic.Pointer[Handler]
	counts [NumVectors]atomic.Uint64
	eoi    atomic.Pointer[eoiSink]

	unhandled atomic.Uint64
}

// New returns an independent table with the exception handlers installed.
func New() *Table {
	t := &Table{}
	t.init()
	return t
}

func (t *Table) init() {
	for v := range FirstExternal {
		h := Handler(exceptionHandler)
		t.slots[v].Store(&h)
	}
}

var (
	sharedTable Table
	sharedOnce  sync.Once
	shared      atomic.Pointer[Table]
	sharedInits atomic.Int32
)

// Shared returns the process-wide table. It lives in static storage and is
// initialized exactly once; every caller observes the same pointer.
func Shared() *Table {
	if t := shared.Load(); t != nil {
		return t
	}
	sharedOnce.Do(func() {
		sharedTable.init()
		sharedInits.Add(1)
		shared.Store(&sharedTable)
	})
	return shared.Load()
}

// Register installs h for vector, replacing whatever was there. Only
// vectors 32-255 are meaningful; this layer does not check.
func (t *Table) Register(vector uint8, h Handler) {
	if h == nil {
		t.Unregister(vector)
		return
	}
	t.slots[vector].Store(&h)
}

// Unregister restores the placeholder for vector.
func (t *Table) Unregister(vector uint8) {
	t.slots[vector].Store(nil)
}

// Registered reports whether vector has a handler other than the placeholder.
func (t *Table) Registered(vector uint8) bool {
	return t.slots[vector].Load() != nil
}

// SetEOI installs the controller acknowledged by the placeholder handler and
// by Table.EOI.
func (t *Table) SetEOI(e EOI) {
	if e == nil {
		t.eoi.Store(nil)
		return
	}
	t.eoi.Store(&eoiSink{eoi: e})
}

// EOI signals end-of-interrupt for vector through the installed controller.
func (t *Table) EOI(vector uint8) {
	if s := t.eoi.Load(); s != nil {
		s.eoi.EOI(vector)
	}
}

// Dispatch runs the handler for f.Vector.
func (t *Table) Dispatch(f *Frame) {
	t.counts[f.Vector].Add(1)
	if h := t.slots[f.Vector].Load(); h != nil {
		(*h)(f)
		return
	}
	t.placeholder(f)
}

func (t *Table) placeholder(f *Frame) {
	t.unhandled.Add(1)
	slog.Debug("irq: unhandled vector", "vector", f.Vector)
	t.EOI(f.Vector)
}

// Count returns how many times vector was dispatched.
func (t *Table) Count(vector uint8) uint64 {
	return t.counts[vector].Load()
}

// Unhandled returns how many interrupts reached the placeholder.
func (t *Table) Unhandled() uint64 {
	return t.unhandled.Load()
}

func exceptionHandler(f *Frame) {
	slog.Error("irq: CPU exception",
		"vector", f.Vector,
		"name", ExceptionName(f.Vector),
		"error_code", f.ErrorCode,
		"ip", f.IP)
}
