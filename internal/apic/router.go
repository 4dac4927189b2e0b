package apic

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/hwcore/internal/acpi"
	"github.com/tinyrange/hwcore/internal/hal"
)

var (
	ErrNoController = errors.New("apic: no IO-APIC covers GSI")
	ErrNoLocalAPIC  = errors.New("apic: no local APIC")
	ErrNotMapped    = errors.New("apic: GSI not programmed")
)

// LegacyVectorBase is where ISA IRQs land: IRQ n uses vector 0x20+n.
const LegacyVectorBase = 0x20

const legacyIRQs = 16

// Catalog is the topology the router needs from firmware discovery.
type Catalog interface {
	LocalAPICAddress() (uint64, bool)
	IOAPICs() []acpi.IOAPIC
	ISOs() []acpi.InterruptOverride
}

// State is the routing state of one GSI.
type State uint8

const (
	Unmapped State = iota
	MaskedDefault
	UnmaskedForCPU
	// MaskedByDriver is an explicit Mask. Only Unmask leaves it.
	MaskedByDriver
)

func (s State) String() string {
	switch s {
	case Unmapped:
		return "unmapped"
	case MaskedDefault:
		return "masked"
	case UnmaskedForCPU:
		return "unmasked"
	case MaskedByDriver:
		return "held"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Location identifies the controller input a GSI arrives on.
type Location struct {
	Controller int
	ID         uint8
	Index      int
}

// ControllerInfo describes an initialized IO-APIC.
type ControllerInfo struct {
	ID      uint8
	Address uint32
	GSIBase uint32
	Count   int
}

type gsiRoute struct {
	state  State
	vector uint8
	apicID uint8
	// irq is the legacy IRQ delivered on this GSI, or -1.
	irq int
}

// Option configures a Router.
type Option func(*Router)

// WithLegacyPIC sets the controller used for EOI when no Local APIC exists.
func WithLegacyPIC(p *LegacyPIC) Option {
	return func(r *Router) { r.pic = p }
}

// WithLocalAPIC shares a Local APIC between the router and its callers.
func WithLocalAPIC(l *LocalAPIC) Option {
	return func(r *Router) { r.lapic = l }
}

// Router owns the IO-APIC redirection tables and the per-GSI state machine
// Unmapped -> MaskedDefault -> UnmaskedForCPU. Configuration takes the
// router lock; EOI only reads atomics and may run in interrupt context.
type Router struct {
	mmio       hal.MMIO
	physOffset uint64
	catalog    Catalog
	lapic      *LocalAPIC
	pic        *LegacyPIC

	mu          sync.Mutex
	controllers []*IOAPIC
	routes      map[uint32]*gsiRoute

	// vectorIRQ holds irq+1 for vectors programmed for a legacy IRQ.
	vectorIRQ [256]atomic.Int32
}

// NewRouter returns a router over the controllers catalog describes.
func NewRouter(mmio hal.MMIO, physOffset uint64, catalog Catalog, opts ...Option) *Router {
	r := &Router{
		mmio:       mmio,
		physOffset: physOffset,
		catalog:    catalog,
		routes:     make(map[uint32]*gsiRoute),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.lapic == nil {
		r.lapic = NewLocalAPIC(mmio, physOffset)
	}
	return r
}

// LocalAPIC returns the Local APIC the router signals EOI through.
func (r *Router) LocalAPIC() *LocalAPIC { return r.lapic }

// Init reads every IO-APIC's redirection count and publishes the Local APIC
// base. A machine without IO-APICs returns ErrNoController; without a Local
// APIC base it returns ErrNoLocalAPIC. Both leave the router usable.
func (r *Router) Init() error {
	var errs []error

	if base, ok := r.catalog.LocalAPICAddress(); ok && base != 0 {
		r.lapic.Publish(base)
		slog.Info("apic: local APIC", "base", fmt.Sprintf("%#x", base))
	} else {
		slog.Warn("apic: no local APIC, falling back to legacy PIC EOI")
		errs = append(errs, ErrNoLocalAPIC)
	}

	var controllers []*IOAPIC
	for _, d := range r.catalog.IOAPICs() {
		io := NewIOAPIC(r.mmio, uint64(d.Address)+r.physOffset)
		io.id, io.phys, io.gsiBase = d.ID, d.Address, d.GSIBase
		if io.Version() == 0xFFFFFFFF {
			slog.Warn("apic: IO-APIC version unreadable, assuming 24 entries", "id", d.ID)
		}
		io.count = io.RedirectionCount()
		slog.Info("apic: IO-APIC",
			"id", d.ID,
			"addr", fmt.Sprintf("%#x", d.Address),
			"gsi_base", d.GSIBase,
			"entries", io.count)
		controllers = append(controllers, io)
	}
	if len(controllers) == 0 {
		errs = append(errs, ErrNoController)
	}

	r.mu.Lock()
	r.controllers = controllers
	clear(r.routes)
	r.mu.Unlock()
	for i := range r.vectorIRQ {
		r.vectorIRQ[i].Store(0)
	}

	return errors.Join(errs...)
}

// Controllers describes the initialized IO-APICs.
func (r *Router) Controllers() []ControllerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ControllerInfo, 0, len(r.controllers))
	for _, io := range r.controllers {
		out = append(out, ControllerInfo{ID: io.id, Address: io.phys, GSIBase: io.gsiBase, Count: io.count})
	}
	return out
}

// Resolve finds the controller and input index for gsi by range containment.
func (r *Router) Resolve(gsi uint32) (Location, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	loc, _, ok := r.resolveLocked(gsi)
	return loc, ok
}

func (r *Router) resolveLocked(gsi uint32) (Location, *IOAPIC, bool) {
	for i, io := range r.controllers {
		if io.Contains(gsi) {
			return Location{Controller: i, ID: io.id, Index: int(gsi - io.gsiBase)}, io, true
		}
	}
	return Location{}, nil, false
}

// GSIForIRQ applies interrupt source overrides to a legacy IRQ.
func (r *Router) GSIForIRQ(irq uint8) (uint32, bool) {
	for _, iso := range r.catalog.ISOs() {
		if iso.Source == irq {
			return iso.GSI, true
		}
	}
	return uint32(irq), false
}

// ProgramDefaults programs every overridden GSI, then legacy GSIs 0-15 not
// already claimed, with vector 0x20+irq, masked, destination 0. GSIs no
// controller covers are logged and stay unmapped.
func (r *Router) ProgramDefaults() int {
	isos := r.catalog.ISOs()

	r.mu.Lock()
	defer r.mu.Unlock()

	programmed := 0
	overridden := make(map[uint8]bool, len(isos))
	for _, iso := range isos {
		overridden[iso.Source] = true
		activeLow, level := overrideMode(iso)
		if r.programLocked(iso.GSI, int(iso.Source), LegacyVectorBase+iso.Source, activeLow, level) {
			programmed++
		}
	}
	for irq := range uint8(legacyIRQs) {
		if overridden[irq] {
			continue
		}
		gsi := uint32(irq)
		if route, ok := r.routes[gsi]; ok && route.state != Unmapped {
			continue
		}
		if r.programLocked(gsi, int(irq), LegacyVectorBase+irq, false, false) {
			programmed++
		}
	}
	slog.Info("apic: default routing programmed", "gsis", programmed)
	return programmed
}

// overrideMode resolves an override's polarity and trigger. Conforming
// values take ISA defaults below GSI 16 and PCI defaults above.
func overrideMode(iso acpi.InterruptOverride) (activeLow, level bool) {
	isa := iso.GSI < legacyIRQs
	switch iso.Flags & 0x3 {
	case acpi.PolarityActiveLow:
		activeLow = true
	case acpi.PolarityConforms:
		activeLow = !isa
	}
	switch (iso.Flags >> 2) & 0x3 {
	case acpi.TriggerLevel:
		level = true
	case acpi.TriggerConforms:
		level = !isa
	}
	return activeLow, level
}

func (r *Router) programLocked(gsi uint32, irq int, vector uint8, activeLow, level bool) bool {
	loc, io, ok := r.resolveLocked(gsi)
	if !ok {
		slog.Warn("apic: GSI not covered by any IO-APIC, leaving unmapped", "gsi", gsi, "irq", irq)
		return false
	}
	e := NewEntry(vector, 0, activeLow, level, true)
	io.WriteEntry(loc.Index, e)
	slog.Debug("apic: programmed redirection", "gsi", gsi, "irq", irq, "entry", e.String())

	if prev, ok := r.routes[gsi]; ok && prev.irq >= 0 {
		r.vectorIRQ[prev.vector].Store(0)
	}
	r.routes[gsi] = &gsiRoute{state: MaskedDefault, vector: vector, irq: irq}
	if irq >= 0 {
		r.vectorIRQ[vector].Store(int32(irq) + 1)
	}
	return true
}

// Route programs gsi with vector, masked and targeting APIC 0. Used for
// GSIs outside the legacy range, such as PCI interrupt lines.
func (r *Router) Route(gsi uint32, vector uint8, activeLow, level bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.programLocked(gsi, -1, vector, activeLow, level) {
		return fmt.Errorf("%w %d", ErrNoController, gsi)
	}
	return nil
}

// EnableForLocal points every masked default GSI at apicID and unmasks it.
// GSIs masked with Mask stay masked. The destination word is written before
// the mask is cleared. It returns the number of GSIs enabled.
func (r *Router) EnableForLocal(apicID uint8) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	gsis := make([]uint32, 0, len(r.routes))
	for gsi, route := range r.routes {
		if route.state == MaskedDefault {
			gsis = append(gsis, gsi)
		}
	}
	slices.Sort(gsis)

	for _, gsi := range gsis {
		r.unmaskLocked(gsi, apicID)
	}
	slog.Info("apic: enabled routed GSIs for CPU", "apic_id", apicID, "gsis", len(gsis))
	return len(gsis)
}

func (r *Router) unmaskLocked(gsi uint32, apicID uint8) bool {
	route, ok := r.routes[gsi]
	if !ok || route.state == Unmapped {
		return false
	}
	loc, io, ok := r.resolveLocked(gsi)
	if !ok {
		return false
	}
	e := io.ReadEntry(loc.Index).WithDestination(apicID).WithMask(false)
	io.WriteEntry(loc.Index, e)
	route.state, route.apicID = UnmaskedForCPU, apicID
	return true
}

// Unmask targets a programmed gsi at apicID and clears its mask.
func (r *Router) Unmask(gsi uint32, apicID uint8) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.unmaskLocked(gsi, apicID) {
		return fmt.Errorf("%w: %d", ErrNotMapped, gsi)
	}
	return nil
}

// Mask sets the mask bit of a programmed gsi and holds it in MaskedByDriver
// until Unmask.
func (r *Router) Mask(gsi uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	route, ok := r.routes[gsi]
	if !ok || route.state == Unmapped {
		return fmt.Errorf("%w: %d", ErrNotMapped, gsi)
	}
	loc, io, _ := r.resolveLocked(gsi)
	io.writeLow(loc.Index, io.ReadEntry(loc.Index).WithMask(true))
	route.state = MaskedByDriver
	return nil
}

// State returns the routing state of gsi and, when unmasked, its target.
func (r *Router) State(gsi uint32) (State, uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	route, ok := r.routes[gsi]
	if !ok {
		return Unmapped, 0
	}
	return route.state, route.apicID
}

// Entry reads back the redirection entry for gsi from the hardware.
func (r *Router) Entry(gsi uint32) (RedirectionEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	loc, io, ok := r.resolveLocked(gsi)
	if !ok {
		return 0, fmt.Errorf("%w %d", ErrNoController, gsi)
	}
	return io.ReadEntry(loc.Index), nil
}

// VectorFor returns the vector programmed for gsi.
func (r *Router) VectorFor(gsi uint32) (uint8, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	route, ok := r.routes[gsi]
	if !ok {
		return 0, false
	}
	return route.vector, true
}

// IRQForVector returns the legacy IRQ programmed for vector. Vectors never
// programmed for a legacy IRQ fall back to vector-0x20.
func (r *Router) IRQForVector(vector uint8) (uint8, bool) {
	if v := r.vectorIRQ[vector].Load(); v > 0 {
		return uint8(v - 1), true
	}
	if vector >= LegacyVectorBase && vector < LegacyVectorBase+legacyIRQs {
		return vector - LegacyVectorBase, false
	}
	return 0, false
}

// EOI signals end-of-interrupt for vector: a Local APIC write when one was
// published, otherwise the legacy PIC with the IRQ that vector serves.
func (r *Router) EOI(vector uint8) {
	if r.lapic.Present() {
		r.lapic.EOI()
		return
	}
	if r.pic == nil {
		return
	}
	irq, tracked := r.IRQForVector(vector)
	if !tracked && (vector < LegacyVectorBase || vector >= LegacyVectorBase+legacyIRQs) {
		return
	}
	r.pic.EOI(irq)
}
