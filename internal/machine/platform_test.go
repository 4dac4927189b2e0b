package machine

import (
	"errors"
	"strings"
	"testing"

	"github.com/tinyrange/hwcore/internal/acpi"
	"github.com/tinyrange/hwcore/internal/hal"
)

func newDefault(t *testing.T) *Platform {
	t.Helper()
	p, err := New(DefaultProfile())
	if err != nil {
		t.Fatalf("new platform: %v", err)
	}
	return p
}

func TestRAMIsSparseAndBounded(t *testing.T) {
	r := NewRAM(0x10000)
	buf := []byte{0xAA, 0xBB, 0xCC}
	if err := r.Write(0x0FFF, buf); err != nil {
		t.Fatalf("write across page: %v", err)
	}
	got := make([]byte, 5)
	if err := r.Read(0x0FFE, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got[0] != 0 || got[1] != 0xAA || got[3] != 0xCC || got[4] != 0 {
		t.Fatalf("read back %x", got)
	}
	if len(r.pages) != 2 {
		t.Fatalf("pages allocated = %d want 2", len(r.pages))
	}
	if err := r.Read(0xFFFE, got); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("read past end err = %v", err)
	}
}

func TestBusRoutesDirectMap(t *testing.T) {
	p := newDefault(t)
	off := p.PhysOffset()

	if err := hal.Write32(p.Memory(), off+0x1000, 0xCAFEF00D); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 4)
	if err := p.RAM.Read(0x1000, buf); err != nil || buf[0] != 0x0D {
		t.Fatalf("RAM did not see write: %x err=%v", buf, err)
	}
	if _, err := p.Memory().ReadAt(buf, 0x1000); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("access below the direct map err = %v", err)
	}

	// The local APIC version register answers through the same view.
	if v := p.MMIO().Read32(off + 0xFEE00030); v&0xFF != 0x14 {
		t.Fatalf("LAPIC version = %#x", v)
	}
}

func TestPageTable(t *testing.T) {
	pt := NewPageTable()
	frames := NewFrameAllocator(0x1000, 0x3000)

	flush, err := pt.MapPage(0xFEC00000, 0xFEC00000+0x1000_0000, hal.PagePresent, frames)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	flush.Flush()
	if pt.Flushes() != 1 || frames.Allocated() != 1 {
		t.Fatalf("flushes=%d frames=%d", pt.Flushes(), frames.Allocated())
	}
	if _, err := pt.MapPage(0xFEC00000, 0xFEC00000+0x1000_0000, hal.PagePresent, frames); !errors.Is(err, hal.ErrAlreadyMapped) {
		t.Fatalf("remap err = %v", err)
	}
	// Same 2 MiB region reuses the leaf table.
	if _, err := pt.MapPage(0xFEC01000, 0xFEC01000+0x1000_0000, hal.PagePresent, frames); err != nil {
		t.Fatalf("map neighbour: %v", err)
	}
	if frames.Allocated() != 1 {
		t.Fatalf("frames = %d want 1", frames.Allocated())
	}
	if _, err := pt.MapPage(0x123, 0x1000, hal.PagePresent, frames); err == nil {
		t.Fatalf("unaligned mapping accepted")
	}

	frames.AllocateFrame()
	if _, err := pt.MapPage(0, 0x4000_0000, hal.PagePresent, frames); !errors.Is(err, ErrOutOfFrames) {
		t.Fatalf("exhausted allocator err = %v", err)
	}
	if m, ok := pt.Lookup(0xFEC01000 + 0x1000_0000 + 0x10); !ok || m.Phys != 0xFEC01000 {
		t.Fatalf("lookup = %+v %v", m, ok)
	}
}

func TestVirtualClockTSCRate(t *testing.T) {
	c := NewVirtualClock(1_000_000_000, 2_000_000_000)
	a := c.TSC()
	b := c.TSC()
	// 1us at 2 GHz.
	if b-a != 2000 {
		t.Fatalf("TSC step = %d want 2000", b-a)
	}
}

func TestFirmwareTablesDescribeMachine(t *testing.T) {
	p := newDefault(t)
	cat := acpi.NewCatalog(p.Memory(), p.Ports(), nil)
	if err := cat.Discover(p.PhysOffset()); err != nil {
		t.Fatalf("discover: %v", err)
	}
	if base, ok := cat.LocalAPICAddress(); !ok || base != 0xFEE00000 {
		t.Fatalf("LAPIC = %#x %v", base, ok)
	}
	if io := cat.IOAPICs(); len(io) != 1 || io[0].Address != 0xFEC00000 {
		t.Fatalf("IO-APICs = %+v", io)
	}
	if len(cat.ISOs()) != 2 {
		t.Fatalf("ISOs = %+v", cat.ISOs())
	}
	h, ok := cat.HPET()
	if !ok || h.PeriodFS != 10_000_000 {
		t.Fatalf("HPET = %+v %v", h, ok)
	}
	if e := cat.ECAM(); len(e) != 1 || e[0].BaseAddress != 0xB0000000 {
		t.Fatalf("ECAM = %+v", e)
	}
	if cat.EnableStatus() != acpi.EnableConfirmed {
		t.Fatalf("enable status = %v", cat.EnableStatus())
	}
	if !p.PM.SCIEnabled() {
		t.Fatalf("SCI_EN not latched")
	}
}

func TestDisabledACPILeavesNoRootPointer(t *testing.T) {
	prof := DefaultProfile()
	prof.ACPI.Disabled = true
	p, err := New(prof)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	cat := acpi.NewCatalog(p.Memory(), p.Ports(), nil)
	if err := cat.Discover(p.PhysOffset()); !errors.Is(err, acpi.ErrNoRootPointer) {
		t.Fatalf("discover err = %v", err)
	}
}

func TestLegacyConfigPorts(t *testing.T) {
	p := newDefault(t)
	ports := p.Ports()

	ports.Out32(0xCF8, 0x80000000|2<<11)
	if id := ports.In32(0xCFC); id != 0x10D38086 {
		t.Fatalf("00:02.0 id = %#x", id)
	}
	ports.Out32(0xCF8, 0x80000000|5<<11)
	if id := ports.In32(0xCFC); id != 0xFFFFFFFF {
		t.Fatalf("empty slot id = %#x", id)
	}
	if v := ports.In8(0x70); v != 0xFF {
		t.Fatalf("unclaimed port = %#x", v)
	}
}

func TestSerialPortOnISABus(t *testing.T) {
	p := newDefault(t)
	ports := p.Ports()
	if len(p.UARTs) != 1 {
		t.Fatalf("UARTs = %d want 1", len(p.UARTs))
	}
	ports.Out8(0x3FF, 0x5A)
	if v := ports.In8(0x3FF); v != 0x5A {
		t.Fatalf("scratch = %#x want 0x5a", v)
	}
	if lsr := ports.In8(0x3FD); lsr&0x60 != 0x60 {
		t.Fatalf("LSR = %#x want transmitter empty", lsr)
	}

	var out strings.Builder
	p.UARTs[0].SetOutput(&out)
	ports.Out8(0x3F8, 'A')
	if out.String() != "A" {
		t.Fatalf("output = %q", out.String())
	}
}

func TestInterruptPathThroughIOAPIC(t *testing.T) {
	p := newDefault(t)
	mmio := p.MMIO()
	io := p.PhysOffset() + 0xFEC00000
	lapicEOI := p.PhysOffset() + 0xFEE000B0

	// ISA IRQ 0 arrives on GSI 2: vector 0x30, edge, unmasked, APIC 0.
	mmio.Write32(io, 0x10+2*2+1)
	mmio.Write32(io+0x10, 0)
	mmio.Write32(io, 0x10+2*2)
	mmio.Write32(io+0x10, 0x30)

	p.PulseISA(0)
	var got []uint8
	n := p.DeliverPending(func(v uint8) {
		got = append(got, v)
		mmio.Write32(lapicEOI, 0)
	})
	if n != 1 || got[0] != 0x30 {
		t.Fatalf("delivered %v", got)
	}
	if p.LAPIC.EOIs() != 1 {
		t.Fatalf("EOIs = %d", p.LAPIC.EOIs())
	}
	if p.IOAPICs[0].Delivered(2) != 1 {
		t.Fatalf("pin 2 deliveries = %d", p.IOAPICs[0].Delivered(2))
	}
	if p.DeliverPending(func(uint8) {}) != 0 {
		t.Fatalf("spurious delivery")
	}
}

func TestMaskedPinDoesNotDeliver(t *testing.T) {
	p := newDefault(t)
	p.Line(11).PulseInterrupt()
	if n := p.DeliverPending(func(uint8) {}); n != 0 {
		t.Fatalf("masked pin delivered %d", n)
	}
}

func TestHPETRaisesThroughIOAPIC(t *testing.T) {
	p := newDefault(t)
	mmio := p.MMIO()
	io := p.PhysOffset() + 0xFEC00000
	hpetBase := p.PhysOffset() + 0xFED00000

	mmio.Write32(io, 0x10+2*5)
	mmio.Write32(io+0x10, 0x45)

	// Timer 0: one-shot on route 5 at tick 10.
	mmio.Write32(hpetBase+0x100, 1<<2|5<<9)
	mmio.Write32(hpetBase+0x108, 10)
	mmio.Write32(hpetBase+0x10, 1)
	mmio.Read32(hpetBase + 0xF0)

	var got []uint8
	p.DeliverPending(func(v uint8) { got = append(got, v) })
	if len(got) != 1 || got[0] != 0x45 {
		t.Fatalf("delivered %v want [0x45]", got)
	}
}
