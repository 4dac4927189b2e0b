package hpet

import (
	"encoding/binary"
	"testing"
)

type manualClock struct{ now uint64 }

func (c *manualClock) Femtoseconds() uint64 { return c.now }

type recordSink struct{ raised []uint8 }

func (s *recordSink) SetIRQ(line uint8, level bool) {
	if level {
		s.raised = append(s.raised, line)
	}
}

const base = 0xFED00000

func read64(t *testing.T, d *Device, off uint64) uint64 {
	t.Helper()
	buf := make([]byte, 8)
	if err := d.ReadMMIO(base+off, buf); err != nil {
		t.Fatalf("read %#x: %v", off, err)
	}
	return binary.LittleEndian.Uint64(buf)
}

func write64(t *testing.T, d *Device, off, v uint64) {
	t.Helper()
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	if err := d.WriteMMIO(base+off, buf); err != nil {
		t.Fatalf("write %#x: %v", off, err)
	}
}

func TestCapabilitiesCarryPeriod(t *testing.T) {
	d := New(Config{Base: base, Period: 69841279})
	caps := read64(t, d, regGenCap)
	if got := uint32(caps >> 32); got != 69841279 {
		t.Fatalf("period = %d want 69841279", got)
	}
	if got := (caps >> 8) & 0x1F; got != numTimers-1 {
		t.Fatalf("timer count field = %d", got)
	}

	buf := make([]byte, 4)
	if err := d.ReadMMIO(base+4, buf); err != nil {
		t.Fatalf("read high half: %v", err)
	}
	if binary.LittleEndian.Uint32(buf) != 69841279 {
		t.Fatalf("high dword = %#x", buf)
	}
}

func TestCounterFollowsClock(t *testing.T) {
	clk := &manualClock{}
	d := New(Config{Base: base, Clock: clk})

	clk.now = 50 * DefaultPeriod
	if got := read64(t, d, regMainCounter); got != 0 {
		t.Fatalf("counter ran while halted: %d", got)
	}

	write64(t, d, regGenConfig, 1)
	clk.now += 1000*DefaultPeriod + DefaultPeriod/2
	if got := read64(t, d, regMainCounter); got != 1000 {
		t.Fatalf("counter = %d want 1000", got)
	}
	clk.now += DefaultPeriod / 2
	if got := read64(t, d, regMainCounter); got != 1001 {
		t.Fatalf("counter = %d want 1001", got)
	}
}

func TestStepClockIsDeterministic(t *testing.T) {
	d := New(Config{Base: base})
	write64(t, d, regGenConfig, 1)
	a := read64(t, d, regMainCounter)
	b := read64(t, d, regMainCounter)
	if b-a != 1 {
		t.Fatalf("step = %d want 1", b-a)
	}
}

func TestOneShotComparatorRaisesRoute(t *testing.T) {
	clk := &manualClock{}
	sink := &recordSink{}
	d := New(Config{Base: base, Clock: clk, Sink: sink})

	write64(t, d, regTimerConfig, timerConfIntEnable|5<<timerConfIntRouteShift)
	write64(t, d, regTimerConfig+0x08, 100)
	write64(t, d, regGenConfig, 1)

	clk.now = 99 * DefaultPeriod
	read64(t, d, regMainCounter)
	if len(sink.raised) != 0 {
		t.Fatalf("fired early: %v", sink.raised)
	}
	clk.now = 100 * DefaultPeriod
	read64(t, d, regMainCounter)
	if len(sink.raised) != 1 || sink.raised[0] != 5 {
		t.Fatalf("raised = %v want [5]", sink.raised)
	}
	if read64(t, d, regIntStatus)&1 == 0 {
		t.Fatalf("status bit clear")
	}
	write64(t, d, regIntStatus, 1)
	if read64(t, d, regIntStatus) != 0 {
		t.Fatalf("status not cleared")
	}
}

func TestLegacyReplacementRoutesTimerZeroToLineZero(t *testing.T) {
	clk := &manualClock{}
	sink := &recordSink{}
	d := New(Config{Base: base, Clock: clk, Sink: sink})

	write64(t, d, regTimerConfig, timerConfIntEnable|timerConfPeriodic|9<<timerConfIntRouteShift)
	write64(t, d, regTimerConfig+0x08, 10)
	write64(t, d, regGenConfig, 3)

	clk.now = 35 * DefaultPeriod
	read64(t, d, regMainCounter)
	if len(sink.raised) != 1 || sink.raised[0] != 0 {
		t.Fatalf("raised = %v want [0]", sink.raised)
	}
	if got := read64(t, d, regTimerConfig+0x08); got != 40 {
		t.Fatalf("next comparator = %d want 40", got)
	}
}

func TestTimerCapsAreReadOnly(t *testing.T) {
	d := New(Config{Base: base})
	write64(t, d, regTimerConfig, 0)
	cfg := read64(t, d, regTimerConfig)
	if cfg&timerConfPeriodicCap == 0 || cfg&timerConfSizeCap == 0 {
		t.Fatalf("capability bits lost: %#x", cfg)
	}
}

func TestOutsideWindow(t *testing.T) {
	d := New(Config{Base: base})
	if err := d.ReadMMIO(base+MMIOWindowSize, make([]byte, 4)); err == nil {
		t.Fatalf("read outside window succeeded")
	}
}
