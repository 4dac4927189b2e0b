package clock

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tinyrange/hwcore/internal/hal"
	"github.com/tinyrange/hwcore/internal/irq"
)

// Deadline programs the TSC-deadline MSR.
type Deadline interface {
	ArmDeadline(tsc uint64)
}

// Timer is a periodic timer built on the TSC deadline: every tick re-arms
// the deadline one period ahead.
type Timer struct {
	tsc      func() uint64
	deadline Deadline

	period atomic.Uint64
	ticks  atomic.Uint64
}

// NewTimer returns a timer with DefaultPeriodCycles.
func NewTimer(tsc func() uint64, deadline Deadline) *Timer {
	t := &Timer{tsc: tsc, deadline: deadline}
	t.period.Store(DefaultPeriodCycles)
	return t
}

// SetPeriod changes the period in TSC cycles. Zero is ignored.
func (t *Timer) SetPeriod(cycles uint64) {
	if cycles != 0 {
		t.period.Store(cycles)
	}
}

// Period returns the period in TSC cycles.
func (t *Timer) Period() uint64 { return t.period.Load() }

// Ticks returns how many timer interrupts have been handled.
func (t *Timer) Ticks() uint64 { return t.ticks.Load() }

// Arm programs the next deadline one period from now.
func (t *Timer) Arm() {
	t.deadline.ArmDeadline(t.tsc() + t.period.Load())
}

// Handler returns the interrupt handler for the timer vector. It re-arms
// the deadline and signals EOI through table.
func (t *Timer) Handler(table *irq.Table) irq.Handler {
	return func(f *irq.Frame) {
		t.ticks.Add(1)
		t.Arm()
		table.EOI(f.Vector)
	}
}

// Config is what Init needs to bring the timer up.
type Config struct {
	Features Features

	// HPETBase is the physical HPET block address; zero means none.
	HPETBase   uint64
	PeriodFS   uint32
	MMIO       hal.MMIO
	PhysOffset uint64
	Mapper     hal.Mapper
	Frames     hal.FrameAllocator

	TSC      func() uint64
	Deadline Deadline

	// Interval is the desired tick length.
	Interval time.Duration
	MinTicks uint64
}

// Init checks the feature gates, calibrates against the HPET when one is
// usable and returns an armed timer. A missing or unusable HPET leaves the
// default period in place and is not an error.
func Init(cfg Config) (*Timer, Result, error) {
	if !cfg.Features.DeadlineCapable() {
		return nil, defaultResult(), ErrUnsupported
	}
	if cfg.TSC == nil || cfg.Deadline == nil {
		return nil, defaultResult(), fmt.Errorf("clock: init: %w", ErrUnsupported)
	}
	if cfg.Interval == 0 {
		cfg.Interval = 10 * time.Millisecond
	}

	res := defaultResult()
	switch {
	case cfg.HPETBase == 0 || cfg.PeriodFS == 0:
		slog.Warn("clock: no HPET, using default timer period", "cycles", res.PeriodCycles)
	default:
		if err := MapHPET(cfg.Mapper, cfg.Frames, cfg.HPETBase, cfg.PhysOffset); err != nil {
			slog.Warn("clock: HPET not usable, using default timer period", "err", err)
			break
		}
		counter := HPETCounter{MMIO: cfg.MMIO, Base: cfg.HPETBase + cfg.PhysOffset}
		counter.Enable()
		r, err := Calibrate(counter, cfg.TSC, cfg.PeriodFS, cfg.Interval, cfg.MinTicks)
		if err != nil {
			slog.Warn("clock: calibration failed, using default timer period", "err", err)
			break
		}
		res = r
	}

	t := NewTimer(cfg.TSC, cfg.Deadline)
	t.SetPeriod(res.PeriodCycles)
	t.Arm()
	return t, res, nil
}
