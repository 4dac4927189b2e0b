// Package clock calibrates the time stamp counter against the HPET main
// counter and drives a TSC-deadline periodic timer from the result.
package clock

import (
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"time"

	"github.com/tinyrange/hwcore/internal/hal"
)

const (
	// DefaultPeriodCycles is used when calibration is unavailable
	// (about 10ms at 1 GHz).
	DefaultPeriodCycles = 10_000_000

	// DefaultMinTicks is the least HPET progress a calibration accepts.
	DefaultMinTicks = 1000

	hpetGenConfig   = 0x010
	hpetMainCounter = 0x0F0
	hpetWindowSize  = 0x400

	femtosecondsPerSecond = 1_000_000_000_000_000

	maxPolls = 1 << 24
)

var (
	ErrUnsupported  = errors.New("clock: CPU lacks TSC, MSR or TSC-deadline support")
	ErrUnavailable  = errors.New("clock: no HPET reference")
	ErrHPETTooHigh  = errors.New("clock: HPET above 4 GiB is not mapped")
	ErrNoProgress   = errors.New("clock: HPET counter did not advance")
	ErrZeroInterval = errors.New("clock: calibration interval too short")
)

// Features are the CPU capability gates for the deadline timer.
type Features struct {
	TSC         bool
	MSR         bool
	TSCDeadline bool
}

// DeadlineCapable reports whether every gate is open.
func (f Features) DeadlineCapable() bool {
	return f.TSC && f.MSR && f.TSCDeadline
}

// CounterReader reads a free-running reference counter.
type CounterReader interface {
	Counter() uint64
}

// HPETCounter reads the HPET main counter through MMIO. Base is the
// virtual address of the register block.
type HPETCounter struct {
	MMIO hal.MMIO
	Base uint64
}

// Counter implements CounterReader. The halves are re-read until the high
// word is stable.
func (h HPETCounter) Counter() uint64 {
	for {
		hi := h.MMIO.Read32(h.Base + hpetMainCounter + 4)
		lo := h.MMIO.Read32(h.Base + hpetMainCounter)
		if h.MMIO.Read32(h.Base+hpetMainCounter+4) == hi {
			return uint64(hi)<<32 | uint64(lo)
		}
	}
}

// Enable starts the main counter if firmware left it halted.
func (h HPETCounter) Enable() {
	cfg := h.MMIO.Read32(h.Base + hpetGenConfig)
	if cfg&1 == 0 {
		h.MMIO.Write32(h.Base+hpetGenConfig, cfg|1)
	}
}

// MapHPET maps the HPET register block at physOffset. Blocks above 4 GiB
// are refused.
func MapHPET(m hal.Mapper, frames hal.FrameAllocator, base, physOffset uint64) error {
	if base >= 1<<32 {
		return fmt.Errorf("%w: %#x", ErrHPETTooHigh, base)
	}
	return hal.MapWindow(m, frames, base, hpetWindowSize, physOffset)
}

// Result is the outcome of a calibration.
type Result struct {
	TSCHz        uint64
	PeriodCycles uint64
	HPETTicks    uint64
	TSCTicks     uint64
	Calibrated   bool
}

func defaultResult() Result {
	return Result{PeriodCycles: DefaultPeriodCycles}
}

// Calibrate samples counter and tsc until the counter has advanced by
// minTicks, then derives the TSC frequency and the number of cycles in
// desired. On failure the result carries DefaultPeriodCycles.
func Calibrate(counter CounterReader, tsc func() uint64, periodFS uint32, desired time.Duration, minTicks uint64) (Result, error) {
	if counter == nil || tsc == nil || periodFS == 0 {
		return defaultResult(), ErrUnavailable
	}
	if minTicks == 0 {
		minTicks = DefaultMinTicks
	}

	h1 := counter.Counter()
	t1 := tsc()
	var h2 uint64
	polls := 0
	for {
		h2 = counter.Counter()
		if h2-h1 >= minTicks {
			break
		}
		polls++
		if polls >= maxPolls {
			return defaultResult(), ErrNoProgress
		}
	}
	t2 := tsc()

	hdelta := h2 - h1
	tdelta := t2 - t1

	hz, ok := tscHz(tdelta, hdelta, uint64(periodFS))
	if !ok {
		return defaultResult(), ErrZeroInterval
	}
	cycles := scale(hz, uint64(desired), uint64(time.Second))
	if cycles == 0 {
		return defaultResult(), ErrZeroInterval
	}

	slog.Info("clock: calibrated TSC",
		"hz", hz,
		"hpet_ticks", hdelta,
		"tsc_ticks", tdelta,
		"period_cycles", cycles)
	return Result{
		TSCHz:        hz,
		PeriodCycles: cycles,
		HPETTicks:    hdelta,
		TSCTicks:     tdelta,
		Calibrated:   true,
	}, nil
}

// tscHz computes tdelta*1e15 / (hdelta*periodFS) in 128-bit arithmetic.
func tscHz(tdelta, hdelta, periodFS uint64) (uint64, bool) {
	dhi, dlo := bits.Mul64(hdelta, periodFS)
	if dhi != 0 || dlo == 0 {
		return 0, false
	}
	nhi, nlo := bits.Mul64(tdelta, femtosecondsPerSecond)
	if nhi >= dlo {
		return 0, false
	}
	q, _ := bits.Div64(nhi, nlo, dlo)
	return q, q != 0
}

// scale returns v*num/den, saturating on overflow.
func scale(v, num, den uint64) uint64 {
	hi, lo := bits.Mul64(v, num)
	if hi >= den {
		return ^uint64(0)
	}
	q, _ := bits.Div64(hi, lo, den)
	return q
}
