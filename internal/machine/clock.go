package machine

import (
	"math/bits"
	"sync"
)

const femtosecondsPerSecond = 1_000_000_000_000_000

// VirtualClock is the machine's notion of time. Every read moves it forward
// by a fixed step, so timer-driven code sees time pass without wall-clock
// dependence.
type VirtualClock struct {
	mu    sync.Mutex
	now   uint64
	step  uint64
	tscHz uint64
}

// NewVirtualClock returns a clock stepping step femtoseconds per read with
// a TSC running at tscHz.
func NewVirtualClock(step, tscHz uint64) *VirtualClock {
	return &VirtualClock{step: step, tscHz: tscHz}
}

func (c *VirtualClock) tick() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += c.step
	return c.now
}

// Femtoseconds implements hpet.Clock.
func (c *VirtualClock) Femtoseconds() uint64 { return c.tick() }

// TSC returns the time stamp counter.
func (c *VirtualClock) TSC() uint64 {
	now := c.tick()
	hi, lo := bits.Mul64(now, c.tscHz)
	if hi >= femtosecondsPerSecond {
		return ^uint64(0)
	}
	q, _ := bits.Div64(hi, lo, femtosecondsPerSecond)
	return q
}

// TSCHz returns the configured TSC frequency.
func (c *VirtualClock) TSCHz() uint64 { return c.tscHz }
