package chipset

import "sync"

// EOITarget receives end-of-interrupt broadcasts.
type EOITarget interface {
	HandleEOI(vector uint8)
}

// LineSet owns the interrupt lines of a machine. Devices drive handles from
// AllocateLine; level changes reach the sink once per transition.
type LineSet struct {
	mu sync.Mutex

	sink    InterruptSink
	lines   map[uint8]*lineState
	targets []EOITarget
}

type lineState struct {
	level  bool
	raises int
}

// NewLineSet forwards level changes to sink. A nil sink drops them.
func NewLineSet(sink InterruptSink) *LineSet {
	if sink == nil {
		sink = noopInterruptSink{}
	}
	return &LineSet{sink: sink, lines: make(map[uint8]*lineState)}
}

// AttachEOITarget adds a receiver for BroadcastEOI.
func (l *LineSet) AttachEOITarget(target EOITarget) {
	if target == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.targets = append(l.targets, target)
}

// AllocateLine returns a handle for line. Handles for the same line share
// state.
func (l *LineSet) AllocateLine(line uint8) LineInterrupt {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stateLocked(line)
	return lineHandle{owner: l, line: line}
}

// Level reports the current level of line.
func (l *LineSet) Level(line uint8) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.lines[line]
	return s != nil && s.level
}

// Raises counts low to high transitions on line.
func (l *LineSet) Raises(line uint8) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s := l.lines[line]; s != nil {
		return s.raises
	}
	return 0
}

// BroadcastEOI passes vector to every attached target in order.
func (l *LineSet) BroadcastEOI(vector uint8) {
	l.mu.Lock()
	targets := append([]EOITarget(nil), l.targets...)
	l.mu.Unlock()
	for _, t := range targets {
		t.HandleEOI(vector)
	}
}

func (l *LineSet) stateLocked(line uint8) *lineState {
	s, ok := l.lines[line]
	if !ok {
		s = &lineState{}
		l.lines[line] = s
	}
	return s
}

// setLevel must not hold mu while calling the sink: delivery can reach a
// device that drives another line.
func (l *LineSet) setLevel(line uint8, high bool) {
	l.mu.Lock()
	s := l.stateLocked(line)
	if s.level == high {
		l.mu.Unlock()
		return
	}
	s.level = high
	if high {
		s.raises++
	}
	l.mu.Unlock()
	l.sink.SetIRQ(line, high)
}

type lineHandle struct {
	owner *LineSet
	line  uint8
}

func (h lineHandle) SetLevel(high bool) { h.owner.setLevel(h.line, high) }

// PulseInterrupt raises and lowers the line. A line already held high only
// drops.
func (h lineHandle) PulseInterrupt() {
	h.owner.setLevel(h.line, true)
	h.owner.setLevel(h.line, false)
}

type noopInterruptSink struct{}

func (noopInterruptSink) SetIRQ(uint8, bool) {}
