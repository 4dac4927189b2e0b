package chipset

import (
	"encoding/binary"
	"strings"
	"testing"
)

type scratchDevice struct {
	ports   []uint16
	regions []Region
	value   uint32
	resets  int
	mmio    map[uint64]byte
}

func (d *scratchDevice) Reset() error { d.resets++; return nil }

func (d *scratchDevice) SupportsPortIO() *PortIOIntercept {
	if len(d.ports) == 0 {
		return nil
	}
	return &PortIOIntercept{Ports: d.ports, Handler: d}
}

func (d *scratchDevice) SupportsMmio() *MmioIntercept {
	if len(d.regions) == 0 {
		return nil
	}
	return &MmioIntercept{Regions: d.regions, Handler: d}
}

func (d *scratchDevice) ReadIOPort(port uint16, data []byte) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], d.value)
	copy(data, buf[:])
	return nil
}

func (d *scratchDevice) WriteIOPort(port uint16, data []byte) error {
	var buf [4]byte
	copy(buf[:], data)
	d.value = binary.LittleEndian.Uint32(buf[:])
	return nil
}

func (d *scratchDevice) ReadMMIO(addr uint64, data []byte) error {
	for i := range data {
		data[i] = d.mmio[addr+uint64(i)]
	}
	return nil
}

func (d *scratchDevice) WriteMMIO(addr uint64, data []byte) error {
	if d.mmio == nil {
		d.mmio = make(map[uint64]byte)
	}
	for i, b := range data {
		d.mmio[addr+uint64(i)] = b
	}
	return nil
}

func TestBuilderRejectsConflicts(t *testing.T) {
	b := NewBuilder()
	if err := b.RegisterDevice("a", &scratchDevice{ports: []uint16{0x80}, regions: []Region{{0x1000, 0x100}}}); err != nil {
		t.Fatalf("register a: %v", err)
	}
	if err := b.RegisterDevice("a", &scratchDevice{}); err == nil {
		t.Fatalf("duplicate name accepted")
	}
	err := b.RegisterDevice("b", &scratchDevice{ports: []uint16{0x80}})
	if err == nil || !strings.Contains(err.Error(), `"a"`) {
		t.Fatalf("port conflict got %v", err)
	}
	if err := b.RegisterDevice("c", &scratchDevice{regions: []Region{{0x10F0, 0x20}}}); err == nil {
		t.Fatalf("overlapping MMIO region accepted")
	}
	if err := b.RegisterDevice("d", &scratchDevice{regions: []Region{{0x2000, 0}}}); err == nil {
		t.Fatalf("zero-size region accepted")
	}
	if err := b.RegisterDevice("e", nil); err == nil {
		t.Fatalf("nil device accepted")
	}
}

func TestChipsetPortAccess(t *testing.T) {
	dev := &scratchDevice{ports: []uint16{0x510}}
	b := NewBuilder()
	if err := b.RegisterDevice("scratch", dev); err != nil {
		t.Fatalf("register: %v", err)
	}
	cs, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	cs.Out32(0x510, 0xDEADBEEF)
	if got := cs.In32(0x510); got != 0xDEADBEEF {
		t.Fatalf("In32 got %#x want 0xdeadbeef", got)
	}
	if got := cs.In16(0x510); got != 0xBEEF {
		t.Fatalf("In16 got %#x want 0xbeef", got)
	}
	if got := cs.In8(0x511); got != 0xFF {
		t.Fatalf("unclaimed port got %#x want 0xff", got)
	}
	cs.Out8(0x511, 1) // dropped

	if err := cs.Reset(); err != nil || dev.resets != 1 {
		t.Fatalf("reset got err=%v resets=%d", err, dev.resets)
	}
}

func TestChipsetMMIODispatch(t *testing.T) {
	dev := &scratchDevice{regions: []Region{{0xFEC00000, 0x20}}}
	b := NewBuilder()
	if err := b.RegisterDevice("window", dev); err != nil {
		t.Fatalf("register: %v", err)
	}
	cs, _ := b.Build()

	if !cs.ClaimsMMIO(0xFEC00010, 4) {
		t.Fatalf("region not claimed")
	}
	if cs.ClaimsMMIO(0xFEC0001E, 4) {
		t.Fatalf("access straddling the region end claimed")
	}
	if err := cs.HandleMMIO(0xFEC00010, []byte{1, 2, 3, 4}, true); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 4)
	if err := cs.HandleMMIO(0xFEC00010, buf, false); err != nil || buf[3] != 4 {
		t.Fatalf("read got %v err=%v", buf, err)
	}
	if err := cs.HandleMMIO(0xFEE00000, buf, false); err == nil {
		t.Fatalf("unclaimed MMIO succeeded")
	}
}

type recordingSink struct {
	events []string
}

func (s *recordingSink) SetIRQ(line uint8, level bool) {
	if level {
		s.events = append(s.events, "high")
	} else {
		s.events = append(s.events, "low")
	}
}

type eoiRecorder struct{ vectors []uint8 }

func (r *eoiRecorder) HandleEOI(v uint8) { r.vectors = append(r.vectors, v) }

func TestLineSet(t *testing.T) {
	sink := &recordingSink{}
	lines := NewLineSet(sink)
	line := lines.AllocateLine(9)

	line.SetLevel(true)
	lines.AllocateLine(9).SetLevel(true)
	if len(sink.events) != 1 || !lines.Level(9) {
		t.Fatalf("level change forwarded %v", sink.events)
	}
	line.SetLevel(false)
	line.PulseInterrupt()
	want := []string{"high", "low", "high", "low"}
	if strings.Join(sink.events, ",") != strings.Join(want, ",") {
		t.Fatalf("events got %v want %v", sink.events, want)
	}
	if lines.Raises(9) != 2 || lines.Raises(3) != 0 {
		t.Fatalf("raises got %d/%d want 2/0", lines.Raises(9), lines.Raises(3))
	}

	first, second := &eoiRecorder{}, &eoiRecorder{}
	lines.AttachEOITarget(first)
	lines.AttachEOITarget(nil)
	lines.AttachEOITarget(second)
	lines.BroadcastEOI(0x29)
	lines.BroadcastEOI(0x30)
	if len(first.vectors) != 2 || len(second.vectors) != 2 || second.vectors[1] != 0x30 {
		t.Fatalf("EOI broadcast got %v and %v", first.vectors, second.vectors)
	}
}
