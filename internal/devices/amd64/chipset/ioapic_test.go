package chipset

import (
	"encoding/binary"
	"testing"
)

type ioapicTestRouter struct {
	calls []ioapicCall
}

type ioapicCall struct {
	vector uint8
	dest   uint8
	level  bool
}

func (r *ioapicTestRouter) Assert(vector uint8, dest uint8, level bool) {
	r.calls = append(r.calls, ioapicCall{vector: vector, dest: dest, level: level})
}

func TestIOAPICVersionRegister(t *testing.T) {
	dev := NewIOAPIC(0, 0, 24)

	writeIndex(t, dev, ioapicVersionRegister)
	value := readData(t, dev)
	if got, want := value&0xff, uint32(ioapicVersion); got != want {
		t.Fatalf("version register = 0x%x, want 0x%x", got, want)
	}
	if got, want := (value>>16)&0xff, uint32(len(dev.entries)-1); got != want {
		t.Fatalf("max redirection entry = %d, want %d", got, want)
	}

	dev.SetVersionOverride(0xFFFFFFFF)
	writeIndex(t, dev, ioapicVersionRegister)
	if got := readData(t, dev); got != 0xFFFFFFFF {
		t.Fatalf("overridden version = %#x", got)
	}
}

func TestIOAPICIDRegister(t *testing.T) {
	dev := NewIOAPIC(0, 3, 8)
	writeIndex(t, dev, ioapicIDRegister)
	if got := readData(t, dev); got != 3<<24 {
		t.Fatalf("id register = %#x want %#x", got, 3<<24)
	}
}

func TestIOAPICEntriesStartMasked(t *testing.T) {
	dev := NewIOAPIC(0, 0, 24)
	router := &ioapicTestRouter{}
	dev.SetRouting(router)

	dev.SetIRQ(4, true)
	if len(router.calls) != 0 {
		t.Fatalf("masked entry delivered %v", router.calls)
	}
	if dev.Entry(4)&(1<<16) == 0 {
		t.Fatalf("entry 4 not masked after reset: %#x", dev.Entry(4))
	}
}

func TestIOAPICDeliversEdgeInterrupts(t *testing.T) {
	dev := NewIOAPIC(0, 0, 24)
	router := &ioapicTestRouter{}
	dev.SetRouting(router)

	programRedirection(t, dev, 0, 0x45, false, false, 2)

	dev.SetIRQ(0, true)
	if len(router.calls) != 1 {
		t.Fatalf("expected one interrupt, got %d", len(router.calls))
	}
	if router.calls[0].vector != 0x45 || router.calls[0].dest != 2 {
		t.Fatalf("unexpected delivery %+v", router.calls[0])
	}

	// Keeping the line high should not retrigger.
	dev.SetIRQ(0, true)
	if len(router.calls) != 1 {
		t.Fatalf("unexpected retrigger while line high")
	}

	dev.SetIRQ(0, false)
	dev.SetIRQ(0, true)
	if len(router.calls) != 2 {
		t.Fatalf("expected second interrupt, got %d", len(router.calls))
	}
	if dev.Delivered(0) != 2 {
		t.Fatalf("delivered count %d want 2", dev.Delivered(0))
	}
}

func TestIOAPICLevelInterruptRequiresEOI(t *testing.T) {
	dev := NewIOAPIC(0, 0, 24)
	router := &ioapicTestRouter{}
	dev.SetRouting(router)

	const line = 5
	const vector = 0x55
	programRedirection(t, dev, line, vector, true, false, 0)

	dev.SetIRQ(line, true)
	if len(router.calls) != 1 || !router.calls[0].level {
		t.Fatalf("expected first level interrupt, got %v", router.calls)
	}

	dev.HandleEOI(0x99)
	if len(router.calls) != 1 {
		t.Fatalf("EOI for another vector retriggered")
	}

	dev.HandleEOI(vector)
	if len(router.calls) != 2 {
		t.Fatalf("expected second interrupt after EOI while line high, got %d", len(router.calls))
	}
}

func TestIOAPICUnmaskWhileHighIsAnEdge(t *testing.T) {
	dev := NewIOAPIC(0, 0, 24)
	router := &ioapicTestRouter{}
	dev.SetRouting(router)

	programRedirection(t, dev, 1, 0x21, false, true, 0)
	dev.SetIRQ(1, true)
	if len(router.calls) != 0 {
		t.Fatalf("masked line delivered")
	}
	programRedirection(t, dev, 1, 0x21, false, false, 0)
	if len(router.calls) != 1 {
		t.Fatalf("unmask while high did not deliver, got %d", len(router.calls))
	}
}

func TestIOAPICHighWordIsDestinationOnly(t *testing.T) {
	dev := NewIOAPIC(0, 0, 24)
	writeIndex(t, dev, ioapicRedirectionTableBase+1)
	writeData(t, dev, 0xFFFFFFFF)
	if got := dev.Entry(0) >> 32; got != 0xFF000000 {
		t.Fatalf("high word = %#x want 0xff000000", got)
	}
}

func TestIOAPICRejectsAccessOutsideWindow(t *testing.T) {
	dev := NewIOAPIC(0xFEC01000, 1, 8)
	buf := make([]byte, 4)
	if err := dev.ReadMMIO(IOAPICBaseAddress, buf); err == nil {
		t.Fatalf("read below window succeeded")
	}
	if err := dev.ReadMMIO(0xFEC01004, buf); err == nil {
		t.Fatalf("read of reserved offset succeeded")
	}
	if err := dev.WriteMMIO(0xFEC01010, []byte{1, 2}); err == nil {
		t.Fatalf("two-byte data write succeeded")
	}
}

func programRedirection(t *testing.T, dev *IOAPIC, line uint8, vector byte, level, masked bool, dest uint8) {
	t.Helper()
	low := uint32(vector)
	if level {
		low |= 1 << 15
	}
	if masked {
		low |= 1 << 16
	}

	writeIndex(t, dev, ioapicRedirectionTableBase+line*2+1)
	writeData(t, dev, uint32(dest)<<24)

	writeIndex(t, dev, ioapicRedirectionTableBase+line*2)
	writeData(t, dev, low)
}

func writeIndex(t *testing.T, dev *IOAPIC, index uint8) {
	t.Helper()
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(index))
	if err := dev.WriteMMIO(dev.base+ioapicRegisterSelect, buf); err != nil {
		t.Fatalf("write select: %v", err)
	}
}

func writeData(t *testing.T, dev *IOAPIC, value uint32) {
	t.Helper()
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, value)
	if err := dev.WriteMMIO(dev.base+ioapicRegisterData, buf); err != nil {
		t.Fatalf("write data: %v", err)
	}
}

func readData(t *testing.T, dev *IOAPIC) uint32 {
	t.Helper()
	buf := make([]byte, 4)
	if err := dev.ReadMMIO(dev.base+ioapicRegisterData, buf); err != nil {
		t.Fatalf("read data: %v", err)
	}
	return binary.LittleEndian.Uint32(buf)
}
