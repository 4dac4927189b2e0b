package chipset

import "testing"

func TestDualPICInitialization(t *testing.T) {
	pic := NewDualPIC()
	programPIC(t, pic)

	if !pic.Initialized() {
		t.Fatalf("PIC pair not initialized")
	}
	if m, s := pic.Offsets(); m != 0x30 || s != 0x38 {
		t.Fatalf("offsets = %#x/%#x want 0x30/0x38", m, s)
	}
	if pic.Pending() {
		t.Fatalf("interrupt pending after initialization")
	}
}

func TestDualPICEdgeInterruptPrimary(t *testing.T) {
	pic := initializedPIC(t)
	const irqLine = 0

	pic.SetIRQ(irqLine, true)
	if !pic.Pending() {
		t.Fatalf("ready line not asserted for primary IRQ")
	}

	requested, vec := pic.Acknowledge()
	if !requested {
		t.Fatalf("expected interrupt to be acknowledged")
	}
	if vec != 0x30+irqLine {
		t.Fatalf("unexpected vector 0x%x", vec)
	}

	pic.SetIRQ(irqLine, false)
	sendEOI(t, pic, irqLine)
	if pic.EOICount(irqLine) != 1 {
		t.Fatalf("EOI not recorded for IRQ %d", irqLine)
	}
}

func TestDualPICEdgeInterruptSecondary(t *testing.T) {
	pic := initializedPIC(t)
	const irqLine = 10 // maps to secondary line 2

	pic.SetIRQ(irqLine, true)
	if !pic.Pending() {
		t.Fatalf("ready line not asserted for secondary IRQ")
	}

	requested, vec := pic.Acknowledge()
	if !requested {
		t.Fatalf("expected interrupt to be acknowledged")
	}
	if vec != 0x38+(irqLine-8) {
		t.Fatalf("unexpected vector 0x%x", vec)
	}

	pic.SetIRQ(irqLine, false)
	sendEOI(t, pic, irqLine)
	if pic.EOICount(irqLine) != 1 || pic.EOICount(picChainCommunicationIRQ) != 1 {
		t.Fatalf("EOI counts: irq=%d cascade=%d", pic.EOICount(irqLine), pic.EOICount(picChainCommunicationIRQ))
	}
}

func TestDualPICMaskedLineIsNotPending(t *testing.T) {
	pic := initializedPIC(t)
	if err := pic.WriteIOPort(primaryPicDataPort, []byte{0xFF}); err != nil {
		t.Fatalf("mask write: %v", err)
	}
	pic.SetIRQ(1, true)
	if pic.Pending() {
		t.Fatalf("masked line raised INTR")
	}
	if m, _ := pic.Masks(); m != 0xFF {
		t.Fatalf("primary mask = %#x", m)
	}
}

func TestIMCRSwitchesToAPICMode(t *testing.T) {
	pic := NewDualPIC()
	if err := pic.WriteIOPort(imcrSelectPort, []byte{imcrRegister}); err != nil {
		t.Fatalf("select: %v", err)
	}
	if err := pic.WriteIOPort(imcrDataPort, []byte{0x01}); err != nil {
		t.Fatalf("data: %v", err)
	}
	if !pic.APICMode() {
		t.Fatalf("IMCR write did not select APIC mode")
	}
	buf := []byte{0}
	if err := pic.ReadIOPort(imcrDataPort, buf); err != nil || buf[0] != 1 {
		t.Fatalf("IMCR readback %v err=%v", buf, err)
	}
}

func initializedPIC(t *testing.T) *DualPIC {
	t.Helper()
	pic := NewDualPIC()
	programPIC(t, pic)
	return pic
}

func programPIC(t *testing.T, pic *DualPIC) {
	t.Helper()
	writes := []struct {
		port uint16
		data byte
	}{
		{primaryPicCommandPort, 0x11},
		{primaryPicDataPort, 0x30},
		{primaryPicDataPort, 0x04},
		{primaryPicDataPort, 0x01},
		{secondaryPicCommandPort, 0x11},
		{secondaryPicDataPort, 0x38},
		{secondaryPicDataPort, 0x02},
		{secondaryPicDataPort, 0x01},
	}
	for _, w := range writes {
		if err := pic.WriteIOPort(w.port, []byte{w.data}); err != nil {
			t.Fatalf("write to 0x%x failed: %v", w.port, err)
		}
	}
}

func sendEOI(t *testing.T, pic *DualPIC, irq uint8) {
	t.Helper()
	type write struct {
		port  uint16
		value byte
	}
	seq := []write{{primaryPicCommandPort, byte(0x60 | (irq & picIRQMask))}}
	if irq >= 8 {
		seq = []write{
			{secondaryPicCommandPort, byte(0x60 | ((irq - 8) & picIRQMask))},
			{primaryPicCommandPort, byte(0x60 | picChainCommunicationIRQ)},
		}
	}
	for _, w := range seq {
		if err := pic.WriteIOPort(w.port, []byte{w.value}); err != nil {
			t.Fatalf("EOI write to 0x%x failed: %v", w.port, err)
		}
	}
}
