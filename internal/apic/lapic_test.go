package apic

import "testing"

func TestLocalAPICEnableAndID(t *testing.T) {
	mmio := newFakeMMIO()
	l := NewLocalAPIC(mmio, 0x1000_0000)

	if l.Present() || l.Enabled() || l.ID() != 0 {
		t.Fatalf("unpublished local APIC reports state")
	}
	l.Publish(0xFEE00000)

	base := uint64(0x1000_0000 + 0xFEE00000)
	mmio.lapic[base+LAPICID] = 3 << 24
	mmio.lapic[base+LAPICSpurious] = 0x0F

	l.Enable(DefaultSpurious)
	if got := mmio.lapic[base+LAPICSpurious]; got != svrEnable|DefaultSpurious {
		t.Fatalf("SVR got %#x want %#x", got, svrEnable|DefaultSpurious)
	}
	if !l.Enabled() {
		t.Fatalf("local APIC not enabled")
	}
	if id := l.ID(); id != 3 {
		t.Fatalf("ID got %d want 3", id)
	}

	l.ConfigureNMI(1)
	if got := mmio.lapic[base+LAPICLVTLINT1]; got != lvtDeliveryNMI {
		t.Fatalf("LINT1 got %#x want %#x", got, lvtDeliveryNMI)
	}
}

func TestLegacyPICRemapPreservesMasks(t *testing.T) {
	ports := &fakePorts{in: map[uint16]uint8{picPrimaryData: 0xFB, picSecondaryData: 0xFF}}
	NewLegacyPIC(ports).Remap(0x20, 0x28)

	want := []portWrite{
		{0x20, 0x11}, {0xA0, 0x11},
		{0x21, 0x20}, {0xA1, 0x28},
		{0x21, 0x04}, {0xA1, 0x02},
		{0x21, 0x01}, {0xA1, 0x01},
		{0x21, 0xFB}, {0xA1, 0xFF},
	}
	if len(ports.writes) != len(want) {
		t.Fatalf("writes got %v want %v", ports.writes, want)
	}
	for i := range want {
		if ports.writes[i] != want[i] {
			t.Fatalf("write %d got %v want %v", i, ports.writes[i], want[i])
		}
	}
}

func TestLegacyPICMasking(t *testing.T) {
	ports := &fakePorts{}
	p := NewLegacyPIC(ports)
	p.Disable()
	p.SetMasked(1, false)
	p.SetMasked(12, false)
	m1, m2 := p.Masks()
	if m1 != 0xFD || m2 != 0xEF {
		t.Fatalf("masks got %#x/%#x want 0xfd/0xef", m1, m2)
	}

	ports.writes = nil
	p.DisableViaIMCR()
	if len(ports.writes) != 2 || ports.writes[0] != (portWrite{0x22, 0x70}) || ports.writes[1] != (portWrite{0x23, 0x01}) {
		t.Fatalf("IMCR writes got %v", ports.writes)
	}
}
