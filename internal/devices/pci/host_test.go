package pci

import (
	"encoding/binary"
	"testing"
)

func nicConfig() FunctionConfig {
	return FunctionConfig{
		VendorID: 0x8086,
		DeviceID: 0x10D3,
		Class:    0x02,
		BARs: []BARConfig{
			{Size: 0x20000, Mem64: true, Prefetchable: true},
			{Size: 0x20, IO: true},
			{Size: 0x4000},
		},
		InterruptLine: 11,
		InterruptPin:  1,
		Capabilities: []CapabilityConfig{
			{Kind: CapabilityPM, PMCap: 0xC803},
			{Kind: CapabilityMSI, Vectors: 4, Addr64: true, MsgAddr: 0xFEE00000, MsgData: 0x41},
			{Kind: CapabilityMSIX, TableBAR: 3, TableOffset: 0x2000, TableSize: 5, MaskFirst: true},
		},
	}
}

func TestFunctionBARSizingRoundTrip(t *testing.T) {
	h := NewHostBridge(HostBridgeConfig{})
	f, err := h.AddFunction(0, 2, 0, nicConfig())
	if err != nil {
		t.Fatalf("add function: %v", err)
	}
	w := f.Windows()
	if len(w) != 3 {
		t.Fatalf("windows = %v", w)
	}
	if w[0].Addr == 0 || w[0].Addr%0x20000 != 0 || w[2].Addr != 0xC000 {
		t.Fatalf("allocation = %+v", w)
	}

	size := func(reg uint16) (orig, mask uint32) {
		orig = h.ReadConfig(0, 2, 0, reg, 4)
		h.WriteConfig(0, 2, 0, reg, 4, 0xFFFFFFFF)
		mask = h.ReadConfig(0, 2, 0, reg, 4)
		h.WriteConfig(0, 2, 0, reg, 4, orig)
		return orig, mask
	}

	orig, mask := size(regBAR0)
	if mask != 0xFFFE000C {
		t.Fatalf("64-bit low mask = %#x want 0xfffe000c", mask)
	}
	if _, hi := size(regBAR0 + 4); hi != 0xFFFFFFFF {
		t.Fatalf("64-bit high mask = %#x", hi)
	}
	if got := h.ReadConfig(0, 2, 0, regBAR0, 4); got != orig {
		t.Fatalf("BAR0 not restored: %#x want %#x", got, orig)
	}
	if _, io := size(regBAR0 + 8); io != 0xFFFFFFE1 {
		t.Fatalf("I/O mask = %#x want 0xffffffe1", io)
	}
	if _, m := size(regBAR0 + 12); m != 0xFFFFC000 {
		t.Fatalf("32-bit mask = %#x want 0xffffc000", m)
	}
	if _, none := size(regBAR0 + 16); none != 0 {
		t.Fatalf("absent BAR became writable: %#x", none)
	}
}

func TestFunctionCapabilityLayout(t *testing.T) {
	h := NewHostBridge(HostBridgeConfig{})
	if _, err := h.AddFunction(0, 2, 0, nicConfig()); err != nil {
		t.Fatalf("add function: %v", err)
	}
	if h.ReadConfig(0, 2, 0, regStatus, 2)&statusCapabilityList == 0 {
		t.Fatalf("capability list bit clear")
	}

	var ids []uint32
	ptr := uint16(h.ReadConfig(0, 2, 0, regCapabilities, 1))
	for ptr != 0 && len(ids) < 8 {
		ids = append(ids, h.ReadConfig(0, 2, 0, ptr, 1))
		ptr = uint16(h.ReadConfig(0, 2, 0, ptr+1, 1))
	}
	if len(ids) != 3 || ids[0] != 0x01 || ids[1] != 0x05 || ids[2] != 0x11 {
		t.Fatalf("capability ids = %x", ids)
	}

	// MSI sits right after the 8-byte PM entry.
	if ctrl := h.ReadConfig(0, 2, 0, 0x4A, 2); ctrl != 2<<1|1<<7 {
		t.Fatalf("MSI control = %#x", ctrl)
	}
}

func TestFunctionCapabilityLoopAndOffsets(t *testing.T) {
	h := NewHostBridge(HostBridgeConfig{})
	_, err := h.AddFunction(0, 1, 0, FunctionConfig{
		VendorID: 0x1234,
		Capabilities: []CapabilityConfig{
			{Kind: CapabilityVendor, Offset: 0x50},
			{Kind: CapabilityMSI, Offset: 0x62},
		},
		LoopCapabilities: true,
	})
	if err != nil {
		t.Fatalf("add function: %v", err)
	}
	if next := h.ReadConfig(0, 1, 0, 0x63, 1); next != 0x50 {
		t.Fatalf("loop link = %#x want 0x50", next)
	}
	if next := h.ReadConfig(0, 1, 0, 0x51, 1); next != 0x62 {
		t.Fatalf("first link = %#x want 0x62", next)
	}
}

func TestFunctionRejectsBadConfig(t *testing.T) {
	h := NewHostBridge(HostBridgeConfig{})
	bad := []FunctionConfig{
		{VendorID: 1, BARs: []BARConfig{{Size: 0x3000}}},
		{VendorID: 1, HeaderType: 1, BARs: []BARConfig{{Size: 0x1000}, {Size: 0x1000, Mem64: true}}},
		{VendorID: 1, Capabilities: []CapabilityConfig{{Kind: "bogus"}}},
		{VendorID: 1, Capabilities: []CapabilityConfig{{Kind: CapabilityMSIX, TableSize: 4}}},
		{VendorID: 1, Capabilities: []CapabilityConfig{{Kind: CapabilityMSI, Vectors: 3}}},
	}
	for i, cfg := range bad {
		if _, err := h.AddFunction(0, uint8(i), 0, cfg); err == nil {
			t.Fatalf("config %d accepted", i)
		}
	}
	if _, err := h.AddFunction(0, 31, 0, FunctionConfig{VendorID: 1}); err != nil {
		t.Fatalf("valid function rejected: %v", err)
	}
	if _, err := h.AddFunction(0, 31, 0, FunctionConfig{VendorID: 1}); err == nil {
		t.Fatalf("duplicate location accepted")
	}
}

func TestMSIXTableBackedByBAR(t *testing.T) {
	h := NewHostBridge(HostBridgeConfig{})
	f, err := h.AddFunction(0, 2, 0, nicConfig())
	if err != nil {
		t.Fatalf("add function: %v", err)
	}
	tables := h.Tables()
	if len(tables) != 1 {
		t.Fatalf("tables = %d", len(tables))
	}
	if want := f.Windows()[3].Addr + 0x2000; tables[0].Base() != want {
		t.Fatalf("table base = %#x want %#x", tables[0].Base(), want)
	}
	buf := make([]byte, 4)
	if err := tables[0].ReadMMIO(tables[0].Base()+12, buf); err != nil {
		t.Fatalf("read vector control: %v", err)
	}
	if binary.LittleEndian.Uint32(buf) != 1 {
		t.Fatalf("first entry not masked")
	}
	if err := tables[0].ReadMMIO(tables[0].Base()+5*16, buf); err == nil {
		t.Fatalf("read past the table succeeded")
	}
}

func TestECAMWindow(t *testing.T) {
	h := NewHostBridge(HostBridgeConfig{ECAMBase: 0xB0000000, StartBus: 0, EndBus: 1})
	if _, err := h.AddFunction(1, 3, 2, FunctionConfig{VendorID: 0x1AF4, DeviceID: 0x1041}); err != nil {
		t.Fatalf("add function: %v", err)
	}
	if r := h.SupportsMmio().Regions[0]; r.Size != 2<<20 {
		t.Fatalf("ECAM size = %#x", r.Size)
	}

	buf := make([]byte, 4)
	addr := uint64(0xB0000000 + 1<<20 + 3<<15 + 2<<12)
	if err := h.ReadMMIO(addr, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := binary.LittleEndian.Uint32(buf); got != 0x10411AF4 {
		t.Fatalf("id = %#x", got)
	}
	if err := h.ReadMMIO(0xB0000000+4<<15, buf); err != nil || binary.LittleEndian.Uint32(buf) != 0xFFFFFFFF {
		t.Fatalf("absent function read %x err=%v", buf, err)
	}
}
