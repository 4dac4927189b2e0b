package device

import "fmt"

// Resource is one window or interrupt source a device exposes. The concrete
// types are comparable so descriptors can be merged as sets.
type Resource interface {
	fmt.Stringer
	isResource()
}

// MemoryMapped is a memory BAR or firmware-described MMIO window. A 64-bit
// BAR is a single MemoryMapped resource.
type MemoryMapped struct {
	Addr uint64
	Len  uint64
}

// IO is an I/O port range.
type IO struct {
	Addr uint64
	Len  uint64
}

// Interrupt is a legacy interrupt line as reported by the device.
type Interrupt struct {
	Vector uint8
}

// MSI describes a function's message signaled interrupt capability.
type MSI struct {
	Vectors  uint8
	Addr64   bool
	Maskable bool
	MsgAddr  uint64
	MsgData  uint16
}

// MSIX describes where a function's MSI-X table lives.
type MSIX struct {
	TableBAR         uint8
	TableOffset      uint32
	TableSize        uint16
	TablePresent     bool
	FirstEntryMasked bool
}

func (MemoryMapped) isResource() {}
func (IO) isResource()           {}
func (Interrupt) isResource()    {}
func (MSI) isResource()          {}
func (MSIX) isResource()         {}

func (r MemoryMapped) String() string { return fmt.Sprintf("MMIO@%#x:%#x", r.Addr, r.Len) }
func (r IO) String() string           { return fmt.Sprintf("IO@%#x:%#x", r.Addr, r.Len) }
func (r Interrupt) String() string    { return fmt.Sprintf("IRQ@%d", r.Vector) }
func (r MSI) String() string          { return fmt.Sprintf("MSI(v%d)", r.Vectors) }

func (r MSIX) String() string {
	return fmt.Sprintf("MSI-X[bar%d@%#x,n=%d,present=%t,masked=%t]",
		r.TableBAR, r.TableOffset, r.TableSize, r.TablePresent, r.FirstEntryMasked)
}

// Capability is a decoded entry of a PCI capability list.
type Capability interface {
	fmt.Stringer
	isCapability()
}

// PowerManagement is capability 0x01.
type PowerManagement struct {
	PMCap uint16
	PMCSR uint16
}

// PCIExpress is capability 0x10, kept as its first two raw dwords.
type PCIExpress struct {
	Header    uint32
	DeviceCap uint32
}

// OtherCapability holds any capability id that is not decoded.
type OtherCapability struct {
	ID   uint8
	Raw0 uint32
	Raw1 uint32
}

func (PowerManagement) isCapability() {}
func (PCIExpress) isCapability()      {}
func (OtherCapability) isCapability() {}

func (PowerManagement) String() string   { return "PM" }
func (PCIExpress) String() string        { return "PCIe" }
func (c OtherCapability) String() string { return fmt.Sprintf("C%02x", c.ID) }
