package pci

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"sync"
)

const (
	configSpaceSize = 4096
	legacySpaceSize = 256

	regCommand      = 0x04
	regStatus       = 0x06
	regHeaderType   = 0x0E
	regBAR0         = 0x10
	regCapabilities = 0x34
	regInterrupt    = 0x3C

	statusCapabilityList = 1 << 4
	headerMultiFunction  = 0x80

	firstCapabilityOffset = 0x40
)

// Capability kinds understood by FunctionConfig.
const (
	CapabilityPM     = "pm"
	CapabilityMSI    = "msi"
	CapabilityMSIX   = "msix"
	CapabilityPCIe   = "pcie"
	CapabilityVendor = "vendor"
)

// BARConfig describes one base address register. A 64-bit BAR takes two
// register slots.
type BARConfig struct {
	Size         uint64 `yaml:"size"`
	IO           bool   `yaml:"io"`
	Mem64        bool   `yaml:"mem64"`
	Prefetchable bool   `yaml:"prefetchable"`
	// Addr pins the BAR. Zero lets the host bridge allocate it.
	Addr uint64 `yaml:"addr"`
}

// CapabilityConfig describes one capability list entry.
type CapabilityConfig struct {
	Kind string `yaml:"kind"`
	// ID is used for the vendor kind and for unknown capabilities.
	ID uint8 `yaml:"id"`
	// Offset pins the entry in configuration space. Zero lays it out
	// after the previous entry.
	Offset uint8 `yaml:"offset"`

	PMCap uint16 `yaml:"pm_cap"`
	PMCSR uint16 `yaml:"pm_csr"`

	Vectors  uint8  `yaml:"vectors"`
	Addr64   bool   `yaml:"addr64"`
	Maskable bool   `yaml:"maskable"`
	MsgAddr  uint64 `yaml:"msg_addr"`
	MsgData  uint16 `yaml:"msg_data"`

	TableBAR    uint8  `yaml:"table_bar"`
	TableOffset uint32 `yaml:"table_offset"`
	TableSize   uint16 `yaml:"table_size"`
	MaskFirst   bool   `yaml:"mask_first"`

	DeviceCap uint32 `yaml:"device_cap"`

	Data []byte `yaml:"data"`
}

// FunctionConfig describes an emulated PCI function.
type FunctionConfig struct {
	VendorID      uint16 `yaml:"vendor"`
	DeviceID      uint16 `yaml:"device"`
	Class         uint8  `yaml:"class"`
	Subclass      uint8  `yaml:"subclass"`
	ProgIF        uint8  `yaml:"prog_if"`
	HeaderType    uint8  `yaml:"header_type"`
	MultiFunction bool   `yaml:"multifunction"`

	BARs []BARConfig `yaml:"bars"`

	InterruptLine uint8 `yaml:"interrupt_line"`
	InterruptPin  uint8 `yaml:"interrupt_pin"`

	Capabilities []CapabilityConfig `yaml:"capabilities"`
	// LoopCapabilities points the last capability back at the first.
	LoopCapabilities bool `yaml:"loop_capabilities"`
}

type barSlot struct {
	present bool
	io      bool
	upper   bool
	mask    uint32
	flags   uint32
}

// Function is the configuration space of one emulated PCI function.
type Function struct {
	mu    sync.Mutex
	space [configSpaceSize]byte
	bars  [6]barSlot

	// Assigned BAR windows, indexed by register.
	windows [6]BARConfig
	tables  []*MSIXTable
}

// barCount mirrors the header layouts: six BARs for endpoints, two for
// bridges.
func barCount(headerType uint8) int {
	switch headerType & 0x7F {
	case 0x00:
		return 6
	case 0x01:
		return 2
	default:
		return 0
	}
}

// allocator hands out BAR addresses.
type allocator interface {
	Allocate(io bool, size uint64) (uint64, error)
}

func newFunction(cfg FunctionConfig, alloc allocator) (*Function, error) {
	f := &Function{}
	s := f.space[:]

	binary.LittleEndian.PutUint16(s[0x00:], cfg.VendorID)
	binary.LittleEndian.PutUint16(s[0x02:], cfg.DeviceID)
	s[0x09] = cfg.ProgIF
	s[0x0A] = cfg.Subclass
	s[0x0B] = cfg.Class
	s[regHeaderType] = cfg.HeaderType & 0x7F
	if cfg.MultiFunction {
		s[regHeaderType] |= headerMultiFunction
	}
	s[regInterrupt] = cfg.InterruptLine
	s[regInterrupt+1] = cfg.InterruptPin

	if err := f.layoutBARs(cfg, alloc); err != nil {
		return nil, err
	}
	if err := f.layoutCapabilities(cfg); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Function) layoutBARs(cfg FunctionConfig, alloc allocator) error {
	limit := barCount(cfg.HeaderType)
	reg := 0
	for _, b := range cfg.BARs {
		if b.Size == 0 {
			reg++
			continue
		}
		if b.Size&(b.Size-1) != 0 {
			return fmt.Errorf("pci: BAR size %#x is not a power of two", b.Size)
		}
		need := 1
		if b.Mem64 {
			need = 2
		}
		if reg+need > limit {
			return fmt.Errorf("pci: header type %#x has room for %d BARs", cfg.HeaderType, limit)
		}

		addr := b.Addr
		if addr == 0 {
			var err error
			if addr, err = alloc.Allocate(b.IO, b.Size); err != nil {
				return fmt.Errorf("pci: allocate BAR %d: %w", reg, err)
			}
		}
		b.Addr = addr
		f.windows[reg] = b

		mask64 := ^(b.Size - 1)
		switch {
		case b.IO:
			f.bars[reg] = barSlot{present: true, io: true, mask: uint32(mask64) &^ 0x3, flags: 0x1}
		default:
			flags := uint32(0)
			if b.Mem64 {
				flags |= 0x4
			}
			if b.Prefetchable {
				flags |= 0x8
			}
			f.bars[reg] = barSlot{present: true, mask: uint32(mask64) &^ 0xF, flags: flags}
		}
		f.storeBAR(reg, uint32(addr))
		if b.Mem64 {
			f.bars[reg+1] = barSlot{present: true, upper: true, mask: uint32(mask64 >> 32)}
			f.storeBAR(reg+1, uint32(addr>>32))
		}
		reg += need
	}
	return nil
}

func (f *Function) storeBAR(reg int, value uint32) {
	b := f.bars[reg]
	v := value&b.mask | b.flags
	binary.LittleEndian.PutUint32(f.space[regBAR0+4*reg:], v)
}

func (f *Function) layoutCapabilities(cfg FunctionConfig) error {
	if len(cfg.Capabilities) == 0 {
		return nil
	}
	s := f.space[:]
	binary.LittleEndian.PutUint16(s[regStatus:], statusCapabilityList)

	offsets := make([]int, len(cfg.Capabilities))
	next := firstCapabilityOffset
	for i, c := range cfg.Capabilities {
		off := int(c.Offset)
		if off == 0 {
			off = next
		}
		body, err := f.encodeCapability(c)
		if err != nil {
			return err
		}
		if off < firstCapabilityOffset || off+len(body) > legacySpaceSize {
			return fmt.Errorf("pci: capability %q at %#x does not fit", c.Kind, off)
		}
		copy(s[off:], body)
		offsets[i] = off
		next = (off + len(body) + 3) &^ 3
	}

	s[regCapabilities] = uint8(offsets[0])
	for i, off := range offsets {
		var link int
		switch {
		case i+1 < len(offsets):
			link = offsets[i+1]
		case cfg.LoopCapabilities:
			link = offsets[0]
		}
		s[off+1] = uint8(link)
	}
	return nil
}

func (f *Function) encodeCapability(c CapabilityConfig) ([]byte, error) {
	switch c.Kind {
	case CapabilityPM:
		b := make([]byte, 8)
		b[0] = 0x01
		binary.LittleEndian.PutUint16(b[2:], c.PMCap)
		binary.LittleEndian.PutUint16(b[4:], c.PMCSR)
		return b, nil

	case CapabilityMSI:
		vectors := c.Vectors
		if vectors == 0 {
			vectors = 1
		}
		if vectors&(vectors-1) != 0 || vectors > 32 {
			return nil, fmt.Errorf("pci: MSI vector count %d", vectors)
		}
		ctrl := uint16(bits.TrailingZeros8(vectors)) << 1
		b := make([]byte, 10)
		if c.Addr64 {
			ctrl |= 1 << 7
			b = make([]byte, 14)
		}
		if c.Maskable {
			ctrl |= 1 << 8
		}
		b[0] = 0x05
		binary.LittleEndian.PutUint16(b[2:], ctrl)
		binary.LittleEndian.PutUint32(b[4:], uint32(c.MsgAddr))
		if c.Addr64 {
			binary.LittleEndian.PutUint32(b[8:], uint32(c.MsgAddr>>32))
			binary.LittleEndian.PutUint16(b[12:], c.MsgData)
		} else {
			binary.LittleEndian.PutUint16(b[8:], c.MsgData)
		}
		return b, nil

	case CapabilityMSIX:
		if c.TableSize == 0 || c.TableSize > 2048 {
			return nil, fmt.Errorf("pci: MSI-X table size %d", c.TableSize)
		}
		if c.TableOffset&0x7 != 0 {
			return nil, fmt.Errorf("pci: MSI-X table offset %#x not 8-byte aligned", c.TableOffset)
		}
		b := make([]byte, 12)
		b[0] = 0x11
		binary.LittleEndian.PutUint16(b[2:], c.TableSize-1)
		binary.LittleEndian.PutUint32(b[4:], c.TableOffset|uint32(c.TableBAR&0x7))
		if err := f.attachTable(c); err != nil {
			return nil, err
		}
		return b, nil

	case CapabilityPCIe:
		b := make([]byte, 12)
		b[0] = 0x10
		binary.LittleEndian.PutUint16(b[2:], 0x0002)
		binary.LittleEndian.PutUint32(b[4:], c.DeviceCap)
		return b, nil

	case CapabilityVendor, "":
		id := c.ID
		if id == 0 {
			id = 0x09
		}
		b := make([]byte, 4+len(c.Data))
		b[0] = id
		b[2] = uint8(len(b))
		copy(b[4:], c.Data)
		return b, nil

	default:
		return nil, fmt.Errorf("pci: unknown capability kind %q", c.Kind)
	}
}

func (f *Function) attachTable(c CapabilityConfig) error {
	bir := int(c.TableBAR)
	if bir >= len(f.bars) || !f.bars[bir].present || f.bars[bir].io || f.bars[bir].upper {
		return fmt.Errorf("pci: MSI-X table BAR %d is not a memory BAR", bir)
	}
	w := f.windows[bir]
	size := uint64(c.TableSize) * msixEntrySize
	if uint64(c.TableOffset)+size > w.Size {
		return fmt.Errorf("pci: MSI-X table overruns BAR %d", bir)
	}
	f.tables = append(f.tables, newMSIXTable(w.Addr+uint64(c.TableOffset), int(c.TableSize), c.MaskFirst))
	return nil
}

// ReadConfig reads size bytes at offset.
func (f *Function) ReadConfig(offset uint16, size uint8) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if int(offset)+int(size) > configSpaceSize {
		return 0xFFFFFFFF
	}
	var v uint32
	for i := uint8(0); i < size; i++ {
		v |= uint32(f.space[int(offset)+int(i)]) << (8 * i)
	}
	return v
}

// WriteConfig writes size bytes at offset. Only the command register, the
// interrupt line and the BARs are writable.
func (f *Function) WriteConfig(offset uint16, size uint8, value uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := uint8(0); i < size; i++ {
		off := offset + uint16(i)
		b := byte(value >> (8 * i))
		switch {
		case off == regCommand || off == regCommand+1 || off == regInterrupt:
			f.space[off] = b
		case off >= regBAR0 && off < regBAR0+24:
			reg := int(off-regBAR0) / 4
			if !f.bars[reg].present {
				continue
			}
			cur := binary.LittleEndian.Uint32(f.space[regBAR0+4*reg:])
			shift := 8 * (off % 4)
			cur = cur&^(0xFF<<shift) | uint32(b)<<shift
			f.storeBAR(reg, cur)
		}
	}
}

// Windows returns the assigned BARs keyed by register index.
func (f *Function) Windows() map[int]BARConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int]BARConfig)
	for i, b := range f.bars {
		if b.present && !b.upper {
			out[i] = f.windows[i]
		}
	}
	return out
}

// Tables returns the MSI-X tables backing this function's capabilities.
func (f *Function) Tables() []*MSIXTable { return f.tables }
