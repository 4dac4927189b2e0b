package pci

// BAR is one decoded base address register. A 64-bit memory BAR occupies
// two registers and is reported once, at the index of its low half.
type BAR struct {
	Index        int
	Addr         uint64
	Size         uint64
	IO           bool
	Is64         bool
	Prefetchable bool
}

// SizeIOBAR returns the size of an I/O BAR from its all-ones readback.
func SizeIOBAR(mask uint32) uint64 {
	return uint64(^(mask & 0xFFFFFFFC) + 1)
}

// SizeMemBAR32 returns the size of a 32-bit memory BAR from its all-ones
// readback.
func SizeMemBAR32(mask uint32) uint64 {
	return uint64(^(mask &^ 0xF) + 1)
}

// SizeMemBAR64 returns the size of a 64-bit memory BAR from the all-ones
// readbacks of its low and high registers.
func SizeMemBAR64(lo, hi uint32) uint64 {
	mask := uint64(hi)<<32 | uint64(lo)
	return ^(mask &^ 0xF) + 1
}

// barCount returns how many BAR registers a header layout carries.
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

// probe saves a register, writes all-ones, reads the mask back and restores
// the original value.
func (f function) probe(off uint16) (orig, mask uint32) {
	orig = f.read32(off)
	f.write32(off, 0xFFFFFFFF)
	mask = f.read32(off)
	f.write32(off, orig)
	return orig, mask
}

// sizeBARs decodes the first count BAR registers. Unimplemented registers
// (reading 0 or all-ones) are skipped, and the upper half of a 64-bit BAR
// is never decoded on its own.
func (f function) sizeBARs(count int) []BAR {
	var bars []BAR
	for i := 0; i < count; {
		off := uint16(RegBAR0 + 4*i)
		orig := f.read32(off)
		if orig == 0 || orig == 0xFFFFFFFF {
			i++
			continue
		}

		if orig&0x1 == 0x1 {
			_, mask := f.probe(off)
			bars = append(bars, BAR{
				Index: i,
				Addr:  uint64(orig & 0xFFFFFFFC),
				Size:  SizeIOBAR(mask),
				IO:    true,
			})
			i++
			continue
		}

		prefetch := orig&0x8 != 0
		if (orig>>1)&0x3 == 0x2 && i+1 < count {
			offHi := off + 4
			_, maskLo := f.probe(off)
			origHi, maskHi := f.probe(offHi)
			bars = append(bars, BAR{
				Index:        i,
				Addr:         uint64(origHi)<<32 | uint64(orig&0xFFFFFFF0),
				Size:         SizeMemBAR64(maskLo, maskHi),
				Is64:         true,
				Prefetchable: prefetch,
			})
			i += 2
			continue
		}

		_, mask := f.probe(off)
		bars = append(bars, BAR{
			Index:        i,
			Addr:         uint64(orig & 0xFFFFFFF0),
			Size:         SizeMemBAR32(mask),
			Prefetchable: prefetch,
		})
		i++
	}
	return bars
}
