package device

import "fmt"

// ClassName turns a PCI class triple into a human readable string. Unknown
// combinations fall back to a hex description.
func ClassName(class, subclass, progIF uint8) string {
	switch class {
	case 0x00:
		switch subclass {
		case 0x00:
			return "Unclassified: Non-VGA-compatible device"
		case 0x01:
			return "Unclassified: VGA-compatible device"
		}
		return fmt.Sprintf("Unclassified subclass 0x%02x", subclass)
	case 0x01:
		switch subclass {
		case 0x00:
			return "Mass Storage: SCSI"
		case 0x01:
			return "Mass Storage: IDE"
		case 0x02:
			return "Mass Storage: Floppy"
		case 0x06:
			switch progIF {
			case 0x00:
				return "Mass Storage: SATA (vendor/legacy)"
			case 0x01:
				return "Mass Storage: SATA (AHCI)"
			}
			return fmt.Sprintf("Mass Storage: SATA prog-if 0x%02x", progIF)
		case 0x08:
			return "Mass Storage: NVMe"
		}
		return fmt.Sprintf("Mass Storage subclass 0x%02x", subclass)
	case 0x02:
		switch subclass {
		case 0x00:
			switch progIF {
			case 0x00:
				return "Ethernet: Ethernet controller"
			case 0x01:
				return "Ethernet: IEEE 802.3u (100BASE-TX)"
			case 0x02:
				return "Ethernet: IEEE 802.3ab (1000BASE-T)"
			}
			return "Ethernet: other/prog-if"
		case 0x80:
			return "Network: Other"
		}
		return fmt.Sprintf("Network subclass 0x%02x", subclass)
	case 0x03:
		switch subclass {
		case 0x00:
			if progIF == 0x01 {
				return "Display: 3D controller (OpenGL)"
			}
			return "Display: VGA-compatible controller"
		case 0x80:
			return "Display: Other"
		}
		return fmt.Sprintf("Display subclass 0x%02x", subclass)
	case 0x04:
		switch subclass {
		case 0x00:
			return "Multimedia: Video"
		case 0x01:
			return "Multimedia: Audio"
		}
		return fmt.Sprintf("Multimedia subclass 0x%02x", subclass)
	case 0x05:
		return "Memory Controller"
	case 0x06:
		switch subclass {
		case 0x00:
			return "Bridge: Host"
		case 0x01:
			return "Bridge: ISA"
		case 0x04:
			return "Bridge: PCI-to-PCI"
		}
		return fmt.Sprintf("Bridge subclass 0x%02x", subclass)
	case 0x07:
		return "Simple Communication Controller"
	case 0x08:
		switch subclass {
		case 0x00:
			if progIF == 0x20 {
				return "System: I/O APIC"
			}
			return "System: PIC"
		case 0x03:
			return "System: RTC"
		}
		return "Base System Peripheral"
	case 0x09:
		return "Input Device"
	case 0x0A:
		return "Docking Station"
	case 0x0B:
		return "Processor"
	case 0x0C:
		switch subclass {
		case 0x03:
			switch progIF {
			case 0x00:
				return "USB: UHCI (Universal Host Controller)"
			case 0x10:
				return "USB: OHCI (Open Host Controller)"
			case 0x20:
				return "USB: EHCI (Enhanced Host Controller)"
			case 0x30:
				return "USB: XHCI (Extensible Host Controller)"
			}
			return "USB: other/prog-if"
		case 0x05:
			return "Serial Bus: SMBus"
		}
		return fmt.Sprintf("Serial Bus subclass 0x%02x", subclass)
	case 0xFF:
		return "Unknown / Vendor-specific"
	}
	return fmt.Sprintf("Class 0x%02x subclass 0x%02x", class, subclass)
}
