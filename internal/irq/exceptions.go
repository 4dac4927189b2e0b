package irq

import "fmt"

var exceptionNames = [FirstExternal]string{
	0:  "divide error",
	1:  "debug",
	2:  "non-maskable interrupt",
	3:  "breakpoint",
	4:  "overflow",
	5:  "bound range exceeded",
	6:  "invalid opcode",
	7:  "device not available",
	8:  "double fault",
	9:  "coprocessor segment overrun",
	10: "invalid TSS",
	11: "segment not present",
	12: "stack-segment fault",
	13: "general protection fault",
	14: "page fault",
	16: "x87 floating-point exception",
	17: "alignment check",
	18: "machine check",
	19: "SIMD floating-point exception",
	20: "virtualization exception",
	21: "control protection exception",
	28: "hypervisor injection exception",
	29: "VMM communication exception",
	30: "security exception",
}

// ExceptionName names a CPU exception vector. Reserved and external vectors
// get a generic name.
func ExceptionName(vector uint8) string {
	if vector < FirstExternal {
		if name := exceptionNames[vector]; name != "" {
			return name
		}
		return fmt.Sprintf("reserved exception %d", vector)
	}
	return fmt.Sprintf("vector %#x", vector)
}

// HasErrorCode reports whether the CPU pushes an error code for vector.
func HasErrorCode(vector uint8) bool {
	switch vector {
	case 8, 10, 11, 12, 13, 14, 17, 21, 29, 30:
		return true
	}
	return false
}
