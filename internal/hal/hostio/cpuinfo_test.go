package hostio

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tinyrange/hwcore/internal/clock"
)

const cpuinfo = `processor	: 0
vendor_id	: GenuineIntel
model name	: Intel(R) Xeon(R) CPU
flags		: fpu vme de pse tsc msr pae mce cx8 apic sep tsc_deadline_timer xsave
bugs		: spectre_v1

processor	: 1
flags		: fpu
`

func TestParseCPUInfo(t *testing.T) {
	for _, tt := range []struct {
		name  string
		input string
		want  clock.Features
	}{
		{"deadline capable", cpuinfo, clock.Features{TSC: true, MSR: true, TSCDeadline: true}},
		{"no deadline", "flags : tsc msr apic\n", clock.Features{TSC: true, MSR: true}},
		{"prefix is not a match", "flags : tsc_known_freq constant_tsc\n", clock.Features{}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCPUInfo(strings.NewReader(tt.input))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if got != tt.want {
				t.Fatalf("features = %+v want %+v", got, tt.want)
			}
		})
	}
}

func TestParseCPUInfoWithoutFlags(t *testing.T) {
	if _, err := ParseCPUInfo(strings.NewReader("processor : 0\n")); err == nil {
		t.Fatalf("expected an error")
	}
}

func TestReadCPUFeatures(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cpuinfo")
	if err := os.WriteFile(path, []byte(cpuinfo), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	f, err := ReadCPUFeatures(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !f.DeadlineCapable() {
		t.Fatalf("features = %+v", f)
	}
	if _, err := ReadCPUFeatures(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatalf("expected an error for a missing file")
	}
}
