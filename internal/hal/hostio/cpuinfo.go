// Package hostio gives the discovery code raw access to the Linux machine
// it runs on: port I/O after raising the I/O privilege level, physical
// memory and device registers through /dev/mem, and the time stamp counter.
// Everything except CPU feature parsing needs root on linux/amd64.
package hostio

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/tinyrange/hwcore/internal/clock"
)

// ParseCPUInfo reads the flags line of the first processor in a
// /proc/cpuinfo listing.
func ParseCPUInfo(r io.Reader) (clock.Features, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), ":")
		if !ok || strings.TrimSpace(key) != "flags" {
			continue
		}
		var f clock.Features
		for _, flag := range strings.Fields(value) {
			switch flag {
			case "tsc":
				f.TSC = true
			case "msr":
				f.MSR = true
			case "tsc_deadline_timer":
				f.TSCDeadline = true
			}
		}
		return f, nil
	}
	if err := sc.Err(); err != nil {
		return clock.Features{}, fmt.Errorf("hostio: read cpuinfo: %w", err)
	}
	return clock.Features{}, fmt.Errorf("hostio: cpuinfo has no flags line")
}

// ReadCPUFeatures parses the CPU flags at path, usually /proc/cpuinfo.
func ReadCPUFeatures(path string) (clock.Features, error) {
	f, err := os.Open(path)
	if err != nil {
		return clock.Features{}, fmt.Errorf("hostio: %w", err)
	}
	defer f.Close()
	return ParseCPUInfo(f)
}
