//go:build linux && amd64

package main

import (
	"github.com/tinyrange/hwcore/internal/boot"
	"github.com/tinyrange/hwcore/internal/clock"
	"github.com/tinyrange/hwcore/internal/hal/hostio"
)

func openHost() (boot.Machine, clock.Features, func() error, error) {
	features, err := hostio.ReadCPUFeatures("/proc/cpuinfo")
	if err != nil {
		return boot.Machine{}, clock.Features{}, nil, err
	}
	h, err := hostio.Open(hostio.DefaultPhysOffset)
	if err != nil {
		return boot.Machine{}, clock.Features{}, nil, err
	}
	return boot.Machine{
		Ports:      h,
		Memory:     h,
		MMIO:       h,
		PhysOffset: h.PhysOffset(),
		Mapper:     h,
		TSC:        h.TSC,
	}, features, h.Close, nil
}
