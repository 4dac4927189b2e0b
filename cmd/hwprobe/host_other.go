//go:build !(linux && amd64)

package main

import (
	"errors"

	"github.com/tinyrange/hwcore/internal/boot"
	"github.com/tinyrange/hwcore/internal/clock"
)

func openHost() (boot.Machine, clock.Features, func() error, error) {
	return boot.Machine{}, clock.Features{}, nil, errors.New("-host is only supported on linux/amd64")
}
