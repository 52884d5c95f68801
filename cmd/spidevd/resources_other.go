//go:build !linux && !tinygo

package main

import (
	"github.com/go-logr/logr"

	"spidevices-go/errcode"
	"spidevices-go/platform"
)

func hostResources(logr.Logger) (platform.Resources, error) {
	return nil, errcode.New(errcode.Unsupported, "spidevd", "host SPI needs linux; use --sim")
}
