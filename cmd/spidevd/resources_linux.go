//go:build linux && !tinygo

package main

import (
	"github.com/go-logr/logr"

	"spidevices-go/platform"
)

func hostResources(log logr.Logger) (platform.Resources, error) {
	h, err := platform.NewHost(log)
	if err != nil {
		return nil, err
	}
	return h, nil
}
