// Package platform supplies the physical resources a board is assembled
// from: SPI ports, chip-select outputs and data-ready inputs. Hosts use
// periph, rp2 firmware uses TinyGo's machine package, and Sim backs
// everything with spisim for tests and dry runs.
package platform

import (
	"strconv"
	"strings"

	"spidevices-go/spi"
	"spidevices-go/types"
)

// Resources hands out platform resources by name. Each pin may be claimed
// once.
type Resources interface {
	// SPI opens the physical instance described by bc with the settings
	// in cfg. Chip select is never driven by the port itself.
	SPI(bc types.BusConfig, cfg spi.Config) (spi.Conn, error)
	// Output claims pin as a push-pull output parked high.
	Output(pin string) (spi.Line, error)
	// Interrupt routes rising edges on pin to fn. fn may run in interrupt
	// context and must not block. Edges are delivered once enable is
	// called.
	Interrupt(pin string, fn func()) (enable func() error, err error)
	Close() error
}

// PinNumber parses "GP17", "GPIO17" or "17".
func PinNumber(name string) (int, bool) {
	s := strings.ToUpper(strings.TrimSpace(name))
	switch {
	case strings.HasPrefix(s, "GPIO"):
		s = s[4:]
	case strings.HasPrefix(s, "GP"):
		s = s[2:]
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// RP2LastGPIO is the highest user GPIO on RP2040 (GP0-GP29).
const RP2LastGPIO = 29

// RP2PinNumber is PinNumber limited to the RP2040 GPIO range.
func RP2PinNumber(name string) (int, bool) {
	n, ok := PinNumber(name)
	if !ok || n > RP2LastGPIO {
		return 0, false
	}
	return n, true
}
