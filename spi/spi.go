// Package spi multiplexes logical devices onto shared physical SPI buses.
//
// A Bus owns one physical instance and, once more than one device is attached,
// one exclusion domain. Every logical command runs inside a Frame: the lock is
// taken before the device's select line is asserted and released only after
// it is deasserted, so sub-transfers of one command (opcode, address, dummy
// cycles, data) can never interleave with another device's traffic.
//
//	dev, _ := bus.Attach("flash", csPin)
//	err := dev.Transact(ctx, func(f *spi.Frame) error {
//		f.Write([]byte{0x03, a2, a1, a0})
//		return f.Read(buf)
//	})
package spi

import (
	"context"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	periphspi "periph.io/x/conn/v3/spi"
	"tinygo.org/x/drivers"
)

// Conn is the raw transfer capability of one physical bus instance.
// Tx clocks len(w) bytes out when r is nil, and len(r) bytes in when w is
// a same-length fill buffer. Select lines are not touched.
type Conn interface {
	Tx(w, r []byte) error
}

// Both TinyGo's driver SPI and periph's SPI connections are usable as is.
var (
	_ Conn = drivers.SPI(nil)
	_ Conn = periphspi.Conn(nil)
)

// Line drives a chip-select output. Select lines are active low.
type Line interface {
	Out(l gpio.Level) error
}

const (
	selectActive   = gpio.Low
	selectInactive = gpio.High
)

// DefaultLockTimeout bounds how long Begin waits for the exclusion domain.
const DefaultLockTimeout = time.Second

// Config is fixed per physical instance at construction time and never
// renegotiated per transfer.
type Config struct {
	Name      string
	Mode      periphspi.Mode   // CPOL/CPHA in bits 0-1, LSBFirst for bit order
	Frequency physic.Frequency // effective SCK
	Prescaler uint16           // source clock divisor, informational on hosts
	// LockTimeout bounds exclusion acquisition; 0 => DefaultLockTimeout.
	LockTimeout time.Duration
	// Fill is clocked out during receive-only transfers.
	Fill byte
}

// Polarity reports CPOL.
func (c Config) Polarity() int { return int((c.Mode & 0x2) >> 1) }

// Phase reports CPHA.
func (c Config) Phase() int { return int(c.Mode & 0x1) }

// LSBFirst reports the configured bit order.
func (c Config) LSBFirst() bool { return c.Mode&periphspi.LSBFirst != 0 }

func (c Config) withDefaults() Config {
	if c.LockTimeout <= 0 {
		c.LockTimeout = DefaultLockTimeout
	}
	if c.Name == "" {
		c.Name = "spi"
	}
	return c
}

// Transactor is the per-device capability protocols are built on: run one
// framed command on the device's assigned bus with its chip select.
type Transactor interface {
	Name() string
	Transact(ctx context.Context, fn func(f *Frame) error) error
}
