//go:build rp2040 || rp2350

package platform

import (
	"machine"
	"sync"

	uartx "github.com/jangala-dev/tinygo-uartx/uartx"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	periphspi "periph.io/x/conn/v3/spi"

	"spidevices-go/errcode"
	"spidevices-go/spi"
	"spidevices-go/types"
)

// RP2 is a Resources on an RP2040/RP2350 using the hardware SPI blocks.
type RP2 struct {
	mu      sync.Mutex
	claimed map[int]bool
}

var _ Resources = (*RP2)(nil)

func NewRP2() *RP2 { return &RP2{claimed: map[int]bool{}} }

// Console configures UART0 on GP0/GP1 for diagnostics.
func Console(baud uint32) *uartx.UART {
	u := uartx.UART0
	// Defaults inside uartx apply if baud is zero.
	_ = u.Configure(uartx.UARTConfig{
		BaudRate: baud,
		TX:       machine.GP0,
		RX:       machine.GP1,
	})
	return u
}

func (r *RP2) pin(op, name string) (machine.Pin, error) {
	n, ok := RP2PinNumber(name)
	if !ok {
		return 0, errcode.New(errcode.UnknownPin, op, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.claimed[n] {
		return 0, errcode.New(errcode.PinInUse, op, name)
	}
	r.claimed[n] = true
	return machine.Pin(n), nil
}

func (r *RP2) SPI(bc types.BusConfig, cfg spi.Config) (spi.Conn, error) {
	op := "rp2.spi." + bc.ID
	var hw *machine.SPI
	switch bc.Port {
	case "SPI0", "spi0":
		hw = machine.SPI0
	case "SPI1", "spi1":
		hw = machine.SPI1
	default:
		return nil, errcode.New(errcode.UnknownBus, op, bc.Port)
	}
	sck, err := r.pin(op, bc.SCK)
	if err != nil {
		return nil, err
	}
	sdo, err := r.pin(op, bc.SDO)
	if err != nil {
		return nil, err
	}
	sdi, err := r.pin(op, bc.SDI)
	if err != nil {
		return nil, err
	}
	err = hw.Configure(machine.SPIConfig{
		Frequency: uint32(cfg.Frequency / physic.Hertz),
		SCK:       sck,
		SDO:       sdo,
		SDI:       sdi,
		Mode:      uint8(cfg.Mode &^ periphspi.LSBFirst),
		LSBFirst:  cfg.LSBFirst(),
	})
	if err != nil {
		return nil, errcode.Wrap(errcode.BusError, op, err)
	}
	return hw, nil
}

type rp2Out struct{ p machine.Pin }

func (o rp2Out) Out(l gpio.Level) error { o.p.Set(bool(l)); return nil }

func (r *RP2) Output(name string) (spi.Line, error) {
	p, err := r.pin("rp2.output", name)
	if err != nil {
		return nil, err
	}
	p.Configure(machine.PinConfig{Mode: machine.PinOutput})
	p.High()
	return rp2Out{p}, nil
}

func (r *RP2) Interrupt(name string, fn func()) (func() error, error) {
	p, err := r.pin("rp2.irq", name)
	if err != nil {
		return nil, err
	}
	p.Configure(machine.PinConfig{Mode: machine.PinInputPulldown})
	enable := func() error {
		return p.SetInterrupt(machine.PinRising, func(machine.Pin) { fn() })
	}
	return enable, nil
}

func (r *RP2) Close() error { return nil }
