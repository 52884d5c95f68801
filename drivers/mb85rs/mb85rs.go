// Package mb85rs drives Fujitsu MB85RS serial FRAM.
//
// FRAM writes complete at bus speed, so there is no busy polling. Every
// write is bracketed by WREN and WRDI; WRDI is attempted even when the
// write itself failed so the latch is never left set.
package mb85rs

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"
	"go.uber.org/multierr"

	"spidevices-go/errcode"
	"spidevices-go/spi"
	"spidevices-go/types"
	"spidevices-go/x/conv"
	"spidevices-go/x/mathx"
)

const (
	cmdWREN  = 0x06
	cmdWRDI  = 0x04
	cmdRDSR  = 0x05
	cmdREAD  = 0x03
	cmdWRITE = 0x02
	cmdRDID  = 0x9F
	cmdSLEEP = 0xB9
)

// MB85RS256 defaults.
const (
	DefaultCapacity = 32 * 1024
	DefaultID       = 0x047F0509
)

// Config is fixed at construction. All fields are optional.
type Config struct {
	Capacity   uint32 // bytes, at most 64 KiB with 2-byte addressing
	ExpectedID uint32 // 0 => DefaultID
	// Recovery is the wait after the wake pulse (tREC). Default 400 µs.
	Recovery time.Duration
	Clock    clock.Clock
	Logger   logr.Logger
}

// ID is the RDID response.
type ID struct {
	Manufacturer byte
	Continuation byte
	Product      uint16
}

func (id ID) Uint32() uint32 {
	return uint32(id.Manufacturer)<<24 | uint32(id.Continuation)<<16 | uint32(id.Product)
}

// Device is one FRAM chip.
type Device struct {
	t   spi.Transactor
	cfg Config
	clk clock.Clock
	log logr.Logger

	state atomic.Uint32
	// wmu keeps one WREN/WRITE/WRDI sequence on the device at a time.
	wmu sync.Mutex
}

func New(t spi.Transactor, cfg Config) *Device {
	if cfg.Capacity == 0 || cfg.Capacity > 1<<16 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.ExpectedID == 0 {
		cfg.ExpectedID = DefaultID
	}
	if cfg.Recovery <= 0 {
		cfg.Recovery = 400 * time.Microsecond
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger.GetSink() == nil {
		cfg.Logger = logr.Discard()
	}
	return &Device{t: t, cfg: cfg, clk: cfg.Clock, log: cfg.Logger.WithValues("dev", t.Name())}
}

func (d *Device) Name() string             { return d.t.Name() }
func (d *Device) Capacity() uint32         { return d.cfg.Capacity }
func (d *Device) ExpectedID() uint32       { return d.cfg.ExpectedID }
func (d *Device) State() types.DeviceState { return types.DeviceState(d.state.Load()) }

// Init checks the device id. There is nothing to configure, so a matching
// id takes the device straight to Ready.
func (d *Device) Init(ctx context.Context) error {
	d.state.Store(uint32(types.Uninitialized))
	id, err := d.Identify(ctx)
	if err != nil {
		return err
	}
	if id.Uint32() != d.cfg.ExpectedID {
		d.log.Info("unexpected device id", "got", id.Uint32(), "want", d.cfg.ExpectedID)
		return errcode.New(errcode.IDMismatch, "mb85rs.init", conv.Hex0x(id.Uint32(), 8))
	}
	d.state.Store(uint32(types.Identified))
	d.state.Store(uint32(types.Configured))
	d.state.Store(uint32(types.Ready))
	return nil
}

// Identify reads the 4-byte device id.
func (d *Device) Identify(ctx context.Context) (ID, error) {
	var r [4]byte
	err := d.t.Transact(ctx, func(f *spi.Frame) error {
		return f.WriteRead([]byte{cmdRDID}, r[:])
	})
	if err != nil {
		return ID{}, err
	}
	return ID{Manufacturer: r[0], Continuation: r[1], Product: uint16(r[2])<<8 | uint16(r[3])}, nil
}

// ReadStatus reads the status register.
func (d *Device) ReadStatus(ctx context.Context) (byte, error) {
	var r [1]byte
	err := d.t.Transact(ctx, func(f *spi.Frame) error {
		return f.WriteRead([]byte{cmdRDSR}, r[:])
	})
	return r[0], err
}

func (d *Device) command(ctx context.Context, cmd byte) error {
	return d.t.Transact(ctx, func(f *spi.Frame) error { return f.Write([]byte{cmd}) })
}

func (d *Device) WriteEnable(ctx context.Context) error  { return d.command(ctx, cmdWREN) }
func (d *Device) WriteDisable(ctx context.Context) error { return d.command(ctx, cmdWRDI) }

// Read returns up to n bytes from addr. n is clamped to capacity-addr.
func (d *Device) Read(ctx context.Context, addr uint32, n int) ([]byte, error) {
	n, err := d.clamp("mb85rs.read", addr, n)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if n == 0 {
		return buf, nil
	}
	err = d.t.Transact(ctx, func(f *spi.Frame) error {
		return f.WriteRead(header(cmdREAD, addr), buf)
	})
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// Write stores data at addr and returns the number of bytes written, which
// is less than len(data) when the span runs past the end of the array.
func (d *Device) Write(ctx context.Context, addr uint32, data []byte) (int, error) {
	const op = "mb85rs.write"
	n, err := d.clamp(op, addr, len(data))
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	d.wmu.Lock()
	defer d.wmu.Unlock()

	err = d.WriteEnable(ctx)
	if err == nil {
		err = d.t.Transact(ctx, func(f *spi.Frame) error {
			f.Write(header(cmdWRITE, addr))
			return f.Write(data[:n])
		})
	}
	// Always drop the latch, whatever happened above.
	if werr := d.WriteDisable(context.WithoutCancel(ctx)); werr != nil {
		d.log.Info("write disable failed", "err", werr.Error())
		err = multierr.Append(err, werr)
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Sleep enters sleep mode. Any select edge wakes the part.
func (d *Device) Sleep(ctx context.Context) error { return d.command(ctx, cmdSLEEP) }

// Wake pulses chip select and waits out the recovery time.
func (d *Device) Wake(ctx context.Context) error {
	if err := d.t.Transact(ctx, func(*spi.Frame) error { return nil }); err != nil {
		return err
	}
	return errcode.Wrap(errcode.Canceled, "mb85rs.wake", spi.Delay(ctx, d.clk, d.cfg.Recovery))
}

func (d *Device) clamp(op string, addr uint32, n int) (int, error) {
	if n < 0 {
		return 0, errcode.New(errcode.InvalidParams, op, "negative length")
	}
	if addr >= d.cfg.Capacity {
		return 0, errcode.New(errcode.AddressInvalid, op, conv.Hex0x(addr, 8)+" >= capacity")
	}
	return mathx.Min(n, int(d.cfg.Capacity-addr)), nil
}

func header(cmd byte, addr uint32) []byte {
	return []byte{cmd, byte(addr >> 8), byte(addr)}
}
