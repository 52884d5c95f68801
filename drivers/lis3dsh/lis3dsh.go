// Package lis3dsh drives the ST LIS3DSH 3-axis accelerometer over SPI.
//
// Register reads set bit 7 of the address byte and receive in the same
// frame as the address; writes send address and value back to back. The
// output registers auto-increment, so one 6-byte read returns X, Y and Z.
package lis3dsh

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"

	"spidevices-go/errcode"
	"spidevices-go/spi"
	"spidevices-go/types"
	"spidevices-go/x/conv"
)

// Registers.
const (
	RegWhoAmI   = 0x0F
	RegCtrl4    = 0x20
	RegCtrl3    = 0x23
	RegCtrl5    = 0x24
	RegCtrl6    = 0x25
	RegOutXLow  = 0x28
	readBit     = 0x80
	DeviceID    = 0x3F
	sampleBytes = 6
)

// CTRL_REG3 bits.
const (
	ctrl3Start   = 0x01 // STRT, soft reset
	ctrl3Int1En  = 0x08
	ctrl3Pulsed  = 0x20 // IEL
	ctrl3HighAct = 0x40 // IEA
	ctrl3DataRdy = 0x80 // DR_EN
)

// CTRL_REG4/5 fields.
const (
	ctrl4ODRMask = 0xF0
	ctrl4BDU     = 0x08
	ctrl5BWMask  = 0xC0
)

// ODR is the output data rate (CTRL_REG4 ODR field).
type ODR uint8

const (
	ODROff ODR = iota
	ODR3_125Hz
	ODR6_25Hz
	ODR12_5Hz
	ODR25Hz
	ODR50Hz
	ODR100Hz
	ODR400Hz
	ODR800Hz
	ODR1600Hz
)

// Bandwidth is the anti-aliasing filter bandwidth. The register field is
// Bandwidth-1; the zero value selects 200 Hz.
type Bandwidth uint8

const (
	BWDefault Bandwidth = iota
	BW800Hz
	BW200Hz
	BW400Hz
	BW50Hz
)

// Sample is one reading in milli-g.
type Sample struct {
	X, Y, Z int16
}

// ToMilliG scales a raw ±2 g reading at 0.06 mg/digit, truncating toward zero.
func ToMilliG(raw int16) int16 { return int16(int32(raw) * 6 / 100) }

// Config is fixed at construction. All fields are optional.
type Config struct {
	ODR       ODR       // default 800 Hz
	Bandwidth Bandwidth // default 200 Hz
	// SoftReset performs a CTRL_REG3 STRT reset during Init.
	SoftReset  bool
	ResetDelay time.Duration // default 3 s
	// EnableLine arms the host side of INT1 once the device routes data
	// ready to it.
	EnableLine func() error
	Clock      clock.Clock
	Logger     logr.Logger
}

// Device is one accelerometer.
type Device struct {
	t     spi.Transactor
	cfg   Config
	clk   clock.Clock
	log   logr.Logger
	state atomic.Uint32
}

func New(t spi.Transactor, cfg Config) *Device {
	if cfg.ODR == ODROff {
		cfg.ODR = ODR800Hz
	}
	if cfg.Bandwidth == BWDefault {
		cfg.Bandwidth = BW200Hz
	}
	if cfg.ResetDelay <= 0 {
		cfg.ResetDelay = 3 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger.GetSink() == nil {
		cfg.Logger = logr.Discard()
	}
	return &Device{t: t, cfg: cfg, clk: cfg.Clock, log: cfg.Logger.WithValues("dev", t.Name())}
}

func (d *Device) Name() string                 { return d.t.Name() }
func (d *Device) State() types.DeviceState     { return types.DeviceState(d.state.Load()) }
func (d *Device) setState(s types.DeviceState) { d.state.Store(uint32(s)) }

// Init runs ID check, optional soft reset, configuration and interrupt
// routing. ReadSample is rejected until it succeeds.
func (d *Device) Init(ctx context.Context) error {
	d.setState(types.Uninitialized)
	if _, err := d.ReadID(ctx); err != nil {
		return err
	}
	d.setState(types.Identified)
	if d.cfg.SoftReset {
		if err := d.SoftReset(ctx); err != nil {
			return err
		}
	}
	if err := d.Configure(ctx, d.cfg.ODR, d.cfg.Bandwidth); err != nil {
		return err
	}
	d.setState(types.Configured)
	if err := d.EnableInterrupt(ctx); err != nil {
		return err
	}
	d.setState(types.Ready)
	d.log.V(1).Info("ready", "odr", int(d.cfg.ODR), "bw", int(d.cfg.Bandwidth))
	return nil
}

// ReadID reads WHO_AM_I and checks it.
func (d *Device) ReadID(ctx context.Context) (byte, error) {
	id, err := d.ReadRegister(ctx, RegWhoAmI)
	if err != nil {
		return 0, err
	}
	if id != DeviceID {
		return id, errcode.New(errcode.IDMismatch, "lis3dsh.read_id", "who_am_i "+conv.Hex0x(uint32(id), 2))
	}
	return id, nil
}

// ReadRegister reads one register.
func (d *Device) ReadRegister(ctx context.Context, reg byte) (byte, error) {
	var b [1]byte
	err := d.ReadRegisters(ctx, reg, b[:])
	return b[0], err
}

// ReadRegisters fills p from consecutive registers starting at reg, in one
// frame.
func (d *Device) ReadRegisters(ctx context.Context, reg byte, p []byte) error {
	return d.t.Transact(ctx, func(f *spi.Frame) error {
		return f.WriteRead([]byte{reg | readBit}, p)
	})
}

// WriteRegister writes one register.
func (d *Device) WriteRegister(ctx context.Context, reg, v byte) error {
	return d.t.Transact(ctx, func(f *spi.Frame) error {
		return f.Write([]byte{reg &^ readBit, v})
	})
}

// modify is a read-modify-write of one register in two frames.
func (d *Device) modify(ctx context.Context, op, name string, reg, mask, val byte) error {
	old, err := d.ReadRegister(ctx, reg)
	if err == nil {
		err = d.WriteRegister(ctx, reg, old&^mask|val&mask)
	}
	if err != nil {
		d.log.Info("register update failed", "reg", name, "err", err.Error())
		return &errcode.E{C: errcode.Of(err), Op: op, Msg: name, Err: err}
	}
	return nil
}

// SoftReset sets CTRL_REG3 STRT and waits the reset delay.
func (d *Device) SoftReset(ctx context.Context) error {
	const op = "lis3dsh.soft_reset"
	if err := d.modify(ctx, op, "ctrl_reg3", RegCtrl3, ctrl3Start, ctrl3Start); err != nil {
		return err
	}
	return errcode.Wrap(errcode.Canceled, op, spi.Delay(ctx, d.clk, d.cfg.ResetDelay))
}

// Configure sets ODR with block data update, then the filter bandwidth.
// The two registers are updated separately; if the second update fails the
// first stays applied and Configure may simply be called again.
func (d *Device) Configure(ctx context.Context, odr ODR, bw Bandwidth) error {
	const op = "lis3dsh.configure"
	if odr > ODR1600Hz || bw > BW50Hz {
		return errcode.New(errcode.InvalidParams, op, "odr or bandwidth out of range")
	}
	if bw == BWDefault {
		bw = BW200Hz
	}
	if err := d.modify(ctx, op, "ctrl_reg4", RegCtrl4, ctrl4ODRMask|ctrl4BDU, byte(odr)<<4|ctrl4BDU); err != nil {
		return err
	}
	return d.modify(ctx, op, "ctrl_reg5", RegCtrl5, ctrl5BWMask, byte(bw-1)<<6)
}

// EnableInterrupt routes data ready to INT1, pulsed and active high, then
// arms the host line.
func (d *Device) EnableInterrupt(ctx context.Context) error {
	const op = "lis3dsh.enable_interrupt"
	bits := byte(ctrl3DataRdy | ctrl3HighAct | ctrl3Pulsed | ctrl3Int1En)
	if err := d.modify(ctx, op, "ctrl_reg3", RegCtrl3, bits, bits); err != nil {
		return err
	}
	if d.cfg.EnableLine != nil {
		if err := d.cfg.EnableLine(); err != nil {
			return errcode.Wrap(errcode.BusError, op, err)
		}
	}
	return nil
}

// ReadSample reads X, Y and Z in one frame and scales them to milli-g.
// On any failure the returned sample is zero; stale data is never returned.
func (d *Device) ReadSample(ctx context.Context) (Sample, error) {
	if d.State() != types.Ready {
		return Sample{}, errcode.New(errcode.NotReady, "lis3dsh.read_sample", d.State().String())
	}
	var b [sampleBytes]byte
	if err := d.ReadRegisters(ctx, RegOutXLow, b[:]); err != nil {
		return Sample{}, err
	}
	return Sample{
		X: ToMilliG(le16(b[0], b[1])),
		Y: ToMilliG(le16(b[2], b[3])),
		Z: ToMilliG(le16(b[4], b[5])),
	}, nil
}

func le16(lo, hi byte) int16 { return int16(uint16(lo) | uint16(hi)<<8) }

