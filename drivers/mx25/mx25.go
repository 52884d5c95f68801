// Package mx25 drives Macronix MX25 serial NOR flash over a shared SPI bus.
//
//	d := mx25.New(dev, mx25.Config{})
//	if err := d.Init(ctx); err != nil { ... }
//	_ = d.EraseSector(ctx, 0x1000)
//	_ = d.ProgramPage(ctx, 0x1000, data)
//	buf, _ := d.Read(ctx, 0x1000, len(data))
//
// Every command runs in one chip-select frame. Erase and program issue write
// enable first and poll the status register until WIP clears or the
// operation's bound elapses.
package mx25

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"

	"spidevices-go/errcode"
	"spidevices-go/spi"
	"spidevices-go/types"
	"spidevices-go/x/conv"
)

// Opcodes.
const (
	cmdRDID   = 0x9F
	cmdRES    = 0xAB
	cmdREMS   = 0x90
	cmdRDSR   = 0x05
	cmdRDSCUR = 0x2B
	cmdWREN   = 0x06
	cmdWRDI   = 0x04
	cmdREAD   = 0x03
	cmdPP     = 0x02
	cmdSE     = 0x20
	cmdCE     = 0x60
	cmdDP     = 0xB9
)

// Register bits.
const (
	statusWIP = 0x01
	statusWEL = 0x02
	statusQE  = 0x40

	security4Byte = 0x04
)

// REMS output order.
const (
	ManufacturerFirst byte = 0x00
	DeviceFirst       byte = 0x01
)

// MX25V1635F identity.
const (
	DefaultID         = 0xC22315
	DefaultElectronic = 0x15
	DefaultCapacity   = 0x200000
)

// AddrMode selects 3- or 4-byte addressing.
type AddrMode uint8

const (
	// AddrDetect reads the security register once during Init.
	AddrDetect AddrMode = iota
	Addr3
	Addr4
)

// Timing holds busy bounds and settle delays. Zero fields take the
// MX25V1635F datasheet values.
type Timing struct {
	Poll          time.Duration // status poll cadence
	PageProgram   time.Duration // tPP
	SectorErase   time.Duration // tSE
	ChipErase     time.Duration // tCE
	PowerUp       time.Duration // tPUW
	DeepPowerDown time.Duration // tDP
	WakePulse     time.Duration // tCRDP, select held low to wake
	WakeSettle    time.Duration // tRDP
}

func (t Timing) withDefaults() Timing {
	def := func(v *time.Duration, d time.Duration) {
		if *v <= 0 {
			*v = d
		}
	}
	def(&t.Poll, time.Millisecond)
	def(&t.PageProgram, 4*time.Millisecond)
	def(&t.SectorErase, 240*time.Millisecond)
	def(&t.ChipErase, 38*time.Second)
	def(&t.PowerUp, 10*time.Millisecond)
	def(&t.DeepPowerDown, time.Millisecond)
	def(&t.WakePulse, time.Millisecond)
	def(&t.WakeSettle, time.Millisecond)
	return t
}

// Config is fixed at construction. All fields are optional.
type Config struct {
	Capacity   uint32 // bytes, default 2 MiB
	PageSize   uint32 // default 256
	SectorSize uint32 // default 4 KiB
	AddrMode   AddrMode
	// ExpectedID is the JEDEC id Init requires; 0 => DefaultID.
	ExpectedID uint32
	Timing     Timing
	Clock      clock.Clock
	Logger     logr.Logger
}

// JedecID is the RDID response.
type JedecID struct {
	Manufacturer byte
	MemoryType   byte
	Density      byte
}

// Uint32 packs the id as 0xMMTTDD.
func (id JedecID) Uint32() uint32 {
	return uint32(id.Manufacturer)<<16 | uint32(id.MemoryType)<<8 | uint32(id.Density)
}

// Status is the status register. It is never cached.
type Status byte

func (s Status) WIP() bool { return s&statusWIP != 0 }
func (s Status) WEL() bool { return s&statusWEL != 0 }
func (s Status) QE() bool  { return s&statusQE != 0 }

// Device is one flash chip.
type Device struct {
	t   spi.Transactor
	cfg Config
	clk clock.Clock
	log logr.Logger

	addr4 atomic.Bool
	state atomic.Uint32

	// wmu serialises write-class commands; it is only ever TryLocked.
	wmu sync.Mutex
}

// New binds a driver to a transactor. It does not touch the bus.
func New(t spi.Transactor, cfg Config) *Device {
	if cfg.Capacity == 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = 256
	}
	if cfg.SectorSize == 0 {
		cfg.SectorSize = 4096
	}
	if cfg.ExpectedID == 0 {
		cfg.ExpectedID = DefaultID
	}
	cfg.Timing = cfg.Timing.withDefaults()
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger.GetSink() == nil {
		cfg.Logger = logr.Discard()
	}
	d := &Device{t: t, cfg: cfg, clk: cfg.Clock, log: cfg.Logger.WithValues("dev", t.Name())}
	d.addr4.Store(cfg.AddrMode == Addr4)
	return d
}

func (d *Device) Name() string                 { return d.t.Name() }
func (d *Device) Capacity() uint32             { return d.cfg.Capacity }
func (d *Device) ExpectedID() uint32           { return d.cfg.ExpectedID }
func (d *Device) PageSize() uint32             { return d.cfg.PageSize }
func (d *Device) SectorSize() uint32           { return d.cfg.SectorSize }
func (d *Device) FourByteAddressing() bool     { return d.addr4.Load() }
func (d *Device) State() types.DeviceState     { return types.DeviceState(d.state.Load()) }
func (d *Device) setState(s types.DeviceState) { d.state.Store(uint32(s)) }

// Init waits out power-up, checks the identity and settles the address
// width. The device is Ready on success.
func (d *Device) Init(ctx context.Context) error {
	d.setState(types.Uninitialized)
	if err := spi.Delay(ctx, d.clk, d.cfg.Timing.PowerUp); err != nil {
		return errcode.Wrap(errcode.Canceled, "mx25.init", err)
	}
	id, err := d.Identify(ctx)
	if err != nil {
		return err
	}
	if id.Uint32() != d.cfg.ExpectedID {
		d.log.Info("unexpected jedec id", "got", id.Uint32(), "want", d.cfg.ExpectedID)
		return errcode.New(errcode.IDMismatch, "mx25.init", conv.Hex0x(id.Uint32(), 6))
	}
	d.setState(types.Identified)

	switch d.cfg.AddrMode {
	case Addr3:
		d.addr4.Store(false)
	case Addr4:
		d.addr4.Store(true)
	default:
		sec, err := d.ReadSecurity(ctx)
		if err != nil {
			return err
		}
		d.addr4.Store(sec&security4Byte != 0)
	}
	d.setState(types.Configured)
	d.setState(types.Ready)
	d.log.V(1).Info("ready", "id", conv.Hex0x(id.Uint32(), 6), "addr4", d.addr4.Load())
	return nil
}
