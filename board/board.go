// Package board assembles SPI transports and device drivers from a board
// description and a platform.
package board

import (
	"sort"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"
	"go.uber.org/multierr"
	"periph.io/x/conn/v3/physic"

	"spidevices-go/config"
	"spidevices-go/drivers/lis3dsh"
	"spidevices-go/drivers/mb85rs"
	"spidevices-go/drivers/mx25"
	"spidevices-go/errcode"
	"spidevices-go/platform"
	"spidevices-go/spi"
	"spidevices-go/types"
)

// Flash is an mx25 device with its board params.
type Flash struct {
	*mx25.Device
	ID     string
	Params config.FlashParams
}

// Fram is an mb85rs device with its board params.
type Fram struct {
	*mb85rs.Device
	ID     string
	Params config.FramParams
}

// Accel is a lis3dsh device with its data-ready routing.
type Accel struct {
	*lis3dsh.Device
	ID     string
	Params config.AccelParams
	// HasIRQ is false when no data-ready pin is wired.
	HasIRQ bool

	onReady atomic.Pointer[func()]
}

// OnDataReady sets the handler run on every data-ready edge. It may run in
// interrupt context.
func (a *Accel) OnDataReady(fn func()) { a.onReady.Store(&fn) }

func (a *Accel) dataReady() {
	if fn := a.onReady.Load(); fn != nil {
		(*fn)()
	}
}

// Board owns the transports and drivers built from one description.
type Board struct {
	Flash []*Flash
	Fram  []*Fram
	Accel []*Accel

	res   platform.Resources
	buses map[string]*spi.Bus
}

type options struct {
	clk clock.Clock
	log logr.Logger
}

// Option customises New.
type Option func(*options)

func WithClock(c clock.Clock) Option  { return func(o *options) { o.clk = c } }
func WithLogger(l logr.Logger) Option { return func(o *options) { o.log = l } }

// New validates bc, opens every bus on res and attaches every device.
// On error res is closed.
func New(bc types.BoardConfig, res platform.Resources, opts ...Option) (_ *Board, err error) {
	o := options{clk: clock.New(), log: logr.Discard()}
	for _, fn := range opts {
		fn(&o)
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, res.Close())
		}
	}()
	if err := config.Validate(bc); err != nil {
		return nil, err
	}
	b := &Board{res: res, buses: map[string]*spi.Bus{}}
	for _, bcfg := range bc.Buses {
		cfg, err := config.BusSettings(bcfg)
		if err != nil {
			return nil, err
		}
		conn, err := res.SPI(bcfg, cfg)
		if err != nil {
			return nil, err
		}
		b.buses[bcfg.ID] = spi.NewBus(conn, cfg, spi.WithClock(o.clk), spi.WithLogger(o.log))
	}
	for _, d := range bc.Devices {
		if err := b.attach(d, o); err != nil {
			return nil, err
		}
	}
	for _, id := range b.BusIDs() {
		bus := b.buses[id]
		o.log.V(1).Info("bus ready", "bus", id, "shared", bus.Shared(), "freq", bus.Config().Frequency.String())
	}
	return b, nil
}

func (b *Board) attach(d types.Device, o options) error {
	bus := b.buses[d.BusRef.ID]
	cs, err := b.res.Output(d.CS)
	if err != nil {
		return err
	}
	dev, err := bus.Attach(d.ID, cs)
	if err != nil {
		return err
	}
	switch d.Type {
	case config.TypeFlash:
		p, _ := config.FlashParamsOf(d)
		b.Flash = append(b.Flash, &Flash{Device: mx25.New(dev, FlashConfig(p, o.clk, o.log)), ID: d.ID, Params: p})
	case config.TypeFram:
		p, _ := config.FramParamsOf(d)
		b.Fram = append(b.Fram, &Fram{Device: mb85rs.New(dev, FramConfig(p, o.clk, o.log)), ID: d.ID, Params: p})
	case config.TypeAccel:
		p, _ := config.AccelParamsOf(d)
		cfg, err := AccelConfig(p, o.clk, o.log)
		if err != nil {
			return errcode.Wrap(errcode.InvalidParams, "board."+d.ID, err)
		}
		a := &Accel{ID: d.ID, Params: p}
		if d.IRQ != "" {
			enable, err := b.res.Interrupt(d.IRQ, a.dataReady)
			if err != nil {
				return err
			}
			cfg.EnableLine = enable
			a.HasIRQ = true
		}
		a.Device = lis3dsh.New(dev, cfg)
		b.Accel = append(b.Accel, a)
	}
	return nil
}

// Bus returns a transport by bus id.
func (b *Board) Bus(id string) (*spi.Bus, bool) {
	bus, ok := b.buses[id]
	return bus, ok
}

// BusIDs lists bus ids in order.
func (b *Board) BusIDs() []string {
	ids := make([]string, 0, len(b.buses))
	for id := range b.buses {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (b *Board) FlashByID(id string) (*Flash, bool) {
	for _, f := range b.Flash {
		if f.ID == id {
			return f, true
		}
	}
	return nil, false
}

func (b *Board) FramByID(id string) (*Fram, bool) {
	for _, f := range b.Fram {
		if f.ID == id {
			return f, true
		}
	}
	return nil, false
}

func (b *Board) AccelByID(id string) (*Accel, bool) {
	for _, a := range b.Accel {
		if a.ID == id {
			return a, true
		}
	}
	return nil, false
}

// Close releases platform resources.
func (b *Board) Close() error { return b.res.Close() }

// FlashConfig maps board params onto the driver configuration. Zero
// params keep the driver defaults.
func FlashConfig(p config.FlashParams, clk clock.Clock, log logr.Logger) mx25.Config {
	cfg := mx25.Config{
		Capacity:   p.Capacity,
		PageSize:   p.PageSize,
		SectorSize: p.SectorSize,
		ExpectedID: p.ExpectedID,
		Timing: mx25.Timing{
			Poll:        p.Poll,
			PageProgram: p.PageProgram,
			SectorErase: p.SectorErase,
			ChipErase:   p.ChipErase,
		},
		Clock:  clk,
		Logger: log,
	}
	switch p.AddrMode {
	case "3":
		cfg.AddrMode = mx25.Addr3
	case "4":
		cfg.AddrMode = mx25.Addr4
	default:
		cfg.AddrMode = mx25.AddrDetect
	}
	return cfg
}

func FramConfig(p config.FramParams, clk clock.Clock, log logr.Logger) mb85rs.Config {
	return mb85rs.Config{
		Capacity:   p.Capacity,
		ExpectedID: p.ExpectedID,
		Recovery:   p.Recovery,
		Clock:      clk,
		Logger:     log,
	}
}

// AccelConfig converts frequencies in hertz to register codes. Rates the
// part does not support are rejected.
func AccelConfig(p config.AccelParams, clk clock.Clock, log logr.Logger) (lis3dsh.Config, error) {
	cfg := lis3dsh.Config{
		SoftReset:  p.SoftReset,
		ResetDelay: p.ResetDelay,
		Clock:      clk,
		Logger:     log,
	}
	if p.ODR != 0 {
		odr, ok := odrCodes[p.ODR]
		if !ok {
			return cfg, errcode.New(errcode.InvalidParams, "board.accel", "unsupported odr "+p.ODR.String())
		}
		cfg.ODR = odr
	}
	if p.Bandwidth != 0 {
		bw, ok := bwCodes[p.Bandwidth]
		if !ok {
			return cfg, errcode.New(errcode.InvalidParams, "board.accel", "unsupported bandwidth "+p.Bandwidth.String())
		}
		cfg.Bandwidth = bw
	}
	return cfg, nil
}

var odrCodes = map[physic.Frequency]lis3dsh.ODR{
	3125 * physic.MilliHertz:  lis3dsh.ODR3_125Hz,
	6250 * physic.MilliHertz:  lis3dsh.ODR6_25Hz,
	12500 * physic.MilliHertz: lis3dsh.ODR12_5Hz,
	25 * physic.Hertz:         lis3dsh.ODR25Hz,
	50 * physic.Hertz:         lis3dsh.ODR50Hz,
	100 * physic.Hertz:        lis3dsh.ODR100Hz,
	400 * physic.Hertz:        lis3dsh.ODR400Hz,
	800 * physic.Hertz:        lis3dsh.ODR800Hz,
	1600 * physic.Hertz:       lis3dsh.ODR1600Hz,
}

var bwCodes = map[physic.Frequency]lis3dsh.Bandwidth{
	50 * physic.Hertz:  lis3dsh.BW50Hz,
	200 * physic.Hertz: lis3dsh.BW200Hz,
	400 * physic.Hertz: lis3dsh.BW400Hz,
	800 * physic.Hertz: lis3dsh.BW800Hz,
}
