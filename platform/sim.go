package platform

import (
	"context"
	"sync"
	"time"

	"spidevices-go/config"
	"spidevices-go/drivers/mb85rs"
	"spidevices-go/drivers/mx25"
	"spidevices-go/errcode"
	"spidevices-go/spi"
	"spidevices-go/spi/spisim"
	"spidevices-go/types"
)

// Sim is a Resources backed by spisim. Every bus in the board description
// gets a simulated instance and every device a simulated chip behind its
// select pin.
type Sim struct {
	mu      sync.Mutex
	buses   map[string]*spisim.Bus // by bus id
	chips   map[string]simChip     // by cs pin
	claimed map[string]bool
	irqs    map[string]*simIRQ // by irq pin
}

type simChip struct {
	dev  string
	bus  string
	chip spisim.Chip
}

type simIRQ struct {
	fn    func()
	armed bool
}

var _ Resources = (*Sim)(nil)

// NewSim builds simulated hardware for bc. Unknown device types get no
// chip; their select line still works but MISO floats high.
func NewSim(bc types.BoardConfig) *Sim {
	s := &Sim{
		buses:   map[string]*spisim.Bus{},
		chips:   map[string]simChip{},
		claimed: map[string]bool{},
		irqs:    map[string]*simIRQ{},
	}
	for _, b := range bc.Buses {
		s.buses[b.ID] = spisim.New()
	}
	for _, d := range bc.Devices {
		sc := simChip{dev: d.ID, bus: d.BusRef.ID}
		switch d.Type {
		case config.TypeFlash:
			p, _ := config.FlashParamsOf(d)
			if p.Capacity == 0 {
				p.Capacity = mx25.DefaultCapacity
			}
			f := spisim.NewFlash(int(p.Capacity))
			if p.AddrMode == "4" {
				f.Set4ByteMode(true)
			}
			sc.chip = f
		case config.TypeFram:
			p, _ := config.FramParamsOf(d)
			if p.Capacity == 0 {
				p.Capacity = mb85rs.DefaultCapacity
			}
			sc.chip = spisim.NewFram(int(p.Capacity))
		case config.TypeAccel:
			sc.chip = spisim.NewAccel()
		}
		s.chips[d.CS] = sc
	}
	return s
}

// Bus returns the simulated instance for a bus id.
func (s *Sim) Bus(id string) *spisim.Bus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buses[id]
}

// Chip returns the simulated chip of a device id.
func (s *Sim) Chip(dev string) spisim.Chip {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.chips {
		if c.dev == dev {
			return c.chip
		}
	}
	return nil
}

func (s *Sim) Flash(dev string) *spisim.Flash { f, _ := s.Chip(dev).(*spisim.Flash); return f }
func (s *Sim) Fram(dev string) *spisim.Fram   { f, _ := s.Chip(dev).(*spisim.Fram); return f }
func (s *Sim) Accel(dev string) *spisim.Accel { a, _ := s.Chip(dev).(*spisim.Accel); return a }

// Record turns event tracing on or off on every simulated bus.
func (s *Sim) Record(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.buses {
		b.Record(on)
	}
}

func (s *Sim) SPI(bc types.BusConfig, _ spi.Config) (spi.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buses[bc.ID]
	if !ok {
		return nil, errcode.New(errcode.UnknownBus, "sim.spi", bc.ID)
	}
	return b, nil
}

func (s *Sim) Output(pin string) (spi.Line, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chips[pin]
	if !ok {
		return nil, errcode.New(errcode.UnknownPin, "sim.output", pin)
	}
	if s.claimed[pin] {
		return nil, errcode.New(errcode.PinInUse, "sim.output", pin)
	}
	b, ok := s.buses[c.bus]
	if !ok {
		return nil, errcode.New(errcode.UnknownBus, "sim.output", c.bus)
	}
	s.claimed[pin] = true
	return b.Line(c.dev, c.chip), nil
}

func (s *Sim) Interrupt(pin string, fn func()) (func() error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn == nil {
		return nil, errcode.New(errcode.InvalidParams, "sim.irq", "nil handler")
	}
	if s.claimed[pin] {
		return nil, errcode.New(errcode.PinInUse, "sim.irq", pin)
	}
	s.claimed[pin] = true
	irq := &simIRQ{fn: fn}
	s.irqs[pin] = irq
	return func() error {
		s.mu.Lock()
		irq.armed = true
		s.mu.Unlock()
		return nil
	}, nil
}

// Trigger raises a rising edge on pin. It reports whether a handler ran.
func (s *Sim) Trigger(pin string) bool {
	s.mu.Lock()
	irq := s.irqs[pin]
	armed := irq != nil && irq.armed
	s.mu.Unlock()
	if !armed {
		return false
	}
	irq.fn()
	return true
}

// Drive triggers every armed interrupt each period until ctx ends,
// standing in for data-ready pulses.
func (s *Sim) Drive(ctx context.Context, period time.Duration) {
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.mu.Lock()
			pins := make([]string, 0, len(s.irqs))
			for p := range s.irqs {
				pins = append(pins, p)
			}
			s.mu.Unlock()
			for _, p := range pins {
				s.Trigger(p)
			}
		}
	}
}

func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, irq := range s.irqs {
		irq.armed = false
	}
	return nil
}
