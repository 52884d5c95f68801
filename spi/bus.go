package spi

import (
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"
	"golang.org/x/sync/semaphore"

	"spidevices-go/errcode"
)

// Bus owns one physical SPI instance.
type Bus struct {
	cfg  Config
	conn Conn
	clk  clock.Clock
	log  logr.Logger

	mu      sync.Mutex
	devices map[string]*Device
	// excl is the exclusion domain; nil while at most one device is attached.
	excl *semaphore.Weighted

	frames       atomic.Uint64
	lockTimeouts atomic.Uint64
	busErrors    atomic.Uint64
}

// Stats is a snapshot of transport counters.
type Stats struct {
	Frames       uint64 `json:"frames"`
	LockTimeouts uint64 `json:"lock_timeouts"`
	BusErrors    uint64 `json:"bus_errors"`
}

// Option customises a Bus.
type Option func(*Bus)

// WithClock injects the clock used for lock deadlines.
func WithClock(c clock.Clock) Option { return func(b *Bus) { b.clk = c } }

// WithLogger sets the logger; the default discards.
func WithLogger(l logr.Logger) Option { return func(b *Bus) { b.log = l } }

// NewBus wraps a configured physical port.
func NewBus(conn Conn, cfg Config, opts ...Option) *Bus {
	b := &Bus{
		cfg:     cfg.withDefaults(),
		conn:    conn,
		clk:     clock.New(),
		log:     logr.Discard(),
		devices: map[string]*Device{},
	}
	for _, o := range opts {
		o(b)
	}
	b.log = b.log.WithValues("bus", b.cfg.Name)
	return b
}

// Config returns the fixed bus configuration.
func (b *Bus) Config() Config { return b.cfg }

// Shared reports whether the bus has an exclusion domain.
func (b *Bus) Shared() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.excl != nil
}

// Stats returns the transport counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Frames:       b.frames.Load(),
		LockTimeouts: b.lockTimeouts.Load(),
		BusErrors:    b.busErrors.Load(),
	}
}

// Attach registers a device and parks its select line inactive.
// Attach is a construction-time call: all devices must be attached before
// the bus is used from more than one goroutine.
func (b *Bus) Attach(name string, cs Line) (*Device, error) {
	if name == "" || cs == nil {
		return nil, errcode.New(errcode.InvalidParams, "spi.attach", "name and select line required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, dup := b.devices[name]; dup {
		return nil, errcode.New(errcode.PinInUse, "spi.attach", "device "+name+" already attached")
	}
	for _, d := range b.devices {
		if d.cs == cs {
			return nil, errcode.New(errcode.PinInUse, "spi.attach", "select line shared with "+d.name)
		}
	}
	if err := cs.Out(selectInactive); err != nil {
		return nil, errcode.Wrap(errcode.BusError, "spi.attach", err)
	}
	d := &Device{name: name, bus: b, cs: cs}
	b.devices[name] = d
	if len(b.devices) > 1 && b.excl == nil {
		b.excl = semaphore.NewWeighted(1)
		b.log.V(1).Info("exclusion domain created", "devices", len(b.devices))
	}
	return d, nil
}

// Device looks up an attached device.
func (b *Bus) Device(name string) (*Device, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.devices[name]
	return d, ok
}

func (b *Bus) domain() *semaphore.Weighted {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.excl
}

// tx performs one raw transfer. Caller holds the frame.
func (b *Bus) tx(w, r []byte) error {
	if err := b.conn.Tx(w, r); err != nil {
		b.busErrors.Add(1)
		return errcode.Wrap(errcode.BusError, "spi.tx", err)
	}
	return nil
}
