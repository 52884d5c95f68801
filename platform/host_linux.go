//go:build linux && !tinygo

package platform

import (
	"sync"
	"time"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	periphspi "periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"spidevices-go/errcode"
	"spidevices-go/spi"
	"spidevices-go/types"
)

// edgePoll bounds each WaitForEdge so Close can stop the watchers.
const edgePoll = 500 * time.Millisecond

// Host is a Resources on a Linux board using spidev and the GPIO
// character device through periph.
type Host struct {
	log logr.Logger

	mu      sync.Mutex
	ports   []periphspi.PortCloser
	claimed map[string]bool

	stop chan struct{}
	wg   sync.WaitGroup
}

var _ Resources = (*Host)(nil)

// NewHost initialises periph's host drivers.
func NewHost(log logr.Logger) (*Host, error) {
	if _, err := host.Init(); err != nil {
		return nil, errcode.Wrap(errcode.Unsupported, "host.init", err)
	}
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Host{log: log, claimed: map[string]bool{}, stop: make(chan struct{})}, nil
}

// SPI opens bc.Port (e.g. "/dev/spidev0.0" or "SPI0.0") in NoCS mode; the
// transport drives chip select itself.
func (h *Host) SPI(bc types.BusConfig, cfg spi.Config) (spi.Conn, error) {
	op := "host.spi." + bc.ID
	port, err := spireg.Open(bc.Port)
	if err != nil {
		return nil, errcode.Wrap(errcode.UnknownBus, op, err)
	}
	conn, err := port.Connect(cfg.Frequency, cfg.Mode|periphspi.NoCS, 8)
	if err != nil {
		return nil, errcode.Wrap(errcode.BusError, op, multierr.Append(err, port.Close()))
	}
	h.mu.Lock()
	h.ports = append(h.ports, port)
	h.mu.Unlock()
	h.log.V(1).Info("spi port open", "bus", bc.ID, "port", bc.Port, "freq", cfg.Frequency.String())
	return conn, nil
}

func (h *Host) claim(op, pin string) (gpio.PinIO, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.claimed[pin] {
		return nil, errcode.New(errcode.PinInUse, op, pin)
	}
	p := gpioreg.ByName(pin)
	if p == nil {
		return nil, errcode.New(errcode.UnknownPin, op, pin)
	}
	h.claimed[pin] = true
	return p, nil
}

func (h *Host) Output(pin string) (spi.Line, error) {
	p, err := h.claim("host.output", pin)
	if err != nil {
		return nil, err
	}
	if err := p.Out(gpio.High); err != nil {
		return nil, errcode.Wrap(errcode.BusError, "host.output", err)
	}
	return p, nil
}

// Interrupt arms rising-edge detection and, once enabled, runs fn from a
// watcher goroutine.
func (h *Host) Interrupt(pin string, fn func()) (func() error, error) {
	p, err := h.claim("host.irq", pin)
	if err != nil {
		return nil, err
	}
	if err := p.In(gpio.PullDown, gpio.RisingEdge); err != nil {
		return nil, errcode.Wrap(errcode.Unsupported, "host.irq", err)
	}
	var once sync.Once
	enable := func() error {
		once.Do(func() {
			h.wg.Add(1)
			go h.watch(p, fn)
		})
		return nil
	}
	return enable, nil
}

func (h *Host) watch(p gpio.PinIO, fn func()) {
	defer h.wg.Done()
	for {
		select {
		case <-h.stop:
			return
		default:
		}
		if p.WaitForEdge(edgePoll) {
			fn()
		}
	}
}

// Close stops interrupt watchers and closes every opened port.
func (h *Host) Close() error {
	h.mu.Lock()
	select {
	case <-h.stop:
	default:
		close(h.stop)
	}
	ports := h.ports
	h.ports = nil
	h.mu.Unlock()
	h.wg.Wait()
	var err error
	for _, p := range ports {
		err = multierr.Append(err, p.Close())
	}
	return err
}
