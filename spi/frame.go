package spi

import (
	"context"
	"errors"

	"go.uber.org/multierr"
	"golang.org/x/sync/semaphore"

	"spidevices-go/errcode"
)

// Device is one chip on a Bus with its own select line. It implements
// Transactor.
type Device struct {
	name string
	bus  *Bus
	cs   Line
}

var _ Transactor = (*Device)(nil)

func (d *Device) Name() string { return d.name }
func (d *Device) Bus() *Bus     { return d.bus }

type frameKey struct{ d *Device }

// Begin opens a frame: it acquires the bus exclusion domain (bounded by the
// bus lock timeout and ctx) and asserts the select line. On lock expiry no
// line changes and no bytes move. The frame MUST be closed.
func (d *Device) Begin(ctx context.Context) (*Frame, error) {
	if ctx.Value(frameKey{d}) != nil {
		return nil, errcode.New(errcode.NestedFrame, "spi.begin", d.name)
	}
	b := d.bus
	excl := b.domain()
	if excl != nil {
		if err := b.acquire(ctx, excl); err != nil {
			return nil, err
		}
	}
	f := &Frame{dev: d, excl: excl}
	f.ctx = context.WithValue(ctx, frameKey{d}, f)
	if err := d.cs.Out(selectActive); err != nil {
		// The line state is unknown; try to park it before giving up.
		err = multierr.Append(err, d.cs.Out(selectInactive))
		if excl != nil {
			excl.Release(1)
		}
		b.busErrors.Add(1)
		return nil, errcode.Wrap(errcode.BusError, "spi.select", err)
	}
	b.frames.Add(1)
	return f, nil
}

func (b *Bus) acquire(ctx context.Context, excl *semaphore.Weighted) error {
	lctx, cancel := b.clk.WithTimeout(ctx, b.cfg.LockTimeout)
	defer cancel()
	if err := excl.Acquire(lctx, 1); err != nil {
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errcode.Wrap(errcode.Canceled, "spi.lock", ctx.Err())
		}
		b.lockTimeouts.Add(1)
		b.log.Info("bus lock timeout", "timeout", b.cfg.LockTimeout)
		return errcode.Wrap(errcode.LockTimeout, "spi.lock", err)
	}
	return nil
}

// Transact runs fn inside one frame. The select line is deasserted and the
// lock released on every path, including a panic in fn.
func (d *Device) Transact(ctx context.Context, fn func(f *Frame) error) (err error) {
	f, err := d.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, f.release()) }()
	if err = fn(f); err != nil {
		return err
	}
	// Report a sticky transfer failure even if fn ignored it.
	return f.Err()
}

// Frame is an open transaction: select asserted, exclusion held.
// Sub-transfers run in program order; the first failure is sticky and
// every later sub-transfer returns it without touching the bus.
type Frame struct {
	dev    *Device
	excl   *semaphore.Weighted
	ctx    context.Context
	err    error
	closed bool
}

// Context carries a marker that rejects nested frames for the same device.
func (f *Frame) Context() context.Context { return f.ctx }

// Err returns the first sub-transfer failure.
func (f *Frame) Err() error { return f.err }

func (f *Frame) usable() bool {
	if f.closed && f.err == nil {
		f.err = errcode.New(errcode.InvalidParams, "spi.frame", "frame closed")
	}
	return f.err == nil
}

// Write clocks p out, discarding MISO.
func (f *Frame) Write(p []byte) error {
	if !f.usable() {
		return f.err
	}
	if len(p) == 0 {
		return nil
	}
	f.err = f.dev.bus.tx(p, nil)
	return f.err
}

// Read clocks len(p) fill bytes out and stores MISO into p.
func (f *Frame) Read(p []byte) error {
	if !f.usable() {
		return f.err
	}
	if len(p) == 0 {
		return nil
	}
	fill := make([]byte, len(p))
	if v := f.dev.bus.cfg.Fill; v != 0 {
		for i := range fill {
			fill[i] = v
		}
	}
	f.err = f.dev.bus.tx(fill, p)
	return f.err
}

// WriteRead sends w then receives len(r) bytes under the same select.
func (f *Frame) WriteRead(w, r []byte) error {
	if err := f.Write(w); err != nil {
		return err
	}
	return f.Read(r)
}

// Dummy clocks n filler cycles (0xFF bytes) with no logical data.
func (f *Frame) Dummy(n int) error {
	if n <= 0 {
		return f.Write(nil)
	}
	p := make([]byte, n)
	for i := range p {
		p[i] = 0xFF
	}
	return f.Write(p)
}

// Close deasserts select and releases the exclusion domain exactly once.
// It returns the sticky transfer error combined with any deassert failure.
func (f *Frame) Close() error {
	if f.closed {
		return nil
	}
	return multierr.Append(f.err, f.release())
}

func (f *Frame) release() error {
	if f.closed {
		return nil
	}
	f.closed = true
	var err error
	if derr := f.dev.cs.Out(selectInactive); derr != nil {
		f.dev.bus.busErrors.Add(1)
		err = errcode.Wrap(errcode.BusError, "spi.deselect", derr)
	}
	if f.excl != nil {
		f.excl.Release(1)
	}
	return err
}
