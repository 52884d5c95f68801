package spi

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"

	"spidevices-go/errcode"
)

// Poll repeats a status check on a fixed cadence until it reports done or
// the bound elapses.
type Poll struct {
	Interval time.Duration
	Timeout  time.Duration
	Clock    clock.Clock
}

// Until calls check once per cycle. A check error aborts immediately. Once
// elapsed time reaches Timeout with check still false, Until returns
// operation_timeout. Each check that needs the bus opens its own frame, so
// other devices are served between cycles.
func (p Poll) Until(ctx context.Context, op string, check func(ctx context.Context) (bool, error)) error {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	start := clk.Now()
	for {
		done, err := check(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if clk.Since(start) >= p.Timeout {
			return errcode.New(errcode.OperationTimeout, op, "exceeded "+p.Timeout.String())
		}
		if err := Delay(ctx, clk, p.Interval); err != nil {
			return errcode.Wrap(errcode.Canceled, op, err)
		}
	}
}

// Delay waits d on clk, returning early when ctx ends.
func Delay(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	if clk == nil {
		clk = clock.New()
	}
	t := clk.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
