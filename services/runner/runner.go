// Package runner starts one service per device of a board and the
// heartbeat, and routes accelerometer data-ready edges to their workers.
package runner

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"spidevices-go/board"
	"spidevices-go/bus"
	"spidevices-go/services/accel"
	svcconfig "spidevices-go/services/config"
	"spidevices-go/services/flash"
	"spidevices-go/services/fram"
	"spidevices-go/services/heartbeat"
)

type Config struct {
	// Description, when set, is the board JSON published under config/.
	Description []byte
	Heartbeat   time.Duration // 0 uses heartbeat.DefaultInterval
	Clock       clock.Clock
	Logger      logr.Logger
}

// Service is the common shape of every device service.
type Service interface {
	Run(ctx context.Context, conn *bus.Connection) error
}

// Named is a service with the bus connection id it runs under.
type Named struct {
	Name string
	Svc  Service
}

// Services builds the services for every device on b. Accelerometers with
// a data-ready pin are wired to their worker's Signal.
func Services(b *board.Board, cfg Config) []Named {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger.GetSink() == nil {
		cfg.Logger = logr.Discard()
	}
	var out []Named
	if cfg.Description != nil {
		out = append(out, Named{"config", svcconfig.New(cfg.Description, cfg.Logger)})
	}
	for _, f := range b.Flash {
		out = append(out, Named{f.ID, flash.New(f.ID, f.Device, flash.Config{
			SelfTestAddr: f.Params.SelfTestAddr,
			Clock:        cfg.Clock,
			Logger:       cfg.Logger,
		})})
	}
	for _, f := range b.Fram {
		out = append(out, Named{f.ID, fram.New(f.ID, f.Device, fram.Config{
			SelfTestAddr: f.Params.SelfTestAddr,
			Clock:        cfg.Clock,
			Logger:       cfg.Logger,
		})})
	}
	for _, a := range b.Accel {
		svc := accel.New(a.ID, a.Device, accel.Config{
			CheckIn: a.Params.CheckIn,
			Pause:   a.Params.Pause,
			Clock:   cfg.Clock,
			Logger:  cfg.Logger,
		})
		if a.HasIRQ {
			a.OnDataReady(svc.Signal)
		}
		out = append(out, Named{a.ID, svc})
	}
	out = append(out, Named{"heartbeat", heartbeat.New(b, cfg.Heartbeat, cfg.Clock, cfg.Logger)})
	return out
}

// Run runs every service on its own connection to bs until ctx ends or one
// of them fails.
func Run(ctx context.Context, bs *bus.Bus, svcs []Named) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, n := range svcs {
		conn := bs.NewConnection(n.Name)
		svc := n.Svc
		g.Go(func() error {
			defer conn.Disconnect()
			return svc.Run(ctx, conn)
		})
	}
	return g.Wait()
}
