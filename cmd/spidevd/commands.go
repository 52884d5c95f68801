//go:build !tinygo

package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"
	"github.com/urfave/cli/v2"

	"spidevices-go/board"
	"spidevices-go/bus"
	"spidevices-go/config"
	"spidevices-go/errcode"
	"spidevices-go/services/accel"
	"spidevices-go/services/devtopic"
	"spidevices-go/services/flash"
	"spidevices-go/services/fram"
	"spidevices-go/services/heartbeat"
	"spidevices-go/services/runner"
	"spidevices-go/spi"
	"spidevices-go/types"
)

const (
	defaultDrive   = 100 * time.Millisecond
	defaultEvery   = 100 * time.Millisecond
	commandTimeout = time.Minute
)

func boardsAction(c *cli.Context) error {
	names := config.Boards()
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintln(c.App.Writer, n)
	}
	return nil
}

func runAction(c *cli.Context) error {
	r, err := newRig(c)
	if err != nil {
		return err
	}
	defer r.Close()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	bs := bus.NewBus(64)
	svcs := runner.Services(r.board, runner.Config{
		Description: r.raw,
		Heartbeat:   c.Duration(flagBeat),
		Logger:      r.log,
	})
	if r.sim != nil {
		r.sim.Record(false)
		go r.sim.Drive(ctx, c.Duration(flagDrive))
	}
	go monitor(ctx, bs.NewConnection("spidevd"), r.log)

	r.log.Info("services starting", "count", len(svcs))
	err = runner.Run(ctx, bs, svcs)
	r.log.Info("services stopped")
	return err
}

// monitor logs every state change, self-test report and heartbeat.
func monitor(ctx context.Context, conn *bus.Connection, log logr.Logger) {
	defer conn.Disconnect()
	states := conn.Subscribe(bus.T(devtopic.TokDev, "+", devtopic.TokState))
	reports := conn.Subscribe(bus.T(devtopic.TokDev, "+", devtopic.TokReport))
	beats := conn.Subscribe(heartbeat.Topic)
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-states.Channel():
			if st, ok := m.Payload.(types.StateValue); ok {
				log.Info("state", "dev", st.Device, "state", st.State.String(), "err", st.Error)
			}
		case m := <-reports.Channel():
			if rep, ok := m.Payload.(types.Report); ok {
				log.Info("self-test", "dev", rep.Device, "pass", rep.Pass)
			}
		case m := <-beats.Channel():
			if b, ok := m.Payload.(heartbeat.Beat); ok {
				log.V(1).Info("heartbeat", "uptime_s", b.Uptime, "buses", b.Buses)
			}
		}
	}
}

// withBoard runs fn with an assembled board and a bounded context.
func withBoard(c *cli.Context, fn func(ctx context.Context, r *rig) error) error {
	r, err := newRig(c)
	if err != nil {
		return err
	}
	defer r.Close()
	ctx, cancel := context.WithTimeout(c.Context, commandTimeout)
	defer cancel()
	return fn(ctx, r)
}

func idAction(c *cli.Context) error {
	return withBoard(c, func(ctx context.Context, r *rig) error {
		w := c.App.Writer
		for _, f := range r.board.Flash {
			if err := f.Init(ctx); err != nil {
				fmt.Fprintf(w, "%s\tmx25\t%v\n", f.ID, err)
				continue
			}
			id, err := f.Identify(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s\tmx25\tjedec 0x%06X\taddr4 %v\n", f.ID, id.Uint32(), f.FourByteAddressing())
		}
		for _, f := range r.board.Fram {
			id, err := f.Identify(ctx)
			if err != nil {
				fmt.Fprintf(w, "%s\tmb85rs\t%v\n", f.ID, err)
				continue
			}
			fmt.Fprintf(w, "%s\tmb85rs\tid 0x%08X\n", f.ID, id.Uint32())
		}
		for _, a := range r.board.Accel {
			id, err := a.ReadID(ctx)
			if err != nil {
				fmt.Fprintf(w, "%s\tlis3dsh\t%v\n", a.ID, err)
				continue
			}
			fmt.Fprintf(w, "%s\tlis3dsh\twho_am_i 0x%02X\n", a.ID, id)
		}
		return nil
	})
}

func selfTestAction(c *cli.Context) error {
	return withBoard(c, func(ctx context.Context, r *rig) error {
		var reports []types.Report
		add := func(id, kind string, initErr error, test func() types.Report) {
			rep := types.Report{}
			if initErr != nil {
				rep.Add("init", initErr, "")
			} else {
				rep = test()
			}
			rep.Device, rep.Kind = id, kind
			reports = append(reports, rep)
		}
		for _, f := range r.board.Flash {
			svc := flash.New(f.ID, f.Device, flash.Config{SelfTestAddr: f.Params.SelfTestAddr, Logger: r.log})
			add(f.ID, "flash", f.Init(ctx), func() types.Report { return svc.SelfTest(ctx) })
		}
		for _, f := range r.board.Fram {
			svc := fram.New(f.ID, f.Device, fram.Config{SelfTestAddr: f.Params.SelfTestAddr, Logger: r.log})
			add(f.ID, "fram", f.Init(ctx), func() types.Report { return svc.SelfTest(ctx) })
		}
		for _, a := range r.board.Accel {
			svc := accel.New(a.ID, a.Device, accel.Config{Logger: r.log})
			add(a.ID, "accel", a.Init(ctx), func() types.Report { return svc.SelfTest(ctx) })
		}
		enc := json.NewEncoder(c.App.Writer)
		enc.SetIndent("", "  ")
		if err := enc.Encode(reports); err != nil {
			return err
		}
		for _, rep := range reports {
			if !rep.Pass {
				return cli.Exit("self-test failed: "+rep.Device, 2)
			}
		}
		return nil
	})
}

// memory is what read and write need from flash and FRAM alike.
type memory interface {
	Init(ctx context.Context) error
	Read(ctx context.Context, addr uint32, n int) ([]byte, error)
}

func lookupMemory(b *board.Board, id string) (memory, error) {
	if f, ok := b.FlashByID(id); ok {
		return f, nil
	}
	if f, ok := b.FramByID(id); ok {
		return f, nil
	}
	return nil, errcode.New(errcode.InvalidParams, "spidevd", "no flash or fram named "+strconv.Quote(id))
}

func address(c *cli.Context) (uint32, error) {
	a := c.Uint64(flagAddr)
	if a > 0xFFFFFFFF {
		return 0, errcode.New(errcode.InvalidParams, "spidevd", "address out of range")
	}
	return uint32(a), nil
}

func readAction(c *cli.Context) error {
	return withBoard(c, func(ctx context.Context, r *rig) error {
		m, err := lookupMemory(r.board, c.String(flagDev))
		if err != nil {
			return err
		}
		addr, err := address(c)
		if err != nil {
			return err
		}
		if err := m.Init(ctx); err != nil {
			return err
		}
		p, err := m.Read(ctx, addr, c.Int(flagLen))
		if err != nil {
			return err
		}
		_, err = fmt.Fprint(c.App.Writer, hex.Dump(p))
		return err
	})
}

func writeAction(c *cli.Context) error {
	data, err := hex.DecodeString(c.String(flagData))
	if err != nil {
		return errcode.Wrap(errcode.InvalidParams, "spidevd", err)
	}
	return withBoard(c, func(ctx context.Context, r *rig) error {
		id := c.String(flagDev)
		addr, err := address(c)
		if err != nil {
			return err
		}
		if f, ok := r.board.FlashByID(id); ok {
			if err := f.Init(ctx); err != nil {
				return err
			}
			return f.Write(ctx, addr, data)
		}
		if f, ok := r.board.FramByID(id); ok {
			if err := f.Init(ctx); err != nil {
				return err
			}
			n, err := f.Write(ctx, addr, data)
			if n < len(data) && err == nil {
				r.log.Info("write clamped at end of device", "written", n, "requested", len(data))
			}
			return err
		}
		return errcode.New(errcode.InvalidParams, "spidevd", "no flash or fram named "+strconv.Quote(id))
	})
}

func eraseAction(c *cli.Context) error {
	return withBoard(c, func(ctx context.Context, r *rig) error {
		f, ok := r.board.FlashByID(c.String(flagDev))
		if !ok {
			return errcode.New(errcode.InvalidParams, "spidevd", "no flash named "+strconv.Quote(c.String(flagDev)))
		}
		if err := f.Init(ctx); err != nil {
			return err
		}
		if c.Bool(flagChip) {
			r.log.Info("erasing chip", "dev", f.ID)
			return f.EraseChip(ctx)
		}
		addr, err := address(c)
		if err != nil {
			return err
		}
		return f.EraseSector(ctx, addr)
	})
}

func sampleAction(c *cli.Context) error {
	return withBoard(c, func(ctx context.Context, r *rig) error {
		a, ok := r.board.AccelByID(c.String(flagDev))
		if !ok {
			return errcode.New(errcode.InvalidParams, "spidevd", "no accelerometer named "+strconv.Quote(c.String(flagDev)))
		}
		if err := a.Init(ctx); err != nil {
			return err
		}
		clk := clock.New()
		for i := 0; i < c.Int(flagCount); i++ {
			if i > 0 {
				if err := spi.Delay(ctx, clk, c.Duration(flagEvery)); err != nil {
					return err
				}
			}
			s, err := a.ReadSample(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "x=%d y=%d z=%d mg\n", s.X, s.Y, s.Z)
		}
		return nil
	})
}
