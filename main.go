//go:build rp2040 || rp2350

// Firmware for the pico board: brings up both SPI buses, starts the flash,
// FRAM and accelerometer services and prints states and samples on the
// UART0 console.
//
//	tinygo flash -target pico .
package main

import (
	"context"
	"time"

	"github.com/go-logr/logr/funcr"

	"spidevices-go/board"
	"spidevices-go/bus"
	"spidevices-go/config"
	"spidevices-go/platform"
	"spidevices-go/services/devtopic"
	"spidevices-go/services/runner"
	"spidevices-go/types"
	"spidevices-go/x/conv"
)

const (
	boardName   = "pico"
	consoleBaud = 115200
	// Print one sample in this many.
	sampleEvery = 100
)

func main() {
	// Allow the console to settle before we print.
	time.Sleep(2 * time.Second)
	console := platform.Console(consoleBaud)
	log := funcr.New(func(prefix, args string) {
		if prefix != "" {
			_, _ = console.Write([]byte(prefix + ": "))
		}
		_, _ = console.Write([]byte(args + "\r\n"))
	}, funcr.Options{})
	println("boot")

	raw, _ := config.EmbeddedLookup(boardName)
	bc, err := config.Parse(raw)
	if err != nil {
		halt("config", err)
	}
	b, err := board.New(bc, platform.NewRP2(), board.WithLogger(log))
	if err != nil {
		halt("board", err)
	}

	ctx := context.Background()
	bs := bus.NewBus(4)
	mon := bs.NewConnection("main")
	states := mon.Subscribe(bus.T(devtopic.TokDev, "+", devtopic.TokState))
	samples := mon.Subscribe(bus.T(devtopic.TokAccel, "+", devtopic.TokSample))
	go func() {
		var buf [20]byte
		n := 0
		for {
			select {
			case m := <-states.Channel():
				if st, ok := m.Payload.(types.StateValue); ok {
					println("[state]", st.Device, st.State.String(), st.Error)
				}
			case m := <-samples.Channel():
				s, ok := m.Payload.(types.AccelSample)
				if n++; !ok || n%sampleEvery != 0 {
					continue
				}
				print("[accel] x=", string(conv.Itoa(buf[:], int64(s.X))))
				print(" y=", string(conv.Itoa(buf[:], int64(s.Y))))
				println(" z=", string(conv.Itoa(buf[:], int64(s.Z))))
			}
		}
	}()

	svcs := runner.Services(b, runner.Config{Description: raw, Logger: log})
	if err := runner.Run(ctx, bs, svcs); err != nil {
		halt("services", err)
	}
}

func halt(stage string, err error) {
	for {
		println("[main]", stage, "failed:", err.Error())
		time.Sleep(5 * time.Second)
	}
}
