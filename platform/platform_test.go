package platform

import (
	"errors"
	"testing"

	"periph.io/x/conn/v3/gpio"

	"spidevices-go/config"
	"spidevices-go/errcode"
	"spidevices-go/spi"
)

func TestRP2PinNumberRange(t *testing.T) {
	for _, name := range []string{"GP0", "GP28", "GP29"} {
		if _, ok := RP2PinNumber(name); !ok {
			t.Fatalf("%s rejected", name)
		}
	}
	for _, name := range []string{"GP30", "GPIO47", "x"} {
		if _, ok := RP2PinNumber(name); ok {
			t.Fatalf("%s accepted", name)
		}
	}
}

func TestPinNumber(t *testing.T) {
	cases := map[string]int{"GP17": 17, "gp0": 0, "GPIO22": 22, "5": 5, " GP13 ": 13}
	for in, want := range cases {
		if got, ok := PinNumber(in); !ok || got != want {
			t.Fatalf("%q: got %d,%v", in, got, ok)
		}
	}
	for _, bad := range []string{"", "GP", "SPI0", "GP-1"} {
		if _, ok := PinNumber(bad); ok {
			t.Fatalf("%q should not parse", bad)
		}
	}
}

func TestSimClaims(t *testing.T) {
	bc, err := config.Embedded("pico")
	if err != nil {
		t.Fatal(err)
	}
	s := NewSim(bc)
	if _, err := s.SPI(bc.Buses[0], spi.Config{}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Output("GP13"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Output("GP13"); !errors.Is(err, errcode.PinInUse) {
		t.Fatalf("second claim: %v", err)
	}
	if _, err := s.Output("GP99"); !errors.Is(err, errcode.UnknownPin) {
		t.Fatalf("unknown pin: %v", err)
	}
	if s.Flash("flash0") == nil || s.Fram("fram0") == nil || s.Accel("accel0") == nil {
		t.Fatal("chips not modelled")
	}
	if s.Flash("fram0") != nil {
		t.Fatal("type lookup must not cross device kinds")
	}
}

func TestSimOutputDrivesChip(t *testing.T) {
	bc, _ := config.Embedded("pico")
	s := NewSim(bc)
	l, err := s.Output("GP14")
	if err != nil {
		t.Fatal(err)
	}
	bus := s.Bus("spi1")
	_ = l.Out(gpio.Low)
	_ = bus.Tx([]byte{0x9F}, nil)
	_ = l.Out(gpio.High)
	frames := bus.Frames("fram0")
	if len(frames) != 1 || frames[0][0] != 0x9F {
		t.Fatalf("frames %v", frames)
	}
}

func TestSimInterruptNeedsEnable(t *testing.T) {
	bc, _ := config.Embedded("pico")
	s := NewSim(bc)
	n := 0
	enable, err := s.Interrupt("GP20", func() { n++ })
	if err != nil {
		t.Fatal(err)
	}
	if s.Trigger("GP20") {
		t.Fatal("fired before enable")
	}
	_ = enable()
	if !s.Trigger("GP20") || n != 1 {
		t.Fatalf("n=%d", n)
	}
	_ = s.Close()
	if s.Trigger("GP20") {
		t.Fatal("fired after close")
	}
}
