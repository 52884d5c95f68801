package lis3dsh

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"spidevices-go/errcode"
	"spidevices-go/spi"
	"spidevices-go/spi/spisim"
	"spidevices-go/types"
)

func newRig(t *testing.T, cfg Config) (*spisim.Bus, *spisim.Accel, *Device) {
	t.Helper()
	sim := spisim.New()
	chip := spisim.NewAccel()
	b := spi.NewBus(sim, spi.Config{Name: "spi1", Mode: 3})
	dev, err := b.Attach("accel", sim.Line("accel", chip))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ResetDelay == 0 {
		cfg.ResetDelay = time.Microsecond
	}
	return sim, chip, New(dev, cfg)
}

func TestToMilliGBounds(t *testing.T) {
	cases := []struct {
		lo, hi byte
		want   int16
	}{
		{0x00, 0x80, -1966},
		{0xFF, 0x7F, 1966},
		{0x00, 0x00, 0},
		{0xE8, 0x03, 60}, // 1000
		{0x18, 0xFC, -60},
		{0x10, 0x00, 0}, // 16*0.06 truncates
	}
	for _, c := range cases {
		if got := ToMilliG(le16(c.lo, c.hi)); got != c.want {
			t.Errorf("{%02X,%02X}: got %d want %d", c.lo, c.hi, got, c.want)
		}
	}
}

func TestInitConfiguresRegisters(t *testing.T) {
	lineArmed := false
	_, chip, d := newRig(t, Config{EnableLine: func() error { lineArmed = true; return nil }})
	if err := d.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	if d.State() != types.Ready || !lineArmed {
		t.Fatalf("state=%v armed=%v", d.State(), lineArmed)
	}
	// ODR 800 Hz, BDU, XYZ kept enabled.
	if got := chip.Reg(RegCtrl4); got != 0x8F {
		t.Fatalf("CTRL_REG4 = %02X", got)
	}
	if got := chip.Reg(RegCtrl5); got != 0x40 {
		t.Fatalf("CTRL_REG5 = %02X", got)
	}
	if got := chip.Reg(RegCtrl3); got != 0xE8 {
		t.Fatalf("CTRL_REG3 = %02X", got)
	}
}

func TestConfigurePreservesOtherBits(t *testing.T) {
	_, chip, d := newRig(t, Config{})
	chip.SetReg(RegCtrl5, 0x3F)
	if err := d.Configure(context.Background(), ODR100Hz, BW50Hz); err != nil {
		t.Fatal(err)
	}
	if got := chip.Reg(RegCtrl5); got != 0xFF {
		t.Fatalf("CTRL_REG5 = %02X", got)
	}
	if got := chip.Reg(RegCtrl4); got != 0x6F {
		t.Fatalf("CTRL_REG4 = %02X", got)
	}
}

func TestConfigureFailureNamesRegister(t *testing.T) {
	sim, _, d := newRig(t, Config{})
	// ctrl_reg4 read and write succeed; the ctrl_reg5 read fails.
	sim.FailTx(4, nil)
	err := d.Configure(context.Background(), ODR800Hz, BW200Hz)
	var e *errcode.E
	if !errors.As(err, &e) || e.Msg != "ctrl_reg5" || e.C != errcode.BusError {
		t.Fatalf("unexpected error %v", err)
	}
	sim.Heal()
	if err := d.Configure(context.Background(), ODR800Hz, BW200Hz); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestReadSampleGatedOnReady(t *testing.T) {
	sim, chip, d := newRig(t, Config{})
	chip.SetSample(1000, -1000, 16384)
	s, err := d.ReadSample(context.Background())
	if errcode.Of(err) != errcode.NotReady || s != (Sample{}) {
		t.Fatalf("want not_ready and zero sample, got %+v %v", s, err)
	}
	if len(sim.Trace()) != 0 {
		t.Fatal("gated read touched the bus")
	}
	if err := d.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	s, err = d.ReadSample(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(Sample{X: 60, Y: -60, Z: 983}, s); diff != "" {
		t.Fatalf("sample (-want +got):\n%s", diff)
	}
}

func TestReadSampleFailureIsZero(t *testing.T) {
	sim, chip, d := newRig(t, Config{})
	if err := d.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	chip.SetSample(5000, 5000, 5000)
	sim.FailTx(1, nil) // the receive half of the frame
	s, err := d.ReadSample(context.Background())
	if errcode.Of(err) != errcode.BusError || s != (Sample{}) {
		t.Fatalf("want zero sample with bus_error, got %+v %v", s, err)
	}
}

func TestReadIsOneFrame(t *testing.T) {
	sim, _, d := newRig(t, Config{})
	var p [6]byte
	if err := d.ReadRegisters(context.Background(), RegOutXLow, p[:]); err != nil {
		t.Fatal(err)
	}
	if err := d.WriteRegister(context.Background(), RegCtrl5, 0x40); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([][]byte{{RegOutXLow | 0x80}, {RegCtrl5, 0x40}}, sim.Frames("accel")); diff != "" {
		t.Fatalf("frames (-want +got):\n%s", diff)
	}
}

func TestSoftResetAndWrongID(t *testing.T) {
	_, chip, d := newRig(t, Config{SoftReset: true})
	if err := d.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	if chip.Resets() != 1 {
		t.Fatalf("resets: %d", chip.Resets())
	}

	chip.SetReg(RegWhoAmI, 0x33)
	d2 := New(d.t, Config{})
	if err := d2.Init(context.Background()); errcode.Of(err) != errcode.IDMismatch {
		t.Fatalf("want id_mismatch, got %v", err)
	}
	if d2.State() != types.Uninitialized {
		t.Fatalf("state: %v", d2.State())
	}
}
