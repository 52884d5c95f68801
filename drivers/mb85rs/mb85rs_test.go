package mb85rs

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"spidevices-go/errcode"
	"spidevices-go/spi"
	"spidevices-go/spi/spisim"
	"spidevices-go/types"
)

func newRig(t *testing.T) (*spisim.Bus, *spisim.Fram, *Device) {
	t.Helper()
	sim := spisim.New()
	chip := spisim.NewFram(DefaultCapacity)
	b := spi.NewBus(sim, spi.Config{Name: "spi1"})
	dev, err := b.Attach("fram", sim.Line("fram", chip))
	if err != nil {
		t.Fatal(err)
	}
	return sim, chip, New(dev, Config{Recovery: time.Microsecond})
}

func TestInitIdentifies(t *testing.T) {
	_, _, d := newRig(t)
	if err := d.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	if d.State() != types.Ready {
		t.Fatalf("state: %v", d.State())
	}
	id, _ := d.Identify(context.Background())
	if id.Uint32() != DefaultID || id.Product != 0x0509 {
		t.Fatalf("id: %+v", id)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	sim, chip, d := newRig(t)
	data := []byte("ferroelectric")
	n, err := d.Write(ctx, 0x1234, data)
	if err != nil || n != len(data) {
		t.Fatalf("write: n=%d err=%v", n, err)
	}
	got, err := d.Read(ctx, 0x1234, len(data))
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("read: %q %v", got, err)
	}
	if chip.WEL() {
		t.Fatal("write enable latch left set")
	}
	want := [][]byte{
		{cmdWREN},
		append([]byte{cmdWRITE, 0x12, 0x34}, data...),
		{cmdWRDI},
		{cmdREAD, 0x12, 0x34},
	}
	if diff := cmp.Diff(want, sim.Frames("fram")); diff != "" {
		t.Fatalf("frames (-want +got):\n%s", diff)
	}
}

func TestWriteDisableFollowsFailedWrite(t *testing.T) {
	ctx := context.Background()
	sim, chip, d := newRig(t)
	// tx 0 is WREN, tx 1 the WRITE header.
	sim.FailTx(1, nil)
	_, err := d.Write(ctx, 0x10, []byte{1, 2, 3})
	if errcode.Of(err) != errcode.BusError {
		t.Fatalf("want bus_error, got %v", err)
	}
	// The failed WRITE frame is opened and closed with nothing clocked out.
	if diff := cmp.Diff([][]byte{{cmdWREN}, {}, {cmdWRDI}}, sim.Frames("fram")); diff != "" {
		t.Fatalf("frames (-want +got):\n%s", diff)
	}
	if chip.WEL() {
		t.Fatal("latch left set after failed write")
	}
}

func TestWriteDisableFollowsFailedEnable(t *testing.T) {
	sim, _, d := newRig(t)
	sim.FailTx(0, nil)
	if _, err := d.Write(context.Background(), 0, []byte{9}); errcode.Of(err) != errcode.BusError {
		t.Fatalf("want bus_error, got %v", err)
	}
	ops := sim.Opcodes("fram")
	if len(ops) != 1 || ops[0] != cmdWRDI {
		t.Fatalf("WRDI not issued after failed WREN: %x", ops)
	}
}

func TestLengthClampAndRangeCheck(t *testing.T) {
	ctx := context.Background()
	sim, _, d := newRig(t)
	n, err := d.Write(ctx, DefaultCapacity-2, []byte{1, 2, 3, 4})
	if err != nil || n != 2 {
		t.Fatalf("clamped write: n=%d err=%v", n, err)
	}
	got, err := d.Read(ctx, DefaultCapacity-2, 100)
	if err != nil || !bytes.Equal(got, []byte{1, 2}) {
		t.Fatalf("clamped read: %x %v", got, err)
	}

	sim.Reset()
	_, err = d.Read(ctx, DefaultCapacity, 1)
	if errcode.Of(err) != errcode.AddressInvalid {
		t.Fatalf("read at capacity: %v", err)
	}
	if !strings.Contains(err.Error(), "0x00008000 >= capacity") {
		t.Fatalf("message %q", err.Error())
	}
	if _, err := d.Write(ctx, DefaultCapacity, []byte{1}); errcode.Of(err) != errcode.AddressInvalid {
		t.Fatalf("write at capacity: %v", err)
	}
	if len(sim.Trace()) != 0 {
		t.Fatal("out-of-range calls touched the bus")
	}
}

func TestSleepWake(t *testing.T) {
	ctx := context.Background()
	_, chip, d := newRig(t)
	if err := d.Sleep(ctx); err != nil {
		t.Fatal(err)
	}
	if !chip.Asleep() {
		t.Fatal("not asleep")
	}
	if err := d.Wake(ctx); err != nil {
		t.Fatal(err)
	}
	if chip.Asleep() {
		t.Fatal("still asleep")
	}
	if st, err := d.ReadStatus(ctx); err != nil || st&0x02 != 0 {
		t.Fatalf("status after wake: %02X %v", st, err)
	}
}
