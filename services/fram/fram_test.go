package fram

import (
	"bytes"
	"context"
	"testing"
	"time"

	"spidevices-go/bus"
	"spidevices-go/drivers/mb85rs"
	"spidevices-go/errcode"
	"spidevices-go/services/devtopic"
	"spidevices-go/spi"
	"spidevices-go/spi/spisim"
	"spidevices-go/types"
)

func newService(t *testing.T) (*spisim.Bus, *spisim.Fram, *Service) {
	t.Helper()
	sim := spisim.New()
	chip := spisim.NewFram(mb85rs.DefaultCapacity)
	b := spi.NewBus(sim, spi.Config{Name: "spi1"})
	dev, err := b.Attach("fram0", sim.Line("fram0", chip))
	if err != nil {
		t.Fatal(err)
	}
	d := mb85rs.New(dev, mb85rs.Config{Recovery: time.Microsecond})
	return sim, chip, New("fram0", d, Config{SelfTestAddr: 0x100})
}

func next(t *testing.T, sub *bus.Subscription) *bus.Message {
	t.Helper()
	select {
	case m := <-sub.Channel():
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timeout")
	}
	return nil
}

func TestRunPublishesStateAndReport(t *testing.T) {
	_, chip, svc := newService(t)
	original := []byte("persistent")
	chip.Load(0x100, original)

	b := bus.NewBus(8)
	client := b.NewConnection("test")
	state := client.Subscribe(devtopic.State("fram0"))
	report := client.Subscribe(devtopic.Report("fram0"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = svc.Start(ctx, b.NewConnection("fram"))

	st := next(t, state).Payload.(types.StateValue)
	if st.State != types.Ready || st.Kind != "fram" {
		t.Fatalf("state %+v", st)
	}
	r := next(t, report).Payload.(types.Report)
	if !r.Pass || len(r.Checks) != 2 {
		t.Fatalf("report %+v", r)
	}
	if !bytes.Equal(chip.Mem(0x100, len(original)), original) {
		t.Fatalf("self-test clobbered data: %q", chip.Mem(0x100, len(original)))
	}
	if chip.WEL() {
		t.Fatal("write latch left set")
	}
}

func TestSelfTestFailsOnDeadBus(t *testing.T) {
	sim, _, svc := newService(t)
	sim.FailAll()
	r := svc.SelfTest(context.Background())
	if r.Pass || r.Checks[0].OK || r.Checks[1].OK {
		t.Fatalf("report %+v", r)
	}
}

func TestSleepAndWakeControls(t *testing.T) {
	_, chip, svc := newService(t)
	b := bus.NewBus(8)
	client := b.NewConnection("test")
	state := client.Subscribe(devtopic.State("fram0"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = svc.Start(ctx, b.NewConnection("fram"))
	next(t, state)

	rctx, rcancel := context.WithTimeout(ctx, 2*time.Second)
	defer rcancel()
	m, err := client.RequestWait(rctx, client.NewMessage(devtopic.Control("fram0", devtopic.CtrlLowPower), nil, false))
	if err != nil {
		t.Fatal(err)
	}
	if rep, ok := m.Payload.(types.OKReply); !ok || !rep.OK || !chip.Asleep() {
		t.Fatalf("sleep: %+v asleep=%v", m.Payload, chip.Asleep())
	}
	if _, err := client.RequestWait(rctx, client.NewMessage(devtopic.Control("fram0", devtopic.CtrlWake), nil, false)); err != nil {
		t.Fatal(err)
	}
	if chip.Asleep() {
		t.Fatal("still asleep")
	}
	m, err = client.RequestWait(rctx, client.NewMessage(devtopic.Control("fram0", "erase"), nil, false))
	if err != nil {
		t.Fatal(err)
	}
	if rep, ok := m.Payload.(types.ErrorReply); !ok || rep.Error != string(errcode.Unsupported) {
		t.Fatalf("unknown verb: %+v", m.Payload)
	}
}
