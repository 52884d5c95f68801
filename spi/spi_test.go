package spi

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"spidevices-go/errcode"
	"spidevices-go/spi/spisim"
)

func newSharedBus(t *testing.T, lockTimeout time.Duration) (*spisim.Bus, *Bus, *Device, *Device) {
	t.Helper()
	sim := spisim.New()
	b := NewBus(sim, Config{Name: "spi0", LockTimeout: lockTimeout})
	a, err := b.Attach("a", sim.Line("a", nil))
	if err != nil {
		t.Fatalf("attach a: %v", err)
	}
	c, err := b.Attach("b", sim.Line("b", nil))
	if err != nil {
		t.Fatalf("attach b: %v", err)
	}
	return sim, b, a, c
}

func TestExclusionDomainCreatedOnSecondAttach(t *testing.T) {
	sim := spisim.New()
	b := NewBus(sim, Config{})
	if _, err := b.Attach("only", sim.Line("only", nil)); err != nil {
		t.Fatal(err)
	}
	if b.Shared() {
		t.Fatal("single-device bus must not have an exclusion domain")
	}
	if _, err := b.Attach("second", sim.Line("second", nil)); err != nil {
		t.Fatal(err)
	}
	if !b.Shared() {
		t.Fatal("expected exclusion domain after second attach")
	}
	if b.Config().LockTimeout != DefaultLockTimeout {
		t.Fatalf("default lock timeout not applied: %v", b.Config().LockTimeout)
	}
}

func TestAttachRejectsDuplicates(t *testing.T) {
	sim := spisim.New()
	b := NewBus(sim, Config{})
	cs := sim.Line("x", nil)
	if _, err := b.Attach("x", cs); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Attach("x", sim.Line("y", nil)); errcode.Of(err) != errcode.PinInUse {
		t.Fatalf("duplicate name: got %v", err)
	}
	if _, err := b.Attach("z", cs); errcode.Of(err) != errcode.PinInUse {
		t.Fatalf("shared select line: got %v", err)
	}
	if _, err := b.Attach("", cs); errcode.Of(err) != errcode.InvalidParams {
		t.Fatalf("empty name: got %v", err)
	}
}

func TestConcurrentFramesNeverInterleave(t *testing.T) {
	sim, b, a, c := newSharedBus(t, time.Second)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, d := range []*Device{a, c} {
		wg.Add(1)
		go func(d *Device) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				err := d.Transact(ctx, func(f *Frame) error {
					f.Write([]byte{0x02, 0x00, 0x00, 0x10})
					f.Dummy(1)
					return f.Read(make([]byte, 4))
				})
				if err != nil {
					t.Errorf("%s: %v", d.Name(), err)
					return
				}
			}
		}(d)
	}
	wg.Wait()

	if sim.Overlapped() {
		t.Fatal("two select lines were asserted at once")
	}
	if !sim.Nested() {
		t.Fatal("frames from different devices interleaved")
	}
	if got := b.Stats().Frames; got != 200 {
		t.Fatalf("frames: got %d want 200", got)
	}
	if n := len(sim.Frames("a")); n != 100 {
		t.Fatalf("frames for a: %d", n)
	}
}

func TestLockTimeoutLeavesLinesAlone(t *testing.T) {
	sim, b, a, c := newSharedBus(t, 20*time.Millisecond)
	ctx := context.Background()

	held, err := a.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	before := len(sim.Trace())

	start := time.Now()
	_, err = c.Begin(ctx)
	if errcode.Of(err) != errcode.LockTimeout {
		t.Fatalf("want lock_timeout, got %v", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatal("returned before the lock timeout elapsed")
	}
	if len(sim.Trace()) != before {
		t.Fatal("a timed-out acquisition must not touch the bus")
	}
	if b.Stats().LockTimeouts != 1 {
		t.Fatalf("lock timeouts: %d", b.Stats().LockTimeouts)
	}
	if err := held.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Transact(ctx, func(f *Frame) error { return f.Write([]byte{0x9F}) }); err != nil {
		t.Fatalf("after release: %v", err)
	}
}

func TestContextDeadlineBoundsAcquisition(t *testing.T) {
	_, _, a, c := newSharedBus(t, time.Hour)
	held, err := a.Begin(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer held.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := c.Begin(ctx); errcode.Of(err) != errcode.LockTimeout {
		t.Fatalf("want lock_timeout, got %v", err)
	}

	cctx, ccancel := context.WithCancel(context.Background())
	ccancel()
	if _, err := c.Begin(cctx); errcode.Of(err) != errcode.Canceled {
		t.Fatalf("want canceled, got %v", err)
	}
}

func TestStickyErrorAbortsAndDeselects(t *testing.T) {
	sim, _, a, c := newSharedBus(t, 50*time.Millisecond)
	sim.FailTx(1, nil)

	calls := 0
	err := a.Transact(context.Background(), func(f *Frame) error {
		calls++
		f.Write([]byte{0x02})
		f.Write([]byte{0x00, 0x01})
		// Must not reach the bus.
		f.Write([]byte{0xAA, 0xBB})
		return nil
	})
	if errcode.Of(err) != errcode.BusError || !errors.Is(err, spisim.ErrInjected) {
		t.Fatalf("want bus_error wrapping the cause, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("fn called %d times", calls)
	}
	frames := sim.Frames("a")
	if len(frames) != 1 || len(frames[0]) != 1 || frames[0][0] != 0x02 {
		t.Fatalf("unexpected frames %x", frames)
	}
	// The lock was released: the other device gets the bus at once.
	if err := c.Transact(context.Background(), func(f *Frame) error { return nil }); err != nil {
		t.Fatal(err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	sim, _, a, c := newSharedBus(t, 50*time.Millisecond)
	f, err := a.Begin(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	deasserts := 0
	for _, e := range sim.Trace() {
		if e.Kind == spisim.Deassert {
			deasserts++
		}
	}
	if deasserts != 1 {
		t.Fatalf("deasserted %d times", deasserts)
	}
	if f.Write([]byte{1}) == nil {
		t.Fatal("write on a closed frame must fail")
	}
	// A double release would let two frames in at once.
	f1, err := a.Begin(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer f1.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := c.Begin(ctx); errcode.Of(err) != errcode.LockTimeout {
		t.Fatalf("lock released twice: %v", err)
	}
}

func TestNestedFrameRejected(t *testing.T) {
	_, _, a, _ := newSharedBus(t, 50*time.Millisecond)
	err := a.Transact(context.Background(), func(f *Frame) error {
		return a.Transact(f.Context(), func(*Frame) error { return nil })
	})
	if errcode.Of(err) != errcode.NestedFrame {
		t.Fatalf("want nested_frame, got %v", err)
	}
}

func TestTransactReleasesOnPanic(t *testing.T) {
	sim, _, a, c := newSharedBus(t, 20*time.Millisecond)
	func() {
		defer func() { recover() }()
		_ = a.Transact(context.Background(), func(*Frame) error { panic("boom") })
	}()
	if sim.Overlapped() {
		t.Fatal("overlap")
	}
	if err := c.Transact(context.Background(), func(*Frame) error { return nil }); err != nil {
		t.Fatalf("lock leaked after panic: %v", err)
	}
}

func TestModeAccessors(t *testing.T) {
	cfg := Config{Mode: 3}
	if cfg.Polarity() != 1 || cfg.Phase() != 1 || cfg.LSBFirst() {
		t.Fatalf("mode 3 decoded as cpol=%d cpha=%d lsb=%v", cfg.Polarity(), cfg.Phase(), cfg.LSBFirst())
	}
}

func TestPoll(t *testing.T) {
	ctx := context.Background()
	p := Poll{Interval: time.Millisecond, Timeout: 10 * time.Millisecond}

	n := 0
	err := p.Until(ctx, "test", func(context.Context) (bool, error) {
		n++
		return n == 3, nil
	})
	if err != nil || n != 3 {
		t.Fatalf("want success on third check, got n=%d err=%v", n, err)
	}

	err = p.Until(ctx, "test", func(context.Context) (bool, error) { return false, nil })
	if errcode.Of(err) != errcode.OperationTimeout {
		t.Fatalf("want operation_timeout, got %v", err)
	}

	boom := errors.New("boom")
	if err := p.Until(ctx, "test", func(context.Context) (bool, error) { return false, boom }); err != boom {
		t.Fatalf("check error not propagated: %v", err)
	}
}
