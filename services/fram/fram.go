// Package fram runs an mb85rs FRAM: bring-up, identity and read/write
// self-test, sleep control.
package fram

import (
	"bytes"
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"
	"go.uber.org/multierr"

	"spidevices-go/bus"
	"spidevices-go/drivers/mb85rs"
	"spidevices-go/errcode"
	"spidevices-go/services/devtopic"
	"spidevices-go/types"
	"spidevices-go/x/conv"
)

const testLen = 10

type Config struct {
	// SelfTestAddr is where the self-test writes; the previous contents are
	// put back afterwards.
	SelfTestAddr uint32
	Clock        clock.Clock
	Logger       logr.Logger
}

type Service struct {
	id  string
	dev *mb85rs.Device
	cfg Config
	log logr.Logger
	pub devtopic.Publisher
	mu  sync.Mutex
}

func New(id string, dev *mb85rs.Device, cfg Config) *Service {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger.GetSink() == nil {
		cfg.Logger = logr.Discard()
	}
	return &Service{id: id, dev: dev, cfg: cfg, log: cfg.Logger.WithValues("svc", "fram", "dev", id)}
}

func (s *Service) Start(ctx context.Context, conn *bus.Connection) error {
	ctrl := s.attach(conn)
	go func() { _ = s.serve(ctx, ctrl) }()
	return nil
}

// Run initialises the device, publishes state and the self-test report and
// then serves control requests until ctx ends.
func (s *Service) Run(ctx context.Context, conn *bus.Connection) error {
	return s.serve(ctx, s.attach(conn))
}

// attach binds the publisher and subscribes to control requests.
func (s *Service) attach(conn *bus.Connection) *bus.Subscription {
	s.pub = devtopic.Publisher{Conn: conn, ID: s.id, Kind: "fram", Clock: s.cfg.Clock}
	return conn.Subscribe(devtopic.ControlAny(s.id))
}

func (s *Service) serve(ctx context.Context, ctrl *bus.Subscription) error {
	defer s.pub.Conn.Unsubscribe(ctrl)

	if err := s.dev.Init(ctx); err != nil {
		s.log.Error(err, "init failed")
		s.pub.State(types.Faulted, err)
	} else {
		s.log.Info("init complete")
		s.pub.State(s.dev.State(), nil)
		s.pub.Report(s.SelfTest(ctx))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ctrl.Channel():
			if !ok {
				return nil
			}
			s.control(ctx, m)
		}
	}
}

func (s *Service) control(ctx context.Context, m *bus.Message) {
	var err error
	switch devtopic.Verb(m.Topic) {
	case devtopic.CtrlSelfTest:
		r := s.SelfTest(ctx)
		s.pub.Report(r)
		s.pub.ReplyOK(m, r)
		return
	case devtopic.CtrlLowPower:
		err = s.locked(ctx, s.dev.Sleep)
	case devtopic.CtrlWake:
		err = s.locked(ctx, s.dev.Wake)
	default:
		err = errcode.Unsupported
	}
	if err != nil {
		s.pub.ReplyErr(m, err)
		return
	}
	s.pub.ReplyOK(m, nil)
}

func (s *Service) locked(ctx context.Context, fn func(context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(ctx)
}

// SelfTest checks the id, then writes, reads back and compares a short
// counting pattern.
func (s *Service) SelfTest(ctx context.Context) types.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	var r types.Report
	id, err := s.dev.Identify(ctx)
	if err == nil && id.Uint32() != s.dev.ExpectedID() {
		err = errcode.New(errcode.IDMismatch, "fram.selftest", "device id")
	}
	r.Add("id", err, conv.Hex0x(id.Uint32(), 8))
	r.Add("read_write", s.readWrite(ctx), conv.Hex0x(s.cfg.SelfTestAddr, 6))
	if r.Pass {
		s.log.Info("self-test passed")
	} else {
		s.log.Info("self-test failed")
	}
	return r
}

func (s *Service) readWrite(ctx context.Context) (err error) {
	const op = "fram.read_write"
	addr := s.cfg.SelfTestAddr
	saved, err := s.dev.Read(ctx, addr, testLen)
	if err != nil {
		return err
	}
	want := make([]byte, len(saved))
	for i := range want {
		want[i] = byte(i + 1)
	}
	if _, err := s.dev.Write(ctx, addr, want); err != nil {
		return err
	}
	defer func() {
		_, rerr := s.dev.Write(ctx, addr, saved)
		err = multierr.Append(err, rerr)
	}()
	got, err := s.dev.Read(ctx, addr, len(want))
	if err != nil {
		return err
	}
	if !bytes.Equal(got, want) {
		return errcode.New(errcode.Error, op, "read back differs")
	}
	return nil
}
