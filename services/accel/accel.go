// Package accel runs a lis3dsh accelerometer: bring-up, then a worker
// that reads a sample each time the data-ready line fires and publishes it.
package accel

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"

	"spidevices-go/bus"
	"spidevices-go/drivers/lis3dsh"
	"spidevices-go/errcode"
	"spidevices-go/services/devtopic"
	"spidevices-go/spi"
	"spidevices-go/types"
	"spidevices-go/x/conv"
)

const (
	DefaultCheckIn = 5 * time.Second
	DefaultPause   = 200 * time.Millisecond
)

type Config struct {
	// CheckIn bounds the wait for data ready. A device that is not Ready
	// is re-initialised on check-in.
	CheckIn time.Duration
	// Pause follows every sample cycle; negative disables it.
	Pause   time.Duration
	Clock   clock.Clock
	Logger  logr.Logger
}

// Stats are the worker counters.
type Stats struct {
	Samples    uint64 `json:"samples"`
	ReadErrors uint64 `json:"read_errors"`
	Drops      uint32 `json:"drops"`
}

type Service struct {
	id  string
	dev *lis3dsh.Device
	cfg Config
	log logr.Logger
	pub devtopic.Publisher

	// Written from interrupt context; MUST NOT block.
	sig   chan struct{}
	drops atomic.Uint32

	samples    atomic.Uint64
	readErrors atomic.Uint64
}

func New(id string, dev *lis3dsh.Device, cfg Config) *Service {
	if cfg.CheckIn <= 0 {
		cfg.CheckIn = DefaultCheckIn
	}
	if cfg.Pause < 0 {
		cfg.Pause = 0
	} else if cfg.Pause == 0 {
		cfg.Pause = DefaultPause
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger.GetSink() == nil {
		cfg.Logger = logr.Discard()
	}
	return &Service{
		id:  id,
		dev: dev,
		cfg: cfg,
		log: cfg.Logger.WithValues("svc", "accel", "dev", id),
		sig: make(chan struct{}, 1),
	}
}

// Signal wakes the worker. It never blocks; a signal arriving while one is
// already pending is counted as a drop.
func (s *Service) Signal() {
	select {
	case s.sig <- struct{}{}:
	default:
		s.drops.Add(1)
	}
}

func (s *Service) Stats() Stats {
	return Stats{
		Samples:    s.samples.Load(),
		ReadErrors: s.readErrors.Load(),
		Drops:      s.drops.Load(),
	}
}

func (s *Service) Start(ctx context.Context, conn *bus.Connection) error {
	ctrl := s.attach(conn)
	go func() { _ = s.serve(ctx, ctrl) }()
	return nil
}

// Run initialises the device and then loops: wait for data ready (or the
// check-in interval), read and publish one sample, pause.
func (s *Service) Run(ctx context.Context, conn *bus.Connection) error {
	return s.serve(ctx, s.attach(conn))
}

// attach binds the publisher and subscribes to control requests.
func (s *Service) attach(conn *bus.Connection) *bus.Subscription {
	s.pub = devtopic.Publisher{Conn: conn, ID: s.id, Kind: "accel", Clock: s.cfg.Clock}
	return conn.Subscribe(devtopic.ControlAny(s.id))
}

func (s *Service) serve(ctx context.Context, ctrl *bus.Subscription) error {
	defer s.pub.Conn.Unsubscribe(ctrl)

	s.bringUp(ctx)

	t := s.cfg.Clock.Timer(s.cfg.CheckIn)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.sig:
			s.sample(ctx)
			if err := spi.Delay(ctx, s.cfg.Clock, s.cfg.Pause); err != nil {
				return nil
			}
		case <-t.C:
			s.log.V(1).Info("check-in", "state", s.dev.State().String(), "drops", s.drops.Load())
			if s.dev.State() != types.Ready {
				s.bringUp(ctx)
			}
		case m, ok := <-ctrl.Channel():
			if !ok {
				return nil
			}
			s.control(ctx, m)
		}
		if !t.Stop() {
			select {
			case <-t.C:
			default:
			}
		}
		t.Reset(s.cfg.CheckIn)
	}
}

func (s *Service) bringUp(ctx context.Context) {
	if err := s.dev.Init(ctx); err != nil {
		s.log.Error(err, "init failed")
		s.pub.State(types.Faulted, err)
		return
	}
	s.log.Info("init complete")
	s.pub.State(s.dev.State(), nil)
	s.pub.Report(s.SelfTest(ctx))
}

// sample reads and publishes one sample. Failed reads publish nothing.
func (s *Service) sample(ctx context.Context) (types.AccelSample, error) {
	v, err := s.dev.ReadSample(ctx)
	if err != nil {
		s.readErrors.Add(1)
		s.log.V(1).Info("sample read failed", "err", err.Error())
		return types.AccelSample{}, err
	}
	s.samples.Add(1)
	out := types.AccelSample{X: v.X, Y: v.Y, Z: v.Z}
	s.pub.Sample(out)
	return out, nil
}

// SelfTest checks WHO_AM_I and that a sample can be read.
func (s *Service) SelfTest(ctx context.Context) types.Report {
	var r types.Report
	id, err := s.dev.ReadID(ctx)
	r.Add("who_am_i", err, conv.Hex0x(uint32(id), 2))
	_, err = s.dev.ReadSample(ctx)
	r.Add("sample", err, "")
	return r
}

func (s *Service) control(ctx context.Context, m *bus.Message) {
	switch devtopic.Verb(m.Topic) {
	case devtopic.CtrlReadNow:
		v, err := s.sample(ctx)
		if err != nil {
			s.pub.ReplyErr(m, err)
			return
		}
		s.pub.ReplyOK(m, v)
	case devtopic.CtrlSelfTest:
		r := s.SelfTest(ctx)
		s.pub.Report(r)
		s.pub.ReplyOK(m, r)
	case devtopic.CtrlStats:
		s.pub.ReplyOK(m, s.Stats())
	default:
		s.pub.ReplyErr(m, errcode.Unsupported)
	}
}
