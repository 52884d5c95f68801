// Package flash runs an mx25 NOR flash: bring-up, identity and
// read/write self-tests, low-power control and on-demand exercises.
package flash

import (
	"bytes"
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"

	"spidevices-go/bus"
	"spidevices-go/drivers/mx25"
	"spidevices-go/errcode"
	"spidevices-go/services/devtopic"
	"spidevices-go/types"
	"spidevices-go/x/conv"
	"spidevices-go/x/mathx"
)

const (
	testLen      = 16
	testSeed     = 106
	exerciseSize = 64
)

// Config is fixed at construction.
type Config struct {
	// SelfTestAddr is the sector erased, programmed and erased again by
	// the read/write self-test.
	SelfTestAddr uint32
	Clock        clock.Clock
	Logger       logr.Logger
}

// ExerciseRequest is the payload of dev/<id>/control/exercise.
type ExerciseRequest struct {
	// Cycles is the number of 64-byte slots written and verified after a
	// chip erase; 0 covers the whole device.
	Cycles int `json:"cycles"`
}

// CtrlExercise runs a chip erase and a full program/verify pass.
const CtrlExercise = "exercise"

type Service struct {
	id  string
	dev *mx25.Device
	cfg Config
	log logr.Logger
	pub devtopic.Publisher

	// mu keeps self-tests, exercises and power changes apart.
	mu sync.Mutex
}

func New(id string, dev *mx25.Device, cfg Config) *Service {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger.GetSink() == nil {
		cfg.Logger = logr.Discard()
	}
	return &Service{id: id, dev: dev, cfg: cfg, log: cfg.Logger.WithValues("svc", "flash", "dev", id)}
}

// Start runs the service in the background.
func (s *Service) Start(ctx context.Context, conn *bus.Connection) error {
	ctrl := s.attach(conn)
	go func() { _ = s.serve(ctx, ctrl) }()
	return nil
}

// Run brings the device up, publishes its state and self-test report, then
// serves control requests until ctx ends.
func (s *Service) Run(ctx context.Context, conn *bus.Connection) error {
	return s.serve(ctx, s.attach(conn))
}

// attach binds the publisher and subscribes to control requests.
func (s *Service) attach(conn *bus.Connection) *bus.Subscription {
	s.pub = devtopic.Publisher{Conn: conn, ID: s.id, Kind: "flash", Clock: s.cfg.Clock}
	return conn.Subscribe(devtopic.ControlAny(s.id))
}

func (s *Service) serve(ctx context.Context, ctrl *bus.Subscription) error {
	defer s.pub.Conn.Unsubscribe(ctrl)

	if err := s.dev.Init(ctx); err != nil {
		s.log.Error(err, "init failed")
		s.pub.State(types.Faulted, err)
	} else {
		s.log.Info("init complete", "addr4", s.dev.FourByteAddressing())
		s.pub.State(s.dev.State(), nil)
		s.publishReport(s.SelfTest(ctx))
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
	switch devtopic.Verb(m.Topic) {
	case devtopic.CtrlSelfTest:
		r := s.SelfTest(ctx)
		s.publishReport(r)
		s.pub.ReplyOK(m, r)
	case CtrlExercise:
		var req ExerciseRequest
		if err := devtopic.Decode(m.Payload, &req); err != nil {
			s.pub.ReplyErr(m, err)
			return
		}
		if err := s.Exercise(ctx, req.Cycles); err != nil {
			s.pub.ReplyErr(m, err)
			return
		}
		s.pub.ReplyOK(m, nil)
	case devtopic.CtrlLowPower:
		s.reply(m, s.LowPower(ctx))
	case devtopic.CtrlWake:
		s.reply(m, s.Wake(ctx))
	default:
		s.pub.ReplyErr(m, errcode.Unsupported)
	}
}

func (s *Service) reply(m *bus.Message, err error) {
	if err != nil {
		s.pub.ReplyErr(m, err)
		return
	}
	s.pub.ReplyOK(m, nil)
}

func (s *Service) publishReport(r types.Report) {
	if r.Pass {
		s.log.Info("self-test passed")
	} else {
		s.log.Info("self-test failed", "checks", len(r.Checks))
	}
	s.pub.Report(r)
}

// SelfTest checks all three identification reads, then erases, programs,
// verifies and erases again the self-test sector.
func (s *Service) SelfTest(ctx context.Context) types.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	var r types.Report

	id, err := s.dev.Identify(ctx)
	if err == nil && id.Uint32() != s.dev.ExpectedID() {
		err = errcode.New(errcode.IDMismatch, "flash.selftest", "jedec id")
	}
	r.Add("jedec_id", err, conv.Hex0x(id.Uint32(), 6))

	res, err := s.dev.ReadElectronicID(ctx)
	if err == nil && res != mx25.DefaultElectronic {
		err = errcode.New(errcode.IDMismatch, "flash.selftest", "electronic id")
	}
	r.Add("electronic_id", err, conv.Hex0x(uint32(res), 2))

	rems, err := s.dev.ReadManufacturerDeviceID(ctx, mx25.ManufacturerFirst)
	want := uint16(id.Manufacturer)<<8 | uint16(mx25.DefaultElectronic)
	if err == nil && rems != want {
		err = errcode.New(errcode.IDMismatch, "flash.selftest", "manufacturer/device id")
	}
	r.Add("rems_id", err, conv.Hex0x(uint32(rems), 4))

	r.Add("read_write", s.readWrite(ctx), conv.Hex0x(s.cfg.SelfTestAddr, 8))
	return r
}

func (s *Service) readWrite(ctx context.Context) error {
	const op = "flash.read_write"
	addr := s.cfg.SelfTestAddr
	want := Pattern(testLen, testSeed)
	if err := s.dev.EraseSector(ctx, addr); err != nil {
		return err
	}
	if err := s.dev.ProgramPage(ctx, addr, want); err != nil {
		return err
	}
	got, err := s.dev.Read(ctx, addr, len(want))
	if err != nil {
		return err
	}
	if !bytes.Equal(got, want) {
		return errcode.New(errcode.Error, op, "read back differs")
	}
	return s.dev.EraseSector(ctx, addr)
}

// Exercise erases the whole chip, then programs and verifies cycles
// consecutive 64-byte slots from address 0.
func (s *Service) Exercise(ctx context.Context, cycles int) error {
	const op = "flash.exercise"
	s.mu.Lock()
	defer s.mu.Unlock()
	slots := int(s.dev.Capacity() / exerciseSize)
	if cycles <= 0 {
		cycles = slots
	}
	cycles = mathx.Clamp(cycles, 1, slots)
	buf := make([]byte, exerciseSize)
	for i := range buf {
		buf[i] = byte(i)
	}
	s.log.Info("exercise: erasing chip")
	if err := s.dev.EraseChip(ctx); err != nil {
		return err
	}
	for i := 0; i < cycles; i++ {
		addr := uint32(i * exerciseSize)
		if err := s.dev.ProgramPage(ctx, addr, buf); err != nil {
			return err
		}
		got, err := s.dev.Read(ctx, addr, exerciseSize)
		if err != nil {
			return err
		}
		if !bytes.Equal(got, buf) {
			return errcode.New(errcode.Error, op, "mismatch at "+conv.Hex0x(addr, 8))
		}
	}
	s.log.Info("exercise passed", "cycles", cycles)
	return nil
}

// LowPower puts the flash into deep power-down.
func (s *Service) LowPower(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dev.DeepPowerDown(ctx)
}

// Wake returns the flash to standby.
func (s *Service) Wake(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dev.Wake(ctx)
}

// Pattern returns n deterministic pseudo-random bytes for seed.
func Pattern(n int, seed uint32) []byte {
	p := make([]byte, n)
	x := seed
	for i := range p {
		// xorshift32
		x ^= x << 13
		x ^= x >> 17
		x ^= x << 5
		p[i] = byte(x)
	}
	return p
}
