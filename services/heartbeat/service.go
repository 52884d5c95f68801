// Package heartbeat publishes a periodic liveness message carrying the
// transport counters of every bus.
package heartbeat

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"

	"spidevices-go/bus"
	"spidevices-go/services/devtopic"
	"spidevices-go/spi"
)

const DefaultInterval = 10 * time.Second

var (
	topicConfig = bus.T("config", "heartbeat")
	Topic       = bus.T("health", "heartbeat")
)

// Buses is the part of a board the heartbeat reads.
type Buses interface {
	BusIDs() []string
	Bus(id string) (*spi.Bus, bool)
}

// Beat is the heartbeat payload.
type Beat struct {
	TS     int64                `json:"ts_ms"`
	Uptime float64              `json:"uptime_s"`
	Buses  map[string]spi.Stats `json:"buses"`
}

// Settings is the payload accepted on config/heartbeat.
type Settings struct {
	Interval float64 `json:"interval"` // seconds
}

type Service struct {
	buses    Buses
	interval time.Duration
	clk      clock.Clock
	log      logr.Logger
}

func New(buses Buses, interval time.Duration, clk clock.Clock, log logr.Logger) *Service {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if clk == nil {
		clk = clock.New()
	}
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Service{buses: buses, interval: interval, clk: clk, log: log.WithValues("svc", "heartbeat")}
}

// Start subscribes to config/heartbeat before returning, then runs the
// loop in the background.
func (s *Service) Start(ctx context.Context, conn *bus.Connection) error {
	cfgSub := conn.Subscribe(topicConfig)
	go func() { _ = s.loop(ctx, conn, cfgSub) }()
	return nil
}

// Run publishes a Beat every interval until ctx ends. A config/heartbeat
// message changes the interval.
func (s *Service) Run(ctx context.Context, conn *bus.Connection) error {
	return s.loop(ctx, conn, conn.Subscribe(topicConfig))
}

func (s *Service) loop(ctx context.Context, conn *bus.Connection, cfgSub *bus.Subscription) error {
	defer conn.Unsubscribe(cfgSub)

	start := s.clk.Now()
	tick := s.clk.Ticker(s.interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.V(1).Info("stopping")
			return nil
		case now := <-tick.C:
			conn.Publish(conn.NewMessage(Topic, s.beat(now, start), false))
		case msg, ok := <-cfgSub.Channel():
			if !ok {
				return nil
			}
			var st Settings
			if err := devtopic.Decode(msg.Payload, &st); err != nil || st.Interval <= 0 {
				s.log.Info("ignoring heartbeat config", "payload", msg.Payload)
				continue
			}
			s.interval = time.Duration(st.Interval * float64(time.Second))
			tick.Reset(s.interval)
			s.log.Info("interval set", "interval", s.interval.String())
		}
	}
}

func (s *Service) beat(now, start time.Time) Beat {
	b := Beat{
		TS:     now.UnixMilli(),
		Uptime: now.Sub(start).Seconds(),
		Buses:  map[string]spi.Stats{},
	}
	for _, id := range s.buses.BusIDs() {
		if sb, ok := s.buses.Bus(id); ok {
			b.Buses[id] = sb.Stats()
		}
	}
	return b
}
