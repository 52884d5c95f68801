// Package config publishes the board description on the bus, one retained
// config/<key> message per top-level key, so services can pick up their
// own settings (config/heartbeat, for example).
package config

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/go-logr/logr"

	"spidevices-go/bus"
	"spidevices-go/errcode"
)

const configPrefix = "config"

// Topic returns config/<key>.
func Topic(key string) bus.Topic { return bus.T(configPrefix, key) }

type Service struct {
	raw []byte
	log logr.Logger
}

// New publishes raw, a JSON object.
func New(raw []byte, log logr.Logger) *Service {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Service{raw: raw, log: log.WithValues("svc", "config")}
}

// Publish decodes the description and publishes every key retained, in
// key order.
func (s *Service) Publish(conn *bus.Connection) error {
	var m map[string]any
	if err := json.Unmarshal(s.raw, &m); err != nil {
		return errcode.Wrap(errcode.InvalidParams, "config.publish", err)
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		conn.Publish(conn.NewMessage(Topic(k), m[k], true))
	}
	s.log.V(1).Info("published", "keys", keys)
	return nil
}

// Run publishes once and returns; retained messages outlive the connection.
func (s *Service) Run(_ context.Context, conn *bus.Connection) error {
	return s.Publish(conn)
}

func (s *Service) Start(ctx context.Context, conn *bus.Connection) error {
	go func() {
		if err := s.Run(ctx, conn); err != nil {
			s.log.Error(err, "publish failed")
		}
	}()
	return nil
}
