package config

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"spidevices-go/bus"
	"spidevices-go/errcode"
)

func TestPublishRetainedPerKey(t *testing.T) {
	raw := []byte(`{
		"buses": [{"id": "spi1"}],
		"devices": [],
		"heartbeat": {"interval": 2}
	}`)
	b := bus.NewBus(16)
	conn := b.NewConnection("test-config")
	if err := New(raw, logr.Discard()).Start(context.Background(), conn); err != nil {
		t.Fatal(err)
	}

	// Subscribe late; retained messages still arrive.
	time.Sleep(10 * time.Millisecond)
	sub := conn.Subscribe(bus.T(configPrefix, "#"))

	got := map[string]any{}
	deadline := time.Now().Add(600 * time.Millisecond)
	for len(got) < 3 && time.Now().Before(deadline) {
		select {
		case m := <-sub.Channel():
			if m.Topic.Len() != 2 || m.Topic.At(0) != configPrefix {
				t.Fatalf("unexpected topic %#v", m.Topic)
			}
			key, ok := m.Topic.At(1).(string)
			if !ok {
				t.Fatalf("topic[1] type %T, want string", m.Topic.At(1))
			}
			if !m.Retained {
				t.Fatalf("%s not retained", key)
			}
			got[key] = m.Payload
		case <-time.After(10 * time.Millisecond):
		}
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 retained messages, got %v", got)
	}
	hb, ok := got["heartbeat"].(map[string]any)
	if !ok {
		t.Fatalf("heartbeat payload type %T", got["heartbeat"])
	}
	if iv, ok := hb["interval"].(float64); !ok || iv != 2 {
		t.Fatalf("heartbeat.interval = %#v", hb["interval"])
	}
	if buses, ok := got["buses"].([]any); !ok || len(buses) != 1 {
		t.Fatalf("buses payload %#v", got["buses"])
	}
}

func TestPublishRejectsNonObject(t *testing.T) {
	b := bus.NewBus(4)
	conn := b.NewConnection("test-bad")
	err := New([]byte(`[1, 2]`), logr.Discard()).Publish(conn)
	if errcode.Of(err) != errcode.InvalidParams {
		t.Fatalf("err = %v", err)
	}
}
