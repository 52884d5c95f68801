// Package devtopic names the bus topics device services publish on and
// stamps their retained state and report payloads.
package devtopic

import (
	"github.com/benbjohnson/clock"
	"github.com/go-viper/mapstructure/v2"

	"spidevices-go/bus"
	"spidevices-go/errcode"
	"spidevices-go/types"
)

// Topic tokens.
const (
	TokDev     = "dev"
	TokAccel   = "accel"
	TokState   = "state"
	TokReport  = "report"
	TokControl = "control"
	TokSample  = "sample"
)

// Control verbs.
const (
	CtrlSelfTest = "selftest"
	CtrlLowPower = "lowpower"
	CtrlWake     = "wake"
	CtrlReadNow  = "read_now"
	CtrlStats    = "stats"
)

// dev/<id>/state
func State(id string) bus.Topic { return bus.T(TokDev, id, TokState) }

// dev/<id>/report
func Report(id string) bus.Topic { return bus.T(TokDev, id, TokReport) }

// dev/<id>/control/<verb>
func Control(id, verb string) bus.Topic { return bus.T(TokDev, id, TokControl, verb) }

// dev/<id>/control/+
func ControlAny(id string) bus.Topic { return bus.T(TokDev, id, TokControl, "+") }

// accel/<id>/sample
func Sample(id string) bus.Topic { return bus.T(TokAccel, id, TokSample) }

// Verb returns the control verb of a dev/<id>/control/<verb> topic.
func Verb(t bus.Topic) string {
	if t.Len() != 4 {
		return ""
	}
	v, _ := t.At(3).(string)
	return v
}

// Publisher publishes one device's retained state and report.
type Publisher struct {
	Conn  *bus.Connection
	ID    string
	Kind  string // "flash", "fram", "accel"
	Clock clock.Clock
}

func (p Publisher) now() int64 {
	if p.Clock == nil {
		return 0
	}
	return p.Clock.Now().UnixMilli()
}

// State publishes the lifecycle state and the error that caused it, if any.
func (p Publisher) State(s types.DeviceState, err error) {
	v := types.StateValue{Device: p.ID, Kind: p.Kind, State: s, TS: p.now()}
	if err != nil {
		v.Error = err.Error()
	}
	p.Conn.Publish(p.Conn.NewMessage(State(p.ID), v, true))
}

// Report stamps and publishes a self-test report.
func (p Publisher) Report(r types.Report) {
	r.Device, r.Kind, r.TS = p.ID, p.Kind, p.now()
	p.Conn.Publish(p.Conn.NewMessage(Report(p.ID), r, true))
}

// Sample publishes a non-retained accelerometer sample.
func (p Publisher) Sample(s types.AccelSample) {
	s.TS = p.now()
	p.Conn.Publish(p.Conn.NewMessage(Sample(p.ID), s, false))
}

// ReplyOK answers a control request, if the sender asked for a reply.
func (p Publisher) ReplyOK(m *bus.Message, value any) {
	if m.CanReply() {
		p.Conn.Reply(m, types.OKReply{OK: true, Value: value}, false)
	}
}

// ReplyErr answers a control request with the error's code.
func (p Publisher) ReplyErr(m *bus.Message, err error) {
	if !m.CanReply() {
		return
	}
	p.Conn.Reply(m, types.ErrorReply{OK: false, Error: string(errcode.Of(err))}, false)
}

// Decode maps a control payload (a struct, a map from JSON, or nil) onto
// out. Unknown keys are rejected.
func Decode(payload any, out any) error {
	if payload == nil {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return err
	}
	return errcode.Wrap(errcode.InvalidParams, "control.decode", dec.Decode(payload))
}
