// Package config loads and validates board descriptions and decodes
// per-device parameters.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"periph.io/x/conn/v3/physic"
	periphspi "periph.io/x/conn/v3/spi"

	"spidevices-go/errcode"
	"spidevices-go/spi"
	"spidevices-go/types"
	"spidevices-go/x/mathx"
)

// Device type names.
const (
	TypeFlash = "mx25"
	TypeFram  = "mb85rs"
	TypeAccel = "lis3dsh"
)

// EmbeddedLookup resolves a named board; tests may override it.
var EmbeddedLookup = func(board string) ([]byte, bool) {
	b, ok := embeddedBoards[board]
	return b, ok
}

// Boards lists the embedded board names.
func Boards() []string {
	out := make([]string, 0, len(embeddedBoards))
	for k := range embeddedBoards {
		out = append(out, k)
	}
	return out
}

// Embedded returns the named embedded board.
func Embedded(board string) (types.BoardConfig, error) {
	raw, ok := EmbeddedLookup(board)
	if !ok || len(raw) == 0 {
		return types.BoardConfig{}, errcode.New(errcode.InvalidParams, "config.embedded", "no embedded board: "+board)
	}
	return Parse(raw)
}

// LoadFile reads a board description from disk.
func LoadFile(path string) (types.BoardConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return types.BoardConfig{}, err
	}
	defer f.Close()
	return Load(f)
}

// Load reads a board description. Unknown fields are rejected.
func Load(r io.Reader) (types.BoardConfig, error) {
	var bc types.BoardConfig
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&bc); err != nil {
		return types.BoardConfig{}, errcode.Wrap(errcode.InvalidParams, "config.load", err)
	}
	if err := Validate(bc); err != nil {
		return types.BoardConfig{}, err
	}
	return bc, nil
}

// Parse is Load over a byte slice.
func Parse(raw []byte) (types.BoardConfig, error) { return Load(bytes.NewReader(raw)) }

// Validate checks ids, references and bus settings.
func Validate(bc types.BoardConfig) error {
	const op = "config.validate"
	var errs []string
	if bc.Heartbeat != nil && bc.Heartbeat.Interval <= 0 {
		errs = append(errs, "heartbeat interval must be positive")
	}
	buses := map[string]bool{}
	for _, b := range bc.Buses {
		if b.ID == "" {
			errs = append(errs, "bus with empty id")
			continue
		}
		if buses[b.ID] {
			errs = append(errs, "duplicate bus "+b.ID)
		}
		buses[b.ID] = true
		if _, err := BusSettings(b); err != nil {
			errs = append(errs, err.Error())
		}
	}
	ids := map[string]bool{}
	cs := map[string]string{}
	for _, d := range bc.Devices {
		switch {
		case d.ID == "":
			errs = append(errs, "device with empty id")
			continue
		case ids[d.ID]:
			errs = append(errs, "duplicate device "+d.ID)
		}
		ids[d.ID] = true
		switch d.Type {
		case TypeFlash, TypeFram, TypeAccel:
		default:
			errs = append(errs, d.ID+": unknown type "+d.Type)
		}
		if d.BusRef.Type != "" && d.BusRef.Type != "spi" {
			errs = append(errs, d.ID+": bus type "+d.BusRef.Type+" unsupported")
		}
		if !buses[d.BusRef.ID] {
			errs = append(errs, d.ID+": unknown bus "+d.BusRef.ID)
		}
		if d.CS == "" {
			errs = append(errs, d.ID+": missing cs")
		} else if other, dup := cs[d.CS]; dup {
			errs = append(errs, d.ID+": cs "+d.CS+" already used by "+other)
		} else {
			cs[d.CS] = d.ID
		}
		if err := checkParams(d); err != nil {
			errs = append(errs, d.ID+": "+err.Error())
		}
	}
	if len(errs) > 0 {
		return errcode.New(errcode.InvalidParams, op, strings.Join(errs, "; "))
	}
	return nil
}

func checkParams(d types.Device) error {
	switch d.Type {
	case TypeFlash:
		_, err := FlashParamsOf(d)
		return err
	case TypeFram:
		_, err := FramParamsOf(d)
		return err
	case TypeAccel:
		_, err := AccelParamsOf(d)
		return err
	}
	return nil
}

// BusSettings converts a bus description into transport configuration.
func BusSettings(b types.BusConfig) (spi.Config, error) {
	op := "config.bus." + b.ID
	if !mathx.Between(b.Mode, 0, 3) {
		return spi.Config{}, errcode.New(errcode.InvalidParams, op, "mode must be 0..3")
	}
	var f physic.Frequency
	if b.Frequency == "" {
		return spi.Config{}, errcode.New(errcode.InvalidParams, op, "frequency required")
	}
	if err := f.Set(b.Frequency); err != nil {
		return spi.Config{}, errcode.Wrap(errcode.InvalidParams, op, err)
	}
	mode := periphspi.Mode(b.Mode)
	if b.LSBFirst {
		mode |= periphspi.LSBFirst
	}
	cfg := spi.Config{Name: b.ID, Mode: mode, Frequency: f, Prescaler: b.Prescaler}
	if b.LockTimeout != "" {
		d, err := time.ParseDuration(b.LockTimeout)
		if err != nil || d <= 0 {
			return spi.Config{}, errcode.New(errcode.InvalidParams, op, "bad lock_timeout "+b.LockTimeout)
		}
		cfg.LockTimeout = d
	}
	return cfg, nil
}

// decodeParams maps a loosely typed params object onto out. Durations
// accept Go notation ("240ms"), numbers may be strings, unknown keys fail.
func decodeParams(in any, out any) error {
	if in == nil {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			frequencyHook,
		),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(in); err != nil {
		return errors.New("params: " + err.Error())
	}
	return nil
}
