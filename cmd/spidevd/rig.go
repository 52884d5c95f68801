//go:build !tinygo

package main

import (
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"spidevices-go/board"
	"spidevices-go/config"
	"spidevices-go/errcode"
	"spidevices-go/platform"
	"spidevices-go/types"
)

// rig is everything one command needs: a logger and an assembled board.
type rig struct {
	log   logr.Logger
	board *board.Board
	sim   *platform.Sim // nil unless --sim
	raw   []byte        // board description JSON

	zl *zap.Logger
}

func newLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true
	if debug {
		// logr V(1) maps to zap level -1.
		cfg.Level = zap.NewAtomicLevelAt(zapcore.Level(-1))
	}
	return cfg.Build()
}

// loadBoard returns the parsed board description and its raw JSON.
func loadBoard(c *cli.Context) (types.BoardConfig, []byte, error) {
	var raw []byte
	if path := c.String(flagConfig); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return types.BoardConfig{}, nil, err
		}
		raw = b
	} else {
		b, ok := config.EmbeddedLookup(c.String(flagBoard))
		if !ok {
			return types.BoardConfig{}, nil, errcode.New(errcode.InvalidParams, "spidevd", "no embedded board: "+c.String(flagBoard))
		}
		raw = b
	}
	bc, err := config.Parse(raw)
	return bc, raw, err
}

func newRig(c *cli.Context) (_ *rig, err error) {
	zl, err := newLogger(c.Bool(flagDebug))
	if err != nil {
		return nil, err
	}
	r := &rig{zl: zl, log: zapr.NewLogger(zl)}
	defer func() {
		if err != nil {
			_ = zl.Sync()
		}
	}()

	bc, raw, err := loadBoard(c)
	if err != nil {
		return nil, err
	}
	var res platform.Resources
	if c.Bool(flagSim) {
		r.sim = platform.NewSim(bc)
		res = r.sim
	} else if res, err = hostResources(r.log); err != nil {
		return nil, err
	}
	r.raw = raw
	if r.board, err = board.New(bc, res, board.WithLogger(r.log)); err != nil {
		return nil, err
	}
	r.log.V(1).Info("board assembled", "buses", r.board.BusIDs(), "sim", r.sim != nil)
	return r, nil
}

func (r *rig) Close() error {
	err := r.board.Close()
	// Sync fails with EINVAL on terminals.
	_ = r.zl.Sync()
	return err
}
