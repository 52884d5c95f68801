//go:build !tinygo

// Command spidevd runs the SPI device services on a Linux host, or against
// simulated chips, and offers one-shot flash, FRAM and accelerometer
// commands.
//
//	spidevd --board rpi run
//	spidevd --sim --board pico selftest
//	spidevd --board rpi read --dev flash0 --addr 0x1000 --len 64
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

const (
	flagBoard  = "board"
	flagConfig = "config"
	flagSim    = "sim"
	flagDebug  = "debug"
	flagDev    = "dev"
	flagAddr   = "addr"
	flagLen    = "len"
	flagData   = "data"
	flagChip   = "chip"
	flagCount  = "count"
	flagEvery  = "every"
	flagBeat   = "heartbeat"
	flagDrive  = "drive"
)

var devFlag = &cli.StringFlag{Name: flagDev, Usage: "device `ID` from the board description", Required: true}

var app = &cli.App{
	Name:            "spidevd",
	Usage:           "shared SPI bus device services",
	HideHelpCommand: true,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  flagBoard,
			Value: "rpi",
			Usage: "embedded board description `NAME`",
		},
		&cli.StringFlag{
			Name:    flagConfig,
			Aliases: []string{"c"},
			Usage:   "load the board description from `FILE` instead",
		},
		&cli.BoolFlag{
			Name:  flagSim,
			Usage: "run against simulated chips",
		},
		&cli.BoolFlag{
			Name:    flagDebug,
			Aliases: []string{"v"},
			Usage:   "enable debug logging",
		},
	},
	Commands: []*cli.Command{
		{
			Name:   "boards",
			Usage:  "list the embedded board descriptions",
			Action: boardsAction,
		},
		{
			Name:  "run",
			Usage: "run every device service until interrupted",
			Flags: []cli.Flag{
				&cli.DurationFlag{Name: flagBeat, Usage: "heartbeat interval"},
				&cli.DurationFlag{Name: flagDrive, Value: defaultDrive, Usage: "simulated data-ready period (--sim only)"},
			},
			Action: runAction,
		},
		{
			Name:   "id",
			Usage:  "initialise every device and print its identity",
			Action: idAction,
		},
		{
			Name:   "selftest",
			Usage:  "run the device self-tests and print the reports as JSON",
			Action: selfTestAction,
		},
		{
			Name:  "read",
			Usage: "hex dump flash or FRAM contents",
			Flags: []cli.Flag{
				devFlag,
				&cli.Uint64Flag{Name: flagAddr, Usage: "start address"},
				&cli.IntFlag{Name: flagLen, Value: 256, Usage: "byte count"},
			},
			Action: readAction,
		},
		{
			Name:  "write",
			Usage: "write hex bytes to flash or FRAM",
			Flags: []cli.Flag{
				devFlag,
				&cli.Uint64Flag{Name: flagAddr, Usage: "start address"},
				&cli.StringFlag{Name: flagData, Usage: "`HEX` bytes", Required: true},
			},
			Action: writeAction,
		},
		{
			Name:  "erase",
			Usage: "erase a flash sector or the whole chip",
			Flags: []cli.Flag{
				devFlag,
				&cli.Uint64Flag{Name: flagAddr, Usage: "address inside the sector"},
				&cli.BoolFlag{Name: flagChip, Usage: "erase the whole chip"},
			},
			Action: eraseAction,
		},
		{
			Name:  "sample",
			Usage: "read accelerometer samples",
			Flags: []cli.Flag{
				devFlag,
				&cli.IntFlag{Name: flagCount, Value: 10, Usage: "number of samples"},
				&cli.DurationFlag{Name: flagEvery, Value: defaultEvery, Usage: "interval between samples"},
			},
			Action: sampleAction,
		},
	},
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "spidevd:", err)
		os.Exit(1)
	}
}
