// Copyright 2023 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// dln2-spi moves bytes over SPI through a DLN2 USB adapter or a native
// port, whichever is present.
//
// The default action transfers a payload and dumps both directions; without
// an argument it sends the 4-byte flash identification probe 9f000000.
package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"periph.io/x/dln2"
	"periph.io/x/dln2/dln2smoketest"
	"periph.io/x/dln2/spidev"
	"periph.io/x/periph/conn/physic"
	"periph.io/x/periph/conn/spi"
)

var app = &cli.App{
	Name:            "dln2-spi",
	Usage:           "move bytes over SPI through a DLN2 adapter or a native port",
	HideHelpCommand: true,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "backend",
			Value: "auto",
			Usage: "transport to use: auto, adapter or native",
		},
		&cli.StringFlag{
			Name:  "port",
			Usage: "native port `NAME`, as understood by spireg",
		},
		&cli.PathFlag{
			Name:  "hint",
			Usage: "discovery hint `FILE` written by the scan command",
		},
		&cli.IntFlag{
			Name:  "speed",
			Value: 1000000,
			Usage: "SPI clock in Hz",
		},
		&cli.IntFlag{
			Name:  "mode",
			Value: 0,
			Usage: "SPI mode, 0 to 3",
		},
		&cli.IntFlag{
			Name:  "bits",
			Value: 8,
			Usage: "bits per frame, 8 or 16",
		},
		&cli.BoolFlag{
			Name:  "host-cs",
			Usage: "keep chip select asserted after the transfer",
		},
		&cli.BoolFlag{
			Name:  "per-byte",
			Usage: "one transaction per byte, chip select toggling around each",
		},
		&cli.Float64Flag{
			Name:  "inter-byte-delay",
			Usage: "pause between per-byte transactions, in `MS`",
		},
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
			Usage:   "trace backend selection and every frame",
		},
	},
	ArgsUsage: "[hex payload]",
	Action:    transferAction,
	Commands: []*cli.Command{
		{
			Name:   "sweep",
			Usage:  "transfer an incrementing pattern at 8 and 16 bits per frame",
			Action: sweepAction,
		},
		{
			Name:   "info",
			Usage:  "print the identity of every adapter on USB",
			Action: infoAction,
		},
		{
			Name:  "scan",
			Usage: "probe the adapter's I²C bus for responding devices",
			Flags: []cli.Flag{
				&cli.PathFlag{
					Name:  "out",
					Usage: "write a {bus, address} hint `FILE` for the first responder",
				},
			},
			Action: scanAction,
		},
	},
}

func transferAction(c *cli.Context) error {
	if c.NArg() > 1 {
		return errors.New("at most one hex payload argument is expected")
	}
	arg := "9f000000"
	if c.NArg() == 1 {
		arg = c.Args().First()
	}
	tx, err := hex.DecodeString(arg)
	if err != nil {
		return errors.Wrapf(err, "invalid payload %q", arg)
	}
	d, err := openDev(c)
	if err != nil {
		return err
	}
	defer d.Close()

	fmt.Printf("TX % 02x\n", tx)
	rx, err := d.Xfer(tx)
	if err == nil || len(rx) != 0 {
		// Partial progress is worth seeing before the error does its thing.
		fmt.Printf("RX % 02x\n", rx)
	}
	if err != nil {
		return err
	}
	if len(rx) != len(tx) {
		return errors.Errorf("sent %d bytes but received %d", len(tx), len(rx))
	}
	return nil
}

// openDev opens the facade and programs it from the global flags.
func openDev(c *cli.Context) (*spidev.Dev, error) {
	b, err := spidev.ParseBackend(c.String("backend"))
	if err != nil {
		return nil, err
	}
	if c.Bool("host-cs") && c.Bool("per-byte") {
		return nil, errors.New("--host-cs and --per-byte are mutually exclusive")
	}
	opts := &spidev.Options{Port: c.String("port")}
	if c.Bool("verbose") {
		opts.Logger = golog.NewDebugLogger("dln2-spi")
	}
	if p := c.Path("hint"); p != "" {
		h, err := spidev.LoadHint(p)
		if err != nil {
			return nil, err
		}
		opts.Hint = h
	}
	d, err := spidev.Open(b, opts)
	if err != nil {
		return nil, err
	}
	if err := configure(c, d); err != nil {
		return nil, multierr.Combine(err, d.Close())
	}
	return d, nil
}

func configure(c *cli.Context, d *spidev.Dev) error {
	if err := d.SetMaxSpeed(physic.Frequency(c.Int("speed")) * physic.Hertz); err != nil {
		return err
	}
	if err := d.SetMode(spi.Mode(c.Int("mode"))); err != nil {
		return err
	}
	if err := d.SetBitsPerWord(c.Int("bits")); err != nil {
		return err
	}
	cs := dln2.CSPerBuffer
	if c.Bool("host-cs") {
		cs = dln2.CSHostHeld
	}
	if c.Bool("per-byte") {
		cs = dln2.CSPerByte
	}
	if err := d.SetCSPolicy(cs); err != nil {
		return err
	}
	d.SetInterByteDelay(time.Duration(c.Float64("inter-byte-delay") * float64(time.Millisecond)))
	return nil
}

func sweepAction(c *cli.Context) error {
	st := &dln2smoketest.SmokeTest{}
	f := flag.NewFlagSet(st.Name(), flag.ContinueOnError)
	return st.Run(f, c.Args().Slice())
}

func infoAction(c *cli.Context) error {
	n, err := dln2.NumDevices()
	if err != nil {
		return err
	}
	plural := ""
	if n > 1 {
		plural = "s"
	}
	fmt.Printf("Found %d adapter%s\n", n, plural)
	for i := 0; i < n; i++ {
		d, err := dln2.Open(i)
		if err != nil {
			return err
		}
		info := dln2.Info{}
		d.Info(&info)
		fmt.Printf("- Adapter #%d\n", i)
		fmt.Printf("  Product:   %s\n", info.Product)
		fmt.Printf("  Version:   %d\n", info.Version)
		fmt.Printf("  Serial:    %d\n", info.Serial)
		fmt.Printf("  Vendor ID: %#04x\n", info.VenID)
		fmt.Printf("  Device ID: %#04x\n", info.DevID)
		if err := d.Close(); err != nil {
			return err
		}
	}
	return nil
}

func scanAction(c *cli.Context) error {
	d, err := dln2.Open(0)
	if err != nil {
		return err
	}
	defer d.Close()
	bus, err := d.I2C()
	if err != nil {
		return err
	}
	defer bus.Close()

	var found []int
	var buf [1]byte
	for addr := uint16(0x08); addr <= 0x77; addr++ {
		// A read is the least invasive probe; absent devices just NACK.
		if err := bus.Tx(addr, nil, buf[:]); err == nil {
			fmt.Printf("%#02x responded\n", addr)
			found = append(found, int(addr))
		}
	}
	if len(found) == 0 {
		return errors.New("no device responded")
	}
	if p := c.Path("out"); p != "" {
		h := spidev.Hint{Bus: d.String(), Address: found[0]}
		b, err := json.MarshalIndent(&h, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(p, b, 0o644); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", p)
	}
	return nil
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "dln2-spi: %s.\n", err)
		os.Exit(1)
	}
}
