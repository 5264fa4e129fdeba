// Copyright 2023 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package dln2smoketest is leveraged by dln2-spi to verify that a DLN2
// adapter is working as expected.
//
// Wire MISO to MOSI for a loopback; without the jumper the sweep still runs
// and reports whatever came back.
package dln2smoketest

import (
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/mattn/go-colorable"
	"periph.io/x/dln2"
	"periph.io/x/periph/conn/physic"
	"periph.io/x/periph/conn/spi"
)

// SmokeTest is imported by dln2-spi.
type SmokeTest struct {
}

// Name implements the SmokeTest interface.
func (s *SmokeTest) Name() string {
	return "dln2"
}

// Description implements the SmokeTest interface.
func (s *SmokeTest) Description() string {
	return "Sweeps SPI frame sizes on a DLN2 adapter, ideally with MISO looped to MOSI"
}

// Run implements the SmokeTest interface.
func (s *SmokeTest) Run(f *flag.FlagSet, args []string) error {
	hz := f.Int("f", 1000000, "SPI clock in Hz")
	mode := f.Int("mode", 0, "SPI mode, 0 to 3")
	if err := f.Parse(args); err != nil {
		return err
	}
	if f.NArg() != 0 {
		f.Usage()
		return errors.New("unrecognized arguments")
	}
	if *mode < 0 || *mode > 3 {
		return errors.New("-mode must be between 0 and 3")
	}

	n, err := dln2.NumDevices()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("exactly one adapter is expected, got %d", n)
	}
	d, err := dln2.Open(0)
	if err != nil {
		return err
	}
	defer d.Close()
	bus, err := d.SPI()
	if err != nil {
		return err
	}
	defer bus.Close()
	return sweep(colorable.NewColorableStdout(), bus, physic.Frequency(*hz)*physic.Hertz, spi.Mode(*mode))
}

// sweep transfers the same incrementing pattern once per supported frame
// size. Nothing is asserted about the received bytes: what comes back
// depends on the wiring, so both dumps are printed for eyeballing.
func sweep(w io.Writer, bus *dln2.SPI, freq physic.Frequency, mode spi.Mode) error {
	if err := bus.Open(); err != nil {
		return err
	}
	tx := make([]byte, 32)
	for i := range tx {
		tx[i] = byte(i)
	}
	for _, bits := range []int{8, 16} {
		actual, err := bus.Configure(dln2.Config{Freq: freq, Mode: mode, FrameSize: bits})
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%d bit frames at %s:\n", bits, actual)
		rx, err := bus.Xfer(tx)
		if err != nil {
			return err
		}
		writePattern(w, "  tx", tx)
		writePattern(w, "  rx", rx)
	}
	return nil
}
