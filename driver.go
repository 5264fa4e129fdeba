// Copyright 2023 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package dln2

import (
	"fmt"

	"go.uber.org/multierr"
	"periph.io/x/periph"
	"periph.io/x/periph/conn/i2c"
	"periph.io/x/periph/conn/i2c/i2creg"
	"periph.io/x/periph/conn/spi"
	"periph.io/x/periph/conn/spi/spireg"
)

// driver implements periph.Driver.
//
// Init counts the adapters without opening them and registers one SPI port
// and one I²C bus per adapter. Devices open lazily when a registry opener
// runs; the returned port or bus owns its device and closes it.
type driver struct {
	// Indirections for tests.
	numDevices func() (int, error)
	open       func(i int) (*Dev, error)
}

func (d *driver) reset() {
	d.numDevices = numDevices
	d.open = Open
}

func (d *driver) String() string {
	return "dln2"
}

func (d *driver) Prerequisites() []string {
	return nil
}

func (d *driver) After() []string {
	return nil
}

func (d *driver) Init() (bool, error) {
	num, err := d.numDevices()
	if err != nil {
		return true, err
	}
	for i := 0; i < num; i++ {
		if err := d.register(i); err != nil {
			return true, err
		}
	}
	return true, nil
}

// register adds the spireg and i2creg entries for the i-th adapter.
func (d *driver) register(i int) error {
	name := fmt.Sprintf("dln2(%d)", i)
	spiOpener := func() (spi.PortCloser, error) {
		dev, err := d.open(i)
		if err != nil {
			return nil, err
		}
		s, err := dev.SPI()
		if err != nil {
			return nil, multierr.Combine(err, dev.Close())
		}
		return &spiPort{s: s, closeDev: true}, nil
	}
	if err := spireg.Register(name, nil, -1, spiOpener); err != nil {
		return err
	}
	i2cOpener := func() (i2c.BusCloser, error) {
		dev, err := d.open(i)
		if err != nil {
			return nil, err
		}
		b, err := dev.I2C()
		if err != nil {
			return nil, multierr.Combine(err, dev.Close())
		}
		b.closeDev = true
		return b, nil
	}
	return i2creg.Register(name, nil, -1, i2cOpener)
}

func init() {
	drv.reset()
	if !disabled {
		periph.MustRegister(&drv)
	}
}

var drv driver

var _ periph.Driver = &driver{}
