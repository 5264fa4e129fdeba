// Copyright 2023 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package spidev

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"periph.io/x/dln2"
	"periph.io/x/periph/conn/physic"
)

// Indirections for tests.
var (
	numAdapters = dln2.NumDevices
	openAdapter = dln2.Open
)

// adapterBackend drives a DLN2 bus session. The session's own state machine
// and chunking do the heavy lifting; this type only owns the device
// lifecycle.
type adapterBackend struct {
	dev *dln2.Dev
	bus *dln2.SPI
}

func openAdapterBackend(opts *Options) (backend, error) {
	n, err := numAdapters()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, errors.WithMessage(ErrBackendUnavailable, "no adapter on USB")
	}
	d, err := openAdapter(0)
	if err != nil {
		return nil, err
	}
	if opts.Logger != nil {
		d.SetLogger(opts.Logger)
	}
	bus, err := d.SPI()
	if err != nil {
		return nil, multierr.Combine(err, d.Close())
	}
	if err := bus.Open(); err != nil {
		return nil, multierr.Combine(err, d.Close())
	}
	return &adapterBackend{dev: d, bus: bus}, nil
}

func (a *adapterBackend) apply(c config) (physic.Frequency, error) {
	return a.bus.Configure(dln2.Config{Freq: c.freq, Mode: c.mode, FrameSize: c.bits, CS: c.cs})
}

func (a *adapterBackend) xfer(tx []byte) ([]byte, error) {
	return a.bus.Xfer(tx)
}

func (a *adapterBackend) xferPerByte(tx []byte, delay time.Duration) ([]byte, error) {
	return a.bus.XferPerByte(tx, delay)
}

func (a *adapterBackend) close() error {
	return multierr.Combine(a.bus.Close(), a.dev.Close())
}

func (a *adapterBackend) String() string {
	return "adapter " + a.bus.String()
}

var _ backend = &adapterBackend{}
