// Copyright 2023 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package spidev mirrors the Linux spidev userspace surface over whichever
// SPI transport is present: a DLN2 USB adapter or an in-kernel port.
//
// Open with BackendAuto probes the adapter first and falls back to a native
// port, so the same tooling runs on a workstation with the USB dongle and on
// a board with a real bus. The properties follow the spidev names: mode,
// max speed, bits per word.
package spidev

import (
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"periph.io/x/dln2"
	"periph.io/x/periph/conn/physic"
	"periph.io/x/periph/conn/spi"
)

// ErrBackendUnavailable means no transport answered the probe: no adapter on
// USB and no native port registered.
var ErrBackendUnavailable = errors.New("spidev: no SPI backend available")

// Backend selects the transport behind a Dev.
type Backend uint8

const (
	// BackendAuto probes the adapter, then the native ports.
	BackendAuto Backend = iota
	// BackendAdapter requires a DLN2 adapter on USB.
	BackendAdapter
	// BackendNative requires an in-kernel port visible through spireg.
	BackendNative
)

func (b Backend) String() string {
	switch b {
	case BackendAuto:
		return "auto"
	case BackendAdapter:
		return "adapter"
	case BackendNative:
		return "native"
	default:
		return "unknown"
	}
}

// ParseBackend maps a command line value to a Backend.
func ParseBackend(s string) (Backend, error) {
	switch s {
	case "auto", "":
		return BackendAuto, nil
	case "adapter":
		return BackendAdapter, nil
	case "native":
		return BackendNative, nil
	default:
		return BackendAuto, errors.Errorf("spidev: unknown backend %q; pick auto, adapter or native", s)
	}
}

// Options tunes how Open finds its transport. The zero value is fine.
type Options struct {
	// Port names the native port to open, as understood by spireg. Empty
	// falls back to the hint's bus, then to the first registered port that
	// is not one of the adapter's own.
	Port string
	// Hint is a discovery artifact written by the scan tool.
	Hint *Hint
	// Logger traces backend selection and reconfiguration. nil disables
	// tracing.
	Logger golog.Logger
}

// config is what a backend programs into its hardware.
type config struct {
	freq physic.Frequency
	mode spi.Mode
	bits int
	cs   dln2.CSPolicy
}

// backend is one way of moving bytes over SPI.
type backend interface {
	// apply programs mode, clock and frame size, returning the clock the
	// hardware actually runs.
	apply(c config) (physic.Frequency, error)
	// xfer clocks tx out and returns the bytes clocked in, one for one.
	xfer(tx []byte) ([]byte, error)
	// xferPerByte transfers one byte per bus transaction, pausing delay in
	// between, returning partial progress along with any error.
	xferPerByte(tx []byte, delay time.Duration) ([]byte, error)
	close() error
	String() string
}

// Indirections for tests.
var (
	probeAdapter = openAdapterBackend
	probeNative  = openNativeBackend
)

// defaultConfig is what a freshly opened Dev runs until a setter changes it.
var defaultConfig = config{freq: physic.MegaHertz, mode: spi.Mode0, bits: 8, cs: dln2.CSPerBuffer}

// Dev is an open SPI device. It is not safe for concurrent use.
type Dev struct {
	b   backend
	log golog.Logger

	conf   config
	neg    physic.Frequency
	delay  time.Duration
	closed bool
}

// Open probes for a transport and configures it with the defaults: 1MHz,
// mode 0, 8 bit frames, chip select per buffer.
//
// BackendAuto tries the adapter first, then the native ports, and reports
// ErrBackendUnavailable with both probe outcomes when neither answered. A
// forced backend fails immediately when its transport is absent.
func Open(b Backend, opts *Options) (*Dev, error) {
	if opts == nil {
		opts = &Options{}
	}
	bk, err := probe(b, opts)
	if err != nil {
		return nil, err
	}
	d := &Dev{b: bk, log: opts.Logger, conf: defaultConfig}
	neg, err := bk.apply(d.conf)
	if err != nil {
		return nil, multierr.Combine(err, bk.close())
	}
	d.neg = neg
	if d.log != nil {
		d.log.Debugf("spidev: opened %s at %s", bk, neg)
	}
	return d, nil
}

func probe(b Backend, opts *Options) (backend, error) {
	switch b {
	case BackendAdapter:
		return probeAdapter(opts)
	case BackendNative:
		return probeNative(opts)
	case BackendAuto:
	default:
		return nil, errors.Errorf("spidev: unknown backend %d", b)
	}
	ab, aerr := probeAdapter(opts)
	if aerr == nil {
		return ab, nil
	}
	if opts.Logger != nil {
		opts.Logger.Debugf("spidev: adapter probe: %s; trying native", aerr)
	}
	nb, nerr := probeNative(opts)
	if nerr == nil {
		return nb, nil
	}
	return nil, errors.WithMessagef(ErrBackendUnavailable, "adapter: %s; native: %s", aerr, nerr)
}

func (d *Dev) String() string {
	if d.closed {
		return "spidev(closed)"
	}
	return d.b.String()
}

// Mode returns the current SPI mode.
func (d *Dev) Mode() spi.Mode {
	return d.conf.mode
}

// SetMode reprograms the SPI mode right away.
func (d *Dev) SetMode(m spi.Mode) error {
	c := d.conf
	c.mode = m
	return d.reconfigure(c)
}

// MaxSpeed returns the clock the transport actually runs, which may be lower
// than the one requested.
func (d *Dev) MaxSpeed() physic.Frequency {
	return d.neg
}

// SetMaxSpeed reprograms the clock right away.
func (d *Dev) SetMaxSpeed(f physic.Frequency) error {
	c := d.conf
	c.freq = f
	return d.reconfigure(c)
}

// BitsPerWord returns the current frame size.
func (d *Dev) BitsPerWord() int {
	return d.conf.bits
}

// SetBitsPerWord reprograms the frame size, 8 or 16, right away. With 16
// bit frames buffers are the little-endian byte encoding of the words.
func (d *Dev) SetBitsPerWord(bits int) error {
	c := d.conf
	c.bits = bits
	return d.reconfigure(c)
}

// CSPolicy returns the current chip select policy.
func (d *Dev) CSPolicy() dln2.CSPolicy {
	return d.conf.cs
}

// SetCSPolicy selects who toggles chip select and when. The native backend
// rejects CSHostHeld.
func (d *Dev) SetCSPolicy(p dln2.CSPolicy) error {
	c := d.conf
	c.cs = p
	return d.reconfigure(c)
}

// SetInterByteDelay sets the pause between bytes of per-byte transfers.
func (d *Dev) SetInterByteDelay(t time.Duration) {
	d.delay = t
}

func (d *Dev) reconfigure(c config) error {
	if d.closed {
		return errors.Wrap(dln2.ErrState, "spidev: device is closed")
	}
	if c == d.conf {
		return nil
	}
	neg, err := d.b.apply(c)
	if err != nil {
		return err
	}
	d.conf = c
	d.neg = neg
	if d.log != nil {
		d.log.Debugf("spidev: %s now %s mode %s %d bits cs %s", d.b, neg, c.mode, c.bits, c.cs)
	}
	return nil
}

// Xfer clocks tx out and returns the bytes clocked in, one per byte sent.
// Under the CSPerByte policy each byte is its own transaction, with the
// configured pause in between; on failure the bytes exchanged so far come
// back along with the error.
func (d *Dev) Xfer(tx []byte) ([]byte, error) {
	if d.closed {
		return nil, errors.Wrap(dln2.ErrState, "spidev: device is closed")
	}
	if d.conf.cs == dln2.CSPerByte {
		return d.b.xferPerByte(tx, d.delay)
	}
	return d.b.xfer(tx)
}

// Write clocks tx out and discards whatever came back.
func (d *Dev) Write(tx []byte) error {
	_, err := d.Xfer(tx)
	return err
}

// Read clocks out n zero bytes and returns what came back.
func (d *Dev) Read(n int) ([]byte, error) {
	return d.Xfer(make([]byte, n))
}

// Close releases the transport. Idempotent; operations after Close fail
// without touching the hardware.
func (d *Dev) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	return d.b.close()
}
