// Copyright 2023 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package spidev

import (
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"periph.io/x/dln2"
	"periph.io/x/periph/conn/physic"
	"periph.io/x/periph/conn/spi"
	"periph.io/x/periph/conn/spi/spireg"
	"periph.io/x/periph/host"
)

// Indirections for tests.
var (
	hostInit = func() error {
		_, err := host.Init()
		return err
	}
	nativePorts    = spireg.All
	openNativePort = spireg.Open
)

// nativeBackend drives an in-kernel port through spireg. Kernel ports fix
// their parameters at Connect, so a reconfiguration reopens the port.
type nativeBackend struct {
	name string
	clk  clock.Clock

	port spi.PortCloser
	conn spi.Conn
	cur  config
}

func openNativeBackend(opts *Options) (backend, error) {
	if err := hostInit(); err != nil {
		return nil, err
	}
	name := opts.Port
	if name == "" && opts.Hint != nil {
		name = opts.Hint.Bus
	}
	if name == "" {
		name = firstNativePort()
		if name == "" {
			return nil, errors.WithMessage(ErrBackendUnavailable, "no native SPI port registered")
		}
	}
	p, err := openNativePort(name)
	if err != nil {
		return nil, err
	}
	return &nativeBackend{name: name, clk: clock.New(), port: p}, nil
}

// firstNativePort picks the first registered port that is not one of the
// adapter's own registrations, so the native probe cannot route back
// through the adapter.
func firstNativePort() string {
	for _, ref := range nativePorts() {
		if strings.HasPrefix(ref.Name, "dln2") {
			continue
		}
		return ref.Name
	}
	return ""
}

func (n *nativeBackend) apply(c config) (physic.Frequency, error) {
	if c.cs == dln2.CSHostHeld {
		return 0, errors.New("spidev: the native backend cannot hold chip select across transfers")
	}
	if c.cs == dln2.CSPerByte && c.bits != 8 {
		return 0, errors.New("spidev: per-byte transfers require 8 bit frames")
	}
	if n.conn != nil {
		if c.freq == n.cur.freq && c.mode == n.cur.mode && c.bits == n.cur.bits {
			n.cur = c
			return c.freq, nil
		}
		if err := n.port.Close(); err != nil {
			return 0, err
		}
		n.conn = nil
		p, err := openNativePort(n.name)
		if err != nil {
			return 0, err
		}
		n.port = p
	}
	conn, err := n.port.Connect(c.freq, c.mode, c.bits)
	if err != nil {
		return 0, err
	}
	n.conn = conn
	n.cur = c
	// The kernel gives no negotiation feedback; the requested clock is what
	// MaxSpeed reports.
	return c.freq, nil
}

func (n *nativeBackend) xfer(tx []byte) ([]byte, error) {
	if n.conn == nil {
		return nil, errors.Wrap(dln2.ErrState, "spidev: the native port is not connected")
	}
	rx := make([]byte, len(tx))
	if err := n.conn.Tx(tx, rx); err != nil {
		return nil, err
	}
	return rx, nil
}

func (n *nativeBackend) xferPerByte(tx []byte, delay time.Duration) ([]byte, error) {
	if n.conn == nil {
		return nil, errors.Wrap(dln2.ErrState, "spidev: the native port is not connected")
	}
	rx := make([]byte, 0, len(tx))
	var one [1]byte
	for i, b := range tx {
		if i > 0 && delay > 0 {
			n.clk.Sleep(delay)
		}
		if err := n.conn.Tx([]byte{b}, one[:]); err != nil {
			return rx, errors.WithMessagef(err, "byte %d of %d", i, len(tx))
		}
		rx = append(rx, one[0])
	}
	return rx, nil
}

func (n *nativeBackend) close() error {
	return n.port.Close()
}

func (n *nativeBackend) String() string {
	return "native " + n.name
}

var _ backend = &nativeBackend{}
