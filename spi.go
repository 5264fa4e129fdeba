// Copyright 2023 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package dln2

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"periph.io/x/periph/conn"
	"periph.io/x/periph/conn/physic"
	"periph.io/x/periph/conn/spi"
)

// CSPolicy selects who toggles the slave select line and when.
type CSPolicy uint8

const (
	// CSPerBuffer asserts the line around one whole transfer buffer. A
	// buffer within the adapter's command limit is a single USB exchange.
	CSPerBuffer CSPolicy = iota
	// CSHostHeld leaves the line asserted after every transfer so a
	// transaction can span several calls. It is released by the next
	// CSPerBuffer transfer or by Close.
	CSHostHeld
	// CSPerByte issues one single byte transfer per input byte, the line
	// toggling around each, with an optional pause in between. Useful for
	// slaves that need per-byte select framing.
	CSPerByte
)

func (c CSPolicy) String() string {
	switch c {
	case CSPerBuffer:
		return "per-buffer"
	case CSHostHeld:
		return "host-held"
	case CSPerByte:
		return "per-byte"
	default:
		return fmt.Sprintf("CSPolicy(%d)", uint8(c))
	}
}

// Config is what Configure programs into the adapter.
type Config struct {
	// Freq is the requested clock. The adapter may not support the exact
	// value; Configure returns the clock actually programmed.
	Freq physic.Frequency
	// Mode is one of spi.Mode0..spi.Mode3.
	Mode spi.Mode
	// FrameSize is the number of bits per frame, 8 or 16. With 16 bit
	// frames buffers are the little-endian byte encoding of the words and
	// must have even length.
	FrameSize int
	// CS is the chip select policy.
	CS CSPolicy
}

type sessionState uint8

const (
	stateClosed sessionState = iota
	stateEnabled
	stateConfigured
	stateTransferring
)

func (s sessionState) String() string {
	switch s {
	case stateClosed:
		return "closed"
	case stateEnabled:
		return "enabled"
	case stateConfigured:
		return "configured"
	case stateTransferring:
		return "transferring"
	default:
		return fmt.Sprintf("sessionState(%d)", uint8(s))
	}
}

// SPI is one SPI bus session on the adapter.
//
// A session walks closed → enabled → configured; transfers are only legal
// once configured. Close is legal in any state. Sessions are not safe for
// concurrent use.
type SPI struct {
	d    *Dev
	port uint8

	claimed    bool
	state      sessionState
	handle     uint16
	conf       Config
	negotiated physic.Frequency
	delay      time.Duration
}

func (s *SPI) String() string {
	return s.d.String()
}

// Open enables the SPI module. The adapter answers with the bus handle
// carried by every subsequent command of the session.
func (s *SPI) Open() error {
	if s.state != stateClosed {
		return errors.Wrapf(ErrState, "dln2: open in state %s", s.state)
	}
	if !s.claimed {
		if err := s.d.claimSPI(); err != nil {
			return err
		}
		s.claimed = true
	}
	p, err := s.d.command("enable SPI", cmdID(spiEnable, moduleSPI), 0, []byte{s.port})
	if err != nil {
		return err
	}
	h, err := payloadUint16(p)
	if err != nil {
		return err
	}
	s.handle = h
	s.state = stateEnabled
	return nil
}

// Configure programs the clock, mode and frame size and selects the chip
// select policy. It returns the clock the adapter actually programmed,
// which may differ from the requested one. Reconfiguring with an identical
// Config is a no-op: no commands are issued and the cached negotiated clock
// is returned.
func (s *SPI) Configure(c Config) (physic.Frequency, error) {
	switch s.state {
	case stateEnabled, stateConfigured:
	default:
		return 0, errors.Wrapf(ErrState, "dln2: configure in state %s", s.state)
	}
	if err := checkConfig(c); err != nil {
		return 0, err
	}
	if s.state == stateConfigured && c == s.conf {
		return s.negotiated, nil
	}
	// A failure below leaves the adapter half-programmed; the session falls
	// back to enabled and the next Configure resends every command.
	s.state = stateEnabled
	neg, err := s.setFrequency(c.Freq)
	if err != nil {
		return 0, err
	}
	if err := s.setMode(c.Mode); err != nil {
		return 0, err
	}
	if err := s.setFrameSize(c.FrameSize); err != nil {
		return 0, err
	}
	s.conf = c
	s.negotiated = neg
	s.state = stateConfigured
	return neg, nil
}

// Frequency returns the negotiated clock of the last completed Configure,
// 0 before the first one.
func (s *SPI) Frequency() physic.Frequency {
	return s.negotiated
}

// SetInterByteDelay sets the pause inserted between bytes when the
// CSPerByte policy routes a transfer through XferPerByte.
func (s *SPI) SetInterByteDelay(d time.Duration) {
	s.delay = d
}

// Xfer clocks tx out and returns the bytes clocked in, one for one.
//
// Buffers larger than the adapter's command limit are split, with the
// select line kept asserted across the split, so the slave sees one
// uninterrupted transaction. With 16 bit frames the buffer length must be
// even; the check happens before anything is sent.
func (s *SPI) Xfer(tx []byte) ([]byte, error) {
	if err := s.checkXfer(len(tx)); err != nil {
		return nil, err
	}
	if s.conf.CS == CSPerByte {
		return s.xferPerByte(tx, s.delay)
	}
	if len(tx) == 0 {
		return nil, nil
	}
	s.state = stateTransferring
	defer func() { s.state = stateConfigured }()
	hold := s.conf.CS == CSHostHeld
	rx := make([]byte, 0, len(tx))
	for off := 0; off < len(tx); off += maxXferSize {
		end := off + maxXferSize
		if end > len(tx) {
			end = len(tx)
		}
		leave := hold || end < len(tx)
		p, err := s.readWrite(tx[off:end], leave)
		if err != nil {
			return rx, err
		}
		rx = append(rx, p...)
	}
	return rx, nil
}

// XferPerByte transfers tx one byte per USB command, the select line
// toggling around each byte, sleeping delay between bytes.
//
// On failure the bytes exchanged so far are returned along with the error,
// so partial progress is visible; the session stays configured and a new
// buffer can be attempted right away. Requires 8 bit frames.
func (s *SPI) XferPerByte(tx []byte, delay time.Duration) ([]byte, error) {
	if err := s.checkXfer(len(tx)); err != nil {
		return nil, err
	}
	if s.conf.FrameSize != 8 {
		return nil, errors.New("dln2: per-byte transfers require 8 bit frames")
	}
	return s.xferPerByte(tx, delay)
}

func (s *SPI) xferPerByte(tx []byte, delay time.Duration) ([]byte, error) {
	s.state = stateTransferring
	defer func() { s.state = stateConfigured }()
	rx := make([]byte, 0, len(tx))
	for i, b := range tx {
		if i > 0 && delay > 0 {
			s.d.clk.Sleep(delay)
		}
		p, err := s.readWrite([]byte{b}, false)
		if err != nil {
			return rx, errors.WithMessagef(err, "byte %d of %d", i, len(tx))
		}
		rx = append(rx, p...)
	}
	return rx, nil
}

// Close disables the bus module and ends the session. Legal in any state
// and idempotent; a second call is a no-op. Disabling releases the select
// line if a host-held transfer left it asserted.
func (s *SPI) Close() error {
	if !s.claimed && s.state == stateClosed {
		return nil
	}
	var err error
	if s.state != stateClosed {
		// The trailing byte asks the firmware to let an in-flight
		// transfer finish before turning the module off.
		_, err = s.d.command("disable SPI", cmdID(spiDisable, moduleSPI), s.handle, []byte{s.port, 1})
		s.state = stateClosed
	}
	if s.claimed {
		s.d.releaseSPI()
		s.claimed = false
	}
	return err
}

func (s *SPI) checkXfer(n int) error {
	switch s.state {
	case stateConfigured:
	case stateTransferring:
		return errors.Wrap(ErrState, "dln2: transfer already in progress")
	default:
		return errors.Wrapf(ErrState, "dln2: transfer in state %s; configure the bus first", s.state)
	}
	if s.conf.FrameSize == 16 && n&1 != 0 {
		return errors.Errorf("dln2: 16 bit frames require an even buffer length, got %d bytes", n)
	}
	return nil
}

// readWrite runs one READ_WRITE exchange of at most maxXferSize bytes.
func (s *SPI) readWrite(tx []byte, leaveSSLow bool) ([]byte, error) {
	b := make([]byte, 4+len(tx))
	b[0] = s.port
	binary.LittleEndian.PutUint16(b[1:], uint16(len(tx)))
	if leaveSSLow {
		b[3] = attrLeaveSSLow
	}
	copy(b[4:], tx)
	p, err := s.d.command("transfer", cmdID(spiReadWrite, moduleSPI), s.handle, b)
	if err != nil {
		return nil, err
	}
	n, err := payloadUint16(p)
	if err != nil {
		return nil, err
	}
	rx := p[2:]
	if int(n) != len(tx) || len(rx) != len(tx) {
		return nil, errors.Wrapf(ErrProtocol, "dln2: sent %d bytes but the adapter returned %d", len(tx), n)
	}
	return rx, nil
}

func (s *SPI) setFrequency(f physic.Frequency) (physic.Frequency, error) {
	tx := make([]byte, 5)
	tx[0] = s.port
	binary.LittleEndian.PutUint32(tx[1:], uint32(f/physic.Hertz))
	r, err := s.d.raw(cmdID(spiSetFrequency, moduleSPI), s.handle, tx)
	if err != nil {
		return 0, err
	}
	if r.result != resSuccess {
		// Some firmwares report the closest clock they could do.
		if hz, err2 := payloadUint32(r.payload); err2 == nil && hz != 0 {
			return 0, errors.WithMessagef(ErrConfigRejected, "clock %s refused with result %#04x, adapter offers %dHz", f, r.result, hz)
		}
		return 0, errors.WithMessagef(ErrConfigRejected, "clock %s refused with result %#04x", f, r.result)
	}
	hz, err := payloadUint32(r.payload)
	if err != nil {
		return 0, err
	}
	return physic.Frequency(hz) * physic.Hertz, nil
}

func (s *SPI) setMode(m spi.Mode) error {
	b, err := modeBits(m)
	if err != nil {
		return err
	}
	r, err := s.d.raw(cmdID(spiSetMode, moduleSPI), s.handle, []byte{s.port, b})
	if err != nil {
		return err
	}
	if r.result != resSuccess {
		return errors.WithMessagef(ErrConfigRejected, "mode %s refused with result %#04x", m, r.result)
	}
	return nil
}

func (s *SPI) setFrameSize(bits int) error {
	r, err := s.d.raw(cmdID(spiSetFrameSize, moduleSPI), s.handle, []byte{s.port, byte(bits)})
	if err != nil {
		return err
	}
	if r.result != resSuccess {
		return errors.WithMessagef(ErrConfigRejected, "frame size %d refused with result %#04x", bits, r.result)
	}
	return nil
}

func checkConfig(c Config) error {
	if c.Freq < 100*physic.Hertz {
		return errors.Errorf("dln2: invalid speed %s; minimum supported clock is 100Hz; did you forget to multiply by physic.MegaHertz?", c.Freq)
	}
	if _, err := modeBits(c.Mode); err != nil {
		return err
	}
	if c.FrameSize != 8 && c.FrameSize != 16 {
		return errors.Errorf("dln2: invalid frame size %d; only 8 and 16 bits per frame are supported", c.FrameSize)
	}
	if c.CS == CSPerByte && c.FrameSize != 8 {
		return errors.New("dln2: per-byte chip select requires 8 bit frames")
	}
	return nil
}

func modeBits(m spi.Mode) (byte, error) {
	switch m {
	case spi.Mode0, spi.Mode1, spi.Mode2, spi.Mode3:
		return byte(m) & (modeCPHA | modeCPOL), nil
	}
	if m&spi.HalfDuplex != 0 {
		return 0, errors.New("dln2: half duplex is not supported")
	}
	if m&spi.NoCS != 0 {
		return 0, errors.New("dln2: NoCS is not supported, pick a chip select policy instead")
	}
	if m&spi.LSBFirst != 0 {
		return 0, errors.New("dln2: LSB first is not supported")
	}
	return 0, errors.Errorf("dln2: unknown mode %s", m)
}

//

// SPIPort returns a spi.PortCloser over the device for use with generic
// periph device drivers. Connect opens and configures the session with the
// CSPerBuffer policy.
func (d *Dev) SPIPort() (spi.PortCloser, error) {
	s, err := d.SPI()
	if err != nil {
		return nil, err
	}
	return &spiPort{s: s}, nil
}

// spiPort is an SPI port over an adapter session.
type spiPort struct {
	s *SPI
	// closeDev tells Close to also close the device; set when the port was
	// opened through the registry and owns its Dev.
	closeDev bool

	// Mutable.
	maxFreq physic.Frequency
	c       spiConn
}

func (p *spiPort) Close() error {
	err := p.s.Close()
	if p.closeDev {
		err = multierr.Combine(err, p.s.d.Close())
	}
	return err
}

func (p *spiPort) String() string {
	return p.s.String()
}

// Connect implements spi.Port.
func (p *spiPort) Connect(f physic.Frequency, m spi.Mode, bits int) (spi.Conn, error) {
	if p.maxFreq != 0 && f > p.maxFreq {
		f = p.maxFreq
	}
	if p.s.state == stateClosed {
		if err := p.s.Open(); err != nil {
			return nil, err
		}
	}
	if _, err := p.s.Configure(Config{Freq: f, Mode: m, FrameSize: bits, CS: CSPerBuffer}); err != nil {
		return nil, err
	}
	p.c.s = p.s
	p.c.bits = bits
	return &p.c, nil
}

// LimitSpeed implements spi.Port.
func (p *spiPort) LimitSpeed(f physic.Frequency) error {
	if f < 100*physic.Hertz {
		return errors.Errorf("dln2: invalid speed %s; minimum supported clock is 100Hz; did you forget to multiply by physic.MegaHertz?", f)
	}
	p.maxFreq = f
	return nil
}

type spiConn struct {
	s *SPI
	// bits is the word size given to Connect, used when a packet does not
	// override it.
	bits int
}

func (c *spiConn) String() string {
	return c.s.String()
}

// Tx implements conn.Conn.
func (c *spiConn) Tx(w, r []byte) error {
	var p = [1]spi.Packet{{W: w, R: r}}
	return c.TxPackets(p[:])
}

func (c *spiConn) Duplex() conn.Duplex {
	return conn.Full
}

// TxPackets implements spi.Conn. A packet's BitsPerWord, when set,
// reprograms the frame size for that packet and the ones after it.
func (c *spiConn) TxPackets(pkts []spi.Packet) error {
	for _, p := range pkts {
		if err := verifyBuffers(p.W, p.R); err != nil {
			return err
		}
	}
	for _, p := range pkts {
		if len(p.W) == 0 && len(p.R) == 0 {
			continue
		}
		want := c.bits
		if p.BitsPerWord != 0 {
			want = int(p.BitsPerWord)
		}
		if want != c.s.conf.FrameSize {
			conf := c.s.conf
			conf.FrameSize = want
			if _, err := c.s.Configure(conf); err != nil {
				return err
			}
		}
		w := p.W
		if len(w) == 0 {
			w = make([]byte, len(p.R))
		}
		rx, err := c.s.Xfer(w)
		if err != nil {
			return err
		}
		if len(p.R) != 0 {
			copy(p.R, rx)
		}
	}
	return nil
}

func verifyBuffers(w, r []byte) error {
	if len(w) != 0 && len(r) != 0 && len(w) != len(r) {
		return errors.New("dln2: both buffers must have the same size")
	}
	return nil
}

var _ spi.PortCloser = &spiPort{}
var _ spi.Conn = &spiConn{}
