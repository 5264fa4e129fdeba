// Copyright 2023 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package dln2

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
)

// USB identity of the adapter.
const (
	vendorID  = 0x1d50
	productID = 0x6170
)

// Sentinel errors. Wrapped errors keep these matchable with errors.Is.
var (
	// ErrDeviceNotFound means no adapter with the expected VID/PID is on
	// the bus.
	ErrDeviceNotFound = errors.New("dln2: no matching USB device found")
	// ErrTimeout means the adapter did not answer within the transport
	// deadline.
	ErrTimeout = errors.New("dln2: response timed out")
	// ErrProtocol means a response could not be parsed or does not
	// correspond to the request.
	ErrProtocol = errors.New("dln2: protocol error")
	// ErrState means the operation is not legal in the current session or
	// device state.
	ErrState = errors.New("dln2: invalid state")
	// ErrConfigRejected means the adapter refused a requested frequency,
	// mode or frame size.
	ErrConfigRejected = errors.New("dln2: configuration rejected")
)

// usbHandle is the transport under a Dev. Implemented by gousb when built
// with cgo, and by fakes in tests. Reads and writes move whole frames, one
// frame per call, bounded by the transport deadline; expiry surfaces as
// ErrTimeout.
type usbHandle interface {
	write(b []byte) (int, error)
	read(b []byte) (int, error)
	close() error
}

// staleFrameLimit bounds how many non-matching frames one exchange drains
// before giving up. Stale frames happen when a previous exchange timed out
// and its answer arrives late.
const staleFrameLimit = 16

const rspBufSize = 512

// NumDevices returns how many adapters are on the bus, without opening or
// claiming any of them.
func NumDevices() (int, error) {
	return numDevices()
}

// Open opens the index-th adapter on the bus.
//
// It claims the USB interface, detaching the in-kernel driver if one is
// bound, and queries the device identity. Returns ErrDeviceNotFound if
// there are not index+1 adapters present.
func Open(index int) (*Dev, error) {
	if index < 0 {
		return nil, errors.Errorf("dln2: invalid device index %d", index)
	}
	h, product, err := openUSB(index)
	if err != nil {
		return nil, err
	}
	d, err := newDev(h, index, product)
	if err != nil {
		_ = h.close()
		return nil, err
	}
	return d, nil
}

func newDev(h usbHandle, index int, product string) (*Dev, error) {
	d := &Dev{h: h, index: index, product: product, clk: clock.New()}
	p, err := d.command("get device version", cmdID(genGetDeviceVer, moduleGeneric), 0, nil)
	if err != nil {
		return nil, err
	}
	if d.version, err = payloadUint32(p); err != nil {
		return nil, err
	}
	if p, err = d.command("get device serial", cmdID(genGetDeviceSN, moduleGeneric), 0, nil); err != nil {
		return nil, err
	}
	if d.serial, err = payloadUint32(p); err != nil {
		return nil, err
	}
	return d, nil
}

// Info is the information gathered about a device when it was opened.
type Info struct {
	// Opened is false if the device could not be opened.
	Opened bool
	// Version is the firmware version.
	Version uint32
	// Serial is the firmware reported serial number.
	Serial uint32
	// VenID is the USB vendor ID.
	VenID uint16
	// DevID is the USB product ID.
	DevID uint16
	// Product is the USB product string descriptor.
	Product string
}

// Dev is one opened adapter.
//
// A Dev carries a single command/response channel; exchanges are serialized
// internally so the SPI and I²C sessions of one device may interleave
// commands, but each session itself is single threaded by contract.
type Dev struct {
	h       usbHandle
	index   int
	product string
	clk     clock.Clock
	version uint32
	serial  uint32

	mu       sync.Mutex
	log      golog.Logger
	echo     uint16
	closed   bool
	usingSPI bool
	usingI2C bool
}

func (d *Dev) String() string {
	return fmt.Sprintf("dln2(%d)", d.index)
}

// SetLogger attaches a logger. Command exchanges are traced at debug level,
// one line per frame.
func (d *Dev) SetLogger(log golog.Logger) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log = log
}

// Info returns information about the device as it was opened.
func (d *Dev) Info(i *Info) {
	i.Opened = true
	i.Version = d.version
	i.Serial = d.serial
	i.VenID = vendorID
	i.DevID = productID
	i.Product = d.product
}

// Halt forcibly disables the SPI and I²C modules. Sessions handed out
// earlier are left unusable; prefer closing them instead.
func (d *Dev) Halt() error {
	_, err := d.raw(cmdID(spiDisable, moduleSPI), 0, []byte{0, 0})
	if _, err2 := d.raw(cmdID(i2cDisable, moduleI2C), 0, []byte{0}); err == nil {
		err = err2
	}
	return err
}

// Close releases the USB interface. It is idempotent; closing an already
// closed device is a no-op. Sessions still open keep their state but every
// command on them fails afterwards.
func (d *Dev) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.h.close()
}

// SPI returns the SPI bus session of the device. Only one session may be
// claimed at a time; it is released by its Close.
func (d *Dev) SPI() (*SPI, error) {
	if err := d.claimSPI(); err != nil {
		return nil, err
	}
	return &SPI{d: d, claimed: true}, nil
}

// I2C returns the I²C bus of the device, enabling the module. Only one bus
// may be claimed at a time; it is released by its Close.
func (d *Dev) I2C() (*I2C, error) {
	if err := d.claimI2C(); err != nil {
		return nil, err
	}
	b := &I2C{d: d}
	if err := b.enable(); err != nil {
		d.releaseI2C()
		return nil, err
	}
	return b, nil
}

func (d *Dev) claimSPI() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.Wrap(ErrState, "dln2: device is closed")
	}
	if d.usingSPI {
		return errors.New("dln2: SPI session already claimed")
	}
	d.usingSPI = true
	return nil
}

func (d *Dev) releaseSPI() {
	d.mu.Lock()
	d.usingSPI = false
	d.mu.Unlock()
}

func (d *Dev) claimI2C() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.Wrap(ErrState, "dln2: device is closed")
	}
	if d.usingI2C {
		return errors.New("dln2: I²C bus already claimed")
	}
	d.usingI2C = true
	return nil
}

func (d *Dev) releaseI2C() {
	d.mu.Lock()
	d.usingI2C = false
	d.mu.Unlock()
}

// raw sends one frame and waits for the matching response. Frames whose
// echo or id do not match are drained; the adapter pushes late answers and
// event frames on the same endpoint.
func (d *Dev) raw(id, handle uint16, payload []byte) (response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return response{}, errors.Wrap(ErrState, "dln2: device is closed")
	}
	d.echo++
	echo := d.echo
	frame := encodeFrame(id, echo, handle, payload)
	if d.log != nil {
		d.log.Debugf("tx id=%#04x echo=%d % 02x", id, echo, frame)
	}
	if _, err := d.h.write(frame); err != nil {
		return response{}, err
	}
	buf := make([]byte, rspBufSize)
	for i := 0; i < staleFrameLimit; i++ {
		n, err := d.h.read(buf)
		if err != nil {
			return response{}, err
		}
		r, err := decodeResponse(buf[:n])
		if err != nil {
			return response{}, err
		}
		if r.id != id || r.echo != echo {
			if d.log != nil {
				d.log.Debugf("rx stale frame id=%#04x echo=%d", r.id, r.echo)
			}
			continue
		}
		if d.log != nil {
			d.log.Debugf("rx id=%#04x echo=%d result=%#04x % 02x", r.id, r.echo, r.result, r.payload)
		}
		return r, nil
	}
	return response{}, errors.Wrapf(ErrProtocol, "dln2: no response matching command %#04x echo %d", id, echo)
}

// command is raw plus result checking. It returns the response payload.
func (d *Dev) command(op string, id, handle uint16, payload []byte) ([]byte, error) {
	r, err := d.raw(id, handle, payload)
	if err != nil {
		return nil, err
	}
	if err := r.check(op); err != nil {
		return nil, err
	}
	return r.payload, nil
}

func payloadUint16(p []byte) (uint16, error) {
	if len(p) < 2 {
		return 0, errors.Wrapf(ErrProtocol, "dln2: response payload too short (%d bytes)", len(p))
	}
	return binary.LittleEndian.Uint16(p), nil
}

func payloadUint32(p []byte) (uint32, error) {
	if len(p) < 4 {
		return 0, errors.Wrapf(ErrProtocol, "dln2: response payload too short (%d bytes)", len(p))
	}
	return binary.LittleEndian.Uint32(p), nil
}
