// Copyright 2023 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package dln2

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"periph.io/x/periph/conn/i2c"
	"periph.io/x/periph/conn/physic"
)

// i2cClock is the bus clock the adapter firmware runs; it is not
// reprogrammable over USB.
const i2cClock = 100 * physic.KiloHertz

// I2C is the I²C bus of the adapter, a plain pass-through to the module's
// write and read commands. It implements i2c.BusCloser.
type I2C struct {
	d    *Dev
	port uint8

	handle uint16
	closed bool
	// closeDev tells Close to also close the device; set when the bus was
	// opened through the registry and owns its Dev.
	closeDev bool
}

func (b *I2C) String() string {
	return b.d.String()
}

// Tx implements i2c.Bus. A write and a read in one call are issued as two
// commands; the adapter does not expose repeated start over USB. Transfers
// are capped at the module's command limit.
func (b *I2C) Tx(addr uint16, w, r []byte) error {
	if b.closed {
		return errors.Wrap(ErrState, "dln2: I²C bus is closed")
	}
	if addr > 0x7F {
		return errors.Errorf("dln2: invalid address %#x; only 7 bit addressing is supported", addr)
	}
	if len(w) > maxXferSize || len(r) > maxXferSize {
		return errors.Errorf("dln2: I²C transfers are limited to %d bytes", maxXferSize)
	}
	if len(w) != 0 {
		if err := b.write(byte(addr), w); err != nil {
			return err
		}
	}
	if len(r) != 0 {
		if err := b.read(byte(addr), r); err != nil {
			return err
		}
	}
	return nil
}

// SetSpeed implements i2c.Bus.
func (b *I2C) SetSpeed(f physic.Frequency) error {
	if f != i2cClock {
		return errors.Errorf("dln2: the adapter firmware fixes the I²C clock at %s", i2cClock)
	}
	return nil
}

// Close disables the module and releases the bus. Idempotent.
func (b *I2C) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	_, err := b.d.command("disable I²C", cmdID(i2cDisable, moduleI2C), b.handle, []byte{b.port})
	b.d.releaseI2C()
	if b.closeDev {
		err = multierr.Combine(err, b.d.Close())
	}
	return err
}

func (b *I2C) enable() error {
	p, err := b.d.command("enable I²C", cmdID(i2cEnable, moduleI2C), 0, []byte{b.port})
	if err != nil {
		return err
	}
	// Some firmwares answer with a bus handle, others with nothing; without
	// one, commands keep handle 0.
	if len(p) >= 2 {
		b.handle = binary.LittleEndian.Uint16(p)
	}
	return nil
}

// i2cHeaderLen is the fixed prologue of the write and read commands: port,
// address, memory address length, memory address, buffer length. Plain
// transfers leave the memory address fields zero.
const i2cHeaderLen = 9

func (b *I2C) write(addr byte, w []byte) error {
	tx := make([]byte, i2cHeaderLen+len(w))
	tx[0] = b.port
	tx[1] = addr
	binary.LittleEndian.PutUint16(tx[7:], uint16(len(w)))
	copy(tx[i2cHeaderLen:], w)
	_, err := b.d.command("I²C write", cmdID(i2cWrite, moduleI2C), b.handle, tx)
	return err
}

func (b *I2C) read(addr byte, r []byte) error {
	tx := make([]byte, i2cHeaderLen)
	tx[0] = b.port
	tx[1] = addr
	binary.LittleEndian.PutUint16(tx[7:], uint16(len(r)))
	p, err := b.d.command("I²C read", cmdID(i2cRead, moduleI2C), b.handle, tx)
	if err != nil {
		return err
	}
	n, err := payloadUint16(p)
	if err != nil {
		return err
	}
	if int(n) != len(r) || len(p)-2 != len(r) {
		return errors.Wrapf(ErrProtocol, "dln2: asked for %d bytes but the adapter returned %d", len(r), n)
	}
	copy(r, p[2:])
	return nil
}

var _ i2c.BusCloser = &I2C{}
