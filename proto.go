// Copyright 2023 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// DLN2 wire protocol.
//
// Every exchange is one request frame out, one response frame in, over the
// bulk endpoints. Frames start with a fixed 8 byte header, little-endian:
//
//	size   uint16  total frame length, header included
//	id     uint16  command in the low byte, module in the high byte
//	echo   uint16  opaque tag copied back verbatim in the response
//	handle uint16  bus handle for session commands, 0 otherwise
//
// Responses carry the same header followed by a uint16 result code, then the
// command specific payload. Result 0 is success.

package dln2

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Modules group commands per peripheral. The module id lives in the high
// byte of the command id.
const (
	moduleGeneric = 0x00
	moduleGPIO    = 0x01
	moduleSPI     = 0x02
	moduleI2C     = 0x03
)

// cmdID builds a command id from a command number and its module.
func cmdID(cmd, module uint8) uint16 {
	return uint16(cmd) | uint16(module)<<8
}

// Generic module commands.
const (
	genGetDeviceVer = 0x30 // rx: version le32
	genGetDeviceSN  = 0x31 // rx: serial le32
)

// SPI module commands.
//
// enable's response payload is the bus handle (le16) to put in the frame
// header of every subsequent command of that session. disable takes a
// trailing byte telling the firmware to wait for the current transfer to
// finish. setFrequency's response echoes the frequency actually programmed,
// which may differ from the requested one.
const (
	spiGetPortCount = 0x00 // rx: count u8
	spiEnable       = 0x11 // tx: port u8; rx: handle le16
	spiDisable      = 0x12 // tx: port u8, wait u8
	spiIsEnabled    = 0x13 // tx: port u8; rx: enabled u8
	spiSetMode      = 0x14 // tx: port u8, mode u8
	spiGetMode      = 0x15 // tx: port u8; rx: mode u8
	spiSetFrameSize = 0x16 // tx: port u8, bpw u8
	spiGetFrameSize = 0x17 // tx: port u8; rx: bpw u8
	spiSetFrequency = 0x18 // tx: port u8, hz le32; rx: hz le32
	spiGetFrequency = 0x19 // tx: port u8; rx: hz le32
	spiReadWrite    = 0x1A // tx: port u8, size le16, attr u8, buf; rx: size le16, buf
	spiRead         = 0x1B // tx: port u8, size le16, attr u8; rx: size le16, buf
	spiWrite        = 0x1C // tx: port u8, size le16, attr u8, buf
)

// SPI transfer attributes.
const (
	// attrLeaveSSLow keeps the slave select line asserted once the buffer
	// has been clocked out, so the next transfer continues the same
	// transaction.
	attrLeaveSSLow = 0x01
)

// SPI mode bits, matching spi.Mode0..Mode3.
const (
	modeCPHA = 0x1
	modeCPOL = 0x2
)

// I2C module commands.
const (
	i2cGetPortCount = 0x00 // rx: count u8
	i2cEnable       = 0x01 // tx: port u8
	i2cDisable      = 0x02 // tx: port u8
	i2cIsEnabled    = 0x03 // tx: port u8; rx: enabled u8
	i2cWrite        = 0x06 // tx: port u8, addr u8, memLen u8, mem le32, size le16, buf
	i2cRead         = 0x07 // tx: port u8, addr u8, memLen u8, mem le32, size le16; rx: size le16, buf
)

// maxXferSize is the largest buffer one READ_WRITE or I²C fragment can
// carry. Longer transfers are split; SPI chunks are linked with
// attrLeaveSSLow so the slave select line stays asserted across the split.
const maxXferSize = 256

const (
	headerSize  = 8
	rspFixedLen = headerSize + 2 // header plus result

	resSuccess = 0x0000
)

// encodeFrame serializes one request frame.
func encodeFrame(id, echo, handle uint16, payload []byte) []byte {
	b := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint16(b[0:], uint16(len(b)))
	binary.LittleEndian.PutUint16(b[2:], id)
	binary.LittleEndian.PutUint16(b[4:], echo)
	binary.LittleEndian.PutUint16(b[6:], handle)
	copy(b[headerSize:], payload)
	return b
}

// response is one decoded frame from the adapter.
type response struct {
	id      uint16
	echo    uint16
	handle  uint16
	result  uint16
	payload []byte
}

// decodeResponse parses the raw bytes of one bulk transfer.
func decodeResponse(raw []byte) (response, error) {
	var r response
	if len(raw) < rspFixedLen {
		return r, errors.Wrapf(ErrProtocol, "dln2: short response (%d bytes)", len(raw))
	}
	size := binary.LittleEndian.Uint16(raw[0:])
	if int(size) < rspFixedLen || int(size) > len(raw) {
		return r, errors.Wrapf(ErrProtocol, "dln2: response length field %d does not match %d received bytes", size, len(raw))
	}
	r.id = binary.LittleEndian.Uint16(raw[2:])
	r.echo = binary.LittleEndian.Uint16(raw[4:])
	r.handle = binary.LittleEndian.Uint16(raw[6:])
	r.result = binary.LittleEndian.Uint16(raw[8:])
	r.payload = raw[rspFixedLen:size]
	return r, nil
}

// check converts a non-zero result code into an error. The firmware does not
// publish a stable code table, so the raw value is preserved.
func (r *response) check(op string) error {
	if r.result == resSuccess {
		return nil
	}
	return errors.Errorf("dln2: %s failed with result %#04x", op, r.result)
}
