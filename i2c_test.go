// Copyright 2023 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package dln2

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"periph.io/x/periph/conn/physic"
)

func TestI2CTxWrite(t *testing.T) {
	b, h := newTestI2C(t)
	if err := b.Tx(0x50, []byte{0xde, 0xad}, nil); err != nil {
		t.Fatal(err)
	}
	if len(h.reqs) != 1 {
		t.Fatalf("expected 1 command, got %d", len(h.reqs))
	}
	r := h.reqs[0]
	if r.id != cmdID(i2cWrite, moduleI2C) {
		t.Fatalf("unexpected command %#04x", r.id)
	}
	want := []byte{0, 0x50, 0, 0, 0, 0, 0, 2, 0, 0xde, 0xad}
	if !bytes.Equal(r.payload, want) {
		t.Fatalf("payload % 02x, want % 02x", r.payload, want)
	}
}

func TestI2CTxRead(t *testing.T) {
	b, h := newTestI2C(t)
	rx := make([]byte, 3)
	if err := b.Tx(0x50, nil, rx); err != nil {
		t.Fatal(err)
	}
	if len(h.reqs) != 1 || h.reqs[0].id != cmdID(i2cRead, moduleI2C) {
		t.Fatalf("expected a single read command")
	}
	want := []byte{0, 0x50, 0, 0, 0, 0, 0, 3, 0}
	if !bytes.Equal(h.reqs[0].payload, want) {
		t.Fatalf("payload % 02x, want % 02x", h.reqs[0].payload, want)
	}
	if !bytes.Equal(rx, []byte{0, 1, 2}) {
		t.Fatalf("read % 02x", rx)
	}
}

func TestI2CTxWriteThenRead(t *testing.T) {
	b, h := newTestI2C(t)
	rx := make([]byte, 2)
	if err := b.Tx(0x1e, []byte{0x0f}, rx); err != nil {
		t.Fatal(err)
	}
	if len(h.reqs) != 2 {
		t.Fatalf("expected 2 commands, got %d", len(h.reqs))
	}
	if h.reqs[0].id != cmdID(i2cWrite, moduleI2C) || h.reqs[1].id != cmdID(i2cRead, moduleI2C) {
		t.Fatalf("unexpected command order %#04x %#04x", h.reqs[0].id, h.reqs[1].id)
	}
}

func TestI2CTxValidation(t *testing.T) {
	b, h := newTestI2C(t)
	if err := b.Tx(0x80, []byte{1}, nil); err == nil {
		t.Fatal("10 bit address accepted")
	}
	if err := b.Tx(0x50, make([]byte, maxXferSize+1), nil); err == nil {
		t.Fatal("oversized write accepted")
	}
	if err := b.Tx(0x50, nil, make([]byte, maxXferSize+1)); err == nil {
		t.Fatal("oversized read accepted")
	}
	if len(h.reqs) != 0 {
		t.Fatalf("%d frames reached the transport", len(h.reqs))
	}
}

func TestI2CHandle(t *testing.T) {
	d, h := newTestDev(t)
	b, err := d.I2C()
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	if err := b.Tx(0x50, []byte{1}, nil); err != nil {
		t.Fatal(err)
	}
	if h.reqs[0].handle != 0 {
		t.Fatalf("enable sent with handle %#04x", h.reqs[0].handle)
	}
	if h.reqs[1].handle != 0x4321 {
		t.Fatalf("write sent with handle %#04x, want 0x4321", h.reqs[1].handle)
	}
}

func TestI2CReadMismatch(t *testing.T) {
	b, h := newTestI2C(t)
	h.respond = func(r request) (uint16, []byte) {
		if r.id == cmdID(i2cRead, moduleI2C) {
			return resSuccess, []byte{1, 0, 0xaa}
		}
		return defaultRespond(r)
	}
	err := b.Tx(0x50, nil, make([]byte, 4))
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestI2CSetSpeed(t *testing.T) {
	b, _ := newTestI2C(t)
	if err := b.SetSpeed(100 * physic.KiloHertz); err != nil {
		t.Fatal(err)
	}
	if err := b.SetSpeed(400 * physic.KiloHertz); err == nil {
		t.Fatal("expected an error")
	}
}

func TestI2CCloseIdempotent(t *testing.T) {
	b, h := newTestI2C(t)
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if n := h.count(cmdID(i2cDisable, moduleI2C)); n != 1 {
		t.Fatalf("expected 1 disable, got %d", n)
	}
	if !bytes.Equal(h.reqs[0].payload, []byte{0}) {
		t.Fatalf("unexpected disable payload % 02x", h.reqs[0].payload)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if n := h.count(cmdID(i2cDisable, moduleI2C)); n != 1 {
		t.Fatalf("second close sent %d disables", n)
	}
	// The claim is released; the bus can be taken again.
	if _, err := b.d.I2C(); err != nil {
		t.Fatal(err)
	}
}

func TestI2CTxAfterClose(t *testing.T) {
	b, h := newTestI2C(t)
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	h.clear()
	err := b.Tx(0x50, []byte{1}, nil)
	if !errors.Is(err, ErrState) {
		t.Fatalf("expected ErrState, got %v", err)
	}
	if len(h.reqs) != 0 {
		t.Fatalf("%d frames reached the transport after close", len(h.reqs))
	}
}

func TestI2CClaim(t *testing.T) {
	b, _ := newTestI2C(t)
	defer b.Close()
	if _, err := b.d.I2C(); err == nil {
		t.Fatal("second claim should succeed only after Close")
	}
}

func TestI2CCloseOwnsDev(t *testing.T) {
	d, h := newTestDev(t)
	b, err := d.I2C()
	if err != nil {
		t.Fatal(err)
	}
	b.closeDev = true
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if h.closed != 1 {
		t.Fatalf("transport closed %d times", h.closed)
	}
}

func newTestI2C(t *testing.T) (*I2C, *fakeHandle) {
	t.Helper()
	d, h := newTestDev(t)
	b, err := d.I2C()
	if err != nil {
		t.Fatal(err)
	}
	h.clear()
	return b, h
}
