// Copyright 2023 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package dln2

import (
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"
)

func TestOpenQueriesIdentity(t *testing.T) {
	d, _ := newTestDev(t)
	var i Info
	d.Info(&i)
	if !i.Opened || i.Version != 3 || i.Serial != 42 {
		t.Fatalf("unexpected info %+v", i)
	}
	if i.VenID != 0x1d50 || i.DevID != 0x6170 {
		t.Fatalf("unexpected USB ids %04x:%04x", i.VenID, i.DevID)
	}
	if s := d.String(); s != "dln2(0)" {
		t.Fatalf("unexpected name %q", s)
	}
}

func TestCommandEchoIncrements(t *testing.T) {
	d, h := newTestDev(t)
	if _, err := d.command("ping", cmdID(genGetDeviceVer, moduleGeneric), 0, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := d.command("ping", cmdID(genGetDeviceVer, moduleGeneric), 0, nil); err != nil {
		t.Fatal(err)
	}
	if len(h.reqs) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(h.reqs))
	}
	if h.reqs[1].echo != h.reqs[0].echo+1 {
		t.Fatalf("echo did not increment: %d then %d", h.reqs[0].echo, h.reqs[1].echo)
	}
}

func TestCommandDrainsStaleFrames(t *testing.T) {
	d, h := newTestDev(t)
	// Late answers from a timed out exchange show up first.
	h.pre = [][]byte{
		rspFrame(cmdID(spiReadWrite, moduleSPI), 9999, 0, resSuccess, nil),
		rspFrame(0x0000, 0, 0, resSuccess, []byte{1, 2, 3}),
	}
	if _, err := d.command("ping", cmdID(genGetDeviceVer, moduleGeneric), 0, nil); err != nil {
		t.Fatal(err)
	}
}

func TestCommandStaleFrameLimit(t *testing.T) {
	d, h := newTestDev(t)
	for i := 0; i < staleFrameLimit; i++ {
		h.pre = append(h.pre, rspFrame(0x0000, uint16(i), 0, resSuccess, nil))
	}
	_, err := d.command("ping", cmdID(genGetDeviceVer, moduleGeneric), 0, nil)
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestCommandTimeout(t *testing.T) {
	d, h := newTestDev(t)
	h.readErr = ErrTimeout
	_, err := d.command("ping", cmdID(genGetDeviceVer, moduleGeneric), 0, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestCommandMalformedResponse(t *testing.T) {
	d, h := newTestDev(t)
	h.pre = [][]byte{{0x01, 0x00}}
	_, err := d.command("ping", cmdID(genGetDeviceVer, moduleGeneric), 0, nil)
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestCommandResultFailure(t *testing.T) {
	d, h := newTestDev(t)
	h.respond = func(r request) (uint16, []byte) {
		return 0x00a5, nil
	}
	_, err := d.command("ping", cmdID(genGetDeviceVer, moduleGeneric), 0, nil)
	if err == nil {
		t.Fatal("expected an error")
	}
}

func TestCloseIdempotent(t *testing.T) {
	d, h := newTestDev(t)
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if h.closed != 1 {
		t.Fatalf("transport closed %d times", h.closed)
	}
}

func TestCommandAfterClose(t *testing.T) {
	d, h := newTestDev(t)
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	_, err := d.command("ping", cmdID(genGetDeviceVer, moduleGeneric), 0, nil)
	if !errors.Is(err, ErrState) {
		t.Fatalf("expected ErrState, got %v", err)
	}
	if len(h.reqs) != 0 {
		t.Fatalf("%d frames reached the transport after close", len(h.reqs))
	}
}

func TestHalt(t *testing.T) {
	d, h := newTestDev(t)
	if err := d.Halt(); err != nil {
		t.Fatal(err)
	}
	if len(h.reqs) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(h.reqs))
	}
	if h.reqs[0].id != cmdID(spiDisable, moduleSPI) || h.reqs[1].id != cmdID(i2cDisable, moduleI2C) {
		t.Fatalf("unexpected commands %#04x, %#04x", h.reqs[0].id, h.reqs[1].id)
	}
}

//

// request is one decoded frame sent to the fake adapter.
type request struct {
	id      uint16
	echo    uint16
	handle  uint16
	payload []byte
}

// fakeHandle scripts the adapter side of the protocol. Every write decodes
// one request frame and queues the response computed by respond; read pops
// the next queued frame.
type fakeHandle struct {
	// respond computes the result code and response payload for a request.
	// nil means defaultRespond.
	respond func(r request) (uint16, []byte)
	// pre holds raw frames served before the next response, to simulate
	// late answers and event frames.
	pre      [][]byte
	reqs     []request
	pending  [][]byte
	writeErr error
	readErr  error
	closed   int
}

func (h *fakeHandle) write(b []byte) (int, error) {
	if h.writeErr != nil {
		return 0, h.writeErr
	}
	if len(b) < headerSize || int(binary.LittleEndian.Uint16(b)) != len(b) {
		return 0, errors.Errorf("fake: malformed request frame % 02x", b)
	}
	r := request{
		id:      binary.LittleEndian.Uint16(b[2:]),
		echo:    binary.LittleEndian.Uint16(b[4:]),
		handle:  binary.LittleEndian.Uint16(b[6:]),
		payload: append([]byte(nil), b[headerSize:]...),
	}
	h.reqs = append(h.reqs, r)
	h.pending = append(h.pending, h.pre...)
	h.pre = nil
	respond := h.respond
	if respond == nil {
		respond = defaultRespond
	}
	result, payload := respond(r)
	h.pending = append(h.pending, rspFrame(r.id, r.echo, r.handle, result, payload))
	return len(b), nil
}

func (h *fakeHandle) read(b []byte) (int, error) {
	if h.readErr != nil {
		return 0, h.readErr
	}
	if len(h.pending) == 0 {
		return 0, ErrTimeout
	}
	f := h.pending[0]
	h.pending = h.pending[1:]
	return copy(b, f), nil
}

func (h *fakeHandle) close() error {
	h.closed++
	return nil
}

// clear drops the frames recorded so far, so tests count from a known
// point after setup.
func (h *fakeHandle) clear() {
	h.reqs = nil
}

// count returns how many requests of the given command were recorded.
func (h *fakeHandle) count(id uint16) int {
	n := 0
	for _, r := range h.reqs {
		if r.id == id {
			n++
		}
	}
	return n
}

// defaultRespond services the commands used across the tests: identity
// queries, session enables and loopback transfers.
func defaultRespond(r request) (uint16, []byte) {
	switch r.id {
	case cmdID(genGetDeviceVer, moduleGeneric):
		return resSuccess, []byte{3, 0, 0, 0}
	case cmdID(genGetDeviceSN, moduleGeneric):
		return resSuccess, []byte{42, 0, 0, 0}
	case cmdID(spiEnable, moduleSPI):
		return resSuccess, []byte{0x34, 0x12}
	case cmdID(spiSetFrequency, moduleSPI):
		return resSuccess, append([]byte(nil), r.payload[1:5]...)
	case cmdID(spiReadWrite, moduleSPI):
		// Loopback: return the transmitted bytes.
		n := binary.LittleEndian.Uint16(r.payload[1:3])
		out := make([]byte, 2+int(n))
		binary.LittleEndian.PutUint16(out, n)
		copy(out[2:], r.payload[4:])
		return resSuccess, out
	case cmdID(i2cEnable, moduleI2C):
		return resSuccess, []byte{0x21, 0x43}
	case cmdID(i2cRead, moduleI2C):
		n := binary.LittleEndian.Uint16(r.payload[7:9])
		out := make([]byte, 2+int(n))
		binary.LittleEndian.PutUint16(out, n)
		for i := 0; i < int(n); i++ {
			out[2+i] = byte(i)
		}
		return resSuccess, out
	default:
		return resSuccess, nil
	}
}

// rspFrame encodes one response frame as the adapter would send it.
func rspFrame(id, echo, handle, result uint16, payload []byte) []byte {
	b := make([]byte, rspFixedLen+len(payload))
	binary.LittleEndian.PutUint16(b[0:], uint16(len(b)))
	binary.LittleEndian.PutUint16(b[2:], id)
	binary.LittleEndian.PutUint16(b[4:], echo)
	binary.LittleEndian.PutUint16(b[6:], handle)
	binary.LittleEndian.PutUint16(b[8:], result)
	copy(b[rspFixedLen:], payload)
	return b
}

func newTestDev(t *testing.T) (*Dev, *fakeHandle) {
	t.Helper()
	h := &fakeHandle{}
	d, err := newDev(h, 0, "fake adapter")
	if err != nil {
		t.Fatal(err)
	}
	h.clear()
	return d, h
}

var _ usbHandle = &fakeHandle{}
