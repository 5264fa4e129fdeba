// Copyright 2023 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

//go:build cgo

package dln2

import (
	"context"
	"time"

	"github.com/google/gousb"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

const disabled = false

// usbTimeout bounds every bulk transfer. The in-kernel dln2 driver uses the
// same 200ms bound.
const usbTimeout = 200 * time.Millisecond

// openUSB opens the index-th adapter and claims its default interface.
func openUSB(index int) (usbHandle, string, error) {
	ctx := gousb.NewContext()
	seen := 0
	devs, err := ctx.OpenDevices(func(dd *gousb.DeviceDesc) bool {
		if dd.Vendor != gousb.ID(vendorID) || dd.Product != gousb.ID(productID) {
			return false
		}
		match := seen == index
		seen++
		return match
	})
	if len(devs) == 0 {
		_ = ctx.Close()
		if err != nil {
			return nil, "", errors.Wrapf(err, "dln2: opening USB device %d", index)
		}
		return nil, "", ErrDeviceNotFound
	}
	d := devs[0]
	closeAll := func() {
		_ = d.Close()
		_ = ctx.Close()
	}
	// The in-kernel dln2 driver grabs the device on plug-in when present.
	if err := d.SetAutoDetach(true); err != nil {
		closeAll()
		return nil, "", errors.Wrap(err, "dln2: detaching kernel driver")
	}
	product, _ := d.Product()
	intf, done, err := d.DefaultInterface()
	if err != nil {
		closeAll()
		return nil, "", errors.Wrap(err, "dln2: claiming default interface")
	}
	in, out, err := bulkEndpoints(intf)
	if err != nil {
		done()
		closeAll()
		return nil, "", err
	}
	return &gousbHandle{ctx: ctx, d: d, done: done, intf: intf, in: in, out: out, timeout: usbTimeout}, product, nil
}

// bulkEndpoints finds the lowest numbered bulk IN and OUT endpoints of the
// interface. The adapter exposes one pair on its default setting.
func bulkEndpoints(intf *gousb.Interface) (*gousb.InEndpoint, *gousb.OutEndpoint, error) {
	inNum, outNum := -1, -1
	for _, ep := range intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		switch ep.Direction {
		case gousb.EndpointDirectionIn:
			if inNum < 0 || ep.Number < inNum {
				inNum = ep.Number
			}
		case gousb.EndpointDirectionOut:
			if outNum < 0 || ep.Number < outNum {
				outNum = ep.Number
			}
		}
	}
	if inNum < 0 || outNum < 0 {
		return nil, nil, errors.Wrap(ErrProtocol, "dln2: no bulk endpoint pair on default interface")
	}
	in, err := intf.InEndpoint(inNum)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "dln2: claiming IN endpoint %d", inNum)
	}
	out, err := intf.OutEndpoint(outNum)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "dln2: claiming OUT endpoint %d", outNum)
	}
	return in, out, nil
}

type gousbHandle struct {
	ctx     *gousb.Context
	d       *gousb.Device
	done    func()
	intf    *gousb.Interface
	in      *gousb.InEndpoint
	out     *gousb.OutEndpoint
	timeout time.Duration
}

func (h *gousbHandle) write(b []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	n, err := h.out.WriteContext(ctx, b)
	return n, h.mapErr(ctx, "write", err)
}

func (h *gousbHandle) read(b []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	n, err := h.in.ReadContext(ctx, b)
	return n, h.mapErr(ctx, "read", err)
}

func (h *gousbHandle) close() error {
	h.done()
	return multierr.Combine(h.d.Close(), h.ctx.Close())
}

// mapErr normalizes deadline expiry to ErrTimeout whatever shape gousb
// reports it in.
func (h *gousbHandle) mapErr(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil || err == gousb.ErrorTimeout {
		return errors.WithMessagef(ErrTimeout, "%s after %s", op, h.timeout)
	}
	return errors.Wrapf(err, "dln2: %s failed", op)
}

var _ usbHandle = &gousbHandle{}
