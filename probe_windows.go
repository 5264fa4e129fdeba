// Copyright 2023 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

//go:build windows

package dln2

import (
	"github.com/StackExchange/wmi"
	"github.com/pkg/errors"
)

// win32PnPEntity is a subset of the WMI class with the same name.
type win32PnPEntity struct {
	DeviceID string
}

// numDevices counts adapters through WMI so the probe works even when
// libusb is unavailable. Opening the device still goes through libusb.
func numDevices() (int, error) {
	var ents []win32PnPEntity
	q := "SELECT DeviceID FROM Win32_PnPEntity WHERE DeviceID LIKE '%VID_1D50&PID_6170%'"
	if err := wmi.Query(q, &ents); err != nil {
		return 0, errors.Wrap(err, "dln2: querying WMI for the adapter")
	}
	return len(ents), nil
}
