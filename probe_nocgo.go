// Copyright 2023 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

//go:build !cgo && !windows

package dln2

import "github.com/pkg/errors"

func numDevices() (int, error) {
	return 0, errors.New("dln2: libusb requires cgo; rebuild with CGO_ENABLED=1")
}
