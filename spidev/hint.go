// Copyright 2023 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package spidev

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// Hint is the discovery artifact the scan tool writes: the bus a device
// answered on and its address. The format is owned by the producing tool.
type Hint struct {
	Bus     string `json:"bus"`
	Address int    `json:"address"`
}

// LoadHint reads a hint file. A missing file is an error; run the scan tool
// first.
func LoadHint(path string) (*Hint, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var h Hint
	if err := json.Unmarshal(b, &h); err != nil {
		return nil, errors.Wrapf(err, "spidev: parsing hint %s", path)
	}
	return &h, nil
}
