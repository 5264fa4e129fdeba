// Copyright 2023 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package dln2 drives a Diolan DLN2 compatible USB adapter to expose its SPI
// and I²C buses.
//
// The adapter enumerates as USB vendor 0x1D50, product 0x6170. Talking to it
// requires libusb via cgo; when built without cgo the driver is disabled and
// Open returns an error.
//
// Debian
//
// This includes Raspbian and Ubuntu. Install libusb and pkg-config to enable
// cgo:
//
//  sudo apt install libusb-1.0-0-dev pkg-config
//
// By default the device is only accessible by root. To allow any user, create
// a udev rule:
//
//  echo 'SUBSYSTEM=="usb", ATTRS{idVendor}=="1d50", ATTRS{idProduct}=="6170", MODE="0666"' | \
//    sudo tee /etc/udev/rules.d/70-dln2.rules
//  sudo udevadm control --reload-rules && sudo udevadm trigger
//
// The adapter shows up in lsusb as:
//
//  Bus 001 Device 004: ID 1d50:6170 OpenMoko, Inc.
//
// If the host kernel ships the dln2 MFD driver, it may bind the device first;
// Open detaches it automatically.
//
// MacOS
//
// Install libusb and pkg-config via Homebrew (https://brew.sh):
//
//  brew install libusb pkgconfig
//
// Windows
//
// Install libusb, for example through MSYS2, and make sure a WinUSB or
// libusbK driver is associated with the device (Zadig works well). The
// presence probe uses WMI and works without libusb; opening the device does
// not.
package dln2
