// Copyright 2023 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package dln2smoketest

import (
	"bytes"
	"fmt"
	"image/color"
	"io"

	"github.com/maruel/ansi256"
)

// writePattern prints one buffer as hex followed by a grayscale block per
// byte, so a looped back pattern is recognizable at a glance.
func writePattern(w io.Writer, label string, b []byte) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s % 02x  ", label, b)
	_, _ = buf.WriteString("\033[0m")
	for _, v := range b {
		_, _ = io.WriteString(&buf, ansi256.Default.Block(color.NRGBA{v, v, v, 255}))
	}
	_, _ = buf.WriteString("\033[0m\n")
	_, _ = buf.WriteTo(w)
}
