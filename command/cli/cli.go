// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package cli

import (
	"io"
	"os"

	mcli "github.com/mitchellh/cli"
)

// Ui is the terminal surface handed to meshlink commands. On top of
// mitchellh/cli.Ui it exposes the raw writers, which serve needs so the
// logger can write to the terminal directly.
//
// Commands themselves are plain mcli.Command values; there is no local
// alias for that type.
type Ui interface {
	mcli.Ui
	Stdout() io.Writer
	Stderr() io.Writer
}

// BasicUI augments mitchellh/cli.BasicUi by exposing the underlying io.Writer.
type BasicUI struct {
	mcli.BasicUi
}

// NewBasicUI returns a Ui writing to stdout and stderr and prompting on
// stdin. A nil writer falls back to the process's own stream.
func NewBasicUI(stdout, stderr io.Writer) *BasicUI {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	return &BasicUI{BasicUi: mcli.BasicUi{Reader: os.Stdin, Writer: stdout, ErrorWriter: stderr}}
}

func (b *BasicUI) Stdout() io.Writer {
	return b.BasicUi.Writer
}

func (b *BasicUI) Stderr() io.Writer {
	return b.BasicUi.ErrorWriter
}
