// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package lib

import (
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
)

var errsEOF = []error{
	io.EOF,
	io.ErrClosedPipe,
	net.ErrClosed,
	syscall.ECONNRESET,
	syscall.EPIPE,
}

// IsErrEOF returns true if err is one of the errors a connection reports
// when the other end went away. Such errors are logged at debug level.
func IsErrEOF(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range errsEOF {
		if errors.Is(err, target) {
			return true
		}
	}

	// Some errors cross process boundaries as strings.
	return strings.HasSuffix(err.Error(), io.EOF.Error())
}
