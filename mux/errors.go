// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package mux

import (
	"errors"
	"fmt"
)

// Error is returned by the mux for well known conditions. Timeout errors
// satisfy net.Error so callers treating streams as net.Conn can detect them.
type Error struct {
	msg     string
	timeout bool
	proto   bool
}

func (e *Error) Error() string   { return e.msg }
func (e *Error) Timeout() bool   { return e.timeout }
func (e *Error) Temporary() bool { return e.timeout }

// ProtocolViolation reports whether the error was caused by a peer that
// broke the framing protocol.
func (e *Error) ProtocolViolation() bool { return e.proto }

var (
	// ErrNeedMoreData is returned by the Decoder when the buffered bytes do
	// not yet hold a complete frame.
	ErrNeedMoreData = &Error{msg: "need more data"}

	// ErrInvalidVersion means a header carried an unsupported version.
	ErrInvalidVersion = &Error{msg: "invalid protocol version", proto: true}

	// ErrInvalidFrameType means a header carried an unknown frame type.
	ErrInvalidFrameType = &Error{msg: "invalid frame type", proto: true}

	// ErrFrameTooLarge means a data frame declared a length above
	// MaxMessageSize.
	ErrFrameTooLarge = &Error{msg: "data frame exceeds max message size", proto: true}

	// ErrRecvWindowExceeded means the peer sent more than the window allowed.
	ErrRecvWindowExceeded = &Error{msg: "receive window exceeded", proto: true}

	// ErrSendWindowOverflow means a window update overflowed the window.
	ErrSendWindowOverflow = &Error{msg: "send window overflow", proto: true}

	// ErrInvalidStreamState means a frame is not valid for the stream state,
	// such as a second SYN for a live stream or data after FIN.
	ErrInvalidStreamState = &Error{msg: "invalid frame for stream state", proto: true}

	// ErrTooManyStreams is returned by OpenStream when MaxOutboundStreams
	// streams are already open.
	ErrTooManyStreams = &Error{msg: "too many open streams"}

	// ErrSessionShutdown matches every error returned after the session has
	// been closed. Use errors.Is; the concrete error unwraps to the cause.
	ErrSessionShutdown = &Error{msg: "session shutdown"}

	// ErrStreamsExhausted means the local stream ID space is used up.
	ErrStreamsExhausted = &Error{msg: "streams exhausted"}

	// ErrRemoteGoAway means the peer sent a GoAway and no new streams may
	// be opened.
	ErrRemoteGoAway = &Error{msg: "remote end is not accepting connections"}

	// ErrStreamClosed is returned when using a stream after its local side
	// has been closed.
	ErrStreamClosed = &Error{msg: "stream closed"}

	// ErrStreamReset is returned when the stream was aborted with RST.
	ErrStreamReset = &Error{msg: "stream reset"}

	// ErrTimeout is returned when a read or write deadline passes.
	ErrTimeout = &Error{msg: "i/o deadline reached", timeout: true}

	// ErrKeepAliveTimeout means a keepalive ping went unanswered.
	ErrKeepAliveTimeout = &Error{msg: "keepalive timeout", timeout: true}

	// ErrStreamOpenTimeout means the peer did not acknowledge a new stream.
	ErrStreamOpenTimeout = &Error{msg: "stream open timeout", timeout: true}

	// ErrStreamCloseTimeout means the peer did not close its side in time.
	ErrStreamCloseTimeout = &Error{msg: "stream close timeout", timeout: true}

	// ErrStreamIdleTimeout means no data moved on a stream for the
	// configured idle timeout.
	ErrStreamIdleTimeout = &Error{msg: "stream idle timeout", timeout: true}

	// ErrControlQueueFull means the peer keeps provoking control frames
	// without reading them.
	ErrControlQueueFull = &Error{msg: "control frame queue full"}
)

// GoAwayError is the cause of a session shutdown requested by the peer with
// a non-normal GoAway code.
type GoAwayError struct {
	Code uint32
}

func (e *GoAwayError) Error() string {
	return fmt.Sprintf("remote sent go away: %s", goAwayString(e.Code))
}

// sessionError is handed to every operation after shutdown. It matches
// ErrSessionShutdown and unwraps to the reason the session ended.
type sessionError struct {
	cause error
}

func (e *sessionError) Error() string {
	if e.cause == nil {
		return ErrSessionShutdown.msg
	}
	return fmt.Sprintf("%s: %v", ErrSessionShutdown.msg, e.cause)
}

func (e *sessionError) Is(target error) bool {
	return target == ErrSessionShutdown
}

func (e *sessionError) Unwrap() error {
	return e.cause
}

// Timeout lets the keepalive cause surface through net.Error checks.
func (e *sessionError) Timeout() bool {
	var me *Error
	return errors.As(e.cause, &me) && me.timeout
}

func (e *sessionError) Temporary() bool { return false }

// IsProtocolError reports whether err was caused by a peer violating the
// framing protocol.
func IsProtocolError(err error) bool {
	var me *Error
	return errors.As(err, &me) && me.proto
}
