// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package mux

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
)

// Config is used to tune a session. Start from DefaultConfig; a session
// takes a private copy at construction and never reads the original again.
type Config struct {
	// AcceptBacklog is the number of inbound streams waiting in
	// AcceptStream before new SYNs are refused with RST. Not used for
	// streams handed to an OnStream handler.
	AcceptBacklog int

	// EnableKeepAlive sends pings to detect dead connections.
	EnableKeepAlive bool

	// KeepAliveInterval is how long the connection may stay idle before a
	// keepalive ping is sent.
	KeepAliveInterval time.Duration

	// KeepAliveTimeout is how long a keepalive ping may go unanswered before
	// the session is closed with ErrKeepAliveTimeout. Zero means twice
	// KeepAliveInterval.
	KeepAliveTimeout time.Duration

	// ConnectionWriteTimeout bounds the time the writer gets to flush the
	// final GoAway during shutdown, and the time a blocked control frame
	// may wait for the writer.
	ConnectionWriteTimeout time.Duration

	// StreamOpenTimeout is how long an outbound stream may wait for the
	// peer's ACK before being reset. Zero disables the timer.
	StreamOpenTimeout time.Duration

	// StreamCloseTimeout is how long a locally closed stream waits for the
	// peer's FIN before being reset. Zero disables the timer.
	StreamCloseTimeout time.Duration

	// StreamIdleTimeout resets a stream once no data has been read from or
	// written to the peer for this long. Zero disables the timer.
	StreamIdleTimeout time.Duration

	// InitialStreamWindow is the window each side assumes for a new stream
	// before any window update. Both peers must use the same value;
	// DefaultStreamWindow is the value other implementations assume.
	InitialStreamWindow uint32

	// MaxStreamWindow is the largest receive window a stream grants.
	MaxStreamWindow uint32

	// WindowUpdateThreshold is the fraction of MaxStreamWindow that must have
	// been consumed by the reader before a window update is sent.
	WindowUpdateThreshold float64

	// MaxInboundStreams limits concurrently open streams opened by the peer.
	MaxInboundStreams int

	// MaxOutboundStreams limits concurrently open streams opened locally.
	MaxOutboundStreams int

	// MaxMessageSize is the largest data frame payload that is sent or
	// accepted. Larger writes are split.
	MaxMessageSize uint32

	// Logger receives session logs. A null logger is used when nil.
	Logger hclog.Logger
}

// DefaultConfig returns a config with the documented defaults:
//
//	AcceptBacklog          256
//	EnableKeepAlive        true
//	KeepAliveInterval      30s
//	KeepAliveTimeout       60s
//	ConnectionWriteTimeout 10s
//	StreamOpenTimeout      75s
//	StreamCloseTimeout     5m
//	StreamIdleTimeout      0 (disabled)
//	InitialStreamWindow    256 KiB
//	MaxStreamWindow        16 MiB
//	WindowUpdateThreshold  0.5
//	MaxInboundStreams      1024
//	MaxOutboundStreams     1024
//	MaxMessageSize         64 KiB
func DefaultConfig() *Config {
	return &Config{
		AcceptBacklog:          256,
		EnableKeepAlive:        true,
		KeepAliveInterval:      30 * time.Second,
		KeepAliveTimeout:       60 * time.Second,
		ConnectionWriteTimeout: 10 * time.Second,
		StreamOpenTimeout:      75 * time.Second,
		StreamCloseTimeout:     5 * time.Minute,
		InitialStreamWindow:    DefaultStreamWindow,
		MaxStreamWindow:        16 * 1024 * 1024,
		WindowUpdateThreshold:  0.5,
		MaxInboundStreams:      1024,
		MaxOutboundStreams:     1024,
		MaxMessageSize:         64 * 1024,
	}
}

// VerifyConfig checks config for errors and returns all of them at once.
func VerifyConfig(config *Config) error {
	if config == nil {
		return fmt.Errorf("config must not be nil")
	}

	var result error
	if config.AcceptBacklog <= 0 {
		result = multierror.Append(result, fmt.Errorf("backlog must be positive"))
	}
	if config.EnableKeepAlive && config.KeepAliveInterval <= 0 {
		result = multierror.Append(result, fmt.Errorf("keep-alive interval must be positive"))
	}
	if config.KeepAliveTimeout < 0 {
		result = multierror.Append(result, fmt.Errorf("keep-alive timeout must not be negative"))
	}
	if config.ConnectionWriteTimeout <= 0 {
		result = multierror.Append(result, fmt.Errorf("connection write timeout must be positive"))
	}
	if config.StreamOpenTimeout < 0 || config.StreamCloseTimeout < 0 || config.StreamIdleTimeout < 0 {
		result = multierror.Append(result, fmt.Errorf("stream timeouts must not be negative"))
	}
	if config.MaxInboundStreams < 0 {
		result = multierror.Append(result, fmt.Errorf("max inbound streams must not be negative"))
	}
	if config.MaxOutboundStreams < 0 {
		result = multierror.Append(result, fmt.Errorf("max outbound streams must not be negative"))
	}
	if config.MaxMessageSize < minMessageSize {
		result = multierror.Append(result, fmt.Errorf("max message size must be at least %d bytes", minMessageSize))
	}
	if config.InitialStreamWindow < MinStreamWindow {
		result = multierror.Append(result, fmt.Errorf("initial stream window must be at least %d bytes", MinStreamWindow))
	}
	if config.MaxStreamWindow < config.InitialStreamWindow {
		result = multierror.Append(result, fmt.Errorf("max stream window must be at least the initial stream window"))
	}
	if config.WindowUpdateThreshold <= 0 || config.WindowUpdateThreshold > 1 {
		result = multierror.Append(result, fmt.Errorf("window update threshold must be in (0, 1]"))
	}
	return result
}

// keepAliveTimeout resolves the zero value to twice the interval.
func (c *Config) keepAliveTimeout() time.Duration {
	if c.KeepAliveTimeout > 0 {
		return c.KeepAliveTimeout
	}
	return 2 * c.KeepAliveInterval
}

// pingTimeout bounds Ping. Without a keepalive timeout to go by it falls
// back to the connection write timeout.
func (c *Config) pingTimeout() time.Duration {
	if timeout := c.keepAliveTimeout(); timeout > 0 {
		return timeout
	}
	return c.ConnectionWriteTimeout
}
