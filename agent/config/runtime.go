// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package config

import (
	"net"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/hashicorp/meshlink/lib/telemetry"
	"github.com/hashicorp/meshlink/logging"
	"github.com/hashicorp/meshlink/mux"
)

// RuntimeConfig is the configuration the commands actually use. It is
// derived from one or more Sources by Build.
type RuntimeConfig struct {
	Logging logging.Config

	// BindAddr is the resolved listen IP. go-sockaddr templates are
	// expanded by Build.
	BindAddr net.IP
	Port     int

	// MetricsAddr serves Prometheus metrics when set.
	MetricsAddr string

	// Mux is verified with mux.VerifyConfig. Its Logger is left nil.
	Mux mux.Config

	MaxConnsPerClientIP int

	// AcceptRate is rate.Inf when the limit is disabled.
	AcceptRate  rate.Limit
	AcceptBurst int

	Telemetry telemetry.Config

	PoolMaxTime     time.Duration
	PoolDialTimeout time.Duration
}

// ListenAddr is the host:port the listener binds to.
func (c *RuntimeConfig) ListenAddr() string {
	return net.JoinHostPort(c.BindAddr.String(), strconv.Itoa(c.Port))
}
