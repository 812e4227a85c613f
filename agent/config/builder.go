// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package config

import (
	"fmt"
	"math"
	"net"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-sockaddr/template"
	"golang.org/x/time/rate"

	"github.com/hashicorp/meshlink/lib/telemetry"
	"github.com/hashicorp/meshlink/logging"
	"github.com/hashicorp/meshlink/mux"
)

// Build merges DefaultSource with the given sources in order and converts
// the result into a RuntimeConfig. All invalid values are reported together.
func Build(sources ...Source) (*RuntimeConfig, error) {
	b := &builder{}

	all := append([]Source{DefaultSource()}, sources...)
	var c Config
	for _, src := range all {
		parsed, err := Parse(src)
		if err != nil {
			return nil, err
		}
		c = merge(c, parsed)
	}

	rt := b.build(c)
	if b.err != nil {
		return nil, b.err
	}
	return rt, nil
}

// builder converts a merged Config. Conversion errors are collected in err
// instead of stopping at the first one.
type builder struct {
	err error
}

func (b *builder) build(c Config) *RuntimeConfig {
	rt := &RuntimeConfig{
		Logging: logging.Config{
			LogLevel:          strings.ToUpper(b.stringVal(c.LogLevel)),
			LogJSON:           b.boolVal(c.LogJSON),
			Color:             b.stringVal(c.LogColor),
			Name:              "meshlink",
			EnableSyslog:      b.boolVal(c.EnableSyslog),
			SyslogFacility:    b.stringVal(c.SyslogFacility),
			LogFilePath:       b.stringVal(c.LogFile),
			LogRotateDuration: b.durationVal("log_rotate_duration", c.LogRotateDuration),
			LogRotateBytes:    b.intVal(c.LogRotateBytes),
			LogRotateMaxFiles: b.intVal(c.LogRotateMaxFiles),
		},
		BindAddr:    b.ipVal("bind_addr", c.BindAddr),
		Port:        b.portVal("port", c.Port),
		MetricsAddr: b.stringVal(c.MetricsAddr),

		Mux: mux.Config{
			AcceptBacklog:          b.intVal(c.Mux.AcceptBacklog),
			EnableKeepAlive:        b.boolVal(c.Mux.EnableKeepAlive),
			KeepAliveInterval:      b.durationVal("mux.keepalive_interval", c.Mux.KeepAliveInterval),
			KeepAliveTimeout:       b.durationVal("mux.keepalive_timeout", c.Mux.KeepAliveTimeout),
			ConnectionWriteTimeout: b.durationVal("mux.connection_write_timeout", c.Mux.ConnectionWriteTimeout),
			StreamOpenTimeout:      b.durationVal("mux.stream_open_timeout", c.Mux.StreamOpenTimeout),
			StreamCloseTimeout:     b.durationVal("mux.stream_close_timeout", c.Mux.StreamCloseTimeout),
			StreamIdleTimeout:      b.durationVal("mux.stream_idle_timeout", c.Mux.StreamIdleTimeout),
			InitialStreamWindow:    b.uint32Val("mux.initial_stream_window", c.Mux.InitialStreamWindow),
			MaxStreamWindow:        b.uint32Val("mux.max_stream_window", c.Mux.MaxStreamWindow),
			WindowUpdateThreshold:  b.float64Val(c.Mux.WindowUpdateThreshold),
			MaxInboundStreams:      b.intVal(c.Mux.MaxInboundStreams),
			MaxOutboundStreams:     b.intVal(c.Mux.MaxOutboundStreams),
			MaxMessageSize:         b.uint32Val("mux.max_message_size", c.Mux.MaxMessageSize),
		},

		MaxConnsPerClientIP: b.intVal(c.Limits.MaxConnsPerClientIP),
		AcceptRate:          b.rateVal(c.Limits.AcceptRate),
		AcceptBurst:         b.intVal(c.Limits.AcceptBurst),

		Telemetry: telemetry.Config{
			Disable:                    b.boolVal(c.Telemetry.Disable),
			MetricsPrefix:              b.stringVal(c.Telemetry.MetricsPrefix),
			DisableHostname:            b.boolVal(c.Telemetry.DisableHostname),
			FilterDefault:              b.boolVal(c.Telemetry.FilterDefault),
			AllowedPrefixes:            c.Telemetry.AllowedPrefixes,
			BlockedPrefixes:            c.Telemetry.BlockedPrefixes,
			StatsiteAddr:               b.stringVal(c.Telemetry.StatsiteAddress),
			StatsdAddr:                 b.stringVal(c.Telemetry.StatsdAddress),
			DogstatsdAddr:              b.stringVal(c.Telemetry.DogstatsdAddr),
			DogstatsdTags:              c.Telemetry.DogstatsdTags,
			PrometheusRetentionTime:    b.durationVal("telemetry.prometheus_retention_time", c.Telemetry.PrometheusRetentionTime),
			CirconusAPIToken:           b.stringVal(c.Telemetry.CirconusAPIToken),
			CirconusAPIApp:             b.stringVal(c.Telemetry.CirconusAPIApp),
			CirconusAPIURL:             b.stringVal(c.Telemetry.CirconusAPIURL),
			CirconusCheckID:            b.stringVal(c.Telemetry.CirconusCheckID),
			CirconusBrokerID:           b.stringVal(c.Telemetry.CirconusBrokerID),
			CirconusSubmissionURL:      b.stringVal(c.Telemetry.CirconusSubmissionURL),
			CirconusSubmissionInterval: b.stringVal(c.Telemetry.CirconusSubmissionIntvl),
		},

		PoolMaxTime:     b.durationVal("pool.max_time", c.Pool.MaxTime),
		PoolDialTimeout: b.durationVal("pool.dial_timeout", c.Pool.DialTimeout),
	}

	if !logging.ValidateLogLevel(rt.Logging.LogLevel) {
		b.addErr(fmt.Errorf("log_level: invalid value %q, must be one of %s",
			rt.Logging.LogLevel, strings.Join(logging.AllowedLogLevels(), ", ")))
	}
	if _, err := logging.NewColorOption(rt.Logging.Color); err != nil {
		b.addErr(fmt.Errorf("log_color: %w", err))
	}
	if rt.MaxConnsPerClientIP < 0 {
		b.addErr(fmt.Errorf("limits.max_conns_per_client_ip: must not be negative"))
	}
	if rt.AcceptBurst < 1 {
		b.addErr(fmt.Errorf("limits.accept_burst: must be positive"))
	}
	if b.err == nil {
		if err := mux.VerifyConfig(&rt.Mux); err != nil {
			b.addErr(fmt.Errorf("mux: %w", err))
		}
	}
	return rt
}

func (b *builder) addErr(err error) {
	b.err = multierror.Append(b.err, err)
}

func (b *builder) stringVal(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func (b *builder) boolVal(v *bool) bool {
	if v == nil {
		return false
	}
	return *v
}

func (b *builder) intVal(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}

func (b *builder) float64Val(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func (b *builder) durationVal(name string, v *string) time.Duration {
	if v == nil || *v == "" {
		return 0
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		b.addErr(fmt.Errorf("%s: invalid duration: %q: %w", name, *v, err))
	}
	return d
}

func (b *builder) uint32Val(name string, v *int) uint32 {
	if v == nil {
		return 0
	}
	if *v < 0 || int64(*v) > math.MaxUint32 {
		b.addErr(fmt.Errorf("%s: value %d out of range", name, *v))
		return 0
	}
	return uint32(*v)
}

func (b *builder) portVal(name string, v *int) int {
	p := b.intVal(v)
	if p < 0 || p > 65535 {
		b.addErr(fmt.Errorf("%s: invalid port %d", name, p))
		return 0
	}
	return p
}

// rateVal treats a negative or zero rate as no limit.
func (b *builder) rateVal(v *float64) rate.Limit {
	f := b.float64Val(v)
	if f <= 0 {
		return rate.Inf
	}
	return rate.Limit(f)
}

// ipVal expands a go-sockaddr template such as
// `{{ GetPrivateInterfaces | attr "address" }}` and requires a single IP.
func (b *builder) ipVal(name string, v *string) net.IP {
	s := b.stringVal(v)
	out, err := template.Parse(s)
	if err != nil {
		b.addErr(fmt.Errorf("%s: error parsing %q: %w", name, s, err))
		return nil
	}
	out = strings.TrimSpace(out)
	if strings.Contains(out, " ") {
		b.addErr(fmt.Errorf("%s: multiple addresses found: %s", name, out))
		return nil
	}
	ip := net.ParseIP(out)
	if ip == nil {
		b.addErr(fmt.Errorf("%s: %q is not a valid IP address", name, out))
		return nil
	}
	return ip
}
