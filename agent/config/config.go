// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/hcl"
	"github.com/mitchellh/mapstructure"

	"github.com/hashicorp/meshlink/lib"
)

// Source is one layer of configuration. Later sources override earlier ones.
type Source struct {
	// Name describes the source in error messages, usually a file name.
	Name string

	// Format is either "hcl" or "json".
	Format string

	// Data is the raw configuration.
	Data string
}

// FileSource reads path into a Source, picking the format from the file
// extension. Anything other than .json is treated as HCL.
func FileSource(path string) (Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Source{}, fmt.Errorf("failed to read config file %q: %w", path, err)
	}
	format := "hcl"
	if strings.EqualFold(filepath.Ext(path), ".json") {
		format = "json"
	}
	return Source{Name: path, Format: format, Data: string(data)}, nil
}

// Config is the file representation of the configuration. Every field is a
// pointer so that unset values can be told apart from zero values when
// sources are merged.
type Config struct {
	LogLevel          *string `mapstructure:"log_level"`
	LogJSON           *bool   `mapstructure:"log_json"`
	LogColor          *string `mapstructure:"log_color"`
	LogFile           *string `mapstructure:"log_file"`
	LogRotateBytes    *int    `mapstructure:"log_rotate_bytes"`
	LogRotateDuration *string `mapstructure:"log_rotate_duration"`
	LogRotateMaxFiles *int    `mapstructure:"log_rotate_max_files"`
	EnableSyslog      *bool   `mapstructure:"enable_syslog"`
	SyslogFacility    *string `mapstructure:"syslog_facility"`

	BindAddr    *string `mapstructure:"bind_addr"`
	Port        *int    `mapstructure:"port"`
	MetricsAddr *string `mapstructure:"metrics_addr"`

	Mux       Mux       `mapstructure:"mux"`
	Limits    Limits    `mapstructure:"limits"`
	Telemetry Telemetry `mapstructure:"telemetry"`
	Pool      Pool      `mapstructure:"pool"`
}

type Mux struct {
	AcceptBacklog          *int     `mapstructure:"accept_backlog"`
	EnableKeepAlive        *bool    `mapstructure:"enable_keepalive"`
	KeepAliveInterval      *string  `mapstructure:"keepalive_interval"`
	KeepAliveTimeout       *string  `mapstructure:"keepalive_timeout"`
	ConnectionWriteTimeout *string  `mapstructure:"connection_write_timeout"`
	StreamOpenTimeout      *string  `mapstructure:"stream_open_timeout"`
	StreamCloseTimeout     *string  `mapstructure:"stream_close_timeout"`
	StreamIdleTimeout      *string  `mapstructure:"stream_idle_timeout"`
	InitialStreamWindow    *int     `mapstructure:"initial_stream_window"`
	MaxStreamWindow        *int     `mapstructure:"max_stream_window"`
	WindowUpdateThreshold  *float64 `mapstructure:"window_update_threshold"`
	MaxInboundStreams      *int     `mapstructure:"max_inbound_streams"`
	MaxOutboundStreams     *int     `mapstructure:"max_outbound_streams"`
	MaxMessageSize         *int     `mapstructure:"max_message_size"`
}

type Limits struct {
	MaxConnsPerClientIP *int     `mapstructure:"max_conns_per_client_ip"`
	AcceptRate          *float64 `mapstructure:"accept_rate"`
	AcceptBurst         *int     `mapstructure:"accept_burst"`
}

type Telemetry struct {
	Disable                 *bool    `mapstructure:"disable"`
	MetricsPrefix           *string  `mapstructure:"metrics_prefix"`
	DisableHostname         *bool    `mapstructure:"disable_hostname"`
	FilterDefault           *bool    `mapstructure:"filter_default"`
	AllowedPrefixes         []string `mapstructure:"allowed_prefixes"`
	BlockedPrefixes         []string `mapstructure:"blocked_prefixes"`
	StatsiteAddress         *string  `mapstructure:"statsite_address"`
	StatsdAddress           *string  `mapstructure:"statsd_address"`
	DogstatsdAddr           *string  `mapstructure:"dogstatsd_addr"`
	DogstatsdTags           []string `mapstructure:"dogstatsd_tags"`
	PrometheusRetentionTime *string  `mapstructure:"prometheus_retention_time"`
	CirconusAPIToken        *string  `mapstructure:"circonus_api_token"`
	CirconusAPIApp          *string  `mapstructure:"circonus_api_app"`
	CirconusAPIURL          *string  `mapstructure:"circonus_api_url"`
	CirconusCheckID         *string  `mapstructure:"circonus_check_id"`
	CirconusBrokerID        *string  `mapstructure:"circonus_broker_id"`
	CirconusSubmissionURL   *string  `mapstructure:"circonus_submission_url"`
	CirconusSubmissionIntvl *string  `mapstructure:"circonus_submission_interval"`
}

type Pool struct {
	MaxTime     *string `mapstructure:"max_time"`
	DialTimeout *string `mapstructure:"dial_timeout"`
}

// listKeys hold lists of strings, which must survive the unwrapping of
// single element HCL blocks.
var listKeys = []string{
	"telemetry.allowed_prefixes",
	"telemetry.blocked_prefixes",
	"telemetry.dogstatsd_tags",
}

// Parse decodes a single source. Unknown keys are an error.
func Parse(src Source) (Config, error) {
	var raw map[string]interface{}
	switch src.Format {
	case "json":
		if err := json.Unmarshal([]byte(src.Data), &raw); err != nil {
			return Config{}, fmt.Errorf("%s: %w", src.Name, err)
		}
	case "hcl":
		if err := hcl.Decode(&raw, src.Data); err != nil {
			return Config{}, fmt.Errorf("%s: %w", src.Name, err)
		}
	default:
		return Config{}, fmt.Errorf("%s: invalid format %q", src.Name, src.Format)
	}
	if raw == nil {
		return Config{}, nil
	}

	raw = lib.PatchSliceOfMaps(raw, listKeys, nil)

	var c Config
	var md mapstructure.Metadata
	d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Metadata:         &md,
		Result:           &c,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return Config{}, err
	}
	if err := d.Decode(raw); err != nil {
		return Config{}, fmt.Errorf("%s: %w", src.Name, err)
	}
	if len(md.Unused) > 0 {
		sort.Strings(md.Unused)
		return Config{}, fmt.Errorf("%s: invalid config keys: %s", src.Name, strings.Join(md.Unused, ", "))
	}
	return c, nil
}
