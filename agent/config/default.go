// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package config

// DefaultSource is the first layer of every build. The mux values mirror
// mux.DefaultConfig.
func DefaultSource() Source {
	return Source{
		Name:   "default",
		Format: "hcl",
		Data: `
		log_level = "INFO"
		log_json = false
		log_color = "auto"
		log_rotate_duration = "24h"
		syslog_facility = "LOCAL0"
		bind_addr = "127.0.0.1"
		port = 8300

		mux = {
			accept_backlog = 256
			enable_keepalive = true
			keepalive_interval = "30s"
			keepalive_timeout = "60s"
			connection_write_timeout = "10s"
			stream_open_timeout = "75s"
			stream_close_timeout = "5m"
			stream_idle_timeout = "0s"
			initial_stream_window = 262144
			max_stream_window = 16777216
			window_update_threshold = 0.5
			max_inbound_streams = 1024
			max_outbound_streams = 1024
			max_message_size = 65536
		}

		limits = {
			max_conns_per_client_ip = 100
			accept_rate = -1
			accept_burst = 10
		}

		telemetry = {
			metrics_prefix = "meshlink"
			filter_default = true
			prometheus_retention_time = "0s"
		}

		pool = {
			max_time = "2m"
			dial_timeout = "10s"
		}
	`,
	}
}
