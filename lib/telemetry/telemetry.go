// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package telemetry

import (
	"time"

	"github.com/armon/go-metrics"
	"github.com/armon/go-metrics/circonus"
	"github.com/armon/go-metrics/datadog"
	"github.com/armon/go-metrics/prometheus"
	prom "github.com/prometheus/client_golang/prometheus"
)

// Config is embedded in the runtime configuration and controls where mux
// metrics are sent.
type Config struct {
	// Disable skips installing a global metrics client. go-metrics then
	// discards everything.
	Disable bool

	// MetricsPrefix is prepended to every metric name.
	MetricsPrefix string

	DisableHostname bool
	FilterDefault   bool
	AllowedPrefixes []string
	BlockedPrefixes []string

	StatsiteAddr  string
	StatsdAddr    string
	DogstatsdAddr string
	DogstatsdTags []string

	// PrometheusRetentionTime enables the Prometheus sink when positive.
	PrometheusRetentionTime time.Duration

	// PrometheusRegisterer overrides the default Prometheus registry.
	PrometheusRegisterer prom.Registerer

	CirconusAPIToken           string
	CirconusAPIApp             string
	CirconusAPIURL             string
	CirconusSubmissionInterval string
	CirconusSubmissionURL      string
	CirconusCheckID            string
	CirconusBrokerID           string
}

// DefaultMetrics is the installed metrics client together with the
// in-memory sink used to dump metrics on SIGUSR1.
type DefaultMetrics struct {
	client    *metrics.Metrics
	inmemSink *metrics.InmemSink
}

func (c DefaultMetrics) IncrCounter(key []string, val float32, labels ...Label) {
	c.client.IncrCounterWithLabels(key, val, convertLabels(labels))
}

func (c DefaultMetrics) MeasureSince(key []string, start time.Time, labels ...Label) {
	c.client.MeasureSinceWithLabels(key, start, convertLabels(labels))
}

func (c DefaultMetrics) GetInmemSink() *metrics.InmemSink {
	return c.inmemSink
}

// Shutdown stops the sinks. Metrics emitted afterwards are dropped.
func (c DefaultMetrics) Shutdown() {
	c.client.Shutdown()
}

// Label provides a key and a value.
type Label struct {
	Key   string
	Value string
}

func convertLabels(labels []Label) []metrics.Label {
	if len(labels) == 0 {
		return nil
	}
	aLabels := make([]metrics.Label, len(labels))
	for i := 0; i < len(labels); i++ {
		aLabels[i] = metrics.Label{
			Name:  labels[i].Key,
			Value: labels[i].Value,
		}
	}
	return aLabels
}

// sinkFn takes Config and builds a sink to be composed in the FanOutSink
type sinkFn func(Config) (metrics.MetricSink, error)

func statsiteSink(cfg Config) (metrics.MetricSink, error) {
	addr := cfg.StatsiteAddr
	if addr == "" {
		return nil, nil
	}
	return metrics.NewStatsiteSink(addr)
}

func statsdSink(cfg Config) (metrics.MetricSink, error) {
	addr := cfg.StatsdAddr
	if addr == "" {
		return nil, nil
	}
	return metrics.NewStatsdSink(addr)
}

func dogstatsdSink(cfg Config) (metrics.MetricSink, error) {
	addr := cfg.DogstatsdAddr
	if addr == "" {
		return nil, nil
	}
	sink, err := datadog.NewDogStatsdSink(addr, "")
	if err != nil {
		return nil, err
	}
	sink.SetTags(cfg.DogstatsdTags)
	return sink, nil
}

func prometheusSink(cfg Config) (metrics.MetricSink, error) {
	if cfg.PrometheusRetentionTime.Nanoseconds() < 1 {
		return nil, nil
	}
	prometheusOpts := prometheus.PrometheusOpts{
		Expiration: cfg.PrometheusRetentionTime,
		Registerer: cfg.PrometheusRegisterer,
	}
	sink, err := prometheus.NewPrometheusSinkFrom(prometheusOpts)
	if err != nil {
		return nil, err
	}
	return sink, nil
}

func circonusSink(cfg Config) (metrics.MetricSink, error) {
	token := cfg.CirconusAPIToken
	url := cfg.CirconusSubmissionURL
	if token == "" && url == "" {
		return nil, nil
	}

	conf := &circonus.Config{}
	conf.Interval = cfg.CirconusSubmissionInterval
	conf.CheckManager.API.TokenKey = token
	conf.CheckManager.API.TokenApp = cfg.CirconusAPIApp
	conf.CheckManager.API.URL = cfg.CirconusAPIURL
	conf.CheckManager.Check.SubmissionURL = url
	conf.CheckManager.Check.ID = cfg.CirconusCheckID
	conf.CheckManager.Broker.ID = cfg.CirconusBrokerID
	conf.CheckManager.Check.DisplayName = "meshlink"

	if conf.CheckManager.API.TokenApp == "" {
		conf.CheckManager.API.TokenApp = "meshlink"
	}

	sink, err := circonus.NewCirconusSink(conf)
	if err != nil {
		return nil, err
	}
	sink.Start()
	return sink, nil
}

// initSinks composes all of our sink options into a FanoutSink. All sink
// inits must succeed; setup is aborted if any of the configuration is
// invalid.
func initSinks(cfg Config) (metrics.FanoutSink, error) {
	var sinks metrics.FanoutSink
	for _, fn := range []sinkFn{statsiteSink, statsdSink, dogstatsdSink, circonusSink, prometheusSink} {
		s, err := fn(cfg)
		if err != nil {
			return nil, err
		}
		if s != nil {
			sinks = append(sinks, s)
		}
	}
	return sinks, nil
}

// Init installs the global go-metrics client. It returns nil when
// telemetry is disabled.
func Init(cfg Config) (*DefaultMetrics, error) {
	if cfg.Disable {
		return nil, nil
	}
	// Aggregate on 10 second intervals for 1 minute. Expose the metrics
	// over stderr when there is a SIGUSR1 received.
	memSink := metrics.NewInmemSink(10*time.Second, time.Minute)
	metrics.DefaultInmemSignal(memSink)

	mCfg := metrics.DefaultConfig(cfg.MetricsPrefix)
	mCfg.EnableHostname = !cfg.DisableHostname
	mCfg.FilterDefault = cfg.FilterDefault
	mCfg.AllowedPrefixes = cfg.AllowedPrefixes
	mCfg.BlockedPrefixes = cfg.BlockedPrefixes

	sinks, err := initSinks(cfg)
	if err != nil {
		return nil, err
	}

	var sink metrics.MetricSink = memSink
	if len(sinks) == 0 {
		// Hostname is irrelevant for on-host telemetry
		mCfg.EnableHostname = false
	} else {
		sink = append(sinks, memSink)
	}

	client, err := metrics.NewGlobal(mCfg, sink)
	if err != nil {
		return nil, err
	}
	return &DefaultMetrics{client: client, inmemSink: memSink}, nil
}
