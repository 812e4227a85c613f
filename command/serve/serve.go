// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package serve

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/hashicorp/meshlink/agent/config"
	"github.com/hashicorp/meshlink/agent/listener"
	"github.com/hashicorp/meshlink/command/cli"
	"github.com/hashicorp/meshlink/command/flags"
	"github.com/hashicorp/meshlink/lib/telemetry"
	"github.com/hashicorp/meshlink/logging"
	"github.com/hashicorp/meshlink/mux"
	"github.com/hashicorp/meshlink/version"
)

// defaultPrometheusRetention is used when a metrics address is given but
// the config leaves the Prometheus sink disabled.
const defaultPrometheusRetention = time.Minute

func New(ui cli.Ui) *cmd {
	c := &cmd{UI: ui}
	c.init()
	return c
}

type cmd struct {
	UI    cli.Ui
	flags *flag.FlagSet
	usage string

	configFiles flags.AppendSliceValue
	bindAddr    string
	port        int
	logLevel    string
	logJSON     bool
	metricsAddr string

	// ShutdownCh stops the server when closed, in addition to SIGINT and
	// SIGTERM.
	ShutdownCh <-chan struct{}

	// readyCh receives the listen address once the server accepts
	// connections.
	readyCh chan<- net.Addr
}

func (c *cmd) init() {
	c.flags = flag.NewFlagSet("", flag.ContinueOnError)
	c.flags.Var(&c.configFiles, "config-file",
		"Path to an HCL or JSON config file. May be specified multiple times; "+
			"later files override earlier ones. Changes to the log level in "+
			"these files are applied without a restart.")
	c.flags.StringVar(&c.bindAddr, "bind", "127.0.0.1",
		"The `address` to listen on. Accepts go-sockaddr templates.")
	c.flags.IntVar(&c.port, "port", 8300,
		"The TCP port to listen on. Zero picks a free port.")
	c.flags.StringVar(&c.logLevel, "log-level", "",
		"Log level of the server. One of trace, debug, info, warn or error.")
	c.flags.BoolVar(&c.logJSON, "log-json", false,
		"Output logs in JSON format.")
	c.flags.StringVar(&c.metricsAddr, "metrics-addr", "",
		"The `address` to serve Prometheus metrics on. Disabled when empty.")
	c.usage = flags.Usage(help, c.flags)
}

// flagSource turns the flags that were set into the last config layer.
func (c *cmd) flagSource() config.Source {
	m := map[string]interface{}{}
	c.flags.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "bind":
			m["bind_addr"] = c.bindAddr
		case "port":
			m["port"] = c.port
		case "log-level":
			m["log_level"] = c.logLevel
		case "log-json":
			m["log_json"] = c.logJSON
		case "metrics-addr":
			m["metrics_addr"] = c.metricsAddr
		}
	})
	data, _ := json.Marshal(m)
	return config.Source{Name: "flags", Format: "json", Data: string(data)}
}

func (c *cmd) sources() ([]config.Source, error) {
	var sources []config.Source
	for _, path := range c.configFiles {
		src, err := config.FileSource(path)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return append(sources, c.flagSource()), nil
}

func (c *cmd) build() (*config.RuntimeConfig, error) {
	sources, err := c.sources()
	if err != nil {
		return nil, err
	}
	return config.Build(sources...)
}

func (c *cmd) Run(args []string) int {
	if err := c.flags.Parse(args); err != nil {
		return 1
	}

	rt, err := c.build()
	if err != nil {
		c.UI.Error(fmt.Sprintf("Error loading configuration: %s", err))
		return 1
	}

	logger, err := logging.Setup(rt.Logging, c.UI.Stderr())
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}

	if rt.MetricsAddr != "" && rt.Telemetry.PrometheusRetentionTime <= 0 {
		rt.Telemetry.PrometheusRetentionTime = defaultPrometheusRetention
	}
	m, err := telemetry.Init(rt.Telemetry)
	if err != nil {
		c.UI.Error(fmt.Sprintf("Error initializing telemetry: %s", err))
		return 1
	}
	if m != nil {
		defer m.Shutdown()
	}

	l, err := net.Listen("tcp", rt.ListenAddr())
	if err != nil {
		c.UI.Error(fmt.Sprintf("Error listening on %s: %s", rt.ListenAddr(), err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if c.ShutdownCh != nil {
		go func() {
			select {
			case <-c.ShutdownCh:
				stop()
			case <-ctx.Done():
			}
		}()
	}

	muxConf := rt.Mux
	srv := listener.New(l, listener.Config{
		MuxConfig:           &muxConf,
		MaxConnsPerClientIP: rt.MaxConnsPerClientIP,
		AcceptRate:          rt.AcceptRate,
		AcceptBurst:         rt.AcceptBurst,
		Logger:              logger,
	}, echoHandler(logger.Named("echo")))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(ctx)
	})

	if rt.MetricsAddr != "" {
		httpSrv := &http.Server{
			Addr:              rt.MetricsAddr,
			Handler:           metricsHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("serving metrics", "addr", rt.MetricsAddr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	if len(c.configFiles) > 0 {
		w, err := config.NewWatcher(c.configFiles, logger)
		if err != nil {
			logger.Warn("not watching config files", "error", err)
		} else {
			w.Start(ctx)
			g.Go(func() error {
				defer w.Stop()
				c.reloadLoop(ctx, w, logger)
				return nil
			})
		}
	}

	logger.Info("meshlink server running", "version", version.GetHumanVersion(), "addr", srv.Addr())
	c.UI.Output(fmt.Sprintf("Listening on %s", srv.Addr()))
	if c.readyCh != nil {
		c.readyCh <- srv.Addr()
	}

	err = g.Wait()
	if sErr := srv.Shutdown(); sErr != nil && err == nil {
		err = sErr
	}
	if err != nil {
		logger.Error("server stopped with error", "error", err)
		return 1
	}
	logger.Info("shutdown complete")
	return 0
}

// reloadLoop applies the log level from changed config files until ctx is
// done. Other settings need a restart.
func (c *cmd) reloadLoop(ctx context.Context, w *config.Watcher, logger hclog.InterceptLogger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.EventsCh:
			if !ok {
				return
			}
			rt, err := c.build()
			if err != nil {
				logger.Error("failed to reload configuration", "file", ev.Filename, "error", err)
				continue
			}
			logger.SetLevel(logging.LevelFromString(rt.Logging.LogLevel))
			logger.Info("reloaded configuration", "file", ev.Filename, "log_level", rt.Logging.LogLevel)
		}
	}
}

func metricsHandler() http.Handler {
	m := http.NewServeMux()
	m.Handle("/metrics", promhttp.Handler())
	return m
}

// echoHandler writes every byte read from a stream back to it until the
// peer half-closes.
func echoHandler(logger hclog.Logger) mux.StreamHandler {
	return func(s *mux.Stream) {
		defer s.Close()
		n, err := io.Copy(s, s)
		if err != nil && !errors.Is(err, mux.ErrSessionShutdown) {
			logger.Debug("echo stream ended", "stream_id", s.ID(), "error", err)
		}
		metrics.IncrCounter([]string{"echo", "bytes"}, float32(n))
	}
}

func (c *cmd) Synopsis() string {
	return synopsis
}

func (c *cmd) Help() string {
	return c.usage
}

const synopsis = "Runs a meshlink echo server"
const help = `
Usage: meshlink serve [options]

  Accepts TCP connections, runs a multiplexed session on each and echoes
  every stream back to its sender. Config files are layered in the order
  given and flags override them.

      $ meshlink serve -config-file=/etc/meshlink.hcl -metrics-addr=:9102
`
