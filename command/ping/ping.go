// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package ping

import (
	"context"
	"flag"
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"
	"github.com/ryanuber/columnize"

	"github.com/hashicorp/meshlink/command/flags"
	"github.com/hashicorp/meshlink/mux"
)

func New(ui cli.Ui) *cmd {
	c := &cmd{UI: ui}
	c.init()
	return c
}

type cmd struct {
	UI    cli.Ui
	flags *flag.FlagSet
	usage string

	addr     string
	count    int
	interval time.Duration
	timeout  time.Duration
}

func (c *cmd) init() {
	c.flags = flag.NewFlagSet("", flag.ContinueOnError)
	c.flags.StringVar(&c.addr, "addr", "127.0.0.1:8300",
		"The `address` of the meshlink server to ping.")
	c.flags.IntVar(&c.count, "count", 1,
		"Number of pings to send over the session.")
	c.flags.DurationVar(&c.interval, "interval", time.Second,
		"Time to wait between pings.")
	c.flags.DurationVar(&c.timeout, "timeout", 5*time.Second,
		"Time to wait for the connection and for each ping reply.")
	c.usage = flags.Usage(help, c.flags)
}

func (c *cmd) Run(args []string) int {
	if err := c.flags.Parse(args); err != nil {
		return 1
	}
	if c.count < 1 {
		c.UI.Error("The -count flag must be at least 1")
		return 1
	}

	conn, err := net.DialTimeout("tcp", c.addr, c.timeout)
	if err != nil {
		c.UI.Error(fmt.Sprintf("Error connecting to %s: %s", c.addr, err))
		return 1
	}

	conf := mux.DefaultConfig()
	conf.EnableKeepAlive = false
	conf.Logger = hclog.NewNullLogger()
	session, err := mux.Client(conn, conf)
	if err != nil {
		conn.Close()
		c.UI.Error(fmt.Sprintf("Error starting session: %s", err))
		return 1
	}
	defer session.Close()

	rows := []string{"Seq|RTT"}
	var minRTT, maxRTT, total time.Duration
	for i := 0; i < c.count; i++ {
		if i > 0 {
			time.Sleep(c.interval)
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		rtt, err := session.PingContext(ctx)
		cancel()
		if err != nil {
			c.UI.Error(fmt.Sprintf("Error pinging %s: %s", c.addr, err))
			return 1
		}
		rows = append(rows, fmt.Sprintf("%d|%s", i+1, rtt))

		total += rtt
		if i == 0 || rtt < minRTT {
			minRTT = rtt
		}
		if rtt > maxRTT {
			maxRTT = rtt
		}
	}

	c.UI.Output(columnize.SimpleFormat(rows))
	avg := total / time.Duration(c.count)
	c.UI.Output(fmt.Sprintf("rtt min/avg/max = %s/%s/%s", minRTT, avg, maxRTT))
	return 0
}

func (c *cmd) Synopsis() string {
	return synopsis
}

func (c *cmd) Help() string {
	return c.usage
}

const synopsis = "Measures round trip time to a meshlink server"
const help = `
Usage: meshlink ping [options]

  Opens a multiplexed session to a meshlink server and sends session level
  pings, printing the round trip time of each.

      $ meshlink ping -addr=10.0.1.5:8300 -count=3
`
