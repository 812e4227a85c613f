// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package command

import (
	"fmt"

	mcli "github.com/mitchellh/cli"

	"github.com/hashicorp/meshlink/command/cli"
	"github.com/hashicorp/meshlink/command/ping"
	"github.com/hashicorp/meshlink/command/serve"
	"github.com/hashicorp/meshlink/command/version"
)

// RegisteredCommands returns a realized mapping of available CLI commands in a format that
// the CLI class can consume.
func RegisteredCommands(ui cli.Ui) map[string]mcli.CommandFactory {
	registry := map[string]mcli.CommandFactory{}
	registerCommands(ui, registry,
		entry{"ping", func(ui cli.Ui) (mcli.Command, error) { return ping.New(ui), nil }},
		entry{"serve", func(ui cli.Ui) (mcli.Command, error) { return serve.New(ui), nil }},
		entry{"version", func(ui cli.Ui) (mcli.Command, error) { return version.New(ui), nil }},
	)
	return registry
}

// factory is a function that returns a new instance of a CLI-sub command.
type factory func(cli.Ui) (mcli.Command, error)

// entry is a struct that contains a command's name and a factory for that command.
type entry struct {
	name string
	fn   factory
}

func registerCommands(ui cli.Ui, m map[string]mcli.CommandFactory, cmdEntries ...entry) {
	for _, ent := range cmdEntries {
		thisFn := ent.fn
		if _, ok := m[ent.name]; ok {
			panic(fmt.Sprintf("duplicate command: %q", ent.name))
		}
		m[ent.name] = func() (mcli.Command, error) {
			return thisFn(ui)
		}
	}
}
