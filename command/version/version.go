// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package version

import (
	"fmt"

	"github.com/mitchellh/cli"

	"github.com/hashicorp/meshlink/mux"
	"github.com/hashicorp/meshlink/version"
)

func New(ui cli.Ui) *cmd {
	return &cmd{UI: ui}
}

type cmd struct {
	UI cli.Ui
}

func (c *cmd) Run(_ []string) int {
	c.UI.Output(fmt.Sprintf("meshlink %s", version.GetHumanVersion()))
	if version.GitCommit != "" {
		c.UI.Output(fmt.Sprintf("Revision %s", version.GitCommit))
	}
	c.UI.Output(fmt.Sprintf("Protocol version %d", mux.ProtocolVersion))
	return 0
}

func (c *cmd) Synopsis() string {
	return "Prints the meshlink version"
}

func (c *cmd) Help() string {
	return ""
}
