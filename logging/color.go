// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package logging

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-hclog"
)

var colorOptions = map[string]hclog.ColorOption{
	"":         hclog.AutoColor,
	"auto":     hclog.AutoColor,
	"always":   hclog.ForceColor,
	"on":       hclog.ForceColor,
	"enabled":  hclog.ForceColor,
	"never":    hclog.ColorOff,
	"off":      hclog.ColorOff,
	"disabled": hclog.ColorOff,
}

// NewColorOption maps the log_color setting onto hclog. Color only applies
// to terminal output; JSON logs and log files are never colored.
func NewColorOption(v string) (hclog.ColorOption, error) {
	opt, ok := colorOptions[strings.ToLower(strings.TrimSpace(v))]
	if !ok {
		return hclog.ColorOff, fmt.Errorf("invalid color value %q, must be one of: auto, on, off", v)
	}
	return opt, nil
}
