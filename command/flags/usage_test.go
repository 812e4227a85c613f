// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package flags

import (
	"flag"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUsage(t *testing.T) {
	fs := flag.NewFlagSet("", flag.ContinueOnError)
	fs.String("addr", "", "The `address` of the peer to ping. This sentence is long enough that it has to wrap onto a second line.")
	fs.Bool("json", false, "Output JSON.")

	out := Usage(`
Usage: meshlink ping [options]

  Pings a peer.
`, fs)

	require.True(t, strings.HasPrefix(out, "Usage: meshlink ping [options]\n\n  Pings a peer.\n\nCommand Options\n\n"))
	require.Contains(t, out, "  -addr=<address>\n     The address of the peer")
	require.Contains(t, out, "  -json\n     Output JSON.")
	for _, line := range strings.Split(out, "\n") {
		require.LessOrEqual(t, len(line), maxLineLength)
	}
	require.False(t, strings.HasSuffix(out, "\n"))
}

func TestUsage_NoFlags(t *testing.T) {
	out := Usage("Usage: meshlink version", flag.NewFlagSet("", flag.ContinueOnError))
	require.Equal(t, "Usage: meshlink version", out)
}

func TestMerge(t *testing.T) {
	src := flag.NewFlagSet("", flag.ContinueOnError)
	v := src.Int("count", 1, "")
	dst := flag.NewFlagSet("", flag.ContinueOnError)
	Merge(dst, src)
	Merge(dst, nil)

	require.NoError(t, dst.Parse([]string{"-count=3"}))
	require.Equal(t, 3, *v)
}
