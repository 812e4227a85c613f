// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package testutil

import (
	"io"
	"os"
	"testing"

	"github.com/hashicorp/go-hclog"
)

var sendTestLogsToStdout bool

func init() {
	sendTestLogsToStdout = os.Getenv("NOLOGBUFFER") == "1"
}

func NewDiscardLogger() hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Level:  0,
		Output: io.Discard,
	})
}

// Logger returns a trace level logger named after the test. Output goes to
// the test log, or straight to stdout when NOLOGBUFFER=1.
func Logger(t testing.TB) hclog.InterceptLogger {
	if sendTestLogsToStdout {
		return LoggerWithOutput(t, os.Stdout)
	}
	return LoggerWithOutput(t, &testWriter{t: t})
}

func LoggerWithOutput(t testing.TB, output io.Writer) hclog.InterceptLogger {
	return hclog.NewInterceptLogger(&hclog.LoggerOptions{
		Name:       t.Name(),
		Level:      hclog.Trace,
		Output:     output,
		TimeFormat: "04:05.000",
	})
}

// testWriter sends log lines to t.Log. Lines written after the test ended
// are dropped.
type testWriter struct {
	t testing.TB
}

func (w *testWriter) Write(p []byte) (int, error) {
	defer func() {
		// t.Log panics once the test has completed.
		_ = recover()
	}()
	w.t.Helper()
	w.t.Log(string(p))
	return len(p), nil
}
