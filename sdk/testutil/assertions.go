// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package testutil

import (
	"os"
	"strings"
	"testing"
)

// RequireErrorContains is a test helper for asserting that an error occurred
// and the error message returned contains the expected error message as a
// substring.
func RequireErrorContains(t testing.TB, err error, expectedErrorMessage string) {
	t.Helper()
	if err == nil {
		t.Fatal("An error is expected but got nil.")
	}
	if !strings.Contains(err.Error(), expectedErrorMessage) {
		t.Fatalf("expected err %v to contain %q", err, expectedErrorMessage)
	}
}

// TempDir creates a temporary directory for the test which is removed when
// the test finishes.
func TempDir(t testing.TB, name string) string {
	t.Helper()
	name = strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(name)
	dir, err := os.MkdirTemp("", name)
	if err != nil {
		t.Fatalf("err: %s", err)
	}
	t.Cleanup(func() {
		if !t.Failed() || os.Getenv("TEST_NOCLEANUP") == "" {
			_ = os.RemoveAll(dir)
		}
	})
	return dir
}
