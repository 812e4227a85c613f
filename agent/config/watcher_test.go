// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hashicorp/meshlink/sdk/testutil"
)

func startWatcher(t *testing.T, files ...string) *Watcher {
	t.Helper()
	w, err := NewWatcher(files, testutil.Logger(t))
	require.NoError(t, err)
	w.interval = 20 * time.Millisecond
	w.Start(context.Background())
	t.Cleanup(func() { w.Stop() })
	return w
}

func requireEvent(t *testing.T, w *Watcher, filename string) {
	t.Helper()
	select {
	case ev := <-w.EventsCh:
		require.Equal(t, filename, ev.Filename)
	case <-time.After(5 * time.Second):
		t.Fatalf("no event for %s", filename)
	}
}

func requireNoEvent(t *testing.T, w *Watcher) {
	t.Helper()
	select {
	case ev := <-w.EventsCh:
		t.Fatalf("unexpected event for %s", ev.Filename)
	case <-time.After(200 * time.Millisecond):
	}
}

// touch rewrites the file and moves its modification time forward so the
// change is visible on filesystems with coarse timestamps.
func touch(t *testing.T, path, data string, offset time.Duration) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(data), 0600))
	mt := time.Now().Add(offset)
	require.NoError(t, os.Chtimes(path, mt, mt))
}

func TestWatcher_Write(t *testing.T) {
	dir := testutil.TempDir(t, "watcher")
	path := filepath.Join(dir, "meshlink.hcl")
	touch(t, path, `log_level = "INFO"`, -time.Minute)

	w := startWatcher(t, path)
	requireNoEvent(t, w)

	touch(t, path, `log_level = "DEBUG"`, time.Minute)
	requireEvent(t, w, path)
}

func TestWatcher_RenameReplace(t *testing.T) {
	dir := testutil.TempDir(t, "watcher")
	path := filepath.Join(dir, "meshlink.hcl")
	touch(t, path, `port = 1`, -time.Minute)

	w := startWatcher(t, path)

	tmp := filepath.Join(dir, "meshlink.hcl.tmp")
	touch(t, tmp, `port = 2`, time.Minute)
	require.NoError(t, os.Rename(tmp, path))
	requireEvent(t, w, path)
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := testutil.TempDir(t, "watcher")
	path := filepath.Join(dir, "meshlink.hcl")
	touch(t, path, `port = 1`, -time.Minute)

	w := startWatcher(t, path)
	touch(t, filepath.Join(dir, "other.hcl"), `port = 2`, time.Minute)
	requireNoEvent(t, w)
}

func TestNewWatcher_Errors(t *testing.T) {
	dir := testutil.TempDir(t, "watcher")

	_, err := NewWatcher([]string{filepath.Join(dir, "missing.hcl")}, nil)
	require.Error(t, err)

	_, err = NewWatcher([]string{dir}, nil)
	testutil.RequireErrorContains(t, err, "not a regular file")

	target := filepath.Join(dir, "target.hcl")
	touch(t, target, ``, 0)
	link := filepath.Join(dir, "link.hcl")
	require.NoError(t, os.Symlink(target, link))
	_, err = NewWatcher([]string{link}, nil)
	testutil.RequireErrorContains(t, err, "symbolic links are not supported")
}

func TestWatcher_StopClosesEvents(t *testing.T) {
	dir := testutil.TempDir(t, "watcher")
	path := filepath.Join(dir, "meshlink.hcl")
	touch(t, path, ``, 0)

	w, err := NewWatcher([]string{path}, nil)
	require.NoError(t, err)
	w.Start(context.Background())
	require.NoError(t, w.Stop())

	_, ok := <-w.EventsCh
	require.False(t, ok)
	require.NoError(t, w.Stop())
}
