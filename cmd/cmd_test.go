// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/interceptor/internal/ctlplane"
)

func execute(ctx context.Context, args ...string) (string, error) {
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func TestRunDaemon_SimRoundTrip(t *testing.T) {
	dir, err := os.MkdirTemp("", "icmd")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	sock := filepath.Join(dir, "control.sock")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- RunDaemon(ctx, RunOptions{Sim: true, Socket: sock}) }()

	require.Eventually(t, func() bool {
		out, err := execute(ctx, "--socket", sock, "version")
		return err == nil && out == "0.1.0.0\n"
	}, 10*time.Second, 20*time.Millisecond)

	_, err = execute(ctx, "--socket", sock, "verdict", "tcp", "nope", "1.1.1.1:1", "accept")
	assert.Error(t, err, "malformed endpoints are rejected locally")

	_, err = execute(ctx, "--socket", sock, "verdict", "tcp", "10.0.0.5:1", "1.1.1.1:1", "accept")
	require.Error(t, err)
	assert.Contains(t, err.Error(), ctlplane.ResultNotFound)

	out, err := execute(ctx, "--socket", sock, "status")
	require.NoError(t, err)
	assert.Contains(t, out, `"instance"`)
	assert.Contains(t, out, `"version": "0.1.0.0"`)

	out, err = execute(ctx, "--socket", sock, "health")
	require.NoError(t, err)
	assert.Contains(t, out, "engine")
	assert.Contains(t, out, "healthy")

	out, err = execute(ctx, "--socket", sock, "events", "--max", "1")
	require.NoError(t, err)
	assert.NotContains(t, out, "new_flow")

	out, err = execute(ctx, "--socket", sock, "shutdown")
	require.NoError(t, err)
	assert.Equal(t, "shutdown requested\n", out)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not exit after shutdown")
	}
	_, err = os.Stat(sock)
	assert.True(t, os.IsNotExist(err), "socket removed on exit")
}

func TestRunDaemon_BadConfig(t *testing.T) {
	dir, err := os.MkdirTemp("", "icmd")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	path := filepath.Join(dir, "bad.hcl")
	require.NoError(t, os.WriteFile(path, []byte(`engine { max_entries = -1 }`), 0o644))

	err = RunDaemon(context.Background(), RunOptions{Sim: true, ConfigPath: path, Socket: filepath.Join(dir, "s.sock")})
	assert.Error(t, err)
}

func TestClientCommands_NoDaemon(t *testing.T) {
	sock := filepath.Join(os.TempDir(), "interceptor-missing.sock")
	_, err := execute(context.Background(), "--socket", sock, "version")
	assert.Error(t, err)
}

func TestFormatEvent(t *testing.T) {
	pid := uint64(4242)
	got := formatEvent(ctlplane.Event{
		Type:      ctlplane.EventNewFlow,
		ID:        7,
		ProcessID: &pid,
		Direction: "outbound",
		Protocol:  "tcp",
		Local:     "10.0.0.5:51000",
		Remote:    "93.184.216.34:443",
	})
	assert.Equal(t, "new_flow #7 tcp 10.0.0.5:51000 -> 93.184.216.34:443 outbound pid=4242", got)

	got = formatEvent(ctlplane.Event{Type: ctlplane.EventFlowEnd, ID: 7, Protocol: "udp", Local: "a", Remote: "b"})
	assert.Equal(t, "flow_end #7 udp a -> b", got)
}
