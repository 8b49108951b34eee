// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/interceptor/internal/diag"
	"grimm.is/interceptor/internal/errors"
)

func TestNew_JSONComponent(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelDebug, Output: &buf, JSON: true}).WithComponent("cache")

	l.Info("entry evicted", "entries", 3)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "entry evicted", rec["msg"])
	assert.Equal(t, "cache", rec["component"])
	assert.EqualValues(t, 3, rec["entries"])
}

func TestNew_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelError, Output: &buf})

	l.Info("hidden")
	assert.Empty(t, buf.String())

	l.Error("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestErr(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelDebug, Output: &buf, JSON: true})

	err := errors.Attr(errors.New(errors.KindInjection, "network_send injection"), "path", "network_send")
	l.Warn("inject", Err(err))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	group, ok := rec["error"].(map[string]any)
	require.True(t, ok, "structured errors log as a group")
	assert.Equal(t, "injection", group["kind"])
	assert.Equal(t, "network_send", group["path"])

	buf.Reset()
	rec = nil
	l.Warn("plain", Err(stderrors.New("boom")))
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "boom", rec["error"])

	buf.Reset()
	rec = nil
	l.Warn("none", Err(nil))
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.NotContains(t, rec, "error")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("trace"))
	assert.Equal(t, LevelWarn, ParseLevel("WARNING"))
	assert.Equal(t, LevelError, ParseLevel("critical"))
	assert.Equal(t, LevelInfo, ParseLevel("bogus"))
}

func TestEchoLines(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelDebug, Output: &buf})

	EchoLines(l, []*diag.Line{
		{Seq: 0, Severity: diag.SeverityError, Prefix: "cache.go:10 ", Message: "queue full"},
		{Seq: 1, Severity: diag.SeverityWarning, Prefix: "inject.go:20 ", Message: "degraded"},
	})
	out := buf.String()
	assert.Contains(t, out, "queue full")
	assert.Contains(t, out, "level=ERROR")
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "source=")
}

func TestDefault(t *testing.T) {
	orig := Default()
	defer SetDefault(orig)

	var buf bytes.Buffer
	SetDefault(New(Config{Level: LevelInfo, Output: &buf}))
	Info("hello", "k", "v")
	assert.Contains(t, buf.String(), "hello")

	SetDefault(nil)
	assert.NotNil(t, Default())
}
