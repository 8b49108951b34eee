// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ctlplane

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/interceptor/internal/flow"
	"grimm.is/interceptor/internal/health"
	"grimm.is/interceptor/internal/metrics"
)

func startServer(t *testing.T, s *stack, opts ServerOptions) (*Server, *Client) {
	t.Helper()

	dir, err := os.MkdirTemp("", "ictl")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	sock := filepath.Join(dir, "control.sock")

	srv := NewServer(s.dev, opts)
	require.NoError(t, srv.Start(sock))
	t.Cleanup(func() { srv.Stop(context.Background()) })

	c := NewClient(sock)
	t.Cleanup(func() { c.Close() })
	return srv, c
}

func TestClient_RoundTrip(t *testing.T) {
	s := newStack(t, 8)
	srv, c := startServer(t, s, ServerOptions{})
	ctx := context.Background()

	v, err := c.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, Version, v)

	_, status, err := c.Control(ctx, ControlCode(99))
	require.NoError(t, err)
	assert.Equal(t, StatusNotImplemented, status)

	s.send(t, local, remote)
	res, err := c.Events(ctx, 10)
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	k, err := res.Events[0].Key()
	require.NoError(t, err)

	results, err := c.SendVerdicts(ctx, []VerdictUpdate{NewVerdictUpdate(k, flow.Action{Verdict: flow.VerdictAccept})})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, ResultOK, results[0].Status)

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, srv.Instance().String(), st.Instance)
	_, err = uuid.Parse(st.Instance)
	assert.NoError(t, err)
	assert.Equal(t, "0.1.0.0", st.Version)
	assert.Equal(t, 1, st.Engine.Connections)

	report, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, health.StatusHealthy, report.Status)
	require.Len(t, report.Checks, 1)
	assert.Equal(t, "engine", report.Checks[0].Name)

	require.NoError(t, c.Shutdown(ctx))
	<-s.dev.Done()
	assert.True(t, s.eng.Closed())

	report, err = c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, health.StatusUnhealthy, report.Status)
}

func TestClient_Stream(t *testing.T) {
	s := newStack(t, 8)
	_, c := startServer(t, s, ServerOptions{StreamInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan Event, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.Stream(ctx, func(batch ReadResult) error {
			if len(batch.Events) == 0 {
				return nil
			}
			got <- batch.Events[0]
			return io.EOF
		})
	}()

	// Events wait in the device queue until the stream polls them.
	s.send(t, local, remote)
	select {
	case ev := <-got:
		assert.Equal(t, EventNewFlow, ev.Type)
		assert.ErrorIs(t, <-done, io.EOF)
	case <-ctx.Done():
		t.Fatal("no event streamed")
	}
}

func TestServer_BadRequests(t *testing.T) {
	s := newStack(t, 8)
	h := NewServer(s.dev, ServerOptions{}).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/verdicts", strings.NewReader("{")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/control/abc", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/verdicts", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/status", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code, "metrics are only served with a gatherer")
}

func TestServer_Metrics(t *testing.T) {
	s := newStack(t, 8)
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewMetrics(s.log))
	h := NewServer(s.dev, ServerOptions{Gatherer: reg}).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "interceptor_")
}
