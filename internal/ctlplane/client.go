// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ctlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"grimm.is/interceptor/internal/errors"
	"grimm.is/interceptor/internal/health"
)

// Client talks to a Server over its unix socket.
type Client struct {
	socket string
	http   *http.Client
	dialer *websocket.Dialer
}

// NewClient returns a client for the server listening on socketPath. No
// connection is made until the first call.
func NewClient(socketPath string) *Client {
	dial := func(ctx context.Context, _, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", socketPath)
	}
	return &Client{
		socket: socketPath,
		http: &http.Client{
			Transport: &http.Transport{DialContext: dial},
			Timeout:   30 * time.Second,
		},
		dialer: &websocket.Dialer{
			NetDialContext:   dial,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// do sends a request and decodes a JSON reply into out. Statuses listed in
// accept are decoded like 200.
func (c *Client) do(ctx context.Context, method, path string, body, out any, accept ...int) (int, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, errors.Wrap(err, errors.KindInternal, "encode request")
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, "http://unix"+path, rd)
	if err != nil {
		return 0, errors.Wrap(err, errors.KindInternal, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, errors.Wrapf(err, errors.KindUnavailable, "failed to reach control plane at %s", c.socket)
	}
	defer resp.Body.Close()

	ok := resp.StatusCode == http.StatusOK
	for _, code := range accept {
		ok = ok || resp.StatusCode == code
	}
	if !ok {
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = resp.Status
		}
		return resp.StatusCode, errors.Errorf(errors.KindUnavailable, "%s %s: %s", method, path, e.Error)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, errors.Wrap(err, errors.KindInternal, "decode reply")
		}
	}
	return resp.StatusCode, nil
}

// Events reads up to max queued events (all when max is zero).
func (c *Client) Events(ctx context.Context, max int) (ReadResult, error) {
	var res ReadResult
	path := "/v1/events"
	if max > 0 {
		path = fmt.Sprintf("%s?max=%d", path, max)
	}
	_, err := c.do(ctx, http.MethodGet, path, nil, &res)
	return res, err
}

// Stream calls fn for every batch pushed by the server until ctx is done,
// fn returns an error, or the server closes the stream.
func (c *Client) Stream(ctx context.Context, fn func(ReadResult) error) error {
	conn, _, err := c.dialer.DialContext(ctx, "ws://unix/v1/events/stream", nil)
	if err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "open event stream on %s", c.socket)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		var batch ReadResult
		if err := conn.ReadJSON(&batch); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return errors.Wrap(err, errors.KindUnavailable, "event stream")
		}
		if err := fn(batch); err != nil {
			return err
		}
	}
}

// SendVerdicts applies a batch of verdicts.
func (c *Client) SendVerdicts(ctx context.Context, updates []VerdictUpdate) ([]VerdictResult, error) {
	var res []VerdictResult
	_, err := c.do(ctx, http.MethodPost, "/v1/verdicts", updates, &res)
	return res, err
}

// Control issues a raw control request.
func (c *Client) Control(ctx context.Context, code ControlCode) ([]byte, Status, error) {
	var reply ControlReply
	httpStatus, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/control/%d", uint32(code)), nil, &reply, http.StatusNotImplemented)
	if err != nil {
		return nil, 0, err
	}
	if httpStatus == http.StatusNotImplemented {
		return reply.Data, StatusNotImplemented, nil
	}
	return reply.Data, StatusSuccess, nil
}

// Version queries the protocol version.
func (c *Client) Version(ctx context.Context) ([4]byte, error) {
	var v [4]byte
	data, _, err := c.Control(ctx, ControlVersion)
	if err != nil {
		return v, err
	}
	if len(data) != len(v) {
		return v, errors.Errorf(errors.KindInternal, "version reply has %d bytes", len(data))
	}
	copy(v[:], data)
	return v, nil
}

// Shutdown asks the engine to tear down.
func (c *Client) Shutdown(ctx context.Context) error {
	_, _, err := c.Control(ctx, ControlShutdown)
	return err
}

// Status returns the server status.
func (c *Client) Status(ctx context.Context) (*StatusReply, error) {
	var reply StatusReply
	if _, err := c.do(ctx, http.MethodGet, "/v1/status", nil, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Health runs the server's health checks. An unhealthy report is returned
// without error.
func (c *Client) Health(ctx context.Context) (*health.Report, error) {
	var report health.Report
	if _, err := c.do(ctx, http.MethodGet, "/v1/health", nil, &report, http.StatusServiceUnavailable); err != nil {
		return nil, err
	}
	return &report, nil
}
