// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ctlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/interceptor/internal/engine"
	"grimm.is/interceptor/internal/errors"
	"grimm.is/interceptor/internal/health"
	"grimm.is/interceptor/internal/logging"
)

const (
	defaultStreamInterval = 250 * time.Millisecond
	streamBatch           = 256
	writeWait             = 5 * time.Second
	maxVerdictBody        = 1 << 20
)

// ServerOptions configures a Server.
type ServerOptions struct {
	// Gatherer serves /metrics when set.
	Gatherer       prometheus.Gatherer
	StreamInterval time.Duration
	Logger         *logging.Logger
	// Health holds extra checks served on /v1/health next to the engine
	// check.
	Health *health.Checker
}

// StatusReply is served on /v1/status.
type StatusReply struct {
	Instance      string       `json:"instance"`
	Version       string       `json:"version"`
	Started       time.Time    `json:"started"`
	Uptime        string       `json:"uptime"`
	PendingEvents int          `json:"pending_events"`
	DroppedEvents uint64       `json:"dropped_events"`
	Engine        engine.Stats `json:"engine"`
}

// Server exposes a Device over HTTP on a unix socket.
type Server struct {
	dev      *Device
	router   *mux.Router
	log      *logging.Logger
	instance uuid.UUID
	started  time.Time
	interval time.Duration
	upgrader websocket.Upgrader
	health   *health.Checker

	httpSrv  *http.Server
	listener net.Listener
}

// NewServer builds the router for dev.
func NewServer(dev *Device, opts ServerOptions) *Server {
	if opts.StreamInterval <= 0 {
		opts.StreamInterval = defaultStreamInterval
	}
	if opts.Logger == nil {
		opts.Logger = logging.WithComponent("ctlplane")
	}
	if opts.Health == nil {
		opts.Health = health.NewChecker()
	}
	opts.Health.Register("engine", EngineCheck(dev))

	s := &Server{
		dev:      dev,
		router:   mux.NewRouter(),
		log:      opts.Logger,
		instance: uuid.New(),
		started:  time.Now(),
		interval: opts.StreamInterval,
		health:   opts.Health,
	}

	// Routes hang off the root router so a method mismatch answers 405.
	s.router.HandleFunc("/v1/events", s.handleEvents).Methods("GET")
	s.router.HandleFunc("/v1/events/stream", s.handleStream).Methods("GET")
	s.router.HandleFunc("/v1/verdicts", s.handleVerdicts).Methods("POST")
	s.router.HandleFunc("/v1/control/{code}", s.handleControl).Methods("POST")
	s.router.HandleFunc("/v1/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/v1/health", s.handleHealth).Methods("GET")

	if opts.Gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Instance identifies this server for the life of the process.
func (s *Server) Instance() uuid.UUID {
	return s.instance
}

// Start listens on socketPath, replacing a stale socket, and serves in the
// background.
func (s *Server) Start(socketPath string) error {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return errors.Wrapf(err, errors.KindInternal, "create socket directory for %s", socketPath)
	}
	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "listen on %s", socketPath)
	}
	if err := os.Chmod(socketPath, 0o660); err != nil {
		listener.Close()
		return errors.Wrapf(err, errors.KindInternal, "set socket permissions on %s", socketPath)
	}
	return s.StartWithListener(listener)
}

// StartWithListener serves on an existing listener in the background.
func (s *Server) StartWithListener(listener net.Listener) error {
	s.listener = listener
	s.httpSrv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Info("control plane listening", "addr", listener.Addr().String(), "instance", s.instance.String())
	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("control plane server failed", logging.Err(err))
		}
	}()
	return nil
}

// Stop shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func maxParam(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("max"))
	if err != nil || n <= 0 {
		return 0
	}
	return n
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.dev.Read(maxParam(r)))
}

// handleStream pushes batches over a websocket until the peer goes away or
// the device shuts down.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", logging.Err(err))
		return
	}
	defer conn.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case <-s.dev.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
				time.Now().Add(writeWait))
			return
		case <-ticker.C:
			batch := s.dev.Read(streamBatch)
			if batch.Empty() {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(batch); err != nil {
				s.log.Debug("stream write failed", logging.Err(err))
				return
			}
		}
	}
}

func (s *Server) handleVerdicts(w http.ResponseWriter, r *http.Request) {
	var updates []VerdictUpdate
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxVerdictBody)).Decode(&updates); err != nil {
		writeError(w, http.StatusBadRequest, "invalid verdict batch: "+err.Error())
		return
	}

	results, err := s.dev.Write(updates)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.ParseUint(mux.Vars(r)["code"], 0, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid control code")
		return
	}

	data, status := s.dev.Control(ControlCode(n))
	code := http.StatusOK
	if status == StatusNotImplemented {
		code = http.StatusNotImplemented
	}
	writeJSON(w, code, ControlReply{Status: status.String(), Data: data})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusReply{
		Instance:      s.instance.String(),
		Version:       VersionString(Version),
		Started:       s.started,
		Uptime:        time.Since(s.started).Round(time.Second).String(),
		PendingEvents: s.dev.Pending(),
		DroppedEvents: s.dev.Dropped(),
		Engine:        s.dev.Stats(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.health.Run(r.Context())
	code := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

// EngineCheck reports the bound engine: unhealthy when unbound or shut
// down, degraded when injection is unavailable.
func EngineCheck(dev *Device) health.CheckFunc {
	return func(ctx context.Context) health.Check {
		if dev.bound() == nil {
			return health.Unhealthy("no engine bound")
		}
		st := dev.Stats()
		switch {
		case st.Closed:
			return health.Unhealthy("engine shut down")
		case st.Degraded:
			return health.Degraded("injection unavailable, redirects are blocked")
		}
		return health.Healthy(fmt.Sprintf("%d connections, %d pending", st.Connections, st.PendingPromises))
	}
}
