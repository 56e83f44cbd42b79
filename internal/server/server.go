// Package server exposes the supervisor to local UI clients: a WebSocket
// event stream and a small JSON control API.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"statdeck/internal/config"
	"statdeck/internal/events"
	"statdeck/internal/faults"
	"statdeck/internal/serial"
	"statdeck/internal/supervisor"
)

// Controller is the supervisor control surface the API drives
type Controller interface {
	Status(ctx context.Context) (supervisor.Status, error)
	Ports(ctx context.Context) ([]serial.PortInfo, error)
	Connect(ctx context.Context, port string) error
	Disconnect(ctx context.Context) error
	RestartKeyboard(ctx context.Context) error
	ResetTypingSession(ctx context.Context) error
	Suspend(ctx context.Context) error
	Resume(ctx context.Context) error
	ApplyDisplaySettings(ctx context.Context, settings config.DisplaySettings) error
	SetSampleInterval(ctx context.Context, interval time.Duration) error
}

// KeystrokeRecorder counts keystrokes forwarded by UI clients while the
// native listener is in fallback mode
type KeystrokeRecorder interface {
	FallbackMode() bool
	RecordKeystrokes(n int)
}

// Server is the local control server
type Server struct {
	cfg    config.ServerConfig
	ctl    Controller
	keys   KeystrokeRecorder
	hub    *WebSocketHub
	logger *zap.Logger

	mu         sync.Mutex
	httpServer *http.Server
	addr       string
}

// New creates a server. keys may be nil, in which case keystroke messages
// from clients are ignored.
func New(cfg config.ServerConfig, ctl Controller, router *events.Router, keys KeystrokeRecorder, logger *zap.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		ctl:    ctl,
		keys:   keys,
		logger: logger.Named("server"),
	}
	s.hub = NewWebSocketHub(router, s.handleClientMessage, s.logger.Sugar())
	return s
}

// Hub returns the WebSocket hub
func (s *Server) Hub() *WebSocketHub {
	return s.hub
}

// Addr returns the bound address once Run is listening
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) handleClientMessage(msg ClientMessage) {
	switch msg.Type {
	case "keystrokes":
		if s.keys == nil || msg.Count <= 0 {
			return
		}
		// Counting forwarded keys alongside a working listener would count
		// every key twice
		if !s.keys.FallbackMode() {
			return
		}
		s.keys.RecordKeystrokes(msg.Count)
	default:
		s.logger.Debug("Ignoring client message", zap.String("type", msg.Type))
	}
}

// Handler returns the HTTP handler with all routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.hub.HandleWebSocket)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/ports", s.handlePorts)
	mux.HandleFunc("/api/connect", s.handleConnect)
	mux.HandleFunc("/api/disconnect", s.command(s.ctl.Disconnect))
	mux.HandleFunc("/api/keyboard/restart", s.command(s.ctl.RestartKeyboard))
	mux.HandleFunc("/api/keyboard/reset", s.command(s.ctl.ResetTypingSession))
	mux.HandleFunc("/api/power/suspend", s.command(s.ctl.Suspend))
	mux.HandleFunc("/api/power/resume", s.command(s.ctl.Resume))
	mux.HandleFunc("/api/display", s.handleDisplay)
	mux.HandleFunc("/api/sysmon/interval", s.handleSampleInterval)

	return s.loggingHandler(withCommandTimeout(mux))
}

// withCommandTimeout bounds API calls waiting on the supervisor loop
func withCommandTimeout(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), config.CommandTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Run serves until ctx is done and then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err)
	}

	s.mu.Lock()
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	s.addr = ln.Addr().String()
	srv := s.httpServer
	s.mu.Unlock()

	s.logger.Info("Starting control server", zap.String("address", s.addr))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.hub.Stop()
		if !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	case <-ctx.Done():
	}

	return s.Stop()
}

// Stop closes WebSocket clients and shuts the HTTP server down
func (s *Server) Stop() error {
	s.hub.Stop()

	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.ShutdownHandlerTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to stop control server: %w", err)
	}
	s.logger.Info("Control server stopped")
	return nil
}

// loggingHandler logs each API request with its status and duration
func (s *Server) loggingHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		if r.URL.Path == "/ws" {
			return
		}
		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status_code", wrapped.statusCode),
			zap.Duration("duration", time.Since(start)),
		}
		if wrapped.statusCode >= 400 {
			s.logger.Warn("Request completed with error", fields...)
		} else {
			s.logger.Debug("Request completed", fields...)
		}
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode    int
	headerWritten bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.headerWritten {
		rw.statusCode = code
		rw.headerWritten = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

// Hijack lets the WebSocket upgrade take over the connection
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps err onto an HTTP status
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	default:
		switch faults.Classify(err) {
		case faults.ClassInvalid:
			status = http.StatusBadRequest
		case faults.ClassProgramming:
			status = http.StatusServiceUnavailable
		case faults.ClassPermission:
			status = http.StatusForbidden
		case faults.ClassTransient:
			status = http.StatusBadGateway
		}
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", faults.ErrInvalidArgument, err)
	}
	return nil
}

// command adapts a no-argument control call to a POST endpoint
func (s *Server) command(call func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !allow(w, r, http.MethodPost) {
			return
		}
		if err := call(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

// handleStatus returns the supervisor status
// GET /api/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	st, err := s.ctl.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handlePorts lists serial ports
// GET /api/ports
func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	ports, err := s.ctl.Ports(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if ports == nil {
		ports = []serial.PortInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ports": ports,
		"total": len(ports),
	})
}

type connectRequest struct {
	Port string `json:"port"`
}

// handleConnect connects the device
// POST /api/connect {"port": "/dev/ttyACM0"}
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req connectRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.Port = strings.TrimSpace(req.Port)
	if req.Port == "" {
		writeError(w, fmt.Errorf("%w: port is required", faults.ErrInvalidArgument))
		return
	}
	if err := s.ctl.Connect(r.Context(), req.Port); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "port": req.Port})
}

// handleDisplay applies display settings
// POST /api/display
func (s *Server) handleDisplay(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var settings config.DisplaySettings
	if err := decodeBody(r, &settings); err != nil {
		writeError(w, err)
		return
	}
	if err := s.ctl.ApplyDisplaySettings(r.Context(), settings); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

type intervalRequest struct {
	IntervalMS int64 `json:"interval_ms"`
}

// handleSampleInterval changes the host sampling interval
// POST /api/sysmon/interval {"interval_ms": 1000}
func (s *Server) handleSampleInterval(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req intervalRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	interval := time.Duration(req.IntervalMS) * time.Millisecond
	if err := s.ctl.SetSampleInterval(r.Context(), interval); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "interval_ms": req.IntervalMS})
}
