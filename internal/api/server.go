// Package api serves the HTTP/JSON control interface of a relay engine.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/mojo333/udp-repeater/internal/capture"
	"github.com/mojo333/udp-repeater/internal/logger"
	"github.com/mojo333/udp-repeater/internal/relay"
)

// Prefix is prepended to every route.
const Prefix = "/udp-repeater/v1"

// Engine is the part of *relay.Engine the API drives.
type Engine interface {
	Configure(relay.Config) error
	Config() relay.Config
	Start() error
	StartCaptureOnly() error
	Stop()
	StartGenerating(payloadLen, rate, totalPackets int) error
	StopGenerating()
	CapturePacket()
	DrainCapturedPacket() (string, bool)
	StartFileCapture(path string, overwrite bool) error
	StopFileCapture() error
	ResetSequenceCounter()
	Status() relay.Status
}

// ServerOptions configures the HTTP server. Zero timeouts get conservative
// defaults suitable for a local control plane.
type ServerOptions struct {
	Addr              string
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	Logger            *logger.Logger
}

// Server hosts the control API.
type Server struct {
	engine Engine
	log    *logger.Logger
	router *mux.Router
	http   *http.Server
	ln     net.Listener
}

// NewServer builds the router. Nothing listens until Start.
func NewServer(engine Engine, opts ServerOptions) *Server {
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 5 * time.Second
	}
	if opts.ReadHeaderTimeout == 0 {
		opts.ReadHeaderTimeout = 2 * time.Second
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = 60 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}

	s := &Server{
		engine: engine,
		log:    opts.Logger,
		router: mux.NewRouter(),
	}
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.router,
		ReadTimeout:       opts.ReadTimeout,
		ReadHeaderTimeout: opts.ReadHeaderTimeout,
		WriteTimeout:      opts.WriteTimeout,
		IdleTimeout:       opts.IdleTimeout,
	}

	r := s.router.PathPrefix(Prefix).Subrouter()
	r.Use(s.middleware)
	r.HandleFunc("/configure", s.handleGetConfig).Methods(http.MethodGet)
	r.HandleFunc("/configure", s.handleConfigure).Methods(http.MethodPost)
	r.HandleFunc("/start", s.handleStart).Methods(http.MethodPost)
	r.HandleFunc("/capture-only", s.handleCaptureOnly).Methods(http.MethodPost)
	r.HandleFunc("/stop", s.handleStop).Methods(http.MethodPost)
	r.HandleFunc("/generate", s.handleGenerate).Methods(http.MethodPost)
	r.HandleFunc("/stop-generating", s.handleStopGenerating).Methods(http.MethodPost)
	r.HandleFunc("/capture", s.handleCapture).Methods(http.MethodPost)
	r.HandleFunc("/captured", s.handleCaptured).Methods(http.MethodGet)
	r.HandleFunc("/file-capture", s.handleStartFileCapture).Methods(http.MethodPost)
	r.HandleFunc("/file-capture", s.handleStopFileCapture).Methods(http.MethodDelete)
	r.HandleFunc("/sequence/reset", s.handleResetSequence).Methods(http.MethodPost)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)

	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("api listener: %w", err)
	}
	s.ln = ln
	s.log.Info("Serving control API on %s%s", ln.Addr(), Prefix)
	go func() {
		if err := s.http.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Control API stopped: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, fromConfig(s.engine.Config()))
}

// handleConfigure overlays the body on the current configuration, so a
// client only sends the fields it changes.
// Errors: 400 invalid JSON or config, 409 while a run is active.
func (s *Server) handleConfigure(w http.ResponseWriter, r *http.Request) {
	view := fromConfig(s.engine.Config())
	if !decode(w, r, &view) {
		return
	}
	if err := s.engine.Configure(view.toConfig()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fromConfig(s.engine.Config()))
}

// Errors: 400 invalid config, 502 socket open failure.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Start(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleCaptureOnly(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.StartCaptureOnly(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Status())
}

// handleStop ends the run and any file capture.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.engine.Stop()
	if err := s.engine.StopFileCapture(); err != nil {
		s.log.Warning("Stopping file capture: %v", err)
	}
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	cfg := s.engine.Config()
	req := GenerateRequest{
		PayloadLength: cfg.PayloadLength,
		Rate:          cfg.Rate,
		TotalPackets:  cfg.TotalPackets,
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.engine.StartGenerating(req.PayloadLength, req.Rate, req.TotalPackets); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Status())
}

// handleStopGenerating ends a generate run and its file capture. A relay
// run is left alone.
func (s *Server) handleStopGenerating(w http.ResponseWriter, r *http.Request) {
	st := s.engine.Status()
	s.engine.StopGenerating()
	if st.State != relay.StateIdle && st.Mode == relay.ModeGenerate {
		if err := s.engine.StopFileCapture(); err != nil {
			s.log.Warning("Stopping file capture: %v", err)
		}
	}
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	s.engine.CapturePacket()
	writeJSON(w, http.StatusAccepted, s.engine.Status())
}

// handleCaptured drains the captured packet; 204 when there is none.
func (s *Server) handleCaptured(w http.ResponseWriter, r *http.Request) {
	packet, ok := s.engine.DrainCapturedPacket()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, CapturedResponse{Packet: packet, Length: len(packet) / 2})
}

// Errors: 400 missing path, 409 file exists without overwrite.
func (s *Server) handleStartFileCapture(w http.ResponseWriter, r *http.Request) {
	var req FileCaptureRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Path == "" {
		writeJSON(w, http.StatusBadRequest, newAPIError("path is required"))
		return
	}
	if err := s.engine.StartFileCapture(req.Path, req.Overwrite); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleStopFileCapture(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.StopFileCapture(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleResetSequence(w http.ResponseWriter, r *http.Request) {
	s.engine.ResetSequenceCounter()
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// middleware sets the JSON content type and logs each request.
func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		next.ServeHTTP(w, r)
		s.log.Debug("%s %s %dms", r.Method, r.URL.Path, time.Since(start).Milliseconds())
	})
}

// decode reads a JSON body into v, rejecting unknown fields. An empty body
// leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil {
		return true
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, newAPIError("invalid JSON: "+err.Error()))
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, err error) {
	var cfgErr *relay.ConfigError
	var openErr *relay.OpenError
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &cfgErr):
		status = http.StatusBadRequest
	case errors.Is(err, relay.ErrNotIdle), errors.Is(err, capture.ErrExists), errors.Is(err, capture.ErrActive):
		status = http.StatusConflict
	case errors.As(err, &openErr):
		status = http.StatusBadGateway
	}
	writeJSON(w, status, newAPIError(err.Error()))
}

func newAPIError(msg string) APIError {
	return APIError{Error: msg, Timestamp: time.Now().UTC().Format(time.RFC3339)}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}
