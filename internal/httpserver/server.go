// Package httpserver is the relay's HTTP front: health and readiness probes,
// build info, the ICE server list for browsers, and whatever routes the
// caller mounts (signaling, metrics) behind one instrumented handler.
package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/config"
)

const requestIDHeader = "X-Request-ID"

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

type healthBody struct {
	OK bool `json:"ok"`
}

type readyBody struct {
	Ready bool   `json:"ready"`
	Error string `json:"error,omitempty"`
}

type iceBody struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
}

type errorBody struct {
	Error string `json:"error"`
}

type namedCheck struct {
	name string
	fn   func() error
}

type Server struct {
	log   *slog.Logger
	cfg   config.Config
	build BuildInfo

	serving atomic.Bool

	checksMu sync.Mutex
	checks   []namedCheck

	mux *http.ServeMux
	srv *http.Server
}

func New(cfg config.Config, logger *slog.Logger, build BuildInfo) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		log:   logger,
		cfg:   cfg,
		build: build,
		mux:   http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /readyz", s.handleReady)
	s.mux.HandleFunc("GET /version", s.handleVersion)
	ice := s.withOriginPolicy(s.handleICE)
	s.mux.HandleFunc("GET /webrtc/ice", ice)
	s.mux.HandleFunc("OPTIONS /webrtc/ice", ice)

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.instrument(s.mux),
		ReadHeaderTimeout: 5 * time.Second,
		// /signal sockets are long-lived and set their own deadlines.
	}
	return s
}

// Mux is for mounting routes during startup, before Serve.
func (s *Server) Mux() *http.ServeMux { return s.mux }

// Handler is the full instrumented handler, as served by Serve.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// AddReadinessCheck makes /readyz fail while fn returns an error.
func (s *Server) AddReadinessCheck(name string, fn func() error) {
	s.checksMu.Lock()
	s.checks = append(s.checks, namedCheck{name: name, fn: fn})
	s.checksMu.Unlock()
}

func (s *Server) Serve(l net.Listener) error {
	s.serving.Store(true)
	s.log.Info("http server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

// Shutdown stops accepting requests. Hijacked signaling sockets are not
// tracked by net/http; the caller closes those separately.
func (s *Server) Shutdown(ctx context.Context) error {
	s.serving.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) Close() error {
	s.serving.Store(false)
	return s.srv.Close()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, healthBody{OK: true})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.serving.Load() {
		WriteJSON(w, http.StatusServiceUnavailable, readyBody{Error: "not serving"})
		return
	}
	if err := s.notReady(); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, readyBody{Error: err.Error()})
		return
	}
	WriteJSON(w, http.StatusOK, readyBody{Ready: true})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, s.build)
}

func (s *Server) handleICE(w http.ResponseWriter, _ *http.Request) {
	if err := s.cfg.ICEConfigError(); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
		return
	}
	body := iceBody{ICEServers: s.cfg.ICEServers}
	if body.ICEServers == nil {
		body.ICEServers = []webrtc.ICEServer{}
	}
	w.Header().Set("Cache-Control", "no-store")
	WriteJSON(w, http.StatusOK, body)
}

// notReady joins the ICE configuration error with every failing check.
func (s *Server) notReady() error {
	s.checksMu.Lock()
	checks := append([]namedCheck(nil), s.checks...)
	s.checksMu.Unlock()

	errs := []error{s.cfg.ICEConfigError()}
	for _, c := range checks {
		if err := c.fn(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	return errors.Join(errs...)
}

// instrument wraps every route: it assigns a request ID, turns handler
// panics into 500s, and logs one line per request once it completes.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(requestIDHeader)
		if !validRequestID(reqID) {
			reqID = uuid.NewString()
		}
		r.Header.Set(requestIDHeader, reqID)
		w.Header().Set(requestIDHeader, reqID)

		rec := &recorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		defer func() {
			if p := recover(); p != nil {
				if p == http.ErrAbortHandler {
					panic(p)
				}
				s.log.Error("panic in http handler", "recover", p, "path", r.URL.Path, "request_id", reqID, "stack", string(debug.Stack()))
				if !rec.wrote {
					http.Error(rec, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}
			s.logRequest(r, rec, reqID, time.Since(start))
		}()

		next.ServeHTTP(rec, r)
	})
}

func (s *Server) logRequest(r *http.Request, rec *recorder, reqID string, took time.Duration) {
	level := slog.LevelInfo
	switch r.URL.Path {
	case "/healthz", "/readyz", "/metrics":
		level = slog.LevelDebug
	}
	s.log.Log(r.Context(), level, "http_request",
		"method", r.Method,
		"path", r.URL.Path,
		"status", rec.status,
		"upgraded", rec.hijacked,
		"duration_ms", took.Milliseconds(),
		"remote_addr", r.RemoteAddr,
		"request_id", reqID,
	)
}

// validRequestID accepts caller-supplied IDs of printable ASCII up to 128
// bytes.
func validRequestID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for _, c := range []byte(id) {
		if c <= ' ' || c > '~' {
			return false
		}
	}
	return true
}

// recorder captures the response status for the request log. Hijack is
// passed through so WebSocket upgrades work behind instrument.
type recorder struct {
	http.ResponseWriter
	status   int
	wrote    bool
	hijacked bool
}

func (w *recorder) WriteHeader(status int) {
	w.status, w.wrote = status, true
	w.ResponseWriter.WriteHeader(status)
}

func (w *recorder) Write(b []byte) (int, error) {
	w.wrote = true
	return w.ResponseWriter.Write(b)
}

func (w *recorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("httpserver: response does not support hijacking")
	}
	conn, rw, err := h.Hijack()
	if err == nil {
		w.status, w.wrote, w.hijacked = http.StatusSwitchingProtocols, true, true
	}
	return conn, rw, err
}

func (w *recorder) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// WriteJSON writes v as the response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
