package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/config"
)

func testConfig() config.Config {
	return config.Config{
		ListenAddr:      "127.0.0.1:0",
		LogFormat:       config.LogFormatText,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: 2 * time.Second,
		Mode:            config.ModeDev,
		AuthMode:        config.AuthModeNone,
	}
}

// serve runs srv on a loopback listener until the test ends.
func serve(t *testing.T, cfg config.Config, mount func(*Server)) (*Server, string) {
	t.Helper()

	srv := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), BuildInfo{Commit: "abc", BuildTime: "time"})
	if mount != nil {
		mount(srv)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-done
	})
	return srv, "http://" + ln.Addr().String()
}

type response struct {
	status int
	header http.Header
	body   string
}

func get(t *testing.T, method, url string, header map[string]string) response {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return response{status: resp.StatusCode, header: resp.Header, body: string(body)}
}

func TestProbeEndpoints(t *testing.T) {
	_, base := serve(t, testConfig(), nil)

	cases := []struct {
		path   string
		status int
		body   string
	}{
		{"/healthz", http.StatusOK, `{"ok":true}`},
		{"/readyz", http.StatusOK, `{"ready":true}`},
		{"/version", http.StatusOK, `{"commit":"abc","buildTime":"time"}`},
		{"/webrtc/ice", http.StatusOK, `{"iceServers":[]}`},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			resp := get(t, http.MethodGet, base+tc.path, nil)
			if resp.status != tc.status || strings.TrimSpace(resp.body) != tc.body {
				t.Fatalf("status=%d body=%s, want %d %s", resp.status, resp.body, tc.status, tc.body)
			}
			if ct := resp.header.Get("Content-Type"); ct != "application/json" {
				t.Fatalf("Content-Type=%q", ct)
			}
		})
	}

	if resp := get(t, http.MethodPost, base+"/healthz", nil); resp.status != http.StatusMethodNotAllowed {
		t.Fatalf("POST /healthz status=%d, want 405", resp.status)
	}
}

func TestReadyzBeforeServe(t *testing.T) {
	srv := New(testConfig(), nil, BuildInfo{})
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want 503", rr.Code)
	}
}

func TestRequestIDPropagation(t *testing.T) {
	srv := New(testConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)), BuildInfo{})

	for _, tc := range []struct {
		name     string
		incoming string
		keep     bool
	}{
		{"kept", "req-123", true},
		{"replaced when blank", "", false},
		{"replaced when too long", strings.Repeat("a", 200), false},
		{"replaced when it has spaces", "req 123", false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			if tc.incoming != "" {
				req.Header.Set(requestIDHeader, tc.incoming)
			}
			rr := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rr, req)

			got := rr.Header().Get(requestIDHeader)
			if tc.keep && got != tc.incoming {
				t.Fatalf("X-Request-ID=%q, want %q", got, tc.incoming)
			}
			if !tc.keep && (got == "" || got == tc.incoming) {
				t.Fatalf("X-Request-ID=%q, want a fresh id", got)
			}
		})
	}
}

func TestPanicBecomes500(t *testing.T) {
	srv := New(testConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)), BuildInfo{})
	srv.Mux().HandleFunc("GET /boom", func(http.ResponseWriter, *http.Request) { panic("boom") })

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/boom", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want 500", rr.Code)
	}
}

func TestICEEndpoint(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"https://call.example.com"}
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478?transport=udp"}, Username: "user", Credential: "pass"},
	}
	_, base := serve(t, cfg, nil)

	resp := get(t, http.MethodGet, base+"/webrtc/ice", map[string]string{"Origin": "https://call.example.com"})
	if resp.status != http.StatusOK {
		t.Fatalf("status=%d", resp.status)
	}
	if got := resp.header.Get("Cache-Control"); got != "no-store" {
		t.Fatalf("Cache-Control=%q, want no-store", got)
	}
	if got := resp.header.Get("Access-Control-Allow-Origin"); got != "https://call.example.com" {
		t.Fatalf("Access-Control-Allow-Origin=%q", got)
	}
	var body iceBody
	if err := json.Unmarshal([]byte(resp.body), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.ICEServers) != 2 || body.ICEServers[1].Username != "user" {
		t.Fatalf("iceServers=%+v", body.ICEServers)
	}

	if resp := get(t, http.MethodGet, base+"/webrtc/ice", map[string]string{"Origin": "https://evil.example.com"}); resp.status != http.StatusForbidden {
		t.Fatalf("cross-origin status=%d, want 403", resp.status)
	}
	preflight := get(t, http.MethodOptions, base+"/webrtc/ice", map[string]string{
		"Origin":                        "https://call.example.com",
		"Access-Control-Request-Method": "GET",
	})
	if preflight.status != http.StatusNoContent || preflight.header.Get("Access-Control-Allow-Methods") != "GET,OPTIONS" {
		t.Fatalf("preflight status=%d headers=%v", preflight.status, preflight.header)
	}
}

func TestReadyzFailsOnInvalidICEConfig(t *testing.T) {
	t.Setenv("AERO_ICE_SERVERS_JSON", "[")
	t.Setenv("AUTH_MODE", "none")

	cfg, err := config.Load([]string{"--listen-addr", "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	if cfg.ICEConfigError() == nil {
		t.Fatalf("expected ICE config error to be captured for readiness")
	}
	_, base := serve(t, cfg, nil)

	if resp := get(t, http.MethodGet, base+"/readyz", nil); resp.status != http.StatusServiceUnavailable {
		t.Fatalf("readyz status=%d, want 503", resp.status)
	}
	if resp := get(t, http.MethodGet, base+"/webrtc/ice", nil); resp.status != http.StatusServiceUnavailable {
		t.Fatalf("ice status=%d, want 503", resp.status)
	}
}

func TestReadyzRunsChecks(t *testing.T) {
	_, base := serve(t, testConfig(), func(s *Server) {
		s.AddReadinessCheck("signaling", func() error { return errors.New("draining") })
		s.AddReadinessCheck("other", func() error { return nil })
	})

	resp := get(t, http.MethodGet, base+"/readyz", nil)
	var body readyBody
	_ = json.Unmarshal([]byte(resp.body), &body)
	if resp.status != http.StatusServiceUnavailable || body.Ready || body.Error != "signaling: draining" {
		t.Fatalf("status=%d body=%+v", resp.status, body)
	}
}

func TestWebSocketUpgradeThroughInstrument(t *testing.T) {
	var upgrader websocket.Upgrader
	_, base := serve(t, testConfig(), func(s *Server) {
		s.Mux().HandleFunc("GET /echo", func(w http.ResponseWriter, r *http.Request) {
			c, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			defer c.Close()
			if mt, msg, err := c.ReadMessage(); err == nil {
				_ = c.WriteMessage(mt, msg)
			}
		})
	})

	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(base, "http")+"/echo", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	if err := c.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, msg, err := c.ReadMessage(); err != nil || string(msg) != "ping" {
		t.Fatalf("echo=%q err=%v", msg, err)
	}
}
