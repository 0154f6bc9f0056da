package main

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"testing"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/config"
)

// warningRecorder keeps the warning_code of every record logged through it.
type warningRecorder struct {
	mu    *sync.Mutex
	codes *[]string
	attrs []slog.Attr
}

func newWarningLogger() (*slog.Logger, func() []string) {
	rec := &warningRecorder{mu: &sync.Mutex{}, codes: &[]string{}}
	return slog.New(rec), func() []string {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return slices.Clone(*rec.codes)
	}
}

func (h *warningRecorder) Enabled(context.Context, slog.Level) bool { return true }

func (h *warningRecorder) Handle(_ context.Context, r slog.Record) error {
	if r.Level != slog.LevelWarn {
		return nil
	}
	code := ""
	for _, a := range h.attrs {
		if a.Key == "warning_code" {
			code = a.Value.String()
		}
	}
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "warning_code" {
			code = a.Value.String()
		}
		return true
	})
	h.mu.Lock()
	*h.codes = append(*h.codes, code)
	h.mu.Unlock()
	return nil
}

func (h *warningRecorder) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &warningRecorder{mu: h.mu, codes: h.codes, attrs: append(slices.Clone(h.attrs), attrs...)}
}

func (h *warningRecorder) WithGroup(string) slog.Handler { return h }

func baseConfig() config.Config {
	return config.Config{
		Mode:                          config.ModeProd,
		AuthMode:                      config.AuthModeJWT,
		JWTSecret:                     "0123456789abcdef0123456789abcdef",
		AllowedOrigins:                []string{"https://app.example.com"},
		MaxSignalingMessageBytes:      config.DefaultMaxSignalingMessageBytes,
		MaxSignalingUpgradesPerMinute: config.DefaultMaxSignalingUpgradesPerMinute,
		TimeLimitedRoles:              []string{"Patient"},
	}
}

func TestStartupWarnings_SecureConfigIsQuiet(t *testing.T) {
	logger, codes := newWarningLogger()
	logStartupSecurityWarnings(logger, baseConfig())
	if got := codes(); len(got) != 0 {
		t.Fatalf("unexpected warnings: %v", got)
	}
}

func TestStartupWarnings(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"auth none", func(c *config.Config) { c.AuthMode = config.AuthModeNone }, "auth_mode_none"},
		{"wildcard origin", func(c *config.Config) { c.AllowedOrigins = []string{"*"} }, "allowed_origins_wildcard"},
		{"short secret", func(c *config.Config) { c.JWTSecret = "short" }, "jwt_secret_short"},
		{"upgrade limit off", func(c *config.Config) { c.MaxSignalingUpgradesPerMinute = 0 }, "upgrade_limit_disabled_in_prod"},
		{"huge frames", func(c *config.Config) { c.MaxSignalingMessageBytes = 8 << 20 }, "signaling_message_bytes_large"},
		{"no limited roles", func(c *config.Config) { c.TimeLimitedRoles = nil }, "no_time_limited_roles"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := baseConfig()
			tc.mutate(&cfg)
			logger, codes := newWarningLogger()
			logStartupSecurityWarnings(logger, cfg)
			if got := codes(); !slices.Equal(got, []string{tc.want}) {
				t.Fatalf("warnings=%v, want [%s]", got, tc.want)
			}
		})
	}
}

func TestStartupWarnings_DevSkipsProdOnlyChecks(t *testing.T) {
	cfg := baseConfig()
	cfg.Mode = config.ModeDev
	cfg.JWTSecret = "short"
	cfg.MaxSignalingUpgradesPerMinute = 0

	logger, codes := newWarningLogger()
	logStartupSecurityWarnings(logger, cfg)
	if got := codes(); len(got) != 0 {
		t.Fatalf("unexpected warnings in dev: %v", got)
	}
}
