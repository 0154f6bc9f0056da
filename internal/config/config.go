package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/origin"
)

const (
	envVarListenAddr      = "AERO_CALL_SIGNALING_LISTEN_ADDR"
	envVarPublicBaseURL   = "AERO_CALL_SIGNALING_PUBLIC_BASE_URL"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarLogFormat       = "AERO_CALL_SIGNALING_LOG_FORMAT"
	envVarLogLevel        = "AERO_CALL_SIGNALING_LOG_LEVEL"
	envVarShutdownTimeout = "AERO_CALL_SIGNALING_SHUTDOWN_TIMEOUT"
	envVarMode            = "AERO_CALL_SIGNALING_MODE"

	// Signaling / WebSocket auth + hardening.
	envVarAuthMode                      = "AUTH_MODE"
	envVarJWTSecret                     = "JWT_SECRET"
	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarMaxSignalingUpgradesPerMinute = "MAX_SIGNALING_UPGRADES_PER_MINUTE"

	// Session timing.
	envVarSessionTickInterval    = "SESSION_TICK_INTERVAL"
	envVarSessionWarnThreshold   = "SESSION_WARN_THRESHOLD"
	envVarSessionDefaultBudget   = "SESSION_DEFAULT_BUDGET"
	envVarTimeLimitedRoles       = "TIME_LIMITED_ROLES"
	envVarNotifyPeerOnDisconnect = "NOTIFY_PEER_ON_DISCONNECT"
	envVarStrictSDP              = "STRICT_SDP"

	DefaultListenAddr               = "127.0.0.1:8181"
	DefaultShutdown                 = 15 * time.Second
	DefaultMode            Mode     = ModeDev
	DefaultAuthMode        AuthMode = AuthModeJWT
	DefaultTimeLimitedRole          = "Patient"

	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultMaxSignalingUpgradesPerMinute = 60

	DefaultSessionTickInterval  = 1 * time.Second
	DefaultSessionWarnThreshold = 10 * time.Second
	// DefaultSessionBudget applies when a client starts a session without
	// saying how long a time-limited participant may stay connected.
	DefaultSessionBudget = 15 * time.Minute
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type AuthMode string

const (
	// AuthModeNone trusts the userName/role query parameters. Dev only.
	AuthModeNone AuthMode = "none"
	AuthModeJWT  AuthMode = "jwt"
)

type Config struct {
	ListenAddr      string
	PublicBaseURL   string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	AuthMode  AuthMode
	JWTSecret string

	SignalingWSIdleTimeout  time.Duration
	SignalingWSPingInterval time.Duration

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	// MaxSignalingUpgradesPerMinute caps /signal upgrades per client address.
	// Zero disables the cap.
	MaxSignalingUpgradesPerMinute int

	// SessionTickInterval is how often matched pairs accumulate connected time.
	SessionTickInterval time.Duration
	// SessionWarnThreshold is the remaining time at or below which
	// time-limited participants get a warning on every tick.
	SessionWarnThreshold time.Duration
	SessionDefaultBudget time.Duration
	// TimeLimitedRoles lists role claims whose connected time is capped.
	TimeLimitedRoles []string

	// NotifyPeerOnDisconnect sends peerDisconnected to the remaining
	// participant when the other side goes away.
	NotifyPeerOnDisconnect bool

	// StrictSDP rejects offers and answers whose SDP does not parse.
	StrictSDP bool

	// ICEServers is handed to browsers via GET /webrtc/ice.
	ICEServers []webrtc.ICEServer

	iceConfigErr error
}

func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

// IsTimeLimitedRole reports whether role is one of TimeLimitedRoles. Matching
// is case-insensitive.
func (c Config) IsTimeLimitedRole(role string) bool {
	role = strings.TrimSpace(role)
	if role == "" {
		return false
	}
	for _, r := range c.TimeLimitedRoles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	env := envReader{lookup: lookup}

	// Mode picks the log defaults, so it is resolved from the environment
	// before the flag set is built and again after --mode is parsed.
	modeStr := env.str(envVarMode, string(DefaultMode))
	logFormatStr, logFormatFromEnv := env.lookupSet(envVarLogFormat)
	logLevelStr, logLevelFromEnv := env.lookupSet(envVarLogLevel)
	if !logFormatFromEnv {
		logFormatStr = string(modeLogFormat(modeStr))
	}
	if !logLevelFromEnv {
		logLevelStr = modeLogLevel(modeStr)
	}

	authModeStr := strings.TrimSpace(env.str(envVarAuthMode, string(DefaultAuthMode)))
	originsStr := env.str(envVarAllowedOrigins, "")
	limitedRoles := env.str(envVarTimeLimitedRoles, DefaultTimeLimitedRole)
	cfg := Config{
		ListenAddr:      env.str(envVarListenAddr, DefaultListenAddr),
		PublicBaseURL:   env.str(envVarPublicBaseURL, ""),
		ShutdownTimeout: env.duration(envVarShutdownTimeout, DefaultShutdown),
		JWTSecret:       env.str(envVarJWTSecret, ""),

		SignalingWSIdleTimeout:        env.duration(envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout),
		SignalingWSPingInterval:       env.duration(envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval),
		MaxSignalingMessageBytes:      env.integer64(envVarMaxSignalingMessageBytes, DefaultMaxSignalingMessageBytes),
		MaxSignalingMessagesPerSecond: env.integer(envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond),
		MaxSignalingUpgradesPerMinute: env.integer(envVarMaxSignalingUpgradesPerMinute, DefaultMaxSignalingUpgradesPerMinute),

		SessionTickInterval:    env.duration(envVarSessionTickInterval, DefaultSessionTickInterval),
		SessionWarnThreshold:   env.duration(envVarSessionWarnThreshold, DefaultSessionWarnThreshold),
		SessionDefaultBudget:   env.duration(envVarSessionDefaultBudget, DefaultSessionBudget),
		NotifyPeerOnDisconnect: env.boolean(envVarNotifyPeerOnDisconnect, false),
		StrictSDP:              env.boolean(envVarStrictSDP, false),
	}

	ice := iceSettings{
		json:           env.str(envICEServersJSON, ""),
		stunURLs:       env.str(envStunURLs, ""),
		turnURLs:       env.str(envTurnURLs, ""),
		turnUsername:   env.str(envTurnUsername, ""),
		turnCredential: env.str(envTurnCredential, ""),
	}
	if err := env.err(); err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("aero-call-signaling", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	fs.StringVar(&cfg.ListenAddr, "listen-addr", cfg.ListenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&cfg.PublicBaseURL, "public-base-url", cfg.PublicBaseURL, "Public base URL (optional; used for logging)")
	fs.StringVar(&originsStr, "allowed-origins", originsStr, "Comma-separated browser origins allowed to open /signal (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeStr, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatStr, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelStr, "Log level: debug, info, warn, error")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")

	fs.StringVar(&ice.json, "ice-servers-json", ice.json, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&ice.stunURLs, "stun-urls", ice.stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&ice.turnURLs, "turn-urls", ice.turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&ice.turnUsername, "turn-username", ice.turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&ice.turnCredential, "turn-credential", ice.turnCredential, "TURN credential ("+envTurnCredential+")")

	fs.StringVar(&authModeStr, "auth-mode", authModeStr, "How /signal identifies callers: none or jwt (env "+envVarAuthMode+")")
	fs.DurationVar(&cfg.SignalingWSIdleTimeout, "signaling-ws-idle-timeout", cfg.SignalingWSIdleTimeout, "Close a signaling socket after this long without inbound frames or pongs (env "+envVarSignalingWSIdleTimeout+")")
	fs.DurationVar(&cfg.SignalingWSPingInterval, "signaling-ws-ping-interval", cfg.SignalingWSPingInterval, "Ping interval for signaling sockets, below the idle timeout (env "+envVarSignalingWSPingInterval+")")
	fs.Int64Var(&cfg.MaxSignalingMessageBytes, "max-signaling-message-bytes", cfg.MaxSignalingMessageBytes, "Largest accepted signaling frame in bytes (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&cfg.MaxSignalingMessagesPerSecond, "max-signaling-messages-per-second", cfg.MaxSignalingMessagesPerSecond, "Inbound frames per second per socket (env "+envVarMaxSignalingMessagesPerSecond+")")
	fs.IntVar(&cfg.MaxSignalingUpgradesPerMinute, "max-signaling-upgrades-per-minute", cfg.MaxSignalingUpgradesPerMinute, "Max /signal upgrades per client address per minute, 0 disables (env "+envVarMaxSignalingUpgradesPerMinute+")")

	fs.DurationVar(&cfg.SessionTickInterval, "session-tick-interval", cfg.SessionTickInterval, "How often matched sessions accumulate connected time (env "+envVarSessionTickInterval+")")
	fs.DurationVar(&cfg.SessionWarnThreshold, "session-warn-threshold", cfg.SessionWarnThreshold, "Warn time-limited participants when this much time remains (env "+envVarSessionWarnThreshold+")")
	fs.DurationVar(&cfg.SessionDefaultBudget, "session-default-budget", cfg.SessionDefaultBudget, "Budget for time-limited participants when sessionStarted carries none (env "+envVarSessionDefaultBudget+")")
	fs.StringVar(&limitedRoles, "time-limited-roles", limitedRoles, "Comma-separated role claims whose session time is capped (env "+envVarTimeLimitedRoles+")")
	fs.BoolVar(&cfg.NotifyPeerOnDisconnect, "notify-peer-on-disconnect", cfg.NotifyPeerOnDisconnect, "Send peerDisconnected to the remaining participant (env "+envVarNotifyPeerOnDisconnect+")")
	fs.BoolVar(&cfg.StrictSDP, "strict-sdp", cfg.StrictSDP, "Reject offers/answers whose SDP does not parse (env "+envVarStrictSDP+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	explicit := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	cfg.Mode = mode
	if !logFormatFromEnv && !explicit["log-format"] {
		logFormatStr = string(modeLogFormat(modeStr))
	}
	if !logLevelFromEnv && !explicit["log-level"] {
		logLevelStr = modeLogLevel(modeStr)
	}

	if cfg.LogFormat, err = parseLogFormat(logFormatStr); err != nil {
		return Config{}, err
	}
	if cfg.LogLevel, err = parseLogLevel(logLevelStr); err != nil {
		return Config{}, err
	}
	if cfg.AuthMode, err = parseAuthMode(authModeStr); err != nil {
		return Config{}, err
	}
	if cfg.AllowedOrigins, err = parseAllowedOrigins(originsStr); err != nil {
		return Config{}, fmt.Errorf("invalid %s/--allowed-origins: %w", envVarAllowedOrigins, err)
	}
	cfg.TimeLimitedRoles = splitCommaSeparated(limitedRoles)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	servers, err := parseICEServersFromValues(ice.json, ice.stunURLs, ice.turnURLs, ice.turnUsername, ice.turnCredential)
	if err != nil {
		// Surfaced through /readyz instead of refusing to start.
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = servers
	}
	return cfg, nil
}

type iceSettings struct {
	json, stunURLs, turnURLs, turnUsername, turnCredential string
}

// validate reports the first setting that is out of range.
func (c Config) validate() error {
	checks := []struct {
		ok   bool
		what string
	}{
		{c.ListenAddr != "", "listen address must not be empty"},
		{c.ShutdownTimeout > 0, "shutdown timeout must be > 0"},
		{c.AuthMode != AuthModeJWT || strings.TrimSpace(c.JWTSecret) != "",
			fmt.Sprintf("%s must be set when %s=%s", envVarJWTSecret, envVarAuthMode, AuthModeJWT)},
		{c.SignalingWSIdleTimeout > 0, envVarSignalingWSIdleTimeout + "/--signaling-ws-idle-timeout must be > 0"},
		{c.SignalingWSPingInterval > 0, envVarSignalingWSPingInterval + "/--signaling-ws-ping-interval must be > 0"},
		{c.SignalingWSPingInterval < c.SignalingWSIdleTimeout,
			envVarSignalingWSPingInterval + "/--signaling-ws-ping-interval must be < " + envVarSignalingWSIdleTimeout + "/--signaling-ws-idle-timeout"},
		{c.MaxSignalingMessageBytes > 0, envVarMaxSignalingMessageBytes + "/--max-signaling-message-bytes must be > 0"},
		{c.MaxSignalingMessagesPerSecond > 0, envVarMaxSignalingMessagesPerSecond + "/--max-signaling-messages-per-second must be > 0"},
		{c.MaxSignalingUpgradesPerMinute >= 0, envVarMaxSignalingUpgradesPerMinute + "/--max-signaling-upgrades-per-minute must be >= 0"},
		{c.SessionTickInterval > 0, envVarSessionTickInterval + "/--session-tick-interval must be > 0"},
		{c.SessionWarnThreshold >= 0, envVarSessionWarnThreshold + "/--session-warn-threshold must be >= 0"},
		{c.SessionDefaultBudget > 0, envVarSessionDefaultBudget + "/--session-default-budget must be > 0"},
	}
	for _, check := range checks {
		if !check.ok {
			return errors.New(check.what)
		}
	}
	return nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	switch cfg.LogFormat {
	case LogFormatText:
		return slog.New(slog.NewTextHandler(os.Stdout, opts)), nil
	case LogFormatJSON:
		return slog.New(slog.NewJSONHandler(os.Stdout, opts)), nil
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}
}

// envReader reads typed settings from the environment, remembering every
// malformed value so they can be reported together.
type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (r *envReader) lookupSet(key string) (string, bool) {
	v, ok := r.lookup(key)
	return v, ok && v != ""
}

func (r *envReader) str(key, fallback string) string {
	if v, ok := r.lookupSet(key); ok {
		return v
	}
	return fallback
}

func (r *envReader) raw(key string) (string, bool) {
	v, ok := r.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (r *envReader) fail(key, raw string, err error) {
	r.errs = append(r.errs, fmt.Errorf("invalid %s %q: %w", key, raw, err))
}

func (r *envReader) duration(key string, fallback time.Duration) time.Duration {
	raw, ok := r.raw(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		r.fail(key, raw, err)
		return fallback
	}
	return d
}

func (r *envReader) integer64(key string, fallback int64) int64 {
	raw, ok := r.raw(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		r.fail(key, raw, err)
		return fallback
	}
	return n
}

func (r *envReader) integer(key string, fallback int) int {
	return int(r.integer64(key, int64(fallback)))
}

func (r *envReader) boolean(key string, fallback bool) bool {
	raw, ok := r.raw(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		r.fail(key, raw, err)
		return fallback
	}
	return b
}

func (r *envReader) err() error {
	return errors.Join(r.errs...)
}

// Prod logs JSON at info; everything else logs text at debug.
func modeLogFormat(mode string) LogFormat {
	if m, err := parseMode(mode); err == nil && m == ModeProd {
		return LogFormatJSON
	}
	return LogFormatText
}

func modeLogLevel(mode string) string {
	if m, err := parseMode(mode); err == nil && m == ModeProd {
		return "info"
	}
	return "debug"
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeNone):
		return AuthModeNone, nil
	case string(AuthModeJWT):
		return AuthModeJWT, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s or %s)", envVarAuthMode, raw, AuthModeNone, AuthModeJWT)
	}
}

func parseAllowedOrigins(raw string) ([]string, error) {
	var out []string
	for _, entry := range splitCommaSeparated(raw) {
		if entry == "*" {
			out = append(out, entry)
			continue
		}
		normalized, _, ok := origin.NormalizeHeader(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalized)
	}
	return out, nil
}
