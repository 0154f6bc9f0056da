package main

import (
	"log/slog"
	"slices"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none trusts userName/role from the query string",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (any site can open a signaling socket)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.AuthMode == config.AuthModeJWT && len(cfg.JWTSecret) < 32 {
		logger.Warn("startup security warning: JWT_SECRET is shorter than 32 bytes while --mode=prod",
			"warning_code", "jwt_secret_short",
			"jwt_secret_len", len(cfg.JWTSecret),
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxSignalingUpgradesPerMinute == 0 {
		logger.Warn("startup security warning: MAX_SIGNALING_UPGRADES_PER_MINUTE=0 (unlimited) while --mode=prod",
			"warning_code", "upgrade_limit_disabled_in_prod",
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSignalingMessageBytes > 1<<20 {
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (each socket may buffer this much per frame)",
			"warning_code", "signaling_message_bytes_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if len(cfg.TimeLimitedRoles) == 0 {
		logger.Warn("startup warning: TIME_LIMITED_ROLES is empty, no session budget will ever be enforced",
			"warning_code", "no_time_limited_roles",
			"mode", cfg.Mode,
		)
	}
}
