package main

import (
	"log/slog"
	"slices"

	"github.com/adeita/vichat/internal/config"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxConnections <= 0 {
		logger.Warn("startup security warning: MAX_CONNECTIONS is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_connections_unlimited_in_prod",
			"max_connections", cfg.MaxConnections,
			"mode", cfg.Mode,
		)
	}

	if cfg.HeartbeatInterval > 0 && cfg.InactivityTimeout < 2*cfg.HeartbeatInterval {
		logger.Warn("startup warning: INACTIVITY_TIMEOUT is less than two heartbeat intervals (participants may be evicted spuriously)",
			"warning_code", "inactivity_timeout_short",
			"inactivity_timeout", cfg.InactivityTimeout,
			"heartbeat_interval", cfg.HeartbeatInterval,
			"mode", cfg.Mode,
		)
	}

	if cfg.SweepInterval > cfg.InactivityTimeout {
		logger.Warn("startup warning: SWEEP_INTERVAL exceeds INACTIVITY_TIMEOUT (evictions lag behind the timeout)",
			"warning_code", "sweep_interval_exceeds_timeout",
			"sweep_interval", cfg.SweepInterval,
			"inactivity_timeout", cfg.InactivityTimeout,
			"mode", cfg.Mode,
		)
	}

	if len(cfg.ICEServers) == 0 {
		logger.Warn("startup warning: no ICE servers configured (peers behind NAT will fail to connect)",
			"warning_code", "ice_servers_empty",
			"mode", cfg.Mode,
		)
	}
}
