package config

import (
	"reflect"
	"sort"
	"strings"

	logx "notifyrelay/pkg/logx"
)

// restartSections cannot be applied to a running process.
var restartSections = map[string]bool{
	"server":      true,
	"keepalive":   true,
	"coordinator": true,
	"control":     true,
	"storage":     true,
}

// SummarizeConfigChange returns (1) the sorted list of changed sections,
// (2) safe structured attrs for logging (never tokens or passwords), and
// (3) the subset of changed sections that only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Server, newCfg.Server) {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.String("server.addr", strings.TrimSpace(newCfg.Server.Addr)),
			logx.String("server.path", strings.TrimSpace(newCfg.Server.Path)),
			logx.Int("server.allowed_origins", len(newCfg.Server.AllowedOrigins)),
		)
	}

	if oldCfg.KeepAlive != newCfg.KeepAlive {
		changed = append(changed, "keepalive")
		attrs = append(attrs,
			logx.String("keepalive.ping_interval", newCfg.KeepAlive.PingInterval),
			logx.String("keepalive.ping_timeout", newCfg.KeepAlive.PingTimeout),
		)
	}

	if oldCfg.Relay != newCfg.Relay {
		changed = append(changed, "relay")
		attrs = append(attrs,
			logx.String("relay.node_id", newCfg.Relay.NodeID),
			logx.Int("relay.rate_per_sec", newCfg.Relay.RatePerSec),
			logx.Int("relay.burst", newCfg.Relay.Burst),
			logx.String("relay.send_timeout", newCfg.Relay.SendTimeout),
		)
	}

	// Coordinator (never log password)
	if oldCfg.Coordinator != newCfg.Coordinator {
		changed = append(changed, "coordinator")
		attrs = append(attrs,
			logx.String("coordinator.driver", newCfg.Coordinator.DriverName()),
			logx.String("coordinator.addr", newCfg.Coordinator.Addr),
			logx.String("coordinator.url", newCfg.Coordinator.URL),
			logx.Bool("coordinator.password_set", newCfg.Coordinator.Password != ""),
			logx.String("coordinator.key_ttl", newCfg.Coordinator.KeyTTL),
		)
	}

	// Control (never log token)
	if oldCfg.Control.Enabled != newCfg.Control.Enabled || oldCfg.Control.Token != newCfg.Control.Token {
		changed = append(changed, "control")
		attrs = append(attrs,
			logx.Bool("control.enabled", newCfg.Control.Enabled),
			logx.Bool("control.token_set", strings.TrimSpace(newCfg.Control.Token) != ""),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	// Storage: nil means disabled.
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.String("storage.retention", strings.TrimSpace(nS.Retention)),
		)
	}

	if oldCfg.Housekeeping != newCfg.Housekeeping {
		changed = append(changed, "housekeeping")
		attrs = append(attrs,
			logx.Bool("housekeeping.enabled", newCfg.Housekeeping.Enabled),
			logx.String("housekeeping.stats_schedule", newCfg.Housekeeping.StatsSchedule),
			logx.String("housekeeping.refresh_schedule", newCfg.Housekeeping.RefreshSchedule),
			logx.String("housekeeping.prune_schedule", newCfg.Housekeeping.PruneSchedule),
		)
	}

	// Pprof (never log token)
	oP, nP := oldCfg.Pprof, newCfg.Pprof
	oTok, nTok := strings.TrimSpace(oP.Token) != "", strings.TrimSpace(nP.Token) != ""
	oP.Token, nP.Token = "", ""
	if oP != nP || oTok != nTok {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", nP.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(nP.Addr)),
			logx.Bool("pprof.token_set", nTok),
			logx.Bool("pprof.allow_insecure", nP.AllowInsecure),
		)
	}

	sort.Strings(changed)
	var restart []string
	for _, s := range changed {
		if restartSections[s] {
			restart = append(restart, s)
		}
	}
	if oldCfg.Relay.NodeID != newCfg.Relay.NodeID {
		restart = append(restart, "relay.node_id")
	}
	return changed, attrs, restart
}
