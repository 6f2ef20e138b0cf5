package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"notifyrelay/internal/config"
	"notifyrelay/internal/coordinator"
	"notifyrelay/internal/housekeeping"
	"notifyrelay/internal/relay"
	"notifyrelay/internal/server"
	"notifyrelay/internal/storage"
	"notifyrelay/internal/transport/ws"
	logx "notifyrelay/pkg/logx"
)

// Durations below were checked by config.Validate before a config reaches
// the app, so the mapping helpers only fail on programmer error.

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			Token:      cfg.Logging.Telegram.Token,
			ChatID:     cfg.Logging.Telegram.ChatID,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapLimits(cfg *config.Config) relay.Limits {
	return relay.Limits{PerSec: float64(cfg.Relay.RatePerSec), Burst: cfg.Relay.Burst}
}

func mapServer(cfg *config.Config) (server.Config, error) {
	interval, timeout, err := cfg.KeepAlive.Resolve()
	if err != nil {
		return server.Config{}, err
	}
	writeWait, err := config.ParseDurationField("server.write_wait", cfg.Server.WriteWait)
	if err != nil {
		return server.Config{}, err
	}
	addr := strings.TrimSpace(cfg.Server.Addr)
	if addr == "" {
		addr = config.DefaultAddr
	}
	return server.Config{
		Addr:           addr,
		Path:           cfg.Server.Path,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		ControlEnabled: cfg.Control.Enabled,
		ControlToken:   cfg.Control.Token,
		Transport: ws.Options{
			PingInterval: interval,
			PingTimeout:  timeout,
			WriteWait:    writeWait,
			ReadLimit:    cfg.Server.ReadLimit,
			SendQueue:    cfg.Server.SendQueue,
		},
	}, nil
}

// nodeID returns the configured id or hostname plus a random suffix, so two
// processes on one host never share an id.
func nodeID(cfg *config.Config) string {
	if id := strings.TrimSpace(cfg.Relay.NodeID); id != "" {
		return id
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "relay"
	}
	return host + "-" + uuid.NewString()[:8]
}

// openBackend builds the coordinator backend. It returns (nil, nil) when
// the relay runs standalone.
func openBackend(cfg *config.Config, node string) (coordinator.Backend, error) {
	c := cfg.Coordinator
	ttl, err := config.ParseDurationField("coordinator.key_ttl", c.KeyTTL)
	if err != nil {
		return nil, err
	}
	switch c.DriverName() {
	case config.DriverNone:
		return nil, nil
	case config.DriverMemory:
		return coordinator.NewHub().Backend(), nil
	case config.DriverRedis:
		addr := strings.TrimSpace(c.Addr)
		if addr == "" {
			addr = "127.0.0.1:6379"
		}
		return coordinator.NewRedis(coordinator.RedisOptions{
			Addr:     addr,
			Password: c.Password,
			DB:       c.DB,
			Channel:  c.Subject,
		}), nil
	case config.DriverNATS:
		return coordinator.NewNATS(coordinator.NATSOptions{
			URL:     c.URL,
			Bucket:  c.Bucket,
			Subject: c.Subject,
			KeyTTL:  ttl,
			Name:    "notifyrelay-" + node,
		})
	default:
		return nil, fmt.Errorf("unknown coordinator.driver: %s", c.Driver)
	}
}

func mapCoordinator(cfg *config.Config, node string) (coordinator.Options, error) {
	c := cfg.Coordinator
	storeTimeout, err := config.ParseDurationField("coordinator.store_timeout", c.StoreTimeout)
	if err != nil {
		return coordinator.Options{}, err
	}
	ttl, err := config.ParseDurationField("coordinator.key_ttl", c.KeyTTL)
	if err != nil {
		return coordinator.Options{}, err
	}
	sendTimeout, err := config.ParseDurationField("coordinator.remote_send_timeout", c.RemoteSendTimeout)
	if err != nil {
		return coordinator.Options{}, err
	}
	return coordinator.Options{
		NodeID:       node,
		StoreTimeout: storeTimeout,
		KeyTTL:       ttl,
		SendTimeout:  sendTimeout,
		Shards:       c.Shards,
		QueueDepth:   c.QueueDepth,
	}, nil
}

func mapStorage(cfg *config.Config) (storage.Config, time.Duration, bool, error) {
	if !cfg.StorageEnabled() {
		return storage.Config{}, 0, false, nil
	}
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, 0, false, err
	}
	retention, err := config.ParseDurationField("storage.retention", sc.Retention)
	if err != nil {
		return storage.Config{}, 0, false, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
	}, retention, true, nil
}

func mapHousekeeping(cfg *config.Config) housekeeping.Config {
	hk := cfg.Housekeeping
	return housekeeping.Config{
		Enabled:  hk.Enabled,
		Timezone: hk.Timezone,
		Schedules: map[string]string{
			housekeeping.JobStats:   hk.StatsSchedule,
			housekeeping.JobRefresh: hk.RefreshSchedule,
			housekeeping.JobPrune:   hk.PruneSchedule,
		},
	}
}
