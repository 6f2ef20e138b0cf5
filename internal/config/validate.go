package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "notifyrelay/pkg/logx"
)

const (
	DefaultAddr         = ":8766"
	DefaultPingInterval = 60 * time.Second
	DefaultPingTimeout  = 30 * time.Second
)

// Coordinator drivers.
const (
	DriverNone   = "none"
	DriverMemory = "memory"
	DriverRedis  = "redis"
	DriverNATS   = "nats"
)

// Storage drivers.
const (
	StorageFile   = "file"
	StorageSQLite = "sqlite"
)

// Resolve returns the effective ping interval and timeout.
func (k KeepAliveConfig) Resolve() (interval, timeout time.Duration, err error) {
	interval, err = ParseDurationOrDefault("keepalive.ping_interval", k.PingInterval, DefaultPingInterval)
	if err != nil {
		return 0, 0, err
	}
	timeout, err = ParseDurationOrDefault("keepalive.ping_timeout", k.PingTimeout, DefaultPingTimeout)
	if err != nil {
		return 0, 0, err
	}
	if timeout >= interval {
		return 0, 0, fmt.Errorf("keepalive.ping_timeout (%s) must be less than keepalive.ping_interval (%s)", timeout, interval)
	}
	return interval, timeout, nil
}

// DriverName normalizes the coordinator driver; empty means none.
func (c CoordinatorConfig) DriverName() string {
	d := strings.ToLower(strings.TrimSpace(c.Driver))
	if d == "" {
		return DriverNone
	}
	return d
}

// StorageEnabled reports whether the audit log is configured.
func (c *Config) StorageEnabled() bool {
	if c == nil || c.Storage == nil {
		return false
	}
	d := strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	return d != "" && d != DriverNone
}

// cronParser accepts the same syntax as the housekeeping scheduler.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks cross-field constraints that the strict decoder cannot.
// All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if _, _, err := cfg.KeepAlive.Resolve(); err != nil {
		add(err)
	}
	_, err := ParseDurationField("server.write_wait", cfg.Server.WriteWait)
	add(err)
	if cfg.Server.ReadLimit < 0 {
		add(errors.New("server.read_limit must be >= 0"))
	}
	if cfg.Server.SendQueue < 0 {
		add(errors.New("server.send_queue must be >= 0"))
	}
	if p := strings.TrimSpace(cfg.Server.Path); p != "" && !strings.HasPrefix(p, "/") {
		add(fmt.Errorf("server.path %q must start with /", p))
	}

	if cfg.Relay.RatePerSec < 0 || cfg.Relay.Burst < 0 {
		add(errors.New("relay.rate_per_sec and relay.burst must be >= 0"))
	}
	_, err = ParseDurationField("relay.send_timeout", cfg.Relay.SendTimeout)
	add(err)

	switch cfg.Coordinator.DriverName() {
	case DriverNone, DriverMemory, DriverRedis, DriverNATS:
	default:
		add(fmt.Errorf("coordinator.driver: unknown driver %q", cfg.Coordinator.Driver))
	}
	_, err = ParseDurationField("coordinator.store_timeout", cfg.Coordinator.StoreTimeout)
	add(err)
	_, err = ParseDurationField("coordinator.key_ttl", cfg.Coordinator.KeyTTL)
	add(err)
	_, err = ParseDurationField("coordinator.remote_send_timeout", cfg.Coordinator.RemoteSendTimeout)
	add(err)
	if cfg.Coordinator.DB < 0 {
		add(errors.New("coordinator.db must be >= 0"))
	}

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		add(fmt.Errorf("logging.level: unknown level %q", lvl))
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add(errors.New("logging.file.path is required when file logging is enabled"))
	}
	if t := cfg.Logging.Telegram; t.Enabled && (strings.TrimSpace(t.Token) == "" || t.ChatID == 0) {
		add(errors.New("logging.telegram requires token and chat_id when enabled"))
	}

	if cfg.StorageEnabled() {
		s := cfg.Storage
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case StorageFile, StorageSQLite:
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		if strings.TrimSpace(s.Path) == "" {
			add(errors.New("storage.path is required"))
		}
		_, err = ParseDurationField("storage.busy_timeout", s.BusyTimeout)
		add(err)
		_, err = ParseDurationField("storage.retention", s.Retention)
		add(err)
	}

	if hk := cfg.Housekeeping; hk.Enabled {
		if tz := strings.TrimSpace(hk.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				add(fmt.Errorf("housekeeping.timezone: %w", err))
			}
		}
		for name, spec := range map[string]string{
			"housekeeping.stats_schedule":   hk.StatsSchedule,
			"housekeeping.refresh_schedule": hk.RefreshSchedule,
			"housekeeping.prune_schedule":   hk.PruneSchedule,
		} {
			if strings.TrimSpace(spec) == "" {
				continue
			}
			if _, err := cronParser.Parse(spec); err != nil {
				add(fmt.Errorf("%s: invalid schedule %q: %w", name, spec, err))
			}
		}
	}

	if cfg.Pprof.Enabled {
		for _, f := range []struct{ path, raw string }{
			{"pprof.read_timeout", cfg.Pprof.ReadTimeout},
			{"pprof.write_timeout", cfg.Pprof.WriteTimeout},
			{"pprof.idle_timeout", cfg.Pprof.IdleTimeout},
		} {
			_, err := ParseDurationField(f.path, f.raw)
			add(err)
		}
	}

	return errors.Join(errs...)
}
