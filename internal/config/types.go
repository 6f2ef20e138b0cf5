package config

type Config struct {
	Server       ServerConfig       `json:"server"`
	KeepAlive    KeepAliveConfig    `json:"keepalive"`
	Relay        RelayConfig        `json:"relay"`
	Coordinator  CoordinatorConfig  `json:"coordinator"`
	Control      ControlConfig      `json:"control"`
	Logging      LoggingConfig      `json:"logging"`
	Storage      *StorageConfig     `json:"storage,omitempty"`
	Housekeeping HousekeepingConfig `json:"housekeeping"`
	Pprof        PprofConfig        `json:"pprof,omitempty"`
}

// ServerConfig controls the websocket listener. Changes require a restart.
type ServerConfig struct {
	Addr           string   `json:"addr"`           // default ":8766"
	Path           string   `json:"path,omitempty"` // default "/ws"; "/" always accepts upgrades
	ReadLimit      int64    `json:"read_limit,omitempty"`
	WriteWait      string   `json:"write_wait,omitempty"`
	SendQueue      int      `json:"send_queue,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
}

// KeepAliveConfig holds the ping schedule. ping_timeout must be shorter
// than ping_interval.
type KeepAliveConfig struct {
	PingInterval string `json:"ping_interval,omitempty"` // default "60s"
	PingTimeout  string `json:"ping_timeout,omitempty"`  // default "30s"
}

// RelayConfig controls per-node behavior. Rate limits are hot-reloadable.
//
// RatePerSec=0 disables inbound frame limiting.
type RelayConfig struct {
	NodeID      string `json:"node_id,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	Burst       int    `json:"burst,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
}

// CoordinatorConfig selects the shared store used to reach recipients on
// other nodes.
//
// Example:
//
//	"coordinator": { "driver": "redis", "addr": "127.0.0.1:6379" }
type CoordinatorConfig struct {
	Driver   string `json:"driver,omitempty"` // none|memory|redis|nats
	Addr     string `json:"addr,omitempty"`   // redis
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	URL      string `json:"url,omitempty"`    // nats
	Bucket   string `json:"bucket,omitempty"` // nats kv bucket
	Subject  string `json:"subject,omitempty"`

	StoreTimeout string `json:"store_timeout,omitempty"`
	KeyTTL       string `json:"key_ttl,omitempty"`
	Shards       int    `json:"shards,omitempty"`
	QueueDepth   int    `json:"queue_depth,omitempty"`
	// RemoteSendTimeout bounds a forward of another node's message to a
	// local connection. Default "250ms".
	RemoteSendTimeout string `json:"remote_send_timeout,omitempty"`
}

// ControlConfig enables the POST /deliver endpoint.
type ControlConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"` // bearer token (do not log)
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty"`
	ChatID     int64  `json:"chat_id,omitempty"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig controls the optional audit log of relay events.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./relay_audit.db", "retention": "168h" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	Retention   string `json:"retention,omitempty"`
}

// HousekeepingConfig schedules periodic jobs. Schedules use standard cron
// syntax or descriptors such as "@every 1m". An empty schedule disables the job.
type HousekeepingConfig struct {
	Enabled         bool   `json:"enabled"`
	Timezone        string `json:"timezone,omitempty"`
	StatsSchedule   string `json:"stats_schedule,omitempty"`
	RefreshSchedule string `json:"refresh_schedule,omitempty"`
	PruneSchedule   string `json:"prune_schedule,omitempty"`
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}
