package config

// Config is the full coordinator configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Defaults are applied where the section is consumed, so an empty file is a
// runnable configuration.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Capture  CaptureConfig  `json:"capture"`
	TimeSync TimeSyncConfig `json:"timesync"`
	Ledger   LedgerConfig   `json:"ledger"`
	Catalog  *CatalogConfig `json:"catalog,omitempty"`
	HTTP     HTTPConfig     `json:"http"`
	Logging  LoggingConfig  `json:"logging"`
	Pprof    PprofConfig    `json:"pprof,omitempty"`
}

// ServerConfig controls the device-facing WebSocket listener.
type ServerConfig struct {
	Addr string `json:"addr,omitempty"` // default ":8765"

	// PingInterval/PongTimeout drive the server-initiated keepalive.
	// A device that misses pongs for PongTimeout is disconnected.
	PingInterval string `json:"ping_interval,omitempty"` // default "5s"
	PongTimeout  string `json:"pong_timeout,omitempty"`  // default "10s"

	// HelloTimeout bounds how long a fresh connection may take to announce
	// its identity before it proceeds under a placeholder name.
	HelloTimeout string `json:"hello_timeout,omitempty"` // default "2s"

	// WriteTimeout bounds every single frame write so one dead peer cannot
	// stall broadcast fan-out.
	WriteTimeout string `json:"write_timeout,omitempty"` // default "5s"

	// MaxImageBytes caps a single binary frame. 0 keeps the default (8 MiB).
	MaxImageBytes int64 `json:"max_image_bytes,omitempty"`
}

// CaptureConfig controls capture session defaults.
type CaptureConfig struct {
	// SyncDelay is how far in the future the capture instant is scheduled.
	SyncDelay string `json:"sync_delay,omitempty"` // default "2s"
	// WaitTimeout bounds the barrier wait for device images, counted from
	// the scheduled capture instant rather than from the trigger. A partial
	// session therefore resolves at most sync_delay+wait_timeout after the
	// trigger.
	WaitTimeout string `json:"wait_timeout,omitempty"` // default "5s"
	// PollInterval is the barrier poll cadence (early completion).
	PollInterval string `json:"poll_interval,omitempty"` // default "100ms"
	// OutputDir is the root under which session folders are created.
	OutputDir string `json:"output_dir,omitempty"` // default "./output"
}

// TimeSyncConfig controls the periodic time announcement.
//
// Schedules accept either a cron expression ("*/5 * * * * *", "@every 5s")
// or a plain Go duration ("5s").
type TimeSyncConfig struct {
	Schedule string `json:"schedule,omitempty"` // default "@every 5s"
	// StatusSchedule, when set, periodically asks every device for a status
	// report. Empty disables status probing.
	StatusSchedule string `json:"status_schedule,omitempty"`
	// SendTimeout bounds each per-device send during fan-out.
	SendTimeout string `json:"send_timeout,omitempty"` // default "2s"
}

// LedgerConfig controls the per-session CSV ledger.
type LedgerConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"` // default "<output_dir>/sessions.csv"

	// AppendPartial controls whether timed-out (partial) sessions are also
	// recorded. Pointer so "omitted" defaults to true.
	AppendPartial *bool `json:"append_partial,omitempty"`
}

// CatalogConfig controls the optional persistent device catalog.
//
// Example:
//
//	"catalog": { "driver": "sqlite", "path": "./camsync_catalog.db" }
type CatalogConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// HTTPConfig controls the collaborator-facing HTTP API (GUI/CLI boundary).
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:8088"

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Stream  LoggingStream `json:"stream"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingStream mirrors log lines onto the eventbus for front-end log panels.
type LoggingStream struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
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

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
