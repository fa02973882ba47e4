package config

// Config is the on-disk configuration shared by speedserver and the
// speedtest client. Unknown keys are rejected.
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Server  ServerConfig  `json:"server"`
	Client  ClientConfig  `json:"client"`
	History HistoryConfig `json:"history"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ServerConfig controls the transfer endpoint server.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - addr: ":3000"
//   - read_header_timeout: "10s"
//   - idle_timeout: "60s"
//   - shutdown_timeout: "5s"
//   - cors_origins: ["*"]
//   - access_log_per_sec: 20
//   - max_download_bytes / max_upload_bytes: 0 (unlimited)
//   - rate_limit.per_sec: 0 (disabled)
type ServerConfig struct {
	Addr      string `json:"addr,omitempty"`
	StaticDir string `json:"static_dir,omitempty"`
	Metrics   bool   `json:"metrics,omitempty"`

	MaxDownloadBytes int64 `json:"max_download_bytes,omitempty"`
	MaxUploadBytes   int64 `json:"max_upload_bytes,omitempty"`

	CORSOrigins     []string        `json:"cors_origins,omitempty"`
	AccessLogPerSec int             `json:"access_log_per_sec,omitempty"`
	RateLimit       RateLimitConfig `json:"rate_limit,omitempty"`

	// No write timeout: a large download legitimately streams for a while.
	ReadHeaderTimeout string `json:"read_header_timeout,omitempty"`
	IdleTimeout       string `json:"idle_timeout,omitempty"`
	ShutdownTimeout   string `json:"shutdown_timeout,omitempty"`

	// Defaults is advertised by GET /api/config. It is advisory and never
	// enforced server-side.
	Defaults AdvisoryConfig `json:"defaults,omitempty"`
}

// RateLimitConfig admits at most per_sec API requests per client IP with
// the given burst. Zero disables limiting.
type RateLimitConfig struct {
	PerSec float64 `json:"per_sec,omitempty"`
	Burst  int     `json:"burst,omitempty"`
}

type AdvisoryConfig struct {
	DownloadSize     int64  `json:"download_size,omitempty"`
	UploadSize       int64  `json:"upload_size,omitempty"`
	DownloadDuration string `json:"download_duration,omitempty"`
	UploadDuration   string `json:"upload_duration,omitempty"`
	PingCount        int    `json:"ping_count,omitempty"`
}

// ClientConfig controls the measurement client.
//
// Example:
//
//	"client": { "server": "http://10.0.0.2:3000", "download_duration": "5s" }
type ClientConfig struct {
	Server string `json:"server,omitempty"`

	DownloadChunk    int64  `json:"download_chunk,omitempty"`
	UploadChunk      int    `json:"upload_chunk,omitempty"`
	DownloadDuration string `json:"download_duration,omitempty"`
	UploadDuration   string `json:"upload_duration,omitempty"`
	PingCount        int    `json:"ping_count,omitempty"`
	PingInterval     string `json:"ping_interval,omitempty"`
	ReportInterval   string `json:"report_interval,omitempty"`

	// UseServerDefaults adopts the server's /api/config before each run.
	UseServerDefaults bool `json:"use_server_defaults,omitempty"`

	DialTimeout       string `json:"dial_timeout,omitempty"`
	DisableHTTP2      bool   `json:"disable_http2,omitempty"`
	DisableKeepAlives bool   `json:"disable_keep_alives,omitempty"`
	UserAgent         string `json:"user_agent,omitempty"`

	// Schedule is the default spec for `speedtest schedule`
	// (cron expression, "@every 30m", or a bare duration).
	Schedule string `json:"schedule,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// HistoryConfig controls where completed client results are saved.
//
//	"history": { "driver": "sqlite", "path": "./pewspeed.db", "cap": 10 }
type HistoryConfig struct {
	Driver      string `json:"driver,omitempty"` // file (default), sqlite, none
	Path        string `json:"path,omitempty"`
	Cap         int    `json:"cap,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}
