package transfer

import (
	"pewspeed/pkg/speedtest"
)

const (
	// DefaultDownloadSize is served when size is absent, malformed or negative.
	DefaultDownloadSize int64 = 10 * speedtest.MiB
	// StreamChunk bounds how much random data is held in memory per download.
	StreamChunk = 1 * speedtest.MiB

	DefaultAccessLogPerSec = 20
)

// Settings are the hot-reloadable knobs of the endpoint set.
type Settings struct {
	// Defaults is returned verbatim by GET /api/config.
	Defaults speedtest.ServerDefaults

	// MaxDownloadBytes clamps the requested size; 0 means unlimited.
	MaxDownloadBytes int64
	// MaxUploadBytes turns larger bodies into an upload failure; 0 means unlimited.
	MaxUploadBytes int64

	// CORSOrigins lists allowed origins; empty or "*" allows any.
	CORSOrigins []string

	// RatePerSec and RateBurst bound API requests per client IP; 0 disables.
	RatePerSec float64
	RateBurst  int

	// AccessLogPerSec caps access-log lines per second.
	AccessLogPerSec int
}

// DefaultSettings mirrors the stock client profile.
func DefaultSettings() Settings {
	return Settings{
		Defaults: speedtest.ServerDefaults{
			DownloadSize:     DefaultDownloadSize,
			UploadSize:       speedtest.DefaultUploadChunk,
			DownloadDuration: speedtest.DefaultDownloadDuration.Milliseconds(),
			UploadDuration:   speedtest.DefaultUploadDuration.Milliseconds(),
			PingCount:        speedtest.DefaultPingCount,
		},
		CORSOrigins:     []string{"*"},
		AccessLogPerSec: DefaultAccessLogPerSec,
	}
}

func (s Settings) withDefaults() Settings {
	def := DefaultSettings()
	if s.Defaults.DownloadSize <= 0 {
		s.Defaults.DownloadSize = def.Defaults.DownloadSize
	}
	if s.Defaults.UploadSize <= 0 {
		s.Defaults.UploadSize = def.Defaults.UploadSize
	}
	if s.Defaults.DownloadDuration <= 0 {
		s.Defaults.DownloadDuration = def.Defaults.DownloadDuration
	}
	if s.Defaults.UploadDuration <= 0 {
		s.Defaults.UploadDuration = def.Defaults.UploadDuration
	}
	if s.Defaults.PingCount <= 0 {
		s.Defaults.PingCount = def.Defaults.PingCount
	}
	if len(s.CORSOrigins) == 0 {
		s.CORSOrigins = def.CORSOrigins
	}
	if s.AccessLogPerSec <= 0 {
		s.AccessLogPerSec = def.AccessLogPerSec
	}
	if s.RateBurst <= 0 && s.RatePerSec > 0 {
		s.RateBurst = max(1, int(s.RatePerSec))
	}
	return s
}
