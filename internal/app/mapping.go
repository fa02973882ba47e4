package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"pewspeed/internal/config"
	"pewspeed/internal/httpserver"
	"pewspeed/internal/transfer"
	logx "pewspeed/pkg/logx"
	"pewspeed/pkg/speedtest"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	if cfg == nil {
		return logx.Config{Level: "info", Console: true}
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapHTTPConfig(cfg *config.Config) (httpserver.Config, error) {
	if cfg == nil {
		return httpserver.Config{Addr: httpserver.DefaultAddr}, nil
	}
	sc := cfg.Server
	rht, err := config.ParseDurationOrDefault("server.read_header_timeout", sc.ReadHeaderTimeout, 10*time.Second)
	if err != nil {
		return httpserver.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("server.idle_timeout", sc.IdleTimeout, 60*time.Second)
	if err != nil {
		return httpserver.Config{}, err
	}
	shutdown, err := config.ParseDurationOrDefault("server.shutdown_timeout", sc.ShutdownTimeout, 5*time.Second)
	if err != nil {
		return httpserver.Config{}, err
	}
	addr := strings.TrimSpace(sc.Addr)
	if addr == "" {
		addr = httpserver.DefaultAddr
	}
	return httpserver.Config{
		Addr:              addr,
		ReadHeaderTimeout: rht,
		IdleTimeout:       idle,
		ShutdownTimeout:   shutdown,
	}, nil
}

func mapServerSettings(cfg *config.Config) (transfer.Settings, error) {
	st := transfer.DefaultSettings()
	if cfg == nil {
		return st, nil
	}
	sc := cfg.Server

	if sc.MaxDownloadBytes < 0 {
		return st, fmt.Errorf("server.max_download_bytes must be >= 0")
	}
	if sc.MaxUploadBytes < 0 {
		return st, fmt.Errorf("server.max_upload_bytes must be >= 0")
	}
	if sc.AccessLogPerSec < 0 {
		return st, fmt.Errorf("server.access_log_per_sec must be >= 0")
	}
	if sc.RateLimit.PerSec < 0 || sc.RateLimit.Burst < 0 {
		return st, fmt.Errorf("server.rate_limit values must be >= 0")
	}

	d := sc.Defaults
	if d.DownloadSize < 0 || d.UploadSize < 0 || d.PingCount < 0 {
		return st, fmt.Errorf("server.defaults sizes and ping_count must be >= 0")
	}
	dlDur, err := config.ParseDurationOrDefault("server.defaults.download_duration", d.DownloadDuration, speedtest.DefaultDownloadDuration)
	if err != nil {
		return st, err
	}
	ulDur, err := config.ParseDurationOrDefault("server.defaults.upload_duration", d.UploadDuration, speedtest.DefaultUploadDuration)
	if err != nil {
		return st, err
	}
	if d.DownloadSize > 0 {
		st.Defaults.DownloadSize = d.DownloadSize
	}
	if d.UploadSize > 0 {
		st.Defaults.UploadSize = d.UploadSize
	}
	if d.PingCount > 0 {
		st.Defaults.PingCount = d.PingCount
	}
	st.Defaults.DownloadDuration = dlDur.Milliseconds()
	st.Defaults.UploadDuration = ulDur.Milliseconds()

	st.MaxDownloadBytes = sc.MaxDownloadBytes
	st.MaxUploadBytes = sc.MaxUploadBytes
	if len(sc.CORSOrigins) > 0 {
		st.CORSOrigins = append([]string(nil), sc.CORSOrigins...)
	}
	if sc.AccessLogPerSec > 0 {
		st.AccessLogPerSec = sc.AccessLogPerSec
	}
	st.RatePerSec = sc.RateLimit.PerSec
	st.RateBurst = sc.RateLimit.Burst
	return st, nil
}

// validate rejects configs the server could not apply. Hot reloads that
// fail here keep the previous config.
func validate(cfg *config.Config) error {
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	if _, err := mapServerSettings(cfg); err != nil {
		return err
	}
	if dir := strings.TrimSpace(cfg.Server.StaticDir); dir != "" {
		fi, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("server.static_dir: %w", err)
		}
		if !fi.IsDir() {
			return fmt.Errorf("server.static_dir: %s is not a directory", dir)
		}
	}
	return nil
}
