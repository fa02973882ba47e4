package cli

import (
	"fmt"
	"strings"
	"time"

	"pewspeed/internal/config"
	"pewspeed/internal/storage"
	"pewspeed/pkg/speedtest"
)

const DefaultServer = "http://127.0.0.1:3000"

func serverURL(cfg *config.Config) string {
	if s := strings.TrimSpace(cfg.Client.Server); s != "" {
		return s
	}
	return DefaultServer
}

func mapEngineConfig(cfg *config.Config) (speedtest.Config, error) {
	cc := cfg.Client
	if cc.DownloadChunk < 0 || cc.UploadChunk < 0 || cc.PingCount < 0 {
		return speedtest.Config{}, fmt.Errorf("client.download_chunk, upload_chunk and ping_count must be >= 0")
	}
	if cfg.History.Cap < 0 {
		return speedtest.Config{}, fmt.Errorf("history.cap must be >= 0")
	}

	dl, err := config.ParseDurationField("client.download_duration", cc.DownloadDuration)
	if err != nil {
		return speedtest.Config{}, err
	}
	ul, err := config.ParseDurationField("client.upload_duration", cc.UploadDuration)
	if err != nil {
		return speedtest.Config{}, err
	}
	report, err := config.ParseDurationField("client.report_interval", cc.ReportInterval)
	if err != nil {
		return speedtest.Config{}, err
	}
	interval, err := parsePingInterval(cc.PingInterval)
	if err != nil {
		return speedtest.Config{}, err
	}

	return speedtest.Config{
		DownloadChunk:     cc.DownloadChunk,
		UploadChunk:       cc.UploadChunk,
		DownloadDuration:  dl,
		UploadDuration:    ul,
		PingCount:         cc.PingCount,
		PingInterval:      interval,
		ReportInterval:    report,
		HistoryCap:        cfg.History.Cap,
		UseServerDefaults: cc.UseServerDefaults,
	}, nil
}

// parsePingInterval accepts a duration or "off"/"none" to probe back to back.
func parsePingInterval(raw string) (time.Duration, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "off", "none":
		return -1, nil
	}
	return config.ParseDurationField("client.ping_interval", raw)
}

func mapTransportConfig(cfg *config.Config) (speedtest.TransportConfig, error) {
	cc := cfg.Client
	dial, err := config.ParseDurationField("client.dial_timeout", cc.DialTimeout)
	if err != nil {
		return speedtest.TransportConfig{}, err
	}
	ua := strings.TrimSpace(cc.UserAgent)
	if ua == "" {
		ua = "pewspeed/" + Version
	}
	return speedtest.TransportConfig{
		DialTimeout:       dial,
		DisableHTTP2:      cc.DisableHTTP2,
		DisableKeepAlives: cc.DisableKeepAlives,
		UserAgent:         ua,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	hc := cfg.History
	driver := strings.ToLower(strings.TrimSpace(hc.Driver))
	switch driver {
	case "", "file", "jsonl", "sqlite", "sqlite3", "none":
	default:
		return storage.Config{}, fmt.Errorf("unknown history.driver: %s", hc.Driver)
	}
	busy, err := config.ParseDurationField("history.busy_timeout", hc.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(hc.Path), BusyTimeout: busy}, nil
}
