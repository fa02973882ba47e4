package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pewspeed/internal/config"
	"pewspeed/internal/transfer"
	logx "pewspeed/pkg/logx"
	"pewspeed/pkg/speedtest"
)

func init() { color.NoColor = true }

func startServer(t *testing.T) *httptest.Server {
	t.Helper()
	s := transfer.New(transfer.Options{Settings: transfer.DefaultSettings(), Logger: logx.Nop()})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

// writeConfig writes a fast client profile and returns its path.
func writeConfig(t *testing.T, server, driver string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	hist := "history.jsonl"
	if driver == "sqlite" {
		hist = "history.db"
	}
	body := fmt.Sprintf(`{
  "logging": {"level": "error"},
  "client": {
    "server": %q,
    "download_chunk": 65536,
    "upload_chunk": 65536,
    "download_duration": "150ms",
    "upload_duration": "150ms",
    "ping_count": 2,
    "ping_interval": "off",
    "report_interval": "50ms"
  },
  "history": {"driver": %q, "path": %q}
}`, server, driver, filepath.Join(dir, hist))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, string, int) {
	t.Helper()
	var out, errOut bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	code := Execute(ctx, args, &out, &errOut)
	return out.String(), errOut.String(), code
}

func TestRunSavesToHistory(t *testing.T) {
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			ts := startServer(t)
			cfg := writeConfig(t, ts.URL, driver)

			out, errOut, code := execute(t, "-c", cfg, "run")
			require.Equal(t, 0, code, errOut)
			assert.Contains(t, out, "Testing against "+ts.URL)
			assert.Contains(t, out, "Mbps")

			_, errOut, code = execute(t, "-c", cfg, "run", "--json")
			require.Equal(t, 0, code, errOut)

			out, errOut, code = execute(t, "-c", cfg, "history", "--json")
			require.Equal(t, 0, code, errOut)
			var results []speedtest.Result
			require.NoError(t, json.Unmarshal([]byte(out), &results))
			require.Len(t, results, 2)
			assert.True(t, !results[0].Timestamp.Before(results[1].Timestamp))
			assert.Greater(t, results[0].DownloadMbps, 0.0)

			out, errOut, code = execute(t, "-c", cfg, "stats")
			require.Equal(t, 0, code, errOut)
			assert.Contains(t, out, "Statistics over 2 results")
		})
	}
}

func TestRunJSONOutput(t *testing.T) {
	ts := startServer(t)
	cfg := writeConfig(t, ts.URL, "none")

	out, errOut, code := execute(t, "-c", cfg, "run", "--json", "--ping-count", "3")
	require.Equal(t, 0, code, errOut)

	var res speedtest.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Greater(t, res.DownloadMbps, 0.0)
	assert.Greater(t, res.UploadMbps, 0.0)
	assert.GreaterOrEqual(t, res.PingMs, 0.0)
	assert.False(t, res.Timestamp.IsZero())
}

func TestRunNoSaveLeavesHistoryEmpty(t *testing.T) {
	ts := startServer(t)
	cfg := writeConfig(t, ts.URL, "file")

	_, errOut, code := execute(t, "-c", cfg, "run", "--no-save", "--json")
	require.Equal(t, 0, code, errOut)

	out, _, code := execute(t, "-c", cfg, "history")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "No speedtest history available")
}

func TestRunUnreachableServerFails(t *testing.T) {
	ts := startServer(t)
	url := ts.URL
	ts.Close()
	cfg := writeConfig(t, url, "none")

	_, errOut, code := execute(t, "-c", cfg, "run")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "error:")
}

func TestHistoryDisabled(t *testing.T) {
	cfg := writeConfig(t, DefaultServer, "none")
	_, errOut, code := execute(t, "-c", cfg, "history")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "history is disabled")
}

func TestCheckCommand(t *testing.T) {
	ts := startServer(t)
	cfg := writeConfig(t, ts.URL, "none")

	out, errOut, code := execute(t, "-c", cfg, "check")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "ok ping")
	assert.Contains(t, out, "ok download 1.0 MiB")
	assert.Contains(t, out, "ok upload 1.0 MiB")
}

func TestCheckDetectsClampedDownload(t *testing.T) {
	st := transfer.DefaultSettings()
	st.MaxDownloadBytes = 1024
	s := transfer.New(transfer.Options{Settings: st, Logger: logx.Nop()})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	tr, err := speedtest.NewHTTPTransportWithClient(ts.URL, ts.Client())
	require.NoError(t, err)
	var out bytes.Buffer
	err = runCheck(context.Background(), tr, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "download: got 1024 bytes")
}

func TestScheduleDryRun(t *testing.T) {
	cfg := writeConfig(t, DefaultServer, "none")
	out, errOut, code := execute(t, "-c", cfg, "schedule", "--dry-run", "--next", "2", "interval:15m")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Schedule")
	assert.Equal(t, 2, strings.Count(out, "next:"))
}

func TestScheduleRequiresSpec(t *testing.T) {
	cfg := writeConfig(t, DefaultServer, "none")
	_, errOut, code := execute(t, "-c", cfg, "schedule", "--dry-run")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "no schedule given")

	_, _, code = execute(t, "-c", cfg, "schedule", "--dry-run", "interval:10s")
	assert.Equal(t, 1, code)
}

func TestScheduleRunNowUntilCanceled(t *testing.T) {
	ts := startServer(t)
	cfg := writeConfig(t, ts.URL, "file")

	var out, errOut bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	code := Execute(ctx, []string{"-c", cfg, "schedule", "--run-now", "@hourly"}, &out, &errOut)
	require.Equal(t, 0, code, errOut.String())
	assert.Contains(t, out.String(), "Stopped after 1 runs (0 failed, 0 skipped)")
}

func TestMapEngineConfig(t *testing.T) {
	cfg := &config.Config{Client: config.ClientConfig{
		DownloadDuration: "2s",
		UploadDuration:   "3s",
		PingCount:        4,
		PingInterval:     "off",
	}, History: config.HistoryConfig{Cap: 5}}

	ec, err := mapEngineConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, ec.DownloadDuration)
	assert.Equal(t, 3*time.Second, ec.UploadDuration)
	assert.Equal(t, 4, ec.PingCount)
	assert.Equal(t, time.Duration(-1), ec.PingInterval)
	assert.Equal(t, 5, ec.HistoryCap)

	cfg.Client.PingCount = -1
	_, err = mapEngineConfig(cfg)
	assert.Error(t, err)

	cfg.Client.PingCount = 1
	cfg.Client.UploadDuration = "soon"
	_, err = mapEngineConfig(cfg)
	assert.ErrorContains(t, err, "client.upload_duration")
}

func TestMapTransportAndStorageConfig(t *testing.T) {
	cfg := &config.Config{}
	tc, err := mapTransportConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "pewspeed/"+Version, tc.UserAgent)
	assert.Equal(t, DefaultServer, serverURL(cfg))

	cfg.History.Driver = "SQLite"
	sc, err := mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", sc.Driver)

	cfg.History.Driver = "redis"
	_, err = mapStorageConfig(cfg)
	assert.ErrorContains(t, err, "history.driver")
}

func TestPrintHistoryAndStats(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	results := []speedtest.Result{
		{DownloadMbps: 90, UploadMbps: 20, PingMs: 12, Timestamp: now.Add(-time.Hour)},
		{DownloadMbps: 110, UploadMbps: 30, PingMs: 8, Timestamp: now.Add(-2 * time.Hour)},
	}

	var buf bytes.Buffer
	printHistory(&buf, results, now)
	assert.Contains(t, buf.String(), "Recent 2 results")
	assert.Contains(t, buf.String(), "1 hour ago")
	assert.Contains(t, buf.String(), "90.00 Mbps")

	buf.Reset()
	printStats(&buf, speedtest.Summarize(results))
	assert.Contains(t, buf.String(), "Statistics over 2 results")
	assert.Contains(t, buf.String(), "avg   100.00")

	buf.Reset()
	printHistory(&buf, nil, now)
	printStats(&buf, speedtest.Stats{})
	assert.Equal(t, 2, strings.Count(buf.String(), "No speedtest history available"))
}

func TestConsoleReporterFailedPhase(t *testing.T) {
	var buf bytes.Buffer
	r := newConsoleReporter(&buf, false)
	r.PhaseStarted(speedtest.PhaseDownload)
	r.Progress(speedtest.PhaseDownload, 12.5)
	r.ResetStatuses()
	assert.True(t, strings.HasSuffix(buf.String(), "\n"))
	assert.Contains(t, buf.String(), "12.50 Mbps")

	buf.Reset()
	r.PhaseCompleted(speedtest.PhaseResult{Phase: speedtest.PhaseUpload, Value: 3, Bytes: 2048, Requests: 2, Err: fmt.Errorf("reset")})
	assert.Contains(t, buf.String(), "2.0 KiB")
	assert.Contains(t, buf.String(), "ended early: reset")
}
