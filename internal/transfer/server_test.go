package transfer

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "pewspeed/pkg/logx"
	"pewspeed/pkg/speedtest"
)

func newTestServer(t *testing.T, st Settings, opts ...func(*Options)) (*Server, *httptest.Server) {
	t.Helper()
	o := Options{Settings: st, Logger: logx.Nop()}
	for _, fn := range opts {
		fn(&o)
	}
	s := New(o)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func newTransport(t *testing.T, ts *httptest.Server) *speedtest.HTTPTransport {
	t.Helper()
	tr, err := speedtest.NewHTTPTransportWithClient(ts.URL, ts.Client())
	require.NoError(t, err)
	return tr
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func serve(s *Server, method, target string, body io.Reader) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, target, body)
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestDownloadExactLength(t *testing.T) {
	_, ts := newTestServer(t, DefaultSettings())

	for _, size := range []int64{0, 1, 4096, StreamChunk - 1, StreamChunk, StreamChunk + 1, 3*StreamChunk + 17} {
		t.Run(strconv.FormatInt(size, 10), func(t *testing.T) {
			resp, err := ts.Client().Get(ts.URL + "/api/download?size=" + strconv.FormatInt(size, 10))
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, size, resp.ContentLength)
			assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
			assert.Equal(t, "no-cache, no-store, must-revalidate", resp.Header.Get("Cache-Control"))
			assert.Equal(t, "no-cache", resp.Header.Get("Pragma"))
			assert.Equal(t, "0", resp.Header.Get("Expires"))

			n, err := io.Copy(io.Discard, resp.Body)
			require.NoError(t, err)
			assert.Equal(t, size, n)
		})
	}
}

func TestDownloadSizeFallback(t *testing.T) {
	cases := map[string]int64{
		"":                 DefaultDownloadSize,
		"?size=abc":        DefaultDownloadSize,
		"?size=-5":         DefaultDownloadSize,
		"?size=1.5":        1,
		"?size=1e6":        1,
		"?size=2048kb":     2048,
		"?size=%2B7":       7,
		"?size=-":          DefaultDownloadSize,
		"?size=.5":         DefaultDownloadSize,
		"?size=0":          0,
		"?size=%201024%20": 1024,
	}
	s := New(Options{Settings: DefaultSettings(), Logger: logx.Nop()})
	for q, want := range cases {
		rec := serve(s, http.MethodHead, "/api/download"+q, nil)
		assert.Equal(t, http.StatusOK, rec.Code, q)
		assert.Equal(t, strconv.FormatInt(want, 10), rec.Header().Get("Content-Length"), q)
	}
}

func TestParseSizeClamp(t *testing.T) {
	assert.Equal(t, int64(1000), parseSize("5000", 1000))
	assert.Equal(t, int64(1000), parseSize("", 1000))
	assert.Equal(t, int64(500), parseSize("500", 1000))
	assert.Equal(t, DefaultDownloadSize, parseSize("", 0))
	assert.Equal(t, DefaultDownloadSize, parseSize("99999999999999999999", 0))
	assert.Equal(t, int64(1000), parseSize("5000.9", 1000))
}

func TestDownloadEndToEnd(t *testing.T) {
	_, ts := newTestServer(t, DefaultSettings())
	tr := newTransport(t, ts)

	var chunks int
	n, err := tr.Download(context.Background(), speedtest.MiB, func(int) { chunks++ })
	require.NoError(t, err)
	assert.Equal(t, int64(speedtest.MiB), n)
	assert.Positive(t, chunks)
}

func TestDownloadRandomFailureShortensBody(t *testing.T) {
	src := io.MultiReader(io.LimitReader(rand.Reader, StreamChunk), iotestErrReader{})
	_, ts := newTestServer(t, DefaultSettings(), func(o *Options) { o.Random = src })

	resp, err := ts.Client().Get(ts.URL + "/api/download?size=" + strconv.Itoa(3*StreamChunk))
	require.NoError(t, err)
	defer resp.Body.Close()
	n, err := io.Copy(io.Discard, resp.Body)
	require.Error(t, err)
	assert.Equal(t, int64(StreamChunk), n)
}

type iotestErrReader struct{}

func (iotestErrReader) Read([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

func TestUploadCountsBytes(t *testing.T) {
	_, ts := newTestServer(t, DefaultSettings())
	tr := newTransport(t, ts)

	for _, l := range []int{0, 1, 65536, speedtest.MiB, speedtest.MiB + 3} {
		payload := make([]byte, l)
		n, err := tr.Upload(context.Background(), payload)
		require.NoError(t, err)
		assert.Equal(t, int64(l), n)
	}
}

func TestUploadResponseBody(t *testing.T) {
	s := New(Options{Settings: DefaultSettings(), Logger: logx.Nop()})
	rec := serve(s, http.MethodPost, "/api/upload", bytes.NewReader(make([]byte, speedtest.MiB)))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["success"])
	assert.EqualValues(t, speedtest.MiB, body["bytesReceived"])
	assert.Equal(t, "Upload test completed", body["message"])
}

type failingBody struct{ n int }

func (f *failingBody) Read(p []byte) (int, error) {
	if f.n <= 0 {
		return 0, errors.New("connection reset by peer")
	}
	k := min(len(p), f.n)
	f.n -= k
	return k, nil
}

func TestUploadStreamErrorIs500(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := New(Options{Settings: DefaultSettings(), Logger: logx.Nop(), Metrics: true, Registry: reg})
	rec := serve(s, http.MethodPost, "/api/upload", &failingBody{n: 1000})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"success":false,"error":"Upload failed"}`, rec.Body.String())
	assert.Equal(t, 1.0, counterValue(t, s.metrics.uploadErrors))
	assert.Equal(t, 1000.0, counterValue(t, s.metrics.uploadBytes))
}

func TestUploadLimit(t *testing.T) {
	st := DefaultSettings()
	st.MaxUploadBytes = 1024
	s := New(Options{Settings: st, Logger: logx.Nop()})

	rec := serve(s, http.MethodPost, "/api/upload", bytes.NewReader(make([]byte, 1024)))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(s, http.MethodPost, "/api/upload", bytes.NewReader(make([]byte, 1025)))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestPingTimestampsNonDecreasing(t *testing.T) {
	_, ts := newTestServer(t, DefaultSettings())
	tr := newTransport(t, ts)

	var prev int64
	for i := 0; i < 20; i++ {
		r, err := tr.PingReply(context.Background())
		require.NoError(t, err)
		assert.True(t, r.Success)
		assert.GreaterOrEqual(t, r.Timestamp, prev)
		prev = r.Timestamp
	}
}

func TestPingUsesStartWallTime(t *testing.T) {
	base := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	s := New(Options{Settings: DefaultSettings(), Logger: logx.Nop(), Now: func() time.Time { return base }})

	rec := serve(s, http.MethodGet, "/api/ping", nil)
	var r speedtest.PingReply
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &r))
	assert.GreaterOrEqual(t, r.Timestamp, base.UnixMilli())
	assert.Less(t, r.Timestamp, base.Add(time.Minute).UnixMilli())
}

func TestHealth(t *testing.T) {
	s := New(Options{Settings: DefaultSettings(), Logger: logx.Nop()})
	rec := serve(s, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var h healthReply
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	assert.Equal(t, "healthy", h.Status)
	assert.GreaterOrEqual(t, h.Uptime, 0.0)
	assert.InDelta(t, time.Now().UnixMilli(), h.Timestamp, 5000)
}

func TestConfigEndpointFollowsApply(t *testing.T) {
	s, ts := newTestServer(t, DefaultSettings())
	tr := newTransport(t, ts)

	d, err := tr.FetchDefaults(context.Background())
	require.NoError(t, err)
	assert.Equal(t, speedtest.ServerDefaults{
		DownloadSize:     10485760,
		UploadSize:       1048576,
		DownloadDuration: 10000,
		UploadDuration:   10000,
		PingCount:        10,
	}, d)

	st := DefaultSettings()
	st.Defaults.PingCount = 3
	st.Defaults.DownloadSize = 2 * speedtest.MiB
	s.Apply(st)

	d, err = tr.FetchDefaults(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, d.PingCount)
	assert.Equal(t, int64(2*speedtest.MiB), d.DownloadSize)
}

func TestCORS(t *testing.T) {
	s := New(Options{Settings: DefaultSettings(), Logger: logx.Nop()})

	req := httptest.NewRequest(http.MethodOptions, "/api/upload", nil)
	req.Header.Set("Origin", "http://example.test")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	st := DefaultSettings()
	st.CORSOrigins = []string{"http://allowed.test"}
	s.Apply(st)

	req = httptest.NewRequest(http.MethodGet, "/api/ping", nil)
	req.Header.Set("Origin", "http://allowed.test")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "http://allowed.test", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/ping", nil)
	req.Header.Set("Origin", "http://other.test")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimit(t *testing.T) {
	st := DefaultSettings()
	st.RatePerSec = 0.001
	st.RateBurst = 2
	s := New(Options{Settings: st, Logger: logx.Nop(), Metrics: true})

	assert.Equal(t, http.StatusOK, serve(s, http.MethodGet, "/api/ping", nil).Code)
	assert.Equal(t, http.StatusOK, serve(s, http.MethodGet, "/api/ping", nil).Code)
	rec := serve(s, http.MethodGet, "/api/ping", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, 1.0, counterValue(t, s.metrics.rateLimited))

	// Non-API routes are not limited.
	assert.Equal(t, http.StatusOK, serve(s, http.MethodGet, "/", nil).Code)

	st.RatePerSec = 0
	s.Apply(st)
	assert.Equal(t, http.StatusOK, serve(s, http.MethodGet, "/api/ping", nil).Code)
}

func TestClientLimiterSweepsIdle(t *testing.T) {
	now := time.Unix(0, 0)
	l := newClientLimiter(1, 1)
	l.sweepAt = 2
	l.now = func() time.Time { return now }

	assert.True(t, l.allow("a"))
	assert.True(t, l.allow("b"))
	now = now.Add(10 * time.Minute)
	assert.True(t, l.allow("c"))
	assert.Len(t, l.clients, 1)

	assert.Nil(t, newClientLimiter(0, 5))
}

func TestMetricsEndpoint(t *testing.T) {
	s, ts := newTestServer(t, DefaultSettings(), func(o *Options) { o.Metrics = true })
	tr := newTransport(t, ts)

	_, err := tr.Download(context.Background(), 4096, nil)
	require.NoError(t, err)
	assert.Equal(t, 4096.0, counterValue(t, s.metrics.downloadBytes))

	resp, err := ts.Client().Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(b), `pewspeed_http_requests_total{code="200",route="/api/download"} 1`)
	assert.Contains(t, string(b), "pewspeed_download_bytes_total 4096")
}

func TestMetricsDisabled(t *testing.T) {
	s := New(Options{Settings: DefaultSettings(), Logger: logx.Nop()})
	rec := serve(s, http.MethodGet, "/metrics", nil)
	assert.NotContains(t, rec.Body.String(), "pewspeed_http_requests_total")
}

func TestStaticEmbeddedAndUnknownAPI(t *testing.T) {
	s := New(Options{Settings: DefaultSettings(), Logger: logx.Nop()})

	rec := serve(s, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "speedTestHistory")

	rec = serve(s, http.MethodGet, "/api/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"success":false,"error":"not found"}`, rec.Body.String())

	rec = serve(s, http.MethodPost, "/index.html", strings.NewReader("x"))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestEmbeddedPageMeasurementRules(t *testing.T) {
	s := New(Options{Settings: DefaultSettings(), Logger: logx.Nop()})

	rec := serve(s, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()

	assert.Contains(t, body, "DOWNLOAD_CHUNK = 5 * 1024 * 1024")
	assert.Contains(t, body, `"/api/download?size=" + DOWNLOAD_CHUNK`)
	assert.Contains(t, body, "REPORT_INTERVAL_MS = 500")
	assert.Equal(t, 2, strings.Count(body, "throttle(start, onRate)"), "both directions throttle interim rates")
	assert.Equal(t, 2, strings.Count(body, "if (!r.ok) break;"), "a failed transfer ends its phase")
	assert.Contains(t, body, "finally {\n    resetStatuses();")
	assert.NotContains(t, body, "last >= 100")
}

func TestStaticDirOverride(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<p>custom</p>"), 0o644))
	s := New(Options{Settings: DefaultSettings(), Logger: logx.Nop(), StaticDir: dir})

	rec := serve(s, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<p>custom</p>", rec.Body.String())
}

func TestRecoveryReturnsJSON(t *testing.T) {
	s := New(Options{Settings: DefaultSettings(), Logger: logx.Nop()})
	s.engine.GET("/api/boom", func(*gin.Context) { panic("boom") })

	rec := serve(s, http.MethodGet, "/api/boom", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"success":false,"error":"internal error"}`, rec.Body.String())
}

func TestEngineRunAgainstServer(t *testing.T) {
	_, ts := newTestServer(t, DefaultSettings())
	tr := newTransport(t, ts)

	eng := speedtest.New(tr, speedtest.Config{
		DownloadChunk:    256 * 1024,
		UploadChunk:      64 * 1024,
		DownloadDuration: 150 * time.Millisecond,
		UploadDuration:   150 * time.Millisecond,
		PingCount:        3,
		PingInterval:     -1,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := eng.Run(ctx)
	require.NoError(t, err)
	assert.Positive(t, res.DownloadBytes)
	assert.Positive(t, res.UploadBytes)
	assert.Zero(t, res.UploadBytes%(64*1024))
	assert.GreaterOrEqual(t, res.PingMs, 0.0)

	for _, st := range eng.Statuses() {
		assert.Equal(t, speedtest.StatusReady, st)
	}
	state, _ := eng.State()
	assert.Equal(t, speedtest.StateComplete, state)
}
