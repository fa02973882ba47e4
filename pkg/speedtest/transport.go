package speedtest

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrUnexpectedStatus is returned when the server answers with a non-2xx status.
var ErrUnexpectedStatus = errors.New("unexpected http status")

// Transport is the client side of the transfer protocol. Every call is a
// single request; the engine never issues two calls concurrently.
type Transport interface {
	// Ping performs one latency probe.
	Ping(ctx context.Context) error
	// Download requests size bytes and reports every chunk read from the
	// response body through onChunk. It returns the bytes read so far, also
	// when failing midway.
	Download(ctx context.Context, size int64, onChunk func(n int)) (int64, error)
	// Upload posts payload and returns the byte count acknowledged by the server.
	Upload(ctx context.Context, payload []byte) (int64, error)
}

// ServerDefaults mirrors the advisory /api/config document.
type ServerDefaults struct {
	DownloadSize     int64 `json:"downloadSize"`
	UploadSize       int64 `json:"uploadSize"`
	DownloadDuration int64 `json:"downloadDuration"` // milliseconds
	UploadDuration   int64 `json:"uploadDuration"`   // milliseconds
	PingCount        int   `json:"pingCount"`
}

// DefaultsFetcher is implemented by transports able to read /api/config.
type DefaultsFetcher interface {
	FetchDefaults(ctx context.Context) (ServerDefaults, error)
}

// UploadAck is the JSON acknowledgment returned by /api/upload.
type UploadAck struct {
	Success       bool   `json:"success"`
	BytesReceived int64  `json:"bytesReceived"`
	Message       string `json:"message,omitempty"`
	Error         string `json:"error,omitempty"`
}

// PingReply is the JSON body returned by /api/ping.
type PingReply struct {
	Timestamp int64 `json:"timestamp"`
	Success   bool  `json:"success"`
}

// TransportConfig controls the dedicated HTTP client used for measurements.
type TransportConfig struct {
	// DialTimeout bounds connection establishment (default 10s).
	DialTimeout time.Duration
	// DisableHTTP2 forces HTTP/1.1 for measurement traffic.
	DisableHTTP2 bool
	// DisableKeepAlives opens a fresh connection per request.
	DisableKeepAlives bool
	// UserAgent is sent with every request when set.
	UserAgent string
}

// HTTPTransport speaks the transfer protocol over net/http.
type HTTPTransport struct {
	base      *url.URL
	client    *http.Client
	tr        *http.Transport
	userAgent string
	now       func() time.Time
}

var _ Transport = (*HTTPTransport)(nil)
var _ DefaultsFetcher = (*HTTPTransport)(nil)

// NewHTTPTransport builds a transport for the server rooted at baseURL
// (e.g. "http://127.0.0.1:3000").
func NewHTTPTransport(baseURL string, cfg TransportConfig) (*HTTPTransport, error) {
	raw := strings.TrimSpace(baseURL)
	if raw == "" {
		return nil, errors.New("server url required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url %q: scheme must be http or https", raw)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")

	hc, tr := newHTTPClient(cfg)
	return &HTTPTransport{base: u, client: hc, tr: tr, userAgent: cfg.UserAgent, now: time.Now}, nil
}

// NewHTTPTransportWithClient wraps an existing client (tests use httptest's).
func NewHTTPTransportWithClient(baseURL string, hc *http.Client) (*HTTPTransport, error) {
	t, err := NewHTTPTransport(baseURL, TransportConfig{})
	if err != nil {
		return nil, err
	}
	if hc != nil {
		t.client = hc
		t.tr = nil
	}
	return t, nil
}

// BaseURL returns the server root this transport talks to.
func (t *HTTPTransport) BaseURL() string { return t.base.String() }

// CloseIdleConnections releases pooled connections after a run.
func (t *HTTPTransport) CloseIdleConnections() {
	if t.tr != nil {
		t.tr.CloseIdleConnections()
		return
	}
	t.client.CloseIdleConnections()
}

func (t *HTTPTransport) endpoint(path string, q url.Values) string {
	u := *t.base
	u.Path = t.base.Path + path
	if q == nil {
		q = url.Values{}
	}
	// Cache buster; the server already sends no-cache headers but
	// intermediaries do not always honour them.
	q.Set("t", strconv.FormatInt(t.now().UnixNano(), 10))
	u.RawQuery = q.Encode()
	return u.String()
}

func (t *HTTPTransport) do(ctx context.Context, method, target string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%s %s: %w: %d", method, req.URL.Path, ErrUnexpectedStatus, resp.StatusCode)
	}
	return resp, nil
}

func (t *HTTPTransport) Ping(ctx context.Context) error {
	resp, err := t.do(ctx, http.MethodGet, t.endpoint("/api/ping", nil), http.NoBody, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, err = io.Copy(io.Discard, resp.Body)
	return err
}

// PingReply performs a probe and decodes the server timestamp.
func (t *HTTPTransport) PingReply(ctx context.Context) (PingReply, error) {
	resp, err := t.do(ctx, http.MethodGet, t.endpoint("/api/ping", nil), http.NoBody, "")
	if err != nil {
		return PingReply{}, err
	}
	defer resp.Body.Close()
	var out PingReply
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return PingReply{}, fmt.Errorf("decode ping reply: %w", err)
	}
	return out, nil
}

func (t *HTTPTransport) Download(ctx context.Context, size int64, onChunk func(n int)) (int64, error) {
	q := url.Values{}
	q.Set("size", strconv.FormatInt(size, 10))
	resp, err := t.do(ctx, http.MethodGet, t.endpoint("/api/download", q), http.NoBody, "")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	buf := make([]byte, 64*1024)
	var total int64
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			total += int64(n)
			if onChunk != nil {
				onChunk(n)
			}
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, fmt.Errorf("read download body: %w", rerr)
		}
	}
}

func (t *HTTPTransport) Upload(ctx context.Context, payload []byte) (int64, error) {
	resp, err := t.do(ctx, http.MethodPost, t.endpoint("/api/upload", nil), bytes.NewReader(payload), "application/octet-stream")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	var ack UploadAck
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return 0, fmt.Errorf("decode upload ack: %w", err)
	}
	if !ack.Success {
		return ack.BytesReceived, fmt.Errorf("upload rejected: %s", ack.Error)
	}
	return ack.BytesReceived, nil
}

func (t *HTTPTransport) FetchDefaults(ctx context.Context) (ServerDefaults, error) {
	resp, err := t.do(ctx, http.MethodGet, t.endpoint("/api/config", nil), http.NoBody, "")
	if err != nil {
		return ServerDefaults{}, err
	}
	defer resp.Body.Close()
	var out ServerDefaults
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ServerDefaults{}, fmt.Errorf("decode server config: %w", err)
	}
	return out, nil
}

func newHTTPClient(cfg TransportConfig) (*http.Client, *http.Transport) {
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}

	keepAlive := 30 * time.Second
	if cfg.DisableKeepAlives {
		// A negative KeepAlive means "disable" for net.Dialer.
		keepAlive = -1
	}

	d := &net.Dialer{Timeout: dialTimeout, KeepAlive: keepAlive}

	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           d.DialContext,
		MaxIdleConns:          4,
		MaxIdleConnsPerHost:   2,
		IdleConnTimeout:       10 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableKeepAlives:     cfg.DisableKeepAlives,
		// Transparent gzip would skew byte counts.
		DisableCompression: true,
		ForceAttemptHTTP2:  !cfg.DisableHTTP2,
	}
	if cfg.DisableHTTP2 {
		tr.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	}

	// No client-wide timeout: phase budgets bound the run, and a single
	// slow request is allowed to overrun its phase.
	return &http.Client{Transport: tr}, tr
}
