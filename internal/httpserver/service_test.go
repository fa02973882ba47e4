package httpserver

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "pewspeed/pkg/logx"
)

func get(t *testing.T, url string) string {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestServiceStartReconfigureStop(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = io.WriteString(w, "ok") })
	s := New(Config{Addr: "127.0.0.1:0"}, h, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Start(ctx), "start is idempotent")
	addr := s.Addr()
	require.NotEmpty(t, addr)
	assert.Equal(t, "ok", get(t, "http://"+addr+"/"))

	// Same listener settings: no rebind.
	require.NoError(t, s.Reconfigure(ctx, Config{Addr: "127.0.0.1:0"}))
	assert.Equal(t, addr, s.Addr())

	require.NoError(t, s.Reconfigure(ctx, Config{Addr: "127.0.0.1:0", ReadHeaderTimeout: 3 * time.Second}))
	addr2 := s.Addr()
	require.NotEmpty(t, addr2)
	assert.Equal(t, "ok", get(t, "http://"+addr2+"/"))

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer stopCancel()
	s.Stop(stopCtx)
	assert.Empty(t, s.Addr())
	assert.Nil(t, s.Supervisor())
}

func TestStartFailsOnBadAddr(t *testing.T) {
	s := New(Config{Addr: "256.0.0.1:bad"}, http.NotFoundHandler(), logx.Nop())
	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Nil(t, s.Supervisor())
}
