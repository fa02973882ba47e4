package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "pewspeed/pkg/logx"
	"pewspeed/pkg/speedtest"
)

func openTest(t *testing.T, driver string) Store {
	t.Helper()
	dir := t.TempDir()
	st, err := Open(Config{Driver: driver, Path: filepath.Join(dir, "sub", "history."+driver)}, logx.Nop())
	require.NoError(t, err)
	require.NotNil(t, st)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenDrivers(t *testing.T) {
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	require.NoError(t, err)
	assert.Nil(t, st)

	_, err = Open(Config{Driver: "redis"}, logx.Nop())
	require.Error(t, err)
}

func TestStoresKeepNewestWithinCap(t *testing.T) {
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			st := openTest(t, driver)
			ctx := context.Background()
			base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

			for i := 0; i < 15; i++ {
				require.NoError(t, st.Append(ctx, speedtest.Result{
					DownloadMbps:  float64(i),
					UploadMbps:    float64(i) / 2,
					PingMs:        12.5,
					Timestamp:     base.Add(time.Duration(i) * time.Minute),
					Server:        "http://127.0.0.1:3000",
					DownloadBytes: int64(i) * 1000,
				}, 10))
			}

			got, err := st.Recent(ctx, 50)
			require.NoError(t, err)
			require.Len(t, got, 10)
			for i, r := range got {
				assert.Equal(t, float64(14-i), r.DownloadMbps)
				assert.True(t, r.Timestamp.Equal(base.Add(time.Duration(14-i)*time.Minute)))
				assert.NotEmpty(t, r.ID)
			}

			got, err = st.Recent(ctx, 3)
			require.NoError(t, err)
			assert.Len(t, got, 3)
			assert.Equal(t, 14.0, got[0].DownloadMbps)
		})
	}
}

func TestSQLiteRoundTripsDetails(t *testing.T) {
	st := openTest(t, "sqlite")
	ctx := context.Background()
	in := speedtest.Result{
		ID:            "abc",
		DownloadMbps:  93.21,
		UploadMbps:    40.05,
		PingMs:        8.33,
		Timestamp:     time.Date(2024, 5, 1, 12, 0, 0, 123000000, time.UTC),
		Server:        "http://speed.local",
		Duration:      21 * time.Second,
		DownloadBytes: 1 << 30,
		UploadBytes:   1 << 20,
	}
	require.NoError(t, st.Append(ctx, in, 10))

	got, err := st.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	out := got[0]
	assert.True(t, in.Timestamp.Equal(out.Timestamp))
	out.Timestamp = in.Timestamp
	assert.Equal(t, in, out)
}

func TestSQLiteEmpty(t *testing.T) {
	st := openTest(t, "sqlite")
	got, err := st.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}
