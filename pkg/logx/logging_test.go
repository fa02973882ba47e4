package logx

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerFieldsAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "test"))

	log.Debug("hidden")
	log.Info("visible", Int64("bytes", 42), Err(errors.New("boom")))

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"comp":"test"`)
	assert.Contains(t, out, `"bytes":42`)
	assert.Contains(t, out, `"err":"boom"`)
	assert.Contains(t, out, `"caller":"logging_test.go:`)
}

func TestSampledDropsBurst(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").Sampled(2)

	for i := 0; i < 10; i++ {
		log.Debug("chunk")
	}

	lines := strings.Count(strings.TrimSpace(buf.String()), "\n") + 1
	require.LessOrEqual(t, lines, 3)
	require.GreaterOrEqual(t, lines, 2)
}

func TestZeroLoggerIsNop(t *testing.T) {
	var log Logger
	assert.True(t, log.IsZero())
	assert.NotPanics(t, func() { log.Error("nothing") })
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelDebug, ParseLevel(" debug "))
	assert.Equal(t, LevelInfo, ParseLevel("bogus"))
}

func TestServiceFileSinkFollowsApply(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "server.log")

	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	defer svc.Close()
	log = log.With(String("comp", "test"))

	log.Debug("before")
	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	log.Debug("after", Duration("took", 1500*time.Millisecond))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "before")
	assert.Contains(t, string(b), `"message":"after"`)
	assert.Contains(t, string(b), `"took":"1.5s"`)
}
