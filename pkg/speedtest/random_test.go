package speedtest

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

// cappedReader rejects requests above limit, like WebCrypto's getRandomValues.
type cappedReader struct {
	limit int
	calls []int
	next  byte
}

func (r *cappedReader) Read(p []byte) (int, error) {
	r.calls = append(r.calls, len(p))
	if len(p) > r.limit {
		return 0, assert.AnError
	}
	for i := range p {
		p[i] = r.next
		r.next++
	}
	return len(p), nil
}

func TestFillRandomRespectsChunkLimit(t *testing.T) {
	src := &cappedReader{limit: MaxRandomFill}
	buf := make([]byte, MiB+10)

	require.NoError(t, FillRandom(src, buf, MaxRandomFill))
	assert.Len(t, src.calls, 17)
	for _, n := range src.calls {
		assert.LessOrEqual(t, n, MaxRandomFill)
	}
	assert.Equal(t, 10, src.calls[len(src.calls)-1])
	assert.Equal(t, byte(1), buf[1])
	assert.Equal(t, byte(9), buf[len(buf)-1])
}

func TestFillRandomDefaultsToCryptoRand(t *testing.T) {
	buf := make([]byte, 4096)
	require.NoError(t, FillRandom(nil, buf, 0))
	assert.False(t, bytes.Equal(buf, make([]byte, len(buf))))
}

func TestFillRandomWrapsSourceError(t *testing.T) {
	err := FillRandom(errReader{assert.AnError}, make([]byte, 10), 4)
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
}
