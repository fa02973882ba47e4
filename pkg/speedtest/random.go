package speedtest

import (
	"crypto/rand"
	"fmt"
	"io"
)

// MaxRandomFill is the largest slice handed to the random source in one
// call. Some sources (WebCrypto, a few HSM bindings) reject bigger requests.
const MaxRandomFill = 64 * 1024

// FillRandom fills buf from src in sub-chunks of at most maxChunk bytes.
// A nil src means crypto/rand; maxChunk <= 0 means MaxRandomFill.
func FillRandom(src io.Reader, buf []byte, maxChunk int) error {
	if src == nil {
		src = rand.Reader
	}
	if maxChunk <= 0 {
		maxChunk = MaxRandomFill
	}
	for off := 0; off < len(buf); off += maxChunk {
		end := off + maxChunk
		if end > len(buf) {
			end = len(buf)
		}
		if _, err := io.ReadFull(src, buf[off:end]); err != nil {
			return fmt.Errorf("fill random payload at %d: %w", off, err)
		}
	}
	return nil
}
