package speedtest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NDJSON history schema version.
const historySchemaVersion = 1

type historyRecord struct {
	V int `json:"v"`
	Result
}

// FileHistory persists results to a JSONL/NDJSON file, oldest line first.
//
// It is safe for concurrent use within one process.
type FileHistory struct {
	Filename string

	mu sync.Mutex
}

var _ History = (*FileHistory)(nil)

func NewFileHistory(filename string) *FileHistory {
	return &FileHistory{Filename: filename}
}

// Append adds r and compacts the file down to the max most recent records.
// max <= 0 means DefaultHistoryCap.
func (h *FileHistory) Append(ctx context.Context, r Result, max int) error {
	if h == nil || h.Filename == "" {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if max <= 0 {
		max = DefaultHistoryCap
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if dir := filepath.Dir(h.Filename); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create history dir: %w", err)
		}
	}

	b, err := json.Marshal(historyRecord{V: historySchemaVersion, Result: r})
	if err != nil {
		return fmt.Errorf("marshal history record: %w", err)
	}

	f, err := os.OpenFile(h.Filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open history file: %w", err)
	}
	_, werr := f.Write(append(b, '\n'))
	cerr := f.Close()
	if werr != nil {
		return fmt.Errorf("append history record: %w", werr)
	}
	if cerr != nil {
		return fmt.Errorf("close history file: %w", cerr)
	}

	if _, err := compactHistoryFileLocked(h.Filename, max); err != nil {
		return err
	}
	return nil
}

// Recent returns up to n results, newest first. A missing file is an empty history.
func (h *FileHistory) Recent(ctx context.Context, n int) ([]Result, error) {
	if h == nil || h.Filename == "" || n <= 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	recs, _, err := readTail(h.Filename, n)
	if err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(recs))
	for i := len(recs) - 1; i >= 0; i-- {
		out = append(out, recs[i].Result)
	}
	return out, nil
}

// readTail returns the last n decodable records in file order plus the
// number of non-empty lines seen. Undecodable lines are skipped.
func readTail(filename string, n int) ([]historyRecord, int, error) {
	f, err := os.Open(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("open history file: %w", err)
	}
	defer f.Close()

	buf := make([]historyRecord, 0, n)
	idx := 0
	full := false
	total := 0

	s := bufio.NewScanner(f)
	for s.Scan() {
		line := s.Bytes()
		if len(line) == 0 {
			continue
		}
		total++
		var rec historyRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		if len(buf) < n {
			buf = append(buf, rec)
			continue
		}
		buf[idx] = rec
		idx = (idx + 1) % n
		full = true
	}
	if err := s.Err(); err != nil {
		return nil, 0, fmt.Errorf("scan history file: %w", err)
	}

	if !full {
		return buf, total, nil
	}
	ordered := append([]historyRecord(nil), buf[idx:]...)
	return append(ordered, buf[:idx]...), total, nil
}

func compactHistoryFileLocked(filename string, max int) (int, error) {
	kept, total, err := readTail(filename, max)
	if err != nil {
		return 0, err
	}
	if total <= len(kept) {
		return 0, nil
	}

	tmp := filename + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open temp history file: %w", err)
	}
	bw := bufio.NewWriter(out)
	for _, rec := range kept {
		if rec.V == 0 {
			rec.V = historySchemaVersion
		}
		b, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		_, _ = bw.Write(b)
		_ = bw.WriteByte('\n')
	}
	ferr := bw.Flush()
	_ = out.Sync()
	cerr := out.Close()
	if ferr != nil {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("write temp history file: %w", ferr)
	}
	if cerr != nil {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("close temp history file: %w", cerr)
	}
	if err := os.Rename(tmp, filename); err != nil {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("replace history file: %w", err)
	}
	return total - len(kept), nil
}

// Stats summarizes a set of results.
type Stats struct {
	Count int

	AvgDownload, MinDownload, MaxDownload float64
	AvgUpload, MinUpload, MaxUpload       float64
	AvgPing, MinPing, MaxPing             float64

	First, Last time.Time
}

// Summarize computes Stats over results in any order.
func Summarize(results []Result) Stats {
	var s Stats
	var dl, ul, ping float64
	for _, r := range results {
		s.Count++
		dl += r.DownloadMbps
		ul += r.UploadMbps
		ping += r.PingMs

		if s.Count == 1 {
			s.MinDownload, s.MaxDownload = r.DownloadMbps, r.DownloadMbps
			s.MinUpload, s.MaxUpload = r.UploadMbps, r.UploadMbps
			s.MinPing, s.MaxPing = r.PingMs, r.PingMs
			s.First, s.Last = r.Timestamp, r.Timestamp
			continue
		}
		s.MinDownload = min(s.MinDownload, r.DownloadMbps)
		s.MaxDownload = max(s.MaxDownload, r.DownloadMbps)
		s.MinUpload = min(s.MinUpload, r.UploadMbps)
		s.MaxUpload = max(s.MaxUpload, r.UploadMbps)
		s.MinPing = min(s.MinPing, r.PingMs)
		s.MaxPing = max(s.MaxPing, r.PingMs)
		if r.Timestamp.Before(s.First) {
			s.First = r.Timestamp
		}
		if r.Timestamp.After(s.Last) {
			s.Last = r.Timestamp
		}
	}
	if s.Count == 0 {
		return s
	}
	n := float64(s.Count)
	s.AvgDownload = Round2(dl / n)
	s.AvgUpload = Round2(ul / n)
	s.AvgPing = Round2(ping / n)
	return s
}
