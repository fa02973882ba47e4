package cli

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"pewspeed/pkg/speedtest"
)

var (
	phaseColor = map[speedtest.Phase]*color.Color{
		speedtest.PhasePing:     color.New(color.FgYellow),
		speedtest.PhaseDownload: color.New(color.FgCyan),
		speedtest.PhaseUpload:   color.New(color.FgMagenta),
	}
	bold    = color.New(color.Bold)
	faint   = color.New(color.Faint)
	errText = color.New(color.FgRed)
)

func unit(p speedtest.Phase) string {
	if p == speedtest.PhasePing {
		return "ms"
	}
	return "Mbps"
}

// consoleReporter renders live progress on a terminal. Interim values
// rewrite the current line.
type consoleReporter struct {
	mu      sync.Mutex
	w       io.Writer
	live    bool // progress lines are being overwritten in place
	verbose bool
}

var _ speedtest.Reporter = (*consoleReporter)(nil)

func newConsoleReporter(w io.Writer, verbose bool) *consoleReporter {
	return &consoleReporter{w: w, verbose: verbose}
}

func (r *consoleReporter) label(p speedtest.Phase) string {
	c := phaseColor[p]
	if c == nil {
		c = bold
	}
	return c.Sprintf("%-9s", p)
}

func (r *consoleReporter) PhaseStarted(p speedtest.Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.w, "%s %s", r.label(p), faint.Sprint("..."))
	r.live = true
}

func (r *consoleReporter) Progress(p speedtest.Phase, v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.w, "\r%s %8.2f %s", r.label(p), v, unit(p))
	r.live = true
}

func (r *consoleReporter) PhaseCompleted(res speedtest.PhaseResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	line := fmt.Sprintf("\r%s %8.2f %s", r.label(res.Phase), res.Value, unit(res.Phase))
	var detail []string
	if res.Phase == speedtest.PhasePing {
		detail = append(detail, fmt.Sprintf("%d probes", res.Requests))
	} else {
		detail = append(detail,
			humanize.IBytes(uint64(max(res.Bytes, 0))),
			res.Elapsed.Round(time.Millisecond).String(),
			fmt.Sprintf("%d requests", res.Requests),
		)
	}
	if r.verbose || res.Err != nil {
		line += "  " + faint.Sprint("("+strings.Join(detail, ", ")+")")
	}
	if res.Err != nil {
		line += "  " + errText.Sprintf("ended early: %v", res.Err)
	}
	fmt.Fprintln(r.w, line)
	r.live = false
}

func (r *consoleReporter) DisplayResult(res speedtest.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.w, strings.Repeat("─", 36))
	fmt.Fprintf(r.w, "%s %s  %s %s  %s %s\n",
		bold.Sprint("↓"), phaseColor[speedtest.PhaseDownload].Sprintf("%.2f Mbps", res.DownloadMbps),
		bold.Sprint("↑"), phaseColor[speedtest.PhaseUpload].Sprintf("%.2f Mbps", res.UploadMbps),
		bold.Sprint("ping"), phaseColor[speedtest.PhasePing].Sprintf("%.2f ms", res.PingMs),
	)
	if r.verbose {
		fmt.Fprintln(r.w, faint.Sprintf("%s · took %s · %s down · %s up",
			res.Server,
			res.Duration.Round(100*time.Millisecond),
			humanize.IBytes(uint64(max(res.DownloadBytes, 0))),
			humanize.IBytes(uint64(max(res.UploadBytes, 0))),
		))
	}
}

// ResetStatuses terminates a progress line left open by a failed phase.
func (r *consoleReporter) ResetStatuses() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.live {
		fmt.Fprintln(r.w)
		r.live = false
	}
}

func printHistory(w io.Writer, results []speedtest.Result, now time.Time) {
	if len(results) == 0 {
		fmt.Fprintln(w, "No speedtest history available")
		return
	}
	fmt.Fprintln(w, bold.Sprintf("Recent %d results", len(results)))
	for i, r := range results {
		fmt.Fprintf(w, "%2d. %s %s\n    ↓ %8.2f Mbps   ↑ %8.2f Mbps   ping %7.2f ms\n",
			i+1,
			r.Timestamp.Local().Format("2006-01-02 15:04:05"),
			faint.Sprintf("(%s)", humanize.RelTime(r.Timestamp, now, "ago", "from now")),
			r.DownloadMbps, r.UploadMbps, r.PingMs,
		)
	}
}

func printStats(w io.Writer, s speedtest.Stats) {
	if s.Count == 0 {
		fmt.Fprintln(w, "No speedtest history available")
		return
	}
	fmt.Fprintln(w, bold.Sprintf("Statistics over %d results", s.Count))
	fmt.Fprintf(w, "Period: %s → %s\n",
		s.First.Local().Format("2006-01-02 15:04"), s.Last.Local().Format("2006-01-02 15:04"))
	row := func(name string, avg, lo, hi float64, u string) {
		fmt.Fprintf(w, "%-9s avg %8.2f  min %8.2f  max %8.2f %s\n", name, avg, lo, hi, u)
	}
	row("download", s.AvgDownload, s.MinDownload, s.MaxDownload, "Mbps")
	row("upload", s.AvgUpload, s.MinUpload, s.MaxUpload, "Mbps")
	row("ping", s.AvgPing, s.MinPing, s.MaxPing, "ms")
}
