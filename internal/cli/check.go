package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pewspeed/pkg/speedtest"
)

// checkSize is transferred in both directions by `speedtest check`.
const checkSize = 1 << 20

// runCheck downloads and uploads exactly checkSize bytes and fails unless
// both directions report that count.
func runCheck(ctx context.Context, tr *speedtest.HTTPTransport, out io.Writer) error {
	var errs []error

	if _, err := tr.PingReply(ctx); err != nil {
		errs = append(errs, fmt.Errorf("ping: %w", err))
	} else {
		fmt.Fprintf(out, "%s ping\n", okMark())
	}

	n, err := tr.Download(ctx, checkSize, nil)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("download: %w", err))
	case n != checkSize:
		errs = append(errs, fmt.Errorf("download: got %d bytes, want %d", n, checkSize))
	default:
		fmt.Fprintf(out, "%s download %s\n", okMark(), humanize.IBytes(uint64(n)))
	}

	payload := make([]byte, checkSize)
	if err := speedtest.FillRandom(nil, payload, speedtest.MaxRandomFill); err != nil {
		return err
	}
	n, err = tr.Upload(ctx, payload)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("upload: %w", err))
	case n != checkSize:
		errs = append(errs, fmt.Errorf("upload: server acknowledged %d bytes, want %d", n, checkSize))
	default:
		fmt.Fprintf(out, "%s upload %s\n", okMark(), humanize.IBytes(uint64(n)))
	}

	return errors.Join(errs...)
}

func okMark() string { return phaseColor[speedtest.PhaseDownload].Sprint("ok") }

func newCheckCommand(g *globalFlags, errOut io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify the server transfers exact byte counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := setup(cmd, g, errOut, false)
			if err != nil {
				return err
			}
			tcfg, err := mapTransportConfig(e.cfg)
			if err != nil {
				return err
			}
			tr, err := speedtest.NewHTTPTransport(serverURL(e.cfg), tcfg)
			if err != nil {
				return err
			}
			defer tr.CloseIdleConnections()
			fmt.Fprintf(e.out, "Checking %s\n", tr.BaseURL())
			return runCheck(cmd.Context(), tr, e.out)
		},
	}
}
