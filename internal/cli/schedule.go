package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pewspeed/internal/schedule"
	logx "pewspeed/pkg/logx"
	"pewspeed/pkg/speedtest"
)

func newScheduleCommand(g *globalFlags, errOut io.Writer) *cobra.Command {
	var (
		runNow bool
		next   int
		dry    bool
	)
	cmd := &cobra.Command{
		Use:   "schedule [spec]",
		Short: "Run measurements on a schedule until interrupted",
		Long: `Run measurements repeatedly. The spec is a cron expression ("0 */6 * * *"),
a descriptor ("@hourly", "@every 30m"), or an interval ("interval:15m", "1h").
Without an argument client.schedule from the config file is used.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd, g, errOut, true)
			if err != nil {
				return err
			}
			defer e.Close()

			raw := e.cfg.Client.Schedule
			if len(args) == 1 {
				raw = args[0]
			}
			if strings.TrimSpace(raw) == "" {
				return errors.New("no schedule given (pass a spec or set client.schedule)")
			}

			eng, _, err := newEngine(e, newConsoleReporter(e.out, g.verbose), true)
			if err != nil {
				return err
			}
			log := e.log.With(logx.String("comp", "schedule"))
			r, err := schedule.New(raw, measureJob(eng, log), schedule.Options{
				Timezone: e.cfg.Client.Timezone,
				RunNow:   runNow,
				Logger:   log,
			})
			if err != nil {
				return err
			}

			fmt.Fprintf(e.out, "Schedule %s (%s)\n", r.Spec(), r.Location())
			for _, t := range r.Next(time.Now(), next) {
				fmt.Fprintf(e.out, "  next: %s\n", t.Format(time.RFC1123))
			}
			if dry {
				return nil
			}

			err = r.Run(cmd.Context())
			c := r.Counters()
			fmt.Fprintf(e.out, "Stopped after %d runs (%d failed, %d skipped)\n", c.Runs, c.Failed, c.Skipped)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&runNow, "run-now", false, "measure once immediately")
	cmd.Flags().IntVar(&next, "next", 3, "number of upcoming run times to print")
	cmd.Flags().BoolVar(&dry, "dry-run", false, "print upcoming run times and exit")
	return cmd
}

// measureJob adapts one engine run to a schedule job.
func measureJob(eng *speedtest.Engine, log logx.Logger) schedule.Job {
	return func(ctx context.Context) error {
		res, err := eng.Run(ctx)
		if err != nil {
			log.Warn("scheduled measurement failed", logx.Err(err))
			return err
		}
		log.Info("scheduled measurement done",
			logx.Float64("download_mbps", res.DownloadMbps),
			logx.Float64("upload_mbps", res.UploadMbps),
			logx.Float64("ping_ms", res.PingMs),
		)
		return nil
	}
}
