package cli

import (
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/spf13/cobra"

	"pewspeed/internal/storage"
	"pewspeed/pkg/speedtest"
)

func recent(cmd *cobra.Command, e *env, limit int) ([]speedtest.Result, error) {
	h := e.history()
	if h == nil {
		return nil, storage.ErrDisabled
	}
	if limit <= 0 {
		limit = speedtest.DefaultHistoryCap
	}
	return h.Recent(cmd.Context(), limit)
}

func newHistoryCommand(g *globalFlags, errOut io.Writer) *cobra.Command {
	var (
		limit   int
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List saved results, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := setup(cmd, g, errOut, true)
			if err != nil {
				return err
			}
			defer e.Close()

			results, err := recent(cmd, e, limit)
			if errors.Is(err, storage.ErrDisabled) {
				return errors.New("history is disabled (history.driver=none)")
			}
			if err != nil {
				return err
			}
			if jsonOut {
				if results == nil {
					results = []speedtest.Result{}
				}
				return json.NewEncoder(e.out).Encode(results)
			}
			printHistory(e.out, results, time.Now())
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", speedtest.DefaultHistoryCap, "number of results to show")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print as a JSON array")
	return cmd
}

func newStatsCommand(g *globalFlags, errOut io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarize saved results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := setup(cmd, g, errOut, true)
			if err != nil {
				return err
			}
			defer e.Close()

			results, err := recent(cmd, e, e.cfg.History.Cap)
			if errors.Is(err, storage.ErrDisabled) {
				return errors.New("history is disabled (history.driver=none)")
			}
			if err != nil {
				return err
			}
			printStats(e.out, speedtest.Summarize(results))
			return nil
		},
	}
}
