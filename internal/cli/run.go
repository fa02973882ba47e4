package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	logx "pewspeed/pkg/logx"
	"pewspeed/pkg/speedtest"
)

type runFlags struct {
	downloadDuration string
	uploadDuration   string
	pingCount        int
	serverDefaults   bool
	noSave           bool
	jsonOut          bool
}

func (f *runFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.downloadDuration, "download-duration", "", "download phase budget, e.g. 10s")
	fs.StringVar(&f.uploadDuration, "upload-duration", "", "upload phase budget, e.g. 10s")
	fs.IntVar(&f.pingCount, "ping-count", 0, "number of latency probes")
	fs.BoolVar(&f.serverDefaults, "use-server-defaults", false, "adopt the server's advertised profile")
	fs.BoolVar(&f.noSave, "no-save", false, "do not append the result to history")
}

// apply copies explicitly set flags into e.cfg.
func (f *runFlags) apply(cmd *cobra.Command, e *env) {
	c := *e.cfg
	fs := cmd.Flags()
	if fs.Changed("download-duration") {
		c.Client.DownloadDuration = f.downloadDuration
	}
	if fs.Changed("upload-duration") {
		c.Client.UploadDuration = f.uploadDuration
	}
	if fs.Changed("ping-count") {
		c.Client.PingCount = f.pingCount
	}
	if fs.Changed("use-server-defaults") {
		c.Client.UseServerDefaults = f.serverDefaults
	}
	e.cfg = &c
}

func newEngine(e *env, rep speedtest.Reporter, save bool) (*speedtest.Engine, *speedtest.HTTPTransport, error) {
	ecfg, err := mapEngineConfig(e.cfg)
	if err != nil {
		return nil, nil, err
	}
	tcfg, err := mapTransportConfig(e.cfg)
	if err != nil {
		return nil, nil, err
	}
	tr, err := speedtest.NewHTTPTransport(serverURL(e.cfg), tcfg)
	if err != nil {
		return nil, nil, err
	}
	opts := []speedtest.Option{
		speedtest.WithLogger(e.log.With(logx.String("comp", "engine"))),
	}
	if rep != nil {
		opts = append(opts, speedtest.WithReporter(rep))
	}
	if h := e.history(); h != nil && save {
		opts = append(opts, speedtest.WithHistory(h))
	}
	return speedtest.New(tr, ecfg, opts...), tr, nil
}

func newRunCommand(g *globalFlags, errOut io.Writer) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one measurement and save it to history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := setup(cmd, g, errOut, !f.noSave)
			if err != nil {
				return err
			}
			defer e.Close()
			f.apply(cmd, e)

			var rep speedtest.Reporter = newConsoleReporter(e.out, g.verbose)
			if f.jsonOut {
				rep = speedtest.NopReporter{}
			}
			eng, tr, err := newEngine(e, rep, !f.noSave)
			if err != nil {
				return err
			}
			if !f.jsonOut {
				fmt.Fprintf(e.out, "Testing against %s\n", tr.BaseURL())
			}

			res, err := eng.Run(cmd.Context())
			if err != nil {
				return err
			}
			if f.jsonOut {
				enc := json.NewEncoder(e.out)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			return nil
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVar(&f.jsonOut, "json", false, "print the result as JSON instead of live progress")
	return cmd
}
